package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/sendrec/watchparty/internal/ratelimit"
	"github.com/sendrec/watchparty/internal/session"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Service        *session.Service
	Storage        session.ObjectStorage
	Events         session.EventStreamer
	Pinger         Pinger
	BaseURL        string
	AllowedOrigins []string
	MaxUploadBytes int64
}

type Server struct {
	router         chi.Router
	pinger         Pinger
	sessionHandler *session.Handler
	limiters       []*ratelimit.Limiter
}

func New(cfg Config) *Server {
	r := chi.NewRouter()
	r.Use(slogMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders(SecurityConfig{BaseURL: cfg.BaseURL}))
	r.Use(cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         600,
	}).Handler)

	s := &Server{router: r, pinger: cfg.Pinger}

	if cfg.Service != nil {
		s.sessionHandler = session.NewHandler(cfg.Service, cfg.Storage, cfg.MaxUploadBytes)
		if cfg.Events != nil {
			s.sessionHandler.SetEventStreamer(cfg.Events)
		}
	}

	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run performs background housekeeping until ctx is done.
func (s *Server) Run(ctx context.Context) {
	done := make(chan struct{}, len(s.limiters))
	for _, l := range s.limiters {
		go func() {
			l.Run(ctx)
			done <- struct{}{}
		}()
	}
	for range s.limiters {
		<-done
	}
}

func (s *Server) routes() {
	s.router.Get("/api/health", s.handleHealth)

	if s.sessionHandler == nil {
		return
	}

	uploadLimiter := ratelimit.NewLimiter(0.2, 3)
	writeLimiter := ratelimit.NewLimiter(5, 20)
	s.limiters = append(s.limiters, uploadLimiter, writeLimiter)

	s.router.Route("/api/sessions", func(r chi.Router) {
		r.With(uploadLimiter.Middleware).Post("/", s.sessionHandler.Create)
		r.Get("/{id}", s.sessionHandler.Get)
		r.With(writeLimiter.Middleware).Put("/{id}", s.sessionHandler.Put)
		r.Get("/{id}/events", s.sessionHandler.Events)
	})
	s.router.Get("/api/media", s.sessionHandler.Media)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy","error":"session store unreachable"}`))
			return
		}
	}
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
