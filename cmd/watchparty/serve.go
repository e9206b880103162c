package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sendrec/watchparty/internal/config"
	"github.com/sendrec/watchparty/internal/database"
	"github.com/sendrec/watchparty/internal/gateway"
	"github.com/sendrec/watchparty/internal/server"
	"github.com/sendrec/watchparty/internal/session"
	"github.com/sendrec/watchparty/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)
	logger := config.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	repo, closeRepo, err := openRepository(bootCtx, cfg)
	if err != nil {
		return err
	}
	defer closeRepo()

	bus, closeBus, err := openBroadcaster(cfg)
	if err != nil {
		return err
	}
	defer closeBus()

	store, err := storage.New(bootCtx, storage.Config{
		Endpoint:       cfg.S3.Endpoint,
		PublicEndpoint: cfg.S3.PublicEndpoint,
		Bucket:         cfg.S3.Bucket,
		AccessKey:      cfg.S3.AccessKey,
		SecretKey:      cfg.S3.SecretKey,
		Region:         cfg.S3.Region,
		MaxUploadBytes: cfg.MaxUploadBytes,
		DownloadTTL:    cfg.DownloadURLTTL,
	})
	if err != nil {
		return fmt.Errorf("storage initialization failed: %w", err)
	}
	if err := store.EnsureBucket(bootCtx); err != nil {
		return fmt.Errorf("storage bucket check failed: %w", err)
	}
	if err := store.SetCORS(bootCtx, cfg.AllowedOrigins); err != nil {
		slog.Warn("failed to set bucket CORS", "error", err)
	}
	slog.Info("storage bucket ready", "bucket", cfg.S3.Bucket)

	svc := session.NewService(repo, bus)
	wsConfig := gateway.DefaultConnectionConfig()
	wsConfig.CheckOrigin = originChecker(cfg.AllowedOrigins)
	connections := gateway.NewConnectionManager(svc, wsConfig, logger)
	go connections.Start(ctx)

	srv := server.New(server.Config{
		Service:        svc,
		Storage:        store,
		Events:         connections,
		Pinger:         svc,
		BaseURL:        cfg.BaseURL,
		AllowedOrigins: cfg.AllowedOrigins,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})
	go srv.Run(ctx)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("watchparty listening", "port", cfg.Port, "store", cfg.StoreBackend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}
	slog.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	slog.Info("shutdown complete")
	return nil
}

func openRepository(ctx context.Context, cfg *config.Config) (session.Repository, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		db, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("database migration failed: %w", err)
		}
		slog.Info("database migrations applied")
		return session.NewPostgresRepository(db.Pool), db.Close, nil
	case config.BackendPebble:
		repo, err := session.OpenPebble(cfg.PebbleDir)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("pebble store opened", "dir", cfg.PebbleDir)
		return repo, func() {
			if err := repo.Close(); err != nil {
				slog.Error("failed to close pebble store", "error", err)
			}
		}, nil
	default:
		slog.Warn("using in-memory session store; sessions are lost on restart")
		return session.NewMemoryRepository(), func() {}, nil
	}
}

func openBroadcaster(cfg *config.Config) (session.Broadcaster, func(), error) {
	if cfg.NATSURL == "" {
		return session.NewHub(), func() {}, nil
	}
	natsCfg := session.DefaultNATSConfig()
	natsCfg.URL = cfg.NATSURL
	nc, err := session.ConnectNATS(natsCfg)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("NATS connected", "url", nc.ConnectedUrl())
	return session.NewNATSBroadcaster(nc, natsCfg.SubjectPrefix), func() {
		if err := nc.Drain(); err != nil {
			slog.Error("failed to drain NATS connection", "error", err)
		}
	}, nil
}

// originChecker admits websocket upgrades from the allowed browser origins.
// Requests without an Origin header come from native clients and pass.
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
	}
}
