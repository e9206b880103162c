package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sendrec/watchparty/internal/session"
)

var (
	ErrNoSession = errors.New("no session id")
	ErrDetached  = errors.New("player detached")
)

const (
	DefaultEchoWindow     = 750 * time.Millisecond
	DefaultWriteTimeout   = 10 * time.Second
	DefaultResolveTimeout = 30 * time.Second

	// maxPending bounds the own writes remembered while waiting for their
	// notifications.
	maxPending = 32
)

type Status int

const (
	StatusLoading Status = iota
	StatusReady
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type Config struct {
	Store     Store
	SessionID string
	Player    Player
	// Resolver maps the state's media key to a playable URL. When nil the key
	// is handed to the player as is.
	Resolver *Resolver
	Clock    clockwork.Clock
	Policy   Policy
	// Origin tags every state this synchronizer writes. Generated when empty.
	Origin string
	// EchoWindow is how long player events are ignored after the synchronizer
	// itself moved the player.
	EchoWindow   time.Duration
	WriteTimeout time.Duration
	// ResolveTimeout bounds resolving and loading a new media key.
	ResolveTimeout time.Duration
	Logger         *slog.Logger
}

// Synchronizer binds one local player to one session.
type Synchronizer struct {
	store          Store
	sessionID      string
	player         Player
	resolver       *Resolver
	clock          clockwork.Clock
	policy         Policy
	origin         string
	echoWindow     time.Duration
	writeTimeout   time.Duration
	resolveTimeout time.Duration
	logger         *slog.Logger

	states chan session.State
	events chan Event

	// applyMu serializes reconciliation. It is held across media resolution,
	// which mu never is.
	applyMu sync.Mutex

	mu            sync.Mutex
	current       *session.State
	mediaKey      string
	status        Status
	lastErr       error
	suppressUntil time.Time
	// pending holds own writes, oldest first, whose notifications have not
	// arrived and that no other state has overtaken.
	pending []session.State

	detached atomic.Bool
	writes   sync.WaitGroup
}

func New(cfg Config) *Synchronizer {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Origin == "" {
		cfg.Origin = uuid.NewString()
	}
	if cfg.EchoWindow <= 0 {
		cfg.EchoWindow = DefaultEchoWindow
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = DefaultResolveTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Synchronizer{
		store:          cfg.Store,
		sessionID:      cfg.SessionID,
		player:         cfg.Player,
		resolver:       cfg.Resolver,
		clock:          cfg.Clock,
		policy:         cfg.Policy,
		origin:         cfg.Origin,
		echoWindow:     cfg.EchoWindow,
		writeTimeout:   cfg.WriteTimeout,
		resolveTimeout: cfg.ResolveTimeout,
		logger:         cfg.Logger.With("session_id", cfg.SessionID),
		states:         make(chan session.State, 16),
		events:         make(chan Event, 16),
	}
}

func (s *Synchronizer) Origin() string {
	return s.origin
}

func (s *Synchronizer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastError returns the error that put the synchronizer into StatusFailed.
func (s *Synchronizer) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Current returns the latest state seen or written, if any.
func (s *Synchronizer) Current() (session.State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return session.State{}, false
	}
	return *s.current, true
}

// Run follows the session until ctx is done. It reconciles against the stored
// state once, then against every notification, and publishes local player
// events passed to Notify. The subscription is released and the player
// detached before Run returns.
func (s *Synchronizer) Run(ctx context.Context) error {
	if s.sessionID == "" {
		return ErrNoSession
	}
	defer s.Detach()

	state, err := s.store.Get(ctx, s.sessionID)
	switch {
	case err == nil:
		s.HandleState(ctx, state)
	case errors.Is(err, session.ErrNotFound):
		s.logger.Info("session has no state yet")
	default:
		s.logger.Warn("failed to read session state", "error", err)
	}

	unsubscribe, err := s.store.Subscribe(ctx, s.sessionID, func(st session.State) {
		select {
		case s.states <- st:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe session %s: %w", s.sessionID, err)
	}
	defer unsubscribe()

	s.logger.Info("following session", "origin", s.origin)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("stopped following session")
			return nil
		case st := <-s.states:
			s.HandleState(ctx, st)
		case ev := <-s.events:
			s.HandleEvent(ev)
		}
	}
}

// Notify queues a local player event for Run. Events are dropped when the
// queue is full.
func (s *Synchronizer) Notify(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("player event queue full, dropping event", "event", ev.String())
	}
}

// Detach marks the player handle dead. Later notifications and events no-op.
func (s *Synchronizer) Detach() {
	s.detached.Store(true)
}

// Wait blocks until every in-flight state write has finished.
func (s *Synchronizer) Wait() {
	s.writes.Wait()
}

// SyncNow reads the latest state and reconciles against it immediately,
// including states this synchronizer wrote itself.
func (s *Synchronizer) SyncNow(ctx context.Context) error {
	if s.sessionID == "" {
		return ErrNoSession
	}
	if s.detached.Load() {
		return ErrDetached
	}
	state, err := s.store.Get(ctx, s.sessionID)
	if err != nil {
		return fmt.Errorf("read session %s: %w", s.sessionID, err)
	}
	return s.apply(ctx, state, true)
}

// HandleState reconciles the player against a state notification. Invalid
// states and the notifications of this synchronizer's own pending writes are
// ignored.
func (s *Synchronizer) HandleState(ctx context.Context, state session.State) {
	if err := s.apply(ctx, state, false); err != nil && !errors.Is(err, ErrDetached) {
		s.logger.Warn("failed to apply session state", "error", err)
	}
}

func (s *Synchronizer) apply(ctx context.Context, state session.State, manual bool) error {
	if s.detached.Load() {
		return ErrDetached
	}
	if err := state.Validate(); err != nil {
		return fmt.Errorf("drop session state: %w", err)
	}

	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	s.mu.Lock()
	s.current = &state
	if !manual && s.ackPendingLocked(state) {
		s.mu.Unlock()
		s.logger.Debug("skipping own session state", "updated_at", state.UpdatedAt)
		return nil
	}
	s.pending = nil
	if s.status != StatusReady || s.mediaKey != state.URL {
		s.status = StatusLoading
		s.mu.Unlock()
		if err := s.loadMedia(ctx, state.URL); err != nil {
			return err
		}
		if s.detached.Load() {
			return ErrDetached
		}
		s.mu.Lock()
	}
	defer s.mu.Unlock()

	now := s.clock.Now()
	d, err := s.policy.Reconcile(s.player, state, now)
	if err != nil {
		return err
	}
	if d.Corrected {
		s.suppressUntil = s.clock.Now().Add(s.echoWindow)
		s.logger.Info("corrected playback drift",
			"projected", d.Projected,
			"local", d.Local,
			"drift", d.Drift,
			"playing", d.ShouldPlay,
			"manual", manual,
		)
	} else {
		s.logger.Debug("playback within threshold", "drift", d.Drift, "threshold", s.policy.Threshold)
	}
	return nil
}

// ackPendingLocked reports whether state is one of this synchronizer's own
// writes that nothing has overtaken yet, and forgets it and every older
// pending write. Such a state is already reflected by the local player, or
// will be by a newer own write still in flight.
func (s *Synchronizer) ackPendingLocked(state session.State) bool {
	if state.Origin != s.origin {
		return false
	}
	for i, p := range s.pending {
		if p == state {
			s.pending = s.pending[i+1:]
			return true
		}
	}
	return false
}

// loadMedia resolves key and loads it into the player without holding mu, so
// Status reports StatusLoading meanwhile.
func (s *Synchronizer) loadMedia(ctx context.Context, key string) error {
	url := key
	if s.resolver != nil {
		resolveCtx, cancel := context.WithTimeout(ctx, s.resolveTimeout)
		resolved, _, err := s.resolver.Resolve(resolveCtx, key)
		cancel()
		if err != nil {
			s.fail(err)
			return err
		}
		url = resolved
	}

	if err := s.player.Load(url); err != nil {
		err = fmt.Errorf("load media: %w", err)
		s.fail(err)
		return err
	}

	s.mu.Lock()
	s.mediaKey = key
	s.status = StatusReady
	s.lastErr = nil
	s.suppressUntil = s.clock.Now().Add(s.echoWindow)
	s.mu.Unlock()
	s.logger.Info("media loaded", "key", key)
	return nil
}

func (s *Synchronizer) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusFailed
	s.lastErr = err
}

// HandleEvent publishes the state implied by a local transport action. Events
// that arrive before any state is known, or within the echo window of a
// correction, are ignored.
func (s *Synchronizer) HandleEvent(ev Event) {
	if s.detached.Load() {
		return
	}

	s.mu.Lock()
	if s.current == nil || s.status != StatusReady {
		s.mu.Unlock()
		s.logger.Debug("ignoring player event before session is ready", "event", ev.String())
		return
	}
	now := s.clock.Now()
	if now.Before(s.suppressUntil) {
		s.mu.Unlock()
		s.logger.Debug("ignoring echoed player event", "event", ev.String())
		return
	}

	next, err := s.localStateLocked(ev, now)
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("failed to read player state", "event", ev.String(), "error", err)
		return
	}
	s.current = &next
	s.pending = append(s.pending, next)
	if len(s.pending) > maxPending {
		s.pending = s.pending[len(s.pending)-maxPending:]
	}
	s.mu.Unlock()

	s.publish(next, ev)
}

func (s *Synchronizer) localStateLocked(ev Event, now time.Time) (session.State, error) {
	position, err := s.player.Position()
	if err != nil {
		return session.State{}, err
	}

	var playing bool
	switch ev {
	case EventPlay:
		playing = true
	case EventPause:
		playing = false
	default:
		paused, err := s.player.Paused()
		if err != nil {
			return session.State{}, err
		}
		playing = !paused
	}

	return session.State{
		Time:      position,
		Playing:   playing,
		URL:       s.current.URL,
		UpdatedAt: now.UnixMilli(),
		Origin:    s.origin,
	}, nil
}

// publish writes state without waiting for the store to acknowledge it.
func (s *Synchronizer) publish(state session.State, ev Event) {
	s.writes.Add(1)
	go func() {
		defer s.writes.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
		defer cancel()

		if err := s.store.Put(ctx, s.sessionID, state); err != nil {
			s.logger.Error("failed to publish session state", "event", ev.String(), "error", err)
			return
		}
		s.logger.Debug("published session state",
			"event", ev.String(),
			"time", state.Time,
			"playing", state.Playing,
		)
	}()
}
