package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
)

// Repository persists the latest state of each session. Replace is a full
// overwrite; there is no compare-and-swap, so concurrent writers race and the
// last write to land wins.
type Repository interface {
	Load(ctx context.Context, id string) (State, error)
	Create(ctx context.Context, id string, state State) error
	Replace(ctx context.Context, id string, state State) error
	Ping(ctx context.Context) error
}

// Broadcaster fans a written state out to every subscriber of the session,
// including the writer itself.
type Broadcaster interface {
	Publish(ctx context.Context, id string, state State) error
	Subscribe(id string, fn func(State)) (unsubscribe func(), err error)
}

// Service is the session state store: persistence plus change notification.
type Service struct {
	repo  Repository
	bus   Broadcaster
	clock clockwork.Clock
}

func NewService(repo Repository, bus Broadcaster) *Service {
	return &Service{repo: repo, bus: bus, clock: clockwork.NewRealClock()}
}

// SetClock replaces the clock used to stamp newly created sessions.
func (s *Service) SetClock(c clockwork.Clock) {
	s.clock = c
}

// Create stores the initial document for a freshly uploaded media key.
func (s *Service) Create(ctx context.Context, id, key string) (State, error) {
	state := NewState(key, s.clock.Now())
	if err := s.repo.Create(ctx, id, state); err != nil {
		return State{}, fmt.Errorf("create session %s: %w", id, err)
	}
	s.publish(ctx, id, state)
	return state, nil
}

func (s *Service) Get(ctx context.Context, id string) (State, error) {
	state, err := s.repo.Load(ctx, id)
	if err != nil {
		return State{}, fmt.Errorf("load session %s: %w", id, err)
	}
	return state, nil
}

// Put replaces the session document and notifies subscribers.
func (s *Service) Put(ctx context.Context, id string, state State) error {
	if err := state.Validate(); err != nil {
		return err
	}
	if err := s.repo.Replace(ctx, id, state); err != nil {
		return fmt.Errorf("replace session %s: %w", id, err)
	}
	s.publish(ctx, id, state)
	return nil
}

// Subscribe registers fn for every state written to the session until the
// returned function is called or ctx is done.
func (s *Service) Subscribe(ctx context.Context, id string, fn func(State)) (func(), error) {
	unsubscribe, err := s.bus.Subscribe(id, fn)
	if err != nil {
		return nil, fmt.Errorf("subscribe session %s: %w", id, err)
	}
	stop := context.AfterFunc(ctx, unsubscribe)
	return func() {
		stop()
		unsubscribe()
	}, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

func (s *Service) publish(ctx context.Context, id string, state State) {
	if err := s.bus.Publish(ctx, id, state); err != nil {
		slog.Error("failed to publish session state", "session_id", id, "error", err)
	}
}
