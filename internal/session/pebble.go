package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble/v2"
)

const pebbleKeyPrefix = "session/"

// PebbleRepository keeps session documents in an embedded PebbleDB, for
// single-instance deployments without Postgres.
type PebbleRepository struct {
	db *pebble.DB
	// serializes the existence check and write in Create and Replace
	mu sync.Mutex
}

func OpenPebble(dir string) (*PebbleRepository, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create pebble dir: %w", err)
	}
	return openPebble(filepath.Clean(dir), &pebble.Options{})
}

func openPebble(dir string, opts *pebble.Options) (*PebbleRepository, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &PebbleRepository{db: db}, nil
}

func pebbleKey(id string) []byte {
	return []byte(pebbleKeyPrefix + id)
}

func (r *PebbleRepository) Load(_ context.Context, id string) (State, error) {
	value, closer, err := r.db.Get(pebbleKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, fmt.Errorf("get session: %w", err)
	}
	defer func() { _ = closer.Close() }()

	return Decode(value)
}

func (r *PebbleRepository) Create(_ context.Context, id string, state State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	exists, err := r.exists(id)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("session %s already exists", id)
	}
	return r.write(id, state)
}

func (r *PebbleRepository) Replace(_ context.Context, id string, state State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	exists, err := r.exists(id)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return r.write(id, state)
}

func (r *PebbleRepository) Ping(context.Context) error {
	return nil
}

func (r *PebbleRepository) Close() error {
	return r.db.Close()
}

func (r *PebbleRepository) exists(id string) (bool, error) {
	_, closer, err := r.db.Get(pebbleKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get session: %w", err)
	}
	_ = closer.Close()
	return true, nil
}

func (r *PebbleRepository) write(id string, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := r.db.Set(pebbleKey(id), data, pebble.Sync); err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}
