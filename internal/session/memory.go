package session

import (
	"context"
	"fmt"
	"sync"
)

type MemoryRepository struct {
	mu     sync.RWMutex
	states map[string]State
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{states: make(map[string]State)}
}

func (m *MemoryRepository) Load(_ context.Context, id string) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[id]
	if !ok {
		return State{}, ErrNotFound
	}
	return state, nil
}

func (m *MemoryRepository) Create(_ context.Context, id string, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.states[id]; exists {
		return fmt.Errorf("session %s already exists", id)
	}
	m.states[id] = state
	return nil
}

func (m *MemoryRepository) Replace(_ context.Context, id string, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.states[id]; !exists {
		return ErrNotFound
	}
	m.states[id] = state
	return nil
}

func (m *MemoryRepository) Ping(context.Context) error {
	return nil
}
