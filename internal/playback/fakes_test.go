package playback

import (
	"context"
	"errors"
	"sync"

	"github.com/sendrec/watchparty/internal/session"
)

type fakePlayer struct {
	mu       sync.Mutex
	position float64
	paused   bool
	loaded   []string
	calls    []string
	loadErr  error
	posErr   error
	onEvent  func(Event)
}

func newFakePlayer(position float64, paused bool) *fakePlayer {
	return &fakePlayer{position: position, paused: paused}
}

func (p *fakePlayer) Position() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position, p.posErr
}

func (p *fakePlayer) Paused() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused, nil
}

func (p *fakePlayer) Seek(seconds float64) error {
	p.mu.Lock()
	p.position = seconds
	p.calls = append(p.calls, "seek")
	p.mu.Unlock()
	p.emit(EventSeeked)
	return nil
}

func (p *fakePlayer) Play() error {
	p.mu.Lock()
	p.paused = false
	p.calls = append(p.calls, "play")
	p.mu.Unlock()
	p.emit(EventPlay)
	return nil
}

func (p *fakePlayer) Pause() error {
	p.mu.Lock()
	p.paused = true
	p.calls = append(p.calls, "pause")
	p.mu.Unlock()
	p.emit(EventPause)
	return nil
}

func (p *fakePlayer) Load(url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loadErr != nil {
		return p.loadErr
	}
	p.loaded = append(p.loaded, url)
	p.position = 0
	p.paused = true
	return nil
}

func (p *fakePlayer) emit(ev Event) {
	p.mu.Lock()
	fn := p.onEvent
	p.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (p *fakePlayer) snapshot() (float64, bool, []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position, p.paused, append([]string(nil), p.calls...)
}

// set moves the player as if the viewer had used its controls.
func (p *fakePlayer) set(position float64, paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.position = position
	p.paused = paused
}

type fakeStore struct {
	mu     sync.Mutex
	state  *session.State
	puts   []session.State
	getErr error
	subFn  func(session.State)
}

func (s *fakeStore) Get(_ context.Context, _ string) (session.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return session.State{}, s.getErr
	}
	if s.state == nil {
		return session.State{}, session.ErrNotFound
	}
	return *s.state, nil
}

func (s *fakeStore) Put(_ context.Context, _ string, st session.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts = append(s.puts, st)
	s.state = &st
	return nil
}

func (s *fakeStore) Subscribe(_ context.Context, _ string, fn func(session.State)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subFn = fn
	return func() {}, nil
}

func (s *fakeStore) written() []session.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]session.State(nil), s.puts...)
}

type countingSource struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func (c *countingSource) ResolveDownloadURL(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[key]++
	if c.err != nil {
		return "", c.err
	}
	return "https://cdn.example.com/" + key + "?sig=1", nil
}

func (c *countingSource) count(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[key]
}

var errBoom = errors.New("boom")

// blockingSource holds every resolution until release is closed or the
// caller gives up.
type blockingSource struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func newBlockingSource() *blockingSource {
	return &blockingSource{started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingSource) ResolveDownloadURL(ctx context.Context, key string) (string, error) {
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
		return "https://cdn.example.com/" + key, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
