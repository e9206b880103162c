// Package player holds the local media player adapters a viewer can attach to
// a session.
package player

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sendrec/watchparty/internal/playback"
)

// Virtual is a player without output. Its position advances with the clock
// while playing, which makes it usable for headless viewers and tests.
type Virtual struct {
	clock clockwork.Clock

	mu       sync.Mutex
	media    string
	base     float64
	since    time.Time
	playing  bool
	listener func(playback.Event)
}

func NewVirtual(clock clockwork.Clock) *Virtual {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Virtual{clock: clock, since: clock.Now()}
}

// OnEvent registers fn to receive transport events. Commands issued through
// the Player methods are reported like viewer actions, as a real player would.
func (v *Virtual) OnEvent(fn func(playback.Event)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.listener = fn
}

func (v *Virtual) Media() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.media
}

func (v *Virtual) Position() (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.positionLocked(), nil
}

func (v *Virtual) positionLocked() float64 {
	if !v.playing {
		return v.base
	}
	return v.base + v.clock.Since(v.since).Seconds()
}

func (v *Virtual) Paused() (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return !v.playing, nil
}

func (v *Virtual) Seek(seconds float64) error {
	if seconds < 0 {
		seconds = 0
	}
	v.mu.Lock()
	v.base = seconds
	v.since = v.clock.Now()
	v.mu.Unlock()
	v.emit(playback.EventSeeked)
	return nil
}

func (v *Virtual) Play() error {
	v.mu.Lock()
	if v.playing {
		v.mu.Unlock()
		return nil
	}
	v.since = v.clock.Now()
	v.playing = true
	v.mu.Unlock()
	v.emit(playback.EventPlay)
	return nil
}

func (v *Virtual) Pause() error {
	v.mu.Lock()
	if !v.playing {
		v.mu.Unlock()
		return nil
	}
	v.base = v.positionLocked()
	v.since = v.clock.Now()
	v.playing = false
	v.mu.Unlock()
	v.emit(playback.EventPause)
	return nil
}

func (v *Virtual) Load(url string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.media = url
	v.base = 0
	v.since = v.clock.Now()
	v.playing = false
	return nil
}

func (v *Virtual) emit(ev playback.Event) {
	v.mu.Lock()
	fn := v.listener
	v.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}
