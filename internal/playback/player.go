package playback

import (
	"context"

	"github.com/sendrec/watchparty/internal/session"
)

// Player is the transport surface of a local media player.
type Player interface {
	Position() (float64, error)
	Paused() (bool, error)
	Seek(seconds float64) error
	Play() error
	Pause() error
	// Load replaces the current media with the one at url, paused at 0.
	Load(url string) error
}

// Event is a transport action observed on the local player.
type Event int

const (
	EventPlay Event = iota + 1
	EventPause
	EventSeeked
)

func (e Event) String() string {
	switch e {
	case EventPlay:
		return "play"
	case EventPause:
		return "pause"
	case EventSeeked:
		return "seeked"
	default:
		return "unknown"
	}
}

// Store is the session state store as seen by a viewer.
type Store interface {
	Get(ctx context.Context, id string) (session.State, error)
	Put(ctx context.Context, id string, state session.State) error
	Subscribe(ctx context.Context, id string, fn func(session.State)) (unsubscribe func(), err error)
}
