// Package playback keeps a local player in step with a shared session state.
//
// A session state is a snapshot (position, playing flag) stamped with the wall
// clock time it was taken. Project turns a snapshot into the position the
// session should be at now; Policy decides whether the local player has
// drifted far enough from it to be corrected; Synchronizer wires both to a
// Store subscription and publishes the viewer's own transport actions.
package playback

import (
	"fmt"
	"math"
	"time"

	"github.com/sendrec/watchparty/internal/session"
)

// DefaultThreshold is the drift, in seconds, tolerated before a player is
// forced back in line.
const DefaultThreshold = 3.0

// Project returns the position implied by state at now, assuming 1x playback
// and no propagation delay. A now earlier than state.UpdatedAt moves a playing
// projection backwards; callers absorb that through the policy threshold.
func Project(state session.State, now time.Time) (position float64, playing bool) {
	if !state.Playing {
		return state.Time, false
	}
	elapsed := float64(now.UnixMilli()-state.UpdatedAt) / 1000
	return state.Time + elapsed, true
}

type Policy struct {
	Threshold float64
}

// NewPolicy returns a policy tolerating threshold seconds of drift. Negative
// values are treated as zero.
func NewPolicy(threshold float64) Policy {
	if threshold < 0 || math.IsNaN(threshold) {
		threshold = 0
	}
	return Policy{Threshold: threshold}
}

func DefaultPolicy() Policy {
	return NewPolicy(DefaultThreshold)
}

// Decision records what a reconciliation observed and whether it acted.
type Decision struct {
	Projected   float64
	Local       float64
	Drift       float64
	ShouldPlay  bool
	LocalPaused bool
	Corrected   bool
}

// Reconcile compares player against the projection of state at now. When the
// drift exceeds the threshold the player is seeked to the projected position
// and set playing or paused to match; otherwise it is left alone.
func (p Policy) Reconcile(player Player, state session.State, now time.Time) (Decision, error) {
	projected, shouldPlay := Project(state, now)

	local, err := player.Position()
	if err != nil {
		return Decision{}, fmt.Errorf("read player position: %w", err)
	}
	paused, err := player.Paused()
	if err != nil {
		return Decision{}, fmt.Errorf("read player pause state: %w", err)
	}

	d := Decision{
		Projected:   projected,
		Local:       local,
		Drift:       math.Abs(projected - local),
		ShouldPlay:  shouldPlay,
		LocalPaused: paused,
	}
	if d.Drift <= p.Threshold {
		return d, nil
	}

	if err := player.Seek(projected); err != nil {
		return d, fmt.Errorf("seek to %.3f: %w", projected, err)
	}
	if shouldPlay {
		err = player.Play()
	} else {
		err = player.Pause()
	}
	if err != nil {
		return d, fmt.Errorf("apply playing=%t: %w", shouldPlay, err)
	}
	d.Corrected = true
	return d, nil
}
