package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/segmentio/ksuid"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrInvalidState = errors.New("invalid session state")
)

// State is the shared playback record of a watch session. Time and Playing
// describe the player as of UpdatedAt; while Playing the position advances at
// real-time speed from that instant.
type State struct {
	Time      float64 `json:"time"`
	Playing   bool    `json:"playing"`
	URL       string  `json:"url"`
	UpdatedAt int64   `json:"updatedAt"`
	Origin    string  `json:"origin,omitempty"`
}

// NewState returns the document written when a session is created: paused at
// the start of the media stored under key.
func NewState(key string, now time.Time) State {
	return State{
		Time:      0,
		Playing:   false,
		URL:       key,
		UpdatedAt: now.UnixMilli(),
	}
}

func (s State) Validate() error {
	if math.IsNaN(s.Time) || math.IsInf(s.Time, 0) || s.Time < 0 {
		return fmt.Errorf("%w: time must be a non-negative number", ErrInvalidState)
	}
	if s.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidState)
	}
	return nil
}

// Decode parses a state document and rejects any document whose shape does not
// match State: every field must be present with the right JSON type.
func Decode(data []byte) (State, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if fields == nil {
		return State{}, fmt.Errorf("%w: document is null", ErrInvalidState)
	}

	var s State
	if err := decodeField(fields, "time", &s.Time, true); err != nil {
		return State{}, err
	}
	if err := decodeField(fields, "playing", &s.Playing, true); err != nil {
		return State{}, err
	}
	if err := decodeField(fields, "url", &s.URL, true); err != nil {
		return State{}, err
	}
	if err := decodeField(fields, "updatedAt", &s.UpdatedAt, true); err != nil {
		return State{}, err
	}
	if err := decodeField(fields, "origin", &s.Origin, false); err != nil {
		return State{}, err
	}

	if err := s.Validate(); err != nil {
		return State{}, err
	}
	return s, nil
}

func decodeField(fields map[string]json.RawMessage, name string, dst any, required bool) error {
	raw, ok := fields[name]
	if !ok {
		if required {
			return fmt.Errorf("%w: missing field %q", ErrInvalidState, name)
		}
		return nil
	}
	// json.Unmarshal treats null as a no-op, which would hide a missing value.
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return fmt.Errorf("%w: field %q is null", ErrInvalidState, name)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: field %q: %v", ErrInvalidState, name, err)
	}
	return nil
}

// NewID returns a fresh session identifier.
func NewID() string {
	return ksuid.New().String()
}

func ValidID(id string) bool {
	if len(id) != 27 {
		return false
	}
	_, err := ksuid.Parse(id)
	return err == nil
}

func extensionForContentType(ct string) string {
	switch ct {
	case "video/webm":
		return ".webm"
	case "video/quicktime":
		return ".mov"
	case "video/x-matroska":
		return ".mkv"
	default:
		return ".mp4"
	}
}

// MediaKey is the blob key a session's upload is stored under.
func MediaKey(sessionID, contentType string) string {
	return fmt.Sprintf("movies/%s%s", sessionID, extensionForContentType(contentType))
}
