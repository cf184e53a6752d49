// Package splice builds the splice markers handed to the stream engine: the
// value types, their XML wire form, and the generator that assigns event ids.
package splice

import (
	"errors"
	"fmt"
	"time"

	"splice-injector/internal/eventid"
)

// ClockRate is the 90 kHz presentation clock used for all wire durations.
const ClockRate = 90000

// Duration bounds in seconds. MaxAdDurationSeconds keeps ticks well inside
// the 33-bit PTS range.
const (
	MaxPrerollSeconds    = 3600
	MaxAdDurationSeconds = 86400
)

// ErrInvalidMarker is wrapped by every FieldError.
var ErrInvalidMarker = errors.New("invalid splice marker")

// FieldError names the marker field that failed validation.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error { return ErrInvalidMarker }

// Timing carries the requested break timing.
type Timing struct {
	PrerollSeconds    int  `json:"preroll_seconds" yaml:"preroll_seconds"`
	AdDurationSeconds int  `json:"ad_duration_seconds" yaml:"ad_duration_seconds"`
	Immediate         bool `json:"immediate" yaml:"immediate"`
}

// Validate checks the timing bounds for cue.
func (t Timing) Validate(cue CueType) error {
	if t.PrerollSeconds < 0 || t.PrerollSeconds > MaxPrerollSeconds {
		return &FieldError{Field: "preroll_seconds", Reason: fmt.Sprintf("must be in [0, %d], got %d", MaxPrerollSeconds, t.PrerollSeconds)}
	}
	if t.AdDurationSeconds < 0 || t.AdDurationSeconds > MaxAdDurationSeconds {
		return &FieldError{Field: "ad_duration_seconds", Reason: fmt.Sprintf("must be in [0, %d], got %d", MaxAdDurationSeconds, t.AdDurationSeconds)}
	}
	if cue.OutOfNetwork() && t.AdDurationSeconds < 1 {
		return &FieldError{Field: "ad_duration_seconds", Reason: fmt.Sprintf("%s needs a break duration of at least 1", cue)}
	}
	return nil
}

// Marker is one splice marker. Values are immutable once built by NewMarker.
type Marker struct {
	EventID           int
	Cue               CueType
	PrerollSeconds    int
	AdDurationSeconds int
	Immediate         bool
	CreatedAt         time.Time
}

// NewMarker validates the inputs and applies the per-cue rules: PREROLL,
// CUE_OUT and CUE_CRASH are always immediate.
func NewMarker(id int, cue CueType, t Timing, now time.Time) (Marker, error) {
	if err := eventid.Validate(id); err != nil {
		return Marker{}, err
	}
	if !cue.Valid() {
		return Marker{}, &FieldError{Field: "cue_type", Reason: fmt.Sprintf("invalid cue type %d", int(cue))}
	}
	if err := t.Validate(cue); err != nil {
		return Marker{}, err
	}
	immediate := t.Immediate || cue.ForcedImmediate()
	return Marker{
		EventID:           id,
		Cue:               cue,
		PrerollSeconds:    t.PrerollSeconds,
		AdDurationSeconds: t.AdDurationSeconds,
		Immediate:         immediate,
		CreatedAt:         now.UTC(),
	}, nil
}

// PTSOffset is the presentation-time offset in 90 kHz ticks. The second
// result is false for immediate markers, which carry no offset.
func (m Marker) PTSOffset() (int64, bool) {
	if m.Immediate {
		return 0, false
	}
	return int64(m.PrerollSeconds) * ClockRate, true
}

// BreakTicks is the encoded break duration: the ad duration for program
// exits, zero for returns.
func (m Marker) BreakTicks() int64 {
	if m.Cue.OutOfNetwork() {
		return int64(m.AdDurationSeconds) * ClockRate
	}
	return 0
}

// FileName is the watched-directory name for the marker.
func (m Marker) FileName() string {
	return FileName(m.EventID)
}

// FileName formats the watched-directory name for an event id. Lexical order
// of names matches id order within the allowed range.
func FileName(id int) string {
	return fmt.Sprintf("splice_%05d.xml", id)
}

// FilePattern matches every marker file name.
const FilePattern = "splice_*.xml"
