package injector

import (
	"time"

	"splice-injector/internal/splice"
	"splice-injector/internal/stream"
)

// SessionID uniquely identifies a session.
type SessionID string

// Status is the user-visible session status.
type Status string

const (
	StatusStarting Status = "STARTING"
	StatusRunning  Status = "RUNNING"
	StatusError    Status = "ERROR"
	// StatusStopped is terminal.
	StatusStopped Status = "STOPPED"
)

// Mode selects how markers reach the engine.
type Mode string

const (
	// ModeNone runs the stream without an injection stage.
	ModeNone Mode = "none"
	// ModeOneShot injects a single marker file.
	ModeOneShot Mode = "one_shot"
	// ModeContinuous keeps the watched directory supplied by a publisher.
	ModeContinuous Mode = "continuous"
)

// Counters are cumulative for the session and never decrease, except
// MarkersInjected: it follows the reconciled value, which drops from the
// generated count to the engine's own confirmations once those appear.
type Counters struct {
	Bytes            int64 `json:"bytes"`
	Packets          int64 `json:"packets"`
	Errors           int64 `json:"errors"`
	MarkersInjected  int64 `json:"markers_injected"`
	MarkersGenerated int64 `json:"markers_generated"`
	MarkersVerified  int64 `json:"markers_verified"`
	Restarts         int64 `json:"restarts"`
}

// raise folds next into c keeping every counter but MarkersInjected at its
// highest value.
func (c Counters) raise(next Counters) Counters {
	return Counters{
		Bytes:            max(c.Bytes, next.Bytes),
		Packets:          max(c.Packets, next.Packets),
		Errors:           max(c.Errors, next.Errors),
		MarkersInjected:  next.MarkersInjected,
		MarkersGenerated: max(c.MarkersGenerated, next.MarkersGenerated),
		MarkersVerified:  max(c.MarkersVerified, next.MarkersVerified),
		Restarts:         max(c.Restarts, next.Restarts),
	}
}

// Session is one supervised stream with marker injection.
type Session struct {
	ID          SessionID     `json:"id"`
	Profile     string        `json:"profile"`
	Mode        Mode          `json:"mode"`
	Config      stream.Config `json:"config"`
	Status      Status        `json:"status"`
	EngineState string        `json:"engine_state"`
	LastError   string        `json:"last_error,omitempty"`
	BitrateBPS  int64         `json:"bitrate_bps"`
	Counters    Counters      `json:"counters"`
	StartedAt   time.Time     `json:"started_at"`
	StoppedAt   *time.Time    `json:"stopped_at,omitempty"`
}

// Active reports whether the session has not reached STOPPED.
func (s Session) Active() bool { return s.Status != StatusStopped }

// MarkerPlan describes the markers of a session.
type MarkerPlan struct {
	Mode    Mode           `json:"mode"`
	Request splice.Request `json:"request"`
	// BaseEventID starts the first set at a fixed id; 0 continues the
	// profile's sequence.
	BaseEventID int `json:"base_event_id,omitempty"`
	// IntervalSeconds overrides the publisher cadence in continuous mode.
	IntervalSeconds int `json:"interval_seconds,omitempty"`
}

// StartRequest starts a session. Config, when given, is used instead of the
// stored profile file.
type StartRequest struct {
	Profile string         `json:"profile"`
	Config  *stream.Config `json:"config,omitempty"`
	Markers *MarkerPlan    `json:"markers,omitempty"`
}

// MarkerView is the API representation of a generated marker.
type MarkerView struct {
	EventID           int       `json:"event_id"`
	CueType           string    `json:"cue_type"`
	PrerollSeconds    int       `json:"preroll_seconds"`
	AdDurationSeconds int       `json:"ad_duration_seconds"`
	Immediate         bool      `json:"immediate"`
	File              string    `json:"file"`
	CreatedAt         time.Time `json:"created_at"`
}

func newMarkerView(m splice.Marker) MarkerView {
	return MarkerView{
		EventID:           m.EventID,
		CueType:           m.Cue.String(),
		PrerollSeconds:    m.PrerollSeconds,
		AdDurationSeconds: m.AdDurationSeconds,
		Immediate:         m.Immediate,
		File:              m.FileName(),
		CreatedAt:         m.CreatedAt,
	}
}

// MarkerResult answers a manual marker request. Written is false when no
// publisher runs for the session and only event ids were allocated.
type MarkerResult struct {
	SessionID SessionID    `json:"session_id"`
	Written   bool         `json:"written"`
	Markers   []MarkerView `json:"markers"`
}

// EventIDInfo reports a profile's sequencer position.
type EventIDInfo struct {
	Profile     string `json:"profile"`
	LastEventID int    `json:"last_event_id"`
	NextEventID int    `json:"next_event_id"`
}
