// Package stream describes the immutable configuration of one injection
// session: where the transport stream comes from, where it goes, and how
// the splice markers are carried.
package stream

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Transport names the protocol used for an input or output endpoint.
type Transport string

const (
	TransportHLS  Transport = "hls"
	TransportSRT  Transport = "srt"
	TransportUDP  Transport = "udp"
	TransportTCP  Transport = "tcp"
	TransportDVB  Transport = "dvb"
	TransportHTTP Transport = "http"
	TransportFile Transport = "file"
)

var (
	inputTransports = map[Transport]bool{
		TransportHLS: true, TransportSRT: true, TransportUDP: true,
		TransportTCP: true, TransportDVB: true, TransportHTTP: true,
	}
	outputTransports = map[Transport]bool{
		TransportUDP: true, TransportSRT: true, TransportHLS: true, TransportFile: true,
	}
)

// PID bounds for user-assignable elementary streams.
const (
	MinPID = 0x0020
	MaxPID = 0x1FFE
)

var profileNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ErrInvalidConfig is the sentinel wrapped by every FieldError.
var ErrInvalidConfig = errors.New("invalid stream configuration")

// FieldError reports the configuration field that failed validation.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error { return ErrInvalidConfig }

func fieldErr(field, format string, args ...any) error {
	return &FieldError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Endpoint is one side of the stream.
type Endpoint struct {
	Transport Transport `yaml:"transport" json:"transport"`
	Address   string    `yaml:"address" json:"address"`
}

// PIDPlan lists the elementary stream PIDs of the output service.
type PIDPlan struct {
	Video int `yaml:"video" json:"video"`
	Audio int `yaml:"audio" json:"audio"`
	SCTE  int `yaml:"scte" json:"scte"`
}

// SRTOptions applies to srt endpoints.
type SRTOptions struct {
	LatencyMS  int    `yaml:"latency_ms" json:"latency_ms"`
	StreamID   string `yaml:"stream_id" json:"stream_id,omitempty"`
	Passphrase string `yaml:"passphrase" json:"-"`
}

// SegmentOptions applies to hls outputs.
type SegmentOptions struct {
	DurationSeconds int    `yaml:"duration_seconds" json:"duration_seconds"`
	LiveSegments    int    `yaml:"live_segments" json:"live_segments"`
	PlaylistName    string `yaml:"playlist_name" json:"playlist_name"`
}

// DVBOptions applies to dvb inputs. Address is unused for dvb.
type DVBOptions struct {
	Adapter        int    `yaml:"adapter" json:"adapter"`
	FrequencyHz    uint64 `yaml:"frequency_hz" json:"frequency_hz"`
	DeliverySystem string `yaml:"delivery_system" json:"delivery_system"`
}

// InjectionTiming controls how the engine repeats each marker it injects.
type InjectionTiming struct {
	StartDelay     time.Duration `yaml:"start_delay" json:"start_delay"`
	RepeatCount    int           `yaml:"repeat_count" json:"repeat_count"`
	RepeatInterval time.Duration `yaml:"repeat_interval" json:"repeat_interval"`
}

// Config is the full stream configuration. It is not modified once a
// session has started.
type Config struct {
	Profile      string          `yaml:"profile" json:"profile"`
	Input        Endpoint        `yaml:"input" json:"input"`
	Output       Endpoint        `yaml:"output" json:"output"`
	ServiceID    int             `yaml:"service_id" json:"service_id"`
	ServiceName  string          `yaml:"service_name" json:"service_name"`
	ProviderName string          `yaml:"provider_name" json:"provider_name"`
	PIDs         PIDPlan         `yaml:"pids" json:"pids"`
	SRT          SRTOptions      `yaml:"srt" json:"srt"`
	Segment      SegmentOptions  `yaml:"segment" json:"segment"`
	DVB          DVBOptions      `yaml:"dvb" json:"dvb"`
	Injection    InjectionTiming `yaml:"injection" json:"injection"`
}

// Defaults applied by WithDefaults.
const (
	DefaultServiceID       = 1
	DefaultSRTLatencyMS    = 200
	DefaultSegmentDuration = 6
	DefaultLiveSegments    = 5
	DefaultPlaylistName    = "playlist.m3u8"
)

// WithDefaults returns a copy of c with zero-valued optional fields filled in.
func (c Config) WithDefaults() Config {
	if c.ServiceID == 0 {
		c.ServiceID = DefaultServiceID
	}
	if c.PIDs == (PIDPlan{}) {
		c.PIDs = PIDPlan{Video: 0x100, Audio: 0x101, SCTE: 0x1F4}
	}
	if c.SRT.LatencyMS == 0 {
		c.SRT.LatencyMS = DefaultSRTLatencyMS
	}
	if c.Segment.DurationSeconds == 0 {
		c.Segment.DurationSeconds = DefaultSegmentDuration
	}
	if c.Segment.LiveSegments == 0 {
		c.Segment.LiveSegments = DefaultLiveSegments
	}
	if c.Segment.PlaylistName == "" {
		c.Segment.PlaylistName = DefaultPlaylistName
	}
	return c
}

// Validate checks c and returns a *FieldError for the first offending field.
func (c Config) Validate() error {
	if !ValidProfileName(c.Profile) {
		return fieldErr("profile", "must match %s", profileNamePattern.String())
	}
	if !inputTransports[c.Input.Transport] {
		return fieldErr("input.transport", "unsupported input transport %q", c.Input.Transport)
	}
	if c.Input.Transport != TransportDVB && c.Input.Address == "" {
		return fieldErr("input.address", "required for %s input", c.Input.Transport)
	}
	if c.Input.Transport == TransportSRT {
		if _, err := parseSRTEndpoint("input.address", c.Input.Address); err != nil {
			return err
		}
	}
	if c.Input.Transport == TransportDVB && c.DVB.FrequencyHz == 0 {
		return fieldErr("dvb.frequency_hz", "required for dvb input")
	}
	if !outputTransports[c.Output.Transport] {
		return fieldErr("output.transport", "unsupported output transport %q", c.Output.Transport)
	}
	if c.Output.Address == "" {
		return fieldErr("output.address", "required for %s output", c.Output.Transport)
	}
	if c.Output.Transport == TransportSRT {
		if _, err := parseSRTEndpoint("output.address", c.Output.Address); err != nil {
			return err
		}
	}
	if c.ServiceID < 1 || c.ServiceID > 0xFFFF {
		return fieldErr("service_id", "must be in [1, 65535], got %d", c.ServiceID)
	}
	if err := c.PIDs.validate(); err != nil {
		return err
	}
	if c.SRT.LatencyMS < 0 {
		return fieldErr("srt.latency_ms", "must not be negative")
	}
	if c.Output.Transport == TransportHLS {
		if c.Segment.DurationSeconds < 1 {
			return fieldErr("segment.duration_seconds", "must be at least 1")
		}
		if c.Segment.LiveSegments < 1 {
			return fieldErr("segment.live_segments", "must be at least 1")
		}
	}
	if c.Injection.StartDelay < 0 {
		return fieldErr("injection.start_delay", "must not be negative")
	}
	if c.Injection.RepeatCount < 0 {
		return fieldErr("injection.repeat_count", "must not be negative")
	}
	if c.Injection.RepeatInterval < 0 {
		return fieldErr("injection.repeat_interval", "must not be negative")
	}
	return nil
}

func (p PIDPlan) validate() error {
	pids := []struct {
		field string
		value int
	}{
		{"pids.video", p.Video},
		{"pids.audio", p.Audio},
		{"pids.scte", p.SCTE},
	}
	seen := make(map[int]string, len(pids))
	for _, pid := range pids {
		if pid.value < MinPID || pid.value > MaxPID {
			return fieldErr(pid.field, "must be in [0x%04X, 0x%04X], got 0x%04X", MinPID, MaxPID, pid.value)
		}
		if other, dup := seen[pid.value]; dup {
			return fieldErr(pid.field, "collides with %s (0x%04X)", other, pid.value)
		}
		seen[pid.value] = pid.field
	}
	return nil
}

// ValidProfileName reports whether name can scope persisted state and
// directories.
func ValidProfileName(name string) bool {
	return profileNamePattern.MatchString(name)
}

// DefaultPIDs returns the PIDs an input transport delivers before any remap.
// The second result is false for transports whose PIDs are taken as-is.
func DefaultPIDs(t Transport) (PIDPlan, bool) {
	switch t {
	case TransportSRT:
		return PIDPlan{}, false
	case TransportHLS, TransportHTTP, TransportUDP, TransportTCP:
		return PIDPlan{Video: 0x100, Audio: 0x101}, true
	case TransportDVB:
		return PIDPlan{Video: 0x200, Audio: 0x28A}, true
	default:
		return PIDPlan{}, false
	}
}
