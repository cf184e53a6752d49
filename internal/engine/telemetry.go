package engine

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// PacketSize is the size in bytes of one transport stream packet.
const PacketSize = 188

// Unset marks a sample field the line did not report.
const Unset = -1

// Sample is what a single engine output line reports. Integer fields the
// line did not carry are Unset.
type Sample struct {
	Packets          int64
	Bitrate          int64
	PacketsPerSecond float64
	// ContinuityTotal is a running total printed by the engine.
	ContinuityTotal int64
	// ContinuityEvents counts individual discontinuity reports on the line.
	ContinuityEvents int64
	// Injected lists event ids the injection stage confirmed.
	Injected []int
	// Verified lists event ids the monitor stage saw in the output.
	Verified []int
}

func emptySample() Sample {
	return Sample{Packets: Unset, Bitrate: Unset, PacketsPerSecond: Unset, ContinuityTotal: Unset}
}

func (s Sample) hasData() bool {
	return s.Packets != Unset || s.Bitrate != Unset || s.PacketsPerSecond != Unset ||
		s.ContinuityTotal != Unset || s.ContinuityEvents > 0 ||
		len(s.Injected) > 0 || len(s.Verified) > 0
}

var (
	packetsRe        = regexp.MustCompile(`(?i)\b(?:total\s+)?packets?\s*[:=]\s*([\d,]+)|([\d,]+)\s+(?:ts\s+)?packets\b`)
	bitrateRe        = regexp.MustCompile(`(?i)bitrate\s*[:=]?\s*([\d,]+)\s*b/s`)
	ppsRe            = regexp.MustCompile(`(?i)([\d.]+)\s*(?:pkt/s|packets/s|pps)\b`)
	ccTotalRe        = regexp.MustCompile(`(?i)continuity\s+errors?\s*[:=]\s*(\d+)`)
	ccEventRe        = regexp.MustCompile(`(?i)\bdiscontinuity\b|\bmissing\s+\d+\s+packets?\b|\bcontinuity\s+error\b`)
	injectedRe       = regexp.MustCompile(`(?i)\binject(?:ed|ing)\b.*?\bevent(?:[ _]?id)?\s*[:=]?\s*(0x[0-9a-f]+|\d+)`)
	verifiedEventRe  = regexp.MustCompile(`(?i)\bevent(?:[ _]?id)?\s*[:=]?\s*(0x[0-9a-f]+|\d+)`)
	spliceCommandRe  = regexp.MustCompile(`(?i)splice[_ ]insert|time[_ ]signal`)
	jsonPrefixTrimRe = regexp.MustCompile(`^[^{]*?:\s*`)
)

// ParseLine extracts telemetry from one line of engine output. Structured
// JSON records are tried first, then the free-text patterns. ok is false for
// lines that carry nothing recognizable. Malformed input never panics.
func ParseLine(line string) (s Sample, ok bool) {
	defer func() {
		if recover() != nil {
			s, ok = emptySample(), false
		}
	}()

	line = strings.TrimSpace(line)
	if line == "" {
		return emptySample(), false
	}
	if s, ok := parseJSONLine(line); ok {
		return s, true
	}
	s = parseTextLine(line)
	return s, s.hasData()
}

func parseJSONLine(line string) (Sample, bool) {
	i := strings.IndexByte(line, '{')
	if i < 0 || !strings.HasSuffix(line, "}") {
		return Sample{}, false
	}
	if i > 0 && !jsonPrefixTrimRe.MatchString(line[:i]) {
		return Sample{}, false
	}

	var rec map[string]any
	if err := json.Unmarshal([]byte(line[i:]), &rec); err != nil {
		return Sample{}, false
	}

	s := emptySample()
	if v, ok := jsonInt(rec, "packets", "packet_count", "total_packets", "ts_packets"); ok {
		s.Packets = v
	}
	if v, ok := jsonInt(rec, "bitrate", "bitrate_bps", "ts_bitrate"); ok {
		s.Bitrate = v
	}
	if v, ok := jsonFloat(rec, "pps", "packets_per_second"); ok {
		s.PacketsPerSecond = v
	}
	if v, ok := jsonInt(rec, "continuity_errors", "cc_errors"); ok {
		s.ContinuityTotal = v
	}
	if id, ok := jsonInt(rec, "splice_event_id", "event_id"); ok {
		if jsonInjection(rec) {
			s.Injected = []int{int(id)}
		} else {
			s.Verified = []int{int(id)}
		}
	}
	return s, s.hasData()
}

func jsonInjection(rec map[string]any) bool {
	for _, key := range []string{"#name", "type", "event", "status"} {
		if v, ok := rec[key].(string); ok && strings.Contains(strings.ToLower(v), "inject") {
			return true
		}
	}
	if v, ok := rec["injected"].(bool); ok {
		return v
	}
	return false
}

func jsonInt(rec map[string]any, keys ...string) (int64, bool) {
	for _, k := range keys {
		switch v := rec[k].(type) {
		case float64:
			return int64(v), true
		case string:
			if n, ok := parseNumber(v); ok {
				return n, true
			}
		}
	}
	return 0, false
}

func jsonFloat(rec map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		switch v := rec[k].(type) {
		case float64:
			return v, true
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func parseTextLine(line string) Sample {
	s := emptySample()
	discontinuity := ccEventRe.MatchString(line)

	// "missing N packets" is a loss report, not a packet count.
	if m := packetsRe.FindStringSubmatch(line); m != nil && !discontinuity {
		raw := m[1]
		if raw == "" {
			raw = m[2]
		}
		if n, ok := parseNumber(raw); ok {
			s.Packets = n
		}
	}
	if m := bitrateRe.FindStringSubmatch(line); m != nil {
		if n, ok := parseNumber(m[1]); ok {
			s.Bitrate = n
		}
	}
	if m := ppsRe.FindStringSubmatch(line); m != nil {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil {
			s.PacketsPerSecond = f
		}
	}
	if m := ccTotalRe.FindStringSubmatch(line); m != nil {
		if n, ok := parseNumber(m[1]); ok {
			s.ContinuityTotal = n
		}
	} else if discontinuity {
		s.ContinuityEvents = int64(len(ccEventRe.FindAllStringIndex(line, -1)))
	}

	if m := injectedRe.FindStringSubmatch(line); m != nil {
		if id, ok := parseNumber(m[1]); ok {
			s.Injected = []int{int(id)}
		}
	} else if spliceCommandRe.MatchString(line) {
		if m := verifiedEventRe.FindStringSubmatch(line); m != nil {
			if id, ok := parseNumber(m[1]); ok {
				s.Verified = []int{int(id)}
			}
		}
	}
	return s
}

// parseNumber accepts decimal with thousands separators or 0x-prefixed hex.
func parseNumber(raw string) (int64, bool) {
	raw = strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	if raw == "" {
		return 0, false
	}
	base := 10
	if strings.HasPrefix(strings.ToLower(raw), "0x") {
		raw, base = raw[2:], 16
	}
	n, err := strconv.ParseInt(raw, base, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Counters is the session-cumulative telemetry view.
type Counters struct {
	Packets          int64   `json:"packets"`
	Bytes            int64   `json:"bytes"`
	ContinuityErrors int64   `json:"continuity_errors"`
	Bitrate          int64   `json:"bitrate_bps"`
	PacketsPerSecond float64 `json:"packets_per_second"`
	Injected         int64   `json:"injected"`
	Verified         int64   `json:"verified"`
}

// Tracker folds samples into session counters. Packet and continuity
// counters reported by the engine restart from zero with every process
// instance; Reset carries the finished instance's totals forward so the
// session view never goes backwards.
type Tracker struct {
	mu sync.Mutex

	carriedPackets int64
	carriedErrors  int64

	packets  int64
	ccTotal  int64
	ccEvents int64

	bitrate  int64
	pps      float64
	injected map[int]struct{}
	verified map[int]struct{}
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		injected: make(map[int]struct{}),
		verified: make(map[int]struct{}),
	}
}

// Observe applies s and reports whether any counter changed.
func (t *Tracker) Observe(s Sample) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	changed := false
	if s.Packets != Unset && s.Packets > t.packets {
		t.packets = s.Packets
		changed = true
	}
	if s.Bitrate != Unset && s.Bitrate != t.bitrate {
		t.bitrate = s.Bitrate
		changed = true
	}
	if s.PacketsPerSecond != Unset && s.PacketsPerSecond != t.pps {
		t.pps = s.PacketsPerSecond
		changed = true
	}
	if s.ContinuityTotal != Unset && s.ContinuityTotal > t.ccTotal {
		t.ccTotal = s.ContinuityTotal
		changed = true
	}
	if s.ContinuityEvents > 0 {
		t.ccEvents += s.ContinuityEvents
		changed = true
	}
	for _, id := range s.Injected {
		if _, seen := t.injected[id]; !seen {
			t.injected[id] = struct{}{}
			changed = true
		}
	}
	for _, id := range s.Verified {
		if _, seen := t.verified[id]; !seen {
			t.verified[id] = struct{}{}
			changed = true
		}
	}
	return changed
}

// Reset starts a new engine instance.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.carriedPackets += t.packets
	t.carriedErrors += t.instanceErrors()
	t.packets, t.ccTotal, t.ccEvents = 0, 0, 0
	t.bitrate, t.pps = 0, 0
}

// instanceErrors prefers the larger of the engine's own running total and
// the individual reports, so engines that print both are not double counted.
func (t *Tracker) instanceErrors() int64 {
	return max(t.ccTotal, t.ccEvents)
}

// Snapshot returns the current session counters.
func (t *Tracker) Snapshot() Counters {
	t.mu.Lock()
	defer t.mu.Unlock()

	packets := t.carriedPackets + t.packets
	return Counters{
		Packets:          packets,
		Bytes:            packets * PacketSize,
		ContinuityErrors: t.carriedErrors + t.instanceErrors(),
		Bitrate:          t.bitrate,
		PacketsPerSecond: t.pps,
		Injected:         int64(len(t.injected)),
		Verified:         int64(len(t.verified)),
	}
}

// ReconcileInjected picks the markers-injected figure from the available
// signals: engine injection confirmations in continuous mode, else the
// publisher's generated count, else the monitor's verified count.
func ReconcileInjected(c Counters, continuous bool, generated int64, hasPublisher bool) int64 {
	if continuous && c.Injected > 0 {
		return c.Injected
	}
	if hasPublisher {
		return generated
	}
	return c.Verified
}
