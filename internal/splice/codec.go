package splice

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Wire layout of a marker file:
//
//	<tsduck>
//	  <!-- cue=CUE_OUT preroll=8 duration=600 created=... -->
//	  <splice_information_table protocol_version="0" pts_adjustment="0" tier="0xFFF">
//	    <splice_insert splice_event_id="20000" ... splice_immediate="true">
//	      <break_duration auto_return="true" duration="54000000"/>
//	    </splice_insert>
//	  </splice_information_table>
//	</tsduck>
//
// The comment is ignored by the engine and lets Decode recover the fields
// the wire attributes cannot express (cue flavour, informational preroll).
type document struct {
	XMLName xml.Name `xml:"tsduck"`
	Meta    string   `xml:",comment"`
	Table   sitTable `xml:"splice_information_table"`
}

type sitTable struct {
	ProtocolVersion int           `xml:"protocol_version,attr"`
	PTSAdjustment   int64         `xml:"pts_adjustment,attr"`
	Tier            string        `xml:"tier,attr"`
	Insert          *spliceInsert `xml:"splice_insert"`
	TimeSignal      *timeSignal   `xml:"time_signal"`
}

type spliceInsert struct {
	EventID         int            `xml:"splice_event_id,attr"`
	Cancel          bool           `xml:"splice_event_cancel,attr"`
	OutOfNetwork    bool           `xml:"out_of_network,attr"`
	Immediate       bool           `xml:"splice_immediate,attr"`
	PTSTime         *int64         `xml:"pts_time,attr,omitempty"`
	UniqueProgramID int            `xml:"unique_program_id,attr"`
	AvailNum        int            `xml:"avail_num,attr"`
	AvailsExpected  int            `xml:"avails_expected,attr"`
	BreakDuration   *breakDuration `xml:"break_duration"`
}

type breakDuration struct {
	AutoReturn bool  `xml:"auto_return,attr"`
	Duration   int64 `xml:"duration,attr"`
}

type timeSignal struct {
	EventID int    `xml:"event_id,attr"`
	PTSTime *int64 `xml:"pts_time,attr,omitempty"`
}

// EncodeOptions fills the bookkeeping attributes of splice_insert.
type EncodeOptions struct {
	UniqueProgramID int
	AvailNum        int
	AvailsExpected  int
}

// DefaultEncodeOptions describes one avail of program 1.
var DefaultEncodeOptions = EncodeOptions{UniqueProgramID: 1, AvailNum: 1, AvailsExpected: 1}

// Encode serializes m with DefaultEncodeOptions.
func Encode(m Marker) ([]byte, error) {
	return EncodeWith(m, DefaultEncodeOptions)
}

// EncodeWith serializes m into the marker file format.
func EncodeWith(m Marker, opts EncodeOptions) ([]byte, error) {
	if !m.Cue.Valid() {
		return nil, &FieldError{Field: "cue_type", Reason: fmt.Sprintf("invalid cue type %d", int(m.Cue))}
	}

	doc := document{
		Meta:  encodeMeta(m),
		Table: sitTable{Tier: "0xFFF"},
	}

	var pts *int64
	if off, ok := m.PTSOffset(); ok {
		pts = &off
	}

	switch m.Cue {
	case TimeSignal:
		doc.Table.TimeSignal = &timeSignal{EventID: m.EventID, PTSTime: pts}
	case Preroll, CueOut, CueIn, CueCrash:
		doc.Table.Insert = &spliceInsert{
			EventID:         m.EventID,
			OutOfNetwork:    m.Cue.OutOfNetwork(),
			Immediate:       m.Immediate,
			PTSTime:         pts,
			UniqueProgramID: opts.UniqueProgramID,
			AvailNum:        opts.AvailNum,
			AvailsExpected:  opts.AvailsExpected,
			BreakDuration:   &breakDuration{AutoReturn: true, Duration: m.BreakTicks()},
		}
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode marker %d: %w", m.EventID, err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Decode parses a marker file. Fields missing from the metadata comment are
// derived from the wire attributes.
func Decode(data []byte) (Marker, error) {
	var doc document
	if err := xml.Unmarshal(data, &doc); err != nil {
		return Marker{}, fmt.Errorf("%w: %v", ErrInvalidMarker, err)
	}

	var m Marker
	switch {
	case doc.Table.Insert != nil:
		in := doc.Table.Insert
		m.EventID = in.EventID
		m.Immediate = in.Immediate
		if in.OutOfNetwork {
			m.Cue = CueOut
		} else {
			m.Cue = CueIn
		}
		if in.PTSTime != nil {
			m.PrerollSeconds = int(*in.PTSTime / ClockRate)
		}
		if in.BreakDuration != nil {
			m.AdDurationSeconds = int(in.BreakDuration.Duration / ClockRate)
		}
	case doc.Table.TimeSignal != nil:
		ts := doc.Table.TimeSignal
		m.EventID = ts.EventID
		m.Cue = TimeSignal
		m.Immediate = ts.PTSTime == nil
		if ts.PTSTime != nil {
			m.PrerollSeconds = int(*ts.PTSTime / ClockRate)
		}
	default:
		return Marker{}, &FieldError{Field: "splice_information_table", Reason: "no splice command"}
	}

	if err := decodeMeta(doc.Meta, &m); err != nil {
		return Marker{}, err
	}
	return m, nil
}

func encodeMeta(m Marker) string {
	return fmt.Sprintf(" cue=%s preroll=%d duration=%d created=%s ",
		m.Cue, m.PrerollSeconds, m.AdDurationSeconds, m.CreatedAt.UTC().Format(time.RFC3339Nano))
}

func decodeMeta(meta string, m *Marker) error {
	for _, field := range strings.Fields(meta) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "cue":
			cue, err := ParseCueType(value)
			if err != nil {
				return err
			}
			signal := m.Cue == TimeSignal
			if (cue == TimeSignal) != signal || cue.OutOfNetwork() != m.Cue.OutOfNetwork() {
				return &FieldError{Field: "cue_type", Reason: fmt.Sprintf("%s contradicts the splice command", cue)}
			}
			m.Cue = cue
		case "preroll":
			n, err := strconv.Atoi(value)
			if err != nil {
				return &FieldError{Field: "preroll_seconds", Reason: err.Error()}
			}
			m.PrerollSeconds = n
		case "duration":
			n, err := strconv.Atoi(value)
			if err != nil {
				return &FieldError{Field: "ad_duration_seconds", Reason: err.Error()}
			}
			m.AdDurationSeconds = n
		case "created":
			ts, err := time.Parse(time.RFC3339Nano, value)
			if err != nil {
				return &FieldError{Field: "created", Reason: err.Error()}
			}
			m.CreatedAt = ts
		}
	}
	return nil
}
