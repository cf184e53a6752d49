package splice

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"splice-injector/internal/eventid"
)

var testNow = time.Date(2026, 10, 19, 15, 0, 0, 0, time.UTC)

func TestCueType_parse_and_text(t *testing.T) {
	for _, c := range CueTypes {
		got, err := ParseCueType(strings.ToLower(c.String()))
		if err != nil || got != c {
			t.Errorf("ParseCueType(%q) = %v, %v", c.String(), got, err)
		}
	}
	if c, err := ParseCueType("cue-out"); err != nil || c != CueOut {
		t.Errorf("dash form: got %v, %v", c, err)
	}
	if _, err := ParseCueType("SPLICE_NULL"); !errors.Is(err, ErrInvalidMarker) {
		t.Errorf("expected ErrInvalidMarker, got %v", err)
	}

	var req Request
	if err := json.Unmarshal([]byte(`{"cue_type":"TIME_SIGNAL","pattern":"single"}`), &req); err != nil {
		t.Fatal(err)
	}
	if req.Cue != TimeSignal || req.Pattern != Single {
		t.Errorf("unexpected request %+v", req)
	}
}

func TestCueType_out_of_network(t *testing.T) {
	want := map[CueType]bool{Preroll: true, CueOut: true, CueIn: false, CueCrash: false, TimeSignal: false}
	for c, w := range want {
		if c.OutOfNetwork() != w {
			t.Errorf("%s.OutOfNetwork() = %v", c, !w)
		}
	}
}

func TestNewMarker_forces_immediate_on_exit_cues(t *testing.T) {
	for _, cue := range []CueType{Preroll, CueOut} {
		m, err := NewMarker(20000, cue, Timing{PrerollSeconds: 8, AdDurationSeconds: 600, Immediate: false}, testNow)
		if err != nil {
			t.Fatal(err)
		}
		if !m.Immediate {
			t.Errorf("%s must always be immediate", cue)
		}
		if _, ok := m.PTSOffset(); ok {
			t.Errorf("%s must not carry a pts offset", cue)
		}
		if m.PrerollSeconds != 8 {
			t.Errorf("preroll should be kept as information, got %d", m.PrerollSeconds)
		}
	}
}

func TestNewMarker_validation(t *testing.T) {
	cases := []struct {
		name  string
		id    int
		cue   CueType
		tm    Timing
		field string
	}{
		{"id_low", 9999, CueIn, Timing{Immediate: true}, "event_id"},
		{"id_high", 100000, CueIn, Timing{Immediate: true}, "event_id"},
		{"bad_cue", 20000, CueType(42), Timing{}, "cue_type"},
		{"negative_preroll", 20000, CueIn, Timing{PrerollSeconds: -1}, "preroll_seconds"},
		{"missing_break_duration", 20000, CueOut, Timing{}, "ad_duration_seconds"},
		{"break_too_long", 20000, CueOut, Timing{AdDurationSeconds: MaxAdDurationSeconds + 1}, "ad_duration_seconds"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewMarker(tc.id, tc.cue, tc.tm, testNow)
			if err == nil {
				t.Fatal("expected error")
			}
			var fe *FieldError
			var re *eventid.RangeError
			switch {
			case errors.As(err, &fe):
				if fe.Field != tc.field {
					t.Errorf("expected field %s, got %s", tc.field, fe.Field)
				}
			case errors.As(err, &re):
				if re.Field != tc.field {
					t.Errorf("expected field %s, got %s", tc.field, re.Field)
				}
			default:
				t.Errorf("unexpected error type %T: %v", err, err)
			}
		})
	}
}

func TestEncode_cue_out(t *testing.T) {
	m, _ := NewMarker(20000, CueOut, Timing{PrerollSeconds: 4, AdDurationSeconds: 600}, testNow)
	data, err := Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	for _, want := range []string{
		`<?xml version="1.0" encoding="UTF-8"?>`,
		`<tsduck>`,
		`splice_event_id="20000"`,
		`splice_event_cancel="false"`,
		`out_of_network="true"`,
		`splice_immediate="true"`,
		`<break_duration auto_return="true" duration="54000000"></break_duration>`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
	if strings.Contains(out, "pts_time") {
		t.Errorf("immediate marker must not carry pts_time:\n%s", out)
	}
}

func TestEncode_cue_in_scheduled(t *testing.T) {
	m, _ := NewMarker(20001, CueIn, Timing{PrerollSeconds: 10, AdDurationSeconds: 600}, testNow)
	data, err := Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	for _, want := range []string{
		`out_of_network="false"`,
		`splice_immediate="false"`,
		`pts_time="900000"`,
		`duration="0"`,
		`auto_return="true"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestEncode_time_signal(t *testing.T) {
	m, _ := NewMarker(20002, TimeSignal, Timing{Immediate: true}, testNow)
	data, err := Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if !strings.Contains(out, `<time_signal event_id="20002">`) || strings.Contains(out, "splice_insert") {
		t.Errorf("unexpected time signal encoding:\n%s", out)
	}
}

func TestEncodeDecode_round_trip(t *testing.T) {
	cases := []struct {
		cue CueType
		tm  Timing
	}{
		{Preroll, Timing{PrerollSeconds: 8, AdDurationSeconds: 120}},
		{CueOut, Timing{PrerollSeconds: 0, AdDurationSeconds: 600}},
		{CueIn, Timing{PrerollSeconds: 5, AdDurationSeconds: 600}},
		{CueIn, Timing{Immediate: true}},
		{CueCrash, Timing{PrerollSeconds: 3, AdDurationSeconds: 60}},
		{TimeSignal, Timing{PrerollSeconds: 2}},
		{TimeSignal, Timing{Immediate: true}},
	}
	for i, tc := range cases {
		t.Run(tc.cue.String(), func(t *testing.T) {
			in, err := NewMarker(30000+i, tc.cue, tc.tm, testNow)
			if err != nil {
				t.Fatal(err)
			}
			data, err := Encode(in)
			if err != nil {
				t.Fatal(err)
			}
			out, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v\n%s", err, data)
			}
			if out.EventID != in.EventID || out.Cue != in.Cue || out.PrerollSeconds != in.PrerollSeconds ||
				out.AdDurationSeconds != in.AdDurationSeconds || out.Immediate != in.Immediate || !out.CreatedAt.Equal(in.CreatedAt) {
				t.Errorf("round trip mismatch:\n in=%+v\nout=%+v", in, out)
			}
		})
	}
}

func TestDecode_without_metadata(t *testing.T) {
	data := []byte(`<?xml version="1.0" encoding="UTF-8"?>
<tsduck>
  <splice_information_table protocol_version="0" pts_adjustment="0" tier="0xFFF">
    <splice_insert splice_event_id="12345" splice_event_cancel="false" out_of_network="true" splice_immediate="false" pts_time="270000" unique_program_id="1" avail_num="1" avails_expected="1">
      <break_duration auto_return="true" duration="2700000"/>
    </splice_insert>
  </splice_information_table>
</tsduck>`)
	m, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if m.EventID != 12345 || m.Cue != CueOut || m.PrerollSeconds != 3 || m.AdDurationSeconds != 30 || m.Immediate {
		t.Errorf("unexpected marker %+v", m)
	}
}

func TestDecode_errors(t *testing.T) {
	for name, data := range map[string]string{
		"not_xml":        "splice",
		"no_command":     `<tsduck><splice_information_table/></tsduck>`,
		"contradiction":  `<tsduck><!-- cue=CUE_OUT --><splice_information_table><splice_insert splice_event_id="10000" out_of_network="false"/></splice_information_table></tsduck>`,
		"signal_vs_cue":  `<tsduck><!-- cue=CUE_IN --><splice_information_table><time_signal event_id="10000"/></splice_information_table></tsduck>`,
		"bad_meta_value": `<tsduck><!-- preroll=abc --><splice_information_table><time_signal event_id="10000"/></splice_information_table></tsduck>`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode([]byte(data)); !errors.Is(err, ErrInvalidMarker) {
				t.Errorf("expected ErrInvalidMarker, got %v", err)
			}
		})
	}
}

func TestFileName(t *testing.T) {
	if got := FileName(20000); got != "splice_20000.xml" {
		t.Errorf("got %s", got)
	}
	if FileName(10000) >= FileName(10001) {
		t.Error("lexical order must follow id order")
	}
}

func TestRequest_Validate(t *testing.T) {
	cases := []struct {
		name string
		req  Request
		ok   bool
	}{
		{"single_preroll", Request{Cue: Preroll, Timing: Timing{AdDurationSeconds: 30}}, true},
		{"single_without_cue", Request{}, false},
		{"break_default_lead", Request{Pattern: Break, Timing: Timing{AdDurationSeconds: 30}}, true},
		{"break_led_by_cue_in", Request{Cue: CueIn, Pattern: Break, Timing: Timing{AdDurationSeconds: 30}}, false},
		{"break_without_duration", Request{Pattern: BreakWithCrash}, false},
		{"unknown_pattern", Request{Cue: CueIn, Pattern: Pattern(9)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			if tc.ok && err != nil {
				t.Errorf("unexpected error %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidMarker) {
				t.Errorf("expected ErrInvalidMarker, got %v", err)
			}
		})
	}
}

func newTestGenerator(store eventid.Store) (*Generator, *eventid.Sequencer) {
	seq := eventid.NewSequencer(store, nil)
	g := NewGenerator(seq)
	g.now = func() time.Time { return testNow }
	return g, seq
}

func TestGenerator_preroll_single(t *testing.T) {
	g, seq := newTestGenerator(eventid.NewInMemoryStore())
	markers, err := g.Generate("A", Request{Cue: Preroll, Timing: Timing{PrerollSeconds: 8, AdDurationSeconds: 60}}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(markers) != 1 || markers[0].EventID != 10024 || markers[0].Cue != Preroll {
		t.Fatalf("unexpected markers %+v", markers)
	}
	if last, _ := seq.Last("A"); last != 10024 {
		t.Errorf("expected sequencer at 10024, got %d", last)
	}
}

func TestGenerator_break_sequences(t *testing.T) {
	t.Run("break", func(t *testing.T) {
		g, _ := newTestGenerator(eventid.NewInMemoryStore())
		markers, err := g.Generate("A", Request{Pattern: Break, Timing: Timing{AdDurationSeconds: 600}}, 20000)
		if err != nil {
			t.Fatal(err)
		}
		if len(markers) != 2 || markers[0].Cue != CueOut || markers[1].Cue != CueIn ||
			markers[0].EventID != 20000 || markers[1].EventID != 20001 {
			t.Errorf("unexpected markers %+v", markers)
		}
	})

	t.Run("break_with_crash", func(t *testing.T) {
		g, seq := newTestGenerator(eventid.NewInMemoryStore())
		markers, err := g.Generate("A", Request{Pattern: BreakWithCrash, Timing: Timing{AdDurationSeconds: 600}}, 20000)
		if err != nil {
			t.Fatal(err)
		}
		want := []struct {
			id  int
			cue CueType
		}{{20000, CueOut}, {20001, CueIn}, {20002, CueCrash}}
		if len(markers) != len(want) {
			t.Fatalf("expected %d markers, got %d", len(want), len(markers))
		}
		for i, w := range want {
			if markers[i].EventID != w.id || markers[i].Cue != w.cue {
				t.Errorf("marker %d: got %d/%s want %d/%s", i, markers[i].EventID, markers[i].Cue, w.id, w.cue)
			}
		}
		if next, _ := seq.Next("A"); next != 20003 {
			t.Errorf("expected next 20003, got %d", next)
		}
	})

	t.Run("wraps_inside_sequence", func(t *testing.T) {
		g, _ := newTestGenerator(eventid.NewInMemoryStore())
		markers, err := g.Generate("A", Request{Pattern: BreakWithCrash, Timing: Timing{AdDurationSeconds: 30}}, 99998)
		if err != nil {
			t.Fatal(err)
		}
		if markers[0].EventID != 99998 || markers[1].EventID != 99999 || markers[2].EventID != 10000 {
			t.Errorf("unexpected ids %d %d %d", markers[0].EventID, markers[1].EventID, markers[2].EventID)
		}
	})
}

func TestGenerator_rejects_out_of_range_base(t *testing.T) {
	g, seq := newTestGenerator(eventid.NewInMemoryStore())
	_, err := g.Generate("A", Request{Cue: CueIn, Timing: Timing{Immediate: true}}, 5)
	if !errors.Is(err, eventid.ErrEventIDOutOfRange) {
		t.Errorf("expected ErrEventIDOutOfRange, got %v", err)
	}
	if last, _ := seq.Last("A"); last != eventid.DefaultEventID {
		t.Errorf("sequencer must be untouched, got %d", last)
	}
}

type flakyAllocator struct {
	*eventid.Sequencer
	failAt int
}

func (f *flakyAllocator) Commit(profile string, id int) error {
	if id == f.failAt {
		return errors.New("state volume read-only")
	}
	return f.Sequencer.Commit(profile, id)
}

func TestGenerator_partial_sequence_on_commit_failure(t *testing.T) {
	seq := eventid.NewSequencer(eventid.NewInMemoryStore(), nil)
	g := NewGenerator(&flakyAllocator{Sequencer: seq, failAt: 20002})

	markers, err := g.Generate("A", Request{Pattern: BreakWithCrash, Timing: Timing{AdDurationSeconds: 30}}, 20000)
	if err == nil {
		t.Fatal("expected commit error")
	}
	if len(markers) != 2 {
		t.Fatalf("expected the two committed markers, got %d", len(markers))
	}
	if last, _ := seq.Last("A"); last != 20001 {
		t.Errorf("sequencer should point at the highest committed id, got %d", last)
	}
}
