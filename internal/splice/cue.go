package splice

import (
	"fmt"
	"strings"
)

// CueType is the role of a marker. The zero value is not a valid cue.
type CueType int

const (
	Preroll CueType = iota + 1
	CueOut
	CueIn
	CueCrash
	TimeSignal
)

// CueTypes lists every valid cue in declaration order.
var CueTypes = []CueType{Preroll, CueOut, CueIn, CueCrash, TimeSignal}

func (c CueType) String() string {
	switch c {
	case Preroll:
		return "PREROLL"
	case CueOut:
		return "CUE_OUT"
	case CueIn:
		return "CUE_IN"
	case CueCrash:
		return "CUE_CRASH"
	case TimeSignal:
		return "TIME_SIGNAL"
	default:
		return fmt.Sprintf("CueType(%d)", int(c))
	}
}

// Valid reports whether c is one of the declared cues.
func (c CueType) Valid() bool {
	switch c {
	case Preroll, CueOut, CueIn, CueCrash, TimeSignal:
		return true
	default:
		return false
	}
}

// OutOfNetwork reports whether the cue leaves the program for a break.
func (c CueType) OutOfNetwork() bool {
	switch c {
	case Preroll, CueOut:
		return true
	case CueIn, CueCrash, TimeSignal:
		return false
	default:
		return false
	}
}

// ForcedImmediate reports whether the cue is always sent with splice_immediate
// set, whatever the requested timing. Program exits are injected immediately
// for delivery reliability; the preroll value is kept only as information.
func (c CueType) ForcedImmediate() bool {
	switch c {
	case Preroll, CueOut, CueCrash:
		return true
	case CueIn, TimeSignal:
		return false
	default:
		return false
	}
}

// ParseCueType accepts the canonical names case-insensitively; "-" and "_"
// are interchangeable.
func ParseCueType(s string) (CueType, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	for _, c := range CueTypes {
		if c.String() == norm {
			return c, nil
		}
	}
	return 0, &FieldError{Field: "cue_type", Reason: fmt.Sprintf("unknown cue type %q", s)}
}

// MarshalText implements encoding.TextMarshaler.
func (c CueType) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, &FieldError{Field: "cue_type", Reason: fmt.Sprintf("invalid cue type %d", int(c))}
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *CueType) UnmarshalText(b []byte) error {
	v, err := ParseCueType(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Pattern selects how many markers one request produces.
type Pattern int

const (
	// Single produces one marker of the requested cue.
	Single Pattern = iota
	// Break produces CUE_OUT followed by CUE_IN.
	Break
	// BreakWithCrash produces CUE_OUT, CUE_IN and CUE_CRASH.
	BreakWithCrash
)

func (p Pattern) String() string {
	switch p {
	case Single:
		return "single"
	case Break:
		return "break"
	case BreakWithCrash:
		return "break_with_crash"
	default:
		return fmt.Sprintf("Pattern(%d)", int(p))
	}
}

// ParsePattern accepts "single", "break" and "break_with_crash".
// An empty string is Single.
func ParsePattern(s string) (Pattern, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")) {
	case "", "single":
		return Single, nil
	case "break":
		return Break, nil
	case "break_with_crash", "sequence":
		return BreakWithCrash, nil
	default:
		return 0, &FieldError{Field: "pattern", Reason: fmt.Sprintf("unknown pattern %q", s)}
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Pattern) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Pattern) UnmarshalText(b []byte) error {
	v, err := ParsePattern(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// cues returns the cue sequence for a pattern; lead is used for Single.
func (p Pattern) cues(lead CueType) []CueType {
	switch p {
	case Break:
		return []CueType{CueOut, CueIn}
	case BreakWithCrash:
		return []CueType{CueOut, CueIn, CueCrash}
	default:
		return []CueType{lead}
	}
}
