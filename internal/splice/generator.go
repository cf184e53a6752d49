package splice

import (
	"fmt"
	"sync"
	"time"

	"splice-injector/internal/eventid"
)

// IDAllocator is the part of the event id sequencer the generator needs.
type IDAllocator interface {
	Next(profile string) (int, error)
	Commit(profile string, id int) error
	// Advance allocates and commits the next id atomically.
	Advance(profile string) (int, error)
}

// Request is one logical marker request: a single cue, or an ad break
// expanded into CUE_OUT/CUE_IN(/CUE_CRASH).
type Request struct {
	Cue     CueType `json:"cue_type"`
	Pattern Pattern `json:"pattern"`
	Timing  Timing  `json:"timing"`
}

// Cues returns the cue sequence the request expands to.
func (r Request) Cues() []CueType {
	return r.Pattern.cues(r.Cue)
}

// Validate checks the request before any id is allocated.
func (r Request) Validate() error {
	switch r.Pattern {
	case Single:
		if !r.Cue.Valid() {
			return &FieldError{Field: "cue_type", Reason: "required for a single marker"}
		}
	case Break, BreakWithCrash:
		if r.Cue != 0 && r.Cue != CueOut {
			return &FieldError{Field: "cue_type", Reason: fmt.Sprintf("%s cannot lead a break sequence", r.Cue)}
		}
	default:
		return &FieldError{Field: "pattern", Reason: fmt.Sprintf("unknown pattern %d", int(r.Pattern))}
	}
	for _, cue := range r.Cues() {
		if err := r.Timing.Validate(cue); err != nil {
			return err
		}
	}
	return nil
}

// Generator turns requests into markers with consecutive event ids.
// Generation is serialized so the automatic and manual paths never
// interleave their id ranges.
type Generator struct {
	ids IDAllocator
	now func() time.Time

	mu sync.Mutex
}

// NewGenerator returns a Generator allocating ids from ids.
func NewGenerator(ids IDAllocator) *Generator {
	return &Generator{ids: ids, now: time.Now}
}

// Generate builds the markers for req. The first id is baseID, or the
// sequencer's next id when baseID is 0; following markers use consecutive
// (wrapping) ids. Each id is committed as its marker is built, so on error
// the returned markers are exactly those whose ids were committed. A single
// marker continuing the sequence takes its id in one atomic step.
func (g *Generator) Generate(profile string, req Request, baseID int) ([]Marker, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if baseID != 0 {
		if err := eventid.Validate(baseID); err != nil {
			return nil, err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	cues := req.Cues()
	now := g.now()

	if baseID == 0 && len(cues) == 1 {
		id, err := g.ids.Advance(profile)
		if err != nil {
			return nil, fmt.Errorf("allocate event id: %w", err)
		}
		m, err := NewMarker(id, cues[0], req.Timing, now)
		if err != nil {
			return nil, err
		}
		return []Marker{m}, nil
	}

	base := baseID
	if base == 0 {
		next, err := g.ids.Next(profile)
		if err != nil {
			return nil, fmt.Errorf("allocate event id: %w", err)
		}
		base = next
	}

	markers := make([]Marker, 0, len(cues))
	for i, cue := range cues {
		id := eventid.Wrap(base + i)
		m, err := NewMarker(id, cue, req.Timing, now)
		if err != nil {
			return markers, err
		}
		if err := g.ids.Commit(profile, id); err != nil {
			return markers, fmt.Errorf("commit event id %d: %w", id, err)
		}
		markers = append(markers, m)
	}
	return markers, nil
}
