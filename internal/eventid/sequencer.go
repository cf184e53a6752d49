// Package eventid allocates splice event identifiers, one monotonically
// increasing (wrapping) counter per profile.
package eventid

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"splice-injector/internal/platform/logger"
)

const (
	MinEventID = 10000
	MaxEventID = 99999
	// DefaultEventID is the last-used value assumed when state is missing or corrupt.
	DefaultEventID = 10023
)

var (
	// ErrEventIDOutOfRange is wrapped by RangeError.
	ErrEventIDOutOfRange = errors.New("event id out of range")

	// ErrInvalidProfile is returned for empty or path-like profile names.
	ErrInvalidProfile = errors.New("invalid profile")
)

// RangeError reports an event id outside [MinEventID, MaxEventID].
type RangeError struct {
	Field string
	Value int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s %d outside [%d, %d]", e.Field, e.Value, MinEventID, MaxEventID)
}

func (e *RangeError) Unwrap() error { return ErrEventIDOutOfRange }

// Validate returns a RangeError for ids outside the allowed range.
func Validate(id int) error {
	if id < MinEventID || id > MaxEventID {
		return &RangeError{Field: "event_id", Value: id}
	}
	return nil
}

// Wrap maps any integer onto the allowed range, continuing the sequence past
// MaxEventID at MinEventID.
func Wrap(id int) int {
	span := MaxEventID - MinEventID + 1
	off := (id - MinEventID) % span
	if off < 0 {
		off += span
	}
	return MinEventID + off
}

// Sequencer hands out event ids per profile. State for each profile is owned
// by the Sequencer and every mutation of it is serialized; distinct profiles
// use distinct locks.
type Sequencer struct {
	store Store
	log   *slog.Logger

	mu       sync.Mutex
	profiles map[string]*profileState
}

type profileState struct {
	mu     sync.Mutex
	loaded bool
	last   int
}

// NewSequencer returns a Sequencer persisting through store.
func NewSequencer(store Store, log *slog.Logger) *Sequencer {
	return &Sequencer{
		store:    store,
		log:      logger.Component(log, "eventid"),
		profiles: make(map[string]*profileState),
	}
}

func (s *Sequencer) profile(name string) (*profileState, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidProfile, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.profiles[name]
	if !ok {
		ps = &profileState{}
		s.profiles[name] = ps
	}
	return ps, nil
}

// loadLocked populates ps from the store once. Caller must hold ps.mu.
func (s *Sequencer) loadLocked(name string, ps *profileState) {
	if ps.loaded {
		return
	}
	ps.loaded = true
	ps.last = DefaultEventID

	id, err := s.store.Load(name)
	switch {
	case errors.Is(err, ErrNoState):
		s.log.Info("no event id state, using default", "profile", name, "last_event_id", DefaultEventID)
	case err != nil:
		s.log.Warn("event id state unreadable, using default",
			"profile", name, "last_event_id", DefaultEventID, "error", err)
	case Validate(id) != nil:
		s.log.Warn("persisted event id out of range, using default",
			"profile", name, "stored", id, "last_event_id", DefaultEventID)
	default:
		ps.last = id
	}
}

// Last returns the last committed id for profile.
func (s *Sequencer) Last(profile string) (int, error) {
	ps, err := s.profile(profile)
	if err != nil {
		return 0, err
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	s.loadLocked(profile, ps)
	return ps.last, nil
}

// Next returns the id following the last committed one without changing
// any state.
func (s *Sequencer) Next(profile string) (int, error) {
	last, err := s.Last(profile)
	if err != nil {
		return 0, err
	}
	return Wrap(last + 1), nil
}

// Commit records id as the last used value for profile.
func (s *Sequencer) Commit(profile string, id int) error {
	if err := Validate(id); err != nil {
		return err
	}
	ps, err := s.profile(profile)
	if err != nil {
		return err
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return s.commitLocked(profile, ps, id)
}

func (s *Sequencer) commitLocked(profile string, ps *profileState, id int) error {
	s.loadLocked(profile, ps)
	if err := s.store.Save(profile, id); err != nil {
		return fmt.Errorf("persist event id %d for %s: %w", id, profile, err)
	}
	ps.last = id
	return nil
}

// Advance allocates and commits the next id in one step.
func (s *Sequencer) Advance(profile string) (int, error) {
	ps, err := s.profile(profile)
	if err != nil {
		return 0, err
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	s.loadLocked(profile, ps)
	id := Wrap(ps.last + 1)
	if err := s.commitLocked(profile, ps, id); err != nil {
		return 0, err
	}
	return id, nil
}
