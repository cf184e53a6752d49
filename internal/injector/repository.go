package injector

import (
	"errors"
	"sync"
)

// Repository defines the concurrency-safe contract for session records.
type Repository interface {
	// Create stores a new session. It fails with ErrSessionActive when the
	// profile already has a session that is not stopped.
	Create(s Session) error

	// Get returns a copy of the session.
	Get(id SessionID) (Session, bool)

	// Update applies fn to the stored session and returns the result.
	// Counters never decrease and a stopped session can no longer change.
	Update(id SessionID, fn func(*Session)) (Session, error)

	// List returns all sessions in creation order. Stopped sessions stay
	// listed.
	List() []Session

	// ActiveForProfile returns the profile's session that is not stopped.
	ActiveForProfile(profile string) (Session, bool)

	// ActiveSessionCount returns the number of sessions that are not stopped.
	// Used for metrics.
	ActiveSessionCount() int
}

var (
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionActive is returned when a profile already has an active session.
	ErrSessionActive = errors.New("profile already has an active session")

	// ErrSessionStopped is returned when mutating a stopped session.
	ErrSessionStopped = errors.New("session is stopped")

	// ErrSessionExists is returned when creating a session with a used id.
	ErrSessionExists = errors.New("session id already exists")
)

// InMemoryRepository is a concurrency-safe implementation of Repository.
// It uses a Store for persistence; by default that is an InMemoryStore.
type InMemoryRepository struct {
	mu    sync.RWMutex
	store Store
}

// NewInMemoryRepository constructs a new repository with a default in-memory store.
func NewInMemoryRepository() *InMemoryRepository {
	return NewInMemoryRepositoryWithStore(NewInMemoryStore())
}

// NewInMemoryRepositoryWithStore constructs a repository that uses the given Store.
func NewInMemoryRepositoryWithStore(store Store) *InMemoryRepository {
	return &InMemoryRepository{store: store}
}

// Create implements Repository.Create.
func (r *InMemoryRepository) Create(s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.store.GetSession(s.ID); exists {
		return ErrSessionExists
	}
	if _, active := r.activeForProfileLocked(s.Profile); active {
		return ErrSessionActive
	}

	stored := s
	r.store.SetSession(&stored)
	return nil
}

// Get implements Repository.Get.
func (r *InMemoryRepository) Get(id SessionID) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.store.GetSession(id)
	if !ok {
		return Session{}, false
	}
	return copySession(s), true
}

// Update implements Repository.Update.
func (r *InMemoryRepository) Update(id SessionID, fn func(*Session)) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.store.GetSession(id)
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if current.Status == StatusStopped {
		return copySession(current), ErrSessionStopped
	}

	next := copySession(current)
	fn(&next)

	// Identity is fixed and counters only move forward.
	next.ID = current.ID
	next.Profile = current.Profile
	next.StartedAt = current.StartedAt
	next.Counters = current.Counters.raise(next.Counters)

	r.store.SetSession(&next)
	return copySession(&next), nil
}

// List implements Repository.List.
func (r *InMemoryRepository) List() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.store.ListSessionIDs()
	out := make([]Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := r.store.GetSession(id); ok {
			out = append(out, copySession(s))
		}
	}
	return out
}

// ActiveForProfile implements Repository.ActiveForProfile.
func (r *InMemoryRepository) ActiveForProfile(profile string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.activeForProfileLocked(profile)
	if !ok {
		return Session{}, false
	}
	return copySession(s), true
}

// ActiveSessionCount implements Repository.ActiveSessionCount.
func (r *InMemoryRepository) ActiveSessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, id := range r.store.ListSessionIDs() {
		if s, ok := r.store.GetSession(id); ok && s.Active() {
			n++
		}
	}
	return n
}

// activeForProfileLocked expects r.mu to be held.
func (r *InMemoryRepository) activeForProfileLocked(profile string) (*Session, bool) {
	return r.store.ActiveSession(profile)
}

// copySession detaches the pointer fields so callers cannot mutate stored state.
func copySession(s *Session) Session {
	out := *s
	if s.StoppedAt != nil {
		t := *s.StoppedAt
		out.StoppedAt = &t
	}
	return out
}
