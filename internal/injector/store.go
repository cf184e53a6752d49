package injector

// Store keeps session records for the Repository, which does the locking;
// implementations need not be safe for concurrent use. Records are archived,
// never removed.
type Store interface {
	GetSession(id SessionID) (*Session, bool)
	// SetSession inserts or replaces a record and keeps the active index
	// current.
	SetSession(s *Session)
	// ActiveSession returns the profile's record that is not stopped.
	ActiveSession(profile string) (*Session, bool)
	// ListSessionIDs returns ids in insertion order.
	ListSessionIDs() []SessionID
}

// InMemoryStore holds sessions in insertion order with an index of the
// active session per profile.
type InMemoryStore struct {
	sessions map[SessionID]*Session
	order    []SessionID
	active   map[string]SessionID
}

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[SessionID]*Session),
		active:   make(map[string]SessionID),
	}
}

func (s *InMemoryStore) GetSession(id SessionID) (*Session, bool) {
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *InMemoryStore) SetSession(sess *Session) {
	if _, known := s.sessions[sess.ID]; !known {
		s.order = append(s.order, sess.ID)
	}
	s.sessions[sess.ID] = sess

	switch {
	case sess.Active():
		s.active[sess.Profile] = sess.ID
	case s.active[sess.Profile] == sess.ID:
		delete(s.active, sess.Profile)
	}
}

func (s *InMemoryStore) ActiveSession(profile string) (*Session, bool) {
	id, ok := s.active[profile]
	if !ok {
		return nil, false
	}
	return s.sessions[id], true
}

func (s *InMemoryStore) ListSessionIDs() []SessionID {
	return append([]SessionID(nil), s.order...)
}
