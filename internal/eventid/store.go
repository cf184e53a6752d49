package eventid

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNoState is returned by a Store that holds no value for a profile.
var ErrNoState = errors.New("no persisted event id")

// Store is the persistence abstraction for the per-profile last event id.
// The Sequencer serializes calls per profile; implementations only need to be
// safe across distinct profiles.
type Store interface {
	Load(profile string) (int, error)
	Save(profile string, id int) error
}

// state is the on-disk JSON document, one per profile.
type state struct {
	LastEventID int `json:"last_event_id"`
}

// FileStore keeps one JSON file per profile in a directory.
type FileStore struct {
	dir string
}

// NewFileStore returns a store rooted at dir. The directory is created on
// first Save.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Path returns the state file used for profile.
func (s *FileStore) Path(profile string) string {
	return filepath.Join(s.dir, "event_id_"+profile+".json")
}

// Load implements Store.Load. A missing file yields ErrNoState; an
// unparseable one yields a decode error.
func (s *FileStore) Load(profile string) (int, error) {
	data, err := os.ReadFile(s.Path(profile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, ErrNoState
		}
		return 0, err
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return 0, fmt.Errorf("decode %s: %w", s.Path(profile), err)
	}
	return st.LastEventID, nil
}

// Save implements Store.Save. The file is replaced atomically via a temp
// file and rename so a crash never leaves a truncated document behind.
func (s *FileStore) Save(profile string, id int) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.Marshal(state{LastEventID: id})
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".event_id_"+profile+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Rename(tmpName, s.Path(profile)); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	mu  sync.Mutex
	ids map[string]int
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{ids: make(map[string]int)}
}

// Load implements Store.Load.
func (s *InMemoryStore) Load(profile string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.ids[profile]
	if !ok {
		return 0, ErrNoState
	}
	return id, nil
}

// Save implements Store.Save.
func (s *InMemoryStore) Save(profile string, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[profile] = id
	return nil
}
