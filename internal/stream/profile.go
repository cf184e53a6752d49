package stream

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrProfileNotFound is returned when no profile file exists for a name.
var ErrProfileNotFound = errors.New("profile not found")

const profileExt = ".yaml"

// LoadFile reads a YAML stream profile, fills in defaults and validates it.
// The profile name is the file name without its extension; a profile field
// inside the file is overridden so directories and state files stay keyed
// consistently.
func LoadFile(path string) (Config, error) {
	name := strings.TrimSuffix(filepath.Base(path), profileExt)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("%w: %s", ErrProfileNotFound, name)
		}
		return Config{}, fmt.Errorf("read profile: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse profile %s: %w", name, err)
	}
	cfg.Profile = name

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("profile %s: %w", name, err)
	}
	return cfg, nil
}

// LoadProfile loads <dir>/<name>.yaml.
func LoadProfile(dir, name string) (Config, error) {
	if !ValidProfileName(name) {
		return Config{}, fieldErr("profile", "invalid profile name %q", name)
	}
	return LoadFile(filepath.Join(dir, name+profileExt))
}

// CheckDir loads every profile file in dir. It returns the names that loaded
// and, per file name, the error of each one that did not. A missing dir has
// no profiles.
func CheckDir(dir string) ([]string, map[string]error, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("list profiles: %w", err)
	}

	var names []string
	failed := make(map[string]error)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != profileExt {
			continue
		}
		if !ValidProfileName(strings.TrimSuffix(e.Name(), profileExt)) {
			failed[e.Name()] = fieldErr("profile", "invalid profile name %q", e.Name())
			continue
		}
		cfg, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			failed[e.Name()] = err
			continue
		}
		names = append(names, cfg.Profile)
	}
	sort.Strings(names)
	return names, failed, nil
}
