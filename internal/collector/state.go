package collector

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Store persists per-source collector state under cache_dir, one file
// per (source, collector name): "<source>.<Name>.state". Writes are
// atomic (temp file + rename); a missing or corrupt file degrades to
// the caller's default with a warning.
type Store struct {
	Dir string
	Log zerolog.Logger
}

func (s *Store) path(source, name string) string {
	return filepath.Join(s.Dir, fmt.Sprintf("%s.%s.state", source, name))
}

// Load reads the last saved state into v. It reports whether a usable
// state was found; on first run or corruption the caller keeps its
// default state.
func (s *Store) Load(source, name string, v any) (bool, error) {
	path := s.path(source, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		s.Log.Warn().Err(err).Str("path", path).Msg("state unreadable, using default")
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.Log.Warn().Err(err).Str("path", path).Msg("state corrupt, using default")
		return false, nil
	}
	return true, nil
}

// Save writes the state atomically.
func (s *Store) Save(source, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("state: marshal: %w", err)
	}

	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("state: %w", err)
	}

	tmp, err := os.CreateTemp(s.Dir, ".state-*")
	if err != nil {
		return fmt.Errorf("state: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("state: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("state: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("state: close: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path(source, name)); err != nil {
		return fmt.Errorf("state: rename: %w", err)
	}
	return nil
}
