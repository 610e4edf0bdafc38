// Package artifacts manages the per-run scratch directories (observations,
// traces, event logs). A run's directory lives exactly as long as its record.
package artifacts

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store roots one directory per run under baseDir.
type Store struct {
	mu      sync.RWMutex
	baseDir string
}

// NewStore creates a Store rooted at baseDir. The directory is created lazily.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// BaseDir returns the root directory.
func (s *Store) BaseDir() string { return s.baseDir }

// Dir returns the artifact directory of a run.
func (s *Store) Dir(runID string) string {
	return filepath.Join(s.baseDir, runID)
}

// Path returns the path of a named artifact within a run directory.
func (s *Store) Path(runID, name string) string {
	return filepath.Join(s.baseDir, runID, name)
}

// Ensure creates the run directory (and parents) if needed.
func (s *Store) Ensure(runID string) error {
	if runID == "" || strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return fmt.Errorf("invalid run id %q", runID)
	}
	if err := os.MkdirAll(s.Dir(runID), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	return nil
}

// Remove deletes a run directory and everything in it. A missing directory is not an error.
func (s *Store) Remove(runID string) error {
	if runID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.Dir(runID)); err != nil {
		return fmt.Errorf("remove artifacts of %s: %w", runID, err)
	}
	return nil
}

// Exists reports whether the run directory is present.
func (s *Store) Exists(runID string) bool {
	info, err := os.Stat(s.Dir(runID))
	return err == nil && info.IsDir()
}

// List returns the run ids that own a directory.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list artifact dirs: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}

// WriteJSON atomically writes v as indented JSON using a temp file + rename.
func (s *Store) WriteJSON(runID, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	return s.WriteFile(runID, name, data)
}

// WriteFile atomically writes content to a named artifact.
func (s *Store) WriteFile(runID, name string, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.Ensure(runID); err != nil {
		return err
	}
	path := s.Path(runID, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("write %s tmp: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

// ReadFile returns an artifact's content, or nil, nil when it does not exist.
func (s *Store) ReadFile(runID, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.Path(runID, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

// AppendJSONL appends a JSON-encoded line to a named artifact.
func (s *Store) AppendJSONL(runID, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.Ensure(runID); err != nil {
		return err
	}
	f, err := os.OpenFile(s.Path(runID, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// LoadJSONL reads every JSON line of an artifact into T. Corrupted lines are skipped.
func LoadJSONL[T any](s *Store, runID, name string) ([]T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(s.Path(runID, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	var items []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var item T
		if err := json.Unmarshal(line, &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", name, err)
	}
	return items, nil
}
