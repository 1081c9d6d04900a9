// Package store persists run results as append-only JSON lines and keeps a
// small active-run marker file so concurrent processes can see which
// targets are mid-migration.
package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/chaluvadis/postgres-schema-sync-sub003/internal/coordinate"
)

const (
	resultsFile = "results.jsonl"
	activeFile  = "active.json"
)

// Store is a file-backed run history. All methods are safe for concurrent
// use within one process; the results file is append-only so history is
// never rewritten.
type Store struct {
	mu  sync.Mutex
	dir string
}

func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// SaveResult appends one result as a JSON line.
func (s *Store) SaveResult(_ context.Context, r *coordinate.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding result %s: %w", r.ID, err)
	}
	f, err := os.OpenFile(filepath.Join(s.dir, resultsFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening results file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending result %s: %w", r.ID, err)
	}
	return f.Sync()
}

// Results returns the stored history, oldest first. An empty target returns
// every run.
func (s *Store) Results(_ context.Context, target string) ([]*coordinate.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(filepath.Join(s.dir, resultsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening results file: %w", err)
	}
	defer f.Close()

	var out []*coordinate.Result
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		var r coordinate.Result
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return nil, fmt.Errorf("decoding result on line %d: %w", line, err)
		}
		if target == "" || r.Target == target {
			out = append(out, &r)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading results file: %w", err)
	}
	return out, nil
}

// Last returns the most recent result for a target, or nil when the target
// has no history.
func (s *Store) Last(ctx context.Context, target string) (*coordinate.Result, error) {
	all, err := s.Results(ctx, target)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return all[len(all)-1], nil
}

// MarkActive records that runID holds the target.
func (s *Store) MarkActive(_ context.Context, target, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.readActive()
	if err != nil {
		return err
	}
	active[target] = runID
	return s.writeActive(active)
}

// ClearActive removes the target's active marker.
func (s *Store) ClearActive(_ context.Context, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.readActive()
	if err != nil {
		return err
	}
	delete(active, target)
	return s.writeActive(active)
}

// ActiveRun returns the run ID holding the target, if any.
func (s *Store) ActiveRun(_ context.Context, target string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.readActive()
	if err != nil {
		return "", false, err
	}
	id, ok := active[target]
	return id, ok, nil
}

func (s *Store) readActive() (map[string]string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, activeFile))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("reading active markers: %w", err)
	}
	active := map[string]string{}
	if len(data) == 0 {
		return active, nil
	}
	if err := json.Unmarshal(data, &active); err != nil {
		return nil, fmt.Errorf("decoding active markers: %w", err)
	}
	return active, nil
}

// writeActive replaces the marker file atomically via rename.
func (s *Store) writeActive(active map[string]string) error {
	data, err := json.MarshalIndent(active, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding active markers: %w", err)
	}
	tmp := filepath.Join(s.dir, activeFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing active markers: %w", err)
	}
	return os.Rename(tmp, filepath.Join(s.dir, activeFile))
}
