// Package checkpoint persists per-unit, per-stage pipeline progress so an
// interrupted run can resume without repeating completed work.
package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Status is the completion state of a (unit, stage) pair.
type Status string

const (
	StatusDone       Status = "DONE"
	StatusFailed     Status = "FAILED"
	StatusInProgress Status = "IN_PROGRESS"
)

// Record is the persisted state for one (unit, stage). Calls tracks
// completion of individual external calls inside a stage, so a crash
// mid-stage resumes at the next uncompleted call.
type Record struct {
	Status    Status            `json:"status"`
	Attempts  int               `json:"attempts"`
	LastError string            `json:"last_error,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
	Calls     map[string]Status `json:"calls,omitempty"`
}

type document struct {
	Units map[string]map[string]Record `json:"units"`
}

// Store is the single writer for the on-disk checkpoint document. All
// mutation goes through one mutex; every mutation persists atomically
// (write temp, rotate previous to backup, rename).
type Store struct {
	mu   sync.Mutex
	path string
	doc  document
	now  func() time.Time
}

const backupSuffix = ".bak"

// Load opens the checkpoint for a run directory, creating an empty one if
// missing. A primary file that cannot be parsed falls back to the most
// recent valid backup; if both are unreadable the store starts empty with a
// warning. Load never fails on corruption, only on I/O setup.
func Load(runDir string) (*Store, error) {
	path := filepath.Join(runDir, "state", "checkpoint.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, eris.Wrap(err, "checkpoint: create state dir")
	}

	s := &Store{
		path: path,
		doc:  document{Units: map[string]map[string]Record{}},
		now:  time.Now,
	}

	doc, err := readDocument(path)
	if err != nil {
		if !os.IsNotExist(eris.Cause(err)) {
			zap.L().Warn("checkpoint: primary file unreadable, trying backup",
				zap.String("path", path),
				zap.Error(err),
			)
		}
		doc, err = readDocument(path + backupSuffix)
		if err != nil {
			if !os.IsNotExist(eris.Cause(err)) {
				zap.L().Warn("checkpoint: backup also unreadable, starting empty",
					zap.Error(err),
				)
			}
			return s, nil
		}
		zap.L().Warn("checkpoint: recovered from backup, latest increment lost",
			zap.String("path", path+backupSuffix),
		)
	}

	if doc.Units != nil {
		s.doc = doc
	}
	return s, nil
}

// WithNow fixes the clock for tests.
func (s *Store) WithNow(now func() time.Time) *Store {
	s.now = now
	return s
}

func readDocument(path string) (document, error) {
	var doc document
	data, err := os.ReadFile(path)
	if err != nil {
		return doc, eris.Wrap(err, "checkpoint: read")
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, eris.Wrap(err, "checkpoint: parse")
	}
	return doc, nil
}

// Status returns the recorded status for (unit, stage), or "" if none.
// IN_PROGRESS is crash residue from an interrupted run and is reported
// as-is; callers treat anything other than DONE as not-done.
func (s *Store) Status(unit, stage string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Units[unit][stage].Status
}

// IsDone reports whether (unit, stage) completed successfully.
func (s *Store) IsDone(unit, stage string) bool {
	return s.Status(unit, stage) == StatusDone
}

// Begin marks (unit, stage) IN_PROGRESS and increments its attempt count.
// It is a no-op for stages already DONE.
func (s *Store) Begin(unit, stage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.doc.Units[unit][stage]
	if rec.Status == StatusDone {
		return nil
	}
	rec.Status = StatusInProgress
	rec.Attempts++
	rec.UpdatedAt = s.now().UTC()
	s.set(unit, stage, rec)
	return s.persistLocked()
}

// Mark records a terminal status for (unit, stage). DONE is monotonic:
// once set it is never downgraded by a later mark.
func (s *Store) Mark(unit, stage string, status Status, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.doc.Units[unit][stage]
	if rec.Status == StatusDone && status != StatusDone {
		return nil
	}
	rec.Status = status
	rec.LastError = lastErr
	rec.UpdatedAt = s.now().UTC()
	s.set(unit, stage, rec)
	return s.persistLocked()
}

// MarkCall records completion of one external call within a stage.
func (s *Store) MarkCall(unit, stage, call string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.doc.Units[unit][stage]
	if rec.Calls == nil {
		rec.Calls = map[string]Status{}
	}
	rec.Calls[call] = StatusDone
	rec.UpdatedAt = s.now().UTC()
	s.set(unit, stage, rec)
	return s.persistLocked()
}

// CallDone reports whether one external call within a stage completed.
func (s *Store) CallDone(unit, stage, call string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Units[unit][stage].Calls[call] == StatusDone
}

// Attempts returns the attempt count for (unit, stage).
func (s *Store) Attempts(unit, stage string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Units[unit][stage].Attempts
}

// Units returns a snapshot of all unit keys with any recorded state.
func (s *Store) Units() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.doc.Units))
	for k := range s.doc.Units {
		keys = append(keys, k)
	}
	return keys
}

// Snapshot returns a deep copy of a unit's stage records for reporting.
func (s *Store) Snapshot(unit string) map[string]Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Record, len(s.doc.Units[unit]))
	for stage, rec := range s.doc.Units[unit] {
		if rec.Calls != nil {
			calls := make(map[string]Status, len(rec.Calls))
			for k, v := range rec.Calls {
				calls[k] = v
			}
			rec.Calls = calls
		}
		out[stage] = rec
	}
	return out
}

// set must be called with the lock held.
func (s *Store) set(unit, stage string, rec Record) {
	if s.doc.Units[unit] == nil {
		s.doc.Units[unit] = map[string]Record{}
	}
	s.doc.Units[unit][stage] = rec
}

// persistLocked writes the document atomically: marshal to a temp file,
// fsync, rotate the current file to .bak, rename the temp into place.
// Must be called with the lock held.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return eris.Wrap(err, "checkpoint: marshal")
	}

	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return eris.Wrap(err, "checkpoint: create temp")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return eris.Wrap(err, "checkpoint: write temp")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return eris.Wrap(err, "checkpoint: sync temp")
	}
	if err := f.Close(); err != nil {
		return eris.Wrap(err, "checkpoint: close temp")
	}

	if _, err := os.Stat(s.path); err == nil {
		if err := os.Rename(s.path, s.path+backupSuffix); err != nil {
			return eris.Wrap(err, "checkpoint: rotate backup")
		}
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return eris.Wrap(err, "checkpoint: rename into place")
	}
	return nil
}
