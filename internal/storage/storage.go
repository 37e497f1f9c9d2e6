package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"connwatch/internal/models"
)

// ErrUnknownDriver is returned for a storage driver name that is not supported.
var ErrUnknownDriver = errors.New("unknown storage driver")

// Store persists emitted connectivity transitions.
type Store interface {
	Append(ctx context.Context, t models.Transition) error
	// History returns transitions at or after since in chronological
	// order. A zero since means all of them; limit > 0 keeps only the
	// most recent limit entries.
	History(ctx context.Context, since time.Time, limit int) ([]models.Transition, error)
	Close() error
}

// NewTransition stamps a status change with a fresh ID.
func NewTransition(connected bool, at time.Time) models.Transition {
	return models.Transition{
		ID:        uuid.NewString(),
		Connected: connected,
		At:        at.UTC(),
	}
}

// Filter applies the since/limit semantics of Store.History to a
// chronologically sorted slice and returns a copy.
func Filter(entries []models.Transition, since time.Time, limit int) []models.Transition {
	start := 0
	if !since.IsZero() {
		start = sort.Search(len(entries), func(i int) bool {
			return !entries[i].At.Before(since)
		})
	}
	if limit > 0 && len(entries)-start > limit {
		start = len(entries) - limit
	}
	out := make([]models.Transition, len(entries)-start)
	copy(out, entries[start:])
	return out
}

// Compile-time interface guard.
var _ Store = (*FileStore)(nil)

// FileStore keeps the transition history in a JSON file.
type FileStore struct {
	mu      sync.RWMutex
	path    string
	history []models.Transition
}

// NewFileStore creates a storage instance and loads existing history if present.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "ensure data directory")
	}

	s := &FileStore{path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Append adds a transition and persists the history to disk.
func (s *FileStore) Append(_ context.Context, t models.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, t)
	if n := len(s.history); n > 1 && s.history[n-1].At.Before(s.history[n-2].At) {
		sort.SliceStable(s.history, func(i, j int) bool {
			return s.history[i].At.Before(s.history[j].At)
		})
	}
	return s.persist()
}

// History returns a filtered copy of the stored transitions.
func (s *FileStore) History(_ context.Context, since time.Time, limit int) ([]models.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Filter(s.history, since, limit), nil
}

// Close is a no-op; every Append is already on disk.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.history = nil
			return nil
		}
		return errors.Wrap(err, "read transition history")
	}
	if len(data) == 0 {
		s.history = nil
		return nil
	}

	var entries []models.Transition
	if err := json.Unmarshal(data, &entries); err != nil {
		return errors.Wrap(err, "parse transition history")
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].At.Before(entries[j].At)
	})
	s.history = entries
	return nil
}

func (s *FileStore) persist() error {
	bytes, err := json.MarshalIndent(s.history, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode transition history")
	}

	tmpPath := fmt.Sprintf("%s.%d.tmp", s.path, time.Now().UnixNano())
	if err := os.WriteFile(tmpPath, bytes, 0o644); err != nil {
		return errors.Wrap(err, "write temp transition history")
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, "replace transition history file")
	}
	return nil
}
