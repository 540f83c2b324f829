package state

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/commrelay/commrelay/internal/models"
)

// DefaultRetention is how long a delivered key suppresses redelivery.
const DefaultRetention = 24 * time.Hour

// Store is the delivery state shared by all sources: one high-water mark per source and a
// TTL-bounded list of delivered keys. Every mutation is written through to the backend.
type Store struct {
	mu        sync.Mutex
	backend   Backend
	marks     map[string]models.HighWaterMark
	digests   []models.Digest
	index     map[string]int
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the wall clock used for record times and purging.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRetention overrides DefaultRetention.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithLogger sets the logger used for load warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Stats summarises the store contents.
type Stats struct {
	Sources int `json:"sources"`
	Digests int `json:"digests"`
}

// Open loads persisted state from backend. State that cannot be loaded is logged
// and replaced by an empty store; the next write overwrites it.
func Open(ctx context.Context, backend Backend, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, errors.New("state backend is required")
	}

	s := &Store{
		backend:   backend,
		marks:     make(map[string]models.HighWaterMark),
		index:     make(map[string]int),
		retention: DefaultRetention,
		now:       time.Now,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}

	snapshot, err := backend.Load(ctx)
	if err != nil {
		s.logger.Warn("persisted state unreadable, starting cold", "error", err)
		return s, nil
	}
	if snapshot == nil {
		s.logger.Info("no persisted state found, starting cold")
		return s, nil
	}

	for sourceID, mark := range snapshot.Marks {
		s.marks[sourceID] = mark
	}
	for _, d := range snapshot.Digests {
		if d.Key == "" {
			continue
		}
		if i, ok := s.index[d.Key]; ok {
			if s.digests[i].Timestamp < d.Timestamp {
				s.digests[i] = d
			}
			continue
		}
		s.index[d.Key] = len(s.digests)
		s.digests = append(s.digests, d)
	}
	s.purgeLocked()

	s.logger.Info("loaded persisted state", "sources", len(s.marks), "digests", len(s.digests))
	return s, nil
}

// IsDuplicate reports whether key was recorded within the retention window.
func (s *Store) IsDuplicate(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeLocked()
	_, ok := s.index[key]
	return ok
}

// Record marks key as delivered now. occurredAt is the item time; zero means now.
// Recording an existing key refreshes its record time.
func (s *Store) Record(ctx context.Context, key string, occurredAt int64) error {
	if key == "" {
		return errors.New("digest key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeLocked()

	now := s.now().Unix()
	if occurredAt <= 0 {
		occurredAt = now
	}
	digest := models.Digest{Key: key, Timestamp: now, OccurredAt: occurredAt}

	if i, ok := s.index[key]; ok {
		s.digests[i] = digest
	} else {
		s.index[key] = len(s.digests)
		s.digests = append(s.digests, digest)
	}

	return s.persistLocked(ctx)
}

// HighWaterMark returns the mark stored for sourceID.
func (s *Store) HighWaterMark(sourceID string) (models.HighWaterMark, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeLocked()
	mark, ok := s.marks[sourceID]
	return mark, ok
}

// SetHighWaterMark stores mark for sourceID if it is strictly greater than the current one.
// It reports whether the mark moved.
func (s *Store) SetHighWaterMark(ctx context.Context, sourceID string, mark models.HighWaterMark) (bool, error) {
	if sourceID == "" {
		return false, errors.New("source id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeLocked()

	if current, ok := s.marks[sourceID]; ok && !current.Less(mark) {
		return false, nil
	}
	s.marks[sourceID] = mark

	if err := s.persistLocked(ctx); err != nil {
		return true, err
	}
	return true, nil
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeLocked()
	return s.snapshotLocked()
}

// Stats returns the number of tracked sources and live digests.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeLocked()
	return Stats{Sources: len(s.marks), Digests: len(s.digests)}
}

// Ping reports whether the backend is reachable. File backends always are.
func (s *Store) Ping(ctx context.Context) error {
	if p, ok := s.backend.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) purgeLocked() {
	cutoff := s.now().Add(-s.retention).Unix()

	kept := s.digests[:0]
	removed := false
	for _, d := range s.digests {
		if d.Timestamp < cutoff {
			removed = true
			continue
		}
		kept = append(kept, d)
	}
	if !removed {
		return
	}

	s.digests = kept
	s.index = make(map[string]int, len(kept))
	for i, d := range kept {
		s.index[d.Key] = i
	}
}

func (s *Store) snapshotLocked() *Snapshot {
	snapshot := NewSnapshot()
	for sourceID, mark := range s.marks {
		snapshot.Marks[sourceID] = mark
	}
	snapshot.Digests = append(snapshot.Digests, s.digests...)
	sort.SliceStable(snapshot.Digests, func(i, j int) bool {
		return snapshot.Digests[i].Timestamp < snapshot.Digests[j].Timestamp
	})
	return snapshot
}

func (s *Store) persistLocked(ctx context.Context) error {
	if err := s.backend.Save(ctx, s.snapshotLocked()); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}
