package recorder

import (
	"context"
	"sort"
	"sync"
)

// SessionStore persists capture sessions. UpsertSession must be idempotent
// per record ID, and so must AttachArchive.
type SessionStore interface {
	UpsertSession(ctx context.Context, rec SessionRecord) error
	// AttachArchive records the platform's own recording on session id. An
	// unknown id is not an error.
	AttachArchive(ctx context.Context, id string, a Archive) error
}

// SessionHistory is the read side used by the status API.
type SessionHistory interface {
	Session(ctx context.Context, id string) (SessionRecord, error)
	// RecentSessions returns up to limit records of one target, newest first.
	RecentSessions(ctx context.Context, key TargetKey, limit int) ([]SessionRecord, error)
}

// DefaultHistoryLimit caps RecentSessions when no limit is given.
const DefaultHistoryLimit = 20

// InMemorySessionStore keeps session records in a map. It is used when no
// database is configured and in tests.
type InMemorySessionStore struct {
	mu      sync.RWMutex
	records map[string]SessionRecord
}

// NewInMemorySessionStore returns an empty store.
func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{records: make(map[string]SessionRecord)}
}

// UpsertSession implements SessionStore.
func (s *InMemorySessionStore) UpsertSession(_ context.Context, rec SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.records[rec.ID]; ok && rec.ArchiveURL == "" {
		rec.ArchiveURL, rec.ArchiveBackupURL = prev.ArchiveURL, prev.ArchiveBackupURL
	}
	s.records[rec.ID] = rec
	return nil
}

// AttachArchive implements SessionStore.
func (s *InMemorySessionStore) AttachArchive(_ context.Context, id string, a Archive) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil
	}
	rec.ArchiveURL = a.URL
	rec.ArchiveBackupURL = a.BackupURL
	s.records[id] = rec
	return nil
}

// Get returns the record stored under id.
func (s *InMemorySessionStore) Get(id string) (SessionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok
}

// Session implements SessionHistory.
func (s *InMemorySessionStore) Session(_ context.Context, id string) (SessionRecord, error) {
	rec, ok := s.Get(id)
	if !ok {
		return SessionRecord{}, ErrSessionNotFound
	}
	return rec, nil
}

// RecentSessions implements SessionHistory.
func (s *InMemorySessionStore) RecentSessions(_ context.Context, key TargetKey, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	var out []SessionRecord
	for _, rec := range s.List() {
		if rec.Platform == key.Platform && rec.Channel == key.Channel {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// List returns every record ordered by start time.
func (s *InMemorySessionStore) List() []SessionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SessionRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
