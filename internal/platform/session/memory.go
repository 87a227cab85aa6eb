package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process until they expire.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	records map[string]memoryEntry
}

type memoryEntry struct {
	rec     Record
	expires time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		records: make(map[string]memoryEntry),
	}
}

func (m *MemoryStore) Save(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	expires := m.now().Add(m.ttl)
	if old, ok := m.records[rec.Key]; ok && old.rec.Revoked {
		// Revocation sticks until the original expiry.
		expires = old.expires
		rec.Revoked = true
	}
	m.records[rec.Key] = memoryEntry{rec: *rec, expires: expires}
	return nil
}

func (m *MemoryStore) Load(_ context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	if m.now().After(e.expires) {
		delete(m.records, key)
		return nil, ErrNotFound
	}
	rec := e.rec
	return &rec, nil
}

func (m *MemoryStore) Revoke(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.records[key]
	if !ok {
		return ErrNotFound
	}
	e.rec.Revoked = true
	m.records[key] = e
	return nil
}
