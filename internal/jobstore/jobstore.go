// Package jobstore holds server-resident job records with a time-to-live.
package jobstore

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned for keys that were never stored, were deleted, or
// have expired.
var ErrNotFound = errors.New("job not found")

// Entry is a stored record returned by Sweep.
type Entry struct {
	Key   string
	Value []byte
}

// Store is a key-value store with per-key expiry.
type Store interface {
	// Put stores value under key, replacing any previous record. The
	// record expires ttl after the store's current time.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns the record for key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Sweep removes every expired record and returns them so callers can
	// release resources the records refer to.
	Sweep(ctx context.Context) ([]Entry, error)
	Close() error
}

type memEntry struct {
	expires time.Time
	value   []byte
}

// Memory is an in-process Store. The zero value is not usable; call
// NewMemory.
type Memory struct {
	now     func() time.Time
	entries map[string]memEntry
	mu      sync.Mutex
}

// NewMemory creates an in-memory store. A nil now uses time.Now.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{now: now, entries: make(map[string]memEntry)}
}

func (m *Memory) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	v := make([]byte, len(value))
	copy(v, value)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memEntry{value: v, expires: m.now().Add(ttl)}
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || !m.now().Before(e.expires) {
		return nil, ErrNotFound
	}
	return e.value, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) Sweep(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []Entry
	for k, e := range m.entries {
		if !now.Before(e.expires) {
			out = append(out, Entry{Key: k, Value: e.value})
			delete(m.entries, k)
		}
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
