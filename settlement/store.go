package settlement

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when no record exists for a key.
var ErrNotFound = errors.New("settlement: record not found")

// Store persists settlement records. Implementations must make
// GetOrCreate atomic: under any number of concurrent calls with the same
// key, exactly one caller creates.
type Store interface {
	// GetOrCreate returns the record for rec.Key, inserting rec if none
	// exists. created reports whether this call inserted.
	GetOrCreate(ctx context.Context, rec *Record) (out *Record, created bool, err error)

	// Get returns the record for key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Record, error)

	// Update overwrites the record. Only the goroutine driving a
	// settlement writes through Update; claims go through Transition.
	Update(ctx context.Context, rec *Record) error

	// Transition atomically moves the record from the expected state,
	// applying rec's other fields. Returns false when the stored state
	// differs, which means another worker holds the claim.
	Transition(ctx context.Context, rec *Record, from State) (bool, error)

	// DeleteExpired removes terminal records not updated since cutoff
	// and returns how many were removed. Non-terminal records are never
	// removed regardless of age.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryStore keeps records in process memory. It is the default store;
// restarts forget in-flight settlements, which the protocol tolerates
// because re-settling a consumed authorization fails verification.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]Record)}
}

func (m *MemoryStore) GetOrCreate(_ context.Context, rec *Record) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.data[rec.Key]; ok {
		out := existing
		return &out, false, nil
	}
	m.data[rec.Key] = *rec
	out := *rec
	return &out, true, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := rec
	return &out, nil
}

func (m *MemoryStore) Update(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[rec.Key]; !ok {
		return ErrNotFound
	}
	rec.UpdatedAt = time.Now()
	m.data[rec.Key] = *rec
	return nil
}

func (m *MemoryStore) Transition(_ context.Context, rec *Record, from State) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.data[rec.Key]
	if !ok {
		return false, ErrNotFound
	}
	if existing.State != from {
		return false, nil
	}
	rec.UpdatedAt = time.Now()
	m.data[rec.Key] = *rec
	return true, nil
}

func (m *MemoryStore) DeleteExpired(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, rec := range m.data {
		if rec.State.Terminal() && rec.UpdatedAt.Before(cutoff) {
			delete(m.data, key)
			removed++
		}
	}
	return removed, nil
}
