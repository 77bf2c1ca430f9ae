package store

import (
	"context"
	"sync"

	"github.com/phact/agentsitter/service/dao"
)

// MemoryStore is a generic in-memory implementation of dao.Service.
// It keeps entities of type *T mapped by a comparable key K obtained from the
// supplied keySelector function.
//
// Beyond the plain dao.Service operations it offers Update, which runs a
// mutation under the store's write lock. The ticket store builds its
// compare-and-swap resolution on top of it so that exactly one concurrent
// caller can move a record out of its current state.
//
// Records are copied on the way in and on the way out: Save stores a copy of
// the caller's value and Load/List return copies taken under the lock. The
// store's own pointers never escape, so the only code that ever touches a
// stored record is the mutation passed to Update.
type MemoryStore[K comparable, T any] struct {
	mu          sync.RWMutex
	records     map[K]*T
	keySelector func(*T) K
}

// NewMemoryStore creates a new MemoryStore. keySelector extracts the entity
// key (usually the ID field) from a value.
func NewMemoryStore[K comparable, T any](keySelector func(*T) K) *MemoryStore[K, T] {
	return &MemoryStore[K, T]{
		records:     make(map[K]*T),
		keySelector: keySelector,
	}
}

// Save stores or overwrites a record. The store keeps its own copy; later
// changes to the caller's value do not leak in.
func (s *MemoryStore[K, T]) Save(_ context.Context, v *T) error {
	if v == nil {
		return dao.ErrNilEntity
	}
	key := s.keySelector(v)
	stored := *v
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = &stored
	return nil
}

// Load returns a copy of the record under key, or nil when absent.
func (s *MemoryStore[K, T]) Load(_ context.Context, key K) (*T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	out := *v
	return &out, nil
}

// Delete removes a record.
func (s *MemoryStore[K, T]) Delete(_ context.Context, key K) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// List returns copies of all stored records.
func (s *MemoryStore[K, T]) List(_ context.Context, _ ...*dao.Parameter) ([]*T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*T, 0, len(s.records))
	for _, v := range s.records {
		record := *v
		out = append(out, &record)
	}
	return out, nil
}

// Update runs fn on the record stored under key while holding the write lock.
// fn receives nil when the record is absent; returning an error leaves the
// store untouched and propagates the error to the caller.
func (s *MemoryStore[K, T]) Update(_ context.Context, key K, fn func(*T) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.records[key])
}

var _ dao.Service[string, any] = (*MemoryStore[string, any])(nil)
