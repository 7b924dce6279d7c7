package registry

import (
	"context"
	"fmt"
	"sync"
)

// Store persists code entries. At most one entry per Key is active.
type Store interface {
	// Get returns the active entry for key.
	Get(ctx context.Context, key Key) (*Entry, error)
	// Insert stores a new active entry, failing with ErrDuplicateCode if one exists.
	Insert(ctx context.Context, e *Entry) error
	// Supersede marks current as superseded and stores next as the active entry.
	Supersede(ctx context.Context, current, next *Entry) error
	// Versions returns every entry for key, oldest first.
	Versions(ctx context.Context, key Key) ([]*Entry, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[Key][]*Entry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{versions: make(map[Key][]*Entry)}
}

func (s *MemoryStore) active(key Key) *Entry {
	vs := s.versions[key]
	if len(vs) == 0 {
		return nil
	}
	if last := vs[len(vs)-1]; last.Active() {
		return last
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key Key) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e := s.active(key)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) Insert(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active(e.Key()) != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateCode, e.Key())
	}
	cp := *e
	s.versions[e.Key()] = append(s.versions[e.Key()], &cp)
	return nil
}

func (s *MemoryStore) Supersede(ctx context.Context, current, next *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.active(current.Key())
	if active == nil || active.ID != current.ID {
		return fmt.Errorf("%w: %s is no longer active", ErrNotFound, current.Key())
	}
	at := next.EffectiveFrom
	active.SupersededAt = &at
	current.SupersededAt = &at

	cp := *next
	s.versions[next.Key()] = append(s.versions[next.Key()], &cp)
	return nil
}

func (s *MemoryStore) Versions(ctx context.Context, key Key) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vs := s.versions[key]
	if len(vs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	out := make([]*Entry, len(vs))
	for i, e := range vs {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}
