package coverage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Store persists coverage rules keyed by (serviceID, insurerID).
type Store interface {
	Create(ctx context.Context, rule *Rule) error
	Get(ctx context.Context, serviceID, insurerID string) (*Rule, error)
	Update(ctx context.Context, rule *Rule) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.RWMutex
	rules map[Key]Rule
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rules: make(map[Key]Rule)}
}

func (s *MemoryStore) Create(ctx context.Context, rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[rule.Key()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRule, rule.Key())
	}
	s.rules[rule.Key()] = *rule
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, serviceID, insurerID string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[Key{ServiceID: serviceID, InsurerID: insurerID}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, serviceID, insurerID)
	}
	return &r, nil
}

func (s *MemoryStore) Update(ctx context.Context, rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.rules[rule.Key()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, rule.Key())
	}
	updated := *rule
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = time.Now().UTC()
	s.rules[rule.Key()] = updated
	*rule = updated
	return nil
}
