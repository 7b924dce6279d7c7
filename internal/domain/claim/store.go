package claim

import (
	"context"
	"fmt"
	"sync"
)

// Store persists claims, their audit trail and their events.
type Store interface {
	// Create inserts a new claim, failing with ErrDuplicateClaimNumber on a number collision.
	Create(ctx context.Context, agg *Aggregate) error
	// Save applies pending transitions with a conditional update on PersistedStatus,
	// failing with ErrConcurrentUpdate when the stored status has moved.
	Save(ctx context.Context, agg *Aggregate) error
	Get(ctx context.Context, id string) (*Aggregate, error)
	GetByNumber(ctx context.Context, claimNumber string) (*Aggregate, error)
	// History returns the transitions of a claim, oldest first.
	History(ctx context.Context, id string) ([]TransitionEvent, error)
}

// MemoryStore is an in-process Store. It records emitted events for inspection.
type MemoryStore struct {
	mu          sync.RWMutex
	claims      map[string]Claim
	byNumber    map[string]string
	transitions map[string][]TransitionEvent
	events      []*Event
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		claims:      make(map[string]Claim),
		byNumber:    make(map[string]string),
		transitions: make(map[string][]TransitionEvent),
	}
}

func (s *MemoryStore) Create(ctx context.Context, agg *Aggregate) error {
	c := agg.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byNumber[c.ClaimNumber]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateClaimNumber, c.ClaimNumber)
	}
	s.claims[c.ID] = c
	s.byNumber[c.ClaimNumber] = c.ID
	s.events = append(s.events, agg.Changes()...)
	agg.MarkPersisted()
	return nil
}

func (s *MemoryStore) Save(ctx context.Context, agg *Aggregate) error {
	if len(agg.Changes()) == 0 {
		return nil
	}
	c := agg.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.claims[c.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, c.ID)
	}
	if stored.Status != agg.PersistedStatus() {
		return fmt.Errorf("%w: %s is %s, expected %s", ErrConcurrentUpdate, c.ID, stored.Status, agg.PersistedStatus())
	}
	s.claims[c.ID] = c
	s.transitions[c.ID] = append(s.transitions[c.ID], agg.PendingTransitions()...)
	s.events = append(s.events, agg.Changes()...)
	agg.MarkPersisted()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.claims[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return Rehydrate(c), nil
}

func (s *MemoryStore) GetByNumber(ctx context.Context, claimNumber string) (*Aggregate, error) {
	s.mu.RLock()
	id, ok := s.byNumber[claimNumber]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, claimNumber)
	}
	return s.Get(ctx, id)
}

func (s *MemoryStore) History(ctx context.Context, id string) ([]TransitionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.claims[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	out := make([]TransitionEvent, len(s.transitions[id]))
	copy(out, s.transitions[id])
	return out, nil
}

// Events returns every event stored so far.
func (s *MemoryStore) Events() []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Event, len(s.events))
	copy(out, s.events)
	return out
}
