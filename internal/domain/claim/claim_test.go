package claim

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-claims/internal/adjudication"
	"github.com/drfirst/go-claims/internal/coverage"
	"github.com/drfirst/go-claims/internal/money"
)

func percentResult(t *testing.T) *adjudication.Result {
	t.Helper()
	pct := decimal.NewFromInt(20)
	rule, err := coverage.NewRule(coverage.RuleParams{ServiceID: "99213", InsurerID: "INS-1", CopayPercentage: &pct})
	require.NoError(t, err)
	res, err := adjudication.Adjudicate(decimal.RequireFromString("200.00"), money.USD, rule)
	require.NoError(t, err)
	return res
}

func params(t *testing.T) SubmitParams {
	return SubmitParams{
		TenantID:   "org-1",
		PatientID:  "pat-1",
		ServiceRef: "99213",
		InsurerID:  "INS-1",
		Actor:      "clerk-1",
		Result:     percentResult(t),
	}
}

func testManager(store Store, opts ...Option) *Manager {
	return NewManager(store, ManagerConfig{
		NumberAttempts:     3,
		TransitionAttempts: 3,
		RetryInterval:      time.Millisecond,
	}, nil, opts...)
}

type countingObserver struct {
	mu          sync.Mutex
	submitted   int
	transitions int
	collisions  int
	conflicts   int
}

func (o *countingObserver) ClaimSubmitted(string) {
	o.mu.Lock()
	o.submitted++
	o.mu.Unlock()
}

func (o *countingObserver) ClaimTransitioned(string, string) {
	o.mu.Lock()
	o.transitions++
	o.mu.Unlock()
}

func (o *countingObserver) ClaimNumberCollision() {
	o.mu.Lock()
	o.collisions++
	o.mu.Unlock()
}

func (o *countingObserver) ClaimConcurrentUpdate() {
	o.mu.Lock()
	o.conflicts++
	o.mu.Unlock()
}

func TestStatus_TransitionTable(t *testing.T) {
	legal := map[Status][]Status{
		StatusSubmitted:  {StatusProcessing},
		StatusProcessing: {StatusApproved, StatusDenied},
		StatusApproved:   {StatusPaid},
	}
	for _, from := range Statuses {
		for _, to := range Statuses {
			want := false
			for _, s := range legal[from] {
				if s == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}

	assert.True(t, StatusDenied.IsTerminal())
	assert.True(t, StatusPaid.IsTerminal())
	assert.False(t, StatusApproved.IsTerminal())
	assert.Equal(t, []Status{StatusApproved, StatusDenied}, StatusProcessing.Next())
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(" approved ")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, s)

	_, err = ParseStatus("CLOSED")
	assert.Error(t, err)
}

func TestNewClaimNumber_Format(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	pattern := regexp.MustCompile(`^CLM-20260304050607-[0-9A-F]{8}$`)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		n, err := NewClaimNumber(at)
		require.NoError(t, err)
		assert.Regexp(t, pattern, n)
		seen[n] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestSubmit_Aggregate(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	agg, err := Submit(params(t), "CLM-1", at)
	require.NoError(t, err)

	c := agg.Snapshot()
	assert.Equal(t, StatusSubmitted, c.Status)
	assert.Equal(t, 1, c.Version)
	assert.Nil(t, c.ProcessedAt)
	assert.True(t, c.GrossAmount.Equal(decimal.RequireFromString("200")))
	assert.True(t, c.InsurerAmount.Equal(decimal.RequireFromString("40")))
	assert.True(t, c.PatientAmount.Equal(decimal.RequireFromString("160")))
	assert.True(t, agg.IsNew())

	require.Len(t, agg.Changes(), 1)
	ev := agg.Changes()[0]
	assert.Equal(t, EventClaimSubmitted, ev.EventType)
	assert.Equal(t, AggregateType, ev.AggregateType)
	assert.Equal(t, "org-1", ev.TenantID)
	assert.JSONEq(t, `{
		"claimId": "`+c.ID+`",
		"claimNumber": "CLM-1",
		"tenantId": "org-1",
		"patientId": "pat-1",
		"insurerId": "INS-1",
		"grossAmount": "200.00",
		"insurerAmount": "40.00",
		"patientAmount": "160.00",
		"currency": "USD",
		"actor": "clerk-1",
		"timestamp": "2026-01-02T03:04:05Z"
	}`, string(ev.EventData))
}

func TestSubmit_RejectsIncompleteOrUnreconciled(t *testing.T) {
	p := params(t)
	p.PatientID = " "
	_, err := Submit(p, "CLM-1", time.Now())
	assert.ErrorIs(t, err, ErrInvalidClaim)

	p = params(t)
	p.Result.PatientAmount = p.Result.PatientAmount.Add(decimal.NewFromInt(1))
	_, err = Submit(p, "CLM-1", time.Now())
	assert.ErrorIs(t, err, ErrInvalidClaim)

	_, err = Submit(params(t), "", time.Now())
	assert.ErrorIs(t, err, ErrInvalidClaim)
}

func TestAggregate_TransitionStampsProcessedAtOnce(t *testing.T) {
	agg, err := Submit(params(t), "CLM-1", time.Now())
	require.NoError(t, err)
	agg.MarkPersisted()

	t1 := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	rec, err := agg.Transition(StatusProcessing, "adj-1", t1)
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, rec.FromStatus)
	assert.Equal(t, StatusProcessing, rec.ToStatus)

	_, err = agg.Transition(StatusApproved, "adj-1", t1.Add(time.Hour))
	require.NoError(t, err)

	c := agg.Snapshot()
	require.NotNil(t, c.ProcessedAt)
	assert.Equal(t, t1, *c.ProcessedAt)
	assert.Equal(t, 3, c.Version)
	assert.Equal(t, StatusSubmitted, agg.PersistedStatus())
	assert.Len(t, agg.PendingTransitions(), 2)
	assert.Len(t, agg.Changes(), 2)
}

func TestAggregate_IllegalTransitionLeavesStateUnchanged(t *testing.T) {
	agg, err := Submit(params(t), "CLM-1", time.Now())
	require.NoError(t, err)
	agg.MarkPersisted()

	_, err = agg.Transition(StatusPaid, "adj-1", time.Now())
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusSubmitted, agg.Status())
	assert.Equal(t, 1, agg.Version())
	assert.Empty(t, agg.Changes())
	assert.Nil(t, agg.Snapshot().ProcessedAt)
}

func TestManager_FullLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	obs := &countingObserver{}
	mgr := testManager(store, WithObserver(obs))

	c, err := mgr.Submit(ctx, params(t))
	require.NoError(t, err)
	assert.Regexp(t, `^CLM-\d{14}-[0-9A-F]{8}$`, c.ClaimNumber)

	for _, to := range []Status{StatusProcessing, StatusApproved, StatusPaid} {
		c, err = mgr.Transition(ctx, c.ID, to, "adj-1")
		require.NoError(t, err)
		assert.Equal(t, to, c.Status)
	}

	_, err = mgr.Transition(ctx, c.ID, StatusProcessing, "adj-1")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	history, err := mgr.History(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, StatusSubmitted, history[0].FromStatus)
	assert.Equal(t, StatusPaid, history[2].ToStatus)
	for _, h := range history {
		assert.Equal(t, "adj-1", h.Actor)
		assert.Equal(t, c.ID, h.ClaimID)
	}

	byNumber, err := mgr.GetByNumber(ctx, c.ClaimNumber)
	require.NoError(t, err)
	assert.Equal(t, c.ID, byNumber.ID)
	assert.Equal(t, 4, byNumber.Version)

	assert.Len(t, store.Events(), 4)
	assert.Equal(t, 1, obs.submitted)
	assert.Equal(t, 3, obs.transitions)
}

func TestManager_SubmittedCannotJumpToPaid(t *testing.T) {
	ctx := context.Background()
	mgr := testManager(NewMemoryStore())

	c, err := mgr.Submit(ctx, params(t))
	require.NoError(t, err)

	_, err = mgr.Transition(ctx, c.ID, StatusPaid, "adj-1")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := mgr.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, got.Status)

	history, err := mgr.History(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestManager_DeniedIsTerminal(t *testing.T) {
	ctx := context.Background()
	mgr := testManager(NewMemoryStore())

	c, err := mgr.Submit(ctx, params(t))
	require.NoError(t, err)
	_, err = mgr.Transition(ctx, c.ID, StatusProcessing, "adj-1")
	require.NoError(t, err)
	_, err = mgr.Transition(ctx, c.ID, StatusDenied, "adj-1")
	require.NoError(t, err)

	for _, to := range Statuses {
		_, err = mgr.Transition(ctx, c.ID, to, "adj-1")
		assert.ErrorIs(t, err, ErrInvalidTransition, "DENIED -> %s", to)
	}
}

func TestManager_NotFound(t *testing.T) {
	ctx := context.Background()
	mgr := testManager(NewMemoryStore())

	_, err := mgr.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = mgr.Transition(ctx, "missing", StatusProcessing, "adj-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = mgr.History(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// Ids that are not UUIDs never reach the database, so a nil pool is enough.
func TestRepository_MalformedIDIsNotFound(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(nil, "claims.events", nil)

	for _, id := range []string{"CLM-123", "missing", ""} {
		_, err := repo.Get(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound, "get %q", id)
		_, err = repo.History(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound, "history %q", id)
	}

	agg := Rehydrate(Claim{ID: "CLM-123", Status: StatusSubmitted})
	_, err := agg.Transition(StatusProcessing, "adj-1", time.Now())
	require.NoError(t, err)
	require.NotEmpty(t, agg.Changes())
	assert.ErrorIs(t, repo.Save(ctx, agg), ErrNotFound)
}

func sequence(numbers ...string) NumberGenerator {
	var (
		mu sync.Mutex
		i  int
	)
	return func(time.Time) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		n := numbers[i]
		if i < len(numbers)-1 {
			i++
		}
		return n, nil
	}
}

func TestManager_RegeneratesCollidingClaimNumber(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	obs := &countingObserver{}

	first := testManager(store, WithNumberGenerator(sequence("CLM-TAKEN")))
	_, err := first.Submit(ctx, params(t))
	require.NoError(t, err)

	mgr := testManager(store, WithObserver(obs), WithNumberGenerator(sequence("CLM-TAKEN", "CLM-TAKEN", "CLM-FREE")))
	c, err := mgr.Submit(ctx, params(t))
	require.NoError(t, err)
	assert.Equal(t, "CLM-FREE", c.ClaimNumber)
	assert.Equal(t, 2, obs.collisions)
}

func TestManager_CollisionRetriesAreBounded(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	mgr := testManager(store, WithNumberGenerator(sequence("CLM-TAKEN")))
	_, err := mgr.Submit(ctx, params(t))
	require.NoError(t, err)

	_, err = mgr.Submit(ctx, params(t))
	assert.ErrorIs(t, err, ErrDuplicateClaimNumber)
	assert.Len(t, store.Events(), 1)
}

// racingStore lets a competing transition land between a read and a save.
type racingStore struct {
	*MemoryStore
	once    sync.Once
	compete func()
}

func (s *racingStore) Save(ctx context.Context, agg *Aggregate) error {
	s.once.Do(s.compete)
	return s.MemoryStore.Save(ctx, agg)
}

func TestManager_LostRaceRevalidatesAgainstFreshState(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	setup := testManager(mem)

	c, err := setup.Submit(ctx, params(t))
	require.NoError(t, err)
	_, err = setup.Transition(ctx, c.ID, StatusProcessing, "adj-1")
	require.NoError(t, err)

	obs := &countingObserver{}
	store := &racingStore{MemoryStore: mem}
	store.compete = func() {
		_, err := setup.Transition(ctx, c.ID, StatusDenied, "adj-2")
		require.NoError(t, err)
	}
	mgr := testManager(store, WithObserver(obs))

	_, err = mgr.Transition(ctx, c.ID, StatusApproved, "adj-1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 1, obs.conflicts)

	got, err := mgr.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, got.Status)

	history, err := mgr.History(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "adj-2", history[1].Actor)
}

type conflictStore struct {
	*MemoryStore
	saves int
}

func (s *conflictStore) Save(context.Context, *Aggregate) error {
	s.saves++
	return ErrConcurrentUpdate
}

func TestManager_ConflictRetriesAreBounded(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	c, err := testManager(mem).Submit(ctx, params(t))
	require.NoError(t, err)

	store := &conflictStore{MemoryStore: mem}
	_, err = testManager(store).Transition(ctx, c.ID, StatusProcessing, "adj-1")
	assert.ErrorIs(t, err, ErrConcurrentUpdate)
	assert.Equal(t, 3, store.saves)
}

func TestManager_ConcurrentDecisionsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	mgr := testManager(store)

	c, err := mgr.Submit(ctx, params(t))
	require.NoError(t, err)
	_, err = mgr.Transition(ctx, c.ID, StatusProcessing, "adj-1")
	require.NoError(t, err)

	const workers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		to := StatusApproved
		if i%2 == 1 {
			to = StatusDenied
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := mgr.Transition(ctx, c.ID, to, "adj")
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, ErrConcurrentUpdate) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	history, err := mgr.History(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestManager_CorrectLeavesOriginalUntouched(t *testing.T) {
	ctx := context.Background()
	mgr := testManager(NewMemoryStore())

	original, err := mgr.Submit(ctx, params(t))
	require.NoError(t, err)
	_, err = mgr.Transition(ctx, original.ID, StatusProcessing, "adj-1")
	require.NoError(t, err)
	_, err = mgr.Transition(ctx, original.ID, StatusDenied, "adj-1")
	require.NoError(t, err)

	p := params(t)
	p.TenantID = ""
	corrected, err := mgr.Correct(ctx, original.ID, p)
	require.NoError(t, err)

	require.NotNil(t, corrected.SupersedesClaimID)
	assert.Equal(t, original.ID, *corrected.SupersedesClaimID)
	assert.Equal(t, "org-1", corrected.TenantID)
	assert.Equal(t, StatusSubmitted, corrected.Status)
	assert.NotEqual(t, original.ClaimNumber, corrected.ClaimNumber)

	got, err := mgr.Get(ctx, original.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, got.Status)
	assert.Equal(t, 3, got.Version)

	_, err = mgr.Correct(ctx, "missing", params(t))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDecode(t *testing.T) {
	agg, err := Submit(params(t), "CLM-1", time.Now())
	require.NoError(t, err)
	agg.MarkPersisted()
	_, err = agg.Transition(StatusProcessing, "adj-1", time.Now())
	require.NoError(t, err)

	raw, err := json.Marshal(agg.Changes()[0])
	require.NoError(t, err)

	ev, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, EventClaimTransitioned, ev.EventType)
	assert.Equal(t, 2, ev.Version)
	assert.Contains(t, string(ev.EventData), `"toStatus":"PROCESSING"`)
}
