package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Observer receives lifecycle counts. metrics.Metrics satisfies it.
type Observer interface {
	ClaimSubmitted(currency string)
	ClaimTransitioned(from, to string)
	ClaimNumberCollision()
	ClaimConcurrentUpdate()
}

type nopObserver struct{}

func (nopObserver) ClaimSubmitted(string)           {}
func (nopObserver) ClaimTransitioned(string, string) {}
func (nopObserver) ClaimNumberCollision()            {}
func (nopObserver) ClaimConcurrentUpdate()           {}

// ManagerConfig bounds the manager's retries.
type ManagerConfig struct {
	// NumberAttempts is how many claim numbers Submit tries before giving up.
	NumberAttempts int
	// TransitionAttempts is how many times Transition re-reads after a lost race.
	TransitionAttempts int
	// RetryInterval is the initial backoff between attempts.
	RetryInterval time.Duration
}

// DefaultManagerConfig returns the production retry bounds.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		NumberAttempts:     5,
		TransitionAttempts: 3,
		RetryInterval:      10 * time.Millisecond,
	}
}

// Manager owns claim submission and status changes.
type Manager struct {
	store    Store
	config   ManagerConfig
	numbers  NumberGenerator
	observer Observer
	now      func() time.Time
	logger   *zap.Logger
	tracer   trace.Tracer
}

// Option customizes a Manager.
type Option func(*Manager)

// WithNumberGenerator replaces the claim number generator.
func WithNumberGenerator(g NumberGenerator) Option {
	return func(m *Manager) { m.numbers = g }
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager over store.
func NewManager(store Store, cfg ManagerConfig, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultManagerConfig()
	if cfg.NumberAttempts <= 0 {
		cfg.NumberAttempts = def.NumberAttempts
	}
	if cfg.TransitionAttempts <= 0 {
		cfg.TransitionAttempts = def.TransitionAttempts
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}

	m := &Manager{
		store:    store,
		config:   cfg,
		numbers:  NewClaimNumber,
		observer: nopObserver{},
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
		tracer:   otel.Tracer("claim-manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) retryPolicy(ctx context.Context, attempts int) backoff.BackOffContext {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = m.config.RetryInterval
	eb.MaxInterval = 20 * m.config.RetryInterval
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// Submit stores a new claim in SUBMITTED. A claim number collision at the
// store is retried with a fresh number up to NumberAttempts times.
func (m *Manager) Submit(ctx context.Context, p SubmitParams) (*Claim, error) {
	ctx, span := m.tracer.Start(ctx, "claim_submit",
		trace.WithAttributes(
			attribute.String("tenant_id", p.TenantID),
			attribute.String("insurer_id", p.InsurerID),
		))
	defer span.End()

	if err := p.validate(); err != nil {
		return nil, err
	}

	var agg *Aggregate
	attempt := 0
	op := func() error {
		attempt++
		now := m.now()
		number, err := m.numbers(now)
		if err != nil {
			return backoff.Permanent(err)
		}
		agg, err = Submit(p, number, now)
		if err != nil {
			return backoff.Permanent(err)
		}
		err = m.store.Create(ctx, agg)
		if errors.Is(err, ErrDuplicateClaimNumber) {
			m.observer.ClaimNumberCollision()
			m.logger.Warn("claim number collision, regenerating",
				zap.String("claim_number", number),
				zap.Int("attempt", attempt))
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	if err := backoff.Retry(op, m.retryPolicy(ctx, m.config.NumberAttempts)); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("submit claim: %w", err)
	}

	c := agg.Snapshot()
	m.observer.ClaimSubmitted(string(c.Currency))
	m.logger.Info("claim submitted",
		zap.String("claim_id", c.ID),
		zap.String("claim_number", c.ClaimNumber),
		zap.String("tenant_id", c.TenantID),
		zap.String("currency", string(c.Currency)),
		zap.Bool("pre_auth_required", c.PreAuthRequired))
	return &c, nil
}

// Transition moves a claim to status to. Illegal moves fail with
// ErrInvalidTransition and are never retried. A lost race is retried against a
// fresh read; when attempts run out ErrConcurrentUpdate is returned.
func (m *Manager) Transition(ctx context.Context, id string, to Status, actor string) (*Claim, error) {
	ctx, span := m.tracer.Start(ctx, "claim_transition",
		trace.WithAttributes(
			attribute.String("claim_id", id),
			attribute.String("to_status", string(to)),
		))
	defer span.End()

	var (
		agg *Aggregate
		rec *TransitionEvent
	)
	op := func() error {
		var err error
		agg, err = m.store.Get(ctx, id)
		if err != nil {
			return backoff.Permanent(err)
		}
		rec, err = agg.Transition(to, actor, m.now())
		if err != nil {
			return backoff.Permanent(err)
		}
		err = m.store.Save(ctx, agg)
		if errors.Is(err, ErrConcurrentUpdate) {
			m.observer.ClaimConcurrentUpdate()
			m.logger.Info("claim transition lost race, re-reading",
				zap.String("claim_id", id),
				zap.String("to_status", string(to)))
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	if err := backoff.Retry(op, m.retryPolicy(ctx, m.config.TransitionAttempts)); err != nil {
		span.RecordError(err)
		return nil, err
	}

	m.observer.ClaimTransitioned(string(rec.FromStatus), string(rec.ToStatus))
	m.logger.Info("claim transitioned",
		zap.String("claim_id", id),
		zap.String("from", string(rec.FromStatus)),
		zap.String("to", string(rec.ToStatus)),
		zap.String("actor", actor))

	c := agg.Snapshot()
	return &c, nil
}

// Get returns a claim by ID.
func (m *Manager) Get(ctx context.Context, id string) (*Claim, error) {
	agg, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c := agg.Snapshot()
	return &c, nil
}

// GetByNumber returns a claim by its claim number.
func (m *Manager) GetByNumber(ctx context.Context, claimNumber string) (*Claim, error) {
	agg, err := m.store.GetByNumber(ctx, claimNumber)
	if err != nil {
		return nil, err
	}
	c := agg.Snapshot()
	return &c, nil
}

// History returns the audit trail of a claim.
func (m *Manager) History(ctx context.Context, id string) ([]TransitionEvent, error) {
	return m.store.History(ctx, id)
}

// Correct submits a replacement for an existing claim. The original is left
// untouched; the new claim references it through SupersedesClaimID.
func (m *Manager) Correct(ctx context.Context, originalID string, p SubmitParams) (*Claim, error) {
	original, err := m.store.Get(ctx, originalID)
	if err != nil {
		return nil, err
	}
	id := original.ID()
	p.SupersedesClaimID = &id
	if p.TenantID == "" {
		p.TenantID = original.Snapshot().TenantID
	}
	return m.Submit(ctx, p)
}
