package claim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-claims/internal/infrastructure/postgres"
)

const claimNumberConstraint = "claims_claim_number_key"

// Repository is the PostgreSQL Store. Claim rows, audit rows and outbox
// entries are written in one transaction.
type Repository struct {
	pool   *pgxpool.Pool
	topic  string
	logger *zap.Logger
	tracer trace.Tracer
}

// NewRepository creates a new repository that publishes events to topic.
func NewRepository(pool *pgxpool.Pool, topic string, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, topic: topic, logger: logger, tracer: otel.Tracer("claim-repository")}
}

const claimCols = `id, claim_number, tenant_id, patient_id, service_ref, insurer_id,
	gross_amount::text, insurer_amount::text, patient_amount::text, currency,
	pre_auth_required, deductible_applies, max_coverage_capped, status,
	supersedes_claim_id::text, submitted_at, processed_at, version`

func (r *Repository) Create(ctx context.Context, agg *Aggregate) error {
	ctx, span := r.tracer.Start(ctx, "claim_create", trace.WithAttributes(attribute.String("claim_id", agg.ID())))
	defer span.End()

	c := agg.Snapshot()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO claims
		(id, claim_number, tenant_id, patient_id, service_ref, insurer_id,
		 gross_amount, insurer_amount, patient_amount, currency,
		 pre_auth_required, deductible_applies, max_coverage_capped, status,
		 supersedes_claim_id, submitted_at, processed_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9::numeric, $10,
		        $11, $12, $13, $14, $15::uuid, $16, $17, $18)`,
		c.ID, c.ClaimNumber, c.TenantID, c.PatientID, c.ServiceRef, c.InsurerID,
		c.GrossAmount.String(), c.InsurerAmount.String(), c.PatientAmount.String(), c.Currency,
		c.PreAuthRequired, c.DeductibleApplies, c.MaxCoverageCapped, c.Status,
		c.SupersedesClaimID, c.SubmittedAt, c.ProcessedAt, c.Version)
	if err != nil {
		if postgres.IsUniqueViolation(err, claimNumberConstraint) {
			return fmt.Errorf("%w: %s", ErrDuplicateClaimNumber, c.ClaimNumber)
		}
		span.RecordError(err)
		return fmt.Errorf("insert claim: %w", err)
	}

	if err := r.writeEvents(ctx, tx, agg); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	agg.MarkPersisted()
	return nil
}

func (r *Repository) Save(ctx context.Context, agg *Aggregate) error {
	if len(agg.Changes()) == 0 {
		return nil
	}
	if err := checkID(agg.ID()); err != nil {
		return err
	}

	ctx, span := r.tracer.Start(ctx, "claim_save",
		trace.WithAttributes(
			attribute.String("claim_id", agg.ID()),
			attribute.String("expected_status", string(agg.PersistedStatus())),
			attribute.String("status", string(agg.Status())),
		))
	defer span.End()

	c := agg.Snapshot()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE claims
		SET status = $3, processed_at = $4, version = $5
		WHERE id = $1 AND status = $2`,
		c.ID, agg.PersistedStatus(), c.Status, c.ProcessedAt, c.Version)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("update claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM claims WHERE id = $1)`, c.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check claim: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", ErrNotFound, c.ID)
		}
		return fmt.Errorf("%w: %s is no longer %s", ErrConcurrentUpdate, c.ID, agg.PersistedStatus())
	}

	for _, t := range agg.PendingTransitions() {
		_, err := tx.Exec(ctx, `
			INSERT INTO claim_transitions (claim_id, from_status, to_status, actor, occurred_at)
			VALUES ($1, $2, $3, $4, $5)`,
			t.ClaimID, t.FromStatus, t.ToStatus, t.Actor, t.Timestamp)
		if err != nil {
			return fmt.Errorf("insert transition: %w", err)
		}
	}

	if err := r.writeEvents(ctx, tx, agg); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	agg.MarkPersisted()
	return nil
}

func (r *Repository) writeEvents(ctx context.Context, tx pgx.Tx, agg *Aggregate) error {
	for _, event := range agg.Changes() {
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		entry := &postgres.OutboxEntry{
			AggregateID:   event.AggregateID,
			AggregateType: event.AggregateType,
			EventType:     string(event.EventType),
			Payload:       payload,
			KafkaTopic:    r.topic,
			KafkaKey:      event.AggregateID,
		}
		if err := postgres.WriteEntry(ctx, tx, entry); err != nil {
			return err
		}
	}
	return nil
}

// checkID rejects ids that cannot name a row so they read as missing claims
// rather than uuid cast failures.
func checkID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*Aggregate, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	return r.getOne(ctx, `SELECT `+claimCols+` FROM claims WHERE id = $1`, id)
}

func (r *Repository) GetByNumber(ctx context.Context, claimNumber string) (*Aggregate, error) {
	return r.getOne(ctx, `SELECT `+claimCols+` FROM claims WHERE claim_number = $1`, claimNumber)
}

func (r *Repository) getOne(ctx context.Context, query, arg string) (*Aggregate, error) {
	c, err := scanClaim(r.pool.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, arg)
		}
		return nil, fmt.Errorf("get claim: %w", err)
	}
	return Rehydrate(*c), nil
}

func (r *Repository) History(ctx context.Context, id string) ([]TransitionEvent, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM claims WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check claim: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT claim_id::text, from_status, to_status, actor, occurred_at
		FROM claim_transitions
		WHERE claim_id = $1
		ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	out := []TransitionEvent{}
	for rows.Next() {
		var t TransitionEvent
		if err := rows.Scan(&t.ClaimID, &t.FromStatus, &t.ToStatus, &t.Actor, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanClaim(row pgx.Row) (*Claim, error) {
	var (
		c                       Claim
		gross, insurer, patient string
	)
	err := row.Scan(&c.ID, &c.ClaimNumber, &c.TenantID, &c.PatientID, &c.ServiceRef, &c.InsurerID,
		&gross, &insurer, &patient, &c.Currency,
		&c.PreAuthRequired, &c.DeductibleApplies, &c.MaxCoverageCapped, &c.Status,
		&c.SupersedesClaimID, &c.SubmittedAt, &c.ProcessedAt, &c.Version)
	if err != nil {
		return nil, err
	}

	g, err := postgres.ParseNumeric(&gross)
	if err != nil {
		return nil, err
	}
	i, err := postgres.ParseNumeric(&insurer)
	if err != nil {
		return nil, err
	}
	p, err := postgres.ParseNumeric(&patient)
	if err != nil {
		return nil, err
	}
	c.GrossAmount, c.InsurerAmount, c.PatientAmount = *g, *i, *p
	return &c, nil
}
