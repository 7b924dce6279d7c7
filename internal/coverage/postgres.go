package coverage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-claims/internal/infrastructure/postgres"
)

// PostgresStore persists rules in the coverage_rules table.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{pool: pool, logger: logger}
}

const ruleCols = `service_id, insurer_id, copay_amount::text, copay_percentage::text,
	max_coverage_amount::text, pre_auth_required, deductible_applies, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO coverage_rules
		(service_id, insurer_id, copay_amount, copay_percentage, max_coverage_amount,
		 pre_auth_required, deductible_applies)
		VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6, $7)
		RETURNING created_at, updated_at`,
		rule.ServiceID, rule.InsurerID,
		postgres.NumericArg(rule.CopayAmount),
		postgres.NumericArg(rule.CopayPercentage),
		postgres.NumericArg(rule.MaxCoverageAmount),
		rule.PreAuthRequired, rule.DeductibleApplies,
	).Scan(&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		if postgres.IsUniqueViolation(err, "coverage_rules_pkey") {
			return fmt.Errorf("%w: %s", ErrDuplicateRule, rule.Key())
		}
		return fmt.Errorf("insert coverage rule: %w", err)
	}

	s.logger.Info("coverage rule created",
		zap.String("service_id", rule.ServiceID),
		zap.String("insurer_id", rule.InsurerID),
		zap.String("strategy", string(rule.Strategy())))
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, serviceID, insurerID string) (*Rule, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+ruleCols+` FROM coverage_rules WHERE service_id = $1 AND insurer_id = $2`,
		serviceID, insurerID)

	rule, err := scanRule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, serviceID, insurerID)
		}
		return nil, fmt.Errorf("get coverage rule: %w", err)
	}
	return rule, nil
}

func (s *PostgresStore) Update(ctx context.Context, rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	err := s.pool.QueryRow(ctx, `
		UPDATE coverage_rules
		SET copay_amount = $3::numeric, copay_percentage = $4::numeric, max_coverage_amount = $5::numeric,
		    pre_auth_required = $6, deductible_applies = $7, updated_at = NOW()
		WHERE service_id = $1 AND insurer_id = $2
		RETURNING created_at, updated_at`,
		rule.ServiceID, rule.InsurerID,
		postgres.NumericArg(rule.CopayAmount),
		postgres.NumericArg(rule.CopayPercentage),
		postgres.NumericArg(rule.MaxCoverageAmount),
		rule.PreAuthRequired, rule.DeductibleApplies,
	).Scan(&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, rule.Key())
		}
		return fmt.Errorf("update coverage rule: %w", err)
	}
	return nil
}

func scanRule(row pgx.Row) (*Rule, error) {
	var (
		r                    Rule
		copay, pct, maxCover *string
	)
	if err := row.Scan(&r.ServiceID, &r.InsurerID, &copay, &pct, &maxCover,
		&r.PreAuthRequired, &r.DeductibleApplies, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}

	var err error
	if r.CopayAmount, err = postgres.ParseNumeric(copay); err != nil {
		return nil, err
	}
	if r.CopayPercentage, err = postgres.ParseNumeric(pct); err != nil {
		return nil, err
	}
	if r.MaxCoverageAmount, err = postgres.ParseNumeric(maxCover); err != nil {
		return nil, err
	}
	return &r, nil
}
