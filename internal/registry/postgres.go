package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-claims/internal/infrastructure/postgres"
)

const activeCodeConstraint = "medical_codes_active_key"

// PostgresStore persists entries in the medical_codes table. A partial unique
// index over active rows backs ErrDuplicateCode.
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

const entryCols = `id, country_id, code_type, code, description, category,
	standard_amount::text, version, effective_from, superseded_at`

func (s *PostgresStore) Get(ctx context.Context, key Key) (*Entry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+entryCols+`
		FROM medical_codes
		WHERE country_id = $1 AND code_type = $2 AND code = $3 AND superseded_at IS NULL`,
		key.CountryID, key.CodeType, key.Code)

	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("get medical code: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) Insert(ctx context.Context, e *Entry) error {
	return insertEntry(ctx, s.pool, e)
}

func (s *PostgresStore) Supersede(ctx context.Context, current, next *Entry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE medical_codes SET superseded_at = $2
		WHERE id = $1 AND superseded_at IS NULL`,
		current.ID, next.EffectiveFrom)
	if err != nil {
		return fmt.Errorf("supersede medical code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s is no longer active", ErrNotFound, current.Key())
	}

	if err := insertEntry(ctx, tx, next); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	at := next.EffectiveFrom
	current.SupersededAt = &at
	return nil
}

func (s *PostgresStore) Versions(ctx context.Context, key Key) ([]*Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+entryCols+`
		FROM medical_codes
		WHERE country_id = $1 AND code_type = $2 AND code = $3
		ORDER BY version ASC`,
		key.CountryID, key.CodeType, key.Code)
	if err != nil {
		return nil, fmt.Errorf("query medical code versions: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan medical code: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return out, nil
}

func insertEntry(ctx context.Context, q postgres.Queryable, e *Entry) error {
	_, err := q.Exec(ctx, `
		INSERT INTO medical_codes
		(id, country_id, code_type, code, description, category, standard_amount, version, effective_from)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9)`,
		e.ID, e.CountryID, e.CodeType, e.Code, e.Description, e.Category,
		postgres.NumericArg(e.StandardAmount), e.Version, e.EffectiveFrom)
	if err != nil {
		if postgres.IsUniqueViolation(err, activeCodeConstraint) {
			return fmt.Errorf("%w: %s", ErrDuplicateCode, e.Key())
		}
		return fmt.Errorf("insert medical code: %w", err)
	}
	return nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var (
		e      Entry
		amount *string
	)
	if err := row.Scan(&e.ID, &e.CountryID, &e.CodeType, &e.Code, &e.Description, &e.Category,
		&amount, &e.Version, &e.EffectiveFrom, &e.SupersededAt); err != nil {
		return nil, err
	}
	d, err := postgres.ParseNumeric(amount)
	if err != nil {
		return nil, err
	}
	e.StandardAmount = d
	return &e, nil
}
