package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Row is one parsed line of a bulk import file. Field names and optionality
// are the external contract for importers.
type Row struct {
	CodeType    string           `json:"codeType" validate:"required,oneof=PROCEDURE DIAGNOSIS PHARMACEUTICAL"`
	Code        string           `json:"code" validate:"required,max=64"`
	Description string           `json:"description" validate:"required,max=1024"`
	Category    *string          `json:"category,omitempty" validate:"omitempty,max=128"`
	Amount      *decimal.Decimal `json:"amount,omitempty" validate:"-"`
}

// ImportMode decides what happens when a row matches an active entry.
type ImportMode string

const (
	// ModeSkip records the row as a duplicate and keeps the existing entry.
	ModeSkip ImportMode = "skip"
	// ModeReplace supersedes the existing entry with a new version.
	ModeReplace ImportMode = "replace"
)

// ParseImportMode maps an empty string to ModeSkip.
func ParseImportMode(s string) (ImportMode, error) {
	switch ImportMode(strings.ToLower(s)) {
	case "", ModeSkip:
		return ModeSkip, nil
	case ModeReplace:
		return ModeReplace, nil
	}
	return "", fmt.Errorf("unknown import mode %q", s)
}

// ImportReport summarizes a bulk import. Skipped always equals len(Errors).
type ImportReport struct {
	Processed int      `json:"processed"`
	Imported  int      `json:"imported"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors"`
}

// Registry serves lookups and bulk imports over a Store.
type Registry struct {
	store    Store
	validate *validator.Validate
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// New creates a Registry.
func New(store Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Registry{
		store:    store,
		validate: v,
		logger:   logger,
		tracer:   otel.Tracer("registry"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Lookup returns the active entry for a code.
func (r *Registry) Lookup(ctx context.Context, countryID string, codeType CodeType, code string) (*Entry, error) {
	ctx, span := r.tracer.Start(ctx, "registry_lookup",
		trace.WithAttributes(
			attribute.String("country_id", countryID),
			attribute.String("code_type", string(codeType)),
		))
	defer span.End()

	return r.store.Get(ctx, Key{CountryID: countryID, CodeType: codeType, Code: code})
}

// Versions returns the supersession history of a code.
func (r *Registry) Versions(ctx context.Context, countryID string, codeType CodeType, code string) ([]*Entry, error) {
	return r.store.Versions(ctx, Key{CountryID: countryID, CodeType: codeType, Code: code})
}

// BulkImport imports rows for one country. Rows are independent: a malformed
// or duplicate row is skipped and described in the report, and the remaining
// rows are still imported. Errors are numbered from 1.
func (r *Registry) BulkImport(ctx context.Context, countryID string, rows []Row, mode ImportMode) ImportReport {
	return r.bulkImport(ctx, countryID, len(rows), mode, func(i int) (*Row, error) {
		return &rows[i], nil
	})
}

// ImportJSON is BulkImport over undecoded JSON rows. A row that does not
// decode is skipped and reported like any other malformed row.
func (r *Registry) ImportJSON(ctx context.Context, countryID string, raw []json.RawMessage, mode ImportMode) ImportReport {
	return r.bulkImport(ctx, countryID, len(raw), mode, func(i int) (*Row, error) {
		var row Row
		if err := json.Unmarshal(raw[i], &row); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRow, err)
		}
		return &row, nil
	})
}

func (r *Registry) bulkImport(ctx context.Context, countryID string, n int, mode ImportMode, rowAt func(int) (*Row, error)) ImportReport {
	ctx, span := r.tracer.Start(ctx, "registry_bulk_import",
		trace.WithAttributes(
			attribute.String("country_id", countryID),
			attribute.Int("rows", n),
			attribute.String("mode", string(mode)),
		))
	defer span.End()

	report := ImportReport{Errors: []string{}}
	for i := 0; i < n; i++ {
		report.Processed++
		row, err := rowAt(i)
		if err == nil {
			err = r.importRow(ctx, countryID, row, mode)
		}
		if err != nil {
			report.Skipped++
			report.Errors = append(report.Errors, fmt.Sprintf("row %d: %v", i+1, err))
			continue
		}
		report.Imported++
	}

	span.SetAttributes(
		attribute.Int("imported", report.Imported),
		attribute.Int("skipped", report.Skipped))
	r.logger.Info("bulk import finished",
		zap.String("country_id", countryID),
		zap.String("mode", string(mode)),
		zap.Int("processed", report.Processed),
		zap.Int("imported", report.Imported),
		zap.Int("skipped", report.Skipped))
	return report
}

func (r *Registry) importRow(ctx context.Context, countryID string, row *Row, mode ImportMode) error {
	entry, err := r.entryFromRow(countryID, row)
	if err != nil {
		return err
	}

	if mode != ModeReplace {
		return r.store.Insert(ctx, entry)
	}

	current, err := r.store.Get(ctx, entry.Key())
	if errors.Is(err, ErrNotFound) {
		return r.store.Insert(ctx, entry)
	}
	if err != nil {
		return err
	}

	entry.Version = current.Version + 1
	if err := r.store.Supersede(ctx, current, entry); err != nil {
		return err
	}
	r.logger.Debug("medical code superseded",
		zap.String("key", entry.Key().String()),
		zap.Int("version", entry.Version))
	return nil
}

func (r *Registry) entryFromRow(countryID string, row *Row) (*Entry, error) {
	row.CodeType = strings.ToUpper(strings.TrimSpace(row.CodeType))
	row.Code = strings.TrimSpace(row.Code)
	row.Description = strings.TrimSpace(row.Description)

	if err := r.validate.Struct(row); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRow, describeValidation(err))
	}
	if row.Amount != nil {
		if row.Amount.IsNegative() {
			return nil, fmt.Errorf("%w: amount must not be negative", ErrInvalidRow)
		}
		if !row.Amount.Equal(row.Amount.Round(2)) {
			return nil, fmt.Errorf("%w: amount has more than 2 decimal places", ErrInvalidRow)
		}
	}

	ct, _ := ParseCodeType(row.CodeType)
	return &Entry{
		ID:             uuid.New().String(),
		CountryID:      countryID,
		CodeType:       ct,
		Code:           row.Code,
		Description:    row.Description,
		Category:       row.Category,
		StandardAmount: row.Amount,
		Version:        1,
		EffectiveFrom:  r.now(),
	}, nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s exceeds %s characters", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fe.Field()+" is invalid")
		}
	}
	return strings.Join(msgs, "; ")
}
