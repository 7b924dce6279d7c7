// Package billing turns a billing event into an adjudicated claim: it resolves
// the coverage rule and, when needed, the registry's standard amount before
// handing the split to the claim manager.
package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/drfirst/go-claims/internal/adjudication"
	"github.com/drfirst/go-claims/internal/coverage"
	"github.com/drfirst/go-claims/internal/domain/claim"
	"github.com/drfirst/go-claims/internal/money"
	"github.com/drfirst/go-claims/internal/registry"
)

// CodeLookup resolves medical codes. *registry.Registry satisfies it.
type CodeLookup interface {
	Lookup(ctx context.Context, countryID string, codeType registry.CodeType, code string) (*registry.Entry, error)
}

// Observer receives adjudication outcomes. metrics.Metrics satisfies it.
type Observer interface {
	Adjudicated(strategy string, capped bool)
	AdjudicationFailed(reason string)
}

type nopObserver struct{}

func (nopObserver) Adjudicated(string, bool)  {}
func (nopObserver) AdjudicationFailed(string) {}

// Request is one billing event.
type Request struct {
	TenantID  string
	PatientID string
	Actor     string
	InsurerID string
	// ServiceID is both the coverage rule's service and the registry code.
	ServiceID string
	CountryID string
	CodeType  registry.CodeType
	// GrossAmount overrides the registry's standard amount when set.
	GrossAmount *decimal.Decimal
	// Currency defaults to the country's currency when empty.
	Currency money.Currency
}

// Quote is an adjudication with the inputs that produced it.
type Quote struct {
	Result *adjudication.Result
	Rule   *coverage.Rule
	// Entry is set when the gross amount came from the registry.
	Entry *registry.Entry
}

// Service wires rules, codes and claims together.
type Service struct {
	rules    coverage.Store
	codes    CodeLookup
	claims   *claim.Manager
	observer Observer
	logger   *zap.Logger
}

// NewService creates a billing service. observer may be nil.
func NewService(rules coverage.Store, codes CodeLookup, claims *claim.Manager, observer Observer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Service{rules: rules, codes: codes, claims: claims, observer: observer, logger: logger}
}

// Quote adjudicates req without creating a claim.
func (s *Service) Quote(ctx context.Context, req Request) (*Quote, error) {
	q, err := s.quote(ctx, req)
	if err != nil {
		s.observer.AdjudicationFailed(failureReason(err))
		return nil, err
	}
	s.observer.Adjudicated(string(q.Result.Strategy), q.Result.MaxCoverageCapped)
	return q, nil
}

func (s *Service) quote(ctx context.Context, req Request) (*Quote, error) {
	rule, err := s.rules.Get(ctx, req.ServiceID, req.InsurerID)
	if err != nil {
		return nil, fmt.Errorf("resolve coverage rule: %w", err)
	}

	currency := req.Currency
	if currency == "" {
		if c, ok := registry.CountryFor(req.CountryID); ok {
			currency = c.Currency
		}
	}

	q := &Quote{Rule: rule}
	gross := req.GrossAmount
	if gross == nil {
		if strings.TrimSpace(req.CountryID) == "" || req.CodeType == "" {
			return nil, fmt.Errorf("%w: gross amount is required without a country and code type", adjudication.ErrInvalidAmount)
		}
		entry, err := s.codes.Lookup(ctx, req.CountryID, req.CodeType, req.ServiceID)
		if err != nil {
			return nil, fmt.Errorf("resolve medical code: %w", err)
		}
		if entry.StandardAmount == nil {
			return nil, fmt.Errorf("%w: %s has no standard amount", adjudication.ErrInvalidAmount, entry.Key())
		}
		q.Entry = entry
		gross = entry.StandardAmount
	}

	result, err := adjudication.Adjudicate(*gross, currency, rule)
	if err != nil {
		return nil, err
	}
	q.Result = result
	return q, nil
}

// Submit adjudicates req and stores the result as a new claim.
func (s *Service) Submit(ctx context.Context, req Request) (*claim.Claim, *Quote, error) {
	q, err := s.Quote(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	c, err := s.claims.Submit(ctx, s.submitParams(req, q))
	if err != nil {
		return nil, nil, err
	}
	return c, q, nil
}

// Correct re-adjudicates req as a replacement for originalID.
func (s *Service) Correct(ctx context.Context, originalID string, req Request) (*claim.Claim, *Quote, error) {
	q, err := s.Quote(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	c, err := s.claims.Correct(ctx, originalID, s.submitParams(req, q))
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info("claim corrected",
		zap.String("original_claim_id", originalID),
		zap.String("claim_id", c.ID))
	return c, q, nil
}

func (s *Service) submitParams(req Request, q *Quote) claim.SubmitParams {
	return claim.SubmitParams{
		TenantID:   req.TenantID,
		PatientID:  req.PatientID,
		ServiceRef: req.ServiceID,
		InsurerID:  req.InsurerID,
		Actor:      req.Actor,
		Result:     q.Result,
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, adjudication.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, adjudication.ErrInvalidCoverageRule):
		return "invalid_rule"
	case errors.Is(err, adjudication.ErrUnknownCurrency):
		return "unknown_currency"
	case errors.Is(err, coverage.ErrNotFound):
		return "rule_not_found"
	case errors.Is(err, registry.ErrNotFound):
		return "code_not_found"
	default:
		return "other"
	}
}
