// Package adjudication splits a billed amount between insurer and patient.
//
// Adjudicate is a pure function of its inputs. Amounts are exact decimals
// rounded half-up to two places; insurer and patient shares always sum to the
// gross amount.
package adjudication

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/drfirst/go-claims/internal/coverage"
	"github.com/drfirst/go-claims/internal/money"
)

// ErrInvalidAmount is returned for negative or sub-cent gross amounts.
var ErrInvalidAmount = errors.New("invalid amount")

// Re-exported so callers can match engine errors without importing coverage or money.
var (
	ErrInvalidCoverageRule = coverage.ErrInvalidCoverageRule
	ErrUnknownCurrency     = money.ErrUnknownCurrency
)

// Result is the cost split for one billed amount.
type Result struct {
	GrossAmount       decimal.Decimal   `json:"grossAmount"`
	InsurerAmount     decimal.Decimal   `json:"insurerAmount"`
	PatientAmount     decimal.Decimal   `json:"patientAmount"`
	Currency          money.Currency    `json:"currency"`
	Strategy          coverage.Strategy `json:"strategy"`
	PreAuthRequired   bool              `json:"preAuthRequired"`
	DeductibleApplies bool              `json:"deductibleApplies"`
	MaxCoverageCapped bool              `json:"maxCoverageCapped"`
}

// Adjudicate computes the insurer/patient split of gross under rule.
//
// Fixed copay: the patient pays min(copay, gross). Percentage: the insurer pays
// gross*pct/100 rounded half-up to the minor unit and the patient pays the rest.
// A maxCoverageAmount caps the insurer share and shifts the excess to the patient.
// preAuthRequired and deductibleApplies are copied through and not enforced.
//
// gross is never rounded on the way in: a negative amount or one with more than
// two significant decimal places fails with ErrInvalidAmount.
func Adjudicate(gross decimal.Decimal, currency money.Currency, rule *coverage.Rule) (*Result, error) {
	if gross.IsNegative() {
		return nil, fmt.Errorf("%w: gross amount %s is negative", ErrInvalidAmount, gross)
	}
	if !gross.Equal(money.Round(gross)) {
		return nil, fmt.Errorf("%w: gross amount %s has more than %d decimal places", ErrInvalidAmount, gross, money.MinorUnits)
	}
	if !currency.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCurrency, string(currency))
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	var insurer, patient decimal.Decimal
	switch rule.Strategy() {
	case coverage.StrategyFixedCopay:
		patient = decimal.Min(*rule.CopayAmount, gross)
		insurer = gross.Sub(patient)
	case coverage.StrategyPercentageCopay:
		insurer = money.Round(gross.Mul(*rule.CopayPercentage).Shift(-2))
		patient = gross.Sub(insurer)
	}

	capped := false
	if rule.MaxCoverageAmount != nil && insurer.GreaterThan(*rule.MaxCoverageAmount) {
		insurer = *rule.MaxCoverageAmount
		patient = gross.Sub(insurer)
		capped = true
	}

	return &Result{
		GrossAmount:       gross,
		InsurerAmount:     insurer,
		PatientAmount:     patient,
		Currency:          currency,
		Strategy:          rule.Strategy(),
		PreAuthRequired:   rule.PreAuthRequired,
		DeductibleApplies: rule.DeductibleApplies,
		MaxCoverageCapped: capped,
	}, nil
}

// Formatted holds display strings for a result.
type Formatted struct {
	Gross   string `json:"gross"`
	Insurer string `json:"insurer"`
	Patient string `json:"patient"`
}

// Format renders the result's amounts in its currency.
func (r *Result) Format() (Formatted, error) {
	var (
		f   Formatted
		err error
	)
	if f.Gross, err = money.Format(r.GrossAmount, r.Currency); err != nil {
		return Formatted{}, err
	}
	f.Insurer = money.MustFormat(r.InsurerAmount, r.Currency)
	f.Patient = money.MustFormat(r.PatientAmount, r.Currency)
	return f, nil
}
