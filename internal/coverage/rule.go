// Package coverage holds per (service, insurer) cost-sharing rules.
package coverage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidCoverageRule is returned when a rule breaks its construction invariants.
	ErrInvalidCoverageRule = errors.New("invalid coverage rule")
	// ErrNotFound is returned when no rule exists for a service/insurer pair.
	ErrNotFound = errors.New("coverage rule not found")
	// ErrDuplicateRule is returned when a rule already exists for a service/insurer pair.
	ErrDuplicateRule = errors.New("coverage rule already exists")
)

// Strategy identifies how a rule splits cost.
type Strategy string

const (
	StrategyFixedCopay      Strategy = "FIXED_COPAY"
	StrategyPercentageCopay Strategy = "PERCENTAGE"
)

var hundred = decimal.NewFromInt(100)

// Key identifies a rule.
type Key struct {
	ServiceID string
	InsurerID string
}

func (k Key) String() string { return k.ServiceID + "/" + k.InsurerID }

// Rule is a validated coverage rule. Exactly one of CopayAmount and
// CopayPercentage is non-nil. CopayPercentage is the insurer's share of the
// gross amount, in percent.
type Rule struct {
	ServiceID         string           `json:"serviceId"`
	InsurerID         string           `json:"insurerId"`
	CopayAmount       *decimal.Decimal `json:"copayAmount,omitempty"`
	CopayPercentage   *decimal.Decimal `json:"copayPercentage,omitempty"`
	MaxCoverageAmount *decimal.Decimal `json:"maxCoverageAmount,omitempty"`
	PreAuthRequired   bool             `json:"preAuthRequired"`
	DeductibleApplies bool             `json:"deductibleApplies"`
	CreatedAt         time.Time        `json:"createdAt"`
	UpdatedAt         time.Time        `json:"updatedAt"`
}

// RuleParams carries untrusted rule input.
type RuleParams struct {
	ServiceID         string
	InsurerID         string
	CopayAmount       *decimal.Decimal
	CopayPercentage   *decimal.Decimal
	MaxCoverageAmount *decimal.Decimal
	PreAuthRequired   bool
	DeductibleApplies bool
}

// NewRule validates params and builds a rule. It is the only way rules enter a Store.
func NewRule(p RuleParams) (*Rule, error) {
	now := time.Now().UTC()
	r := &Rule{
		ServiceID:         strings.TrimSpace(p.ServiceID),
		InsurerID:         strings.TrimSpace(p.InsurerID),
		CopayAmount:       copyDecimal(p.CopayAmount),
		CopayPercentage:   copyDecimal(p.CopayPercentage),
		MaxCoverageAmount: copyDecimal(p.MaxCoverageAmount),
		PreAuthRequired:   p.PreAuthRequired,
		DeductibleApplies: p.DeductibleApplies,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Key returns the rule's composite key.
func (r *Rule) Key() Key {
	return Key{ServiceID: r.ServiceID, InsurerID: r.InsurerID}
}

// Strategy reports the cost-sharing strategy of a valid rule.
func (r *Rule) Strategy() Strategy {
	if r.CopayAmount != nil {
		return StrategyFixedCopay
	}
	return StrategyPercentageCopay
}

// Validate checks the rule invariants. Rules read back from storage are
// validated again before use.
func (r *Rule) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: rule is nil", ErrInvalidCoverageRule)
	}
	if r.ServiceID == "" {
		return fmt.Errorf("%w: serviceId is required", ErrInvalidCoverageRule)
	}
	if r.InsurerID == "" {
		return fmt.Errorf("%w: insurerId is required", ErrInvalidCoverageRule)
	}

	switch {
	case r.CopayAmount != nil && r.CopayPercentage != nil:
		return fmt.Errorf("%w: copayAmount and copayPercentage are mutually exclusive", ErrInvalidCoverageRule)
	case r.CopayAmount == nil && r.CopayPercentage == nil:
		return fmt.Errorf("%w: one of copayAmount or copayPercentage is required", ErrInvalidCoverageRule)
	}

	if r.CopayAmount != nil {
		if err := checkAmount("copayAmount", *r.CopayAmount); err != nil {
			return err
		}
	}
	if r.CopayPercentage != nil {
		pct := *r.CopayPercentage
		if pct.IsNegative() || pct.GreaterThan(hundred) {
			return fmt.Errorf("%w: copayPercentage %s outside [0,100]", ErrInvalidCoverageRule, pct)
		}
	}
	if r.MaxCoverageAmount != nil {
		if err := checkAmount("maxCoverageAmount", *r.MaxCoverageAmount); err != nil {
			return err
		}
	}
	return nil
}

func checkAmount(field string, d decimal.Decimal) error {
	if d.IsNegative() {
		return fmt.Errorf("%w: %s must not be negative", ErrInvalidCoverageRule, field)
	}
	if !d.Equal(d.Round(2)) {
		return fmt.Errorf("%w: %s has more than 2 decimal places", ErrInvalidCoverageRule, field)
	}
	return nil
}

func copyDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}
