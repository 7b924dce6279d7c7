// Package claim implements the claim aggregate, its status lifecycle and persistence.
package claim

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/drfirst/go-claims/internal/adjudication"
	"github.com/drfirst/go-claims/internal/money"
)

var (
	// ErrInvalidTransition is returned for a status change the lifecycle forbids. Not retryable.
	ErrInvalidTransition = errors.New("invalid claim transition")
	// ErrConcurrentUpdate is returned when the stored status changed since the claim was read.
	// Safe to retry after a fresh read.
	ErrConcurrentUpdate = errors.New("claim was modified concurrently")
	// ErrNotFound is returned when no claim matches.
	ErrNotFound = errors.New("claim not found")
	// ErrDuplicateClaimNumber is returned by stores when a claim number is taken.
	ErrDuplicateClaimNumber = errors.New("claim number already exists")
	// ErrInvalidClaim is returned for incomplete submissions.
	ErrInvalidClaim = errors.New("invalid claim")
)

// Claim is a read-only snapshot of a claim.
type Claim struct {
	ID                string          `json:"id"`
	ClaimNumber       string          `json:"claimNumber"`
	TenantID          string          `json:"tenantId"`
	PatientID         string          `json:"patientId"`
	ServiceRef        string          `json:"serviceOrMedicationRef"`
	InsurerID         string          `json:"insurerId"`
	GrossAmount       decimal.Decimal `json:"grossAmount"`
	InsurerAmount     decimal.Decimal `json:"insurerAmount"`
	PatientAmount     decimal.Decimal `json:"patientAmount"`
	Currency          money.Currency  `json:"currency"`
	PreAuthRequired   bool            `json:"preAuthRequired"`
	DeductibleApplies bool            `json:"deductibleApplies"`
	MaxCoverageCapped bool            `json:"maxCoverageCapped"`
	Status            Status          `json:"status"`
	SupersedesClaimID *string         `json:"supersedesClaimId,omitempty"`
	SubmittedAt       time.Time       `json:"submittedAt"`
	ProcessedAt       *time.Time      `json:"processedAt,omitempty"`
	Version           int             `json:"version"`
}

// SubmitParams describes a new claim. Result must come from the adjudication engine.
type SubmitParams struct {
	TenantID          string
	PatientID         string
	ServiceRef        string
	InsurerID         string
	Actor             string
	SupersedesClaimID *string
	Result            *adjudication.Result
}

func (p SubmitParams) validate() error {
	var missing []string
	if strings.TrimSpace(p.TenantID) == "" {
		missing = append(missing, "tenantId")
	}
	if strings.TrimSpace(p.PatientID) == "" {
		missing = append(missing, "patientId")
	}
	if strings.TrimSpace(p.ServiceRef) == "" {
		missing = append(missing, "serviceOrMedicationRef")
	}
	if strings.TrimSpace(p.InsurerID) == "" {
		missing = append(missing, "insurerId")
	}
	if p.Result == nil {
		missing = append(missing, "adjudication result")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidClaim, strings.Join(missing, ", "))
	}
	if !p.Result.InsurerAmount.Add(p.Result.PatientAmount).Equal(p.Result.GrossAmount) {
		return fmt.Errorf("%w: insurer and patient amounts do not reconcile to gross", ErrInvalidClaim)
	}
	return nil
}

// Aggregate is the claim aggregate root. State changes only through Transition.
type Aggregate struct {
	claim           Claim
	persistedStatus Status
	changes         []*Event
	transitions     []TransitionEvent
}

// Submit creates a claim in SUBMITTED with a ClaimSubmitted event pending.
func Submit(p SubmitParams, claimNumber string, at time.Time) (*Aggregate, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if claimNumber == "" {
		return nil, fmt.Errorf("%w: claim number is required", ErrInvalidClaim)
	}

	at = at.UTC()
	r := p.Result
	a := &Aggregate{
		claim: Claim{
			ID:                uuid.New().String(),
			ClaimNumber:       claimNumber,
			TenantID:          p.TenantID,
			PatientID:         p.PatientID,
			ServiceRef:        p.ServiceRef,
			InsurerID:         p.InsurerID,
			GrossAmount:       r.GrossAmount,
			InsurerAmount:     r.InsurerAmount,
			PatientAmount:     r.PatientAmount,
			Currency:          r.Currency,
			PreAuthRequired:   r.PreAuthRequired,
			DeductibleApplies: r.DeductibleApplies,
			MaxCoverageCapped: r.MaxCoverageCapped,
			Status:            StatusSubmitted,
			SupersedesClaimID: p.SupersedesClaimID,
			SubmittedAt:       at,
			Version:           1,
		},
	}

	event, err := NewEvent(a.claim.ID, EventClaimSubmitted, &SubmittedEvent{
		ClaimID:           a.claim.ID,
		ClaimNumber:       claimNumber,
		TenantID:          p.TenantID,
		PatientID:         p.PatientID,
		InsurerID:         p.InsurerID,
		GrossAmount:       r.GrossAmount.StringFixed(money.MinorUnits),
		InsurerAmount:     r.InsurerAmount.StringFixed(money.MinorUnits),
		PatientAmount:     r.PatientAmount.StringFixed(money.MinorUnits),
		Currency:          string(r.Currency),
		SupersedesClaimID: p.SupersedesClaimID,
		Actor:             p.Actor,
		Timestamp:         at,
	})
	if err != nil {
		return nil, err
	}
	event.Version = a.claim.Version
	event.Timestamp = at
	event.TenantID = p.TenantID
	event.Actor = p.Actor
	a.changes = append(a.changes, event)
	return a, nil
}

// Rehydrate rebuilds an aggregate from a stored snapshot.
func Rehydrate(c Claim) *Aggregate {
	return &Aggregate{claim: c, persistedStatus: c.Status}
}

// ID returns the aggregate ID
func (a *Aggregate) ID() string { return a.claim.ID }

// Status returns the current status
func (a *Aggregate) Status() Status { return a.claim.Status }

// Version returns the current version
func (a *Aggregate) Version() int { return a.claim.Version }

// PersistedStatus is the status the store last saw; it guards the conditional update.
func (a *Aggregate) PersistedStatus() Status { return a.persistedStatus }

// IsNew reports whether the claim has never been stored.
func (a *Aggregate) IsNew() bool { return a.persistedStatus == "" }

// Snapshot returns a copy of the claim state.
func (a *Aggregate) Snapshot() Claim { return a.claim }

// Changes returns uncommitted events
func (a *Aggregate) Changes() []*Event { return a.changes }

// PendingTransitions returns unsaved audit rows.
func (a *Aggregate) PendingTransitions() []TransitionEvent { return a.transitions }

// MarkPersisted clears pending changes after a successful save.
func (a *Aggregate) MarkPersisted() {
	a.persistedStatus = a.claim.Status
	a.changes = nil
	a.transitions = nil
}

// Transition moves the claim to status to. The first move out of SUBMITTED
// stamps processedAt.
func (a *Aggregate) Transition(to Status, actor string, at time.Time) (*TransitionEvent, error) {
	from := a.claim.Status
	if !from.CanTransitionTo(to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	at = at.UTC()
	rec := TransitionEvent{
		ClaimID:    a.claim.ID,
		FromStatus: from,
		ToStatus:   to,
		Actor:      actor,
		Timestamp:  at,
	}
	event, err := NewEvent(a.claim.ID, EventClaimTransitioned, &rec)
	if err != nil {
		return nil, err
	}

	a.claim.Status = to
	a.claim.Version++
	if a.claim.ProcessedAt == nil {
		a.claim.ProcessedAt = &at
	}

	event.Version = a.claim.Version
	event.Timestamp = at
	event.TenantID = a.claim.TenantID
	event.Actor = actor
	a.changes = append(a.changes, event)
	a.transitions = append(a.transitions, rec)
	return &rec, nil
}
