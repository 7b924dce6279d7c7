// Package notification turns claim events from the event stream into
// notifications on a durable broker queue. Each event is delivered at most
// once per handler through the idempotency inbox, with a circuit breaker in
// front of the broker.
package notification

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/drfirst/go-claims/internal/domain/claim"
)

// ErrMalformedEvent is returned for events whose payload cannot be decoded.
var ErrMalformedEvent = errors.New("malformed claim event")

// Kind distinguishes notification types.
type Kind string

const (
	KindSubmitted     Kind = "claim.submitted"
	KindStatusChanged Kind = "claim.status_changed"
)

// Notification is the message body published to the broker.
type Notification struct {
	EventID     string    `json:"eventId"`
	Kind        Kind      `json:"kind"`
	ClaimID     string    `json:"claimId"`
	ClaimNumber string    `json:"claimNumber,omitempty"`
	TenantID    string    `json:"tenantId,omitempty"`
	Actor       string    `json:"actor,omitempty"`
	FromStatus  string    `json:"fromStatus,omitempty"`
	ToStatus    string    `json:"toStatus"`
	Currency    string    `json:"currency,omitempty"`
	PatientOwes string    `json:"patientAmount,omitempty"`
	InsurerPays string    `json:"insurerAmount,omitempty"`
	Supersedes  *string   `json:"supersedesClaimId,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// FromEvent builds the notification for a claim event. Event types that are
// not notified return nil and no error.
func FromEvent(e *claim.Event) (*Notification, error) {
	switch e.EventType {
	case claim.EventClaimSubmitted:
		var s claim.SubmittedEvent
		if err := json.Unmarshal(e.EventData, &s); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, e.ID, err)
		}
		return &Notification{
			EventID:     e.ID,
			Kind:        KindSubmitted,
			ClaimID:     s.ClaimID,
			ClaimNumber: s.ClaimNumber,
			TenantID:    s.TenantID,
			Actor:       s.Actor,
			ToStatus:    string(claim.StatusSubmitted),
			Currency:    s.Currency,
			PatientOwes: s.PatientAmount,
			InsurerPays: s.InsurerAmount,
			Supersedes:  s.SupersedesClaimID,
			OccurredAt:  s.Timestamp,
		}, nil

	case claim.EventClaimTransitioned:
		var tr claim.TransitionEvent
		if err := json.Unmarshal(e.EventData, &tr); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, e.ID, err)
		}
		return &Notification{
			EventID:    e.ID,
			Kind:       KindStatusChanged,
			ClaimID:    tr.ClaimID,
			TenantID:   e.TenantID,
			Actor:      tr.Actor,
			FromStatus: string(tr.FromStatus),
			ToStatus:   string(tr.ToStatus),
			OccurredAt: tr.Timestamp,
		}, nil
	}
	return nil, nil
}
