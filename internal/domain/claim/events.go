package claim

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AggregateType names claims in the outbox and on the wire.
const AggregateType = "Claim"

// EventType represents the type of domain event
type EventType string

const (
	EventClaimSubmitted    EventType = "ClaimSubmitted"
	EventClaimTransitioned EventType = "ClaimTransitioned"
)

// Event is a claim domain event as written to the outbox.
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	TenantID      string          `json:"tenant_id,omitempty"`
	Actor         string          `json:"actor,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateID string, eventType EventType, data any) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// TransitionEvent is both the audit row and the notification payload for a
// status change.
type TransitionEvent struct {
	ClaimID    string    `json:"claimId"`
	FromStatus Status    `json:"fromStatus"`
	ToStatus   Status    `json:"toStatus"`
	Actor      string    `json:"actor"`
	Timestamp  time.Time `json:"timestamp"`
}

// SubmittedEvent is the payload of ClaimSubmitted.
type SubmittedEvent struct {
	ClaimID           string    `json:"claimId"`
	ClaimNumber       string    `json:"claimNumber"`
	TenantID          string    `json:"tenantId"`
	PatientID         string    `json:"patientId"`
	InsurerID         string    `json:"insurerId"`
	GrossAmount       string    `json:"grossAmount"`
	InsurerAmount     string    `json:"insurerAmount"`
	PatientAmount     string    `json:"patientAmount"`
	Currency          string    `json:"currency"`
	SupersedesClaimID *string   `json:"supersedesClaimId,omitempty"`
	Actor             string    `json:"actor"`
	Timestamp         time.Time `json:"timestamp"`
}

// Decode unmarshals an event envelope.
func Decode(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
