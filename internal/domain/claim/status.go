package claim

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a claim.
type Status string

const (
	StatusSubmitted  Status = "SUBMITTED"
	StatusProcessing Status = "PROCESSING"
	StatusApproved   Status = "APPROVED"
	StatusDenied     Status = "DENIED"
	StatusPaid       Status = "PAID"
)

// transitions lists every legal move. A status with no entry is terminal.
var transitions = map[Status][]Status{
	StatusSubmitted:  {StatusProcessing},
	StatusProcessing: {StatusApproved, StatusDenied},
	StatusApproved:   {StatusPaid},
	StatusDenied:     nil,
	StatusPaid:       nil,
}

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusSubmitted, StatusProcessing, StatusApproved, StatusDenied, StatusPaid}

// ParseStatus normalizes s into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("unknown claim status %q", s)
	}
	return st, nil
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// Next returns the statuses reachable from s in one step.
func (s Status) Next() []Status {
	out := make([]Status, len(transitions[s]))
	copy(out, transitions[s])
	return out
}
