package model

import (
	"time"

	"github.com/google/uuid"
)

// RiskTier classifies how much damage a step or ticket subject can do.
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// AtLeast reports whether t is at or above the given tier.
func (t RiskTier) AtLeast(min RiskTier) bool {
	return tierRank(t) >= tierRank(min)
}

func tierRank(t RiskTier) int {
	switch t {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	}
	return 0
}

// TicketStatus enumerates ticket lifecycle states.
type TicketStatus string

const (
	TicketPending  TicketStatus = "pending"
	TicketApproved TicketStatus = "approved"
	TicketRejected TicketStatus = "rejected"
	TicketExpired  TicketStatus = "expired"
)

// Ticket is a pending human decision. A run-bound ticket blocks its run;
// a standalone ticket (nil RunID) surfaces a decision with no run attached.
// A ticket is mutated exactly once, by the decision actor or the expiry
// sweeper; terminal states are retained.
//
// Escalation distinguishes how the ticket was raised: an approval ticket
// stands in for its step, while an escalation ticket was raised by a gate
// verdict before the step ran — on approval the step still has to execute.
type Ticket struct {
	ID         uuid.UUID      `json:"id"`
	RunID      *uuid.UUID     `json:"run_id,omitempty"`
	StepName   string         `json:"step_name,omitempty"`
	RiskTier   RiskTier       `json:"risk_tier"`
	Status     TicketStatus   `json:"status"`
	Question   string         `json:"question"`
	Escalation bool           `json:"escalation"`
	Decision   map[string]any `json:"decision,omitempty"`
	DecidedBy  *string        `json:"decided_by,omitempty"`
	RaisedAt   time.Time      `json:"raised_at"`
	DecidedAt  *time.Time     `json:"decided_at,omitempty"`
}
