package regent

import (
	"time"

	"github.com/google/uuid"
)

// RiskTier classifies how much damage a workflow step can do. Steps at or
// above RiskMedium pass through the governance gate before dispatch.
// No internal package imports — safe to use from outside the module.
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// Step declares one step of a workflow.
type Step struct {
	// Name identifies the step in events and tickets.
	Name string
	// Capability is the invoker key the step dispatches through.
	Capability string
	// Risk at or above medium triggers a gate evaluation before dispatch.
	Risk RiskTier
	// RetryBudget caps transient retries for this step; 0 means the
	// engine default.
	RetryBudget int
	// NeedsApproval suspends the run on a ticket before the step executes.
	NeedsApproval bool
	// GateSubject names the action proposed to the gate. Defaults to the
	// capability when empty.
	GateSubject string
}

// Workflow is a named ordered step sequence registered with the app.
type Workflow struct {
	Name  string
	Steps []Step
}

// WorkItem is one unit of agent-initiated work a Planner hands to the
// autonomy loop. Subject and SubjectType feed the gate; Workflow and Input
// feed the engine.
type WorkItem struct {
	Workflow    string
	Subject     string
	SubjectType string
	Input       map[string]any
}

// TicketNotice describes a pending ticket delivered to a TicketNotifier.
type TicketNotice struct {
	ID       uuid.UUID
	RunID    *uuid.UUID
	StepName string
	Risk     RiskTier
	Question string
	RaisedAt time.Time
}
