// Package model defines the core domain types for Regent.
//
// All types correspond directly to database tables and API payloads.
// Types use strong typing (UUIDs, time.Time, enums) and avoid
// interface{} wherever possible.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a Tower run.
type RunStatus string

const (
	RunStatusQueued          RunStatus = "queued"
	RunStatusRunning         RunStatus = "running"
	RunStatusWaitingOnTicket RunStatus = "waiting_on_ticket"
	RunStatusSucceeded       RunStatus = "succeeded"
	RunStatusFailed          RunStatus = "failed"
	RunStatusCancelled       RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// TriggerSource identifies what started a run.
type TriggerSource string

const (
	TriggerScheduler TriggerSource = "scheduler"
	TriggerAutonomy  TriggerSource = "autonomy"
	TriggerOperator  TriggerSource = "operator"
)

// Run is one execution of a multi-step workflow. The Tower engine owns it
// exclusively; its step-event history is appended, never rewritten.
type Run struct {
	ID          uuid.UUID      `json:"id"`
	Workflow    string         `json:"workflow"`
	Trigger     TriggerSource  `json:"trigger"`
	Status      RunStatus      `json:"status"`
	StepCursor  int            `json:"step_cursor"`
	Input       map[string]any `json:"input"`
	FailReason  *string        `json:"fail_reason,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	// LastProgressAt advances on every step event; the stall sweeper keys off it.
	LastProgressAt time.Time `json:"last_progress_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// StepOutcome is the recorded result of one step attempt.
type StepOutcome string

const (
	StepOutcomeSucceeded      StepOutcome = "succeeded"
	StepOutcomeFailed         StepOutcome = "failed"
	StepOutcomeRetried        StepOutcome = "retried"
	StepOutcomeDenied         StepOutcome = "denied"
	StepOutcomeTicketRaised   StepOutcome = "ticket_raised"
	StepOutcomeTicketResolved StepOutcome = "ticket_resolved"
)

// StepEvent is an append-only log record of one step's outcome.
// SequenceNum is strictly increasing and gapless within a run.
type StepEvent struct {
	ID          uuid.UUID      `json:"id"`
	RunID       uuid.UUID      `json:"run_id"`
	SequenceNum int64          `json:"sequence_num"`
	StepName    string         `json:"step_name"`
	Outcome     StepOutcome    `json:"outcome"`
	Payload     map[string]any `json:"payload"`
	OccurredAt  time.Time      `json:"occurred_at"`
	CreatedAt   time.Time      `json:"created_at"`
}
