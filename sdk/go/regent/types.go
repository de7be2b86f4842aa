package regent

import (
	"time"

	"github.com/google/uuid"
)

// JobDefinition is a registered cron job.
type JobDefinition struct {
	ID          string    `json:"id"`
	Schedule    string    `json:"schedule"`
	Handler     string    `json:"handler"`
	MaxAttempts int       `json:"max_attempts"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RegisterJobRequest is the payload for RegisterJob.
type RegisterJobRequest struct {
	ID          string `json:"id"`
	Schedule    string `json:"schedule"`
	Handler     string `json:"handler"`
	MaxAttempts int    `json:"max_attempts"`
}

// JobExecution is one firing of a job.
type JobExecution struct {
	ID            uuid.UUID  `json:"id"`
	JobID         string     `json:"job_id"`
	Status        string     `json:"status"`
	Attempt       int        `json:"attempt"`
	ScheduledTime time.Time  `json:"scheduled_time"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	LastError     *string    `json:"last_error,omitempty"`
}

// DLQEntry is a job execution that exhausted its retry budget.
type DLQEntry struct {
	ID          uuid.UUID `json:"id"`
	ExecutionID uuid.UUID `json:"execution_id"`
	JobID       string    `json:"job_id"`
	LastError   string    `json:"last_error"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// Run is one workflow execution.
type Run struct {
	ID             uuid.UUID      `json:"id"`
	Workflow       string         `json:"workflow"`
	Trigger        string         `json:"trigger_source"`
	Status         string         `json:"status"`
	StepCursor     int            `json:"step_cursor"`
	Input          map[string]any `json:"input"`
	FailReason     *string        `json:"fail_reason,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	LastProgressAt time.Time      `json:"last_progress_at"`
}

// StepEvent is one append-only entry in a run's history. SequenceNum is
// strictly increasing and gapless within a run.
type StepEvent struct {
	ID          uuid.UUID      `json:"id"`
	RunID       uuid.UUID      `json:"run_id"`
	SequenceNum int64          `json:"sequence_num"`
	StepName    string         `json:"step_name"`
	Outcome     string         `json:"outcome"`
	Payload     map[string]any `json:"payload"`
	OccurredAt  time.Time      `json:"occurred_at"`
}

// RunDetail is a run plus its ordered step events.
type RunDetail struct {
	Run    Run         `json:"run"`
	Events []StepEvent `json:"events"`
}

// Ticket is a pending human decision.
type Ticket struct {
	ID        uuid.UUID      `json:"id"`
	RunID     *uuid.UUID     `json:"run_id,omitempty"`
	StepName  string         `json:"step_name,omitempty"`
	RiskTier  string         `json:"risk_tier"`
	Status    string         `json:"status"`
	Question  string         `json:"question"`
	Decision  map[string]any `json:"decision,omitempty"`
	DecidedBy *string        `json:"decided_by,omitempty"`
	RaisedAt  time.Time      `json:"raised_at"`
	DecidedAt *time.Time     `json:"decided_at,omitempty"`
}

// LevelResult records how one gate level fared during an evaluation.
type LevelResult struct {
	Level  int    `json:"level"`
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

// GateDecision is the immutable record of one governance evaluation.
type GateDecision struct {
	ID           uuid.UUID     `json:"id"`
	Subject      string        `json:"subject"`
	SubjectType  string        `json:"subject_type"`
	LevelReached int           `json:"level_reached"`
	Verdict      string        `json:"verdict"`
	Levels       []LevelResult `json:"levels"`
	EvaluatedAt  time.Time     `json:"evaluated_at"`
}

// EvaluateRequest is the payload for Evaluate. Context carries the ladder
// inputs: goal, active_goals, impact, sensitivity, estimated_cost,
// reversible, spawns_capability, existing_capability, measurement_window.
type EvaluateRequest struct {
	Subject     string         `json:"subject"`
	SubjectType string         `json:"subject_type"`
	Context     map[string]any `json:"context"`
}

// WorkItem is one unit of work to queue for the autonomy loop. Subject and
// SubjectType feed the governance gate; Workflow and Input feed the engine.
type WorkItem struct {
	Workflow    string         `json:"workflow"`
	Subject     string         `json:"subject"`
	SubjectType string         `json:"subject_type,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
}

// AutonomyState is a snapshot of the autonomy loop's health.
type AutonomyState struct {
	Status            string     `json:"status"`
	PauseReason       string     `json:"pause_reason"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	QueueDepth        int64      `json:"queue_depth"`
	LastTickAt        *time.Time `json:"last_tick_at,omitempty"`
}

// AuditEntry is one autonomy tick outcome or operator action.
type AuditEntry struct {
	ID         uuid.UUID      `json:"id"`
	Outcome    string         `json:"outcome"`
	Detail     string         `json:"detail,omitempty"`
	RunID      *uuid.UUID     `json:"run_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// BreakerSnapshot is the observed state of one circuit breaker.
type BreakerSnapshot struct {
	Key           string     `json:"key"`
	State         string     `json:"state"`
	FailureCount  int        `json:"failure_count"`
	WindowSamples int        `json:"window_samples"`
	OpenedAt      *time.Time `json:"opened_at,omitempty"`
	ProbeInFlight bool       `json:"probe_in_flight"`
}

// HealthResponse is the server's health report.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ListOptions paginate list endpoints. Zero values use server defaults.
type ListOptions struct {
	Limit  int
	Offset int
}
