package model

import (
	"time"

	"github.com/google/uuid"
)

// AutonomyStatus is the control-loop state. Singleton per process.
type AutonomyStatus string

const (
	AutonomyRunning AutonomyStatus = "running"
	AutonomyPaused  AutonomyStatus = "paused"
)

// PauseReason explains why the loop is paused.
type PauseReason string

const (
	PauseNone            PauseReason = "none"
	PauseManual          PauseReason = "manual"
	PauseCreditExhausted PauseReason = "credit_exhausted"
	PauseErrorThreshold  PauseReason = "error_threshold"
)

// AutonomyState is a snapshot of the loop's health. ConsecutiveErrors resets
// to 0 on any success; reaching the configured threshold forces a pause that
// only an explicit resume clears.
type AutonomyState struct {
	Status            AutonomyStatus `json:"status"`
	PauseReason       PauseReason    `json:"pause_reason"`
	ConsecutiveErrors int            `json:"consecutive_errors"`
	QueueDepth        int64          `json:"queue_depth"`
	LastTickAt        *time.Time     `json:"last_tick_at,omitempty"`
}

// AuditOutcome categorizes one autonomy tick for the audit log.
type AuditOutcome string

const (
	AuditWorkFound    AuditOutcome = "work_found"
	AuditNoWork       AuditOutcome = "no_work"
	AuditRunStarted   AuditOutcome = "run_started"
	AuditRunFailed    AuditOutcome = "run_failed"
	AuditGateDenied   AuditOutcome = "gate_denied"
	AuditPaused       AuditOutcome = "paused"
	AuditResumed      AuditOutcome = "resumed"
	AuditQueueCleared AuditOutcome = "queue_cleared"
)

// AuditEntry is one append-only record of an autonomy tick outcome or
// operator action.
type AuditEntry struct {
	ID         uuid.UUID      `json:"id"`
	Outcome    AuditOutcome   `json:"outcome"`
	Detail     string         `json:"detail,omitempty"`
	RunID      *uuid.UUID     `json:"run_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}
