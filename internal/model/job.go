package model

import (
	"time"

	"github.com/google/uuid"
)

// JobDefinition is a recurring unit of work. Definitions are created at
// config load, mutated only by admin action, and never deleted — only
// disabled.
type JobDefinition struct {
	ID          string    `json:"id"`
	Schedule    string    `json:"schedule"` // 5-field cron expression
	Handler     string    `json:"handler"`  // handler registry key
	MaxAttempts int       `json:"max_attempts"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ExecutionStatus enumerates JobExecution lifecycle states.
type ExecutionStatus string

const (
	ExecutionPending      ExecutionStatus = "pending"
	ExecutionRunning      ExecutionStatus = "running"
	ExecutionSucceeded    ExecutionStatus = "succeeded"
	ExecutionFailed       ExecutionStatus = "failed"
	ExecutionDeadLettered ExecutionStatus = "dead_lettered"
)

// JobExecution is one firing of a job. Terminal states are retained for audit.
type JobExecution struct {
	ID            uuid.UUID       `json:"id"`
	JobID         string          `json:"job_id"`
	Status        ExecutionStatus `json:"status"`
	Attempt       int             `json:"attempt"`
	ScheduledTime time.Time       `json:"scheduled_time"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	LastError     *string         `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// DLQEntry is a job execution that exhausted its retry budget. Removed only
// on manual replay or purge.
type DLQEntry struct {
	ID          uuid.UUID `json:"id"`
	ExecutionID uuid.UUID `json:"execution_id"`
	JobID       string    `json:"job_id"`
	LastError   string    `json:"last_error"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}
