package model

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Field limits on operator-controlled inputs. These bound what flows into
// Postgres TEXT columns and the audit log.
const (
	MaxJobIDLen    = 128
	MaxWorkflowLen = 128
	MaxQuestionLen = 8 * 1024
	MaxReasonLen   = 8 * 1024
)

// jobIDPattern restricts job IDs to a safe identifier alphabet.
var jobIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// ValidateJobID checks a job definition ID for length and character set.
func ValidateJobID(id string) error {
	if id == "" {
		return fmt.Errorf("job id must not be empty")
	}
	if len(id) > MaxJobIDLen {
		return fmt.Errorf("job id exceeds maximum length of %d characters", MaxJobIDLen)
	}
	if !jobIDPattern.MatchString(id) {
		return fmt.Errorf("job id must match %s", jobIDPattern.String())
	}
	return nil
}

// ValidateWorkflowName checks a workflow name for length and emptiness.
func ValidateWorkflowName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("workflow name must not be empty")
	}
	if len(name) > MaxWorkflowLen {
		return fmt.Errorf("workflow name exceeds maximum length of %d characters", MaxWorkflowLen)
	}
	return nil
}

// RegisterJobRequest is the payload for POST /v1/jobs.
type RegisterJobRequest struct {
	ID          string `json:"id"`
	Schedule    string `json:"schedule"`
	Handler     string `json:"handler"`
	MaxAttempts int    `json:"max_attempts"`
}

// StartRunRequest is the payload for POST /v1/runs.
type StartRunRequest struct {
	Workflow string         `json:"workflow"`
	Input    map[string]any `json:"input,omitempty"`
}

// CancelRunRequest is the optional payload for POST /v1/runs/{run_id}/cancel.
type CancelRunRequest struct {
	Reason string `json:"reason,omitempty"`
}

// DecideTicketRequest is the payload for POST /v1/tickets/{ticket_id}/decide.
type DecideTicketRequest struct {
	Approve   bool           `json:"approve"`
	DecidedBy string         `json:"decided_by"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// EvaluateRequest is the payload for POST /v1/gate/evaluate.
type EvaluateRequest struct {
	Subject     string         `json:"subject"`
	SubjectType string         `json:"subject_type"`
	Context     map[string]any `json:"context"`
}

// PauseRequest is the payload for POST /v1/autonomy/pause.
type PauseRequest struct {
	Reason string `json:"reason,omitempty"`
}

// RunDetail is a run plus its ordered step events, returned by GET /v1/runs/{run_id}.
type RunDetail struct {
	Run    Run         `json:"run"`
	Events []StepEvent `json:"events"`
}

// ErrorResponse is the standard error envelope for the HTTP API.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// ParseUUID parses an ID path segment with a field name for error context.
func ParseUUID(field, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %q", field, raw)
	}
	return id, nil
}
