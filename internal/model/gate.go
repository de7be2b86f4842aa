package model

import (
	"time"

	"github.com/google/uuid"
)

// GateVerdict is the outcome of one governance evaluation.
type GateVerdict string

const (
	VerdictAdmit    GateVerdict = "admit"
	VerdictDeny     GateVerdict = "deny"
	VerdictEscalate GateVerdict = "escalate"
)

// LevelResult records how one gate level fared during an evaluation.
type LevelResult struct {
	Level  int    `json:"level"`
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

// GateDecision is the immutable record of one governance evaluation.
// Retained for audit; never mutated. A denied action must be re-proposed
// with updated context — decisions are never retried automatically.
type GateDecision struct {
	ID           uuid.UUID     `json:"id"`
	Subject      string        `json:"subject"`
	SubjectType  string        `json:"subject_type"`
	LevelReached int           `json:"level_reached"`
	Verdict      GateVerdict   `json:"verdict"`
	Levels       []LevelResult `json:"levels"`
	EvaluatedAt  time.Time     `json:"evaluated_at"`
}
