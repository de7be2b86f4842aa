package gate

import (
	"fmt"
	"time"
)

// Context carries every signal a gate level may consult. All fields are
// supplied by the caller; levels never read clocks, randomness, or external
// state, so identical contexts always produce identical verdicts.
type Context struct {
	// Goal is the goal the subject claims to serve.
	Goal string `json:"goal"`
	// ActiveGoals is the currently active goal hierarchy.
	ActiveGoals []string `json:"active_goals"`
	// Impact is the estimated blast radius in [0,1].
	Impact float64 `json:"impact"`
	// Sensitivity is the data sensitivity of what the action touches, in [0,1].
	Sensitivity float64 `json:"sensitivity"`
	// EstimatedCost is the projected spend in credits.
	EstimatedCost float64 `json:"estimated_cost"`
	// Reversible reports whether the action can be undone.
	Reversible bool `json:"reversible"`
	// SpawnsCapability reports whether the subject proposes a new capability.
	SpawnsCapability bool `json:"spawns_capability"`
	// ExistingCapability reports whether a registered capability could
	// handle the work instead.
	ExistingCapability bool `json:"existing_capability"`
	// MeasurementWindow is the time until success becomes measurable.
	MeasurementWindow time.Duration `json:"measurement_window"`
}

// Thresholds are the numeric admission criteria behind the default ladder.
type Thresholds struct {
	ImpactCeiling        float64
	SensitivityCeiling   float64
	CostCeiling          float64
	LowImpact            float64 // below this, irreversibility is tolerated
	MaxMeasurementWindow time.Duration
}

// DefaultThresholds are the production admission criteria.
var DefaultThresholds = Thresholds{
	ImpactCeiling:        0.7,
	SensitivityCeiling:   0.6,
	CostCeiling:          100,
	LowImpact:            0.2,
	MaxMeasurementWindow: 7 * 24 * time.Hour,
}

// Level is one ordered admission check. Check is a pure predicate: it
// returns pass/fail plus a human-readable reason for the decision record.
type Level struct {
	Name string
	// Escalatable levels yield verdict escalate instead of deny when they
	// fail — the action goes to Tier-2 human sign-off rather than being
	// refused outright.
	Escalatable bool
	Check       func(Context) (bool, string)
}

// Ladder is an ordered hierarchy of levels, outermost (broadest policy)
// first. Evaluation short-circuits at the first failing level.
type Ladder []Level

// DefaultLadder builds the standard seven-level hierarchy from thresholds.
func DefaultLadder(t Thresholds) Ladder {
	return Ladder{
		{
			Name: "goal_alignment",
			Check: func(c Context) (bool, string) {
				for _, g := range c.ActiveGoals {
					if g == c.Goal {
						return true, fmt.Sprintf("serves active goal %q", c.Goal)
					}
				}
				return false, fmt.Sprintf("goal %q is not in the active hierarchy", c.Goal)
			},
		},
		{
			Name:        "impact_ceiling",
			Escalatable: true,
			Check: func(c Context) (bool, string) {
				if c.Impact <= t.ImpactCeiling {
					return true, fmt.Sprintf("impact %.2f within ceiling %.2f", c.Impact, t.ImpactCeiling)
				}
				return false, fmt.Sprintf("impact %.2f exceeds ceiling %.2f", c.Impact, t.ImpactCeiling)
			},
		},
		{
			Name:        "sensitivity_ceiling",
			Escalatable: true,
			Check: func(c Context) (bool, string) {
				if c.Sensitivity <= t.SensitivityCeiling {
					return true, fmt.Sprintf("sensitivity %.2f within ceiling %.2f", c.Sensitivity, t.SensitivityCeiling)
				}
				return false, fmt.Sprintf("sensitivity %.2f exceeds ceiling %.2f", c.Sensitivity, t.SensitivityCeiling)
			},
		},
		{
			Name: "capability_reuse",
			Check: func(c Context) (bool, string) {
				if c.SpawnsCapability && c.ExistingCapability {
					return false, "an existing capability can handle this; spawning a new one is not admitted"
				}
				return true, "no redundant capability spawn"
			},
		},
		{
			Name:        "cost_budget",
			Escalatable: true,
			Check: func(c Context) (bool, string) {
				if c.EstimatedCost <= t.CostCeiling {
					return true, fmt.Sprintf("estimated cost %.2f within budget %.2f", c.EstimatedCost, t.CostCeiling)
				}
				return false, fmt.Sprintf("estimated cost %.2f exceeds budget %.2f", c.EstimatedCost, t.CostCeiling)
			},
		},
		{
			Name:        "reversibility",
			Escalatable: true,
			Check: func(c Context) (bool, string) {
				if c.Reversible || c.Impact <= t.LowImpact {
					return true, "reversible or low impact"
				}
				return false, fmt.Sprintf("irreversible with impact %.2f above %.2f", c.Impact, t.LowImpact)
			},
		},
		{
			Name: "measurability",
			Check: func(c Context) (bool, string) {
				if c.MeasurementWindow <= 0 {
					return false, "no measurable success signal declared"
				}
				if c.MeasurementWindow > t.MaxMeasurementWindow {
					return false, fmt.Sprintf("measurement window %s exceeds tolerance %s",
						c.MeasurementWindow, t.MaxMeasurementWindow)
				}
				return true, fmt.Sprintf("success measurable within %s", c.MeasurementWindow)
			},
		},
	}
}
