// Package tower is the workflow engine: it executes a run as an ordered
// sequence of named steps, persists a gapless step-event history, consults
// the governance gate before risk-bearing steps, and suspends on tickets
// when a step needs a human decision.
package tower

import (
	"fmt"
	"sync"

	"github.com/regentlabs/regent/internal/model"
)

// StepDef declares one step of a workflow. Risk is a declarative attribute
// evaluated uniformly by the engine before dispatch, not inferred at runtime.
type StepDef struct {
	// Name identifies the step in events and tickets.
	Name string
	// Capability is the invoker key the step dispatches through.
	Capability string
	// RiskTier at or above medium triggers a gate evaluation before dispatch.
	RiskTier model.RiskTier
	// RetryBudget caps transient retries for this step; 0 means the engine default.
	RetryBudget int
	// NeedsApproval suspends the run on a ticket before the step executes.
	NeedsApproval bool
	// GateSubject names the action proposed to the gate. Defaults to the
	// capability when empty.
	GateSubject string
}

// Workflow is a named ordered step sequence.
type Workflow struct {
	Name  string
	Steps []StepDef
}

// Registry holds workflow definitions. Definitions are registered at wiring
// time and read-only afterwards.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]Workflow
}

// NewRegistry returns an empty workflow registry.
func NewRegistry() *Registry {
	return &Registry{workflows: make(map[string]Workflow)}
}

// Register validates and stores a workflow definition.
func (r *Registry) Register(wf Workflow) error {
	if err := model.ValidateWorkflowName(wf.Name); err != nil {
		return fmt.Errorf("tower: %w", err)
	}
	if len(wf.Steps) == 0 {
		return fmt.Errorf("tower: workflow %q has no steps", wf.Name)
	}
	seen := make(map[string]bool, len(wf.Steps))
	for i, step := range wf.Steps {
		if step.Name == "" {
			return fmt.Errorf("tower: workflow %q step %d has no name", wf.Name, i)
		}
		if seen[step.Name] {
			return fmt.Errorf("tower: workflow %q has duplicate step %q", wf.Name, step.Name)
		}
		seen[step.Name] = true
		if step.Capability == "" && !step.NeedsApproval {
			return fmt.Errorf("tower: workflow %q step %q has no capability", wf.Name, step.Name)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workflows[wf.Name]; ok {
		return fmt.Errorf("tower: workflow %q already registered", wf.Name)
	}
	r.workflows[wf.Name] = wf
	return nil
}

// Get looks up a workflow by name.
func (r *Registry) Get(name string) (Workflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[name]
	return wf, ok
}

// Names returns the registered workflow names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	return names
}
