package run

import (
	"fmt"
	"time"

	"github.com/gammazero/toposort"
)

// StepType tags what an ActionStep does, per SPEC_FULL.md §3's ActionStep
// data model.
type StepType string

const (
	StepToolExecution   StepType = "tool_execution"
	StepMemoryOperation StepType = "memory_operation"
	StepUserInteraction StepType = "user_interaction"
	StepWait            StepType = "wait"
)

// ValidationRule is an opaque, named precondition an ActionStep's
// parameters must satisfy before the orchestrator schedules it. The
// orchestrator resolves Name against a registry of validators; Params
// carries validator-specific configuration.
type ValidationRule struct {
	Name   string
	Params map[string]any
}

// ActionStep is one node of an ActionPlan's dependency graph (SPEC_FULL.md
// §3). DependsOn holds the ids of predecessor steps within the same plan.
type ActionStep struct {
	ID              string
	Type            StepType
	Parameters      map[string]any
	DependsOn       []string
	ExpectedDuration time.Duration
	// Retry reuses the API-layer RetryPolicy shape (types.go) shared with
	// workflow start options, rather than declaring a second one.
	Retry           RetryPolicy
	ValidationRules []ValidationRule
}

// ActionPlan is the orchestrator's PlanGeneration output: an ordered
// sequence of ActionSteps whose DependsOn edges must form a DAG
// (SPEC_FULL.md §3 invariant).
type ActionPlan struct {
	ID                  string
	IntentID            string
	Steps               []ActionStep
	ResourceRequirements map[string]float64
	Metadata            map[string]string
}

// ErrCyclicPlan is returned by ValidateDAG when a plan's steps contain a
// dependency cycle.
type ErrCyclicPlan struct {
	PlanID string
}

func (e *ErrCyclicPlan) Error() string {
	return fmt.Sprintf("workflow: plan %q has a cyclic dependency graph", e.PlanID)
}

// ErrUnknownDependency is returned by ValidateDAG when a step names a
// dependency id that is not present in the plan.
type ErrUnknownDependency struct {
	PlanID, StepID, DependsOn string
}

func (e *ErrUnknownDependency) Error() string {
	return fmt.Sprintf("workflow: plan %q step %q depends on unknown step %q", e.PlanID, e.StepID, e.DependsOn)
}

// ValidateDAG checks the two invariants SPEC_FULL.md §3 places on an
// ActionPlan: every dependency id resolves within the plan, and the
// resulting graph is acyclic. Grounded on github.com/gammazero/toposort
// (adopted from other_examples/manifests/lprior-repo-open-swarm, which
// pairs it with a Temporal-backed workflow engine the same way this
// runtime does).
func ValidateDAG(plan ActionPlan) ([]string, error) {
	graph := toposort.NewGraph(len(plan.Steps))
	known := make(map[string]bool, len(plan.Steps))
	for _, step := range plan.Steps {
		graph.AddNode(step.ID)
		known[step.ID] = true
	}
	for _, step := range plan.Steps {
		for _, dep := range step.DependsOn {
			if !known[dep] {
				return nil, &ErrUnknownDependency{PlanID: plan.ID, StepID: step.ID, DependsOn: dep}
			}
			graph.AddEdge(dep, step.ID)
		}
	}
	order, ok := graph.Toposort()
	if !ok {
		return nil, &ErrCyclicPlan{PlanID: plan.ID}
	}
	return order, nil
}
