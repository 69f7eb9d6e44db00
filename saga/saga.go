// Package saga implements the compensating-transaction Saga Manager of
// SPEC_FULL.md §4.9: a saga mirrors an ActionPlan step-for-step, executes
// steps in order, and on the first failure walks completed steps in reverse
// invoking their compensations.
//
// Grounded on the orchestrator/compensation shape of
// other_examples/18c4ecd8_necyber-goclaw__pkg-saga-orchestrator.go.go and
// other_examples/8b2b5612_necyber-goclaw__pkg-saga-compensation.go.go, and on
// the original implementation's crates/orchestrator/src/saga/mod.rs for the
// exact status taxonomy and CompensationFailed semantics.
package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is a Saga's overall lifecycle state, per SPEC_FULL.md §3.
type Status string

const (
	StatusPreparing   Status = "preparing"
	StatusExecuting   Status = "executing"
	StatusCompleted   Status = "completed"
	StatusCompensating Status = "compensating"
	StatusCompensated Status = "compensated"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// StepStatus is a single SagaStep's lifecycle state.
type StepStatus string

const (
	StepPending            StepStatus = "pending"
	StepExecuting          StepStatus = "executing"
	StepCompleted          StepStatus = "completed"
	StepFailed             StepStatus = "failed"
	StepCompensating       StepStatus = "compensating"
	StepCompensated        StepStatus = "compensated"
	StepCompensationFailed StepStatus = "compensation_failed"
)

// ActionKind tags what a SagaStep actually did, used to pick a compensation
// strategy from the taxonomy in SPEC_FULL.md §4.9.
type ActionKind string

const (
	ActionFileWrite      ActionKind = "file_write"
	ActionFileDelete     ActionKind = "file_delete"
	ActionMemoryStore    ActionKind = "memory_store"
	ActionMemoryMutate   ActionKind = "memory_mutate"
	ActionToolExecution  ActionKind = "tool_execution"
	ActionUserInteraction ActionKind = "user_interaction"
	ActionCustom         ActionKind = "custom"
)

// ErrNotFound is returned by GetStatus/Cancel for an unknown saga id.
var ErrNotFound = errors.New("saga: not found")

// Step is one unit of work in a Saga, carrying enough information for its
// compensation to run without re-consulting the originating plan.
type Step struct {
	ID           string
	Kind         ActionKind
	HandlerName  string // for ActionCustom, the registered handler to dispatch to
	Params       map[string]any

	Status             StepStatus
	Result             any
	Err                string
	CompensationNeeded bool

	// CompensationArgs carries whatever the compensation needs: a backup blob
	// path, a prior snapshot, an inverse tool payload, etc. Populated by the
	// step's own execution, read back by its compensation.
	CompensationArgs map[string]any

	ExecutedAt    time.Time
	CompensatedAt time.Time
}

// Saga is a single compensating-transaction run, mirroring an ActionPlan.
type Saga struct {
	ID     string
	PlanID string
	Status Status
	Steps  []*Step

	CreatedAt time.Time
	UpdatedAt time.Time

	mu sync.Mutex
}

func (s *Saga) touch() {
	s.UpdatedAt = time.Now()
}

// snapshot returns a shallow copy safe to hand to callers without exposing
// the saga's internal mutex.
func (s *Saga) snapshot() *Saga {
	s.mu.Lock()
	defer s.mu.Unlock()
	steps := make([]*Step, len(s.Steps))
	for i, st := range s.Steps {
		cp := *st
		steps[i] = &cp
	}
	return &Saga{
		ID: s.ID, PlanID: s.PlanID, Status: s.Status, Steps: steps,
		CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt,
	}
}

// StepExecutor performs the forward side of one step. Returning a non-nil
// error stops execution of the saga and begins compensation.
type StepExecutor func(ctx context.Context, step *Step) (result any, err error)

// Compensator undoes a previously Completed step. A Compensator failing does
// not stop compensation of other steps (CompensationFailed semantics).
type Compensator func(ctx context.Context, step *Step) error

// ExecutionResult is returned by Execute.
type ExecutionResult struct {
	Status      Status
	FailedStep  string
	Err         error
}

// CompensationResult is returned by Compensate.
type CompensationResult struct {
	Status           Status
	FailedStepIDs    []string
}

// PlanStep is the minimal shape Manager needs from an ActionPlan's
// ActionStep to seed a Saga; decoupled from the orchestrator's ActionStep
// type to avoid an import cycle between saga and orchestrator.
type PlanStep struct {
	ID                 string
	Kind               ActionKind
	HandlerName        string
	Params             map[string]any
	CompensationNeeded bool
}

// Manager tracks live and historical sagas and drives their execution.
//
// Compensators are registered per ActionKind, with ActionCustom steps
// dispatched further by HandlerName. A step with no registered compensator
// is logged and marked skipped rather than failing compensation outright,
// matching the "Tool execution → ... if none, log and mark skipped" rule.
type Manager struct {
	mu           sync.RWMutex
	sagas        map[string]*Saga
	executors    map[ActionKind]StepExecutor
	compensators map[ActionKind]Compensator
	customComp   map[string]Compensator
	onLog        func(format string, args ...any)
}

// NewManager constructs an empty saga Manager.
func NewManager() *Manager {
	return &Manager{
		sagas:        make(map[string]*Saga),
		executors:    make(map[ActionKind]StepExecutor),
		compensators: make(map[ActionKind]Compensator),
		customComp:   make(map[string]Compensator),
	}
}

// WithLogger installs a sink for skipped-compensation and error messages.
func (m *Manager) WithLogger(fn func(format string, args ...any)) *Manager {
	m.onLog = fn
	return m
}

func (m *Manager) logf(format string, args ...any) {
	if m.onLog != nil {
		m.onLog(format, args...)
	}
}

// RegisterExecutor installs the forward-execution function for an ActionKind.
func (m *Manager) RegisterExecutor(kind ActionKind, fn StepExecutor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executors[kind] = fn
}

// RegisterCompensator installs the compensation function for an ActionKind.
func (m *Manager) RegisterCompensator(kind ActionKind, fn Compensator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compensators[kind] = fn
}

// RegisterCustomCompensator installs a named compensation handler, dispatched
// to for ActionCustom steps matching HandlerName (the "Custom → dispatch to a
// registered handler by name" rule).
func (m *Manager) RegisterCustomCompensator(name string, fn Compensator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customComp[name] = fn
}

// CreateSaga mirrors planSteps into a new Saga in Preparing status.
func (m *Manager) CreateSaga(planID string, planSteps []PlanStep) *Saga {
	steps := make([]*Step, len(planSteps))
	for i, ps := range planSteps {
		steps[i] = &Step{
			ID:                 ps.ID,
			Kind:               ps.Kind,
			HandlerName:        ps.HandlerName,
			Params:             ps.Params,
			Status:             StepPending,
			CompensationNeeded: ps.CompensationNeeded,
		}
	}
	now := time.Now()
	s := &Saga{
		ID:        uuid.NewString(),
		PlanID:    planID,
		Status:    StatusPreparing,
		Steps:     steps,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.mu.Lock()
	m.sagas[s.ID] = s
	m.mu.Unlock()
	return s.snapshot()
}

// Execute runs a saga's steps in order. The first step failure switches the
// saga to Compensating and stops further forward execution; the caller is
// expected to follow up with Compensate.
func (m *Manager) Execute(ctx context.Context, sagaID string) (ExecutionResult, error) {
	s, err := m.get(sagaID)
	if err != nil {
		return ExecutionResult{}, err
	}

	s.mu.Lock()
	s.Status = StatusExecuting
	s.touch()
	s.mu.Unlock()

	for _, step := range s.Steps {
		if ctx.Err() != nil {
			s.mu.Lock()
			s.Status = StatusCancelled
			s.touch()
			s.mu.Unlock()
			return ExecutionResult{Status: StatusCancelled, Err: ctx.Err()}, nil
		}

		m.mu.RLock()
		exec, ok := m.executors[step.Kind]
		m.mu.RUnlock()
		if !ok {
			err := fmt.Errorf("saga: no executor registered for action kind %q", step.Kind)
			s.mu.Lock()
			step.Status = StepFailed
			step.Err = err.Error()
			s.Status = StatusCompensating
			s.touch()
			s.mu.Unlock()
			return ExecutionResult{Status: StatusCompensating, FailedStep: step.ID, Err: err}, nil
		}

		s.mu.Lock()
		step.Status = StepExecuting
		s.mu.Unlock()

		result, err := exec(ctx, step)

		s.mu.Lock()
		step.ExecutedAt = time.Now()
		if err != nil {
			step.Status = StepFailed
			step.Err = err.Error()
			s.Status = StatusCompensating
			s.touch()
			s.mu.Unlock()
			return ExecutionResult{Status: StatusCompensating, FailedStep: step.ID, Err: err}, nil
		}
		step.Status = StepCompleted
		step.Result = result
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.Status = StatusCompleted
	s.touch()
	s.mu.Unlock()
	return ExecutionResult{Status: StatusCompleted}, nil
}

// Compensate walks completed steps in reverse insertion order, invoking each
// one's compensation. A compensation failure marks that step
// CompensationFailed and does not block compensation of the remaining steps.
// Calling Compensate on an already-Compensated saga is a no-op that reports
// success, satisfying the idempotence property.
func (m *Manager) Compensate(ctx context.Context, sagaID string) (CompensationResult, error) {
	s, err := m.get(sagaID)
	if err != nil {
		return CompensationResult{}, err
	}

	s.mu.Lock()
	if s.Status == StatusCompensated {
		s.mu.Unlock()
		return CompensationResult{Status: StatusCompensated}, nil
	}
	if len(s.Steps) == 0 {
		s.Status = StatusCompensated
		s.touch()
		s.mu.Unlock()
		return CompensationResult{Status: StatusCompensated}, nil
	}
	s.Status = StatusCompensating
	s.touch()
	steps := make([]*Step, len(s.Steps))
	copy(steps, s.Steps)
	s.mu.Unlock()

	var failed []string
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]

		s.mu.Lock()
		eligible := step.Status == StepCompleted && step.CompensationNeeded
		s.mu.Unlock()
		if !eligible {
			continue
		}

		comp := m.compensatorFor(step)
		if comp == nil {
			m.logf("saga: no compensator for step %s (kind=%s handler=%s), marking skipped", step.ID, step.Kind, step.HandlerName)
			s.mu.Lock()
			step.Status = StepCompensated
			step.CompensatedAt = time.Now()
			s.mu.Unlock()
			continue
		}

		s.mu.Lock()
		step.Status = StepCompensating
		s.mu.Unlock()

		cerr := comp(ctx, step)

		s.mu.Lock()
		step.CompensatedAt = time.Now()
		if cerr != nil {
			step.Status = StepCompensationFailed
			step.Err = cerr.Error()
			s.mu.Unlock()
			failed = append(failed, step.ID)
			continue
		}
		step.Status = StepCompensated
		s.mu.Unlock()
	}

	s.mu.Lock()
	if len(failed) == 0 {
		s.Status = StatusCompensated
	} else {
		s.Status = StatusFailed
	}
	s.touch()
	finalStatus := s.Status
	s.mu.Unlock()

	return CompensationResult{Status: finalStatus, FailedStepIDs: failed}, nil
}

func (m *Manager) compensatorFor(step *Step) Compensator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if step.Kind == ActionCustom && step.HandlerName != "" {
		if c, ok := m.customComp[step.HandlerName]; ok {
			return c
		}
	}
	if c, ok := m.compensators[step.Kind]; ok {
		return c
	}
	return nil
}

// GetStatus returns a consistent snapshot of the saga's current state.
func (m *Manager) GetStatus(sagaID string) (*Saga, error) {
	s, err := m.get(sagaID)
	if err != nil {
		return nil, err
	}
	return s.snapshot(), nil
}

func (m *Manager) get(sagaID string) (*Saga, error) {
	m.mu.RLock()
	s, ok := m.sagas[sagaID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sagaID)
	}
	return s, nil
}

// Cancel marks a saga Cancelled. Steps already Completed are left as-is for
// the caller to compensate explicitly; Cancel itself does not compensate.
func (m *Manager) Cancel(sagaID string) error {
	s, err := m.get(sagaID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.Status = StatusCancelled
	s.touch()
	s.mu.Unlock()
	return nil
}
