// Package engine defines the workflow engine abstractions and adapters for
// durable execution backends. It provides a pluggable interface so generated
// code can target Temporal, custom engines, or in-memory implementations
// without modification.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/agentrtcore/runtime/api"
)

// ErrWorkflowNotFound is returned by QueryRunStatus when the engine has no
// record of the requested run (unknown ID, or purged from history).
var ErrWorkflowNotFound = errors.New("engine: workflow not found")

// RunStatus classifies the terminal or in-flight state of a workflow run as
// observed by QueryRunStatus.
type RunStatus string

const (
	// RunStatusRunning indicates the workflow is still executing.
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted indicates the workflow finished successfully.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed indicates the workflow terminated with an error.
	RunStatusFailed RunStatus = "failed"
	// RunStatusCanceled indicates the workflow was canceled before completion.
	RunStatusCanceled RunStatus = "canceled"
)

type (
	// Engine abstracts workflow registration and execution so adapters (Temporal,
	// in-memory, or custom) can be swapped without touching generated code.
	// Implementations translate these generic types into backend-specific primitives.
	Engine interface {
		// RegisterWorkflow registers a workflow definition with the engine. This is
		// typically called during service initialization before starting the worker pool.
		// Returns an error if the workflow name is already registered or if
		// registration fails.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

		// RegisterHookActivity registers the activity used to deliver lifecycle hook
		// events (tool started, run paused, etc.) out of the deterministic workflow.
		RegisterHookActivity(ctx context.Context, name string, opts ActivityOptions, fn func(context.Context, *api.HookActivityInput) error) error

		// RegisterPlannerActivity registers the activity that invokes a planner's
		// PlanStart/PlanResume logic out of the deterministic workflow.
		RegisterPlannerActivity(ctx context.Context, name string, opts ActivityOptions, fn func(context.Context, *api.PlanActivityInput) (*api.PlanActivityOutput, error)) error

		// RegisterExecuteToolActivity registers the activity that executes a single
		// tool call out of the deterministic workflow.
		RegisterExecuteToolActivity(ctx context.Context, name string, opts ActivityOptions, fn func(context.Context, *api.ToolInput) (*api.ToolOutput, error)) error

		// StartWorkflow initiates a new workflow execution and returns a handle for
		// interacting with it. The workflow ID in req must be unique for the engine
		// instance. Returns an error if the workflow name is not registered, the ID
		// conflicts with a running workflow, or if scheduling fails.
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)

		// QueryRunStatus reports the current status of a previously started run.
		// Returns ErrWorkflowNotFound if the engine has no record of runID.
		QueryRunStatus(ctx context.Context, runID string) (RunStatus, error)
	}

	// Signaler is implemented by engines that support delivering signals to a
	// workflow by workflow/run ID without holding a live WorkflowHandle (e.g.,
	// a process restart after a workflow was started, or a signal raised from
	// an HTTP handler). Not every engine need implement it; callers type-assert.
	Signaler interface {
		SignalByID(ctx context.Context, workflowID, runID, name string, payload any) error
	}

	// WorkflowDefinition binds a workflow handler to a logical name and default queue.
	// Generated code creates these during agent registration.
	WorkflowDefinition struct {
		// Name is the logical identifier registered with the engine (e.g., "AgentWorkflow").
		Name string
		// TaskQueue is the default queue used when starting new workflows. Workers
		// subscribe to this queue to receive workflow tasks.
		TaskQueue string
		// Handler is the workflow function invoked by the engine when the workflow executes.
		Handler WorkflowFunc
	}

	// WorkflowFunc is the generated workflow entry point. It receives a WorkflowContext
	// and arbitrary input, returning a result or error. The function must be deterministic:
	// it should produce the same execution sequence given the same inputs and activity results.
	WorkflowFunc func(ctx WorkflowContext, input any) (any, error)

	// WorkflowContext exposes engine operations to workflow handlers within the
	// deterministic execution environment of a workflow. It wraps engine-specific
	// contexts (Temporal workflow.Context, in-memory contexts, etc.) and provides
	// a uniform API for activity execution, signal handling, child workflows, and
	// observability.
	//
	// Implementations must ensure deterministic replay: every operation that
	// interacts with the workflow engine must produce deterministic results when
	// replayed. Direct I/O, random number generation, or system time access
	// within workflows violates determinism and causes workflow failures.
	//
	// Thread-safety: WorkflowContext is bound to a single workflow execution and
	// must not be shared across goroutines. Operations are serialized by the
	// workflow engine.
	//
	// Lifecycle: Created by the engine when a workflow starts and remains valid
	// until the workflow completes or fails. Do not cache WorkflowContext outside
	// the workflow function scope.
	WorkflowContext interface {
		// Context returns the Go context for the workflow. In deterministic engines
		// (like Temporal), this is a special replay-aware context. Use this for activity
		// execution and cancellation propagation.
		Context() context.Context

		// WorkflowID returns the unique identifier for this workflow execution.
		WorkflowID() string

		// RunID returns the engine-assigned run identifier, used for observability
		// and run-level correlation.
		RunID() string

		// Detached returns a WorkflowContext whose Context() is no longer canceled
		// by the parent's cancellation, used for cleanup/finalization work that
		// must run even after the workflow has been asked to cancel.
		Detached() WorkflowContext

		// WithCancel returns a child WorkflowContext bound to a cancellable scope
		// along with a cancel function, used to bound speculative or best-effort
		// sub-operations (e.g., a grace period after a deadline).
		WithCancel() (WorkflowContext, func())

		// Now returns the current workflow time in a deterministic manner. Implementations
		// must return a time source that is replay-safe (e.g., Temporal's workflow.Now).
		Now() time.Time

		// NewTimer starts a durable timer that fires after d, replay-safe across
		// workflow history. Canceling ctx cancels the timer.
		NewTimer(ctx context.Context, d time.Duration) (Future[time.Time], error)

		// Await blocks, in a replay-safe manner, until condition returns true or ctx
		// is canceled. Used to wait on local workflow state changed by signal handlers.
		Await(ctx context.Context, condition func() bool) error

		// SetQueryHandler registers a query handler invoked by out-of-band QueryRunStatus-style
		// introspection. handler must be a function; its signature is engine-specific.
		SetQueryHandler(name string, handler any) error

		// StartChildWorkflow starts a child workflow execution and returns a handle.
		StartChildWorkflow(ctx context.Context, req ChildWorkflowRequest) (ChildWorkflowHandle, error)

		// PublishHook schedules the hook-delivery activity for a single lifecycle event.
		PublishHook(ctx context.Context, call HookActivityCall) error

		// ExecutePlannerActivity schedules a planner turn and waits for its result.
		ExecutePlannerActivity(ctx context.Context, call PlannerActivityCall) (*api.PlanActivityOutput, error)

		// ExecuteToolActivity schedules a single tool execution and waits for its result.
		ExecuteToolActivity(ctx context.Context, call ToolActivityCall) (*api.ToolOutput, error)

		// ExecuteToolActivityAsync schedules a tool execution without blocking, returning
		// a Future that resolves once the activity completes. Used to run a batch of
		// tool calls concurrently.
		ExecuteToolActivityAsync(ctx context.Context, call ToolActivityCall) (Future[*api.ToolOutput], error)

		// PauseRequests returns the receiver for pause signals delivered to this run.
		PauseRequests() Receiver[*api.PauseRequest]

		// ResumeRequests returns the receiver for resume signals delivered to this run.
		ResumeRequests() Receiver[*api.ResumeRequest]

		// ClarificationAnswers returns the receiver for clarification answers delivered
		// in response to an await-clarification pause.
		ClarificationAnswers() Receiver[*api.ClarificationAnswer]

		// ExternalToolResults returns the receiver for externally-fulfilled tool results
		// delivered in response to an await-external-tools pause.
		ExternalToolResults() Receiver[*api.ToolResultsSet]

		// ConfirmationDecisions returns the receiver for human confirmation decisions
		// delivered in response to a tool-confirmation gate.
		ConfirmationDecisions() Receiver[*api.ConfirmationDecision]
	}

	// Future represents a pending result of type T that becomes available after
	// an asynchronously-scheduled operation (activity, timer) completes.
	//
	// Thread-safety: Futures are bound to a single workflow execution and must not
	// be shared across workflow executions. Calling Get() multiple times is safe
	// and returns the same result/error on each call.
	Future[T any] interface {
		// Get blocks until the operation completes and returns its value or error.
		Get(ctx context.Context) (T, error)

		// IsReady returns true if the operation has completed (success or failure)
		// and Get() will not block.
		IsReady() bool
	}

	// Receiver exposes a deterministic signal-delivery channel of values of type T.
	// Implementations wrap engine-specific signal channels (Temporal signal channels,
	// in-process Go channels, etc.).
	Receiver[T any] interface {
		// Receive blocks until a value is delivered or ctx is canceled.
		Receive(ctx context.Context) (T, error)
		// ReceiveWithTimeout blocks until a value is delivered or timeout elapses.
		// A zero timeout blocks indefinitely (subject to ctx).
		ReceiveWithTimeout(ctx context.Context, timeout time.Duration) (T, error)
		// ReceiveAsync returns immediately with the next buffered value, if any.
		ReceiveAsync() (T, bool)
	}

	// ChildWorkflowHandle allows a parent workflow to interact with a child
	// workflow it started via StartChildWorkflow.
	ChildWorkflowHandle interface {
		// Get blocks until the child workflow completes and returns its output.
		Get(ctx context.Context) (*api.RunOutput, error)
		// IsReady reports whether Get will return without blocking.
		IsReady() bool
		// Cancel requests cancellation of the child workflow.
		Cancel(ctx context.Context) error
		// RunID returns the child workflow's engine-assigned run identifier.
		RunID() string
	}

	// ChildWorkflowRequest describes how to start a child workflow execution from
	// within a parent workflow.
	ChildWorkflowRequest struct {
		// ID is the child workflow identifier, unique within the engine scope.
		ID string
		// Workflow names the registered workflow definition to execute.
		Workflow string
		// TaskQueue selects the queue to schedule the child workflow on. Empty
		// inherits the parent's task queue.
		TaskQueue string
		// Input is the payload passed to the child workflow handler.
		Input any
		// RunTimeout bounds the child workflow's total execution time. Zero means
		// no timeout beyond the parent's own deadline.
		RunTimeout time.Duration
		// RetryPolicy controls automatic restarts of the child workflow start
		// attempt if scheduling fails.
		RetryPolicy RetryPolicy
	}

	// HookActivityCall schedules delivery of a single lifecycle hook event.
	HookActivityCall struct {
		Name    string
		Input   *api.HookActivityInput
		Options ActivityOptions
	}

	// PlannerActivityCall schedules a planner turn (PlanStart or PlanResume).
	PlannerActivityCall struct {
		Name    string
		Input   *api.PlanActivityInput
		Options ActivityOptions
	}

	// ToolActivityCall schedules execution of a single tool call.
	ToolActivityCall struct {
		Name    string
		Input   *api.ToolInput
		Options ActivityOptions
	}

	// ActivityOptions configures retry and timeouts for an activity.
	ActivityOptions struct {
		// Queue overrides the default activity queue. If empty, the activity inherits
		// the workflow's task queue.
		Queue string
		// RetryPolicy controls retry behavior for this activity. If zero-valued, the
		// engine uses its default retry policy.
		RetryPolicy RetryPolicy
		// Timeout bounds the total activity execution time, including retries. Zero
		// means no timeout (not recommended for production).
		Timeout time.Duration
	}

	// WorkflowStartRequest describes how to launch a workflow execution. Generated
	// code constructs these when agents are invoked.
	WorkflowStartRequest struct {
		// ID is the workflow identifier, which must be unique within the engine scope.
		// Typically derived from the agent ID and a UUID.
		ID string
		// Workflow names the registered workflow definition to execute. Engines that
		// support multiple workflows (one per agent) require this field.
		Workflow string
		// TaskQueue selects the queue to schedule the workflow on. Workers listening
		// on this queue will pick up the workflow.
		TaskQueue string
		// Input is the payload passed to the workflow handler (e.g., RunInput).
		Input any
		// RunTimeout bounds the workflow's total execution time. Zero means no
		// engine-enforced ceiling beyond the workflow's own policy deadlines.
		RunTimeout time.Duration
		// Memo stores small diagnostic payloads alongside the workflow execution.
		// Engines like Temporal persist these for queries/visibility. Nil means no memo.
		Memo map[string]any
		// SearchAttributes captures indexed metadata used for visibility queries.
		// Nil means no attributes are set.
		SearchAttributes map[string]any
		// RetryPolicy controls automatic restarts of the workflow start attempt if
		// scheduling fails. Not to be confused with activity retries.
		RetryPolicy RetryPolicy
	}

	// WorkflowHandle allows callers to interact with a running workflow. Returned
	// by Engine.StartWorkflow, it provides methods to wait for completion, send
	// signals, or cancel execution.
	WorkflowHandle interface {
		// Wait blocks until the workflow completes and returns its output. Returns
		// an error if the workflow fails, is cancelled, or if decoding the result fails.
		Wait(ctx context.Context) (*api.RunOutput, error)

		// Signal sends an asynchronous message to the workflow. The workflow can listen
		// for signals using engine-specific APIs. Returns an error if the signal cannot
		// be delivered (e.g., workflow already completed).
		Signal(ctx context.Context, name string, payload any) error

		// Cancel requests cancellation of the workflow. The workflow's context will be
		// cancelled, and in-flight activities may be cancelled depending on the engine.
		// Returns an error if cancellation fails.
		Cancel(ctx context.Context) error
	}

	// RetryPolicy defines retry semantics shared by workflows and activities.
	// Zero-valued fields mean the engine uses its defaults.
	RetryPolicy struct {
		// MaxAttempts caps the total number of retry attempts. Zero means unlimited retries.
		MaxAttempts int
		// InitialInterval is the delay before the first retry. Zero means use engine default.
		InitialInterval time.Duration
		// BackoffCoefficient multiplies the delay after each retry. Values < 1 are treated
		// as 1 (constant backoff). A value of 2 provides exponential backoff.
		BackoffCoefficient float64
	}
)
