// Package policy evaluates which tools remain available to the Agent
// Orchestrator on each workflow turn. Engines enforce call-count and
// consecutive-failure caps, honor Execution Pipeline retry hints, and can
// be combined with Resource Manager admission decisions to circuit-break a
// run before it exhausts its budget.
package policy

import (
	"context"
	"time"

	"github.com/agentrtcore/runtime/tool"
)

type (
	// Engine decides which tools remain available to the planner on each
	// turn. The Orchestrator invokes it before every plan/resume step to
	// compute the allowlist and refresh caps. Implementations can consult
	// retry hints, track failure streaks, call out to external approval
	// systems, or apply static allow/block rules.
	Engine interface {
		// Decide evaluates policy constraints and returns this turn's
		// decision. An error here is treated as fatal and aborts the
		// workflow, so implementations should stay fast and side-effect
		// free on the common path.
		Decide(ctx context.Context, input Input) (Decision, error)
	}

	// Input groups everything the policy engine needs to make a decision.
	// The Orchestrator assembles this before each planner invocation.
	Input struct {
		// WorkflowID identifies the run this decision applies to.
		WorkflowID string
		// Tools lists every candidate tool the workflow definition and
		// Tool Registry registration make available; Decide filters this
		// down to the turn's allowlist.
		Tools []ToolMetadata
		// RetryHint carries Execution Pipeline guidance after a tool
		// failure (disable the tool, restrict to it, tighten caps). Nil
		// when no hint applies.
		RetryHint *RetryHint
		// RemainingCaps reflects the budgets still available to the run.
		RemainingCaps CapsState
		// Requested enumerates tools explicitly requested by the caller
		// or a prior planner turn.
		Requested []ToolHandle
		// Labels carries arbitrary routing metadata (environment, tenant
		// tier) propagated from the workflow context.
		Labels map[string]string
	}

	// Decision captures the outcome of a policy evaluation. The
	// Orchestrator applies it before invoking the planner: tool calls
	// outside AllowedTools are rejected at admission, and DisableTools
	// forces the run toward a terminal response.
	Decision struct {
		// AllowedTools is the allowlist enforced for this turn. Empty
		// means no tool calls are permitted.
		AllowedTools []ToolHandle
		// Caps carries the budgets to enforce for this turn onward.
		Caps CapsState
		// DisableTools, when true, forces the run to a terminal response
		// instead of further tool calls — used for circuit breaking or
		// budget exhaustion.
		DisableTools bool
		// Labels annotate downstream telemetry and event bus records.
		Labels map[string]string
		// Metadata captures engine-specific detail (reason codes, breaker
		// state) kept for audit trails.
		Metadata map[string]any
	}

	// ToolMetadata describes a candidate tool as seen by the policy
	// engine, sourced from the Tool Registry.
	ToolMetadata struct {
		ID          tool.Ident
		Name        string
		Description string
		Tags        []string
	}

	// ToolHandle references a tool by its fully qualified identifier
	// without carrying full metadata.
	ToolHandle struct {
		ID tool.Ident
	}

	// CapsState tracks the execution budgets remaining for a run. The
	// Orchestrator decrements these as tool calls execute and failures
	// accumulate; exhaustion terminates the workflow.
	CapsState struct {
		// MaxToolCalls is the total allowed tool invocations; zero means
		// unlimited.
		MaxToolCalls int
		// RemainingToolCalls tracks how many invocations remain.
		RemainingToolCalls int
		// MaxConsecutiveFailedToolCalls caps consecutive failures before
		// the run circuit-breaks; zero means unlimited.
		MaxConsecutiveFailedToolCalls int
		// RemainingConsecutiveFailedToolCalls resets to
		// MaxConsecutiveFailedToolCalls on success and decrements on
		// failure.
		RemainingConsecutiveFailedToolCalls int
		// ExpiresAt is the wall-clock deadline after which the run is
		// terminated; zero means no deadline.
		ExpiresAt time.Time
	}
)

// RetryReason categorizes the Execution Pipeline failure communicated via
// RetryHint.
type RetryReason string

const (
	RetryReasonInvalidArguments  RetryReason = "invalid_arguments"
	RetryReasonMissingFields     RetryReason = "missing_fields"
	RetryReasonMalformedResponse RetryReason = "malformed_response"
	RetryReasonTimeout           RetryReason = "timeout"
	RetryReasonRateLimited       RetryReason = "rate_limited"
	RetryReasonToolUnavailable   RetryReason = "tool_unavailable"
)

// RetryHint communicates Execution Pipeline guidance after a tool failure so
// the policy engine can narrow allowlists or tighten caps on the next turn.
type RetryHint struct {
	Reason             RetryReason
	Tool               tool.Ident
	RestrictToTool     bool
	MissingFields      []string
	ExampleInput       map[string]any
	PriorInput         map[string]any
	ClarifyingQuestion string
	Message            string
}
