// Package agent provides the strong identifier and result-shaping types
// shared across the Agent Orchestrator, Tool Registry, and Execution
// Pipeline. It has no dependencies on any of those packages so every layer
// can depend on it without import cycles.
package agent

import "context"

// Ident is the strong type for a fully qualified agent identifier (e.g.,
// "service.agent"). Use it when referencing agents in maps or APIs to avoid
// accidentally mixing free-form strings across unrelated domains.
type Ident string

// Bounds describes how a tool or memory query result has been bounded
// relative to the full underlying data set. It is a small, provider-agnostic
// contract so callers can surface truncation metadata without inspecting
// tool-specific or query-specific result fields.
type Bounds struct {
	// Returned reports how many items are present in the bounded view.
	Returned int
	// Total, when non-nil, reports the best-effort total before truncation.
	Total *int
	// Truncated indicates whether any caps were applied (length, window, depth).
	Truncated bool
	// RefinementHint offers short guidance on how to narrow the query when
	// Truncated is true.
	RefinementHint string
}

// BoundedResult is implemented by result types that expose boundedness
// metadata directly. Orchestrator code prefers this over heuristic field
// inspection when a decoded result implements it.
type BoundedResult interface {
	Bounds() Bounds
}

// Client is a simplified interface for invoking an agent as a tool. It
// abstracts session management and message typing so callers outside the
// Orchestrator (adapters, inline agent-as-tool execution) can drive a run
// without depending on the full workflow engine surface.
type Client interface {
	// Run executes the agent with the provided input and returns its output.
	Run(ctx context.Context, messages []any) (any, error)
}
