package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	tools "github.com/agentrtcore/runtime/tool"
)

// Embedder produces a deterministic vector embedding for a string. The same
// interface shape as memory/vecmem.Embedder; kept package-local so this
// package does not need to import memory/vecmem for a one-method contract.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type toolEntry struct {
	spec       tools.ToolSpec
	meta       tools.Metadata
	descriptor string
	embedding  []float32
	schema     *jsonschema.Schema

	mu          sync.Mutex
	successEMA  float64
	hasOutcomes bool
}

// Registry stores registered tool specs and metadata, and embeds each
// tool's descriptive surface for the Intelligent Selector (SPEC_FULL.md
// §4.5, step 1). Grounded on the teacher's `runtime/registry.Manager`
// registration bookkeeping, generalized from MCP catalog federation to a
// single in-process tool catalog.
type Registry struct {
	mu       sync.RWMutex
	tools    map[tools.Ident]*toolEntry
	embedder Embedder
	cache    *MemoryCache[[]float32]
	obs      *Observability
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithEmbeddingCache installs a TTL cache for tool descriptor embeddings so
// Register does not re-embed an unchanged descriptor on every call.
func WithEmbeddingCache(ttl time.Duration) RegistryOption {
	return func(r *Registry) {
		r.cache = NewMemoryCache[[]float32]()
		_ = ttl // stored per-entry at Set time, see registerLocked
	}
}

// WithObservability attaches structured logging/metrics/tracing.
func WithObservability(obs *Observability) RegistryOption {
	return func(r *Registry) { r.obs = obs }
}

// NewRegistry constructs a Registry. embedder is required; it computes the
// vector used for semantic ranking in Select.
func NewRegistry(embedder Embedder, opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:    make(map[tools.Ident]*toolEntry),
		embedder: embedder,
		obs:      NewObservability(nil, nil, nil),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func descriptorFor(spec tools.ToolSpec) string {
	var b strings.Builder
	b.WriteString(string(spec.Name))
	b.WriteString(". ")
	b.WriteString(spec.Description)
	if len(spec.Tags) > 0 {
		b.WriteString(" tags: ")
		b.WriteString(strings.Join(spec.Tags, ", "))
	}
	if len(spec.Payload.ExampleJSON) > 0 {
		b.WriteString(" example: ")
		b.Write(bytes.TrimSpace(spec.Payload.ExampleJSON))
	}
	return b.String()
}

// Register compiles the tool's payload schema (if present) and embeds its
// descriptive surface (name + description + tags + example), per
// SPEC_FULL.md §4.5 step 1. Re-registering the same tool id overwrites the
// prior entry.
func (r *Registry) Register(ctx context.Context, spec tools.ToolSpec, meta tools.Metadata) error {
	start := time.Now()
	ctx, span := r.obs.StartSpan(ctx, OpRegister)
	var outcome OperationOutcome
	var opErr error
	defer func() {
		r.obs.LogOperation(ctx, OperationEvent{Operation: OpRegister, ToolID: string(spec.Name), Duration: time.Since(start), Outcome: outcome, Error: errString(opErr)})
		r.obs.RecordOperationMetrics(OperationEvent{Operation: OpRegister, Outcome: outcome, Duration: time.Since(start)})
		r.obs.EndSpan(span, outcome, opErr)
	}()

	if spec.Name == "" {
		outcome = OutcomeError
		opErr = fmt.Errorf("registry: tool name is required")
		return opErr
	}

	var compiled *jsonschema.Schema
	if len(spec.Payload.Schema) > 0 {
		c, err := compileSchema(spec.Name, spec.Payload.Schema)
		if err != nil {
			outcome = OutcomeError
			opErr = fmt.Errorf("registry: compile schema for %q: %w", spec.Name, err)
			return opErr
		}
		compiled = c
	}

	descriptor := descriptorFor(spec)
	embedding, err := r.embed(ctx, descriptor)
	if err != nil {
		outcome = OutcomeError
		opErr = fmt.Errorf("registry: embed descriptor for %q: %w", spec.Name, err)
		return opErr
	}

	entry := &toolEntry{spec: spec, meta: meta, descriptor: descriptor, embedding: embedding, schema: compiled, successEMA: meta.RecentSuccessRate}
	r.mu.Lock()
	r.tools[spec.Name] = entry
	r.mu.Unlock()
	outcome = OutcomeSuccess
	return nil
}

func (r *Registry) embed(ctx context.Context, text string) ([]float32, error) {
	if r.cache != nil {
		if v, ok := r.cache.Get(ctx, text); ok {
			return v, nil
		}
	}
	v, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		_ = r.cache.Set(ctx, text, v, time.Hour)
	}
	return v, nil
}

func compileSchema(name tools.Ident, raw []byte) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	url := "mem://" + string(name) + ".schema.json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// Unregister removes a tool from the registry.
func (r *Registry) Unregister(id tools.Ident) {
	r.mu.Lock()
	delete(r.tools, id)
	r.mu.Unlock()
}

// Get returns the spec and metadata for id.
func (r *Registry) Get(id tools.Ident) (tools.ToolSpec, tools.Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[id]
	if !ok {
		return tools.ToolSpec{}, tools.Metadata{}, false
	}
	return e.spec, e.meta, true
}

// Metadata satisfies pipeline.SpecLookup.
func (r *Registry) Metadata(id tools.Ident) (tools.Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[id]
	if !ok {
		return tools.Metadata{}, false
	}
	return e.meta, true
}

// List returns every registered tool id.
func (r *Registry) List() []tools.Ident {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]tools.Ident, 0, len(r.tools))
	for id := range r.tools {
		ids = append(ids, id)
	}
	return ids
}

// ValidatePayload validates payload against the tool's declared JSON
// schema, if one was compiled at Register time. Tools with no schema always
// validate.
func (r *Registry) ValidatePayload(ctx context.Context, id tools.Ident, payload []byte) error {
	start := time.Now()
	ctx, span := r.obs.StartSpan(ctx, OpValidatePayload)
	var outcome OperationOutcome
	var opErr error
	defer func() {
		r.obs.LogOperation(ctx, OperationEvent{Operation: OpValidatePayload, ToolID: string(id), Duration: time.Since(start), Outcome: outcome, Error: errString(opErr)})
		r.obs.EndSpan(span, outcome, opErr)
	}()

	r.mu.RLock()
	e, ok := r.tools[id]
	r.mu.RUnlock()
	if !ok {
		outcome = OutcomeError
		opErr = fmt.Errorf("registry: unknown tool %q", id)
		return opErr
	}
	if e.schema == nil {
		outcome = OutcomeSuccess
		return nil
	}

	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		outcome = OutcomeError
		opErr = fmt.Errorf("registry: invalid payload JSON for %q: %w", id, err)
		return opErr
	}
	if err := e.schema.Validate(doc); err != nil {
		outcome = OutcomeError
		opErr = fmt.Errorf("registry: payload for %q violates schema: %w", id, err)
		return opErr
	}
	outcome = OutcomeSuccess
	return nil
}

// RecordOutcome updates the tool's rolling success rate with an exponential
// moving average, consumed by the Intelligent Selector's "recent success
// rate" policy factor (SPEC_FULL.md §4.5).
func (r *Registry) RecordOutcome(id tools.Ident, success bool) {
	r.mu.RLock()
	e, ok := r.tools[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	const alpha = 0.2
	obs := 0.0
	if success {
		obs = 1.0
	}
	e.mu.Lock()
	if !e.hasOutcomes {
		e.successEMA = obs
		e.hasOutcomes = true
	} else {
		e.successEMA = alpha*obs + (1-alpha)*e.successEMA
	}
	e.meta.RecentSuccessRate = e.successEMA
	e.mu.Unlock()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
