// Package pipeline implements the Execution Pipeline of SPEC_FULL.md §4.8:
// it executes a single tool invocation under a named strategy, honoring the
// security, resource, and reliability contracts shared with the Resource
// Manager (resource package) and Circuit Breaker Set (breaker package).
//
// Grounded on the worker/retry shape of the teacher's
// runtime/toolregistry/executor package (now superseded: the teacher's
// executor routed calls through a registry gateway over Pulse streams, a
// transport concern this pipeline has no use for) and on
// github.com/cenkalti/backoff/v4 and golang.org/x/time/rate for the retry
// and throttling strategies respectively.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/agentrtcore/runtime/breaker"
	"github.com/agentrtcore/runtime/resource"
	tools "github.com/agentrtcore/runtime/tool"
)

// Strategy selects how a tool invocation is executed, per SPEC_FULL.md §4.8.
type Strategy int

const (
	Direct Strategy = iota
	RetryWithBackoff
	ParallelFastest
	SequentialFallback
	CircuitBreakerProtected
	ResourceThrottled
)

func (s Strategy) String() string {
	switch s {
	case Direct:
		return "direct"
	case RetryWithBackoff:
		return "retry_with_backoff"
	case ParallelFastest:
		return "parallel_fastest"
	case SequentialFallback:
		return "sequential_fallback"
	case CircuitBreakerProtected:
		return "circuit_breaker_protected"
	case ResourceThrottled:
		return "resource_throttled"
	default:
		return "unknown"
	}
}

// ErrorCategory classifies a failure for retry eligibility, matching the
// Transient/Permanent split of SPEC_FULL.md §7.
type ErrorCategory int

const (
	CategoryPermanent ErrorCategory = iota
	CategoryTimeout
	CategoryResourceTemporary
	CategoryNetwork
)

// Classifier inspects an error from a tool call and reports its category.
// The default classifier treats context.DeadlineExceeded as Timeout and
// everything else as Permanent; callers wire a richer classifier when their
// transport distinguishes network/resource errors.
type Classifier func(err error) ErrorCategory

func defaultClassifier(err error) ErrorCategory {
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	return CategoryPermanent
}

func (c ErrorCategory) retryable() bool {
	return c == CategoryTimeout || c == CategoryResourceTemporary || c == CategoryNetwork
}

var (
	// ErrSecurityCeiling is returned when a tool's declared security level
	// exceeds the caller's context ceiling.
	ErrSecurityCeiling = errors.New("pipeline: tool security level exceeds context ceiling")
	// ErrNoCandidates is returned by ParallelFastest/SequentialFallback when
	// given an empty candidate list.
	ErrNoCandidates = errors.New("pipeline: no candidates supplied")
)

// Invocation names the single tool and payload a Direct/RetryWithBackoff/
// CircuitBreakerProtected/ResourceThrottled call executes.
type Invocation struct {
	ToolID          tools.Ident
	Payload         []byte
	SessionID       string
	SecurityCeiling tools.SecurityLevel
}

// Invoker performs the actual tool call. Implementations wrap whatever
// transport a deployment uses (in-process function, activity call, RPC);
// the pipeline itself is transport-agnostic.
type Invoker func(ctx context.Context, toolID tools.Ident, payload []byte) ([]byte, error)

// SpecLookup resolves declared tool metadata for pre-execution checks and
// resource sizing.
type SpecLookup interface {
	Metadata(toolID tools.Ident) (tools.Metadata, bool)
}

// Observer receives step lifecycle notifications. Implementations typically
// bridge into the event bus; the pipeline package itself stays decoupled
// from any specific Event type.
type Observer interface {
	StepStarted(ctx context.Context, toolID tools.Ident, strategy Strategy)
	StepCompleted(ctx context.Context, toolID tools.Ident, strategy Strategy, attempts int, duration time.Duration, err error)
}

type noopObserver struct{}

func (noopObserver) StepStarted(context.Context, tools.Ident, Strategy)                             {}
func (noopObserver) StepCompleted(context.Context, tools.Ident, Strategy, int, time.Duration, error) {}

// RetryPolicy configures RetryWithBackoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay == 0 {
		p.BaseDelay = 200 * time.Millisecond
	}
	if p.Multiplier == 0 {
		p.Multiplier = 2
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = 10 * time.Second
	}
	return p
}

// Outcome is the post-execution contract of SPEC_FULL.md §4.8: it records
// the outcome, which strategy ran, how many attempts it took, and resource
// peak figures observed during execution.
type Outcome struct {
	Result       []byte
	StrategyUsed Strategy
	Attempts     int
	Err          error
	ResourcePeak resource.Stats
}

// Pipeline executes tool invocations under a chosen strategy.
type Pipeline struct {
	invoke     Invoker
	specs      SpecLookup
	breakers   *breaker.Set
	resources  *resource.Manager
	classify   Classifier
	observer   Observer
	limiter    *rate.Limiter
	retry      RetryPolicy
}

// Option configures a Pipeline at construction.
type Option func(*Pipeline)

func WithClassifier(c Classifier) Option { return func(p *Pipeline) { p.classify = c } }
func WithObserver(o Observer) Option     { return func(p *Pipeline) { p.observer = o } }
func WithRetryPolicy(r RetryPolicy) Option {
	return func(p *Pipeline) { p.retry = r.withDefaults() }
}

// WithThrottleLimiter installs the golang.org/x/time/rate limiter consulted
// by ResourceThrottled to decide how long to delay before executing Direct.
func WithThrottleLimiter(limiter *rate.Limiter) Option {
	return func(p *Pipeline) { p.limiter = limiter }
}

// New constructs a Pipeline. breakers and resources may be nil to disable
// CircuitBreakerProtected/ResourceThrottled admission respectively (callers
// get a clear error if they select a strategy without its dependency).
func New(invoke Invoker, specs SpecLookup, breakers *breaker.Set, resources *resource.Manager, opts ...Option) *Pipeline {
	p := &Pipeline{
		invoke:    invoke,
		specs:     specs,
		breakers:  breakers,
		resources: resources,
		classify:  defaultClassifier,
		observer:  noopObserver{},
		retry:     RetryPolicy{}.withDefaults(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// preflight validates the security ceiling and acquires a resource guard
// sized from the tool's declared requirements, per §4.8's pre-execution
// checks. The caller is responsible for releasing the returned guard.
func (p *Pipeline) preflight(ctx context.Context, inv Invocation) (*resource.Guard, error) {
	meta, ok := p.specs.Metadata(inv.ToolID)
	if !ok {
		return nil, fmt.Errorf("pipeline: unknown tool %q", inv.ToolID)
	}
	if meta.SecurityLevel > inv.SecurityCeiling {
		return nil, fmt.Errorf("%w: tool %q requires %s, context allows %s", ErrSecurityCeiling, inv.ToolID, meta.SecurityLevel, inv.SecurityCeiling)
	}
	if p.resources == nil {
		return nil, nil
	}
	cores := int64(meta.Resources.CPUCores)
	if cores <= 0 {
		cores = 1
	}
	var deadline time.Time
	if meta.Resources.MaxExecutionTime > 0 {
		deadline = time.Now().Add(meta.Resources.MaxExecutionTime)
	}
	return p.resources.Allocate(ctx, resource.Allocation{
		ToolID:    string(inv.ToolID),
		SessionID: inv.SessionID,
		MemoryMB:  int64(meta.Resources.MemoryMB),
		CPUCores:  cores,
		Deadline:  deadline,
	})
}

func (p *Pipeline) callOnce(ctx context.Context, inv Invocation) ([]byte, resource.Stats, error) {
	guard, err := p.preflight(ctx, inv)
	if err != nil {
		return nil, resource.Stats{}, err
	}
	if guard != nil {
		defer guard.Release()
	}
	out, err := p.invoke(ctx, inv.ToolID, inv.Payload)
	var stats resource.Stats
	if p.resources != nil {
		stats = p.resources.Stats()
	}
	return out, stats, err
}

// Execute runs inv under strategy. candidates is only consulted by
// ParallelFastest/SequentialFallback, where it ranks alternative tool ids to
// try against the same payload (as produced by the Intelligent Selector);
// other strategies ignore it.
func (p *Pipeline) Execute(ctx context.Context, strategy Strategy, inv Invocation, candidates []tools.Ident) Outcome {
	start := time.Now()
	p.observer.StepStarted(ctx, inv.ToolID, strategy)

	var out Outcome
	switch strategy {
	case Direct:
		out = p.direct(ctx, inv)
	case RetryWithBackoff:
		out = p.retryWithBackoff(ctx, inv)
	case ParallelFastest:
		out = p.parallelFastest(ctx, inv, candidates)
	case SequentialFallback:
		out = p.sequentialFallback(ctx, inv, candidates)
	case CircuitBreakerProtected:
		out = p.circuitBreakerProtected(ctx, inv)
	case ResourceThrottled:
		out = p.resourceThrottled(ctx, inv)
	default:
		out = Outcome{Err: fmt.Errorf("pipeline: unknown strategy %v", strategy)}
	}
	out.StrategyUsed = strategy
	if out.Attempts == 0 {
		out.Attempts = 1
	}
	p.observer.StepCompleted(ctx, inv.ToolID, strategy, out.Attempts, time.Since(start), out.Err)
	return out
}

func (p *Pipeline) direct(ctx context.Context, inv Invocation) Outcome {
	result, stats, err := p.callOnce(ctx, inv)
	return Outcome{Result: result, Err: err, ResourcePeak: stats}
}

// retryWithBackoff retries up to MaxAttempts times with exponential backoff
// and +-25% jitter, only for transient error categories, per §4.8.
// cenkalti/backoff/v4 provides the exponential sequence and cap; the
// transient-only gate and attempt counting are layered on top since the
// library's own retry loop (backoff.Retry) has no notion of error category.
func (p *Pipeline) retryWithBackoff(ctx context.Context, inv Invocation) Outcome {
	policy := p.retry
	var lastErr error
	var lastResult []byte
	var lastStats resource.Stats
	attempts := 0

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.BaseDelay
	bo.Multiplier = policy.Multiplier
	bo.MaxInterval = policy.MaxDelay
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = 0 // jitter is applied separately below, per spec's +-25% contract
	bo.Reset()

	for attempts < policy.MaxAttempts {
		attempts++
		result, stats, err := p.callOnce(ctx, inv)
		lastResult, lastStats, lastErr = result, stats, err
		if err == nil {
			return Outcome{Result: result, Attempts: attempts, ResourcePeak: stats}
		}
		if !p.classify(err).retryable() {
			break
		}
		if attempts >= policy.MaxAttempts {
			break
		}
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		jitter := 1 + (rand.Float64()*0.5 - 0.25) // +-25%
		select {
		case <-time.After(time.Duration(float64(delay) * jitter)):
		case <-ctx.Done():
			lastErr = ctx.Err()
			return Outcome{Attempts: attempts, Err: lastErr}
		}
	}
	return Outcome{Result: lastResult, Attempts: attempts, Err: lastErr, ResourcePeak: lastStats}
}

// parallelFastest starts the top-M candidates concurrently and returns the
// first success, cancelling the rest. If all fail, the last error observed
// is returned, per §4.8.
func (p *Pipeline) parallelFastest(ctx context.Context, inv Invocation, candidates []tools.Ident) Outcome {
	if len(candidates) == 0 {
		return Outcome{Err: ErrNoCandidates}
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type attempt struct {
		result []byte
		stats  resource.Stats
		err    error
	}
	results := make(chan attempt, len(candidates))
	for _, id := range candidates {
		go func(id tools.Ident) {
			candidateInv := inv
			candidateInv.ToolID = id
			result, stats, err := p.callOnce(runCtx, candidateInv)
			results <- attempt{result: result, stats: stats, err: err}
		}(id)
	}

	var lastErr error
	for i := 0; i < len(candidates); i++ {
		a := <-results
		if a.err == nil {
			cancel()
			return Outcome{Result: a.result, Attempts: i + 1, ResourcePeak: a.stats}
		}
		lastErr = a.err
	}
	return Outcome{Attempts: len(candidates), Err: lastErr}
}

// sequentialFallback tries candidates in rank order, returning on first
// success or the last error on exhaustion, per §4.8.
func (p *Pipeline) sequentialFallback(ctx context.Context, inv Invocation, candidates []tools.Ident) Outcome {
	if len(candidates) == 0 {
		return Outcome{Err: ErrNoCandidates}
	}
	var lastErr error
	var lastStats resource.Stats
	for i, id := range candidates {
		candidateInv := inv
		candidateInv.ToolID = id
		result, stats, err := p.callOnce(ctx, candidateInv)
		if err == nil {
			return Outcome{Result: result, Attempts: i + 1, ResourcePeak: stats}
		}
		lastErr, lastStats = err, stats
	}
	return Outcome{Attempts: len(candidates), Err: lastErr, ResourcePeak: lastStats}
}

// circuitBreakerProtected consults the tool's breaker before executing and
// reports the result back to it, per §4.8 and §4.7.
func (p *Pipeline) circuitBreakerProtected(ctx context.Context, inv Invocation) Outcome {
	if p.breakers == nil {
		return Outcome{Err: errors.New("pipeline: circuit breaker protected strategy requires a breaker.Set")}
	}
	result, err := p.breakers.Call(ctx, string(inv.ToolID), func(ctx context.Context) (any, error) {
		out, _, err := p.callOnce(ctx, inv)
		return out, err
	})
	if errors.Is(err, breaker.ErrOpen) {
		return Outcome{Err: err}
	}
	if err != nil {
		return Outcome{Err: err}
	}
	out, _ := result.([]byte)
	return Outcome{Result: out}
}

// resourceThrottled inspects global pressure via the rate limiter's current
// reservation delay and waits proportionally before executing Direct, per
// §4.8.
func (p *Pipeline) resourceThrottled(ctx context.Context, inv Invocation) Outcome {
	if p.limiter != nil {
		reservation := p.limiter.Reserve()
		if !reservation.OK() {
			return Outcome{Err: errors.New("pipeline: resource throttle limiter cannot satisfy request")}
		}
		delay := reservation.Delay()
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				reservation.Cancel()
				return Outcome{Err: ctx.Err()}
			}
		}
	}
	return p.direct(ctx, inv)
}
