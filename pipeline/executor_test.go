package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrtcore/runtime/breaker"
	"github.com/agentrtcore/runtime/resource"
	tools "github.com/agentrtcore/runtime/tool"
)

type fakeSpecs struct {
	meta map[tools.Ident]tools.Metadata
}

func (f *fakeSpecs) Metadata(id tools.Ident) (tools.Metadata, bool) {
	m, ok := f.meta[id]
	return m, ok
}

func newFakeSpecs(ids ...tools.Ident) *fakeSpecs {
	meta := make(map[tools.Ident]tools.Metadata, len(ids))
	for _, id := range ids {
		meta[id] = tools.Metadata{
			Name:          id,
			SecurityLevel: tools.SecuritySafe,
			Resources:     tools.ResourceRequirements{MemoryMB: 16, CPUCores: 1},
		}
	}
	return &fakeSpecs{meta: meta}
}

func TestPipelineDirectSuccess(t *testing.T) {
	specs := newFakeSpecs("echo")
	invoke := func(ctx context.Context, id tools.Ident, payload []byte) ([]byte, error) {
		return append([]byte("ok:"), payload...), nil
	}
	p := New(invoke, specs, nil, nil)

	out := p.Execute(context.Background(), Direct, Invocation{ToolID: "echo", Payload: []byte("hi")}, nil)
	require.NoError(t, out.Err)
	assert.Equal(t, "ok:hi", string(out.Result))
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, Direct, out.StrategyUsed)
}

func TestPipelineDirectRejectsSecurityCeiling(t *testing.T) {
	specs := &fakeSpecs{meta: map[tools.Ident]tools.Metadata{
		"danger": {Name: "danger", SecurityLevel: tools.SecurityCritical},
	}}
	invoke := func(ctx context.Context, id tools.Ident, payload []byte) ([]byte, error) {
		t.Fatal("invoke should not be called when the security ceiling is exceeded")
		return nil, nil
	}
	p := New(invoke, specs, nil, nil)

	out := p.Execute(context.Background(), Direct, Invocation{
		ToolID:          "danger",
		SecurityCeiling: tools.SecurityLowRisk,
	}, nil)
	require.Error(t, out.Err)
	assert.ErrorIs(t, out.Err, ErrSecurityCeiling)
}

func TestPipelineRetryWithBackoffRetriesTransientErrors(t *testing.T) {
	specs := newFakeSpecs("flaky")
	attempts := 0
	invoke := func(ctx context.Context, id tools.Ident, payload []byte) ([]byte, error) {
		attempts++
		if attempts < 3 {
			return nil, context.DeadlineExceeded
		}
		return []byte("done"), nil
	}
	p := New(invoke, specs, nil, nil, WithRetryPolicy(RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		Multiplier:  2,
		MaxDelay:    10 * time.Millisecond,
	}))

	out := p.Execute(context.Background(), RetryWithBackoff, Invocation{ToolID: "flaky"}, nil)
	require.NoError(t, out.Err)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, "done", string(out.Result))
}

func TestPipelineRetryWithBackoffStopsOnPermanentError(t *testing.T) {
	specs := newFakeSpecs("broken")
	permanentErr := errors.New("bad request")
	attempts := 0
	invoke := func(ctx context.Context, id tools.Ident, payload []byte) ([]byte, error) {
		attempts++
		return nil, permanentErr
	}
	p := New(invoke, specs, nil, nil, WithRetryPolicy(RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
	}))

	out := p.Execute(context.Background(), RetryWithBackoff, Invocation{ToolID: "broken"}, nil)
	require.Error(t, out.Err)
	assert.Equal(t, 1, attempts, "a non-retryable error must not be retried")
	assert.ErrorIs(t, out.Err, permanentErr)
}

func TestPipelineParallelFastestReturnsFirstSuccess(t *testing.T) {
	specs := newFakeSpecs("slow", "fast", "medium")
	invoke := func(ctx context.Context, id tools.Ident, payload []byte) ([]byte, error) {
		switch id {
		case "fast":
			return []byte("fast-result"), nil
		case "medium":
			time.Sleep(20 * time.Millisecond)
			return []byte("medium-result"), nil
		default:
			time.Sleep(50 * time.Millisecond)
			return []byte("slow-result"), nil
		}
	}
	p := New(invoke, specs, nil, nil)

	out := p.Execute(context.Background(), ParallelFastest, Invocation{}, []tools.Ident{"slow", "fast", "medium"})
	require.NoError(t, out.Err)
	assert.Equal(t, "fast-result", string(out.Result))
}

func TestPipelineParallelFastestAllFail(t *testing.T) {
	specs := newFakeSpecs("a", "b")
	wantErr := errors.New("all down")
	invoke := func(ctx context.Context, id tools.Ident, payload []byte) ([]byte, error) {
		return nil, wantErr
	}
	p := New(invoke, specs, nil, nil)

	out := p.Execute(context.Background(), ParallelFastest, Invocation{}, []tools.Ident{"a", "b"})
	require.Error(t, out.Err)
	assert.Equal(t, 2, out.Attempts)
}

func TestPipelineParallelFastestNoCandidates(t *testing.T) {
	specs := newFakeSpecs()
	p := New(func(ctx context.Context, id tools.Ident, payload []byte) ([]byte, error) {
		return nil, nil
	}, specs, nil, nil)

	out := p.Execute(context.Background(), ParallelFastest, Invocation{}, nil)
	assert.ErrorIs(t, out.Err, ErrNoCandidates)
}

func TestPipelineSequentialFallbackTriesInOrder(t *testing.T) {
	specs := newFakeSpecs("first", "second", "third")
	var tried []tools.Ident
	invoke := func(ctx context.Context, id tools.Ident, payload []byte) ([]byte, error) {
		tried = append(tried, id)
		if id == "second" {
			return []byte("second-ok"), nil
		}
		return nil, errors.New("nope")
	}
	p := New(invoke, specs, nil, nil)

	out := p.Execute(context.Background(), SequentialFallback, Invocation{}, []tools.Ident{"first", "second", "third"})
	require.NoError(t, out.Err)
	assert.Equal(t, "second-ok", string(out.Result))
	assert.Equal(t, []tools.Ident{"first", "second"}, tried, "third must never be tried once second succeeds")
}

func TestPipelineCircuitBreakerProtectedOpensAfterThreshold(t *testing.T) {
	specs := newFakeSpecs("unstable")
	invoke := func(ctx context.Context, id tools.Ident, payload []byte) ([]byte, error) {
		return nil, errors.New("boom")
	}
	set := breaker.NewSet(breaker.Settings{FailureThreshold: 2, RecoveryTimeout: time.Hour})
	p := New(invoke, specs, set, nil)

	var lastErr error
	for i := 0; i < 3; i++ {
		out := p.Execute(context.Background(), CircuitBreakerProtected, Invocation{ToolID: "unstable"}, nil)
		lastErr = out.Err
	}
	assert.ErrorIs(t, lastErr, breaker.ErrOpen)
}

func TestPipelineCircuitBreakerProtectedRequiresSet(t *testing.T) {
	specs := newFakeSpecs("x")
	p := New(func(ctx context.Context, id tools.Ident, payload []byte) ([]byte, error) {
		return []byte("ok"), nil
	}, specs, nil, nil)

	out := p.Execute(context.Background(), CircuitBreakerProtected, Invocation{ToolID: "x"}, nil)
	require.Error(t, out.Err)
}

func TestPipelineResourceThrottledExecutesDirectly(t *testing.T) {
	specs := newFakeSpecs("y")
	invoke := func(ctx context.Context, id tools.Ident, payload []byte) ([]byte, error) {
		return []byte("throttled-ok"), nil
	}
	p := New(invoke, specs, nil, nil)

	out := p.Execute(context.Background(), ResourceThrottled, Invocation{ToolID: "y"}, nil)
	require.NoError(t, out.Err)
	assert.Equal(t, "throttled-ok", string(out.Result))
}

func TestPipelineResourceGuardReleasedAfterCall(t *testing.T) {
	specs := newFakeSpecs("z")
	invoke := func(ctx context.Context, id tools.Ident, payload []byte) ([]byte, error) {
		return []byte("ok"), nil
	}
	mgr := resource.NewManager(resource.Limits{MaxMemoryMB: 64, MaxCPUCores: 2}, 0)
	p := New(invoke, specs, nil, mgr)

	out := p.Execute(context.Background(), Direct, Invocation{ToolID: "z"}, nil)
	require.NoError(t, out.Err)

	stats := mgr.Stats()
	assert.Zero(t, stats.Memory.Current, "the guard must be released after the call completes")
	assert.Zero(t, stats.CPUCores.Current)
}

type observerSpy struct {
	started   int
	completed int
}

func (o *observerSpy) StepStarted(ctx context.Context, id tools.Ident, strategy Strategy) {
	o.started++
}

func (o *observerSpy) StepCompleted(ctx context.Context, id tools.Ident, strategy Strategy, attempts int, d time.Duration, err error) {
	o.completed++
}

func TestPipelineObserverNotifiedOnEachExecution(t *testing.T) {
	specs := newFakeSpecs("w")
	invoke := func(ctx context.Context, id tools.Ident, payload []byte) ([]byte, error) {
		return []byte("ok"), nil
	}
	spy := &observerSpy{}
	p := New(invoke, specs, nil, nil, WithObserver(spy))

	p.Execute(context.Background(), Direct, Invocation{ToolID: "w"}, nil)
	assert.Equal(t, 1, spy.started)
	assert.Equal(t, 1, spy.completed)
}
