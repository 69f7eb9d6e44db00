// Package breaker isolates failing tools from the rest of the Execution
// Pipeline with a per-tool circuit breaker, grounded on SPEC_FULL.md §4.7.
//
// Each tool id gets its own independent state machine (Closed/Open/Half-Open)
// built on github.com/sony/gobreaker/v2, the generation of the Go circuit
// breaker library that uses generics for the protected call's return type.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

const (
	defaultFailureThreshold = 5
	defaultSuccessThreshold = 2
	defaultRecoveryTimeout  = 30 * time.Second
)

// State mirrors the breaker's lifecycle, named per SPEC_FULL.md §4.7 rather
// than re-exporting gobreaker's own State type.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// ErrOpen is returned by Call when the breaker for a tool is open and the
// call is short-circuited without invoking the underlying function.
var ErrOpen = gobreaker.ErrOpenState

// Metrics is a point-in-time snapshot of one tool's breaker, matching the
// CircuitBreakerMetrics entry of SPEC_FULL.md §3.
type Metrics struct {
	ToolID                string
	State                 State
	ConsecutiveFailures   uint32
	ConsecutiveSuccesses  uint32
	LastFailure           time.Time
	TotalRequests         uint32
	TotalSuccesses        uint32
	TotalFailures         uint32
}

// Settings configures every breaker created by a Set. Zero values fall back
// to the spec defaults (failure_threshold=5, recovery_timeout=30s,
// success_threshold=2).
type Settings struct {
	FailureThreshold uint32
	SuccessThreshold uint32
	RecoveryTimeout  time.Duration
	// IsSuccessful reports whether an error counts as a success for the
	// breaker; returning false counts it as a failure. Nil treats any non-nil
	// error as a failure.
	IsSuccessful func(err error) bool
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = defaultFailureThreshold
	}
	if s.SuccessThreshold == 0 {
		s.SuccessThreshold = defaultSuccessThreshold
	}
	if s.RecoveryTimeout == 0 {
		s.RecoveryTimeout = defaultRecoveryTimeout
	}
	return s
}

// Set owns one breaker per tool id, created lazily on first use.
type Set struct {
	mu       sync.Mutex
	settings Settings
	breakers map[string]*entry
}

type entry struct {
	cb          *gobreaker.CircuitBreaker[any]
	mu          sync.Mutex
	lastFailure time.Time
}

// NewSet constructs a breaker Set. settings apply uniformly to every tool id
// tracked by the set.
func NewSet(settings Settings) *Set {
	return &Set{
		settings: settings.withDefaults(),
		breakers: make(map[string]*entry),
	}
}

func (s *Set) entryFor(toolID string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.breakers[toolID]; ok {
		return e
	}
	e := &entry{}
	st := gobreaker.Settings{
		Name:        toolID,
		MaxRequests: s.settings.SuccessThreshold,
		Interval:    0,
		Timeout:     s.settings.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.settings.FailureThreshold
		},
		IsSuccessful: s.settings.IsSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				e.mu.Lock()
				e.lastFailure = time.Now()
				e.mu.Unlock()
			}
		},
	}
	e.cb = gobreaker.NewCircuitBreaker[any](st)
	s.breakers[toolID] = e
	return e
}

// Call executes fn under the breaker for toolID. If the breaker is open, fn
// is never invoked and ErrOpen is returned.
func (s *Set) Call(ctx context.Context, toolID string, fn func(ctx context.Context) (any, error)) (any, error) {
	e := s.entryFor(toolID)
	result, err := e.cb.Execute(func() (any, error) {
		return fn(ctx)
	})
	if err != nil {
		e.mu.Lock()
		e.lastFailure = time.Now()
		e.mu.Unlock()
	}
	if errors.Is(err, gobreaker.ErrOpenState) {
		return nil, ErrOpen
	}
	return result, err
}

// Metrics reports the current snapshot for toolID. A tool that has never
// been called returns a zero-value, Closed snapshot.
func (s *Set) Metrics(toolID string) Metrics {
	s.mu.Lock()
	e, ok := s.breakers[toolID]
	s.mu.Unlock()
	if !ok {
		return Metrics{ToolID: toolID, State: StateClosed}
	}
	counts := e.cb.Counts()
	e.mu.Lock()
	lastFailure := e.lastFailure
	e.mu.Unlock()
	return Metrics{
		ToolID:               toolID,
		State:                fromGobreaker(e.cb.State()),
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		LastFailure:          lastFailure,
		TotalRequests:        counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
	}
}

// AllMetrics snapshots every tool id the set has seen.
func (s *Set) AllMetrics() []Metrics {
	s.mu.Lock()
	ids := make([]string, 0, len(s.breakers))
	for id := range s.breakers {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	out := make([]Metrics, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.Metrics(id))
	}
	return out
}
