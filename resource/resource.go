// Package resource implements admission control and live accounting for
// memory and CPU core budgets, grounded on SPEC_FULL.md §4.6.
//
// CPU core admission is a golang.org/x/sync/semaphore.Weighted sized to
// max_cpu_cores: acquiring N cores blocks (up to a deadline) when fewer than
// N are currently free. Memory is tracked with a plain mutex-guarded counter
// since memory_mb is an accounting figure, not something the runtime blocks
// goroutines on.
package resource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// AlertSeverity classifies how close a resource axis is to its configured
// limit, per SPEC_FULL.md §10.
type AlertSeverity int

const (
	AlertNone AlertSeverity = iota
	AlertInfo
	AlertWarning
	AlertCritical
)

func (a AlertSeverity) String() string {
	switch a {
	case AlertCritical:
		return "critical"
	case AlertWarning:
		return "warning"
	case AlertInfo:
		return "info"
	default:
		return "none"
	}
}

// pressureThreshold matches spec §4.6: utilization above 85% on any axis is
// "pressure".
const pressureThreshold = 0.85

var (
	// ErrDenied is returned when an allocation would exceed configured maxima.
	ErrDenied = errors.New("resource: allocation denied")
	// ErrReleased is returned by operations on an already-released guard, save
	// for Release itself which is idempotent.
	ErrReleased = errors.New("resource: guard already released")
)

// Limits bounds the Manager's admission decisions.
type Limits struct {
	MaxMemoryMB int64
	MaxCPUCores int64
}

// Usage is a current/peak/limit triple for one resource axis.
type Usage struct {
	Current int64
	Peak    int64
	Limit   int64
}

func (u Usage) utilization() float64 {
	if u.Limit <= 0 {
		return 0
	}
	return float64(u.Current) / float64(u.Limit)
}

func (u Usage) severity() AlertSeverity {
	util := u.utilization()
	switch {
	case util >= 1.0:
		return AlertCritical
	case util >= pressureThreshold:
		return AlertWarning
	case util >= 0.5:
		return AlertInfo
	default:
		return AlertNone
	}
}

// Stats is the Manager's stats() snapshot.
type Stats struct {
	Memory   Usage
	CPUCores Usage
	Pressure bool
}

// Severity returns the worse of the two axis severities.
func (s Stats) Severity() AlertSeverity {
	if m, c := s.Memory.severity(), s.CPUCores.severity(); m > c {
		return m
	} else {
		return c
	}
}

// Allocation describes resources granted to a single tool invocation, per
// SPEC_FULL.md §3 ResourceAllocation.
type Allocation struct {
	ToolID    string
	SessionID string
	MemoryMB  int64
	CPUCores  int64
	Deadline  time.Time
}

// Guard represents a live allocation. Release returns the resources to the
// pool; it is idempotent. A Guard whose deadline passes is force-released by
// the Manager's reaper after a bounded grace period.
type Guard struct {
	mgr   *Manager
	alloc Allocation
	peak  int64

	mu       sync.Mutex
	released bool
	timer    *time.Timer
}

// Allocation returns the resources this guard holds.
func (g *Guard) Allocation() Allocation {
	return g.alloc
}

// RecordUsage updates the guard's peak memory observation, used for the
// Manager's peak accounting exposed via Stats.
func (g *Guard) RecordUsage(memoryMB int64) {
	g.mu.Lock()
	if memoryMB > g.peak {
		g.peak = memoryMB
	}
	g.mu.Unlock()
	g.mgr.recordPeak(memoryMB)
}

// Release returns the guard's resources to the pool. Safe to call multiple
// times and from a deferred call.
func (g *Guard) Release() {
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		return
	}
	g.released = true
	if g.timer != nil {
		g.timer.Stop()
	}
	g.mu.Unlock()
	g.mgr.release(g.alloc)
}

// Manager admits tool invocations within Limits and tracks live allocations.
// Per SPEC_FULL.md §5, the mutex is held only during the admission decision,
// never across the tool's own execution.
type Manager struct {
	limits Limits
	sem    *semaphore.Weighted

	mu          sync.Mutex
	memCurrent  int64
	memPeak     int64
	coresActive int64
	coresPeak   int64

	// graceReaper is the bounded grace period applied before a deadline-expired
	// guard is forced to release, per §4.6's invariant.
	graceReaper time.Duration
}

// NewManager constructs a Manager bounded by limits. A zero grace defaults to
// 2s, matching the workflow cancellation grace window in §5.
func NewManager(limits Limits, grace time.Duration) *Manager {
	if grace <= 0 {
		grace = 2 * time.Second
	}
	return &Manager{
		limits:      limits,
		sem:         semaphore.NewWeighted(limits.MaxCPUCores),
		graceReaper: grace,
	}
}

// Allocate admits a tool invocation if it fits within memory and CPU limits.
// CPU admission blocks (cooperatively, respecting ctx) until enough cores
// are free or ctx is done; memory admission is a synchronous check against
// the configured maximum.
func (m *Manager) Allocate(ctx context.Context, alloc Allocation) (*Guard, error) {
	if alloc.CPUCores <= 0 {
		alloc.CPUCores = 1
	}
	if alloc.CPUCores > m.limits.MaxCPUCores {
		return nil, fmt.Errorf("%w: requested %d cores exceeds max_cpu_cores %d", ErrDenied, alloc.CPUCores, m.limits.MaxCPUCores)
	}

	m.mu.Lock()
	if m.memCurrent+alloc.MemoryMB > m.limits.MaxMemoryMB {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: requested %dMB would exceed max_memory_mb %d", ErrDenied, alloc.MemoryMB, m.limits.MaxMemoryMB)
	}
	m.mu.Unlock()

	if err := m.sem.Acquire(ctx, alloc.CPUCores); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDenied, err)
	}

	m.mu.Lock()
	m.memCurrent += alloc.MemoryMB
	if m.memCurrent > m.memPeak {
		m.memPeak = m.memCurrent
	}
	m.coresActive += alloc.CPUCores
	if m.coresActive > m.coresPeak {
		m.coresPeak = m.coresActive
	}
	m.mu.Unlock()

	g := &Guard{mgr: m, alloc: alloc}
	if !alloc.Deadline.IsZero() {
		g.timer = time.AfterFunc(time.Until(alloc.Deadline)+m.graceReaper, g.Release)
	}
	return g, nil
}

func (m *Manager) recordPeak(memoryMB int64) {
	m.mu.Lock()
	if memoryMB > m.memPeak {
		m.memPeak = memoryMB
	}
	m.mu.Unlock()
}

func (m *Manager) release(alloc Allocation) {
	m.mu.Lock()
	m.memCurrent -= alloc.MemoryMB
	if m.memCurrent < 0 {
		m.memCurrent = 0
	}
	m.coresActive -= alloc.CPUCores
	if m.coresActive < 0 {
		m.coresActive = 0
	}
	m.mu.Unlock()
	m.sem.Release(alloc.CPUCores)
}

// Stats reports current/peak/limit triples for both axes and whether either
// is under pressure (utilization > 85%).
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem := Usage{Current: m.memCurrent, Peak: m.memPeak, Limit: m.limits.MaxMemoryMB}
	cores := Usage{Current: m.coresActive, Peak: m.coresPeak, Limit: m.limits.MaxCPUCores}
	return Stats{
		Memory:   mem,
		CPUCores: cores,
		Pressure: mem.utilization() > pressureThreshold || cores.utilization() > pressureThreshold,
	}
}
