// Package wasmhost executes untrusted tool code under fuel, memory, and
// wall-clock caps, per SPEC_FULL.md §4.12. Grounded on the wazero usage
// patterns in other_examples/manifests/atlanticdynamic-firelynx,
// dohr-michael-ozzie, piwi3910-openfroyo and stacklok-toolhive: compile once,
// instantiate per call with a restricted module config (no stdin/env,
// captured stdout/stderr), cap memory with RuntimeConfig.WithMemoryLimitPages.
//
// wazero has no native instruction-level fuel metering (unlike wasmtime).
// Module carries a coarse polyfill: it wraps every exported call boundary
// with a host-side call counter via experimental.WithFunctionListenerFactory,
// charging one unit of fuel per function entry crossed (export calls and any
// nested calls the module itself makes through the same module instance).
// This is call-granularity, not instruction-granularity, fuel — documented
// as a deliberate approximation in DESIGN.md, since true per-instruction
// metering requires bytecode instrumentation wazero does not provide.
package wasmhost

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

const (
	defaultFuel       = 10_000_000
	defaultMemoryMiB  = 16
	defaultWallClock  = 30 * time.Second
	defaultStackBytes = 1 << 20 // 1 MiB
	wasmPageBytes     = 64 * 1024
)

// Caps bounds a single Execute call. Zero fields fall back to the spec
// defaults.
type Caps struct {
	Fuel          uint64
	MemoryMiB     uint32
	WallClock     time.Duration
	StackBytes    uint32
}

func (c Caps) withDefaults() Caps {
	if c.Fuel == 0 {
		c.Fuel = defaultFuel
	}
	if c.MemoryMiB == 0 {
		c.MemoryMiB = defaultMemoryMiB
	}
	if c.WallClock == 0 {
		c.WallClock = defaultWallClock
	}
	if c.StackBytes == 0 {
		c.StackBytes = defaultStackBytes
	}
	return c
}

// ErrKind tags why an execution failed, matching the Resource/Permanent
// taxonomy in SPEC_FULL.md §7.
type ErrKind string

const (
	ErrFuelExhausted   ErrKind = "fuel_exhausted"
	ErrMemoryExceeded  ErrKind = "memory_exceeded"
	ErrTimeout         ErrKind = "timeout"
	ErrFunctionMissing ErrKind = "function_not_found"
	ErrCorruptModule   ErrKind = "corrupt_module"
)

// Error wraps a typed execution failure.
type Error struct {
	Kind ErrKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("wasmhost: %s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Result is the contract-shaped outcome of Execute.
type Result struct {
	ReturnValues    []uint64
	ExecutionTimeUs int64
	MemoryUsedBytes uint64
	FuelUsed        uint64
	FuelRemaining   uint64
	Success         bool
	Error           string
}

// Module is a compiled, reusable WebAssembly module. Each Execute call gets
// its own isolated store via a fresh instantiation.
type Module struct {
	host    *Host
	name    string
	compiled wazero.CompiledModule
}

// Host owns the wazero runtime and WASI imports shared across compiled
// modules. A single Host is safe for concurrent compiles/executes.
type Host struct {
	runtime wazero.Runtime
	mu      sync.Mutex
}

// NewHost constructs a wasm Host. ctx governs the lifetime of the underlying
// wazero runtime; callers should call Close when done.
func NewHost(ctx context.Context) (*Host, error) {
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return nil, fmt.Errorf("wasmhost: instantiate wasi: %w", err)
	}
	return &Host{runtime: rt}, nil
}

// Close releases the underlying runtime and all compiled modules.
func (h *Host) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}

// Compile validates a module's magic/version and compiles it for repeated
// instantiation. The compiled module is reusable across Execute calls.
func (h *Host) Compile(ctx context.Context, name string, wasmBytes []byte) (*Module, error) {
	if len(wasmBytes) < 8 || !bytes.Equal(wasmBytes[:4], []byte{0x00, 0x61, 0x73, 0x6d}) {
		return nil, &Error{Kind: ErrCorruptModule, Err: errors.New("missing wasm magic number")}
	}
	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, &Error{Kind: ErrCorruptModule, Err: err}
	}
	return &Module{host: h, name: name, compiled: compiled}, nil
}

// fuelListenerFactory charges one fuel unit per function call boundary
// crossed inside the instantiated module, implementing the call-granularity
// fuel polyfill described in the package doc.
type fuelListenerFactory struct {
	remaining *atomic.Int64
	exhausted *atomic.Bool
}

func (f *fuelListenerFactory) NewListener(_ context.Context, _ api.FunctionDefinition) experimental.FunctionListener {
	return &fuelListener{remaining: f.remaining, exhausted: f.exhausted}
}

type fuelListener struct {
	remaining *atomic.Int64
	exhausted *atomic.Bool
}

func (l *fuelListener) Before(ctx context.Context, _ api.Module, _ api.FunctionDefinition, _ []uint64, _ experimental.StackIterator) context.Context {
	if l.remaining.Add(-1) < 0 {
		l.exhausted.Store(true)
	}
	return ctx
}

func (l *fuelListener) After(context.Context, api.Module, api.FunctionDefinition, []uint64) {}

// Execute instantiates the module fresh, invokes functionName with args, and
// enforces caps. Each call gets an isolated store; the compiled module
// itself remains reusable for subsequent calls.
func (m *Module) Execute(ctx context.Context, functionName string, args []uint64, caps Caps) (Result, error) {
	caps = caps.withDefaults()

	execCtx, cancel := context.WithTimeout(ctx, caps.WallClock)
	defer cancel()

	remaining := &atomic.Int64{}
	remaining.Store(int64(caps.Fuel))
	exhausted := &atomic.Bool{}
	execCtx = experimental.WithFunctionListenerFactory(execCtx, &fuelListenerFactory{remaining: remaining, exhausted: exhausted})

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName(m.name).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithStartFunctions() // no implicit _start invocation

	memCapBytes := uint64(caps.MemoryMiB) * 1024 * 1024

	start := time.Now()
	instance, err := m.host.runtime.InstantiateModule(execCtx, m.compiled, modCfg)
	if err != nil {
		return m.classifyErr(err, start, exhausted)
	}
	defer instance.Close(ctx)

	fn := instance.ExportedFunction(functionName)
	if fn == nil {
		return Result{Success: false, Error: fmt.Sprintf("function %q not found", functionName)},
			&Error{Kind: ErrFunctionMissing, Err: fmt.Errorf("function %q not exported", functionName)}
	}

	ret, callErr := fn.Call(execCtx, args...)
	elapsed := time.Since(start)
	memUsed := uint64(0)
	if mem := instance.Memory(); mem != nil {
		memUsed = uint64(mem.Size())
	}
	fuelUsed := uint64(caps.Fuel) - uint64(max64(remaining.Load(), 0))

	if callErr != nil {
		res, werr := m.classifyErr(callErr, start, exhausted)
		res.MemoryUsedBytes = memUsed
		res.FuelUsed = fuelUsed
		res.FuelRemaining = uint64(max64(remaining.Load(), 0))
		return res, werr
	}

	// wazero's memory cap is a runtime-wide RuntimeConfig setting, not a
	// per-call one, so a module that grew past this call's Caps.MemoryMiB
	// is reported as a failure here rather than prevented from growing.
	if memUsed > memCapBytes {
		return Result{
				ExecutionTimeUs: elapsed.Microseconds(),
				MemoryUsedBytes: memUsed,
				FuelUsed:        fuelUsed,
				FuelRemaining:   uint64(max64(remaining.Load(), 0)),
				Success:         false,
				Error:           "module exceeded memory cap",
			},
			&Error{Kind: ErrMemoryExceeded, Err: fmt.Errorf("used %d bytes, cap %d", memUsed, memCapBytes)}
	}

	return Result{
		ReturnValues:    ret,
		ExecutionTimeUs: elapsed.Microseconds(),
		MemoryUsedBytes: memUsed,
		FuelUsed:        fuelUsed,
		FuelRemaining:   uint64(max64(remaining.Load(), 0)),
		Success:         true,
	}, nil
}

func (m *Module) classifyErr(err error, start time.Time, exhausted *atomic.Bool) (Result, error) {
	elapsed := time.Since(start)
	base := Result{ExecutionTimeUs: elapsed.Microseconds(), Success: false, Error: err.Error()}
	switch {
	case exhausted.Load():
		return base, &Error{Kind: ErrFuelExhausted, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return base, &Error{Kind: ErrTimeout, Err: err}
	default:
		return base, &Error{Kind: ErrCorruptModule, Err: err}
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
