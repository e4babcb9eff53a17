// Package sandbox hosts user-supplied WASM modules behind a narrow
// alloc/process ABI, giving each invocation a fresh instance and linear
// memory while reusing compiled bytecode across invocations.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/xxfunc/xxfunc/pkg/hostlog"
)

// Host owns the wazero runtime and the compiled-module cache shared by all
// worker goroutines.
type Host struct {
	runtime wazero.Runtime
	logger  *hostlog.Logger

	cacheSize int
	cacheMu   sync.RWMutex
	cache     map[int64]wazero.CompiledModule
	// order records insertion order for a naive evict-oldest policy; it is
	// not an LRU, matching the cache it's grounded on.
	order []int64

	// preopenHostDir and preopenGuestDir, if both set, are mounted
	// read-only into every instantiated module, mirroring the original
	// runtime's preopened_dir(..., DirPerms::READ, FilePerms::READ).
	preopenHostDir  string
	preopenGuestDir string
}

// Option configures a Host at construction time.
type Option func(*Host)

// WithPreopenDir mounts hostDir read-only into every module instance at
// guestDir. Both are required for the mount to take effect.
func WithPreopenDir(hostDir, guestDir string) Option {
	return func(h *Host) {
		h.preopenHostDir = hostDir
		h.preopenGuestDir = guestDir
	}
}

// NewHost creates a Host with its own wazero runtime and WASI preview1
// instantiated into it. cacheSize bounds the number of compiled modules
// kept warm at once.
func NewHost(logger *hostlog.Logger, cacheSize int, opts ...Option) (*Host, error) {
	if cacheSize <= 0 {
		cacheSize = 32
	}

	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(context.Background(), cfg)

	wasi_snapshot_preview1.MustInstantiate(context.Background(), runtime)

	h := &Host{
		runtime:   runtime,
		logger:    logger,
		cacheSize: cacheSize,
		cache:     make(map[int64]wazero.CompiledModule),
	}
	for _, opt := range opts {
		opt(h)
	}

	return h, nil
}

// Close releases every cached compiled module and the wazero runtime.
func (h *Host) Close(ctx context.Context) error {
	h.cacheMu.Lock()
	defer h.cacheMu.Unlock()

	for id, mod := range h.cache {
		if err := mod.Close(ctx); err != nil {
			h.logger.Warn(hostlog.ComponentSandbox, "failed to close cached module", zap.Int64("module_id", id), zap.Error(err))
		}
	}
	h.cache = make(map[int64]wazero.CompiledModule)
	h.order = nil

	return h.runtime.Close(ctx)
}

// IsCached reports whether moduleID currently has a compiled module warm in
// the cache, for diagnostics and tests.
func (h *Host) IsCached(moduleID int64) bool {
	h.cacheMu.RLock()
	defer h.cacheMu.RUnlock()
	_, ok := h.cache[moduleID]
	return ok
}

// Invalidate evicts a module from the compiled-module cache, e.g. because
// the registry deleted it. It is a no-op if the module was not cached.
func (h *Host) Invalidate(moduleID int64) {
	h.cacheMu.Lock()
	defer h.cacheMu.Unlock()
	h.evictLocked(moduleID)
}

func (h *Host) evictLocked(moduleID int64) {
	mod, ok := h.cache[moduleID]
	if !ok {
		return
	}
	_ = mod.Close(context.Background())
	delete(h.cache, moduleID)
	for i, id := range h.order {
		if id == moduleID {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

func (h *Host) getOrCompile(ctx context.Context, moduleID int64, binary []byte) (wazero.CompiledModule, error) {
	h.cacheMu.RLock()
	if mod, ok := h.cache[moduleID]; ok {
		h.cacheMu.RUnlock()
		return mod, nil
	}
	h.cacheMu.RUnlock()

	compiled, err := h.runtime.CompileModule(ctx, binary)
	if err != nil {
		return nil, &CompileError{ModuleID: moduleID, Cause: err}
	}

	h.cacheMu.Lock()
	defer h.cacheMu.Unlock()

	if existing, ok := h.cache[moduleID]; ok {
		_ = compiled.Close(ctx)
		return existing, nil
	}

	if len(h.cache) >= h.cacheSize && len(h.order) > 0 {
		oldest := h.order[0]
		h.order = h.order[1:]
		if mod, ok := h.cache[oldest]; ok {
			_ = mod.Close(ctx)
			delete(h.cache, oldest)
			h.logger.Debug(hostlog.ComponentSandbox, "evicted module from compiled cache", zap.Int64("module_id", oldest))
		}
	}

	h.cache[moduleID] = compiled
	h.order = append(h.order, moduleID)

	return compiled, nil
}

// Run instantiates a fresh sandbox for moduleID, writes payload into its
// linear memory via its exported alloc function, then calls process(ptr,
// size), returning process's u64 result. The instance and its memory are
// discarded after the call regardless of outcome.
func (h *Host) Run(ctx context.Context, moduleID int64, binary []byte, payload []byte) (uint64, error) {
	compiled, err := h.getOrCompile(ctx, moduleID, binary)
	if err != nil {
		return 0, err
	}

	modCfg := wazero.NewModuleConfig().
		WithName(fmt.Sprintf("module-%d", moduleID)).
		WithStdin(os.Stdin).
		WithStdout(os.Stdout).
		WithStderr(os.Stderr)

	if h.preopenHostDir != "" && h.preopenGuestDir != "" {
		modCfg = modCfg.WithFSConfig(wazero.NewFSConfig().WithReadOnlyDirMount(h.preopenHostDir, h.preopenGuestDir))
	}

	instance, err := h.runtime.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		return 0, &InstantiateError{ModuleID: moduleID, Cause: err}
	}
	defer instance.Close(ctx)

	memory := instance.ExportedMemory("memory")
	if memory == nil {
		return 0, &AbiError{ModuleID: moduleID, Reason: "missing exported memory"}
	}

	allocFn := instance.ExportedFunction("alloc")
	if allocFn == nil {
		return 0, &AbiError{ModuleID: moduleID, Reason: "missing exported alloc(u64) u64"}
	}
	processFn := instance.ExportedFunction("process")
	if processFn == nil {
		return 0, &AbiError{ModuleID: moduleID, Reason: "missing exported process(u64,u64) u64"}
	}

	i64 := api.ValueTypeI64
	allocDef, processDef := allocFn.Definition(), processFn.Definition()
	if !slices.Equal(allocDef.ParamTypes(), []api.ValueType{i64}) || !slices.Equal(allocDef.ResultTypes(), []api.ValueType{i64}) {
		return 0, &AbiError{ModuleID: moduleID, Reason: "exported alloc is not alloc(u64) u64"}
	}
	if !slices.Equal(processDef.ParamTypes(), []api.ValueType{i64, i64}) || !slices.Equal(processDef.ResultTypes(), []api.ValueType{i64}) {
		return 0, &AbiError{ModuleID: moduleID, Reason: "exported process is not process(u64,u64) u64"}
	}

	size := uint64(len(payload))

	allocResults, err := allocFn.Call(ctx, size)
	if err != nil {
		return 0, &TrapError{ModuleID: moduleID, Cause: err}
	}
	if len(allocResults) != 1 {
		return 0, &AbiError{ModuleID: moduleID, Reason: "alloc did not return a single u64"}
	}
	ptr := allocResults[0]

	if size > 0 {
		if !memory.Write(uint32(ptr), payload) {
			return 0, &MemoryError{ModuleID: moduleID, Reason: "alloc returned pointer out of guest memory bounds"}
		}
	}

	processResults, err := processFn.Call(ctx, ptr, size)
	if err != nil {
		return 0, &TrapError{ModuleID: moduleID, Cause: err}
	}
	if len(processResults) != 1 {
		return 0, &AbiError{ModuleID: moduleID, Reason: "process did not return a single u64"}
	}

	return processResults[0], nil
}
