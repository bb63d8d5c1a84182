package wazero

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wasmCloud/krustlet-wasmcloud-provider/hostfuncs"
)

// AdapterConfig holds configuration for binding a registry into a runtime.
type AdapterConfig struct {
	Logger *slog.Logger

	// ModuleName is the host module name guests import from.
	ModuleName string

	// CustomHandlers are functions that don't follow the packed
	// request/response pattern, such as console_log which returns nothing.
	CustomHandlers []CustomHandler

	// MaxRequestSize limits the size of requests read from guest memory.
	MaxRequestSize uint32
}

// CustomHandler is a raw wazero host function.
type CustomHandler struct {
	Handler     api.GoModuleFunc
	Name        string
	ParamTypes  []api.ValueType
	ResultTypes []api.ValueType
}

// AdapterOption configures the adapter.
type AdapterOption func(*AdapterConfig)

// WithModuleName sets the host module name.
func WithModuleName(name string) AdapterOption {
	return func(c *AdapterConfig) {
		c.ModuleName = name
	}
}

// WithAdapterMaxRequestSize sets the maximum request size read from guest memory.
func WithAdapterMaxRequestSize(size uint32) AdapterOption {
	return func(c *AdapterConfig) {
		c.MaxRequestSize = size
	}
}

// WithCustomHandler adds a raw wazero handler.
func WithCustomHandler(h CustomHandler) AdapterOption {
	return func(c *AdapterConfig) {
		c.CustomHandlers = append(c.CustomHandlers, h)
	}
}

// WithAdapterLogger sets the logger used for guest memory failures.
func WithAdapterLogger(l *slog.Logger) AdapterOption {
	return func(c *AdapterConfig) {
		c.Logger = l
	}
}

func defaultAdapterConfig() AdapterConfig {
	return AdapterConfig{
		Logger:         slog.Default(),
		ModuleName:     HostModuleName,
		MaxRequestSize: hostfuncs.DefaultMaxRequestSize,
	}
}

// RegisterWithRuntime exports every handler of registry from a host module
// instantiated in runtime. Each export reads its request from guest memory,
// invokes the handler with the calling actor on the context, and writes the
// reply back through the guest's allocate export.
func RegisterWithRuntime(ctx context.Context, runtime wazero.Runtime, registry *hostfuncs.HandlerRegistry, opts ...AdapterOption) error {
	cfg := defaultAdapterConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	builder := runtime.NewHostModuleBuilder(cfg.ModuleName)

	for _, name := range registry.Names() {
		funcName := name
		builder.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
				stack[0] = handleRegistryCall(actorContext(ctx, mod), mod, stack[0], registry, funcName, &cfg)
			}), []api.ValueType{api.ValueTypeI64}, []api.ValueType{api.ValueTypeI64}).
			Export(funcName)
	}

	for _, ch := range cfg.CustomHandlers {
		builder.NewFunctionBuilder().
			WithGoModuleFunction(ch.Handler, ch.ParamTypes, ch.ResultTypes).
			Export(ch.Name)
	}

	_, err := builder.Instantiate(ctx)
	return err
}

func handleRegistryCall(ctx context.Context, mod api.Module, packed uint64, registry *hostfuncs.HandlerRegistry, name string, cfg *AdapterConfig) uint64 {
	request, err := readGuest(mod, packed, cfg.MaxRequestSize)
	if err != nil {
		cfg.Logger.ErrorContext(ctx, "wazero: "+err.Error(), "function", name, "actor", mod.Name())
		return writeResponse(ctx, mod, hostfuncs.ValidationResult(err.Error()), cfg.Logger)
	}

	response, err := registry.Invoke(ctx, name, request)
	if err != nil {
		cfg.Logger.ErrorContext(ctx, "wazero: handler invocation failed", "function", name, "error", err)
		return writeResponse(ctx, mod, hostfuncs.ErrorResult(err), cfg.Logger)
	}
	return writeResponse(ctx, mod, response, cfg.Logger)
}

// readGuest copies a packed buffer out of guest memory.
func readGuest(mod api.Module, packed uint64, maxSize uint32) ([]byte, error) {
	ptr, length := unpackPtrLen(packed)
	if maxSize > 0 && length > maxSize {
		return nil, fmt.Errorf("request size %d exceeds maximum %d bytes", length, maxSize)
	}
	mem := mod.Memory()
	if mem == nil {
		return nil, fmt.Errorf("guest exports no memory")
	}
	data, ok := mem.Read(ptr, length)
	if !ok {
		return nil, fmt.Errorf("failed to read %d bytes at %d from guest memory", length, ptr)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// writeResponse allocates memory in the guest and writes data there.
// Returns packed ptr+len, or 0 on failure.
func writeResponse(ctx context.Context, mod api.Module, data []byte, logger *slog.Logger) uint64 {
	ptr, err := writeGuest(ctx, mod, data)
	if err != nil {
		logger.ErrorContext(ctx, "wazero: "+err.Error(), "actor", mod.Name())
		return 0
	}
	return packPtrLen(ptr, uint32(len(data))) //nolint:gosec // G115: bounded by guest memory
}

func writeGuest(ctx context.Context, mod api.Module, data []byte) (uint32, error) {
	allocateFn := mod.ExportedFunction(AllocateExport)
	if allocateFn == nil {
		return 0, fmt.Errorf("guest module missing %q export", AllocateExport)
	}
	results, err := allocateFn.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("calling guest allocate: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("guest allocate returned no results")
	}
	ptr := uint32(results[0]) //nolint:gosec // G115: WASM32 pointers are always 32-bit
	if !mod.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("failed to write %d bytes to guest memory", len(data))
	}
	return ptr, nil
}

// packPtrLen packs a pointer and length into a single i64.
// Upper 32 bits: pointer, lower 32 bits: length.
func packPtrLen(ptr, length uint32) uint64 {
	return (uint64(ptr) << 32) | uint64(length)
}

func unpackPtrLen(packed uint64) (ptr, length uint32) {
	ptr = uint32(packed >> 32)           //nolint:gosec // G115: packed format stores 32-bit values
	length = uint32(packed & 0xFFFFFFFF) //nolint:gosec // G115: packed format stores 32-bit values
	return ptr, length
}
