package wazero

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/entities"
	domainerrors "github.com/wasmCloud/krustlet-wasmcloud-provider/domain/errors"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/ports"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/hostfuncs"
)

// Names making up the guest ABI.
const (
	HostModuleName     = "wasmcloud"
	HostCallFunction   = "host_call"
	ConsoleLogFunction = "console_log"
	AllocateExport     = "allocate"
	GuestCallExport    = "handle_call"
)

var (
	errNotLinked  = errors.New("actor is not linked to this provider")
	errHostClosed = errors.New("host is closed")
)

type hostConfig struct {
	logger         *slog.Logger
	cache          wazero.CompilationCache
	middleware     []hostfuncs.Middleware
	maxRequestSize uint32
}

func defaultHostConfig() hostConfig {
	return hostConfig{
		logger:         slog.Default(),
		maxRequestSize: hostfuncs.DefaultMaxRequestSize,
	}
}

// Option configures a Host.
type Option func(*hostConfig)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *hostConfig) {
		c.logger = l
	}
}

// WithCompilationCache shares compiled code with other runtimes, such as
// the loader's validation runtime.
func WithCompilationCache(cache wazero.CompilationCache) Option {
	return func(c *hostConfig) {
		c.cache = cache
	}
}

// WithMaxRequestSize limits the size of a single guest request.
func WithMaxRequestSize(size uint32) Option {
	return func(c *hostConfig) {
		c.maxRequestSize = size
	}
}

// WithMiddleware wraps the host functions exported to actors.
func WithMiddleware(mw ...hostfuncs.Middleware) Option {
	return func(c *hostConfig) {
		c.middleware = append(c.middleware, mw...)
	}
}

type providerKey struct {
	capability string
	binding    string
}

type linkKey struct {
	actor      entities.ActorIdentity
	capability string
	binding    string
}

// Host runs actors and capability providers on a single wazero runtime.
//
// The internal tables are guarded for concurrent guest traffic, but the
// management methods assume their callers are serialized: two concurrent
// StartProvider calls for the same key may both call Start.
type Host struct {
	runtime   wazero.Runtime
	actors    map[entities.ActorIdentity]*actorInstance
	providers map[providerKey]ports.ProviderSpec
	links     map[linkKey]entities.CapabilityDescriptor
	console   hostfuncs.ByteHandler
	config    hostConfig
	mu        sync.RWMutex
	closed    bool
}

var (
	_ ports.Host       = (*Host)(nil)
	_ ports.Dispatcher = (*Host)(nil)
)

// NewHost creates a runtime with WASI and the wasmcloud host module.
func NewHost(ctx context.Context, opts ...Option) (*Host, error) {
	cfg := defaultHostConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	rtConfig := wazero.NewRuntimeConfig()
	if cfg.cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cfg.cache)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)

	h := &Host{
		runtime:   rt,
		actors:    make(map[entities.ActorIdentity]*actorInstance),
		providers: make(map[providerKey]ports.ProviderSpec),
		links:     make(map[linkKey]entities.CapabilityDescriptor),
		config:    cfg,
	}
	h.console = hostfuncs.NewJSONHandler(h.logConsole)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("instantiating WASI: %w", err)
	}

	middleware := append([]hostfuncs.Middleware{
		hostfuncs.PanicRecoveryMiddleware(),
		hostfuncs.LoggingMiddleware(cfg.logger),
	}, cfg.middleware...)
	registry, err := hostfuncs.NewRegistry(
		hostfuncs.WithMiddleware(middleware...),
		hostfuncs.WithBundle(h.functions()),
	)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("building host function registry: %w", err)
	}

	err = RegisterWithRuntime(ctx, rt, registry,
		WithModuleName(HostModuleName),
		WithAdapterMaxRequestSize(cfg.maxRequestSize),
		WithAdapterLogger(cfg.logger),
		WithCustomHandler(CustomHandler{
			Name:       ConsoleLogFunction,
			Handler:    h.consoleLog,
			ParamTypes: []api.ValueType{api.ValueTypeI64},
		}),
	)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("registering host module: %w", err)
	}
	return h, nil
}

// StartActor compiles and instantiates the actor under its identity.
func (h *Host) StartActor(ctx context.Context, actor *entities.Actor) error {
	if actor == nil || actor.Identity == "" {
		return errors.New("actor has no identity")
	}
	id := actor.Identity

	inst := &actorInstance{id: id}
	inst.mu.Lock()
	defer inst.mu.Unlock()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return errHostClosed
	}
	if _, ok := h.actors[id]; ok {
		h.mu.Unlock()
		return fmt.Errorf("actor %s is already running", id)
	}
	h.actors[id] = inst
	h.mu.Unlock()

	compiled, err := h.runtime.CompileModule(ctx, actor.Module)
	if err != nil {
		h.forgetActor(id)
		return fmt.Errorf("compiling actor %s: %w", id, err)
	}
	mod, err := h.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(string(id)))
	if err != nil {
		_ = compiled.Close(ctx)
		h.forgetActor(id)
		return fmt.Errorf("instantiating actor %s: %w", id, err)
	}
	if init := mod.ExportedFunction("_initialize"); init != nil {
		if _, err := init.Call(ctx); err != nil {
			_ = mod.Close(ctx)
			_ = compiled.Close(ctx)
			h.forgetActor(id)
			return fmt.Errorf("initializing actor %s: %w", id, err)
		}
	}

	inst.module = mod
	inst.compiled = compiled
	h.config.logger.InfoContext(ctx, "actor started", "actor", id, "name", actor.Name())
	return nil
}

func (h *Host) forgetActor(id entities.ActorIdentity) {
	h.mu.Lock()
	delete(h.actors, id)
	h.mu.Unlock()
}

// StopActor drops the actor's remaining links and closes its module.
func (h *Host) StopActor(ctx context.Context, id entities.ActorIdentity) error {
	h.mu.Lock()
	inst, ok := h.actors[id]
	if !ok {
		h.mu.Unlock()
		return &domainerrors.NotFoundError{Kind: "actor", Name: id.String()}
	}
	delete(h.actors, id)

	var orphaned []ports.ProviderSpec
	for k := range h.links {
		if k.actor != id {
			continue
		}
		delete(h.links, k)
		if spec, ok := h.providers[providerKey{k.capability, k.binding}]; ok {
			orphaned = append(orphaned, spec)
		}
	}
	h.mu.Unlock()

	for _, spec := range orphaned {
		if err := spec.Provider.RemoveActor(ctx, id); err != nil {
			h.config.logger.WarnContext(ctx, "provider failed to release stopped actor",
				"actor", id, "capability", spec.Capability, "binding", spec.Binding, "error", err)
		}
	}

	if err := inst.close(ctx); err != nil {
		h.mu.Lock()
		h.actors[id] = inst
		h.mu.Unlock()
		return fmt.Errorf("closing actor %s: %w", id, err)
	}
	h.config.logger.InfoContext(ctx, "actor stopped", "actor", id)
	return nil
}

// StartProvider starts spec.Provider and registers it under
// (capability, binding).
func (h *Host) StartProvider(ctx context.Context, spec ports.ProviderSpec) error {
	if spec.Provider == nil {
		return fmt.Errorf("provider for %s has no implementation", spec.Capability)
	}
	spec.Binding = entities.NormalizeBinding(spec.Binding)
	key := providerKey{spec.Capability, spec.Binding}

	h.mu.RLock()
	_, exists := h.providers[key]
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return errHostClosed
	}
	if exists {
		return fmt.Errorf("provider %s (binding %s) is already running", spec.Capability, spec.Binding)
	}

	if err := spec.Provider.Start(ctx, h); err != nil {
		return fmt.Errorf("starting provider %s: %w", spec.Capability, err)
	}

	h.mu.Lock()
	h.providers[key] = spec
	h.mu.Unlock()
	h.config.logger.InfoContext(ctx, "provider started",
		"capability", spec.Capability, "binding", spec.Binding, "provider_id", spec.ProviderID)
	return nil
}

// StopProvider stops a provider instance and drops every link to it.
func (h *Host) StopProvider(ctx context.Context, capability, binding string) error {
	key := providerKey{capability, entities.NormalizeBinding(binding)}

	h.mu.Lock()
	spec, ok := h.providers[key]
	if !ok {
		h.mu.Unlock()
		return &domainerrors.NotFoundError{Kind: "provider", Name: capability + "/" + key.binding}
	}
	delete(h.providers, key)
	for k := range h.links {
		if k.capability == key.capability && k.binding == key.binding {
			delete(h.links, k)
		}
	}
	h.mu.Unlock()

	if err := spec.Provider.Stop(ctx); err != nil {
		return fmt.Errorf("stopping provider %s: %w", capability, err)
	}
	h.config.logger.InfoContext(ctx, "provider stopped", "capability", capability, "binding", key.binding)
	return nil
}

// SetLink binds the actor to the provider instance named by desc.
func (h *Host) SetLink(ctx context.Context, actor entities.ActorIdentity, desc entities.CapabilityDescriptor) error {
	desc.Binding = entities.NormalizeBinding(desc.Binding)
	key := linkKey{actor, desc.Name, desc.Binding}

	h.mu.RLock()
	_, running := h.actors[actor]
	spec, started := h.providers[providerKey{desc.Name, desc.Binding}]
	_, linked := h.links[key]
	h.mu.RUnlock()

	switch {
	case !running:
		return &domainerrors.NotFoundError{Kind: "actor", Name: actor.String()}
	case !started:
		return &domainerrors.NotFoundError{Kind: "provider", Name: desc.String()}
	case desc.ProviderID != "" && desc.ProviderID != spec.ProviderID:
		return fmt.Errorf("link names provider %s but %s is served by %s", desc.ProviderID, desc, spec.ProviderID)
	case linked:
		return fmt.Errorf("actor %s is already linked to %s", actor, desc)
	}

	env := desc.Env.Clone()
	if err := spec.Provider.BindActor(ctx, actor, env); err != nil {
		return err
	}

	desc.Env = env
	h.mu.Lock()
	h.links[key] = desc
	h.mu.Unlock()
	h.config.logger.DebugContext(ctx, "link established",
		"actor", actor, "capability", desc.Name, "binding", desc.Binding, "env", env.Keys())
	return nil
}

// RemoveLink unbinds the actor from a provider instance.
func (h *Host) RemoveLink(ctx context.Context, actor entities.ActorIdentity, capability, binding string) error {
	binding = entities.NormalizeBinding(binding)
	key := linkKey{actor, capability, binding}

	h.mu.RLock()
	_, linked := h.links[key]
	spec, started := h.providers[providerKey{capability, binding}]
	h.mu.RUnlock()
	if !linked {
		return &domainerrors.NotFoundError{Kind: "link", Name: actor.String() + "->" + capability + "/" + binding}
	}

	// The link stays until the provider lets go of the actor.
	if started {
		if err := spec.Provider.RemoveActor(ctx, actor); err != nil {
			return err
		}
	}
	h.mu.Lock()
	delete(h.links, key)
	h.mu.Unlock()
	h.config.logger.DebugContext(ctx, "link removed", "actor", actor, "capability", capability, "binding", binding)
	return nil
}

// Dispatch implements ports.Dispatcher for provider-originated calls.
func (h *Host) Dispatch(ctx context.Context, actor entities.ActorIdentity, operation string, payload []byte) ([]byte, error) {
	h.mu.RLock()
	inst, ok := h.actors[actor]
	h.mu.RUnlock()
	if !ok {
		return nil, &domainerrors.NotFoundError{Kind: "actor", Name: actor.String()}
	}
	return inst.invoke(ctx, operation, payload)
}

// Actors returns the identities of running actors, sorted.
func (h *Host) Actors() []entities.ActorIdentity {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]entities.ActorIdentity, 0, len(h.actors))
	for id := range h.actors {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Links returns the active links of an actor ordered by capability and binding.
func (h *Host) Links(actor entities.ActorIdentity) []entities.CapabilityDescriptor {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []entities.CapabilityDescriptor
	for k, desc := range h.links {
		if k.actor == actor {
			out = append(out, desc)
		}
	}
	slices.SortFunc(out, func(a, b entities.CapabilityDescriptor) int {
		return strings.Compare(a.String(), b.String())
	})
	return out
}

// HasProvider reports whether a provider instance is running.
func (h *Host) HasProvider(capability, binding string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.providers[providerKey{capability, entities.NormalizeBinding(binding)}]
	return ok
}

// Close stops every provider and actor and releases the runtime.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	providers := make([]ports.ProviderSpec, 0, len(h.providers))
	for _, spec := range h.providers {
		providers = append(providers, spec)
	}
	h.providers = make(map[providerKey]ports.ProviderSpec)
	h.links = make(map[linkKey]entities.CapabilityDescriptor)
	h.actors = make(map[entities.ActorIdentity]*actorInstance)
	h.mu.Unlock()

	var errs []error
	for _, spec := range providers {
		if err := spec.Provider.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping provider %s: %w", spec.Capability, err))
		}
	}
	if err := h.runtime.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing runtime: %w", err))
	}
	return errors.Join(errs...)
}

// hostCall routes an actor's call to the provider it is linked to.
func (h *Host) hostCall(ctx context.Context, call entities.HostCall) ([]byte, error) {
	actor, ok := hostfuncs.ActorFrom(ctx)
	if !ok {
		return nil, errors.New("host call has no calling actor")
	}
	binding := entities.NormalizeBinding(call.Binding)

	h.mu.RLock()
	_, linked := h.links[linkKey{actor, call.Namespace, binding}]
	spec, started := h.providers[providerKey{call.Namespace, binding}]
	h.mu.RUnlock()

	if !linked || !started {
		return nil, &domainerrors.LinkError{
			Actor:      actor.String(),
			Capability: call.Namespace,
			Binding:    binding,
			Err:        errNotLinked,
		}
	}
	return spec.Provider.HandleCall(ctx, actor, call.Operation, call.Payload)
}

// functions are the host functions exported to guests through the registry.
func (h *Host) functions() hostfuncs.HostFuncBundle {
	return hostfuncs.NewBundle(map[string]hostfuncs.ByteHandler{
		HostCallFunction: hostfuncs.NewRawHandler(h.hostCall),
	})
}

// consoleLog forwards a guest console line to the host logger. It has no
// result, so it is exported outside the registry.
func (h *Host) consoleLog(ctx context.Context, mod api.Module, stack []uint64) {
	data, err := readGuest(mod, stack[0], h.config.maxRequestSize)
	if err != nil {
		h.config.logger.WarnContext(ctx, "unreadable console log", "actor", mod.Name(), "error", err)
		return
	}
	h.writeConsole(actorContext(ctx, mod), data)
}

// writeConsole logs a console line of the actor on ctx. Lines that are not
// a JSON ConsoleLog are logged verbatim at info level.
func (h *Host) writeConsole(ctx context.Context, data []byte) {
	reply, err := h.console(ctx, data)
	if err == nil {
		var res entities.CallResult
		if json.Unmarshal(reply, &res) == nil && res.Error == nil {
			return
		}
	}
	actor, _ := hostfuncs.ActorFrom(ctx)
	h.config.logger.InfoContext(ctx, string(data), "actor", actor.String())
}

func (h *Host) logConsole(ctx context.Context, line entities.ConsoleLog) (struct{}, error) {
	actor, _ := hostfuncs.ActorFrom(ctx)
	h.config.logger.Log(ctx, consoleLevel(line.Level), line.Message, "actor", actor.String())
	return struct{}{}, nil
}

func consoleLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "error":
		return slog.LevelError
	case "warn", "warning":
		return slog.LevelWarn
	case "debug", "trace":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
