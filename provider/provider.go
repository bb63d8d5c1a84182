// Package provider runs workloads as wasmCloud actors on a node: it admits
// workloads, starts one actor per container, and tears them down again.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/tetratelabs/wazero"

	"github.com/wasmCloud/krustlet-wasmcloud-provider/application/catalog"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/application/orchestrator"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/application/provisioner"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/application/state"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/config"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/entities"
	domainerrors "github.com/wasmCloud/krustlet-wasmcloud-provider/domain/errors"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/ports"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/infrastructure/loader"
	wazerohost "github.com/wasmCloud/krustlet-wasmcloud-provider/infrastructure/wazero"
)

// providerConfig holds the collaborators of a Provider. Anything left nil
// is built from the process configuration.
type providerConfig struct {
	logger  *slog.Logger
	host    ports.Host
	loader  ports.ActorLoader
	factory provisioner.Factory
	catalog *catalog.Catalog
}

// Option configures a Provider.
type Option func(*providerConfig)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *providerConfig) {
		c.logger = l
	}
}

// WithHost runs actors in host instead of a new wazero runtime. The caller
// keeps ownership of host.
func WithHost(host ports.Host) Option {
	return func(c *providerConfig) {
		c.host = host
	}
}

// WithLoader replaces the actor loader.
func WithLoader(l ports.ActorLoader) Option {
	return func(c *providerConfig) {
		c.loader = l
	}
}

// WithFactory replaces the capability provider factory.
func WithFactory(f provisioner.Factory) Option {
	return func(c *providerConfig) {
		c.factory = f
	}
}

// WithCatalog replaces the well-known capability catalog.
func WithCatalog(cat *catalog.Catalog) Option {
	return func(c *providerConfig) {
		c.catalog = cat
	}
}

// Provider is safe for concurrent use.
type Provider struct {
	state        *state.ProviderState
	orchestrator *orchestrator.Orchestrator
	loader       ports.ActorLoader
	logger       *slog.Logger
	closers      []func(context.Context) error

	// orphans are pods that lost a registration race and could not be
	// stopped. Close retries them.
	orphans   []orphan
	orphansMu sync.Mutex
}

type orphan struct {
	pod   *state.PodHandle
	ports map[string]uint16
}

// New prepares the data directories, starts the host and pins the eager
// capability providers.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Provider, error) {
	pc := providerConfig{logger: slog.Default(), catalog: catalog.Default()}
	for _, opt := range opts {
		opt(&pc)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, dir := range []string{cfg.LogDir(), cfg.VolumeDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	p := &Provider{logger: pc.logger}
	if pc.host == nil || pc.loader == nil {
		cache := wazero.NewCompilationCache()
		p.closers = append(p.closers, cache.Close)
		if pc.loader == nil {
			pc.loader = loader.New(loader.WithCompilationCache(cache), loader.WithLogger(pc.logger))
		}
		if pc.host == nil {
			host, err := wazerohost.NewHost(ctx,
				wazerohost.WithLogger(pc.logger),
				wazerohost.WithCompilationCache(cache),
				wazerohost.WithMaxRequestSize(cfg.MaxRequestSize),
			)
			if err != nil {
				_ = p.close(ctx)
				return nil, err
			}
			p.closers = append([]func(context.Context) error{host.Close}, p.closers...)
			pc.host = host
		}
	}
	if pc.factory == nil {
		pc.factory = NativeFactory(cfg, pc.logger)
	}

	p.loader = pc.loader
	p.state = state.New(pc.host, cfg.DataDir,
		state.WithPortRange(cfg.PortRange.Min, cfg.PortRange.Max),
		state.WithLogger(pc.logger),
	)
	prov := provisioner.New(p.state.Host(), pc.catalog, pc.factory, provisioner.WithLogger(pc.logger))
	p.orchestrator = orchestrator.New(p.state.Host(), pc.loader, prov,
		orchestrator.WithLogger(pc.logger),
		orchestrator.WithCatalog(pc.catalog),
	)

	if err := prov.PinEager(ctx); err != nil {
		_ = p.close(ctx)
		return nil, err
	}
	return p, nil
}

// Run starts every container of w. If a container fails after others were
// started, the workload is still registered so Delete can tear down what
// is running.
func (p *Provider) Run(ctx context.Context, w *entities.Workload) error {
	if err := Validate(w); err != nil {
		return err
	}
	key := w.Key
	if p.state.Has(key) {
		return &domainerrors.DuplicateWorkloadError{Workload: key.String()}
	}
	logger := p.logger.With("workload", key.String())

	logDir := p.state.LogPathFor(key)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}

	pod := state.NewPodHandle(key)
	var runErr error
	held := make(map[string]uint16)
	for _, c := range w.Containers {
		handle, port, err := p.runContainer(ctx, w, c, logDir)
		if handle != nil {
			pod.Containers[c.Name] = handle
			if port != 0 {
				held[c.Name] = port
			}
		}
		if err != nil {
			runErr = fmt.Errorf("container %s: %w", c.Name, err)
			break
		}
		logger.InfoContext(ctx, "container running", "container", c.Name, "port", port)
	}

	if len(pod.Containers) == 0 {
		return runErr
	}
	if err := p.state.Register(key, pod); err != nil {
		// Lost a race with a concurrent Run of the same workload.
		serr := pod.Stop(ctx)
		for name, port := range held {
			if _, running := pod.Containers[name]; !running {
				p.state.ReleasePort(port)
				delete(held, name)
			}
		}
		if len(pod.Containers) > 0 {
			p.keepOrphan(ctx, logger, pod, held, serr)
		}
		return err
	}
	return runErr
}

// keepOrphan keeps a pod that is still running but owns no table entry, so
// Close can stop it. Its ports stay reserved.
func (p *Provider) keepOrphan(ctx context.Context, logger *slog.Logger, pod *state.PodHandle, held map[string]uint16, err error) {
	actors := make([]string, 0, len(pod.Containers))
	for _, name := range pod.Names() {
		if c, ok := pod.Containers[name].(interface{ Identity() entities.ActorIdentity }); ok {
			actors = append(actors, name+"="+c.Identity().String())
		} else {
			actors = append(actors, name)
		}
	}
	logger.ErrorContext(ctx, "duplicate workload left running", "containers", actors, "error", err)

	p.orphansMu.Lock()
	p.orphans = append(p.orphans, orphan{pod: pod, ports: held})
	p.orphansMu.Unlock()
}

func (p *Provider) runContainer(ctx context.Context, w *entities.Workload, c entities.Container, logDir string) (*orchestrator.ContainerHandle, uint16, error) {
	actor, err := p.loader.Load(ctx, c.Module)
	if err != nil {
		return nil, 0, err
	}

	req := orchestrator.RunRequest{
		Env:     c.Env,
		LogDir:  logDir,
		Volumes: p.volumes(w, c),
	}
	if actor.HasCapability(entities.HTTPServerCapability) {
		port, err := p.state.AllocatePort(w.Key)
		if err != nil {
			return nil, 0, err
		}
		req.Port = port
	}

	handle, err := p.orchestrator.RunActor(ctx, actor, req)
	if handle == nil {
		if req.Port != 0 {
			p.state.ReleasePort(req.Port)
		}
		return nil, 0, err
	}
	return handle, req.Port, err
}

// volumes returns the container's volumes, placing those without a host
// path under the volume root.
func (p *Provider) volumes(w *entities.Workload, c entities.Container) []entities.VolumeBinding {
	vols := w.VolumesFor(c)
	for i, v := range vols {
		if v.HostPath == "" {
			vols[i].HostPath = filepath.Join(p.state.VolumeRoot(), w.Key.Namespace+"-"+w.Key.Name, v.Name)
		}
	}
	return vols
}

// Delete stops and forgets a workload. Deleting an unknown workload is not
// an error. If an actor cannot be stopped the workload stays registered and
// Delete may be retried.
func (p *Provider) Delete(ctx context.Context, key entities.WorkloadKey) error {
	err := p.state.Evict(ctx, key)
	// Only the lookup miss is success; teardown errors may wrap other misses.
	var missing *domainerrors.NotFoundError
	if errors.As(err, &missing) && missing.Kind == "workload" {
		return nil
	}
	return err
}

// Logs opens a container's log from the start.
func (p *Provider) Logs(_ context.Context, key entities.WorkloadKey, container string) (io.ReadCloser, error) {
	f, err := p.state.Reader(key, container)
	if err != nil {
		return nil, err
	}
	return f.NewReader()
}

// Workloads lists the running workloads.
func (p *Provider) Workloads() []entities.WorkloadKey {
	return p.state.Keys()
}

// Close deletes every workload and shuts the host down.
func (p *Provider) Close(ctx context.Context) error {
	var errs []error
	for _, key := range p.state.Keys() {
		if err := p.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("deleting %s: %w", key, err))
		}
	}
	errs = append(errs, p.stopOrphans(ctx), p.close(ctx))
	return errors.Join(errs...)
}

func (p *Provider) stopOrphans(ctx context.Context) error {
	p.orphansMu.Lock()
	defer p.orphansMu.Unlock()

	var (
		errs      []error
		remaining []orphan
	)
	for _, o := range p.orphans {
		if err := o.pod.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping orphaned %s: %w", o.pod.Key, err))
		}
		// The key may belong to a live workload, so only this pod's ports go.
		for name, port := range o.ports {
			if _, running := o.pod.Containers[name]; !running {
				p.state.ReleasePort(port)
				delete(o.ports, name)
			}
		}
		if len(o.pod.Containers) > 0 {
			remaining = append(remaining, o)
		}
	}
	p.orphans = remaining
	return errors.Join(errs...)
}

func (p *Provider) close(ctx context.Context) error {
	var errs []error
	for _, c := range p.closers {
		errs = append(errs, c(ctx))
	}
	p.closers = nil
	return errors.Join(errs...)
}
