// Package orchestrator starts an actor and links it to the capability
// providers it declares, handing back the handle that undoes it all.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wasmCloud/krustlet-wasmcloud-provider/application/catalog"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/application/logbridge"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/application/provisioner"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/entities"
	domainerrors "github.com/wasmCloud/krustlet-wasmcloud-provider/domain/errors"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/ports"
)

// RunRequest is everything needed to run one actor.
type RunRequest struct {
	Env     entities.EnvVars
	LogDir  string
	Module  []byte
	Volumes []entities.VolumeBinding
	// Port must be reserved by the caller when the actor declares the HTTP
	// server capability.
	Port uint16
}

type orchestratorConfig struct {
	logger  *slog.Logger
	catalog *catalog.Catalog
}

// Option configures an Orchestrator.
type Option func(*orchestratorConfig)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *orchestratorConfig) {
		c.logger = l
	}
}

// WithCatalog replaces the well-known capability catalog.
func WithCatalog(cat *catalog.Catalog) Option {
	return func(c *orchestratorConfig) {
		c.catalog = cat
	}
}

// Orchestrator is stateless apart from its collaborators and is safe for
// concurrent use.
type Orchestrator struct {
	host        ports.Host
	loader      ports.ActorLoader
	provisioner *provisioner.Provisioner
	config      orchestratorConfig
}

// New creates an Orchestrator. host should serialize management calls.
func New(host ports.Host, loader ports.ActorLoader, prov *provisioner.Provisioner, opts ...Option) *Orchestrator {
	cfg := orchestratorConfig{logger: slog.Default(), catalog: catalog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Orchestrator{host: host, loader: loader, provisioner: prov, config: cfg}
}

// Run loads req.Module and runs it. See RunActor.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*ContainerHandle, error) {
	actor, err := o.loader.Load(ctx, req.Module)
	if err != nil {
		return nil, err
	}
	return o.RunActor(ctx, actor, req)
}

// link is one planned link of the actor.
type link struct {
	volume *entities.VolumeBinding
	desc   entities.CapabilityDescriptor
}

// RunActor provisions, starts and links a loaded actor.
//
// Failures before the actor starts leave nothing behind. Once the actor is
// started a link failure returns the partial handle along with a
// *domainerrors.LinkError; links that were made are not undone and the
// caller must Stop the handle.
func (o *Orchestrator) RunActor(ctx context.Context, actor *entities.Actor, req RunRequest) (*ContainerHandle, error) {
	logger := o.config.logger.With("actor", actor.Identity.String())

	logs, err := logbridge.Create(req.LogDir)
	if err != nil {
		return nil, err
	}

	plan, err := o.plan(ctx, logger, actor, req, logs.Path())
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	for i := range plan {
		id, err := o.provisioner.Provision(ctx, plan[i].desc.Name, plan[i].desc.Binding)
		if err != nil {
			o.release(ctx, logger, plan[:i])
			_ = logs.Close()
			return nil, err
		}
		plan[i].desc.ProviderID = id
	}

	if err := o.host.StartActor(ctx, actor); err != nil {
		o.release(ctx, logger, plan)
		_ = logs.Close()
		return nil, fmt.Errorf("starting actor %s: %w", actor.Identity, err)
	}
	logger.InfoContext(ctx, "actor started", "name", actor.Name())

	handle := &ActorHandle{
		identity:    actor.Identity,
		host:        o.host,
		provisioner: o.provisioner,
		logger:      logger,
	}
	for _, c := range actor.Capabilities() {
		if !o.config.catalog.IsManaged(c) {
			handle.unmanaged = append(handle.unmanaged, c)
		}
	}
	container := &ContainerHandle{Actor: handle, Logs: logs}

	for i, l := range plan {
		if err := o.host.SetLink(ctx, actor.Identity, l.desc); err != nil {
			o.release(ctx, logger, plan[i:])
			return container, &domainerrors.LinkError{
				Actor:      actor.Identity.String(),
				Capability: l.desc.Name,
				Binding:    l.desc.Binding,
				Err:        err,
			}
		}
		handle.linked(l.desc.Name, l.volume)
		logger.DebugContext(ctx, "capability linked", "capability", l.desc.Name, "binding", l.desc.Binding)
	}
	return container, nil
}

// plan builds the descriptors of every managed capability the actor
// declares, in link order.
func (o *Orchestrator) plan(ctx context.Context, logger *slog.Logger, actor *entities.Actor, req RunRequest, logPath string) ([]link, error) {
	for _, c := range actor.Capabilities() {
		if !o.config.catalog.IsManaged(c) {
			logger.InfoContext(ctx, "skipping unmanaged capability", "capability", c)
		}
	}

	var plan []link
	add := func(cfg entities.LinkConfig, vol *entities.VolumeBinding) error {
		if err := o.config.catalog.Validate(cfg); err != nil {
			return err
		}
		plan = append(plan, link{
			volume: vol,
			desc: entities.CapabilityDescriptor{
				Name:    cfg.Capability(),
				Binding: entities.NormalizeBinding(cfg.Binding()),
				Env:     entities.Overlay(req.Env, cfg),
			},
		})
		return nil
	}

	for _, c := range entities.LinkPrecedence() {
		if !actor.HasCapability(c) {
			continue
		}
		switch c {
		case entities.LoggingCapability:
			if err := add(entities.LoggingLinkConfig{LogPath: logPath}, nil); err != nil {
				return nil, err
			}
		case entities.HTTPServerCapability:
			if err := add(entities.HTTPServerLinkConfig{Port: req.Port}, nil); err != nil {
				return nil, err
			}
		case entities.BlobstoreCapability:
			if len(req.Volumes) == 0 {
				logger.InfoContext(ctx, "blob storage declared without volumes, not linking")
			}
			for _, v := range req.Volumes {
				cfg := entities.BlobstoreLinkConfig{Volume: v.Name, Root: v.HostPath}
				if err := add(cfg, &v); err != nil {
					return nil, err
				}
			}
		}
	}
	return plan, nil
}

// release drops the provisioner references of links that were never made.
func (o *Orchestrator) release(ctx context.Context, logger *slog.Logger, plan []link) {
	for _, l := range plan {
		if err := o.provisioner.Release(ctx, l.desc.Name, l.desc.Binding); err != nil {
			logger.WarnContext(ctx, "releasing unused provider failed",
				"capability", l.desc.Name, "binding", l.desc.Binding, "error", err)
		}
	}
}
