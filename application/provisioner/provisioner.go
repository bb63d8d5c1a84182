// Package provisioner starts capability provider instances on demand and
// stops them when the last actor using them lets go. Each instance is keyed
// by (capability, binding): at most one is ever started per key.
package provisioner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wasmCloud/krustlet-wasmcloud-provider/application/catalog"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/entities"
	domainerrors "github.com/wasmCloud/krustlet-wasmcloud-provider/domain/errors"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/ports"
)

// Factory builds a fresh provider implementation for one instance.
type Factory func(capability, binding string) (ports.CapabilityProvider, error)

type key struct {
	capability string
	binding    string
}

// entry tracks one provider instance. Its mutex serializes provisioning of
// the key so concurrent callers start it once.
type entry struct {
	providerID string
	mu         sync.Mutex
	refs       int
	started    bool
	pinned     bool
}

type provisionerConfig struct {
	logger *slog.Logger
}

// Option configures a Provisioner.
type Option func(*provisionerConfig)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *provisionerConfig) {
		c.logger = l
	}
}

// Provisioner is safe for concurrent use.
type Provisioner struct {
	host    ports.Host
	catalog *catalog.Catalog
	factory Factory
	entries map[key]*entry
	config  provisionerConfig
	mu      sync.Mutex
}

// New creates a Provisioner starting instances in host.
func New(host ports.Host, cat *catalog.Catalog, factory Factory, opts ...Option) *Provisioner {
	cfg := provisionerConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Provisioner{
		host:    host,
		catalog: cat,
		factory: factory,
		entries: make(map[key]*entry),
		config:  cfg,
	}
}

func (p *Provisioner) entryFor(k key) *entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[k]
	if !ok {
		e = &entry{}
		p.entries[k] = e
	}
	return e
}

// Provision ensures an instance is running for (capability, binding),
// takes a reference on it and returns its provider id. Provisioning an
// already running instance only adds the reference.
func (p *Provisioner) Provision(ctx context.Context, capability, binding string) (string, error) {
	return p.provision(ctx, capability, binding, false)
}

// Pin provisions an instance that is never stopped by Release.
func (p *Provisioner) Pin(ctx context.Context, capability, binding string) (string, error) {
	return p.provision(ctx, capability, binding, true)
}

func (p *Provisioner) provision(ctx context.Context, capability, binding string, pin bool) (string, error) {
	binding = entities.NormalizeBinding(binding)
	cat, err := p.catalog.Lookup(capability)
	if err != nil {
		return "", &domainerrors.ProvisionError{Capability: capability, Binding: binding, Err: err}
	}

	e := p.entryFor(key{capability, binding})
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		impl, err := p.factory(capability, binding)
		if err != nil {
			return "", &domainerrors.ProvisionError{Capability: capability, Binding: binding, Err: err}
		}
		err = p.host.StartProvider(ctx, ports.ProviderSpec{
			Capability: capability,
			Binding:    binding,
			ProviderID: cat.ProviderID,
			Provider:   impl,
		})
		if err != nil {
			return "", &domainerrors.ProvisionError{Capability: capability, Binding: binding, Err: err}
		}
		e.started = true
		e.providerID = cat.ProviderID
		p.config.logger.InfoContext(ctx, "provisioned capability provider",
			"capability", capability, "binding", binding, "provider_id", cat.ProviderID)
	}

	if pin {
		e.pinned = true
	}
	if !e.pinned {
		e.refs++
	}
	return e.providerID, nil
}

// Release drops a reference taken by Provision and stops the instance when
// none remain. Releasing a pinned or unknown instance does nothing.
func (p *Provisioner) Release(ctx context.Context, capability, binding string) error {
	binding = entities.NormalizeBinding(binding)
	k := key{capability, binding}

	p.mu.Lock()
	e, ok := p.entries[k]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || e.pinned || e.refs == 0 {
		return nil
	}
	e.refs--
	if e.refs > 0 {
		return nil
	}

	if err := p.host.StopProvider(ctx, capability, binding); err != nil {
		e.refs++
		return fmt.Errorf("stopping %s provider for binding %s: %w", capability, binding, err)
	}
	e.started = false
	e.providerID = ""
	p.config.logger.InfoContext(ctx, "released capability provider", "capability", capability, "binding", binding)
	return nil
}

// IsProvisioned reports whether an instance is running for the key.
func (p *Provisioner) IsProvisioned(capability, binding string) bool {
	p.mu.Lock()
	e, ok := p.entries[key{capability, entities.NormalizeBinding(binding)}]
	p.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// PinEager starts every eager catalog entry under the default binding.
func (p *Provisioner) PinEager(ctx context.Context) error {
	for _, e := range p.catalog.Eager() {
		if _, err := p.Pin(ctx, e.Capability, ""); err != nil {
			return err
		}
	}
	return nil
}
