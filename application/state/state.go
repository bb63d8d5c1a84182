// Package state holds the process-wide tables shared by every workload: the
// running pods, the HTTP port reservations, the filesystem roots and the
// serialized Host.
package state

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/entities"
	domainerrors "github.com/wasmCloud/krustlet-wasmcloud-provider/domain/errors"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/ports"
)

// Directory names under the data directory.
const (
	LogDirName    = "wasmcloud-logs"
	VolumeDirName = "volumes"
)

// Container is one running actor of a pod.
type Container interface {
	ports.LogReaderFactory

	// Stop tears the actor down. A *domainerrors.StopError means the actor
	// is still running and Stop may be retried.
	Stop(ctx context.Context) error
}

// PodHandle is the table entry of one workload.
type PodHandle struct {
	Containers map[string]Container
	Key        entities.WorkloadKey
}

// NewPodHandle creates an empty handle for key.
func NewPodHandle(key entities.WorkloadKey) *PodHandle {
	return &PodHandle{Key: key, Containers: make(map[string]Container)}
}

// Names returns the container names in sorted order.
func (p *PodHandle) Names() []string {
	names := make([]string, 0, len(p.Containers))
	for name := range p.Containers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stop stops every container. Containers that stopped are removed from the
// handle; those that could not be stopped stay for a retry.
func (p *PodHandle) Stop(ctx context.Context) error {
	var errs []error
	for _, name := range p.Names() {
		err := p.Containers[name].Stop(ctx)
		if !domainerrors.IsStopFailure(err) {
			delete(p.Containers, name)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type stateConfig struct {
	logger  *slog.Logger
	minPort uint16
	maxPort uint16
}

// Option configures a ProviderState.
type Option func(*stateConfig)

// WithPortRange sets the inclusive HTTP port range.
func WithPortRange(min, max uint16) Option {
	return func(c *stateConfig) {
		c.minPort = min
		c.maxPort = max
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *stateConfig) {
		c.logger = l
	}
}

// ProviderState lives for the whole process.
type ProviderState struct {
	host    *SharedHost
	ports   *PortAllocator
	handles map[entities.WorkloadKey]*PodHandle
	logger  *slog.Logger
	dataDir string
	mu      sync.RWMutex
}

// New creates the state. host is wrapped in a SharedHost.
func New(host ports.Host, dataDir string, opts ...Option) *ProviderState {
	cfg := stateConfig{
		logger:  slog.Default(),
		minPort: DefaultMinPort,
		maxPort: DefaultMaxPort,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	shared, ok := host.(*SharedHost)
	if !ok {
		shared = NewSharedHost(host)
	}
	return &ProviderState{
		host:    shared,
		ports:   NewPortAllocator(cfg.minPort, cfg.maxPort),
		handles: make(map[entities.WorkloadKey]*PodHandle),
		logger:  cfg.logger,
		dataDir: dataDir,
	}
}

// Host returns the serialized Host.
func (s *ProviderState) Host() *SharedHost {
	return s.host
}

// Ports returns the port allocator.
func (s *ProviderState) Ports() *PortAllocator {
	return s.ports
}

// Register adds a handle. The key must not be present.
func (s *ProviderState) Register(key entities.WorkloadKey, handle *PodHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handles[key]; ok {
		return &domainerrors.DuplicateWorkloadError{Workload: key.String()}
	}
	s.handles[key] = handle
	return nil
}

// Remove deletes and returns the handle of key, if any.
func (s *ProviderState) Remove(key entities.WorkloadKey) (*PodHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[key]
	delete(s.handles, key)
	return h, ok
}

// Get returns the handle of key.
func (s *ProviderState) Get(key entities.WorkloadKey) (*PodHandle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handles[key]
	return h, ok
}

// Has reports whether key is registered.
func (s *ProviderState) Has(key entities.WorkloadKey) bool {
	_, ok := s.Get(key)
	return ok
}

// Keys returns the registered workloads in a stable order.
func (s *ProviderState) Keys() []entities.WorkloadKey {
	s.mu.RLock()
	keys := make([]entities.WorkloadKey, 0, len(s.handles))
	for k := range s.handles {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	slices.SortFunc(keys, func(a, b entities.WorkloadKey) int {
		return cmp.Compare(a.String(), b.String())
	})
	return keys
}

// Reader opens a log stream of one container.
func (s *ProviderState) Reader(key entities.WorkloadKey, container string) (ports.LogReaderFactory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handles[key]
	if !ok {
		return nil, &domainerrors.NotFoundError{Kind: "workload", Name: key.String()}
	}
	c, ok := h.Containers[container]
	if !ok {
		return nil, &domainerrors.NotFoundError{Kind: "container", Name: key.String() + "/" + container}
	}
	return c, nil
}

// Evict stops the workload under the table lock. The handle is removed and
// its ports freed unless some container failed to stop, in which case it
// stays registered with only the survivors.
func (s *ProviderState) Evict(ctx context.Context, key entities.WorkloadKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[key]
	if !ok {
		return &domainerrors.NotFoundError{Kind: "workload", Name: key.String()}
	}

	err := h.Stop(ctx)
	if domainerrors.IsStopFailure(err) {
		s.logger.ErrorContext(ctx, "workload left running", "workload", key.String(), "error", err)
		return err
	}

	delete(s.handles, key)
	s.ports.ReleaseAll(key)
	if err != nil {
		s.logger.WarnContext(ctx, "workload stopped with teardown errors", "workload", key.String(), "error", err)
	}
	return err
}

// AllocatePort reserves an HTTP port for key.
func (s *ProviderState) AllocatePort(key entities.WorkloadKey) (uint16, error) {
	return s.ports.Allocate(key)
}

// ReleasePort frees a port.
func (s *ProviderState) ReleasePort(port uint16) {
	s.ports.Release(port)
}

// LogRoot is the parent of every workload log directory.
func (s *ProviderState) LogRoot() string {
	return filepath.Join(s.dataDir, LogDirName)
}

// LogPathFor returns the log directory of a workload.
func (s *ProviderState) LogPathFor(key entities.WorkloadKey) string {
	return filepath.Join(s.LogRoot(), key.Namespace+"-"+key.Name)
}

// VolumeRoot is where volume host paths live.
func (s *ProviderState) VolumeRoot() string {
	return filepath.Join(s.dataDir, VolumeDirName)
}
