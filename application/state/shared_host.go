package state

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/entities"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/ports"
)

// SharedHost serializes every management call into a Host. Waiting for the
// lock honors context cancellation.
type SharedHost struct {
	host ports.Host
	sem  *semaphore.Weighted
}

var _ ports.Host = (*SharedHost)(nil)

// NewSharedHost wraps host.
func NewSharedHost(host ports.Host) *SharedHost {
	return &SharedHost{host: host, sem: semaphore.NewWeighted(1)}
}

// Acquire takes the exclusive lock. The returned func releases it.
func (s *SharedHost) Acquire(ctx context.Context) (func(), error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { s.sem.Release(1) }, nil
}

func (s *SharedHost) with(ctx context.Context, fn func(ports.Host) error) error {
	release, err := s.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(s.host)
}

func (s *SharedHost) StartActor(ctx context.Context, actor *entities.Actor) error {
	return s.with(ctx, func(h ports.Host) error { return h.StartActor(ctx, actor) })
}

func (s *SharedHost) StopActor(ctx context.Context, actor entities.ActorIdentity) error {
	return s.with(ctx, func(h ports.Host) error { return h.StopActor(ctx, actor) })
}

func (s *SharedHost) StartProvider(ctx context.Context, spec ports.ProviderSpec) error {
	return s.with(ctx, func(h ports.Host) error { return h.StartProvider(ctx, spec) })
}

func (s *SharedHost) StopProvider(ctx context.Context, capability, binding string) error {
	return s.with(ctx, func(h ports.Host) error { return h.StopProvider(ctx, capability, binding) })
}

func (s *SharedHost) SetLink(ctx context.Context, actor entities.ActorIdentity, desc entities.CapabilityDescriptor) error {
	return s.with(ctx, func(h ports.Host) error { return h.SetLink(ctx, actor, desc) })
}

func (s *SharedHost) RemoveLink(ctx context.Context, actor entities.ActorIdentity, capability, binding string) error {
	return s.with(ctx, func(h ports.Host) error { return h.RemoveLink(ctx, actor, capability, binding) })
}
