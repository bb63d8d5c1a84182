package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"

	"github.com/wasmCloud/krustlet-wasmcloud-provider/application/logbridge"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/application/provisioner"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/entities"
	domainerrors "github.com/wasmCloud/krustlet-wasmcloud-provider/domain/errors"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/ports"
)

// ActorHandle owns the links of one running actor and knows how to undo
// them. The Host itself is shared and not owned.
type ActorHandle struct {
	host         ports.Host
	provisioner  *provisioner.Provisioner
	logger       *slog.Logger
	identity     entities.ActorIdentity
	volumes      []entities.VolumeBinding
	capabilities []string
	unmanaged    []string
	mu           sync.Mutex
	stopped      bool
}

func (h *ActorHandle) linked(capability string, vol *entities.VolumeBinding) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if vol != nil {
		h.volumes = append(h.volumes, *vol)
	}
	if !slices.Contains(h.capabilities, capability) {
		h.capabilities = append(h.capabilities, capability)
	}
}

// Identity returns the actor's identity.
func (h *ActorHandle) Identity() entities.ActorIdentity {
	return h.identity
}

// Capabilities returns the linked capabilities in link order.
func (h *ActorHandle) Capabilities() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.capabilities)
}

// Volumes returns the volumes with a live blob storage link.
func (h *ActorHandle) Volumes() []entities.VolumeBinding {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.volumes)
}

// Stop unlinks every capability in reverse link order and stops the actor.
//
// Unlink and release failures do not stop the teardown; they are returned
// in a *domainerrors.TeardownError once the actor is stopped. If the actor
// itself cannot be stopped a *domainerrors.StopError is returned and Stop
// may be called again. Stopping a stopped handle does nothing.
func (h *ActorHandle) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return nil
	}

	volumes := h.volumes
	h.volumes = nil

	var (
		errs      []error
		remaining []string
	)
	order := entities.LinkPrecedence()
	slices.Reverse(order)
	for _, c := range order {
		if !slices.Contains(h.capabilities, c) {
			continue
		}
		if c == entities.BlobstoreCapability {
			for _, v := range volumes {
				errs = append(errs, h.unlink(ctx, c, v.Name), h.release(ctx, c, v.Name))
			}
			continue
		}
		if err := h.unlink(ctx, c, ""); err != nil {
			remaining = append(remaining, c)
			errs = append(errs, err)
			continue
		}
		errs = append(errs, h.release(ctx, c, ""))
	}
	for _, c := range h.unmanaged {
		h.logger.InfoContext(ctx, "skipping unmanaged capability", "capability", c)
	}
	slices.Reverse(remaining)

	if err := h.host.StopActor(ctx, h.identity); err != nil {
		h.capabilities = remaining
		h.logger.ErrorContext(ctx, "failed to stop actor", "error", err)
		return &domainerrors.StopError{Actor: h.identity.String(), Err: err, Teardown: h.teardown(errs)}
	}
	// The links of a stopped actor are gone with it.
	for _, c := range remaining {
		errs = append(errs, h.release(ctx, c, ""))
	}

	h.stopped = true
	h.capabilities = nil
	h.logger.InfoContext(ctx, "actor stopped")
	if teardown := h.teardown(errs); teardown != nil {
		return teardown
	}
	return nil
}

func (h *ActorHandle) teardown(errs []error) *domainerrors.TeardownError {
	errs = slices.DeleteFunc(slices.Clone(errs), func(err error) bool { return err == nil })
	if len(errs) == 0 {
		return nil
	}
	return &domainerrors.TeardownError{Actor: h.identity.String(), Errs: errs}
}

func (h *ActorHandle) unlink(ctx context.Context, capability, binding string) error {
	err := h.host.RemoveLink(ctx, h.identity, capability, binding)
	if err == nil || errors.Is(err, domainerrors.ErrNotFound) {
		return nil
	}
	h.logger.WarnContext(ctx, "failed to unlink capability",
		"capability", capability, "binding", entities.NormalizeBinding(binding), "error", err)
	return &domainerrors.LinkError{
		Actor:      h.identity.String(),
		Capability: capability,
		Binding:    entities.NormalizeBinding(binding),
		Err:        err,
	}
}

func (h *ActorHandle) release(ctx context.Context, capability, binding string) error {
	err := h.provisioner.Release(ctx, capability, binding)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to release provider",
			"capability", capability, "binding", entities.NormalizeBinding(binding), "error", err)
	}
	return err
}

// Wait returns once the actor has exited. Stop is synchronous, so there is
// nothing to wait for.
func (h *ActorHandle) Wait(context.Context) error {
	return nil
}

// ContainerHandle is a running actor plus its log file.
type ContainerHandle struct {
	Actor *ActorHandle
	Logs  *logbridge.Handle
}

// Stop stops the actor and, once it is down, removes its log file.
func (c *ContainerHandle) Stop(ctx context.Context) error {
	err := c.Actor.Stop(ctx)
	if domainerrors.IsStopFailure(err) {
		return err
	}
	return errors.Join(err, c.Logs.Close())
}

// Identity returns the identity of the container's actor.
func (c *ContainerHandle) Identity() entities.ActorIdentity {
	return c.Actor.Identity()
}

// NewReader opens the actor's log from the start.
func (c *ContainerHandle) NewReader() (io.ReadCloser, error) {
	return c.Logs.NewReader()
}
