package testutil

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/entities"
	domainerrors "github.com/wasmCloud/krustlet-wasmcloud-provider/domain/errors"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/ports"
)

// FakeHost is an in-memory ports.Host that records every call. Hooks let a
// test fail individual operations.
type FakeHost struct {
	StartActorErr    func(actor entities.ActorIdentity) error
	StopActorErr     func(actor entities.ActorIdentity) error
	StartProviderErr func(capability, binding string) error
	StopProviderErr  func(capability, binding string) error
	SetLinkErr       func(actor entities.ActorIdentity, desc entities.CapabilityDescriptor) error
	RemoveLinkErr    func(actor entities.ActorIdentity, capability, binding string) error

	actors    map[entities.ActorIdentity]bool
	providers map[string]ports.ProviderSpec
	links     map[string]entities.CapabilityDescriptor
	calls     []string
	mu        sync.Mutex
}

var _ ports.Host = (*FakeHost)(nil)

// NewFakeHost returns an empty FakeHost.
func NewFakeHost() *FakeHost {
	return &FakeHost{
		actors:    make(map[entities.ActorIdentity]bool),
		providers: make(map[string]ports.ProviderSpec),
		links:     make(map[string]entities.CapabilityDescriptor),
	}
}

func target(capability, binding string) string {
	return capability + "/" + entities.NormalizeBinding(binding)
}

func linkID(actor entities.ActorIdentity, capability, binding string) string {
	return actor.String() + "->" + target(capability, binding)
}

func (h *FakeHost) record(format string, args ...any) {
	h.calls = append(h.calls, fmt.Sprintf(format, args...))
}

func (h *FakeHost) StartActor(_ context.Context, actor *entities.Actor) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("StartActor %s", actor.Identity)
	if h.StartActorErr != nil {
		if err := h.StartActorErr(actor.Identity); err != nil {
			return err
		}
	}
	if h.actors[actor.Identity] {
		return fmt.Errorf("actor %s is already running", actor.Identity)
	}
	h.actors[actor.Identity] = true
	return nil
}

func (h *FakeHost) StopActor(_ context.Context, actor entities.ActorIdentity) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("StopActor %s", actor)
	if h.StopActorErr != nil {
		if err := h.StopActorErr(actor); err != nil {
			return err
		}
	}
	if !h.actors[actor] {
		return &domainerrors.NotFoundError{Kind: "actor", Name: actor.String()}
	}
	delete(h.actors, actor)
	for id, desc := range h.links {
		if id == linkID(actor, desc.Name, desc.Binding) {
			delete(h.links, id)
		}
	}
	return nil
}

func (h *FakeHost) StartProvider(_ context.Context, spec ports.ProviderSpec) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := target(spec.Capability, spec.Binding)
	h.record("StartProvider %s", t)
	if h.StartProviderErr != nil {
		if err := h.StartProviderErr(spec.Capability, entities.NormalizeBinding(spec.Binding)); err != nil {
			return err
		}
	}
	if _, ok := h.providers[t]; ok {
		return fmt.Errorf("provider %s is already running", t)
	}
	h.providers[t] = spec
	return nil
}

func (h *FakeHost) StopProvider(_ context.Context, capability, binding string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := target(capability, binding)
	h.record("StopProvider %s", t)
	if h.StopProviderErr != nil {
		if err := h.StopProviderErr(capability, entities.NormalizeBinding(binding)); err != nil {
			return err
		}
	}
	if _, ok := h.providers[t]; !ok {
		return &domainerrors.NotFoundError{Kind: "provider", Name: t}
	}
	delete(h.providers, t)
	return nil
}

func (h *FakeHost) SetLink(_ context.Context, actor entities.ActorIdentity, desc entities.CapabilityDescriptor) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("SetLink %s %s", actor, target(desc.Name, desc.Binding))
	if h.SetLinkErr != nil {
		if err := h.SetLinkErr(actor, desc); err != nil {
			return err
		}
	}
	if !h.actors[actor] {
		return &domainerrors.NotFoundError{Kind: "actor", Name: actor.String()}
	}
	if _, ok := h.providers[target(desc.Name, desc.Binding)]; !ok {
		return &domainerrors.NotFoundError{Kind: "provider", Name: target(desc.Name, desc.Binding)}
	}
	h.links[linkID(actor, desc.Name, desc.Binding)] = desc
	return nil
}

func (h *FakeHost) RemoveLink(_ context.Context, actor entities.ActorIdentity, capability, binding string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("RemoveLink %s %s", actor, target(capability, binding))
	if h.RemoveLinkErr != nil {
		if err := h.RemoveLinkErr(actor, capability, entities.NormalizeBinding(binding)); err != nil {
			return err
		}
	}
	id := linkID(actor, capability, binding)
	if _, ok := h.links[id]; !ok {
		return &domainerrors.NotFoundError{Kind: "link", Name: id}
	}
	delete(h.links, id)
	return nil
}

// Calls returns the recorded calls in order.
func (h *FakeHost) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.calls)
}

// ResetCalls clears the call log.
func (h *FakeHost) ResetCalls() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = nil
}

// Link returns the descriptor of an active link.
func (h *FakeHost) Link(actor entities.ActorIdentity, capability, binding string) (entities.CapabilityDescriptor, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	desc, ok := h.links[linkID(actor, capability, binding)]
	return desc, ok
}

// LinkCount returns the number of active links.
func (h *FakeHost) LinkCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.links)
}

// Running reports whether the actor is running.
func (h *FakeHost) Running(actor entities.ActorIdentity) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.actors[actor]
}

// Provider returns a running provider instance.
func (h *FakeHost) Provider(capability, binding string) (ports.ProviderSpec, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	spec, ok := h.providers[target(capability, binding)]
	return spec, ok
}
