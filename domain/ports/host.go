package ports

import (
	"context"

	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/entities"
)

// ProviderSpec describes one provider instance to start in a Host.
type ProviderSpec struct {
	Provider   CapabilityProvider
	Capability string
	Binding    string
	ProviderID string
}

// Host runs actors and capability providers and routes calls between
// linked pairs. Implementations are not required to be safe for
// concurrent management calls; see the state package for the serializing
// wrapper.
type Host interface {
	// StartActor instantiates a verified actor.
	StartActor(ctx context.Context, actor *entities.Actor) error

	// StopActor tears down a running actor. Links still held by the actor
	// are dropped.
	StopActor(ctx context.Context, actor entities.ActorIdentity) error

	// StartProvider starts a provider instance under (capability, binding).
	StartProvider(ctx context.Context, spec ProviderSpec) error

	// StopProvider stops the provider instance and drops its links.
	StopProvider(ctx context.Context, capability, binding string) error

	// SetLink connects an actor to the provider instance named by the
	// descriptor, handing the provider the descriptor's environment.
	SetLink(ctx context.Context, actor entities.ActorIdentity, desc entities.CapabilityDescriptor) error

	// RemoveLink disconnects an actor from a provider instance.
	RemoveLink(ctx context.Context, actor entities.ActorIdentity, capability, binding string) error
}
