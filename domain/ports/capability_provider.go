package ports

import (
	"context"

	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/entities"
)

// Dispatcher delivers a provider-originated call to a running actor.
type Dispatcher interface {
	Dispatch(ctx context.Context, actor entities.ActorIdentity, operation string, payload []byte) ([]byte, error)
}

// CapabilityProvider implements a capability contract on behalf of the
// actors linked to it.
type CapabilityProvider interface {
	// Start is called once before any actor is bound.
	Start(ctx context.Context, dispatcher Dispatcher) error

	// BindActor configures the provider for one actor using the link
	// environment.
	BindActor(ctx context.Context, actor entities.ActorIdentity, env entities.EnvVars) error

	// RemoveActor releases everything the provider holds for the actor.
	RemoveActor(ctx context.Context, actor entities.ActorIdentity) error

	// HandleCall serves an operation invoked by a linked actor.
	HandleCall(ctx context.Context, actor entities.ActorIdentity, operation string, payload []byte) ([]byte, error)

	// Stop shuts the provider down.
	Stop(ctx context.Context) error
}
