package testutil

import (
	"context"

	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/entities"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/ports"
)

// NopProvider is a CapabilityProvider that accepts everything and does
// nothing.
type NopProvider struct {
	Capability string
	Binding    string
}

var _ ports.CapabilityProvider = (*NopProvider)(nil)

func (*NopProvider) Start(context.Context, ports.Dispatcher) error { return nil }

func (*NopProvider) BindActor(context.Context, entities.ActorIdentity, entities.EnvVars) error {
	return nil
}

func (*NopProvider) RemoveActor(context.Context, entities.ActorIdentity) error { return nil }

func (*NopProvider) HandleCall(context.Context, entities.ActorIdentity, string, []byte) ([]byte, error) {
	return nil, nil
}

func (*NopProvider) Stop(context.Context) error { return nil }

// NopFactory builds NopProviders.
func NopFactory(capability, binding string) (ports.CapabilityProvider, error) {
	return &NopProvider{Capability: capability, Binding: binding}, nil
}
