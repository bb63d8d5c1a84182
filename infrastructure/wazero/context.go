package wazero

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/entities"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/hostfuncs"
)

// actorContext tags ctx with the actor owning mod. An identity already on
// the context wins over the module name.
func actorContext(ctx context.Context, mod api.Module) context.Context {
	if _, ok := hostfuncs.ActorFrom(ctx); ok {
		return ctx
	}
	return hostfuncs.WithActor(ctx, entities.ActorIdentity(mod.Name()))
}
