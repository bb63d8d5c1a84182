package hostfuncs

import (
	"context"

	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/entities"
)

// HostContext wraps a standard context.Context with host function-specific helpers.
type HostContext interface {
	context.Context

	// FunctionName returns the name of the host function being invoked.
	FunctionName() string
}

type hostContext struct {
	context.Context
	funcName string
}

// NewHostContext creates a new HostContext wrapping the given context.
func NewHostContext(ctx context.Context, funcName string) HostContext {
	return &hostContext{Context: ctx, funcName: funcName}
}

func (c *hostContext) FunctionName() string {
	return c.funcName
}

// HostContextFrom returns ctx if it is already a HostContext, otherwise
// wraps it.
func HostContextFrom(ctx context.Context, funcName string) HostContext {
	if hc, ok := ctx.(HostContext); ok {
		return hc
	}
	return NewHostContext(ctx, funcName)
}

type actorKey struct{}

// WithActor records the calling actor on ctx.
func WithActor(ctx context.Context, actor entities.ActorIdentity) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the calling actor recorded by WithActor.
func ActorFrom(ctx context.Context) (entities.ActorIdentity, bool) {
	actor, ok := ctx.Value(actorKey{}).(entities.ActorIdentity)
	return actor, ok && actor != ""
}
