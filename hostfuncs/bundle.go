package hostfuncs

import "maps"

// HostFuncBundle is a set of related host functions registered together.
type HostFuncBundle interface {
	// Handlers returns a map of handler names to ByteHandler functions.
	Handlers() map[string]ByteHandler
}

type staticBundle struct {
	handlers map[string]ByteHandler
}

func (b *staticBundle) Handlers() map[string]ByteHandler {
	return maps.Clone(b.handlers)
}

// NewBundle returns a bundle over a fixed handler map.
func NewBundle(handlers map[string]ByteHandler) HostFuncBundle {
	return &staticBundle{handlers: maps.Clone(handlers)}
}
