// Package hostfuncs holds the runtime-independent side of the functions the
// host exports to actors: an immutable registry of JSON handlers, the
// middleware wrapped around them, and the call-result envelope they reply
// with. It has no WASM runtime dependency; infrastructure/wazero binds the
// registry into a guest-visible host module.
package hostfuncs
