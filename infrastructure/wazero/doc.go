// Package wazero runs actors and capability providers on the wazero
// runtime. Host implements ports.Host: it instantiates actor modules,
// keeps the table of started providers and active links, and routes calls
// in both directions between linked pairs.
//
// Guest ABI. Every buffer crossing the boundary is JSON, addressed by a
// packed i64 (upper 32 bits pointer, lower 32 bits length).
//
// Imports provided under the "wasmcloud" module:
//
//	host_call(req i64) i64     entities.HostCall -> entities.CallResult
//	console_log(msg i64)       entities.ConsoleLog
//
// Exports expected from actors:
//
//	allocate(size i32) i32             buffer for host-written data
//	handle_call(ptr i32, len i32) i64  entities.GuestCall -> entities.CallResult
//
// An actor only reaches providers it holds a link to; the calling actor is
// identified by its module instance name, which is its identity.
package wazero
