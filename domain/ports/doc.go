// Package ports defines the interfaces between the actor lifecycle logic and
// the runtime that executes actors and capability providers.
// Domain logic depends on these abstractions; infrastructure adapters
// implement them.
package ports
