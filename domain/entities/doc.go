// Package entities provides the core domain types of the actor host:
// verified actors, capability descriptors, link configurations, workloads
// and the JSON wire formats exchanged with guests and providers.
package entities
