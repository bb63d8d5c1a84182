package entities

import (
	"maps"
	"slices"
)

// Well-known capability contract ids.
const (
	BlobstoreCapability  = "wasmcloud:blobstore"
	HTTPServerCapability = "wasmcloud:httpserver"
	LoggingCapability    = "wasmcloud:logging"
)

// Environment keys consumed by the built-in providers.
const (
	LogPathKey = "LOG_PATH"
	PortKey    = "PORT"
	RootDirKey = "ROOT"
)

// DefaultBinding names the link of a capability that is not bound per volume.
const DefaultBinding = "default"

// NormalizeBinding maps the empty binding to DefaultBinding.
func NormalizeBinding(binding string) string {
	if binding == "" {
		return DefaultBinding
	}
	return binding
}

// LinkPrecedence returns the capability order in which links are
// established. Teardown walks the same list backwards.
func LinkPrecedence() []string {
	return []string{LoggingCapability, HTTPServerCapability, BlobstoreCapability}
}

// EnvVars is the string configuration handed to an actor's links.
type EnvVars map[string]string

// Clone returns an independent copy; a nil map clones to an empty one.
func (e EnvVars) Clone() EnvVars {
	out := make(EnvVars, len(e))
	maps.Copy(out, e)
	return out
}

// Keys returns the variable names in sorted order.
func (e EnvVars) Keys() []string {
	return slices.Sorted(maps.Keys(e))
}

// CapabilityDescriptor is everything the host needs to link one actor to
// one provider instance.
type CapabilityDescriptor struct {
	Env        EnvVars
	Name       string
	Binding    string
	ProviderID string
}

// String renders the descriptor as capability or capability/binding.
func (d CapabilityDescriptor) String() string {
	if d.Binding == "" || d.Binding == DefaultBinding {
		return d.Name
	}
	return d.Name + "/" + d.Binding
}

// VolumeBinding names a host directory that backs one blob storage link.
// An empty HostPath is placed under the provider's volume root.
type VolumeBinding struct {
	Name     string `json:"name" yaml:"name" validate:"required,hostname_rfc1123"`
	HostPath string `json:"host_path,omitempty" yaml:"host_path,omitempty"`
}
