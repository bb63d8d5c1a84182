// Package catalog is the fixed table of capabilities the host knows how to
// provision: which provider serves each contract, whether it is bound per
// volume, and the shape of the link configuration it expects.
package catalog

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"

	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/entities"
	domainerrors "github.com/wasmCloud/krustlet-wasmcloud-provider/domain/errors"
)

// Provider public keys of the built-in capability providers.
const (
	BlobstoreProviderID  = "VA3XZJXPRTT7J7XXJE24LMPK7HQR73W2TOZSJ64ZZMO4YWMIO2SB3IB2"
	HTTPServerProviderID = "VBH3MFCEDPQPSIYKUC7IUW7RU2G6XXEJF34RO26WVRTGGE4UQ5XTA3VQ"
	LoggingProviderID    = "VDIYW63237VJQSHISKPBO2CQ674OPI5ZCVWQ2PXTA4HIYO5LXHLL3DXQ"
)

// Entry describes one provisionable capability.
type Entry struct {
	// Config is a zero value of the link configuration, used for its schema.
	Config     entities.LinkConfig
	Capability string
	ProviderID string
	Name       string
	Vendor     string
	// PerVolume providers get one instance per volume binding.
	PerVolume bool
	// Eager providers are started with the host and never released.
	Eager bool
}

// WellKnown returns the built-in capability entries.
func WellKnown() []Entry {
	return []Entry{
		{
			Capability: entities.LoggingCapability,
			ProviderID: LoggingProviderID,
			Name:       "wasmCloud Logging",
			Vendor:     "wasmCloud",
			Config:     entities.LoggingLinkConfig{},
			Eager:      true,
		},
		{
			Capability: entities.HTTPServerCapability,
			ProviderID: HTTPServerProviderID,
			Name:       "wasmCloud HTTP Server",
			Vendor:     "wasmCloud",
			Config:     entities.HTTPServerLinkConfig{},
			Eager:      true,
		},
		{
			Capability: entities.BlobstoreCapability,
			ProviderID: BlobstoreProviderID,
			Name:       "wasmCloud FS Provider",
			Vendor:     "wasmCloud",
			Config:     entities.BlobstoreLinkConfig{},
			PerVolume:  true,
		},
	}
}

// Catalog is immutable after New returns.
type Catalog struct {
	entries  map[string]Entry
	schemas  map[string]string
	validate *validator.Validate
	names    []string
}

// New builds a catalog from entries, generating a JSON schema for each
// entry's link configuration.
func New(entries ...Entry) (*Catalog, error) {
	c := &Catalog{
		entries:  make(map[string]Entry, len(entries)),
		schemas:  make(map[string]string, len(entries)),
		validate: validator.New(),
	}
	for _, e := range entries {
		if e.Capability == "" || e.ProviderID == "" {
			return nil, fmt.Errorf("catalog entry %q is incomplete", e.Capability)
		}
		if _, exists := c.entries[e.Capability]; exists {
			return nil, fmt.Errorf("capability %q registered twice", e.Capability)
		}
		if e.Config != nil {
			data, err := json.Marshal(jsonschema.Reflect(e.Config))
			if err != nil {
				return nil, &domainerrors.SchemaError{Type: e.Capability, Err: err}
			}
			c.schemas[e.Capability] = string(data)
		}
		c.entries[e.Capability] = e
		c.names = append(c.names, e.Capability)
	}
	sort.Strings(c.names)
	return c, nil
}

var defaultCatalog = sync.OnceValue(func() *Catalog {
	c, err := New(WellKnown()...)
	if err != nil {
		panic(fmt.Sprintf("catalog: built-in entries are invalid: %v", err))
	}
	return c
})

// Default returns the catalog of built-in capabilities.
func Default() *Catalog {
	return defaultCatalog()
}

// Lookup returns the entry for a capability or an UnknownCapabilityError.
func (c *Catalog) Lookup(capability string) (Entry, error) {
	e, ok := c.entries[capability]
	if !ok {
		return Entry{}, &domainerrors.UnknownCapabilityError{Capability: capability}
	}
	return e, nil
}

// IsManaged reports whether the catalog can provision the capability.
func (c *Catalog) IsManaged(capability string) bool {
	_, ok := c.entries[capability]
	return ok
}

// Names returns the managed capability ids, sorted.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// Eager returns the entries started with the host, sorted by capability.
func (c *Catalog) Eager() []Entry {
	var out []Entry
	for _, name := range c.names {
		if e := c.entries[name]; e.Eager {
			out = append(out, e)
		}
	}
	return out
}

// Schema returns the JSON schema of a capability's link configuration.
func (c *Catalog) Schema(capability string) (string, error) {
	if _, err := c.Lookup(capability); err != nil {
		return "", err
	}
	s, ok := c.schemas[capability]
	if !ok {
		return "", &domainerrors.SchemaError{Type: capability, Err: fmt.Errorf("no link configuration declared")}
	}
	return s, nil
}

// Validate checks a link configuration against its tags and the catalog.
func (c *Catalog) Validate(cfg entities.LinkConfig) error {
	if _, err := c.Lookup(cfg.Capability()); err != nil {
		return err
	}
	if err := c.validate.Struct(cfg); err != nil {
		return &domainerrors.ConfigError{Field: cfg.Capability(), Err: err}
	}
	return nil
}
