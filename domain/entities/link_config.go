package entities

import "strconv"

// LinkConfig is the capability-specific overlay applied on top of an
// actor's base environment when a link is established. The set of
// implementations is closed.
type LinkConfig interface {
	// Capability returns the contract id the configuration belongs to.
	Capability() string
	// Binding returns the link binding the configuration applies to.
	Binding() string

	apply(env EnvVars)
}

// LoggingLinkConfig points the logging provider at the actor's log file.
type LoggingLinkConfig struct {
	LogPath string `json:"LOG_PATH" jsonschema:"description=File the actor's log lines are appended to" validate:"required"`
}

func (LoggingLinkConfig) Capability() string { return LoggingCapability }
func (LoggingLinkConfig) Binding() string    { return "" }

func (c LoggingLinkConfig) apply(env EnvVars) {
	env[LogPathKey] = c.LogPath
}

// HTTPServerLinkConfig tells the HTTP server provider which port to serve
// the actor on.
type HTTPServerLinkConfig struct {
	Port uint16 `json:"PORT" jsonschema:"description=TCP port the actor is served on" validate:"required"`
}

func (HTTPServerLinkConfig) Capability() string { return HTTPServerCapability }
func (HTTPServerLinkConfig) Binding() string    { return "" }

func (c HTTPServerLinkConfig) apply(env EnvVars) {
	env[PortKey] = strconv.FormatUint(uint64(c.Port), 10)
}

// BlobstoreLinkConfig roots one blob storage binding at a volume directory.
type BlobstoreLinkConfig struct {
	Volume string `json:"-" validate:"required"`
	Root   string `json:"ROOT" jsonschema:"description=Host directory the blob store is rooted at" validate:"required"`
}

func (BlobstoreLinkConfig) Capability() string { return BlobstoreCapability }
func (c BlobstoreLinkConfig) Binding() string  { return c.Volume }

func (c BlobstoreLinkConfig) apply(env EnvVars) {
	env[RootDirKey] = c.Root
}

// Overlay returns a copy of base with cfg applied. Keys set by cfg win.
func Overlay(base EnvVars, cfg LinkConfig) EnvVars {
	env := base.Clone()
	cfg.apply(env)
	return env
}
