package entities

import "slices"

// ActorIdentity is the public key an actor module was signed for. Every
// host operation on an actor is keyed by it.
type ActorIdentity string

// String returns the identity as a plain string.
func (id ActorIdentity) String() string {
	return string(id)
}

// ActorClaims are the signed claims embedded in an actor module's "jwt"
// custom section.
type ActorClaims struct {
	Metadata  *ActorMetadata `json:"wascap" validate:"required"`
	ID        string         `json:"jti,omitempty"`
	Issuer    string         `json:"iss" validate:"required"`
	Subject   string         `json:"sub" validate:"required"`
	IssuedAt  int64          `json:"iat" validate:"gte=0"`
	Expires   int64          `json:"exp,omitempty" validate:"gte=0"`
	NotBefore int64          `json:"nbf,omitempty" validate:"gte=0"`
}

// ActorMetadata is the actor-specific part of the claims.
type ActorMetadata struct {
	Name         string   `json:"name,omitempty"`
	ModuleHash   string   `json:"hash" validate:"required,len=64,hexadecimal"`
	Version      string   `json:"ver,omitempty"`
	Capabilities []string `json:"caps,omitempty" validate:"dive,required"`
	Tags         []string `json:"tags,omitempty"`
	Revision     int      `json:"rev,omitempty" validate:"gte=0"`
}

// Actor is a parsed and verified actor module. It is immutable once
// produced by a loader.
type Actor struct {
	Claims   ActorClaims
	Identity ActorIdentity
	Module   []byte
}

// Name returns the human-readable actor name, falling back to its identity.
func (a *Actor) Name() string {
	if a.Claims.Metadata != nil && a.Claims.Metadata.Name != "" {
		return a.Claims.Metadata.Name
	}
	return a.Identity.String()
}

// Capabilities returns a copy of the capability contract ids the actor
// requires.
func (a *Actor) Capabilities() []string {
	if a.Claims.Metadata == nil {
		return nil
	}
	return slices.Clone(a.Claims.Metadata.Capabilities)
}

// HasCapability reports whether the actor declared the given capability.
func (a *Actor) HasCapability(capability string) bool {
	if a.Claims.Metadata == nil {
		return false
	}
	return slices.Contains(a.Claims.Metadata.Capabilities, capability)
}
