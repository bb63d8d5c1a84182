package loader

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nkeys"

	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/entities"
)

type tokenHeader struct {
	Type      string `json:"typ"`
	Algorithm string `json:"alg"`
}

// decodeClaims parses a compact JWS and verifies its signature against the
// issuer named in the claims.
func decodeClaims(token string) (*entities.ActorClaims, error) {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return nil, errors.New("token must have three segments")
	}
	enc := base64.RawURLEncoding

	rawHeader, err := enc.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("decoding header: %w", err)
	}
	var header tokenHeader
	if err := json.Unmarshal(rawHeader, &header); err != nil {
		return nil, fmt.Errorf("decoding header: %w", err)
	}
	switch strings.ToLower(header.Algorithm) {
	case "ed25519", "ed25519-nkey", "eddsa":
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", header.Algorithm)
	}

	rawClaims, err := enc.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decoding claims: %w", err)
	}
	var claims entities.ActorClaims
	if err := json.Unmarshal(rawClaims, &claims); err != nil {
		return nil, fmt.Errorf("decoding claims: %w", err)
	}

	sig, err := enc.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("decoding signature: %w", err)
	}
	if !nkeys.IsValidPublicAccountKey(claims.Issuer) && !nkeys.IsValidPublicOperatorKey(claims.Issuer) {
		return nil, fmt.Errorf("issuer %q is not an account or operator key", claims.Issuer)
	}
	issuer, err := nkeys.FromPublicKey(claims.Issuer)
	if err != nil {
		return nil, fmt.Errorf("issuer key: %w", err)
	}
	if err := issuer.Verify([]byte(parts[0]+"."+parts[1]), sig); err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}
	return &claims, nil
}
