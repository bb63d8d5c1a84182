package testutil

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nkeys"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/entities"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/internal/wasmbin"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/internal/wasmkey"
)

// ModuleOptions controls the signed actor module built by SignedModule.
type ModuleOptions struct {
	// Body is the unsigned module. Defaults to an empty module.
	Body []byte
	// Issuer signs the claims. Defaults to a fresh account key.
	Issuer nkeys.KeyPair
	// Expires sets the exp claim when non-zero.
	Expires time.Time
	// Hash overrides the module hash claim.
	Hash string
	// BLAKE3 hashes the module with BLAKE3 instead of the uppercase SHA-256
	// wasmCloud tooling writes.
	BLAKE3       bool
	Name         string
	Capabilities []string
}

// SignedModule builds an actor module carrying a signed "jwt" section and
// returns it with the actor identity it was signed for.
func SignedModule(t testing.TB, opts ModuleOptions) ([]byte, entities.ActorIdentity) {
	t.Helper()

	body := opts.Body
	if body == nil {
		body = wasmbin.Header
	}
	issuer := opts.Issuer
	if issuer == nil {
		var err error
		issuer, err = nkeys.CreateAccount()
		require.NoError(t, err)
	}
	issuerKey, err := issuer.PublicKey()
	require.NoError(t, err)

	subjectKey := NewModuleKey(t)

	hash := opts.Hash
	switch {
	case hash != "":
	case opts.BLAKE3:
		sum := blake3.Sum256(body)
		hash = hex.EncodeToString(sum[:])
	default:
		sum := sha256.Sum256(body)
		hash = strings.ToUpper(hex.EncodeToString(sum[:]))
	}

	claims := entities.ActorClaims{
		ID:       "test",
		Issuer:   issuerKey,
		Subject:  subjectKey,
		IssuedAt: time.Now().Unix(),
		Metadata: &entities.ActorMetadata{
			Name:         opts.Name,
			ModuleHash:   hash,
			Capabilities: opts.Capabilities,
		},
	}
	if !opts.Expires.IsZero() {
		claims.Expires = opts.Expires.Unix()
	}

	token := SignClaims(t, issuer, claims)
	return wasmbin.AppendCustom(body, "jwt", []byte(token)), entities.ActorIdentity(subjectKey)
}

// NewModuleKey returns a fresh module public key, the kind actors are
// signed for.
func NewModuleKey(t testing.TB) string {
	t.Helper()
	kp, err := nkeys.CreateUser()
	require.NoError(t, err)
	pub, err := kp.PublicKey()
	require.NoError(t, err)
	raw, err := nkeys.Decode(nkeys.PrefixByteUser, []byte(pub))
	require.NoError(t, err)
	key, err := wasmkey.EncodeModule(raw)
	require.NoError(t, err)
	return key
}

// SignClaims encodes claims as a compact ed25519 JWT signed by issuer.
func SignClaims(t testing.TB, issuer nkeys.KeyPair, claims any) string {
	t.Helper()

	enc := base64.RawURLEncoding
	header := enc.EncodeToString([]byte(`{"typ":"jwt","alg":"Ed25519"}`))
	payload, err := json.Marshal(claims)
	require.NoError(t, err)

	signingInput := header + "." + enc.EncodeToString(payload)
	sig, err := issuer.Sign([]byte(signingInput))
	require.NoError(t, err)
	return signingInput + "." + enc.EncodeToString(sig)
}

// NewActor builds a verified actor value without going through a loader.
func NewActor(identity string, capabilities ...string) *entities.Actor {
	return &entities.Actor{
		Identity: entities.ActorIdentity(identity),
		Module:   wasmbin.Header,
		Claims: entities.ActorClaims{
			Subject:  identity,
			Metadata: &entities.ActorMetadata{Name: identity, Capabilities: capabilities},
		},
	}
}
