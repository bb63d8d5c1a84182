// Package loader turns raw actor module bytes into verified actors. It
// reads the signed claims embedded in the module, checks their signature
// and module hash, and optionally compiles the module to reject code the
// runtime would refuse later.
package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/tetratelabs/wazero"
	"github.com/zeebo/blake3"

	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/entities"
	domainerrors "github.com/wasmCloud/krustlet-wasmcloud-provider/domain/errors"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/ports"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/internal/wasmbin"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/internal/wasmkey"
)

// ClaimsSection is the custom section carrying an actor's signed claims.
const ClaimsSection = "jwt"

// loaderConfig holds configuration for the Loader.
type loaderConfig struct {
	cache  wazero.CompilationCache
	logger *slog.Logger
	now    func() time.Time
}

func defaultLoaderConfig() loaderConfig {
	return loaderConfig{
		logger: slog.Default(),
		now:    time.Now,
	}
}

// Option configures the Loader.
type Option func(*loaderConfig)

// WithCompilationCache makes Load compile every module against the cache.
// Sharing the cache with the host means the actor is compiled only once.
func WithCompilationCache(cache wazero.CompilationCache) Option {
	return func(c *loaderConfig) {
		c.cache = cache
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *loaderConfig) {
		c.logger = l
	}
}

// WithClock replaces the time source used for claim expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *loaderConfig) {
		c.now = now
	}
}

// Loader parses and verifies actor modules. It holds no host state and is
// safe for concurrent use.
type Loader struct {
	validate *validator.Validate
	config   loaderConfig
}

var _ ports.ActorLoader = (*Loader)(nil)

// New creates a Loader.
func New(opts ...Option) *Loader {
	cfg := defaultLoaderConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Loader{
		validate: validator.New(),
		config:   cfg,
	}
}

// Load verifies module and returns the actor it describes. Every failure is
// reported as an *errors.InvalidModuleError.
func (l *Loader) Load(ctx context.Context, module []byte) (*entities.Actor, error) {
	sections, err := wasmbin.Parse(module)
	if err != nil {
		return nil, invalid("malformed module", err)
	}
	token, ok := wasmbin.CustomSection(sections, ClaimsSection)
	if !ok {
		return nil, invalid("module is not signed", nil)
	}

	claims, err := decodeClaims(string(token))
	if err != nil {
		return nil, invalid("unreadable claims", err)
	}
	if err := l.validate.Struct(claims); err != nil {
		return nil, invalid("incomplete claims", err)
	}
	if !wasmkey.IsModuleKey(claims.Subject) {
		return nil, invalid("claims subject is not an actor key", nil)
	}
	if err := l.checkTimes(claims); err != nil {
		return nil, invalid("claims not usable", err)
	}

	body, err := wasmbin.StripCustom(module, ClaimsSection)
	if err != nil {
		return nil, invalid("malformed module", err)
	}
	if !matchesHash(body, claims.Metadata.ModuleHash) {
		return nil, invalid("module hash does not match claims", nil)
	}

	if l.config.cache != nil {
		if err := l.compile(ctx, module); err != nil {
			return nil, invalid("module does not compile", err)
		}
	}

	claims.Metadata.Capabilities = dedupe(claims.Metadata.Capabilities)
	actor := &entities.Actor{
		Identity: entities.ActorIdentity(claims.Subject),
		Claims:   *claims,
		Module:   module,
	}
	l.config.logger.DebugContext(ctx, "loaded actor",
		"actor", actor.Identity,
		"name", actor.Name(),
		"capabilities", actor.Claims.Metadata.Capabilities)
	return actor, nil
}

func (l *Loader) checkTimes(c *entities.ActorClaims) error {
	now := l.config.now().Unix()
	if c.Expires != 0 && now >= c.Expires {
		return fmt.Errorf("expired at %s", time.Unix(c.Expires, 0).UTC().Format(time.RFC3339))
	}
	if c.NotBefore != 0 && now < c.NotBefore {
		return fmt.Errorf("not valid before %s", time.Unix(c.NotBefore, 0).UTC().Format(time.RFC3339))
	}
	return nil
}

func (l *Loader) compile(ctx context.Context, module []byte) error {
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCompilationCache(l.config.cache))
	defer rt.Close(ctx)

	compiled, err := rt.CompileModule(ctx, module)
	if err != nil {
		return err
	}
	return compiled.Close(ctx)
}

// matchesHash accepts the SHA-256 digest wasmCloud tooling signs and a
// BLAKE3 digest, in either case.
func matchesHash(body []byte, claimed string) bool {
	sha := sha256.Sum256(body)
	if strings.EqualFold(hex.EncodeToString(sha[:]), claimed) {
		return true
	}
	b3 := blake3.Sum256(body)
	return strings.EqualFold(hex.EncodeToString(b3[:]), claimed)
}

func invalid(reason string, err error) error {
	return &domainerrors.InvalidModuleError{Reason: reason, Err: err}
}

func dedupe(caps []string) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}
