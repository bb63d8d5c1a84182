// Package logging implements the wasmcloud:logging capability. Each bound
// actor gets its own log file, named by the LOG_PATH link value, and every
// WriteLog call appends one line to it.
package logging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/entities"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/ports"
)

// LevelTrace sits below slog.LevelDebug.
const LevelTrace = slog.Level(-8)

// ErrUnknownLevel is returned to actors logging at a level that does not
// exist.
var ErrUnknownLevel = errors.New("unknown log level")

var errNoLogPath = errors.New("log file path was unspecified")

type output struct {
	file   *os.File
	logger *slog.Logger
}

type providerConfig struct {
	logger *slog.Logger
	level  slog.Level
}

// Option configures a Provider.
type Option func(*providerConfig)

// WithLogger sets the logger used for the provider's own diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *providerConfig) {
		c.logger = l
	}
}

// WithLevel sets the lowest level written to actor log files.
func WithLevel(level slog.Level) Option {
	return func(c *providerConfig) {
		c.level = level
	}
}

// Provider writes actor log lines to per-actor files.
type Provider struct {
	outputs map[entities.ActorIdentity]*output
	config  providerConfig
	mu      sync.RWMutex
}

var _ ports.CapabilityProvider = (*Provider)(nil)

// New creates a logging provider.
func New(opts ...Option) *Provider {
	cfg := providerConfig{logger: slog.Default(), level: LevelTrace}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Provider{
		outputs: make(map[entities.ActorIdentity]*output),
		config:  cfg,
	}
}

func (p *Provider) Start(context.Context, ports.Dispatcher) error {
	return nil
}

// BindActor opens the file named by LOG_PATH. The file must already exist.
func (p *Provider) BindActor(ctx context.Context, actor entities.ActorIdentity, env entities.EnvVars) error {
	path, ok := env[entities.LogPathKey]
	if !ok || path == "" {
		return errNoLogPath
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}

	handler := slog.NewTextHandler(file, &slog.HandlerOptions{
		Level:       p.config.level,
		ReplaceAttr: replaceLevel,
	})
	out := &output{file: file, logger: slog.New(handler)}

	p.mu.Lock()
	prev := p.outputs[actor]
	p.outputs[actor] = out
	p.mu.Unlock()

	if prev != nil {
		_ = prev.file.Close()
	}
	p.config.logger.DebugContext(ctx, "actor log bound", "actor", actor, "path", path)
	return nil
}

func (p *Provider) RemoveActor(_ context.Context, actor entities.ActorIdentity) error {
	p.mu.Lock()
	out := p.outputs[actor]
	delete(p.outputs, actor)
	p.mu.Unlock()

	if out == nil {
		return nil
	}
	return out.file.Close()
}

// HandleCall serves OpWriteLog.
func (p *Provider) HandleCall(ctx context.Context, actor entities.ActorIdentity, operation string, payload []byte) ([]byte, error) {
	if operation != entities.OpWriteLog {
		return nil, fmt.Errorf("unsupported logging operation %q", operation)
	}
	var args entities.WriteLogArgs
	if err := json.Unmarshal(payload, &args); err != nil {
		return nil, fmt.Errorf("decoding log arguments: %w", err)
	}

	p.mu.RLock()
	out := p.outputs[actor]
	p.mu.RUnlock()
	if out == nil {
		return nil, fmt.Errorf("actor %s has no log bound", actor)
	}

	level, err := ParseLevel(args.Level)
	if err != nil {
		return nil, err
	}
	msg := fmt.Sprintf("[%s] %s", actor, args.Text)
	if args.Target != "" {
		out.logger.Log(ctx, level, msg, "target", args.Target)
	} else {
		out.logger.Log(ctx, level, msg)
	}
	return nil, nil
}

func (p *Provider) Stop(context.Context) error {
	p.mu.Lock()
	outputs := p.outputs
	p.outputs = make(map[entities.ActorIdentity]*output)
	p.mu.Unlock()

	var errs []error
	for _, out := range outputs {
		errs = append(errs, out.file.Close())
	}
	return errors.Join(errs...)
}

// ParseLevel maps a guest level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("%w %q", ErrUnknownLevel, level)
	}
}

func replaceLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}
