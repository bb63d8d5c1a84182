package hostfuncs

import (
	"context"
	"log/slog"
	"time"
)

// Middleware wraps a ByteHandler to add cross-cutting behavior.
// Middleware executes in FIFO order (first registered wraps first, onion model).
type Middleware func(next ByteHandler) ByteHandler

// PanicRecoveryMiddleware catches panics and converts them to a CallResult
// error instead of crashing the host.
func PanicRecoveryMiddleware() Middleware {
	return func(next ByteHandler) ByteHandler {
		return func(ctx context.Context, payload []byte) (resp []byte, err error) {
			defer func() {
				if r := recover(); r != nil {
					resp = PanicResult(r)
					err = nil
				}
			}()
			return next(ctx, payload)
		}
	}
}

// LoggingMiddleware logs every host function invocation at debug level,
// tagged with the calling actor.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(next ByteHandler) ByteHandler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			funcName := "unknown"
			if hc, ok := ctx.(HostContext); ok {
				funcName = hc.FunctionName()
			}
			actor, _ := ActorFrom(ctx)
			start := time.Now()

			resp, err := next(ctx, payload)
			if err != nil {
				logger.WarnContext(ctx, "host function failed",
					"function", funcName, "actor", actor, "error", err)
				return resp, err
			}
			logger.DebugContext(ctx, "host function completed",
				"function", funcName,
				"actor", actor,
				"request_bytes", len(payload),
				"duration", time.Since(start))
			return resp, nil
		}
	}
}
