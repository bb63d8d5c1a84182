package hostfuncs

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPanicRecoveryMiddleware(t *testing.T) {
	wrapped := PanicRecoveryMiddleware()(func(ctx context.Context, payload []byte) ([]byte, error) {
		panic("test panic")
	})

	resp, err := wrapped(context.Background(), []byte("{}"))
	require.NoError(t, err)

	res := decodeResult(t, resp)
	require.NotNil(t, res.Error)
	assert.Equal(t, "panic", res.Error.Type)
	assert.Contains(t, res.Error.Message, "test panic")
}

func TestPanicRecoveryMiddleware_NoPanic(t *testing.T) {
	wrapped := PanicRecoveryMiddleware()(func(ctx context.Context, payload []byte) ([]byte, error) {
		return []byte(`{"result":"ok"}`), nil
	})

	resp, err := wrapped(context.Background(), []byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, `{"result":"ok"}`, string(resp))
}

func TestMiddlewareOrder_FIFO(t *testing.T) {
	var callOrder []string
	tag := func(name string) Middleware {
		return func(next ByteHandler) ByteHandler {
			return func(ctx context.Context, payload []byte) ([]byte, error) {
				callOrder = append(callOrder, name)
				return next(ctx, payload)
			}
		}
	}

	reg, err := NewRegistry(
		WithMiddleware(tag("first"), tag("second")),
		WithByteHandler("h", func(context.Context, []byte) ([]byte, error) {
			callOrder = append(callOrder, "handler")
			return nil, nil
		}),
	)
	require.NoError(t, err)

	_, err = reg.Invoke(context.Background(), "h", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "handler"}, callOrder)
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	reg, err := NewRegistry(
		WithMiddleware(LoggingMiddleware(logger)),
		WithByteHandler("ok", func(context.Context, []byte) ([]byte, error) { return nil, nil }),
		WithByteHandler("fail", func(context.Context, []byte) ([]byte, error) { return nil, errors.New("boom") }),
	)
	require.NoError(t, err)

	ctx := WithActor(context.Background(), "UACTOR")
	_, err = reg.Invoke(ctx, "ok", []byte("{}"))
	require.NoError(t, err)
	_, err = reg.Invoke(ctx, "fail", nil)
	require.Error(t, err)

	out := buf.String()
	assert.Contains(t, out, "function=ok")
	assert.Contains(t, out, "actor=UACTOR")
	assert.Contains(t, out, "host function failed")
	assert.Contains(t, out, "error=boom")
}

func TestActorFrom(t *testing.T) {
	_, ok := ActorFrom(context.Background())
	assert.False(t, ok)

	actor, ok := ActorFrom(WithActor(context.Background(), "UACTOR"))
	assert.True(t, ok)
	assert.Equal(t, "UACTOR", actor.String())

	_, ok = ActorFrom(WithActor(context.Background(), ""))
	assert.False(t, ok)
}
