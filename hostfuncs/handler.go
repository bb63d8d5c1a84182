package hostfuncs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// HostFunc is a typed host function: it accepts a decoded request and
// returns a response to be encoded.
type HostFunc[Req any, Resp any] func(context.Context, Req) (Resp, error)

// ByteHandler is a function that accepts raw bytes (JSON) and returns raw bytes (JSON).
// This is the common interface that WASM runtimes can easily use.
type ByteHandler func(context.Context, []byte) ([]byte, error)

// NewJSONHandler wraps a typed HostFunc into a ByteHandler. The request is
// decoded and validated; the reply is always a CallResult envelope whose
// payload is the JSON-encoded response, or whose error carries the failure.
//
// Usage:
//
//	consoleLog := hostfuncs.NewJSONHandler(func(ctx context.Context, req entities.ConsoleLog) (struct{}, error) {
//	    logger.InfoContext(ctx, req.Message)
//	    return struct{}{}, nil
//	})
func NewJSONHandler[Req any, Resp any](fn HostFunc[Req, Resp]) ByteHandler {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		var req Req
		if err := json.Unmarshal(payload, &req); err != nil {
			return ValidationResult(fmt.Sprintf("malformed request: %v", err)), nil
		}
		if err := validateRequest(req); err != nil {
			return ValidationResult(err.Error()), nil
		}

		resp, err := fn(ctx, req)
		if err != nil {
			return ErrorResult(err), nil
		}

		respBytes, err := json.Marshal(resp)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal response: %w", err)
		}
		return PayloadResult(respBytes), nil
	}
}

// NewRawHandler wraps a function whose response is already a byte payload,
// such as a provider reply that is passed through untouched.
func NewRawHandler[Req any](fn HostFunc[Req, []byte]) ByteHandler {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		var req Req
		if err := json.Unmarshal(payload, &req); err != nil {
			return ValidationResult(fmt.Sprintf("malformed request: %v", err)), nil
		}
		if err := validateRequest(req); err != nil {
			return ValidationResult(err.Error()), nil
		}

		resp, err := fn(ctx, req)
		if err != nil {
			return ErrorResult(err), nil
		}
		return PayloadResult(resp), nil
	}
}

func validateRequest(req any) error {
	err := validate.Struct(req)
	if _, ok := err.(*validator.InvalidValidationError); ok {
		// Not a struct; nothing to validate.
		return nil
	}
	return err
}
