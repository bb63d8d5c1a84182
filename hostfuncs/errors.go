package hostfuncs

import (
	"encoding/json"
	"fmt"

	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/entities"
	domainerrors "github.com/wasmCloud/krustlet-wasmcloud-provider/domain/errors"
)

// marshalResult encodes a CallResult. Encoding this type cannot fail.
func marshalResult(r entities.CallResult) []byte {
	data, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	return data
}

// PayloadResult wraps a successful reply.
func PayloadResult(payload []byte) []byte {
	return marshalResult(entities.CallResult{Payload: payload})
}

// ErrorResult wraps a failed reply, keeping the error's structured detail.
func ErrorResult(err error) []byte {
	return marshalResult(entities.CallResult{Error: domainerrors.ToErrorDetail(err)})
}

// ValidationResult reports bad input such as malformed JSON.
func ValidationResult(message string) []byte {
	return marshalResult(entities.CallResult{
		Error: entities.NewErrorDetail("validation", message).WithCode("bad_request"),
	})
}

// NotFoundResult reports an unknown host function name.
func NotFoundResult(name string) []byte {
	detail := entities.NewErrorDetail("validation", "unknown host function: "+name).WithCode("not_found")
	detail.IsNotFound = true
	return marshalResult(entities.CallResult{Error: detail})
}

// PanicResult reports a recovered panic.
func PanicResult(panicValue any) []byte {
	var msg string
	switch v := panicValue.(type) {
	case error:
		msg = v.Error()
	case string:
		msg = v
	default:
		msg = fmt.Sprint(v)
	}
	return marshalResult(entities.CallResult{
		Error: entities.NewErrorDetail("panic", "panic: "+msg).WithCode("internal"),
	})
}
