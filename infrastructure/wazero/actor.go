package wazero

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/entities"
)

var errActorClosed = errors.New("actor is not running")

// actorInstance is one instantiated actor module. Guest calls into it are
// serialized by mu; a module instance is not safe for concurrent use.
type actorInstance struct {
	module   api.Module
	compiled wazero.CompiledModule
	id       entities.ActorIdentity
	mu       sync.Mutex
}

// invoke delivers a GuestCall to the actor's handle_call export and
// decodes the CallResult it returns.
func (a *actorInstance) invoke(ctx context.Context, operation string, payload []byte) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.module == nil {
		return nil, errActorClosed
	}
	fn := a.module.ExportedFunction(GuestCallExport)
	if fn == nil {
		return nil, fmt.Errorf("actor %s does not export %q", a.id, GuestCallExport)
	}

	input, err := json.Marshal(entities.GuestCall{Operation: operation, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encoding guest call: %w", err)
	}
	ptr, err := writeGuest(ctx, a.module, input)
	if err != nil {
		return nil, err
	}

	results, err := fn.Call(ctx, uint64(ptr), uint64(len(input)))
	if err != nil {
		return nil, fmt.Errorf("actor %s trapped handling %s: %w", a.id, operation, err)
	}
	if len(results) == 0 || results[0] == 0 {
		return nil, fmt.Errorf("actor %s returned no result for %s", a.id, operation)
	}

	data, err := readGuest(a.module, results[0], 0)
	if err != nil {
		return nil, err
	}
	var res entities.CallResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decoding result of %s from actor %s: %w", operation, a.id, err)
	}
	if res.Error != nil {
		return nil, res.Error
	}
	return res.Payload, nil
}

// close waits for an in-flight call and releases the module.
func (a *actorInstance) close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.module == nil {
		return nil
	}
	if err := a.module.Close(ctx); err != nil {
		return err
	}
	a.module = nil
	if a.compiled != nil {
		err := a.compiled.Close(ctx)
		a.compiled = nil
		return err
	}
	return nil
}
