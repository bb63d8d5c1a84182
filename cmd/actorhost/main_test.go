package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	domainerrors "github.com/wasmCloud/krustlet-wasmcloud-provider/domain/errors"
)

func TestRun_Commands(t *testing.T) {
	assert.NoError(t, run([]string{"version"}))
	assert.NoError(t, run([]string{"help"}))
	assert.NoError(t, run([]string{"capabilities"}))
	assert.NoError(t, run([]string{"capabilities", "wasmcloud:logging"}))

	assert.Error(t, run(nil))
	assert.Error(t, run([]string{"launch"}))
	assert.ErrorIs(t, run([]string{"capabilities", "wasmcloud:keyvalue"}), domainerrors.ErrUnknownCapability)
}

func TestRun_RequiresManifest(t *testing.T) {
	assert.Error(t, run([]string{"run", "--data-dir", t.TempDir()}))
	assert.Error(t, run([]string{"run", "--no-such-flag"}))
}
