package state

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/entities"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/domain/ports"
	"github.com/wasmCloud/krustlet-wasmcloud-provider/internal/testutil"
)

func TestSharedHost_AcquireHonorsCancellation(t *testing.T) {
	s := NewSharedHost(testutil.NewFakeHost())

	release, err := s.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	err = s.StartActor(ctx, testutil.NewActor("UACTOR"))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	again, err := s.Acquire(context.Background())
	require.NoError(t, err)
	again()
}

func TestSharedHost_Delegates(t *testing.T) {
	fake := testutil.NewFakeHost()
	s := NewSharedHost(fake)
	ctx := context.Background()
	actor := testutil.NewActor("UACTOR", entities.LoggingCapability)

	require.NoError(t, s.StartActor(ctx, actor))
	require.NoError(t, s.StartProvider(ctx, ports.ProviderSpec{
		Capability: entities.LoggingCapability,
		Provider:   &testutil.NopProvider{},
	}))
	require.NoError(t, s.SetLink(ctx, actor.Identity, entities.CapabilityDescriptor{Name: entities.LoggingCapability}))
	require.NoError(t, s.RemoveLink(ctx, actor.Identity, entities.LoggingCapability, ""))
	require.NoError(t, s.StopProvider(ctx, entities.LoggingCapability, ""))
	require.NoError(t, s.StopActor(ctx, actor.Identity))

	assert.Equal(t, []string{
		"StartActor UACTOR",
		"StartProvider wasmcloud:logging/default",
		"SetLink UACTOR wasmcloud:logging/default",
		"RemoveLink UACTOR wasmcloud:logging/default",
		"StopProvider wasmcloud:logging/default",
		"StopActor UACTOR",
	}, fake.Calls())
}

// overlapHost counts calls that are in flight at the same time.
type overlapHost struct {
	*testutil.FakeHost
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (h *overlapHost) StartActor(ctx context.Context, actor *entities.Actor) error {
	n := h.inFlight.Add(1)
	defer h.inFlight.Add(-1)
	for {
		cur := h.maxSeen.Load()
		if n <= cur || h.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	return h.FakeHost.StartActor(ctx, actor)
}

func TestSharedHost_Serializes(t *testing.T) {
	inner := &overlapHost{FakeHost: testutil.NewFakeHost()}
	s := NewSharedHost(inner)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := "UACTOR" + string(rune('A'+i))
			assert.NoError(t, s.StartActor(context.Background(), testutil.NewActor(id)))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), inner.maxSeen.Load())
}
