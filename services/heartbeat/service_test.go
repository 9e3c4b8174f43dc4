package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"yon/bus"
	"yon/types"
)

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	b := bus.New()
	lis := bus.NewLoopbackListener()
	err := b.Init(context.Background(), bus.Config{
		Transports: []bus.TransportConfig{{Kind: "loopback", Listener: lis}},
		RegTypes:   []any{types.HeartbeatConfig{}, types.HeartbeatTick{}},
	})
	require.NoError(t, err)
	t.Cleanup(b.Destroy)
	return b
}

func TestService_TicksAtConfiguredInterval(t *testing.T) {
	b := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ticks := make(chan types.HeartbeatTick, 4)
	_, err := bus.Sub(b, "", func(_ context.Context, tick types.HeartbeatTick) (any, error) {
		ticks <- tick
		return bus.SkipMe, nil
	}, bus.SubOpts{})
	require.NoError(t, err)

	svc := New(nil)
	_, err = svc.Start(ctx, b)
	require.NoError(t, err)

	_, err = b.Pub(ctx, types.HeartbeatConfig{IntervalMS: 20}, bus.PubOpts{})
	require.NoError(t, err)

	var first types.HeartbeatTick
	select {
	case first = <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first heartbeat tick")
	}

	// The ticker is reset to the configured 20ms after each tick, so the
	// next tick comes well before the 1s default interval would allow.
	select {
	case second := <-ticks:
		require.Less(t, second.AtUnixMS-first.AtUnixMS, int64(500))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second heartbeat tick")
	}
}
