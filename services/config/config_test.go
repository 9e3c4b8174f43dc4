package config

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
		RegTypes:   []any{types.HeartbeatConfig{}},
	})
	require.NoError(t, err)
	t.Cleanup(b.Destroy)
	return b
}

func TestService_Publish_SetsHeartbeatInterval(t *testing.T) {
	oldLookup := Lookup
	Lookup = func(device string) ([]byte, bool) {
		if device != "rig-1" {
			return nil, false
		}
		return []byte("heartbeat:\n  interval_seconds: 5\n"), true
	}
	t.Cleanup(func() { Lookup = oldLookup })

	b := newTestBus(t)
	got := make(chan types.HeartbeatConfig, 1)
	_, err := bus.Sub(b, "", func(_ context.Context, cfg types.HeartbeatConfig) (any, error) {
		got <- cfg
		return bus.SkipMe, nil
	}, bus.SubOpts{})
	require.NoError(t, err)

	svc := New()
	ctx := WithDevice(context.Background(), "rig-1")
	require.NoError(t, svc.Publish(ctx, b))

	select {
	case cfg := <-got:
		require.EqualValues(t, 5000, cfg.IntervalMS)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for heartbeat config")
	}
}

func TestService_Publish_MissingDevice(t *testing.T) {
	b := newTestBus(t)
	svc := New()
	err := svc.Publish(context.Background(), b)
	require.Error(t, err)
}

func TestService_Publish_NoConfigFound(t *testing.T) {
	oldLookup := Lookup
	Lookup = func(device string) ([]byte, bool) { return nil, false }
	t.Cleanup(func() { Lookup = oldLookup })

	b := newTestBus(t)
	svc := New()
	ctx := WithDevice(context.Background(), "unknown-device")
	err := svc.Publish(ctx, b)
	require.Error(t, err)
}
