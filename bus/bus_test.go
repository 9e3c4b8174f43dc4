package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"yon/errcode"
)

type echoArgs struct {
	Value int `json:"value"`
}

func (echoArgs) Code() string { return "test::echo" }

type sumArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

func (sumArgs) Code() string { return "test::sum_args" }

type sumResult struct {
	S int `json:"s"`
}

func (sumResult) Code() string { return "test::sum" }

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b := New()
	lis := NewLoopbackListener()
	err := b.Init(context.Background(), Config{
		Transports: []TransportConfig{{Kind: "loopback", Listener: lis}},
		RegTypes:   []any{echoArgs{}, sumArgs{}, sumResult{}},
	})
	require.NoError(t, err)
	t.Cleanup(b.Destroy)
	return b
}

func TestCodeRegistry_BuiltinsRegisteredFirstInOrder(t *testing.T) {
	b := newTestBus(t)
	snap := b.codes.Snapshot()
	require.GreaterOrEqual(t, len(snap), 2)
	require.Equal(t, "yon::welcome", snap[0])
	require.Equal(t, "yon::ok", snap[1])
}

func TestPubSub_RoundTrip(t *testing.T) {
	b := newTestBus(t)

	got := make(chan echoArgs, 1)
	_, err := Sub(b, "", func(_ context.Context, body echoArgs) (any, error) {
		got <- body
		return SkipMe, nil
	}, SubOpts{})
	require.NoError(t, err)

	_, err = b.Pub(context.Background(), echoArgs{Value: 7}, PubOpts{})
	require.NoError(t, err)

	select {
	case body := <-got:
		require.Equal(t, 7, body.Value)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber")
	}
}

func TestSub_RecvLastMsg_ReplaysRetained(t *testing.T) {
	b := newTestBus(t)

	_, err := b.Pub(context.Background(), echoArgs{Value: 42}, PubOpts{})
	require.NoError(t, err)

	got := make(chan echoArgs, 1)
	_, err = Sub(b, "", func(_ context.Context, body echoArgs) (any, error) {
		got <- body
		return SkipMe, nil
	}, SubOpts{RecvLastMsg: true})
	require.NoError(t, err)

	select {
	case body := <-got:
		require.Equal(t, 42, body.Value)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for retained replay")
	}
}

func TestUnsub_StopsDelivery(t *testing.T) {
	b := newTestBus(t)

	got := make(chan echoArgs, 1)
	subsid, err := Sub(b, "", func(_ context.Context, body echoArgs) (any, error) {
		got <- body
		return SkipMe, nil
	}, SubOpts{})
	require.NoError(t, err)
	require.NoError(t, b.Unsub(subsid))

	_, err = b.Pub(context.Background(), echoArgs{Value: 1}, PubOpts{})
	require.NoError(t, err)

	select {
	case <-got:
		t.Fatal("unsubscribed handler still received a message")
	case <-time.After(80 * time.Millisecond):
	}
}

func TestPubr_SubfnReplyLinksBack(t *testing.T) {
	b := newTestBus(t)

	_, err := Sub(b, "", func(ctx context.Context, body sumArgs) (any, error) {
		return sumResult{S: body.A + body.B}, nil
	}, SubOpts{})
	require.NoError(t, err)

	reply, err := b.Pubr(context.Background(), sumArgs{A: 2, B: 3}, time.Second)
	require.NoError(t, err)
	res, ok := reply.Body.(sumResult)
	require.True(t, ok)
	require.Equal(t, 5, res.S)
}

func TestPubr_TimesOutWithoutReply(t *testing.T) {
	b := newTestBus(t)
	_, err := b.Pubr(context.Background(), echoArgs{Value: 1}, 30*time.Millisecond)
	require.Error(t, err)
	require.Equal(t, errcode.Timeout, errcode.Of(err))
}

func TestRPC_RegAndCallRoundTrip(t *testing.T) {
	b := newTestBus(t)

	err := RegRPC(b, "sum", func(_ context.Context, arg sumArgs) (sumResult, error) {
		return sumResult{S: arg.A + arg.B}, nil
	})
	require.NoError(t, err)

	raw, err := jsonx.Marshal(sumArgs{A: 10, B: 5})
	require.NoError(t, err)

	call := &BusMsg{SID: genID(), BodyCode: CodeSrpcSend, Body: SrpcSend{Key: "sum", Body: raw}}

	waitCh := make(chan *BusMsg, 1)
	b.waitersMu.Lock()
	b.lsidToWaiter[call.SID] = waitCh
	b.waitersMu.Unlock()

	b.handleInbound(context.Background(), call)

	select {
	case reply := <-waitCh:
		require.Equal(t, CodeSrpcRecv, reply.BodyCode)
		res, ok := reply.Body.(sumResult)
		require.True(t, ok)
		require.Equal(t, 15, res.S)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for rpc reply")
	}
}

func TestRPC_UnknownKeyRepliesWithError(t *testing.T) {
	b := newTestBus(t)

	call := &BusMsg{SID: genID(), BodyCode: CodeSrpcSend, Body: SrpcSend{Key: "does-not-exist"}}
	waitCh := make(chan *BusMsg, 1)
	b.waitersMu.Lock()
	b.lsidToWaiter[call.SID] = waitCh
	b.waitersMu.Unlock()

	b.handleInbound(context.Background(), call)

	select {
	case reply := <-waitCh:
		require.Equal(t, CodeSrpcRecv, reply.BodyCode)
		errDto, ok := reply.Body.(ErrDto)
		require.True(t, ok)
		require.Equal(t, "unregistered_code", string(errDto.Code))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for rpc error reply")
	}
}
