package bus

import (
	"context"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"yon/errcode"
)

// rpcHandler is the type-erased form of one registered RPC handler: it
// unmarshals the call's raw JSON argument into the handler's own argument
// type and returns its own result type (or an error).
type rpcHandler func(ctx context.Context, raw jsoniter.RawMessage) (any, error)

type rpcRegistry struct {
	mu       sync.RWMutex
	handlers map[string]rpcHandler
}

func newRPCRegistry() *rpcRegistry {
	return &rpcRegistry{handlers: map[string]rpcHandler{}}
}

func (r *rpcRegistry) register(key string, h rpcHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key] = h
}

func (r *rpcRegistry) lookup(key string) (rpcHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[key]
	return h, ok
}

// RegRPC registers fn as the handler for key, callable by a connected peer
// via an srpc_send envelope (spec §4.5). Re-registering an existing key
// replaces its handler.
func RegRPC[TArg any, TRes any](b *Bus, key string, fn func(ctx context.Context, arg TArg) (TRes, error)) error {
	if key == "" {
		return errcode.New(errcode.ValueError, "bus.regRPC", "rpc key must not be empty", nil)
	}
	b.rpcs.register(key, func(ctx context.Context, raw jsoniter.RawMessage) (any, error) {
		var arg TArg
		if len(raw) > 0 {
			if err := jsonx.Unmarshal(raw, &arg); err != nil {
				return nil, errcode.New(errcode.ValueError, "bus.rpc", "unmarshal arg for key "+key, err)
			}
		}
		return fn(ctx, arg)
	})
	return nil
}

// handleRPCCall dispatches one decoded srpc_send envelope: validate the key
// is known, run the handler inside its ctxfn scope, and publish exactly one
// srpc_recv reply linked back to the call (spec §4.5 steps 1-5).
func (b *Bus) handleRPCCall(ctx context.Context, msg *BusMsg) {
	req, ok := msg.Body.(SrpcSend)
	if !ok {
		b.replyRPCError(ctx, msg, errcode.New(errcode.ValueError, "bus.rpc", "malformed rpc call envelope", nil))
		return
	}

	handler, ok := b.rpcs.lookup(req.Key)
	if !ok {
		b.replyRPCError(ctx, msg, errcode.New(errcode.UnregisteredCode, "bus.rpc", "no rpc handler for key "+req.Key, nil))
		return
	}

	mc := &msgContext{msid: msg.SID, connsid: msg.SourceConnSID}
	rpcCtx := withMsgContext(ctx, mc)

	var closer CtxManager
	if b.cfg.RPCCtxFn != nil {
		var err error
		closer, err = b.cfg.RPCCtxFn(rpcCtx, &req)
		if err != nil {
			b.replyRPCError(ctx, msg, err)
			return
		}
	}

	result, err := b.safeCallRPC(handler, rpcCtx, req.Body)
	if closer != nil {
		_ = closer.Close()
	}

	if err != nil {
		if b.cfg.TraceErrsOnPub {
			b.log.Error("rpc handler error", "key", req.Key, "err", err)
		}
		b.replyRPCError(rpcCtx, msg, err)
		return
	}
	b.replyRPC(rpcCtx, msg, result)
}

func (b *Bus) safeCallRPC(h rpcHandler, ctx context.Context, raw jsoniter.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errcode.New(errcode.ResourceError, "bus.rpc", "rpc handler panicked", nil)
		}
	}()
	return h(ctx, raw)
}

func (b *Bus) replyRPCError(ctx context.Context, req *BusMsg, err error) {
	b.replyRPC(ctx, req, errcode.Describe(err))
}

// replyRPC publishes result under the reserved srpc_recv code, bypassing
// normal code-derived-from-type resolution: srpc_recv's registered type is
// only the marker used to round-trip a stray inbound one (see
// SrpcRecvMarker), while its actual outbound body is whatever the handler
// returned.
func (b *Bus) replyRPC(ctx context.Context, req *BusMsg, body any) {
	reply := &BusMsg{
		SID:      genID(),
		LSID:     req.SID,
		BodyCode: CodeSrpcRecv,
		Body:     body,
	}
	if req.SourceConnSID != "" {
		reply.TargetConnSIDs = []string{req.SourceConnSID}
	}
	b.lastMu.Lock()
	b.lastMsg[CodeSrpcRecv] = reply
	b.lastMu.Unlock()
	// Net + linked only, skipping sendInner: an rpc reply is not published
	// to in-process subscribers (spec §4.5 step 6 — the reply travels back
	// to the caller, not into the bus's own pub/sub fan-out).
	b.sendNet(reply)
	b.resolveLinked(reply)
}
