package bus

import (
	"context"
	"time"

	"yon/errcode"
)

// Result is the idiomatic Go stand-in for the original's implicit
// "errors-as-messages are first class" convention: a Result passed to Pub,
// or returned as a subfn's value, lets Pub tell a genuine return value from
// a failure that should be published as a typed error body. RPC handlers
// return a plain (value, error) pair instead.
type Result struct {
	V   any
	Err error
}

// ResOk wraps a successful return value.
func ResOk(v any) Result { return Result{V: v} }

// ResErr wraps a failure; err's errcode.Code (via errcode.Of) selects which
// reserved error code the Result publishes under.
func ResErr(err error) Result { return Result{Err: err} }

// PubList lets one subfn invocation publish more than one message by
// returning a list of bodies instead of a single one.
type PubList []any

type skipMeT struct{}

// SkipMe is returned by a subfn to suppress any republish of its return
// value (spec §4.4): the handler still ran, but produced nothing to send.
var SkipMe = skipMeT{}

type interruptPipelineT struct{}

// InterruptPipeline, returned by a subfn, stops the remaining subscribers
// registered under the same code from running for this message.
var InterruptPipeline = interruptPipelineT{}

// PubOpts configures one Pub/Pubr call.
type PubOpts struct {
	// LSID links this publish to a pending Pubr call. The literal
	// "$ctx::msid" resolves to the sid of the message currently being
	// dispatched on ctx, mirroring the original's $ctx::msid operator for
	// replying to the message a subfn is handling.
	LSID string

	// TargetConnSIDs restricts net delivery to these connections. Empty
	// means "no explicit net delivery" for plain application publishes;
	// reply publishes built internally always target the originating
	// connection when there is one.
	TargetConnSIDs []string
}

const ctxMSIDOperator = "$ctx::msid"

func (b *Bus) resolveLSID(ctx context.Context, lsid string) string {
	if lsid != ctxMSIDOperator {
		return lsid
	}
	msid, err := b.CtxMSID(ctx)
	if err != nil {
		return ""
	}
	return msid
}

// Pub publishes body once: over net to any explicit TargetConnSIDs, then to
// every in-process subscriber registered under body's code, then — if this
// publish links back to a pending Pubr call — to that waiter (spec "pub
// send order": net, inner, linked).
func (b *Bus) Pub(ctx context.Context, body any, opts PubOpts) (*BusMsg, error) {
	msg, err := b.normalizePub(ctx, body, opts)
	if err != nil {
		return nil, err
	}
	b.execPubSendOrder(ctx, msg)
	return msg, nil
}

func (b *Bus) normalizePub(ctx context.Context, body any, opts PubOpts) (*BusMsg, error) {
	code, resolvedBody, err := b.resolvePublishable(body)
	if err != nil {
		return nil, err
	}
	msg := &BusMsg{
		SID:            genID(),
		LSID:           b.resolveLSID(ctx, opts.LSID),
		BodyCode:       code,
		Body:           resolvedBody,
		TargetConnSIDs: opts.TargetConnSIDs,
	}
	b.lastMu.Lock()
	b.lastMsg[code] = msg
	b.lastMu.Unlock()
	return msg, nil
}

// resolvePublishable unwraps a Result into its wire code/body pair.
func (b *Bus) resolvePublishable(body any) (string, any, error) {
	if res, ok := body.(Result); ok {
		if res.Err != nil {
			return errKindToCode(errcode.Of(res.Err)), errcode.Describe(res.Err), nil
		}
		body = res.V
	}
	if bm, ok := body.(*BusMsg); ok {
		return bm.BodyCode, bm.Body, nil
	}
	code, err := bodyCode(b.codes, body)
	if err != nil {
		return "", nil, err
	}
	return code, body, nil
}

func (b *Bus) execPubSendOrder(ctx context.Context, msg *BusMsg) {
	b.sendNet(msg)
	b.sendInner(ctx, msg)
	b.resolveLinked(msg)
}

func (b *Bus) sendNet(msg *BusMsg) {
	if len(msg.TargetConnSIDs) == 0 {
		return
	}
	wire, err := b.codec.Serialize(msg)
	if err != nil {
		b.log.Warn("pub: serialize for net delivery failed", "code", msg.BodyCode, "err", err)
		return
	}
	b.connsMu.RLock()
	defer b.connsMu.RUnlock()
	for _, sid := range msg.TargetConnSIDs {
		conn, ok := b.conns[sid]
		if !ok {
			continue
		}
		if err := conn.Send(wire); err != nil {
			b.log.Warn("pub: net delivery failed", "connsid", sid, "err", err)
			continue
		}
		if b.cfg.LogNetSend {
			b.log.Info("net send", "connsid", sid, "code", msg.BodyCode, "sid", msg.SID)
		}
	}
}

func (b *Bus) sendInner(ctx context.Context, msg *BusMsg) {
	b.subsMu.Lock()
	entries := append([]subEntry(nil), b.codeToSubs[msg.BodyCode]...)
	b.subsMu.Unlock()

	for _, entry := range entries {
		if interrupt := b.dispatchOne(ctx, entry, msg); interrupt {
			return
		}
	}
}

func (b *Bus) dispatchOne(ctx context.Context, entry subEntry, msg *BusMsg) (interrupt bool) {
	for _, cond := range entry.conditions {
		if !cond(ctx, msg) {
			return false
		}
	}
	for _, f := range entry.inFilters {
		filtered, err := f(ctx, msg)
		if err != nil {
			b.log.Warn("sub in-filter failed", "code", msg.BodyCode, "err", err)
			return false
		}
		if filtered == nil {
			return false
		}
		msg = filtered
	}

	mc := &msgContext{msid: msg.SID, connsid: msg.SourceConnSID}
	subCtx := withMsgContext(ctx, mc)

	var closer CtxManager
	if b.cfg.SubCtxFn != nil {
		var err error
		closer, err = b.cfg.SubCtxFn(subCtx, msg)
		if err != nil {
			b.log.Warn("sub ctxfn failed", "code", msg.BodyCode, "err", err)
			return false
		}
	}

	retval, err := b.safeCall(entry, subCtx, msg)
	if closer != nil {
		_ = closer.Close()
	}

	if err != nil {
		if b.cfg.TraceErrsOnPub {
			b.log.Error("subfn error", "code", msg.BodyCode, "subsid", entry.subsid, "err", err)
		}
		b.publishReply(subCtx, msg, ResErr(err), entry.outFilters)
		return false
	}
	if retval == nil {
		return false
	}
	return b.publishReply(subCtx, msg, retval, entry.outFilters)
}

func (b *Bus) safeCall(entry subEntry, ctx context.Context, msg *BusMsg) (retval any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errcode.New(errcode.ResourceError, "bus.dispatch", "subfn panicked", nil)
		}
	}()
	return entry.call(ctx, msg)
}

// publishReply folds a subfn's return value (or its wrapped error) into zero
// or more downstream Pub calls linked back to msg, honoring SkipMe,
// InterruptPipeline, and PubList (spec §4.4). It reports whether the
// subscriber dispatch loop for msg's code should stop early.
func (b *Bus) publishReply(ctx context.Context, msg *BusMsg, retval any, outFilters []RetvalFilter) (interrupt bool) {
	for _, f := range outFilters {
		filtered, err := f(ctx, retval)
		if err != nil {
			b.log.Warn("sub out-filter failed", "code", msg.BodyCode, "err", err)
			return false
		}
		retval = filtered
	}

	switch v := retval.(type) {
	case skipMeT:
		return false
	case interruptPipelineT:
		return true
	case PubList:
		for _, item := range v {
			b.publishLinkedTo(ctx, msg, item)
		}
		return false
	default:
		b.publishLinkedTo(ctx, msg, retval)
		return false
	}
}

// publishLinkedTo links the reply back to msg.SID by default (the
// "$ctx::msid" behavior), but honors a subfn-set override from
// SetCtxSubfnLSID so a handler can redirect its own reply to a different
// pending Pubr call (spec §4.4).
func (b *Bus) publishLinkedTo(ctx context.Context, msg *BusMsg, body any) {
	lsid := msg.SID
	if mc, ok := msgContextFrom(ctx); ok && mc.subfnLSID != "" {
		lsid = mc.subfnLSID
	}
	opts := PubOpts{LSID: lsid}
	if msg.SourceConnSID != "" {
		opts.TargetConnSIDs = []string{msg.SourceConnSID}
	}
	if _, err := b.Pub(ctx, body, opts); err != nil {
		b.log.Warn("pub: reply publish failed", "code", msg.BodyCode, "err", err)
	}
}

func (b *Bus) resolveLinked(msg *BusMsg) {
	if msg.LSID == "" {
		return
	}
	b.waitersMu.Lock()
	ch, ok := b.lsidToWaiter[msg.LSID]
	if ok {
		delete(b.lsidToWaiter, msg.LSID)
	}
	b.waitersMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
	}
	close(ch)
}

// Pubr publishes body and blocks until a reply links back to it (via
// "$ctx::msid" from the handler side) or timeout elapses.
func (b *Bus) Pubr(ctx context.Context, body any, timeout time.Duration) (*BusMsg, error) {
	msg, err := b.normalizePub(ctx, body, PubOpts{})
	if err != nil {
		return nil, err
	}

	waitCh := make(chan *BusMsg, 1)
	b.waitersMu.Lock()
	b.lsidToWaiter[msg.SID] = waitCh
	b.waitersMu.Unlock()
	defer func() {
		b.waitersMu.Lock()
		delete(b.lsidToWaiter, msg.SID)
		b.waitersMu.Unlock()
	}()

	b.execPubSendOrder(ctx, msg)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply, ok := <-waitCh:
		if !ok {
			return nil, errcode.New(errcode.Timeout, "bus.pubr", "bus destroyed while waiting for reply", nil)
		}
		return reply, nil
	case <-timer.C:
		return nil, errcode.New(errcode.Timeout, "bus.pubr", "no reply to "+msg.SID+" within "+timeout.String(), nil)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleInbound routes one decoded inbound message: an rpc call envelope
// goes to the RPC dispatcher, everything else is published in-process as
// though the connection itself called Pub.
func (b *Bus) handleInbound(ctx context.Context, msg *BusMsg) {
	if b.cfg.LogNetRecv {
		b.log.Info("net recv", "connsid", msg.SourceConnSID, "code", msg.BodyCode, "sid", msg.SID)
	}
	if msg.BodyCode == CodeSrpcSend {
		b.handleRPCCall(ctx, msg)
		return
	}
	if msg.BodyCode == CodeSrpcRecv {
		// The server is not an RPC client: a stray inbound srpc_recv has no
		// pending call to link to and is logged-and-dropped (spec §4.5)
		// rather than published in-process.
		b.log.Warn("dropped stray inbound rpc reply", "connsid", msg.SourceConnSID, "sid", msg.SID)
		return
	}
	b.execPubSendOrder(ctx, msg)
}
