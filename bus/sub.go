package bus

import (
	"context"
	"reflect"
	"sync"

	"yon/errcode"
)

// MsgCondition gates whether a subscriber fires at all for msg; returning
// false silently skips the subscriber (spec §4.3 conditions).
type MsgCondition func(ctx context.Context, msg *BusMsg) bool

// MsgFilter runs before the subscriber body and may replace the message
// (e.g. decrypt, decorate); returning a nil *BusMsg aborts dispatch to this
// subscriber without error.
type MsgFilter func(ctx context.Context, msg *BusMsg) (*BusMsg, error)

// RetvalFilter runs after the subscriber body over its return value, before
// that value is folded into Pub's republish logic (spec §4.4 subfn retval
// reduction).
type RetvalFilter func(ctx context.Context, retval any) (any, error)

// SubFn is the signature every Sub subscriber is registered with: it
// receives the ambient ctx (carrying msid/connsid) and the typed body, and
// may return a value to have Pub re-publish on the subscriber's behalf (a
// Result, a PubList, SkipMe, or any other registered body).
type SubFn[T any] func(ctx context.Context, body T) (any, error)

// SubOpts configures one Sub call beyond its code and handler.
type SubOpts struct {
	Conditions  []MsgCondition
	InFilters   []MsgFilter
	OutFilters  []RetvalFilter
	RecvLastMsg bool
}

// subEntry is the type-erased form of one registered subscriber, keyed by a
// fresh subsid and filed under its body code.
type subEntry struct {
	subsid     string
	code       string
	call       func(ctx context.Context, msg *BusMsg) (any, error)
	conditions []MsgCondition
	inFilters  []MsgFilter
	outFilters []RetvalFilter
}

// Sub registers fn to run on every future message published under code (or
// under T's own registered code, when code is ""). It returns the fresh
// subsid to later pass to Unsub.
func Sub[T any](b *Bus, code string, fn SubFn[T], opts SubOpts) (string, error) {
	if !b.IsInitialized() {
		return "", errcode.New(errcode.ValueError, "bus.sub", "bus is not initialized", nil)
	}

	var zero T
	switch any(zero).(type) {
	case SrpcSend:
		return "", errcode.New(errcode.ValueError, "bus.sub", "cannot subscribe directly to the rpc envelope type; use RegRPC", nil)
	case SrpcRecvMarker:
		return "", errcode.New(errcode.ValueError, "bus.sub", "cannot subscribe directly to the rpc reply envelope type", nil)
	}

	if code == "" {
		t := reflect.TypeOf(zero)
		derived, ok := b.codes.CodeOfType(t)
		if !ok {
			return "", errcode.New(errcode.UnregisteredCode, "bus.sub", "type "+t.String()+" has no registered code; pass code explicitly", nil)
		}
		code = derived
	} else if !b.codes.HasCode(code) {
		return "", errcode.New(errcode.UnregisteredCode, "bus.sub", "code "+code+" is not registered", nil)
	}

	conditions := append(append([]MsgCondition{}, b.cfg.GlobalSubConditions...), opts.Conditions...)
	inFilters := append(append([]MsgFilter{}, b.cfg.GlobalSubInFilters...), opts.InFilters...)
	outFilters := append(append([]RetvalFilter{}, b.cfg.GlobalSubOutFilters...), opts.OutFilters...)

	entry := subEntry{
		subsid: genID(),
		code:   code,
		call: func(ctx context.Context, msg *BusMsg) (any, error) {
			body, ok := msg.Body.(T)
			if !ok {
				return nil, errcode.New(errcode.ValueError, "bus.sub", "body type mismatch for code "+code, nil)
			}
			return fn(ctx, body)
		},
		conditions: conditions,
		inFilters:  inFilters,
		outFilters: outFilters,
	}

	b.subsMu.Lock()
	b.subsidToCode[entry.subsid] = code
	b.codeToSubs[code] = append(b.codeToSubs[code], entry)
	b.subsMu.Unlock()

	if opts.RecvLastMsg {
		b.lastMu.Lock()
		last, ok := b.lastMsg[code]
		b.lastMu.Unlock()
		if ok {
			b.replayLastMsg(context.Background(), entry, last)
		}
	}

	return entry.subsid, nil
}

// replayLastMsg invokes entry once, synchronously, against the retained
// message for its code (spec §4.3: RecvLastMsg fires "once ... before the
// call [to Sub] returns" and "does not affect linked-sid state"). Unlike
// dispatchOne's normal path, the subfn's return value is not republished and
// no reply links back to last — this is a replay for the new subscriber's
// own side effects, not a fresh dispatch.
func (b *Bus) replayLastMsg(ctx context.Context, entry subEntry, last *BusMsg) {
	for _, cond := range entry.conditions {
		if !cond(ctx, last) {
			return
		}
	}
	msg := last
	for _, f := range entry.inFilters {
		filtered, err := f(ctx, msg)
		if err != nil {
			b.log.Warn("sub in-filter failed on replay", "code", msg.BodyCode, "err", err)
			return
		}
		if filtered == nil {
			return
		}
		msg = filtered
	}

	mc := &msgContext{msid: msg.SID, connsid: msg.SourceConnSID}
	replayCtx := withMsgContext(ctx, mc)

	var closer CtxManager
	if b.cfg.SubCtxFn != nil {
		var err error
		closer, err = b.cfg.SubCtxFn(replayCtx, msg)
		if err != nil {
			b.log.Warn("sub ctxfn failed on replay", "code", msg.BodyCode, "err", err)
			return
		}
	}
	_, err := b.safeCall(entry, replayCtx, msg)
	if closer != nil {
		_ = closer.Close()
	}
	if err != nil && b.cfg.TraceErrsOnPub {
		b.log.Error("subfn error on replay", "code", msg.BodyCode, "subsid", entry.subsid, "err", err)
	}
}

// Unsub removes one subscriber by subsid.
func (b *Bus) Unsub(subsid string) error {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	code, ok := b.subsidToCode[subsid]
	if !ok {
		return errcode.New(errcode.NotFound, "bus.unsub", "no subscriber with sid "+subsid, nil)
	}
	delete(b.subsidToCode, subsid)
	entries := b.codeToSubs[code]
	for i, e := range entries {
		if e.subsid == subsid {
			b.codeToSubs[code] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	return nil
}

// UnsubMany removes several subscribers, collecting per-subsid errors.
func (b *Bus) UnsubMany(subsids ...string) []error {
	var errs []error
	for _, s := range subsids {
		if err := b.Unsub(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// --- queued subscriber registration (opt-in via Config.ConsiderQueuedSubs) -

type subQueueEntry func(b *Bus) error

var (
	subQueueMu sync.Mutex
	subQueue   []subQueueEntry
)

// RegisterSub appends reg to a package-level queue drained by Init when
// Config.ConsiderQueuedSubs is true, mirroring original_source/yon's
// consider_sub_decorators init-time queue. Most callers should prefer
// calling Sub directly once they hold a *Bus; this exists for packages that
// want to declare a subscriber at init() time before any Bus exists.
func RegisterSub(reg func(b *Bus) error) {
	subQueueMu.Lock()
	defer subQueueMu.Unlock()
	subQueue = append(subQueue, reg)
}

func drainSubQueue() []subQueueEntry {
	subQueueMu.Lock()
	defer subQueueMu.Unlock()
	out := subQueue
	subQueue = nil
	return out
}
