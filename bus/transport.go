package bus

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"yon/errcode"
)

const (
	defaultInboundQueueSize  = 64
	defaultOutboundQueueSize = 64
	maxFrameBytes            = 16 << 20
)

// Listener accepts raw, already-multiplexed byte streams; one Accept call
// returns one peer. Grounded on the teacher's services/bridge.Transport,
// generalized from a single dial target to a listen-style acceptor since
// this bus is the server side of every configured transport.
type Listener interface {
	Accept(ctx context.Context) (io.ReadWriteCloser, error)
	Close() error
}

// TransportConfig names one Listener the bus should run an accept loop
// against, plus the bounded-queue sizing for connections it produces
// (spec: multi-transport I/O with bounded queues). OutboundQueueSize bounds
// each connection's outbound queue. InboundQueueSize is not read: inbound
// frames are dispatched directly from each connection's read loop, without
// a queue.
type TransportConfig struct {
	Kind     string
	Listener Listener

	InboundQueueSize  int
	OutboundQueueSize int

	// OnRecv/OnSend are best-effort observers; a panic raised from them is
	// recovered and ignored, matching the original's fire-and-forget hook
	// semantics.
	OnRecv func(connsid string, wire WireMsg)
	OnSend func(connsid string, wire WireMsg)
}

func (c TransportConfig) inboundSize() int {
	if c.InboundQueueSize > 0 {
		return c.InboundQueueSize
	}
	return defaultInboundQueueSize
}

func (c TransportConfig) outboundSize() int {
	if c.OutboundQueueSize > 0 {
		return c.OutboundQueueSize
	}
	return defaultOutboundQueueSize
}

// activeTransport is one running accept loop, grounded on
// services/bridge.Service.run's supervisor-goroutine pattern but supervised
// by an errgroup.Group instead of a bare sync.WaitGroup. initTransports
// returns as soon as the loops are started; a loop's terminal error is only
// observed by stop, which logs it at debug level.
type activeTransport struct {
	cfg    TransportConfig
	bus    *Bus
	cancel context.CancelFunc
	group  *errgroup.Group
}

func (b *Bus) initTransports(ctx context.Context) error {
	for _, cfg := range b.cfg.Transports {
		if cfg.Listener == nil {
			return errcode.New(errcode.ValueError, "bus.initTransports", "transport "+cfg.Kind+" has a nil Listener", nil)
		}
		tctx, cancel := context.WithCancel(ctx)
		group, gctx := errgroup.WithContext(tctx)
		at := &activeTransport{cfg: cfg, bus: b, cancel: cancel, group: group}
		group.Go(func() error { return at.acceptLoop(gctx) })

		b.transportsMu.Lock()
		b.activeTransports[cfg.Kind] = at
		b.transportsMu.Unlock()
	}
	return nil
}

// stop cancels the accept loop and releases the listener; it does not wait
// for in-flight connection goroutines, mirroring Bus.Destroy's documented
// "in-flight work is not awaited" contract.
func (at *activeTransport) stop() {
	at.cancel()
	_ = at.cfg.Listener.Close()
	go func() {
		if err := at.group.Wait(); err != nil && at.bus.log != nil {
			at.bus.log.Debug("transport stopped", "kind", at.cfg.Kind, "err", err)
		}
	}()
}

func (at *activeTransport) acceptLoop(ctx context.Context) error {
	log := at.bus.log
	for {
		rwc, err := at.cfg.Listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("transport accept failed", "kind", at.cfg.Kind, "err", err)
			continue
		}
		nc := newNetConn(genID(), rwc, at.cfg)
		at.bus.addConn(nc)
		if err := nc.Send(at.bus.currentWelcome()); err != nil {
			log.Warn("welcome send failed", "connsid", nc.SID(), "err", err)
		}
		go at.bus.serveConn(ctx, nc)
	}
}

// netConn frames WireMsg values as length-prefixed JSON over an
// io.ReadWriteCloser: a 4-byte big-endian length header followed by the
// JSON body, generalizing services/bridge's 1-byte-type + 2-byte-length
// frame header to this bus's single message kind.
type netConn struct {
	baseConn
	rwc io.ReadWriteCloser
	r   *bufio.Reader

	outbound chan WireMsg
	onSend   func(string, WireMsg)
	onRecv   func(string, WireMsg)

	writeMu sync.Mutex
}

func newNetConn(sid string, rwc io.ReadWriteCloser, cfg TransportConfig) *netConn {
	nc := &netConn{
		baseConn: newBaseConn(sid),
		rwc:      rwc,
		r:        bufio.NewReader(rwc),
		outbound: make(chan WireMsg, cfg.outboundSize()),
		onSend:   cfg.OnSend,
		onRecv:   cfg.OnRecv,
	}
	go nc.outboundLoop()
	return nc
}

// Send enqueues wire without blocking; when the outbound queue is full,
// wire is dropped and an error is returned (spec: non-blocking,
// drop-on-full outbound).
func (nc *netConn) Send(wire WireMsg) error {
	if nc.IsClosed() {
		return errcode.New(errcode.ResourceError, "netConn.send", "connection closed", nil)
	}
	select {
	case nc.outbound <- wire:
		return nil
	default:
		return errcode.New(errcode.ResourceError, "netConn.send", "outbound queue full, message dropped", nil)
	}
}

func (nc *netConn) outboundLoop() {
	for wire := range nc.outbound {
		if err := nc.writeFrame(wire); err != nil {
			return
		}
		if nc.onSend != nil {
			safeObserve(func() { nc.onSend(nc.sid, wire) })
		}
	}
}

// writeFrame/readFrame marshal with jsonx (jsoniter), not stdlib
// encoding/json: WireMsg.Body is a jsoniter.RawMessage, which has no
// MarshalJSON/UnmarshalJSON, so stdlib encoding/json would base64-encode it
// as an opaque string instead of emitting it as a raw JSON value (spec §6).
func (nc *netConn) writeFrame(wire WireMsg) error {
	body, err := jsonx.Marshal(wire)
	if err != nil {
		return err
	}
	nc.writeMu.Lock()
	defer nc.writeMu.Unlock()
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := nc.rwc.Write(hdr[:]); err != nil {
		return err
	}
	_, err = nc.rwc.Write(body)
	return err
}

// readFrame blocks until one full frame has arrived.
func (nc *netConn) readFrame() (WireMsg, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(nc.r, hdr[:]); err != nil {
		return WireMsg{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameBytes {
		return WireMsg{}, errcode.New(errcode.ValueError, "netConn.readFrame", "frame exceeds max size", nil)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(nc.r, body); err != nil {
		return WireMsg{}, err
	}
	var wire WireMsg
	if err := jsonx.Unmarshal(body, &wire); err != nil {
		return WireMsg{}, err
	}
	return wire, nil
}

func (nc *netConn) Close() error {
	if !nc.markClosed() {
		return nil
	}
	close(nc.outbound)
	return nc.rwc.Close()
}

// serveConn runs the inbound read loop for one connection until it closes,
// handing every decoded frame to the bus dispatch path.
func (b *Bus) serveConn(ctx context.Context, nc *netConn) {
	defer func() {
		_ = nc.Close()
		b.removeConn(nc.SID())
	}()
	for {
		wire, err := nc.readFrame()
		if err != nil {
			return
		}
		if nc.onRecv != nil {
			safeObserve(func() { nc.onRecv(nc.SID(), wire) })
		}
		msg, err := b.codec.Deserialize(wire, nc.SID())
		if err != nil {
			b.log.Warn("inbound decode failed", "connsid", nc.SID(), "err", err)
			continue
		}
		b.handleInbound(ctx, msg)
	}
}

func safeObserve(fn func()) {
	defer func() { _ = recover() }()
	fn()
}
