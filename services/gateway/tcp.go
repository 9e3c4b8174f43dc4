// Package gateway adapts services/bridge's link-supervision idiom to the
// server side: instead of dialling one remote UART link, it listens for
// peers over TCP and WebSocket and hands each accepted connection to the
// bus as a bus.Listener (spec: multi-transport I/O).
package gateway

import (
	"context"
	"io"
	"net"

	"github.com/pkg/errors"
)

// tcpListener adapts a net.Listener to bus.Listener.
type tcpListener struct {
	ln net.Listener
}

// NewTCPListener listens on addr (e.g. ":7700") and returns a bus.Listener
// over raw TCP connections.
func NewTCPListener(addr string) (*tcpListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "gateway: listen tcp")
	}
	return &tcpListener{ln: ln}, nil
}

func (t *tcpListener) Accept(ctx context.Context) (io.ReadWriteCloser, error) {
	type result struct {
		c   net.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := t.ln.Accept()
		ch <- result{c, err}
	}()
	select {
	case r := <-ch:
		return r.c, r.err
	case <-ctx.Done():
		_ = t.ln.Close()
		return nil, ctx.Err()
	}
}

func (t *tcpListener) Close() error { return t.ln.Close() }

func (t *tcpListener) Addr() string { return t.ln.Addr().String() }
