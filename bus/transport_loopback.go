package bus

import (
	"context"
	"io"
	"net"
)

// LoopbackListener is an in-process Listener for tests: Dial simulates one
// peer connecting, Accept hands its end to the
// bus's accept loop. Grounded on net.Pipe, the stdlib's in-memory
// full-duplex connection.
type LoopbackListener struct {
	dial   chan net.Conn
	closed chan struct{}
}

func NewLoopbackListener() *LoopbackListener {
	return &LoopbackListener{
		dial:   make(chan net.Conn),
		closed: make(chan struct{}),
	}
}

func (l *LoopbackListener) Accept(ctx context.Context) (io.ReadWriteCloser, error) {
	select {
	case c := <-l.dial:
		return c, nil
	case <-l.closed:
		return nil, io.ErrClosedPipe
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *LoopbackListener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

// Dial creates a fresh in-memory connection and hands the server end to a
// pending Accept, returning the client end to the caller.
func (l *LoopbackListener) Dial() (io.ReadWriteCloser, error) {
	client, server := net.Pipe()
	select {
	case l.dial <- server:
		return client, nil
	case <-l.closed:
		return nil, io.ErrClosedPipe
	}
}
