package gateway

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// wsConn adapts a *websocket.Conn's message framing to io.ReadWriteCloser,
// buffering the tail of a partially-consumed inbound message between Read
// calls since the bus's frame reader expects a plain byte stream.
type wsConn struct {
	c        *websocket.Conn
	leftover []byte
}

func (w *wsConn) Read(p []byte) (int, error) {
	for len(w.leftover) == 0 {
		_, data, err := w.c.ReadMessage()
		if err != nil {
			return 0, err
		}
		w.leftover = data
	}
	n := copy(p, w.leftover)
	w.leftover = w.leftover[n:]
	return n, nil
}

func (w *wsConn) Write(p []byte) (int, error) {
	if err := w.c.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsConn) Close() error { return w.c.Close() }

// wsListener adapts an http.Server running gorilla/websocket's upgrader to
// bus.Listener: every successful upgrade is handed to the next Accept call.
type wsListener struct {
	ln       net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader
	accept   chan io.ReadWriteCloser
}

// NewWSListener serves WebSocket upgrades for path on addr (e.g. ":7701").
func NewWSListener(addr, path string) (*wsListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "gateway: listen ws")
	}
	l := &wsListener{
		ln:     ln,
		accept: make(chan io.ReadWriteCloser),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handle)
	l.srv = &http.Server{Handler: mux}
	go func() { _ = l.srv.Serve(ln) }()
	return l, nil
}

func (l *wsListener) handle(w http.ResponseWriter, r *http.Request) {
	c, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	select {
	case l.accept <- &wsConn{c: c}:
	case <-time.After(5 * time.Second):
		_ = c.Close()
	}
}

func (l *wsListener) Accept(ctx context.Context) (io.ReadWriteCloser, error) {
	select {
	case c := <-l.accept:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *wsListener) Close() error { return l.srv.Close() }

func (l *wsListener) Addr() string { return l.ln.Addr().String() }
