package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// ErrNotConnected is returned by Send when no WebSocket connection is open.
var ErrNotConnected = errors.New("realtime: not connected")

// MessageHandler receives each complete text frame from the server. A non-nil
// error is logged and swallowed; it never terminates the receive loop.
type MessageHandler func(ctx context.Context, data []byte) error

// Transport is a duplex full-message WebSocket connection to the realtime API.
// Sends are serialized internally; Send is safe for concurrent use.
type Transport interface {
	Connect(ctx context.Context, url string, header http.Header) error
	Send(ctx context.Context, payload any) error
	OnMessage(h MessageHandler)
	OnDisconnected(fn func(reason error))
	Close() error
}

// Compile-time assertion that WSTransport satisfies Transport.
var _ Transport = (*WSTransport)(nil)

// WSTransport implements Transport over coder/websocket. One connection per
// transport; reconnecting means creating a new transport.
type WSTransport struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	handlerMu      sync.Mutex
	onMessage      MessageHandler
	onDisconnected func(error)
	discOnce       sync.Once

	ctx      context.Context
	cancel   context.CancelFunc
	readDone chan struct{}
}

// NewWSTransport creates an unconnected transport.
func NewWSTransport() *WSTransport {
	return &WSTransport{}
}

// OnMessage registers the handler invoked for each complete text frame.
// Register before Connect; the receive loop starts immediately on dial.
func (t *WSTransport) OnMessage(h MessageHandler) {
	t.handlerMu.Lock()
	t.onMessage = h
	t.handlerMu.Unlock()
}

// OnDisconnected registers the callback fired once when the connection drops
// for any reason other than Close.
func (t *WSTransport) OnDisconnected(fn func(error)) {
	t.handlerMu.Lock()
	t.onDisconnected = fn
	t.handlerMu.Unlock()
}

// Connect dials url with the given headers (bearer token and protocol-version
// indicator) and starts the receive loop.
func (t *WSTransport) Connect(ctx context.Context, url string, header http.Header) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return fmt.Errorf("realtime: already connected")
	}

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("realtime: dial: %w", err)
	}
	// Audio sessions stream large base64 frames in both directions.
	conn.SetReadLimit(1 << 22)

	t.conn = conn
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.readDone = make(chan struct{})
	go t.receiveLoop()
	return nil
}

// Send serializes payload as JSON and writes it as one text frame. Concurrent
// callers are serialized on an internal lock so frames never interleave.
func (t *WSTransport) Send(ctx context.Context, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || t.closed {
		return ErrNotConnected
	}
	if err := t.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("realtime: write: %w", err)
	}
	return nil
}

// receiveLoop reads complete text messages and dispatches them. The websocket
// library reassembles fragmented frames, so each Read returns one full
// message. Handler errors and panics are contained here.
func (t *WSTransport) receiveLoop() {
	defer close(t.readDone)
	for {
		_, data, err := t.conn.Read(t.ctx)
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed || t.ctx.Err() != nil {
				return
			}
			t.fireDisconnected(err)
			return
		}
		t.dispatch(data)
	}
}

func (t *WSTransport) dispatch(data []byte) {
	t.handlerMu.Lock()
	h := t.onMessage
	t.handlerMu.Unlock()
	if h == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("message handler panicked", "panic", r)
		}
	}()
	if err := h(t.ctx, data); err != nil {
		slog.Warn("message handler error", "err", err)
	}
}

func (t *WSTransport) fireDisconnected(reason error) {
	t.discOnce.Do(func() {
		t.handlerMu.Lock()
		fn := t.onDisconnected
		t.handlerMu.Unlock()
		if fn != nil {
			fn(reason)
		}
	})
}

// Close shuts the connection down with a normal closure and drains the
// receive loop. Idempotent.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.conn == nil || t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	t.cancel()
	err := conn.Close(websocket.StatusNormalClosure, "session ended")
	<-t.readDone
	if err != nil {
		return fmt.Errorf("realtime: close: %w", err)
	}
	return nil
}
