package conn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the subset of *websocket.Conn the manager uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// DialFunc opens a transport to url.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// WebsocketDialer dials with gorilla/websocket.
func WebsocketDialer(handshakeTimeout time.Duration, header http.Header) DialFunc {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	return func(ctx context.Context, url string) (Conn, error) {
		ws, resp, err := dialer.DialContext(ctx, url, header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return nil, fmt.Errorf("failed to dial %s: %w", url, err)
		}
		return ws, nil
	}
}

// IsNormalClose reports whether err is a close frame with code 1000.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure)
}

// CloseCode extracts the close code from err, or 0 when err is not a close frame.
func CloseCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}

// transport owns the goroutines reading from and writing to one Conn.
type transport struct {
	conn         Conn
	outbox       chan []byte
	writerDone   chan struct{}
	cancel       context.CancelFunc
	writeTimeout time.Duration
	pingInterval time.Duration
}

// start runs the reader and writer. onFrame and onError are called from
// those goroutines; onError is called at most once.
func (t *transport) start(ctx context.Context, onFrame func([]byte), onError func(error)) {
	handleCtx, handleCancel := context.WithCancel(ctx)
	t.cancel = handleCancel
	t.writerDone = make(chan struct{})

	var once sync.Once
	fail := func(err error) {
		once.Do(func() {
			handleCancel()
			onError(err)
		})
	}

	go func() {
		defer close(t.writerDone)
		defer handleCancel()

		var ping <-chan time.Time
		if t.pingInterval > 0 {
			ticker := time.NewTicker(t.pingInterval)
			defer ticker.Stop()
			ping = ticker.C
		}

		for {
			select {
			case <-handleCtx.Done():
				return
			case frame := <-t.outbox:
				t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
				if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					fail(err)
					return
				}
			case <-ping:
				if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout)); err != nil {
					fail(err)
					return
				}
			}
		}
	}()

	go func() {
		defer handleCancel()
		for {
			messageType, data, err := t.conn.ReadMessage()
			if err != nil {
				fail(err)
				return
			}
			if messageType == websocket.TextMessage {
				onFrame(data)
			}
		}
	}()
}

// send queues frame without blocking. It reports false when the outbox is full.
func (t *transport) send(frame []byte) bool {
	select {
	case t.outbox <- frame:
		return true
	default:
		return false
	}
}

// close stops both goroutines. With code set, frames still in the outbox
// and then a close frame are written first.
func (t *transport) close(code int) {
	t.cancel()
	conn := t.conn
	timeout := t.writeTimeout
	go func() {
		if code != 0 {
			<-t.writerDone
			t.drain()
			conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(timeout))
		}
		conn.Close()
	}()
}

// drain writes whatever is left in the outbox. It runs after the writer
// goroutine has exited and stops at the first write error.
func (t *transport) drain() {
	for {
		select {
		case frame := <-t.outbox:
			t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
			if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
