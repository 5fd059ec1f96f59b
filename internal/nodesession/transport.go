package nodesession

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wolfleet/wolfleet/internal/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendQueueSize  = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn adapts a gorilla/websocket connection to the Conn interface.
// Writes are queued onto a buffered channel and flushed by a single
// writer goroutine, since gorilla connections are not safe for
// concurrent writers — grounded on the teacher's Client/SafeSend.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	closed    atomic.Bool
}

func newWSConn(c *websocket.Conn) *wsConn {
	return &wsConn{conn: c, send: make(chan []byte, sendQueueSize)}
}

// WriteMessage queues data for delivery. Non-blocking: a full queue
// means a slow or dead peer, and the frame is dropped rather than
// stalling the caller.
func (w *wsConn) WriteMessage(data []byte) error {
	if w.closed.Load() {
		return websocket.ErrCloseSent
	}
	select {
	case w.send <- data:
		return nil
	default:
		return nil
	}
}

// Close sends a close frame carrying code and reason, then tears down
// the underlying connection. Safe to call more than once.
func (w *wsConn) Close(code int, reason string) error {
	var err error
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		deadline := time.Now().Add(writeWait)
		_ = w.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		err = w.conn.Close()
		close(w.send)
	})
	return err
}

// writePump flushes queued frames and periodic pings until send closes
// or a write fails.
func (w *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-w.send:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				return
			}
			if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS upgrades r to a WebSocket, admits the connection as a
// pending session bound to authCtx, and blocks for the lifetime of the
// connection running its read/write pumps.
func ServeWS(ctx context.Context, mgr *Manager, w http.ResponseWriter, r *http.Request, authCtx *auth.Context, log zerolog.Logger) {
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := newWSConn(raw)
	sess := mgr.Accept(conn, authCtx)

	go conn.writePump()

	raw.SetReadLimit(maxMessageSize)
	_ = raw.SetReadDeadline(time.Now().Add(pongWait))
	raw.SetPongHandler(func(string) error {
		_ = raw.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	defer func() {
		mgr.Close(ctx, sess, CloseNormal, "connection closed")
	}()

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			return
		}
		_ = raw.SetReadDeadline(time.Now().Add(pongWait))
		mgr.HandleInbound(ctx, sess, data)
		if sess.State() == StateClosed {
			return
		}
	}
}
