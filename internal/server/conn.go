package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"quizduel/internal/obslog"
	"quizduel/pkg/battledto"
)

const (
	egressBuffer = 64
	writeTimeout = 5 * time.Second
)

// wsConn wraps one accepted websocket. All outbound traffic funnels through a
// buffered channel drained by a single writer goroutine, since wsjson.Write is
// not safe for concurrent use.
type wsConn struct {
	id   string
	ws   *websocket.Conn
	send chan battledto.Envelope

	closeOnce sync.Once
	done      chan struct{}
}

func newWSConn(id string, ws *websocket.Conn) *wsConn {
	return &wsConn{
		id:   id,
		ws:   ws,
		send: make(chan battledto.Envelope, egressBuffer),
		done: make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

// Enqueue hands an envelope to the writer without blocking. A full buffer
// means the peer stopped draining; the message is dropped and the hub logs
// the drop.
func (c *wsConn) Enqueue(env battledto.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

func (c *wsConn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case env := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.ws, env)
			cancel()
			if err != nil {
				obslog.L().Debug("ws_write_failed", zap.String("conn_id", c.id), zap.Error(err))
				return
			}
		}
	}
}

func (c *wsConn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close(code, reason)
	})
}
