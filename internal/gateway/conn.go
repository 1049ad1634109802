package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	modWriteTimeout = 10 * time.Second
	maxFrameBytes   = 1 << 20

	closeReasonIdle     = "idle timeout"
	closeReasonShutdown = "server shutdown"
)

// modConn is the registry handle for one mod websocket. Writes from the
// session loop and the admin push are serialised.
type modConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func newModConn(ws *websocket.Conn) *modConn {
	ws.SetReadLimit(maxFrameBytes)
	return &modConn{ws: ws}
}

func (c *modConn) WriteJSON(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, modWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.ws, v)
}

func (c *modConn) Close(reason string) error {
	status := websocket.StatusGoingAway
	if reason == closeReasonIdle {
		status = websocket.StatusPolicyViolation
	}
	return c.ws.Close(status, reason)
}
