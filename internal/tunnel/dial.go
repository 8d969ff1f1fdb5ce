package tunnel

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/coder/websocket"
)

const (
	DefaultDialTimeout = 10 * time.Second

	// wsReadLimit bounds a single WebSocket message. The splicer writes at
	// most one chunk per message.
	wsReadLimit = 1 << 20
)

// Dial opens a transport connection to the relay. For ws and wss endpoints
// the WebSocket is wrapped as a net.Conn whose lifetime is bound to ctx;
// timeout only bounds the connection attempt.
func Dial(ctx context.Context, ep Endpoint, timeout time.Duration) (net.Conn, error) {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch ep.Scheme {
	case "tcp":
		var d net.Dialer
		conn, err := d.DialContext(dialCtx, "tcp", ep.Host)
		if err != nil {
			return nil, fmt.Errorf("dial relay: %w", err)
		}
		return conn, nil
	case "ws", "wss":
		ws, _, err := websocket.Dial(dialCtx, ep.URL, nil)
		if err != nil {
			return nil, fmt.Errorf("dial relay: %w", err)
		}
		return WebSocketConn(ctx, ws), nil
	default:
		return nil, fmt.Errorf("dial relay: unsupported scheme %q", ep.Scheme)
	}
}

// WebSocketConn adapts a binary WebSocket to a net.Conn.
func WebSocketConn(ctx context.Context, ws *websocket.Conn) net.Conn {
	ws.SetReadLimit(wsReadLimit)
	return websocket.NetConn(ctx, ws, websocket.MessageBinary)
}
