package relay

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/philsphicas/sshx/internal/tunnel"
)

// WebSocketHandler accepts control and data connections carried over
// binary WebSockets, for clients whose egress only allows HTTP. Each
// upgraded connection is served exactly like a TCP one. Connections are
// bound to ctx, not to the HTTP request.
func (s *Server) WebSocketHandler(ctx context.Context) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Registered before the upgrade hijacks the connection, while
		// http.Server.Shutdown still waits on this request.
		s.wsConns.Add(1)
		defer s.wsConns.Done()

		if !s.allow.allows(r.RemoteAddr) {
			s.refuse(r.RemoteAddr)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			s.cfg.Logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		s.ServeConn(ctx, tunnel.WebSocketConn(ctx, ws))
	})
}
