package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/philsphicas/sshx/internal/protocol"
	"github.com/philsphicas/sshx/internal/tunnel"
	"golang.org/x/sync/errgroup"
)

// Session is the relay-side state of one registered client.
type Session struct {
	ID        uuid.UUID
	Label     string
	Protocol  protocol.Protocol
	LocalPort uint16
	Port      uint16
	Created   time.Time
	Remote    net.Addr

	conn      *protocol.Conn
	ln        net.Listener
	broker    *Broker
	heartbeat *tunnel.Heartbeat
	logger    *slog.Logger
	tcpKA     time.Duration

	closeOnce sync.Once
}

// SessionInfo is a snapshot of a live session.
type SessionInfo struct {
	ID       uuid.UUID         `json:"id"`
	Label    string            `json:"label"`
	Protocol protocol.Protocol `json:"protocol"`
	Port     uint16            `json:"port"`
	Pending  int               `json:"pending"`
	Created  time.Time         `json:"created"`
}

func (s *Session) info() SessionInfo {
	return SessionInfo{
		ID:       s.ID,
		Label:    s.Label,
		Protocol: s.Protocol,
		Port:     s.Port,
		Pending:  s.broker.Len(),
		Created:  s.Created,
	}
}

// run drives an active session until the control connection fails, the
// tunnel listener fails, the peer stops answering pings, or ctx is done.
func (s *Session) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.acceptLoop() })
	g.Go(func() error { return s.readLoop() })
	g.Go(func() error {
		err := s.heartbeat.Run(gctx, func() error { return s.conn.Write(protocol.Ping{}) })
		if errors.Is(err, tunnel.ErrKeepaliveTimeout) {
			_ = s.conn.Write(protocol.ErrorMsg{Reason: protocol.ReasonKeepaliveTimeout, Message: "no pong received"})
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		s.close()
		return nil
	})
	return g.Wait()
}

// acceptLoop parks each visitor in the broker and notifies the client.
func (s *Session) acceptLoop() error {
	var delay time.Duration
	for {
		vc, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept tunnel: %w", err)
			}
			delay = acceptBackoff(delay)
			s.logger.Warn("tunnel accept failed", "error", err, "retry_in", delay)
			time.Sleep(delay)
			continue
		}
		delay = 0
		tunnel.SetTCPKeepAlive(vc, s.tcpKA)
		id, err := s.broker.Register(vc)
		if err != nil {
			_ = tunnel.Reset(vc)
			return err
		}
		s.logger.Debug("visitor connected", "conn", id, "visitor", vc.RemoteAddr())
		if err := s.conn.Write(protocol.NotifyNewConnection{ID: id}); err != nil {
			return fmt.Errorf("notify new connection: %w", err)
		}
	}
}

// readLoop consumes control frames from the client. After registration the
// client only sends keepalive traffic.
func (s *Session) readLoop() error {
	for {
		m, err := s.conn.Read()
		if err != nil {
			return fmt.Errorf("read control: %w", err)
		}
		s.heartbeat.Seen()
		switch m.(type) {
		case protocol.Ping:
			if err := s.conn.Write(protocol.Pong{}); err != nil {
				return fmt.Errorf("write pong: %w", err)
			}
		case protocol.Pong:
		default:
			_ = s.conn.Write(protocol.ErrorMsg{
				Reason:  protocol.ReasonProtocolViolation,
				Message: fmt.Sprintf("unexpected %s", m.Kind()),
			})
			return fmt.Errorf("%w: unexpected %s on active session", protocol.ErrProtocolViolation, m.Kind())
		}
	}
}

// close tears down the transport side of the session. Port and broker
// cleanup happen in the server once run returns.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		_ = s.ln.Close()
		_ = s.conn.Close()
	})
}
