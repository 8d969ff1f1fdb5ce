// Package relay implements the public side of sshx: it accepts control
// connections from clients, authenticates them, assigns each a public
// tunnel port, and pairs visitor connections on that port with data
// connections opened by the client.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/philsphicas/sshx/internal/metrics"
	"github.com/philsphicas/sshx/internal/protocol"
	"github.com/philsphicas/sshx/internal/tunnel"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultMinPort          = 2000
	DefaultMaxPort          = 65000

	// rejectLinger bounds how long a rejected peer may keep sending before
	// the connection is closed.
	rejectLinger  = 500 * time.Millisecond
	shutdownGrace = 10 * time.Second
)

// Config holds relay configuration.
type Config struct {
	Bind        string // address tunnel ports and the control port bind to
	ControlPort uint16
	MinPort     uint16
	MaxPort     uint16
	Secret      string // empty disables authentication

	PairingTimeout    time.Duration
	HandshakeTimeout  time.Duration
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
	TCPKeepAlive      time.Duration

	WSBind      string  // optional WebSocket ingress address
	AcceptRate  float64 // control accepts per second; 0 = unlimited
	AcceptBurst int
	MaxSessions int // 0 = unlimited

	// Allow restricts the source addresses that may connect (IPs or CIDRs;
	// "*" or empty allows all).
	Allow []string

	// Listen binds tunnel ports. Defaults to TCP on Bind.
	Listen ListenFunc

	Logger  *slog.Logger
	Metrics *metrics.Metrics // optional; nil disables metrics
}

// Server is the relay. It owns the port pool, the live sessions, and the
// index routing data connections to the session that issued their id.
type Server struct {
	cfg   Config
	ports *PortPool
	slots *semaphore.Weighted // nil when sessions are unlimited
	allow allowList

	routes sync.Map // uuid.UUID → *Session

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	labels   map[string]struct{}

	wg      sync.WaitGroup // connections accepted by Serve
	wsConns sync.WaitGroup // connections upgraded by the WebSocket ingress
}

// New validates cfg, fills in defaults and returns a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ControlPort == 0 {
		cfg.ControlPort = tunnel.DefaultControlPort
	}
	if cfg.MinPort == 0 {
		cfg.MinPort = DefaultMinPort
	}
	if cfg.MaxPort == 0 {
		cfg.MaxPort = DefaultMaxPort
	}
	if cfg.PairingTimeout == 0 {
		cfg.PairingTimeout = DefaultPairingTimeout
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Listen == nil {
		cfg.Listen = TCPListenFunc(cfg.Bind)
	}
	if cfg.MinPort <= cfg.ControlPort && cfg.ControlPort <= cfg.MaxPort {
		cfg.Logger.Warn("control port lies inside the tunnel port range", "control_port", cfg.ControlPort)
	}

	allow, err := parseAllowList(cfg.Allow)
	if err != nil {
		return nil, err
	}
	ports, err := NewPortPool(cfg.MinPort, cfg.MaxPort, cfg.Listen)
	if err != nil {
		return nil, err
	}
	srv := &Server{
		cfg:      cfg,
		ports:    ports,
		allow:    allow,
		sessions: make(map[uuid.UUID]*Session),
		labels:   make(map[string]struct{}),
	}
	if cfg.MaxSessions > 0 {
		srv.slots = semaphore.NewWeighted(int64(cfg.MaxSessions))
	}
	return srv, nil
}

// ListenAndServe binds the control port (and the WebSocket ingress, if
// configured) and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Bind, strconv.Itoa(int(s.cfg.ControlPort)))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if s.cfg.AcceptRate > 0 {
		burst := max(s.cfg.AcceptBurst, 1)
		ln = newRateLimitedListener(ln, rate.Limit(s.cfg.AcceptRate), burst, s.cfg.Metrics)
	}

	var wsln net.Listener
	if s.cfg.WSBind != "" {
		if wsln, err = net.Listen("tcp", s.cfg.WSBind); err != nil {
			_ = ln.Close()
			return fmt.Errorf("listen on %s: %w", s.cfg.WSBind, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Serve(gctx, ln) })
	if wsln != nil {
		g.Go(func() error { return s.serveWebSocket(gctx, wsln) })
	}

	s.cfg.Logger.Info("relay listening",
		"control", ln.Addr(),
		"ports", fmt.Sprintf("%d-%d", s.cfg.MinPort, s.cfg.MaxPort),
		"auth", s.cfg.Secret != "")
	err = g.Wait()
	s.wg.Wait()
	return err
}

// Serve accepts control and data connections on ln until ctx is cancelled,
// then waits for every session and splice to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var delay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, errRateLimited) {
				continue
			}
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept control: %w", err)
			}
			delay = acceptBackoff(delay)
			s.cfg.Logger.Warn("accept failed", "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
			continue
		}
		delay = 0
		if !s.allow.allows(nc.RemoteAddr().String()) {
			s.refuse(nc.RemoteAddr().String())
			_ = nc.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, nc)
		}()
	}
}

// ServeConn runs the handshake on a freshly accepted connection and then
// serves it as a control connection or a data connection, depending on
// its first frame. It closes nc before returning.
func (s *Server) ServeConn(ctx context.Context, nc net.Conn) {
	stop := context.AfterFunc(ctx, func() { _ = nc.Close() })
	defer stop()

	tunnel.SetTCPKeepAlive(nc, s.cfg.TCPKeepAlive)
	pc := protocol.NewConn(nc)
	logger := s.cfg.Logger.With("remote", nc.RemoteAddr())

	// One deadline bounds the whole handshake.
	_ = nc.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))

	first, err := pc.Read()
	if err != nil {
		s.handshakeFailed(pc, logger, err)
		return
	}

	switch m := first.(type) {
	case protocol.DataHello:
		s.serveData(ctx, nc, m.ID, logger)
	case protocol.Hello:
		s.serveControl(ctx, pc, m, logger)
	default:
		s.handshakeFailed(pc, logger, fmt.Errorf("%w: expected Hello, got %s", protocol.ErrProtocolViolation, m.Kind()))
	}
}

// acceptBackoff returns the pause before retrying a failed Accept: 5ms,
// doubling up to 1s.
func acceptBackoff(prev time.Duration) time.Duration {
	if prev == 0 {
		return 5 * time.Millisecond
	}
	return min(2*prev, time.Second)
}

func (s *Server) refuse(remote string) {
	s.cfg.Metrics.AcceptRejected(metrics.ReasonNotAllowed)
	s.cfg.Logger.Debug("connection refused by allow list", "remote", remote)
}

// Sessions returns a snapshot of the live sessions ordered by port.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	infos := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		infos = append(infos, sess.info())
	}
	s.mu.Unlock()
	slices.SortFunc(infos, func(a, b SessionInfo) int { return int(a.Port) - int(b.Port) })
	return infos
}

func (s *Server) serveControl(ctx context.Context, pc *protocol.Conn, hello protocol.Hello, logger *slog.Logger) {
	reg, err := s.authenticate(pc, hello)
	if err != nil {
		s.handshakeFailed(pc, logger, err)
		return
	}

	if s.slots != nil {
		if !s.slots.TryAcquire(1) {
			s.cfg.Metrics.AcceptRejected(metrics.ReasonMaxSessions)
			s.handshakeFailed(pc, logger, &protocol.RejectError{Reason: protocol.ReasonInternal, Message: "too many sessions"})
			return
		}
		defer s.slots.Release(1)
	}

	if !s.claimLabel(reg.Label) {
		s.handshakeFailed(pc, logger, &protocol.RejectError{
			Reason:  protocol.ReasonPortExhausted,
			Message: fmt.Sprintf("label %q is already in use", reg.Label),
		})
		return
	}
	port, ln, err := s.ports.Allocate()
	if err != nil {
		s.releaseLabel(reg.Label)
		logger.Warn("port allocation failed", "error", err)
		s.handshakeFailed(pc, logger, &protocol.RejectError{Reason: protocol.ReasonPortExhausted, Message: "no free port available"})
		return
	}

	sess := s.newSession(pc, reg, port, ln, logger)
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	s.cfg.Metrics.SessionOpened()

	if err := pc.Write(protocol.Assigned{Port: port}); err != nil {
		logger.Warn("failed to send assignment", "error", err)
		s.endSession(sess, err)
		return
	}
	_ = pc.NetConn().SetReadDeadline(time.Time{})
	sess.logger.Info("session registered", "protocol", sess.Protocol, "local_port", sess.LocalPort)

	err = sess.run(ctx)
	s.endSession(sess, err)
}

// authenticate completes the control handshake after Hello and returns the
// client's Register.
func (s *Server) authenticate(pc *protocol.Conn, hello protocol.Hello) (protocol.Register, error) {
	if hello.Version != protocol.CurrentVersion {
		return protocol.Register{}, &protocol.RejectError{
			Reason:  protocol.ReasonUnsupportedVersion,
			Message: fmt.Sprintf("unsupported protocol version %d", hello.Version),
		}
	}

	if s.cfg.Secret != "" {
		nonce, err := tunnel.NewNonce()
		if err != nil {
			return protocol.Register{}, err
		}
		if err := pc.Write(protocol.Challenge{Nonce: nonce}); err != nil {
			return protocol.Register{}, fmt.Errorf("write challenge: %w", err)
		}
		m, err := pc.Read()
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return protocol.Register{}, &protocol.RejectError{Reason: protocol.ReasonAuthFailed, Message: "challenge not answered in time"}
		}
		if err != nil {
			return protocol.Register{}, err
		}
		resp, ok := m.(protocol.ChallengeResponse)
		if !ok {
			return protocol.Register{}, &protocol.RejectError{Reason: protocol.ReasonAuthFailed, Message: "challenge not answered"}
		}
		if !tunnel.Verify(nonce, s.cfg.Secret, resp.Proof) {
			return protocol.Register{}, &protocol.RejectError{Reason: protocol.ReasonAuthFailed, Message: "invalid secret"}
		}
		reg, err := readRegister(pc)
		if err != nil {
			return protocol.Register{}, err
		}
		return reg, validated(reg)
	}

	if err := pc.Write(protocol.Hello{Version: protocol.CurrentVersion}); err != nil {
		return protocol.Register{}, fmt.Errorf("write hello: %w", err)
	}
	reg, err := readRegister(pc)
	if err != nil {
		return protocol.Register{}, err
	}
	return reg, validated(reg)
}

func readRegister(pc *protocol.Conn) (protocol.Register, error) {
	m, err := pc.Read()
	if err != nil {
		return protocol.Register{}, err
	}
	reg, ok := m.(protocol.Register)
	if !ok {
		return protocol.Register{}, fmt.Errorf("%w: expected Register, got %s", protocol.ErrProtocolViolation, m.Kind())
	}
	return reg, nil
}

func validated(reg protocol.Register) error {
	if err := ValidateRegister(reg); err != nil {
		return &protocol.RejectError{Reason: protocol.ReasonInvalidRegister, Message: err.Error()}
	}
	return nil
}

func (s *Server) newSession(pc *protocol.Conn, reg protocol.Register, port uint16, ln net.Listener, logger *slog.Logger) *Session {
	sess := &Session{
		ID:        uuid.New(),
		Label:     reg.Label,
		Protocol:  reg.Protocol,
		LocalPort: reg.LocalPort,
		Port:      port,
		Created:   time.Now(),
		Remote:    pc.RemoteAddr(),
		conn:      pc,
		ln:        ln,
		heartbeat: tunnel.NewHeartbeat(s.cfg.KeepaliveInterval, s.cfg.KeepaliveTimeout),
		tcpKA:     s.cfg.TCPKeepAlive,
	}
	sess.logger = logger.With("session", sess.ID, "label", sess.Label, "port", port)
	sess.broker = NewBroker(s.cfg.PairingTimeout, BrokerHooks{
		OnAdd: func(id uuid.UUID) {
			s.routes.Store(id, sess)
			s.cfg.Metrics.PendingAdded()
		},
		OnRemove: func(id uuid.UUID, outcome string) {
			s.routes.Delete(id)
			s.cfg.Metrics.PendingRemoved(outcome)
			if outcome == metrics.OutcomeExpired {
				sess.logger.Warn("pairing timed out", "conn", id)
			}
		},
	})
	return sess
}

// endSession releases everything a session owns. Pending visitors are
// reset and never handed to a later session.
func (s *Server) endSession(sess *Session, cause error) {
	sess.close()
	sess.broker.Close()

	s.mu.Lock()
	_, registered := s.sessions[sess.ID]
	if registered {
		delete(s.sessions, sess.ID)
		delete(s.labels, sess.Label)
	}
	s.mu.Unlock()

	if err := s.ports.Release(sess.Port); err != nil {
		sess.logger.Error("port release failed", "error", err)
	}

	if registered {
		s.cfg.Metrics.SessionClosed()
		sess.logger.Info("session closed", "duration", time.Since(sess.Created).Round(time.Millisecond), "reason", cause)
	}
}

// claimLabel reserves label for a new session. A label names at most one
// live session; it is display text and never used for routing.
func (s *Server) claimLabel(label string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.labels[label]; taken {
		return false
	}
	s.labels[label] = struct{}{}
	return true
}

func (s *Server) releaseLabel(label string) {
	s.mu.Lock()
	delete(s.labels, label)
	s.mu.Unlock()
}

// serveData pairs a data connection with the visitor it was opened for.
// Unknown, expired or already-claimed ids are reset without a reply.
func (s *Server) serveData(ctx context.Context, nc net.Conn, id uuid.UUID, logger *slog.Logger) {
	v, ok := s.routes.Load(id)
	if !ok {
		logger.Debug("data connection for unknown id", "conn", id)
		s.cfg.Metrics.ConnectionError(metrics.RoleRelay, "unknown_connection")
		_ = tunnel.Reset(nc)
		return
	}
	sess := v.(*Session)
	visitor, ok := sess.broker.Claim(id)
	if !ok {
		logger.Debug("data connection for unclaimable id", "conn", id)
		s.cfg.Metrics.ConnectionError(metrics.RoleRelay, "unknown_connection")
		_ = tunnel.Reset(nc)
		return
	}
	_ = nc.SetReadDeadline(time.Time{})

	sess.logger.Debug("connection paired", "conn", id)
	stats, err := s.cfg.Metrics.TrackedSplice(ctx, visitor, nc, metrics.RoleRelay, sess.Port)
	sess.logger.Debug("splice ended", "conn", id, "in", stats.AToB, "out", stats.BToA, "error", err)
}

// handshakeFailed reports err to the peer when it maps to a reason code and
// closes the connection.
func (s *Server) handshakeFailed(pc *protocol.Conn, logger *slog.Logger, err error) {
	var rej *protocol.RejectError
	var netErr net.Error
	switch {
	case errors.As(err, &rej):
	case errors.Is(err, protocol.ErrProtocolViolation):
		rej = &protocol.RejectError{Reason: protocol.ReasonProtocolViolation, Message: err.Error()}
	case errors.As(err, &netErr) && netErr.Timeout():
		logger.Warn("handshake timed out")
		s.cfg.Metrics.HandshakeFailed(metrics.ReasonHandshakeTimeout)
		_ = pc.Close()
		return
	default:
		logger.Debug("handshake aborted", "error", err)
		s.cfg.Metrics.HandshakeFailed("transport_error")
		_ = pc.Close()
		return
	}

	logger.Warn("handshake rejected", "reason", rej.Reason, "error", rej.Message)
	s.cfg.Metrics.HandshakeFailed(rej.Reason.String())
	_ = pc.Write(protocol.Reject{Reason: rej.Reason, Message: rej.Message})
	lingerClose(pc.NetConn())
}

// lingerClose half-closes nc and discards what the peer still sends, so
// frames it pipelined behind a rejected one do not turn the close into a
// reset that destroys the Reject in flight.
func lingerClose(nc net.Conn) {
	defer nc.Close()
	cw, ok := nc.(interface{ CloseWrite() error })
	if !ok {
		return
	}
	_ = cw.CloseWrite()
	_ = nc.SetReadDeadline(time.Now().Add(rejectLinger))
	_, _ = io.Copy(io.Discard, io.LimitReader(nc, protocol.HeaderSize+protocol.MaxFrameSize))
}

// serveWebSocket runs the WebSocket ingress until ctx is cancelled, then
// waits for the connections it upgraded to finish.
func (s *Server) serveWebSocket(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.WebSocketHandler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.cfg.Logger.Handler(), slog.LevelDebug),
	}

	stopped := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(stopped)
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()

	s.cfg.Logger.Info("websocket ingress listening", "addr", ln.Addr())
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	if !stop() {
		<-stopped
	}
	s.wsConns.Wait()
	return nil
}
