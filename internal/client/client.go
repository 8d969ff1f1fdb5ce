// Package client implements the sshx client: it registers a local service
// with a relay, answers new-connection notifications by opening data
// connections spliced to the local service, and reconnects with backoff
// when the control connection drops.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/philsphicas/sshx/internal/metrics"
	"github.com/philsphicas/sshx/internal/protocol"
	"github.com/philsphicas/sshx/internal/tunnel"
	"golang.org/x/sync/errgroup"
)

// ErrLocalConnect reports that the local service could not be reached for
// one data connection. The session stays up.
var ErrLocalConnect = errors.New("local service unreachable")

const (
	DefaultBackoffMin       = 1 * time.Second
	DefaultBackoffMax       = 30 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultLocalHost        = "localhost"
)

// Config holds client configuration.
type Config struct {
	Server    tunnel.Endpoint
	Secret    string
	Label     string
	Protocol  protocol.Protocol
	LocalHost string
	LocalPort uint16

	Reconnect  bool
	MaxRetries int // consecutive failed attempts before giving up; 0 = unlimited
	BackoffMin time.Duration
	BackoffMax time.Duration

	DialTimeout       time.Duration
	HandshakeTimeout  time.Duration
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
	TCPKeepAlive      time.Duration

	// OnStatus receives every state change. Optional; called synchronously
	// from the control loop.
	OnStatus func(Status)

	Logger  *slog.Logger
	Metrics *metrics.Metrics // optional; nil disables metrics
}

// LocalAddr returns the address of the local service.
func (c Config) LocalAddr() string {
	return net.JoinHostPort(c.LocalHost, strconv.Itoa(int(c.LocalPort)))
}

type controller struct {
	cfg    Config
	logger *slog.Logger

	prevPort uint16
	data     sync.WaitGroup
}

// Run registers with the relay and serves the tunnel until ctx is
// cancelled or a permanent error occurs. With Reconnect set, transient
// failures are retried with exponential backoff; each new session may be
// assigned a different public port, reported through OnStatus.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LocalHost == "" {
		cfg.LocalHost = DefaultLocalHost
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = DefaultBackoffMin
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = cfg.BackoffMin
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.TCPKeepAlive == 0 {
		cfg.TCPKeepAlive = 30 * time.Second
	}

	c := &controller{cfg: cfg, logger: cfg.Logger}
	defer c.data.Wait()
	return c.loop(ctx)
}

func (c *controller) loop(ctx context.Context) error {
	delay := c.cfg.BackoffMin
	failures := 0
	for attempt := 1; ; attempt++ {
		start := time.Now()
		registered, err := c.runSession(ctx, attempt)
		if ctx.Err() != nil {
			c.status(Status{State: StateDisconnected, Port: c.prevPort})
			return ctx.Err()
		}
		if registered {
			failures = 0
			// A session that stayed up a while resets the backoff.
			if time.Since(start) > c.cfg.BackoffMax {
				delay = c.cfg.BackoffMin
			}
		} else {
			failures++
		}

		if IsPermanent(err) {
			c.status(Status{State: StateDisconnected, Port: c.prevPort, Err: err})
			return err
		}
		if !c.cfg.Reconnect {
			c.status(Status{State: StateDisconnected, Port: c.prevPort, Err: err})
			return err
		}
		if c.cfg.MaxRetries > 0 && failures > c.cfg.MaxRetries {
			err = fmt.Errorf("giving up after %d failed attempts: %w", failures, err)
			c.status(Status{State: StateDisconnected, Port: c.prevPort, Err: err})
			return err
		}

		c.logger.Warn("control connection lost, reconnecting", "error", err, "delay", delay)
		c.status(Status{State: StateDisconnected, Port: c.prevPort, Attempt: attempt, Delay: delay, Err: err})
		c.cfg.Metrics.IncrReconnects()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, c.cfg.BackoffMax)
	}
}

// runSession performs one connect-handshake-serve cycle. registered reports
// whether the relay assigned a port before the session ended.
func (c *controller) runSession(ctx context.Context, attempt int) (registered bool, err error) {
	c.status(Status{State: StateConnecting, Port: c.prevPort, Attempt: attempt})

	dialStart := time.Now()
	nc, err := tunnel.Dial(ctx, c.cfg.Server, c.cfg.DialTimeout)
	c.cfg.Metrics.ObserveDialDuration(metrics.RoleClient, time.Since(dialStart).Seconds())
	if err != nil {
		c.cfg.Metrics.ConnectionError(metrics.RoleClient, metrics.DialReason(err, metrics.ReasonRelayFailed))
		return false, err
	}
	tunnel.SetTCPKeepAlive(nc, c.cfg.TCPKeepAlive)
	pc := protocol.NewConn(nc)
	defer pc.Close()
	stop := context.AfterFunc(ctx, func() { _ = pc.Close() })
	defer stop()

	c.status(Status{State: StateAuthenticating, Port: c.prevPort, Attempt: attempt})
	port, err := c.handshake(pc)
	if err != nil {
		return false, err
	}

	prev := c.prevPort
	c.prevPort = port
	c.status(Status{State: StateRegistered, Port: port, PrevPort: prev})
	if prev != 0 && prev != port {
		c.logger.Warn("public port changed after reconnect", "old_port", prev, "port", port)
	}
	c.logger.Info("tunnel registered", "label", c.cfg.Label, "port", port, "server", c.cfg.Server)

	c.cfg.Metrics.SetControlChannelConnected(true)
	defer c.cfg.Metrics.SetControlChannelConnected(false)
	c.status(Status{State: StateActive, Port: port, PrevPort: prev})

	return true, c.serve(ctx, pc, port)
}

// handshake authenticates and registers, returning the assigned port.
func (c *controller) handshake(pc *protocol.Conn) (uint16, error) {
	nc := pc.NetConn()
	_ = nc.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	defer func() { _ = nc.SetReadDeadline(time.Time{}) }()

	if err := pc.Write(protocol.Hello{Version: protocol.CurrentVersion}); err != nil {
		return 0, fmt.Errorf("write hello: %w", err)
	}
	m, err := pc.Read()
	if err != nil {
		return 0, fmt.Errorf("read hello reply: %w", err)
	}
	switch m := m.(type) {
	case protocol.Challenge:
		if c.cfg.Secret == "" {
			return 0, fmt.Errorf("%w: relay requires a secret", tunnel.ErrAuthFailed)
		}
		proof := tunnel.Respond(m.Nonce, c.cfg.Secret)
		if err := pc.Write(protocol.ChallengeResponse{Proof: proof}); err != nil {
			return 0, fmt.Errorf("write challenge response: %w", err)
		}
	case protocol.Hello:
		if c.cfg.Secret != "" {
			c.logger.Debug("relay does not require authentication")
		}
	case protocol.Reject:
		return 0, m.Err()
	default:
		return 0, fmt.Errorf("%w: unexpected %s during handshake", protocol.ErrProtocolViolation, m.Kind())
	}

	reg := protocol.Register{Label: c.cfg.Label, Protocol: c.cfg.Protocol, LocalPort: c.cfg.LocalPort}
	if err := pc.Write(reg); err != nil {
		return 0, fmt.Errorf("write register: %w", err)
	}
	m, err = pc.Read()
	if err != nil {
		return 0, fmt.Errorf("read register reply: %w", err)
	}
	switch m := m.(type) {
	case protocol.Assigned:
		return m.Port, nil
	case protocol.Reject:
		return 0, m.Err()
	case protocol.ErrorMsg:
		return 0, m.Err()
	default:
		return 0, fmt.Errorf("%w: unexpected %s during handshake", protocol.ErrProtocolViolation, m.Kind())
	}
}

// serve reads control frames until the connection fails. Data connections
// are bound to ctx, not to this session, so they outlive a control drop.
func (c *controller) serve(ctx context.Context, pc *protocol.Conn, port uint16) error {
	hb := tunnel.NewHeartbeat(c.cfg.KeepaliveInterval, c.cfg.KeepaliveTimeout)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hb.Run(gctx, func() error { return pc.Write(protocol.Ping{}) })
	})
	g.Go(func() error {
		<-gctx.Done()
		return pc.Close()
	})
	g.Go(func() error {
		for {
			m, err := pc.Read()
			if err != nil {
				return fmt.Errorf("read control: %w", err)
			}
			hb.Seen()
			switch m := m.(type) {
			case protocol.NotifyNewConnection:
				c.data.Add(1)
				go func(id uuid.UUID) {
					defer c.data.Done()
					if err := c.serveData(ctx, id, port); err != nil {
						c.logger.Warn("data connection failed", "conn", id, "error", err)
					}
				}(m.ID)
			case protocol.Ping:
				if err := pc.Write(protocol.Pong{}); err != nil {
					return fmt.Errorf("write pong: %w", err)
				}
			case protocol.Pong:
			case protocol.ErrorMsg:
				return m.Err()
			default:
				return fmt.Errorf("%w: unexpected %s on active session", protocol.ErrProtocolViolation, m.Kind())
			}
		}
	})
	return g.Wait()
}

// serveData opens the data connection for id and splices it to a fresh
// connection to the local service.
func (c *controller) serveData(ctx context.Context, id uuid.UUID, port uint16) error {
	nc, err := tunnel.Dial(ctx, c.cfg.Server, c.cfg.DialTimeout)
	if err != nil {
		c.cfg.Metrics.ConnectionError(metrics.RoleClient, metrics.DialReason(err, metrics.ReasonRelayFailed))
		return err
	}
	tunnel.SetTCPKeepAlive(nc, c.cfg.TCPKeepAlive)
	if err := protocol.NewConn(nc).Write(protocol.DataHello{ID: id}); err != nil {
		_ = nc.Close()
		c.cfg.Metrics.ConnectionError(metrics.RoleClient, metrics.ReasonRelayFailed)
		return fmt.Errorf("write data hello: %w", err)
	}

	dialer := &net.Dialer{Timeout: c.cfg.DialTimeout}
	if dialer.Timeout <= 0 {
		dialer.Timeout = tunnel.DefaultDialTimeout
	}
	dialStart := time.Now()
	local, err := dialer.DialContext(ctx, "tcp", c.cfg.LocalAddr())
	c.cfg.Metrics.ObserveDialDuration(metrics.RoleClient, time.Since(dialStart).Seconds())
	if err != nil {
		// Closing the data connection drops the visitor on the relay side.
		_ = nc.Close()
		c.cfg.Metrics.ConnectionError(metrics.RoleClient, metrics.ReasonLocalConnectFailed)
		return fmt.Errorf("%w: %v", ErrLocalConnect, err)
	}
	tunnel.SetTCPKeepAlive(local, c.cfg.TCPKeepAlive)

	c.logger.Debug("connection opened", "conn", id, "local", c.cfg.LocalAddr())
	stats, err := c.cfg.Metrics.TrackedSplice(ctx, nc, local, metrics.RoleClient, port)
	c.logger.Debug("connection closed", "conn", id, "in", stats.AToB, "out", stats.BToA, "error", err)
	return nil
}

func (c *controller) status(s Status) {
	if c.cfg.OnStatus != nil {
		c.cfg.OnStatus(s)
	}
}

// IsPermanent reports whether err should stop the reconnect loop: retrying
// with the same configuration cannot succeed.
func IsPermanent(err error) bool {
	if errors.Is(err, tunnel.ErrAuthFailed) {
		return true
	}
	var rej *protocol.RejectError
	if errors.As(err, &rej) {
		switch rej.Reason {
		case protocol.ReasonAuthFailed, protocol.ReasonInvalidRegister, protocol.ReasonUnsupportedVersion:
			return true
		}
	}
	return false
}
