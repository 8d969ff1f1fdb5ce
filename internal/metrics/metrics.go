// Package metrics provides Prometheus metrics for sshx.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/philsphicas/sshx/internal/tunnel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "sshx"

// OverflowPort is used as the port label when the number of unique ports
// exceeds MaxPorts.
const OverflowPort = "__other__"

const (
	RoleRelay  = "relay"
	RoleClient = "client"
)

const (
	ReasonDialFailed         = "dial_failed"
	ReasonDialTimeout        = "dial_timeout"
	ReasonRelayFailed        = "relay_failed"
	ReasonHandshakeTimeout   = "handshake_timeout"
	ReasonLocalConnectFailed = "local_connect_failed"
	ReasonRateLimited        = "rate_limited"
	ReasonMaxSessions        = "max_sessions"
	ReasonNotAllowed         = "not_allowed"
)

const (
	OutcomePaired  = "paired"
	OutcomeExpired = "expired"
	OutcomeClosed  = "closed"
)

// Metrics holds all Prometheus metrics for sshx. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	// MaxPorts is the maximum number of unique port label values.
	// Once exceeded, new ports are recorded as OverflowPort.
	// Zero means unlimited.
	MaxPorts int

	sessionsActive     prometheus.Gauge
	sessionsTotal      prometheus.Counter
	handshakeFailures  *prometheus.CounterVec
	pendingConns       prometheus.Gauge
	pairingsTotal      *prometheus.CounterVec
	portsInUse         prometheus.Gauge
	connectionsTotal   *prometheus.CounterVec
	connectionErrors   *prometheus.CounterVec
	bytesTotal         *prometheus.CounterVec
	activeConnections  *prometheus.GaugeVec
	connectionDuration *prometheus.HistogramVec
	controlChannelUp   prometheus.Gauge
	reconnectsTotal    prometheus.Counter
	acceptRejected     *prometheus.CounterVec
	dialDuration       *prometheus.HistogramVec

	portCount atomic.Int64
	ports     sync.Map // map[string]struct{}

	muxOnce sync.Once
	mux     *http.ServeMux
}

// New creates a new Metrics instance with a custom Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of registered relay sessions.",
		}),

		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total relay sessions that completed registration.",
		}),

		handshakeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Total control handshakes that did not produce a session, by reason.",
		}, []string{"reason"}),

		pendingConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_connections",
			Help:      "Visitor connections waiting for a data connection.",
		}),

		pairingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairings_total",
			Help:      "Total visitor connections leaving the pending state, by outcome.",
		}, []string{"outcome"}),

		portsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ports_in_use",
			Help:      "Number of tunnel ports currently allocated.",
		}),

		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total connections that were paired and spliced.",
		}, []string{"role", "port", "status"}),

		connectionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Total number of connection errors, by reason.",
		}, []string{"role", "reason"}),

		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total bytes spliced through tunnels.",
		}, []string{"role", "port", "direction"}),

		activeConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of currently spliced connections.",
		}, []string{"role", "port"}),

		connectionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Duration of completed connections in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"role", "port"}),

		controlChannelUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "control_channel_connected",
			Help:      "Whether the client control channel is registered (1) or not (0).",
		}),

		reconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total client reconnect attempts.",
		}),

		acceptRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accept_rejected_total",
			Help:      "Total control connections refused before the handshake, by reason.",
		}, []string{"reason"}),

		dialDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dial_duration_seconds",
			Help:      "Time spent dialing the relay or a local service, in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"role"}),
	}

	reg.MustRegister(
		m.sessionsActive,
		m.sessionsTotal,
		m.handshakeFailures,
		m.pendingConns,
		m.pairingsTotal,
		m.portsInUse,
		m.connectionsTotal,
		m.connectionErrors,
		m.bytesTotal,
		m.activeConnections,
		m.connectionDuration,
		m.controlChannelUp,
		m.reconnectsTotal,
		m.acceptRejected,
		m.dialDuration,
	)

	return m
}

// SanitizePort returns port if it is within the cardinality budget, or
// OverflowPort if the cap has been reached. Ports that have been seen
// before are always returned as-is.
func (m *Metrics) SanitizePort(port string) string {
	if m == nil {
		return port
	}
	if m.MaxPorts <= 0 {
		return port
	}

	for {
		if _, ok := m.ports.Load(port); ok {
			return port
		}

		cur := m.portCount.Load()
		if cur >= int64(m.MaxPorts) {
			// Another goroutine may have stored it since the first Load.
			if _, ok := m.ports.Load(port); ok {
				return port
			}
			return OverflowPort
		}

		if !m.portCount.CompareAndSwap(cur, cur+1) {
			continue
		}

		if _, loaded := m.ports.LoadOrStore(port, struct{}{}); loaded {
			m.portCount.Add(-1)
		}

		return port
	}
}

// SessionOpened records a successful registration.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
	m.sessionsActive.Inc()
	m.portsInUse.Inc()
}

// SessionClosed records the teardown of a registered session.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.portsInUse.Dec()
}

// HandshakeFailed records a control handshake that ended without a session.
func (m *Metrics) HandshakeFailed(reason string) {
	if m == nil {
		return
	}
	m.handshakeFailures.WithLabelValues(reason).Inc()
}

// PendingAdded records a visitor connection entering the pending table.
func (m *Metrics) PendingAdded() {
	if m == nil {
		return
	}
	m.pendingConns.Inc()
}

// PendingRemoved records a visitor connection leaving the pending table.
func (m *Metrics) PendingRemoved(outcome string) {
	if m == nil {
		return
	}
	m.pendingConns.Dec()
	m.pairingsTotal.WithLabelValues(outcome).Inc()
}

// AcceptRejected records a control connection refused before the handshake.
func (m *Metrics) AcceptRejected(reason string) {
	if m == nil {
		return
	}
	m.acceptRejected.WithLabelValues(reason).Inc()
}

// ConnectionOpened increments the active connection gauge and should be
// called when a splice begins. Returns a ConnectionTracker to record the
// outcome when the connection ends.
func (m *Metrics) ConnectionOpened(role string, port uint16) *ConnectionTracker {
	if m == nil {
		return nil
	}
	label := m.SanitizePort(strconv.Itoa(int(port)))
	m.activeConnections.WithLabelValues(role, label).Inc()
	return &ConnectionTracker{m: m, role: role, port: label}
}

// ConnectionError records a connection failure that did not reach the splice.
func (m *Metrics) ConnectionError(role, reason string) {
	if m == nil {
		return
	}
	m.connectionErrors.WithLabelValues(role, reason).Inc()
}

// DialReason returns "dial_timeout" if err is a network timeout, otherwise
// returns fallback.
func DialReason(err error, fallback string) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonDialTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonDialTimeout
	}
	return fallback
}

// ObserveDialDuration records how long an outbound dial took.
func (m *Metrics) ObserveDialDuration(role string, seconds float64) {
	if m == nil {
		return
	}
	m.dialDuration.WithLabelValues(role).Observe(seconds)
}

// SetControlChannelConnected sets the control channel gauge.
func (m *Metrics) SetControlChannelConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.controlChannelUp.Set(1)
	} else {
		m.controlChannelUp.Set(0)
	}
}

// IncrReconnects increments the client reconnect counter.
func (m *Metrics) IncrReconnects() {
	if m == nil {
		return
	}
	m.reconnectsTotal.Inc()
}

// ConnectionTracker records the outcome of a single spliced connection.
type ConnectionTracker struct {
	m    *Metrics
	role string
	port string
}

// Done records the completion of a connection. inBytes flowed toward the
// local service (visitor → relay → client → service); outBytes flowed back.
func (t *ConnectionTracker) Done(durationSec float64, inBytes, outBytes int64, err error) {
	if t == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	t.m.activeConnections.WithLabelValues(t.role, t.port).Dec()
	t.m.connectionsTotal.WithLabelValues(t.role, t.port, status).Inc()
	t.m.connectionDuration.WithLabelValues(t.role, t.port).Observe(durationSec)
	t.m.bytesTotal.WithLabelValues(t.role, t.port, "in").Add(float64(inBytes))
	t.m.bytesTotal.WithLabelValues(t.role, t.port, "out").Add(float64(outBytes))
}

// TrackedSplice wraps tunnel.Splice with connection lifecycle tracking.
// outer is the side nearer the visitor, inner the side nearer the local
// service. Safe to call on a nil receiver.
func (m *Metrics) TrackedSplice(ctx context.Context, outer, inner net.Conn, role string, port uint16) (tunnel.SpliceStats, error) {
	tracker := m.ConnectionOpened(role, port)
	start := time.Now()
	var stats tunnel.SpliceStats
	var err error
	defer func() {
		tracker.Done(time.Since(start).Seconds(), stats.AToB, stats.BToA, err)
	}()
	stats, err = tunnel.Splice(ctx, outer, inner)
	return stats, err
}
