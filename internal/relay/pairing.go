package relay

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/philsphicas/sshx/internal/metrics"
	"github.com/philsphicas/sshx/internal/tunnel"
)

// ErrBrokerClosed reports a Register on a broker whose session has ended.
var ErrBrokerClosed = errors.New("broker closed")

// DefaultPairingTimeout bounds how long a visitor waits for its data
// connection.
const DefaultPairingTimeout = 10 * time.Second

// BrokerHooks observe pending-table changes. They run with the broker lock
// held and must not call back into the broker.
type BrokerHooks struct {
	// OnAdd is called when a pending connection is registered.
	OnAdd func(id uuid.UUID)
	// OnRemove is called once per id with metrics.OutcomePaired,
	// OutcomeExpired or OutcomeClosed.
	OnRemove func(id uuid.UUID, outcome string)
}

type pendingConn struct {
	conn    net.Conn
	created time.Time
	timer   *time.Timer
}

// Broker holds one session's visitor connections until the client opens
// the matching data connection. Each entry is claimed at most once; an
// entry that is not claimed within the timeout is reset and dropped.
type Broker struct {
	timeout time.Duration
	hooks   BrokerHooks

	mu      sync.Mutex
	pending map[uuid.UUID]*pendingConn
	closed  bool
}

// NewBroker returns an empty broker. A zero timeout selects
// DefaultPairingTimeout.
func NewBroker(timeout time.Duration, hooks BrokerHooks) *Broker {
	if timeout <= 0 {
		timeout = DefaultPairingTimeout
	}
	return &Broker{
		timeout: timeout,
		hooks:   hooks,
		pending: make(map[uuid.UUID]*pendingConn),
	}
}

// Register stores conn under a fresh random id and arms its expiry.
func (b *Broker) Register(conn net.Conn) (uuid.UUID, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate connection id: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return uuid.Nil, ErrBrokerClosed
	}
	p := &pendingConn{conn: conn, created: time.Now()}
	p.timer = time.AfterFunc(b.timeout, func() { b.expire(id) })
	b.pending[id] = p
	if b.hooks.OnAdd != nil {
		b.hooks.OnAdd(id)
	}
	return id, nil
}

// Claim removes and returns the connection registered under id. It returns
// false if id is unknown, already claimed or expired.
func (b *Broker) Claim(id uuid.UUID) (net.Conn, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[id]
	if !ok {
		return nil, false
	}
	p.timer.Stop()
	b.removeLocked(id, metrics.OutcomePaired)
	return p.conn, true
}

// Len returns the number of pending connections.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close resets every pending connection and rejects further registrations.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	drained := make([]*pendingConn, 0, len(b.pending))
	for id, p := range b.pending {
		p.timer.Stop()
		drained = append(drained, p)
		b.removeLocked(id, metrics.OutcomeClosed)
	}
	b.mu.Unlock()

	for _, p := range drained {
		_ = tunnel.Reset(p.conn)
	}
}

func (b *Broker) expire(id uuid.UUID) {
	b.mu.Lock()
	p, ok := b.pending[id]
	if ok {
		b.removeLocked(id, metrics.OutcomeExpired)
	}
	b.mu.Unlock()

	// A claim that won the race already removed the entry.
	if ok {
		_ = tunnel.Reset(p.conn)
	}
}

func (b *Broker) removeLocked(id uuid.UUID, outcome string) {
	delete(b.pending, id)
	if b.hooks.OnRemove != nil {
		b.hooks.OnRemove(id, outcome)
	}
}
