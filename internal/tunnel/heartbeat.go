package tunnel

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrKeepaliveTimeout reports that the peer stopped answering pings.
var ErrKeepaliveTimeout = errors.New("keepalive timeout")

const (
	DefaultKeepaliveInterval = 10 * time.Second
	DefaultKeepaliveTimeout  = 30 * time.Second
)

// Heartbeat tracks liveness of a control channel. The reader calls Seen for
// every inbound frame; Run sends a ping every Interval and gives up once
// nothing has been seen for Timeout.
type Heartbeat struct {
	interval time.Duration
	timeout  time.Duration
	last     atomic.Int64 // unix nanos
}

// NewHeartbeat returns a heartbeat that considers the peer alive as of now.
// Zero durations select the defaults.
func NewHeartbeat(interval, timeout time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = DefaultKeepaliveInterval
	}
	if timeout <= 0 {
		timeout = DefaultKeepaliveTimeout
	}
	h := &Heartbeat{interval: interval, timeout: timeout}
	h.Seen()
	return h
}

// Seen records inbound traffic from the peer.
func (h *Heartbeat) Seen() {
	h.last.Store(time.Now().UnixNano())
}

// Idle returns how long it has been since the peer was last seen.
func (h *Heartbeat) Idle() time.Duration {
	return time.Since(time.Unix(0, h.last.Load()))
}

// Run calls ping every interval until ctx is done, ping fails, or the peer
// has been idle longer than the timeout.
func (h *Heartbeat) Run(ctx context.Context, ping func() error) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if h.Idle() > h.timeout {
				return ErrKeepaliveTimeout
			}
			if err := ping(); err != nil {
				return err
			}
		}
	}
}
