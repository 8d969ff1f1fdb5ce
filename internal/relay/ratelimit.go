package relay

import (
	"errors"
	"net"

	"github.com/philsphicas/sshx/internal/metrics"
	"golang.org/x/time/rate"
)

var errRateLimited = errors.New("cannot accept connection; rate limited")

// rateLimitedListener accepts every connection immediately and closes the
// ones that exceed the limit, so refused clients see a prompt close rather
// than a full accept queue.
type rateLimitedListener struct {
	net.Listener
	lim     *rate.Limiter
	metrics *metrics.Metrics
}

func newRateLimitedListener(ln net.Listener, limit rate.Limit, burst int, m *metrics.Metrics) *rateLimitedListener {
	return &rateLimitedListener{Listener: ln, lim: rate.NewLimiter(limit, burst), metrics: m}
}

func (l *rateLimitedListener) Accept() (net.Conn, error) {
	cn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if !l.lim.Allow() {
		l.metrics.AcceptRejected(metrics.ReasonRateLimited)
		cn.Close()
		return nil, errRateLimited
	}
	return cn, nil
}
