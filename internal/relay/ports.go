package relay

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
)

var (
	// ErrPortExhausted reports that no free port could be bound.
	ErrPortExhausted = errors.New("no free port in range")

	// ErrNotAllocated reports a release of a port that is not in use.
	ErrNotAllocated = errors.New("port not allocated")
)

// allocateTries bounds how many random candidates Allocate binds before
// giving up.
const allocateTries = 150

// ListenFunc binds a tunnel listener on port.
type ListenFunc func(port uint16) (net.Listener, error)

// TCPListenFunc returns a ListenFunc binding TCP on bind:port.
func TCPListenFunc(bind string) ListenFunc {
	return func(port uint16) (net.Listener, error) {
		return net.Listen("tcp", net.JoinHostPort(bind, strconv.Itoa(int(port))))
	}
}

// PortPool hands out public ports drawn at random from [min, max].
// Allocation binds the port while holding the pool lock, so two concurrent
// callers never receive the same port.
type PortPool struct {
	min, max uint16
	listen   ListenFunc

	mu    sync.Mutex
	inUse map[uint16]struct{}
}

// NewPortPool returns a pool over the inclusive range [min, max].
func NewPortPool(min, max uint16, listen ListenFunc) (*PortPool, error) {
	if min == 0 || min > max {
		return nil, fmt.Errorf("invalid port range [%d, %d]", min, max)
	}
	return &PortPool{
		min:    min,
		max:    max,
		listen: listen,
		inUse:  make(map[uint16]struct{}),
	}, nil
}

// Size returns the number of ports in the range.
func (p *PortPool) Size() int { return int(p.max) - int(p.min) + 1 }

// InUse returns the number of allocated ports.
func (p *PortPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

// Allocate reserves a random free port and returns its bound listener.
// Candidates already in use, or that fail to bind, are skipped; after a
// bounded number of attempts Allocate fails with ErrPortExhausted.
func (p *PortPool) Allocate() (uint16, net.Listener, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	size := p.Size()
	if len(p.inUse) >= size {
		return 0, nil, ErrPortExhausted
	}

	var lastErr error
	for range allocateTries {
		port := p.min + uint16(rand.IntN(size))
		if _, busy := p.inUse[port]; busy {
			continue
		}
		ln, err := p.listen(port)
		if err != nil {
			lastErr = err
			continue
		}
		p.inUse[port] = struct{}{}
		return port, ln, nil
	}
	if lastErr != nil {
		return 0, nil, fmt.Errorf("%w (last bind error: %v)", ErrPortExhausted, lastErr)
	}
	return 0, nil, ErrPortExhausted
}

// Release returns port to the free set. Releasing a port that is not in
// use is an error and leaves the pool unchanged.
func (p *PortPool) Release(port uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inUse[port]; !ok {
		return fmt.Errorf("release %d: %w", port, ErrNotAllocated)
	}
	delete(p.inUse, port)
	return nil
}
