package relay

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
)

// fakeListen hands out in-memory listeners so tests do not depend on real
// ports in the configured range being free.
type fakeListen struct {
	mu     sync.Mutex
	failOn map[uint16]bool
	bound  map[uint16]int
}

func (f *fakeListen) listen(port uint16) (net.Listener, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn[port] {
		return nil, fmt.Errorf("bind %d: address already in use", port)
	}
	if f.bound == nil {
		f.bound = make(map[uint16]int)
	}
	f.bound[port]++
	return &stubListener{}, nil
}

type stubListener struct{ net.Listener }

func (*stubListener) Close() error { return nil }

func TestPortPool_AllocateWithinRange(t *testing.T) {
	f := &fakeListen{}
	pool, err := NewPortPool(2000, 2009, f.listen)
	if err != nil {
		t.Fatal(err)
	}
	seen := make(map[uint16]bool)
	for range 10 {
		port, _, err := pool.Allocate()
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if port < 2000 || port > 2009 {
			t.Errorf("port %d outside [2000, 2009]", port)
		}
		if seen[port] {
			t.Errorf("port %d allocated twice", port)
		}
		seen[port] = true
	}
	if got := pool.InUse(); got != 10 {
		t.Errorf("InUse = %d, want 10", got)
	}
}

func TestPortPool_Exhausted(t *testing.T) {
	pool, err := NewPortPool(2000, 2001, (&fakeListen{}).listen)
	if err != nil {
		t.Fatal(err)
	}
	for range 2 {
		if _, _, err := pool.Allocate(); err != nil {
			t.Fatalf("Allocate: %v", err)
		}
	}
	if _, _, err := pool.Allocate(); !errors.Is(err, ErrPortExhausted) {
		t.Errorf("third Allocate = %v, want ErrPortExhausted", err)
	}
}

func TestPortPool_ReleaseAndReuse(t *testing.T) {
	pool, err := NewPortPool(3000, 3000, (&fakeListen{}).listen)
	if err != nil {
		t.Fatal(err)
	}
	port, _, err := pool.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if err := pool.Release(port); err != nil {
		t.Fatalf("Release: %v", err)
	}
	again, _, err := pool.Allocate()
	if err != nil {
		t.Fatalf("Allocate after release: %v", err)
	}
	if again != port {
		t.Errorf("got %d, want reused port %d", again, port)
	}
}

func TestPortPool_ReleaseNotAllocated(t *testing.T) {
	pool, err := NewPortPool(3000, 3010, (&fakeListen{}).listen)
	if err != nil {
		t.Fatal(err)
	}
	if err := pool.Release(3005); !errors.Is(err, ErrNotAllocated) {
		t.Errorf("Release(unallocated) = %v, want ErrNotAllocated", err)
	}

	port, _, _ := pool.Allocate()
	if err := pool.Release(port); err != nil {
		t.Fatal(err)
	}
	// A port returns to the free set exactly once.
	if err := pool.Release(port); !errors.Is(err, ErrNotAllocated) {
		t.Errorf("double Release = %v, want ErrNotAllocated", err)
	}
}

func TestPortPool_SkipsBindFailures(t *testing.T) {
	f := &fakeListen{failOn: map[uint16]bool{4000: true, 4001: true}}
	pool, err := NewPortPool(4000, 4002, f.listen)
	if err != nil {
		t.Fatal(err)
	}
	port, _, err := pool.Allocate()
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if port != 4002 {
		t.Errorf("port = %d, want 4002 (the only bindable port)", port)
	}
}

func TestPortPool_AllBindsFail(t *testing.T) {
	f := &fakeListen{failOn: map[uint16]bool{5000: true}}
	pool, err := NewPortPool(5000, 5000, f.listen)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := pool.Allocate(); !errors.Is(err, ErrPortExhausted) {
		t.Errorf("Allocate = %v, want ErrPortExhausted", err)
	}
	if pool.InUse() != 0 {
		t.Errorf("InUse = %d after failed allocation", pool.InUse())
	}
}

func TestPortPool_ConcurrentAllocate(t *testing.T) {
	pool, err := NewPortPool(6000, 6049, (&fakeListen{}).listen)
	if err != nil {
		t.Fatal(err)
	}

	const workers = 50
	ports := make(chan uint16, workers)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			port, _, err := pool.Allocate()
			if err != nil {
				t.Errorf("Allocate: %v", err)
				return
			}
			ports <- port
		}()
	}
	wg.Wait()
	close(ports)

	seen := make(map[uint16]bool)
	for p := range ports {
		if seen[p] {
			t.Errorf("port %d handed out twice", p)
		}
		seen[p] = true
	}
}

func TestNewPortPool_InvalidRange(t *testing.T) {
	for _, tt := range []struct{ min, max uint16 }{{0, 10}, {10, 9}} {
		if _, err := NewPortPool(tt.min, tt.max, nil); err == nil {
			t.Errorf("NewPortPool(%d, %d) succeeded, want error", tt.min, tt.max)
		}
	}
}
