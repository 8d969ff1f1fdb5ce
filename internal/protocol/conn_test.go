package protocol

import (
	"net"
	"sync"
	"testing"
	"time"
)

func TestConnConcurrentWritesAreNotInterleaved(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	w := NewConn(a)
	r := NewConn(b)

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func(port uint16) {
			defer wg.Done()
			for range perWriter {
				if err := w.Write(Assigned{Port: port}); err != nil {
					t.Errorf("write: %v", err)
					return
				}
			}
		}(uint16(2000 + i))
	}

	counts := make(map[uint16]int)
	for range writers * perWriter {
		m, err := r.ReadTimeout(5 * time.Second)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		as, ok := m.(Assigned)
		if !ok {
			t.Fatalf("got %T, want Assigned", m)
		}
		counts[as.Port]++
	}
	wg.Wait()

	for i := range writers {
		if got := counts[uint16(2000+i)]; got != perWriter {
			t.Errorf("port %d: got %d frames, want %d", 2000+i, got, perWriter)
		}
	}
}

func TestConnReadTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	c := NewConn(b)
	start := time.Now()
	_, err := c.ReadTimeout(50 * time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
		t.Errorf("err = %v, want a timeout", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("read did not honor the timeout")
	}

	// The deadline is cleared: a later frame is still readable.
	go func() { _ = NewConn(a).Write(Ping{}) }()
	if m, err := c.ReadTimeout(2 * time.Second); err != nil || m.Kind() != KindPing {
		t.Errorf("after timeout: got %v, %v; want Ping", m, err)
	}
}
