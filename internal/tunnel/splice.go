package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
)

// spliceChunkSize is the fixed buffer size used by each copy direction.
const spliceChunkSize = 32 * 1024

// SpliceStats holds byte counters for a completed splice.
type SpliceStats struct {
	AToB int64 // bytes read from a and written to b
	BToA int64 // bytes read from b and written to a
}

// Splice copies bytes between a and b in both directions until either side
// reaches end-of-stream or fails, or ctx is cancelled. The first direction
// to finish closes both connections; Splice returns after both directions
// have exited. Bytes are relayed unmodified.
//
// It returns byte counters and the error that ended the splice, if any.
// A clean end-of-stream is not an error.
func Splice(ctx context.Context, a, b net.Conn) (SpliceStats, error) {
	var aToB, bToA atomic.Int64
	errc := make(chan error, 2)

	go func() { errc <- copyChunks(b, a, &aToB) }()
	go func() { errc <- copyChunks(a, b, &bToA) }()

	var once sync.Once
	shutdown := func() {
		once.Do(func() {
			_ = a.Close()
			_ = b.Close()
		})
	}

	var err error
	select {
	case err = <-errc:
		shutdown()
		// The other direction now fails on the closed connection.
		<-errc
	case <-ctx.Done():
		shutdown()
		<-errc
		<-errc
		err = ctx.Err()
	}

	return SpliceStats{AToB: aToB.Load(), BToA: bToA.Load()}, err
}

func copyChunks(dst, src net.Conn, count *atomic.Int64) error {
	buf := make([]byte, spliceChunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			count.Add(int64(w))
			if wErr != nil {
				return ignoreClosed(wErr)
			}
		}
		if err != nil {
			return ignoreClosed(err)
		}
	}
}

// ignoreClosed maps orderly shutdown conditions to nil.
func ignoreClosed(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}
