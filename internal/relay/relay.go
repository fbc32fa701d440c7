// Package relay is the plain bidirectional copy engine between a client
// stream and a target stream (SPEC_FULL.md §4.7). It is parameterised by a
// buffer pool and an accounting sink, and runs the two directions as
// independent tasks with no ordering guarantee between them — only within
// each direction — mirroring the teacher's task.Run(postRequest, getResponse)
// shape in proxy/vless/inbound/inbound.go, adapted to this design's plain
// (non-Vision) path.
package relay

import (
	"io"
	"sync"

	"github.com/xtls-vision/vlessd/internal/bufpool"
)

// Direction distinguishes the two relay halves for accounting.
type Direction int

const (
	// Upload is client -> target.
	Upload Direction = iota
	// Download is target -> client.
	Download
)

// AccountingSink receives batched byte counts. Flushed either when a
// direction's running counter exceeds Options.AccountingBatchSize or when
// the direction ends, whichever comes first (SPEC_FULL.md §4.7).
type AccountingSink interface {
	Add(direction Direction, n int64)
}

// NopSink discards all accounting.
type NopSink struct{}

// Add implements AccountingSink.
func (NopSink) Add(Direction, int64) {}

// Options configures one relay run.
type Options struct {
	Pool                *bufpool.Pool
	Sink                AccountingSink
	AccountingBatchSize int64
}

// Stream is the minimal capability the relay core needs from each side: a
// FIFO byte stream (SPEC_FULL.md §9's "capability, not a type" note — plain
// TCP, TLS, and WebSocket streams all satisfy it). Closing is not part of
// it: Run closes both sides only through the caller's closeBoth callback.
type Stream interface {
	io.Reader
	io.Writer
}

// Run relays bytes bidirectionally between client and target until either
// side reaches EOF or a write fails. remaining is prepended to the first
// client->target read, satisfying the "remaining MUST be forwarded first"
// invariant (SPEC_FULL.md §3). closeBoth is called once, from whichever
// direction finishes first, so the peer direction's blocking Read unblocks
// at its next suspension point.
func Run(client, target Stream, remaining []byte, closeBoth func(), opts Options) error {
	var (
		once     sync.Once
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	done := func() {
		once.Do(closeBoth)
	}
	recordErr := func(err error) {
		if err == nil || err == io.EOF {
			return
		}
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		defer done()
		recordErr(copyDirection(target, client, remaining, opts.Pool, Upload, opts.Sink, opts.AccountingBatchSize))
	}()
	go func() {
		defer wg.Done()
		defer done()
		recordErr(copyDirection(client, target, nil, opts.Pool, Download, opts.Sink, opts.AccountingBatchSize))
	}()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return firstErr
}

// copyDirection copies from src to dst, first writing prefix if non-empty,
// then looping reads from a pooled buffer until EOF or a write error.
func copyDirection(dst io.Writer, src io.Reader, prefix []byte, pool *bufpool.Pool, dir Direction, sink AccountingSink, batchSize int64) error {
	if sink == nil {
		sink = NopSink{}
	}
	var counted int64
	flush := func() {
		if counted > 0 {
			sink.Add(dir, counted)
			counted = 0
		}
	}

	if len(prefix) > 0 {
		if _, err := dst.Write(prefix); err != nil {
			return err
		}
		counted += int64(len(prefix))
		if batchSize > 0 && counted > batchSize {
			flush()
		}
	}

	buf := pool.Get()
	defer pool.Put(buf)

	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				flush()
				return werr
			}
			counted += int64(n)
			if batchSize > 0 && counted > batchSize {
				flush()
			}
		}
		if rerr != nil {
			flush()
			if rerr == io.EOF {
				return nil
			}
			return rerr
		}
	}
}
