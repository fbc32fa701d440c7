// Package udp implements the UDP-over-TCP session (SPEC_FULL.md §4.8):
// one TCP read equals one UDP datagram to a pinned destination, packets
// from any other source are dropped, and the session ends on idle
// timeout or either side closing. Grounded on the relay core's
// task-per-direction shape (internal/relay), adapted from a byte-stream
// copy loop to a message-boundary-preserving one.
package udp

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/xtls-vision/vlessd/internal/relay"
)

// Run relays one UDP-over-TCP session: tcp carries VLESS-framed
// datagrams, conn is the already-bound ephemeral UDP socket, dest is the
// pinned destination resolved from the VLESS request, and remaining is
// the first datagram already read as part of the header (forwarded
// first, per spec.md §3's "remaining MUST be forwarded" invariant, here
// as a single complete datagram rather than a byte prefix).
func Run(tcp relay.Stream, conn *net.UDPConn, dest *net.UDPAddr, idleTimeout time.Duration, remaining []byte, closeBoth func(), opts relay.Options) error {
	var (
		once     sync.Once
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	done := func() { once.Do(closeBoth) }
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

	idle := newIdleTracker(idleTimeout, done)
	defer idle.stop()

	wg.Add(2)
	go func() {
		defer wg.Done()
		defer done()
		recordErr(upload(tcp, conn, dest, remaining, opts, idle))
	}()
	go func() {
		defer wg.Done()
		defer done()
		recordErr(download(tcp, conn, dest, opts, idle))
	}()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return firstErr
}

// upload forwards each TCP read as exactly one UDP datagram to dest.
// Partial writes do not apply: UDP is message-based, so a short sendto
// either succeeds as one datagram or fails outright (spec.md §4.8).
func upload(tcp io.Reader, conn *net.UDPConn, dest *net.UDPAddr, remaining []byte, opts relay.Options, idle *idleTracker) error {
	sink := opts.Sink
	if sink == nil {
		sink = relay.NopSink{}
	}

	if len(remaining) > 0 {
		if _, err := conn.WriteToUDP(remaining, dest); err != nil {
			return err
		}
		sink.Add(relay.Upload, int64(len(remaining)))
		idle.poke()
	}

	buf := opts.Pool.Get()
	defer opts.Pool.Put(buf)

	for {
		n, err := tcp.Read(buf)
		if n > 0 {
			if _, werr := conn.WriteToUDP(buf[:n], dest); werr != nil {
				return werr
			}
			sink.Add(relay.Upload, int64(n))
			idle.poke()
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// download reads datagrams off conn, dropping any whose source doesn't
// match the pinned destination, and writes each accepted datagram as a
// contiguous block into the TCP side.
func download(tcp io.Writer, conn *net.UDPConn, dest *net.UDPAddr, opts relay.Options, idle *idleTracker) error {
	sink := opts.Sink
	if sink == nil {
		sink = relay.NopSink{}
	}

	buf := opts.Pool.Get()
	defer opts.Pool.Put(buf)

	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		if !sameHost(from, dest) {
			continue
		}
		if n > 0 {
			if _, werr := tcp.Write(buf[:n]); werr != nil {
				return werr
			}
			sink.Add(relay.Download, int64(n))
			idle.poke()
		}
	}
}

func sameHost(a, b *net.UDPAddr) bool {
	return a != nil && b != nil && a.IP.Equal(b.IP) && a.Port == b.Port
}

// idleTracker closes the session when neither direction has made
// progress for longer than its configured timeout. A zero timeout
// disables tracking.
type idleTracker struct {
	timeout time.Duration
	timer   *time.Timer
}

func newIdleTracker(timeout time.Duration, onExpire func()) *idleTracker {
	t := &idleTracker{timeout: timeout}
	if timeout > 0 {
		t.timer = time.AfterFunc(timeout, onExpire)
	}
	return t
}

func (t *idleTracker) poke() {
	if t.timer != nil {
		t.timer.Reset(t.timeout)
	}
}

func (t *idleTracker) stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}
