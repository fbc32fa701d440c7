// Package vision implements the XTLS-Vision content-sniffing state machine
// (SPEC_FULL.md §4.9). It only ever runs on a TLS-terminated, command=TCP
// session advertising a Vision flow; every other session uses the plain
// relay core instead (internal/relay). Its job is narrow: look at the
// first post-handshake chunk from the client, decide whether it's itself a
// TLS record, and either way switch to byte-identical pass-through from
// then on — this design never reintroduces XTLS's historical padding
// frames on the hot Splice path (SPEC_FULL.md §13, Open Question 1).
package vision

import (
	"io"
	"sync"

	"github.com/xtls-vision/vlessd/internal/bufpool"
	"github.com/xtls-vision/vlessd/internal/relay"
)

// State names the phase the upload direction is in. Transitions are
// one-shot: Padded -> Sniffing -> {Spliced, PaddedPassthrough}, and the
// machine never goes back.
type State int

const (
	Padded State = iota
	Sniffing
	Spliced
	PaddedPassthrough
)

func (s State) String() string {
	switch s {
	case Padded:
		return "padded"
	case Sniffing:
		return "sniffing"
	case Spliced:
		return "spliced"
	case PaddedPassthrough:
		return "padded-passthrough"
	default:
		return "unknown"
	}
}

const maxInnerRecordLength = 16384

// contentTypes are the TLS record ContentType values the sniffer accepts:
// change_cipher_spec, alert, handshake, application_data.
var contentTypes = [...]byte{0x14, 0x15, 0x16, 0x17}

// DetectInnerTLS reports whether b's first bytes look like a complete TLS
// record: a recognised ContentType, TLS 1.x version bytes, an announced
// length within bound, and enough buffered bytes to cover that length.
// It is pure and never mutates or consumes b — classification never
// drops or reorders bytes (SPEC_FULL.md §4.9).
//
// Detection is idempotent on the prefix (SPEC_FULL.md §8 invariant 8): it
// inspects the fixed 5-byte record header plus the buffered length, and a
// longer buffer only makes the length check easier to meet, so any
// superset B' of a B classified as TLS with len(B') >= len(B) classifies
// identically.
func DetectInnerTLS(b []byte) bool {
	if len(b) < 5 {
		return false
	}
	if !isContentType(b[0]) {
		return false
	}
	if b[1] != 0x03 {
		return false
	}
	if b[2] < 0x01 || b[2] > 0x04 {
		return false
	}
	length := int(b[3])<<8 | int(b[4])
	if length > maxInnerRecordLength {
		return false
	}
	return len(b) >= 5+length
}

func isContentType(b byte) bool {
	for _, ct := range contentTypes {
		if b == ct {
			return true
		}
	}
	return false
}

// Run relays client<->target with the Vision sniff applied to the first
// client->target chunk. remaining is the first payload chunk already read
// as part of the VLESS header (forwarded unchanged, per the Padded phase).
// It returns the state the upload direction settled in once sniffing
// completed (Spliced or PaddedPassthrough, or Padded if the upload
// direction ended before any client chunk was read), which is
// informational only: both settled states forward bytes identically from
// that point on.
func Run(client, target relay.Stream, remaining []byte, closeBoth func(), opts relay.Options) (State, error) {
	var (
		once     sync.Once
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		state    = Padded
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

	wg.Add(2)
	go func() {
		defer wg.Done()
		defer done()
		s, err := uploadWithSniff(client, target, remaining, opts)
		mu.Lock()
		state = s
		mu.Unlock()
		recordErr(err)
	}()
	go func() {
		defer wg.Done()
		defer done()
		recordErr(downloadPlain(target, client, opts))
	}()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return state, firstErr
}

// uploadWithSniff implements Padded -> Sniffing -> {Spliced,
// Padded-Passthrough} for the client->target direction, then forwards
// everything else unchanged.
func uploadWithSniff(client, target relay.Stream, remaining []byte, opts relay.Options) (State, error) {
	sink := opts.Sink
	if sink == nil {
		sink = relay.NopSink{}
	}

	// Padded: forward whatever arrived with the header, unchanged.
	if len(remaining) > 0 {
		if _, err := target.Write(remaining); err != nil {
			return Padded, err
		}
		sink.Add(relay.Upload, int64(len(remaining)))
	}

	// Sniffing: read exactly one chunk and classify it.
	buf := opts.Pool.Get()
	defer opts.Pool.Put(buf)

	n, err := client.Read(buf)
	state := Padded
	if n > 0 {
		if DetectInnerTLS(buf[:n]) {
			state = Spliced
		} else {
			state = PaddedPassthrough
		}
		if _, werr := target.Write(buf[:n]); werr != nil {
			return state, werr
		}
		sink.Add(relay.Upload, int64(n))
	}
	if err != nil {
		if err == io.EOF {
			return state, nil
		}
		return state, err
	}

	// Spliced / Padded-Passthrough: both forward raw bytes with no
	// further processing from here on.
	return state, forward(target, client, opts.Pool, relay.Upload, sink, opts.AccountingBatchSize)
}

// downloadPlain forwards target->client unchanged from the first byte;
// the sniff only ever applies to the upload direction.
func downloadPlain(dst io.Writer, src io.Reader, opts relay.Options) error {
	sink := opts.Sink
	if sink == nil {
		sink = relay.NopSink{}
	}
	return forward(dst, src, opts.Pool, relay.Download, sink, opts.AccountingBatchSize)
}

func forward(dst io.Writer, src io.Reader, pool *bufpool.Pool, dir relay.Direction, sink relay.AccountingSink, batchSize int64) error {
	var counted int64
	flush := func() {
		if counted > 0 {
			sink.Add(dir, counted)
			counted = 0
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
