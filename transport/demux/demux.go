// Package demux classifies a freshly accepted connection without consuming
// any bytes downstream stages need (SPEC_FULL.md §4.2). It peeks the first
// few bytes through a buffered reader — the same readerOnly/bufio.Reader
// shape the teacher uses to sniff HTTP CONNECT requests ahead of dispatch
// (proxy/http/server.go) — then hands the same net.Conn onward so nothing
// sniffed has to be re-synthesised by the caller.
package demux

import (
	"bufio"
	"net"

	"github.com/xtls-vision/vlessd/internal/errors"
)

// Kind is the coarse protocol classification of an accepted connection.
type Kind int

const (
	// RawVLESS is the default: no TLS, no HTTP — the connection starts
	// with a VLESS request header.
	RawVLESS Kind = iota
	// TLS means the first byte is a TLS ContentType (0x16, handshake);
	// the caller must hand the connection to the TLS terminator.
	TLS
	// HTTP means the connection opens with a recognised HTTP method line
	// or the HTTP/2 client preface; the caller parses it as HTTP.
	HTTP
)

func (k Kind) String() string {
	switch k {
	case TLS:
		return "tls"
	case HTTP:
		return "http"
	default:
		return "raw-vless"
	}
}

const tlsHandshakeContentType = 0x16

// httpPrefixes are the 4-byte method-line prefixes recognised as HTTP
// (SPEC_FULL.md §4.2). The HTTP/2 cleartext preface ("PRI", 3 bytes) is
// checked separately since it's shorter than the rest.
var httpPrefixes = []string{
	"GET ", "POST", "HEAD", "PUT ", "DELE", "OPTI", "PATC", "CONN", "TRAC",
}

// Conn wraps a net.Conn with a buffered reader so classification can peek
// ahead without losing any bytes for the next stage. It implements
// net.Conn: Read is served from the buffer first, everything else
// delegates to the underlying connection.
type Conn struct {
	net.Conn
	r *bufio.Reader
}

// NewConn wraps raw in a peekable Conn sized for the configured header
// read buffer (SPEC_FULL.md §4.2's "initial peek buffer is bounded").
func NewConn(raw net.Conn, bufSize int) *Conn {
	if bufSize <= 0 {
		bufSize = 4096
	}
	return &Conn{Conn: raw, r: bufio.NewReaderSize(raw, bufSize)}
}

// Read implements net.Conn by delegating to the buffered reader so bytes
// peeked during classification are still delivered, in order, exactly
// once.
func (c *Conn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

// Reader exposes the underlying *bufio.Reader so downstream stages (the
// HTTP request parser, the WebSocket upgrader) can keep reading from the
// same buffered stream instead of re-wrapping the connection.
func (c *Conn) Reader() *bufio.Reader {
	return c.r
}

// Classify peeks at least one byte and returns the connection's Kind. It
// never consumes bytes: everything peeked remains available to the next
// Read. An empty first read (immediate EOF) is reported as an error so
// the caller can close the connection per SPEC_FULL.md §4.2.
func Classify(c *Conn) (Kind, error) {
	first, err := c.r.Peek(1)
	if err != nil || len(first) == 0 {
		return RawVLESS, errors.New("connection closed before any byte was sent").Base(err)
	}

	if first[0] == tlsHandshakeContentType {
		return TLS, nil
	}

	// Peek enough bytes to match the longest method prefix (4 bytes);
	// a short read here just means none of the prefixes can match.
	lookahead, _ := c.r.Peek(4)
	for _, prefix := range httpPrefixes {
		if len(lookahead) >= len(prefix) && string(lookahead[:len(prefix)]) == prefix {
			return HTTP, nil
		}
	}
	if len(lookahead) >= 3 && string(lookahead[:3]) == "PRI" {
		return HTTP, nil
	}

	return RawVLESS, nil
}
