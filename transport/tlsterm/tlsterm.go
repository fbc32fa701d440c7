// Package tlsterm performs the outer TLS server handshake (SPEC_FULL.md
// §4.3). A general-purpose TLS library is explicitly out of scope per
// spec.md §1 ("a standard one is assumed"), so this wraps crypto/tls
// directly — the same *tls.Conn embedding shape as the teacher's
// transport/internet/tls/tls.go, trimmed of the client-fingerprinting
// machinery (utls) that has no server-side equivalent.
package tlsterm

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/xtls-vision/vlessd/internal/errors"
	"github.com/xtls-vision/vlessd/internal/log"
)

// closeTimeout bounds how long a Close waits for the TLS close_notify
// round trip before force-closing the underlying transport, mirroring
// the teacher's tlsCloseTimeout.
const closeTimeout = 250 * time.Millisecond

// Conn is the decrypted stream handed to downstream stages once the
// handshake completes. It satisfies relay.Stream.
type Conn struct {
	*tls.Conn
}

// Close attempts a clean TLS shutdown but never blocks past closeTimeout.
func (c *Conn) Close() error {
	timer := time.AfterFunc(closeTimeout, func() {
		c.Conn.NetConn().Close()
	})
	defer timer.Stop()
	return c.Conn.Close()
}

// NegotiatedProtocol returns the ALPN protocol the handshake settled on,
// logged informationally only — the demultiplexer never uses it to
// classify traffic (SPEC_FULL.md §4.3).
func (c *Conn) NegotiatedProtocol() string {
	return c.Conn.ConnectionState().NegotiatedProtocol
}

// Certificate is one server certificate chain plus its private key, both
// PEM-encoded, as read from ServerConfig's TLS material (spec.md §3).
type Certificate struct {
	CertPEM []byte
	KeyPEM  []byte
}

// NewConfig builds a server-side *tls.Config from one or more
// certificates and an optional advertised server name. ALPN always
// offers h2 and http/1.1 (spec.md §4.3); it is informational, never used
// to pick a handshake path.
func NewConfig(certs []Certificate, serverName string) (*tls.Config, error) {
	if len(certs) == 0 {
		return nil, errors.New("at least one TLS certificate is required")
	}
	chains := make([]tls.Certificate, 0, len(certs))
	for _, c := range certs {
		pair, err := tls.X509KeyPair(c.CertPEM, c.KeyPEM)
		if err != nil {
			return nil, errors.New("failed to parse TLS certificate").Base(err)
		}
		chains = append(chains, pair)
	}
	return &tls.Config{
		Certificates: chains,
		ServerName:   serverName,
		NextProtos:   []string{"h2", "http/1.1"},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Server performs the server-side TLS handshake over raw using config and
// returns the decrypted stream. On handshake failure the caller is
// responsible for logging and closing raw (SPEC_FULL.md §4.3).
func Server(ctx context.Context, raw net.Conn, config *tls.Config) (*Conn, error) {
	conn := tls.Server(raw, config)
	if err := conn.HandshakeContext(ctx); err != nil {
		return nil, errors.New("TLS handshake failed").Base(err).AtWarning()
	}
	state := conn.ConnectionState()
	log.Record(log.SeverityInfo, "TLS handshake completed: alpn="+state.NegotiatedProtocol+" sni="+state.ServerName)
	return &Conn{Conn: conn}, nil
}
