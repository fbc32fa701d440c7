// Package tcplistener runs the accept loop for raw and TLS-fronted VLESS
// connections (SPEC_FULL.md §4.2, §4.10). It is grounded on the teacher's
// transport/internet/tcp/hub.go keepAccepting loop: listen once, admit
// every accepted connection through the connection governor in the accept
// loop, then hand each admitted one to a per-connection goroutine that
// applies socket tuning before the caller ever sees it.
package tcplistener

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	proxyproto "github.com/pires/go-proxyproto"

	"github.com/xtls-vision/vlessd/internal/errors"
	"github.com/xtls-vision/vlessd/internal/governor"
	"github.com/xtls-vision/vlessd/internal/log"
	"github.com/xtls-vision/vlessd/internal/sockopt"
)

// Config configures one listener.
type Config struct {
	// AcceptProxyProtocol wraps the listener with PROXY protocol v1/v2
	// support (SPEC_FULL.md §12 supplemented feature).
	AcceptProxyProtocol bool
	Sockopt             sockopt.Options
}

// ConnHandler processes one accepted, governor-admitted connection. It
// owns conn's lifetime from here on.
type ConnHandler func(conn net.Conn)

// Listener wraps a net.Listener with the accept loop, governor admission,
// and optional PROXY protocol decoding.
type Listener struct {
	inner net.Listener
	gov   *governor.Governor
	cfg   Config

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// Listen opens a TCP listener on addr and wraps it per cfg.
func Listen(addr string, gov *governor.Governor, cfg Config) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.New("failed to listen TCP on ", addr).Base(err)
	}
	if cfg.AcceptProxyProtocol {
		ln = &proxyproto.Listener{Listener: ln}
	}
	return &Listener{inner: ln, gov: gov, cfg: cfg, conns: make(map[net.Conn]struct{})}, nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr {
	return l.inner.Addr()
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.inner.Close()
}

// Serve accepts connections until Close is called, handing each
// governor-admitted connection to handler on its own goroutine.
// Connections rejected by the governor are closed immediately with no
// bytes written (spec.md §8 Scenario F).
func (l *Listener) Serve(handler ConnHandler) {
	for {
		conn, err := l.inner.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "closed") {
				return
			}
			log.Record(log.SeverityWarning, errors.New("accept failed").Base(err).Error())
			if strings.Contains(err.Error(), "too many") {
				time.Sleep(500 * time.Millisecond)
			}
			continue
		}

		if !l.gov.TryAcquire() {
			_ = conn.Close()
			continue
		}

		l.track(conn)

		go func() {
			defer l.gov.Release()
			defer l.untrack(conn)
			if err := sockopt.Apply(conn, l.cfg.Sockopt); err != nil {
				log.Record(log.SeverityDebug, errors.New("socket tuning failed").Base(err).Error())
			}
			handler(conn)
		}()
	}
}

func (l *Listener) track(conn net.Conn) {
	l.mu.Lock()
	l.conns[conn] = struct{}{}
	l.mu.Unlock()
}

func (l *Listener) untrack(conn net.Conn) {
	l.mu.Lock()
	delete(l.conns, conn)
	l.mu.Unlock()
}

// Shutdown implements spec.md §5's process shutdown sequence: stop
// accepting, best-effort close every still-open session so its blocked
// reads unwind, then drain — wait for the governor's active count to
// reach zero, bounded by ctx so a stuck session can't hang the process
// forever.
func (l *Listener) Shutdown(ctx context.Context) error {
	closeErr := l.Close()

	l.mu.Lock()
	live := make([]net.Conn, 0, len(l.conns))
	for conn := range l.conns {
		live = append(live, conn)
	}
	l.mu.Unlock()
	for _, conn := range live {
		_ = conn.Close()
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for l.gov.Active() > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return closeErr
		}
	}
	return closeErr
}
