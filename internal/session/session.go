// Package session wires every other package into the one control-flow
// path spec.md §2 describes: accept -> demux -> (TLS? handshake) ->
// (HTTP? serve or upgrade) -> VLESS decode -> authenticate -> dial
// target -> relay (plain or Vision) -> teardown. It plays the role the
// teacher splits across proxy/vless/inbound/inbound.go (per-connection
// handling) and transport/internet/tcp/hub.go (accept-time wiring),
// collapsed into one per-connection entry point since this design has a
// single inbound protocol, not a pluggable registry of them.
package session

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/xtls-vision/vlessd/internal/accounting"
	"github.com/xtls-vision/vlessd/internal/bufpool"
	"github.com/xtls-vision/vlessd/internal/dialer"
	"github.com/xtls-vision/vlessd/internal/errors"
	"github.com/xtls-vision/vlessd/internal/log"
	"github.com/xtls-vision/vlessd/internal/monitor"
	"github.com/xtls-vision/vlessd/internal/relay"
	"github.com/xtls-vision/vlessd/internal/sockopt"
	"github.com/xtls-vision/vlessd/internal/udp"
	"github.com/xtls-vision/vlessd/internal/vision"
	"github.com/xtls-vision/vlessd/proxy/vless"
	"github.com/xtls-vision/vlessd/proxy/vless/encoding"
	"github.com/xtls-vision/vlessd/transport/demux"
	"github.com/xtls-vision/vlessd/transport/tlsterm"
	"github.com/xtls-vision/vlessd/transport/websocket"
)

// Deps are the collaborators one ConnectionSession needs. They are
// shared read-only across every session (spec.md §3's Ownership note);
// none of them are mutated after the server starts.
type Deps struct {
	Validator        *vless.Validator
	TLSConfig        *tls.Config
	WSPath           string
	Pool             *bufpool.Pool
	Book             *accounting.Book
	Monitor          *monitor.Handler
	Sockopt          sockopt.Options
	UDPTimeout       time.Duration
	HeaderBufSize    int
	HandshakeTimeout time.Duration
	AccountingBatch  int64
}

// closingStream is a relay.Stream that also knows how to close itself;
// every transport wrapper (raw TCP, TLS, WebSocket) satisfies it.
type closingStream interface {
	relay.Stream
	Close() error
}

// Handle runs one ConnectionSession to completion. conn is already
// governor-admitted and socket-tuned by the caller (transport/tcplistener);
// Handle owns conn's lifetime from here on and always closes it before
// returning.
func Handle(ctx context.Context, deps *Deps, conn net.Conn) {
	peer := conn.RemoteAddr()
	dc := demux.NewConn(conn, deps.HeaderBufSize)

	if deps.HandshakeTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(deps.HandshakeTimeout))
	}

	kind, err := demux.Classify(dc)
	if err != nil {
		logReject(peer, "no readable bytes")
		_ = conn.Close()
		return
	}

	var (
		stream        closingStream = dc
		tlsTerminated               = false
	)

	if kind == demux.TLS {
		if deps.TLSConfig == nil {
			logReject(peer, "TLS connection received but no certificate is configured")
			_ = conn.Close()
			return
		}
		tconn, err := tlsterm.Server(ctx, dc, deps.TLSConfig)
		if err != nil {
			logReject(peer, err.Error())
			_ = conn.Close()
			return
		}
		tlsTerminated = true

		inner := demux.NewConn(tconn, deps.HeaderBufSize)
		innerKind, err := demux.Classify(inner)
		if err != nil {
			logReject(peer, "no readable bytes after TLS handshake")
			_ = tconn.Close()
			return
		}
		stream = inner
		kind = innerKind
	}

	if kind == demux.HTTP {
		hconn, _ := stream.(*demux.Conn)
		req, err := http.ReadRequest(hconn.Reader())
		if err != nil {
			logReject(peer, "malformed HTTP request")
			_ = stream.Close()
			return
		}

		if websocket.IsUpgradeRequest(req) {
			wsConn, _, err := websocket.UpgradeRequest(hconn, req, deps.WSPath)
			if err != nil {
				logReject(peer, err.Error())
				_ = stream.Close()
				return
			}
			stream = wsConn
		} else {
			serveMonitoring(deps, hconn, req)
			_ = stream.Close()
			return
		}
	}

	if deps.HandshakeTimeout > 0 {
		_ = conn.SetReadDeadline(time.Time{})
	}

	req, user, err := decodeAndAuthenticate(deps, stream)
	if err != nil {
		logReject(peer, err.Error())
		_ = stream.Close()
		return
	}

	if _, err := stream.Write(encoding.EncodeResponse(req.Version)); err != nil {
		_ = stream.Close()
		return
	}

	sink := deps.Book.SinkFor(user.Email)
	opts := relay.Options{Pool: deps.Pool, Sink: sink, AccountingBatchSize: deps.AccountingBatch}

	switch req.Command {
	case vless.CommandTCP:
		runTCP(ctx, deps, stream, req, tlsTerminated, peer, opts)
	case vless.CommandUDP:
		runUDP(ctx, deps, stream, req, peer, opts)
	default:
		logReject(peer, "unsupported command: "+req.Command.String())
		_ = stream.Close()
	}
}

func decodeAndAuthenticate(deps *Deps, stream relay.Stream) (*encoding.Request, *vless.User, error) {
	buf := deps.Pool.Get()
	defer deps.Pool.Put(buf)

	n, err := stream.Read(buf)
	if err != nil && n == 0 {
		return nil, nil, errors.New("failed to read VLESS header").Base(err)
	}

	req, err := encoding.DecodeRequest(buf[:n])
	if err != nil {
		return nil, nil, errors.New("malformed VLESS header").Base(err)
	}

	user, err := deps.Validator.Authenticate(req.UUID)
	if err != nil {
		return nil, nil, err
	}
	return req, user, nil
}

func runTCP(ctx context.Context, deps *Deps, stream closingStream, req *encoding.Request, tlsTerminated bool, peer net.Addr, opts relay.Options) {
	target, err := dialer.DialTCP(ctx, req.Address, req.Port, deps.Sockopt)
	if err != nil {
		log.Record(log.SeverityWarning, errors.New("dial failed to ", req.Address.String()).Base(err).Error())
		_ = stream.Close()
		return
	}
	defer target.Close()

	closeBoth := func() {
		_ = stream.Close()
		_ = target.Close()
	}

	useVision := tlsTerminated && req.Command == vless.CommandTCP &&
		(req.Flow == vless.FlowVision || req.Flow == vless.FlowVisionUDP443)

	logAccept(peer, req.Address.String(), req.Port)

	var relayErr error
	if useVision {
		_, relayErr = vision.Run(stream, target, req.Remaining, closeBoth, opts)
	} else {
		relayErr = relay.Run(stream, target, req.Remaining, closeBoth, opts)
	}
	if relayErr != nil && relayErr != io.EOF {
		log.Record(log.SeverityDebug, errors.New("relay ended").Base(relayErr).Error())
	}
}

func runUDP(ctx context.Context, deps *Deps, stream closingStream, req *encoding.Request, peer net.Addr, opts relay.Options) {
	udpConn, dest, err := dialer.DialUDP(ctx, req.Address, req.Port)
	if err != nil {
		log.Record(log.SeverityWarning, errors.New("udp dial failed to ", req.Address.String()).Base(err).Error())
		_ = stream.Close()
		return
	}
	defer udpConn.Close()

	closeBoth := func() {
		_ = stream.Close()
		_ = udpConn.Close()
	}

	logAccept(peer, req.Address.String(), req.Port)

	if err := udp.Run(stream, udpConn, dest, deps.UDPTimeout, req.Remaining, closeBoth, opts); err != nil && err != io.EOF {
		log.Record(log.SeverityDebug, errors.New("udp session ended").Base(err).Error())
	}
}

func serveMonitoring(deps *Deps, hconn *demux.Conn, req *http.Request) {
	if deps.Monitor == nil {
		_, _ = hconn.Write([]byte("HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n"))
		return
	}
	rw := &plainResponseWriter{conn: hconn, header: make(http.Header)}
	deps.Monitor.ServeHTTP(rw, req)
}

func logReject(peer net.Addr, reason string) {
	log.Access(&log.AccessMessage{
		From:   addrString(peer),
		Status: log.AccessRejected,
		Reason: reason,
	})
}

func logAccept(peer net.Addr, destHost string, destPort uint16) {
	log.Access(&log.AccessMessage{
		From:   addrString(peer),
		To:     destHost,
		Status: log.AccessAccepted,
	})
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// plainResponseWriter is a minimal http.ResponseWriter over a
// non-hijacked connection: enough to let monitor.Handler write a status
// line, headers, and a body for a one-shot HTTP/1.1 response before the
// session supervisor closes the connection.
type plainResponseWriter struct {
	conn        *demux.Conn
	header      http.Header
	wroteHeader bool
}

func (w *plainResponseWriter) Header() http.Header { return w.header }

func (w *plainResponseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	statusLine := fmt.Sprintf("HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	_, _ = w.conn.Write([]byte(statusLine))
	_ = w.header.Write(w.conn)
	_, _ = w.conn.Write([]byte("\r\n"))
}

func (w *plainResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.conn.Write(b)
}
