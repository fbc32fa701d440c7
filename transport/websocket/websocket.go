// Package websocket performs the RFC 6455 server-side upgrade on HTTP
// connections whose normalised path matches the configured WebSocket path
// (SPEC_FULL.md §4.4), then exposes a Conn that carries VLESS bytes over
// binary frames. The frame-to-stream adapter is grounded directly on the
// teacher's transport/internet/websocket/connection.go; the server-side
// upgrade is grounded on its hub.go requestHandler, adapted to run over an
// already-demultiplexed net.Conn (transport/demux.Conn) instead of a
// dedicated net/http.Server.
package websocket

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xtls-vision/vlessd/internal/errors"
	"github.com/xtls-vision/vlessd/transport/demux"
)

var upgrader = &websocket.Upgrader{
	HandshakeTimeout: 4 * time.Second,
	CheckOrigin:      func(*http.Request) bool { return true },
}

// NormalizePath implements the path normalisation rule from SPEC_FULL.md
// §4.4: percent-decode, reject any decoded path containing ".." or "\",
// collapse runs of "/", and ensure a leading "/".
func NormalizePath(raw string) (string, error) {
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", errors.New("invalid percent-encoding in WebSocket path").Base(err)
	}
	if strings.Contains(decoded, "..") || strings.Contains(decoded, "\\") {
		return "", errors.New("WebSocket path rejected: contains '..' or '\\'")
	}

	var b strings.Builder
	lastWasSlash := false
	for _, r := range decoded {
		if r == '/' {
			if lastWasSlash {
				continue
			}
			lastWasSlash = true
		} else {
			lastWasSlash = false
		}
		b.WriteRune(r)
	}
	normalized := b.String()
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	return normalized, nil
}

// IsUpgradeRequest reports whether req carries the headers the demux
// needs to see before routing to the WebSocket upgrade path (spec.md
// §4.2): an Upgrade: websocket header, a Connection header containing
// "upgrade", and a Sec-WebSocket-Key.
func IsUpgradeRequest(req *http.Request) bool {
	if !strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
		return false
	}
	if !strings.Contains(strings.ToLower(req.Header.Get("Connection")), "upgrade") {
		return false
	}
	return req.Header.Get("Sec-WebSocket-Key") != ""
}

// Conn wraps a *websocket.Conn as a byte stream compatible with the relay
// core: binary and text frames are both treated as VLESS payload; a close
// frame ends the session (SPEC_FULL.md §4.4).
type Conn struct {
	conn   *websocket.Conn
	reader io.Reader
}

// NewConn wraps an already-upgraded *websocket.Conn, seeding its read
// side with any bytes from the first frame already consumed during the
// VLESS header decode (the "first message rule" in SPEC_FULL.md §4.4).
func NewConn(conn *websocket.Conn, firstFrameRemainder []byte) *Conn {
	var r io.Reader
	if len(firstFrameRemainder) > 0 {
		r = &byteSliceReader{b: firstFrameRemainder}
	}
	return &Conn{conn: conn, reader: r}
}

func (c *Conn) Read(b []byte) (int, error) {
	for {
		r, err := c.getReader()
		if err != nil {
			return 0, err
		}
		n, err := r.Read(b)
		if err == io.EOF {
			c.reader = nil
			continue
		}
		return n, err
	}
}

func (c *Conn) getReader() (io.Reader, error) {
	if c.reader != nil {
		return c.reader, nil
	}
	_, r, err := c.conn.NextReader()
	if err != nil {
		return nil, err
	}
	c.reader = r
	return r, nil
}

// Write sends b as a single binary frame.
func (c *Conn) Write(b []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close sends a close frame, then tears down the underlying connection.
func (c *Conn) Close() error {
	deadline := time.Now().Add(5 * time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.conn.Close()
}

type byteSliceReader struct {
	b   []byte
	pos int
}

func (r *byteSliceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}

// Upgrade reads one HTTP request from c (already classified as HTTP by
// demux.Classify), validates it against configuredPath, and performs the
// RFC 6455 handshake. On success it returns a ready-to-use Conn and the
// remote address the hijacked connection reports.
func Upgrade(c *demux.Conn, configuredPath string) (*Conn, net.Addr, error) {
	req, err := http.ReadRequest(c.Reader())
	if err != nil {
		return nil, nil, errors.New("failed to parse HTTP upgrade request").Base(err)
	}
	return UpgradeRequest(c, req, configuredPath)
}

// UpgradeRequest is Upgrade for a caller that already parsed the HTTP
// request off c's reader — the session supervisor reads one request to
// decide between the WebSocket upgrade and the monitoring HTTP handlers,
// so it cannot let Upgrade read a second one.
func UpgradeRequest(c *demux.Conn, req *http.Request, configuredPath string) (*Conn, net.Addr, error) {
	if !IsUpgradeRequest(req) {
		return nil, nil, errors.New("not a WebSocket upgrade request")
	}

	path, err := NormalizePath(req.URL.Path)
	if err != nil {
		return nil, nil, err
	}
	if !strings.EqualFold(path, configuredPath) {
		return nil, nil, errors.New("WebSocket path mismatch: got ", path, " want ", configuredPath)
	}

	hj := &hijackWriter{conn: c, header: make(http.Header)}
	wsConn, err := upgrader.Upgrade(hj, req, nil)
	if err != nil {
		return nil, nil, errors.New("WebSocket handshake failed").Base(err)
	}
	return NewConn(wsConn, nil), wsConn.RemoteAddr(), nil
}

// hijackWriter is a minimal http.ResponseWriter + http.Hijacker over an
// already-demultiplexed net.Conn, letting gorilla/websocket perform a
// real RFC 6455 handshake without a dedicated net/http.Server — the demux
// layer already consumed the request line and headers off the same
// buffered reader, so Hijack hands that exact reader back untouched.
type hijackWriter struct {
	conn   *demux.Conn
	header http.Header
	status int
}

func (h *hijackWriter) Header() http.Header { return h.header }

func (h *hijackWriter) Write(b []byte) (int, error) { return h.conn.Write(b) }

func (h *hijackWriter) WriteHeader(status int) { h.status = status }

func (h *hijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	rw := bufio.NewReadWriter(h.conn.Reader(), bufio.NewWriter(h.conn))
	return h.conn, rw, nil
}
