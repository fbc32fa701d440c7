package websocket

import (
	"net"
	"net/http"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtls-vision/vlessd/transport/demux"
)

func TestNormalizePathCollapsesSlashesAndAddsLeadingSlash(t *testing.T) {
	got, err := NormalizePath("vless//ws")
	require.NoError(t, err)
	assert.Equal(t, "/vless/ws", got)
}

func TestNormalizePathRejectsDotDot(t *testing.T) {
	_, err := NormalizePath("/a/../b")
	assert.Error(t, err)
}

func TestNormalizePathRejectsBackslash(t *testing.T) {
	_, err := NormalizePath("/a\\b")
	assert.Error(t, err)
}

func TestNormalizePathDecodesPercentEncoding(t *testing.T) {
	got, err := NormalizePath("/vl%65ss")
	require.NoError(t, err)
	assert.Equal(t, "/vless", got)
}

func TestIsUpgradeRequestRequiresAllThreeHeaders(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "/vless", nil)
	require.NoError(t, err)
	assert.False(t, IsUpgradeRequest(req))

	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	assert.True(t, IsUpgradeRequest(req))
}

func TestIsUpgradeRequestRejectsWrongUpgradeValue(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "/vless", nil)
	require.NoError(t, err)
	req.Header.Set("Upgrade", "h2c")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	assert.False(t, IsUpgradeRequest(req))
}

// Scenario D from spec.md §8: a real RFC 6455 client handshake against
// Upgrade, then one binary frame decoded on the other side.
func TestUpgradeEndToEnd(t *testing.T) {
	serverRaw, clientRaw := net.Pipe()

	type result struct {
		conn *Conn
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		dc := demux.NewConn(serverRaw, 0)
		kind, err := demux.Classify(dc)
		if err != nil || kind != demux.HTTP {
			resultCh <- result{nil, err}
			return
		}
		conn, _, err := Upgrade(dc, "/vless")
		resultCh <- result{conn, err}
	}()

	dialer := gorilla.Dialer{
		NetDial: func(network, addr string) (net.Conn, error) {
			return clientRaw, nil
		},
		HandshakeTimeout: 2 * time.Second,
	}
	clientConn, resp, err := dialer.Dial("ws://example.invalid/vless", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	res := <-resultCh
	require.NoError(t, res.err)
	require.NotNil(t, res.conn)

	require.NoError(t, clientConn.WriteMessage(gorilla.BinaryMessage, []byte("vless-header-bytes")))

	got := make([]byte, 64)
	n, err := res.conn.Read(got)
	require.NoError(t, err)
	assert.Equal(t, "vless-header-bytes", string(got[:n]))

	_ = clientConn.Close()
	_ = res.conn.Close()
}
