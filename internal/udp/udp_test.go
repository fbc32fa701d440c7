package udp

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtls-vision/vlessd/internal/bufpool"
	"github.com/xtls-vision/vlessd/internal/relay"
)

type countingSink struct {
	mu   sync.Mutex
	up   int64
	down int64
}

func (s *countingSink) Add(dir relay.Direction, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dir == relay.Upload {
		s.up += n
	} else {
		s.down += n
	}
}

// Scenario B from spec.md §8: a 12-byte DNS query forwarded as exactly
// one UDP datagram to 8.8.8.8:53's stand-in (a local UDP echo target),
// and the response written contiguously back into the TCP side.
func TestRunForwardsOneDatagramPerReadAndPinsSource(t *testing.T) {
	// "target": a UDP socket that echoes back whatever it receives.
	target, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer target.Close()

	go func() {
		buf := make([]byte, 2048)
		for {
			n, from, err := target.ReadFromUDP(buf)
			if err != nil {
				return
			}
			_, _ = target.WriteToUDP(buf[:n], from)
		}
	}()

	// An off-path source that should be ignored by the download loop.
	other, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer other.Close()

	clientConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)

	dest := target.LocalAddr().(*net.UDPAddr)
	tcpSide, tcpRemote := net.Pipe()
	pool := bufpool.New(2048, 2)
	sink := &countingSink{}

	query := []byte("0123456789AB") // 12 bytes, stand-in for the DNS query
	go func() {
		_, _ = other.WriteToUDP([]byte("should be dropped"), clientConn.LocalAddr().(*net.UDPAddr))
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- Run(tcpRemote, clientConn, dest, 0, query, func() {
			_ = tcpRemote.Close()
			_ = clientConn.Close()
		}, relay.Options{Pool: pool, Sink: sink})
	}()

	got := make([]byte, len(query))
	require.NoError(t, tcpSide.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := io.ReadFull(tcpSide, got)
	require.NoError(t, err)
	assert.Equal(t, query, got[:n])

	_ = tcpSide.Close()
	<-errCh
}
