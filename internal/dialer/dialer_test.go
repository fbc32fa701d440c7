package dialer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtls-vision/vlessd/internal/sockopt"
	"github.com/xtls-vision/vlessd/proxy/vless/encoding"
)

func TestResolvePassesThroughLiteralIP(t *testing.T) {
	addr := encoding.Address{IP: net.ParseIP("127.0.0.1")}
	ip, err := Resolve(context.Background(), addr)
	require.NoError(t, err)
	assert.True(t, ip.Equal(net.ParseIP("127.0.0.1")))
}

func TestResolveDomainFailureSurfacesAsError(t *testing.T) {
	addr := encoding.Address{Domain: "this-domain-should-not-resolve.invalid"}
	_, err := Resolve(context.Background(), addr)
	assert.Error(t, err)
}

// Scenario A from spec.md §8: dial a literal IPv4:port target and verify
// the target accepts the connection.
func TestDialTCPConnectsToLiteralTarget(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			acceptedCh <- conn
		}
	}()

	tcpAddr := ln.Addr().(*net.TCPAddr)
	addr := encoding.Address{IP: tcpAddr.IP}
	conn, err := DialTCP(context.Background(), addr, uint16(tcpAddr.Port), sockopt.Options{NoDelay: true})
	require.NoError(t, err)
	defer conn.Close()

	select {
	case accepted := <-acceptedCh:
		defer accepted.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for target to accept")
	}
}

func TestDialUDPBindsEphemeralSocketAndPinsDestination(t *testing.T) {
	addr := encoding.Address{IP: net.ParseIP("8.8.8.8")}
	conn, dest, err := DialUDP(context.Background(), addr, 53)
	require.NoError(t, err)
	defer conn.Close()

	assert.True(t, dest.IP.Equal(net.ParseIP("8.8.8.8")))
	assert.Equal(t, 53, dest.Port)
	assert.NotZero(t, conn.LocalAddr().(*net.UDPAddr).Port)
}
