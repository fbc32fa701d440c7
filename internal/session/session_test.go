package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xtls-vision/vlessd/internal/accounting"
	"github.com/xtls-vision/vlessd/internal/bufpool"
	"github.com/xtls-vision/vlessd/internal/sockopt"
	"github.com/xtls-vision/vlessd/internal/vlessid"
	"github.com/xtls-vision/vlessd/proxy/vless"
)

func testDeps(t *testing.T, users []*vless.User) *Deps {
	t.Helper()
	validator, err := vless.NewValidator(users)
	require.NoError(t, err)
	return &Deps{
		Validator:     validator,
		Pool:          bufpool.New(4096, 2),
		Book:          accounting.NewBook(),
		Sockopt:       sockopt.Options{},
		UDPTimeout:    2 * time.Second,
		HeaderBufSize: 4096,
	}
}

func encodeRequest(id vlessid.ID, command vless.Command, port uint16, domain string, payload []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(0) // version
	buf.Write(id.Bytes())
	buf.WriteByte(0) // addons length
	buf.WriteByte(byte(command))
	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, port)
	buf.Write(portBytes)
	buf.WriteByte(byte(vless.AddressTypeDomain))
	buf.WriteByte(byte(len(domain)))
	buf.WriteString(domain)
	buf.Write(payload)
	return buf.Bytes()
}

// TestHandleRejectsUnknownUUID is Scenario E from spec.md §8: an
// unauthenticated request is closed with no response bytes.
func TestHandleRejectsUnknownUUID(t *testing.T) {
	knownID, err := vlessid.FromBytes(bytes.Repeat([]byte{0x01}, 16))
	require.NoError(t, err)
	deps := testDeps(t, []*vless.User{{ID: knownID, Email: "known@example.com"}})

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		Handle(context.Background(), deps, serverConn)
		close(done)
	}()

	unknownID, err := vlessid.FromBytes(bytes.Repeat([]byte{0x02}, 16))
	require.NoError(t, err)
	req := encodeRequest(unknownID, vless.CommandTCP, 80, "example.com", nil)

	go clientConn.Write(req)

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := clientConn.Read(buf)
	require.Error(t, err)
	require.Equal(t, 0, n)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Handle did not return after rejecting an unknown UUID")
	}
}

// TestHandleRelaysTCPAfterSuccessfulAuth is Scenario A from spec.md §8:
// a valid request gets a response header before any relayed byte, then
// the session relays bytes to the dialed target and back.
func TestHandleRelaysTCPAfterSuccessfulAuth(t *testing.T) {
	target, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer target.Close()

	targetDone := make(chan struct{})
	go func() {
		defer close(targetDone)
		conn, err := target.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		_, _ = io.ReadFull(conn, buf)
		_, _ = conn.Write(bytes.ToUpper(buf))
	}()

	id, err := vlessid.FromBytes(bytes.Repeat([]byte{0x03}, 16))
	require.NoError(t, err)
	deps := testDeps(t, []*vless.User{{ID: id, Email: "user@example.com"}})

	targetAddr := target.Addr().(*net.TCPAddr)
	req := encodeRequest(id, vless.CommandTCP, uint16(targetAddr.Port), targetAddr.IP.String(), []byte("hello"))

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	go Handle(context.Background(), deps, serverConn)

	go clientConn.Write(req)

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp := make([]byte, 2)
	_, err = io.ReadFull(clientConn, resp)
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, 0x00}, resp)

	echoed := make([]byte, 5)
	_, err = io.ReadFull(clientConn, echoed)
	require.NoError(t, err)
	require.Equal(t, []byte("HELLO"), echoed)

	<-targetDone
}

// TestHandleRejectsUnreadableConnection covers the no-bytes-sent branch
// of demux.Classify: an immediately closed connection is dropped with no
// response.
func TestHandleRejectsUnreadableConnection(t *testing.T) {
	deps := testDeps(t, nil)

	serverConn, clientConn := net.Pipe()
	done := make(chan struct{})
	go func() {
		Handle(context.Background(), deps, serverConn)
		close(done)
	}()

	clientConn.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Handle did not return for a connection closed before any byte arrived")
	}
}
