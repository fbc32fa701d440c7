// Package dialer resolves and dials a VLESS request's target
// (SPEC_FULL.md §4.6): the OS resolver for domain addresses, a TCP dial
// with socket tuning for command=TCP, and a wildcard-bound UDP socket for
// command=UDP. Grounded on the shape of the teacher's
// transport/internet/system_dialer.go, trimmed of the outbound-proxy and
// multi-controller machinery this design has no use for.
package dialer

import (
	"context"
	"net"

	"github.com/xtls-vision/vlessd/internal/errors"
	"github.com/xtls-vision/vlessd/internal/sockopt"
	"github.com/xtls-vision/vlessd/proxy/vless/encoding"
)

// Resolve turns a decoded VLESS Address into a dial-ready IP. Domain
// addresses go through the OS resolver, picking the first returned
// endpoint (SPEC_FULL.md §4.6); IPv4/IPv6 addresses pass through
// unchanged. DNS failures surface as a dial error.
func Resolve(ctx context.Context, addr encoding.Address) (net.IP, error) {
	if addr.Domain == "" {
		return addr.IP, nil
	}
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", addr.Domain)
	if err != nil {
		return nil, errors.New("failed to resolve ", addr.Domain).Base(err)
	}
	if len(ips) == 0 {
		return nil, errors.New("no addresses found for ", addr.Domain)
	}
	return ips[0], nil
}

// DialTCP resolves addr and dials a TCP connection to it on port, tuning
// the socket per opts.
func DialTCP(ctx context.Context, addr encoding.Address, port uint16, opts sockopt.Options) (net.Conn, error) {
	ip, err := Resolve(ctx, addr)
	if err != nil {
		return nil, err
	}
	dialer := &net.Dialer{}
	target := &net.TCPAddr{IP: ip, Port: int(port)}
	conn, err := dialer.DialContext(ctx, "tcp", target.String())
	if err != nil {
		return nil, errors.New("failed to dial TCP target ", target.String()).Base(err)
	}
	if err := sockopt.Apply(conn, opts); err != nil {
		return nil, errors.New("failed to tune outbound socket").Base(err)
	}
	return conn, nil
}

// DialUDP resolves addr and returns a wildcard-bound UDP socket plus the
// resolved destination, which becomes the UDP session's pinned
// destination (SPEC_FULL.md §4.6, §4.8).
func DialUDP(ctx context.Context, addr encoding.Address, port uint16) (*net.UDPConn, *net.UDPAddr, error) {
	ip, err := Resolve(ctx, addr)
	if err != nil {
		return nil, nil, err
	}
	dest := &net.UDPAddr{IP: ip, Port: int(port)}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, nil, errors.New("failed to bind ephemeral UDP socket").Base(err)
	}
	return conn, dest, nil
}
