// Package sockopt applies the TCP socket tuning knobs from
// ServerConfig.Performance (spec.md §3): NODELAY and explicit recv/send
// buffer sizes. NODELAY goes through net.TCPConn's own stdlib method;
// the buffer sizes need a raw setsockopt call, grounded on the teacher's
// transport/internet/sockopt_linux.go, which reaches the same
// golang.org/x/sys/unix constants through syscall.RawConn.Control instead
// of the plain syscall package (x/sys/unix exposes this platform's socket
// option constants Go's syscall package has stopped adding to).
package sockopt

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/xtls-vision/vlessd/internal/errors"
)

// Options are the socket tuning knobs carried in ServerConfig.Performance.
// Zero values mean "leave the OS default".
type Options struct {
	NoDelay bool
	RecvBuf int
	SendBuf int
}

// Apply tunes conn per Options. NoDelay is only meaningful for TCP
// connections; RecvBuf/SendBuf apply to any socket exposing
// syscall.Conn.
func Apply(conn net.Conn, opts Options) error {
	if tcpConn, ok := conn.(*net.TCPConn); ok && opts.NoDelay {
		if err := tcpConn.SetNoDelay(true); err != nil {
			return errors.New("failed to set TCP_NODELAY").Base(err)
		}
	}

	if opts.RecvBuf <= 0 && opts.SendBuf <= 0 {
		return nil
	}

	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return errors.New("failed to obtain raw socket").Base(err)
	}

	var controlErr error
	err = raw.Control(func(fd uintptr) {
		if opts.RecvBuf > 0 {
			if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, opts.RecvBuf); e != nil {
				controlErr = errors.New("failed to set SO_RCVBUF").Base(e)
				return
			}
		}
		if opts.SendBuf > 0 {
			if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, opts.SendBuf); e != nil {
				controlErr = errors.New("failed to set SO_SNDBUF").Base(e)
				return
			}
		}
	})
	if err != nil {
		return errors.New("raw socket control failed").Base(err)
	}
	return controlErr
}
