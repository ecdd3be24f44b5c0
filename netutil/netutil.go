// Package netutil provides the Linux-specific socket introspection the
// transparent proxy needs: recovering the connection's original
// destination after an iptables/nftables REDIRECT.
package netutil

import (
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

// hasSyscallConn is the subset of net.Conn the redirect-aware helpers in
// this package need; satisfied by the tcpSyscallConn adapter around
// *net.TCPConn. Narrowing to an interface keeps OriginalDst testable against
// a fake.
type hasSyscallConn interface {
	SyscallConn() (syscallConner, error)
}

// syscallConner mirrors syscall.RawConn's Control method, the only part of
// it callers here use.
type syscallConner interface {
	Control(f func(fd uintptr)) error
}

// tcpSyscallConn adapts *net.TCPConn (whose SyscallConn returns the real
// syscall.RawConn) to hasSyscallConn.
type tcpSyscallConn struct{ *net.TCPConn }

func (t tcpSyscallConn) SyscallConn() (syscallConner, error) {
	return t.TCPConn.SyscallConn()
}

// OriginalDst recovers the pre-NAT destination address of a connection that
// arrived via an iptables/nftables REDIRECT to a transparent-proxy
// listener, using the Linux SO_ORIGINAL_DST getsockopt (SOL_IP=0,
// SO_ORIGINAL_DST=80).
func OriginalDst(conn *net.TCPConn) (netip.AddrPort, error) {
	return originalDst(tcpSyscallConn{conn})
}

func originalDst(conn hasSyscallConn) (netip.AddrPort, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("netutil: getting raw conn: %w", err)
	}

	var addr unix.RawSockaddrInet4
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		addr, sockErr = getOriginalDst(int(fd))
	})
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("netutil: control: %w", err)
	}
	if sockErr != nil {
		return netip.AddrPort{}, fmt.Errorf("netutil: SO_ORIGINAL_DST: %w", sockErr)
	}

	ip := netip.AddrFrom4([4]byte{addr.Addr[0], addr.Addr[1], addr.Addr[2], addr.Addr[3]})
	port := uint16(addr.Port>>8) | uint16(addr.Port<<8) // sin_port is network-order
	return netip.AddrPortFrom(ip, port), nil
}
