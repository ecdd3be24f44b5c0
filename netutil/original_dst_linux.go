//go:build linux

package netutil

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const soOriginalDst = 80 // SO_ORIGINAL_DST, net/netfilter/ipv4/nf_conntrack_ipv4.h

// getOriginalDst issues the raw getsockopt(SOL_IP, SO_ORIGINAL_DST) call
// that recovers a REDIRECTed connection's pre-NAT destination. The kernel
// fills a sockaddr_in (IPv4 only — transparent redirect of IPv6 traffic
// uses IP6T_SO_ORIGINAL_DST instead, out of scope here per SPEC_FULL.md).
func getOriginalDst(fd int) (unix.RawSockaddrInet4, error) {
	var addr unix.RawSockaddrInet4
	size := uint32(unsafe.Sizeof(addr))

	_, _, errno := unix.Syscall6(
		unix.SYS_GETSOCKOPT,
		uintptr(fd),
		uintptr(unix.SOL_IP),
		uintptr(soOriginalDst),
		uintptr(unsafe.Pointer(&addr)),
		uintptr(unsafe.Pointer(&size)),
		0,
	)
	if errno != 0 {
		return unix.RawSockaddrInet4{}, errno
	}
	return addr, nil
}
