//go:build linux || darwin

package qio

import (
	"net/netip"

	"golang.org/x/sys/unix"
)

// newSocket creates a non-blocking, close-on-exec socket of the given type
// for the address family implied by addr.
func newSocket(addr netip.Addr, sotype int) (int, error) {
	family := unix.AF_INET
	if addr.Is6() && !addr.Is4In6() {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, sotype, 0)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// sockaddrOf converts an address and port to the OS sockaddr form.
func sockaddrOf(addr netip.Addr, port uint16) unix.Sockaddr {
	if addr.Is4() || addr.Is4In6() {
		sa := &unix.SockaddrInet4{Port: int(port)}
		sa.Addr = addr.Unmap().As4()
		return sa
	}
	sa := &unix.SockaddrInet6{Port: int(port)}
	sa.Addr = addr.As16()
	return sa
}

// addrPortOf converts an OS sockaddr back to the netip form.
func addrPortOf(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}

// acceptConn accepts one pending connection non-blocking, close-on-exec.
func acceptConn(fd int) (int, unix.Sockaddr, error) {
	nfd, sa, err := unix.Accept(fd)
	if err != nil {
		return -1, nil, err
	}
	unix.CloseOnExec(nfd)
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return -1, nil, err
	}
	return nfd, sa, nil
}

// soError reads and clears the pending socket error, used to harvest the
// outcome of a non-blocking connect.
func soError(fd int) error {
	code, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if code != 0 {
		return unix.Errno(code)
	}
	return nil
}
