package network

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

const listenBacklog = 128

func ListenTCP(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}

	addr := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind tcp :%d: %w", port, err)
	}

	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return -1, err
	}

	return fd, nil
}

// BindUDP opens a non-blocking UDP socket bound to port and connected to
// server, so plain send/recv only talk to the resolver.
func BindUDP(port int, server netip.AddrPort) (int, error) {
	if !server.Addr().Unmap().Is4() {
		return -1, fmt.Errorf("resolver %s: only IPv4 resolvers are supported", server)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}

	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind udp :%d: %w", port, err)
	}

	if err := unix.Connect(fd, sockaddr(server)); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("connect udp %s: %w", server, err)
	}
	return fd, nil
}

// Accept returns a non-blocking fd for the next pending connection.
func Accept(listenFD int) (int, netip.AddrPort, error) {
	nfd, sa, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, netip.AddrPort{}, err
	}
	return nfd, addrPort(sa), nil
}

// DialTCP starts a non-blocking connect. A nil error means the connection
// is established or in progress; completion is signalled by write readiness
// and checked with ConnectError.
func DialTCP(addr netip.AddrPort) (int, error) {
	if !addr.Addr().Unmap().Is4() {
		return -1, fmt.Errorf("dial %s: %w", addr, unix.EAFNOSUPPORT)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}

	err = unix.Connect(fd, sockaddr(addr))
	if err != nil && !errors.Is(err, unix.EINPROGRESS) {
		unix.Close(fd)
		return -1, fmt.Errorf("connect %s: %w", addr, err)
	}
	return fd, nil
}

// ConnectError reports the outcome of a non-blocking connect. It returns
// unix.EINPROGRESS or unix.EALREADY while the connect is still pending.
func ConnectError(fd int) error {
	val, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if val != 0 {
		return unix.Errno(val)
	}
	if _, err := unix.Getpeername(fd); errors.Is(err, unix.ENOTCONN) {
		return unix.EINPROGRESS
	}
	return nil
}

// Pending reports whether err means a non-blocking operation has to be
// retried on the next readiness event.
func Pending(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINPROGRESS) ||
		errors.Is(err, unix.EALREADY) || errors.Is(err, unix.EINTR)
}

func ShutdownRead(fd int) error  { return unix.Shutdown(fd, unix.SHUT_RD) }
func ShutdownWrite(fd int) error { return unix.Shutdown(fd, unix.SHUT_WR) }

// LocalPort returns the port fd is bound to.
func LocalPort(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, err
	}
	return int(addrPort(sa).Port()), nil
}

func sockaddr(ap netip.AddrPort) *unix.SockaddrInet4 {
	return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ap.Addr().Unmap().As4()}
}

func addrPort(sa unix.Sockaddr) netip.AddrPort {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr), uint16(a.Port))
	}
	return netip.AddrPort{}
}
