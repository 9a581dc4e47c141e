package supervisor

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// listenTCP opens a listening TCP socket on addr with the given accept
// backlog. net.Listen always uses the kernel default, so the socket is built
// by hand and then handed to the net package.
func listenTCP(addr string, backlog int) (*net.TCPListener, error) {
	ta, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("supervisor: listen %s: %w", addr, err)
	}

	fd, err := bindSocket(ta)
	if err != nil {
		return nil, fmt.Errorf("supervisor: listen %s: %w", addr, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("supervisor: listen %s: %w", addr, err)
	}

	f := os.NewFile(uintptr(fd), "listener")
	ln, err := net.FileListener(f)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("supervisor: listen %s: %w", addr, err)
	}
	tcp, ok := ln.(*net.TCPListener)
	if !ok {
		_ = ln.Close()
		return nil, fmt.Errorf("supervisor: listen %s: not a TCP listener", addr)
	}
	return tcp, nil
}

// bindSocket returns a bound stream socket for ta. An unspecified host binds
// dual-stack where IPv6 is available and falls back to IPv4 otherwise.
func bindSocket(ta *net.TCPAddr) (int, error) {
	ip4 := ta.IP.To4()
	if ip4 != nil {
		sa := &unix.SockaddrInet4{Port: ta.Port}
		copy(sa.Addr[:], ip4)
		return bindFamily(unix.AF_INET, sa)
	}
	if ta.IP != nil && !ta.IP.IsUnspecified() {
		sa := &unix.SockaddrInet6{Port: ta.Port}
		copy(sa.Addr[:], ta.IP.To16())
		return bindFamily(unix.AF_INET6, sa)
	}
	fd, err := bindFamily(unix.AF_INET6, &unix.SockaddrInet6{Port: ta.Port})
	if err == nil {
		return fd, nil
	}
	return bindFamily(unix.AF_INET, &unix.SockaddrInet4{Port: ta.Port})
}

func bindFamily(family int, sa unix.Sockaddr) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	if family == unix.AF_INET6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
			_ = unix.Close(fd)
			return -1, err
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}
