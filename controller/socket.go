package controller

import (
	"fmt"
	"net"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"tfstun/utils"
)

func zapAddr(key string, sa unix.Sockaddr) zap.Field {
	return zap.String(key, sockaddrString(sa))
}

// TfsConnect resolves the peer and returns a connected UDP socket.
// Client mode: the first frame we send teaches the server our address.
func TfsConnect(host, service string) (int, unix.Sockaddr, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, service))
	if err != nil {
		return -1, nil, errors.Wrapf(err, "resolving %s:%s", host, service)
	}
	sa, family, err := sockaddrFor(addr)
	if err != nil {
		return -1, nil, err
	}
	s, err := unix.Socket(family, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, nil, errors.Wrap(err, "socket")
	}
	if err := unix.Connect(s, sa); err != nil {
		unix.Close(s)
		return -1, nil, errors.Wrapf(err, "connecting to %s:%s", host, service)
	}
	return s, sa, nil
}

// TfsAccept binds the UDP port, peeks the first datagram to learn the peer,
// then connects the socket to it so the kernel filters everyone else.
func TfsAccept(listen, service string) (int, unix.Sockaddr, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(listen, service))
	if err != nil {
		return -1, nil, errors.Wrapf(err, "resolving %s:%s", listen, service)
	}
	sa, family, err := sockaddrFor(addr)
	if err != nil {
		return -1, nil, err
	}
	s, err := unix.Socket(family, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, nil, errors.Wrap(err, "socket")
	}
	if err := unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(s)
		return -1, nil, errors.Wrap(err, "SO_REUSEADDR")
	}
	if err := unix.Bind(s, sa); err != nil {
		unix.Close(s)
		return -1, nil, errors.Wrapf(err, "binding %s:%s", listen, service)
	}

	utils.Logger.Info("waiting on initial datagram",
		zapAddr("listen", sa))
	var peek [1]byte
	_, peer, err := unix.Recvfrom(s, peek[:], unix.MSG_PEEK)
	if err != nil {
		unix.Close(s)
		return -1, nil, errors.Wrap(err, "peeking first datagram")
	}
	if err := unix.Connect(s, peer); err != nil {
		unix.Close(s)
		return -1, nil, errors.Wrap(err, "connecting to learned peer")
	}
	utils.Logger.Info("learned tunnel peer", zapAddr("peer", peer))
	return s, peer, nil
}

func sockaddrFor(addr *net.UDPAddr) (unix.Sockaddr, int, error) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	if addr.IP != nil {
		copy(sa.Addr[:], addr.IP.To16())
	}
	return sa, unix.AF_INET6, nil
}

// sockaddrEqual compares transport addresses for the sender guard.
func sockaddrEqual(a, b unix.Sockaddr) bool {
	switch x := a.(type) {
	case *unix.SockaddrInet4:
		y, ok := b.(*unix.SockaddrInet4)
		return ok && x.Port == y.Port && x.Addr == y.Addr
	case *unix.SockaddrInet6:
		y, ok := b.(*unix.SockaddrInet6)
		return ok && x.Port == y.Port && x.Addr == y.Addr
	}
	return false
}

func sockaddrString(sa unix.Sockaddr) string {
	switch x := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(x.Addr[:]).String(), fmt.Sprint(x.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(x.Addr[:]).String(), fmt.Sprint(x.Port))
	}
	return fmt.Sprintf("%v", sa)
}
