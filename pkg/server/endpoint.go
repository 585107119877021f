package server

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/Wa4h1h/tftpd/pkg/utils"
)

// Addr identifies one end of a transfer, i.e. a TID (RFC 1350 §4):
// an IPv4 address plus a UDP port. It is comparable with ==.
type Addr struct {
	IP   [4]byte
	Port int
}

func (a Addr) String() string {
	return net.JoinHostPort(net.IP(a.IP[:]).String(), strconv.Itoa(a.Port))
}

// DatagramEndpoint is the minimal non-blocking UDP facade the transfer
// machines run on. Would-block is reported as utils.ErrWouldBlock,
// distinct from hard errors.
type DatagramEndpoint interface {
	SendTo(b []byte, to Addr) (int, error)
	RecvFrom(buf []byte) (int, Addr, error)
	LocalAddr() Addr
	Fd() int
	Close() error
}

// Endpoint is a non-blocking IPv4 UDP socket. Blocking semantics come
// from the poller, never from the socket itself.
type Endpoint struct {
	local Addr
	fd    int
}

// NewEndpoint binds a fresh non-blocking UDP socket to ip:port.
// An empty ip binds all interfaces, port 0 picks an ephemeral port.
func NewEndpoint(ip string, port int) (*Endpoint, error) {
	var bindIP [4]byte

	if ip != "" {
		parsed := net.ParseIP(ip)
		if parsed == nil || parsed.To4() == nil {
			return nil, fmt.Errorf("error: %s is not an ipv4 address", ip)
		}

		copy(bindIP[:], parsed.To4())
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("error while creating udp socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)

		return nil, fmt.Errorf("error while setting SO_REUSEADDR: %w", err)
	}

	if err := unix.Bind(fd, &unix.SockaddrInet4{Addr: bindIP, Port: port}); err != nil {
		_ = unix.Close(fd)

		return nil, fmt.Errorf("error while binding %s:%d: %w", ip, port, err)
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)

		return nil, fmt.Errorf("error while reading bound address: %w", err)
	}

	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		_ = unix.Close(fd)

		return nil, errors.New("error: bound address is not ipv4")
	}

	return &Endpoint{fd: fd, local: Addr{IP: in4.Addr, Port: in4.Port}}, nil
}

func (e *Endpoint) SendTo(b []byte, to Addr) (int, error) {
	err := unix.Sendto(e.fd, b, 0, &unix.SockaddrInet4{Addr: to.IP, Port: to.Port})
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return 0, utils.ErrWouldBlock
		}

		if errors.Is(err, unix.EBADF) {
			return 0, utils.ErrEndpointClosed
		}

		return 0, fmt.Errorf("error while sending to %s: %w", to, err)
	}

	return len(b), nil
}

func (e *Endpoint) RecvFrom(buf []byte) (int, Addr, error) {
	n, sa, err := unix.Recvfrom(e.fd, buf, 0)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return 0, Addr{}, utils.ErrWouldBlock
		}

		if errors.Is(err, unix.EBADF) {
			return 0, Addr{}, utils.ErrEndpointClosed
		}

		return 0, Addr{}, fmt.Errorf("error while receiving: %w", err)
	}

	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		// not an ipv4 peer, drop it
		return 0, Addr{}, utils.ErrWouldBlock
	}

	return n, Addr{IP: in4.Addr, Port: in4.Port}, nil
}

func (e *Endpoint) LocalAddr() Addr {
	return e.local
}

func (e *Endpoint) Fd() int {
	return e.fd
}

func (e *Endpoint) Close() error {
	if err := unix.Close(e.fd); err != nil {
		return fmt.Errorf("error while closing endpoint %s: %w", e.local, err)
	}

	return nil
}
