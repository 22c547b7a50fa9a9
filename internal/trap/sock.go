package trap

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// Conn is a non-blocking stream socket. Read and Write map to a single
// system call so short counts and would-block outcomes reach the caller
// undisturbed; in particular a partial Write reports exactly the bytes the
// kernel took.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	Fd() int
}

// Listener accepts non-blocking stream connections. TCP and unix-domain
// listeners produce identical Conns, so nothing downstream cares which one
// a connection arrived on.
type Listener interface {
	Accept() (Conn, error)
	Close() error
	Fd() int
	Addr() string
}

// IsWouldBlock reports whether err is the non-blocking "retry later"
// outcome rather than a real failure.
func IsWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

type conn struct {
	fd int
}

func (c *conn) Read(p []byte) (int, error) {
	n, err := unix.Read(c.fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (c *conn) Write(p []byte) (int, error) {
	n, err := unix.Write(c.fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (c *conn) Close() error {
	return unix.Close(c.fd)
}

func (c *conn) Fd() int {
	return c.fd
}

type tcpListener struct {
	fd   int
	addr string
}

// ListenTCP binds a non-blocking TCP listener on an "ip:port" literal.
// Accepted sockets inherit nothing from Go's net package; they are plain
// file descriptors opened O_NONBLOCK from the start.
func ListenTCP(address string) (Listener, error) {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return nil, fmt.Errorf("bad tcp listen address %q: %w", address, err)
	}
	addr := ap.Addr().Unmap()
	domain := unix.AF_INET
	if addr.Is6() {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	var sa unix.Sockaddr
	if addr.Is6() {
		sa6 := &unix.SockaddrInet6{Port: int(ap.Port())}
		sa6.Addr = addr.As16()
		sa = sa6
	} else {
		sa4 := &unix.SockaddrInet4{Port: int(ap.Port())}
		sa4.Addr = addr.As4()
		sa = sa4
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", address, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", address, err)
	}
	// report the kernel-assigned port when the caller bound port 0
	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("getsockname: %w", err)
	}
	return &tcpListener{fd: fd, addr: sockaddrString(bound)}, nil
}

func sockaddrString(sa unix.Sockaddr) string {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port)).String()
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(v.Addr), uint16(v.Port)).String()
	case *unix.SockaddrUnix:
		return v.Name
	}
	return ""
}

func (l *tcpListener) Accept() (Conn, error) {
	fd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &conn{fd: fd}, nil
}

func (l *tcpListener) Close() error {
	return unix.Close(l.fd)
}

func (l *tcpListener) Fd() int {
	return l.fd
}

func (l *tcpListener) Addr() string {
	return l.addr
}

type unixListener struct {
	fd   int
	path string
}

// ListenUnix binds a non-blocking unix-domain listener, replacing a stale
// socket file left behind by an unclean exit. Close unlinks the file again.
func ListenUnix(path string) (Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	return &unixListener{fd: fd, path: path}, nil
}

func (l *unixListener) Accept() (Conn, error) {
	fd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &conn{fd: fd}, nil
}

func (l *unixListener) Close() error {
	err := unix.Close(l.fd)
	os.Remove(l.path)
	return err
}

func (l *unixListener) Fd() int {
	return l.fd
}

func (l *unixListener) Addr() string {
	return l.path
}

// ListenAddr is a parsed listen address: a TCP endpoint, a unix socket
// path, or disabled.
type ListenAddr struct {
	Network string // "tcp", "unix", or "" when disabled
	Address string
}

func (a ListenAddr) Disabled() bool {
	return a.Network == ""
}

func (a ListenAddr) String() string {
	switch a.Network {
	case "tcp":
		return "ip:" + a.Address
	case "unix":
		return "unix:" + a.Address
	}
	return "disabled"
}

// ParseListenAddr parses the listen address grammar shared by every flag
// that names a socket: "disabled", "ip:<host:port>" with an IP literal, or
// "unix:<path>".
func ParseListenAddr(s string) (ListenAddr, error) {
	switch {
	case s == "disabled":
		return ListenAddr{}, nil
	case strings.HasPrefix(s, "ip:"):
		rest := strings.TrimPrefix(s, "ip:")
		if _, err := netip.ParseAddrPort(rest); err != nil {
			return ListenAddr{}, fmt.Errorf("bad ip listen address %q: %w", rest, err)
		}
		return ListenAddr{Network: "tcp", Address: rest}, nil
	case strings.HasPrefix(s, "unix:"):
		rest := strings.TrimPrefix(s, "unix:")
		if rest == "" {
			return ListenAddr{}, errors.New("empty unix socket path")
		}
		return ListenAddr{Network: "unix", Address: rest}, nil
	}
	return ListenAddr{}, fmt.Errorf(`listen address must be "disabled", "ip:<host:port>" or "unix:<path>", got %q`, s)
}

// Listen opens the listener described by a non-disabled address.
func Listen(a ListenAddr) (Listener, error) {
	switch a.Network {
	case "tcp":
		return ListenTCP(a.Address)
	case "unix":
		return ListenUnix(a.Address)
	}
	return nil, errors.New("cannot listen on a disabled address")
}
