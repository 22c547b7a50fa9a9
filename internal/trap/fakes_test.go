package trap

import (
	"bytes"

	"golang.org/x/sys/unix"
)

// fakes shared by the scheduler and metrics responder tests. They script
// syscall outcomes so the single-threaded state machines can be driven
// without sockets.

type regOp struct {
	op       string
	fd       int
	token    Token
	interest Interest
}

type fakeRegistry struct {
	ops []regOp
}

func (r *fakeRegistry) Add(fd int, token Token, interest Interest) error {
	r.ops = append(r.ops, regOp{"add", fd, token, interest})
	return nil
}

func (r *fakeRegistry) Modify(fd int, token Token, interest Interest) error {
	r.ops = append(r.ops, regOp{"mod", fd, token, interest})
	return nil
}

func (r *fakeRegistry) Remove(fd int) error {
	r.ops = append(r.ops, regOp{"del", fd, 0, 0})
	return nil
}

func (r *fakeRegistry) last() regOp {
	return r.ops[len(r.ops)-1]
}

// ioStep scripts one Read or Write call: an error, or n bytes (for reads,
// taken from data). A zero step models the peer closing.
type ioStep struct {
	n    int
	err  error
	data []byte
}

// fakeConn consumes one scripted step per call; an exhausted script reads
// would-block and writes accept everything.
type fakeConn struct {
	fd      int
	reads   []ioStep
	writes  []ioStep
	written bytes.Buffer
	closed  bool
}

func (c *fakeConn) Read(p []byte) (int, error) {
	if len(c.reads) == 0 {
		return 0, unix.EAGAIN
	}
	st := c.reads[0]
	c.reads = c.reads[1:]
	if st.err != nil {
		return 0, st.err
	}
	return copy(p, st.data), nil
}

func (c *fakeConn) Write(p []byte) (int, error) {
	if len(c.writes) == 0 {
		c.written.Write(p)
		return len(p), nil
	}
	st := c.writes[0]
	c.writes = c.writes[1:]
	if st.err != nil {
		return 0, st.err
	}
	n := st.n
	if n > len(p) {
		n = len(p)
	}
	c.written.Write(p[:n])
	return n, nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func (c *fakeConn) Fd() int {
	return c.fd
}

// fakeListener hands out pending conns until it reports would-block.
type fakeListener struct {
	fd      int
	pending []Conn
	err     error
	closed  bool
}

func (l *fakeListener) Accept() (Conn, error) {
	if l.err != nil {
		return nil, l.err
	}
	if len(l.pending) == 0 {
		return nil, unix.EAGAIN
	}
	c := l.pending[0]
	l.pending = l.pending[1:]
	return c, nil
}

func (l *fakeListener) Close() error {
	l.closed = true
	return nil
}

func (l *fakeListener) Fd() int {
	return l.fd
}

func (l *fakeListener) Addr() string {
	return "fake"
}
