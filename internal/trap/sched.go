package trap

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// lineBufferSize caps a banner line including its terminator.
const lineBufferSize = 256

// ErrBannerTooLong is returned by NewServer when the requested line length
// plus its terminator does not fit the fixed line buffer.
var ErrBannerTooLong = errors.New("banner line does not fit the line buffer")

// bannerAlphabet supplies the random banner bytes. An SSH peer treats a
// line starting with "SSH-" as the version exchange (RFC 4253 section
// 4.2); this set cannot produce '-', so no banner line ever terminates the
// handshake and the peer keeps reading.
const bannerAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// Newline selects the banner line terminator.
type Newline uint8

const (
	LF Newline = iota
	CRLF
)

func (n Newline) bytes() []byte {
	if n == CRLF {
		return []byte{'\r', '\n'}
	}
	return []byte{'\n'}
}

func (n Newline) String() string {
	if n == CRLF {
		return "crlf"
	}
	return "lf"
}

func ParseNewline(s string) (Newline, error) {
	switch s {
	case "lf":
		return LF, nil
	case "crlf":
		return CRLF, nil
	}
	return 0, fmt.Errorf(`newline must be "lf" or "crlf", got %q`, s)
}

// Options configures a tarpit Server.
type Options struct {
	// MaxClients bounds how many connections are held at once; accepts
	// beyond it are deferred, not refused.
	MaxClients int
	// BannerLineLength is the number of random bytes per line, before the
	// terminator.
	BannerLineLength int
	// MessageDelay separates consecutive lines to the same client.
	MessageDelay time.Duration
	Newline      Newline
}

// Server traps connections on a listener and trickles banner lines to them
// on a shared delay schedule. Every method runs on the event-loop
// goroutine; the only concurrency is the atomic counters in Stats.
type Server struct {
	opts  Options
	ln    Listener
	token Token
	reg   Registry
	stats *Stats
	queue *clientQueue

	// one line per wakeup, regenerated lazily when a client is due
	line    [lineBufferSize]byte
	lineLen int

	// acceptAvailable survives capacity exhaustion: when a drop frees a
	// slot, the deferred accept proceeds without a fresh readiness event.
	acceptAvailable bool
}

// NewServer validates opts and registers ln for read readiness under
// token.
func NewServer(opts Options, ln Listener, token Token, reg Registry, stats *Stats) (*Server, error) {
	term := opts.Newline.bytes()
	if opts.BannerLineLength < 0 {
		return nil, fmt.Errorf("banner line length must not be negative, got %d", opts.BannerLineLength)
	}
	if opts.BannerLineLength+len(term) > lineBufferSize {
		return nil, fmt.Errorf("%w: %d bytes with terminator, buffer is %d", ErrBannerTooLong, opts.BannerLineLength+len(term), lineBufferSize)
	}
	if opts.MaxClients < 1 {
		return nil, fmt.Errorf("max clients must be positive, got %d", opts.MaxClients)
	}
	s := &Server{
		opts:    opts,
		ln:      ln,
		token:   token,
		reg:     reg,
		stats:   stats,
		queue:   newClientQueue(opts.MaxClients),
		lineLen: opts.BannerLineLength + len(term),
	}
	copy(s.line[opts.BannerLineLength:], term)
	if err := reg.Add(ln.Fd(), token, Readable); err != nil {
		return nil, fmt.Errorf("register tarpit listener: %w", err)
	}
	return s, nil
}

// Trapped reports how many connections are currently held.
func (s *Server) Trapped() int {
	return s.queue.len()
}

// HandleEvent consumes a readiness event if it targets the tarpit
// listener and accepts the waiting connections. It returns false for
// foreign tokens so the caller can route them on. The time observation
// happens before routing: every event the loop sees advances the clock
// monotonicity check.
func (s *Server) HandleEvent(ev Event, now time.Time) (bool, error) {
	if err := s.stats.Observe(now); err != nil {
		return false, err
	}
	if ev.Token != s.token {
		return false, nil
	}
	s.acceptAvailable = true
	return true, s.acceptPending(now)
}

// Wakeup serves, in arrival order, every client that was due when the
// call began and returns how long the caller may sleep until the next
// deadline. ok is false when the queue holds no pending deadline and the
// loop may block indefinitely.
//
// The queue doubles as the timer wheel: served clients move to the back,
// so the scan stops at the first client whose delay has not elapsed and
// its remaining wait bounds everyone behind it. Fresh clients have no
// lastSend and are always due, which guarantees a newly accepted client
// gets its first line on the wakeup that next reaches it.
//
// Each call scans a client at most once. A client that is still due after
// its turn (a blocked send, a replacement admitted mid scan, a zero
// delay) stays queued and the returned wait is zero, so the next pass
// retries it without this one starving accepts and the other tokens.
func (s *Server) Wakeup(now time.Time) (wait time.Duration, ok bool, err error) {
	if err := s.stats.Observe(now); err != nil {
		return 0, false, err
	}
	generated := false
	stillDue := false
	for pending := s.queue.len(); pending > 0; pending-- {
		c, live := s.queue.pop()
		if !live {
			break
		}
		if !c.lastSend.IsZero() {
			if wait := c.lastSend.Add(s.opts.MessageDelay).Sub(now); wait > 0 {
				s.queue.push(c)
				return wait, true, nil
			}
		}
		if !generated {
			s.generateLine()
			generated = true
		}
		if c, kept, sent := s.sendLine(c, now); kept {
			s.queue.push(c)
			if !sent {
				stillDue = true
			}
			continue
		}
		// the drop freed a slot; a deferred connection can take it now
		before := s.queue.len()
		if err := s.acceptPending(now); err != nil {
			return 0, false, err
		}
		if s.queue.len() > before {
			stillDue = true
		}
	}
	front, live := s.queue.peek()
	if !live {
		return 0, false, nil
	}
	if !stillDue {
		if wait := front.lastSend.Add(s.opts.MessageDelay).Sub(now); wait > 0 {
			return wait, true, nil
		}
	}
	return 0, true, nil
}

func (s *Server) generateLine() {
	n := s.opts.BannerLineLength
	for i := 0; i < n; i++ {
		s.line[i] = bannerAlphabet[rand.IntN(len(bannerAlphabet))]
	}
	s.stats.BytesGenerated.Add(uint64(n))
}

// sendLine attempts one non-blocking send of the current line. kept
// reports whether the client stays queued, sent whether bytes went out
// and the deadline advanced. A would-block send keeps the client with its
// deadline untouched so the line is retried on a later wakeup, and
// anything else that fails drops the connection silently.
func (s *Server) sendLine(c client, now time.Time) (_ client, kept, sent bool) {
	n, err := c.conn.Write(s.line[:s.lineLen])
	if err != nil {
		if IsWouldBlock(err) {
			return c, true, false
		}
		s.dropClient(c)
		return client{}, false, false
	}
	if n == 0 {
		// zero bytes accepted with no error: the peer is gone
		s.dropClient(c)
		return client{}, false, false
	}
	s.stats.BytesSent.Add(uint64(n))
	since := c.connectedAt
	if !c.lastSend.IsZero() {
		since = c.lastSend
	}
	s.stats.AddTrapped(now.Sub(since))
	c.lastSend = now
	return c, true, true
}

func (s *Server) dropClient(c client) {
	c.conn.Close()
	s.stats.ConnectionsClosed.Add(1)
}

// acceptPending admits connections while the listener has more to give and
// the client ceiling allows. On would-block the acceptAvailable flag
// clears until the next listener event; on capacity exhaustion it stays
// set, deferring the accept instead of spinning on it.
func (s *Server) acceptPending(now time.Time) error {
	for s.acceptAvailable && s.queue.len() < s.opts.MaxClients {
		c, err := s.ln.Accept()
		if err != nil {
			if IsWouldBlock(err) {
				s.acceptAvailable = false
				return nil
			}
			return fmt.Errorf("accept tarpit connection: %w", err)
		}
		s.queue.push(client{conn: c, connectedAt: now})
		s.stats.ConnectionsOpened.Add(1)
	}
	return nil
}
