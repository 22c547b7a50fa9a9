package trap

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

var base = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, opts Options, ln Listener) (*Server, *Stats, *fakeRegistry) {
	t.Helper()
	reg := &fakeRegistry{}
	stats := NewStats(base)
	srv, err := NewServer(opts, ln, Token(0), reg, stats)
	require.NoError(t, err)
	return srv, stats, reg
}

func defaultOptions() Options {
	return Options{
		MaxClients:       4,
		BannerLineLength: 8,
		MessageDelay:     100 * time.Millisecond,
		Newline:          LF,
	}
}

func assertBannerLine(t *testing.T, line []byte, length int, newline Newline) {
	t.Helper()
	term := newline.bytes()
	require.Len(t, line, length+len(term))
	assert.Equal(t, term, line[length:])
	for _, b := range line[:length] {
		assert.GreaterOrEqual(t, strings.IndexByte(bannerAlphabet, b), 0, "byte %q outside banner alphabet", b)
	}
}

func TestNewServerRegistersListener(t *testing.T) {
	ln := &fakeListener{fd: 5}
	_, _, reg := newTestServer(t, defaultOptions(), ln)

	require.Len(t, reg.ops, 1)
	assert.Equal(t, regOp{"add", 5, Token(0), Readable}, reg.ops[0])
}

func TestNewServerRejectsBadOptions(t *testing.T) {
	reg := &fakeRegistry{}
	stats := NewStats(base)

	// line plus terminator may fill the buffer exactly
	opts := defaultOptions()
	opts.BannerLineLength = lineBufferSize - 1
	_, err := NewServer(opts, &fakeListener{}, Token(0), reg, stats)
	assert.NoError(t, err)

	// one byte over is a configuration error
	opts = defaultOptions()
	opts.BannerLineLength = lineBufferSize - 1
	opts.Newline = CRLF
	_, err = NewServer(opts, &fakeListener{}, Token(0), reg, stats)
	assert.ErrorIs(t, err, ErrBannerTooLong)

	opts = defaultOptions()
	opts.BannerLineLength = -1
	_, err = NewServer(opts, &fakeListener{}, Token(0), reg, stats)
	assert.Error(t, err)

	opts = defaultOptions()
	opts.MaxClients = 0
	_, err = NewServer(opts, &fakeListener{}, Token(0), reg, stats)
	assert.Error(t, err)
}

func TestHandleEventIgnoresForeignToken(t *testing.T) {
	srv, _, _ := newTestServer(t, defaultOptions(), &fakeListener{})

	handled, err := srv.HandleEvent(Event{Token: 42}, base.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestHandleEventAcceptsUntilWouldBlock(t *testing.T) {
	c1 := &fakeConn{fd: 10}
	c2 := &fakeConn{fd: 11}
	ln := &fakeListener{fd: 5, pending: []Conn{c1, c2}}
	srv, stats, _ := newTestServer(t, defaultOptions(), ln)

	handled, err := srv.HandleEvent(Event{Token: 0}, base.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, 2, srv.Trapped())
	assert.Equal(t, uint64(2), stats.ConnectionsOpened.Load())
}

func TestAcceptDeferredAtCapacity(t *testing.T) {
	c1 := &fakeConn{fd: 10, writes: []ioStep{{err: unix.ECONNRESET}}}
	c2 := &fakeConn{fd: 11}
	c3 := &fakeConn{fd: 12}
	ln := &fakeListener{fd: 5, pending: []Conn{c1, c2, c3}}
	opts := defaultOptions()
	opts.MaxClients = 2
	srv, stats, _ := newTestServer(t, opts, ln)

	t1 := base.Add(time.Second)
	_, err := srv.HandleEvent(Event{Token: 0}, t1)
	require.NoError(t, err)
	assert.Equal(t, 2, srv.Trapped())
	assert.Equal(t, uint64(2), stats.ConnectionsOpened.Load())

	// the first send to c1 fails, freeing a slot for the deferred c3
	// without any new listener event; the fresh client is due at once, so
	// the pass ends with a zero wait
	t2 := t1.Add(10 * time.Millisecond)
	wait, pending, err := srv.Wakeup(t2)
	require.NoError(t, err)
	assert.True(t, pending)
	assert.Equal(t, time.Duration(0), wait)

	assert.True(t, c1.closed)
	assert.Equal(t, 2, srv.Trapped())
	assert.Equal(t, uint64(3), stats.ConnectionsOpened.Load())
	assert.Equal(t, uint64(1), stats.ConnectionsClosed.Load())
	assert.Zero(t, c3.written.Len())

	// the next pass gives the replacement its first line
	wait, pending, err = srv.Wakeup(t2)
	require.NoError(t, err)
	assert.True(t, pending)
	assert.Equal(t, opts.MessageDelay, wait)
	assertBannerLine(t, c3.written.Bytes(), opts.BannerLineLength, LF)
}

func TestWakeupEmptyQueueHasNoDeadline(t *testing.T) {
	srv, _, _ := newTestServer(t, defaultOptions(), &fakeListener{})

	_, pending, err := srv.Wakeup(base.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestFreshClientServedOnFirstWakeup(t *testing.T) {
	c := &fakeConn{fd: 10}
	ln := &fakeListener{fd: 5, pending: []Conn{c}}
	opts := defaultOptions()
	srv, stats, _ := newTestServer(t, opts, ln)

	t1 := base.Add(time.Second)
	_, err := srv.HandleEvent(Event{Token: 0}, t1)
	require.NoError(t, err)

	t2 := t1.Add(20 * time.Millisecond)
	wait, pending, err := srv.Wakeup(t2)
	require.NoError(t, err)
	assert.True(t, pending)
	assert.Equal(t, opts.MessageDelay, wait)

	assertBannerLine(t, c.written.Bytes(), opts.BannerLineLength, LF)
	assert.Equal(t, uint64(opts.BannerLineLength), stats.BytesGenerated.Load())
	assert.Equal(t, uint64(opts.BannerLineLength+1), stats.BytesSent.Load())
	assert.Equal(t, 20*time.Millisecond, stats.Trapped())
}

func TestDelayGatesConsecutiveLines(t *testing.T) {
	c := &fakeConn{fd: 10}
	ln := &fakeListener{fd: 5, pending: []Conn{c}}
	opts := defaultOptions()
	srv, stats, _ := newTestServer(t, opts, ln)

	t1 := base.Add(time.Second)
	_, err := srv.HandleEvent(Event{Token: 0}, t1)
	require.NoError(t, err)
	_, _, err = srv.Wakeup(t1)
	require.NoError(t, err)
	lineLen := c.written.Len()

	// halfway through the window nothing is sent and the remaining wait
	// shrinks accordingly
	wait, pending, err := srv.Wakeup(t1.Add(opts.MessageDelay / 2))
	require.NoError(t, err)
	assert.True(t, pending)
	assert.Equal(t, opts.MessageDelay/2, wait)
	assert.Equal(t, lineLen, c.written.Len())

	// at the deadline the next line goes out
	_, _, err = srv.Wakeup(t1.Add(opts.MessageDelay))
	require.NoError(t, err)
	assert.Equal(t, 2*lineLen, c.written.Len())
	assert.Equal(t, opts.MessageDelay, stats.Trapped())
}

func TestZeroDelayServesOneLinePerWakeup(t *testing.T) {
	c := &fakeConn{fd: 10}
	ln := &fakeListener{fd: 5, pending: []Conn{c}}
	opts := defaultOptions()
	opts.MessageDelay = 0
	srv, _, _ := newTestServer(t, opts, ln)

	t1 := base.Add(time.Second)
	_, err := srv.HandleEvent(Event{Token: 0}, t1)
	require.NoError(t, err)

	// a served client is due again at once; the call must still hand
	// control back instead of spinning on the queue
	var wait time.Duration
	var pending bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		wait, pending, err = srv.Wakeup(t1)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wakeup did not return with a zero message delay")
	}
	require.NoError(t, err)
	assert.True(t, pending)
	assert.Equal(t, time.Duration(0), wait)

	lineLen := opts.BannerLineLength + 1
	assert.Equal(t, lineLen, c.written.Len())

	// the same timestamp is already past the zero delay, so every further
	// call trickles exactly one more line
	_, _, err = srv.Wakeup(t1)
	require.NoError(t, err)
	assert.Equal(t, 2*lineLen, c.written.Len())
}

func TestOneLineSharedByAllDueClients(t *testing.T) {
	c1 := &fakeConn{fd: 10}
	c2 := &fakeConn{fd: 11}
	ln := &fakeListener{fd: 5, pending: []Conn{c1, c2}}
	opts := defaultOptions()
	srv, stats, _ := newTestServer(t, opts, ln)

	t1 := base.Add(time.Second)
	_, err := srv.HandleEvent(Event{Token: 0}, t1)
	require.NoError(t, err)
	_, _, err = srv.Wakeup(t1)
	require.NoError(t, err)

	assert.Equal(t, c1.written.Bytes(), c2.written.Bytes())
	assert.Equal(t, uint64(opts.BannerLineLength), stats.BytesGenerated.Load())
	assert.Equal(t, uint64(2*(opts.BannerLineLength+1)), stats.BytesSent.Load())
}

func TestWouldBlockKeepsClientDueForNextWakeup(t *testing.T) {
	c := &fakeConn{fd: 10, writes: []ioStep{{err: unix.EAGAIN}}}
	ln := &fakeListener{fd: 5, pending: []Conn{c}}
	opts := defaultOptions()
	srv, stats, _ := newTestServer(t, opts, ln)

	t1 := base.Add(time.Second)
	_, err := srv.HandleEvent(Event{Token: 0}, t1)
	require.NoError(t, err)

	// the blocked attempt keeps the deadline untouched; the pass ends with
	// a zero wait instead of rescanning the client it already tried
	wait, pending, err := srv.Wakeup(t1)
	require.NoError(t, err)
	assert.True(t, pending)
	assert.Equal(t, time.Duration(0), wait)
	assert.Zero(t, c.written.Len())
	assert.Equal(t, uint64(opts.BannerLineLength), stats.BytesGenerated.Load())
	assert.Equal(t, uint64(0), stats.BytesSent.Load())
	assert.Equal(t, 1, srv.Trapped())

	// the retry goes out on the following pass
	t2 := t1.Add(time.Millisecond)
	wait, pending, err = srv.Wakeup(t2)
	require.NoError(t, err)
	assert.True(t, pending)
	assert.Equal(t, opts.MessageDelay, wait)
	assertBannerLine(t, c.written.Bytes(), opts.BannerLineLength, LF)
	assert.Equal(t, uint64(2*opts.BannerLineLength), stats.BytesGenerated.Load())
	assert.Equal(t, uint64(opts.BannerLineLength+1), stats.BytesSent.Load())
	assert.Equal(t, uint64(0), stats.ConnectionsClosed.Load())
}

func TestZeroByteWriteDropsClient(t *testing.T) {
	c := &fakeConn{fd: 10, writes: []ioStep{{n: 0}}}
	ln := &fakeListener{fd: 5, pending: []Conn{c}}
	srv, stats, _ := newTestServer(t, defaultOptions(), ln)

	t1 := base.Add(time.Second)
	_, err := srv.HandleEvent(Event{Token: 0}, t1)
	require.NoError(t, err)
	_, pending, err := srv.Wakeup(t1)
	require.NoError(t, err)

	assert.False(t, pending)
	assert.True(t, c.closed)
	assert.Equal(t, 0, srv.Trapped())
	assert.Equal(t, uint64(1), stats.ConnectionsClosed.Load())
	assert.Equal(t, uint64(0), stats.BytesSent.Load())
}

func TestWriteErrorDropsClientSilently(t *testing.T) {
	c := &fakeConn{fd: 10, writes: []ioStep{{err: unix.EPIPE}}}
	ln := &fakeListener{fd: 5, pending: []Conn{c}}
	srv, stats, _ := newTestServer(t, defaultOptions(), ln)

	t1 := base.Add(time.Second)
	_, err := srv.HandleEvent(Event{Token: 0}, t1)
	require.NoError(t, err)
	_, _, err = srv.Wakeup(t1)
	require.NoError(t, err)

	assert.True(t, c.closed)
	assert.Equal(t, uint64(1), stats.ConnectionsClosed.Load())
}

func TestPartialWriteCountsOnlySentBytes(t *testing.T) {
	c := &fakeConn{fd: 10, writes: []ioStep{{n: 3}}}
	ln := &fakeListener{fd: 5, pending: []Conn{c}}
	opts := defaultOptions()
	srv, stats, _ := newTestServer(t, opts, ln)

	t1 := base.Add(time.Second)
	_, err := srv.HandleEvent(Event{Token: 0}, t1)
	require.NoError(t, err)
	wait, pending, err := srv.Wakeup(t1)
	require.NoError(t, err)
	assert.True(t, pending)
	assert.Equal(t, opts.MessageDelay, wait)

	// the short count is final: the tail is never resent, the next window
	// starts a fresh line
	assert.Equal(t, uint64(3), stats.BytesSent.Load())
	assert.Equal(t, 1, srv.Trapped())

	_, _, err = srv.Wakeup(t1.Add(opts.MessageDelay))
	require.NoError(t, err)
	assert.Equal(t, uint64(3+opts.BannerLineLength+1), stats.BytesSent.Load())
}

func TestCRLFTerminator(t *testing.T) {
	c := &fakeConn{fd: 10}
	ln := &fakeListener{fd: 5, pending: []Conn{c}}
	opts := defaultOptions()
	opts.Newline = CRLF
	srv, _, _ := newTestServer(t, opts, ln)

	t1 := base.Add(time.Second)
	_, err := srv.HandleEvent(Event{Token: 0}, t1)
	require.NoError(t, err)
	_, _, err = srv.Wakeup(t1)
	require.NoError(t, err)

	assertBannerLine(t, c.written.Bytes(), opts.BannerLineLength, CRLF)
}

func TestWakeupRejectsBackwardsTime(t *testing.T) {
	srv, _, _ := newTestServer(t, defaultOptions(), &fakeListener{})

	_, _, err := srv.Wakeup(base.Add(time.Second))
	require.NoError(t, err)
	_, _, err = srv.Wakeup(base)
	assert.ErrorIs(t, err, ErrTimeWentBackwards)
}

func TestParseNewline(t *testing.T) {
	n, err := ParseNewline("lf")
	require.NoError(t, err)
	assert.Equal(t, LF, n)

	n, err = ParseNewline("crlf")
	require.NoError(t, err)
	assert.Equal(t, CRLF, n)

	_, err = ParseNewline("cr")
	assert.Error(t, err)
}
