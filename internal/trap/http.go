package trap

import (
	"bytes"
	"fmt"

	"github.com/valyala/bytebufferpool"
)

// maxRequestBytes bounds one request head, request line and headers
// included. A head that exceeds it gets the connection dropped.
const maxRequestBytes = 8192

const (
	responseNotFound   = "HTTP/1.1 404 Not Found\r\n\r\n"
	responseNotAllowed = "HTTP/1.1 405 Method Not Allowed\r\n\r\n"
	metricsContentType = "application/openmetrics-text; version=1.0.0; charset=utf-8"
)

type connPhase uint8

const (
	phaseReadRequest connPhase = iota
	phaseWriteResponse
)

// httpConn tracks one metrics connection across wakeups: the request head
// accumulates in req until its terminating blank line, then resp drains.
type httpConn struct {
	conn  Conn
	phase connPhase

	req    []byte // slot-owned, len == maxRequestBytes
	reqLen int

	resp   []byte
	sent   int
	pooled *bytebufferpool.ByteBuffer // non-nil while resp borrows from the pool
}

// MetricServer answers metric scrapes without ever blocking the event
// loop. Connections live in a fixed arena of slots addressed by token
// offset; a FIFO of free tokens enforces the concurrent-client ceiling the
// same way the tarpit defers accepts at capacity.
type MetricServer struct {
	ln    Listener
	token Token
	reg   Registry
	stats *Stats

	base            Token
	slots           []httpConn
	free            []Token
	acceptAvailable bool
}

// NewMetricServer registers ln for read readiness under token and carves
// out maxClients request buffers, one per client token starting at base.
func NewMetricServer(ln Listener, token, base Token, maxClients int, reg Registry, stats *Stats) (*MetricServer, error) {
	if maxClients < 1 {
		return nil, fmt.Errorf("metrics max clients must be positive, got %d", maxClients)
	}
	m := &MetricServer{
		ln:    ln,
		token: token,
		reg:   reg,
		stats: stats,
		base:  base,
		slots: make([]httpConn, maxClients),
		free:  make([]Token, 0, maxClients),
	}
	arena := make([]byte, maxClients*maxRequestBytes)
	for i := range m.slots {
		m.slots[i].req = arena[i*maxRequestBytes : (i+1)*maxRequestBytes]
		m.free = append(m.free, base+Token(i))
	}
	if err := reg.Add(ln.Fd(), token, Readable); err != nil {
		return nil, fmt.Errorf("register metrics listener: %w", err)
	}
	return m, nil
}

// HandleEvent consumes events for the metrics listener or one of its
// client tokens; foreign tokens return false. A client that finishes here
// frees its slot, so a deferred accept is retried before returning.
func (m *MetricServer) HandleEvent(ev Event) (bool, error) {
	if ev.Token == m.token {
		m.acceptAvailable = true
		return true, m.acceptPending()
	}
	idx := int(ev.Token - m.base)
	if idx < 0 || idx >= len(m.slots) || m.slots[idx].conn == nil {
		return false, nil
	}
	var err error
	switch m.slots[idx].phase {
	case phaseReadRequest:
		err = m.readStep(ev.Token)
	case phaseWriteResponse:
		err = m.writeStep(ev.Token)
	}
	if err != nil {
		return true, err
	}
	return true, m.acceptPending()
}

func (m *MetricServer) acceptPending() error {
	for m.acceptAvailable && len(m.free) > 0 {
		c, err := m.ln.Accept()
		if err != nil {
			if IsWouldBlock(err) {
				m.acceptAvailable = false
				return nil
			}
			return fmt.Errorf("accept metrics connection: %w", err)
		}
		tok := m.free[0]
		m.free = m.free[1:]
		if err := m.reg.Add(c.Fd(), tok, Readable); err != nil {
			c.Close()
			m.free = append(m.free, tok)
			return fmt.Errorf("register metrics client: %w", err)
		}
		slot := &m.slots[int(tok-m.base)]
		slot.conn = c
		slot.phase = phaseReadRequest
		slot.reqLen = 0
	}
	return nil
}

// readStep drains the socket into the slot buffer, then looks for a
// complete head. Edge-triggered readiness requires reading until
// would-block before waiting again. A peer may half-close once its
// request is out, so end of input drops the connection only while the
// head is still incomplete.
func (m *MetricServer) readStep(tok Token) error {
	slot := &m.slots[int(tok-m.base)]
	eof := false
	for slot.reqLen < maxRequestBytes {
		n, err := slot.conn.Read(slot.req[slot.reqLen:])
		if err != nil {
			if IsWouldBlock(err) {
				break
			}
			return m.finish(tok)
		}
		if n == 0 {
			eof = true
			break
		}
		slot.reqLen += n
	}
	head := slot.req[:slot.reqLen]
	if !bytes.Contains(head, []byte("\r\n\r\n")) {
		if eof || slot.reqLen == maxRequestBytes {
			// peer closed or overflowed before sending a full request
			return m.finish(tok)
		}
		return nil
	}
	method, path, ok := parseRequestLine(head)
	if !ok {
		return m.finish(tok)
	}
	switch {
	case path == "/metrics" && method == "GET":
		buf := bytebufferpool.Get()
		body := m.stats.String()
		fmt.Fprintf(buf, "HTTP/1.1 200 OK\r\nContent-Type: %s\r\nContent-Length: %d\r\n\r\n%s",
			metricsContentType, len(body), body)
		slot.pooled = buf
		slot.resp = buf.B
	case path == "/metrics":
		slot.resp = []byte(responseNotAllowed)
	default:
		slot.resp = []byte(responseNotFound)
	}
	slot.sent = 0
	slot.phase = phaseWriteResponse
	if err := m.reg.Modify(slot.conn.Fd(), tok, Writable); err != nil {
		return fmt.Errorf("switch metrics client to write: %w", err)
	}
	// start draining right away; a writable event resumes it if the
	// socket buffer fills first
	return m.writeStep(tok)
}

// parseRequestLine splits "METHOD SP PATH SP VERSION" off the head.
// Header fields never influence routing, so they are skipped, not parsed.
func parseRequestLine(head []byte) (method, path string, ok bool) {
	end := bytes.Index(head, []byte("\r\n"))
	if end < 0 {
		return "", "", false
	}
	fields := bytes.Split(head[:end], []byte(" "))
	if len(fields) != 3 || len(fields[0]) == 0 || len(fields[1]) == 0 {
		return "", "", false
	}
	if !bytes.HasPrefix(fields[2], []byte("HTTP/")) {
		return "", "", false
	}
	return string(fields[0]), string(fields[1]), true
}

func (m *MetricServer) writeStep(tok Token) error {
	slot := &m.slots[int(tok-m.base)]
	for slot.sent < len(slot.resp) {
		n, err := slot.conn.Write(slot.resp[slot.sent:])
		if err != nil {
			if IsWouldBlock(err) {
				return nil
			}
			return m.finish(tok)
		}
		if n == 0 {
			return m.finish(tok)
		}
		slot.sent += n
	}
	// one response per connection, no keep-alive
	return m.finish(tok)
}

// finish deregisters and closes a client and recycles its token.
// Deregistration precedes the close so the multiplexer never reports a
// token whose slot is already free.
func (m *MetricServer) finish(tok Token) error {
	slot := &m.slots[int(tok-m.base)]
	err := m.reg.Remove(slot.conn.Fd())
	slot.conn.Close()
	slot.conn = nil
	if slot.pooled != nil {
		bytebufferpool.Put(slot.pooled)
		slot.pooled = nil
	}
	slot.resp = nil
	m.free = append(m.free, tok)
	if err != nil {
		return fmt.Errorf("deregister metrics client: %w", err)
	}
	return nil
}
