package trap

import "time"

// client is one trapped connection. lastSend stays zero until the first
// banner line goes out, which marks a fresh client as immediately due.
type client struct {
	conn        Conn
	connectedAt time.Time
	lastSend    time.Time
}

// clientQueue is a fixed-capacity FIFO ring. The scheduler leans on strict
// arrival order: each served client moves to the back, so the queue stays
// sorted by next deadline and a scan can stop at the first client that is
// not yet due.
type clientQueue struct {
	items []client
	head  int
	count int
}

func newClientQueue(capacity int) *clientQueue {
	return &clientQueue{items: make([]client, capacity)}
}

func (q *clientQueue) len() int {
	return q.count
}

func (q *clientQueue) push(c client) bool {
	if q.count == len(q.items) {
		return false
	}
	q.items[(q.head+q.count)%len(q.items)] = c
	q.count++
	return true
}

func (q *clientQueue) pop() (client, bool) {
	if q.count == 0 {
		return client{}, false
	}
	c := q.items[q.head]
	q.items[q.head] = client{}
	q.head = (q.head + 1) % len(q.items)
	q.count--
	return c, true
}

// peek returns the front client without dequeuing it.
func (q *clientQueue) peek() (client, bool) {
	if q.count == 0 {
		return client{}, false
	}
	return q.items[q.head], true
}
