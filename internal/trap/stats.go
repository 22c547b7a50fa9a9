package trap

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// ErrTimeWentBackwards is returned when an observed time precedes an
// earlier observation. Every pending deadline would be wrong after that,
// so callers treat it as fatal.
var ErrTimeWentBackwards = errors.New("time went backwards")

// Stats holds the process-wide tarpit counters. The scheduler running on
// the event-loop goroutine is the only writer; the counters are atomic so
// the status reporter may read them from its own goroutine. The time
// fields never leave the event-loop goroutine.
type Stats struct {
	started   time.Time
	lastKnown time.Time

	ConnectionsOpened atomic.Uint64
	ConnectionsClosed atomic.Uint64
	BytesGenerated    atomic.Uint64
	BytesSent         atomic.Uint64

	trappedNanos atomic.Int64
}

func NewStats(now time.Time) *Stats {
	return &Stats{started: now, lastKnown: now}
}

// Observe records now as the latest time the event loop has seen and
// rejects any step backwards. Times from the live clock carry a monotonic
// reading, so a wall-clock adjustment never registers as a regression;
// only explicitly constructed times can trip the check.
func (s *Stats) Observe(now time.Time) error {
	if now.Before(s.lastKnown) {
		return fmt.Errorf("%w: %v is before %v", ErrTimeWentBackwards, now, s.lastKnown)
	}
	s.lastKnown = now
	return nil
}

func (s *Stats) AddTrapped(d time.Duration) {
	s.trappedNanos.Add(int64(d))
}

// Trapped is the cumulative time peers spent waiting between banner lines,
// summed across all connections.
func (s *Stats) Trapped() time.Duration {
	return time.Duration(s.trappedNanos.Load())
}

// Uptime spans process start to the last observed event time. The
// renderer never reads the wall clock itself; only the event loop does.
func (s *Stats) Uptime() time.Duration {
	return s.lastKnown.Sub(s.started)
}

// String renders the counters in the openmetrics-flavoured form served on
// the metrics endpoint, one "name: value" line per counter.
func (s *Stats) String() string {
	return fmt.Sprintf(
		"endlessh_ssh_uptime_seconds: %d\n"+
			"endlessh_ssh_connections_opened: %d\n"+
			"endlessh_ssh_connections_closed: %d\n"+
			"endlessh_ssh_bytes_generated: %d\n"+
			"endlessh_ssh_bytes_sent: %d\n"+
			"endlessh_ssh_trapped_time_seconds: %d\n",
		int64(s.Uptime().Seconds()),
		s.ConnectionsOpened.Load(),
		s.ConnectionsClosed.Load(),
		s.BytesGenerated.Load(),
		s.BytesSent.Load(),
		int64(s.Trapped().Seconds()),
	)
}
