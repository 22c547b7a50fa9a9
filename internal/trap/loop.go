package trap

import (
	"context"
	"fmt"
	"math"
	"time"
)

// wakerToken is reserved for the loop's own shutdown wakeup; component
// tokens must stay below it.
const wakerToken Token = math.MaxInt32

// eventBatch bounds how many readiness events one Wait can deliver.
const eventBatch = 128

// Loop drives the poller, the tarpit scheduler and the optional metrics
// responder from a single goroutine. Everything the components do happens
// on the goroutine that calls Run.
type Loop struct {
	poller  *Poller
	tarpit  *Server
	metrics *MetricServer // nil when the metrics endpoint is disabled
	waker   *Waker
}

func NewLoop(p *Poller, tarpit *Server, metrics *MetricServer) (*Loop, error) {
	w, err := NewWaker(p, wakerToken)
	if err != nil {
		return nil, err
	}
	return &Loop{poller: p, tarpit: tarpit, metrics: metrics, waker: w}, nil
}

// Run blocks until ctx is done or a fatal error occurs. The poll timeout
// is whatever the scheduler reported as its earliest pending deadline;
// with no trapped client waiting, the loop sleeps until the next readiness
// event. Each pass handles the whole event batch first, then lets the
// scheduler serve everything that came due.
func (l *Loop) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		l.waker.Wake()
	})
	defer stop()
	defer func() {
		l.poller.Remove(l.waker.fd)
		l.waker.Close()
	}()

	events := make([]Event, eventBatch)
	timeout := time.Duration(-1)
	for {
		n, err := l.poller.Wait(events, timeout)
		if err != nil {
			return err
		}
		now := time.Now()
		for _, ev := range events[:n] {
			if ev.Token == wakerToken {
				l.waker.Drain()
				return ctx.Err()
			}
			if err := l.dispatch(ev, now); err != nil {
				return err
			}
		}
		wait, pending, err := l.tarpit.Wakeup(now)
		if err != nil {
			return err
		}
		if pending {
			timeout = wait
		} else {
			timeout = -1
		}
	}
}

func (l *Loop) dispatch(ev Event, now time.Time) error {
	handled, err := l.tarpit.HandleEvent(ev, now)
	if err != nil {
		return err
	}
	if handled {
		return nil
	}
	if l.metrics != nil {
		handled, err = l.metrics.HandleEvent(ev)
		if err != nil {
			return err
		}
		if handled {
			return nil
		}
	}
	return fmt.Errorf("readiness event for unknown token %d", ev.Token)
}
