package trap

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shirou/gopsutil/process"
)

// Reporter periodically logs the aggregate counters next to the process's
// own CPU and memory usage sampled via gopsutil. It runs on its own
// goroutine and only ever reads the atomic side of Stats.
type Reporter struct {
	stats *Stats
	every time.Duration
	proc  *process.Process
}

func NewReporter(stats *Stats, every time.Duration) (*Reporter, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("open own process: %w", err)
	}
	return &Reporter{stats: stats, every: every, proc: proc}, nil
}

// Run emits one status line per interval until ctx is done.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			log.Print(r.statusLine())
		}
	}
}

func (r *Reporter) statusLine() string {
	opened := r.stats.ConnectionsOpened.Load()
	closed := r.stats.ConnectionsClosed.Load()
	line := fmt.Sprintf("status: active=%d opened=%d closed=%d bytes_sent=%d bytes_generated=%d trapped=%s",
		opened-closed,
		opened,
		closed,
		r.stats.BytesSent.Load(),
		r.stats.BytesGenerated.Load(),
		r.stats.Trapped().Round(time.Second),
	)
	if cpu, err := r.proc.Percent(0); err == nil {
		line += fmt.Sprintf(" cpu=%.1f%%", cpu)
	}
	if mem, err := r.proc.MemoryInfo(); err == nil {
		line += fmt.Sprintf(" rss_kb=%d", mem.RSS/1024)
	}
	return line
}
