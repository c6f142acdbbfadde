package pending

import (
	"context"
	"time"
)

const (
	DefaultSweepInterval = 30 * time.Second
	DefaultSweepGrace    = 5 * time.Second
)

// Sweeper periodically evicts expired calls from a Table. It bounds how long an abandoned
// call (crashed caller, silently dead connection) can hold table memory to
// timeout + Interval + Grace. Interval should be shorter than the smallest call timeout
// that matters to the application.
type Sweeper struct {
	table    *Table
	interval time.Duration
	grace    time.Duration
}

// NewSweeper returns a sweeper for table. A non-positive interval or a negative grace selects
// the default.
func NewSweeper(table *Table, interval, grace time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if grace < 0 {
		grace = DefaultSweepGrace
	}
	return &Sweeper{table: table, interval: interval, grace: grace}
}

func (s *Sweeper) Interval() time.Duration { return s.interval }
func (s *Sweeper) Grace() time.Duration    { return s.grace }

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.table.Sweep(now, s.grace); n > 0 {
				log.Infof("sweep evicted %d expired calls, %d still pending", n, s.table.Len())
			}
		}
	}
}
