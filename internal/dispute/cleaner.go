package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Cleaner periodically clears sensitive fields of closed disputes older than
// the retention cutoff. The pass is idempotent; every touched ticket
// triggers a persistence request.
type Cleaner struct {
	list     *DisputeList
	cutoff   time.Duration
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewCleaner creates a retention cleaner. cutoff is how long closed disputes
// keep their sensitive data.
func NewCleaner(list *DisputeList, cutoff time.Duration, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		list:     list,
		cutoff:   cutoff,
		interval: time.Hour,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the cleaner loop is actively running.
func (c *Cleaner) Running() bool {
	return c.running.Load()
}

// Start begins the retention loop. Call in a goroutine.
func (c *Cleaner) Start(ctx context.Context) {
	c.running.Store(true)
	defer c.running.Store(false)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.safeSweep()
		}
	}
}

// Stop signals the cleaner to stop.
func (c *Cleaner) Stop() {
	select {
	case c.stop <- struct{}{}:
	default:
	}
}

func (c *Cleaner) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic in dispute retention cleaner", "panic", fmt.Sprint(r))
		}
	}()
	c.Sweep()
}

// Sweep runs one retention pass.
func (c *Cleaner) Sweep() {
	cleared := c.list.ClearSensitiveDataBefore(time.Now().Add(-c.cutoff))
	if len(cleared) > 0 {
		c.logger.Info("cleared sensitive data of closed disputes",
			"count", len(cleared), "disputeIds", cleared)
	}
}
