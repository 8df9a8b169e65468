package coordinator

import (
	"context"
	"math/rand"
	"time"
)

// Run syncs every table on a jittered interval until ctx ends. Trigger
// wakes it early. While the connectivity signal reports offline no cycle
// starts; the loop resumes as soon as the signal flips back.
func (c *Coordinator) Run(ctx context.Context) error {
	online := make(chan struct{}, 1)
	cancel := c.signal.OnChange(func(isOnline bool) {
		c.metrics.SetOnline(isOnline)
		if !isOnline {
			return
		}
		select {
		case online <- struct{}{}:
		default:
		}
	})
	defer cancel()
	c.metrics.SetOnline(c.signal.IsOnline())

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	c.cycle(ctx, nil)
	timer := time.NewTimer(jitteredIntervalWithSample(c.interval, c.jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("sync loop stopping", "reason", ctx.Err())
			return ctx.Err()
		case <-timer.C:
			c.cycle(ctx, nil)
			timer.Reset(jitteredIntervalWithSample(c.interval, c.jitter, rng.Float64()))
		case <-online:
			c.logger.Info("connectivity restored, syncing")
			c.cycle(ctx, nil)
		case <-c.wake:
			c.cycle(ctx, c.takePending())
		}
	}
}

// cycle syncs the named tables, or all of them when tables is nil.
func (c *Coordinator) cycle(ctx context.Context, tables []string) {
	if !c.signal.IsOnline() {
		c.logger.Debug("offline, skipping sync cycle")
		return
	}
	if tables == nil {
		if err := c.SyncOnce(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("sync cycle failed", "error", err)
		}
		return
	}
	for _, table := range tables {
		if ctx.Err() != nil {
			return
		}
		if _, err := c.Push(ctx, table); err != nil {
			c.logger.Warn("triggered push failed", "table", table, "error", err)
		}
		if _, err := c.Pull(ctx, table); err != nil {
			c.logger.Warn("triggered pull failed", "table", table, "error", err)
		}
	}
}

// takePending drains Trigger requests. It returns nil when an empty table
// name asked for a full sync.
func (c *Coordinator) takePending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.pending))
	full := false
	for name := range c.pending {
		if name == "" {
			full = true
			continue
		}
		if _, ok := c.tables[name]; ok {
			names = append(names, name)
		}
	}
	c.pending = map[string]bool{}
	if full {
		return nil
	}
	return names
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
