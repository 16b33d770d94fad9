package coordinator

import (
	"context"
	"log"
	"time"
)

// StartPolling begins a recurring Refresh. The effective interval is
// max(requested, throttle-recommended) and is re-evaluated after every
// tick, so polling slows under rate-limit pressure and breathes back to
// the requested interval once the remote recovers. Calling StartPolling
// while a loop is running replaces it.
func (c *Coordinator) StartPolling(trackerID, date string, requested time.Duration) {
	c.StopPolling()

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.pollCancel = cancel
	c.mu.Unlock()

	go c.pollLoop(ctx, trackerID, date, requested)
}

// StopPolling ends the polling loop. Idempotent: safe to call when no
// loop is running. A refresh already dispatched when polling stops is
// allowed to complete and apply its result.
func (c *Coordinator) StopPolling() {
	c.mu.Lock()
	cancel := c.pollCancel
	c.pollCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Coordinator) pollLoop(ctx context.Context, trackerID, date string, requested time.Duration) {
	interval := c.effectiveInterval(requested)
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			if err := c.Refresh(ctx, trackerID, date); err != nil {
				log.Printf("Poll refresh error: %v", err)
			}
			next := c.effectiveInterval(requested)
			if next != interval {
				log.Printf("Polling interval adjusted: %v -> %v", interval, next)
				interval = next
			}
			timer.Reset(interval)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) effectiveInterval(requested time.Duration) time.Duration {
	if recommended := c.cache.RecommendedInterval(); recommended > requested {
		return recommended
	}
	return requested
}
