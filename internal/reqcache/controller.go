// Package reqcache reduces redundant remote calls and adapts polling
// speed to observed rate limiting. It owns only ephemeral acceleration
// state: a cache miss is never an error, it just falls back to the
// record store.
package reqcache

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/busdismissal/tracker/internal/store"
)

const (
	// rejectionCooldown is how long after the last rate-limit rejection
	// successful calls start paying the counter back down.
	rejectionCooldown = 60 * time.Second

	// maxBackoffShift caps the exponent of the backoff multiplier.
	maxBackoffShift = 4

	// maxIntervalFactor clamps the recommended interval relative to base.
	maxIntervalFactor = 6
)

// Controller is the in-memory request cache, deduplicator and adaptive
// throttle. One instance lives for the process; Reset is called when
// the active tracker changes.
type Controller struct {
	mu          sync.Mutex
	tableExists map[string]bool
	rowHints    map[string]map[string]int

	flight singleflight.Group

	baseInterval  time.Duration
	rejectionHits int
	lastRejection time.Time

	now func() time.Time
}

// NewController creates a controller with the given base polling
// interval.
func NewController(baseInterval time.Duration) *Controller {
	return &Controller{
		tableExists:  make(map[string]bool),
		rowHints:     make(map[string]map[string]int),
		baseInterval: baseInterval,
		now:          time.Now,
	}
}

func dayKey(trackerID, date string) string {
	return trackerID + "|" + date
}

// TableExists reports whether the day's table is already known to exist.
// Once confirmed, the fact is kept for the session.
func (c *Controller) TableExists(trackerID, date string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tableExists[dayKey(trackerID, date)]
}

// MarkTableExists records that the day's table exists and is populated.
func (c *Controller) MarkTableExists(trackerID, date string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tableExists[dayKey(trackerID, date)] = true
}

// RowHint returns the cached row position of a bus in the day's table.
// A miss just means the caller does a full lookup.
func (c *Controller) RowHint(trackerID, date, busNumber string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hints, ok := c.rowHints[dayKey(trackerID, date)]
	if !ok {
		return 0, false
	}
	row, ok := hints[busNumber]
	return row, ok
}

// SetRowHints replaces the day's row-position hints. Called after every
// full read so single-row writes can skip a re-read.
func (c *Controller) SetRowHints(trackerID, date string, hints map[string]int) {
	copied := make(map[string]int, len(hints))
	for k, v := range hints {
		copied[k] = v
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rowHints[dayKey(trackerID, date)] = copied
}

// Do deduplicates concurrent operations by key: a second caller with the
// same key while the first is in flight receives the first call's
// result instead of triggering a duplicate. The key is released on
// completion, success or failure, so a later call starts fresh.
func (c *Controller) Do(key string, fn func() (interface{}, error)) (interface{}, error) {
	v, err, _ := c.flight.Do(key, fn)
	return v, err
}

// RecordOutcome feeds one remote call's result into the throttle. Each
// rate-limit rejection raises the backoff counter; each success after
// the cooldown window pays it back down.
func (c *Controller) RecordOutcome(outcome store.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch outcome {
	case store.OutcomeRateLimited:
		c.rejectionHits++
		c.lastRejection = c.now()
	case store.OutcomeSuccess:
		if c.rejectionHits > 0 && c.now().Sub(c.lastRejection) >= rejectionCooldown {
			c.rejectionHits--
		}
	}
}

// RecommendedInterval returns the polling interval the throttle
// currently recommends: base * 2^min(hits, 4), clamped to 6x base. It
// converges back to base after sustained success and never exceeds the
// clamp under sustained failure.
func (c *Controller) RecommendedInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	shift := c.rejectionHits
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	interval := c.baseInterval * (1 << uint(shift))
	if max := c.baseInterval * maxIntervalFactor; interval > max {
		interval = max
	}
	return interval
}

// Reset clears all cached facts and throttle counters. Invoked
// whenever the active tracker changes. The dedup group is left alone:
// its keys are tracker-scoped and self-release on completion, and
// swapping it out from under an in-flight Do is not safe.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tableExists = make(map[string]bool)
	c.rowHints = make(map[string]map[string]int)
	c.rejectionHits = 0
	c.lastRejection = time.Time{}
}
