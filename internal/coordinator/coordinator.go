// Package coordinator holds the stateful core of the tracker: it owns
// the in-memory roster, merges configuration with daily status, applies
// optimistic local mutations ahead of remote writes, and drives the
// polling loop with throttle-aware rescheduling.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/busdismissal/tracker/internal/models"
	"github.com/busdismissal/tracker/internal/policy"
	"github.com/busdismissal/tracker/internal/reqcache"
	"github.com/busdismissal/tracker/internal/store"
	"github.com/busdismissal/tracker/internal/timeutil"
)

// Snapshot is the read-only projection exposed to presentation layers.
type Snapshot struct {
	TrackerID   string                 `json:"tracker_id"`
	Date        string                 `json:"date"`
	Roster      []models.BusWithStatus `json:"roster"`
	Loading     bool                   `json:"loading"`
	LastError   string                 `json:"last_error,omitempty"`
	LastUpdated time.Time              `json:"last_updated"`
}

// Coordinator is the single writer of the roster and its derived
// fields. All exported methods are safe for concurrent use; remote
// calls are never made while holding the state lock.
type Coordinator struct {
	store store.RecordStore
	cache *reqcache.Controller

	mu          sync.Mutex
	trackerID   string
	date        string
	role        models.Role
	editorID    string
	config      []models.BusConfig
	roster      []models.BusWithStatus
	loading     bool
	lastError   string
	lastUpdated time.Time

	pollCancel context.CancelFunc

	subMu sync.Mutex
	subs  map[int]chan struct{}
	subID int
}

// New creates a coordinator bound to a record store and cache
// controller. editorID identifies the current user in modification
// stamps; role scopes the action sets on every roster entry.
func New(st store.RecordStore, cache *reqcache.Controller, role models.Role, editorID string) *Coordinator {
	return &Coordinator{
		store:    st,
		cache:    cache,
		role:     role,
		editorID: editorID,
		subs:     make(map[int]chan struct{}),
	}
}

// SetRole switches the active role and re-derives every roster entry's
// permitted actions.
func (c *Coordinator) SetRole(role models.Role) {
	c.mu.Lock()
	c.role = role
	for i := range c.roster {
		c.roster[i].Actions = policy.Actions(c.roster[i].Status, role)
	}
	c.mu.Unlock()
	c.notify()
}

// Subscribe registers a change listener. The returned channel receives
// a signal (coalesced, non-blocking) after every state change; the
// returned func unregisters it.
func (c *Coordinator) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	c.subMu.Lock()
	id := c.subID
	c.subID++
	c.subs[id] = ch
	c.subMu.Unlock()
	return ch, func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Coordinator) notify() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Snapshot returns a copy of the current state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	roster := make([]models.BusWithStatus, len(c.roster))
	copy(roster, c.roster)
	return Snapshot{
		TrackerID:   c.trackerID,
		Date:        c.date,
		Roster:      roster,
		Loading:     c.loading,
		LastError:   c.lastError,
		LastUpdated: c.lastUpdated,
	}
}

// GroupedRoster returns the roster split by display section, each group
// in display order.
func (c *Coordinator) GroupedRoster() map[models.Section][]models.BusWithStatus {
	snap := c.Snapshot()
	grouped := make(map[models.Section][]models.BusWithStatus)
	for _, b := range snap.Roster {
		grouped[b.Section] = append(grouped[b.Section], b)
	}
	return grouped
}

// observe feeds one remote call's outcome into the throttle.
func (c *Coordinator) observe(err error) {
	c.cache.RecordOutcome(store.Classify(err))
}

// Load fetches configuration and the day's status records, materializes
// the day's table if it does not exist yet, and merges the result into
// the roster. On failure the prior roster is left untouched and the
// error is carried in state; Load never panics through the boundary.
func (c *Coordinator) Load(ctx context.Context, trackerID, date string) error {
	c.mu.Lock()
	if c.trackerID != "" && c.trackerID != trackerID {
		// Switching trackers invalidates every cached fact.
		c.cache.Reset()
	}
	c.trackerID = trackerID
	c.date = date
	c.loading = true
	c.mu.Unlock()
	c.notify()

	config, status, err := c.fetchDay(ctx, trackerID, date)

	c.mu.Lock()
	c.loading = false
	if err != nil {
		c.lastError = err.Error()
		c.mu.Unlock()
		c.notify()
		return err
	}
	c.config = config
	c.roster = c.merge(config, status)
	c.lastError = ""
	c.lastUpdated = time.Now()
	c.mu.Unlock()
	c.notify()
	return nil
}

// Refresh re-fetches only the day's status (configuration is assumed
// stable within a session) without entering a loading state. Used by
// the polling loop. A failed refresh preserves the last-known-good
// roster and reports the error.
func (c *Coordinator) Refresh(ctx context.Context, trackerID, date string) error {
	c.mu.Lock()
	config := c.config
	c.mu.Unlock()

	if len(config) == 0 {
		return c.Load(ctx, trackerID, date)
	}

	key := "status|" + trackerID + "|" + date
	v, err := c.cache.Do(key, func() (interface{}, error) {
		rows, err := c.store.Status(ctx, trackerID, date)
		c.observe(err)
		return rows, err
	})
	if err != nil {
		c.mu.Lock()
		c.lastError = err.Error()
		c.mu.Unlock()
		c.notify()
		return err
	}
	status := v.([]models.BusStatus)

	c.mu.Lock()
	c.roster = c.merge(config, status)
	c.lastError = ""
	c.lastUpdated = time.Now()
	c.mu.Unlock()
	c.notify()
	return nil
}

// fetchDay reads config and status for one day, creating the day's
// table when missing. The existence check and creation are deduplicated
// so concurrent loads collapse into one remote call.
func (c *Coordinator) fetchDay(ctx context.Context, trackerID, date string) ([]models.BusConfig, []models.BusStatus, error) {
	key := "batched|" + trackerID + "|" + date
	v, err := c.cache.Do(key, func() (interface{}, error) {
		day, err := c.store.Batched(ctx, trackerID, date)
		c.observe(err)
		return day, err
	})
	if err != nil {
		return nil, nil, err
	}
	day := v.(store.BatchedDay)

	if day.TableExists {
		c.cache.MarkTableExists(trackerID, date)
		return day.Config, day.Status, nil
	}
	ensureKey := "ensure|" + trackerID + "|" + date
	_, err = c.cache.Do(ensureKey, func() (interface{}, error) {
		err := c.store.EnsureDay(ctx, trackerID, date, day.Config)
		c.observe(err)
		return nil, err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create day table: %w", err)
	}
	c.cache.MarkTableExists(trackerID, date)

	rows, err := c.store.Status(ctx, trackerID, date)
	c.observe(err)
	if err != nil {
		return nil, nil, err
	}
	return day.Config, rows, nil
}

// merge builds the roster from config and status rows. A configured bus
// absent from the day's rows gets an all-empty synthesized record; that
// is a normal condition, not an error. Caller holds the state lock.
func (c *Coordinator) merge(config []models.BusConfig, status []models.BusStatus) []models.BusWithStatus {
	byNumber := make(map[string]models.BusStatus, len(status))
	for _, s := range status {
		byNumber[s.BusNumber] = s
	}

	roster := make([]models.BusWithStatus, 0, len(config))
	for _, cfg := range config {
		rec, ok := byNumber[cfg.BusNumber]
		if !ok {
			rec = models.BusStatus{BusNumber: cfg.BusNumber}
		}
		derived := models.Derive(rec)
		roster = append(roster, models.BusWithStatus{
			BusConfig:     cfg,
			Status:        rec,
			DerivedStatus: derived,
			Section:       models.SectionFor(derived),
			Actions:       policy.Actions(rec, c.role),
		})
	}
	sortRoster(roster)
	return roster
}

// sortRoster orders the roster for display: uncovered buses first
// within the pending section so a monitor sees them immediately, then
// numeric-aware order by bus number.
func sortRoster(roster []models.BusWithStatus) {
	sort.SliceStable(roster, func(i, j int) bool {
		a, b := roster[i], roster[j]
		if a.Section == models.SectionPending && b.Section == models.SectionPending {
			au := a.DerivedStatus == models.StatusUncovered
			bu := b.DerivedStatus == models.StatusUncovered
			if au != bu {
				return au
			}
		}
		return timeutil.CompareBusNumbers(a.BusNumber, b.BusNumber) < 0
	})
}

// UpdateLocally applies an optimistic, synchronous, local-only merge of
// the given fields into the named bus's record and re-derives its
// status, section and actions. Always called before the corresponding
// remote write so the UI reflects intent immediately. An empty editor
// falls back to the coordinator's own identity.
func (c *Coordinator) UpdateLocally(busNumber string, fields store.StatusUpdate, editor string) {
	c.mu.Lock()
	if editor == "" {
		editor = c.editorID
	}
	for i := range c.roster {
		if c.roster[i].BusNumber != busNumber {
			continue
		}
		rec := &c.roster[i].Status
		if fields.CoveredBy != nil {
			rec.CoveredBy = *fields.CoveredBy
		}
		if fields.IsUncovered != nil {
			rec.IsUncovered = *fields.IsUncovered
		}
		if fields.ArrivalTime != nil {
			rec.ArrivalTime = *fields.ArrivalTime
		}
		if fields.DepartureTime != nil {
			rec.DepartureTime = *fields.DepartureTime
		}
		rec.LastModifiedBy = editor
		rec.LastModifiedAt = time.Now().UTC().Format(time.RFC3339)

		derived := models.Derive(*rec)
		c.roster[i].DerivedStatus = derived
		c.roster[i].Section = models.SectionFor(derived)
		c.roster[i].Actions = policy.Actions(*rec, c.role)
		break
	}
	sortRoster(c.roster)
	c.mu.Unlock()
	c.notify()
}

// mutate is the shared path for all mutating actions: optimistic local
// update, remote write, and on write failure a corrective reload that
// discards the optimistic assumption and resynchronizes from source.
func (c *Coordinator) mutate(ctx context.Context, busNumber string, fields store.StatusUpdate, editor string) error {
	c.mu.Lock()
	trackerID, date := c.trackerID, c.date
	if editor == "" {
		editor = c.editorID
	}
	c.mu.Unlock()

	c.UpdateLocally(busNumber, fields, editor)

	err := c.store.UpdateStatus(ctx, trackerID, busNumber, fields, editor, date)
	c.observe(err)
	if err != nil {
		log.Printf("Write failed for bus %s, reloading from source: %v", busNumber, err)
		if reloadErr := c.Load(ctx, trackerID, date); reloadErr != nil {
			log.Printf("Corrective reload failed: %v", reloadErr)
		}
		msg := fmt.Errorf("failed to update bus %s: %w", busNumber, err)
		c.mu.Lock()
		c.lastError = msg.Error()
		c.mu.Unlock()
		c.notify()
		return msg
	}

	c.mu.Lock()
	c.lastError = ""
	c.lastUpdated = time.Now()
	c.mu.Unlock()
	c.notify()
	return nil
}

// MarkArrived stamps the bus's arrival with the current regional clock
// time, attributed to editor.
func (c *Coordinator) MarkArrived(ctx context.Context, busNumber, editor string) error {
	now := timeutil.NowClock()
	return c.mutate(ctx, busNumber, store.StatusUpdate{ArrivalTime: &now}, editor)
}

// MarkDeparted stamps the bus's departure with the current regional
// clock time, attributed to editor.
func (c *Coordinator) MarkDeparted(ctx context.Context, busNumber, editor string) error {
	now := timeutil.NowClock()
	return c.mutate(ctx, busNumber, store.StatusUpdate{DepartureTime: &now}, editor)
}

// MarkCovered records coveringBus as serving the route. Being covered
// implies the route was fulfilled, so an arrival time is stamped as
// well. The covering bus number is recorded as typed; substitutes may
// be ad hoc buses that appear in no configuration.
func (c *Coordinator) MarkCovered(ctx context.Context, busNumber, coveringBus, editor string) error {
	now := timeutil.NowClock()
	return c.mutate(ctx, busNumber, store.StatusUpdate{
		CoveredBy:   &coveringBus,
		ArrivalTime: &now,
	}, editor)
}

// MarkUncovered flags the bus as a no-show with no substitute.
func (c *Coordinator) MarkUncovered(ctx context.Context, busNumber, editor string) error {
	uncovered := true
	return c.mutate(ctx, busNumber, store.StatusUpdate{IsUncovered: &uncovered}, editor)
}

// EditFields applies an arbitrary partial edit to the bus's record.
func (c *Coordinator) EditFields(ctx context.Context, busNumber string, fields store.StatusUpdate, editor string) error {
	return c.mutate(ctx, busNumber, fields, editor)
}
