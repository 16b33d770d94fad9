package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/busdismissal/tracker/internal/models"
	"github.com/busdismissal/tracker/internal/reqcache"
	"github.com/busdismissal/tracker/internal/store"
)

// fakeStore is an in-memory record store with failure injection.
type fakeStore struct {
	mu     sync.Mutex
	config []models.BusConfig
	// days maps date -> bus number -> status row
	days map[string]map[string]models.BusStatus

	failUpdate  error
	failStatus  error
	updateCalls int
	statusCalls int
}

func newFakeStore(config []models.BusConfig) *fakeStore {
	return &fakeStore{
		config: config,
		days:   make(map[string]map[string]models.BusStatus),
	}
}

func (f *fakeStore) seedDay(date string) {
	rows := make(map[string]models.BusStatus)
	for _, cfg := range f.config {
		rows[cfg.BusNumber] = models.BusStatus{BusNumber: cfg.BusNumber}
	}
	f.days[date] = rows
}

func (f *fakeStore) Config(ctx context.Context, trackerID string) ([]models.BusConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.BusConfig(nil), f.config...), nil
}

func (f *fakeStore) Status(ctx context.Context, trackerID, date string) ([]models.BusStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.failStatus != nil {
		return nil, f.failStatus
	}
	if _, ok := f.days[date]; !ok {
		f.seedDay(date)
	}
	var out []models.BusStatus
	for _, rec := range f.days[date] {
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeStore) Batched(ctx context.Context, trackerID, date string) (store.BatchedDay, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	day := store.BatchedDay{Config: append([]models.BusConfig(nil), f.config...)}
	rows, ok := f.days[date]
	if !ok {
		return day, nil
	}
	day.TableExists = true
	for _, rec := range rows {
		day.Status = append(day.Status, rec)
	}
	return day, nil
}

func (f *fakeStore) EnsureDay(ctx context.Context, trackerID, date string, config []models.BusConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.days[date]; !ok {
		f.seedDay(date)
	}
	return nil
}

func (f *fakeStore) UpdateStatus(ctx context.Context, trackerID, busNumber string, fields store.StatusUpdate, editorID, date string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if f.failUpdate != nil {
		return f.failUpdate
	}
	rows, ok := f.days[date]
	if !ok {
		return store.ErrNotFound
	}
	rec, ok := rows[busNumber]
	if !ok {
		return store.ErrNotFound
	}
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
	rec.LastModifiedBy = editorID
	rec.LastModifiedAt = time.Now().UTC().Format(time.RFC3339)
	rows[busNumber] = rec
	return nil
}

func (f *fakeStore) CreateTracker(ctx context.Context, title, ownerEmail string) (string, error) {
	return "fake-tracker", nil
}

func (f *fakeStore) SaveConfig(ctx context.Context, trackerID string, config []models.BusConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.config = append([]models.BusConfig(nil), config...)
	return nil
}

const testDate = "2026-03-09"

func testConfig() []models.BusConfig {
	return []models.BusConfig{
		{BusNumber: "3", ExpectedArrivalTime: "14:50"},
		{BusNumber: "17", ExpectedArrivalTime: "14:55"},
		{BusNumber: "10", ExpectedArrivalTime: "15:00"},
	}
}

func newTestCoordinator(t *testing.T, fs *fakeStore) *Coordinator {
	t.Helper()
	cache := reqcache.NewController(30 * time.Second)
	return New(fs, cache, models.RoleMonitor, "monitor@school")
}

func findBus(t *testing.T, snap Snapshot, busNumber string) models.BusWithStatus {
	t.Helper()
	for _, b := range snap.Roster {
		if b.BusNumber == busNumber {
			return b
		}
	}
	t.Fatalf("bus %s not in roster", busNumber)
	return models.BusWithStatus{}
}

func TestLoad_CreatesMissingDayAndMerges(t *testing.T) {
	fs := newFakeStore(testConfig())
	c := newTestCoordinator(t, fs)

	if err := c.Load(context.Background(), "t1", testDate); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	snap := c.Snapshot()
	if len(snap.Roster) != 3 {
		t.Fatalf("roster has %d buses, want 3", len(snap.Roster))
	}
	for _, b := range snap.Roster {
		if b.DerivedStatus != models.StatusPending {
			t.Errorf("bus %s derived %q, want pending", b.BusNumber, b.DerivedStatus)
		}
	}
	if snap.LastUpdated.IsZero() {
		t.Error("LastUpdated not set after successful load")
	}
	if snap.LastError != "" {
		t.Errorf("unexpected error state: %q", snap.LastError)
	}
}

func TestLoad_MissingStatusRowSynthesizesEmpty(t *testing.T) {
	fs := newFakeStore(testConfig())
	fs.seedDay(testDate)
	// A bus added to config after the day was materialized has no row.
	fs.config = append(fs.config, models.BusConfig{BusNumber: "21", ExpectedArrivalTime: "15:05"})

	c := newTestCoordinator(t, fs)
	if err := c.Load(context.Background(), "t1", testDate); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	b := findBus(t, c.Snapshot(), "21")
	if b.DerivedStatus != models.StatusPending {
		t.Errorf("synthesized bus derived %q, want pending", b.DerivedStatus)
	}
	if b.Status.ArrivalTime != "" || b.Status.CoveredBy != "" || b.Status.IsUncovered {
		t.Errorf("synthesized record not empty: %+v", b.Status)
	}
}

func TestMarkArrived(t *testing.T) {
	fs := newFakeStore(testConfig())
	c := newTestCoordinator(t, fs)
	if err := c.Load(context.Background(), "t1", testDate); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if err := c.MarkArrived(context.Background(), "3", "pgarcia"); err != nil {
		t.Fatalf("MarkArrived failed: %v", err)
	}

	b := findBus(t, c.Snapshot(), "3")
	if b.DerivedStatus != models.StatusArrived {
		t.Errorf("derived = %q, want arrived", b.DerivedStatus)
	}
	if b.Section != models.SectionArrived {
		t.Errorf("section = %q, want arrived", b.Section)
	}
	if b.Status.ArrivalTime == "" {
		t.Error("arrival time not stamped")
	}
	if b.Status.LastModifiedBy != "pgarcia" {
		t.Errorf("last_modified_by = %q, want pgarcia", b.Status.LastModifiedBy)
	}
}

func TestMutationEditor_StampedThroughStore(t *testing.T) {
	fs := newFakeStore(testConfig())
	c := newTestCoordinator(t, fs)
	if err := c.Load(context.Background(), "t1", testDate); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if err := c.MarkArrived(context.Background(), "3", "pgarcia"); err != nil {
		t.Fatalf("MarkArrived failed: %v", err)
	}
	fs.mu.Lock()
	stored := fs.days[testDate]["3"]
	fs.mu.Unlock()
	if stored.LastModifiedBy != "pgarcia" {
		t.Errorf("store stamped %q, want pgarcia", stored.LastModifiedBy)
	}

	// An empty editor falls back to the coordinator's own identity.
	if err := c.MarkDeparted(context.Background(), "3", ""); err != nil {
		t.Fatalf("MarkDeparted failed: %v", err)
	}
	fs.mu.Lock()
	stored = fs.days[testDate]["3"]
	fs.mu.Unlock()
	if stored.LastModifiedBy != "monitor@school" {
		t.Errorf("store stamped %q, want monitor@school", stored.LastModifiedBy)
	}
}

func TestMarkCovered_StampsArrival(t *testing.T) {
	fs := newFakeStore(testConfig())
	c := newTestCoordinator(t, fs)
	if err := c.Load(context.Background(), "t1", testDate); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if err := c.MarkCovered(context.Background(), "17", "B42", "pgarcia"); err != nil {
		t.Fatalf("MarkCovered failed: %v", err)
	}

	b := findBus(t, c.Snapshot(), "17")
	if b.Status.CoveredBy != "B42" {
		t.Errorf("covered_by = %q, want B42", b.Status.CoveredBy)
	}
	if b.Status.ArrivalTime == "" {
		t.Error("covering implies fulfillment; arrival time should be stamped")
	}
	if b.DerivedStatus != models.StatusArrived {
		t.Errorf("derived = %q, want arrived", b.DerivedStatus)
	}
}

func TestMarkUncovered_DominatesAndStaysPending(t *testing.T) {
	fs := newFakeStore(testConfig())
	fs.seedDay(testDate)
	rows := fs.days[testDate]
	rec := rows["3"]
	rec.DepartureTime = "15:10"
	rows["3"] = rec

	c := newTestCoordinator(t, fs)
	if err := c.Load(context.Background(), "t1", testDate); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if err := c.MarkUncovered(context.Background(), "3", "admin@school"); err != nil {
		t.Fatalf("MarkUncovered failed: %v", err)
	}

	b := findBus(t, c.Snapshot(), "3")
	if b.DerivedStatus != models.StatusUncovered {
		t.Errorf("derived = %q, want uncovered (uncovered dominates departure)", b.DerivedStatus)
	}
	if b.Section != models.SectionPending {
		t.Errorf("section = %q, want pending (uncovered stays actionable)", b.Section)
	}
}

func TestMutationFailure_ReloadsFromSource(t *testing.T) {
	fs := newFakeStore(testConfig())
	c := newTestCoordinator(t, fs)
	if err := c.Load(context.Background(), "t1", testDate); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	fs.failUpdate = errors.New("network down")
	err := c.MarkDeparted(context.Background(), "3", "pgarcia")
	if err == nil {
		t.Fatal("MarkDeparted should report the write failure")
	}

	// The optimistic departure must have been discarded by the reload.
	snap := c.Snapshot()
	b := findBus(t, snap, "3")
	if b.Status.DepartureTime != "" {
		t.Errorf("optimistic departure_time survived failed write: %q", b.Status.DepartureTime)
	}
	if b.DerivedStatus != models.StatusPending {
		t.Errorf("derived = %q, want pending after reload", b.DerivedStatus)
	}
	if snap.LastError == "" {
		t.Error("write failure not surfaced in state")
	}
}

func TestRefreshFailure_PreservesRoster(t *testing.T) {
	fs := newFakeStore(testConfig())
	c := newTestCoordinator(t, fs)
	if err := c.Load(context.Background(), "t1", testDate); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := c.MarkArrived(context.Background(), "3", "pgarcia"); err != nil {
		t.Fatalf("MarkArrived failed: %v", err)
	}

	fs.failStatus = errors.New("network down")
	if err := c.Refresh(context.Background(), "t1", testDate); err == nil {
		t.Fatal("Refresh should report the failure")
	}

	snap := c.Snapshot()
	if len(snap.Roster) != 3 {
		t.Fatalf("failed refresh cleared the roster: %d buses", len(snap.Roster))
	}
	b := findBus(t, snap, "3")
	if b.DerivedStatus != models.StatusArrived {
		t.Errorf("failed refresh lost good data: derived = %q", b.DerivedStatus)
	}
	if snap.LastError == "" {
		t.Error("refresh failure not surfaced in state")
	}
}

func TestUpdateLocally_Idempotent(t *testing.T) {
	fs := newFakeStore(testConfig())
	c := newTestCoordinator(t, fs)
	if err := c.Load(context.Background(), "t1", testDate); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	at := "14:58"
	fields := store.StatusUpdate{ArrivalTime: &at}
	c.UpdateLocally("3", fields, "pgarcia")
	once := findBus(t, c.Snapshot(), "3")
	c.UpdateLocally("3", fields, "pgarcia")
	twice := findBus(t, c.Snapshot(), "3")

	if once.DerivedStatus != twice.DerivedStatus || once.Section != twice.Section {
		t.Errorf("second identical update changed derivation: %q/%q vs %q/%q",
			once.DerivedStatus, once.Section, twice.DerivedStatus, twice.Section)
	}
	if twice.Status.ArrivalTime != at {
		t.Errorf("arrival_time = %q, want %q", twice.Status.ArrivalTime, at)
	}
}

func TestRosterOrdering_UncoveredFirstThenNumeric(t *testing.T) {
	fs := newFakeStore(testConfig())
	fs.seedDay(testDate)
	rows := fs.days[testDate]
	rec := rows["17"]
	rec.IsUncovered = true
	rows["17"] = rec

	c := newTestCoordinator(t, fs)
	if err := c.Load(context.Background(), "t1", testDate); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	snap := c.Snapshot()
	var order []string
	for _, b := range snap.Roster {
		order = append(order, b.BusNumber)
	}
	// Uncovered 17 jumps ahead; the rest follow numeric order 3, 10.
	want := []string{"17", "3", "10"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("roster order = %v, want %v", order, want)
		}
	}
}

func TestStopPolling_Idempotent(t *testing.T) {
	fs := newFakeStore(testConfig())
	c := newTestCoordinator(t, fs)

	// Safe to call with no loop running, repeatedly.
	c.StopPolling()
	c.StopPolling()

	c.StartPolling("t1", testDate, 10*time.Millisecond)
	time.Sleep(35 * time.Millisecond)
	c.StopPolling()
	c.StopPolling()

	fs.mu.Lock()
	after := fs.statusCalls
	fs.mu.Unlock()
	time.Sleep(30 * time.Millisecond)
	fs.mu.Lock()
	later := fs.statusCalls
	fs.mu.Unlock()

	if later != after {
		t.Errorf("polling continued after stop: %d -> %d status calls", after, later)
	}
}

func TestSetRole_RescopesActions(t *testing.T) {
	fs := newFakeStore(testConfig())
	c := newTestCoordinator(t, fs)
	if err := c.Load(context.Background(), "t1", testDate); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if b := findBus(t, c.Snapshot(), "3"); !b.Actions.CanMarkArrived {
		t.Fatal("monitor should see arrive action")
	}
	c.SetRole(models.RoleTeacher)
	if b := findBus(t, c.Snapshot(), "3"); b.Actions != (models.ActionSet{}) {
		t.Errorf("teacher still sees actions: %+v", b.Actions)
	}
}

func TestSubscribe_NotifiedOnChange(t *testing.T) {
	fs := newFakeStore(testConfig())
	c := newTestCoordinator(t, fs)

	ch, unsubscribe := c.Subscribe()
	defer unsubscribe()

	if err := c.Load(context.Background(), "t1", testDate); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no change notification after Load")
	}
}
