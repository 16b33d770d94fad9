package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/busdismissal/tracker/internal/models"
	"github.com/busdismissal/tracker/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConfigRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	trackerID, err := s.CreateTracker(ctx, "Lincoln Elementary", "principal@school.example")
	if err != nil {
		t.Fatalf("CreateTracker failed: %v", err)
	}

	saved := []models.BusConfig{
		{BusNumber: "3", ExpectedArrivalTime: "14:50"},
		{
			BusNumber:           "17",
			ExpectedArrivalTime: "14:55",
			EarlyDismissalOverrides: map[string]string{
				"2026-03-09": "12:30",
			},
		},
	}
	if err := s.SaveConfig(ctx, trackerID, saved); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := s.Config(ctx, trackerID)
	if err != nil {
		t.Fatalf("Config failed: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d configs, want 2", len(loaded))
	}
	var bus17 *models.BusConfig
	for i := range loaded {
		if loaded[i].BusNumber == "17" {
			bus17 = &loaded[i]
		}
	}
	if bus17 == nil {
		t.Fatal("bus 17 missing after round trip")
	}
	if bus17.ExpectedArrivalTime != "14:55" {
		t.Errorf("bus 17 round-tripped as %+v", bus17)
	}
	if got := bus17.EarlyDismissalOverrides["2026-03-09"]; got != "12:30" {
		t.Errorf("override round-tripped as %q, want 12:30", got)
	}
}

func TestStatus_SeedsMissingDay(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	trackerID, _ := s.CreateTracker(ctx, "Test", "")
	if err := s.SaveConfig(ctx, trackerID, []models.BusConfig{
		{BusNumber: "3"}, {BusNumber: "17"},
	}); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	rows, err := s.Status(ctx, trackerID, "2026-03-09")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("seeded %d rows, want 2", len(rows))
	}
	for _, rec := range rows {
		if rec.ArrivalTime != "" || rec.CoveredBy != "" || rec.IsUncovered {
			t.Errorf("seeded row not empty: %+v", rec)
		}
	}

	// Second read must not duplicate rows.
	rows, err = s.Status(ctx, trackerID, "2026-03-09")
	if err != nil {
		t.Fatalf("second Status failed: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("re-read produced %d rows, want 2", len(rows))
	}
}

func TestBatched_DoesNotCreate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	trackerID, _ := s.CreateTracker(ctx, "Test", "")
	s.SaveConfig(ctx, trackerID, []models.BusConfig{{BusNumber: "3"}})

	day, err := s.Batched(ctx, trackerID, "2026-03-09")
	if err != nil {
		t.Fatalf("Batched failed: %v", err)
	}
	if day.TableExists {
		t.Error("Batched reported a day that was never materialized")
	}
	if len(day.Config) != 1 {
		t.Errorf("Batched returned %d configs, want 1", len(day.Config))
	}

	if err := s.EnsureDay(ctx, trackerID, "2026-03-09", day.Config); err != nil {
		t.Fatalf("EnsureDay failed: %v", err)
	}
	day, err = s.Batched(ctx, trackerID, "2026-03-09")
	if err != nil {
		t.Fatalf("Batched after EnsureDay failed: %v", err)
	}
	if !day.TableExists || len(day.Status) != 1 {
		t.Errorf("day not visible after EnsureDay: exists=%v rows=%d", day.TableExists, len(day.Status))
	}
}

func TestUpdateStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	trackerID, _ := s.CreateTracker(ctx, "Test", "")
	s.SaveConfig(ctx, trackerID, []models.BusConfig{{BusNumber: "3"}})
	if _, err := s.Status(ctx, trackerID, "2026-03-09"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	arrival := "14:58"
	covered := "B42"
	err := s.UpdateStatus(ctx, trackerID, "3", store.StatusUpdate{
		ArrivalTime: &arrival,
		CoveredBy:   &covered,
	}, "monitor@school", "2026-03-09")
	if err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	rows, _ := s.Status(ctx, trackerID, "2026-03-09")
	rec := rows[0]
	if rec.ArrivalTime != "14:58" || rec.CoveredBy != "B42" {
		t.Errorf("update not applied: %+v", rec)
	}
	if rec.LastModifiedBy != "monitor@school" || rec.LastModifiedAt == "" {
		t.Errorf("modification stamp missing: %+v", rec)
	}
	// Untouched fields stay untouched.
	if rec.DepartureTime != "" || rec.IsUncovered {
		t.Errorf("partial update changed unrelated fields: %+v", rec)
	}
}

func TestUpdateStatus_NotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	trackerID, _ := s.CreateTracker(ctx, "Test", "")
	s.SaveConfig(ctx, trackerID, []models.BusConfig{{BusNumber: "3"}})
	s.Status(ctx, trackerID, "2026-03-09")

	arrival := "14:58"
	err := s.UpdateStatus(ctx, trackerID, "99", store.StatusUpdate{ArrivalTime: &arrival}, "m", "2026-03-09")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("UpdateStatus for unknown bus = %v, want ErrNotFound", err)
	}
}

func TestReportCache(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CachedReport(ctx, "t1", "2026-03-01", "2026-03-31"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing snapshot = %v, want ErrNotFound", err)
	}

	report := &models.StatisticsReport{
		TrackerID:     "t1",
		StartDate:     "2026-03-01",
		EndDate:       "2026-03-31",
		GeneratedAt:   "2026-04-01T00:00:00Z",
		TotalDays:     20,
		TotalArrivals: 55,
		OnTimePercent: 92.7,
	}
	if err := s.SaveReport(ctx, report); err != nil {
		t.Fatalf("SaveReport failed: %v", err)
	}

	got, err := s.CachedReport(ctx, "t1", "2026-03-01", "2026-03-31")
	if err != nil {
		t.Fatalf("CachedReport failed: %v", err)
	}
	if got.TotalDays != 20 || got.OnTimePercent != 92.7 {
		t.Errorf("snapshot round-tripped as %+v", got)
	}

	// Regeneration replaces the prior snapshot for the same range.
	report.TotalDays = 21
	if err := s.SaveReport(ctx, report); err != nil {
		t.Fatalf("second SaveReport failed: %v", err)
	}
	got, _ = s.CachedReport(ctx, "t1", "2026-03-01", "2026-03-31")
	if got.TotalDays != 21 {
		t.Errorf("snapshot not replaced: TotalDays = %d", got.TotalDays)
	}
}
