// Package stats is the batch computation over historical daily records:
// it walks a date range through the record store and produces the
// tracker's statistics report, caching the snapshot for reuse.
package stats

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/busdismissal/tracker/internal/models"
	"github.com/busdismissal/tracker/internal/store"
	"github.com/busdismissal/tracker/internal/timeutil"
)

// OnTimeThresholdMinutes is how late an arrival may be and still count
// as on time.
const OnTimeThresholdMinutes = 5

// ReportCache persists generated report snapshots.
type ReportCache interface {
	CachedReport(ctx context.Context, trackerID, startDate, endDate string) (*models.StatisticsReport, error)
	SaveReport(ctx context.Context, report *models.StatisticsReport) error
}

// Aggregator generates statistics reports. The cache is optional.
type Aggregator struct {
	store store.RecordStore
	cache ReportCache
}

// New creates an aggregator over the given store. cache may be nil.
func New(st store.RecordStore, cache ReportCache) *Aggregator {
	return &Aggregator{store: st, cache: cache}
}

// Cached returns the stored snapshot for the range, if one exists.
func (a *Aggregator) Cached(ctx context.Context, trackerID, startDate, endDate string) (*models.StatisticsReport, bool) {
	if a.cache == nil {
		return nil, false
	}
	report, err := a.cache.CachedReport(ctx, trackerID, startDate, endDate)
	if err != nil {
		return nil, false
	}
	return report, true
}

// Generate computes the report over [startDate, endDate] and caches the
// snapshot. Days whose table was never materialized are skipped; a day
// read failure skips that day rather than aborting the whole report.
func (a *Aggregator) Generate(ctx context.Context, trackerID, startDate, endDate string) (*models.StatisticsReport, error) {
	start, err := time.Parse("2006-01-02", startDate)
	if err != nil {
		return nil, fmt.Errorf("invalid start date %q: %w", startDate, err)
	}
	end, err := time.Parse("2006-01-02", endDate)
	if err != nil {
		return nil, fmt.Errorf("invalid end date %q: %w", endDate, err)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("end date %s before start date %s", endDate, startDate)
	}

	config, err := a.store.Config(ctx, trackerID)
	if err != nil {
		return nil, err
	}
	expectedByBus := make(map[string]models.BusConfig, len(config))
	for _, cfg := range config {
		expectedByBus[cfg.BusNumber] = cfg
	}

	report := &models.StatisticsReport{
		TrackerID:   trackerID,
		StartDate:   startDate,
		EndDate:     endDate,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}

	type busAccum struct {
		arrivals      int
		onTime        int
		delaySum      int
		maxDelay      int
		uncoveredDays int
	}
	perBus := make(map[string]*busAccum)
	coverage := make(map[models.CoveragePair]int)

	totalOnTime := 0
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		date := day.Format("2006-01-02")
		batched, err := a.store.Batched(ctx, trackerID, date)
		if err != nil {
			log.Printf("Stats: skipping %s: %v", date, err)
			continue
		}
		if !batched.TableExists {
			continue
		}

		counts := models.DayCounts{Date: date, Total: len(batched.Status)}
		for _, rec := range batched.Status {
			acc := perBus[rec.BusNumber]
			if acc == nil {
				acc = &busAccum{}
				perBus[rec.BusNumber] = acc
			}

			if rec.IsUncovered {
				counts.Uncovered++
				acc.uncoveredDays++
				report.UncoveredIncidents = append(report.UncoveredIncidents, models.UncoveredIncident{
					Date: date, BusNumber: rec.BusNumber,
				})
			}
			if rec.CoveredBy != "" {
				coverage[models.CoveragePair{CoveringBus: rec.CoveredBy, CoveredBus: rec.BusNumber}]++
			}
			if rec.ArrivalTime == "" {
				continue
			}

			acc.arrivals++
			report.TotalArrivals++

			delay, ok := arrivalDelay(rec, expectedByBus[rec.BusNumber], date)
			if !ok {
				continue
			}
			acc.delaySum += delay
			if delay > acc.maxDelay {
				acc.maxDelay = delay
			}
			if delay <= OnTimeThresholdMinutes {
				acc.onTime++
				totalOnTime++
				counts.OnTime++
			} else {
				counts.Late++
			}
		}
		report.PerDay = append(report.PerDay, counts)
		report.TotalDays++
	}

	for number, acc := range perBus {
		br := models.BusReport{
			BusNumber:       number,
			Arrivals:        acc.arrivals,
			MaxDelayMinutes: acc.maxDelay,
			UncoveredDays:   acc.uncoveredDays,
		}
		if acc.arrivals > 0 {
			br.AvgDelayMinutes = float64(acc.delaySum) / float64(acc.arrivals)
			br.OnTimePercent = 100 * float64(acc.onTime) / float64(acc.arrivals)
		}
		report.PerBus = append(report.PerBus, br)
	}
	sort.Slice(report.PerBus, func(i, j int) bool {
		return timeutil.CompareBusNumbers(report.PerBus[i].BusNumber, report.PerBus[j].BusNumber) < 0
	})

	for pair, count := range coverage {
		pair.Count = count
		report.CoveragePairs = append(report.CoveragePairs, pair)
	}
	sort.Slice(report.CoveragePairs, func(i, j int) bool {
		a, b := report.CoveragePairs[i], report.CoveragePairs[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return timeutil.CompareBusNumbers(a.CoveringBus, b.CoveringBus) < 0
	})

	if report.TotalArrivals > 0 {
		report.OnTimePercent = 100 * float64(totalOnTime) / float64(report.TotalArrivals)
	}

	if a.cache != nil {
		if err := a.cache.SaveReport(ctx, report); err != nil {
			log.Printf("Warning: failed to cache report: %v", err)
		}
	}
	return report, nil
}

// arrivalDelay computes whole minutes of lateness against the bus's
// expected arrival, honoring an early-dismissal override for the date.
// Early arrivals count as zero delay.
func arrivalDelay(rec models.BusStatus, cfg models.BusConfig, date string) (int, bool) {
	expected := cfg.ExpectedArrivalTime
	if override, ok := cfg.EarlyDismissalOverrides[date]; ok {
		expected = override
	}
	if expected == "" {
		return 0, false
	}

	expectedMin, err := timeutil.ParseClock(expected)
	if err != nil {
		return 0, false
	}
	arrivedMin, err := timeutil.ParseClock(rec.ArrivalTime)
	if err != nil {
		return 0, false
	}

	delay := arrivedMin - expectedMin
	if delay < 0 {
		delay = 0
	}
	return delay, true
}
