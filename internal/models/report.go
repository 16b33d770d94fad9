package models

// StatisticsReport is the aggregate over a historical date range,
// regenerated on demand and persisted as a cached snapshot.
type StatisticsReport struct {
	TrackerID     string  `json:"tracker_id"`
	StartDate     string  `json:"start_date"`
	EndDate       string  `json:"end_date"`
	GeneratedAt   string  `json:"generated_at"` // RFC3339
	TotalDays     int     `json:"total_days"`
	TotalArrivals int     `json:"total_arrivals"`
	OnTimePercent float64 `json:"on_time_percent"`

	PerBus             []BusReport         `json:"per_bus"`
	UncoveredIncidents []UncoveredIncident `json:"uncovered_incidents"`
	CoveragePairs      []CoveragePair      `json:"coverage_pairs"`
	PerDay             []DayCounts         `json:"per_day"`
}

// BusReport is one bus's aggregate over the report range.
type BusReport struct {
	BusNumber       string  `json:"bus_number"`
	Arrivals        int     `json:"arrivals"`
	AvgDelayMinutes float64 `json:"avg_delay_minutes"`
	MaxDelayMinutes int     `json:"max_delay_minutes"`
	OnTimePercent   float64 `json:"on_time_percent"`
	UncoveredDays   int     `json:"uncovered_days"`
}

// UncoveredIncident records one day a bus had no substitute.
type UncoveredIncident struct {
	Date      string `json:"date"`
	BusNumber string `json:"bus_number"`
}

// CoveragePair counts how often one bus covered another's route.
type CoveragePair struct {
	CoveringBus string `json:"covering_bus"`
	CoveredBus  string `json:"covered_bus"`
	Count       int    `json:"count"`
}

// DayCounts is one day's totals in the report range.
type DayCounts struct {
	Date      string `json:"date"`
	Total     int    `json:"total"`
	OnTime    int    `json:"on_time"`
	Late      int    `json:"late"`
	Uncovered int    `json:"uncovered"`
}
