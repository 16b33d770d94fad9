package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/busdismissal/tracker/internal/models"
	"github.com/busdismissal/tracker/internal/store"
)

// Config returns all configured buses for a tracker.
func (s *Store) Config(ctx context.Context, trackerID string) ([]models.BusConfig, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT bus_number, expected_arrival_time, early_dismissal_overrides
		FROM bus_config
		WHERE tracker_id = ?
		ORDER BY bus_number
	`, trackerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query config: %w", err)
	}
	defer rows.Close()

	var configs []models.BusConfig
	for rows.Next() {
		var cfg models.BusConfig
		var overridesJSON string
		if err := rows.Scan(&cfg.BusNumber, &cfg.ExpectedArrivalTime, &overridesJSON); err != nil {
			return nil, fmt.Errorf("failed to scan config row: %w", err)
		}
		if overridesJSON != "" && overridesJSON != "{}" {
			if err := json.Unmarshal([]byte(overridesJSON), &cfg.EarlyDismissalOverrides); err != nil {
				return nil, fmt.Errorf("failed to parse overrides for bus %s: %w", cfg.BusNumber, err)
			}
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// Status returns the day's status rows, seeding the day from config
// first when it has none.
func (s *Store) Status(ctx context.Context, trackerID, date string) ([]models.BusStatus, error) {
	exists, err := s.dayExists(ctx, trackerID, date)
	if err != nil {
		return nil, err
	}
	if !exists {
		config, err := s.Config(ctx, trackerID)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureDay(ctx, trackerID, date, config); err != nil {
			return nil, err
		}
	}
	return s.readStatus(ctx, trackerID, date)
}

func (s *Store) dayExists(ctx context.Context, trackerID, date string) (bool, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM bus_status WHERE tracker_id = ? AND day = ?",
		trackerID, date,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check day existence: %w", err)
	}
	return n > 0, nil
}

func (s *Store) readStatus(ctx context.Context, trackerID, date string) ([]models.BusStatus, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT bus_number, covered_by, is_uncovered, arrival_time,
			departure_time, last_modified_by, last_modified_at
		FROM bus_status
		WHERE tracker_id = ? AND day = ?
		ORDER BY bus_number
	`, trackerID, date)
	if err != nil {
		return nil, fmt.Errorf("failed to query status: %w", err)
	}
	defer rows.Close()

	var statuses []models.BusStatus
	for rows.Next() {
		var st models.BusStatus
		var uncovered int
		if err := rows.Scan(&st.BusNumber, &st.CoveredBy, &uncovered, &st.ArrivalTime,
			&st.DepartureTime, &st.LastModifiedBy, &st.LastModifiedAt); err != nil {
			return nil, fmt.Errorf("failed to scan status row: %w", err)
		}
		st.IsUncovered = uncovered != 0
		statuses = append(statuses, st)
	}
	return statuses, rows.Err()
}

// Batched reads config and the day's status in one transaction without
// creating anything.
func (s *Store) Batched(ctx context.Context, trackerID, date string) (store.BatchedDay, error) {
	config, err := s.Config(ctx, trackerID)
	if err != nil {
		return store.BatchedDay{}, err
	}
	exists, err := s.dayExists(ctx, trackerID, date)
	if err != nil {
		return store.BatchedDay{}, err
	}
	day := store.BatchedDay{Config: config, TableExists: exists}
	if exists {
		day.Status, err = s.readStatus(ctx, trackerID, date)
		if err != nil {
			return store.BatchedDay{}, err
		}
	}
	return day, nil
}

// EnsureDay seeds one empty status row per configured bus. Idempotent:
// existing rows are left alone.
func (s *Store) EnsureDay(ctx context.Context, trackerID, date string, config []models.BusConfig) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO bus_status (tracker_id, day, bus_number)
		VALUES (?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare seed statement: %w", err)
	}
	defer stmt.Close()

	for _, cfg := range config {
		if _, err := stmt.ExecContext(ctx, trackerID, date, cfg.BusNumber); err != nil {
			return fmt.Errorf("failed to seed row for bus %s: %w", cfg.BusNumber, err)
		}
	}
	return tx.Commit()
}

// UpdateStatus applies a partial update to one bus's row for the day.
func (s *Store) UpdateStatus(ctx context.Context, trackerID, busNumber string, fields store.StatusUpdate, editorID, date string) error {
	set := "last_modified_by = ?, last_modified_at = ?"
	args := []interface{}{editorID, time.Now().UTC().Format(time.RFC3339)}

	if fields.CoveredBy != nil {
		set += ", covered_by = ?"
		args = append(args, *fields.CoveredBy)
	}
	if fields.IsUncovered != nil {
		set += ", is_uncovered = ?"
		if *fields.IsUncovered {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}
	if fields.ArrivalTime != nil {
		set += ", arrival_time = ?"
		args = append(args, *fields.ArrivalTime)
	}
	if fields.DepartureTime != nil {
		set += ", departure_time = ?"
		args = append(args, *fields.DepartureTime)
	}
	args = append(args, trackerID, date, busNumber)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.conn.ExecContext(ctx,
		"UPDATE bus_status SET "+set+" WHERE tracker_id = ? AND day = ? AND bus_number = ?",
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to update bus %s: %w", busNumber, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("bus %s has no row for %s: %w", busNumber, date, store.ErrNotFound)
	}
	return nil
}

// CreateTracker provisions a new tracker and returns its identifier.
func (s *Store) CreateTracker(ctx context.Context, title, ownerEmail string) (string, error) {
	trackerID := uuid.New().String()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.conn.ExecContext(ctx,
		"INSERT INTO trackers (tracker_id, title, owner_email, created_at) VALUES (?, ?, ?, ?)",
		trackerID, title, ownerEmail, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create tracker: %w", err)
	}
	return trackerID, nil
}

// SaveConfig replaces the tracker's bus configuration.
func (s *Store) SaveConfig(ctx context.Context, trackerID string, config []models.BusConfig) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM bus_config WHERE tracker_id = ?", trackerID); err != nil {
		return fmt.Errorf("failed to clear config: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bus_config (tracker_id, bus_number, expected_arrival_time, early_dismissal_overrides)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare config statement: %w", err)
	}
	defer stmt.Close()

	for _, cfg := range config {
		overrides := "{}"
		if len(cfg.EarlyDismissalOverrides) > 0 {
			data, err := json.Marshal(cfg.EarlyDismissalOverrides)
			if err != nil {
				return fmt.Errorf("failed to encode overrides for bus %s: %w", cfg.BusNumber, err)
			}
			overrides = string(data)
		}
		if _, err := stmt.ExecContext(ctx, trackerID, cfg.BusNumber, cfg.ExpectedArrivalTime, overrides); err != nil {
			return fmt.Errorf("failed to save config for bus %s: %w", cfg.BusNumber, err)
		}
	}
	return tx.Commit()
}

// Days lists the calendar days with status rows in [startDate, endDate],
// used by the statistics aggregator.
func (s *Store) Days(ctx context.Context, trackerID, startDate, endDate string) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT DISTINCT day FROM bus_status
		WHERE tracker_id = ? AND day >= ? AND day <= ?
		ORDER BY day
	`, trackerID, startDate, endDate)
	if err != nil {
		return nil, fmt.Errorf("failed to query days: %w", err)
	}
	defer rows.Close()

	var days []string
	for rows.Next() {
		var day string
		if err := rows.Scan(&day); err != nil {
			return nil, fmt.Errorf("failed to scan day: %w", err)
		}
		days = append(days, day)
	}
	return days, rows.Err()
}

// CachedReport returns a previously generated report snapshot, or
// sql.ErrNoRows wrapped in ErrNotFound semantics when absent.
func (s *Store) CachedReport(ctx context.Context, trackerID, startDate, endDate string) (*models.StatisticsReport, error) {
	var reportJSON string
	err := s.conn.QueryRowContext(ctx, `
		SELECT report_json FROM stats_report_cache
		WHERE tracker_id = ? AND start_date = ? AND end_date = ?
	`, trackerID, startDate, endDate).Scan(&reportJSON)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached report: %w", err)
	}

	var report models.StatisticsReport
	if err := json.Unmarshal([]byte(reportJSON), &report); err != nil {
		return nil, fmt.Errorf("failed to parse cached report: %w", err)
	}
	return &report, nil
}

// SaveReport stores a report snapshot, replacing any prior snapshot for
// the same range.
func (s *Store) SaveReport(ctx context.Context, report *models.StatisticsReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO stats_report_cache (tracker_id, start_date, end_date, generated_at, report_json)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tracker_id, start_date, end_date) DO UPDATE SET
			generated_at = excluded.generated_at,
			report_json = excluded.report_json
	`, report.TrackerID, report.StartDate, report.EndDate, report.GeneratedAt, string(data))
	if err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}
