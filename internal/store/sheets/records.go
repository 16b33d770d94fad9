package sheets

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	sheetsapi "google.golang.org/api/sheets/v4"

	"github.com/busdismissal/tracker/internal/models"
	"github.com/busdismissal/tracker/internal/store"
)

func cell(row []interface{}, i int) string {
	if i >= len(row) {
		return ""
	}
	s, _ := row[i].(string)
	return s
}

func parseConfigRows(rows [][]interface{}) []models.BusConfig {
	var configs []models.BusConfig
	for _, row := range rows {
		number := cell(row, 0)
		if number == "" {
			continue
		}
		cfg := models.BusConfig{
			BusNumber:           number,
			ExpectedArrivalTime: cell(row, 1),
		}
		if raw := cell(row, 2); raw != "" {
			if err := json.Unmarshal([]byte(raw), &cfg.EarlyDismissalOverrides); err != nil {
				// Malformed overrides only lose the overrides, not the bus.
				log.Printf("Warning: bad early dismissal overrides for bus %s: %v", number, err)
			}
		}
		configs = append(configs, cfg)
	}
	return configs
}

func parseStatusRows(rows [][]interface{}) []models.BusStatus {
	var statuses []models.BusStatus
	for _, row := range rows {
		number := cell(row, 0)
		if number == "" {
			continue
		}
		statuses = append(statuses, models.BusStatus{
			BusNumber:      number,
			CoveredBy:      cell(row, 1),
			IsUncovered:    cell(row, 2) == "TRUE" || cell(row, 2) == "true",
			ArrivalTime:    cell(row, 3),
			DepartureTime:  cell(row, 4),
			LastModifiedBy: cell(row, 5),
			LastModifiedAt: cell(row, 6),
		})
	}
	return statuses
}

// Config returns all configured buses for a tracker.
func (s *Store) Config(ctx context.Context, trackerID string) ([]models.BusConfig, error) {
	rows, err := s.readRange(ctx, trackerID, configSheet+"!A2:C")
	if err != nil {
		return nil, err
	}
	return parseConfigRows(rows), nil
}

// Status returns the day's rows, transparently creating the day sheet
// when missing. Every full read refreshes the row-position hints.
func (s *Store) Status(ctx context.Context, trackerID, date string) ([]models.BusStatus, error) {
	if !s.cache.TableExists(trackerID, date) {
		titles, err := s.sheetTitles(ctx, trackerID)
		if err != nil {
			return nil, err
		}
		if !titles[date] {
			config, err := s.Config(ctx, trackerID)
			if err != nil {
				return nil, err
			}
			if err := s.EnsureDay(ctx, trackerID, date, config); err != nil {
				return nil, err
			}
		}
		s.cache.MarkTableExists(trackerID, date)
	}
	return s.readDay(ctx, trackerID, date)
}

func (s *Store) readDay(ctx context.Context, trackerID, date string) ([]models.BusStatus, error) {
	rows, err := s.readRange(ctx, trackerID, date+"!A2:G")
	if err != nil {
		return nil, err
	}
	statuses := parseStatusRows(rows)

	// Data rows start at sheet row 2, after the header.
	hints := make(map[string]int, len(statuses))
	for i, row := range rows {
		if number := cell(row, 0); number != "" {
			hints[number] = i + 2
		}
	}
	s.cache.SetRowHints(trackerID, date, hints)
	return statuses, nil
}

// Batched reads config and the day's status together without creating
// anything. When the day sheet exists both ranges come back in a single
// batchGet round trip.
func (s *Store) Batched(ctx context.Context, trackerID, date string) (store.BatchedDay, error) {
	titles, err := s.sheetTitles(ctx, trackerID)
	if err != nil {
		return store.BatchedDay{}, err
	}
	if !titles[date] {
		config, err := s.Config(ctx, trackerID)
		if err != nil {
			return store.BatchedDay{}, err
		}
		return store.BatchedDay{Config: config, TableExists: false}, nil
	}

	if err := s.wait(ctx); err != nil {
		return store.BatchedDay{}, err
	}
	resp, err := s.svc.Spreadsheets.Values.BatchGet(trackerID).
		Ranges(configSheet+"!A2:C", date+"!A2:G").
		Context(ctx).Do()
	if err != nil {
		return store.BatchedDay{}, classify(err)
	}
	if len(resp.ValueRanges) != 2 {
		return store.BatchedDay{}, fmt.Errorf("unexpected batch response: got %d ranges", len(resp.ValueRanges))
	}

	day := store.BatchedDay{
		Config:      parseConfigRows(resp.ValueRanges[0].Values),
		Status:      parseStatusRows(resp.ValueRanges[1].Values),
		TableExists: true,
	}

	hints := make(map[string]int, len(day.Status))
	for i, row := range resp.ValueRanges[1].Values {
		if number := cell(row, 0); number != "" {
			hints[number] = i + 2
		}
	}
	s.cache.SetRowHints(trackerID, date, hints)
	return day, nil
}

// EnsureDay adds the day sheet and seeds one empty row per configured
// bus. Safe to call when the sheet already exists.
func (s *Store) EnsureDay(ctx context.Context, trackerID, date string, config []models.BusConfig) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	_, err := s.svc.Spreadsheets.BatchUpdate(trackerID, &sheetsapi.BatchUpdateSpreadsheetRequest{
		Requests: []*sheetsapi.Request{
			{AddSheet: &sheetsapi.AddSheetRequest{
				Properties: &sheetsapi.SheetProperties{Title: date},
			}},
		},
	}).Context(ctx).Do()
	if err != nil {
		cerr := classify(err)
		// Another session may have created the sheet between our check
		// and this call; that is fine.
		if !isAlreadyExists(err) {
			return cerr
		}
	}

	values := [][]interface{}{statusHeader}
	for _, cfg := range config {
		values = append(values, []interface{}{cfg.BusNumber, "", "FALSE", "", "", "", ""})
	}
	return s.writeRange(ctx, trackerID, date+"!A1", values)
}

// UpdateStatus writes only the changed cells of one bus's row, using
// the cached row position when available and falling back to a full
// read when not.
func (s *Store) UpdateStatus(ctx context.Context, trackerID, busNumber string, fields store.StatusUpdate, editorID, date string) error {
	row, ok := s.cache.RowHint(trackerID, date, busNumber)
	if !ok {
		if _, err := s.Status(ctx, trackerID, date); err != nil {
			return err
		}
		row, ok = s.cache.RowHint(trackerID, date, busNumber)
		if !ok {
			return fmt.Errorf("bus %s has no row for %s: %w", busNumber, date, store.ErrNotFound)
		}
	}

	data := []*sheetsapi.ValueRange{
		{Range: fmt.Sprintf("%s!F%d:G%d", date, row, row), Values: [][]interface{}{{
			editorID, time.Now().UTC().Format(time.RFC3339),
		}}},
	}
	if fields.CoveredBy != nil {
		data = append(data, cellValue(date, "B", row, *fields.CoveredBy))
	}
	if fields.IsUncovered != nil {
		v := "FALSE"
		if *fields.IsUncovered {
			v = "TRUE"
		}
		data = append(data, cellValue(date, "C", row, v))
	}
	if fields.ArrivalTime != nil {
		data = append(data, cellValue(date, "D", row, *fields.ArrivalTime))
	}
	if fields.DepartureTime != nil {
		data = append(data, cellValue(date, "E", row, *fields.DepartureTime))
	}

	if err := s.wait(ctx); err != nil {
		return err
	}
	_, err := s.svc.Spreadsheets.Values.BatchUpdate(trackerID, &sheetsapi.BatchUpdateValuesRequest{
		ValueInputOption: "RAW",
		Data:             data,
	}).Context(ctx).Do()
	return classify(err)
}

func cellValue(date, col string, row int, v string) *sheetsapi.ValueRange {
	return &sheetsapi.ValueRange{
		Range:  fmt.Sprintf("%s!%s%d", date, col, row),
		Values: [][]interface{}{{v}},
	}
}

// SaveConfig replaces the Config sheet's contents.
func (s *Store) SaveConfig(ctx context.Context, trackerID string, config []models.BusConfig) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	_, err := s.svc.Spreadsheets.Values.Clear(trackerID, configSheet+"!A2:C", &sheetsapi.ClearValuesRequest{}).
		Context(ctx).Do()
	if err != nil {
		return classify(err)
	}

	values := make([][]interface{}, 0, len(config))
	for _, cfg := range config {
		overrides := ""
		if len(cfg.EarlyDismissalOverrides) > 0 {
			data, err := json.Marshal(cfg.EarlyDismissalOverrides)
			if err != nil {
				return fmt.Errorf("failed to encode overrides for bus %s: %w", cfg.BusNumber, err)
			}
			overrides = string(data)
		}
		values = append(values, []interface{}{cfg.BusNumber, cfg.ExpectedArrivalTime, overrides})
	}
	if len(values) == 0 {
		return nil
	}
	return s.writeRange(ctx, trackerID, configSheet+"!A2", values)
}
