// Package sheets is the spreadsheet-backed record-store adapter: one
// spreadsheet per tracker, a Config sheet for bus configuration and one
// sheet per calendar day for status rows. Outgoing calls are paced by a
// local rate limiter; remote rejections are translated into the store
// error taxonomy so the throttle controller can observe them.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"

	"github.com/busdismissal/tracker/internal/reqcache"
	"github.com/busdismissal/tracker/internal/store"
)

const configSheet = "Config"

var configHeader = []interface{}{"Bus Number", "Expected Arrival", "Early Dismissal Overrides"}
var statusHeader = []interface{}{"Bus Number", "Covered By", "Uncovered", "Arrival", "Departure", "Modified By", "Modified At"}

// Store talks to the Google Sheets API. The reqcache controller
// supplies row-position hints so single-row writes can skip a full
// re-read; a hint miss falls back to a full read, never an error.
type Store struct {
	svc     *sheetsapi.Service
	limiter *rate.Limiter
	cache   *reqcache.Controller
}

// New builds a sheets-backed store using the given delegated credential.
func New(ctx context.Context, ts oauth2.TokenSource, cache *reqcache.Controller) (*Store, error) {
	svc, err := sheetsapi.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}
	return &Store{
		svc: svc,
		// Sheets allows roughly 60 read/write requests per minute per
		// user; pace just under that.
		limiter: rate.NewLimiter(rate.Every(1100*time.Millisecond), 2),
		cache:   cache,
	}, nil
}

func (s *Store) wait(ctx context.Context) error {
	return s.limiter.Wait(ctx)
}

// classify maps a Sheets API error into the store taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == 429:
			return fmt.Errorf("sheets quota exceeded: %w", store.ErrRateLimited)
		case gerr.Code == 403 && strings.Contains(strings.ToLower(gerr.Message), "quota"):
			return fmt.Errorf("sheets quota exceeded: %w", store.ErrRateLimited)
		case gerr.Code == 401 || gerr.Code == 403:
			return fmt.Errorf("sheets access denied: %w", store.ErrUnauthenticated)
		case gerr.Code == 404:
			return fmt.Errorf("spreadsheet not found: %w", store.ErrNotFound)
		}
	}
	return err
}

// isAlreadyExists matches the error Sheets returns for adding a sheet
// whose title is taken.
func isAlreadyExists(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == 400 && strings.Contains(strings.ToLower(gerr.Message), "already exists")
	}
	return false
}

// CreateTracker creates a new spreadsheet with an empty Config sheet.
// Sharing with ownerEmail requires the Drive API and is left to the
// spreadsheet owner; a non-empty address is logged so it is not lost.
func (s *Store) CreateTracker(ctx context.Context, title, ownerEmail string) (string, error) {
	if err := s.wait(ctx); err != nil {
		return "", err
	}
	ss, err := s.svc.Spreadsheets.Create(&sheetsapi.Spreadsheet{
		Properties: &sheetsapi.SpreadsheetProperties{Title: title},
		Sheets: []*sheetsapi.Sheet{
			{Properties: &sheetsapi.SheetProperties{Title: configSheet}},
		},
	}).Context(ctx).Do()
	if err != nil {
		return "", classify(err)
	}

	if err := s.writeRange(ctx, ss.SpreadsheetId, configSheet+"!A1", [][]interface{}{configHeader}); err != nil {
		return "", err
	}
	if ownerEmail != "" {
		log.Printf("Tracker %s created; share the spreadsheet with %s manually", ss.SpreadsheetId, ownerEmail)
	}
	return ss.SpreadsheetId, nil
}

func (s *Store) readRange(ctx context.Context, trackerID, rng string) ([][]interface{}, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	resp, err := s.svc.Spreadsheets.Values.Get(trackerID, rng).Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}
	return resp.Values, nil
}

func (s *Store) writeRange(ctx context.Context, trackerID, rng string, values [][]interface{}) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	_, err := s.svc.Spreadsheets.Values.Update(trackerID, rng, &sheetsapi.ValueRange{
		Values: values,
	}).ValueInputOption("RAW").Context(ctx).Do()
	return classify(err)
}

// sheetTitles lists the spreadsheet's sheet names.
func (s *Store) sheetTitles(ctx context.Context, trackerID string) (map[string]bool, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	ss, err := s.svc.Spreadsheets.Get(trackerID).Fields("sheets.properties.title").Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}
	titles := make(map[string]bool, len(ss.Sheets))
	for _, sh := range ss.Sheets {
		if sh.Properties != nil {
			titles[sh.Properties.Title] = true
		}
	}
	return titles, nil
}
