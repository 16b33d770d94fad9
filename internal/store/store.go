// Package store defines the boundary with the remote record store: the
// spreadsheet-backed (or local) adapter that owns durable bus config and
// daily status rows. All failures in the system originate here.
package store

import (
	"context"
	"errors"

	"github.com/busdismissal/tracker/internal/models"
)

// Sentinel errors for the failure taxonomy. Adapters wrap these so
// callers can classify with errors.Is.
var (
	// ErrNotFound means a referenced bus number has no row in the
	// day's table. Surfaced as a hard error, not auto-recovered.
	ErrNotFound = errors.New("record not found")

	// ErrUnauthenticated means no valid delegated credential is
	// available. Resolved by re-running the credential flow, never
	// silently retried.
	ErrUnauthenticated = errors.New("authorization required")

	// ErrRateLimited means the remote rejected the call for quota
	// reasons. Fed to the throttle controller; the triggering call
	// itself still fails for its caller.
	ErrRateLimited = errors.New("rate limited")
)

// Outcome classifies a remote call's result for the throttle controller.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRateLimited
	OutcomeFailure
)

// Classify maps a call result to its throttle outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrRateLimited):
		return OutcomeRateLimited
	default:
		return OutcomeFailure
	}
}

// StatusUpdate is a partial update to one bus's daily status row. Nil
// fields are left untouched.
type StatusUpdate struct {
	CoveredBy     *string
	IsUncovered   *bool
	ArrivalTime   *string
	DepartureTime *string
}

// BatchedDay is the single-round-trip read of a tracker's config and
// one day's status. Status is nil when the day's table does not exist
// yet; the caller decides whether to materialize it.
type BatchedDay struct {
	Config      []models.BusConfig
	Status      []models.BusStatus
	TableExists bool
}

// RecordStore is the persistence boundary consumed by the coordinator
// and the statistics aggregator.
type RecordStore interface {
	// Config returns all configured buses for a tracker.
	Config(ctx context.Context, trackerID string) ([]models.BusConfig, error)

	// Status returns the day's status rows, transparently ensuring the
	// day's table exists (seeded from config) before reading.
	Status(ctx context.Context, trackerID, date string) ([]models.BusStatus, error)

	// Batched reads config and the day's status in one round trip
	// without creating anything.
	Batched(ctx context.Context, trackerID, date string) (BatchedDay, error)

	// EnsureDay materializes the day's table if missing, seeding one
	// empty row per configured bus. Idempotent.
	EnsureDay(ctx context.Context, trackerID, date string, config []models.BusConfig) error

	// UpdateStatus applies a partial update to one bus's row, stamping
	// the editor and modification time. Fails with ErrNotFound when the
	// bus has no row.
	UpdateStatus(ctx context.Context, trackerID, busNumber string, fields StatusUpdate, editorID, date string) error

	// CreateTracker provisions a new tracker and returns its identifier.
	// ownerEmail, when non-empty, is granted access to the new dataset.
	CreateTracker(ctx context.Context, title, ownerEmail string) (string, error)

	// SaveConfig replaces the tracker's bus configuration.
	SaveConfig(ctx context.Context, trackerID string, config []models.BusConfig) error
}
