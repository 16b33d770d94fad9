package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/busdismissal/tracker/internal/timeutil"
)

// NewRouter wires the API routes.
func NewRouter(h *Handler, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)

	r.Get("/api/roster", h.GetRoster)
	r.Get("/api/roster/sections", h.GetRosterSections)
	r.Post("/api/session/load", h.LoadSession)
	r.Post("/api/session/poll/start", h.StartPolling)
	r.Post("/api/session/poll/stop", h.StopPolling)

	r.Post("/api/buses/{busNumber}/arrive", h.MarkArrived)
	r.Post("/api/buses/{busNumber}/depart", h.MarkDeparted)
	r.Post("/api/buses/{busNumber}/cover", h.MarkCovered)
	r.Post("/api/buses/{busNumber}/uncover", h.MarkUncovered)
	r.Post("/api/buses/{busNumber}/edit", h.EditBus)

	r.Post("/api/trackers", h.CreateTracker)
	r.Put("/api/trackers/{trackerID}/config", h.SaveConfig)
	r.Get("/api/trackers/{trackerID}/report", h.GetReport)

	return r
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	snap := h.coord.Snapshot()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"timestamp":    time.Now().UTC(),
		"tracker_id":   snap.TrackerID,
		"last_updated": snap.LastUpdated,
	})
}

// PollRequest starts polling for a tracker and day.
type PollRequest struct {
	TrackerID string `json:"tracker_id" validate:"required"`
	Date      string `json:"date"`
	// IntervalSeconds below the configured base is raised to it by the
	// throttle; zero means use the base.
	IntervalSeconds int `json:"interval_seconds" validate:"omitempty,min=5"`
}

// StartPolling handles POST /api/session/poll/start.
func (h *Handler) StartPolling(w http.ResponseWriter, r *http.Request) {
	var req PollRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Date == "" {
		req.Date = timeutil.Today()
	}
	interval := time.Duration(req.IntervalSeconds) * time.Second
	h.coord.StartPolling(req.TrackerID, req.Date, interval)
	respondJSON(w, http.StatusOK, map[string]string{"polling": "started"})
}

// StopPolling handles POST /api/session/poll/stop. Idempotent.
func (h *Handler) StopPolling(w http.ResponseWriter, r *http.Request) {
	h.coord.StopPolling()
	respondJSON(w, http.StatusOK, map[string]string{"polling": "stopped"})
}
