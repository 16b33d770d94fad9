package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/busdismissal/tracker/internal/models"
	"github.com/busdismissal/tracker/internal/timeutil"
)

// CreateTrackerRequest provisions a new tracker dataset.
type CreateTrackerRequest struct {
	Title      string `json:"title" validate:"required"`
	OwnerEmail string `json:"owner_email" validate:"omitempty,email"`
}

// CreateTracker handles POST /api/trackers. Admin only.
func (h *Handler) CreateTracker(w http.ResponseWriter, r *http.Request) {
	if requestRole(r) != models.RoleAdmin {
		respondError(w, http.StatusForbidden, "only admins can create trackers")
		return
	}
	var req CreateTrackerRequest
	if !h.decode(w, r, &req) {
		return
	}
	trackerID, err := h.store.CreateTracker(r.Context(), req.Title, req.OwnerEmail)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"tracker_id": trackerID})
}

// BusConfigRequest is one bus in a config save.
type BusConfigRequest struct {
	BusNumber               string            `json:"bus_number" validate:"required"`
	ExpectedArrivalTime     string            `json:"expected_arrival_time" validate:"omitempty,datetime=15:04"`
	EarlyDismissalOverrides map[string]string `json:"early_dismissal_overrides"`
}

// SaveConfigRequest replaces a tracker's bus configuration.
type SaveConfigRequest struct {
	Buses []BusConfigRequest `json:"buses" validate:"required,dive"`
}

// SaveConfig handles PUT /api/trackers/{trackerID}/config. Admin only.
func (h *Handler) SaveConfig(w http.ResponseWriter, r *http.Request) {
	if requestRole(r) != models.RoleAdmin {
		respondError(w, http.StatusForbidden, "only admins can edit configuration")
		return
	}
	var req SaveConfigRequest
	if !h.decode(w, r, &req) {
		return
	}

	trackerID := chi.URLParam(r, "trackerID")
	config := make([]models.BusConfig, 0, len(req.Buses))
	for _, b := range req.Buses {
		config = append(config, models.BusConfig{
			BusNumber:               b.BusNumber,
			ExpectedArrivalTime:     b.ExpectedArrivalTime,
			EarlyDismissalOverrides: b.EarlyDismissalOverrides,
		})
	}
	if err := h.store.SaveConfig(r.Context(), trackerID, config); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"saved": len(config)})
}

// GetReport handles GET /api/trackers/{trackerID}/report. A cached
// snapshot is served unless refresh=true forces regeneration.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	trackerID := chi.URLParam(r, "trackerID")
	q := r.URL.Query()
	start, end := q.Get("start"), q.Get("end")
	if !timeutil.ValidDateKey(start) || !timeutil.ValidDateKey(end) {
		respondError(w, http.StatusBadRequest, "start and end must be YYYY-MM-DD")
		return
	}

	if q.Get("refresh") != "true" {
		if report, ok := h.reports.Cached(r.Context(), trackerID, start, end); ok {
			respondJSON(w, http.StatusOK, report)
			return
		}
	}

	report, err := h.reports.Generate(r.Context(), trackerID, start, end)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, report)
}
