// Package httpapi is the presentation boundary: a chi router exposing
// the coordinator's read-only projections and command surface, plus
// tracker administration and the statistics report.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/busdismissal/tracker/internal/coordinator"
	"github.com/busdismissal/tracker/internal/models"
	"github.com/busdismissal/tracker/internal/policy"
	"github.com/busdismissal/tracker/internal/stats"
	"github.com/busdismissal/tracker/internal/store"
	"github.com/busdismissal/tracker/internal/timeutil"
)

// Handler holds the API's collaborators.
type Handler struct {
	coord    *coordinator.Coordinator
	store    store.RecordStore
	reports  *stats.Aggregator
	validate *validator.Validate
}

// NewHandler creates the API handler.
func NewHandler(coord *coordinator.Coordinator, st store.RecordStore, reports *stats.Aggregator) *Handler {
	return &Handler{
		coord:    coord,
		store:    st,
		reports:  reports,
		validate: validator.New(),
	}
}

// ErrorResponse is the JSON error response structure.
type ErrorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, ErrorResponse{Error: msg})
}

// requestRole reads the caller's role from the X-Role header, defaulting
// to the read-only teacher role.
func requestRole(r *http.Request) models.Role {
	switch models.Role(r.Header.Get("X-Role")) {
	case models.RoleAdmin:
		return models.RoleAdmin
	case models.RoleMonitor:
		return models.RoleMonitor
	default:
		return models.RoleTeacher
	}
}

// requestUser reads the caller's identity for modification stamps.
func requestUser(r *http.Request) string {
	if u := r.Header.Get("X-User"); u != "" {
		return u
	}
	return "unknown"
}

// rescope returns the snapshot with every entry's actions re-derived
// for the caller's role, so one coordinator serves readers of any role.
func rescope(snap coordinator.Snapshot, role models.Role) coordinator.Snapshot {
	for i := range snap.Roster {
		snap.Roster[i].Actions = policy.Actions(snap.Roster[i].Status, role)
	}
	return snap
}

// GetRoster handles GET /api/roster: the flat roster projection with
// loading flag, last error and last-updated timestamp.
func (h *Handler) GetRoster(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, rescope(h.coord.Snapshot(), requestRole(r)))
}

// SectionGroup is one display section of the grouped roster.
type SectionGroup struct {
	Section models.Section         `json:"section"`
	Buses   []models.BusWithStatus `json:"buses"`
}

// GetRosterSections handles GET /api/roster/sections: the roster
// grouped by display section in pending/arrived/done order.
func (h *Handler) GetRosterSections(w http.ResponseWriter, r *http.Request) {
	snap := h.coord.Snapshot()
	role := requestRole(r)
	grouped := h.coord.GroupedRoster()

	groups := []SectionGroup{
		{Section: models.SectionPending},
		{Section: models.SectionArrived},
		{Section: models.SectionDone},
	}
	for i := range groups {
		buses := grouped[groups[i].Section]
		if buses == nil {
			buses = []models.BusWithStatus{}
		}
		for j := range buses {
			buses[j].Actions = policy.Actions(buses[j].Status, role)
		}
		groups[i].Buses = buses
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"sections":     groups,
		"loading":      snap.Loading,
		"last_error":   snap.LastError,
		"last_updated": snap.LastUpdated,
	})
}

// LoadRequest selects the active tracker and day.
type LoadRequest struct {
	TrackerID string `json:"tracker_id" validate:"required"`
	Date      string `json:"date"`
}

// LoadSession handles POST /api/session/load.
func (h *Handler) LoadSession(w http.ResponseWriter, r *http.Request) {
	var req LoadRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Date == "" {
		req.Date = timeutil.Today()
	}
	if !timeutil.ValidDateKey(req.Date) {
		respondError(w, http.StatusBadRequest, "invalid date, expected YYYY-MM-DD")
		return
	}
	if err := h.coord.Load(r.Context(), req.TrackerID, req.Date); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rescope(h.coord.Snapshot(), requestRole(r)))
}

// busAction runs one mutating action after checking the caller's role
// against the bus's current permitted actions.
func (h *Handler) busAction(w http.ResponseWriter, r *http.Request, allowed func(models.ActionSet) bool, run func(busNumber string) error) {
	busNumber := chi.URLParam(r, "busNumber")
	role := requestRole(r)

	var rec *models.BusStatus
	for _, b := range h.coord.Snapshot().Roster {
		if b.BusNumber == busNumber {
			s := b.Status
			rec = &s
			break
		}
	}
	if rec == nil {
		respondError(w, http.StatusNotFound, "unknown bus "+busNumber)
		return
	}
	if !allowed(policy.Actions(*rec, role)) {
		respondError(w, http.StatusForbidden, "action not permitted for role "+string(role))
		return
	}

	if err := run(busNumber); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rescope(h.coord.Snapshot(), role))
}

// MarkArrived handles POST /api/buses/{busNumber}/arrive.
func (h *Handler) MarkArrived(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	h.busAction(w, r,
		func(a models.ActionSet) bool { return a.CanMarkArrived },
		func(busNumber string) error { return h.coord.MarkArrived(r.Context(), busNumber, user) })
}

// MarkDeparted handles POST /api/buses/{busNumber}/depart.
func (h *Handler) MarkDeparted(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	h.busAction(w, r,
		func(a models.ActionSet) bool { return a.CanMarkDeparted },
		func(busNumber string) error { return h.coord.MarkDeparted(r.Context(), busNumber, user) })
}

// CoverRequest names the substitute bus serving the route. The covering
// bus number is free text; substitutes may be unregistered.
type CoverRequest struct {
	CoveringBus string `json:"covering_bus" validate:"required"`
}

// MarkCovered handles POST /api/buses/{busNumber}/cover.
func (h *Handler) MarkCovered(w http.ResponseWriter, r *http.Request) {
	var req CoverRequest
	if !h.decode(w, r, &req) {
		return
	}
	user := requestUser(r)
	h.busAction(w, r,
		func(a models.ActionSet) bool { return a.CanMarkCovered },
		func(busNumber string) error { return h.coord.MarkCovered(r.Context(), busNumber, req.CoveringBus, user) })
}

// MarkUncovered handles POST /api/buses/{busNumber}/uncover.
func (h *Handler) MarkUncovered(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	h.busAction(w, r,
		func(a models.ActionSet) bool { return a.CanMarkUncovered },
		func(busNumber string) error { return h.coord.MarkUncovered(r.Context(), busNumber, user) })
}

// EditRequest is a partial edit of a bus's daily record.
type EditRequest struct {
	CoveredBy     *string `json:"covered_by"`
	IsUncovered   *bool   `json:"is_uncovered"`
	ArrivalTime   *string `json:"arrival_time" validate:"omitempty,datetime=15:04"`
	DepartureTime *string `json:"departure_time" validate:"omitempty,datetime=15:04"`
}

// EditBus handles POST /api/buses/{busNumber}/edit.
func (h *Handler) EditBus(w http.ResponseWriter, r *http.Request) {
	var req EditRequest
	if !h.decode(w, r, &req) {
		return
	}
	user := requestUser(r)
	h.busAction(w, r,
		func(a models.ActionSet) bool { return a.CanEdit },
		func(busNumber string) error {
			return h.coord.EditFields(r.Context(), busNumber, store.StatusUpdate{
				CoveredBy:     req.CoveredBy,
				IsUncovered:   req.IsUncovered,
				ArrivalTime:   req.ArrivalTime,
				DepartureTime: req.DepartureTime,
			}, user)
		})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// statusFor maps the store error taxonomy to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}
