// Package policy maps a bus's derived status and the current user's role
// to the set of permitted mutations. Pure functions, no side effects.
package policy

import "github.com/busdismissal/tracker/internal/models"

// Actions returns the permitted mutations for one bus record under the
// given role.
//
// Marking uncovered directly is admin-only; monitors reach the uncovered
// flag through the edit path instead.
func Actions(rec models.BusStatus, role models.Role) models.ActionSet {
	derived := models.Derive(rec)
	capable := role.MonitorCapable()

	return models.ActionSet{
		CanMarkArrived:   capable && derived == models.StatusPending && rec.CoveredBy == "" && !rec.IsUncovered,
		CanMarkDeparted:  capable && derived == models.StatusArrived,
		CanMarkCovered:   capable && derived == models.StatusPending,
		CanMarkUncovered: role == models.RoleAdmin && derived == models.StatusPending,
		CanEdit:          capable,
	}
}
