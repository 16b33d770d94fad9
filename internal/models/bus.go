package models

// BusConfig is one configured bus route. Config is created and edited by
// an administrator and lives for the lifetime of the tracker.
type BusConfig struct {
	BusNumber           string `json:"bus_number"`
	ExpectedArrivalTime string `json:"expected_arrival_time"` // HH:MM
	// EarlyDismissalOverrides maps a calendar-day key (YYYY-MM-DD) to a
	// replacement expected arrival time for that day.
	EarlyDismissalOverrides map[string]string `json:"early_dismissal_overrides,omitempty"`
}

// BusStatus is one bus's record for one calendar day. All fields other
// than BusNumber start empty when the day's table is seeded.
//
// CoveredBy and IsUncovered are orthogonal to arrival/departure: a
// covered bus can independently be arrived or departed.
type BusStatus struct {
	BusNumber      string `json:"bus_number"`
	CoveredBy      string `json:"covered_by,omitempty"`
	IsUncovered    bool   `json:"is_uncovered,omitempty"`
	ArrivalTime    string `json:"arrival_time,omitempty"`   // HH:MM, empty = not arrived
	DepartureTime  string `json:"departure_time,omitempty"` // HH:MM, empty = not departed
	LastModifiedBy string `json:"last_modified_by,omitempty"`
	LastModifiedAt string `json:"last_modified_at,omitempty"` // RFC3339
}

// DerivedStatus is the computed lifecycle state of a bus for display
// and permissions.
type DerivedStatus string

const (
	StatusPending   DerivedStatus = "pending"
	StatusArrived   DerivedStatus = "arrived"
	StatusDeparted  DerivedStatus = "departed"
	StatusUncovered DerivedStatus = "uncovered"
)

// Section is the coarse display grouping for a derived status.
type Section string

const (
	SectionPending Section = "pending"
	SectionArrived Section = "arrived"
	SectionDone    Section = "done"
)

// Derive maps a raw status record to its derived status. Total: every
// combination of fields is valid input. Priority order is
// uncovered > departed > arrived > pending.
func Derive(s BusStatus) DerivedStatus {
	switch {
	case s.IsUncovered:
		return StatusUncovered
	case s.DepartureTime != "":
		return StatusDeparted
	case s.ArrivalTime != "":
		return StatusArrived
	default:
		return StatusPending
	}
}

// SectionFor maps a derived status to its display section. Uncovered
// buses stay in the pending section so they remain actionable rather
// than disappearing into done.
func SectionFor(d DerivedStatus) Section {
	switch d {
	case StatusDeparted:
		return SectionDone
	case StatusArrived:
		return SectionArrived
	default:
		return SectionPending
	}
}

// BusWithStatus is the derived roster entry: config merged with the
// day's status plus the computed fields. Never persisted; recomputed on
// every merge.
type BusWithStatus struct {
	BusConfig
	Status        BusStatus     `json:"status"`
	DerivedStatus DerivedStatus `json:"derived_status"`
	Section       Section       `json:"section"`
	Actions       ActionSet     `json:"actions"`
}

// Role is the permission level of the current user.
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleMonitor Role = "monitor"
	RoleAdmin   Role = "admin"
)

// MonitorCapable reports whether the role may perform field operations.
func (r Role) MonitorCapable() bool {
	return r == RoleMonitor || r == RoleAdmin
}

// ActionSet is the set of mutations permitted for one bus for the
// current role.
type ActionSet struct {
	CanMarkArrived   bool `json:"can_mark_arrived"`
	CanMarkDeparted  bool `json:"can_mark_departed"`
	CanMarkCovered   bool `json:"can_mark_covered"`
	CanMarkUncovered bool `json:"can_mark_uncovered"`
	CanEdit          bool `json:"can_edit"`
}
