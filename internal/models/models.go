package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Status is the operational state of a driver. Transitions between statuses
// are validated against an adjacency table; see internal/status.
type Status string

const (
	StatusOffline     Status = "offline"
	StatusActive      Status = "active"
	StatusBusy        Status = "busy"
	StatusBreak       Status = "break"
	StatusMaintenance Status = "maintenance"
	StatusSuspended   Status = "suspended"
	StatusEmergency   Status = "emergency"
)

// AllStatuses lists every valid status, in declaration order.
var AllStatuses = []Status{
	StatusOffline, StatusActive, StatusBusy, StatusBreak,
	StatusMaintenance, StatusSuspended, StatusEmergency,
}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

type Role string

const (
	RoleDriver          Role = "driver"
	RoleOperator        Role = "operator"
	RoleRegionalManager Role = "regional_manager"
	RoleAdmin           Role = "admin"
	RoleSafetyMonitor   Role = "safety_monitor"
)

// Actor is the caller identity supplied by the identity provider. The engine
// consults only Role and RegionID; it never re-derives identity.
type Actor struct {
	ID        string `json:"id"`
	ActorType string `json:"actor_type"`
	Role      Role   `json:"role"`
	RegionID  string `json:"region_id"`
}

// Driver is the source-of-truth record. Status is mutated only through the
// transition engine, never directly.
type Driver struct {
	ID           string    `json:"id"`
	RegionID     string    `json:"region_id"`
	Status       Status    `json:"status"`
	Rating       float64   `json:"rating"` // 0..5
	TripCount    int       `json:"trip_count"`
	ServiceTypes []string  `json:"service_types"`
	Active       bool      `json:"active"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// LocationSample is the most recent location report for a driver. The matcher
// only trusts the latest non-expired sample; stale samples are ignored, not
// deleted.
type LocationSample struct {
	DriverID    string    `json:"driver_id"`
	Loc         Coord     `json:"loc"`
	Heading     *float64  `json:"heading,omitempty"`
	SpeedKmh    *float64  `json:"speed_kmh,omitempty"`
	AccuracyM   *float64  `json:"accuracy_m,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	IsAvailable bool      `json:"is_available"`
	Status      Status    `json:"status"`
}

func (s *LocationSample) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// StatusTransitionRecord is the append-only audit row written with every
// committed transition.
type StatusTransitionRecord struct {
	ID        string    `json:"id"`
	DriverID  string    `json:"driver_id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	ActorID   string    `json:"actor_id"`
	ActorRole Role      `json:"actor_role"`
	Reason    string    `json:"reason,omitempty"`
	RegionID  string    `json:"region_id"`
	CreatedAt time.Time `json:"created_at"`
}

// AvailabilityEntry is the cache-derived view the matcher reads on the hot
// path. It is rebuilt from Driver + LocationSample and never written back to
// the record store.
type AvailabilityEntry struct {
	DriverID     string    `json:"driver_id"`
	RegionID     string    `json:"region_id"`
	Status       Status    `json:"status"`
	Available    bool      `json:"available"`
	Loc          Coord     `json:"loc"`
	RecordedAt   time.Time `json:"recorded_at"`
	Rating       float64   `json:"rating"`
	TripCount    int       `json:"trip_count"`
	ServiceTypes []string  `json:"service_types"`
}

// TransitionEvent is the payload published after a transition commits.
// Delivery is at-most-once; the audit trail remains the authority.
type TransitionEvent struct {
	DriverID  string    `json:"driver_id"`
	RegionID  string    `json:"region_id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	ActorID   string    `json:"actor_id"`
	ActorRole Role      `json:"actor_role"`
	Reason    string    `json:"reason,omitempty"`
	Loc       *Coord    `json:"loc,omitempty"`
	Critical  bool      `json:"critical"`
	At        time.Time `json:"at"`
}

// CriticalTransition reports whether a from→to pair enters or leaves
// suspended or emergency, which routes the event to the privileged role
// channel in addition to the driver and region channels.
func CriticalTransition(from, to Status) bool {
	crit := func(s Status) bool { return s == StatusSuspended || s == StatusEmergency }
	return crit(from) || crit(to)
}
