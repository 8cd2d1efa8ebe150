package status

import "github.com/example/driver-availability/internal/models"

// Table is the transition adjacency, kept as configuration so that policy
// changes do not require touching the engine. Self-transitions are rejected
// before the table is consulted.
type Table map[models.Status][]models.Status

// DefaultTable returns the adjacency used in production. Entering busy and
// stepping-away targets carry booking guards, and suspended/emergency edges
// carry capability requirements; those are enforced by the engine, not here.
func DefaultTable() Table {
	return Table{
		models.StatusOffline: {models.StatusActive, models.StatusSuspended},
		models.StatusActive: {
			models.StatusBusy, models.StatusOffline, models.StatusBreak,
			models.StatusMaintenance, models.StatusEmergency, models.StatusSuspended,
		},
		models.StatusBusy:        {models.StatusActive, models.StatusOffline, models.StatusEmergency},
		models.StatusBreak:       {models.StatusActive, models.StatusOffline, models.StatusSuspended},
		models.StatusMaintenance: {models.StatusActive, models.StatusOffline, models.StatusSuspended},
		models.StatusSuspended:   {models.StatusOffline},
		models.StatusEmergency:   {models.StatusActive, models.StatusOffline},
	}
}

// Allows reports whether the table contains the from→to edge.
func (t Table) Allows(from, to models.Status) bool {
	for _, s := range t[from] {
		if s == to {
			return true
		}
	}
	return false
}

// steppingAway targets imply the driver is leaving the dispatchable pool, so
// they require the no-active-booking guard unless the actor can override.
func steppingAway(to models.Status) bool {
	switch to {
	case models.StatusOffline, models.StatusBreak, models.StatusMaintenance, models.StatusSuspended:
		return true
	}
	return false
}
