package status

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/driver-availability/internal/booking"
	"github.com/example/driver-availability/internal/cache"
	"github.com/example/driver-availability/internal/models"
	"github.com/example/driver-availability/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T) (*Engine, *storage.MemoryStore, *booking.MemoryGuard, *capturePublisher) {
	t.Helper()
	guard := booking.NewMemoryGuard()
	store := storage.NewMemoryStore(guard)
	avail := cache.NewMemoryCache(3 * time.Minute)
	pub := &capturePublisher{}
	eng := NewEngine(store, avail, pub, guard, nil, discardLogger(), Config{})
	return eng, store, guard, pub
}

func seedDriver(store *storage.MemoryStore, id string, st models.Status) {
	store.PutDriver(&models.Driver{
		ID:           id,
		RegionID:     "r1",
		Status:       st,
		Rating:       4.5,
		TripCount:    120,
		ServiceTypes: []string{"standard"},
		Active:       true,
	})
}

var testRoles = []models.Role{
	models.RoleDriver, models.RoleOperator, models.RoleRegionalManager,
	models.RoleAdmin, models.RoleSafetyMonitor,
}

// expectOutcome is the transition rule set written out independently of the engine
// internals: reachability, then capability gates, then booking guards.
func expectOutcome(table Table, from, to models.Status, role models.Role, hasBooking bool) error {
	if to == from {
		return ErrInvalidTransition
	}
	if !table.Allows(from, to) {
		return ErrInvalidTransition
	}
	caps := CapabilitiesFor(role)
	if c, gated := requiredCapability(from, to); gated && !caps.Has(c) {
		return ErrInsufficientPermission
	}
	if !caps.Has(CapGuardOverride) {
		if steppingAway(to) && hasBooking {
			return ErrGuardViolation
		}
		if to == models.StatusBusy && !hasBooking {
			return ErrGuardViolation
		}
	}
	return nil
}

func TestRequestTransitionExhaustive(t *testing.T) {
	table := DefaultTable()
	for _, hasBooking := range []bool{false, true} {
		for _, role := range testRoles {
			for _, from := range models.AllStatuses {
				for _, to := range models.AllStatuses {
					name := fmt.Sprintf("%s_to_%s_as_%s_booking_%v", from, to, role, hasBooking)
					t.Run(name, func(t *testing.T) {
						eng, store, guard, _ := newTestEngine(t)
						seedDriver(store, "d1", from)
						if hasBooking {
							guard.Begin("d1")
						}
						_, err := eng.RequestTransition(context.Background(), TransitionRequest{
							DriverID: "d1",
							Target:   to,
							Actor:    models.Actor{ID: "a1", Role: role},
						})
						want := expectOutcome(table, from, to, role, hasBooking)
						if want == nil {
							if err != nil {
								t.Fatalf("expected success, got %v", err)
							}
							return
						}
						if !errors.Is(err, want) {
							t.Fatalf("expected %v, got %v", want, err)
						}
					})
				}
			}
		}
	}
}

// Spot checks with hardcoded expectations, independent of expectOutcome.
func TestRequestTransitionSpotChecks(t *testing.T) {
	cases := []struct {
		name    string
		from    models.Status
		to      models.Status
		role    models.Role
		booking bool
		want    error
	}{
		{"driver goes online", models.StatusOffline, models.StatusActive, models.RoleDriver, false, nil},
		{"driver to busy without booking", models.StatusActive, models.StatusBusy, models.RoleDriver, false, ErrGuardViolation},
		{"driver to busy with booking", models.StatusActive, models.StatusBusy, models.RoleDriver, true, nil},
		{"operator forces busy without booking", models.StatusActive, models.StatusBusy, models.RoleOperator, false, nil},
		{"busy driver abandons booking", models.StatusBusy, models.StatusOffline, models.RoleDriver, true, ErrGuardViolation},
		{"operator takes busy driver offline", models.StatusBusy, models.StatusOffline, models.RoleOperator, true, nil},
		{"driver tries to self-unsuspend", models.StatusSuspended, models.StatusOffline, models.RoleDriver, false, ErrInsufficientPermission},
		{"regional manager clears suspension", models.StatusSuspended, models.StatusOffline, models.RoleRegionalManager, false, nil},
		{"operator cannot suspend", models.StatusActive, models.StatusSuspended, models.RoleOperator, false, ErrInsufficientPermission},
		{"admin suspends", models.StatusActive, models.StatusSuspended, models.RoleAdmin, false, nil},
		{"driver raises emergency", models.StatusActive, models.StatusEmergency, models.RoleDriver, false, nil},
		{"operator cannot clear emergency", models.StatusEmergency, models.StatusActive, models.RoleOperator, false, ErrInsufficientPermission},
		{"safety monitor clears emergency", models.StatusEmergency, models.StatusActive, models.RoleSafetyMonitor, false, nil},
		{"busy to break is not an edge", models.StatusBusy, models.StatusBreak, models.RoleDriver, false, ErrInvalidTransition},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			eng, store, guard, _ := newTestEngine(t)
			seedDriver(store, "d1", tc.from)
			if tc.booking {
				guard.Begin("d1")
			}
			_, err := eng.RequestTransition(context.Background(), TransitionRequest{
				DriverID: "d1",
				Target:   tc.to,
				Actor:    models.Actor{ID: "a1", Role: tc.role},
			})
			if tc.want == nil {
				if err != nil {
					t.Fatalf("expected success, got %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestSelfTransitionAlwaysRejected(t *testing.T) {
	for _, st := range models.AllStatuses {
		eng, store, _, _ := newTestEngine(t)
		seedDriver(store, "d1", st)
		_, err := eng.RequestTransition(context.Background(), TransitionRequest{
			DriverID: "d1",
			Target:   st,
			Actor:    models.Actor{ID: "a1", Role: models.RoleAdmin},
		})
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("self-transition %s: expected ErrInvalidTransition, got %v", st, err)
		}
	}
}

func TestUnknownRoleFailsClosed(t *testing.T) {
	eng, store, _, _ := newTestEngine(t)
	seedDriver(store, "d1", models.StatusSuspended)
	_, err := eng.RequestTransition(context.Background(), TransitionRequest{
		DriverID: "d1",
		Target:   models.StatusOffline,
		Actor:    models.Actor{ID: "a1", Role: "intern"},
	})
	if !errors.Is(err, ErrInsufficientPermission) {
		t.Fatalf("expected ErrInsufficientPermission, got %v", err)
	}
}

func TestCapabilitiesForRoles(t *testing.T) {
	if !CapabilitiesFor(models.RoleAdmin).Has(CapEmergencyClear) {
		t.Fatal("admin should clear emergencies")
	}
	if CapabilitiesFor(models.RoleOperator).Has(CapSuspendSet) {
		t.Fatal("operator must not suspend")
	}
	if !CapabilitiesFor(models.RoleSafetyMonitor).Has(CapEmergencyClear) {
		t.Fatal("safety monitor should clear emergencies")
	}
	if CapabilitiesFor("unknown").Has(CapTransitionSelf) {
		t.Fatal("unknown roles get no capabilities")
	}
}
