package status

import "github.com/example/driver-availability/internal/models"

// Capability is a single grant an actor holds. Role-gated transitions declare
// the capability they require; the engine checks set membership instead of
// comparing role names.
type Capability string

const (
	CapTransitionSelf Capability = "transition:self"
	CapGuardOverride  Capability = "guard:override"
	CapSuspendSet     Capability = "suspend:set"
	CapSuspendClear   Capability = "suspend:clear"
	CapEmergencyClear Capability = "emergency:clear"
	CapMaintenanceSet Capability = "maintenance:set"
)

type CapabilitySet map[Capability]struct{}

func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

func newSet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

var roleCapabilities = map[models.Role]CapabilitySet{
	models.RoleDriver:   newSet(CapTransitionSelf),
	models.RoleOperator: newSet(CapTransitionSelf, CapGuardOverride, CapMaintenanceSet),
	models.RoleRegionalManager: newSet(
		CapTransitionSelf, CapGuardOverride, CapMaintenanceSet,
		CapSuspendSet, CapSuspendClear,
	),
	models.RoleAdmin: newSet(
		CapTransitionSelf, CapGuardOverride, CapMaintenanceSet,
		CapSuspendSet, CapSuspendClear, CapEmergencyClear,
	),
	models.RoleSafetyMonitor: newSet(CapTransitionSelf, CapEmergencyClear),
}

// CapabilitiesFor resolves the capability set for a role. Unknown roles get
// an empty set, so every gated transition fails closed.
func CapabilitiesFor(role models.Role) CapabilitySet {
	if s, ok := roleCapabilities[role]; ok {
		return s
	}
	return CapabilitySet{}
}

// requiredCapability returns the capability gating a from→to edge, if any.
func requiredCapability(from, to models.Status) (Capability, bool) {
	switch {
	case to == models.StatusSuspended:
		return CapSuspendSet, true
	case from == models.StatusSuspended:
		return CapSuspendClear, true
	case from == models.StatusEmergency:
		return CapEmergencyClear, true
	case to == models.StatusMaintenance:
		return CapMaintenanceSet, true
	}
	return "", false
}
