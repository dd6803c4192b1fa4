package encounter

import (
	"fmt"

	"github.com/ehr/edflow/internal/platform/auth"
)

// Denial reasons.
const (
	ReasonInvalidTransition = "invalid transition"
	ReasonRoleNotPermitted  = "role may not change encounter status"
	ReasonNurseTerminal     = "nurses may not discharge or admit"
	ReasonNotResponsible    = "only the responsible doctor may close the encounter"
)

// Decision is the outcome of CanTransition.
type Decision struct {
	Allow  bool
	Reason string
}

func deny(reason string) Decision { return Decision{Reason: reason} }

// CanTransition decides whether actor may move enc to target. It has no side
// effects and is evaluated both before the optimistic write and again by the
// server before committing.
func CanTransition(actor auth.Actor, enc Encounter, target Status) Decision {
	if !CanMove(enc.Status, target) {
		return deny(fmt.Sprintf("%s: %s to %s", ReasonInvalidTransition, enc.Status, target))
	}
	switch actor.Role {
	case auth.RoleDoctor, auth.RoleNurse:
	default:
		return deny(ReasonRoleNotPermitted)
	}
	if !target.IsTerminal() {
		return Decision{Allow: true}
	}
	if actor.Role == auth.RoleNurse {
		return deny(ReasonNurseTerminal)
	}
	if actor.StaffID != enc.ResponsibleStaffID {
		return deny(ReasonNotResponsible)
	}
	return Decision{Allow: true}
}
