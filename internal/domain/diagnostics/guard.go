package diagnostics

import (
	"fmt"

	"github.com/ehr/edflow/internal/platform/auth"
)

// Denial reasons.
const (
	ReasonInvalidTransition = "invalid transition"
	ReasonRoleNotPermitted  = "role may not perform this step"
)

type Decision struct {
	Allow  bool
	Reason string
}

// CanTransition decides whether actor may move t to target. Processing and
// completion are clinical steps for doctors and nurses; promotion to
// RESULT_VERIFIED follows an integrity check and is open to doctors and
// administrators.
func CanTransition(actor auth.Actor, t DiagnosticTest, target Status) Decision {
	if !CanMove(t.Status, target) {
		return Decision{Reason: fmt.Sprintf("%s: %s to %s", ReasonInvalidTransition, t.Status, target)}
	}
	var allowed []auth.Role
	switch target {
	case StatusInProgress, StatusCompleted:
		allowed = []auth.Role{auth.RoleDoctor, auth.RoleNurse}
	case StatusResultVerified:
		allowed = []auth.Role{auth.RoleDoctor, auth.RoleAdmin}
	}
	for _, r := range allowed {
		if actor.Role == r {
			return Decision{Allow: true}
		}
	}
	return Decision{Reason: ReasonRoleNotPermitted}
}
