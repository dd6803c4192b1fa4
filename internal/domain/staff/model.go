package staff

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/edflow/internal/platform/auth"
)

// Staff maps to the staff table.
type Staff struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name" validate:"notblank,max=200"`
	Role      auth.Role `db:"role" json:"role" validate:"oneof=ADMIN DOCTOR NURSE"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Clinical reports whether the staff member may process diagnostic tests.
func (s Staff) Clinical() bool {
	return s.Active && (s.Role == auth.RoleDoctor || s.Role == auth.RoleNurse)
}
