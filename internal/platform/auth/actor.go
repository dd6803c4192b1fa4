package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Role is a staff role. Only these three exist.
type Role string

const (
	RoleAdmin  Role = "ADMIN"
	RoleDoctor Role = "DOCTOR"
	RoleNurse  Role = "NURSE"
)

// ParseRole normalizes s and rejects unknown roles.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	switch r {
	case RoleAdmin, RoleDoctor, RoleNurse:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Actor is the authenticated staff member performing a request.
type Actor struct {
	StaffID uuid.UUID `json:"staff_id"`
	Role    Role      `json:"role"`
}

// IsZero reports whether no actor was resolved.
func (a Actor) IsZero() bool {
	return a.StaffID == uuid.Nil && a.Role == ""
}

func (a Actor) String() string {
	return fmt.Sprintf("%s(%s)", a.Role, a.StaffID)
}

type contextKey string

const actorKey contextKey = "actor"

// WithActor returns a copy of ctx carrying a.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// ActorFromContext returns the actor stored by the auth middleware.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey).(Actor)
	return a, ok
}
