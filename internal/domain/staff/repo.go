package staff

import (
	"context"

	"github.com/google/uuid"

	"github.com/ehr/edflow/internal/platform/auth"
)

type Repository interface {
	Create(ctx context.Context, s *Staff) error
	GetByID(ctx context.Context, id uuid.UUID) (*Staff, error)
	// List returns staff ordered by name. An empty role lists everyone.
	List(ctx context.Context, role auth.Role) ([]*Staff, error)
}
