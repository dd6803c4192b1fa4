package encounter

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, enc *Encounter) error
	GetByID(ctx context.Context, id uuid.UUID) (*Encounter, error)
	// GetForUpdate locks the row until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Encounter, error)
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Encounter, int, error)
	UpdateStatus(ctx context.Context, enc *Encounter) error

	// Status History
	AddStatusHistory(ctx context.Context, sh *StatusHistory) error
	GetStatusHistory(ctx context.Context, encounterID uuid.UUID) ([]*StatusHistory, error)
}
