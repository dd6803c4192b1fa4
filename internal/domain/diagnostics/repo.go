package diagnostics

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, t *DiagnosticTest) error
	GetByID(ctx context.Context, id uuid.UUID) (*DiagnosticTest, error)
	// GetForUpdate locks the row until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*DiagnosticTest, error)
	ListByEncounter(ctx context.Context, encounterID uuid.UUID) ([]*DiagnosticTest, error)
	UpdateStatus(ctx context.Context, t *DiagnosticTest) error
	// UpdateAnchor records the outcome of anchoring the results hash.
	UpdateAnchor(ctx context.Context, id uuid.UUID, txHash string, verified bool) error

	// Status History
	AddStatusHistory(ctx context.Context, sh *StatusHistory) error
	GetStatusHistory(ctx context.Context, testID uuid.UUID) ([]*StatusHistory, error)
}
