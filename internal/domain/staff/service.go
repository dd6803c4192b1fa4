package staff

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/edflow/internal/platform/auth"
	"github.com/ehr/edflow/internal/platform/validate"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) CreateStaff(ctx context.Context, st *Staff) error {
	if err := validate.Struct(st); err != nil {
		return err
	}
	if err := s.repo.Create(ctx, st); err != nil {
		return fmt.Errorf("create staff: %w", err)
	}
	return nil
}

func (s *Service) GetStaff(ctx context.Context, id uuid.UUID) (*Staff, error) {
	return s.repo.GetByID(ctx, id)
}

// ListStaff implements Source.
func (s *Service) ListStaff(ctx context.Context, role auth.Role) ([]Staff, error) {
	list, err := s.repo.List(ctx, role)
	if err != nil {
		return nil, fmt.Errorf("list staff: %w", err)
	}
	out := make([]Staff, len(list))
	for i, st := range list {
		out[i] = *st
	}
	return out, nil
}
