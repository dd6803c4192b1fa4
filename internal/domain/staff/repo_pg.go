package staff

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/edflow/internal/platform/auth"
	"github.com/ehr/edflow/internal/platform/db"
	"github.com/ehr/edflow/internal/workflow"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const staffCols = `id, name, role, active, created_at`

func (r *repoPG) Create(ctx context.Context, s *Staff) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO staff (id, name, role, active)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		s.ID, s.Name, s.Role, s.Active,
	).Scan(&s.CreatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Staff, error) {
	s, err := scanStaff(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+staffCols+` FROM staff WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, fmt.Errorf("staff %s: %w", id, workflow.ErrNotFound)
	}
	return s, err
}

func (r *repoPG) List(ctx context.Context, role auth.Role) ([]*Staff, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+staffCols+` FROM staff WHERE ($1 = '' OR role = $1) ORDER BY name`, string(role))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Staff
	for rows.Next() {
		s, err := scanStaff(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanStaff(row pgx.Row) (*Staff, error) {
	var s Staff
	var role string
	if err := row.Scan(&s.ID, &s.Name, &role, &s.Active, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.Role = auth.Role(role)
	return &s, nil
}
