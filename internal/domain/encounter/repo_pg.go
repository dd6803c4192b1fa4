package encounter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/edflow/internal/platform/db"
	"github.com/ehr/edflow/internal/workflow"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const encCols = `id, patient_mrn, status, triage_level, chief_complaint, responsible_staff_id,
	vitals, start_time, end_time,
	discharge_summary, follow_up_instructions, disposition_authorized_by,
	created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, enc *Encounter) error {
	if enc.ID == uuid.Nil {
		enc.ID = uuid.New()
	}
	vitals, err := marshalVitals(enc.Vitals)
	if err != nil {
		return err
	}
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO encounters (
			id, patient_mrn, status, triage_level, chief_complaint, responsible_staff_id,
			vitals, start_time
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`,
		enc.ID, enc.PatientMRN, enc.Status, enc.TriageLevel, enc.ChiefComplaint, enc.ResponsibleStaffID,
		vitals, enc.StartTime,
	).Scan(&enc.CreatedAt, &enc.UpdatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	return r.get(ctx, `SELECT `+encCols+` FROM encounters WHERE id = $1`, id)
}

func (r *repoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	return r.get(ctx, `SELECT `+encCols+` FROM encounters WHERE id = $1 FOR UPDATE`, id)
}

func (r *repoPG) get(ctx context.Context, sql string, id uuid.UUID) (*Encounter, error) {
	enc, err := scanEnc(db.Conn(ctx, r.pool).QueryRow(ctx, sql, id))
	if db.IsNoRows(err) {
		return nil, fmt.Errorf("encounter %s: %w", id, workflow.ErrNotFound)
	}
	return enc, err
}

func (r *repoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Encounter, int, error) {
	var where []string
	var args []interface{}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.ResponsibleStaffID != uuid.Nil {
		args = append(args, f.ResponsibleStaffID)
		where = append(where, fmt.Sprintf("responsible_staff_id = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	q := db.Conn(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM encounters`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := q.Query(ctx, fmt.Sprintf(`SELECT %s FROM encounters%s ORDER BY start_time DESC LIMIT $%d OFFSET $%d`,
		encCols, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var encs []*Encounter
	for rows.Next() {
		e, err := scanEnc(rows)
		if err != nil {
			return nil, 0, err
		}
		encs = append(encs, e)
	}
	return encs, total, rows.Err()
}

func (r *repoPG) UpdateStatus(ctx context.Context, enc *Encounter) error {
	var summary, followUp *string
	var authorizedBy *uuid.UUID
	if d := enc.Disposition; d != nil {
		summary = &d.DischargeSummary
		if d.FollowUpInstructions != "" {
			followUp = &d.FollowUpInstructions
		}
		authorizedBy = d.AuthorizedBy
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE encounters SET
			status = $2, end_time = $3,
			discharge_summary = $4, follow_up_instructions = $5, disposition_authorized_by = $6,
			updated_at = $7
		WHERE id = $1`,
		enc.ID, enc.Status, enc.EndTime, summary, followUp, authorizedBy, enc.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("encounter %s: %w", enc.ID, workflow.ErrNotFound)
	}
	return nil
}

// Status History
func (r *repoPG) AddStatusHistory(ctx context.Context, sh *StatusHistory) error {
	sh.ID = uuid.New()
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO encounter_status_history (id, encounter_id, from_status, to_status, changed_by, changed_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		sh.ID, sh.EncounterID, sh.FromStatus, sh.ToStatus, sh.ChangedBy, sh.ChangedAt,
	)
	return err
}

func (r *repoPG) GetStatusHistory(ctx context.Context, encounterID uuid.UUID) ([]*StatusHistory, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, encounter_id, from_status, to_status, changed_by, changed_at
		FROM encounter_status_history WHERE encounter_id = $1 ORDER BY changed_at`, encounterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []*StatusHistory
	for rows.Next() {
		var sh StatusHistory
		if err := rows.Scan(&sh.ID, &sh.EncounterID, &sh.FromStatus, &sh.ToStatus, &sh.ChangedBy, &sh.ChangedAt); err != nil {
			return nil, err
		}
		history = append(history, &sh)
	}
	return history, rows.Err()
}

func marshalVitals(v *Vitals) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func scanEnc(row pgx.Row) (*Encounter, error) {
	var e Encounter
	var vitals []byte
	var summary, followUp *string
	var authorizedBy *uuid.UUID
	err := row.Scan(
		&e.ID, &e.PatientMRN, &e.Status, &e.TriageLevel, &e.ChiefComplaint, &e.ResponsibleStaffID,
		&vitals, &e.StartTime, &e.EndTime,
		&summary, &followUp, &authorizedBy,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(vitals) > 0 {
		e.Vitals = &Vitals{}
		if err := json.Unmarshal(vitals, e.Vitals); err != nil {
			return nil, fmt.Errorf("decode vitals: %w", err)
		}
	}
	if summary != nil {
		e.Disposition = &Disposition{DischargeSummary: *summary, AuthorizedBy: authorizedBy}
		if followUp != nil {
			e.Disposition.FollowUpInstructions = *followUp
		}
	}
	return &e, nil
}
