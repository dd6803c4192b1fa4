package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"

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

// results is stored as json, not jsonb, so key order survives the round trip.
const testCols = `id, encounter_id, test_type, status, requested_by, processed_by,
	results, results_hash, result_tx_hash, blockchain_verified,
	requested_at, processed_at, completed_at, verified_at, updated_at`

func (r *repoPG) Create(ctx context.Context, t *DiagnosticTest) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO diagnostic_tests (id, encounter_id, test_type, status, requested_by, requested_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING updated_at`,
		t.ID, t.EncounterID, t.TestType, t.Status, t.RequestedBy, t.RequestedAt,
	).Scan(&t.UpdatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*DiagnosticTest, error) {
	return r.get(ctx, `SELECT `+testCols+` FROM diagnostic_tests WHERE id = $1`, id)
}

func (r *repoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*DiagnosticTest, error) {
	return r.get(ctx, `SELECT `+testCols+` FROM diagnostic_tests WHERE id = $1 FOR UPDATE`, id)
}

func (r *repoPG) get(ctx context.Context, sql string, id uuid.UUID) (*DiagnosticTest, error) {
	t, err := scanTest(db.Conn(ctx, r.pool).QueryRow(ctx, sql, id))
	if db.IsNoRows(err) {
		return nil, fmt.Errorf("diagnostic test %s: %w", id, workflow.ErrNotFound)
	}
	return t, err
}

func (r *repoPG) ListByEncounter(ctx context.Context, encounterID uuid.UUID) ([]*DiagnosticTest, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+testCols+` FROM diagnostic_tests WHERE encounter_id = $1 ORDER BY requested_at`, encounterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DiagnosticTest
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *repoPG) UpdateStatus(ctx context.Context, t *DiagnosticTest) error {
	var results []byte
	if t.Results != nil {
		b, err := json.Marshal(t.Results)
		if err != nil {
			return fmt.Errorf("encode results: %w", err)
		}
		results = b
	}
	var hash *string
	if t.ResultsHash != "" {
		hash = &t.ResultsHash
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE diagnostic_tests SET
			status = $2, processed_by = $3, results = $4, results_hash = $5,
			processed_at = $6, completed_at = $7, verified_at = $8, updated_at = $9
		WHERE id = $1`,
		t.ID, t.Status, t.ProcessedBy, results, hash,
		t.ProcessedAt, t.CompletedAt, t.VerifiedAt, t.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("diagnostic test %s: %w", t.ID, workflow.ErrNotFound)
	}
	return nil
}

func (r *repoPG) UpdateAnchor(ctx context.Context, id uuid.UUID, txHash string, verified bool) error {
	var tx *string
	if txHash != "" {
		tx = &txHash
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE diagnostic_tests SET result_tx_hash = $2, blockchain_verified = $3, updated_at = NOW()
		WHERE id = $1`, id, tx, verified)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("diagnostic test %s: %w", id, workflow.ErrNotFound)
	}
	return nil
}

// Status History
func (r *repoPG) AddStatusHistory(ctx context.Context, sh *StatusHistory) error {
	sh.ID = uuid.New()
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO diagnostic_test_status_history (id, test_id, from_status, to_status, changed_by, changed_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		sh.ID, sh.TestID, sh.FromStatus, sh.ToStatus, sh.ChangedBy, sh.ChangedAt,
	)
	return err
}

func (r *repoPG) GetStatusHistory(ctx context.Context, testID uuid.UUID) ([]*StatusHistory, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, test_id, from_status, to_status, changed_by, changed_at
		FROM diagnostic_test_status_history WHERE test_id = $1 ORDER BY changed_at`, testID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []*StatusHistory
	for rows.Next() {
		var sh StatusHistory
		if err := rows.Scan(&sh.ID, &sh.TestID, &sh.FromStatus, &sh.ToStatus, &sh.ChangedBy, &sh.ChangedAt); err != nil {
			return nil, err
		}
		history = append(history, &sh)
	}
	return history, rows.Err()
}

func scanTest(row pgx.Row) (*DiagnosticTest, error) {
	var t DiagnosticTest
	var results []byte
	var hash, txHash *string
	err := row.Scan(
		&t.ID, &t.EncounterID, &t.TestType, &t.Status, &t.RequestedBy, &t.ProcessedBy,
		&results, &hash, &txHash, &t.BlockchainVerified,
		&t.RequestedAt, &t.ProcessedAt, &t.CompletedAt, &t.VerifiedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(results) > 0 {
		t.Results = NewResultMap()
		if err := json.Unmarshal(results, t.Results); err != nil {
			return nil, fmt.Errorf("decode results: %w", err)
		}
	}
	if hash != nil {
		t.ResultsHash = *hash
	}
	if txHash != nil {
		t.ResultTxHash = *txHash
	}
	return &t, nil
}
