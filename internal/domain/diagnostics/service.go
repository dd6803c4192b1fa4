package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/edflow/internal/domain/encounter"
	"github.com/ehr/edflow/internal/domain/staff"
	"github.com/ehr/edflow/internal/platform/auth"
	"github.com/ehr/edflow/internal/platform/db"
	"github.com/ehr/edflow/internal/platform/events"
	"github.com/ehr/edflow/internal/platform/validate"
	"github.com/ehr/edflow/internal/workflow"
)

// EncounterReader resolves the encounter a test is ordered under.
type EncounterReader interface {
	GetEncounter(ctx context.Context, id uuid.UUID) (*encounter.Encounter, error)
}

// StaffDirectory resolves processed_by ids on the server.
type StaffDirectory interface {
	GetStaff(ctx context.Context, id uuid.UUID) (*staff.Staff, error)
}

// Integrity hashes and anchors completed results and confirms them before
// promotion. The integrity service implements it.
type Integrity interface {
	// Digest returns the canonical hash of results.
	Digest(results *ResultMap) string
	// Anchor writes the test's results hash to the ledger and records the
	// outcome on t.
	Anchor(ctx context.Context, t *DiagnosticTest) error
	// Confirm returns nil only when the three-way hash check of t is VERIFIED.
	Confirm(ctx context.Context, t DiagnosticTest) error
}

// Service is the authoritative side of the diagnostic test workflow.
type Service struct {
	repo       Repository
	tx         db.TxRunner
	encounters EncounterReader
	staff      StaffDirectory
	integrity  Integrity
	pub        events.Publisher
	metrics    *workflow.Metrics
	logger     zerolog.Logger
	now        func() time.Time
}

func NewService(repo Repository, tx db.TxRunner, encounters EncounterReader, dir StaffDirectory) *Service {
	return &Service{
		repo:       repo,
		tx:         tx,
		encounters: encounters,
		staff:      dir,
		pub:        events.Nop{},
		logger:     zerolog.Nop(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetIntegrity attaches the hashing and anchoring backend. It is set after
// construction because the integrity service reads tests through this
// package's repository.
func (s *Service) SetIntegrity(i Integrity) { s.integrity = i }

func (s *Service) SetPublisher(p events.Publisher) { s.pub = p }

func (s *Service) SetMetrics(m *workflow.Metrics) { s.metrics = m }

func (s *Service) SetLogger(l zerolog.Logger) { s.logger = l }

// CreateTest orders a test under an open encounter.
func (s *Service) CreateTest(ctx context.Context, actor auth.Actor, encounterID uuid.UUID, req CreateRequest) (*DiagnosticTest, error) {
	if actor.Role != auth.RoleDoctor && actor.Role != auth.RoleNurse {
		return nil, &workflow.DenialError{Reason: "only clinical staff may order tests"}
	}
	if err := validate.Struct(req); err != nil {
		return nil, err
	}
	enc, err := s.encounters.GetEncounter(ctx, encounterID)
	if err != nil {
		return nil, err
	}
	if enc.IsClosed() {
		return nil, workflow.NewValidationError("encounter_id", "encounter is closed")
	}

	t := &DiagnosticTest{
		EncounterID: encounterID,
		TestType:    req.TestType,
		Status:      StatusRequested,
		RequestedBy: actor.StaffID,
		RequestedAt: s.now(),
	}
	if err := s.repo.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create diagnostic test: %w", err)
	}
	return t, nil
}

func (s *Service) GetTest(ctx context.Context, id uuid.UUID) (*DiagnosticTest, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListByEncounter(ctx context.Context, encounterID uuid.UUID) ([]*DiagnosticTest, error) {
	if _, err := s.encounters.GetEncounter(ctx, encounterID); err != nil {
		return nil, err
	}
	return s.repo.ListByEncounter(ctx, encounterID)
}

func (s *Service) GetStatusHistory(ctx context.Context, id uuid.UUID) ([]*StatusHistory, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.GetStatusHistory(ctx, id)
}

// Transition moves a test one step forward. All checks run against the
// locked row. Completion hashes the results inside the transaction and
// anchors them after commit; an anchoring failure leaves the test completed
// with blockchain_verified false.
func (s *Service) Transition(ctx context.Context, actor auth.Actor, id uuid.UUID, req TransitionRequest) (*DiagnosticTest, error) {
	target, ok := ParseStatus(string(req.Status))
	if !ok {
		return nil, workflow.NewValidationError("status", "unknown status")
	}

	var out *DiagnosticTest
	var from Status
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		t, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		from = t.Status
		if !CanMove(t.Status, target) {
			return &workflow.TransitionError{Kind: kind, From: string(t.Status), To: string(target)}
		}
		if d := CanTransition(actor, *t, target); !d.Allow {
			return &workflow.DenialError{Reason: d.Reason}
		}

		now := s.now()
		switch target {
		case StatusInProgress:
			if err := s.checkProcessor(ctx, req.ProcessedBy); err != nil {
				return err
			}
			by := *req.ProcessedBy
			t.ProcessedBy = &by
			t.ProcessedAt = &now
		case StatusCompleted:
			if t.ProcessedBy == nil {
				return workflow.NewValidationError("processed_by", "is required")
			}
			if err := ValidateResults(t.TestType, req.Results); err != nil {
				return err
			}
			t.Results = req.Results.Clone()
			t.ResultsHash = s.integrity.Digest(t.Results)
			t.ResultTxHash = ""
			t.BlockchainVerified = false
			t.CompletedAt = &now
		case StatusResultVerified:
			if err := s.integrity.Confirm(ctx, *t); err != nil {
				return err
			}
			t.VerifiedAt = &now
		}
		t.Status = target
		t.UpdatedAt = now

		if err := s.repo.UpdateStatus(ctx, t); err != nil {
			return fmt.Errorf("update diagnostic test status: %w", err)
		}
		if err := s.repo.AddStatusHistory(ctx, &StatusHistory{
			TestID:     t.ID,
			FromStatus: from,
			ToStatus:   target,
			ChangedBy:  actor.StaffID,
			ChangedAt:  now,
		}); err != nil {
			return fmt.Errorf("record status history: %w", err)
		}
		out = t
		return nil
	})
	if err != nil {
		s.reject(actor, id, target, err)
		return nil, err
	}

	if target == StatusCompleted {
		if err := s.integrity.Anchor(ctx, out); err != nil {
			s.logger.Warn().Err(err).Str("test_id", out.Key()).Msg("anchoring failed, test awaits retry")
		}
	}

	s.logger.Info().Str("test_id", out.Key()).Str("actor", actor.String()).
		Str("from", string(from)).Str("to", string(target)).Msg("diagnostic test transition committed")
	ev := events.New(events.TopicDiagnosticTest, events.TransitionCommitted, "DiagnosticTest", out.Key(), map[string]string{
		"from": string(from), "to": string(target), "changed_by": actor.StaffID.String(),
	})
	if err := s.pub.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Msg("publish diagnostic test transition")
	}
	return out, nil
}

func (s *Service) checkProcessor(ctx context.Context, id *uuid.UUID) error {
	if id == nil || *id == uuid.Nil {
		return workflow.NewValidationError("processed_by", "is required")
	}
	st, err := s.staff.GetStaff(ctx, *id)
	switch {
	case errors.Is(err, workflow.ErrNotFound):
		return workflow.NewValidationError("processed_by", "unknown staff member")
	case err != nil:
		return fmt.Errorf("resolve processed_by: %w", err)
	case !st.Clinical():
		return workflow.NewValidationError("processed_by", "must be an active doctor or nurse")
	}
	return nil
}

func (s *Service) reject(actor auth.Actor, id uuid.UUID, target Status, err error) {
	reason := ""
	switch {
	case workflow.IsInvalidTransition(err):
		reason = "invalid_transition"
	case workflow.IsDenial(err):
		reason = "denied"
	case workflow.IsValidation(err):
		reason = "validation"
	default:
		return
	}
	s.metrics.Rejected(kind, reason)
	s.logger.Info().Str("test_id", id.String()).Str("actor", actor.String()).
		Str("target", string(target)).Str("reason", reason).Err(err).Msg("diagnostic test transition rejected")
}
