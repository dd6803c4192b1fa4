package encounter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/edflow/internal/domain/staff"
	"github.com/ehr/edflow/internal/platform/auth"
	"github.com/ehr/edflow/internal/platform/db"
	"github.com/ehr/edflow/internal/platform/events"
	"github.com/ehr/edflow/internal/workflow"
	"github.com/ehr/edflow/pkg/pagination"
)

// StaffDirectory resolves staff members for intake checks.
type StaffDirectory interface {
	GetStaff(ctx context.Context, id uuid.UUID) (*staff.Staff, error)
}

// Service is the authoritative side of the encounter workflow. Every rule
// the client-side Lifecycle applies is enforced again here inside the
// database transaction that commits the change.
type Service struct {
	repo    Repository
	tx      db.TxRunner
	staff   StaffDirectory
	pub     events.Publisher
	metrics *workflow.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func NewService(repo Repository, tx db.TxRunner, dir StaffDirectory) *Service {
	return &Service{
		repo:   repo,
		tx:     tx,
		staff:  dir,
		pub:    events.Nop{},
		logger: zerolog.Nop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetPublisher attaches the notifier committed transitions are sent to.
func (s *Service) SetPublisher(p events.Publisher) { s.pub = p }

func (s *Service) SetMetrics(m *workflow.Metrics) { s.metrics = m }

func (s *Service) SetLogger(l zerolog.Logger) { s.logger = l }

// CreateEncounter opens a new visit in TRIAGE. The responsible staff member
// must be an active doctor.
func (s *Service) CreateEncounter(ctx context.Context, actor auth.Actor, req CreateRequest) (*Encounter, error) {
	if actor.Role != auth.RoleDoctor && actor.Role != auth.RoleNurse {
		return nil, &workflow.DenialError{Reason: "only clinical staff may register encounters"}
	}
	if err := ValidateCreate(&req); err != nil {
		return nil, err
	}
	st, err := s.staff.GetStaff(ctx, req.ResponsibleStaffID)
	switch {
	case errors.Is(err, workflow.ErrNotFound):
		return nil, workflow.NewValidationError("responsible_staff_id", "unknown staff member")
	case err != nil:
		return nil, fmt.Errorf("resolve responsible staff: %w", err)
	case !st.Active || st.Role != auth.RoleDoctor:
		return nil, workflow.NewValidationError("responsible_staff_id", "must be an active doctor")
	}

	now := s.now()
	enc := &Encounter{
		PatientMRN:         req.PatientMRN,
		Status:             StatusTriage,
		TriageLevel:        req.TriageLevel,
		ChiefComplaint:     req.ChiefComplaint,
		ResponsibleStaffID: req.ResponsibleStaffID,
		Vitals:             req.Vitals.clone(),
		StartTime:          now,
	}
	if err := s.repo.Create(ctx, enc); err != nil {
		return nil, fmt.Errorf("create encounter: %w", err)
	}
	s.logger.Info().Str("encounter_id", enc.Key()).Str("actor", actor.String()).Int("triage_level", enc.TriageLevel).Msg("encounter registered")
	return enc, nil
}

func (s *Service) GetEncounter(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListEncounters(ctx context.Context, f ListFilter, p pagination.Params) ([]*Encounter, int, error) {
	p = p.Normalize()
	return s.repo.List(ctx, f, p.Limit, p.Offset)
}

func (s *Service) GetStatusHistory(ctx context.Context, id uuid.UUID) ([]*StatusHistory, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.GetStatusHistory(ctx, id)
}

// TransitionStatus applies req to the encounter under a row lock. The
// adjacency table, the guard and disposition completeness are checked
// against the locked row; end_time and authorized_by are set here, never
// taken from the caller.
func (s *Service) TransitionStatus(ctx context.Context, actor auth.Actor, id uuid.UUID, req StatusRequest) (*Encounter, error) {
	target, ok := ParseStatus(string(req.NewStatus))
	if !ok {
		return nil, workflow.NewValidationError("newStatus", "unknown status")
	}

	var out *Encounter
	var from Status
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		enc, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		from = enc.Status

		if !CanMove(enc.Status, target) {
			return &workflow.TransitionError{Kind: kind, From: string(enc.Status), To: string(target)}
		}
		if d := CanTransition(actor, *enc, target); !d.Allow {
			return &workflow.DenialError{Reason: d.Reason}
		}

		now := s.now()
		if target.IsTerminal() {
			if err := ValidateDisposition(req.Disposition); err != nil {
				return err
			}
			disp := req.Disposition.clone()
			by := actor.StaffID
			disp.AuthorizedBy = &by
			enc.Disposition = disp
			enc.EndTime = &now
		}
		enc.Status = target
		enc.UpdatedAt = now

		if err := s.repo.UpdateStatus(ctx, enc); err != nil {
			return fmt.Errorf("update encounter status: %w", err)
		}
		if err := s.repo.AddStatusHistory(ctx, &StatusHistory{
			EncounterID: enc.ID,
			FromStatus:  from,
			ToStatus:    target,
			ChangedBy:   actor.StaffID,
			ChangedAt:   now,
		}); err != nil {
			return fmt.Errorf("record status history: %w", err)
		}
		out = enc
		return nil
	})
	if err != nil {
		s.reject(actor, id, target, err)
		return nil, err
	}

	s.logger.Info().Str("encounter_id", out.Key()).Str("actor", actor.String()).
		Str("from", string(from)).Str("to", string(target)).Msg("encounter transition committed")
	ev := events.New(events.TopicEncounter, events.TransitionCommitted, "Encounter", out.Key(), map[string]string{
		"from": string(from), "to": string(target), "changed_by": actor.StaffID.String(),
	})
	if err := s.pub.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Msg("publish encounter transition")
	}
	return out, nil
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
	s.logger.Info().Str("encounter_id", id.String()).Str("actor", actor.String()).
		Str("target", string(target)).Str("reason", reason).Err(err).Msg("encounter transition rejected")
}
