package integrity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/edflow/internal/domain/diagnostics"
	"github.com/ehr/edflow/internal/platform/events"
	"github.com/ehr/edflow/internal/platform/ledger"
	"github.com/ehr/edflow/internal/workflow"
)

// TestStore is the slice of the diagnostic test repository the service uses.
type TestStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*diagnostics.DiagnosticTest, error)
	UpdateAnchor(ctx context.Context, id uuid.UUID, txHash string, verified bool) error
}

// Ledger is the anchoring backend. *ledger.Ledger implements it.
type Ledger interface {
	Anchor(ctx context.Context, testID, hash string) (ledger.Entry, error)
	Lookup(ctx context.Context, testID string) (ledger.Entry, error)
}

// Service is the server side of the Integrity API. It also implements
// diagnostics.Integrity for the test workflow.
type Service struct {
	tests   TestStore
	ledger  Ledger
	pub     events.Publisher
	metrics *Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

func NewService(tests TestStore, l Ledger) *Service {
	return &Service{
		tests:  tests,
		ledger: l,
		pub:    events.Nop{},
		logger: zerolog.Nop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetPublisher(p events.Publisher) { s.pub = p }

func (s *Service) SetMetrics(m *Metrics) { s.metrics = m }

func (s *Service) SetLogger(l zerolog.Logger) { s.logger = l }

// Digest implements diagnostics.Integrity.
func (s *Service) Digest(results *diagnostics.ResultMap) string {
	return HashResults(results)
}

// Anchor writes t.ResultsHash to the ledger and records the transaction on
// t and in the store. A test that is already anchored with the same hash
// reuses the existing entry.
func (s *Service) Anchor(ctx context.Context, t *diagnostics.DiagnosticTest) error {
	if t.ResultsHash == "" {
		return workflow.NewValidationError("results_hash", "test has no results hash to anchor")
	}
	entry, err := s.ledger.Anchor(ctx, t.Key(), t.ResultsHash)
	if errors.Is(err, ledger.ErrAlreadyAnchored) {
		entry, err = s.ledger.Lookup(ctx, t.Key())
		if err == nil && entry.Hash != t.ResultsHash {
			err = fmt.Errorf("ledger holds a different hash for test %s", t.Key())
		}
	}
	if err != nil {
		s.metrics.anchored("failed")
		s.publish(ctx, events.AnchorFailed, t.Key(), map[string]string{"error": err.Error()})
		return fmt.Errorf("anchor test %s: %w", t.Key(), err)
	}

	if err := s.tests.UpdateAnchor(ctx, t.ID, entry.TxHash, true); err != nil {
		s.metrics.anchored("failed")
		return fmt.Errorf("record anchor: %w", err)
	}
	t.ResultTxHash = entry.TxHash
	t.BlockchainVerified = true
	s.metrics.anchored("ok")
	s.logger.Info().Str("test_id", t.Key()).Str("tx", entry.TxHash).Uint64("height", entry.Height).Msg("results anchored")
	return nil
}

// Check computes the verification record of t without side effects.
func (s *Service) Check(ctx context.Context, t diagnostics.DiagnosticTest) (VerificationRecord, error) {
	if !t.Status.AtLeast(diagnostics.StatusCompleted) {
		return VerificationRecord{}, workflow.NewValidationError("status", "only completed tests can be verified")
	}
	h := Hashes{Stored: t.ResultsHash, Regenerated: HashResults(t.Results)}
	rec := VerificationRecord{TestID: t.ID, VerificationTimestamp: s.now()}

	entry, err := s.ledger.Lookup(ctx, t.Key())
	switch {
	case errors.Is(err, ledger.ErrNotAnchored):
	case err != nil:
		return VerificationRecord{}, fmt.Errorf("read ledger: %w", err)
	default:
		h.Blockchain = entry.Hash
		rec.BlockchainTx = entry.TxHash
	}

	rec.Hashes = h
	rec.Comparison = Compare(h)
	rec.IntegrityStatus = Classify(h)
	return rec, nil
}

// Verify loads a test and runs the three-way comparison on it.
func (s *Service) Verify(ctx context.Context, testID uuid.UUID) (VerificationRecord, error) {
	t, err := s.tests.GetByID(ctx, testID)
	if err != nil {
		return VerificationRecord{}, err
	}
	rec, err := s.Check(ctx, *t)
	if err != nil {
		return VerificationRecord{}, err
	}
	s.metrics.verified(rec.IntegrityStatus)

	switch rec.IntegrityStatus {
	case StatusTampering:
		s.logger.Error().Str("test_id", t.Key()).
			Str("stored_hash", rec.Hashes.Stored).
			Str("regenerated_hash", rec.Hashes.Regenerated).
			Str("blockchain_hash", rec.Hashes.Blockchain).
			Msg("result tampering detected")
		s.publish(ctx, events.TamperingDetected, t.Key(), rec)
	case StatusVerified:
		s.publish(ctx, events.IntegrityVerified, t.Key(), rec)
	default:
		s.logger.Info().Str("test_id", t.Key()).Msg("verification incomplete, results not anchored")
	}
	return rec, nil
}

// Confirm implements diagnostics.Integrity. It denies promotion unless the
// test currently verifies.
func (s *Service) Confirm(ctx context.Context, t diagnostics.DiagnosticTest) error {
	rec, err := s.Check(ctx, t)
	if err != nil {
		return err
	}
	if rec.IntegrityStatus != StatusVerified {
		return &workflow.DenialError{Reason: "integrity status is " + string(rec.IntegrityStatus)}
	}
	return nil
}

// Retry re-anchors a completed test whose hash has not reached the ledger.
func (s *Service) Retry(ctx context.Context, testID uuid.UUID) (*diagnostics.DiagnosticTest, error) {
	t, err := s.tests.GetByID(ctx, testID)
	if err != nil {
		return nil, err
	}
	if !t.AwaitingAnchor() {
		return nil, workflow.NewValidationError("status", "only completed tests awaiting anchoring can be retried")
	}
	if err := s.Anchor(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) publish(ctx context.Context, typ, id string, data interface{}) {
	if err := s.pub.Publish(ctx, events.New(events.TopicIntegrity, typ, "DiagnosticTest", id, data)); err != nil {
		s.logger.Warn().Err(err).Str("event", typ).Msg("publish failed")
	}
}
