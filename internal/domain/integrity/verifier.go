package integrity

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/edflow/internal/domain/diagnostics"
	"github.com/ehr/edflow/internal/platform/auth"
	"github.com/ehr/edflow/internal/platform/events"
	"github.com/ehr/edflow/internal/workflow"
)

// ErrInconsistentRecord is returned when a verification record contradicts
// itself. It is a failed verification, not a tampering finding.
var ErrInconsistentRecord = errors.New("inconsistent verification record")

// API is the Integrity API as seen by the verifier.
type API interface {
	HashVerify(ctx context.Context, testID uuid.UUID) (VerificationRecord, error)
}

// Verifier requests three-way hash comparisons and interprets them. It does
// no hashing of its own.
type Verifier struct {
	api         API
	explorerURL string
	pub         events.Publisher
	logger      zerolog.Logger
}

type VerifierOption func(*Verifier)

// WithExplorer sets the base URL of the ledger explorer used for links.
func WithExplorer(base string) VerifierOption {
	return func(v *Verifier) { v.explorerURL = base }
}

func WithPublisher(p events.Publisher) VerifierOption {
	return func(v *Verifier) { v.pub = p }
}

func WithLogger(l zerolog.Logger) VerifierOption {
	return func(v *Verifier) { v.logger = l }
}

func NewVerifier(api API, opts ...VerifierOption) *Verifier {
	v := &Verifier{api: api, pub: events.Nop{}, logger: zerolog.Nop()}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Verify runs a verification for testID and interprets the result. A
// transport or server failure and a self-contradicting record are returned
// as errors; TAMPERING_DETECTED is a successful report with Alarm set.
func (v *Verifier) Verify(ctx context.Context, testID uuid.UUID) (Report, error) {
	rec, err := v.api.HashVerify(ctx, testID)
	if err != nil {
		return Report{}, err
	}
	rep, err := Interpret(rec)
	if err != nil {
		v.logger.Error().Err(err).Str("test_id", testID.String()).Msg("verification record rejected")
		return Report{}, err
	}
	rep.ExplorerLink = ExplorerLink(v.explorerURL, rec.BlockchainTx)

	if rep.Alarm() {
		v.logger.Error().Str("test_id", testID.String()).
			Str("stored_vs_regenerated", string(rep.StoredVsRegenerated)).
			Str("stored_vs_blockchain", string(rep.StoredVsBlockchain)).
			Str("regenerated_vs_blockchain", string(rep.RegeneratedVsBlockchain)).
			Msg("result tampering detected")
		ev := events.New(events.TopicIntegrity, events.TamperingDetected, "DiagnosticTest", testID.String(), rep)
		if err := v.pub.Publish(ctx, ev); err != nil {
			v.logger.Warn().Err(err).Msg("publish tampering alarm")
		}
	}
	return rep, nil
}

// Interpret checks a record for internal consistency and renders each pair
// independently. A missing hash makes its pairs UNAVAILABLE, never MISMATCH.
func Interpret(rec VerificationRecord) (Report, error) {
	c := rec.Comparison
	if (rec.IntegrityStatus == StatusVerified) != c.AllMatch {
		return Report{}, fmt.Errorf("%w: integrity_status %s with all_match=%t", ErrInconsistentRecord, rec.IntegrityStatus, c.AllMatch)
	}
	if c.AllMatch != (c.StoredVsRegenerated && c.StoredVsBlockchain && c.RegeneratedVsBlockchain) {
		return Report{}, fmt.Errorf("%w: all_match disagrees with the pairwise flags", ErrInconsistentRecord)
	}

	h := rec.Hashes
	checks := []struct {
		name string
		a, b string
		flag bool
	}{
		{"stored_vs_regenerated", h.Stored, h.Regenerated, c.StoredVsRegenerated},
		{"stored_vs_blockchain", h.Stored, h.Blockchain, c.StoredVsBlockchain},
		{"regenerated_vs_blockchain", h.Regenerated, h.Blockchain, c.RegeneratedVsBlockchain},
	}
	for _, ch := range checks {
		if ch.flag != match(ch.a, ch.b) {
			return Report{}, fmt.Errorf("%w: %s=%t does not match the hashes", ErrInconsistentRecord, ch.name, ch.flag)
		}
	}

	status := Classify(h)
	switch rec.IntegrityStatus {
	case StatusVerified, StatusTampering, StatusUnknown:
	default:
		return Report{}, fmt.Errorf("%w: unknown integrity_status %q", ErrInconsistentRecord, rec.IntegrityStatus)
	}

	return Report{
		Record:                  rec,
		StoredVsRegenerated:     pair(h.Stored, h.Regenerated),
		StoredVsBlockchain:      pair(h.Stored, h.Blockchain),
		RegeneratedVsBlockchain: pair(h.Regenerated, h.Blockchain),
		Status:                  status,
	}, nil
}

// ExplorerLink returns the display link for a ledger transaction, or "" when
// either part is missing.
func ExplorerLink(base, tx string) string {
	if base == "" || tx == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + "/tx/" + url.PathEscape(tx)
}

// VerifyAndPromote verifies test and, only when the outcome is VERIFIED,
// requests RESULT_VERIFIED through lc.
func (v *Verifier) VerifyAndPromote(ctx context.Context, lc *diagnostics.Lifecycle, test diagnostics.DiagnosticTest, actor auth.Actor) (diagnostics.DiagnosticTest, Report, error) {
	if test.Status != diagnostics.StatusCompleted {
		return diagnostics.DiagnosticTest{}, Report{}, &workflow.TransitionError{
			Kind: "diagnostic_test", From: string(test.Status), To: string(diagnostics.StatusResultVerified),
		}
	}
	rep, err := v.Verify(ctx, test.ID)
	if err != nil {
		return diagnostics.DiagnosticTest{}, Report{}, err
	}
	if rep.Status != StatusVerified {
		return diagnostics.DiagnosticTest{}, rep, &workflow.DenialError{Reason: "integrity status is " + string(rep.Status)}
	}
	out, err := lc.RequestTransition(ctx, test, diagnostics.StatusResultVerified, actor, diagnostics.Extra{})
	return out, rep, err
}
