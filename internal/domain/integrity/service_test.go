package integrity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/edflow/internal/domain/diagnostics"
	"github.com/ehr/edflow/internal/platform/auth"
	"github.com/ehr/edflow/internal/platform/events"
	"github.com/ehr/edflow/internal/platform/ledger"
	"github.com/ehr/edflow/internal/platform/middleware"
	"github.com/ehr/edflow/internal/workflow"
)

type memTests map[uuid.UUID]*diagnostics.DiagnosticTest

func (m memTests) GetByID(_ context.Context, id uuid.UUID) (*diagnostics.DiagnosticTest, error) {
	t, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("diagnostic test %s: %w", id, workflow.ErrNotFound)
	}
	c := t.Clone()
	return &c, nil
}

func (m memTests) UpdateAnchor(_ context.Context, id uuid.UUID, txHash string, verified bool) error {
	t, ok := m[id]
	if !ok {
		return workflow.ErrNotFound
	}
	t.ResultTxHash = txHash
	t.BlockchainVerified = verified
	return nil
}

type brokenLedger struct{}

func (brokenLedger) Anchor(context.Context, string, string) (ledger.Entry, error) {
	return ledger.Entry{}, errors.New("ledger unavailable")
}

func (brokenLedger) Lookup(context.Context, string) (ledger.Entry, error) {
	return ledger.Entry{}, ledger.ErrNotAnchored
}

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func completedTest(tests memTests) *diagnostics.DiagnosticTest {
	rm := diagnostics.NewResultMap()
	rm.Set("hemoglobin", 13.1)
	rm.Set("case_summary", "stable")
	t := &diagnostics.DiagnosticTest{
		ID:       uuid.New(),
		TestType: diagnostics.TypeLab,
		Status:   diagnostics.StatusCompleted,
		Results:  rm,
	}
	t.ResultsHash = HashResults(rm)
	tests[t.ID] = t
	return t
}

func TestService_AnchorThenVerify(t *testing.T) {
	ctx := context.Background()
	tests := memTests{}
	pub := &recordingPublisher{}
	svc := NewService(tests, newLedger(t))
	svc.SetPublisher(pub)

	test := completedTest(tests)
	rec, err := svc.Verify(ctx, test.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.IntegrityStatus != StatusUnknown || rec.Hashes.Blockchain != "" {
		t.Errorf("before anchoring: %+v", rec)
	}

	if err := svc.Anchor(ctx, test); err != nil {
		t.Fatal(err)
	}
	if !tests[test.ID].BlockchainVerified || tests[test.ID].ResultTxHash == "" {
		t.Error("anchor must be recorded in the store")
	}

	rec, err = svc.Verify(ctx, test.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.IntegrityStatus != StatusVerified || !rec.Comparison.AllMatch || rec.BlockchainTx != test.ResultTxHash {
		t.Errorf("after anchoring: %+v", rec)
	}
	if _, err := Interpret(rec); err != nil {
		t.Errorf("server record must interpret cleanly: %v", err)
	}
	if pub.count(events.IntegrityVerified) != 1 {
		t.Error("expected a verified event")
	}

	if err := svc.Anchor(ctx, test); err != nil {
		t.Errorf("re-anchoring the same hash must reuse the entry: %v", err)
	}
}

func TestService_DetectsAlteredResults(t *testing.T) {
	ctx := context.Background()
	tests := memTests{}
	pub := &recordingPublisher{}
	svc := NewService(tests, newLedger(t))
	svc.SetPublisher(pub)

	test := completedTest(tests)
	if err := svc.Anchor(ctx, test); err != nil {
		t.Fatal(err)
	}
	tests[test.ID].Results.Set("hemoglobin", 9.0)

	rec, err := svc.Verify(ctx, test.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.IntegrityStatus != StatusTampering || rec.Comparison.StoredVsRegenerated || !rec.Comparison.StoredVsBlockchain {
		t.Errorf("unexpected record %+v", rec)
	}
	if pub.count(events.TamperingDetected) != 1 {
		t.Error("expected a tampering event")
	}
	if err := svc.Confirm(ctx, *tests[test.ID]); !workflow.IsDenial(err) {
		t.Errorf("tampered results must not be confirmed, got %v", err)
	}
}

func TestService_AnchorFailure(t *testing.T) {
	ctx := context.Background()
	tests := memTests{}
	pub := &recordingPublisher{}
	svc := NewService(tests, brokenLedger{})
	svc.SetPublisher(pub)

	test := completedTest(tests)
	if err := svc.Anchor(ctx, test); err == nil {
		t.Fatal("expected anchoring error")
	}
	if tests[test.ID].BlockchainVerified {
		t.Error("failed anchor must leave the test unverified")
	}
	if pub.count(events.AnchorFailed) != 1 {
		t.Error("expected an anchor failure event")
	}
	if _, err := svc.Retry(ctx, test.ID); err == nil {
		t.Error("retry against a broken ledger must fail")
	}
}

func TestService_Retry(t *testing.T) {
	ctx := context.Background()
	tests := memTests{}
	svc := NewService(tests, newLedger(t))

	test := completedTest(tests)
	out, err := svc.Retry(ctx, test.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !out.BlockchainVerified {
		t.Error("retry must anchor")
	}
	if _, err := svc.Retry(ctx, test.ID); !workflow.IsValidation(err) {
		t.Errorf("anchored test: expected validation error, got %v", err)
	}
	if _, err := svc.Retry(ctx, uuid.New()); !errors.Is(err, workflow.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestService_CheckRequiresCompletion(t *testing.T) {
	svc := NewService(memTests{}, newLedger(t))
	_, err := svc.Check(context.Background(), diagnostics.DiagnosticTest{ID: uuid.New(), Status: diagnostics.StatusInProgress})
	if !workflow.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

// -- Handler --

func TestHandler_HashVerify(t *testing.T) {
	tests := memTests{}
	svc := NewService(tests, newLedger(t))
	test := completedTest(tests)
	if err := svc.Anchor(context.Background(), test); err != nil {
		t.Fatal(err)
	}

	e := echo.New()
	e.HTTPErrorHandler = middleware.ErrorHandler(zerolog.Nop())
	NewHandler(svc).RegisterRoutes(e.Group("/api/v1"))

	do := func(path string, actor auth.Actor) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req = req.WithContext(auth.WithActor(req.Context(), actor))
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	admin := auth.Actor{StaffID: uuid.New(), Role: auth.RoleAdmin}
	rec := do("/api/v1/admin/hash-verify/"+test.ID.String(), admin)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Success bool               `json:"success"`
		Data    VerificationRecord `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !body.Success || body.Data.IntegrityStatus != StatusVerified || body.Data.Hashes.Stored != test.ResultsHash {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"all_match":true`) {
		t.Errorf("missing comparison flags: %s", rec.Body.String())
	}

	nurse := auth.Actor{StaffID: uuid.New(), Role: auth.RoleNurse}
	if rec := do("/api/v1/admin/hash-verify/"+test.ID.String(), nurse); rec.Code != http.StatusForbidden {
		t.Errorf("nurse: expected 403, got %d", rec.Code)
	}
	if rec := do("/api/v1/admin/hash-verify/not-a-uuid", admin); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if rec := do("/api/v1/admin/blockchain/retry/"+test.ID.String(), admin); rec.Code != http.StatusBadRequest {
		t.Errorf("anchored test retry: expected 400, got %d", rec.Code)
	}
}
