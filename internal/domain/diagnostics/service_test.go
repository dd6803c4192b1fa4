package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/edflow/internal/domain/encounter"
	"github.com/ehr/edflow/internal/domain/staff"
	"github.com/ehr/edflow/internal/platform/auth"
	"github.com/ehr/edflow/internal/platform/db"
	"github.com/ehr/edflow/internal/platform/events"
	"github.com/ehr/edflow/internal/workflow"
)

// -- Mock Repository --

type mockRepo struct {
	tests   map[uuid.UUID]*DiagnosticTest
	history []*StatusHistory
}

func newMockRepo() *mockRepo {
	return &mockRepo{tests: make(map[uuid.UUID]*DiagnosticTest)}
}

func (m *mockRepo) Create(_ context.Context, t *DiagnosticTest) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.UpdatedAt = time.Now()
	c := t.Clone()
	m.tests[t.ID] = &c
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*DiagnosticTest, error) {
	t, ok := m.tests[id]
	if !ok {
		return nil, fmt.Errorf("diagnostic test %s: %w", id, workflow.ErrNotFound)
	}
	c := t.Clone()
	return &c, nil
}

func (m *mockRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*DiagnosticTest, error) {
	return m.GetByID(ctx, id)
}

func (m *mockRepo) ListByEncounter(_ context.Context, encounterID uuid.UUID) ([]*DiagnosticTest, error) {
	var out []*DiagnosticTest
	for _, t := range m.tests {
		if t.EncounterID == encounterID {
			c := t.Clone()
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *mockRepo) UpdateStatus(_ context.Context, t *DiagnosticTest) error {
	c := t.Clone()
	m.tests[t.ID] = &c
	return nil
}

func (m *mockRepo) UpdateAnchor(_ context.Context, id uuid.UUID, txHash string, verified bool) error {
	t, ok := m.tests[id]
	if !ok {
		return workflow.ErrNotFound
	}
	t.ResultTxHash = txHash
	t.BlockchainVerified = verified
	return nil
}

func (m *mockRepo) AddStatusHistory(_ context.Context, sh *StatusHistory) error {
	sh.ID = uuid.New()
	m.history = append(m.history, sh)
	return nil
}

func (m *mockRepo) GetStatusHistory(_ context.Context, testID uuid.UUID) ([]*StatusHistory, error) {
	var out []*StatusHistory
	for _, sh := range m.history {
		if sh.TestID == testID {
			out = append(out, sh)
		}
	}
	return out, nil
}

// -- Fakes --

type fakeEncounters map[uuid.UUID]*encounter.Encounter

func (f fakeEncounters) GetEncounter(_ context.Context, id uuid.UUID) (*encounter.Encounter, error) {
	e, ok := f[id]
	if !ok {
		return nil, fmt.Errorf("encounter %s: %w", id, workflow.ErrNotFound)
	}
	return e, nil
}

type fakeDirectory map[uuid.UUID]*staff.Staff

func (d fakeDirectory) GetStaff(_ context.Context, id uuid.UUID) (*staff.Staff, error) {
	s, ok := d[id]
	if !ok {
		return nil, fmt.Errorf("staff %s: %w", id, workflow.ErrNotFound)
	}
	return s, nil
}

type fakeIntegrity struct {
	repo      *mockRepo
	anchorErr error
	confirm   error
	anchored  []uuid.UUID
}

func (f *fakeIntegrity) Digest(r *ResultMap) string {
	return "digest:" + strings.Join(r.Keys(), ",")
}

func (f *fakeIntegrity) Anchor(ctx context.Context, t *DiagnosticTest) error {
	if f.anchorErr != nil {
		return f.anchorErr
	}
	f.anchored = append(f.anchored, t.ID)
	t.ResultTxHash = "tx:" + t.ResultsHash
	t.BlockchainVerified = true
	return f.repo.UpdateAnchor(ctx, t.ID, t.ResultTxHash, true)
}

func (f *fakeIntegrity) Confirm(context.Context, DiagnosticTest) error {
	return f.confirm
}

type svcFixture struct {
	svc       *Service
	repo      *mockRepo
	integrity *fakeIntegrity
	pub       *recordingPublisher
	encID     uuid.UUID
	closedID  uuid.UUID
	doctor    auth.Actor
	nurse     auth.Actor
	admin     auth.Actor
	inactive  uuid.UUID
}

func newSvcFixture() *svcFixture {
	doctor := auth.Actor{StaffID: uuid.New(), Role: auth.RoleDoctor}
	nurse := auth.Actor{StaffID: uuid.New(), Role: auth.RoleNurse}
	admin := auth.Actor{StaffID: uuid.New(), Role: auth.RoleAdmin}
	inactive := uuid.New()
	encID, closedID := uuid.New(), uuid.New()

	repo := newMockRepo()
	integ := &fakeIntegrity{repo: repo}
	pub := &recordingPublisher{}
	svc := NewService(repo, db.NoTx{},
		fakeEncounters{
			encID:    {ID: encID, Status: encounter.StatusOngoing},
			closedID: {ID: closedID, Status: encounter.StatusDischarged},
		},
		fakeDirectory{
			doctor.StaffID: {ID: doctor.StaffID, Role: auth.RoleDoctor, Active: true},
			nurse.StaffID:  {ID: nurse.StaffID, Role: auth.RoleNurse, Active: true},
			admin.StaffID:  {ID: admin.StaffID, Role: auth.RoleAdmin, Active: true},
			inactive:       {ID: inactive, Role: auth.RoleNurse, Active: false},
		})
	svc.SetIntegrity(integ)
	svc.SetPublisher(pub)
	return &svcFixture{svc: svc, repo: repo, integrity: integ, pub: pub, encID: encID, closedID: closedID,
		doctor: doctor, nurse: nurse, admin: admin, inactive: inactive}
}

func (f *svcFixture) order(t *testing.T, tt TestType) *DiagnosticTest {
	t.Helper()
	dt, err := f.svc.CreateTest(context.Background(), f.doctor, f.encID, CreateRequest{TestType: tt})
	if err != nil {
		t.Fatal(err)
	}
	return dt
}

func labResults() *ResultMap {
	rm := NewResultMap()
	rm.Set("hemoglobin", 10.2)
	rm.Set("case_summary", "anemia")
	return rm
}

func TestService_CreateTest(t *testing.T) {
	f := newSvcFixture()
	ctx := context.Background()

	dt := f.order(t, TypeLab)
	if dt.Status != StatusRequested || dt.RequestedBy != f.doctor.StaffID {
		t.Errorf("unexpected test %+v", dt)
	}
	if _, err := f.svc.CreateTest(ctx, f.doctor, f.encID, CreateRequest{TestType: "MRI"}); !workflow.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
	if _, err := f.svc.CreateTest(ctx, f.doctor, f.closedID, CreateRequest{TestType: TypeLab}); !workflow.IsValidation(err) {
		t.Errorf("expected closed encounter error, got %v", err)
	}
	if _, err := f.svc.CreateTest(ctx, f.doctor, uuid.New(), CreateRequest{TestType: TypeLab}); !errors.Is(err, workflow.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := f.svc.CreateTest(ctx, f.admin, f.encID, CreateRequest{TestType: TypeLab}); !workflow.IsDenial(err) {
		t.Errorf("expected denial, got %v", err)
	}
}

func TestService_FullLifecycle(t *testing.T) {
	f := newSvcFixture()
	ctx := context.Background()
	dt := f.order(t, TypeLab)

	by := f.nurse.StaffID
	if _, err := f.svc.Transition(ctx, f.nurse, dt.ID, TransitionRequest{Status: StatusInProgress, ProcessedBy: &by}); err != nil {
		t.Fatalf("in progress: %v", err)
	}
	out, err := f.svc.Transition(ctx, f.nurse, dt.ID, TransitionRequest{Status: StatusCompleted, Results: labResults()})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out.ResultsHash != "digest:hemoglobin,case_summary" || !out.BlockchainVerified || out.ResultTxHash == "" {
		t.Errorf("completion must hash and anchor, got %+v", out)
	}
	out, err = f.svc.Transition(ctx, f.admin, dt.ID, TransitionRequest{Status: StatusResultVerified})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if out.Status != StatusResultVerified || out.VerifiedAt == nil {
		t.Errorf("unexpected result %+v", out)
	}
	if len(f.repo.history) != 3 {
		t.Errorf("expected 3 history rows, got %d", len(f.repo.history))
	}
	if got := f.pub.types(); len(got) != 3 || got[2] != events.TransitionCommitted {
		t.Errorf("events = %v", got)
	}

	if _, err := f.svc.Transition(ctx, f.doctor, dt.ID, TransitionRequest{Status: StatusCompleted, Results: labResults()}); !workflow.IsInvalidTransition(err) {
		t.Errorf("verified test must be immutable, got %v", err)
	}
}

func TestService_InProgressChecksProcessor(t *testing.T) {
	f := newSvcFixture()
	ctx := context.Background()
	dt := f.order(t, TypeECG)

	unknown := uuid.New()
	for _, by := range []*uuid.UUID{nil, &unknown, &f.inactive, &f.admin.StaffID} {
		_, err := f.svc.Transition(ctx, f.doctor, dt.ID, TransitionRequest{Status: StatusInProgress, ProcessedBy: by})
		if ve, ok := asValidation(err); !ok || ve.Fields["processed_by"] == "" {
			t.Errorf("processed_by %v: expected validation error, got %v", by, err)
		}
	}
	got, _ := f.repo.GetByID(ctx, dt.ID)
	if got.Status != StatusRequested {
		t.Errorf("status changed to %s", got.Status)
	}
}

func TestService_CompleteValidatesResults(t *testing.T) {
	f := newSvcFixture()
	ctx := context.Background()
	dt := f.order(t, TypeRadiology)
	by := f.doctor.StaffID
	if _, err := f.svc.Transition(ctx, f.doctor, dt.ID, TransitionRequest{Status: StatusInProgress, ProcessedBy: &by}); err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.Transition(ctx, f.doctor, dt.ID, TransitionRequest{Status: StatusCompleted}); !workflow.IsValidation(err) {
		t.Errorf("missing results: expected validation error, got %v", err)
	}
	bad := NewResultMap()
	bad.Set("finding", "")
	if _, err := f.svc.Transition(ctx, f.doctor, dt.ID, TransitionRequest{Status: StatusCompleted, Results: bad}); !workflow.IsValidation(err) {
		t.Errorf("blank value: expected validation error, got %v", err)
	}
	if len(f.integrity.anchored) != 0 {
		t.Error("nothing may be anchored for rejected results")
	}
}

func TestService_AnchorFailureLeavesTestAwaitingRetry(t *testing.T) {
	f := newSvcFixture()
	ctx := context.Background()
	f.integrity.anchorErr = errors.New("ledger closed")
	dt := f.order(t, TypeLab)
	by := f.nurse.StaffID
	_, _ = f.svc.Transition(ctx, f.nurse, dt.ID, TransitionRequest{Status: StatusInProgress, ProcessedBy: &by})

	out, err := f.svc.Transition(ctx, f.nurse, dt.ID, TransitionRequest{Status: StatusCompleted, Results: labResults()})
	if err != nil {
		t.Fatalf("completion must succeed even when anchoring fails: %v", err)
	}
	if !out.AwaitingAnchor() {
		t.Errorf("expected test awaiting anchor, got %+v", out)
	}
}

func TestService_VerifiedRequiresConfirmation(t *testing.T) {
	f := newSvcFixture()
	ctx := context.Background()
	dt := f.order(t, TypeLab)
	by := f.nurse.StaffID
	_, _ = f.svc.Transition(ctx, f.nurse, dt.ID, TransitionRequest{Status: StatusInProgress, ProcessedBy: &by})
	_, _ = f.svc.Transition(ctx, f.nurse, dt.ID, TransitionRequest{Status: StatusCompleted, Results: labResults()})

	f.integrity.confirm = &workflow.DenialError{Reason: "integrity status is TAMPERING_DETECTED"}
	if _, err := f.svc.Transition(ctx, f.doctor, dt.ID, TransitionRequest{Status: StatusResultVerified}); !workflow.IsDenial(err) {
		t.Fatalf("expected denial, got %v", err)
	}
	got, _ := f.repo.GetByID(ctx, dt.ID)
	if got.Status != StatusCompleted {
		t.Errorf("status changed to %s", got.Status)
	}
}
