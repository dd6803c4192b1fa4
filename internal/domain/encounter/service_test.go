package encounter

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/edflow/internal/domain/staff"
	"github.com/ehr/edflow/internal/platform/auth"
	"github.com/ehr/edflow/internal/platform/db"
	"github.com/ehr/edflow/internal/platform/events"
	"github.com/ehr/edflow/internal/workflow"
	"github.com/ehr/edflow/pkg/pagination"
)

// -- Mock Repository --

type mockRepo struct {
	encounters    map[uuid.UUID]*Encounter
	statusHistory []*StatusHistory
	updateErr     error
}

func newMockRepo() *mockRepo {
	return &mockRepo{encounters: make(map[uuid.UUID]*Encounter)}
}

func (m *mockRepo) Create(_ context.Context, enc *Encounter) error {
	if enc.ID == uuid.Nil {
		enc.ID = uuid.New()
	}
	enc.CreatedAt = time.Now()
	enc.UpdatedAt = enc.CreatedAt
	c := enc.Clone()
	m.encounters[enc.ID] = &c
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Encounter, error) {
	enc, ok := m.encounters[id]
	if !ok {
		return nil, fmt.Errorf("encounter %s: %w", id, workflow.ErrNotFound)
	}
	c := enc.Clone()
	return &c, nil
}

func (m *mockRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	return m.GetByID(ctx, id)
}

func (m *mockRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*Encounter, int, error) {
	var out []*Encounter
	for _, e := range m.encounters {
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.ResponsibleStaffID != uuid.Nil && e.ResponsibleStaffID != f.ResponsibleStaffID {
			continue
		}
		out = append(out, e)
	}
	total := len(out)
	if offset >= len(out) {
		return nil, total, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (m *mockRepo) UpdateStatus(_ context.Context, enc *Encounter) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	c := enc.Clone()
	m.encounters[enc.ID] = &c
	return nil
}

func (m *mockRepo) AddStatusHistory(_ context.Context, sh *StatusHistory) error {
	sh.ID = uuid.New()
	m.statusHistory = append(m.statusHistory, sh)
	return nil
}

func (m *mockRepo) GetStatusHistory(_ context.Context, encounterID uuid.UUID) ([]*StatusHistory, error) {
	var out []*StatusHistory
	for _, sh := range m.statusHistory {
		if sh.EncounterID == encounterID {
			out = append(out, sh)
		}
	}
	return out, nil
}

// -- Fake staff directory --

type fakeDirectory map[uuid.UUID]*staff.Staff

func (d fakeDirectory) GetStaff(_ context.Context, id uuid.UUID) (*staff.Staff, error) {
	s, ok := d[id]
	if !ok {
		return nil, fmt.Errorf("staff %s: %w", id, workflow.ErrNotFound)
	}
	return s, nil
}

type fixture struct {
	svc    *Service
	repo   *mockRepo
	pub    *recordingPublisher
	doctor auth.Actor
	nurse  auth.Actor
	now    time.Time
}

func newFixture() *fixture {
	doctor := auth.Actor{StaffID: uuid.New(), Role: auth.RoleDoctor}
	nurse := auth.Actor{StaffID: uuid.New(), Role: auth.RoleNurse}
	dir := fakeDirectory{
		doctor.StaffID: {ID: doctor.StaffID, Name: "dr. Sari", Role: auth.RoleDoctor, Active: true},
		nurse.StaffID:  {ID: nurse.StaffID, Name: "Ns. Budi", Role: auth.RoleNurse, Active: true},
	}
	repo := newMockRepo()
	pub := &recordingPublisher{}
	svc := NewService(repo, db.NoTx{}, dir)
	svc.SetPublisher(pub)
	svc.SetMetrics(workflow.NewMetrics(nil))
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	return &fixture{svc: svc, repo: repo, pub: pub, doctor: doctor, nurse: nurse, now: now}
}

func (f *fixture) seed(status Status) *Encounter {
	enc := &Encounter{
		ID:                 uuid.New(),
		PatientMRN:         "MRN-001",
		Status:             status,
		TriageLevel:        2,
		ChiefComplaint:     "dyspnea",
		ResponsibleStaffID: f.doctor.StaffID,
		StartTime:          f.now.Add(-2 * time.Hour),
	}
	_ = f.repo.Create(context.Background(), enc)
	return enc
}

func TestService_CreateEncounter(t *testing.T) {
	f := newFixture()
	enc, err := f.svc.CreateEncounter(context.Background(), f.nurse, CreateRequest{
		PatientMRN:         "MRN-9",
		TriageLevel:        3,
		ChiefComplaint:     "abdominal pain",
		ResponsibleStaffID: f.doctor.StaffID,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if enc.Status != StatusTriage || !enc.StartTime.Equal(f.now) || enc.EndTime != nil {
		t.Errorf("unexpected encounter %+v", enc)
	}
}

func TestService_CreateEncounter_ResponsibleMustBeDoctor(t *testing.T) {
	f := newFixture()
	req := CreateRequest{PatientMRN: "MRN-9", TriageLevel: 3, ChiefComplaint: "fever", ResponsibleStaffID: f.nurse.StaffID}
	_, err := f.svc.CreateEncounter(context.Background(), f.doctor, req)
	if ve, ok := asValidation(err); !ok || ve.Fields["responsible_staff_id"] == "" {
		t.Errorf("expected responsible_staff_id error, got %v", err)
	}

	req.ResponsibleStaffID = uuid.New()
	_, err = f.svc.CreateEncounter(context.Background(), f.doctor, req)
	if ve, ok := asValidation(err); !ok || ve.Fields["responsible_staff_id"] != "unknown staff member" {
		t.Errorf("expected unknown staff error, got %v", err)
	}
}

func TestService_CreateEncounter_AdminDenied(t *testing.T) {
	f := newFixture()
	admin := auth.Actor{StaffID: uuid.New(), Role: auth.RoleAdmin}
	_, err := f.svc.CreateEncounter(context.Background(), admin, CreateRequest{
		PatientMRN: "MRN-9", TriageLevel: 3, ChiefComplaint: "fever", ResponsibleStaffID: f.doctor.StaffID,
	})
	if !workflow.IsDenial(err) {
		t.Errorf("expected denial, got %v", err)
	}
}

func TestService_NurseDischargeDenied(t *testing.T) {
	f := newFixture()
	enc := f.seed(StatusOngoing)

	_, err := f.svc.TransitionStatus(context.Background(), f.nurse, enc.ID, StatusRequest{
		NewStatus:   StatusDischarged,
		Disposition: &Disposition{DischargeSummary: "Pasien stabil, kondisi baik"},
	})
	if err == nil {
		t.Fatal("expected rejection")
	}
	got, _ := f.repo.GetByID(context.Background(), enc.ID)
	if got.Status != StatusOngoing {
		t.Errorf("status = %s, want ONGOING", got.Status)
	}
	if len(f.repo.statusHistory) != 0 {
		t.Error("no history may be written for a rejected transition")
	}
}

func TestService_ResponsibleDoctorDischarges(t *testing.T) {
	f := newFixture()
	enc := f.seed(StatusDisposition)

	out, err := f.svc.TransitionStatus(context.Background(), f.doctor, enc.ID, StatusRequest{
		NewStatus:   StatusDischarged,
		Disposition: &Disposition{DischargeSummary: "Pasien stabil, kondisi baik"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != StatusDischarged || out.EndTime == nil || !out.EndTime.Equal(f.now) {
		t.Errorf("unexpected result %+v", out)
	}
	if out.Disposition.AuthorizedBy == nil || *out.Disposition.AuthorizedBy != f.doctor.StaffID {
		t.Error("authorized_by must be the acting doctor")
	}
	if len(f.repo.statusHistory) != 1 {
		t.Fatalf("expected one history row, got %d", len(f.repo.statusHistory))
	}
	h := f.repo.statusHistory[0]
	if h.FromStatus != StatusDisposition || h.ToStatus != StatusDischarged || h.ChangedBy != f.doctor.StaffID {
		t.Errorf("unexpected history %+v", h)
	}
	if got := f.pub.types(); len(got) != 1 || got[0] != events.TransitionCommitted {
		t.Errorf("events = %v", got)
	}
}

func TestService_ServerRechecksEveryRule(t *testing.T) {
	f := newFixture()
	otherDoctor := auth.Actor{StaffID: uuid.New(), Role: auth.RoleDoctor}
	admin := auth.Actor{StaffID: f.doctor.StaffID, Role: auth.RoleAdmin}
	valid := &Disposition{DischargeSummary: "stable"}

	tests := []struct {
		name  string
		from  Status
		actor auth.Actor
		req   StatusRequest
		check func(error) bool
	}{
		{"skipped edge", StatusTriage, f.doctor, StatusRequest{NewStatus: StatusDisposition}, workflow.IsInvalidTransition},
		{"from terminal", StatusAdmitted, f.doctor, StatusRequest{NewStatus: StatusOngoing}, workflow.IsInvalidTransition},
		{"unknown status", StatusTriage, f.doctor, StatusRequest{NewStatus: "LOST"}, workflow.IsValidation},
		{"non-responsible doctor", StatusDisposition, otherDoctor, StatusRequest{NewStatus: StatusAdmitted, Disposition: valid}, workflow.IsDenial},
		{"admin", StatusTriage, admin, StatusRequest{NewStatus: StatusOngoing}, workflow.IsDenial},
		{"missing disposition", StatusDisposition, f.doctor, StatusRequest{NewStatus: StatusDischarged}, workflow.IsValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := f.seed(tt.from)
			_, err := f.svc.TransitionStatus(context.Background(), tt.actor, enc.ID, tt.req)
			if !tt.check(err) {
				t.Fatalf("unexpected error %v", err)
			}
			got, _ := f.repo.GetByID(context.Background(), enc.ID)
			if got.Status != tt.from {
				t.Errorf("status changed to %s", got.Status)
			}
		})
	}
}

func TestService_NonTerminalIgnoresDisposition(t *testing.T) {
	f := newFixture()
	enc := f.seed(StatusOngoing)
	out, err := f.svc.TransitionStatus(context.Background(), f.nurse, enc.ID, StatusRequest{
		NewStatus:   StatusObservation,
		Disposition: &Disposition{DischargeSummary: "premature"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Disposition != nil || out.EndTime != nil {
		t.Errorf("non-terminal transition must not close the encounter: %+v", out)
	}
}

func TestService_RepoFailureSurfaces(t *testing.T) {
	f := newFixture()
	enc := f.seed(StatusTriage)
	f.repo.updateErr = errors.New("connection reset")
	_, err := f.svc.TransitionStatus(context.Background(), f.nurse, enc.ID, StatusRequest{NewStatus: StatusOngoing})
	if err == nil || workflow.IsValidation(err) || workflow.IsDenial(err) {
		t.Errorf("expected a plain failure, got %v", err)
	}
	if len(f.pub.types()) != 0 {
		t.Error("nothing may be published for a failed transition")
	}
}

func TestService_NotFound(t *testing.T) {
	f := newFixture()
	_, err := f.svc.TransitionStatus(context.Background(), f.doctor, uuid.New(), StatusRequest{NewStatus: StatusOngoing})
	if !errors.Is(err, workflow.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := f.svc.GetStatusHistory(context.Background(), uuid.New()); !errors.Is(err, workflow.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestService_ListEncounters(t *testing.T) {
	f := newFixture()
	f.seed(StatusTriage)
	f.seed(StatusTriage)
	f.seed(StatusOngoing)

	items, total, err := f.svc.ListEncounters(context.Background(), ListFilter{Status: StatusTriage}, pagination.Params{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(items) != 1 {
		t.Errorf("got %d items of %d", len(items), total)
	}
}
