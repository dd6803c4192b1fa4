package encounter

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/edflow/internal/platform/auth"
	"github.com/ehr/edflow/internal/platform/events"
	"github.com/ehr/edflow/internal/workflow"
	"github.com/ehr/edflow/pkg/pagination"
)

func asValidation(err error) (*workflow.ValidationError, bool) {
	var ve *workflow.ValidationError
	ok := errors.As(err, &ve)
	return ve, ok
}

// -- Fake Clinical API --

type fakeAPI struct {
	mu       sync.Mutex
	calls    []StatusRequest
	encs     map[uuid.UUID]Encounter
	failWith error
	// observe runs inside the persist call, before the response is produced.
	observe func()
	// block, when set, holds the persist call until closed.
	block chan struct{}
}

func newFakeAPI(encs ...Encounter) *fakeAPI {
	f := &fakeAPI{encs: make(map[uuid.UUID]Encounter)}
	for _, e := range encs {
		f.encs[e.ID] = e
	}
	return f
}

func (f *fakeAPI) GetEncounter(_ context.Context, id uuid.UUID) (Encounter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.encs[id]
	if !ok {
		return Encounter{}, &workflow.RemoteError{Status: http.StatusNotFound}
	}
	return e.Clone(), nil
}

func (f *fakeAPI) ListEncounters(context.Context, ListFilter, pagination.Params) ([]Encounter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Encounter
	for _, e := range f.encs {
		out = append(out, e.Clone())
	}
	return out, nil
}

func (f *fakeAPI) UpdateEncounterStatus(ctx context.Context, id uuid.UUID, req StatusRequest) (Encounter, error) {
	if f.observe != nil {
		f.observe()
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return Encounter{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.failWith != nil {
		return Encounter{}, f.failWith
	}
	e := f.encs[id]
	e.Status = req.NewStatus
	if req.NewStatus.IsTerminal() {
		end := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		e.EndTime = &end
		e.Disposition = req.Disposition.clone()
	}
	e.UpdatedAt = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f.encs[id] = e
	return e.Clone(), nil
}

func (f *fakeAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingPublisher) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func setupLifecycle(t *testing.T, enc Encounter) (*Lifecycle, *fakeAPI, *recordingPublisher) {
	t.Helper()
	api := newFakeAPI(enc)
	pub := &recordingPublisher{}
	store := workflow.NewStore[Encounter](kind)
	t.Cleanup(store.Close)
	store.Load([]Encounter{enc})
	store.Open(enc)
	return NewLifecycle(store, api, WithPublisher(pub)), api, pub
}

func TestLifecycle_NurseCannotDischarge(t *testing.T) {
	doctorID := uuid.New()
	enc := Encounter{ID: uuid.New(), Status: StatusOngoing, ResponsibleStaffID: doctorID}
	lc, api, _ := setupLifecycle(t, enc)
	nurse := auth.Actor{StaffID: uuid.New(), Role: auth.RoleNurse}

	_, err := lc.RequestTransition(context.Background(), enc, StatusDischarged, nurse,
		&Disposition{DischargeSummary: "Pasien stabil, kondisi baik"})
	if err == nil {
		t.Fatal("expected the transition to be rejected")
	}
	if api.callCount() != 0 {
		t.Error("no remote call may be made for a rejected transition")
	}
	got, _ := lc.Store().Get(enc.Key())
	if got.Status != StatusOngoing {
		t.Errorf("status = %s, want ONGOING", got.Status)
	}

	// From DISPOSITION the edge exists, so the guard itself must deny.
	enc.Status = StatusDisposition
	lc, api, _ = setupLifecycle(t, enc)
	_, err = lc.RequestTransition(context.Background(), enc, StatusDischarged, nurse,
		&Disposition{DischargeSummary: "Pasien stabil, kondisi baik"})
	var de *workflow.DenialError
	if !errors.As(err, &de) || de.Reason != ReasonNurseTerminal {
		t.Fatalf("expected nurse denial, got %v", err)
	}
	if api.callCount() != 0 {
		t.Error("no remote call may be made for a denied transition")
	}
}

func TestLifecycle_ResponsibleDoctorDischarges(t *testing.T) {
	doctor := auth.Actor{StaffID: uuid.New(), Role: auth.RoleDoctor}
	enc := Encounter{ID: uuid.New(), Status: StatusDisposition, ResponsibleStaffID: doctor.StaffID}
	lc, api, pub := setupLifecycle(t, enc)

	out, err := lc.RequestTransition(context.Background(), enc, StatusDischarged, doctor,
		&Disposition{DischargeSummary: "Pasien stabil, kondisi baik"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != StatusDischarged || out.EndTime == nil {
		t.Fatalf("unexpected result %+v", out)
	}
	if api.calls[0].Disposition == nil || api.calls[0].Disposition.DischargeSummary != "Pasien stabil, kondisi baik" {
		t.Errorf("disposition not sent: %+v", api.calls[0])
	}

	// The cache holds the server's entity, not the prediction.
	cached, _ := lc.Store().Get(enc.Key())
	open, _ := lc.Store().Current()
	want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for _, e := range []Encounter{cached, open} {
		if e.Status != StatusDischarged || e.EndTime == nil || !e.EndTime.Equal(want) {
			t.Errorf("store not committed with canonical entity: %+v", e)
		}
	}
	if got := pub.types(); len(got) != 1 || got[0] != events.TransitionCommitted {
		t.Errorf("events = %v", got)
	}
}

func TestLifecycle_PredictionVisibleDuringPersist(t *testing.T) {
	doctor := auth.Actor{StaffID: uuid.New(), Role: auth.RoleDoctor}
	enc := Encounter{ID: uuid.New(), Status: StatusDisposition, ResponsibleStaffID: doctor.StaffID}
	lc, api, _ := setupLifecycle(t, enc)

	var during Encounter
	api.observe = func() { during, _ = lc.Store().Get(enc.Key()) }
	if _, err := lc.RequestTransition(context.Background(), enc, StatusAdmitted, doctor,
		&Disposition{DischargeSummary: "admitted to ICU"}); err != nil {
		t.Fatal(err)
	}
	if during.Status != StatusAdmitted || during.EndTime == nil || during.Disposition == nil {
		t.Errorf("expected optimistic write before persist, got %+v", during)
	}
}

func TestLifecycle_TerminalRequiresDisposition(t *testing.T) {
	doctor := auth.Actor{StaffID: uuid.New(), Role: auth.RoleDoctor}
	enc := Encounter{ID: uuid.New(), Status: StatusDisposition, ResponsibleStaffID: doctor.StaffID}
	lc, api, _ := setupLifecycle(t, enc)

	for _, disp := range []*Disposition{nil, {DischargeSummary: ""}, {DischargeSummary: string(make([]byte, 2001))}} {
		_, err := lc.RequestTransition(context.Background(), enc, StatusDischarged, doctor, disp)
		if _, ok := asValidation(err); !ok {
			t.Errorf("disp %v: expected validation error, got %v", disp, err)
		}
	}
	if api.callCount() != 0 {
		t.Error("pre-flight failures must not reach the API")
	}
}

func TestLifecycle_InvalidEdgeRejected(t *testing.T) {
	doctor := auth.Actor{StaffID: uuid.New(), Role: auth.RoleDoctor}
	enc := Encounter{ID: uuid.New(), Status: StatusTriage, ResponsibleStaffID: doctor.StaffID}
	lc, api, _ := setupLifecycle(t, enc)

	_, err := lc.RequestTransition(context.Background(), enc, StatusDisposition, doctor, nil)
	if !workflow.IsInvalidTransition(err) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if api.callCount() != 0 {
		t.Error("no remote call expected")
	}
}

func TestLifecycle_UsesCachedStatusOverStaleArgument(t *testing.T) {
	nurse := auth.Actor{StaffID: uuid.New(), Role: auth.RoleNurse}
	enc := Encounter{ID: uuid.New(), Status: StatusOngoing, ResponsibleStaffID: uuid.New()}
	lc, _, _ := setupLifecycle(t, enc)

	stale := enc
	stale.Status = StatusTriage
	out, err := lc.RequestTransition(context.Background(), stale, StatusObservation, nurse, nil)
	if err != nil {
		t.Fatalf("expected the cached ONGOING status to be used, got %v", err)
	}
	if out.Status != StatusObservation {
		t.Errorf("status = %s", out.Status)
	}
}

func TestLifecycle_RemoteFailureRollsBack(t *testing.T) {
	doctor := auth.Actor{StaffID: uuid.New(), Role: auth.RoleDoctor}
	hr := 90
	enc := Encounter{
		ID:                 uuid.New(),
		Status:             StatusDisposition,
		ResponsibleStaffID: doctor.StaffID,
		Vitals:             &Vitals{HeartRate: &hr},
	}
	lc, api, pub := setupLifecycle(t, enc)
	api.failWith = &workflow.RemoteError{Status: http.StatusInternalServerError, Message: "boom"}

	beforeList := lc.Store().List()
	beforeOpen, _ := lc.Store().Current()

	_, err := lc.RequestTransition(context.Background(), enc, StatusDischarged, doctor,
		&Disposition{DischargeSummary: "stable"})
	var re *workflow.RemoteError
	if !errors.As(err, &re) || re.Status != http.StatusInternalServerError {
		t.Fatalf("expected remote error to surface, got %v", err)
	}

	afterOpen, _ := lc.Store().Current()
	if !reflect.DeepEqual(beforeList, lc.Store().List()) || !reflect.DeepEqual(beforeOpen, afterOpen) {
		t.Error("store must be deep-equal to its pre-call state after a failure")
	}
	if got := pub.types(); len(got) != 1 || got[0] != events.TransitionRolledBack {
		t.Errorf("events = %v", got)
	}
}

func TestLifecycle_SecondRequestWhileInFlight(t *testing.T) {
	nurse := auth.Actor{StaffID: uuid.New(), Role: auth.RoleNurse}
	enc := Encounter{ID: uuid.New(), Status: StatusOngoing, ResponsibleStaffID: uuid.New()}
	lc, api, _ := setupLifecycle(t, enc)
	api.block = make(chan struct{})
	started := make(chan struct{})
	api.observe = func() { close(started) }

	done := make(chan error, 1)
	go func() {
		_, err := lc.RequestTransition(context.Background(), enc, StatusObservation, nurse, nil)
		done <- err
	}()
	<-started

	api.observe = nil
	_, err := lc.RequestTransition(context.Background(), enc, StatusOngoing, nurse, nil)
	if !errors.Is(err, workflow.ErrTransitionInFlight) {
		t.Errorf("expected ErrTransitionInFlight, got %v", err)
	}

	close(api.block)
	if err := <-done; err != nil {
		t.Fatalf("first transition failed: %v", err)
	}
}

func TestLifecycle_RefreshAndOpen(t *testing.T) {
	enc := Encounter{ID: uuid.New(), Status: StatusTriage}
	api := newFakeAPI(enc)
	store := workflow.NewStore[Encounter](kind)
	defer store.Close()
	lc := NewLifecycle(store, api)

	if _, err := lc.Refresh(context.Background(), ListFilter{}, pagination.Params{}); err != nil {
		t.Fatal(err)
	}
	if len(store.List()) != 1 {
		t.Fatalf("expected one cached encounter, got %d", len(store.List()))
	}
	if _, err := lc.Open(context.Background(), enc.ID); err != nil {
		t.Fatal(err)
	}
	if cur, ok := store.Current(); !ok || cur.ID != enc.ID {
		t.Error("expected encounter to be open")
	}
	if _, err := lc.Open(context.Background(), uuid.New()); !errors.Is(err, workflow.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}
