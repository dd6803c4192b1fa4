package encounter

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/edflow/internal/platform/auth"
	"github.com/ehr/edflow/internal/platform/middleware"
)

func newTestServer(f *fixture) *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = middleware.ErrorHandler(zerolog.Nop())
	NewHandler(f.svc).RegisterRoutes(e.Group("/api/v1"))
	return e
}

func do(e *echo.Echo, method, path string, actor *auth.Actor, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if actor != nil {
		req = req.WithContext(auth.WithActor(req.Context(), *actor))
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_UpdateStatus(t *testing.T) {
	f := newFixture()
	e := newTestServer(f)
	enc := f.seed(StatusDisposition)
	path := "/api/v1/encounters/" + enc.ID.String() + "/status"

	rec := do(e, http.MethodPut, path, &f.nurse, `{"newStatus":"DISCHARGED","disposition":{"discharge_summary":"ok"}}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("nurse: expected 403, got %d %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), ReasonNurseTerminal) {
		t.Errorf("expected denial reason in body, got %s", rec.Body.String())
	}

	rec = do(e, http.MethodPut, path, &f.doctor, `{"newStatus":"DISCHARGED","disposition":{"discharge_summary":""}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("blank summary: expected 400, got %d", rec.Code)
	}
	var body middleware.Envelope
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Fields["disposition.discharge_summary"] == "" {
		t.Errorf("expected field error, got %+v", body)
	}

	rec = do(e, http.MethodPut, path, &f.doctor, `{"newStatus":"DISCHARGED","disposition":{"discharge_summary":"Pasien stabil, kondisi baik"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("doctor: expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	var ok struct {
		Success bool      `json:"success"`
		Data    Encounter `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &ok); err != nil {
		t.Fatal(err)
	}
	if !ok.Success || ok.Data.Status != StatusDischarged || ok.Data.EndTime == nil {
		t.Errorf("unexpected response %+v", ok)
	}

	rec = do(e, http.MethodPut, path, &f.doctor, `{"newStatus":"ONGOING"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("closed encounter: expected 409, got %d", rec.Code)
	}
}

func TestHandler_Unauthenticated(t *testing.T) {
	f := newFixture()
	e := newTestServer(f)
	rec := do(e, http.MethodGet, "/api/v1/encounters", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestHandler_GetAndList(t *testing.T) {
	f := newFixture()
	e := newTestServer(f)
	enc := f.seed(StatusTriage)

	rec := do(e, http.MethodGet, "/api/v1/encounters/"+enc.ID.String(), &f.nurse, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec = do(e, http.MethodGet, "/api/v1/encounters/not-a-uuid", &f.nurse, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	rec = do(e, http.MethodGet, "/api/v1/encounters?status=TRIAGE&limit=5", &f.nurse, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"total":1`) {
		t.Errorf("unexpected list response %d %s", rec.Code, rec.Body.String())
	}
	rec = do(e, http.MethodGet, "/api/v1/encounters?status=bogus", &f.nurse, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad filter, got %d", rec.Code)
	}
}

func TestHandler_CreateEncounter(t *testing.T) {
	f := newFixture()
	e := newTestServer(f)
	body := `{"patient_mrn":"MRN-5","triage_level":2,"chief_complaint":"syncope","responsible_staff_id":"` +
		f.doctor.StaffID.String() + `","vitals":{"heart_rate":300}}`

	rec := do(e, http.MethodPost, "/api/v1/encounters", &f.nurse, body)
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "vitals.heart_rate") {
		t.Fatalf("expected vitals error, got %d %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodPost, "/api/v1/encounters", &f.nurse, strings.Replace(body, "300", "88", 1))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", rec.Code, rec.Body.String())
	}

	admin := auth.Actor{StaffID: f.doctor.StaffID, Role: auth.RoleAdmin}
	rec = do(e, http.MethodPost, "/api/v1/encounters", &admin, body)
	if rec.Code != http.StatusForbidden {
		t.Errorf("admin: expected 403, got %d", rec.Code)
	}
}

func TestHandler_StatusHistory(t *testing.T) {
	f := newFixture()
	e := newTestServer(f)
	enc := f.seed(StatusTriage)
	base := "/api/v1/encounters/" + enc.ID.String()

	if rec := do(e, http.MethodPut, base+"/status", &f.nurse, `{"newStatus":"ONGOING"}`); rec.Code != http.StatusOK {
		t.Fatalf("transition failed: %d %s", rec.Code, rec.Body.String())
	}
	rec := do(e, http.MethodGet, base+"/status-history", &f.doctor, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"to_status":"ONGOING"`) {
		t.Errorf("unexpected history %d %s", rec.Code, rec.Body.String())
	}
}
