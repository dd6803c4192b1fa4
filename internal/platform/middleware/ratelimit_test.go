package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/edflow/internal/platform/auth"
)

func doLimited(mw echo.MiddlewareFunc, e *echo.Echo, ip string, actor *auth.Actor) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = ip + ":1234"
	if actor != nil {
		req = req.WithContext(auth.WithActor(req.Context(), *actor))
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	err := mw(func(c echo.Context) error { return c.NoContent(http.StatusOK) })(c)
	return rec, err
}

func TestRateLimit_BurstThenReject(t *testing.T) {
	e := echo.New()
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 2})

	for i := 0; i < 2; i++ {
		if _, err := doLimited(mw, e, "10.0.0.1", nil); err != nil {
			t.Fatalf("request %d: unexpected error %v", i, err)
		}
	}

	rec, err := doLimited(mw, e, "10.0.0.1", nil)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestRateLimit_KeysAreIndependent(t *testing.T) {
	e := echo.New()
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 1})

	if _, err := doLimited(mw, e, "10.0.0.1", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := doLimited(mw, e, "10.0.0.2", nil); err != nil {
		t.Fatalf("other IP should have its own bucket: %v", err)
	}

	a := auth.Actor{StaffID: uuid.New(), Role: auth.RoleDoctor}
	b := auth.Actor{StaffID: uuid.New(), Role: auth.RoleNurse}
	if _, err := doLimited(mw, e, "10.0.0.1", &a); err != nil {
		t.Fatalf("staff should be keyed separately from IP: %v", err)
	}
	if _, err := doLimited(mw, e, "10.0.0.1", &b); err != nil {
		t.Fatalf("different staff should have separate buckets: %v", err)
	}
	if _, err := doLimited(mw, e, "10.0.0.9", &a); err == nil {
		t.Fatal("same staff from another IP should share the bucket")
	}
}
