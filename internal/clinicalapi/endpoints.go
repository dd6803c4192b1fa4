package clinicalapi

import (
	"context"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/ehr/edflow/internal/domain/diagnostics"
	"github.com/ehr/edflow/internal/domain/encounter"
	"github.com/ehr/edflow/internal/domain/integrity"
	"github.com/ehr/edflow/internal/domain/staff"
	"github.com/ehr/edflow/internal/platform/auth"
	"github.com/ehr/edflow/pkg/pagination"
)

var (
	_ encounter.API   = (*Client)(nil)
	_ diagnostics.API = (*Client)(nil)
	_ integrity.API   = (*Client)(nil)
	_ staff.Source    = (*Client)(nil)
)

// -- Encounters --

func (c *Client) GetEncounter(ctx context.Context, id uuid.UUID) (encounter.Encounter, error) {
	var enc encounter.Encounter
	err := c.do(ctx, http.MethodGet, idPath("/encounters/%s", id), nil, nil, &enc)
	return enc, err
}

func (c *Client) ListEncounters(ctx context.Context, f encounter.ListFilter, p pagination.Params) ([]encounter.Encounter, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.ResponsibleStaffID != uuid.Nil {
		q.Set("responsible_staff_id", f.ResponsibleStaffID.String())
	}
	p.Encode(q)

	var page pagination.Page[encounter.Encounter]
	if err := c.do(ctx, http.MethodGet, "/encounters", q, nil, &page); err != nil {
		return nil, err
	}
	return page.Items, nil
}

func (c *Client) UpdateEncounterStatus(ctx context.Context, id uuid.UUID, req encounter.StatusRequest) (encounter.Encounter, error) {
	var enc encounter.Encounter
	err := c.do(ctx, http.MethodPut, idPath("/encounters/%s/status", id), nil, req, &enc)
	return enc, err
}

// -- Diagnostic tests --

func (c *Client) GetDiagnosticTest(ctx context.Context, id uuid.UUID) (diagnostics.DiagnosticTest, error) {
	var t diagnostics.DiagnosticTest
	err := c.do(ctx, http.MethodGet, idPath("/diagnostic-tests/%s", id), nil, nil, &t)
	return t, err
}

func (c *Client) ListDiagnosticTests(ctx context.Context, encounterID uuid.UUID) ([]diagnostics.DiagnosticTest, error) {
	var tests []diagnostics.DiagnosticTest
	err := c.do(ctx, http.MethodGet, idPath("/encounters/%s/diagnostic-tests", encounterID), nil, nil, &tests)
	return tests, err
}

func (c *Client) UpdateDiagnosticTest(ctx context.Context, id uuid.UUID, req diagnostics.TransitionRequest) (diagnostics.DiagnosticTest, error) {
	var t diagnostics.DiagnosticTest
	err := c.do(ctx, http.MethodPatch, idPath("/diagnostic-tests/%s", id), nil, req, &t)
	return t, err
}

// GetSchema fetches the preset result schema of a test type.
func (c *Client) GetSchema(ctx context.Context, tt diagnostics.TestType) (diagnostics.Schema, error) {
	var s diagnostics.Schema
	err := c.do(ctx, http.MethodGet, "/diagnostic-tests/schemas/"+url.PathEscape(string(tt)), nil, nil, &s)
	return s, err
}

// -- Integrity --

func (c *Client) HashVerify(ctx context.Context, testID uuid.UUID) (integrity.VerificationRecord, error) {
	var rec integrity.VerificationRecord
	err := c.do(ctx, http.MethodPost, idPath("/admin/hash-verify/%s", testID), nil, nil, &rec)
	return rec, err
}

func (c *Client) RetryAnchor(ctx context.Context, id uuid.UUID) (diagnostics.DiagnosticTest, error) {
	var t diagnostics.DiagnosticTest
	err := c.do(ctx, http.MethodPost, idPath("/admin/blockchain/retry/%s", id), nil, nil, &t)
	return t, err
}

// -- Staff --

func (c *Client) ListStaff(ctx context.Context, role auth.Role) ([]staff.Staff, error) {
	q := url.Values{}
	if role != "" {
		q.Set("role", string(role))
	}
	var list []staff.Staff
	err := c.do(ctx, http.MethodGet, "/staff", q, nil, &list)
	return list, err
}
