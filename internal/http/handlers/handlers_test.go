package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/phi-deid-engine/internal/bundle"
	"github.com/wolfman30/phi-deid-engine/internal/engine"
	httpmiddleware "github.com/wolfman30/phi-deid-engine/internal/http/middleware"
	"github.com/wolfman30/phi-deid-engine/internal/ledger"
	"github.com/wolfman30/phi-deid-engine/internal/phi"
	"github.com/wolfman30/phi-deid-engine/internal/phierr"
	"github.com/wolfman30/phi-deid-engine/internal/reporting"
	"github.com/wolfman30/phi-deid-engine/pkg/logging"
)

var (
	clinician = phi.Principal{ID: "clinic-app", Roles: []string{"clinician"}}
	officer   = phi.Principal{ID: "po-1", Roles: []string{"privacy_officer"}}
)

type stubEngine struct {
	scanIn   engine.Input
	scanOut  *engine.Outcome
	scanErr  error
	reversed string
	err      error
}

func (s *stubEngine) Scan(_ context.Context, in engine.Input) (*engine.Outcome, error) {
	s.scanIn = in
	return s.scanOut, s.scanErr
}

func (s *stubEngine) Transform(_ context.Context, scanID, _ string, _ phi.Principal) (*engine.Outcome, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &engine.Outcome{Request: phi.ScanRequest{ID: scanID}, DeidentifiedText: "masked"}, nil
}

func (s *stubEngine) Reverse(context.Context, string, string, phi.Principal) (string, error) {
	return s.reversed, s.err
}

func do(t *testing.T, h http.HandlerFunc, method, target, body string, p *phi.Principal, params map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, rctx)
	if p != nil {
		ctx = httpmiddleware.WithPrincipal(ctx, *p)
	}
	rec := httptest.NewRecorder()
	h(rec, req.WithContext(ctx))
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{phierr.Validationf("op", "text", "empty"), http.StatusBadRequest},
		{phierr.Authorization("op", "roles", errors.New("no")), http.StatusForbidden},
		{phierr.NotFound("op", "scan_id", errors.New("missing")), http.StatusNotFound},
		{phierr.Conflict("op", "scan_id", errors.New("dup")), http.StatusConflict},
		{phierr.Configurationf("op", "pattern", "bad"), http.StatusUnprocessableEntity},
		{phierr.Configuration("op", "", bundle.ErrNoApprovedConfig), http.StatusServiceUnavailable},
		{phierr.KeyManagement("op", "key_id", errors.New("down")), http.StatusServiceUnavailable},
		{phierr.Persistence("op", "", errors.New("db")), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
		{&http.MaxBytesError{Limit: 10}, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), "%v", tt.err)
	}
}

func TestCreateScanPassesPrincipalAndOptions(t *testing.T) {
	eng := &stubEngine{scanOut: &engine.Outcome{
		Request: phi.ScanRequest{ID: "scan-1"},
		Result:  phi.ScanResult{ScanID: "scan-1", Classification: phi.HighRisk, RiskScore: 8},
	}}
	h := NewScanHandler(eng, 1<<20, logging.Default())

	body := `{"text":"Patient RAMQ: ABCD 1234 5678 09","context":{"patient_ref":"p-1"},"options":{"enable_deidentification":true}}`
	rec := do(t, h.CreateScan, http.MethodPost, "/v1/scans", body, &clinician, nil)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, clinician, eng.scanIn.Principal)
	assert.Equal(t, "p-1", eng.scanIn.Context.PatientRef)
	assert.True(t, eng.scanIn.Options.EnableDeidentification)
	assert.Contains(t, rec.Body.String(), `"classification":"high_risk"`)
}

func TestCreateScanForwardsRequestID(t *testing.T) {
	eng := &stubEngine{scanOut: &engine.Outcome{Request: phi.ScanRequest{ID: "scan-1"}}}
	h := NewScanHandler(eng, 1<<20, logging.Default())

	withID := chimw.RequestID(http.HandlerFunc(h.CreateScan))
	rec := do(t, withID.ServeHTTP, http.MethodPost, "/v1/scans", `{"text":"bonjour"}`, &clinician, nil)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, eng.scanIn.RequestID)
}

func TestCreateScanRequiresPrincipal(t *testing.T) {
	h := NewScanHandler(&stubEngine{}, 0, nil)
	rec := do(t, h.CreateScan, http.MethodPost, "/v1/scans", `{"text":"x"}`, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateScanRejectsOversizedBody(t *testing.T) {
	h := NewScanHandler(&stubEngine{}, 32, nil)
	body := `{"text":"` + strings.Repeat("a", 64) + `"}`
	rec := do(t, h.CreateScan, http.MethodPost, "/v1/scans", body, &clinician, nil)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "text", decodeError(t, rec).Field)
}

func TestCreateScanRejectsUnknownFields(t *testing.T) {
	h := NewScanHandler(&stubEngine{}, 0, nil)
	rec := do(t, h.CreateScan, http.MethodPost, "/v1/scans", `{"txt":"x"}`, &clinician, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "validation", resp.Kind)
	assert.Equal(t, "body", resp.Field)
}

func TestCreateScanPartialFailureReturnsScanID(t *testing.T) {
	eng := &stubEngine{
		scanOut: &engine.Outcome{Request: phi.ScanRequest{ID: "scan-9"}},
		scanErr: phierr.KeyManagement("transform.encrypt", "key_id", errors.New("kms unavailable")),
	}
	h := NewScanHandler(eng, 0, nil)
	rec := do(t, h.CreateScan, http.MethodPost, "/v1/scans", `{"text":"x"}`, &clinician, nil)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "key_management", resp.Kind)
	assert.Equal(t, "scan-9", resp.ScanID)
}

func TestPersistenceErrorsAreNotEchoed(t *testing.T) {
	eng := &stubEngine{scanErr: phierr.Persistence("records.save", "", errors.New("pq: relation scan_requests does not exist"))}
	h := NewScanHandler(eng, 0, nil)
	rec := do(t, h.CreateScan, http.MethodPost, "/v1/scans", `{"text":"x"}`, &clinician, nil)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "scan_requests")
	assert.Equal(t, "internal error", decodeError(t, rec).Error)
}

func TestTransformAndReverse(t *testing.T) {
	eng := &stubEngine{reversed: "Patient RAMQ: ABCD 1234 5678 09"}
	h := NewScanHandler(eng, 0, nil)
	params := map[string]string{"scanID": "scan-1"}

	rec := do(t, h.TransformScan, http.MethodPost, "/v1/scans/scan-1/transform", `{"text":"x"}`, &clinician, params)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"deidentified_text":"masked"`)

	rec = do(t, h.ReverseScan, http.MethodPost, "/v1/scans/scan-1/reverse", `{"text":"masked"}`, &officer, params)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	var resp reverseResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "scan-1", resp.ScanID)
	assert.Equal(t, eng.reversed, resp.Text)

	eng.err = phierr.Authorization("transform.reverse", "roles", errors.New("denied"))
	rec = do(t, h.ReverseScan, http.MethodPost, "/v1/scans/scan-1/reverse", `{"text":"masked"}`, &clinician, params)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTransformRequiresScanID(t *testing.T) {
	h := NewScanHandler(&stubEngine{}, 0, nil)
	rec := do(t, h.TransformScan, http.MethodPost, "/v1/scans//transform", `{"text":"x"}`, &clinician, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "scan_id", decodeError(t, rec).Field)
}

type stubLedger struct {
	entries   []ledger.Entry
	err       error
	swept     string
	reason    string
	principal phi.Principal
}

func (s *stubLedger) History(_ context.Context, scanID string) ([]ledger.Entry, error) {
	return s.entries, s.err
}

func (s *stubLedger) Sweep(_ context.Context, principal string) (int, error) {
	s.swept = principal
	return 3, s.err
}

func (s *stubLedger) Dispose(_ context.Context, scanID string, p phi.Principal) (ledger.Entry, error) {
	s.principal = p
	return ledger.Entry{ScanID: scanID, Event: ledger.EventDisposed, ToState: ledger.StateDisposed}, s.err
}

func (s *stubLedger) Compensate(_ context.Context, entryID, reason string, p phi.Principal) (ledger.Entry, error) {
	s.reason = reason
	s.principal = p
	return ledger.Entry{Event: ledger.EventCompensation, CompensatesID: entryID}, s.err
}

func TestLedgerHistory(t *testing.T) {
	l := &stubLedger{entries: []ledger.Entry{
		{ScanID: "scan-1", Seq: 1, Event: ledger.EventSubmitted, ToState: ledger.StateSubmitted},
		{ScanID: "scan-1", Seq: 2, Event: ledger.EventScanned, ToState: ledger.StateScanned},
	}}
	h := NewLedgerHandler(l, nil)
	rec := do(t, h.History, http.MethodGet, "/v1/scans/scan-1/ledger", "", &clinician, map[string]string{"scanID": "scan-1"})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp historyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, ledger.StateScanned, resp.State)
	assert.Len(t, resp.Entries, 2)

	l.entries = nil
	rec = do(t, h.History, http.MethodGet, "/v1/scans/none/ledger", "", &clinician, map[string]string{"scanID": "none"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLedgerAdminOperations(t *testing.T) {
	l := &stubLedger{}
	h := NewLedgerHandler(l, nil)

	rec := do(t, h.Sweep, http.MethodPost, "/admin/ledger/sweep", "", &officer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"eligible":3}`, rec.Body.String())
	assert.Equal(t, "po-1", l.swept)

	rec = do(t, h.Dispose, http.MethodPost, "/admin/ledger/scan-1/dispose", "", &officer, map[string]string{"scanID": "scan-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, officer, l.principal)

	rec = do(t, h.Compensate, http.MethodPost, "/admin/ledger/entries/e-1/compensate", `{"reason":" wrong principal "}`, &officer,
		map[string]string{"entryID": "e-1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "wrong principal", l.reason)

	l.err = phierr.Conflict("ledger.dispose", "disposal_date", ledger.ErrRetentionActive)
	rec = do(t, h.Dispose, http.MethodPost, "/admin/ledger/scan-1/dispose", "", &officer, map[string]string{"scanID": "scan-1"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "disposal_date", decodeError(t, rec).Field)
}

type stubReports struct {
	period reporting.Period
	err    error
}

func (s *stubReports) Report(_ context.Context, p reporting.Period) (*reporting.ComplianceReport, error) {
	s.period = p
	if s.err != nil {
		return nil, s.err
	}
	return &reporting.ComplianceReport{Period: p, ComplianceRate: 1}, nil
}

func (s *stubReports) Publish(ctx context.Context, p reporting.Period) (*reporting.ComplianceReport, string, error) {
	report, err := s.Report(ctx, p)
	return report, fmt.Sprintf("reports/v1/%s.json", p.Name), err
}

func TestGetReportPeriods(t *testing.T) {
	now := time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC)
	stub := &stubReports{}
	h := NewReportHandler(stub, stub, func() time.Time { return now }, nil)

	rec := do(t, h.GetReport, http.MethodGet, "/v1/reports?period=weekly", "", &officer, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), stub.period.From)

	rec = do(t, h.GetReport, http.MethodGet, "/v1/reports?period=monthly&at=2026-01-20", "", &officer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), stub.period.From)

	rec = do(t, h.GetReport, http.MethodGet, "/v1/reports?from=2026-01-01&to=2026-01-15", "", &officer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, reporting.PeriodCustom, stub.period.Name)

	rec = do(t, h.GetReport, http.MethodGet, "/v1/reports?period=yearly", "", &officer, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h.GetReport, http.MethodGet, "/v1/reports?at=yesterday", "", &officer, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "at", decodeError(t, rec).Field)
}

func TestPublishReport(t *testing.T) {
	stub := &stubReports{}
	h := NewReportHandler(stub, stub, nil, nil)
	rec := do(t, h.PublishReport, http.MethodPost, "/admin/reports?period=daily&at=2026-03-04", "", &officer, nil)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp publishResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "reports/v1/daily.json", resp.S3Key)

	h = NewReportHandler(stub, nil, nil, nil)
	rec = do(t, h.PublishReport, http.MethodPost, "/admin/reports", "", &officer, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealth(t *testing.T) {
	h := NewHealthHandler(nil)
	rec := do(t, h.Health, http.MethodGet, "/health", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	h = NewHealthHandler(map[string]Check{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("dial tcp: refused") },
	})
	rec = do(t, h.Health, http.MethodGet, "/health", "", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"degraded","checks":{"postgres":"ok","redis":"unavailable"}}`, rec.Body.String())
}
