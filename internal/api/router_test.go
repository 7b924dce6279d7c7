package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-claims/internal/api/handlers"
	"github.com/drfirst/go-claims/internal/billing"
	"github.com/drfirst/go-claims/internal/coverage"
	"github.com/drfirst/go-claims/internal/domain/claim"
	"github.com/drfirst/go-claims/internal/observability/metrics"
	"github.com/drfirst/go-claims/internal/registry"
)

const testKey = "test-api-key"

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func newTestServer(t *testing.T, ready Pinger) *httptest.Server {
	t.Helper()

	rules := coverage.NewMemoryStore()
	reg := registry.New(registry.NewMemoryStore(), nil)
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	mgr := claim.NewManager(claim.NewMemoryStore(), claim.ManagerConfig{RetryInterval: time.Millisecond}, nil,
		claim.WithObserver(m))

	h := NewRouter(Deps{
		ServiceName: "claims-api",
		Version:     "test",
		Billing:     billing.NewService(rules, reg, mgr, m, nil),
		Claims:      mgr,
		Rules:       rules,
		Registry:    reg,
		Metrics:     m,
		Gatherer:    promReg,
		Ready:       ready,
		APIKeys:     map[string]string{testKey: "test-client"},
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

type call struct {
	method  string
	path    string
	body    string
	headers map[string]string
}

func do(t *testing.T, srv *httptest.Server, c call) (int, []byte) {
	t.Helper()
	var body *bytes.Reader
	if c.body != "" {
		body = bytes.NewReader([]byte(c.body))
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(c.method, srv.URL+c.path, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", testKey)
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, buf.Bytes()
}

func tenant() map[string]string {
	return map[string]string{"X-Org-ID": "org-1", "X-Actor-ID": "adjuster-7"}
}

func seed(t *testing.T, srv *httptest.Server) {
	t.Helper()
	code, body := do(t, srv, call{method: http.MethodPost, path: "/api/v1/coverage-rules",
		body: `{"serviceId":"99213","insurerId":"INS-1","copayPercentage":"80"}`})
	require.Equal(t, http.StatusCreated, code, string(body))

	code, body = do(t, srv, call{method: http.MethodPost, path: "/api/v1/countries/us/codes/import",
		body: `[{"codeType":"PROCEDURE","code":"99213","description":"Office visit","amount":"200.00"}]`})
	require.Equal(t, http.StatusOK, code, string(body))
}

type claimBody struct {
	ID            string          `json:"id"`
	ClaimNumber   string          `json:"claimNumber"`
	TenantID      string          `json:"tenantId"`
	Status        string          `json:"status"`
	GrossAmount   decimal.Decimal `json:"grossAmount"`
	InsurerAmount decimal.Decimal `json:"insurerAmount"`
	PatientAmount decimal.Decimal `json:"patientAmount"`
	Supersedes    *string         `json:"supersedesClaimId"`
	Formatted     struct {
		Gross   string `json:"gross"`
		Insurer string `json:"insurer"`
		Patient string `json:"patient"`
	} `json:"formatted"`
}

func submit(t *testing.T, srv *httptest.Server) claimBody {
	t.Helper()
	code, body := do(t, srv, call{method: http.MethodPost, path: "/api/v1/claims", headers: tenant(),
		body: `{"patientId":"pat-1","serviceOrMedicationRef":"99213","insurerId":"INS-1","countryId":"US","codeType":"PROCEDURE"}`})
	require.Equal(t, http.StatusCreated, code, string(body))
	var c claimBody
	require.NoError(t, json.Unmarshal(body, &c))
	return c
}

func TestHealthAndReady(t *testing.T) {
	srv := newTestServer(t, pinger{})

	resp, err := srv.Client().Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = srv.Client().Get(srv.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	down := newTestServer(t, pinger{err: errors.New("db down")})
	resp, err = down.Client().Get(down.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAPIRequiresKey(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := srv.Client().Get(srv.URL + "/api/v1/currencies")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCurrencies(t *testing.T) {
	srv := newTestServer(t, nil)

	code, body := do(t, srv, call{method: http.MethodGet, path: "/api/v1/currencies"})
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"code":"USD"`)

	code, body = do(t, srv, call{method: http.MethodGet, path: "/api/v1/currencies/usd/format?amount=1234567.891"})
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Contains(t, string(body), `"formatted":"$1,234,567.89"`)

	code, _ = do(t, srv, call{method: http.MethodGet, path: "/api/v1/currencies/XXX/format?amount=1"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, srv, call{method: http.MethodGet, path: "/api/v1/currencies/USD/format?amount=abc"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = do(t, srv, call{method: http.MethodGet, path: "/api/v1/currencies/USD/format?amount=12345678901234567.89"})
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Contains(t, string(body), `"formatted":"$12,345,678,901,234,567.89"`)

	code, _ = do(t, srv, call{method: http.MethodGet, path: "/api/v1/currencies/USD/format?amount=1e400"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCoverageRules(t *testing.T) {
	srv := newTestServer(t, nil)
	seed(t, srv)

	tests := []struct {
		name string
		c    call
		want int
	}{
		{"duplicate", call{method: http.MethodPost, path: "/api/v1/coverage-rules",
			body: `{"serviceId":"99213","insurerId":"INS-1","copayAmount":"10"}`}, http.StatusConflict},
		{"both strategies", call{method: http.MethodPost, path: "/api/v1/coverage-rules",
			body: `{"serviceId":"X1","insurerId":"INS-1","copayAmount":"10","copayPercentage":"50"}`}, http.StatusBadRequest},
		{"missing insurer", call{method: http.MethodPost, path: "/api/v1/coverage-rules",
			body: `{"serviceId":"X1","copayAmount":"10"}`}, http.StatusBadRequest},
		{"unknown field", call{method: http.MethodPost, path: "/api/v1/coverage-rules",
			body: `{"serviceId":"X1","insurerId":"INS-1","copay":"10"}`}, http.StatusBadRequest},
		{"get", call{method: http.MethodGet, path: "/api/v1/coverage-rules/99213/INS-1"}, http.StatusOK},
		{"get missing", call{method: http.MethodGet, path: "/api/v1/coverage-rules/99213/INS-9"}, http.StatusNotFound},
		{"update mismatch", call{method: http.MethodPut, path: "/api/v1/coverage-rules/99213/INS-1",
			body: `{"serviceId":"99214","insurerId":"INS-1","copayAmount":"10"}`}, http.StatusBadRequest},
		{"update", call{method: http.MethodPut, path: "/api/v1/coverage-rules/99213/INS-1",
			body: `{"serviceId":"99213","insurerId":"INS-1","copayAmount":"30"}`}, http.StatusOK},
		{"update missing", call{method: http.MethodPut, path: "/api/v1/coverage-rules/1/INS-1",
			body: `{"serviceId":"1","insurerId":"INS-1","copayAmount":"30"}`}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := do(t, srv, tt.c)
			assert.Equal(t, tt.want, code, string(body))
		})
	}
}

func TestCodeRegistry(t *testing.T) {
	srv := newTestServer(t, nil)
	seed(t, srv)

	code, body := do(t, srv, call{method: http.MethodGet, path: "/api/v1/countries/US/codes/procedure/99213"})
	require.Equal(t, http.StatusOK, code, string(body))
	var entry struct {
		Code           string          `json:"code"`
		CodeSystem     string          `json:"codeSystem"`
		StandardAmount decimal.Decimal `json:"standardAmount"`
		Version        int             `json:"version"`
	}
	require.NoError(t, json.Unmarshal(body, &entry))
	assert.Equal(t, "99213", entry.Code)
	assert.Equal(t, "CPT-4", entry.CodeSystem)
	assert.True(t, entry.StandardAmount.Equal(decimal.RequireFromString("200")))
	assert.Equal(t, 1, entry.Version)

	code, body = do(t, srv, call{method: http.MethodPost, path: "/api/v1/countries/US/codes/import?mode=replace",
		body: `[{"codeType":"PROCEDURE","code":"99213","description":"Office visit","amount":"210.00"},{"codeType":"BOGUS","code":"1","description":"x"}]`})
	require.Equal(t, http.StatusOK, code, string(body))
	var report registry.ImportReport
	require.NoError(t, json.Unmarshal(body, &report))
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Imported)
	assert.Len(t, report.Errors, 1)

	code, body = do(t, srv, call{method: http.MethodGet, path: "/api/v1/countries/US/codes/PROCEDURE/99213/versions"})
	require.Equal(t, http.StatusOK, code, string(body))
	var versions []registry.Entry
	require.NoError(t, json.Unmarshal(body, &versions))
	assert.Len(t, versions, 2)

	code, _ = do(t, srv, call{method: http.MethodGet, path: "/api/v1/countries/US/codes/PROCEDURE/00000"})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, srv, call{method: http.MethodGet, path: "/api/v1/countries/US/codes/LAB/99213"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, srv, call{method: http.MethodPost, path: "/api/v1/countries/US/codes/import?mode=merge", body: `[]`})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = do(t, srv, call{method: http.MethodGet, path: "/api/v1/countries/ZZ"})
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"currency":"USD"`)
}

func TestCodeImport_MalformedRowDoesNotStopOthers(t *testing.T) {
	srv := newTestServer(t, nil)
	seed(t, srv)

	code, body := do(t, srv, call{method: http.MethodPost, path: "/api/v1/countries/US/codes/import",
		body: `[{"codeType":"PROCEDURE","code":"A1","description":"first","amount":"10.00"},` +
			`{"codeType":"PROCEDURE","code":"A2","description":"bad amount","amount":"ten"},` +
			`{"codeType":"PROCEDURE","code":123,"description":"bad code"},` +
			`{"codeType":"PROCEDURE","code":"A3","description":"third"}]`})
	require.Equal(t, http.StatusOK, code, string(body))

	var report registry.ImportReport
	require.NoError(t, json.Unmarshal(body, &report))
	assert.Equal(t, 4, report.Processed)
	assert.Equal(t, 2, report.Imported)
	assert.Equal(t, 2, report.Skipped)
	require.Len(t, report.Errors, 2)
	assert.True(t, strings.HasPrefix(report.Errors[0], "row 2:"), report.Errors[0])
	assert.True(t, strings.HasPrefix(report.Errors[1], "row 3:"), report.Errors[1])

	for _, c := range []string{"A1", "A3"} {
		code, body = do(t, srv, call{method: http.MethodGet, path: "/api/v1/countries/US/codes/PROCEDURE/" + c})
		assert.Equal(t, http.StatusOK, code, string(body))
	}
	code, _ = do(t, srv, call{method: http.MethodGet, path: "/api/v1/countries/US/codes/PROCEDURE/A2"})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, srv, call{method: http.MethodPost, path: "/api/v1/countries/US/codes/import",
		body: `{"codeType":"PROCEDURE"}`})
	assert.Equal(t, http.StatusBadRequest, code, "body must still be an array")
}

func TestCodeImport_BodyLimit(t *testing.T) {
	srv := newTestServer(t, nil)

	row := `{"codeType":"PROCEDURE","code":"A1","description":"` + strings.Repeat("x", 1000) + `"},`
	big := "[" + strings.Repeat(row, handlers.MaxImportBytes/len(row)+1) + `{"codeType":"PROCEDURE","code":"Z","description":"z"}]`

	code, body := do(t, srv, call{method: http.MethodPost, path: "/api/v1/countries/US/codes/import", body: big})
	assert.Equal(t, http.StatusRequestEntityTooLarge, code, string(body))
}

func TestAdjudicationDryRun(t *testing.T) {
	srv := newTestServer(t, nil)
	seed(t, srv)

	code, body := do(t, srv, call{method: http.MethodPost, path: "/api/v1/adjudications",
		body: `{"patientId":"pat-1","serviceOrMedicationRef":"99213","insurerId":"INS-1","grossAmount":"150.00","currency":"USD"}`})
	require.Equal(t, http.StatusOK, code, string(body))
	var q struct {
		InsurerAmount decimal.Decimal `json:"insurerAmount"`
		PatientAmount decimal.Decimal `json:"patientAmount"`
		Strategy      string          `json:"strategy"`
		Formatted     struct {
			Insurer string `json:"insurer"`
		} `json:"formatted"`
	}
	require.NoError(t, json.Unmarshal(body, &q))
	assert.True(t, q.InsurerAmount.Equal(decimal.RequireFromString("120")))
	assert.True(t, q.PatientAmount.Equal(decimal.RequireFromString("30")))
	assert.Equal(t, "PERCENTAGE", q.Strategy)
	assert.Equal(t, "$120.00", q.Formatted.Insurer)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"negative gross", `{"patientId":"p","serviceOrMedicationRef":"99213","insurerId":"INS-1","grossAmount":"-1","currency":"USD"}`, http.StatusBadRequest},
		{"unknown currency", `{"patientId":"p","serviceOrMedicationRef":"99213","insurerId":"INS-1","grossAmount":"1","currency":"XXX"}`, http.StatusBadRequest},
		{"no rule", `{"patientId":"p","serviceOrMedicationRef":"99213","insurerId":"INS-2","grossAmount":"1","currency":"USD"}`, http.StatusNotFound},
		{"no amount", `{"patientId":"p","serviceOrMedicationRef":"99213","insurerId":"INS-1","currency":"USD"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := do(t, srv, call{method: http.MethodPost, path: "/api/v1/adjudications", body: tt.body})
			assert.Equal(t, tt.want, code, string(body))
		})
	}
}

func TestClaimLifecycle(t *testing.T) {
	srv := newTestServer(t, nil)
	seed(t, srv)

	code, _ := do(t, srv, call{method: http.MethodPost, path: "/api/v1/claims",
		body: `{"patientId":"pat-1","serviceOrMedicationRef":"99213","insurerId":"INS-1","countryId":"US","codeType":"PROCEDURE"}`})
	assert.Equal(t, http.StatusBadRequest, code, "tenant header is required")

	c := submit(t, srv)
	assert.Equal(t, "SUBMITTED", c.Status)
	assert.Equal(t, "org-1", c.TenantID)
	assert.True(t, strings.HasPrefix(c.ClaimNumber, "CLM-"))
	assert.True(t, c.GrossAmount.Equal(decimal.RequireFromString("200")))
	assert.True(t, c.InsurerAmount.Equal(decimal.RequireFromString("160")))
	assert.Equal(t, "$40.00", c.Formatted.Patient)

	code, body := do(t, srv, call{method: http.MethodGet, path: "/api/v1/claims/by-number/" + c.ClaimNumber})
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Contains(t, string(body), c.ID)

	move := func(to string) (int, []byte) {
		return do(t, srv, call{method: http.MethodPost, path: "/api/v1/claims/" + c.ID + "/transitions",
			headers: tenant(), body: `{"to":"` + to + `"}`})
	}

	code, body = move("paid")
	assert.Equal(t, http.StatusUnprocessableEntity, code, string(body))

	code, body = move("processing")
	require.Equal(t, http.StatusOK, code, string(body))
	code, body = move("APPROVED")
	require.Equal(t, http.StatusOK, code, string(body))

	code, _ = move("ARCHIVED")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = do(t, srv, call{method: http.MethodGet, path: "/api/v1/claims/" + c.ID + "/history"})
	require.Equal(t, http.StatusOK, code)
	var history []claim.TransitionEvent
	require.NoError(t, json.Unmarshal(body, &history))
	require.Len(t, history, 2)
	assert.Equal(t, claim.StatusSubmitted, history[0].FromStatus)
	assert.Equal(t, claim.StatusApproved, history[1].ToStatus)
	assert.Equal(t, "adjuster-7", history[1].Actor)

	code, _ = do(t, srv, call{method: http.MethodGet, path: "/api/v1/claims/does-not-exist"})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestClaimCorrection(t *testing.T) {
	srv := newTestServer(t, nil)
	seed(t, srv)
	original := submit(t, srv)

	code, body := do(t, srv, call{method: http.MethodPost, path: "/api/v1/claims/" + original.ID + "/corrections",
		headers: tenant(),
		body:    `{"patientId":"pat-1","serviceOrMedicationRef":"99213","insurerId":"INS-1","grossAmount":"100.00","currency":"USD"}`})
	require.Equal(t, http.StatusCreated, code, string(body))

	var corrected claimBody
	require.NoError(t, json.Unmarshal(body, &corrected))
	require.NotNil(t, corrected.Supersedes)
	assert.Equal(t, original.ID, *corrected.Supersedes)
	assert.NotEqual(t, original.ClaimNumber, corrected.ClaimNumber)
	assert.True(t, corrected.InsurerAmount.Equal(decimal.RequireFromString("80")))
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	seed(t, srv)
	submit(t, srv)

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "claims_submitted_total")
}
