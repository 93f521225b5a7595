package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"trailkeep/internal/ledger"
)

func newTestServer(t *testing.T, store ledger.Store) *httptest.Server {
	t.Helper()

	locks := ledger.NewOrgLocks()
	recorder := ledger.NewRecorder(store, locks)
	api, err := NewAPI(Deps{
		Recorder:  recorder,
		Queries:   ledger.NewQueryEngine(store),
		Verifier:  ledger.NewVerifier(store),
		Reporter:  ledger.NewReporter(store, ledger.DefaultSuspicionRules()),
		Exporter:  ledger.NewExporter(store),
		Retention: ledger.NewRetentionManager(store, nil, locks),
	})
	if err != nil {
		t.Fatal(err)
	}

	resolver := KeyMap{"key-acme": "org-acme", "key-globex": "org-globex"}
	srv := httptest.NewServer(Router(api, resolver, RouterOptions{RatePerMinute: 10000}))
	t.Cleanup(srv.Close)
	return srv
}

func doRequest(t *testing.T, method, url, key string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatal(err)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		_ = json.NewDecoder(resp.Body).Decode(&decoded)
	}
	return resp, decoded
}

func recordPayload(action, entityType, entityID string) map[string]any {
	return map[string]any{
		"userId":     "u1",
		"action":     action,
		"entityType": entityType,
		"entityId":   entityID,
		"newValues":  map[string]any{"total": 100},
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t, ledger.NewMemStore())

	tests := []struct {
		name string
		key  string
	}{
		{"missing key", ""},
		{"unknown key", "key-wrong"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := doRequest(t, http.MethodGet, srv.URL+"/audit/trails", tc.key, nil)
			if resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", resp.StatusCode)
			}
			if body["success"] != false {
				t.Fatalf("body = %v", body)
			}
		})
	}
}

func TestHealthEndpointsNeedNoAuth(t *testing.T) {
	srv := newTestServer(t, ledger.NewMemStore())
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestRecordAndGetTrail(t *testing.T) {
	srv := newTestServer(t, ledger.NewMemStore())

	resp, body := doRequest(t, http.MethodPost, srv.URL+"/audit/trails", "key-acme",
		recordPayload("CREATE", "invoice", "inv-1"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	if body["success"] != true {
		t.Fatalf("body = %v", body)
	}

	data := body["data"].(map[string]any)
	if data["sequence"].(float64) != 1 {
		t.Fatalf("sequence = %v, want 1", data["sequence"])
	}
	if data["organization_id"] != "org-acme" {
		t.Fatalf("organization = %v, want the key's tenant", data["organization_id"])
	}
	id := data["id"].(string)

	resp, body = doRequest(t, http.MethodGet, srv.URL+"/audit/trails/"+id, "key-acme", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	got := body["data"].(map[string]any)
	if got["id"] != id || got["action"] != "CREATE" {
		t.Fatalf("data = %v", got)
	}
}

func TestRecordStoresBareClientAddress(t *testing.T) {
	srv := newTestServer(t, ledger.NewMemStore())

	resp, body := doRequest(t, http.MethodPost, srv.URL+"/audit/trails", "key-acme",
		recordPayload("CREATE", "invoice", "inv-1"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	data := body["data"].(map[string]any)
	ip, _ := data["ip_address"].(string)
	if net.ParseIP(ip) == nil {
		t.Fatalf("ip_address = %q, want a bare address", ip)
	}
}

func TestRecordValidationError(t *testing.T) {
	srv := newTestServer(t, ledger.NewMemStore())

	resp, body := doRequest(t, http.MethodPost, srv.URL+"/audit/trails", "key-acme",
		map[string]any{"action": "CREATE"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if body["success"] != false || body["error"] == nil {
		t.Fatalf("body = %v", body)
	}
}

func TestRecordUnknownFieldRejected(t *testing.T) {
	srv := newTestServer(t, ledger.NewMemStore())

	payload := recordPayload("CREATE", "invoice", "inv-1")
	payload["hash"] = "attacker supplied"
	resp, _ := doRequest(t, http.MethodPost, srv.URL+"/audit/trails", "key-acme", payload)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetTrailNotFound(t *testing.T) {
	srv := newTestServer(t, ledger.NewMemStore())

	resp, _ := doRequest(t, http.MethodGet,
		srv.URL+"/audit/trails/6f1c2b9e-0000-4000-8000-000000000000", "key-acme", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}

	resp, _ = doRequest(t, http.MethodGet, srv.URL+"/audit/trails/not-a-uuid", "key-acme", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for malformed id", resp.StatusCode)
	}
}

func TestTenantsCannotReadEachOther(t *testing.T) {
	srv := newTestServer(t, ledger.NewMemStore())

	_, body := doRequest(t, http.MethodPost, srv.URL+"/audit/trails", "key-acme",
		recordPayload("CREATE", "invoice", "inv-1"))
	id := body["data"].(map[string]any)["id"].(string)

	resp, _ := doRequest(t, http.MethodGet, srv.URL+"/audit/trails/"+id, "key-globex", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 across tenants", resp.StatusCode)
	}

	resp, body = doRequest(t, http.MethodGet, srv.URL+"/audit/trails", "key-globex", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	if total := body["data"].(map[string]any)["total"].(float64); total != 0 {
		t.Fatalf("foreign tenant sees %v trails", total)
	}
}

func TestListTrailsFilterAndPagination(t *testing.T) {
	srv := newTestServer(t, ledger.NewMemStore())

	for i := 0; i < 5; i++ {
		doRequest(t, http.MethodPost, srv.URL+"/audit/trails", "key-acme",
			recordPayload("CREATE", "invoice", fmt.Sprintf("inv-%d", i)))
	}
	doRequest(t, http.MethodPost, srv.URL+"/audit/trails", "key-acme",
		recordPayload("UPDATE", "payment", "pay-1"))

	resp, body := doRequest(t, http.MethodGet,
		srv.URL+"/audit/trails?entityType=invoice&limit=2&offset=1", "key-acme", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	data := body["data"].(map[string]any)
	if data["total"].(float64) != 5 {
		t.Fatalf("total = %v, want 5", data["total"])
	}
	trails := data["trails"].([]any)
	if len(trails) != 2 {
		t.Fatalf("page = %d, want 2", len(trails))
	}

	resp, _ = doRequest(t, http.MethodGet, srv.URL+"/audit/trails?limit=nope", "key-acme", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for bad limit", resp.StatusCode)
	}

	resp, _ = doRequest(t, http.MethodGet, srv.URL+"/audit/trails?startDate=13-2026", "key-acme", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for bad date", resp.StatusCode)
	}
}

func TestVerifyTrailEndpoint(t *testing.T) {
	srv := newTestServer(t, ledger.NewMemStore())

	var lastID string
	for i := 0; i < 3; i++ {
		_, body := doRequest(t, http.MethodPost, srv.URL+"/audit/trails", "key-acme",
			recordPayload("CREATE", "invoice", fmt.Sprintf("inv-%d", i)))
		lastID = body["data"].(map[string]any)["id"].(string)
	}

	resp, body := doRequest(t, http.MethodPost, srv.URL+"/audit/trails/"+lastID+"/verify", "key-acme", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	data := body["data"].(map[string]any)
	if data["valid"] != true {
		t.Fatalf("data = %v", data)
	}
	report := data["report"].(map[string]any)
	if report["total_events"].(float64) != 3 {
		t.Fatalf("report = %v", report)
	}
}

func TestIntegrityReportEndpoint(t *testing.T) {
	srv := newTestServer(t, ledger.NewMemStore())
	doRequest(t, http.MethodPost, srv.URL+"/audit/trails", "key-acme",
		recordPayload("CREATE", "invoice", "inv-1"))

	resp, body := doRequest(t, http.MethodGet, srv.URL+"/audit/integrity-report", "key-acme", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	data := body["data"].(map[string]any)
	if data["integrity_score"].(float64) != 100 || data["broken_at_sequence"] != nil {
		t.Fatalf("data = %v", data)
	}
}

func TestReportingEndpoints(t *testing.T) {
	srv := newTestServer(t, ledger.NewMemStore())
	doRequest(t, http.MethodPost, srv.URL+"/audit/trails", "key-acme",
		recordPayload("CREATE", "invoice", "inv-1"))
	doRequest(t, http.MethodPost, srv.URL+"/audit/trails", "key-acme",
		recordPayload("DELETE", "invoice", "inv-1"))

	for _, path := range []string{
		"/audit/dashboard", "/audit/stats", "/audit/summary",
		"/audit/analytics", "/audit/insights", "/audit/report",
	} {
		resp, body := doRequest(t, http.MethodGet, srv.URL+path, "key-acme", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d", path, resp.StatusCode)
		}
		if body["success"] != true {
			t.Fatalf("%s body = %v", path, body)
		}
	}

	_, body := doRequest(t, http.MethodGet, srv.URL+"/audit/stats", "key-acme", nil)
	stats := body["data"].(map[string]any)
	if stats["total_events"].(float64) != 2 || stats["delete_actions"].(float64) != 1 {
		t.Fatalf("stats = %v", stats)
	}
}

func TestExportEndpoint(t *testing.T) {
	srv := newTestServer(t, ledger.NewMemStore())
	doRequest(t, http.MethodPost, srv.URL+"/audit/trails", "key-acme",
		recordPayload("CREATE", "invoice", "inv-1"))

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/audit/export?format=csv", nil)
	req.Header.Set("Authorization", "Bearer key-acme")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("content type = %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "attachment") {
		t.Fatalf("content disposition = %q", cd)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "previous_hash") {
		t.Fatalf("csv header missing: %q", buf.String())
	}

	// The export itself lands on the trail.
	_, body := doRequest(t, http.MethodGet, srv.URL+"/audit/trails?action=EXPORT", "key-acme", nil)
	if total := body["data"].(map[string]any)["total"].(float64); total != 1 {
		t.Fatalf("EXPORT events = %v, want 1", total)
	}

	resp2, _ := doRequest(t, http.MethodGet, srv.URL+"/audit/export?format=xml", "key-acme", nil)
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for unknown format", resp2.StatusCode)
	}
}

func TestCleanupEndpoint(t *testing.T) {
	store := ledger.NewMemStore()
	srv := newTestServer(t, store)

	// Backdate a few events, then one recent event on top.
	clock := time.Now().UTC().AddDate(-9, 0, 0)
	locks := ledger.NewOrgLocks()
	backdated := ledger.NewRecorder(store, locks, ledger.WithClock(func() time.Time { return clock }))
	for i := 0; i < 3; i++ {
		entry := ledger.Entry{OrganizationID: "org-acme", Action: "CREATE", Resource: "invoice", ResourceID: fmt.Sprintf("inv-%d", i)}
		if _, err := backdated.Record(context.Background(), entry); err != nil {
			t.Fatal(err)
		}
		clock = clock.Add(time.Hour)
	}
	doRequest(t, http.MethodPost, srv.URL+"/audit/trails", "key-acme",
		recordPayload("CREATE", "invoice", "inv-new"))

	resp, body := doRequest(t, http.MethodPost, srv.URL+"/audit/cleanup", "key-acme",
		map[string]any{"retentionDays": 2555})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	data := body["data"].(map[string]any)
	if data["deleted_count"].(float64) != 3 {
		t.Fatalf("deleted = %v, want 3", data["deleted_count"])
	}

	// The chain still verifies after cleanup.
	resp, body = doRequest(t, http.MethodGet, srv.URL+"/audit/integrity-report", "key-acme", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["data"].(map[string]any)["broken_at_sequence"] != nil {
		t.Fatalf("chain broken after cleanup: %v", body["data"])
	}
}

func TestDeferredRecordReturns202(t *testing.T) {
	store := &brokenStore{Store: ledger.NewMemStore()}
	srv := newTestServer(t, store)

	resp, body := doRequest(t, http.MethodPost, srv.URL+"/audit/trails", "key-acme",
		recordPayload("CREATE", "invoice", "inv-1"))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if body["success"] != true {
		t.Fatalf("body = %v", body)
	}
	if body["data"].(map[string]any)["deferred"] != true {
		t.Fatalf("body = %v", body)
	}
}

type brokenStore struct {
	ledger.Store
}

func (s *brokenStore) Append(context.Context, *ledger.AuditEvent, ledger.ChainState) error {
	return &ledger.PersistenceError{Op: "append", Err: errors.New("database down")}
}
