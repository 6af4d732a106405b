package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lancepay/escrowd/internal/config"
	"github.com/lancepay/escrowd/internal/ingest"
	"github.com/lancepay/escrowd/internal/provider"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testWebhookSecret = "whsec_servertest"

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:              "0",
		Env:               "development",
		LogLevel:          "error",
		LogFormat:         "text",
		WebhookSecret:     testWebhookSecret,
		AdminSecret:       "admin_test_secret",
		StuckEscrowWindow: 24 * time.Hour,
		ReconcileInterval: time.Minute,
		RateLimitRPS:      1000,
	}
}

// newTestServer creates a server with in-memory stores and a mock provider
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithProvider(provider.NewMockClient()))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(func() {
		if s.rateLimiter != nil {
			s.rateLimiter.Stop()
		}
	})
	return s
}

func doRequest(s *Server, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	s.router.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(s, "GET", "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(s, "GET", "/health/live", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(s, "GET", "/health/ready", "", nil)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"POST:/v1/escrows",
		"GET:/v1/escrows/:id",
		"GET:/v1/escrows/:id/ledger",
		"POST:/v1/escrows/:id/fund",
		"POST:/v1/escrows/:id/release",
		"POST:/v1/escrows/:id/refund",
		"GET:/v1/milestones/:id",
		"GET:/v1/milestones/:id/escrows",
		"POST:/v1/milestones/:id/disputes",
		"POST:/v1/events/provider",
		"GET:/v1/events/live",
		"POST:/v1/admin/disputes/:id/resolve",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Route %s not registered", e)
		}
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(s, "GET", "/v1/nonexistent", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// End-to-end settlement flow over HTTP
// ---------------------------------------------------------------------------

func TestSettlementFlow(t *testing.T) {
	s := newTestServer(t)

	// Create the escrow
	w := doRequest(s, "POST", "/v1/escrows", `{"milestoneId":"mls_flow","amount":1000}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("Create escrow failed: %d %s", w.Code, w.Body.String())
	}

	var created struct {
		Escrow struct {
			ID          string `json:"id"`
			ExternalRef string `json:"externalRef"`
		} `json:"escrow"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	// Issue the pay-in intent
	w = doRequest(s, "POST", "/v1/escrows/"+created.Escrow.ID+"/fund", "", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Fund failed: %d %s", w.Code, w.Body.String())
	}

	// Provider confirms the pay-in
	ts := time.Now().UTC().Format(time.RFC3339)
	p := ingest.Payload{
		Event: "payin.success",
		Data: ingest.PayloadData{
			EscrowID:      created.Escrow.ExternalRef,
			Amount:        1000,
			TransactionID: "txn_flow_1",
		},
		Timestamp: ts,
	}
	p.Signature = ingest.Sign(testWebhookSecret, &p)
	body, _ := json.Marshal(p)
	w = doRequest(s, "POST", "/v1/events/provider", string(body), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Event ingest failed: %d %s", w.Code, w.Body.String())
	}

	// Escrow is now funded
	w = doRequest(s, "GET", "/v1/escrows/"+created.Escrow.ID, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Get escrow failed: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"funded"`) {
		t.Errorf("Expected funded escrow, got %s", w.Body.String())
	}

	// Milestone moved to in_progress
	w = doRequest(s, "GET", "/v1/milestones/mls_flow", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Get milestone failed: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"in_progress"`) {
		t.Errorf("Expected in_progress milestone, got %s", w.Body.String())
	}
}

func TestUnsignedEventRejected(t *testing.T) {
	s := newTestServer(t)

	body := `{"event":"payin.success","data":{"escrowId":"ext_x"},"timestamp":"2026-01-02T03:04:05Z","signature":"bad"}`
	w := doRequest(s, "POST", "/v1/events/provider", body, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for bad signature, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Admin auth tests
// ---------------------------------------------------------------------------

func TestAdminAuthRequired(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(s, "POST", "/v1/admin/disputes/dsp_x/resolve",
		`{"resolution":"release_freelancer","resolvedBy":"ops_1"}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without credentials, got %d", w.Code)
	}

	// Wrong token is also rejected
	w = doRequest(s, "POST", "/v1/admin/disputes/dsp_x/resolve",
		`{"resolution":"release_freelancer","resolvedBy":"ops_1"}`,
		map[string]string{"Authorization": "Bearer nope"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with wrong token, got %d", w.Code)
	}

	// Correct token reaches the handler (404: no such dispute)
	w = doRequest(s, "POST", "/v1/admin/disputes/dsp_x/resolve",
		`{"resolution":"release_freelancer","resolvedBy":"ops_1"}`,
		map[string]string{"Authorization": "Bearer admin_test_secret"})
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 with valid token, got %d: %s", w.Code, w.Body.String())
	}
}

func TestAdminDisabledWithoutSecret(t *testing.T) {
	cfg := testConfig()
	cfg.AdminSecret = ""
	s, err := New(cfg, WithProvider(provider.NewMockClient()))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	defer s.rateLimiter.Stop()

	w := doRequest(s, "POST", "/v1/admin/disputes/dsp_x/resolve",
		`{"resolution":"release_freelancer","resolvedBy":"ops_1"}`, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 when admin is not configured, got %d", w.Code)
	}
}
