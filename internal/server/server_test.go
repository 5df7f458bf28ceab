package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/marketescrow/internal/config"
	"github.com/mbd888/marketescrow/internal/escrow"
	"github.com/mbd888/marketescrow/internal/listing"
	"github.com/mbd888/marketescrow/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		LogFormat:           "json",
		CustodyAgent:        "0xadmin",
		AdminSecret:         "s3cret",
		PaymentTimeout:      time.Hour,
		ConfirmationTimeout: time.Hour,
		SweepInterval:       time.Hour,
		MaxWriteAttempts:    3,
		CORSOrigins:         []string{"*"},
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newTestServer creates a server on the in-memory store and catalog
func newTestServer(t *testing.T, cfg *config.Config, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Discard()), WithDrainDelay(0)}, opts...)
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func serve(s *Server, method, path, party, role string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if party != "" {
		req.Header.Set(escrow.HeaderParty, party)
		req.Header.Set(escrow.HeaderRole, role)
	}
	if role == string(escrow.RoleCustodyAgent) {
		req.Header.Set(escrow.HeaderAdminSecret, "s3cret")
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decodeTx(t *testing.T, w *httptest.ResponseRecorder) *escrow.Transaction {
	t.Helper()
	var resp struct {
		Escrow *escrow.Transaction `json:"escrow"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	require.NotNil(t, resp.Escrow)
	return resp.Escrow
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := serve(s, http.MethodGet, "/health", "", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "sweeper not started yet")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.startBackground(ctx)
	require.Eventually(t, s.Sweeper().Running, time.Second, 5*time.Millisecond)

	w = serve(s, http.MethodGet, "/health", "", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, Version, resp.Version)
	require.Len(t, resp.Checks, 2)
	assert.Equal(t, "store", resp.Checks[0].Name)
	assert.Equal(t, "sweeper", resp.Checks[1].Name)
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := serve(s, http.MethodGet, "/health/live", "", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := serve(s, http.MethodGet, "/health/ready", "", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "not ready before Run")

	s.ready.Store(true)
	w = serve(s, http.MethodGet, "/health/ready", "", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, testConfig())

	serve(s, http.MethodGet, "/health/live", "", "", nil)
	w := serve(s, http.MethodGet, "/metrics", "", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "marketescrow_http_requests_total")
}

// ---------------------------------------------------------------------------
// Middleware tests
// ---------------------------------------------------------------------------

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := serve(s, http.MethodGet, "/health/live", "", "", nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-from-lb")
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, "req-from-lb", w.Header().Get("X-Request-ID"))
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(t, testConfig())

	w := serve(s, http.MethodGet, "/health/live", "", "", nil)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRPS = 1
	s := newTestServer(t, cfg)

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		codes = append(codes, serve(s, http.MethodGet, "/v1/escrow/stats", "0xbuyer", "buyer", nil).Code)
	}
	assert.Contains(t, codes, http.StatusTooManyRequests)

	w := serve(s, http.MethodGet, "/v1/escrow/stats", "0xseller", "seller", nil)
	assert.Equal(t, http.StatusOK, w.Code, "other parties have their own bucket")
}

func TestRateLimitDisabled(t *testing.T) {
	s := newTestServer(t, testConfig())
	assert.Nil(t, s.rateLimiter)
}

// ---------------------------------------------------------------------------
// Escrow wiring
// ---------------------------------------------------------------------------

func TestEscrowLifecycleThroughServer(t *testing.T) {
	catalog := listing.NewMemoryCatalog()
	s := newTestServer(t, testConfig(), WithCatalog(catalog))

	w := serve(s, http.MethodPost, "/v1/escrow", "0xbuyer", "buyer", map[string]any{
		"listingId": "lst_srv",
		"seller":    "0xseller",
		"amount":    "40",
		"currency":  "USDC",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	tx := decodeTx(t, w)
	assert.Equal(t, listing.StateInEscrow, catalog.Get("lst_srv").State)

	base := "/v1/escrow/" + tx.ID
	steps := []struct {
		path, party, role string
		body              any
	}{
		{"/payment", "0xadmin", "custody_agent", map[string]string{"paymentReference": "0xpay"}},
		{"/deliver", "0xseller", "seller", map[string]string{"deliveryPayload": "tracking 123"}},
		{"/confirm", "0xbuyer", "buyer", map[string]any{"rating": 5}},
		{"/release", "0xadmin", "custody_agent", map[string]string{"settlementReference": "0xsettle"}},
	}
	for _, step := range steps {
		w = serve(s, http.MethodPost, base+step.path, step.party, step.role, step.body)
		require.Equal(t, http.StatusOK, w.Code, "%s: %s", step.path, w.Body.String())
	}

	got := decodeTx(t, w)
	assert.Equal(t, escrow.StatusCompleted, got.Status)
	assert.Equal(t, listing.StateSold, catalog.Get("lst_srv").State)

	// The same listing cannot be escrowed again.
	w = serve(s, http.MethodPost, "/v1/escrow", "0xother", "buyer", map[string]any{
		"listingId": "lst_srv",
		"seller":    "0xseller",
		"amount":    "40",
		"currency":  "USDC",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "listing_unavailable"), w.Body.String())
}

func TestSweeperWiredToClock(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	catalog := listing.NewMemoryCatalog()
	s := newTestServer(t, testConfig(), WithCatalog(catalog), WithClock(clock.Now))

	w := serve(s, http.MethodPost, "/v1/escrow", "0xbuyer", "buyer", map[string]any{
		"listingId": "lst_unpaid",
		"seller":    "0xseller",
		"amount":    "5",
		"currency":  "USDC",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	tx := decodeTx(t, w)

	clock.Advance(2 * time.Hour)
	report := s.Sweeper().SweepOnce(context.Background())
	assert.Equal(t, 1, report.Cancelled)

	got, err := s.Service().Get(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusCancelled, got.Status)
	assert.Equal(t, listing.StateAvailable, catalog.Get("lst_unpaid").State)
}

func TestNew_SQLiteStore(t *testing.T) {
	cfg := testConfig()
	cfg.SQLitePath = filepath.Join(t.TempDir(), "escrow.db")
	s := newTestServer(t, cfg)
	require.NotNil(t, s.db)

	w := serve(s, http.MethodPost, "/v1/escrow", "0xbuyer", "buyer", map[string]any{
		"listingId": "lst_sqlite",
		"seller":    "0xseller",
		"amount":    "1.25",
		"currency":  "EUR",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	tx := decodeTx(t, w)

	w = serve(s, http.MethodGet, "/v1/escrow/"+tx.ID, "", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1.25", decodeTx(t, w).Price.Amount.String())
}

func TestNew_WebhookCatalog(t *testing.T) {
	cfg := testConfig()
	cfg.ListingWebhookURL = "http://catalog.internal/events"
	s := newTestServer(t, cfg)

	require.NotNil(t, s.webhookCatalog)
	_, checks := s.health.CheckAll(context.Background())
	require.Len(t, checks, 3)
	assert.Equal(t, "listing_catalog", checks[2].Name)
	assert.Equal(t, "0 queued", checks[2].Detail)
}

func TestNew_BadWebhookURL(t *testing.T) {
	cfg := testConfig()
	cfg.ListingWebhookURL = "http://"
	_, err := New(cfg, WithLogger(logging.Discard()))
	assert.Error(t, err)
}

func TestShutdownWithoutRun(t *testing.T) {
	s := newTestServer(t, testConfig())
	assert.NoError(t, s.Shutdown())
	assert.NoError(t, s.Shutdown(), "idempotent")

	w := serve(s, http.MethodGet, "/health/live", "", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
