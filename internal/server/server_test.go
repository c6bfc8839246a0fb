package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/risktier/internal/clock"
	"github.com/mbd888/risktier/internal/config"
	"github.com/mbd888/risktier/internal/kv"
	"github.com/mbd888/risktier/internal/logging"
	"github.com/mbd888/risktier/internal/soroban"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testAccount  = "GBJFQJT2YIS4V5RGXIOH7RBF32P2H4F2Y4GDEEOJGAW656EDUNWB7JU2"
	testContract = "CCGVXFVS32BV5QHFYULPXWB7QX3OEK5OKPBG7TQY2KJFRXUIW4WUFO7Y"
)

// fakeRPC satisfies RPC without a network.
type fakeRPC struct {
	healthErr error
	closed    bool
}

func (f *fakeRPC) SimulateTransaction(context.Context, string) (*soroban.Simulation, error) {
	return nil, errors.New("not used")
}

func (f *fakeRPC) SendTransaction(context.Context, string) (*soroban.SendResult, error) {
	return nil, errors.New("not used")
}

func (f *fakeRPC) GetTransaction(context.Context, string) (*soroban.TxStatus, error) {
	return nil, errors.New("not used")
}

func (f *fakeRPC) Health(context.Context) error { return f.healthErr }

func (f *fakeRPC) Close() error {
	f.closed = true
	return nil
}

// fakeHorizon answers the root document and reports every account feed as
// missing, which reads as an unfunded account.
func fakeHorizon(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			_, _ = w.Write([]byte(`{"horizon_version":"test"}`))
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// testConfig returns a minimal config for testing
func testConfig(horizonURL string) *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "development",
		LogLevel:           "error",
		HorizonURL:         horizonURL,
		RPCURL:             "http://127.0.0.1:0",
		NetworkPassphrase:  "Test SDF Network ; September 2015",
		ContractID:         testContract,
		ContractMethod:     soroban.MethodSetRiskTier,
		AnalysisWindowDays: 30,
		MaxRecords:         200,
		AnalysisTTL:        time.Hour,
		CommitBaseFee:      10000,
		CommitTimeout:      30 * time.Second,
		CommitPollAttempts: 15,
		CommitPollInterval: 3 * time.Second,
		CommitCooldown:     24 * time.Hour,
		RateLimitRPM:       1000,
		RateLimitBurst:     100,
	}
}

// newTestServer creates a server with mock dependencies
func newTestServer(t *testing.T, rpc *fakeRPC) *Server {
	t.Helper()
	s, err := New(testConfig(fakeHorizon(t).URL),
		WithLogger(logging.Discard()),
		WithStore(kv.NewMemoryStore()),
		WithRPC(rpc),
		WithClock(clock.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))),
		WithVersion("test"),
	)
	require.NoError(t, err)
	s.drainDelay = 0
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func serve(s *Server, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeRPC{})

	w := serve(s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode(t, w)
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "test", resp["version"])
	assert.Len(t, resp["checks"], 3)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestHealthEndpoint_DegradedWhenRPCDown(t *testing.T) {
	s := newTestServer(t, &fakeRPC{healthErr: errors.New("connection refused")})

	w := serve(s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", decode(t, w)["status"])
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeRPC{})

	w := serve(s, http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeRPC{})

	// Run() has not been called, so the server is not ready yet.
	w := serve(s, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s.ready.Store(true)
	w = serve(s, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t, &fakeRPC{})

	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"GET:/v1/policy",
		"GET:/v1/addresses/:address/risk",
		"POST:/v1/addresses/:address/commit",
		"GET:/v1/addresses/:address/commit/eligibility",
		"GET:/v1/addresses/:address/fallbacks",
	}

	routeSet := make(map[string]bool)
	for _, route := range s.Router().Routes() {
		routeSet[route.Method+":"+route.Path] = true
	}
	for _, e := range expected {
		assert.True(t, routeSet[e], "route %s not registered", e)
	}
}

// ---------------------------------------------------------------------------
// API wiring tests
// ---------------------------------------------------------------------------

func TestRiskEndpoint_UnfundedAccountIsColdStart(t *testing.T) {
	s := newTestServer(t, &fakeRPC{})

	w := serve(s, http.MethodGet, "/v1/addresses/"+strings.ToLower(testAccount)+"/risk", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	report := decode(t, w)["analysis"].(map[string]any)
	assert.Equal(t, testAccount, report["address"])
	assert.Equal(t, "TIER_3", report["tier"])
	assert.EqualValues(t, 73, report["risk_score"])
	assert.Equal(t, false, report["from_cache"])

	w = serve(s, http.MethodGet, "/v1/addresses/"+testAccount+"/risk", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["analysis"].(map[string]any)["from_cache"])
}

func TestRiskEndpoint_InvalidAddress(t *testing.T) {
	s := newTestServer(t, &fakeRPC{})

	w := serve(s, http.MethodGet, "/v1/addresses/not-an-address/risk", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCommitEndpoint_NoSignerConfigured(t *testing.T) {
	s := newTestServer(t, &fakeRPC{})

	w := serve(s, http.MethodPost, "/v1/addresses/"+testAccount+"/commit", `{"score":42}`)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestEligibilityEndpoint_FreshAddress(t *testing.T) {
	s := newTestServer(t, &fakeRPC{})

	w := serve(s, http.MethodGet, "/v1/addresses/"+testAccount+"/commit/eligibility", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	elig := decode(t, w)["eligibility"].(map[string]any)
	assert.Equal(t, true, elig["can_commit"])
}

func TestPolicyEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeRPC{})

	w := serve(s, http.MethodGet, "/v1/policy", "")
	require.Equal(t, http.StatusOK, w.Code)
	policy := decode(t, w)["policy"].(map[string]any)
	assert.Equal(t, "lightweight-lr-1.0", policy["version"])
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t, &fakeRPC{})

	w := serve(s, http.MethodGet, "/v1/nonexistent", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRequestIDPropagated(t *testing.T) {
	s := newTestServer(t, &fakeRPC{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-123")
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
}

func TestClose_ReleasesRPC(t *testing.T) {
	rpc := &fakeRPC{}
	s := newTestServer(t, rpc)

	require.NoError(t, s.Close(context.Background()))
	assert.True(t, rpc.closed)
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://user:***@db:5432/risk", maskDSN("postgres://user:secret@db:5432/risk"))
	assert.Equal(t, "postgres://us%40er:***@db:5432/risk", maskDSN("postgres://us%40er:p%40ss@db:5432/risk"))
	assert.Equal(t, "postgres://user@db:5432/risk", maskDSN("postgres://user@db:5432/risk"))
	assert.Equal(t, "postgres://db:5432/risk?sslmode=disable", maskDSN("postgres://db:5432/risk?sslmode=disable"))
	assert.Equal(t, "***", maskDSN("://bad"))
}
