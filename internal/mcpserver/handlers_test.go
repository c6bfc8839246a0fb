package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/risktier/internal/commit"
)

const testAddr = "GBJFQJT2YIS4V5RGXIOH7RBF32P2H4F2Y4GDEEOJGAW656EDUNWB7JU2"

// --- Test helpers ---

func newTestSetup(t *testing.T, handler http.Handler) *Handlers {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewHandlers(NewRiskClient(Config{APIURL: ts.URL}))
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// ============================================================
// Client tests
// ============================================================

func TestClient_AuthHeaderOnlyWhenConfigured(t *testing.T) {
	var gotAuth []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = append(gotAuth, r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]any{"fallbacks": []any{}})
	}))
	defer ts.Close()

	_, err := NewRiskClient(Config{APIURL: ts.URL, APIKey: "secret123"}).ListFallbacks(context.Background(), testAddr)
	require.NoError(t, err)
	_, err = NewRiskClient(Config{APIURL: ts.URL}).ListFallbacks(context.Background(), testAddr)
	require.NoError(t, err)

	assert.Equal(t, []string{"Bearer secret123", ""}, gotAuth)
}

func TestClient_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "invalid_address",
			"message": "not a Stellar address",
		})
	}))
	defer ts.Close()

	_, err := NewRiskClient(Config{APIURL: ts.URL}).Analyze(context.Background(), "nope", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "not a Stellar address")
}

func TestClient_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	_, err := NewRiskClient(Config{APIURL: ts.URL}).Eligibility(context.Background(), testAddr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_ConnectionRefused(t *testing.T) {
	_, err := NewRiskClient(Config{APIURL: "http://127.0.0.1:1"}).Eligibility(context.Background(), testAddr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_AnalyzeForceQuery(t *testing.T) {
	var gotPath, gotQuery string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery = r.URL.Path, r.URL.RawQuery
		writeJSON(w, http.StatusOK, map[string]any{"analysis": map[string]any{"address": testAddr}})
	}))
	defer ts.Close()

	report, err := NewRiskClient(Config{APIURL: ts.URL}).Analyze(context.Background(), testAddr, true)
	require.NoError(t, err)
	assert.Equal(t, testAddr, report.Address)
	assert.Equal(t, "/v1/addresses/"+testAddr+"/risk", gotPath)
	assert.Equal(t, "force=true", gotQuery)
}

// ============================================================
// Tool handler tests
// ============================================================

func TestHandleAnalyzeAddress(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"analysis": map[string]any{
			"address":         testAddr,
			"risk_score":      73,
			"tier":            "TIER_3",
			"confidence":      60,
			"window_days":     30,
			"data_points":     0,
			"data_quality":    map[string]any{"score": 0, "needs_more_data": true},
			"explanation":     []string{"No payment activity in the last 30 days"},
			"recommendations": []string{"Build a payment history before requesting credit"},
		}})
	}))

	result, err := h.HandleAnalyzeAddress(context.Background(), makeRequest(map[string]any{"address": testAddr}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Score: 73/100 | Tier: TIER_3 | Confidence: 60%")
	assert.Contains(t, text, "provisional")
	assert.Contains(t, text, "No payment activity")
	assert.Contains(t, text, "Build a payment history")
}

func TestHandleAnalyzeAddress_MissingAddress(t *testing.T) {
	h := newTestSetup(t, http.NotFoundHandler())

	result, err := h.HandleAnalyzeAddress(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "address is required")
}

func TestHandleCommitEligibility(t *testing.T) {
	next := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		body map[string]any
		want []string
	}{
		{
			name: "eligible",
			body: map[string]any{"address": testAddr, "eligibility": map[string]any{"can_commit": true}, "remaining": "0h 0m"},
			want: []string{"can commit a score now"},
		},
		{
			name: "cooling down",
			body: map[string]any{
				"address":     testAddr,
				"eligibility": map[string]any{"can_commit": false, "remaining_ms": 3600000, "next_eligible_at": next},
				"remaining":   "1h 0m",
			},
			want: []string{"cannot commit yet", "1h 0m", "2025-06-02T09:00:00Z"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/addresses/"+testAddr+"/commit/eligibility", r.URL.Path)
				writeJSON(w, http.StatusOK, tt.body)
			}))

			result, err := h.HandleCommitEligibility(context.Background(), makeRequest(map[string]any{"address": testAddr}))
			require.NoError(t, err)
			text := resultText(t, result)
			for _, w := range tt.want {
				assert.Contains(t, text, w)
			}
		})
	}
}

func TestHandleCommitScore_SendsBody(t *testing.T) {
	var got map[string]any
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		writeJSON(w, http.StatusOK, map[string]any{"commit": commit.Result{
			Successful: true,
			Method:     commit.MethodChain,
			State:      commit.StateConfirmed,
			Address:    testAddr,
			Score:      42,
			Tier:       "TIER_2",
			ChosenTier: "TIER_1",
			TxHash:     "abc123",
			Ledger:     501,
		}})
	}))

	result, err := h.HandleCommitScore(context.Background(), makeRequest(map[string]any{
		"address":     testAddr,
		"score":       float64(42),
		"chosen_tier": "TIER_1",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.EqualValues(t, 42, got["score"])
	assert.Equal(t, "TIER_1", got["chosen_tier"])

	text := resultText(t, result)
	assert.Contains(t, text, "Commit confirmed on-chain")
	assert.Contains(t, text, "Recorded tier: TIER_1")
	assert.Contains(t, text, "abc123 (ledger 501)")
}

func TestHandleCommitScore_Outcomes(t *testing.T) {
	tests := []struct {
		name    string
		res     commit.Result
		isError bool
		want    string
	}{
		{"pending", commit.Result{Successful: true, Method: commit.MethodChain, Pending: true, TxHash: "h"}, false, "still pending"},
		{"fallback", commit.Result{Successful: true, Method: commit.MethodLocalFallback, FallbackID: "fb-1", Notice: "stored locally"}, false, "Fallback ID: fb-1"},
		{"rate limited", commit.Result{ErrorKind: commit.KindRateLimited, Error: "next commit available in 3h 0m"}, true, "rate_limited"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, map[string]any{"commit": tt.res})
			}))
			result, err := h.HandleCommitScore(context.Background(), makeRequest(map[string]any{"address": testAddr, "score": float64(10)}))
			require.NoError(t, err)
			assert.Equal(t, tt.isError, result.IsError)
			assert.Contains(t, resultText(t, result), tt.want)
		})
	}
}

func TestHandleCommitScore_Validation(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("API should not be called")
	}))

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing address", map[string]any{"score": float64(5)}, "address is required"},
		{"missing score", map[string]any{"address": testAddr}, "score is required"},
		{"score too high", map[string]any{"address": testAddr, "score": float64(101)}, "between 0 and 100"},
		{"negative score", map[string]any{"address": testAddr, "score": float64(-3)}, "between 0 and 100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := h.HandleCommitScore(context.Background(), makeRequest(tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, resultText(t, result), tt.want)
		})
	}
}

func TestHandleListFallbackCommits(t *testing.T) {
	created := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"fallbacks": []commit.Entry{{ID: "fb-1", Address: testAddr, Score: 37, ChosenTier: "TIER_2", Reason: "rpc unavailable", CreatedAt: created}},
			"count":     1,
		})
	}))

	result, err := h.HandleListFallbackCommits(context.Background(), makeRequest(map[string]any{"address": testAddr}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Found 1 fallback commit(s)")
	assert.Contains(t, text, "Score: 37 | Tier: TIER_2 | Stored: 2025-06-01T09:00:00Z")
	assert.Contains(t, text, "rpc unavailable")
}

func TestHandleListFallbackCommits_Empty(t *testing.T) {
	h := newTestSetup(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"fallbacks": []any{}, "count": 0})
	}))

	result, err := h.HandleListFallbackCommits(context.Background(), makeRequest(map[string]any{"address": testAddr}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "No fallback commits stored")
}

func TestNewMCPServer_RegistersTools(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080"}, "test")
	tools := s.ListTools()
	for _, name := range []string{"analyze_address", "commit_eligibility", "commit_score", "list_fallback_commits"} {
		assert.Contains(t, tools, name)
	}
}
