package commit

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/risktier/internal/signer"
	"github.com/mbd888/risktier/internal/soroban"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(h *Handler) *gin.Engine {
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))
	return r
}

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CommitConfirmed(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.submitter.statuses = []*soroban.TxStatus{{Status: soroban.TxSuccess, Ledger: 9}}
	})
	r := newRouter(NewHandler(h.pipeline, signWith(nil)))

	w := doJSON(r, http.MethodPost, "/v1/addresses/"+userAddr+"/commit", gin.H{"score": 37, "chosen_tier": "3"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Commit Result `json:"commit"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Commit.Successful)
	assert.Equal(t, MethodChain, body.Commit.Method)
	assert.EqualValues(t, "TIER_2", body.Commit.Tier)
	assert.EqualValues(t, "TIER_3", body.Commit.ChosenTier)

	w = doJSON(r, http.MethodGet, "/v1/addresses/"+userAddr+"/commit/eligibility", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var elig struct {
		Eligibility struct {
			CanCommit bool   `json:"can_commit"`
			State     string `json:"state"`
		} `json:"eligibility"`
		Remaining string `json:"remaining"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &elig))
	assert.False(t, elig.Eligibility.CanCommit)
	assert.Equal(t, "cooldown", elig.Eligibility.State)
	assert.Equal(t, "24h 0m", elig.Remaining)
}

func TestHandler_CommitErrors(t *testing.T) {
	h := newHarness(t)
	r := newRouter(NewHandler(h.pipeline, signWith(nil)))

	tests := []struct {
		name string
		path string
		body any
		code int
		want string
	}{
		{"missing score", "/v1/addresses/" + userAddr + "/commit", gin.H{}, http.StatusBadRequest, "invalid_request"},
		{"score out of range", "/v1/addresses/" + userAddr + "/commit", gin.H{"score": 101}, http.StatusBadRequest, "invalid_score"},
		{"bad tier", "/v1/addresses/" + userAddr + "/commit", gin.H{"score": 5, "chosen_tier": "gold"}, http.StatusBadRequest, "invalid_tier"},
		{"bad address", "/v1/addresses/nope/commit", gin.H{"score": 5}, http.StatusBadRequest, "invalid_address"},
		{"contract address", "/v1/addresses/" + contractID + "/commit", gin.H{"score": 5}, http.StatusBadRequest, "invalid_address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(r, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.code, w.Code)
			assert.Contains(t, w.Body.String(), tt.want)
		})
	}
}

func TestHandler_NoSigner(t *testing.T) {
	h := newHarness(t)
	r := newRouter(NewHandler(h.pipeline, nil))

	w := doJSON(r, http.MethodPost, "/v1/addresses/"+userAddr+"/commit", gin.H{"score": 37})
	assert.Equal(t, http.StatusNotImplemented, w.Code)
	assert.Contains(t, w.Body.String(), "signer_unavailable")
}

func TestHandler_UserCancelledIsNotAnHTTPError(t *testing.T) {
	h := newHarness(t)
	r := newRouter(NewHandler(h.pipeline, signWith(signer.ErrUserCancelled)))

	w := doJSON(r, http.MethodPost, "/v1/addresses/"+userAddr+"/commit", gin.H{"score": 37})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"error_kind":"user_cancelled"`)
}

func TestHandler_ListFallbacks(t *testing.T) {
	h := newHarness(t)
	_, err := h.fallbacks.Save(context.Background(), Entry{Address: userAddr, Score: 50, Reason: "rpc down"})
	require.NoError(t, err)
	r := newRouter(NewHandler(h.pipeline, nil))

	w := doJSON(r, http.MethodGet, "/v1/addresses/"+userAddr+"/fallbacks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Fallbacks []Entry `json:"fallbacks"`
		Count     int     `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "rpc down", body.Fallbacks[0].Reason)

	w = doJSON(r, http.MethodGet, "/v1/addresses/"+otherAddr+"/fallbacks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":0`)
}

func TestHandler_ListFallbacksPaged(t *testing.T) {
	h := newHarness(t)
	for i := range 5 {
		_, err := h.fallbacks.Save(context.Background(), Entry{Address: userAddr, Score: 10 + i, Reason: "rpc down"})
		require.NoError(t, err)
	}
	r := newRouter(NewHandler(h.pipeline, nil))

	type page struct {
		Fallbacks  []Entry `json:"fallbacks"`
		Total      int     `json:"total"`
		NextCursor string  `json:"next_cursor"`
		HasMore    bool    `json:"has_more"`
	}
	var scores []int
	path := "/v1/addresses/" + userAddr + "/fallbacks?limit=2"
	for range 3 {
		w := doJSON(r, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var p page
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
		assert.Equal(t, 5, p.Total)
		for _, e := range p.Fallbacks {
			scores = append(scores, e.Score)
		}
		if !p.HasMore {
			break
		}
		path = "/v1/addresses/" + userAddr + "/fallbacks?limit=2&cursor=" + p.NextCursor
	}
	assert.Equal(t, []int{10, 11, 12, 13, 14}, scores)

	w := doJSON(r, http.MethodGet, "/v1/addresses/"+userAddr+"/fallbacks?cursor=not-a-cursor!", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
