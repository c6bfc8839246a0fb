package commit

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/risktier/internal/logging"
	"github.com/mbd888/risktier/internal/pagination"
	"github.com/mbd888/risktier/internal/ratelimit"
	"github.com/mbd888/risktier/internal/scoring"
	"github.com/mbd888/risktier/internal/signer"
	"github.com/mbd888/risktier/internal/validation"
)

// Handler provides HTTP endpoints for commits
type Handler struct {
	pipeline *Pipeline
	signer   signer.Signer
}

// NewHandler creates a commit handler. With a nil signer the commit
// endpoint answers 501.
func NewHandler(p *Pipeline, s signer.Signer) *Handler {
	return &Handler{pipeline: p, signer: s}
}

// RegisterRoutes sets up commit endpoints
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	addr := validation.AddressParam("address")
	r.POST("/addresses/:address/commit", addr, h.Commit)
	r.GET("/addresses/:address/commit/eligibility", addr, h.GetEligibility)
	r.GET("/addresses/:address/fallbacks", addr, h.ListFallbacks)
}

// CommitRequest is the POST body.
type CommitRequest struct {
	Score      *int   `json:"score" binding:"required"`
	ChosenTier string `json:"chosen_tier"`
}

// Commit runs the pipeline with the server signer.
// POST /v1/addresses/:address/commit
func (h *Handler) Commit(c *gin.Context) {
	if h.signer == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "signer_unavailable", "message": "No signer is configured on this server"})
		return
	}

	var req CommitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "score is required"})
		return
	}
	var chosen scoring.Tier
	if req.ChosenTier != "" {
		t, err := scoring.ParseTier(req.ChosenTier)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_tier", "message": err.Error()})
			return
		}
		chosen = t
	}

	ctx := c.Request.Context()
	res, err := h.pipeline.Commit(ctx, Request{
		Address:    c.GetString("address"),
		Score:      *req.Score,
		ChosenTier: chosen,
	}, h.signer)
	if err != nil {
		switch {
		case errors.Is(err, validation.ErrInvalidAddress):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": err.Error()})
		case errors.Is(err, ErrInvalidScore):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_score", "message": err.Error()})
		case errors.Is(err, scoring.ErrInvalidTier):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_tier", "message": err.Error()})
		case errors.Is(err, ErrCommitInProgress):
			c.JSON(http.StatusConflict, gin.H{"error": "commit_in_progress", "message": err.Error()})
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "commit_abandoned", "message": "Commit did not complete"})
		default:
			logging.L(ctx).Error("commit failed", "address", c.GetString("address"), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Commit failed"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"commit": res})
}

// GetEligibility reports whether the address may commit now.
// GET /v1/addresses/:address/commit/eligibility
func (h *Handler) GetEligibility(c *gin.Context) {
	st := h.pipeline.Eligibility(c.Request.Context(), c.GetString("address"))
	c.JSON(http.StatusOK, gin.H{
		"address":     c.GetString("address"),
		"eligibility": st,
		"remaining":   ratelimit.FormatRemaining(st.Remaining),
	})
}

// ListFallbacks returns locally stored commits, oldest first.
// GET /v1/addresses/:address/fallbacks?limit=50&cursor=...
func (h *Handler) ListFallbacks(c *gin.Context) {
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}

	entries, err := h.pipeline.Fallbacks(c.Request.Context(), c.GetString("address"))
	if err != nil {
		logging.L(c.Request.Context()).Error("list fallbacks failed", "address", c.GetString("address"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list fallback commits"})
		return
	}

	page, next := pagination.Page(entries, cursor, pagination.ParseLimit(c.Query("limit")), func(e Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"fallbacks":   page,
		"count":       len(page),
		"total":       len(entries),
		"next_cursor": next,
		"has_more":    next != "",
	})
}
