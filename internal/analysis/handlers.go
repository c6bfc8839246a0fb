package analysis

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/risktier/internal/logging"
	"github.com/mbd888/risktier/internal/validation"
)

// Handler provides HTTP endpoints for risk analysis
type Handler struct {
	svc *Service
}

// NewHandler creates a new analysis handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes sets up analysis endpoints
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/addresses/:address/risk", validation.AddressParam("address"), h.GetRisk)
}

// GetRisk returns the risk report for an address.
// GET /v1/addresses/:address/risk?force=true
func (h *Handler) GetRisk(c *gin.Context) {
	force, _ := strconv.ParseBool(c.Query("force"))

	report, err := h.svc.Analyze(c.Request.Context(), c.GetString("address"), force)
	if err != nil {
		switch {
		case errors.Is(err, validation.ErrInvalidAddress):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": err.Error()})
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "analysis_cancelled", "message": "Analysis did not complete"})
		default:
			logging.L(c.Request.Context()).Error("analysis failed", "address", c.GetString("address"), "error", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "analysis_failed", "message": "Could not analyze address"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"analysis": report})
}
