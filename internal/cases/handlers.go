package cases

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/validation"
)

// Handler provides the reviewer HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates a new case handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// ReviewRequest is the body of approve / hold / confirm-fraud.
type ReviewRequest struct {
	Reviewer       string `json:"reviewer"`
	ForensicReport string `json:"forensicReport"`
}

// RegisterRoutes sets up the reviewer routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	ids := r.Group("", validation.IDParamMiddleware())
	ids.GET("/cases", h.ListQueue)
	ids.GET("/cases/:id", h.GetCase)
	ids.POST("/cases/:id/approve", h.Approve)
	ids.POST("/cases/:id/hold", h.KeepOnHold)
	ids.POST("/cases/:id/confirm-fraud", h.ConfirmFraud)
	ids.GET("/fraud-cases", h.ListFraudCases)
	ids.GET("/fraud-cases/:id", h.GetFraudCase)
}

// ListQueue handles GET /v1/cases
func (h *Handler) ListQueue(c *gin.Context) {
	txs, err := h.service.ReviewQueue(c.Request.Context(), limitParam(c))
	if err != nil {
		internalError(c, err)
		return
	}
	depth, err := h.service.QueueDepth(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}
	metrics.ReviewQueueDepth.Set(float64(depth))
	c.JSON(http.StatusOK, gin.H{
		"cases": txs,
		"count": len(txs),
		"total": depth,
	})
}

// GetCase handles GET /v1/cases/:id
func (h *Handler) GetCase(c *gin.Context) {
	t, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Transaction not found",
			})
			return
		}
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"case": t})
}

// Approve handles POST /v1/cases/:id/approve
func (h *Handler) Approve(c *gin.Context) {
	req, ok := bindReview(c)
	if !ok {
		return
	}
	t, applied, err := h.service.Approve(c.Request.Context(), c.Param("id"), req.Reviewer)
	h.respondTransition(c, t, applied, err)
}

// KeepOnHold handles POST /v1/cases/:id/hold
func (h *Handler) KeepOnHold(c *gin.Context) {
	req, ok := bindReview(c)
	if !ok {
		return
	}
	t, applied, err := h.service.KeepOnHold(c.Request.Context(), c.Param("id"), req.Reviewer)
	h.respondTransition(c, t, applied, err)
}

// ConfirmFraud handles POST /v1/cases/:id/confirm-fraud
func (h *Handler) ConfirmFraud(c *gin.Context) {
	req, ok := bindReview(c)
	if !ok {
		return
	}
	fc, applied, err := h.service.ConfirmFraud(c.Request.Context(), c.Param("id"), req.Reviewer, req.ForensicReport)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Transaction not found"})
			return
		}
		internalError(c, err)
		return
	}
	if !applied {
		c.JSON(http.StatusOK, gin.H{"applied": false, "message": "Transaction is no longer on hold"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied": true, "fraudCase": fc})
}

// ListFraudCases handles GET /v1/fraud-cases
func (h *Handler) ListFraudCases(c *gin.Context) {
	fcs, err := h.service.ListFraudCases(c.Request.Context(), limitParam(c))
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"fraudCases": fcs,
		"count":      len(fcs),
	})
}

// GetFraudCase handles GET /v1/fraud-cases/:id
func (h *Handler) GetFraudCase(c *gin.Context) {
	fc, err := h.service.GetFraudCase(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrFraudCaseNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Fraud case not found",
			})
			return
		}
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fraudCase": fc})
}

func (h *Handler) respondTransition(c *gin.Context, t *Transaction, applied bool, err error) {
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Transaction not found"})
			return
		}
		internalError(c, err)
		return
	}
	if !applied {
		c.JSON(http.StatusOK, gin.H{"applied": false, "message": "Transaction is no longer on hold"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied": true, "case": t})
}

func bindReview(c *gin.Context) (ReviewRequest, bool) {
	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return req, false
	}
	req.Reviewer = validation.SanitizeString(req.Reviewer, 200)
	if errs := validation.Validate(
		validation.Required("reviewer", req.Reviewer),
		validation.MaxLength("forensicReport", req.ForensicReport, validation.MaxReportLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return req, false
	}
	return req, true
}

func limitParam(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}
	return limit
}

func internalError(c *gin.Context, err error) {
	logging.L(c.Request.Context()).Error("reviewer api error", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Internal server error",
	})
}
