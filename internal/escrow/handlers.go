package escrow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/plazashare/escrow/internal/auth"
	"github.com/plazashare/escrow/internal/logging"
	"github.com/plazashare/escrow/internal/pagination"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required escrow routes. Settlement
// routes additionally require the agent role.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/payments", h.CapturePayment)
	r.GET("/payments", h.ListPayments)
	r.GET("/payments/:id", h.GetPayment)
	r.GET("/payments/:id/disputes", h.ListDisputes)
	r.POST("/payments/:id/disputes", h.OpenDispute)
	r.GET("/disputes/:id", h.GetDispute)
	r.POST("/disputes/:id/close", h.CloseDispute)

	agent := r.Group("", auth.RequireRole(auth.RoleAgent))
	agent.POST("/payments/:id/release", h.ReleasePayment)
	agent.POST("/payments/:id/refund", h.RefundPayment)
	agent.POST("/disputes/:id/review", h.StartReview)
	agent.POST("/disputes/:id/resolve", h.ResolveDispute)
}

// CapturePayment handles POST /v1/payments
func (h *Handler) CapturePayment(c *gin.Context) {
	var req CaptureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	req.OwnerID, _ = auth.UserID(c)

	payment, err := h.service.Capture(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payment": payment})
}

// ListPayments handles GET /v1/payments?cursor=&limit=
func (h *Handler) ListPayments(c *gin.Context) {
	ownerID, _ := auth.UserID(c)
	page, err := h.service.ListPaymentsByOwner(c.Request.Context(), ownerID,
		c.Query("cursor"), pagination.Limit(c.Query("limit")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"payments":   page.Items,
		"count":      len(page.Items),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

// GetPayment handles GET /v1/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	payment, ok := h.visiblePayment(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

// ListDisputes handles GET /v1/payments/:id/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	payment, ok := h.visiblePayment(c)
	if !ok {
		return
	}
	disputes, err := h.service.ListDisputes(c.Request.Context(), payment.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

// OpenDispute handles POST /v1/payments/:id/disputes
func (h *Handler) OpenDispute(c *gin.Context) {
	var req OpenDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	req.PaymentID = c.Param("id")
	req.ClaimantID, _ = auth.UserID(c)

	dispute, err := h.service.OpenDispute(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": dispute})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	dispute, err := h.service.GetDispute(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !auth.IsAgent(c) {
		userID, _ := auth.UserID(c)
		if dispute.ClaimantID != userID {
			writeError(c, ErrUnauthorized)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// CloseDispute handles POST /v1/disputes/:id/close
func (h *Handler) CloseDispute(c *gin.Context) {
	var req CloseRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			invalidBody(c)
			return
		}
	}
	req.DisputeID = c.Param("id")
	req.ActorID, _ = auth.UserID(c)
	req.Agent = auth.IsAgent(c)

	dispute, err := h.service.CloseDispute(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// ReleasePayment handles POST /v1/payments/:id/release
func (h *Handler) ReleasePayment(c *gin.Context) {
	payment, err := h.service.Release(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

// RefundPayment handles POST /v1/payments/:id/refund
func (h *Handler) RefundPayment(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	req.PaymentID = c.Param("id")

	payment, err := h.service.Refund(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

// StartReview handles POST /v1/disputes/:id/review
func (h *Handler) StartReview(c *gin.Context) {
	agentID, _ := auth.UserID(c)
	dispute, err := h.service.StartReview(c.Request.Context(), c.Param("id"), agentID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// ResolveDispute handles POST /v1/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidBody(c)
		return
	}
	req.DisputeID = c.Param("id")
	req.AgentID, _ = auth.UserID(c)

	dispute, err := h.service.ResolveDispute(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// visiblePayment loads the :id payment and checks the caller may see it:
// its owner or any agent.
func (h *Handler) visiblePayment(c *gin.Context) (*Payment, bool) {
	payment, err := h.service.GetPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	if !auth.IsAgent(c) {
		userID, _ := auth.UserID(c)
		if payment.OwnerID != userID {
			// Same answer as a missing payment so ids cannot be probed.
			writeError(c, ErrPaymentNotFound)
			return nil, false
		}
	}
	return payment, true
}

func invalidBody(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
}

// writeError maps the error taxonomy to a status and a stable error code.
func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, ErrValidation):
		status, code = http.StatusBadRequest, "validation_error"
	case errors.Is(err, ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnauthorized):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrDuplicateDispute):
		status, code = http.StatusConflict, "duplicate_dispute"
	case errors.Is(err, ErrBusinessRule):
		status, code = http.StatusUnprocessableEntity, "business_rule_violation"
	case errors.Is(err, ErrInvalidState):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrConcurrencyConflict):
		status, code = http.StatusConflict, "concurrency_conflict"
	case errors.Is(err, ErrCaptureFailed):
		status, code = http.StatusPaymentRequired, "capture_failed"
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("escrow request failed", "path", c.FullPath(), "error", err)
		message = "Internal error"
	}
	c.JSON(status, gin.H{"error": code, "message": message})
}
