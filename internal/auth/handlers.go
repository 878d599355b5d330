package auth

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler exposes token revocation.
type Handler struct {
	revocations RevocationStore
}

// NewHandler creates a new auth handler.
func NewHandler(revocations RevocationStore) *Handler {
	return &Handler{revocations: revocations}
}

// RegisterProtectedRoutes sets up auth-required routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/auth/logout", h.Logout)
}

// Logout handles POST /v1/auth/logout by revoking the presented token.
func (h *Handler) Logout(c *gin.Context) {
	claims, ok := GetClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Bearer token required",
		})
		return
	}

	expiresAt := time.Now().Add(24 * time.Hour)
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	if err := h.revocations.Revoke(c.Request.Context(), claims.ID, expiresAt); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to revoke token",
		})
		return
	}
	c.Status(http.StatusNoContent)
}
