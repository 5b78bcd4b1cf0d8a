package identity

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/skillxchange/trustforge/internal/logging"
)

// Handler serves identity lookups.
type Handler struct {
	resolver Resolver
}

// NewHandler creates an identity handler.
func NewHandler(resolver Resolver) *Handler {
	return &Handler{resolver: resolver}
}

// RegisterRoutes sets up public identity routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/identities/:identity", h.GetIdentity)
}

// GetIdentity handles GET /v1/identities/:identity
func (h *Handler) GetIdentity(c *gin.Context) {
	id, err := h.resolver.Resolve(c.Request.Context(), c.Param("identity"))
	if errors.Is(err, ErrInvalidAccount) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_identity",
			"message": "Identity must be a 0x-prefixed 40 hex character address",
		})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("identity lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"identity": id})
}
