package reputation

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/skillxchange/trustforge/internal/logging"
	"github.com/skillxchange/trustforge/internal/validation"
)

// Handler provides HTTP endpoints for reputation
type Handler struct {
	store Store
}

// NewHandler creates a new reputation handler
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up reputation endpoints. Reputation is public.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	addr := validation.AddressParamMiddleware("identity")
	r.GET("/reputation/:identity", addr, h.GetReputation)
	r.GET("/reputation/:identity/credentials", addr, h.ListCredentials)
	r.GET("/reputation/:identity/history", addr, h.GetReputationHistory)
	r.POST("/reputation/batch", h.GetBatchReputation)
}

// Lookup returns the identity's profile, or an unscored one when the
// identity has not completed a session yet.
func Lookup(ctx context.Context, store Store, identity string) (*Profile, error) {
	identity = strings.ToLower(identity)
	p, err := store.Profile(ctx, identity)
	if errors.Is(err, ErrNotFound) {
		return &Profile{Identity: identity, Tier: TierNew}, nil
	}
	return p, err
}

// GetReputation handles GET /v1/reputation/:identity
func (h *Handler) GetReputation(c *gin.Context) {
	p, err := Lookup(c.Request.Context(), h.store, c.Param("identity"))
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reputation": p})
}

// GetBatchReputation handles POST /v1/reputation/batch
func (h *Handler) GetBatchReputation(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must contain 'identities' array",
		})
		return
	}
	if len(req.Identities) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "At least one identity is required",
		})
		return
	}
	if len(req.Identities) > 100 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "too_many_identities",
			"message": "Maximum 100 identities per batch request",
		})
		return
	}

	profiles := make([]*Profile, 0, len(req.Identities))
	for _, id := range req.Identities {
		if !validation.IsValidEthAddress(id) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_identity",
				"message": "Invalid identity: " + validation.SanitizeString(id, 64),
			})
			return
		}
		p, err := Lookup(c.Request.Context(), h.store, id)
		if err != nil {
			h.internalError(c, err)
			return
		}
		profiles = append(profiles, p)
	}
	c.JSON(http.StatusOK, gin.H{"profiles": profiles, "count": len(profiles)})
}

// ListCredentials handles GET /v1/reputation/:identity/credentials
func (h *Handler) ListCredentials(c *gin.Context) {
	identity := strings.ToLower(c.Param("identity"))
	creds, err := h.store.Credentials(c.Request.Context(), identity, 100)
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"identity":    identity,
		"credentials": creds,
		"count":       len(creds),
	})
}

// GetReputationHistory handles
// GET /v1/reputation/:identity/history?from=&to=&limit=
func (h *Handler) GetReputationHistory(c *gin.Context) {
	q := HistoryQuery{
		Identity: strings.ToLower(c.Param("identity")),
		Limit:    100,
	}
	if from := c.Query("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			q.From = t
		}
	}
	if to := c.Query("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			q.To = t
		}
	}
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			q.Limit = parsed
			if q.Limit > 1000 {
				q.Limit = 1000
			}
		}
	}

	snapshots, err := h.store.History(c.Request.Context(), q)
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"identity":  q.Identity,
		"snapshots": snapshots,
		"count":     len(snapshots),
	})
}

func (h *Handler) internalError(c *gin.Context, err error) {
	logging.L(c.Request.Context()).Error("reputation query failed", "error", err, "path", c.FullPath())
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Internal server error",
	})
}
