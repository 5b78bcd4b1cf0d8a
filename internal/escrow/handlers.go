package escrow

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/skillxchange/trustforge/internal/ledger"
	"github.com/skillxchange/trustforge/internal/logging"
	"github.com/skillxchange/trustforge/internal/validation"
)

// Handler provides HTTP endpoints for session operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up session routes. Every route acts for
// the authenticated identity.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/matches/:id/lock", h.LockDeal)
	r.GET("/sessions/:id", h.GetSession)
	r.GET("/identities/:identity/sessions", validation.AddressParamMiddleware("identity"), h.ListSessions)
	r.POST("/sessions/:id/pay", h.SubmitPayment)
	r.POST("/sessions/:id/confirm", h.ConfirmCompletion)
	r.POST("/sessions/:id/void", h.VoidSession)
}

// PayRequest is the body of POST /v1/sessions/:id/pay.
type PayRequest struct {
	ExpectedVersion int64  `json:"expectedVersion" binding:"required"`
	ExternalRef     string `json:"externalRef"`
}

// ConfirmRequest is the body of POST /v1/sessions/:id/confirm.
type ConfirmRequest struct {
	ExpectedVersion int64 `json:"expectedVersion" binding:"required"`
}

// VoidRequest is the body of POST /v1/sessions/:id/void.
type VoidRequest struct {
	Reason string `json:"reason"`
}

// LockDeal handles POST /v1/matches/:id/lock
func (h *Handler) LockDeal(c *gin.Context) {
	caller := c.GetString("authIdentity")
	sess, err := h.service.LockDeal(c.Request.Context(), c.Param("id"), caller)
	if err != nil {
		h.writeError(c, caller, sess, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": sess.ViewFor(caller)})
}

// GetSession handles GET /v1/sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	caller := c.GetString("authIdentity")
	sess, err := h.service.GetSession(c.Request.Context(), c.Param("id"), caller)
	if err != nil {
		h.writeError(c, caller, nil, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess.ViewFor(caller)})
}

// ListSessions handles GET /v1/identities/:identity/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	caller := c.GetString("authIdentity")
	identity := c.Param("identity")
	if !strings.EqualFold(caller, identity) && !c.GetBool("authAdmin") {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "not_participant",
			"message": "Sessions are only listed for their own participant",
		})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	sessions, err := h.service.ListSessions(c.Request.Context(), identity, limit)
	if err != nil {
		h.writeError(c, caller, nil, err)
		return
	}
	views := make([]*View, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, s.ViewFor(identity))
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": views,
		"count":    len(views),
	})
}

// SubmitPayment handles POST /v1/sessions/:id/pay
func (h *Handler) SubmitPayment(c *gin.Context) {
	var req PayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "expectedVersion is required",
		})
		return
	}

	caller := c.GetString("authIdentity")
	sess, err := h.service.SubmitPayment(c.Request.Context(), c.Param("id"), caller, req.ExpectedVersion, req.ExternalRef)
	if err != nil {
		h.writeError(c, caller, sess, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess.ViewFor(caller)})
}

// ConfirmCompletion handles POST /v1/sessions/:id/confirm
func (h *Handler) ConfirmCompletion(c *gin.Context) {
	var req ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "expectedVersion is required",
		})
		return
	}

	caller := c.GetString("authIdentity")
	sess, err := h.service.ConfirmCompletion(c.Request.Context(), c.Param("id"), caller, req.ExpectedVersion)
	if err != nil {
		h.writeError(c, caller, sess, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess.ViewFor(caller)})
}

// VoidSession handles POST /v1/sessions/:id/void
func (h *Handler) VoidSession(c *gin.Context) {
	var req VoidRequest
	// Body is optional.
	_ = c.ShouldBindJSON(&req)
	if len(req.Reason) > 500 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "reason must be at most 500 characters",
		})
		return
	}

	caller := c.GetString("authIdentity")
	sess, err := h.service.VoidSession(c.Request.Context(), c.Param("id"), caller,
		validation.SanitizeString(req.Reason, 500), c.GetBool("authAdmin"))
	if err != nil {
		h.writeError(c, caller, sess, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess.ViewFor(caller)})
}

// writeError maps err to a status and code. Benign outcomes answer 200
// with the session; other rejections carry the current snapshot when the
// caller may see it.
func (h *Handler) writeError(c *gin.Context, caller string, sess *Session, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, ErrAlreadyLocked):
		status, code = http.StatusOK, "already_locked"
	case errors.Is(err, ErrAlreadyConfirmed):
		status, code = http.StatusOK, "already_confirmed"
	case errors.Is(err, ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrNotParticipant):
		status, code = http.StatusForbidden, "not_participant"
	case errors.Is(err, ErrVersionConflict):
		status, code = http.StatusConflict, "version_conflict"
	case errors.Is(err, ErrSessionVoided):
		status, code = http.StatusConflict, "session_voided"
	case errors.Is(err, ErrInvalidState):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrPaymentMismatch):
		status, code = http.StatusUnprocessableEntity, "payment_mismatch"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		status, code = http.StatusPaymentRequired, "insufficient_funds"
	case errors.Is(err, ledger.ErrRailUnavailable):
		status, code = http.StatusServiceUnavailable, "rail_unavailable"
	case errors.Is(err, ledger.ErrInvalidTransfer):
		status, code = http.StatusBadRequest, "invalid_payment"
	}

	body := gin.H{"error": code, "message": err.Error()}
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("session operation failed", "error", err, "path", c.FullPath())
		body["message"] = "Internal server error"
	}
	if status == http.StatusOK {
		body = gin.H{"code": code}
	}
	if sess != nil && sess.IsParticipant(caller) {
		body["session"] = sess.ViewFor(caller)
	}
	c.JSON(status, body)
}
