package ledger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/skillxchange/trustforge/internal/logging"
)

// SignatureHeader carries the hex HMAC-SHA256 of a push callback body.
const SignatureHeader = "X-Trustforge-Signature"

// WebhookParser verifies a rail's native webhook and extracts the
// rail-side reference it concerns.
type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (string, error)
}

// Handler exposes transfer lookups and the rail push callbacks.
type Handler struct {
	adapter *Adapter
	secret  string
	stripe  WebhookParser
}

// NewHandler creates a ledger handler. secret signs generic callbacks;
// stripe may be nil when the Stripe rail is not in use.
func NewHandler(adapter *Adapter, secret string, stripe WebhookParser) *Handler {
	return &Handler{adapter: adapter, secret: secret, stripe: stripe}
}

// RegisterRoutes sets up the push callback routes. They authenticate by
// signature, not API key.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/ledger/callbacks/stripe", h.StripeWebhook)
	r.POST("/ledger/callbacks/transfer", h.TransferCallback)
}

// RegisterProtectedRoutes sets up authenticated transfer lookups.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/ledger/transfers/:id", h.GetTransfer)
}

// CallbackRequest is the body of a generic push callback. Either field
// identifies the transfer.
type CallbackRequest struct {
	TransferID  string `json:"transferId"`
	ExternalRef string `json:"externalRef"`
}

// TransferCallback handles POST /v1/ledger/callbacks/transfer
func (h *Handler) TransferCallback(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Unreadable body"})
		return
	}
	if h.secret != "" && !validSignature(body, c.GetHeader(SignatureHeader), h.secret) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature", "message": "Signature mismatch"})
		return
	}

	var req CallbackRequest
	if err := bindJSON(body, &req); err != nil || (req.TransferID == "" && req.ExternalRef == "") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "transferId or externalRef is required"})
		return
	}

	var t *Transfer
	if req.TransferID != "" {
		t, err = h.adapter.Refresh(c.Request.Context(), req.TransferID)
	} else {
		t, err = h.adapter.RefreshByExternalRef(c.Request.Context(), req.ExternalRef)
	}
	h.writeResult(c, t, err)
}

// StripeWebhook handles POST /v1/ledger/callbacks/stripe
func (h *Handler) StripeWebhook(c *gin.Context) {
	if h.stripe == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Stripe rail not enabled"})
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Unreadable body"})
		return
	}
	ref, err := h.stripe.ParseWebhook(body, c.GetHeader("Stripe-Signature"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature", "message": err.Error()})
		return
	}
	if ref == "" {
		c.JSON(http.StatusOK, gin.H{"ignored": true})
		return
	}
	t, err := h.adapter.RefreshByExternalRef(c.Request.Context(), ref)
	h.writeResult(c, t, err)
}

// GetTransfer handles GET /v1/ledger/transfers/:id
func (h *Handler) GetTransfer(c *gin.Context) {
	t, err := h.adapter.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeResult(c, nil, err)
		return
	}
	caller := c.GetString("authIdentity")
	if !strings.EqualFold(caller, t.From) && !strings.EqualFold(caller, t.To) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not_participant", "message": "Not a party to this transfer"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transfer": t})
}

func (h *Handler) writeResult(c *gin.Context, t *Transfer, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"transfer": t})
	case errors.Is(err, ErrTransferNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Transfer not found"})
	case errors.Is(err, ErrRailUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "rail_unavailable", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("ledger callback failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write(payload)
	return hex.EncodeToString(m.Sum(nil))
}

func validSignature(payload []byte, got, secret string) bool {
	want := Sign(payload, secret)
	return hmac.Equal([]byte(want), []byte(strings.ToLower(got)))
}

func bindJSON(body []byte, v any) error {
	return json.Unmarshal(body, v)
}
