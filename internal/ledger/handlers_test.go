package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubWebhookParser struct {
	ref string
	err error
}

func (s stubWebhookParser) ParseWebhook([]byte, string) (string, error) {
	return s.ref, s.err
}

func setupLedgerRouter(t *testing.T, secret string, parser WebhookParser) (*gin.Engine, *Adapter, *[]*Transfer) {
	t.Helper()
	a := newTestAdapter(NewMemoryRail(false), NewMemoryStore())
	delivered := &[]*Transfer{}
	a.OnTransferResult(func(_ context.Context, tr *Transfer) error {
		*delivered = append(*delivered, tr)
		return nil
	})

	h := NewHandler(a, secret, parser)
	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	protected := v1.Group("")
	protected.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Identity"); id != "" {
			c.Set("authIdentity", id)
		}
		c.Next()
	})
	h.RegisterProtectedRoutes(protected)
	return r, a, delivered
}

func submitTestTransfer(t *testing.T, a *Adapter) *Transfer {
	t.Helper()
	tr, err := a.Submit(context.Background(), SubmitRequest{
		From: payer, To: payee, Amount: "1", Reference: "ses_1",
	})
	require.NoError(t, err)
	return tr
}

func TestTransferCallback_RefreshesFromRail(t *testing.T) {
	r, a, delivered := setupLedgerRouter(t, "", nil)
	tr := submitTestTransfer(t, a)

	body, _ := json.Marshal(CallbackRequest{TransferID: tr.ID})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/ledger/callbacks/transfer", bytes.NewReader(body))
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Transfer Transfer `json:"transfer"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, StatusSucceeded, resp.Transfer.Status)
	assert.Len(t, *delivered, 1)
}

func TestTransferCallback_Signature(t *testing.T) {
	r, a, _ := setupLedgerRouter(t, "cb-secret", nil)
	tr := submitTestTransfer(t, a)
	body, _ := json.Marshal(CallbackRequest{ExternalRef: tr.ExternalRef})

	tests := []struct {
		name string
		sig  string
		want int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong secret", Sign(body, "other"), http.StatusUnauthorized},
		{"valid", Sign(body, "cb-secret"), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/v1/ledger/callbacks/transfer", bytes.NewReader(body))
			if tt.sig != "" {
				req.Header.Set(SignatureHeader, tt.sig)
			}
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestTransferCallback_BadRequests(t *testing.T) {
	r, _, _ := setupLedgerRouter(t, "", nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"not json", "{", http.StatusBadRequest},
		{"no identifiers", "{}", http.StatusBadRequest},
		{"unknown transfer", `{"transferId":"trf_missing"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/v1/ledger/callbacks/transfer", bytes.NewBufferString(tt.body))
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestStripeWebhook(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		r, _, _ := setupLedgerRouter(t, "", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/ledger/callbacks/stripe", bytes.NewBufferString("{}")))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("bad signature", func(t *testing.T) {
		r, _, _ := setupLedgerRouter(t, "", stubWebhookParser{err: errors.New("bad sig")})
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/ledger/callbacks/stripe", bytes.NewBufferString("{}")))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("irrelevant event", func(t *testing.T) {
		r, _, _ := setupLedgerRouter(t, "", stubWebhookParser{})
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/ledger/callbacks/stripe", bytes.NewBufferString("{}")))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "ignored")
	})
}

func TestGetTransfer_OnlyParties(t *testing.T) {
	r, a, _ := setupLedgerRouter(t, "", nil)
	tr := submitTestTransfer(t, a)

	tests := []struct {
		name     string
		identity string
		want     int
	}{
		{"payer", payer, http.StatusOK},
		{"payee", payee, http.StatusOK},
		{"stranger", "0x3333333333333333333333333333333333333333", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/v1/ledger/transfers/"+tr.ID, nil)
			req.Header.Set("X-Identity", tt.identity)
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}
