package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillxchange/trustforge/internal/ledger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(e *testEnv) *gin.Engine {
	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Identity"); id != "" {
			c.Set("authIdentity", id)
		}
		if c.GetHeader("X-Admin") == "1" {
			c.Set("authAdmin", true)
		}
		c.Next()
	})
	NewHandler(e.svc).RegisterProtectedRoutes(v1)
	return r
}

type sessionResponse struct {
	Session *struct {
		ID            string `json:"id"`
		State         State  `json:"state"`
		Version       int64  `json:"version"`
		PaymentStatus string `json:"paymentStatus"`
		SessionLink   string `json:"sessionLink"`
		ParticipantA  Participant
		ParticipantB  Participant
	} `json:"session"`
	Error string `json:"error"`
	Code  string `json:"code"`
}

func do(t *testing.T, r *gin.Engine, method, path, identity string, body any) (int, sessionResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if identity != "" {
		req.Header.Set("X-Identity", identity)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp sessionResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w.Code, resp
}

func TestHandler_LockDeal(t *testing.T) {
	e := newTestEnv()
	e.matches.addFree("mat_1")
	r := setupRouter(e)

	code, resp := do(t, r, http.MethodPost, "/v1/matches/mat_1/lock", alice, nil)
	require.Equal(t, http.StatusCreated, code)
	require.NotNil(t, resp.Session)
	assert.Equal(t, StateActive, resp.Session.State)
	assert.Equal(t, "not_required", resp.Session.PaymentStatus)
	assert.Equal(t, "https://meet.example/free", resp.Session.SessionLink)
	id := resp.Session.ID

	code, resp = do(t, r, http.MethodPost, "/v1/matches/mat_1/lock", bob, nil)
	assert.Equal(t, http.StatusOK, code, "duplicate lock is benign")
	assert.Equal(t, "already_locked", resp.Code)
	require.NotNil(t, resp.Session)
	assert.Equal(t, id, resp.Session.ID)

	code, resp = do(t, r, http.MethodPost, "/v1/matches/mat_1/lock", eve, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "not_participant", resp.Error)
	assert.Nil(t, resp.Session, "strangers never see the snapshot")

	code, _ = do(t, r, http.MethodPost, "/v1/matches/mat_nope/lock", alice, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHandler_GetSession(t *testing.T) {
	e := newTestEnv()
	e.matches.addPaid("mat_1", "0.02")
	sess, _ := e.svc.LockDeal(context.Background(), "mat_1", alice)
	r := setupRouter(e)

	code, resp := do(t, r, http.MethodGet, "/v1/sessions/"+sess.ID, bob, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, StateAwaitingPayment, resp.Session.State)
	assert.Empty(t, resp.Session.SessionLink, "link hidden before payment")
	assert.Equal(t, "unpaid", resp.Session.PaymentStatus)

	code, _ = do(t, r, http.MethodGet, "/v1/sessions/"+sess.ID, eve, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = do(t, r, http.MethodGet, "/v1/sessions/ses_missing", alice, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHandler_ConfirmFlow(t *testing.T) {
	e := newTestEnv()
	e.matches.addFree("mat_1")
	sess, _ := e.svc.LockDeal(context.Background(), "mat_1", alice)
	r := setupRouter(e)
	path := "/v1/sessions/" + sess.ID + "/confirm"

	code, resp := do(t, r, http.MethodPost, path, alice, ConfirmRequest{ExpectedVersion: sess.Version})
	require.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Session.ParticipantA.Confirmed)
	afterA := resp.Session.Version

	code, resp = do(t, r, http.MethodPost, path, alice, ConfirmRequest{ExpectedVersion: sess.Version})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "already_confirmed", resp.Code)
	assert.Equal(t, afterA, resp.Session.Version)

	code, resp = do(t, r, http.MethodPost, path, bob, ConfirmRequest{ExpectedVersion: sess.Version})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "version_conflict", resp.Error)
	require.NotNil(t, resp.Session, "conflict carries the current snapshot")
	assert.Equal(t, afterA, resp.Session.Version)

	code, resp = do(t, r, http.MethodPost, path, bob, ConfirmRequest{ExpectedVersion: afterA})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, StateCompleted, resp.Session.State)

	code, _ = do(t, r, http.MethodPost, path, bob, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHandler_Pay(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		identity string
		wantCode int
		wantErr  string
	}{
		{"pending", nil, bob, http.StatusOK, ""},
		{"insufficient funds", ledger.ErrInsufficientFunds, bob, http.StatusPaymentRequired, "insufficient_funds"},
		{"rail down", fmt.Errorf("%w: timeout", ledger.ErrRailUnavailable), bob, http.StatusServiceUnavailable, "rail_unavailable"},
		{"payee cannot pay", nil, alice, http.StatusForbidden, "not_participant"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv()
			e.matches.addPaid("mat_1", "0.02")
			sess, _ := e.svc.LockDeal(context.Background(), "mat_1", alice)
			e.payments.err = tt.err
			r := setupRouter(e)

			code, resp := do(t, r, http.MethodPost, "/v1/sessions/"+sess.ID+"/pay", tt.identity,
				PayRequest{ExpectedVersion: sess.Version, ExternalRef: "pm_card_visa"})
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantErr, resp.Error)
			require.NotNil(t, resp.Session)
			assert.Equal(t, StateAwaitingPayment, resp.Session.State)
		})
	}
}

func TestHandler_Void(t *testing.T) {
	e := newTestEnv()
	e.matches.addFree("mat_1")
	e.matches.addFree("mat_2")
	sess, _ := e.svc.LockDeal(context.Background(), "mat_1", alice)
	other, _ := e.svc.LockDeal(context.Background(), "mat_2", alice)
	r := setupRouter(e)

	code, resp := do(t, r, http.MethodPost, "/v1/sessions/"+sess.ID+"/void", bob, VoidRequest{Reason: "cancelled"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, StateVoided, resp.Session.State)

	code, resp = do(t, r, http.MethodPost, "/v1/sessions/"+sess.ID+"/confirm", alice, ConfirmRequest{ExpectedVersion: 3})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "session_voided", resp.Error)

	code, _ = do(t, r, http.MethodPost, "/v1/sessions/"+other.ID+"/void", eve, nil)
	assert.Equal(t, http.StatusForbidden, code)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+other.ID+"/void", nil)
	req.Header.Set("X-Admin", "1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_ListSessions(t *testing.T) {
	e := newTestEnv()
	e.matches.addFree("mat_1")
	_, _ = e.svc.LockDeal(context.Background(), "mat_1", alice)
	r := setupRouter(e)

	req := httptest.NewRequest(http.MethodGet, "/v1/identities/"+alice+"/sessions", nil)
	req.Header.Set("X-Identity", alice)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Sessions []json.RawMessage `json:"sessions"`
		Count    int               `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)

	req = httptest.NewRequest(http.MethodGet, "/v1/identities/"+alice+"/sessions", nil)
	req.Header.Set("X-Identity", bob)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/identities/not-an-address/sessions", nil)
	req.Header.Set("X-Identity", alice)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
