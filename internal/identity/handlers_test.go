package identity

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_GetIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	facts := &stubFacts{facts: &Facts{Score: 41, Tier: "established", SessionsCompleted: 3}}
	r := gin.New()
	NewHandler(NewDirectory(facts, stubVerifier{alice: true}, time.Second, nil)).RegisterRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/identities/0xAAAA000000000000000000000000000000000001", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Identity Identity `json:"identity"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, alice, resp.Identity.Account)
	assert.True(t, resp.Identity.Verified)
	assert.Equal(t, 3, resp.Identity.SessionsCompleted)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/identities/alice", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
