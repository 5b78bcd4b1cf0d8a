package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillxchange/trustforge/internal/identity"
)

type fixedResolver struct{}

func (fixedResolver) Resolve(_ context.Context, account string) (*identity.Identity, error) {
	return &identity.Identity{Account: account, Verified: true, ReputationScore: 42, Tier: "emerging"}, nil
}

func setupTestRouter() (*gin.Engine, *Service) {
	gin.SetMode(gin.TestMode)

	svc := NewService(NewMemoryStore())
	handler := NewHandler(svc, fixedResolver{})

	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Identity"); id != "" {
			c.Set("authIdentity", id)
		}
		c.Next()
	})
	handler.RegisterRoutes(v1)
	handler.RegisterProtectedRoutes(v1)
	handler.RegisterProposerRoutes(v1)
	return r, svc
}

func doJSON(r *gin.Engine, method, path, identity string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if identity != "" {
		req.Header.Set("X-Identity", identity)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_PostAndGetListing(t *testing.T) {
	router, _ := setupTestRouter()

	w := doJSON(router, http.MethodPost, "/v1/listings", alice, listingReq("Go", "teach", "0.05", "https://meet.example/go"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Listing Listing `json:"listing"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "0.05", created.Listing.Fee)

	w = doJSON(router, http.MethodGet, "/v1/listings/"+created.Listing.ID, bob, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "meet.example")

	w = doJSON(router, http.MethodGet, "/v1/listings/"+created.Listing.ID, alice, nil)
	assert.Contains(t, w.Body.String(), "meet.example")
}

func TestHandler_ValidationError(t *testing.T) {
	router, _ := setupTestRouter()
	w := doJSON(router, http.MethodPost, "/v1/listings", alice, listingReq("Go", "lecture", "0", ""))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")
}

func TestHandler_MatchViewIncludesIdentities(t *testing.T) {
	router, svc := setupTestRouter()
	ctx := context.Background()
	a, _ := svc.PostListing(ctx, alice, listingReq("Go", "teach", "0", ""))
	b, _ := svc.PostListing(ctx, bob, listingReq("Guitar", "teach", "0", ""))

	w := doJSON(router, http.MethodPost, "/v1/matches", "", ProposeRequest{SkillA: a.ID, SkillB: b.ID, Score: 80})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Match Match `json:"match"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doJSON(router, http.MethodGet, "/v1/matches/"+created.Match.ID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view MatchView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, a.ID, view.SkillA.ID)
	require.Contains(t, view.Identities, alice)
	assert.True(t, view.Identities[alice].Verified)

	w = doJSON(router, http.MethodPost, "/v1/matches", "", ProposeRequest{SkillA: b.ID, SkillB: a.ID, Score: 60})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_NotFound(t *testing.T) {
	router, _ := setupTestRouter()
	w := doJSON(router, http.MethodGet, "/v1/matches/mat_missing", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
