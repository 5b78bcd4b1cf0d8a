package catalog

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/skillxchange/trustforge/internal/identity"
	"github.com/skillxchange/trustforge/internal/logging"
	"github.com/skillxchange/trustforge/internal/validation"
)

// Handler provides HTTP endpoints for listings and matches.
type Handler struct {
	service    *Service
	identities identity.Resolver
}

// NewHandler creates a new catalog handler. identities may be nil, in
// which case match views carry no participant facts.
func NewHandler(service *Service, identities identity.Resolver) *Handler {
	return &Handler{service: service, identities: identities}
}

// RegisterRoutes sets up public (read-only) catalog routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/listings/:id", h.GetListing)
	r.GET("/listings/:id/matches", h.ListMatches)
	r.GET("/identities/:identity/listings", validation.AddressParamMiddleware("identity"), h.ListByOwner)
	r.GET("/matches/:id", h.GetMatch)
}

// RegisterProtectedRoutes sets up routes that act on behalf of the caller.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/listings", h.PostListing)
	r.PUT("/listings/:id", h.SupersedeListing)
}

// RegisterProposerRoutes sets up the match ingress used by the proposer.
func (h *Handler) RegisterProposerRoutes(r *gin.RouterGroup) {
	r.POST("/matches", h.ProposeMatch)
}

// PostListing handles POST /v1/listings
func (h *Handler) PostListing(c *gin.Context) {
	var req ListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	listing, err := h.service.PostListing(c.Request.Context(), c.GetString("authIdentity"), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"listing": listing})
}

// SupersedeListing handles PUT /v1/listings/:id
func (h *Handler) SupersedeListing(c *gin.Context) {
	var req ListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	listing, err := h.service.Supersede(c.Request.Context(), c.GetString("authIdentity"), c.Param("id"), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"listing": listing, "supersedes": c.Param("id")})
}

// GetListing handles GET /v1/listings/:id
func (h *Handler) GetListing(c *gin.Context) {
	listing, err := h.service.GetListing(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": listing.ViewFor(c.GetString("authIdentity"))})
}

// ListByOwner handles GET /v1/identities/:identity/listings
func (h *Handler) ListByOwner(c *gin.Context) {
	owner := c.Param("identity")
	listings, err := h.service.ListByOwner(c.Request.Context(), owner, c.Query("all") == "true")
	if err != nil {
		h.writeError(c, err)
		return
	}
	viewer := c.GetString("authIdentity")
	out := make([]*Listing, 0, len(listings))
	for _, l := range listings {
		out = append(out, l.ViewFor(viewer))
	}
	c.JSON(http.StatusOK, gin.H{"listings": out, "count": len(out)})
}

// ProposeMatch handles POST /v1/matches
func (h *Handler) ProposeMatch(c *gin.Context) {
	var req ProposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	match, err := h.service.ProposeMatch(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	logging.L(c.Request.Context()).Info("match proposed",
		"match_id", match.ID, "skill_a", match.SkillA, "skill_b", match.SkillB, "score", match.Score)
	c.JSON(http.StatusCreated, gin.H{"match": match})
}

// MatchView is a match with both listings and, when available, the
// resolved facts of each owner.
type MatchView struct {
	Match      *Match                        `json:"match"`
	SkillA     *Listing                      `json:"skillA"`
	SkillB     *Listing                      `json:"skillB"`
	Identities map[string]*identity.Identity `json:"identities,omitempty"`
}

// GetMatch handles GET /v1/matches/:id
func (h *Handler) GetMatch(c *gin.Context) {
	ctx := c.Request.Context()
	match, err := h.service.GetMatch(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	a, err := h.service.GetListing(ctx, match.SkillA)
	if err != nil {
		h.writeError(c, err)
		return
	}
	b, err := h.service.GetListing(ctx, match.SkillB)
	if err != nil {
		h.writeError(c, err)
		return
	}

	viewer := c.GetString("authIdentity")
	view := MatchView{Match: match, SkillA: a.ViewFor(viewer), SkillB: b.ViewFor(viewer)}
	view.Identities = h.resolve(ctx, a.Owner, b.Owner)
	c.JSON(http.StatusOK, view)
}

// ListMatches handles GET /v1/listings/:id/matches
func (h *Handler) ListMatches(c *gin.Context) {
	matches, err := h.service.MatchesForListing(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"matches": matches, "count": len(matches)})
}

func (h *Handler) resolve(ctx context.Context, accounts ...string) map[string]*identity.Identity {
	if h.identities == nil {
		return nil
	}
	out := make(map[string]*identity.Identity, len(accounts))
	for _, acct := range accounts {
		id, err := h.identities.Resolve(ctx, acct)
		if err != nil {
			logging.L(ctx).Warn("resolve identity failed", "account", acct, "error", err)
			continue
		}
		out[strings.ToLower(acct)] = id
	}
	return out
}

func (h *Handler) writeError(c *gin.Context, err error) {
	var verrs validation.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": verrs.Error(),
			"details": verrs,
		})
	case errors.Is(err, ErrListingNotFound), errors.Is(err, ErrMatchNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "not_owner", "message": err.Error()})
	case errors.Is(err, ErrSuperseded), errors.Is(err, ErrMatchExists):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	case errors.Is(err, ErrSameOwner), errors.Is(err, ErrInvalidScore):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_match", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("catalog request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal server error",
		})
	}
}
