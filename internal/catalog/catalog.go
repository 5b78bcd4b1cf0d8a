// Package catalog holds skill listings and the matches proposed between
// them. It is the boundary the escrow reads from: a match names two
// listings, and the listings decide who pays, who is paid and what the
// live session link is.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/skillxchange/trustforge/internal/amount"
	"github.com/skillxchange/trustforge/internal/idgen"
	"github.com/skillxchange/trustforge/internal/validation"
)

var (
	ErrListingNotFound = errors.New("catalog: listing not found")
	ErrMatchNotFound   = errors.New("catalog: match not found")
	ErrNotOwner        = errors.New("catalog: caller does not own listing")
	ErrSuperseded      = errors.New("catalog: listing has been superseded")
	ErrSameOwner       = errors.New("catalog: listings belong to the same identity")
	ErrMatchExists     = errors.New("catalog: an open match already exists for this pair")
	ErrInvalidScore    = errors.New("catalog: score must be between 0 and 100")
)

// Level of proficiency a listing is pitched at.
type Level string

const (
	LevelBeginner     Level = "beginner"
	LevelIntermediate Level = "intermediate"
	LevelAdvanced     Level = "advanced"
)

// Mode says whether the owner offers to teach the skill or wants to learn it.
type Mode string

const (
	ModeTeach Mode = "teach"
	ModeLearn Mode = "learn"
)

// Locality of the session.
type Locality string

const (
	LocalityRemote   Locality = "remote"
	LocalityInPerson Locality = "in-person"
)

// Listing is one skill offered or sought by its owner. Listings are never
// deleted; an edit supersedes the old listing with a new one.
type Listing struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner"`
	Title        string    `json:"title"`
	Category     string    `json:"category"`
	Level        Level     `json:"level"`
	Mode         Mode      `json:"mode"`
	Locality     Locality  `json:"locality"`
	Duration     string    `json:"duration,omitempty"`
	Description  string    `json:"description,omitempty"`
	Fee          string    `json:"fee"`
	SessionLink  string    `json:"sessionLink,omitempty"`
	SupersededBy string    `json:"supersededBy,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Active reports whether the listing is the owner's current version.
func (l *Listing) Active() bool { return l.SupersededBy == "" }

// ViewFor returns a copy safe to show to viewer. The session link stays
// with the owner; participants receive it from their escrow session.
func (l *Listing) ViewFor(viewer string) *Listing {
	cp := *l
	if !strings.EqualFold(viewer, l.Owner) {
		cp.SessionLink = ""
	}
	return &cp
}

// Match is a proposed pairing of two listings with the proposer's score
// and rationale.
type Match struct {
	ID         string     `json:"id"`
	SkillA     string     `json:"skillA"`
	SkillB     string     `json:"skillB"`
	Score      float64    `json:"score"`
	Rationale  string     `json:"rationale,omitempty"`
	ProposedAt time.Time  `json:"proposedAt"`
	ReleasedAt *time.Time `json:"releasedAt,omitempty"`
}

// Terms are the economic facts of a match as the escrow needs them.
type Terms struct {
	MatchID     string
	OwnerA      string
	OwnerB      string
	Fee         string // "0" for a free exchange
	Payer       string // empty when Fee is zero
	Payee       string
	SessionLink string
}

// ListingRequest is the payload for posting or editing a listing.
type ListingRequest struct {
	Title       string `json:"title" binding:"required"`
	Category    string `json:"category"`
	Level       string `json:"level" binding:"required"`
	Mode        string `json:"mode" binding:"required"`
	Locality    string `json:"locality" binding:"required"`
	Duration    string `json:"duration"`
	Description string `json:"description"`
	Fee         string `json:"fee"`
	SessionLink string `json:"sessionLink"`
}

// ProposeRequest is the payload the match proposer posts.
type ProposeRequest struct {
	SkillA    string  `json:"skillA" binding:"required"`
	SkillB    string  `json:"skillB" binding:"required"`
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale"`
}

// Service implements catalog business logic.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a new catalog service
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// PostListing validates and stores a new listing for owner.
func (s *Service) PostListing(ctx context.Context, owner string, req ListingRequest) (*Listing, error) {
	l, err := s.buildListing(owner, req)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateListing(ctx, l); err != nil {
		return nil, fmt.Errorf("create listing: %w", err)
	}
	return l, nil
}

// Supersede replaces listing id with a new version. Only the owner can do
// it, and only once per version.
func (s *Service) Supersede(ctx context.Context, owner, id string, req ListingRequest) (*Listing, error) {
	old, err := s.store.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(old.Owner, owner) {
		return nil, ErrNotOwner
	}
	if !old.Active() {
		return nil, ErrSuperseded
	}
	next, err := s.buildListing(owner, req)
	if err != nil {
		return nil, err
	}
	if err := s.store.SupersedeListing(ctx, id, next); err != nil {
		return nil, err
	}
	return next, nil
}

// GetListing returns a listing by id.
func (s *Service) GetListing(ctx context.Context, id string) (*Listing, error) {
	return s.store.GetListing(ctx, id)
}

// ListByOwner returns the owner's listings, newest first.
func (s *Service) ListByOwner(ctx context.Context, owner string, includeSuperseded bool) ([]*Listing, error) {
	return s.store.ListByOwner(ctx, strings.ToLower(owner), includeSuperseded)
}

// ProposeMatch records a pairing from the match proposer. Both listings
// must be current and belong to different identities, and the pair may
// not already have an open (unreleased) match.
func (s *Service) ProposeMatch(ctx context.Context, req ProposeRequest) (*Match, error) {
	if req.Score < 0 || req.Score > 100 {
		return nil, ErrInvalidScore
	}
	a, err := s.store.GetListing(ctx, req.SkillA)
	if err != nil {
		return nil, err
	}
	b, err := s.store.GetListing(ctx, req.SkillB)
	if err != nil {
		return nil, err
	}
	if !a.Active() || !b.Active() {
		return nil, ErrSuperseded
	}
	if strings.EqualFold(a.Owner, b.Owner) {
		return nil, ErrSameOwner
	}

	m := &Match{
		ID:         idgen.WithPrefix(idgen.MatchPrefix),
		SkillA:     a.ID,
		SkillB:     b.ID,
		Score:      req.Score,
		Rationale:  validation.SanitizeString(req.Rationale, validation.MaxDescriptionLength),
		ProposedAt: s.now(),
	}
	if err := s.store.CreateMatch(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetMatch returns a match by id.
func (s *Service) GetMatch(ctx context.Context, id string) (*Match, error) {
	return s.store.GetMatch(ctx, id)
}

// MatchesForListing returns every match naming the listing.
func (s *Service) MatchesForListing(ctx context.Context, listingID string) ([]*Match, error) {
	return s.store.ListMatchesForListing(ctx, listingID)
}

// ReleaseMatch marks a match as released so the pair can be proposed
// again. Releasing twice is a no-op.
func (s *Service) ReleaseMatch(ctx context.Context, matchID string) error {
	return s.store.ReleaseMatch(ctx, matchID, s.now())
}

// Terms resolves who pays whom for a match. The listing with the higher
// fee is the monetized one: its owner is paid and the other side pays.
// Equal non-zero fees resolve to skill A. When nobody charges, the link of
// the teaching listing is used.
func (s *Service) Terms(ctx context.Context, matchID string) (*Terms, error) {
	m, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	a, err := s.store.GetListing(ctx, m.SkillA)
	if err != nil {
		return nil, err
	}
	b, err := s.store.GetListing(ctx, m.SkillB)
	if err != nil {
		return nil, err
	}

	feeA := parseFee(a.Fee)
	feeB := parseFee(b.Fee)
	t := &Terms{
		MatchID: m.ID,
		OwnerA:  a.Owner,
		OwnerB:  b.Owner,
		Fee:     "0",
	}

	monetized, other := a, b
	fee := feeA
	if feeB.Cmp(feeA) > 0 {
		monetized, other = b, a
		fee = feeB
	}
	if fee.Sign() > 0 {
		t.Fee = amount.Format(fee)
		t.Payee = monetized.Owner
		t.Payer = other.Owner
		t.SessionLink = monetized.SessionLink
		return t, nil
	}

	switch {
	case a.Mode == ModeTeach && a.SessionLink != "":
		t.SessionLink = a.SessionLink
	case b.Mode == ModeTeach && b.SessionLink != "":
		t.SessionLink = b.SessionLink
	case a.SessionLink != "":
		t.SessionLink = a.SessionLink
	default:
		t.SessionLink = b.SessionLink
	}
	return t, nil
}

func (s *Service) buildListing(owner string, req ListingRequest) (*Listing, error) {
	if req.Fee == "" {
		req.Fee = "0"
	}
	if errs := validation.Validate(
		validation.Required("owner", owner),
		validation.Required("title", req.Title),
		validation.MaxLength("title", req.Title, validation.MaxTitleLength),
		validation.MaxLength("description", req.Description, validation.MaxDescriptionLength),
		validation.OneOf("level", req.Level, string(LevelBeginner), string(LevelIntermediate), string(LevelAdvanced)),
		validation.OneOf("mode", req.Mode, string(ModeTeach), string(ModeLearn)),
		validation.OneOf("locality", req.Locality, string(LocalityRemote), string(LocalityInPerson)),
		validation.ValidFee("fee", req.Fee),
		validation.ValidLink("sessionLink", req.SessionLink),
		validation.MaxLength("sessionLink", req.SessionLink, validation.MaxLinkLength),
	); len(errs) > 0 {
		return nil, errs
	}
	fee, _ := amount.Normalize(req.Fee)

	return &Listing{
		ID:          idgen.WithPrefix(idgen.ListingPrefix),
		Owner:       strings.ToLower(owner),
		Title:       validation.SanitizeString(req.Title, validation.MaxTitleLength),
		Category:    validation.SanitizeString(req.Category, validation.MaxTitleLength),
		Level:       Level(req.Level),
		Mode:        Mode(req.Mode),
		Locality:    Locality(req.Locality),
		Duration:    validation.SanitizeString(req.Duration, validation.MaxTitleLength),
		Description: validation.SanitizeString(req.Description, validation.MaxDescriptionLength),
		Fee:         fee,
		SessionLink: strings.TrimSpace(req.SessionLink),
		CreatedAt:   s.now(),
	}, nil
}

func parseFee(s string) *big.Int {
	v, ok := amount.Parse(s)
	if !ok {
		return new(big.Int)
	}
	return v
}
