package catalog

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store persists listings and matches.
type Store interface {
	CreateListing(ctx context.Context, l *Listing) error
	GetListing(ctx context.Context, id string) (*Listing, error)
	ListByOwner(ctx context.Context, owner string, includeSuperseded bool) ([]*Listing, error)
	// SupersedeListing stores next and points oldID at it in one step.
	// Returns ErrSuperseded if oldID already has a successor.
	SupersedeListing(ctx context.Context, oldID string, next *Listing) error

	// CreateMatch returns ErrMatchExists when the unordered pair already
	// has an unreleased match.
	CreateMatch(ctx context.Context, m *Match) error
	GetMatch(ctx context.Context, id string) (*Match, error)
	ListMatchesForListing(ctx context.Context, listingID string) ([]*Match, error)
	ReleaseMatch(ctx context.Context, id string, at time.Time) error
}

// MemoryStore is an in-memory catalog store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	listings map[string]*Listing
	matches  map[string]*Match
}

// NewMemoryStore creates a new in-memory catalog store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings: make(map[string]*Listing),
		matches:  make(map[string]*Match),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateListing(_ context.Context, l *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	m.listings[l.ID] = &cp
	return nil
}

func (m *MemoryStore) GetListing(_ context.Context, id string) (*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listings[id]
	if !ok {
		return nil, ErrListingNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) ListByOwner(_ context.Context, owner string, includeSuperseded bool) ([]*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Listing
	for _, l := range m.listings {
		if !strings.EqualFold(l.Owner, owner) {
			continue
		}
		if !includeSuperseded && !l.Active() {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) SupersedeListing(_ context.Context, oldID string, next *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.listings[oldID]
	if !ok {
		return ErrListingNotFound
	}
	if !old.Active() {
		return ErrSuperseded
	}
	old.SupersededBy = next.ID
	cp := *next
	m.listings[next.ID] = &cp
	return nil
}

func (m *MemoryStore) CreateMatch(_ context.Context, match *Match) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.matches {
		if existing.ReleasedAt == nil && samePair(existing, match) {
			return ErrMatchExists
		}
	}
	cp := *match
	m.matches[match.ID] = &cp
	return nil
}

func (m *MemoryStore) GetMatch(_ context.Context, id string) (*Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	match, ok := m.matches[id]
	if !ok {
		return nil, ErrMatchNotFound
	}
	cp := *match
	return &cp, nil
}

func (m *MemoryStore) ListMatchesForListing(_ context.Context, listingID string) ([]*Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Match
	for _, match := range m.matches {
		if match.SkillA == listingID || match.SkillB == listingID {
			cp := *match
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func (m *MemoryStore) ReleaseMatch(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	match, ok := m.matches[id]
	if !ok {
		return ErrMatchNotFound
	}
	if match.ReleasedAt == nil {
		match.ReleasedAt = &at
	}
	return nil
}

func samePair(x, y *Match) bool {
	return (x.SkillA == y.SkillA && x.SkillB == y.SkillB) ||
		(x.SkillA == y.SkillB && x.SkillB == y.SkillA)
}
