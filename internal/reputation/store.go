package reputation

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store persists profiles, partners, credentials and score history.
type Store interface {
	// RecordSettlement applies a settlement once. The session marker,
	// both profile updates and both credentials commit together; rescore
	// computes each updated profile. Returns false when the session was
	// already applied.
	RecordSettlement(ctx context.Context, s *Settlement, rescore func(identity string, m Metrics) *Profile) (bool, error)

	// Profile returns the current profile for an identity.
	Profile(ctx context.Context, identity string) (*Profile, error)

	// ListProfiles returns profiles ordered by identity, after the cursor.
	ListProfiles(ctx context.Context, after string, limit int) ([]*Profile, error)

	// SaveScores stores rescored profiles and appends them to history.
	SaveScores(ctx context.Context, profiles []*Profile) error

	// Credentials lists an identity's credentials, newest first.
	Credentials(ctx context.Context, identity string, limit int) ([]*Credential, error)

	// History returns historical snapshots matching the query.
	History(ctx context.Context, q HistoryQuery) ([]*Snapshot, error)
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu          sync.RWMutex
	settled     map[string]bool
	profiles    map[string]*Profile
	partners    map[string]map[string]bool
	credentials map[string]*Credential
	snapshots   []*Snapshot
	nextID      int64
}

// NewMemoryStore creates an in-memory reputation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		settled:     make(map[string]bool),
		profiles:    make(map[string]*Profile),
		partners:    make(map[string]map[string]bool),
		credentials: make(map[string]*Credential),
		nextID:      1,
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) RecordSettlement(_ context.Context, s *Settlement, rescore func(string, Metrics) *Profile) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.settled[s.SessionID] {
		return false, nil
	}

	// Compute both updates before touching the maps so a failing rescore
	// leaves the session unapplied.
	type update struct {
		self, partner string
		newPartner    bool
		profile       *Profile
	}
	a, b := strings.ToLower(s.ParticipantA), strings.ToLower(s.ParticipantB)
	var updates []update
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		u := update{self: pair[0], partner: pair[1]}

		var met Metrics
		if cur, ok := m.profiles[u.self]; ok {
			met = cur.Metrics
		}
		met.SessionsCompleted++
		if !m.partners[u.self][u.partner] {
			u.newPartner = true
			met.UniquePartners++
		}
		if met.FirstSeen.IsZero() || s.SettledAt.Before(met.FirstSeen) {
			met.FirstSeen = s.SettledAt
		}
		if s.SettledAt.After(met.LastActive) {
			met.LastActive = s.SettledAt
		}
		u.profile = rescore(u.self, met)
		updates = append(updates, u)
	}

	for _, u := range updates {
		if u.newPartner {
			if m.partners[u.self] == nil {
				m.partners[u.self] = make(map[string]bool)
			}
			m.partners[u.self][u.partner] = true
		}
		m.profiles[u.self] = u.profile

		id := CredentialID(s.SessionID, u.self)
		if _, ok := m.credentials[id]; !ok {
			m.credentials[id] = &Credential{
				ID:        id,
				SessionID: s.SessionID,
				Identity:  u.self,
				Partner:   u.partner,
				IssuedAt:  s.SettledAt,
			}
		}
	}
	m.settled[s.SessionID] = true
	return true, nil
}

func (m *MemoryStore) Profile(_ context.Context, identity string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[strings.ToLower(identity)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListProfiles(_ context.Context, after string, limit int) ([]*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Profile
	for id, p := range m.profiles {
		if id > after {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SaveScores(_ context.Context, profiles []*Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range profiles {
		cur, ok := m.profiles[strings.ToLower(p.Identity)]
		if !ok {
			continue
		}
		// Only the score moves; metrics belong to RecordSettlement.
		cur.Score = p.Score
		cur.Tier = p.Tier
		cur.Components = p.Components
		cur.CalculatedAt = p.CalculatedAt
		snap := SnapshotFromProfile(cur)
		snap.ID = m.nextID
		m.nextID++
		if snap.CreatedAt.IsZero() {
			snap.CreatedAt = time.Now()
		}
		m.snapshots = append(m.snapshots, snap)
	}
	return nil
}

func (m *MemoryStore) Credentials(_ context.Context, identity string, limit int) ([]*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id := strings.ToLower(identity)
	var out []*Credential
	for _, c := range m.credentials {
		if c.Identity == id {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) History(_ context.Context, q HistoryQuery) ([]*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id := strings.ToLower(q.Identity)
	var results []*Snapshot
	for _, s := range m.snapshots {
		if s.Identity != id {
			continue
		}
		if !q.From.IsZero() && s.CreatedAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && s.CreatedAt.After(q.To) {
			continue
		}
		cp := *s
		results = append(results, &cp)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}
