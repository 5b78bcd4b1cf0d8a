package escrow

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/skillxchange/trustforge/internal/events"
)

// Store persists sessions and their settle outbox.
type Store interface {
	// Create inserts a new session. A second session for the same match
	// id is rejected.
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	GetByMatch(ctx context.Context, matchID string) (*Session, error)

	// CompareAndSwap writes s if the stored version equals expected and
	// sets s.Version to expected+1. A non-nil settle is queued in the
	// outbox by the same write.
	CompareAndSwap(ctx context.Context, s *Session, expected int64, settle *events.SettleEvent) error

	ListByParticipant(ctx context.Context, identity string, limit int) ([]*Session, error)
	ListPaymentExpired(ctx context.Context, before time.Time, limit int) ([]*Session, error)
	ListStuckLocked(ctx context.Context, before time.Time, limit int) ([]*Session, error)

	PendingSettlements(ctx context.Context, limit int) ([]events.SettleEvent, error)
	MarkSettlementDispatched(ctx context.Context, sessionID string) error
}

type outboxEntry struct {
	event      events.SettleEvent
	dispatched bool
}

// MemoryStore is an in-memory session store for demo/development mode.
type MemoryStore struct {
	sessions map[string]*Session
	byMatch  map[string]string
	outbox   map[string]*outboxEntry
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		byMatch:  make(map[string]string),
		outbox:   make(map[string]*outboxEntry),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byMatch[s.MatchID]; ok {
		return errSessionExists
	}
	m.sessions[s.ID] = s.Clone()
	m.byMatch[s.MatchID] = s.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) GetByMatch(_ context.Context, matchID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byMatch[matchID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.sessions[id].Clone(), nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, s *Session, expected int64, settle *events.SettleEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.sessions[s.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expected {
		return ErrVersionConflict
	}
	s.Version = expected + 1
	m.sessions[s.ID] = s.Clone()
	if settle != nil {
		if _, queued := m.outbox[s.ID]; !queued {
			m.outbox[s.ID] = &outboxEntry{event: *settle}
		}
	}
	return nil
}

func (m *MemoryStore) ListByParticipant(_ context.Context, identity string, limit int) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Session
	for _, s := range m.sessions {
		if strings.EqualFold(s.ParticipantA.Identity, identity) || strings.EqualFold(s.ParticipantB.Identity, identity) {
			result = append(result, s.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListPaymentExpired(_ context.Context, before time.Time, limit int) ([]*Session, error) {
	return m.filter(limit, func(s *Session) bool {
		return s.State == StateAwaitingPayment && s.PaymentDeadline != nil && s.PaymentDeadline.Before(before)
	}), nil
}

func (m *MemoryStore) ListStuckLocked(_ context.Context, before time.Time, limit int) ([]*Session, error) {
	return m.filter(limit, func(s *Session) bool {
		return s.State == StateLocked && s.UpdatedAt.Before(before)
	}), nil
}

func (m *MemoryStore) filter(limit int, keep func(*Session) bool) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Session
	for _, s := range m.sessions {
		if keep(s) {
			result = append(result, s.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (m *MemoryStore) PendingSettlements(_ context.Context, limit int) ([]events.SettleEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []events.SettleEvent
	for _, e := range m.outbox {
		if !e.dispatched {
			result = append(result, e.event)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SettledAt.Before(result[j].SettledAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) MarkSettlementDispatched(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.outbox[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.dispatched = true
	return nil
}

// SettlementCount returns how many settle events were ever queued.
func (m *MemoryStore) SettlementCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.outbox)
}
