package ledger

import (
	"context"
	"sort"
	"sync"
)

// Store tracks transfers.
type Store interface {
	// Create returns ErrDuplicateTransfer when the reference already has
	// a transfer that has not failed.
	Create(ctx context.Context, t *Transfer) error
	Get(ctx context.Context, id string) (*Transfer, error)
	GetByExternalRef(ctx context.Context, rail, externalRef string) (*Transfer, error)
	Update(ctx context.Context, t *Transfer) error
	MarkNotified(ctx context.Context, id string) error
	LatestByReference(ctx context.Context, reference string) (*Transfer, error)
	// ListUnresolved returns pending transfers and terminal transfers
	// whose result has not been delivered, oldest first.
	ListUnresolved(ctx context.Context, limit int) ([]*Transfer, error)
}

// MemoryStore is an in-memory transfer store.
type MemoryStore struct {
	mu        sync.RWMutex
	transfers map[string]*Transfer
}

// NewMemoryStore creates a new in-memory transfer store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{transfers: make(map[string]*Transfer)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, t *Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.transfers {
		if existing.Reference == t.Reference && existing.Status != StatusFailed {
			return ErrDuplicateTransfer
		}
	}
	cp := *t
	m.transfers[t.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transfers[id]
	if !ok {
		return nil, ErrTransferNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetByExternalRef(_ context.Context, rail, externalRef string) (*Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.transfers {
		if t.Rail == rail && t.ExternalRef == externalRef && externalRef != "" {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrTransferNotFound
}

func (m *MemoryStore) Update(_ context.Context, t *Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.transfers[t.ID]
	if !ok {
		return ErrTransferNotFound
	}
	cp := *t
	cp.Notified = existing.Notified
	m.transfers[t.ID] = &cp
	return nil
}

func (m *MemoryStore) MarkNotified(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[id]
	if !ok {
		return ErrTransferNotFound
	}
	t.Notified = true
	return nil
}

func (m *MemoryStore) LatestByReference(_ context.Context, reference string) (*Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *Transfer
	for _, t := range m.transfers {
		if t.Reference != reference {
			continue
		}
		if latest == nil || t.CreatedAt.After(latest.CreatedAt) ||
			(t.CreatedAt.Equal(latest.CreatedAt) && latest.Status == StatusFailed) {
			latest = t
		}
	}
	if latest == nil {
		return nil, ErrTransferNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) ListUnresolved(_ context.Context, limit int) ([]*Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Transfer
	for _, t := range m.transfers {
		if t.Status == StatusPending || !t.Notified {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
