package reputation

import (
	"context"
	"errors"

	"github.com/skillxchange/trustforge/internal/identity"
)

// FactProvider exposes stored profiles to the identity resolver.
type FactProvider struct {
	store Store
}

// NewFactProvider creates a provider backed by the reputation store.
func NewFactProvider(store Store) *FactProvider {
	return &FactProvider{store: store}
}

var _ identity.FactSource = (*FactProvider)(nil)

// Facts returns the identity's score and tier. An identity with no
// completed session has no facts and no error.
func (p *FactProvider) Facts(ctx context.Context, id string) (*identity.Facts, error) {
	pr, err := p.store.Profile(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &identity.Facts{
		Score:             pr.Score,
		Tier:              string(pr.Tier),
		SessionsCompleted: pr.Metrics.SessionsCompleted,
	}, nil
}
