// Package identity resolves an external account (a wallet address) into
// the normalized identity used across the service, along with the
// verification and reputation facts shown next to a match.
//
// Those facts are for display only. Escrow authorization never depends on
// them; it compares normalized identities.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/skillxchange/trustforge/internal/validation"
)

var ErrInvalidAccount = errors.New("identity: invalid account")

// Identity is the resolved view of an account.
type Identity struct {
	Account           string  `json:"account"`
	Verified          bool    `json:"verified"`
	ReputationScore   float64 `json:"reputationScore"`
	Tier              string  `json:"tier"`
	SessionsCompleted int     `json:"sessionsCompleted"`
	// Degraded is set when a fact source could not be reached and
	// defaults were used.
	Degraded bool `json:"degraded,omitempty"`
}

// Resolver maps an account to an Identity.
type Resolver interface {
	Resolve(ctx context.Context, account string) (*Identity, error)
}

// Facts is what the reputation side knows about an identity.
type Facts struct {
	Score             float64
	Tier              string
	SessionsCompleted int
}

// FactSource provides reputation facts.
type FactSource interface {
	Facts(ctx context.Context, identity string) (*Facts, error)
}

// Verifier reports whether an identity has been verified by an operator.
type Verifier interface {
	IsVerified(ctx context.Context, identity string) (bool, error)
}

// Normalize validates and lowercases an account.
func Normalize(account string) (string, error) {
	acct := validation.SanitizeAddress(account)
	if !validation.IsValidEthAddress(acct) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAccount, account)
	}
	return acct, nil
}

// Directory resolves identities from the reputation and verification
// sources. Each source call is bounded by timeout; a source that errors or
// times out contributes defaults and marks the result degraded.
type Directory struct {
	facts    FactSource
	verifier Verifier
	timeout  time.Duration
	logger   *slog.Logger
}

// NewDirectory creates a Directory. verifier may be nil.
func NewDirectory(facts FactSource, verifier Verifier, timeout time.Duration, logger *slog.Logger) *Directory {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{facts: facts, verifier: verifier, timeout: timeout, logger: logger}
}

var _ Resolver = (*Directory)(nil)

func (d *Directory) Resolve(ctx context.Context, account string) (*Identity, error) {
	acct, err := Normalize(account)
	if err != nil {
		return nil, err
	}
	id := &Identity{Account: acct, Tier: "new"}

	if d.facts != nil {
		fctx, cancel := context.WithTimeout(ctx, d.timeout)
		f, err := d.facts.Facts(fctx, acct)
		cancel()
		switch {
		case err != nil:
			d.logger.Warn("identity facts unavailable", "account", acct, "error", err)
			id.Degraded = true
		case f != nil:
			id.ReputationScore = f.Score
			id.SessionsCompleted = f.SessionsCompleted
			if f.Tier != "" {
				id.Tier = f.Tier
			}
		}
	}

	if d.verifier != nil {
		vctx, cancel := context.WithTimeout(ctx, d.timeout)
		ok, err := d.verifier.IsVerified(vctx, acct)
		cancel()
		if err != nil {
			d.logger.Warn("identity verification unavailable", "account", acct, "error", err)
			id.Degraded = true
		}
		id.Verified = ok && err == nil
	}
	return id, nil
}
