package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/skillxchange/trustforge/internal/idgen"
)

// MemoryRail simulates a rail with in-memory balances. Transfers are
// debited on submit and report succeeded on the first status query.
// Unfunded accounts are treated as having unlimited funds unless strict
// is set.
type MemoryRail struct {
	mu          sync.Mutex
	balances    map[string]*big.Int
	byKey       map[string]*RailResult
	strict      bool
	unavailable bool
	failNext    string
}

// NewMemoryRail creates a simulated rail.
func NewMemoryRail(strict bool) *MemoryRail {
	return &MemoryRail{
		balances: make(map[string]*big.Int),
		byKey:    make(map[string]*RailResult),
		strict:   strict,
	}
}

var _ Rail = (*MemoryRail)(nil)

func (r *MemoryRail) Name() string { return "memory" }

// Fund credits an account with wei.
func (r *MemoryRail) Fund(account string, wei *big.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acct := strings.ToLower(account)
	if r.balances[acct] == nil {
		r.balances[acct] = new(big.Int)
	}
	r.balances[acct].Add(r.balances[acct], wei)
}

// Balance returns an account's balance in wei.
func (r *MemoryRail) Balance(account string) *big.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b := r.balances[strings.ToLower(account)]; b != nil {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// SetUnavailable makes every call fail with ErrRailUnavailable.
func (r *MemoryRail) SetUnavailable(down bool) {
	r.mu.Lock()
	r.unavailable = down
	r.mu.Unlock()
}

// FailNext makes the next submitted transfer settle as failed with reason.
func (r *MemoryRail) FailNext(reason string) {
	r.mu.Lock()
	r.failNext = reason
	r.mu.Unlock()
}

func (r *MemoryRail) Submit(_ context.Context, req RailRequest) (*RailResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.unavailable {
		return nil, ErrRailUnavailable
	}
	if res, ok := r.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		cp := *res
		return &cp, nil
	}

	from := r.balances[req.From]
	if r.strict || from != nil {
		if from == nil || from.Cmp(req.Amount) < 0 {
			return nil, fmt.Errorf("%w: %s", ErrInsufficientFunds, req.From)
		}
	}

	res := &RailResult{ExternalRef: idgen.WithPrefix("mem_"), Status: StatusPending}
	if r.failNext != "" {
		res.Reason = r.failNext
		r.failNext = ""
	} else {
		if from != nil {
			from.Sub(from, req.Amount)
		}
		if r.balances[req.To] == nil {
			r.balances[req.To] = new(big.Int)
		}
		r.balances[req.To].Add(r.balances[req.To], req.Amount)
	}
	r.byKey[req.IdempotencyKey] = res
	cp := *res
	return &cp, nil
}

func (r *MemoryRail) Status(_ context.Context, t *Transfer) (*RailResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.unavailable {
		return nil, ErrRailUnavailable
	}
	for _, res := range r.byKey {
		if res.ExternalRef != t.ExternalRef {
			continue
		}
		if res.Reason != "" {
			return &RailResult{Status: StatusFailed, Reason: res.Reason}, nil
		}
		return &RailResult{Status: StatusSucceeded}, nil
	}
	return &RailResult{Status: StatusFailed, Reason: "unknown transfer"}, nil
}
