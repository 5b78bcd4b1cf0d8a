// Package ledger is the adapter between the escrow and an external
// value-transfer rail. It submits transfers, tracks them until the rail
// reports a final status, and hands each final status to the escrow
// through an asynchronous callback.
//
// Transfers are idempotent per reference (the escrow session id): while a
// transfer for a reference is pending or has succeeded, submitting again
// returns it instead of charging twice.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/skillxchange/trustforge/internal/amount"
	"github.com/skillxchange/trustforge/internal/circuitbreaker"
	"github.com/skillxchange/trustforge/internal/idgen"
	"github.com/skillxchange/trustforge/internal/retry"
	"github.com/skillxchange/trustforge/internal/traces"
)

var (
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	ErrRailUnavailable   = errors.New("ledger: rail unavailable")
	ErrTransferNotFound  = errors.New("ledger: transfer not found")
	ErrInvalidTransfer   = errors.New("ledger: invalid transfer")
	ErrDuplicateTransfer = errors.New("ledger: a live transfer already exists for reference")
)

// Status of a transfer on its rail.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether the status will not change again.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Transfer is the adapter's record of one transfer, returned to callers
// as the transfer handle.
type Transfer struct {
	ID            string     `json:"id"`
	Reference     string     `json:"reference"`
	Rail          string     `json:"rail"`
	From          string     `json:"from"`
	To            string     `json:"to"`
	Amount        string     `json:"amount"`
	ExternalRef   string     `json:"externalRef,omitempty"`
	Status        Status     `json:"status"`
	FailureReason string     `json:"failureReason,omitempty"`
	Notified      bool       `json:"-"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
}

// SubmitRequest asks for value to move from one identity to another.
type SubmitRequest struct {
	From      string
	To        string
	Amount    string // decimal, same unit as listing fees
	Reference string // escrow session id
	// ExternalRef is rail specific: a transaction hash the payer already
	// broadcast (evm) or a payment method id (stripe).
	ExternalRef string
}

// RailRequest is what a rail receives. Concurrent submissions for the
// same reference carry the same IdempotencyKey, so a rail that honours it
// charges once.
type RailRequest struct {
	TransferID     string
	IdempotencyKey string
	Reference      string
	From           string
	To             string
	Amount         *big.Int // wei
	AmountText     string
	ExternalRef    string
}

// RailResult is a rail's view of a transfer.
type RailResult struct {
	ExternalRef string
	Status      Status
	Reason      string
}

// Rail is an external value-transfer system. Implementations return
// ErrInsufficientFunds, ErrRailUnavailable or ErrInvalidTransfer
// (possibly wrapped) so the adapter can classify failures.
type Rail interface {
	Name() string
	Submit(ctx context.Context, req RailRequest) (*RailResult, error)
	Status(ctx context.Context, t *Transfer) (*RailResult, error)
}

// ResultFunc receives a transfer once it reaches a terminal status. It
// must be idempotent; a nil return marks the result as delivered.
type ResultFunc func(ctx context.Context, t *Transfer) error

// Adapter submits and tracks transfers on one rail.
type Adapter struct {
	rail     Rail
	store    Store
	breaker  *circuitbreaker.Breaker
	limiter  *rate.Limiter
	policy   retry.Policy
	timeout  time.Duration
	onResult ResultFunc
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout bounds each rail call.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.timeout = d }
}

// WithRateLimit caps outbound rail calls per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(a *Adapter) { a.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithRetry sets how many times a transient rail failure is retried.
func WithRetry(attempts int, base time.Duration) Option {
	return func(a *Adapter) {
		a.policy.Attempts = attempts
		a.policy.BaseDelay = base
	}
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(a *Adapter) { a.breaker = b }
}

// WithLogger sets the adapter logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// NewAdapter creates an adapter for rail backed by store.
func NewAdapter(rail Rail, store Store, opts ...Option) *Adapter {
	a := &Adapter{
		rail:    rail,
		store:   store,
		breaker: circuitbreaker.New(5, 30*time.Second),
		limiter: rate.NewLimiter(rate.Limit(5), 10),
		policy: retry.Policy{
			Attempts:  3,
			BaseDelay: 200 * time.Millisecond,
			MaxDelay:  2 * time.Second,
			Retryable: func(err error) bool { return errors.Is(err, ErrRailUnavailable) },
		},
		timeout: 10 * time.Second,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// OnTransferResult registers the callback for terminal transfers.
func (a *Adapter) OnTransferResult(fn ResultFunc) {
	a.onResult = fn
}

// RailName returns the configured rail's name.
func (a *Adapter) RailName() string { return a.rail.Name() }

// Submit starts a transfer, or returns the live one for the reference.
func (a *Adapter) Submit(ctx context.Context, req SubmitRequest) (t *Transfer, err error) {
	ctx, span := traces.StartSpan(ctx, "ledger.Submit",
		traces.Rail(a.rail.Name()), traces.Reference(req.Reference), traces.Amount(req.Amount))
	defer func() { traces.End(span, err) }()
	done := observeOp(a.rail.Name(), "submit")
	defer func() { done(err) }()

	if req.Reference == "" || req.From == "" || req.To == "" {
		return nil, fmt.Errorf("%w: reference, from and to are required", ErrInvalidTransfer)
	}
	value, ok := amount.Parse(req.Amount)
	if !ok || value.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount %q", ErrInvalidTransfer, req.Amount)
	}

	existing, err := a.store.LatestByReference(ctx, req.Reference)
	if err != nil && !errors.Is(err, ErrTransferNotFound) {
		return nil, err
	}
	if existing != nil && existing.Status != StatusFailed {
		return existing, nil
	}
	// A retry after a failed transfer is a new charge; anything racing
	// this submission shares its key.
	idemKey := req.Reference + "/0"
	if existing != nil {
		idemKey = req.Reference + "/" + existing.ID
	}

	now := a.now()
	t = &Transfer{
		ID:          idgen.WithPrefix(idgen.TransferPrefix),
		Reference:   req.Reference,
		Rail:        a.rail.Name(),
		From:        strings.ToLower(req.From),
		To:          strings.ToLower(req.To),
		Amount:      amount.Format(value),
		ExternalRef: req.ExternalRef,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var res *RailResult
	err = a.call(ctx, func(cctx context.Context) error {
		var cerr error
		res, cerr = a.rail.Submit(cctx, RailRequest{
			TransferID:     t.ID,
			IdempotencyKey: idemKey,
			Reference:      t.Reference,
			From:           t.From,
			To:             t.To,
			Amount:         value,
			AmountText:     t.Amount,
			ExternalRef:    t.ExternalRef,
		})
		return cerr
	})
	if err != nil {
		return nil, err
	}

	a.apply(t, res)
	if err := a.store.Create(ctx, t); err != nil {
		if errors.Is(err, ErrDuplicateTransfer) {
			return a.store.LatestByReference(ctx, req.Reference)
		}
		return nil, fmt.Errorf("record transfer: %w", err)
	}
	a.logger.Info("transfer submitted",
		"transfer_id", t.ID, "reference", t.Reference, "rail", t.Rail, "status", t.Status)

	if t.Status.IsTerminal() {
		cp := *t
		go a.deliver(context.WithoutCancel(ctx), &cp)
	}
	return t, nil
}

// Get returns a transfer by handle.
func (a *Adapter) Get(ctx context.Context, id string) (*Transfer, error) {
	return a.store.Get(ctx, id)
}

// PollStatus asks the rail about a pending transfer and records any
// change. Terminal transfers are returned as stored.
func (a *Adapter) PollStatus(ctx context.Context, id string) (t *Transfer, err error) {
	t, err = a.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return t, nil
	}

	ctx, span := traces.StartSpan(ctx, "ledger.PollStatus", traces.Rail(t.Rail), traces.Reference(t.Reference))
	defer func() { traces.End(span, err) }()
	done := observeOp(a.rail.Name(), "status")
	defer func() { done(err) }()

	var res *RailResult
	err = a.call(ctx, func(cctx context.Context) error {
		var cerr error
		res, cerr = a.rail.Status(cctx, t)
		return cerr
	})
	if err != nil {
		return nil, err
	}
	if res.Status == t.Status && res.ExternalRef == "" {
		return t, nil
	}
	a.apply(t, res)
	t.UpdatedAt = a.now()
	if err := a.store.Update(ctx, t); err != nil {
		return nil, fmt.Errorf("update transfer: %w", err)
	}
	if t.Status.IsTerminal() {
		transfersResolved.WithLabelValues(t.Rail, string(t.Status)).Inc()
	}
	return t, nil
}

// Refresh polls a transfer and, if it is terminal, delivers the result.
// Push callbacks use it; the pushed payload is only a hint, the rail is
// the source of truth.
func (a *Adapter) Refresh(ctx context.Context, id string) (*Transfer, error) {
	t, err := a.PollStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() && !t.Notified {
		a.deliver(ctx, t)
	}
	return t, nil
}

// RefreshByExternalRef is Refresh keyed by the rail's own reference.
func (a *Adapter) RefreshByExternalRef(ctx context.Context, externalRef string) (*Transfer, error) {
	t, err := a.store.GetByExternalRef(ctx, a.rail.Name(), externalRef)
	if err != nil {
		return nil, err
	}
	return a.Refresh(ctx, t.ID)
}

// deliver invokes the result callback and records delivery on success.
func (a *Adapter) deliver(ctx context.Context, t *Transfer) {
	if a.onResult == nil {
		return
	}
	if err := a.onResult(ctx, t); err != nil {
		a.logger.Warn("transfer result delivery failed, will retry",
			"transfer_id", t.ID, "reference", t.Reference, "error", err)
		return
	}
	if err := a.store.MarkNotified(ctx, t.ID); err != nil {
		a.logger.Warn("failed to mark transfer notified", "transfer_id", t.ID, "error", err)
	}
}

// call runs one rail operation under the rate limiter, the circuit
// breaker, the retry policy and the per-call timeout.
func (a *Adapter) call(ctx context.Context, fn func(context.Context) error) error {
	err := a.policy.Do(ctx, func() error {
		if err := a.limiter.Wait(ctx); err != nil {
			return retry.Permanent(fmt.Errorf("%w: %v", ErrRailUnavailable, err))
		}
		return a.breaker.Execute(a.rail.Name(), countsAgainstRail, func() error {
			cctx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()
			err := fn(cctx)
			if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrRailUnavailable) {
				err = fmt.Errorf("%w: %v", ErrRailUnavailable, err)
			}
			return err
		})
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: %v", ErrRailUnavailable, err)
	}
	return err
}

func (a *Adapter) apply(t *Transfer, res *RailResult) {
	if res == nil {
		return
	}
	if res.ExternalRef != "" {
		t.ExternalRef = res.ExternalRef
	}
	if res.Status != "" {
		t.Status = res.Status
	}
	if t.Status == StatusFailed {
		t.FailureReason = res.Reason
	}
	if t.Status.IsTerminal() && t.ResolvedAt == nil {
		now := a.now()
		t.ResolvedAt = &now
	}
}

// countsAgainstRail keeps caller mistakes from tripping the breaker.
func countsAgainstRail(err error) bool {
	return !errors.Is(err, ErrInsufficientFunds) && !errors.Is(err, ErrInvalidTransfer)
}
