package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/skillxchange/trustforge/internal/amount"
	"github.com/skillxchange/trustforge/internal/catalog"
	"github.com/skillxchange/trustforge/internal/events"
	"github.com/skillxchange/trustforge/internal/idgen"
	"github.com/skillxchange/trustforge/internal/ledger"
	"github.com/skillxchange/trustforge/internal/traces"
)

// DefaultPaymentWindow is how long a paid session waits for its payment.
const DefaultPaymentWindow = 24 * time.Hour

// systemRetries bounds conflict retries for mutations the service makes
// on its own behalf (payment results, expiry, auto-advance, void).
const systemRetries = 5

const reasonPaymentExpired = "payment window expired"

// errNoChange tells mutate the fresh read needs no write.
var errNoChange = errors.New("no change")

// MatchSource resolves a match into the terms a session is locked on.
type MatchSource interface {
	Terms(ctx context.Context, matchID string) (*catalog.Terms, error)
	ReleaseMatch(ctx context.Context, matchID string) error
}

// Payments is the part of the ledger adapter the coordinator uses.
type Payments interface {
	Submit(ctx context.Context, req ledger.SubmitRequest) (*ledger.Transfer, error)
}

// Notifier is told about every committed session change.
type Notifier interface {
	SessionChanged(ctx context.Context, s *Session)
}

// Service implements the session state machine.
type Service struct {
	store    Store
	matches  MatchSource
	payments Payments
	notifier Notifier
	onSettle func()
	window   time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, matches MatchSource, payments Payments) *Service {
	return &Service{
		store:    store,
		matches:  matches,
		payments: payments,
		window:   DefaultPaymentWindow,
		logger:   slog.Default(),
		now:      time.Now,
	}
}

// WithPaymentWindow sets how long a session may wait for payment.
func (s *Service) WithPaymentWindow(d time.Duration) *Service {
	if d > 0 {
		s.window = d
	}
	return s
}

// WithNotifier adds a listener for session changes.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithSettleHook registers fn to run after a settle event is queued.
// The relay uses it to publish without waiting for its next tick.
func (s *Service) WithSettleHook(fn func()) *Service {
	s.onSettle = fn
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// LockDeal turns a proposed match into a session. Locking an already
// locked match returns its session with ErrAlreadyLocked.
func (s *Service) LockDeal(ctx context.Context, matchID, caller string) (sess *Session, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.LockDeal", traces.MatchID(matchID), traces.Identity(caller))
	defer func() { traces.End(span, failure(err)) }()

	terms, err := s.matches.Terms(ctx, matchID)
	if err != nil {
		if errors.Is(err, catalog.ErrMatchNotFound) || errors.Is(err, catalog.ErrListingNotFound) {
			return nil, fmt.Errorf("%w: match %s", ErrNotFound, matchID)
		}
		return nil, fmt.Errorf("failed to resolve match: %w", err)
	}
	if !strings.EqualFold(caller, terms.OwnerA) && !strings.EqualFold(caller, terms.OwnerB) {
		return nil, ErrNotParticipant
	}

	existing, err := s.store.GetByMatch(ctx, matchID)
	if err == nil {
		return existing, ErrAlreadyLocked
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := s.now()
	sess = &Session{
		ID:           idgen.WithPrefix(idgen.SessionPrefix),
		MatchID:      matchID,
		ParticipantA: Participant{Identity: strings.ToLower(terms.OwnerA)},
		ParticipantB: Participant{Identity: strings.ToLower(terms.OwnerB)},
		Fee:          terms.Fee,
		State:        StateLocked,
		Version:      1,
		SessionLink:  terms.SessionLink,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if !amount.IsZero(terms.Fee) {
		sess.Payer = strings.ToLower(terms.Payer)
		sess.Payee = strings.ToLower(terms.Payee)
	}

	if err := s.store.Create(ctx, sess); err != nil {
		if errors.Is(err, errSessionExists) {
			winner, gerr := s.store.GetByMatch(ctx, matchID)
			if gerr != nil {
				return nil, gerr
			}
			return winner, ErrAlreadyLocked
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	sessionTransitions.WithLabelValues("", string(StateLocked)).Inc()
	s.logger.Info("session locked",
		"session_id", sess.ID, "match_id", matchID, "fee", sess.Fee, "caller", caller)

	return s.AdvanceLocked(ctx, sess.ID)
}

// AdvanceLocked moves a locked session to active (free) or
// awaiting_payment (paid). Sessions past locked are returned unchanged.
func (s *Service) AdvanceLocked(ctx context.Context, id string) (*Session, error) {
	return s.mutate(ctx, id, "advance", func(sess *Session) (*events.SettleEvent, error) {
		if sess.State != StateLocked {
			return nil, errNoChange
		}
		if sess.IsFree() {
			sess.State = StateActive
			return nil, nil
		}
		deadline := s.now().Add(s.window)
		sess.State = StateAwaitingPayment
		sess.PaymentDeadline = &deadline
		return nil, nil
	})
}

// GetSession returns a session to one of its participants.
func (s *Service) GetSession(ctx context.Context, id, caller string) (*Session, error) {
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sess.IsParticipant(caller) {
		return nil, ErrNotParticipant
	}
	return sess, nil
}

// ListSessions returns identity's sessions, newest first.
func (s *Service) ListSessions(ctx context.Context, identity string, limit int) ([]*Session, error) {
	return s.store.ListByParticipant(ctx, strings.ToLower(identity), limit)
}

// SubmitPayment asks the ledger to move the fee from the payer to the
// payee. The result arrives later through RecordPaymentResult; the
// session records the pending transfer meanwhile.
func (s *Service) SubmitPayment(ctx context.Context, id, caller string, expectedVersion int64, externalRef string) (sess *Session, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.SubmitPayment", traces.SessionID(id), traces.Identity(caller))
	defer func() { traces.End(span, failure(err)) }()

	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !cur.IsParticipant(caller) {
		return nil, ErrNotParticipant
	}
	if cur.IsFree() {
		return cur, fmt.Errorf("%w: session has no fee", ErrInvalidState)
	}
	if !strings.EqualFold(caller, cur.Payer) {
		return cur, fmt.Errorf("%w: only the payer can pay", ErrNotParticipant)
	}
	switch cur.State {
	case StateVoided:
		return cur, ErrSessionVoided
	case StateActive, StateCompleted:
		return cur, nil
	case StateAwaitingPayment:
	default:
		return cur, ErrInvalidState
	}
	if cur.Version != expectedVersion {
		sessionConflicts.WithLabelValues("pay").Inc()
		return cur, ErrVersionConflict
	}

	t, err := s.payments.Submit(ctx, ledger.SubmitRequest{
		From:        cur.Payer,
		To:          cur.Payee,
		Amount:      cur.Fee,
		Reference:   cur.ID,
		ExternalRef: externalRef,
	})
	if err != nil {
		s.logger.Warn("payment submission failed", "session_id", id, "error", err)
		return s.reread(ctx, cur), err
	}
	if t.Status.IsTerminal() {
		return s.RecordPaymentResult(ctx, t)
	}

	return s.mutate(ctx, id, "pay", func(sess *Session) (*events.SettleEvent, error) {
		switch sess.State {
		case StateVoided:
			return nil, ErrSessionVoided
		case StateAwaitingPayment:
		default:
			return nil, errNoChange
		}
		if sess.PendingTransfer == t.ID {
			return nil, errNoChange
		}
		sess.PendingTransfer = t.ID
		sess.PaymentError = ""
		return nil, nil
	})
}

// RecordPaymentResult applies a terminal transfer to the session it pays
// for. A succeeded transfer that matches the session terms activates it;
// a failed one is recorded and the payer may try again. Once the session
// is voided every result is rejected with ErrSessionVoided.
func (s *Service) RecordPaymentResult(ctx context.Context, t *ledger.Transfer) (sess *Session, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RecordPaymentResult",
		traces.SessionID(t.Reference), traces.Reference(t.ID))
	defer func() { traces.End(span, failure(err)) }()

	if !t.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: transfer %s is still pending", ErrInvalidState, t.ID)
	}

	var mismatch error
	sess, err = s.mutate(ctx, t.Reference, "payment_result", func(sess *Session) (*events.SettleEvent, error) {
		mismatch = nil
		switch sess.State {
		case StateVoided:
			return nil, ErrSessionVoided
		case StateActive, StateCompleted:
			if sess.PaymentRef == t.ID || t.Status == ledger.StatusFailed {
				return nil, errNoChange
			}
			return nil, fmt.Errorf("%w: session already paid by %s", ErrInvalidState, sess.PaymentRef)
		case StateAwaitingPayment:
		default:
			return nil, ErrInvalidState
		}

		if t.Status == ledger.StatusFailed {
			if sess.PendingTransfer != "" && sess.PendingTransfer != t.ID {
				return nil, errNoChange
			}
			sess.PendingTransfer = ""
			sess.PaymentError = t.FailureReason
			if sess.PaymentError == "" {
				sess.PaymentError = "payment failed"
			}
			return nil, nil
		}

		if reason := paymentMismatch(sess, t); reason != "" {
			mismatch = fmt.Errorf("%w: %s", ErrPaymentMismatch, reason)
			sess.PendingTransfer = ""
			sess.PaymentError = reason
			return nil, nil
		}
		sess.State = StateActive
		sess.PaymentRef = t.ID
		sess.PendingTransfer = ""
		sess.PaymentError = ""
		sess.PaymentDeadline = nil
		return nil, nil
	})
	if err != nil {
		return sess, err
	}
	if mismatch != nil {
		return sess, mismatch
	}
	return sess, nil
}

// HandleTransferResult is the ledger's result callback. Results the
// session can never accept are logged and acknowledged; anything else is
// returned so the ledger redelivers.
func (s *Service) HandleTransferResult(ctx context.Context, t *ledger.Transfer) error {
	_, err := s.RecordPaymentResult(ctx, t)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrSessionVoided) && t.Status == ledger.StatusSucceeded:
		s.logger.Error("payment succeeded for a voided session, refund required",
			"session_id", t.Reference, "transfer_id", t.ID, "amount", t.Amount, "payer", t.From)
		return nil
	case errors.Is(err, ErrSessionVoided), errors.Is(err, ErrPaymentMismatch),
		errors.Is(err, ErrInvalidState), errors.Is(err, ErrNotFound):
		s.logger.Warn("payment result rejected",
			"session_id", t.Reference, "transfer_id", t.ID, "status", t.Status, "error", err)
		return nil
	default:
		return err
	}
}

// ConfirmCompletion records that caller considers the exchange done. The
// confirmation that sees both flags set completes the session and queues
// its settle event in the same write.
func (s *Service) ConfirmCompletion(ctx context.Context, id, caller string, expectedVersion int64) (sess *Session, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ConfirmCompletion", traces.SessionID(id), traces.Identity(caller))
	defer func() { traces.End(span, failure(err)) }()

	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	p := cur.participant(caller)
	if p == nil {
		return nil, ErrNotParticipant
	}
	if cur.State == StateVoided {
		return cur, ErrSessionVoided
	}
	if p.Confirmed {
		return cur, ErrAlreadyConfirmed
	}
	if cur.State != StateActive {
		return cur, ErrInvalidState
	}
	if cur.Version != expectedVersion {
		sessionConflicts.WithLabelValues("confirm").Inc()
		return cur, ErrVersionConflict
	}

	now := s.now()
	next := cur.Clone()
	np := next.participant(caller)
	np.Confirmed = true
	np.ConfirmedAt = &now

	var settle *events.SettleEvent
	if next.ParticipantA.Confirmed && next.ParticipantB.Confirmed {
		next.State = StateCompleted
		next.SettledAt = &now
		settle = &events.SettleEvent{
			SessionID:    next.ID,
			MatchID:      next.MatchID,
			ParticipantA: next.ParticipantA.Identity,
			ParticipantB: next.ParticipantB.Identity,
			SettledAt:    now,
		}
	}

	if err := s.write(ctx, "confirm", cur.State, next, expectedVersion, settle); err != nil {
		fresh := s.reread(ctx, cur)
		if errors.Is(err, ErrVersionConflict) {
			if fresh.State == StateVoided {
				return fresh, ErrSessionVoided
			}
			if fp := fresh.participant(caller); fp != nil && fp.Confirmed {
				return fresh, ErrAlreadyConfirmed
			}
		}
		return fresh, err
	}

	if settle != nil {
		s.logger.Info("session completed", "session_id", id, "match_id", next.MatchID)
	}
	return next, nil
}

// VoidSession abandons a session that has not completed. Participants
// may void their own sessions; admin may void any.
func (s *Service) VoidSession(ctx context.Context, id, caller, reason string, admin bool) (sess *Session, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.VoidSession", traces.SessionID(id), traces.Identity(caller))
	defer func() { traces.End(span, failure(err)) }()

	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !admin && !cur.IsParticipant(caller) {
		return nil, ErrNotParticipant
	}
	if reason == "" {
		reason = "voided by participant"
		if admin {
			reason = "voided by admin"
		}
	}

	sess, err = s.mutate(ctx, id, "void", voidWith(reason))
	if err != nil {
		return sess, err
	}
	s.logger.Info("session voided", "session_id", id, "reason", reason, "caller", caller)
	s.releaseMatch(ctx, sess)
	return sess, nil
}

// ExpirePayment voids an awaiting_payment session whose deadline passed
// and reports whether this call did so. Sessions in any other state, or
// still inside the window, are returned unchanged.
func (s *Service) ExpirePayment(ctx context.Context, id string) (*Session, bool, error) {
	now := s.now()
	void := voidWith(reasonPaymentExpired)
	var expired bool
	sess, err := s.mutate(ctx, id, "expire", func(sess *Session) (*events.SettleEvent, error) {
		expired = false
		if sess.State != StateAwaitingPayment || sess.PaymentDeadline == nil || now.Before(*sess.PaymentDeadline) {
			return nil, errNoChange
		}
		settle, err := void(sess)
		expired = err == nil
		return settle, err
	})
	if err != nil {
		return sess, false, err
	}
	if expired {
		s.releaseMatch(ctx, sess)
	}
	return sess, expired, nil
}

func voidWith(reason string) func(*Session) (*events.SettleEvent, error) {
	return func(sess *Session) (*events.SettleEvent, error) {
		switch sess.State {
		case StateVoided:
			return nil, ErrSessionVoided
		case StateCompleted:
			return nil, ErrInvalidState
		}
		sess.State = StateVoided
		sess.VoidReason = reason
		sess.PendingTransfer = ""
		return nil, nil
	}
}

func (s *Service) releaseMatch(ctx context.Context, sess *Session) {
	if err := s.matches.ReleaseMatch(ctx, sess.MatchID); err != nil {
		s.logger.Warn("failed to release match", "session_id", sess.ID, "match_id", sess.MatchID, "error", err)
	}
}

// mutate applies fn to a fresh copy of the session and writes it back,
// retrying version conflicts with a new read. An error from fn aborts
// without writing and is returned with the session as read.
func (s *Service) mutate(ctx context.Context, id, op string, fn func(*Session) (*events.SettleEvent, error)) (*Session, error) {
	var cur *Session
	for attempt := 0; attempt < systemRetries; attempt++ {
		var err error
		cur, err = s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		next := cur.Clone()
		settle, err := fn(next)
		if errors.Is(err, errNoChange) {
			return cur, nil
		}
		if err != nil {
			return cur, err
		}
		err = s.write(ctx, op, cur.State, next, cur.Version, settle)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return cur, err
		}
		return next, nil
	}
	return s.reread(ctx, cur), ErrVersionConflict
}

func (s *Service) write(ctx context.Context, op string, from State, next *Session, expected int64, settle *events.SettleEvent) error {
	next.UpdatedAt = s.now()
	if err := s.store.CompareAndSwap(ctx, next, expected, settle); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			sessionConflicts.WithLabelValues(op).Inc()
		}
		return err
	}
	recordTransition(from, next.State)
	if settle != nil {
		settleEventsQueued.Inc()
		if s.onSettle != nil {
			s.onSettle()
		}
	}
	if s.notifier != nil {
		s.notifier.SessionChanged(ctx, next.Clone())
	}
	return nil
}

// reread returns the stored session, or fallback if it cannot be read.
func (s *Service) reread(ctx context.Context, fallback *Session) *Session {
	if fallback == nil {
		return nil
	}
	fresh, err := s.store.Get(ctx, fallback.ID)
	if err != nil {
		return fallback
	}
	return fresh
}

func paymentMismatch(sess *Session, t *ledger.Transfer) string {
	if !strings.EqualFold(t.From, sess.Payer) {
		return "payment not sent by the payer"
	}
	if !strings.EqualFold(t.To, sess.Payee) {
		return "payment not sent to the payee"
	}
	paid, ok := amount.Parse(t.Amount)
	fee, feeOK := amount.Parse(sess.Fee)
	if !ok || !feeOK || paid.Cmp(fee) < 0 {
		return "payment amount below fee"
	}
	return ""
}

// failure hides benign outcomes from span status.
func failure(err error) error {
	if err == nil || IsBenign(err) {
		return nil
	}
	return err
}
