// Package escrow coordinates a skill exchange between two parties.
//
// Flow:
//  1. A participant locks a proposed match → session created (locked)
//  2. Free exchange → active at once; paid exchange → awaiting_payment
//  3. Payer pays through the ledger; a succeeded transfer → active
//  4. Each participant confirms completion; the second confirmation
//     completes the session and queues one settle event in the same write
//  5. No payment before the deadline, or an explicit void → voided and the
//     match is released for re-proposal
package escrow

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrNotParticipant   = errors.New("caller is not a participant")
	ErrAlreadyLocked    = errors.New("match already locked")
	ErrAlreadyConfirmed = errors.New("participant already confirmed")
	ErrVersionConflict  = errors.New("session version conflict")
	ErrSessionVoided    = errors.New("session voided")
	ErrNotFound         = errors.New("session not found")
	ErrInvalidState     = errors.New("invalid session state for this operation")
	ErrPaymentMismatch  = errors.New("payment does not match session terms")

	// errSessionExists is the store's unique match id violation.
	errSessionExists = errors.New("session exists for match")
)

// IsBenign reports whether err is an idempotency outcome that carries the
// current session rather than a failure.
func IsBenign(err error) bool {
	return errors.Is(err, ErrAlreadyLocked) || errors.Is(err, ErrAlreadyConfirmed)
}

// State of a session.
type State string

const (
	StateLocked          State = "locked"
	StateAwaitingPayment State = "awaiting_payment"
	StateActive          State = "active"
	StateCompleted       State = "completed"
	StateVoided          State = "voided"
)

// IsTerminal returns true if no further mutation is possible.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateVoided
}

// Participant is one side of a session.
type Participant struct {
	Identity    string     `json:"identity"`
	Confirmed   bool       `json:"confirmed"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
}

// Session is one locked exchange.
type Session struct {
	ID              string      `json:"id"`
	MatchID         string      `json:"matchId"`
	ParticipantA    Participant `json:"participantA"`
	ParticipantB    Participant `json:"participantB"`
	Fee             string      `json:"fee"`
	Payer           string      `json:"payer,omitempty"`
	Payee           string      `json:"payee,omitempty"`
	State           State       `json:"state"`
	Version         int64       `json:"version"`
	PaymentRef      string      `json:"paymentRef,omitempty"`
	PendingTransfer string      `json:"pendingTransfer,omitempty"`
	PaymentError    string      `json:"paymentError,omitempty"`
	SessionLink     string      `json:"sessionLink,omitempty"`
	PaymentDeadline *time.Time  `json:"paymentDeadline,omitempty"`
	VoidReason      string      `json:"voidReason,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
	SettledAt       *time.Time  `json:"settledAt,omitempty"`
}

// IsFree reports whether the exchange has no payment step.
func (s *Session) IsFree() bool {
	return s.Payer == ""
}

// IsParticipant reports whether identity is side A or B.
func (s *Session) IsParticipant(identity string) bool {
	return s.participant(identity) != nil
}

func (s *Session) participant(identity string) *Participant {
	switch {
	case identity == "":
		return nil
	case strings.EqualFold(identity, s.ParticipantA.Identity):
		return &s.ParticipantA
	case strings.EqualFold(identity, s.ParticipantB.Identity):
		return &s.ParticipantB
	}
	return nil
}

// PaymentStatus summarizes the payment step for clients.
func (s *Session) PaymentStatus() string {
	switch {
	case s.IsFree():
		return "not_required"
	case s.PaymentRef != "":
		return "paid"
	case s.PendingTransfer != "":
		return "pending"
	case s.PaymentError != "":
		return "failed"
	}
	return "unpaid"
}

// AccessReleased reports whether the session link may be shown.
func (s *Session) AccessReleased() bool {
	return s.State == StateActive || s.State == StateCompleted
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	cp := *s
	cp.ParticipantA.ConfirmedAt = copyTime(s.ParticipantA.ConfirmedAt)
	cp.ParticipantB.ConfirmedAt = copyTime(s.ParticipantB.ConfirmedAt)
	cp.PaymentDeadline = copyTime(s.PaymentDeadline)
	cp.SettledAt = copyTime(s.SettledAt)
	return &cp
}

// View is the projection returned to clients.
type View struct {
	*Session
	PaymentStatus string `json:"paymentStatus"`
}

// ViewFor projects the session for viewer. The link stays hidden until
// access is released.
func (s *Session) ViewFor(viewer string) *View {
	cp := s.Clone()
	if !cp.AccessReleased() || !cp.IsParticipant(viewer) {
		cp.SessionLink = ""
	}
	return &View{Session: cp, PaymentStatus: cp.PaymentStatus()}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
