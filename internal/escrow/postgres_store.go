package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/skillxchange/trustforge/internal/amount"
	"github.com/skillxchange/trustforge/internal/events"
)

// PostgresStore persists sessions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed session store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sessionColumns = `id, match_id, participant_a, a_confirmed, a_confirmed_at,
		       participant_b, b_confirmed, b_confirmed_at,
		       fee, payer, payee, state, version,
		       payment_ref, pending_transfer, payment_error, session_link,
		       payment_deadline, void_reason, created_at, updated_at, settled_at`

func (p *PostgresStore) Create(ctx context.Context, s *Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, match_id, participant_a, a_confirmed, a_confirmed_at,
			participant_b, b_confirmed, b_confirmed_at,
			fee, payer, payee, state, version,
			payment_ref, pending_transfer, payment_error, session_link,
			payment_deadline, void_reason, created_at, updated_at, settled_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			$9::NUMERIC(38,18), $10, $11, $12, $13,
			$14, $15, $16, $17,
			$18, $19, $20, $21, $22
		)`,
		s.ID, s.MatchID,
		s.ParticipantA.Identity, s.ParticipantA.Confirmed, nullTime(s.ParticipantA.ConfirmedAt),
		s.ParticipantB.Identity, s.ParticipantB.Confirmed, nullTime(s.ParticipantB.ConfirmedAt),
		s.Fee, nullString(s.Payer), nullString(s.Payee), string(s.State), s.Version,
		nullString(s.PaymentRef), nullString(s.PendingTransfer), nullString(s.PaymentError), nullString(s.SessionLink),
		nullTime(s.PaymentDeadline), nullString(s.VoidReason), s.CreatedAt, s.UpdatedAt, nullTime(s.SettledAt),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return errSessionExists
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanSessionRow(row)
}

func (p *PostgresStore) GetByMatch(ctx context.Context, matchID string) (*Session, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE match_id = $1`, matchID)
	return scanSessionRow(row)
}

// CompareAndSwap updates the row only at the expected version; the outbox
// insert shares the transaction.
func (p *PostgresStore) CompareAndSwap(ctx context.Context, s *Session, expected int64, settle *events.SettleEvent) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE sessions SET
			a_confirmed = $1, a_confirmed_at = $2,
			b_confirmed = $3, b_confirmed_at = $4,
			state = $5, version = version + 1,
			payment_ref = $6, pending_transfer = $7, payment_error = $8,
			payment_deadline = $9, void_reason = $10, updated_at = $11, settled_at = $12
		WHERE id = $13 AND version = $14`,
		s.ParticipantA.Confirmed, nullTime(s.ParticipantA.ConfirmedAt),
		s.ParticipantB.Confirmed, nullTime(s.ParticipantB.ConfirmedAt),
		string(s.State),
		nullString(s.PaymentRef), nullString(s.PendingTransfer), nullString(s.PaymentError),
		nullTime(s.PaymentDeadline), nullString(s.VoidReason), s.UpdatedAt, nullTime(s.SettledAt),
		s.ID, expected,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM sessions WHERE id = $1)`, s.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}

	if settle != nil {
		payload, err := json.Marshal(settle)
		if err != nil {
			return fmt.Errorf("encode settle event: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO settle_outbox (session_id, payload, created_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (session_id) DO NOTHING`,
			settle.SessionID, payload, settle.SettledAt,
		); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.Version = expected + 1
	return nil
}

func (p *PostgresStore) ListByParticipant(ctx context.Context, identity string, limit int) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE participant_a = $1 OR participant_b = $1
		ORDER BY created_at DESC
		LIMIT $2`, identity, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSessions(rows)
}

func (p *PostgresStore) ListPaymentExpired(ctx context.Context, before time.Time, limit int) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE state = 'awaiting_payment'
		  AND payment_deadline < $1
		ORDER BY created_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSessions(rows)
}

func (p *PostgresStore) ListStuckLocked(ctx context.Context, before time.Time, limit int) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE state = 'locked'
		  AND updated_at < $1
		ORDER BY created_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSessions(rows)
}

func (p *PostgresStore) PendingSettlements(ctx context.Context, limit int) ([]events.SettleEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT payload FROM settle_outbox
		WHERE dispatched_at IS NULL
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []events.SettleEvent
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var ev events.SettleEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode settle event: %w", err)
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

func (p *PostgresStore) MarkSettlementDispatched(ctx context.Context, sessionID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE settle_outbox SET dispatched_at = NOW()
		WHERE session_id = $1`, sessionID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(sc scanner) (*Session, error) {
	s := &Session{}
	var (
		aConfirmedAt    sql.NullTime
		bConfirmedAt    sql.NullTime
		payer           sql.NullString
		payee           sql.NullString
		state           string
		paymentRef      sql.NullString
		pendingTransfer sql.NullString
		paymentError    sql.NullString
		sessionLink     sql.NullString
		paymentDeadline sql.NullTime
		voidReason      sql.NullString
		settledAt       sql.NullTime
	)

	err := sc.Scan(
		&s.ID, &s.MatchID,
		&s.ParticipantA.Identity, &s.ParticipantA.Confirmed, &aConfirmedAt,
		&s.ParticipantB.Identity, &s.ParticipantB.Confirmed, &bConfirmedAt,
		&s.Fee, &payer, &payee, &state, &s.Version,
		&paymentRef, &pendingTransfer, &paymentError, &sessionLink,
		&paymentDeadline, &voidReason, &s.CreatedAt, &s.UpdatedAt, &settledAt,
	)
	if err != nil {
		return nil, err
	}

	if fee, ok := amount.Normalize(s.Fee); ok {
		s.Fee = fee
	}
	s.State = State(state)
	s.Payer = payer.String
	s.Payee = payee.String
	s.PaymentRef = paymentRef.String
	s.PendingTransfer = pendingTransfer.String
	s.PaymentError = paymentError.String
	s.SessionLink = sessionLink.String
	s.VoidReason = voidReason.String
	if aConfirmedAt.Valid {
		s.ParticipantA.ConfirmedAt = &aConfirmedAt.Time
	}
	if bConfirmedAt.Valid {
		s.ParticipantB.ConfirmedAt = &bConfirmedAt.Time
	}
	if paymentDeadline.Valid {
		s.PaymentDeadline = &paymentDeadline.Time
	}
	if settledAt.Valid {
		s.SettledAt = &settledAt.Time
	}

	return s, nil
}

func scanSessionRow(row *sql.Row) (*Session, error) {
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

func scanSessions(rows *sql.Rows) ([]*Session, error) {
	var result []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
