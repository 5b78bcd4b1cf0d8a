package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/skillxchange/trustforge/internal/amount"
)

// PostgresStore persists transfers in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transfer store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const transferColumns = `id, reference, rail, from_id, to_id, amount, external_ref,
		       status, failure_reason, notified, created_at, updated_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, t *Transfer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transfers (
			id, reference, rail, from_id, to_id, amount, external_ref,
			status, failure_reason, notified, created_at, updated_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(38,18), $7, $8, $9, $10, $11, $12, $13)`,
		t.ID, t.Reference, t.Rail, t.From, t.To, t.Amount, nullString(t.ExternalRef),
		string(t.Status), nullString(t.FailureReason), t.Notified, t.CreatedAt, t.UpdatedAt, nullTime(t.ResolvedAt),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateTransfer
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transfer, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = $1`, id)
	return scanTransferRow(row)
}

func (p *PostgresStore) GetByExternalRef(ctx context.Context, rail, externalRef string) (*Transfer, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+transferColumns+` FROM transfers
		WHERE rail = $1 AND external_ref = $2
		ORDER BY created_at DESC LIMIT 1`, rail, externalRef)
	return scanTransferRow(row)
}

func (p *PostgresStore) Update(ctx context.Context, t *Transfer) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transfers SET
			external_ref = $1, status = $2, failure_reason = $3,
			updated_at = $4, resolved_at = $5
		WHERE id = $6`,
		nullString(t.ExternalRef), string(t.Status), nullString(t.FailureReason),
		t.UpdatedAt, nullTime(t.ResolvedAt), t.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrTransferNotFound
	}
	return nil
}

func (p *PostgresStore) MarkNotified(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `UPDATE transfers SET notified = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrTransferNotFound
	}
	return nil
}

func (p *PostgresStore) LatestByReference(ctx context.Context, reference string) (*Transfer, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+transferColumns+` FROM transfers
		WHERE reference = $1
		ORDER BY created_at DESC, (status <> 'failed') DESC
		LIMIT 1`, reference)
	return scanTransferRow(row)
}

func (p *PostgresStore) ListUnresolved(ctx context.Context, limit int) ([]*Transfer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transferColumns+` FROM transfers
		WHERE status = 'pending' OR NOT notified
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransferRow(s scanner) (*Transfer, error) {
	t, err := scanTransfer(s)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransferNotFound
	}
	return t, err
}

func scanTransfer(s scanner) (*Transfer, error) {
	t := &Transfer{}
	var (
		status               string
		externalRef, failure sql.NullString
		resolvedAt           sql.NullTime
	)
	err := s.Scan(
		&t.ID, &t.Reference, &t.Rail, &t.From, &t.To, &t.Amount, &externalRef,
		&status, &failure, &t.Notified, &t.CreatedAt, &t.UpdatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.ExternalRef = externalRef.String
	t.FailureReason = failure.String
	if resolvedAt.Valid {
		t.ResolvedAt = &resolvedAt.Time
	}
	if v, ok := amount.Normalize(t.Amount); ok {
		t.Amount = v
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
