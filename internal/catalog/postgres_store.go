package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/skillxchange/trustforge/internal/amount"
)

// PostgresStore persists listings and matches in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed catalog store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const listingColumns = `id, owner_id, title, category, level, mode, locality,
		       duration, description, fee, session_link, superseded_by, created_at`

const matchColumns = `id, skill_a, skill_b, score, rationale, proposed_at, released_at`

func (p *PostgresStore) CreateListing(ctx context.Context, l *Listing) error {
	return insertListing(ctx, p.db, l)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertListing(ctx context.Context, db execer, l *Listing) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO listings (
			id, owner_id, title, category, level, mode, locality,
			duration, description, fee, session_link, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::NUMERIC(38,18), $11, $12)`,
		l.ID, l.Owner, l.Title, l.Category, string(l.Level), string(l.Mode), string(l.Locality),
		l.Duration, l.Description, l.Fee, nullString(l.SessionLink), l.CreatedAt,
	)
	return err
}

func (p *PostgresStore) GetListing(ctx context.Context, id string) (*Listing, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	l, err := scanListing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrListingNotFound
	}
	return l, err
}

func (p *PostgresStore) ListByOwner(ctx context.Context, owner string, includeSuperseded bool) ([]*Listing, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+listingColumns+`
		FROM listings
		WHERE owner_id = $1 AND ($2 OR superseded_by IS NULL)
		ORDER BY created_at DESC`, owner, includeSuperseded)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SupersedeListing(ctx context.Context, oldID string, next *Listing) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertListing(ctx, tx, next); err != nil {
		return fmt.Errorf("insert successor: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE listings SET superseded_by = $1
		WHERE id = $2 AND superseded_by IS NULL`, next.ID, oldID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM listings WHERE id = $1)`, oldID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrListingNotFound
		}
		return ErrSuperseded
	}
	return tx.Commit()
}

func (p *PostgresStore) CreateMatch(ctx context.Context, m *Match) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO matches (id, skill_a, skill_b, score, rationale, proposed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.SkillA, m.SkillB, m.Score, m.Rationale, m.ProposedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrMatchExists
		}
		return err
	}
	return nil
}

func (p *PostgresStore) GetMatch(ctx context.Context, id string) (*Match, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+matchColumns+` FROM matches WHERE id = $1`, id)
	m, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMatchNotFound
	}
	return m, err
}

func (p *PostgresStore) ListMatchesForListing(ctx context.Context, listingID string) ([]*Match, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+matchColumns+`
		FROM matches
		WHERE skill_a = $1 OR skill_b = $1
		ORDER BY score DESC`, listingID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ReleaseMatch(ctx context.Context, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE matches SET released_at = COALESCE(released_at, $1)
		WHERE id = $2`, at, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMatchNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanListing(s scanner) (*Listing, error) {
	l := &Listing{}
	var (
		level, mode, locality string
		link, supersededBy    sql.NullString
	)
	err := s.Scan(
		&l.ID, &l.Owner, &l.Title, &l.Category, &level, &mode, &locality,
		&l.Duration, &l.Description, &l.Fee, &link, &supersededBy, &l.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.Level = Level(level)
	l.Mode = Mode(mode)
	l.Locality = Locality(locality)
	l.SessionLink = link.String
	l.SupersededBy = supersededBy.String
	if fee, ok := amount.Normalize(l.Fee); ok {
		l.Fee = fee
	}
	return l, nil
}

func scanMatch(s scanner) (*Match, error) {
	m := &Match{}
	var released sql.NullTime
	if err := s.Scan(&m.ID, &m.SkillA, &m.SkillB, &m.Score, &m.Rationale, &m.ProposedAt, &released); err != nil {
		return nil, err
	}
	if released.Valid {
		m.ReleasedAt = &released.Time
	}
	return m, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
