package reputation

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"
)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed reputation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const profileColumns = `identity, score, tier, activity_score, diversity_score, age_score, recency_score,
		       sessions_completed, unique_partners, first_seen, last_active, calculated_at`

// RecordSettlement claims the session id first; a conflict means another
// delivery already applied it. Participants are locked in identity order so
// concurrent settlements sharing a participant cannot deadlock.
func (p *PostgresStore) RecordSettlement(ctx context.Context, s *Settlement, rescore func(string, Metrics) *Profile) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO reputation_settlements (session_id, participant_a, participant_b, settled_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO NOTHING`,
		s.SessionID, strings.ToLower(s.ParticipantA), strings.ToLower(s.ParticipantB), s.SettledAt)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	a, b := strings.ToLower(s.ParticipantA), strings.ToLower(s.ParticipantB)
	pairs := [][2]string{{a, b}, {b, a}}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i][0] < pairs[j][0] })

	for _, pair := range pairs {
		self, partner := pair[0], pair[1]

		// A first settlement has no row to lock; create it so concurrent
		// first settlements queue on the same row.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reputation_profiles (identity) VALUES ($1)
			ON CONFLICT (identity) DO NOTHING`, self); err != nil {
			return false, err
		}

		var met Metrics
		var firstSeen, lastActive sql.NullTime
		err := tx.QueryRowContext(ctx, `
			SELECT sessions_completed, unique_partners, first_seen, last_active
			FROM reputation_profiles WHERE identity = $1 FOR UPDATE`, self,
		).Scan(&met.SessionsCompleted, &met.UniquePartners, &firstSeen, &lastActive)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return false, err
		}
		met.FirstSeen = firstSeen.Time
		met.LastActive = lastActive.Time

		res, err := tx.ExecContext(ctx, `
			INSERT INTO reputation_partners (identity, partner, first_session_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (identity, partner) DO NOTHING`, self, partner, s.SessionID)
		if err != nil {
			return false, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			met.UniquePartners++
		}
		met.SessionsCompleted++
		if met.FirstSeen.IsZero() || s.SettledAt.Before(met.FirstSeen) {
			met.FirstSeen = s.SettledAt
		}
		if s.SettledAt.After(met.LastActive) {
			met.LastActive = s.SettledAt
		}

		if err := upsertProfile(ctx, tx, rescore(self, met)); err != nil {
			return false, err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reputation_credentials (id, session_id, identity, partner, issued_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (session_id, identity) DO NOTHING`,
			CredentialID(s.SessionID, self), s.SessionID, self, partner, s.SettledAt,
		); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertProfile(ctx context.Context, db execer, pr *Profile) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO reputation_profiles (
			identity, score, tier, activity_score, diversity_score, age_score, recency_score,
			sessions_completed, unique_partners, first_seen, last_active, calculated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (identity) DO UPDATE SET
			score = EXCLUDED.score,
			tier = EXCLUDED.tier,
			activity_score = EXCLUDED.activity_score,
			diversity_score = EXCLUDED.diversity_score,
			age_score = EXCLUDED.age_score,
			recency_score = EXCLUDED.recency_score,
			sessions_completed = EXCLUDED.sessions_completed,
			unique_partners = EXCLUDED.unique_partners,
			first_seen = EXCLUDED.first_seen,
			last_active = EXCLUDED.last_active,
			calculated_at = EXCLUDED.calculated_at`,
		strings.ToLower(pr.Identity), pr.Score, string(pr.Tier),
		pr.Components.ActivityScore, pr.Components.DiversityScore, pr.Components.AgeScore, pr.Components.RecencyScore,
		pr.Metrics.SessionsCompleted, pr.Metrics.UniquePartners,
		nullTime(pr.Metrics.FirstSeen), nullTime(pr.Metrics.LastActive), pr.CalculatedAt,
	)
	return err
}

func (p *PostgresStore) Profile(ctx context.Context, identity string) (*Profile, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM reputation_profiles WHERE identity = $1`, strings.ToLower(identity))
	pr, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return pr, err
}

func (p *PostgresStore) ListProfiles(ctx context.Context, after string, limit int) ([]*Profile, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+profileColumns+` FROM reputation_profiles
		WHERE identity > $1
		ORDER BY identity
		LIMIT $2`, after, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Profile
	for rows.Next() {
		pr, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveScores(ctx context.Context, profiles []*Profile) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO reputation_snapshots
			(identity, score, tier, activity_score, diversity_score, age_score, recency_score,
			 sessions_completed, unique_partners, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, pr := range profiles {
		// Only the score columns move; metrics belong to RecordSettlement.
		if _, err := tx.ExecContext(ctx, `
			UPDATE reputation_profiles SET
				score = $2, tier = $3, activity_score = $4, diversity_score = $5,
				age_score = $6, recency_score = $7, calculated_at = $8
			WHERE identity = $1`,
			strings.ToLower(pr.Identity), pr.Score, string(pr.Tier),
			pr.Components.ActivityScore, pr.Components.DiversityScore,
			pr.Components.AgeScore, pr.Components.RecencyScore, pr.CalculatedAt,
		); err != nil {
			return err
		}
		s := SnapshotFromProfile(pr)
		if _, err := stmt.ExecContext(ctx, strings.ToLower(s.Identity),
			s.Score, string(s.Tier),
			s.ActivityScore, s.DiversityScore, s.AgeScore, s.RecencyScore,
			s.SessionsCompleted, s.UniquePartners, s.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) Credentials(ctx context.Context, identity string, limit int) ([]*Credential, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, session_id, identity, partner, issued_at
		FROM reputation_credentials
		WHERE identity = $1
		ORDER BY issued_at DESC
		LIMIT $2`, strings.ToLower(identity), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Credential
	for rows.Next() {
		c := &Credential{}
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Identity, &c.Partner, &c.IssuedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) History(ctx context.Context, q HistoryQuery) ([]*Snapshot, error) {
	query := `
		SELECT id, identity, score, tier,
			   activity_score, diversity_score, age_score, recency_score,
			   sessions_completed, unique_partners, created_at
		FROM reputation_snapshots
		WHERE identity = $1`

	args := []any{strings.ToLower(q.Identity)}
	argIdx := 2

	if !q.From.IsZero() {
		query += " AND created_at >= $" + strconv.Itoa(argIdx)
		args = append(args, q.From)
		argIdx++
	}
	if !q.To.IsZero() {
		query += " AND created_at <= $" + strconv.Itoa(argIdx)
		args = append(args, q.To)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT $" + strconv.Itoa(argIdx)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Snapshot
	for rows.Next() {
		s := &Snapshot{}
		var tier string
		if err := rows.Scan(&s.ID, &s.Identity, &s.Score, &tier,
			&s.ActivityScore, &s.DiversityScore, &s.AgeScore, &s.RecencyScore,
			&s.SessionsCompleted, &s.UniquePartners, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.Tier = Tier(tier)
		out = append(out, s)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(s scanner) (*Profile, error) {
	pr := &Profile{}
	var tier string
	var firstSeen, lastActive sql.NullTime
	err := s.Scan(&pr.Identity, &pr.Score, &tier,
		&pr.Components.ActivityScore, &pr.Components.DiversityScore,
		&pr.Components.AgeScore, &pr.Components.RecencyScore,
		&pr.Metrics.SessionsCompleted, &pr.Metrics.UniquePartners,
		&firstSeen, &lastActive, &pr.CalculatedAt)
	if err != nil {
		return nil, err
	}
	pr.Tier = Tier(tier)
	pr.Metrics.FirstSeen = firstSeen.Time
	pr.Metrics.LastActive = lastActive.Time
	return pr, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
