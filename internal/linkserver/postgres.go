package linkserver

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/sundayezeilo/shorty/internal/errx"
)

//go:embed schema.sql
var schema string

// dbtx is the subset of *pgxpool.Pool the store uses.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists users and links in PostgreSQL.
type PostgresStore struct {
	db dbtx
}

// NewPostgresStore returns a store over db, typically a *pgxpool.Pool.
func NewPostgresStore(db dbtx) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const op = "linkserver.PostgresStore.Migrate"

	if _, err := s.db.Exec(ctx, schema); err != nil {
		return errx.E(op, errx.Unavailable, fmt.Errorf("apply schema: %w", err))
	}
	return nil
}

const linkColumns = "id, user_id, original_url, code, clicks, created_at, expires_at"

func scanLink(row pgx.Row) (Link, error) {
	var (
		l       Link
		expires pgtype.Timestamptz
	)
	if err := row.Scan(&l.ID, &l.UserID, &l.OriginalURL, &l.Code, &l.Clicks, &l.CreatedAt, &expires); err != nil {
		return Link{}, err
	}
	l.ExpiresAt = timePtr(expires)
	return l, nil
}

func timePtr(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time
	return &t
}

func timestamptz(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func createdAt(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func (s *PostgresStore) CreateUser(ctx context.Context, username string, passwordHash []byte) (User, error) {
	const op = "linkserver.PostgresStore.CreateUser"

	var u User
	err := s.db.QueryRow(ctx,
		`INSERT INTO users (username, password_hash) VALUES ($1, $2)
		 RETURNING id, username, password_hash, created_at`,
		username, passwordHash,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		return User{}, mapStoreError(op, err)
	}
	return u, nil
}

func (s *PostgresStore) UserByUsername(ctx context.Context, username string) (User, error) {
	const op = "linkserver.PostgresStore.UserByUsername"

	var u User
	err := s.db.QueryRow(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE username = $1`,
		username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		return User{}, mapStoreError(op, err)
	}
	return u, nil
}

func (s *PostgresStore) CreateLink(ctx context.Context, link Link) (Link, error) {
	const op = "linkserver.PostgresStore.CreateLink"

	created, err := scanLink(s.db.QueryRow(ctx,
		`INSERT INTO links (user_id, original_url, code, created_at, expires_at)
		 VALUES ($1, $2, $3, COALESCE($4, now()), $5)
		 RETURNING `+linkColumns,
		link.UserID, link.OriginalURL, link.Code, createdAt(link.CreatedAt), timestamptz(link.ExpiresAt),
	))
	if err != nil {
		return Link{}, mapStoreError(op, err)
	}
	return created, nil
}

func (s *PostgresStore) LinkByCode(ctx context.Context, code string) (Link, error) {
	const op = "linkserver.PostgresStore.LinkByCode"

	l, err := scanLink(s.db.QueryRow(ctx, `SELECT `+linkColumns+` FROM links WHERE code = $1`, code))
	if err != nil {
		return Link{}, mapStoreError(op, err)
	}
	return l, nil
}

func (s *PostgresStore) ActiveLinkByURL(ctx context.Context, userID int64, originalURL string, now time.Time) (Link, error) {
	const op = "linkserver.PostgresStore.ActiveLinkByURL"

	l, err := scanLink(s.db.QueryRow(ctx,
		`SELECT `+linkColumns+` FROM links
		 WHERE user_id = $1 AND original_url = $2 AND (expires_at IS NULL OR expires_at >= $3)
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		userID, originalURL, now,
	))
	if err != nil {
		return Link{}, mapStoreError(op, err)
	}
	return l, nil
}

func (s *PostgresStore) LinksByUser(ctx context.Context, userID int64) ([]Link, error) {
	const op = "linkserver.PostgresStore.LinksByUser"

	rows, err := s.db.Query(ctx,
		`SELECT `+linkColumns+` FROM links WHERE user_id = $1 ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, mapStoreError(op, err)
	}
	defer rows.Close()

	links := make([]Link, 0)
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, mapStoreError(op, err)
		}
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreError(op, err)
	}
	return links, nil
}

func (s *PostgresStore) CountLinksSince(ctx context.Context, userID int64, since time.Time) (int, error) {
	const op = "linkserver.PostgresStore.CountLinksSince"

	var n int
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM links WHERE user_id = $1 AND created_at >= $2`,
		userID, since,
	).Scan(&n)
	if err != nil {
		return 0, mapStoreError(op, err)
	}
	return n, nil
}

func (s *PostgresStore) TrackClick(ctx context.Context, code string) error {
	const op = "linkserver.PostgresStore.TrackClick"

	tag, err := s.db.Exec(ctx, `UPDATE links SET clicks = clicks + 1 WHERE code = $1`, code)
	if err != nil {
		return mapStoreError(op, err)
	}
	if tag.RowsAffected() == 0 {
		return errx.E(op, errx.NotFound, errors.New("link not found"))
	}
	return nil
}

func (s *PostgresStore) DeleteLink(ctx context.Context, userID, id int64) error {
	const op = "linkserver.PostgresStore.DeleteLink"

	tag, err := s.db.Exec(ctx, `DELETE FROM links WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return mapStoreError(op, err)
	}
	if tag.RowsAffected() == 0 {
		return errx.E(op, errx.NotFound, errors.New("link not found"))
	}
	return nil
}
