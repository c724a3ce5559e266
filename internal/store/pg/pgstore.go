package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"consentgate.org/internal/access"
	"consentgate.org/internal/auth"
)

const pgErrUniqueViolation = "23505"

// Store persists the access core in PostgreSQL. Uniqueness of the Active
// token and session per subject is enforced by partial unique indexes.
type Store struct {
	db *sql.DB
}

var (
	_ access.Store         = (*Store)(nil)
	_ auth.CredentialStore = (*Store)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Grants(context.Context) access.GrantStore     { return grantStore{s.db} }
func (s *Store) Tokens(context.Context) access.TokenStore     { return tokenStore{s.db} }
func (s *Store) Sessions(context.Context) access.SessionStore { return sessionStore{s.db} }
func (s *Store) Audit(context.Context) access.AuditStore      { return auditStore{s.db} }

// PasswordHash returns the bcrypt hash registered for an actor.
func (s *Store) PasswordHash(ctx context.Context, actorID string) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `select password_hash from actors where id=$1`, strings.TrimSpace(actorID)).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", auth.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return hash, nil
}

// SetPassword creates or replaces an actor's credential.
func (s *Store) SetPassword(ctx context.Context, actorID, password string) error {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into actors(id, password_hash) values ($1, $2)
		on conflict (id) do update set password_hash = excluded.password_hash, updated_at = now()
	`, strings.TrimSpace(actorID), hash)
	return err
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func isUniqueViolation(err error) (string, bool) {
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

type rowScanner interface {
	Scan(dest ...any) error
}
