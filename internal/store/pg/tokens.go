package pg

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"consentgate.org/internal/access"
)

type tokenStore struct{ db *sql.DB }

const tokenColumns = `id, subject_id, code_hash, level, issued_at, expires_at, status`

func scanToken(row rowScanner) (access.AccessToken, error) {
	var (
		t      access.AccessToken
		level  int
		status string
	)
	if err := row.Scan(&t.ID, &t.SubjectID, &t.CodeHash, &level, &t.IssuedAt, &t.ExpiresAt, &status); err != nil {
		return access.AccessToken{}, err
	}
	t.Level = access.Level(level)
	t.Status = access.TokenStatus(status)
	t.IssuedAt = t.IssuedAt.UTC()
	t.ExpiresAt = t.ExpiresAt.UTC()
	return t, nil
}

func (s tokenStore) Supersede(ctx context.Context, tok *access.AccessToken) ([]string, []access.AccessToken, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// Serialise issuance per subject so the updates below see every Active row.
	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock(hashtext($1))`, tok.SubjectID); err != nil {
		return nil, nil, err
	}

	rows, err := tx.QueryContext(ctx, `
		update access_tokens set status='expired'
		where subject_id=$1 and status='active' and expires_at <= $2
		returning `+tokenColumns, tok.SubjectID, tok.IssuedAt)
	if err != nil {
		return nil, nil, err
	}
	var expired []access.AccessToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			rows.Close()
			return nil, nil, err
		}
		expired = append(expired, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	rows, err = tx.QueryContext(ctx, `
		update access_tokens set status='revoked'
		where subject_id=$1 and status='active' and expires_at > $2
		returning id
	`, tok.SubjectID, tok.IssuedAt)
	if err != nil {
		return nil, nil, err
	}
	var revoked []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, nil, err
		}
		revoked = append(revoked, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		insert into access_tokens(id, subject_id, code_hash, level, issued_at, expires_at, status)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, tok.ID, tok.SubjectID, tok.CodeHash, int(tok.Level), tok.IssuedAt, tok.ExpiresAt, string(tok.Status)); err != nil {
		if _, ok := isUniqueViolation(err); ok {
			return nil, nil, access.ErrInvalidInput
		}
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	sort.Strings(revoked)
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return revoked, expired, nil
}

func (s tokenStore) FindByCodeHash(ctx context.Context, codeHash string) (*access.AccessToken, error) {
	t, err := scanToken(s.db.QueryRowContext(ctx, `select `+tokenColumns+` from access_tokens where code_hash=$1`, codeHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, access.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s tokenStore) CurrentForSubject(ctx context.Context, subjectID string) (*access.AccessToken, error) {
	t, err := scanToken(s.db.QueryRowContext(ctx, `
		select `+tokenColumns+` from access_tokens where subject_id=$1 and status='active'
	`, subjectID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, access.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s tokenStore) MarkExpired(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `update access_tokens set status='expired' where id=$1 and status='active'`, id)
	if err != nil {
		return false, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n == 1 {
		return true, nil
	}
	return false, s.exists(ctx, `select 1 from access_tokens where id=$1`, id)
}

func (s tokenStore) Revoke(ctx context.Context, subjectID, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update access_tokens set status='revoked'
		where id=$1 and subject_id=$2 and status='active'
	`, id, subjectID)
	if err != nil {
		return false, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n == 1 {
		return true, nil
	}
	return false, s.exists(ctx, `select 1 from access_tokens where id=$1 and subject_id=$2`, id, subjectID)
}

func (s tokenStore) exists(ctx context.Context, query string, args ...any) error {
	var one int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return access.ErrNotFound
	}
	return err
}

func (s tokenStore) ExpireBefore(ctx context.Context, now time.Time) ([]access.AccessToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		update access_tokens set status='expired'
		where status='active' and expires_at <= $1
		returning `+tokenColumns, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []access.AccessToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
