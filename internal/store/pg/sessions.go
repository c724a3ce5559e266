package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"consentgate.org/internal/access"
)

type sessionStore struct{ db *sql.DB }

const sessionColumns = `id, subject_id, activated_by, activated_at, expires_at, coalesce(justification,''), closed_at, status`

func scanSession(row rowScanner) (access.EmergencySession, error) {
	var (
		sess   access.EmergencySession
		closed sql.NullTime
		status string
	)
	if err := row.Scan(&sess.ID, &sess.SubjectID, &sess.ActivatedBy, &sess.ActivatedAt, &sess.ExpiresAt, &sess.Justification, &closed, &status); err != nil {
		return access.EmergencySession{}, err
	}
	sess.Status = access.SessionStatus(status)
	sess.ActivatedAt = sess.ActivatedAt.UTC()
	sess.ExpiresAt = sess.ExpiresAt.UTC()
	if closed.Valid {
		at := closed.Time.UTC()
		sess.ClosedAt = &at
	}
	return sess, nil
}

func (s sessionStore) Create(ctx context.Context, sess *access.EmergencySession) error {
	_, err := s.db.ExecContext(ctx, `
		insert into emergency_sessions(id, subject_id, activated_by, activated_at, expires_at, status)
		values ($1, $2, $3, $4, $5, $6)
	`, sess.ID, sess.SubjectID, sess.ActivatedBy, sess.ActivatedAt, sess.ExpiresAt, string(sess.Status))
	if _, ok := isUniqueViolation(err); ok {
		return access.ErrAlreadyActive
	}
	return err
}

func (s sessionStore) Find(ctx context.Context, id string) (*access.EmergencySession, error) {
	return s.one(ctx, `select `+sessionColumns+` from emergency_sessions where id=$1`, id)
}

func (s sessionStore) ActiveForSubject(ctx context.Context, subjectID string) (*access.EmergencySession, error) {
	return s.one(ctx, `select `+sessionColumns+` from emergency_sessions where subject_id=$1 and status='active'`, subjectID)
}

func (s sessionStore) one(ctx context.Context, query string, args ...any) (*access.EmergencySession, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, access.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s sessionStore) Close(ctx context.Context, id, justification string, closedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update emergency_sessions
		set status='closed', justification=$2, closed_at=$3
		where id=$1 and status='active'
	`, id, nullIfEmpty(justification), closedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.Find(ctx, id); err != nil {
		return err
	}
	return access.ErrAlreadyClosed
}

func (s sessionStore) ListOverdue(ctx context.Context, now time.Time) ([]access.EmergencySession, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+sessionColumns+`
		from emergency_sessions
		where status='active' and expires_at <= $1
		order by expires_at asc
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []access.EmergencySession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
