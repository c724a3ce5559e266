package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"consentgate.org/internal/access"
)

type auditStore struct{ db *sql.DB }

// auditLockKey serialises appends so seq and occurred_at advance together.
const auditLockKey = 0x6175646974

func (s auditStore) Append(ctx context.Context, e *access.AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock($1)`, auditLockKey); err != nil {
		return err
	}
	var (
		seq int64
		at  time.Time
	)
	if err := tx.QueryRowContext(ctx, `
		insert into audit_log(id, occurred_at, actor, subject_id, action, context_ref, details)
		values ($1, greatest($2::timestamptz, (select occurred_at from audit_log order by seq desc limit 1)), $3, $4, $5, $6, $7)
		returning seq, occurred_at
	`, e.ID, e.OccurredAt, e.Actor, e.SubjectID, string(e.Action), e.ContextRef, e.Details).Scan(&seq, &at); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Seq = uint64(seq)
	e.OccurredAt = at.UTC()
	return nil
}

func (s auditStore) Query(ctx context.Context, f access.AuditFilter) ([]access.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	add("seq > $%d", f.AfterSeq)
	if f.SubjectID != "" {
		add("subject_id = $%d", f.SubjectID)
	}
	if f.Actor != "" {
		add("actor = $%d", f.Actor)
	}
	if len(f.Actions) > 0 {
		actions := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			actions[i] = string(a)
		}
		add("action = any($%d)", actions)
	}
	if !f.Since.IsZero() {
		add("occurred_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("occurred_at < $%d", f.Until)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		select seq, id, occurred_at, actor, subject_id, action, context_ref, details
		from audit_log
		where %s
		order by seq asc
		limit $%d`, strings.Join(where, " and "), len(args))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []access.AuditEntry
	for rows.Next() {
		var (
			e      access.AuditEntry
			action string
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.OccurredAt, &e.Actor, &e.SubjectID, &action, &e.ContextRef, &e.Details); err != nil {
			return nil, err
		}
		e.Action = access.Action(action)
		e.OccurredAt = e.OccurredAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
