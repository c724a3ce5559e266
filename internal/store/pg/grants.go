package pg

import (
	"context"
	"database/sql"
	"errors"

	"consentgate.org/internal/access"
)

type grantStore struct{ db *sql.DB }

const grantColumns = `id, subject_id, grantee_name, grantee_address, level, granted_at`

func scanGrant(row rowScanner) (access.PermissionGrant, error) {
	var (
		g     access.PermissionGrant
		level int
	)
	if err := row.Scan(&g.ID, &g.SubjectID, &g.Grantee.Name, &g.Grantee.Address, &level, &g.GrantedAt); err != nil {
		return access.PermissionGrant{}, err
	}
	g.Level = access.Level(level)
	g.GrantedAt = g.GrantedAt.UTC()
	return g, nil
}

func (s grantStore) Create(ctx context.Context, g *access.PermissionGrant) error {
	_, err := s.db.ExecContext(ctx, `
		insert into grants(id, subject_id, grantee_name, grantee_address, level, granted_at)
		values ($1, $2, $3, $4, $5, $6)
	`, g.ID, g.SubjectID, g.Grantee.Name, g.Grantee.Address, int(g.Level), g.GrantedAt)
	if _, ok := isUniqueViolation(err); ok {
		return access.ErrDuplicateGrant
	}
	return err
}

func (s grantStore) Delete(ctx context.Context, subjectID, grantID string) (*access.PermissionGrant, error) {
	g, err := scanGrant(s.db.QueryRowContext(ctx, `
		delete from grants where id=$1 and subject_id=$2
		returning `+grantColumns, grantID, subjectID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, access.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s grantStore) ListBySubject(ctx context.Context, subjectID string) ([]access.PermissionGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+grantColumns+`
		from grants
		where subject_id=$1
		order by granted_at asc, id asc
	`, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []access.PermissionGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s grantStore) FindForGrantee(ctx context.Context, subjectID, address string) (*access.PermissionGrant, error) {
	g, err := scanGrant(s.db.QueryRowContext(ctx, `
		select `+grantColumns+`
		from grants
		where subject_id=$1 and lower(grantee_address)=lower(trim($2))
	`, subjectID, address))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, access.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}
