package access

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"consentgate.org/internal/ids"
)

// GrantRegistry owns standing grants. Grants never expire on their own.
type GrantRegistry struct {
	store Store
	log   *AuditLog
	clock Clock
}

func NewGrantRegistry(store Store, log *AuditLog, clock Clock) *GrantRegistry {
	return &GrantRegistry{store: store, log: log, clock: clock}
}

// Grant records a standing grant from subjectID to grantee at level.
func (r *GrantRegistry) Grant(ctx context.Context, subjectID string, grantee Grantee, level Level) (PermissionGrant, error) {
	subjectID = strings.TrimSpace(subjectID)
	grantee.Address = strings.TrimSpace(grantee.Address)
	grantee.Name = strings.TrimSpace(grantee.Name)
	if subjectID == "" || grantee.Address == "" {
		return PermissionGrant{}, fmt.Errorf("%w: subject and grantee address are required", ErrInvalidInput)
	}
	if !level.Valid() {
		return PermissionGrant{}, fmt.Errorf("%w: invalid level", ErrInvalidInput)
	}
	if grantee.Name == "" {
		grantee.Name = grantee.Address
	}

	now := r.clock.Now().UTC()
	g := PermissionGrant{
		ID:        ids.NewAt(now),
		SubjectID: subjectID,
		Grantee:   grantee,
		Level:     level,
		GrantedAt: now,
	}
	if err := r.store.Grants(ctx).Create(ctx, &g); err != nil {
		return PermissionGrant{}, err
	}
	if _, err := r.log.Append(ctx, AuditEntry{
		Actor:      subjectID,
		SubjectID:  subjectID,
		Action:     ActionGrant,
		ContextRef: g.ID,
		Details:    fmt.Sprintf("grantee=%s level=%s", grantee.Address, level),
	}); err != nil {
		return PermissionGrant{}, err
	}
	return g, nil
}

// Revoke deletes a grant owned by subjectID. Tokens and emergency sessions
// held by the same grantee are left untouched.
func (r *GrantRegistry) Revoke(ctx context.Context, subjectID, grantID string) error {
	g, err := r.store.Grants(ctx).Delete(ctx, strings.TrimSpace(subjectID), strings.TrimSpace(grantID))
	if err != nil {
		return err
	}
	_, err = r.log.Append(ctx, AuditEntry{
		Actor:      g.SubjectID,
		SubjectID:  g.SubjectID,
		Action:     ActionRevoke,
		ContextRef: g.ID,
		Details:    fmt.Sprintf("grant grantee=%s level=%s", g.Grantee.Address, g.Level),
	})
	return err
}

// ListActive returns the subject's standing grants, oldest first.
func (r *GrantRegistry) ListActive(ctx context.Context, subjectID string) ([]PermissionGrant, error) {
	grants, err := r.store.Grants(ctx).ListBySubject(ctx, strings.TrimSpace(subjectID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if grants == nil {
		grants = []PermissionGrant{}
	}
	return grants, nil
}
