package access

import (
	"context"
	"time"
)

// Store describes persistence operations required by the access core. Each
// sub-store method is a single atomic unit in the backing storage.
type Store interface {
	Grants(ctx context.Context) GrantStore
	Tokens(ctx context.Context) TokenStore
	Sessions(ctx context.Context) SessionStore
	Audit(ctx context.Context) AuditStore
	Ping(ctx context.Context) error
}

// GrantStore manages standing grants.
type GrantStore interface {
	// Create fails with ErrDuplicateGrant when the subject already granted the address.
	Create(ctx context.Context, g *PermissionGrant) error
	// Delete fails with ErrNotFound unless grantID belongs to subjectID.
	Delete(ctx context.Context, subjectID, grantID string) (*PermissionGrant, error)
	ListBySubject(ctx context.Context, subjectID string) ([]PermissionGrant, error)
	FindForGrantee(ctx context.Context, subjectID, address string) (*PermissionGrant, error)
}

// TokenStore manages ephemeral tokens.
type TokenStore interface {
	// Supersede inserts tok and, in the same transaction, retires every other
	// Active token of tok.SubjectID: rows already past expiry at tok.IssuedAt
	// move to Expired, the rest to Revoked. It returns the revoked ids and the
	// expired rows.
	Supersede(ctx context.Context, tok *AccessToken) (revoked []string, expired []AccessToken, err error)
	FindByCodeHash(ctx context.Context, codeHash string) (*AccessToken, error)
	// CurrentForSubject returns the row with status Active, if any.
	CurrentForSubject(ctx context.Context, subjectID string) (*AccessToken, error)
	// MarkExpired moves an Active token to Expired; it reports false if the row was not Active.
	MarkExpired(ctx context.Context, id string) (bool, error)
	// Revoke moves an Active token owned by subjectID to Revoked. ErrNotFound
	// when the owner does not match; false when the token was no longer Active.
	Revoke(ctx context.Context, subjectID, id string) (bool, error)
	// ExpireBefore moves every Active token with expires_at <= now to Expired.
	ExpireBefore(ctx context.Context, now time.Time) ([]AccessToken, error)
}

// SessionStore manages emergency sessions.
type SessionStore interface {
	// Create fails with ErrAlreadyActive when the subject has an Active session.
	Create(ctx context.Context, s *EmergencySession) error
	Find(ctx context.Context, id string) (*EmergencySession, error)
	ActiveForSubject(ctx context.Context, subjectID string) (*EmergencySession, error)
	// Close fails with ErrAlreadyClosed if the row is already Closed.
	Close(ctx context.Context, id, justification string, closedAt time.Time) error
	// ListOverdue returns Active sessions whose expiry is at or before now.
	ListOverdue(ctx context.Context, now time.Time) ([]EmergencySession, error)
}

// AuditStore appends immutable entries. There is no update or delete.
type AuditStore interface {
	// Append persists entry and sets entry.Seq. Seq and OccurredAt are fixed in
	// one critical section: an OccurredAt earlier than the latest stored entry
	// is raised to it, so timestamps never decrease in Seq order.
	Append(ctx context.Context, entry *AuditEntry) error
	Query(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}
