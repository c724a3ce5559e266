package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"consentgate.org/internal/ids"
	"consentgate.org/internal/obs"
)

const (
	defaultTokenTTL    = 10 * time.Minute
	defaultMaxTokenTTL = 24 * time.Hour
)

// CredentialIssuer creates, validates and cancels ephemeral tokens. At most
// one token per subject is Active; issuing supersedes the previous one.
type CredentialIssuer struct {
	store      Store
	log        *AuditLog
	clock      Clock
	defaultTTL time.Duration
	maxTTL     time.Duration
	level      Level
	qrScheme   string
}

func NewCredentialIssuer(store Store, log *AuditLog, clock Clock) *CredentialIssuer {
	return &CredentialIssuer{
		store:      store,
		log:        log,
		clock:      clock,
		defaultTTL: defaultTokenTTL,
		maxTTL:     defaultMaxTokenTTL,
		level:      LevelViewRecords,
	}
}

// IssueOption adjusts a single Issue call.
type IssueOption func(*AccessToken)

// WithTokenLevel sets the scope the token implicitly carries.
func WithTokenLevel(l Level) IssueOption {
	return func(t *AccessToken) { t.Level = l }
}

// Issue supersedes any Active token of subjectID and returns a new one valid
// for ttl (the configured default when ttl <= 0).
func (c *CredentialIssuer) Issue(ctx context.Context, subjectID string, ttl time.Duration, opts ...IssueOption) (IssuedToken, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return IssuedToken{}, fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if ttl > c.maxTTL {
		return IssuedToken{}, fmt.Errorf("%w: ttl exceeds %s", ErrInvalidInput, c.maxTTL)
	}
	code, err := newCode()
	if err != nil {
		return IssuedToken{}, err
	}

	now := c.clock.Now().UTC()
	tok := AccessToken{
		ID:        ids.NewAt(now),
		SubjectID: subjectID,
		CodeHash:  hashCode(code),
		Level:     c.level,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
		Status:    TokenActive,
	}
	for _, opt := range opts {
		opt(&tok)
	}
	if !tok.Level.Valid() {
		return IssuedToken{}, fmt.Errorf("%w: invalid token level", ErrInvalidInput)
	}

	superseded, expired, err := c.store.Tokens(ctx).Supersede(ctx, &tok)
	if err != nil {
		return IssuedToken{}, err
	}
	for _, old := range expired {
		if _, err := c.log.Append(ctx, AuditEntry{
			Actor:      subjectID,
			SubjectID:  subjectID,
			Action:     ActionTokenExpired,
			ContextRef: old.ID,
			Details:    "expired at " + old.ExpiresAt.Format(time.RFC3339),
		}); err != nil {
			return IssuedToken{}, err
		}
	}
	details := fmt.Sprintf("level=%s expires_at=%s", tok.Level, tok.ExpiresAt.Format(time.RFC3339))
	if len(superseded) > 0 {
		details += " superseded=" + strings.Join(superseded, ",")
	}
	if _, err := c.log.Append(ctx, AuditEntry{
		Actor:      subjectID,
		SubjectID:  subjectID,
		Action:     ActionTokenIssued,
		ContextRef: tok.ID,
		Details:    details,
	}); err != nil {
		return IssuedToken{}, err
	}
	obs.RecordTokenIssued()

	return IssuedToken{
		AccessToken: tok,
		Code:        code,
		DisplayCode: DisplayCode(code),
		QRURI:       QRURI(c.qrScheme, code),
	}, nil
}

// Validate checks a presented code against server time. A token that is
// Active but past expiry is moved to Expired as a side effect.
func (c *CredentialIssuer) Validate(ctx context.Context, actor, code string) (AccessToken, error) {
	now := c.clock.Now().UTC()
	canonical := NormalizeCode(code)
	if canonical == "" {
		return AccessToken{}, c.reject(ctx, actor, "", "", ErrNotFound, "token validation failed: empty code")
	}

	tok, err := c.store.Tokens(ctx).FindByCodeHash(ctx, hashCode(canonical))
	if errors.Is(err, ErrNotFound) {
		return AccessToken{}, c.reject(ctx, actor, "", "", ErrNotFound, "token validation failed: unknown code")
	}
	if err != nil {
		return AccessToken{}, err
	}

	switch tok.StatusAt(now) {
	case TokenRevoked:
		return AccessToken{}, c.reject(ctx, actor, tok.SubjectID, tok.ID, ErrRevoked, "token validation failed: revoked")
	case TokenExpired:
		if tok.Status == TokenActive {
			changed, err := c.store.Tokens(ctx).MarkExpired(ctx, tok.ID)
			if err != nil {
				return AccessToken{}, err
			}
			if changed {
				if _, err := c.log.Append(ctx, AuditEntry{
					Actor:      actor,
					SubjectID:  tok.SubjectID,
					Action:     ActionTokenExpired,
					ContextRef: tok.ID,
					Details:    "expired at " + tok.ExpiresAt.Format(time.RFC3339),
				}); err != nil {
					return AccessToken{}, err
				}
				return AccessToken{}, ErrExpired
			}
		}
		return AccessToken{}, c.reject(ctx, actor, tok.SubjectID, tok.ID, ErrExpired, "token validation failed: expired")
	}

	if _, err := c.log.Append(ctx, AuditEntry{
		Actor:      actor,
		SubjectID:  tok.SubjectID,
		Action:     ActionTokenValidated,
		ContextRef: tok.ID,
	}); err != nil {
		return AccessToken{}, err
	}
	return *tok, nil
}

func (c *CredentialIssuer) reject(ctx context.Context, actor, subjectID, ref string, reason error, details string) error {
	if _, err := c.log.Append(ctx, AuditEntry{
		Actor:      actor,
		SubjectID:  subjectID,
		Action:     ActionAccessDenied,
		ContextRef: ref,
		Details:    details,
	}); err != nil {
		return err
	}
	return reason
}

// Revoke cancels a token owned by subjectID. Cancelling a token that is
// already Revoked or Expired is a no-op.
func (c *CredentialIssuer) Revoke(ctx context.Context, subjectID, tokenID string) error {
	subjectID = strings.TrimSpace(subjectID)
	changed, err := c.store.Tokens(ctx).Revoke(ctx, subjectID, strings.TrimSpace(tokenID))
	if err != nil || !changed {
		return err
	}
	_, err = c.log.Append(ctx, AuditEntry{
		Actor:      subjectID,
		SubjectID:  subjectID,
		Action:     ActionRevoke,
		ContextRef: tokenID,
		Details:    "token cancelled",
	})
	return err
}

// Current returns the subject's token if it is still usable at server time.
func (c *CredentialIssuer) Current(ctx context.Context, subjectID string) (AccessToken, error) {
	tok, err := c.store.Tokens(ctx).CurrentForSubject(ctx, strings.TrimSpace(subjectID))
	if err != nil {
		return AccessToken{}, err
	}
	if tok.StatusAt(c.clock.Now()) != TokenActive {
		return AccessToken{}, ErrNotFound
	}
	return *tok, nil
}
