package access

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func tokenStatuses(store *MemoryStore, subjectID string) map[TokenStatus]int {
	store.mu.RLock()
	defer store.mu.RUnlock()
	out := make(map[TokenStatus]int)
	for _, tok := range store.tokens {
		if tok.SubjectID == subjectID {
			out[tok.Status]++
		}
	}
	return out
}

func TestIssueSupersedesPreviousTokens(t *testing.T) {
	svc, clock, store := newTestService(t)
	ctx := context.Background()

	const n = 5
	var last IssuedToken
	for i := 0; i < n; i++ {
		tok, err := svc.Tokens.Issue(ctx, "patient-1", 0)
		if err != nil {
			t.Fatalf("Issue %d: %v", i, err)
		}
		last = tok
		clock.Advance(time.Second)
	}

	counts := tokenStatuses(store, "patient-1")
	if counts[TokenActive] != 1 || counts[TokenRevoked] != n-1 {
		t.Fatalf("expected 1 active and %d revoked, got %v", n-1, counts)
	}
	cur, err := svc.Tokens.Current(ctx, "patient-1")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if cur.ID != last.ID {
		t.Fatalf("current token %s, want %s", cur.ID, last.ID)
	}
	if !strings.Contains(lastAudit(t, store).Details, "superseded=") {
		t.Fatalf("issue audit should list superseded tokens: %+v", lastAudit(t, store))
	}
}

func TestIssueConcurrentLeavesOneActive(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Tokens.Issue(ctx, "patient-1", time.Minute); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Issue: %v", err)
	}
	if got := tokenStatuses(store, "patient-1")[TokenActive]; got != 1 {
		t.Fatalf("expected exactly one active token, got %d", got)
	}
}

func TestIssueTTLBounds(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tok, err := svc.Tokens.Issue(ctx, "patient-1", 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if got := tok.ExpiresAt.Sub(tok.IssuedAt); got != defaultTokenTTL {
		t.Fatalf("default ttl = %s, want %s", got, defaultTokenTTL)
	}
	if _, err := svc.Tokens.Issue(ctx, "patient-1", 25*time.Hour); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for oversized ttl, got %v", err)
	}
	if _, err := svc.Tokens.Issue(ctx, " ", time.Minute); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank subject, got %v", err)
	}
}

func TestIssuedTokenPresentableForms(t *testing.T) {
	svc, _, store := newTestService(t, WithQRScheme("medapp"))
	tok, err := svc.Tokens.Issue(context.Background(), "patient-1", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if len(tok.Code) != 32 {
		t.Fatalf("code length = %d, want 32", len(tok.Code))
	}
	if NormalizeCode(tok.DisplayCode) != tok.Code {
		t.Fatalf("display code %q does not normalize to %q", tok.DisplayCode, tok.Code)
	}
	if tok.QRURI != "medapp://emergency/"+tok.Code {
		t.Fatalf("unexpected qr uri %q", tok.QRURI)
	}
	if tok.Level != LevelViewRecords {
		t.Fatalf("default token level = %s", tok.Level)
	}

	store.mu.RLock()
	stored := store.tokens[tok.ID]
	store.mu.RUnlock()
	if stored.CodeHash == tok.Code || stored.CodeHash != hashCode(tok.Code) {
		t.Fatalf("store must keep only the code hash")
	}
}

func TestValidateExpiryBoundary(t *testing.T) {
	svc, clock, store := newTestService(t)
	ctx := context.Background()

	tok, err := svc.Tokens.Issue(ctx, "patient-1", 10*time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	clock.Set(tok.ExpiresAt.Add(-time.Second))
	got, err := svc.Tokens.Validate(ctx, "medic-7", tok.DisplayCode)
	if err != nil {
		t.Fatalf("Validate before expiry: %v", err)
	}
	if got.ID != tok.ID || got.Status != TokenActive {
		t.Fatalf("unexpected token %+v", got)
	}
	if lastAudit(t, store).Action != ActionTokenValidated {
		t.Fatalf("expected token_validated audit entry")
	}

	clock.Set(tok.ExpiresAt.Add(time.Second))
	if _, err := svc.Tokens.Validate(ctx, "medic-7", tok.Code); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if e := lastAudit(t, store); e.Action != ActionTokenExpired || e.ContextRef != tok.ID {
		t.Fatalf("expected token_expired audit entry, got %+v", e)
	}
	if got := tokenStatuses(store, "patient-1")[TokenExpired]; got != 1 {
		t.Fatalf("lazy expiry should persist, expired count = %d", got)
	}

	// A second presentation is an ordinary denial.
	if _, err := svc.Tokens.Validate(ctx, "medic-7", tok.Code); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if lastAudit(t, store).Action != ActionAccessDenied {
		t.Fatalf("expected access_denied audit entry")
	}
	if _, err := svc.Tokens.Current(ctx, "patient-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no current token, got %v", err)
	}
}

func TestSupersededTokenReportsRevoked(t *testing.T) {
	svc, clock, store := newTestService(t)
	ctx := context.Background()

	first, err := svc.Tokens.Issue(ctx, "patient-1", 10*time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	clock.Advance(3 * time.Minute)
	if _, err := svc.Tokens.Validate(ctx, "medic-7", first.Code); err != nil {
		t.Fatalf("Validate at 3:00: %v", err)
	}

	clock.Advance(2 * time.Minute)
	if _, err := svc.Tokens.Issue(ctx, "patient-1", 10*time.Minute); err != nil {
		t.Fatalf("second Issue: %v", err)
	}

	clock.Advance(time.Minute)
	before := auditCount(t, store)
	if _, err := svc.Tokens.Validate(ctx, "medic-7", first.Code); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected ErrRevoked at 5:01, got %v", err)
	}
	if auditCount(t, store) != before+1 || lastAudit(t, store).Action != ActionAccessDenied {
		t.Fatalf("expected one access_denied audit entry")
	}
}

func TestValidateUnknownCode(t *testing.T) {
	svc, _, store := newTestService(t)
	if _, err := svc.Tokens.Validate(context.Background(), "medic-7", "ZZZZ-ZZZZ"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if lastAudit(t, store).Action != ActionAccessDenied {
		t.Fatalf("expected access_denied audit entry")
	}
}

func TestRevokeToken(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()

	tok, err := svc.Tokens.Issue(ctx, "patient-1", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := svc.Tokens.Revoke(ctx, "patient-2", tok.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign subject, got %v", err)
	}
	if err := svc.Tokens.Revoke(ctx, "patient-1", tok.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	count := auditCount(t, store)
	if err := svc.Tokens.Revoke(ctx, "patient-1", tok.ID); err != nil {
		t.Fatalf("second Revoke should be a no-op: %v", err)
	}
	if auditCount(t, store) != count {
		t.Fatalf("no-op revoke must not be audited")
	}
	if _, err := svc.Tokens.Validate(ctx, "medic-7", tok.Code); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected ErrRevoked, got %v", err)
	}
}

func TestIssueAfterLapseKeepsExpiry(t *testing.T) {
	svc, clock, store := newTestService(t)
	ctx := context.Background()

	first, err := svc.Tokens.Issue(ctx, "patient-1", 10*time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	clock.Advance(11 * time.Minute)
	second, err := svc.Tokens.Issue(ctx, "patient-1", 10*time.Minute)
	if err != nil {
		t.Fatalf("second Issue: %v", err)
	}

	counts := tokenStatuses(store, "patient-1")
	if counts[TokenExpired] != 1 || counts[TokenRevoked] != 0 || counts[TokenActive] != 1 {
		t.Fatalf("lapsed token must end Expired, got %v", counts)
	}
	issued := lastAudit(t, store)
	if issued.Action != ActionTokenIssued || issued.ContextRef != second.ID {
		t.Fatalf("expected token_issued entry last, got %+v", issued)
	}
	if strings.Contains(issued.Details, "superseded=") {
		t.Fatalf("lapsed token listed as superseded: %q", issued.Details)
	}
	actions := auditActions(t, store)
	if got := actions[len(actions)-2]; got != ActionTokenExpired {
		t.Fatalf("expected token_expired before token_issued, got %v", actions)
	}

	if _, err := svc.Tokens.Validate(ctx, "medic-7", first.Code); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired for lapsed token, got %v", err)
	}
}

func TestValidateEmptyCodeIsAudited(t *testing.T) {
	svc, _, store := newTestService(t)
	for _, code := range []string{"", "  ", "- -"} {
		before := auditCount(t, store)
		if _, err := svc.Tokens.Validate(context.Background(), "medic-7", code); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Validate(%q): expected ErrNotFound, got %v", code, err)
		}
		if auditCount(t, store) != before+1 || lastAudit(t, store).Action != ActionAccessDenied {
			t.Fatalf("Validate(%q): expected one access_denied entry", code)
		}
	}
}
