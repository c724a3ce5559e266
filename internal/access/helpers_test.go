package access

import (
	"context"
	"errors"
	"testing"
	"time"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

const testPassword = "let-me-in"

func testReauth() Reauthenticator {
	return ReauthFunc(func(_ context.Context, _ string, proof string) error {
		if proof != testPassword {
			return ErrUnauthorized
		}
		return nil
	})
}

func newTestService(t *testing.T, opts ...ServiceOption) (*Service, *FixedClock, *MemoryStore) {
	t.Helper()
	clock := NewFixedClock(t0)
	store := NewMemoryStore()
	opts = append([]ServiceOption{WithClock(clock), WithReauthenticator(testReauth())}, opts...)
	svc, err := NewService(store, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, clock, store
}

func auditCount(t *testing.T, store *MemoryStore) int {
	t.Helper()
	store.mu.RLock()
	defer store.mu.RUnlock()
	return len(store.audit)
}

func auditActions(t *testing.T, store *MemoryStore) []Action {
	t.Helper()
	store.mu.RLock()
	defer store.mu.RUnlock()
	out := make([]Action, 0, len(store.audit))
	for _, e := range store.audit {
		out = append(out, e.Action)
	}
	return out
}

func lastAudit(t *testing.T, store *MemoryStore) AuditEntry {
	t.Helper()
	store.mu.RLock()
	defer store.mu.RUnlock()
	if len(store.audit) == 0 {
		t.Fatal("audit log is empty")
	}
	return store.audit[len(store.audit)-1]
}

var errStorageDown = errors.New("storage unavailable")

// brokenStore fails every grant lookup, simulating a database outage.
type brokenStore struct {
	*MemoryStore
}

func (b brokenStore) Grants(context.Context) GrantStore { return brokenGrants{} }

type brokenGrants struct{}

func (brokenGrants) Create(context.Context, *PermissionGrant) error { return errStorageDown }
func (brokenGrants) Delete(context.Context, string, string) (*PermissionGrant, error) {
	return nil, errStorageDown
}
func (brokenGrants) ListBySubject(context.Context, string) ([]PermissionGrant, error) {
	return nil, errStorageDown
}
func (brokenGrants) FindForGrantee(context.Context, string, string) (*PermissionGrant, error) {
	return nil, errStorageDown
}
