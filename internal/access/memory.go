package access

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store in-process. A single mutex serialises every
// mutation, which gives the same at-most-one-Active guarantees as the
// Postgres unique indexes.
type MemoryStore struct {
	mu       sync.RWMutex
	grants   map[string]PermissionGrant
	tokens   map[string]AccessToken
	byHash   map[string]string
	sessions map[string]EmergencySession
	audit    []AuditEntry
	seq      uint64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		grants:   make(map[string]PermissionGrant),
		tokens:   make(map[string]AccessToken),
		byHash:   make(map[string]string),
		sessions: make(map[string]EmergencySession),
	}
}

func (m *MemoryStore) Grants(context.Context) GrantStore     { return memGrants{m} }
func (m *MemoryStore) Tokens(context.Context) TokenStore     { return memTokens{m} }
func (m *MemoryStore) Sessions(context.Context) SessionStore { return memSessions{m} }
func (m *MemoryStore) Audit(context.Context) AuditStore      { return memAudit{m} }
func (m *MemoryStore) Ping(context.Context) error            { return nil }

func normalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Grants ---------------------------------------------------------------------
type memGrants struct{ m *MemoryStore }

func (s memGrants) Create(_ context.Context, g *PermissionGrant) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	addr := normalizeAddress(g.Grantee.Address)
	for _, existing := range s.m.grants {
		if existing.SubjectID == g.SubjectID && normalizeAddress(existing.Grantee.Address) == addr {
			return ErrDuplicateGrant
		}
	}
	s.m.grants[g.ID] = *g
	return nil
}

func (s memGrants) Delete(_ context.Context, subjectID, grantID string) (*PermissionGrant, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	g, ok := s.m.grants[grantID]
	if !ok || g.SubjectID != subjectID {
		return nil, ErrNotFound
	}
	delete(s.m.grants, grantID)
	return &g, nil
}

func (s memGrants) ListBySubject(_ context.Context, subjectID string) ([]PermissionGrant, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var out []PermissionGrant
	for _, g := range s.m.grants {
		if g.SubjectID == subjectID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GrantedAt.Equal(out[j].GrantedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].GrantedAt.Before(out[j].GrantedAt)
	})
	return out, nil
}

func (s memGrants) FindForGrantee(_ context.Context, subjectID, address string) (*PermissionGrant, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	addr := normalizeAddress(address)
	for _, g := range s.m.grants {
		if g.SubjectID == subjectID && normalizeAddress(g.Grantee.Address) == addr {
			return &g, nil
		}
	}
	return nil, ErrNotFound
}

// Tokens ---------------------------------------------------------------------
type memTokens struct{ m *MemoryStore }

func (s memTokens) Supersede(_ context.Context, tok *AccessToken) ([]string, []AccessToken, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, dup := s.m.byHash[tok.CodeHash]; dup {
		return nil, nil, ErrInvalidInput
	}
	var (
		revoked []string
		expired []AccessToken
	)
	for id, t := range s.m.tokens {
		if t.SubjectID != tok.SubjectID || t.Status != TokenActive {
			continue
		}
		if !tok.IssuedAt.Before(t.ExpiresAt) {
			t.Status = TokenExpired
			expired = append(expired, t)
		} else {
			t.Status = TokenRevoked
			revoked = append(revoked, id)
		}
		s.m.tokens[id] = t
	}
	sort.Strings(revoked)
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	s.m.tokens[tok.ID] = *tok
	s.m.byHash[tok.CodeHash] = tok.ID
	return revoked, expired, nil
}

func (s memTokens) FindByCodeHash(_ context.Context, codeHash string) (*AccessToken, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	id, ok := s.m.byHash[codeHash]
	if !ok {
		return nil, ErrNotFound
	}
	t := s.m.tokens[id]
	return &t, nil
}

func (s memTokens) CurrentForSubject(_ context.Context, subjectID string) (*AccessToken, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	for _, t := range s.m.tokens {
		if t.SubjectID == subjectID && t.Status == TokenActive {
			return &t, nil
		}
	}
	return nil, ErrNotFound
}

func (s memTokens) MarkExpired(_ context.Context, id string) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	t, ok := s.m.tokens[id]
	if !ok {
		return false, ErrNotFound
	}
	if t.Status != TokenActive {
		return false, nil
	}
	t.Status = TokenExpired
	s.m.tokens[id] = t
	return true, nil
}

func (s memTokens) Revoke(_ context.Context, subjectID, id string) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	t, ok := s.m.tokens[id]
	if !ok || t.SubjectID != subjectID {
		return false, ErrNotFound
	}
	if t.Status != TokenActive {
		return false, nil
	}
	t.Status = TokenRevoked
	s.m.tokens[id] = t
	return true, nil
}

func (s memTokens) ExpireBefore(_ context.Context, now time.Time) ([]AccessToken, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []AccessToken
	for id, t := range s.m.tokens {
		if t.Status == TokenActive && !now.Before(t.ExpiresAt) {
			t.Status = TokenExpired
			s.m.tokens[id] = t
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Sessions -------------------------------------------------------------------
type memSessions struct{ m *MemoryStore }

func (s memSessions) Create(_ context.Context, sess *EmergencySession) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, existing := range s.m.sessions {
		if existing.SubjectID == sess.SubjectID && existing.Status == SessionActive {
			return ErrAlreadyActive
		}
	}
	s.m.sessions[sess.ID] = *sess
	return nil
}

func (s memSessions) Find(_ context.Context, id string) (*EmergencySession, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	sess, ok := s.m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &sess, nil
}

func (s memSessions) ActiveForSubject(_ context.Context, subjectID string) (*EmergencySession, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	for _, sess := range s.m.sessions {
		if sess.SubjectID == subjectID && sess.Status == SessionActive {
			return &sess, nil
		}
	}
	return nil, ErrNotFound
}

func (s memSessions) Close(_ context.Context, id, justification string, closedAt time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	sess, ok := s.m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if sess.Status == SessionClosed {
		return ErrAlreadyClosed
	}
	sess.Status = SessionClosed
	sess.Justification = justification
	sess.ClosedAt = &closedAt
	s.m.sessions[id] = sess
	return nil
}

func (s memSessions) ListOverdue(_ context.Context, now time.Time) ([]EmergencySession, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var out []EmergencySession
	for _, sess := range s.m.sessions {
		if sess.Status == SessionActive && !now.Before(sess.ExpiresAt) {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

// Audit ----------------------------------------------------------------------
type memAudit struct{ m *MemoryStore }

func (s memAudit) Append(_ context.Context, entry *AuditEntry) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if n := len(s.m.audit); n > 0 && entry.OccurredAt.Before(s.m.audit[n-1].OccurredAt) {
		entry.OccurredAt = s.m.audit[n-1].OccurredAt
	}
	s.m.seq++
	entry.Seq = s.m.seq
	s.m.audit = append(s.m.audit, *entry)
	return nil
}

func (s memAudit) Query(_ context.Context, f AuditFilter) ([]AuditEntry, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var out []AuditEntry
	for _, e := range s.m.audit {
		if e.Seq <= f.AfterSeq {
			continue
		}
		if f.SubjectID != "" && e.SubjectID != f.SubjectID {
			continue
		}
		if f.Actor != "" && e.Actor != f.Actor {
			continue
		}
		if len(f.Actions) > 0 && !slices.Contains(f.Actions, e.Action) {
			continue
		}
		if !f.Since.IsZero() && e.OccurredAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && !e.OccurredAt.Before(f.Until) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}
