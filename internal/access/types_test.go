package access

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestLevelOrdering(t *testing.T) {
	order := []Level{LevelViewSummary, LevelViewRecords, LevelEmergencyOverride, LevelFullAccess}
	for i, hi := range order {
		for j, lo := range order {
			if got := hi.Covers(lo); got != (i >= j) {
				t.Fatalf("%s.Covers(%s) = %v", hi, lo, got)
			}
		}
	}
	if Level(0).Covers(LevelViewSummary) || LevelFullAccess.Covers(Level(9)) {
		t.Fatalf("invalid levels must never cover")
	}
}

func TestLevelJSON(t *testing.T) {
	raw, err := json.Marshal(LevelEmergencyOverride)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(raw) != `"emergency_override"` {
		t.Fatalf("unexpected json %s", raw)
	}
	var l Level
	if err := json.Unmarshal([]byte(`"VIEW_RECORDS"`), &l); err != nil || l != LevelViewRecords {
		t.Fatalf("Unmarshal: %v %v", l, err)
	}
	if err := json.Unmarshal([]byte(`"root"`), &l); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := json.Marshal(Level(7)); err == nil {
		t.Fatalf("expected error marshalling invalid level")
	}
}

func TestTokenStatusAt(t *testing.T) {
	tok := AccessToken{Status: TokenActive, ExpiresAt: t0}
	if tok.StatusAt(t0.Add(-time.Nanosecond)) != TokenActive {
		t.Fatalf("token should be active before expiry")
	}
	if tok.StatusAt(t0) != TokenExpired {
		t.Fatalf("token should be expired at expiry")
	}
	tok.Status = TokenRevoked
	if tok.StatusAt(t0.Add(time.Hour)) != TokenRevoked {
		t.Fatalf("revoked token must stay revoked")
	}
}

func TestSessionActiveAt(t *testing.T) {
	s := EmergencySession{Status: SessionActive, ExpiresAt: t0}
	if !s.ActiveAt(t0.Add(-time.Second)) || s.ActiveAt(t0) {
		t.Fatalf("unexpected ActiveAt boundary")
	}
	s.Status = SessionClosed
	if s.ActiveAt(t0.Add(-time.Second)) {
		t.Fatalf("closed session must not be active")
	}
}

func TestNewServiceOptions(t *testing.T) {
	if _, err := NewService(nil); err == nil {
		t.Fatalf("expected error for nil store")
	}
	if _, err := NewService(NewMemoryStore(), WithDefaultTokenLevel(Level(0))); err == nil {
		t.Fatalf("expected error for invalid level")
	}
	if _, err := NewService(NewMemoryStore(), WithTokenTTL(2*time.Hour), WithMaxTokenTTL(time.Hour)); err == nil {
		t.Fatalf("expected error when default ttl exceeds max")
	}
	svc, err := NewService(NewMemoryStore(), WithDefaultTokenLevel(LevelViewSummary), WithEmergencyDuration(time.Minute))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if svc.Tokens.level != LevelViewSummary || svc.Emergency.duration != time.Minute {
		t.Fatalf("options not applied")
	}
}
