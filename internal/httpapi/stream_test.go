package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"consentgate.org/internal/access"
	"consentgate.org/internal/auth"
	"consentgate.org/internal/stream"
)

func TestAuditStreamDeliversCommittedEntries(t *testing.T) {
	feed := stream.New()
	svc, err := access.NewService(access.NewMemoryStore(),
		access.WithClock(access.NewFixedClock(testNow)),
		access.WithAuditObserver(feed.Publish),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	signer, err := auth.NewSigner("test-secret")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	srv := httptest.NewServer(New(svc, signer, WithAuditStream(feed)).Handler())
	defer srv.Close()

	auditor, _, err := signer.Generate("aud-1", []string{auth.RoleAuditor}, time.Minute)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/audit/stream?subject=p1", nil)
	req.Header.Set("Authorization", "Bearer "+auditor)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("unexpected stream response: %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	reader := bufio.NewReader(resp.Body)
	if line, err := reader.ReadString('\n'); err != nil || !strings.HasPrefix(line, ": stream started") {
		t.Fatalf("expected stream preamble, got %q (%v)", line, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for feed.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := svc.Grants.Grant(ctx, "p2", access.Grantee{Address: "dr.b@clinic"}, access.LevelViewSummary); err != nil {
		t.Fatalf("Grant p2: %v", err)
	}
	if _, err := svc.Grants.Grant(ctx, "p1", access.Grantee{Address: "dr.a@clinic"}, access.LevelViewSummary); err != nil {
		t.Fatalf("Grant p1: %v", err)
	}

	var data string
	for data == "" {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
	var entry access.AuditEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if entry.SubjectID != "p1" || entry.Action != access.ActionGrant {
		t.Fatalf("unexpected streamed entry: %+v", entry)
	}
}

func TestAuditStreamRequiresAuditor(t *testing.T) {
	feed := stream.New()
	svc, _ := access.NewService(access.NewMemoryStore())
	signer, _ := auth.NewSigner("test-secret")
	srv := httptest.NewServer(New(svc, signer, WithAuditStream(feed)).Handler())
	defer srv.Close()

	token, _, _ := signer.Generate("p1", []string{auth.RoleSubject}, time.Minute)
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/audit/stream", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}
