package access

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEvaluateStandingGrant(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Grants.Grant(ctx, "patient-1", Grantee{Name: "Hospital H", Address: "hospital-h"}, LevelViewRecords); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	cases := []struct {
		name   string
		actor  string
		level  Level
		allow  bool
		reason Reason
	}{
		{"lower level", "hospital-h", LevelViewSummary, true, ReasonStandingGrant},
		{"same level", "Hospital-H", LevelViewRecords, true, ReasonStandingGrant},
		{"above grant", "hospital-h", LevelEmergencyOverride, false, ReasonNoAuthorization},
		{"other actor", "clinic-c", LevelViewSummary, false, ReasonNoAuthorization},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := svc.Evaluator.Evaluate(ctx, Request{SubjectID: "patient-1", Actor: tc.actor, Level: tc.level})
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if d.Allowed != tc.allow || d.Reason != tc.reason {
				t.Fatalf("got %+v, want allowed=%v reason=%s", d, tc.allow, tc.reason)
			}
		})
	}
}

func TestEvaluateEphemeralToken(t *testing.T) {
	svc, clock, _ := newTestService(t)
	ctx := context.Background()

	tok, err := svc.Tokens.Issue(ctx, "patient-1", 10*time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	req := Request{SubjectID: "patient-1", Actor: "medic-7", Level: LevelViewRecords, TokenCode: tok.DisplayCode}
	d, err := svc.Evaluator.Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.Allowed || d.Reason != ReasonEphemeralToken {
		t.Fatalf("expected token allow, got %+v", d)
	}

	wrongSubject := req
	wrongSubject.SubjectID = "patient-2"
	if d, _ := svc.Evaluator.Evaluate(ctx, wrongSubject); d.Allowed {
		t.Fatalf("token must not authorize another subject")
	}

	tooHigh := req
	tooHigh.Level = LevelFullAccess
	if d, _ := svc.Evaluator.Evaluate(ctx, tooHigh); d.Allowed {
		t.Fatalf("token must not authorize above its level")
	}

	clock.Set(tok.ExpiresAt)
	d, err = svc.Evaluator.Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Allowed {
		t.Fatalf("expired token must deny")
	}
}

func TestEvaluateDoesNotMutateState(t *testing.T) {
	svc, clock, store := newTestService(t)
	ctx := context.Background()

	tok, _ := svc.Tokens.Issue(ctx, "patient-1", time.Minute)
	clock.Advance(2 * time.Minute)
	if _, err := svc.Evaluator.Evaluate(ctx, Request{SubjectID: "patient-1", Actor: "medic", Level: LevelViewSummary, TokenCode: tok.Code}); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got := tokenStatuses(store, "patient-1")[TokenActive]; got != 1 {
		t.Fatalf("evaluate must not persist expiry, active=%d", got)
	}
}

func TestEvaluateEmergencyOverride(t *testing.T) {
	svc, clock, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Emergency.Activate(ctx, "patient-1", "medic-7", testPassword)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}

	d, err := svc.Evaluator.Evaluate(ctx, Request{SubjectID: "patient-1", Actor: "medic-7", Level: LevelEmergencyOverride})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.Allowed || d.Reason != ReasonEmergencyOverride {
		t.Fatalf("expected emergency allow, got %+v", d)
	}

	d, _ = svc.Evaluator.Evaluate(ctx, Request{SubjectID: "patient-1", Actor: "medic-7", Level: LevelFullAccess})
	if d.Allowed {
		t.Fatalf("emergency override must not grant full access")
	}

	clock.Set(sess.ExpiresAt)
	d, _ = svc.Evaluator.Evaluate(ctx, Request{SubjectID: "patient-1", Actor: "medic-7", Level: LevelViewSummary})
	if d.Allowed {
		t.Fatalf("expired session must deny")
	}
}

func TestEmergencyOverrideRequestAgainstViewRecordsGrant(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Grants.Grant(ctx, "patient-1", Grantee{Address: "hospital-h"}, LevelViewRecords); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	d, err := svc.Evaluator.Evaluate(ctx, Request{SubjectID: "patient-1", Actor: "hospital-h", Level: LevelEmergencyOverride})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Allowed || d.Reason != ReasonNoAuthorization {
		t.Fatalf("expected deny, got %+v", d)
	}
	if e := lastAudit(t, store); e.Action != ActionAccessDenied || e.Actor != "hospital-h" {
		t.Fatalf("expected access_denied audit entry, got %+v", e)
	}
}

func TestEvaluateAppendsOneEntryPerCall(t *testing.T) {
	svc, _, store := newTestService(t)
	ctx := context.Background()
	_, _ = svc.Grants.Grant(ctx, "patient-1", Grantee{Address: "hospital-h"}, LevelViewRecords)

	reqs := []Request{
		{SubjectID: "patient-1", Actor: "hospital-h", Level: LevelViewSummary},
		{SubjectID: "patient-1", Actor: "stranger", Level: LevelViewSummary},
		{SubjectID: "patient-1", Actor: "stranger", Level: LevelViewSummary, TokenCode: "bogus"},
		{SubjectID: "", Actor: "stranger", Level: LevelViewSummary},
		{SubjectID: "patient-1", Actor: "hospital-h", Level: Level(99)},
	}
	before := auditCount(t, store)
	for _, req := range reqs {
		if _, err := svc.Evaluator.Evaluate(ctx, req); err != nil {
			t.Fatalf("Evaluate(%+v): %v", req, err)
		}
	}
	if got := auditCount(t, store) - before; got != len(reqs) {
		t.Fatalf("audit delta = %d, want %d", got, len(reqs))
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, _ = svc.Grants.Grant(ctx, "patient-1", Grantee{Address: "hospital-h"}, LevelViewSummary)
	tok, _ := svc.Tokens.Issue(ctx, "patient-1", time.Minute)

	req := Request{SubjectID: "patient-1", Actor: "hospital-h", Level: LevelViewRecords, TokenCode: tok.Code}
	first, err := svc.Evaluator.Evaluate(ctx, req)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	for i := 0; i < 10; i++ {
		d, err := svc.Evaluator.Evaluate(ctx, req)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if d != first {
			t.Fatalf("decision changed on call %d: %+v vs %+v", i, d, first)
		}
	}
	if first.Reason != ReasonEphemeralToken {
		t.Fatalf("expected token to satisfy the request the grant could not, got %+v", first)
	}
}

func TestEvaluateReturnsErrorOnStorageFailure(t *testing.T) {
	mem := NewMemoryStore()
	svc, err := NewService(brokenStore{mem}, WithClock(NewFixedClock(t0)))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	d, err := svc.Evaluator.Evaluate(context.Background(), Request{SubjectID: "patient-1", Actor: "medic", Level: LevelViewSummary})
	if !errors.Is(err, errStorageDown) {
		t.Fatalf("expected storage error, got %v (decision %+v)", err, d)
	}
	if d.Allowed {
		t.Fatalf("failed evaluation must not allow")
	}
	if e := lastAudit(t, mem); e.Action != ActionAccessDenied {
		t.Fatalf("expected best-effort denial entry, got %+v", e)
	}
}
