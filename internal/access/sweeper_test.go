package access

import (
	"context"
	"testing"
	"time"
)

func TestSweepExpiresOverdueTokens(t *testing.T) {
	svc, clock, store := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Tokens.Issue(ctx, "patient-1", time.Minute); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := svc.Tokens.Issue(ctx, "patient-2", time.Hour); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	sweeper := NewSweeper(svc)

	n, err := sweeper.Sweep(ctx)
	if err != nil || n != 0 {
		t.Fatalf("early sweep: n=%d err=%v", n, err)
	}

	clock.Advance(2 * time.Minute)
	n, err = sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired token, got %d", n)
	}
	if got := tokenStatuses(store, "patient-1")[TokenExpired]; got != 1 {
		t.Fatalf("patient-1 token not expired")
	}
	if got := tokenStatuses(store, "patient-2")[TokenActive]; got != 1 {
		t.Fatalf("patient-2 token should stay active")
	}
	if e := lastAudit(t, store); e.Action != ActionTokenExpired || e.Actor != "system" {
		t.Fatalf("unexpected sweep audit entry %+v", e)
	}

	if n, _ := sweeper.Sweep(ctx); n != 0 {
		t.Fatalf("second sweep should be idempotent, got %d", n)
	}
}

func TestSweeperStartStop(t *testing.T) {
	svc, _, _ := newTestService(t)
	stop := NewSweeper(svc).Start(time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	stop()
}
