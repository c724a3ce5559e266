package stream

import (
	"context"
	"testing"
	"time"

	"consentgate.org/internal/access"
)

func receive(t *testing.T, ch <-chan access.AuditEntry) access.AuditEntry {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for entry")
	}
	return access.AuditEntry{}
}

func TestPublishHonoursFilter(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	all := s.Subscribe(ctx, Filter{})
	emergencies := s.Subscribe(ctx, Filter{SubjectID: "p1", Actions: []access.Action{access.ActionEmergencyActivated}})

	s.Publish(access.AuditEntry{Seq: 1, SubjectID: "p1", Action: access.ActionAccessAllowed})
	s.Publish(access.AuditEntry{Seq: 2, SubjectID: "p2", Action: access.ActionEmergencyActivated})
	s.Publish(access.AuditEntry{Seq: 3, SubjectID: "p1", Action: access.ActionEmergencyActivated})

	for want := uint64(1); want <= 3; want++ {
		if got := receive(t, all).Seq; got != want {
			t.Fatalf("unfiltered subscriber got seq %d, want %d", got, want)
		}
	}
	if got := receive(t, emergencies).Seq; got != 3 {
		t.Fatalf("filtered subscriber got seq %d, want 3", got)
	}
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx, Filter{})
	if s.Subscribers() != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel was not closed")
	}
	if s.Subscribers() != 0 {
		t.Fatalf("subscriber not removed")
	}
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = s.Subscribe(ctx, Filter{})

	for i := 0; i < 20; i++ {
		s.Publish(access.AuditEntry{Seq: uint64(i)})
	}
	if dropped := s.dropped.Load(); dropped != 4 {
		t.Fatalf("expected 4 dropped entries, got %d", dropped)
	}
}
