package access

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"consentgate.org/internal/audit"
	"consentgate.org/internal/ids"
	"consentgate.org/internal/obs"
)

const (
	defaultAuditPage = 100
	maxAuditPage     = 1000
)

// AuditLog is the append-only sink every component writes to. Timestamps come
// from the server clock; the store fixes the final timestamp together with
// Seq, so timestamps never decrease in Seq order.
type AuditLog struct {
	store Store
	clock Clock

	mu   sync.Mutex
	last time.Time

	observers []AuditObserver
}

// AuditObserver is notified after an entry has been committed.
type AuditObserver func(AuditEntry)

// NewAuditLog constructs an AuditLog over store.
func NewAuditLog(store Store, clock Clock) *AuditLog {
	return &AuditLog{store: store, clock: clock}
}

func (l *AuditLog) stamp() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now().UTC()
	if now.Before(l.last) {
		now = l.last
	}
	l.last = now
	return now
}

// Append stores one entry. Caller-supplied ID, Seq and OccurredAt are overwritten.
func (l *AuditLog) Append(ctx context.Context, entry AuditEntry) (AuditEntry, error) {
	if entry.Action == "" {
		return AuditEntry{}, fmt.Errorf("%w: audit action is required", ErrInvalidInput)
	}
	entry.OccurredAt = l.stamp()
	entry.ID = ids.NewAt(entry.OccurredAt)
	entry.Seq = 0
	if strings.TrimSpace(entry.Actor) == "" {
		entry.Actor = "system"
	}
	if err := l.store.Audit(ctx).Append(ctx, &entry); err != nil {
		obs.RecordAuditAppendError()
		return AuditEntry{}, fmt.Errorf("append audit entry: %w", err)
	}
	_ = audit.LogEvent(ctx, "access."+string(entry.Action), map[string]any{
		"seq":         entry.Seq,
		"actor":       entry.Actor,
		"subject_id":  entry.SubjectID,
		"context_ref": entry.ContextRef,
		"details":     entry.Details,
	})
	for _, observe := range l.observers {
		observe(entry)
	}
	return entry, nil
}

// Query returns one page of entries matching f.
func (l *AuditLog) Query(ctx context.Context, f AuditFilter) (AuditPage, error) {
	if f.Limit <= 0 || f.Limit > maxAuditPage {
		f.Limit = defaultAuditPage
	}
	entries, err := l.store.Audit(ctx).Query(ctx, f)
	if err != nil {
		return AuditPage{}, err
	}
	page := AuditPage{Entries: entries, NextSeq: f.AfterSeq}
	if n := len(entries); n > 0 {
		page.NextSeq = entries[n-1].Seq
	}
	return page, nil
}
