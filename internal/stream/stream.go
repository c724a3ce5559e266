// Package stream fans committed audit entries out to live subscribers.
package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"consentgate.org/internal/access"
)

// Filter selects which entries a subscriber receives. Zero values match all.
type Filter struct {
	SubjectID string
	Actions   []access.Action
}

func (f Filter) match(e access.AuditEntry) bool {
	if f.SubjectID != "" && e.SubjectID != f.SubjectID {
		return false
	}
	if len(f.Actions) == 0 {
		return true
	}
	for _, a := range f.Actions {
		if a == e.Action {
			return true
		}
	}
	return false
}

type subscriber struct {
	ch     chan access.AuditEntry
	filter Filter
}

// Stream fan-outs audit entries to all active subscribers (SSE clients).
type Stream struct {
	mu      sync.RWMutex
	subs    map[int]subscriber
	next    int
	dropped atomic.Uint64
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// matching entries. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context, f Filter) <-chan access.AuditEntry {
	ch := make(chan access.AuditEntry, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{ch: ch, filter: f}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the entry to all matching subscribers. It has the shape
// of an access.AuditObserver.
func (s *Stream) Publish(e access.AuditEntry) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if !sub.filter.match(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			// Slow subscribers miss entries; the audit log remains authoritative.
			s.dropped.Add(1)
		}
	}
}

// Subscribers reports the number of live subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
