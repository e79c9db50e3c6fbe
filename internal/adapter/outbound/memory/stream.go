package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/qbrix/qbrix/internal/domain/feedback"
)

type streamEntry struct {
	id          string
	event       *feedback.Event
	delivered   bool
	deliveredAt time.Time
}

// Stream is an in-memory feedback stream with single-consumer-group
// semantics: pending tracking, idle-based claiming, and ack-with-delete.
// It mirrors the durable stream's at-least-once contract closely enough
// to exercise trainer recovery paths in tests.
type Stream struct {
	mu      sync.Mutex
	entries []*streamEntry
	maxLen  int
	seq     int64
	// notify wakes blocked consumers on publish.
	notify chan struct{}
}

// NewStream creates a stream bounded to maxLen entries (0 = unbounded).
func NewStream(maxLen int) *Stream {
	return &Stream{maxLen: maxLen, notify: make(chan struct{}, 1)}
}

// Publish implements feedback.Publisher.
func (s *Stream) Publish(_ context.Context, event *feedback.Event) (string, error) {
	s.mu.Lock()
	s.seq++
	id := fmt.Sprintf("%d-0", s.seq)
	s.entries = append(s.entries, &streamEntry{id: id, event: event})
	if s.maxLen > 0 && len(s.entries) > s.maxLen {
		s.entries = s.entries[len(s.entries)-s.maxLen:]
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return id, nil
}

// Consume implements feedback.Consumer: it returns never-delivered
// messages, marking them pending.
func (s *Stream) Consume(ctx context.Context, batch int, blockMs int64) ([]feedback.Message, error) {
	deadline := time.Now().Add(time.Duration(blockMs) * time.Millisecond)
	for {
		if msgs := s.takeNew(batch); len(msgs) > 0 {
			return msgs, nil
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-s.notify:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		}
	}
}

func (s *Stream) takeNew(batch int) []feedback.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var msgs []feedback.Message
	now := time.Now()
	for _, e := range s.entries {
		if e.delivered {
			continue
		}
		e.delivered = true
		e.deliveredAt = now
		msgs = append(msgs, feedback.Message{ID: e.id, Event: e.event})
		if len(msgs) == batch {
			break
		}
	}
	return msgs
}

// PendingCount implements feedback.Consumer.
func (s *Stream) PendingCount(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.entries {
		if e.delivered {
			n++
		}
	}
	return n, nil
}

// ClaimPending implements feedback.Consumer: it re-reads delivered but
// un-acked messages idle for at least minIdleMs.
func (s *Stream) ClaimPending(_ context.Context, count int, minIdleMs int64) ([]feedback.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-time.Duration(minIdleMs) * time.Millisecond)
	var msgs []feedback.Message
	for _, e := range s.entries {
		if !e.delivered || e.deliveredAt.After(cutoff) {
			continue
		}
		e.deliveredAt = time.Now()
		msgs = append(msgs, feedback.Message{ID: e.id, Event: e.event})
		if len(msgs) == count {
			break
		}
	}
	return msgs, nil
}

// Ack implements feedback.Consumer: acked entries are removed outright,
// matching the trainer-side ack-and-delete policy.
func (s *Stream) Ack(_ context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	acked := make(map[string]bool, len(ids))
	for _, id := range ids {
		acked[id] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.entries[:0]
	for _, e := range s.entries {
		if !acked[e.id] {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	return nil
}

// Len reports the number of stored entries, for tests.
func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
