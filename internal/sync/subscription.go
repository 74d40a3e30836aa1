// internal/sync/subscription.go
package sync

import (
	stdsync "sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Origin tags where a snapshot/change event came from. Only
// server-confirmed events advance authoritative state; a local-cache
// echo must never be treated as truth.
type Origin int

const (
	OriginServer Origin = iota
	OriginLocalCache
)

// ChangeKind is the kind of an incremental change record.
type ChangeKind int

const (
	ChangeAdded ChangeKind = iota
	ChangeModified
	ChangeRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeModified:
		return "modified"
	case ChangeRemoved:
		return "removed"
	default:
		return "added"
	}
}

// Change is one incremental per-document change record.
type Change struct {
	Kind ChangeKind
	ID   string
	// Data is the flat document representation; nil for removals.
	Data map[string]any
}

// FullSnapshot carries all current documents of the collection,
// delivered for initial sync and drift correction.
type FullSnapshot struct {
	Docs map[string]map[string]any
}

// Event is the tagged union delivered on a subscription: exactly one
// of Full or Changes is set.
type Event struct {
	Origin  Origin
	Full    *FullSnapshot
	Changes []Change
}

// Subscription is a live feed of Events with an explicit, idempotent
// cancel handle. Emitters stop delivering once cancelled; the channel
// is closed exactly once.
type Subscription struct {
	ID string

	mu     stdsync.Mutex
	ch     chan Event
	done   bool
	cancel func()
}

// NewSubscription builds a subscription. cancel releases the
// underlying listen resource; it may be nil.
func NewSubscription(buffer int, cancel func()) *Subscription {
	if buffer < 1 {
		buffer = 16
	}
	return &Subscription{
		ID:     uuid.NewString(),
		ch:     make(chan Event, buffer),
		cancel: cancel,
	}
}

// Events is the receive side; closed on Cancel.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Emit delivers an event to the consumer. Events emitted after Cancel
// (or into a full buffer during teardown) are dropped.
func (s *Subscription) Emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	select {
	case s.ch <- ev:
	default:
		zap.S().Warnf("subscription buffer full, dropping event id=%s", s.ID)
	}
}

// Cancel detaches the subscription and releases the listen resource.
// Safe to call more than once.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	close(s.ch)
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Done reports whether the subscription has been cancelled.
func (s *Subscription) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}
