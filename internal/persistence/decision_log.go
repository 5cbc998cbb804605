package persistence

import (
	"context"
	"errors"
	"sync"

	"TollLedger/internal/event"

	"github.com/google/uuid"
)

// ErrLogWrite wraps any failure to append decisions to the event log.
var ErrLogWrite = errors.New("event log write failure")

// ReasonLogWriteFailure is the reason code reported for ErrLogWrite.
const ReasonLogWriteFailure = "log_write_failure"

// DecisionLog is the append-only history of authorization decisions.
// AppendBatch is idempotent on DecisionID. Recent returns at most limit
// records, most recent first.
type DecisionLog interface {
	AppendBatch(ctx context.Context, decisions []event.Decision) error
	Recent(ctx context.Context, limit int) ([]event.Decision, error)
}

// MemoryDecisionStore keeps the newest decisions in a fixed-size ring.
type MemoryDecisionStore struct {
	mu       sync.RWMutex
	ring     []event.Decision
	next     int
	full     bool
	seen     map[uuid.UUID]struct{}
	capacity int
}

func NewMemoryDecisionStore(capacity int) *MemoryDecisionStore {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryDecisionStore{
		ring:     make([]event.Decision, capacity),
		seen:     make(map[uuid.UUID]struct{}, capacity),
		capacity: capacity,
	}
}

func (s *MemoryDecisionStore) AppendBatch(ctx context.Context, decisions []event.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range decisions {
		if _, dup := s.seen[d.DecisionID]; dup {
			continue
		}
		if s.full {
			delete(s.seen, s.ring[s.next].DecisionID)
		}
		s.ring[s.next] = d
		s.seen[d.DecisionID] = struct{}{}
		s.next = (s.next + 1) % s.capacity
		if s.next == 0 {
			s.full = true
		}
	}
	return nil
}

// Recent returns records in reverse append order. Appends arrive in
// decision order from the single pipeline, so this is most recent first.
func (s *MemoryDecisionStore) Recent(ctx context.Context, limit int) ([]event.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	size := s.next
	if s.full {
		size = s.capacity
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]event.Decision, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (s.next - 1 - i + s.capacity) % s.capacity
		out = append(out, s.ring[idx])
	}
	return out, nil
}

// Len returns the number of stored decisions.
func (s *MemoryDecisionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.full {
		return s.capacity
	}
	return s.next
}
