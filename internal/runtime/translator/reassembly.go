package translator

import (
	"sync"
	"time"

	errspkg "github.com/drblury/momflow/internal/runtime/errors"
)

// ReassemblyBuffer collects the chunks of one split message.
type ReassemblyBuffer struct {
	MID      string
	Count    int32
	Received int32
	Started  time.Time

	// slots grows with the chunks actually received, never with Count.
	slots map[int32]Chunk
}

// EvictFunc observes buffers dropped to respect the pending cap.
type EvictFunc func(buf ReassemblyBuffer)

// ReassemblyStore maps split ids to in-progress buffers. Abandoned buffers are
// kept until completion unless a cap is set, in which case the oldest pending
// buffer is evicted to make room.
type ReassemblyStore struct {
	mu         sync.Mutex
	buffers    map[string]*ReassemblyBuffer
	order      []string
	maxPending int
	onEvict    EvictFunc
}

// NewReassemblyStore returns a store; maxPending <= 0 means no cap.
func NewReassemblyStore(maxPending int) *ReassemblyStore {
	return &ReassemblyStore{
		buffers:    make(map[string]*ReassemblyBuffer),
		maxPending: maxPending,
	}
}

// OnEvict installs fn as the eviction observer.
func (s *ReassemblyStore) OnEvict(fn EvictFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvict = fn
}

// Add slots c into its buffer. It returns the ordered chunk set once every
// ordinal has arrived; repeated ordinals are ignored.
func (s *ReassemblyStore) Add(c Chunk) ([]Chunk, bool, error) {
	if !c.IsSplit() {
		return []Chunk{c}, true, nil
	}
	if c.SplitMID == "" {
		return nil, false, errspkg.NewProtocolError("split chunk without split id")
	}
	if c.SplitOID < 0 || c.SplitOID >= c.SplitCount {
		return nil, false, errspkg.NewProtocolError("split %s: ordinal %d out of range [0,%d)", c.SplitMID, c.SplitOID, c.SplitCount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.buffers[c.SplitMID]
	if !ok {
		s.evictLocked()
		buf = &ReassemblyBuffer{
			MID:     c.SplitMID,
			Count:   c.SplitCount,
			Started: time.Now(),
			slots:   make(map[int32]Chunk),
		}
		s.buffers[c.SplitMID] = buf
		s.order = append(s.order, c.SplitMID)
	}
	if buf.Count != c.SplitCount {
		return nil, false, errspkg.NewProtocolError("split %s: inconsistent chunk count %d and %d", c.SplitMID, buf.Count, c.SplitCount)
	}
	if _, dup := buf.slots[c.SplitOID]; dup {
		return nil, false, nil
	}
	buf.slots[c.SplitOID] = c
	buf.Received++
	if buf.Received < buf.Count {
		return nil, false, nil
	}

	s.removeLocked(c.SplitMID)
	ordered := make([]Chunk, buf.Count)
	for oid, chunk := range buf.slots {
		ordered[oid] = chunk
	}
	return ordered, true, nil
}

// Pending returns the number of incomplete buffers.
func (s *ReassemblyStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffers)
}

// Snapshot lists the incomplete buffers, oldest first.
func (s *ReassemblyStore) Snapshot() []ReassemblyBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ReassemblyBuffer, 0, len(s.order))
	for _, mid := range s.order {
		b := s.buffers[mid]
		out = append(out, ReassemblyBuffer{MID: b.MID, Count: b.Count, Received: b.Received, Started: b.Started})
	}
	return out
}

// Drop discards the buffer for mid, if any.
func (s *ReassemblyStore) Drop(mid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(mid)
}

func (s *ReassemblyStore) evictLocked() {
	if s.maxPending <= 0 {
		return
	}
	for len(s.buffers) >= s.maxPending && len(s.order) > 0 {
		oldest := s.buffers[s.order[0]]
		s.removeLocked(s.order[0])
		if s.onEvict != nil && oldest != nil {
			s.onEvict(ReassemblyBuffer{MID: oldest.MID, Count: oldest.Count, Received: oldest.Received, Started: oldest.Started})
		}
	}
}

func (s *ReassemblyStore) removeLocked(mid string) {
	if _, ok := s.buffers[mid]; !ok {
		return
	}
	delete(s.buffers, mid)
	for i, m := range s.order {
		if m == mid {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}
