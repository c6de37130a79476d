package ledger

import (
	"sync"
	"time"
)

// MemoryStore is the non-durable fallback backend. It implements the same
// read/write contract as the durable store so callers never branch on
// storage mode.
type MemoryStore struct {
	mu        sync.Mutex
	nextSeq   int64
	events    map[string][]Record
	snapshots map[string]*Snapshot
}

// NewMemoryStore creates an in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:    make(map[string][]Record),
		snapshots: make(map[string]*Snapshot),
	}
}

// CreateRun registers a run id.
func (s *MemoryStore) CreateRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[runID]; !ok {
		s.events[runID] = nil
	}
	return nil
}

// AppendEvent appends a record and returns its monotonic id.
func (s *MemoryStore) AppendEvent(runID, typ string, payload []byte, ts time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	rec := Record{
		RunID:     runID,
		Seq:       s.nextSeq,
		Type:      typ,
		Payload:   append([]byte(nil), payload...),
		Timestamp: ts,
	}
	s.events[runID] = append(s.events[runID], rec)
	return rec.Seq, nil
}

// RecentEvents returns the newest events in append order (ascending).
func (s *MemoryStore) RecentEvents(runID string, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.events[runID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]Record, len(all))
	copy(out, all)
	return out, nil
}

// SaveSnapshot replaces the latest snapshot for a run.
func (s *MemoryStore) SaveSnapshot(runID, stateValue string, context []byte, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[runID] = &Snapshot{
		RunID:      runID,
		StateValue: stateValue,
		Context:    append([]byte(nil), context...),
		Timestamp:  ts,
	}
	return nil
}

// LatestSnapshot returns the most recent snapshot, or ErrRunNotFound.
func (s *MemoryStore) LatestSnapshot(runID string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := *snap
	return &cp, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
