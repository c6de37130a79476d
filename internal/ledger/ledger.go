package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openclaw/runbox/internal/event"
	"github.com/openclaw/runbox/internal/logging"
)

// Ledger fronts a Store with per-run write serialization and event
// serialization. Writes within a run are ordered; distinct runs proceed
// independently.
type Ledger struct {
	store   Store
	durable bool

	mu       sync.Mutex
	runLocks map[string]*sync.Mutex
}

// Open opens the durable backend at path, degrading to the in-memory store
// if it is unavailable. The degradation is logged, not fatal. An empty path
// selects the in-memory store outright.
func Open(path string, logger *logging.Logger) *Ledger {
	if path == "" {
		return &Ledger{store: NewMemoryStore(), runLocks: make(map[string]*sync.Mutex)}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logger.LedgerFallback(err)
		return &Ledger{store: NewMemoryStore(), runLocks: make(map[string]*sync.Mutex)}
	}
	store, err := NewSQLiteStore(path)
	if err != nil {
		logger.LedgerFallback(err)
		return &Ledger{store: NewMemoryStore(), runLocks: make(map[string]*sync.Mutex)}
	}
	return &Ledger{store: store, durable: true, runLocks: make(map[string]*sync.Mutex)}
}

// NewWithStore wraps an explicit backend. durable reports the capability flag.
func NewWithStore(store Store, durable bool) *Ledger {
	return &Ledger{store: store, durable: durable, runLocks: make(map[string]*sync.Mutex)}
}

// Durable reports whether the durable backend is in use.
func (l *Ledger) Durable() bool {
	return l.durable
}

// lockFor returns the per-run write lock.
func (l *Ledger) lockFor(runID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.runLocks[runID]
	if !ok {
		lk = &sync.Mutex{}
		l.runLocks[runID] = lk
	}
	return lk
}

// CreateRun registers a run.
func (l *Ledger) CreateRun(runID string) error {
	return l.store.CreateRun(runID)
}

// Append persists an event. Appends within a run are serialized so replay
// order matches emission order.
func (l *Ledger) Append(runID string, ev event.Event) (int64, error) {
	payload, err := ev.MarshalPayload()
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}

	lk := l.lockFor(runID)
	lk.Lock()
	defer lk.Unlock()
	return l.store.AppendEvent(runID, string(ev.Type()), payload, ev.Timestamp)
}

// Recent returns up to limit persisted records in append order.
func (l *Ledger) Recent(runID string, limit int) ([]Record, error) {
	return l.store.RecentEvents(runID, limit)
}

// SaveSnapshot persists the latest workflow state for a run.
func (l *Ledger) SaveSnapshot(runID, stateValue string, context []byte) error {
	lk := l.lockFor(runID)
	lk.Lock()
	defer lk.Unlock()
	return l.store.SaveSnapshot(runID, stateValue, context, time.Now().UTC())
}

// LatestSnapshot returns the most recent snapshot for a run.
func (l *Ledger) LatestSnapshot(runID string) (*Snapshot, error) {
	return l.store.LatestSnapshot(runID)
}

// Close releases the backend.
func (l *Ledger) Close() error {
	return l.store.Close()
}
