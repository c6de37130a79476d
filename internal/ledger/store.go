// Package ledger provides the append-only event log and latest-state
// snapshot store, keyed by run.
package ledger

import (
	"errors"
	"time"
)

// ErrRunNotFound is returned when a run id has no data.
var ErrRunNotFound = errors.New("run not found")

// Record is one persisted event. Ordering by Seq is the source of truth
// for replay order.
type Record struct {
	RunID     string
	Seq       int64
	Type      string
	Payload   []byte
	Timestamp time.Time
}

// Snapshot is the latest persisted workflow state for a run. Only the most
// recent snapshot per run matters.
type Snapshot struct {
	RunID      string
	StateValue string
	Context    []byte
	Timestamp  time.Time
}

// Store is the pluggable persistence backend. AppendEvent is strictly
// additive; there is no update or delete path. Payload and context are
// opaque blobs round-tripped through the caller's serialization.
type Store interface {
	CreateRun(runID string) error
	AppendEvent(runID, typ string, payload []byte, ts time.Time) (int64, error)
	RecentEvents(runID string, limit int) ([]Record, error)
	SaveSnapshot(runID, stateValue string, context []byte, ts time.Time) error
	LatestSnapshot(runID string) (*Snapshot, error)
	Close() error
}
