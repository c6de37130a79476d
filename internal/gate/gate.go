// Package gate suspends gated commands until an explicit grant or deny.
package gate

import (
	"sync"

	"github.com/google/uuid"

	"github.com/openclaw/runbox/internal/logging"
	"github.com/openclaw/runbox/internal/policy"
)

// Request is a parked approval. The continuation resolves at most once;
// later resolutions are no-ops.
type Request struct {
	ID            string
	CorrelationID string
	Command       policy.ParsedCommand
	RiskLevel     string

	resolve func(granted bool)
}

// Gate holds pending permission requests keyed by request id.
type Gate struct {
	mu      sync.Mutex
	pending map[string]*Request
	logger  *logging.Logger
}

// New creates an empty gate.
func New(logger *logging.Logger) *Gate {
	return &Gate{
		pending: make(map[string]*Request),
		logger:  logger.WithComponent("gate"),
	}
}

// Park stores a one-shot continuation for an approval decision and returns
// the request id. The continuation captures the argv parsed at decision
// time; it is never re-derived from the raw string at grant time.
func (g *Gate) Park(correlationID string, cmd policy.ParsedCommand, riskLevel string, resolve func(granted bool)) string {
	id := uuid.NewString()

	g.mu.Lock()
	g.pending[id] = &Request{
		ID:            id,
		CorrelationID: correlationID,
		Command:       cmd,
		RiskLevel:     riskLevel,
		resolve:       resolve,
	}
	g.mu.Unlock()

	g.logger.PermissionRequested(id, cmd.String(), riskLevel)
	return id
}

// Resolve settles a pending request. Resolving an unknown or already
// settled id is a logged no-op so duplicate approval signals are tolerated.
// It returns whether the continuation actually ran.
func (g *Gate) Resolve(requestID string, granted bool) bool {
	g.mu.Lock()
	req, ok := g.pending[requestID]
	if ok {
		delete(g.pending, requestID)
	}
	g.mu.Unlock()

	if !ok {
		g.logger.Info("duplicate or unknown permission resolution", map[string]interface{}{
			"request_id": requestID,
		})
		return false
	}

	g.logger.PermissionResolved(requestID, granted)
	req.resolve(granted)
	return true
}

// CancelByCorrelation rejects any request pending for the given correlation
// id. Used when the logical command is cancelled.
func (g *Gate) CancelByCorrelation(correlationID string) {
	g.mu.Lock()
	var cancelled []*Request
	for id, req := range g.pending {
		if req.CorrelationID == correlationID {
			cancelled = append(cancelled, req)
			delete(g.pending, id)
		}
	}
	g.mu.Unlock()

	for _, req := range cancelled {
		g.logger.PermissionResolved(req.ID, false)
		req.resolve(false)
	}
}

// RejectAll rejects every pending request. Used at run teardown.
func (g *Gate) RejectAll() {
	g.mu.Lock()
	pending := make([]*Request, 0, len(g.pending))
	for id, req := range g.pending {
		pending = append(pending, req)
		delete(g.pending, id)
	}
	g.mu.Unlock()

	for _, req := range pending {
		g.logger.PermissionResolved(req.ID, false)
		req.resolve(false)
	}
}

// Pending returns a snapshot of a parked request, if any.
func (g *Gate) Pending(requestID string) (Request, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.pending[requestID]
	if !ok {
		return Request{}, false
	}
	return *req, true
}
