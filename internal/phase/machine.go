// Package phase implements the workflow state machine driving a run from
// planning through deployment, with error-recovery sub-states.
package phase

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/openclaw/runbox/internal/ledger"
	"github.com/openclaw/runbox/internal/logging"
)

// State is an explicit workflow state. Building sub-states share the
// "building." prefix.
type State string

const (
	StateIdle              State = "idle"
	StatePlanning          State = "planning"
	StatePlanEdit          State = "plan_edit"
	StateExecuting         State = "building.executing"
	StateWaitingPermission State = "building.waiting_for_permission"
	StateAnalyzingError    State = "building.analyzing_error"
	StateAutoFixing        State = "building.auto_fixing"
	StateReviewing         State = "reviewing"
	StateGateReady         State = "gate_ready"
	StateDeploying         State = "deploying"
	StateNeedsAssistance   State = "needs_assistance"
)

// InBuilding reports whether s is a building sub-state.
func (s State) InBuilding() bool {
	switch s {
	case StateExecuting, StateWaitingPermission, StateAnalyzingError, StateAutoFixing:
		return true
	}
	return false
}

// EventType names a machine input.
type EventType string

const (
	StartPlanning      EventType = "START_PLANNING"
	PlanComplete       EventType = "PLAN_COMPLETE"
	EditPlan           EventType = "EDIT_PLAN"
	PermissionRequired EventType = "PERMISSION_REQUIRED"
	PermissionGranted  EventType = "PERMISSION_GRANTED"
	PermissionDenied   EventType = "PERMISSION_DENIED"
	BuildError         EventType = "BUILD_ERROR"
	BuildSuccess       EventType = "BUILD_SUCCESS"
	ApproveDeploy      EventType = "APPROVE_DEPLOY"
	Reset              EventType = "RESET"
)

// Event is a machine input with its variant payload.
type Event struct {
	Type EventType
	// RequestID accompanies PermissionRequired.
	RequestID string
	// Error accompanies BuildError.
	Error string
}

// Context is the run-scoped mutable state, persisted with every snapshot.
type Context struct {
	RunID                      string `json:"run_id"`
	Retries                    int    `json:"retries"`
	LastError                  string `json:"last_error,omitempty"`
	PendingPermissionRequestID string `json:"pending_permission_request_id,omitempty"`
}

// Options tune recovery timing and bounds.
type Options struct {
	// ErrorDelay is the dwell in analyzing_error before routing to
	// auto_fixing or needs_assistance.
	ErrorDelay time.Duration
	// FixDelay is the dwell in auto_fixing before re-entering executing.
	FixDelay time.Duration
	// MaxRetries bounds consecutive build failures before escalation.
	MaxRetries int
}

func (o Options) withDefaults() Options {
	if o.ErrorDelay <= 0 {
		o.ErrorDelay = 500 * time.Millisecond
	}
	if o.FixDelay <= 0 {
		o.FixDelay = 200 * time.Millisecond
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	return o
}

// Machine processes events one at a time per run, so transitions stay
// deterministic. Every state entry persists a snapshot for crash resumption.
type Machine struct {
	mu     sync.Mutex
	state  State
	ctx    Context
	store  *ledger.Ledger
	logger *logging.Logger
	opts   Options

	timer    *time.Timer
	timerGen uint64
}

// New creates a machine in the idle state.
func New(runID string, store *ledger.Ledger, logger *logging.Logger, opts Options) *Machine {
	m := &Machine{
		state:  StateIdle,
		ctx:    Context{RunID: runID},
		store:  store,
		logger: logger.WithComponent("phase").WithRunID(runID),
		opts:   opts.withDefaults(),
	}
	return m
}

// Resume reloads the latest snapshot so a restarted process continues in
// the exact state it crashed in, including retry count and pending
// permission id. A run with no snapshot starts idle.
func Resume(runID string, store *ledger.Ledger, logger *logging.Logger, opts Options) (*Machine, error) {
	m := New(runID, store, logger, opts)

	snap, err := store.LatestSnapshot(runID)
	if err != nil {
		if err == ledger.ErrRunNotFound {
			return m, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var ctx Context
	if err := json.Unmarshal(snap.Context, &ctx); err != nil {
		return nil, fmt.Errorf("decode snapshot context: %w", err)
	}
	m.state = State(snap.StateValue)
	m.ctx = ctx

	// Re-arm the delayed transition if we crashed mid-dwell.
	m.mu.Lock()
	switch m.state {
	case StateAnalyzingError:
		m.scheduleErrorRoutingLocked()
	case StateAutoFixing:
		m.scheduleLocked(m.opts.FixDelay, func() {
			m.enterLocked(StateExecuting)
		})
	}
	m.mu.Unlock()

	return m, nil
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Context returns a copy of the workflow context.
func (m *Machine) Context() Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx
}

// Send applies one event. Events that do not apply in the current state are
// ignored with a debug log, so stale signals cannot corrupt the machine.
func (m *Machine) Send(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	switch ev.Type {
	case Reset:
		m.ctx = Context{RunID: m.ctx.RunID}
		m.enterLocked(StateIdle)

	case StartPlanning:
		if m.state == StateIdle {
			m.enterLocked(StatePlanning)
		}

	case PlanComplete:
		switch m.state {
		case StatePlanning:
			m.enterLocked(StatePlanEdit)
		case StatePlanEdit:
			m.enterLocked(StateExecuting)
		}

	case EditPlan:
		if m.state == StatePlanning {
			m.enterLocked(StatePlanEdit)
		}

	case PermissionRequired:
		if m.state.InBuilding() {
			m.ctx.PendingPermissionRequestID = ev.RequestID
			m.enterLocked(StateWaitingPermission)
		}

	case PermissionGranted:
		if m.state == StateWaitingPermission {
			m.ctx.PendingPermissionRequestID = ""
			m.enterLocked(StateExecuting)
		}

	case PermissionDenied:
		if m.state == StateWaitingPermission {
			m.ctx.PendingPermissionRequestID = ""
			m.enterLocked(StateNeedsAssistance)
		}

	case BuildError:
		if m.state == StateExecuting {
			m.ctx.LastError = ev.Error
			m.ctx.Retries++
			m.enterLocked(StateAnalyzingError)
		}

	case BuildSuccess:
		// A retried command can succeed while an earlier failure is still
		// dwelling in recovery, so success applies from any of the three
		// execution sub-states.
		switch m.state {
		case StateExecuting, StateAnalyzingError, StateAutoFixing:
			m.ctx.Retries = 0
			m.ctx.LastError = ""
			m.enterLocked(StateReviewing)
		}

	case ApproveDeploy:
		if m.state == StateReviewing {
			m.enterLocked(StateGateReady)
			m.enterLocked(StateDeploying)
		}

	default:
		m.logger.Warn("unknown machine event", map[string]interface{}{"event": string(ev.Type)})
	}

	if m.state == from {
		m.logger.Debug("event ignored in state", map[string]interface{}{
			"event": string(ev.Type),
			"state": string(from),
		})
	}
}

// enterLocked performs a state entry: cancel any pending delayed
// transition, persist a snapshot, and arm the new state's timer.
func (m *Machine) enterLocked(to State) {
	m.cancelTimerLocked()

	from := m.state
	m.state = to
	m.logger.StateTransition(string(from), string(to), m.ctx.Retries)
	m.persistLocked()

	switch to {
	case StateAnalyzingError:
		m.scheduleErrorRoutingLocked()
	case StateAutoFixing:
		m.scheduleLocked(m.opts.FixDelay, func() {
			m.enterLocked(StateExecuting)
		})
	}
}

// scheduleErrorRoutingLocked routes analyzing_error onward after the dwell:
// bounded retries go to auto_fixing, exhaustion goes to needs_assistance.
func (m *Machine) scheduleErrorRoutingLocked() {
	m.scheduleLocked(m.opts.ErrorDelay, func() {
		if m.ctx.Retries < m.opts.MaxRetries {
			m.enterLocked(StateAutoFixing)
		} else {
			m.enterLocked(StateNeedsAssistance)
		}
	})
}

// scheduleLocked arms a delayed transition. The generation guard makes a
// timer that outlives its state a no-op, so stray transitions cannot fire
// after the state has already changed.
func (m *Machine) scheduleLocked(d time.Duration, fn func()) {
	m.timerGen++
	gen := m.timerGen
	m.timer = time.AfterFunc(d, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if gen != m.timerGen {
			return
		}
		fn()
	})
}

// cancelTimerLocked invalidates any pending delayed transition.
func (m *Machine) cancelTimerLocked() {
	m.timerGen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// persistLocked snapshots the current state and context.
func (m *Machine) persistLocked() {
	data, err := json.Marshal(m.ctx)
	if err != nil {
		m.logger.Error("marshal context", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := m.store.SaveSnapshot(m.ctx.RunID, string(m.state), data); err != nil {
		m.logger.Error("persist snapshot", map[string]interface{}{"error": err.Error()})
	}
}
