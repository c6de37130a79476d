package dispatch

import (
	"fmt"
	"sort"
	"sync"

	"github.com/openclaw/runbox/internal/bus"
	"github.com/openclaw/runbox/internal/event"
	"github.com/openclaw/runbox/internal/gate"
	"github.com/openclaw/runbox/internal/ledger"
	"github.com/openclaw/runbox/internal/logging"
	"github.com/openclaw/runbox/internal/phase"
	"github.com/openclaw/runbox/internal/policy"
	"github.com/openclaw/runbox/internal/runner"
)

// Deps are the shared services a registry wires into every run.
type Deps struct {
	Policy     *policy.Policy
	Ledger     *ledger.Ledger
	Bus        *bus.Bus
	Logger     *logging.Logger
	Limits     runner.Limits
	Classifier Classifier
	Dispatch   Options
	Phase      phase.Options
}

// Run bundles the per-run components behind one id.
type Run struct {
	ID         string
	Dispatcher *Dispatcher
	Machine    *phase.Machine
	Runner     *runner.Runner
	Gate       *gate.Gate
}

// Registry owns the live runs. Callers address runs by id; there is no
// ambient current run.
type Registry struct {
	mu   sync.Mutex
	deps Deps
	runs map[string]*Run
}

// NewRegistry creates an empty registry over shared services.
func NewRegistry(deps Deps) *Registry {
	return &Registry{deps: deps, runs: make(map[string]*Run)}
}

// Open creates or resumes the run with the given id. A resumed run
// continues from its latest persisted phase snapshot. Opening an already
// live run returns it unchanged.
func (r *Registry) Open(runID string) (*Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if run, ok := r.runs[runID]; ok {
		return run, nil
	}

	if err := r.deps.Ledger.CreateRun(runID); err != nil {
		return nil, fmt.Errorf("create run %s: %w", runID, err)
	}

	machine, err := phase.Resume(runID, r.deps.Ledger, r.deps.Logger, r.deps.Phase)
	if err != nil {
		return nil, fmt.Errorf("resume run %s: %w", runID, err)
	}

	proc := runner.New(r.deps.Limits, r.deps.Logger)
	g := gate.New(r.deps.Logger)
	run := &Run{
		ID:         runID,
		Machine:    machine,
		Runner:     proc,
		Gate:       g,
		Dispatcher: NewDispatcher(runID, r.deps.Policy, proc, g, r.deps.Ledger, r.deps.Bus, machine, r.deps.Classifier, r.deps.Logger, r.deps.Dispatch),
	}
	r.runs[runID] = run

	ev := event.New(runID, "", event.SysReady{RunID: runID})
	if _, err := r.deps.Ledger.Append(runID, ev); err != nil {
		r.deps.Logger.Error("ledger append", map[string]interface{}{"error": err.Error()})
	}
	r.deps.Bus.Publish(runID, ev)

	return run, nil
}

// Get looks up a live run.
func (r *Registry) Get(runID string) (*Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	return run, ok
}

// Close tears down one run: live processes are killed, pending permission
// requests rejected, subscribers dropped.
func (r *Registry) Close(runID string) {
	r.mu.Lock()
	run, ok := r.runs[runID]
	delete(r.runs, runID)
	r.mu.Unlock()
	if !ok {
		return
	}
	run.Runner.KillAll()
	run.Gate.RejectAll()
	r.deps.Bus.Unsubscribe(runID)
}

// IDs returns the live run ids in stable order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
