package dispatch

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/openclaw/runbox/internal/bus"
	"github.com/openclaw/runbox/internal/event"
	"github.com/openclaw/runbox/internal/ledger"
	"github.com/openclaw/runbox/internal/logging"
	"github.com/openclaw/runbox/internal/phase"
	"github.com/openclaw/runbox/internal/policy"
	"github.com/openclaw/runbox/internal/runner"
)

func testLogger() *logging.Logger {
	l := logging.New()
	l.SetOutput(io.Discard)
	return l
}

func testDeps(t *testing.T) Deps {
	t.Helper()
	return Deps{
		Policy: policy.New(),
		Ledger: ledger.NewWithStore(ledger.NewMemoryStore(), false),
		Bus:    bus.New(),
		Logger: testLogger(),
		Limits: runner.Limits{Timeout: 5 * time.Second},
		Dispatch: Options{
			MaxAttempts: 2,
			RetryDelay:  time.Millisecond,
			WorkDir:     t.TempDir(),
		},
		Phase: phase.Options{
			ErrorDelay: time.Hour, // recovery dwell never fires in tests
			FixDelay:   time.Hour,
			MaxRetries: 3,
		},
	}
}

func openRun(t *testing.T, deps Deps) *Run {
	t.Helper()
	reg := NewRegistry(deps)
	run, err := reg.Open("run-1")
	if err != nil {
		t.Fatalf("open run: %v", err)
	}
	return run
}

// driveToExecuting walks the machine into the building phase so build
// outcomes apply.
func driveToExecuting(t *testing.T, run *Run) {
	t.Helper()
	ctx := context.Background()
	for _, name := range []string{"START_PLANNING", "PLAN_COMPLETE", "PLAN_COMPLETE"} {
		if err := run.Dispatcher.Dispatch(ctx, event.PhaseIntent{Name: name}); err != nil {
			t.Fatalf("phase intent %s: %v", name, err)
		}
	}
	if got := run.Machine.State(); got != phase.StateExecuting {
		t.Fatalf("state = %s, want executing", got)
	}
}

func ledgerTypes(t *testing.T, deps Deps) []string {
	t.Helper()
	records, err := deps.Ledger.Recent("run-1", 1000)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	types := make([]string, len(records))
	for i, rec := range records {
		types[i] = rec.Type
	}
	return types
}

func hasType(types []string, want event.Type) bool {
	for _, typ := range types {
		if typ == string(want) {
			return true
		}
	}
	return false
}

func TestDispatch_DeniedCommandNeverSpawns(t *testing.T) {
	deps := testDeps(t)
	run := openRun(t, deps)

	err := run.Dispatcher.Dispatch(context.Background(), event.ExecCommand{
		CorrelationID: "corr-1",
		Command:       "rm -rf /",
	})
	if !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("err = %v, want ErrPolicyViolation", err)
	}

	types := ledgerTypes(t, deps)
	if !hasType(types, event.TypeSecurityViolation) {
		t.Errorf("no SECURITY_VIOLATION in ledger: %v", types)
	}
	if !hasType(types, event.TypeWorkflowError) {
		t.Errorf("no WORKFLOW_ERROR in ledger: %v", types)
	}
	if hasType(types, event.TypeProcessStarted) {
		t.Errorf("denied command spawned a process: %v", types)
	}
}

func TestDispatch_AllowedCommandRuns(t *testing.T) {
	deps := testDeps(t)
	run := openRun(t, deps)
	driveToExecuting(t, run)

	err := run.Dispatcher.Dispatch(context.Background(), event.ExecCommand{
		CorrelationID: "corr-1",
		Command:       "echo dispatched",
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	types := ledgerTypes(t, deps)
	for _, want := range []event.Type{event.TypeProcessStarted, event.TypeStdoutChunk, event.TypeProcessExited} {
		if !hasType(types, want) {
			t.Errorf("missing %s in ledger: %v", want, types)
		}
	}
	if got := run.Machine.State(); got != phase.StateReviewing {
		t.Errorf("state after success = %s, want reviewing", got)
	}
}

func TestDispatch_EventsPublishedInOrder(t *testing.T) {
	deps := testDeps(t)
	reg := NewRegistry(deps)

	var published []event.Type
	deps.Bus.Subscribe("run-1", func(ev event.Event) {
		published = append(published, ev.Type())
	})

	run, err := reg.Open("run-1")
	if err != nil {
		t.Fatalf("open run: %v", err)
	}
	if err := run.Dispatcher.Dispatch(context.Background(), event.ExecCommand{
		CorrelationID: "corr-1",
		Command:       "echo ordered",
	}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if len(published) == 0 || published[0] != event.TypeSysReady {
		t.Fatalf("first published = %v, want SYS_READY", published)
	}
	if published[len(published)-1] != event.TypeProcessExited {
		t.Errorf("last published = %s, want PROCESS_EXITED", published[len(published)-1])
	}
}

func TestDispatch_PermissionGrantRunsCapturedArgv(t *testing.T) {
	deps := testDeps(t)
	run := openRun(t, deps)
	driveToExecuting(t, run)

	var requestID string
	deps.Bus.Subscribe("run-1", func(ev event.Event) {
		if p, ok := ev.Payload.(event.PermissionRequested); ok {
			requestID = p.RequestID
		}
	})

	ctx := context.Background()
	// git is safe but push is outside the read-only subcommand set.
	if err := run.Dispatcher.Dispatch(ctx, event.ExecCommand{
		CorrelationID: "corr-1",
		Command:       "git push origin main",
	}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if requestID == "" {
		t.Fatal("no permission request emitted")
	}
	if got := run.Machine.State(); got != phase.StateWaitingPermission {
		t.Fatalf("state = %s, want waiting_for_permission", got)
	}
	if hasType(ledgerTypes(t, deps), event.TypeProcessStarted) {
		t.Fatal("process spawned before approval")
	}

	if err := run.Dispatcher.Dispatch(ctx, event.GrantPermission{RequestID: requestID}); err != nil {
		t.Fatalf("grant: %v", err)
	}

	// The grant unparks and runs the captured argv synchronously; the push
	// fails outside a repository but the spawn itself must have happened.
	if !hasType(ledgerTypes(t, deps), event.TypeProcessStarted) {
		t.Error("approved command never spawned")
	}
}

func TestDispatch_PermissionDenied(t *testing.T) {
	deps := testDeps(t)
	run := openRun(t, deps)
	driveToExecuting(t, run)

	var requestID string
	deps.Bus.Subscribe("run-1", func(ev event.Event) {
		if p, ok := ev.Payload.(event.PermissionRequested); ok {
			requestID = p.RequestID
		}
	})

	ctx := context.Background()
	if err := run.Dispatcher.Dispatch(ctx, event.ExecCommand{
		CorrelationID: "corr-1",
		Command:       "curl https://example.com",
	}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := run.Dispatcher.Dispatch(ctx, event.DenyPermission{RequestID: requestID}); err != nil {
		t.Fatalf("deny: %v", err)
	}

	types := ledgerTypes(t, deps)
	if hasType(types, event.TypeProcessStarted) {
		t.Error("denied command spawned")
	}
	if !hasType(types, event.TypeWorkflowError) {
		t.Error("denial produced no WORKFLOW_ERROR")
	}
	if got := run.Machine.State(); got != phase.StateNeedsAssistance {
		t.Errorf("state = %s, want needs_assistance", got)
	}
}

func TestDispatch_DuplicateGrantIsNoOp(t *testing.T) {
	deps := testDeps(t)
	run := openRun(t, deps)
	driveToExecuting(t, run)

	var requestID string
	deps.Bus.Subscribe("run-1", func(ev event.Event) {
		if p, ok := ev.Payload.(event.PermissionRequested); ok {
			requestID = p.RequestID
		}
	})

	ctx := context.Background()
	if err := run.Dispatcher.Dispatch(ctx, event.ExecCommand{
		CorrelationID: "corr-1",
		Command:       "git push",
	}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if err := run.Dispatcher.Dispatch(ctx, event.GrantPermission{RequestID: requestID}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	started := 0
	for _, typ := range ledgerTypes(t, deps) {
		if typ == string(event.TypeProcessStarted) {
			started++
		}
	}

	if err := run.Dispatcher.Dispatch(ctx, event.GrantPermission{RequestID: requestID}); err != nil {
		t.Fatalf("duplicate grant: %v", err)
	}
	startedAfter := 0
	for _, typ := range ledgerTypes(t, deps) {
		if typ == string(event.TypeProcessStarted) {
			startedAfter++
		}
	}
	if startedAfter != started {
		t.Errorf("duplicate grant spawned again: %d -> %d", started, startedAfter)
	}
}

// stubClassifier always proposes one replacement command.
type stubClassifier struct {
	retryable   bool
	replacement string
}

func (s stubClassifier) Classify(string, runner.Result) Classification {
	return Classification{Retryable: s.retryable, Replacement: s.replacement}
}

func TestDispatch_RetryWithAllowedRewrite(t *testing.T) {
	deps := testDeps(t)
	deps.Classifier = stubClassifier{retryable: true, replacement: "true"}
	run := openRun(t, deps)
	driveToExecuting(t, run)

	err := run.Dispatcher.Dispatch(context.Background(), event.ExecCommand{
		CorrelationID: "corr-1",
		Command:       "false",
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := run.Machine.State(); got != phase.StateReviewing {
		t.Errorf("state = %s, want reviewing after rewrite success", got)
	}
}

func TestDispatch_RewriteMustPassPolicy(t *testing.T) {
	deps := testDeps(t)
	// A rewrite into a destructive command must be discarded, so the
	// original keeps failing until attempts run out.
	deps.Classifier = stubClassifier{retryable: true, replacement: "rm -rf /"}
	run := openRun(t, deps)
	driveToExecuting(t, run)

	err := run.Dispatcher.Dispatch(context.Background(), event.ExecCommand{
		CorrelationID: "corr-1",
		Command:       "false",
	})
	if !errors.Is(err, ErrMaxRetriesExceeded) {
		t.Fatalf("err = %v, want ErrMaxRetriesExceeded", err)
	}
	types := ledgerTypes(t, deps)
	started := 0
	for _, typ := range types {
		if typ == string(event.TypeProcessStarted) {
			started++
		}
	}
	if started != 2 {
		t.Errorf("spawned %d times, want 2 (the original, never the rewrite)", started)
	}
}

func TestDispatch_NonRetryableFailsImmediately(t *testing.T) {
	deps := testDeps(t)
	deps.Classifier = stubClassifier{retryable: false}
	run := openRun(t, deps)
	driveToExecuting(t, run)

	err := run.Dispatcher.Dispatch(context.Background(), event.ExecCommand{
		CorrelationID: "corr-1",
		Command:       "false",
	})
	if err == nil {
		t.Fatal("expected failure")
	}
	started := 0
	for _, typ := range ledgerTypes(t, deps) {
		if typ == string(event.TypeProcessStarted) {
			started++
		}
	}
	if started != 1 {
		t.Errorf("spawned %d times, want 1", started)
	}
}

func TestDispatch_SpawnFailure(t *testing.T) {
	deps := testDeps(t)
	run := openRun(t, deps)
	driveToExecuting(t, run)

	tables := policy.DefaultTables()
	tables.Safe["no-such-program-xyz"] = true
	deps.Policy.SetTables(tables)

	err := run.Dispatcher.Dispatch(context.Background(), event.ExecCommand{
		CorrelationID: "corr-1",
		Command:       "no-such-program-xyz",
	})
	if !errors.Is(err, ErrSpawnFailure) {
		t.Fatalf("err = %v, want ErrSpawnFailure", err)
	}
	if !hasType(ledgerTypes(t, deps), event.TypeWorkflowError) {
		t.Error("spawn failure produced no WORKFLOW_ERROR")
	}
}

func TestDispatch_CancelKillsProcessAndPending(t *testing.T) {
	deps := testDeps(t)
	run := openRun(t, deps)
	driveToExecuting(t, run)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		done <- run.Dispatcher.Dispatch(ctx, event.ExecCommand{
			CorrelationID: "corr-1",
			Command:       "sleep 30",
		})
	}()

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, live := run.Runner.Live("corr-1"); live {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("process never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := run.Dispatcher.Dispatch(ctx, event.Cancel{TargetCorrelationID: "corr-1"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled command never returned")
	}
}

func TestRegistry_OpenIsIdempotent(t *testing.T) {
	reg := NewRegistry(testDeps(t))
	a, err := reg.Open("run-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	b, err := reg.Open("run-1")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if a != b {
		t.Error("reopening a live run created a second instance")
	}
}

func TestRegistry_IndependentRuns(t *testing.T) {
	reg := NewRegistry(testDeps(t))
	a, err := reg.Open("run-a")
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	b, err := reg.Open("run-b")
	if err != nil {
		t.Fatalf("open b: %v", err)
	}

	a.Machine.Send(phase.Event{Type: phase.StartPlanning})
	if got := b.Machine.State(); got != phase.StateIdle {
		t.Errorf("run-b state = %s, want idle", got)
	}

	ids := reg.IDs()
	if len(ids) != 2 || ids[0] != "run-a" || ids[1] != "run-b" {
		t.Errorf("ids = %v", ids)
	}
}

func TestRegistry_ReopenResumesFromSnapshot(t *testing.T) {
	deps := testDeps(t)
	reg := NewRegistry(deps)

	run, err := reg.Open("run-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	driveToExecuting(t, run)
	reg.Close("run-1")

	reg2 := NewRegistry(deps)
	resumed, err := reg2.Open("run-1")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := resumed.Machine.State(); got != phase.StateExecuting {
		t.Errorf("resumed state = %s, want executing", got)
	}
}
