// Package dispatch routes intents to the policy, runner, gate, and phase
// machine, persisting every resulting event before it is published.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/openclaw/runbox/internal/bus"
	"github.com/openclaw/runbox/internal/event"
	"github.com/openclaw/runbox/internal/gate"
	"github.com/openclaw/runbox/internal/ledger"
	"github.com/openclaw/runbox/internal/logging"
	"github.com/openclaw/runbox/internal/phase"
	"github.com/openclaw/runbox/internal/policy"
	"github.com/openclaw/runbox/internal/runner"
	"github.com/openclaw/runbox/internal/telemetry"
)

// Options tune the auto-fix retry loop.
type Options struct {
	// MaxAttempts bounds total invocations per command, rewrites included.
	MaxAttempts int
	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration
	// WorkDir is the working directory for spawned processes.
	WorkDir string
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 250 * time.Millisecond
	}
	return o
}

// Dispatcher handles intents for a single run.
type Dispatcher struct {
	runID      string
	policy     *policy.Policy
	runner     *runner.Runner
	gate       *gate.Gate
	ledger     *ledger.Ledger
	bus        *bus.Bus
	machine    *phase.Machine
	classifier Classifier
	logger     *logging.Logger
	opts       Options
}

// NewDispatcher wires a dispatcher over shared infrastructure. A nil
// classifier disables command rewriting but keeps timeout retries.
func NewDispatcher(runID string, pol *policy.Policy, run *runner.Runner, g *gate.Gate, led *ledger.Ledger, b *bus.Bus, m *phase.Machine, cls Classifier, logger *logging.Logger, opts Options) *Dispatcher {
	if cls == nil {
		cls = NewRegexClassifier()
	}
	return &Dispatcher{
		runID:      runID,
		policy:     pol,
		runner:     run,
		gate:       g,
		ledger:     led,
		bus:        b,
		machine:    m,
		classifier: cls,
		logger:     logger.WithComponent("dispatch").WithRunID(runID),
		opts:       opts.withDefaults(),
	}
}

// Machine exposes the run's phase machine.
func (d *Dispatcher) Machine() *phase.Machine {
	return d.machine
}

// Dispatch routes one intent. The switch is exhaustive over the intent
// union; a new variant without a case here fails loudly at review time.
func (d *Dispatcher) Dispatch(ctx context.Context, in event.Intent) error {
	switch in := in.(type) {
	case event.ExecCommand:
		return d.execCommand(ctx, in)

	case event.Cancel:
		d.runner.Kill(in.TargetCorrelationID)
		d.gate.CancelByCorrelation(in.TargetCorrelationID)
		return nil

	case event.GrantPermission:
		d.gate.Resolve(in.RequestID, true)
		return nil

	case event.DenyPermission:
		d.gate.Resolve(in.RequestID, false)
		return nil

	case event.Reset:
		d.machine.Send(phase.Event{Type: phase.Reset})
		return nil

	case event.PhaseIntent:
		d.machine.Send(phase.Event{Type: phase.EventType(in.Name)})
		return nil

	default:
		return fmt.Errorf("unhandled intent %T", in)
	}
}

// execCommand gates a raw command through the policy and either runs it,
// parks it for approval, or records the denial. Denied commands never
// reach the runner.
func (d *Dispatcher) execCommand(ctx context.Context, in event.ExecCommand) error {
	_, span := telemetry.StartSpan(ctx, "dispatch.exec",
		attribute.String("correlation_id", in.CorrelationID))
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	dec := d.policy.Decide(in.Command)
	switch dec.Kind {
	case policy.Deny:
		d.logger.SecurityDeny(in.Command, dec.Reason)
		d.emit(in.CorrelationID, event.SecurityViolation{
			Policy:        dec.Reason,
			AttemptedPath: dec.Path,
		})
		d.emit(in.CorrelationID, event.WorkflowError{
			Error:    fmt.Sprintf("command rejected: %s", dec.Reason),
			Severity: event.SeverityWarn,
		})
		err = fmt.Errorf("%w: %s", ErrPolicyViolation, dec.Reason)
		return err

	case policy.RequirePermission:
		d.parkForPermission(in.CorrelationID, dec)
		return nil

	case policy.Allow:
		err = d.runLoop(in.CorrelationID, *dec.Command)
		return err

	default:
		err = fmt.Errorf("unhandled decision kind %v", dec.Kind)
		return err
	}
}

// parkForPermission stores the parsed argv with the request, so what the
// operator approves is exactly what runs. The continuation fires at most
// once and executes on the resolver's goroutine, so a grant blocks its
// caller until the command finishes.
func (d *Dispatcher) parkForPermission(correlationID string, dec policy.Decision) {
	cmd := *dec.Command
	requestID := d.gate.Park(correlationID, cmd, string(dec.Risk), func(granted bool) {
		if granted {
			d.machine.Send(phase.Event{Type: phase.PermissionGranted})
			if err := d.runLoop(correlationID, cmd); err != nil {
				d.logger.Error("approved command failed", map[string]interface{}{
					"correlation_id": correlationID,
					"error":          err.Error(),
				})
			}
			return
		}
		d.machine.Send(phase.Event{Type: phase.PermissionDenied})
		d.emit(correlationID, event.WorkflowError{
			Error:    fmt.Sprintf("%v: %s", ErrPermissionDenied, cmd.String()),
			Severity: event.SeverityWarn,
		})
	})

	d.logger.PermissionRequested(requestID, cmd.String(), string(dec.Risk))
	d.emit(correlationID, event.PermissionRequested{
		RequestID: requestID,
		Command:   cmd.String(),
		RiskLevel: string(dec.Risk),
	})
	d.machine.Send(phase.Event{Type: phase.PermissionRequired, RequestID: requestID})
}

// runLoop executes a command with bounded retries. Classifier rewrites
// pass back through the policy and are only adopted when allowed outright.
func (d *Dispatcher) runLoop(correlationID string, cmd policy.ParsedCommand) error {
	current := cmd
	for attempt := 1; ; attempt++ {
		res, err := d.runner.Run(correlationID, current, d.opts.WorkDir, func(p event.Payload) {
			d.emit(correlationID, p)
		})
		if err != nil {
			d.emit(correlationID, event.WorkflowError{
				Error:    fmt.Sprintf("spawn %s: %v", current.Program, err),
				Severity: event.SeverityFatal,
			})
			d.machine.Send(phase.Event{Type: phase.BuildError, Error: err.Error()})
			return fmt.Errorf("%w: %v", ErrSpawnFailure, err)
		}

		if res.ExitCode == 0 && !res.TimedOut {
			d.machine.Send(phase.Event{Type: phase.BuildSuccess})
			return nil
		}

		d.machine.Send(phase.Event{Type: phase.BuildError, Error: res.StderrTail})

		if attempt >= d.opts.MaxAttempts {
			d.emit(correlationID, event.WorkflowError{
				Error:    fmt.Sprintf("%s failed after %d attempts", current.Program, attempt),
				Severity: event.SeverityFatal,
			})
			if res.TimedOut {
				return fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, ErrProcessTimeout)
			}
			return fmt.Errorf("%w: exit %d", ErrMaxRetriesExceeded, res.ExitCode)
		}

		cls := d.classifier.Classify(current.String(), res)
		if !cls.Retryable {
			d.emit(correlationID, event.WorkflowError{
				Error:    fmt.Sprintf("%s failed with exit %d", current.Program, res.ExitCode),
				Severity: event.SeverityFatal,
			})
			if res.TimedOut {
				return fmt.Errorf("%w: %s", ErrProcessTimeout, current.Program)
			}
			return fmt.Errorf("command failed: exit %d", res.ExitCode)
		}
		if cls.Replacement != "" {
			if rd := d.policy.Decide(cls.Replacement); rd.Kind == policy.Allow {
				d.logger.Info("classifier rewrote command", map[string]interface{}{
					"correlation_id": correlationID,
					"replacement":    rd.Command.String(),
				})
				current = *rd.Command
			} else {
				d.logger.Warn("classifier rewrite rejected", map[string]interface{}{
					"replacement": cls.Replacement,
					"reason":      rd.Reason,
				})
			}
		}

		time.Sleep(d.opts.RetryDelay)
	}
}

// emit persists an event and then publishes it. Persistence failures are
// logged and do not block delivery; the bus is best-effort, the ledger is
// the source of truth when it is durable.
func (d *Dispatcher) emit(correlationID string, p event.Payload) {
	ev := event.New(d.runID, correlationID, p)
	if _, err := d.ledger.Append(d.runID, ev); err != nil {
		d.logger.Error("ledger append", map[string]interface{}{
			"type":  string(ev.Type()),
			"error": err.Error(),
		})
	}
	d.bus.Publish(d.runID, ev)
}
