package main

import (
	"fmt"
	"time"

	"github.com/openclaw/runbox/internal/bus"
	"github.com/openclaw/runbox/internal/config"
	"github.com/openclaw/runbox/internal/dispatch"
	"github.com/openclaw/runbox/internal/event"
	"github.com/openclaw/runbox/internal/ledger"
	"github.com/openclaw/runbox/internal/logging"
	"github.com/openclaw/runbox/internal/phase"
	"github.com/openclaw/runbox/internal/policy"
	"github.com/openclaw/runbox/internal/runner"
)

// appRuntime holds the wired services shared by CLI commands.
type appRuntime struct {
	cfg      *config.Config
	logger   *logging.Logger
	policy   *policy.Policy
	ledger   *ledger.Ledger
	bus      *bus.Bus
	deps     dispatch.Deps
	registry *dispatch.Registry

	watcher *policy.Watcher
	nats    *bus.NATSSink
}

// buildRuntime loads configuration and wires the runtime services.
func buildRuntime(cli *CLI) (*appRuntime, error) {
	var cfg *config.Config
	var err error
	if cli.Config != "" {
		cfg, err = config.LoadFile(cli.Config)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}

	logger := logging.New()
	if cli.Debug {
		logger.SetLevel(logging.LevelDebug)
	} else {
		logger.SetLevel(logging.ParseLevel(cfg.Logging.Level))
	}

	rt := &appRuntime{
		cfg:    cfg,
		logger: logger,
		policy: policy.New(),
		bus:    bus.New(),
	}

	if cfg.Policy.File != "" {
		tables, err := policy.LoadTables(cfg.Policy.File)
		if err != nil {
			return nil, fmt.Errorf("load policy file: %w", err)
		}
		rt.policy.SetTables(tables)
		if cfg.Policy.Watch {
			w, err := policy.Watch(rt.policy, cfg.Policy.File, logger)
			if err != nil {
				return nil, fmt.Errorf("watch policy file: %w", err)
			}
			rt.watcher = w
		}
	}

	rt.ledger = ledger.Open(cfg.StoragePath(), logger)

	if cfg.Events.NATSURL != "" {
		sink, err := bus.NewNATSSink(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		rt.nats = sink
	}

	rt.deps = dispatch.Deps{
		Policy: rt.policy,
		Ledger: rt.ledger,
		Bus:    rt.bus,
		Logger: logger,
		Limits: runner.Limits{
			Timeout:        config.Duration(cfg.Runner.Timeout, 2*time.Minute),
			MaxStreamBytes: cfg.Runner.MaxStreamBytes,
		},
		Dispatch: dispatch.Options{
			MaxAttempts: cfg.Dispatch.MaxAttempts,
			RetryDelay:  config.Duration(cfg.Dispatch.RetryDelay, 250*time.Millisecond),
			WorkDir:     cfg.Run.Workspace,
		},
		Phase: phase.Options{
			ErrorDelay: config.Duration(cfg.Phase.ErrorDelay, 500*time.Millisecond),
			FixDelay:   config.Duration(cfg.Phase.FixDelay, 200*time.Millisecond),
			MaxRetries: cfg.Phase.MaxRetries,
		},
	}
	rt.registry = dispatch.NewRegistry(rt.deps)

	return rt, nil
}

// setWorkspace overrides the process working directory. Must be called
// before any run is opened.
func (rt *appRuntime) setWorkspace(dir string) {
	rt.deps.Dispatch.WorkDir = dir
	rt.registry = dispatch.NewRegistry(rt.deps)
}

// openRun opens or resumes a run and attaches the NATS sink when
// configured.
func (rt *appRuntime) openRun(runID string) (*dispatch.Run, error) {
	if rt.nats != nil {
		rt.bus.Subscribe(runID, rt.nats.Subscriber(runID))
	}
	return rt.registry.Open(runID)
}

func (rt *appRuntime) close() {
	if rt.watcher != nil {
		_ = rt.watcher.Close()
	}
	if rt.nats != nil {
		rt.nats.Close()
	}
	_ = rt.ledger.Close()
}

// formatEvent renders one event for terminal output.
func formatEvent(ev event.Event) string {
	ts := ev.Header.Timestamp.Format("15:04:05.000")
	switch p := ev.Payload.(type) {
	case event.SysReady:
		return fmt.Sprintf("%s ready run=%s", ts, p.RunID)
	case event.ProcessStarted:
		return fmt.Sprintf("%s started pid=%d %s", ts, p.PID, p.Command)
	case event.StdoutChunk:
		return p.Content
	case event.StderrChunk:
		return p.Content
	case event.ProcessExited:
		return fmt.Sprintf("%s exited code=%d", ts, p.Code)
	case event.SecurityViolation:
		return fmt.Sprintf("%s DENIED %s", ts, p.Policy)
	case event.PermissionRequested:
		return fmt.Sprintf("%s permission needed [%s] %s (request %s)", ts, p.RiskLevel, p.Command, p.RequestID)
	case event.WorkflowError:
		return fmt.Sprintf("%s error (%s): %s", ts, p.Severity, p.Error)
	default:
		return fmt.Sprintf("%s %s", ts, ev.Type())
	}
}
