package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/openclaw/runbox/internal/event"
	"github.com/openclaw/runbox/internal/policy"
)

// Run executes one command through the runtime and exits.
func (c *ExecCmd) Run(cli *CLI) error {
	rt, err := buildRuntime(cli)
	if err != nil {
		return err
	}
	defer rt.close()

	if c.Workspace != "" {
		rt.setWorkspace(c.Workspace)
	}

	runID := c.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	var pendingRequest string
	rt.bus.Subscribe(runID, func(ev event.Event) {
		if p, ok := ev.Payload.(event.PermissionRequested); ok {
			pendingRequest = p.RequestID
		}
		fmt.Println(formatEvent(ev))
	})

	run, err := rt.openRun(runID)
	if err != nil {
		return err
	}
	defer rt.registry.Close(runID)

	ctx := context.Background()
	corrID := uuid.NewString()
	raw := strings.Join(c.Command, " ")

	if err := run.Dispatcher.Dispatch(ctx, event.ExecCommand{CorrelationID: corrID, Command: raw}); err != nil {
		return err
	}

	// A parked command needs an approval decision before anything runs.
	if pendingRequest != "" {
		granted := c.Yes || promptApproval(os.Stdin)
		if granted {
			return run.Dispatcher.Dispatch(ctx, event.GrantPermission{RequestID: pendingRequest})
		}
		_ = run.Dispatcher.Dispatch(ctx, event.DenyPermission{RequestID: pendingRequest})
		return fmt.Errorf("permission denied: %s", raw)
	}
	return nil
}

// Run starts an interactive session reading commands line by line.
func (c *RunCmd) Run(cli *CLI) error {
	rt, err := buildRuntime(cli)
	if err != nil {
		return err
	}
	defer rt.close()

	if c.Workspace != "" {
		rt.setWorkspace(c.Workspace)
	}

	runID := c.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	var pendingRequest string
	rt.bus.Subscribe(runID, func(ev event.Event) {
		if p, ok := ev.Payload.(event.PermissionRequested); ok {
			pendingRequest = p.RequestID
		}
		fmt.Println(formatEvent(ev))
	})

	run, err := rt.openRun(runID)
	if err != nil {
		return err
	}
	defer rt.registry.Close(runID)

	fmt.Printf("run %s (state %s). Commands run directly; :state :reset :quit are control inputs.\n",
		runID, run.Machine.State())

	ctx := context.Background()
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == ":quit":
			return nil
		case line == ":state":
			fmt.Printf("state=%s retries=%d\n", run.Machine.State(), run.Machine.Context().Retries)
			continue
		case line == ":reset":
			_ = run.Dispatcher.Dispatch(ctx, event.Reset{})
			continue
		case strings.HasPrefix(line, ":phase "):
			_ = run.Dispatcher.Dispatch(ctx, event.PhaseIntent{Name: strings.TrimPrefix(line, ":phase ")})
			continue
		}

		pendingRequest = ""
		corrID := uuid.NewString()
		if err := run.Dispatcher.Dispatch(ctx, event.ExecCommand{CorrelationID: corrID, Command: line}); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		if pendingRequest != "" {
			if promptApproval(os.Stdin) {
				_ = run.Dispatcher.Dispatch(ctx, event.GrantPermission{RequestID: pendingRequest})
			} else {
				_ = run.Dispatcher.Dispatch(ctx, event.DenyPermission{RequestID: pendingRequest})
			}
		}
	}
}

// Run prints the policy verdict without spawning anything.
func (c *CheckCmd) Run(cli *CLI) error {
	rt, err := buildRuntime(cli)
	if err != nil {
		return err
	}
	defer rt.close()

	dec := rt.policy.Decide(strings.Join(c.Command, " "))
	switch dec.Kind {
	case policy.Allow:
		fmt.Printf("allow: %s\n", dec.Command.String())
		return nil
	case policy.RequirePermission:
		fmt.Printf("requires permission (%s): %s\n", dec.Risk, dec.Command.String())
		return nil
	default:
		fmt.Printf("deny: %s\n", dec.Reason)
		return fmt.Errorf("command denied")
	}
}

// Run lists recent events from the ledger, oldest first.
func (c *EventsCmd) Run(cli *CLI) error {
	rt, err := buildRuntime(cli)
	if err != nil {
		return err
	}
	defer rt.close()

	records, err := rt.ledger.Recent(c.RunID, c.Limit)
	if err != nil {
		return err
	}
	for _, rec := range records {
		payload, err := event.UnmarshalPayload(event.Type(rec.Type), rec.Payload)
		if err != nil {
			fmt.Printf("%6d %s <unreadable: %v>\n", rec.Seq, rec.Type, err)
			continue
		}
		ev := event.Event{
			Header:  event.Header{SessionID: c.RunID, Timestamp: rec.Timestamp},
			Payload: payload,
		}
		fmt.Printf("%6d %s\n", rec.Seq, formatEvent(ev))
	}
	return nil
}

// Run shows version information.
func (c *VersionCmd) Run(cli *CLI) error {
	fmt.Printf("runbox version %s (commit: %s, built: %s)\n", version, commit, buildTime)
	return nil
}

func promptApproval(in *os.File) bool {
	fmt.Print("approve? [y/N] ")
	reader := bufio.NewReader(in)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	line = strings.ToLower(strings.TrimSpace(line))
	return line == "y" || line == "yes"
}
