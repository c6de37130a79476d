// Package main defines the CLI structure using kong.
package main

import "github.com/alecthomas/kong"

// CLI defines the command-line interface.
type CLI struct {
	Config string `help:"Config file path" type:"path"`
	Debug  bool   `help:"Enable debug logging"`

	Exec    ExecCmd    `cmd:"" help:"Run one command through the policy-gated runtime"`
	Run     RunCmd     `cmd:"" help:"Interactive run reading commands from stdin"`
	Check   CheckCmd   `cmd:"" help:"Evaluate a command against the policy without running it"`
	Events  EventsCmd  `cmd:"" help:"Show recent events for a run"`
	Version VersionCmd `cmd:"" help:"Show version information"`
}

// ExecCmd executes a single command and exits.
type ExecCmd struct {
	Command   []string `arg:"" passthrough:"" help:"Command and arguments"`
	RunID     string   `name:"run" help:"Run id (default: new)"`
	Workspace string   `short:"w" help:"Working directory for the process"`
	Yes       bool     `short:"y" help:"Approve permission prompts without asking"`
}

// RunCmd starts an interactive run.
type RunCmd struct {
	RunID     string `arg:"" optional:"" name:"run" help:"Run id to resume (default: new)"`
	Workspace string `short:"w" help:"Working directory for processes"`
}

// CheckCmd shows the policy verdict for a command.
type CheckCmd struct {
	Command []string `arg:"" passthrough:"" help:"Command and arguments"`
}

// EventsCmd prints recent ledger events for a run.
type EventsCmd struct {
	RunID string `arg:"" name:"run" help:"Run id"`
	Limit int    `default:"50" help:"Maximum events to show"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

// kongVars returns variables for kong (version info).
func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
