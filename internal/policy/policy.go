// Package policy tokenizes and classifies raw command strings.
//
// Decisions are a pure function of the input and the loaded tables. The
// posture is default-deny: programs the tables do not know always need
// explicit approval.
package policy

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// DecisionKind is the verdict for a parsed command.
type DecisionKind int

const (
	// Allow lets the command run without approval.
	Allow DecisionKind = iota
	// RequirePermission parks the command until an operator grants it.
	RequirePermission
	// Deny refuses the command outright. A Deny decision must never reach
	// the process runner.
	Deny
)

// String returns the verdict name.
func (k DecisionKind) String() string {
	switch k {
	case Allow:
		return "allow"
	case RequirePermission:
		return "require_permission"
	case Deny:
		return "deny"
	}
	return "unknown"
}

// RiskLevel grades why a command needs approval.
type RiskLevel string

const (
	RiskHigh   RiskLevel = "high"
	RiskMedium RiskLevel = "medium"
)

// Decision is the tagged verdict over a raw command. Command is populated
// for Allow and RequirePermission; it is nil for Deny.
type Decision struct {
	Kind    DecisionKind
	Command *ParsedCommand
	Reason  string
	Risk    RiskLevel
	// Path is the offending argument for path-based verdicts.
	Path string
}

// substitutionMarkers indicate attempted command or variable substitution.
var substitutionMarkers = []string{"$(", "${", "`", "\x00", "\n", "\r"}

// metacharacters would be inert without a shell but signal injection intent.
var metacharacters = []string{";", "&", "|", "<", ">"}

// Policy classifies commands against hot-swappable tables.
type Policy struct {
	tables atomic.Pointer[Tables]
}

// New creates a policy with the built-in tables.
func New() *Policy {
	p := &Policy{}
	p.tables.Store(DefaultTables())
	return p
}

// NewWithTables creates a policy with explicit tables.
func NewWithTables(t *Tables) *Policy {
	p := &Policy{}
	p.tables.Store(t)
	return p
}

// SetTables atomically swaps the classification tables.
func (p *Policy) SetTables(t *Tables) {
	p.tables.Store(t)
}

// Decide classifies a raw command string. It has no side effects.
func (p *Policy) Decide(raw string) Decision {
	t := p.tables.Load()

	// 1. Substitution markers are an outright refusal.
	for _, marker := range substitutionMarkers {
		if strings.Contains(raw, marker) {
			return Decision{Kind: Deny, Reason: "command or variable substitution attempt"}
		}
	}

	// 2. Shell metacharacters are rejected as an injection signal even
	// though the runner never invokes a shell.
	for _, meta := range metacharacters {
		if strings.Contains(raw, meta) {
			return Decision{Kind: Deny, Reason: fmt.Sprintf("shell metacharacter %q", meta)}
		}
	}

	// 3. Tokenize.
	cmd, err := Tokenize(raw)
	if err != nil {
		return Decision{Kind: Deny, Reason: fmt.Sprintf("tokenize: %v", err)}
	}

	// 4. Destructive programs.
	if t.Deny[cmd.Program] {
		return Decision{Kind: Deny, Reason: fmt.Sprintf("%s is a destructive operation", cmd.Program)}
	}

	// 5. Shells, interpreters, network tools.
	if t.RequirePermission[cmd.Program] {
		return Decision{
			Kind:    RequirePermission,
			Command: &cmd,
			Reason:  fmt.Sprintf("%s can execute arbitrary code or reach the network", cmd.Program),
			Risk:    RiskHigh,
		}
	}

	// 6. Default-deny posture: unknown programs need approval.
	if !t.Safe[cmd.Program] {
		return Decision{
			Kind:    RequirePermission,
			Command: &cmd,
			Reason:  fmt.Sprintf("%s is not a known-safe program", cmd.Program),
			Risk:    RiskMedium,
		}
	}

	// 7. Path traversal and sensitive paths need approval even for safe
	// programs.
	if arg, bad := suspiciousPath(cmd.Args, t.RestrictedPaths); bad {
		return Decision{
			Kind:    RequirePermission,
			Command: &cmd,
			Reason:  fmt.Sprintf("argument %q targets a sensitive path", arg),
			Risk:    RiskMedium,
			Path:    arg,
		}
	}

	// 8. Per-program sub-command allow-list.
	if subs, ok := t.Subcommands[cmd.Program]; ok {
		if len(cmd.Args) == 0 || !subs[cmd.Args[0]] {
			sub := ""
			if len(cmd.Args) > 0 {
				sub = cmd.Args[0]
			}
			return Decision{
				Kind:    RequirePermission,
				Command: &cmd,
				Reason:  fmt.Sprintf("%s %s is outside the allowed sub-commands", cmd.Program, sub),
				Risk:    RiskMedium,
			}
		}
	}

	// 9. Allowed.
	return Decision{Kind: Allow, Command: &cmd}
}

// suspiciousPath reports the first argument that traverses upward, expands
// the home directory, or targets a reserved system prefix.
func suspiciousPath(args []string, restricted []string) (string, bool) {
	for _, arg := range args {
		if strings.Contains(arg, "..") {
			return arg, true
		}
		if strings.HasPrefix(arg, "~") {
			return arg, true
		}
		for _, prefix := range restricted {
			if arg == prefix || strings.HasPrefix(arg, prefix+"/") {
				return arg, true
			}
		}
	}
	return "", false
}
