package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Tables holds the static classification sets the decision algorithm
// consults. A zero Tables is unusable; use DefaultTables or LoadTables.
type Tables struct {
	// Deny: destructive programs never executed regardless of approval.
	Deny map[string]bool
	// RequirePermission: shells, interpreters, and network tools that always
	// need explicit approval.
	RequirePermission map[string]bool
	// Safe: programs allowed without approval, subject to argument checks.
	Safe map[string]bool
	// Subcommands: per-program allow-list of first arguments. A program
	// listed here with a first argument outside its set needs approval.
	Subcommands map[string]map[string]bool
	// RestrictedPaths: absolute path prefixes that always need approval.
	RestrictedPaths []string
}

// DefaultTables returns the built-in policy posture.
func DefaultTables() *Tables {
	return &Tables{
		Deny: toSet([]string{
			"rm", "rmdir", "shred", "srm",
			"mkfs", "mkfs.ext4", "dd", "fdisk", "parted", "format", "diskutil",
			"sudo", "su", "doas",
			"kill", "killall", "pkill",
			"shutdown", "reboot", "halt",
		}),
		RequirePermission: toSet([]string{
			"sh", "bash", "zsh", "fish", "dash", "ksh",
			"python", "python3", "node", "ruby", "perl", "php", "deno", "bun",
			"curl", "wget", "nc", "ncat", "netcat", "ssh", "scp", "sftp", "rsync", "ftp", "telnet",
		}),
		Safe: toSet([]string{
			"echo", "ls", "cat", "pwd", "head", "tail", "wc", "grep", "find",
			"which", "date", "whoami", "uname", "stat", "du", "df", "env",
			"sort", "uniq", "tr", "cut", "basename", "dirname", "true", "false",
			"sleep", "diff", "mkdir", "touch", "cp", "mv",
			"git", "npm", "go", "make", "cargo",
		}),
		Subcommands: map[string]map[string]bool{
			// Read-only version-control subset.
			"git": toSet([]string{
				"status", "log", "diff", "show", "branch", "tag",
				"rev-parse", "ls-files", "blame", "shortlog", "describe",
			}),
			// Safe package-manager subset.
			"npm": toSet([]string{
				"run", "test", "ls", "view", "outdated", "audit", "ping",
			}),
			"go": toSet([]string{
				"build", "test", "vet", "fmt", "version", "env", "list", "doc",
			}),
			"cargo": toSet([]string{
				"build", "test", "check", "fmt", "clippy", "version", "tree",
			}),
		},
		RestrictedPaths: []string{
			"/etc", "/usr", "/bin", "/sbin", "/boot",
			"/dev", "/proc", "/sys", "/var", "/root",
		},
	}
}

// tablesFile is the YAML override format. Absent sections keep defaults.
type tablesFile struct {
	Deny              []string            `yaml:"deny"`
	RequirePermission []string            `yaml:"require_permission"`
	Safe              []string            `yaml:"safe"`
	Subcommands       map[string][]string `yaml:"subcommands"`
	RestrictedPaths   []string            `yaml:"restricted_paths"`
}

// LoadTables reads YAML overrides on top of the defaults.
func LoadTables(path string) (*Tables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}

	var f tablesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}

	t := DefaultTables()
	if len(f.Deny) > 0 {
		t.Deny = toSet(f.Deny)
	}
	if len(f.RequirePermission) > 0 {
		t.RequirePermission = toSet(f.RequirePermission)
	}
	if len(f.Safe) > 0 {
		t.Safe = toSet(f.Safe)
	}
	if len(f.Subcommands) > 0 {
		t.Subcommands = make(map[string]map[string]bool, len(f.Subcommands))
		for prog, subs := range f.Subcommands {
			t.Subcommands[prog] = toSet(subs)
		}
	}
	if len(f.RestrictedPaths) > 0 {
		t.RestrictedPaths = f.RestrictedPaths
	}
	return t, nil
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[s] = true
	}
	return set
}
