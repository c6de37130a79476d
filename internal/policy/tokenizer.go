package policy

import (
	"fmt"
	"strings"
)

// MaxCommandLength bounds the raw command string accepted by the tokenizer.
const MaxCommandLength = 4096

// ParsedCommand is a shell-free (program, argv) pair. It is produced only by
// Tokenize; nothing else in the runtime builds argv from untrusted text.
type ParsedCommand struct {
	Original string
	Program  string
	Args     []string
}

// String rejoins the argv with single spaces for display and logging.
func (c ParsedCommand) String() string {
	if len(c.Args) == 0 {
		return c.Program
	}
	return c.Program + " " + strings.Join(c.Args, " ")
}

// Tokenize splits a raw command into argv, honoring single quotes, double
// quotes, and backslash escapes. It never expands globs, variables, or
// subshells. Unbalanced quoting, trailing escapes, over-long input, and
// empty input are errors.
func Tokenize(raw string) (ParsedCommand, error) {
	if len(raw) > MaxCommandLength {
		return ParsedCommand{}, fmt.Errorf("command exceeds %d bytes", MaxCommandLength)
	}

	var (
		args     []string
		cur      strings.Builder
		inSingle bool
		inDouble bool
		escaped  bool
		started  bool
	)

	flush := func() {
		if started {
			args = append(args, cur.String())
			cur.Reset()
			started = false
		}
	}

	for _, r := range raw {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
			started = true
		case r == '\\' && !inSingle:
			escaped = true
			started = true
		case r == '\'' && !inDouble:
			inSingle = !inSingle
			started = true
		case r == '"' && !inSingle:
			inDouble = !inDouble
			started = true
		case (r == ' ' || r == '\t') && !inSingle && !inDouble:
			flush()
		default:
			cur.WriteRune(r)
			started = true
		}
	}

	if escaped {
		return ParsedCommand{}, fmt.Errorf("trailing backslash")
	}
	if inSingle || inDouble {
		return ParsedCommand{}, fmt.Errorf("unbalanced quotes")
	}
	flush()

	if len(args) == 0 {
		return ParsedCommand{}, fmt.Errorf("empty command")
	}

	return ParsedCommand{
		Original: raw,
		Program:  args[0],
		Args:     args[1:],
	}, nil
}
