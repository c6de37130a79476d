package dispatch

import (
	"regexp"

	"github.com/openclaw/runbox/internal/runner"
)

// Classification is a classifier's verdict over a failed attempt.
type Classification struct {
	// Retryable reports whether another attempt is worth making.
	Retryable bool
	// Replacement, when non-empty, is a rewritten command to try instead.
	// Replacements pass through the command policy like any other input.
	Replacement string
}

// Classifier inspects a failed invocation and decides how to recover.
type Classifier interface {
	Classify(command string, result runner.Result) Classification
}

// Rule matches a stderr tail and carries the recovery verdict.
type Rule struct {
	Pattern     *regexp.Regexp
	Retryable   bool
	Replacement string
}

// RegexClassifier matches the stderr tail against an ordered rule list.
// The first matching rule wins; unmatched failures are not retryable.
type RegexClassifier struct {
	rules []Rule
}

// NewRegexClassifier returns a classifier with rules for common transient
// failures. Timeouts are always retried regardless of stderr content.
func NewRegexClassifier() *RegexClassifier {
	return &RegexClassifier{rules: []Rule{
		{Pattern: regexp.MustCompile(`(?i)connection (refused|reset|timed out)`), Retryable: true},
		{Pattern: regexp.MustCompile(`(?i)temporary failure`), Retryable: true},
		{Pattern: regexp.MustCompile(`(?i)resource temporarily unavailable`), Retryable: true},
		{Pattern: regexp.MustCompile(`(?i)rate limit`), Retryable: true},
		{Pattern: regexp.MustCompile(`(?i)no space left on device`), Retryable: false},
		{Pattern: regexp.MustCompile(`(?i)permission denied`), Retryable: false},
	}}
}

// AddRule appends a rule. Later rules only apply when earlier ones miss.
func (c *RegexClassifier) AddRule(r Rule) {
	c.rules = append(c.rules, r)
}

func (c *RegexClassifier) Classify(command string, result runner.Result) Classification {
	if result.TimedOut {
		return Classification{Retryable: true}
	}
	for _, r := range c.rules {
		if r.Pattern.MatchString(result.StderrTail) {
			return Classification{Retryable: r.Retryable, Replacement: r.Replacement}
		}
	}
	return Classification{}
}
