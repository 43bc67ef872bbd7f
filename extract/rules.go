package extract

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind classifies a signal line.
type Kind string

// Signal kinds.
const (
	KindError        Kind = "error"
	KindStackFrame   Kind = "stack_frame"
	KindBuildFailure Kind = "build_failure"
	KindWarning      Kind = "warning"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindError, KindStackFrame, KindBuildFailure, KindWarning:
		return true
	}
	return false
}

// ErrInvalidRule indicates a rule with an unknown kind or a bad pattern.
var ErrInvalidRule = errors.New("invalid classifier rule")

// Rule tags lines matching Pattern with Kind.
type Rule struct {
	Name    string `yaml:"name" json:"name"`
	Kind    Kind   `yaml:"kind" json:"kind"`
	Pattern string `yaml:"pattern" json:"pattern"`

	re *regexp.Regexp
}

// RuleSet is an ordered list of rules. The first matching rule classifies a
// line; a line gets at most one kind.
type RuleSet struct {
	rules []Rule
}

// NewRuleSet compiles rules in order.
func NewRuleSet(rules ...Rule) (*RuleSet, error) {
	rs := &RuleSet{rules: make([]Rule, 0, len(rules))}
	for i, r := range rules {
		if !r.Kind.Valid() {
			return nil, fmt.Errorf("%w: rule %d (%s): unknown kind %q", ErrInvalidRule, i, r.Name, r.Kind)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %d (%s): %v", ErrInvalidRule, i, r.Name, err)
		}
		if r.Name == "" {
			r.Name = fmt.Sprintf("%s-%d", r.Kind, i)
		}
		r.re = re
		rs.rules = append(rs.rules, r)
	}
	return rs, nil
}

// MustRuleSet is like NewRuleSet but panics on error.
func MustRuleSet(rules ...Rule) *RuleSet {
	rs, err := NewRuleSet(rules...)
	if err != nil {
		panic(err)
	}
	return rs
}

// Rules returns a copy of the rules in order.
func (rs *RuleSet) Rules() []Rule {
	out := make([]Rule, len(rs.rules))
	copy(out, rs.rules)
	return out
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int {
	return len(rs.rules)
}

// Classify returns the kind and rule name of the first rule matching line.
// ANSI escapes and CI timestamp prefixes are removed before matching.
func (rs *RuleSet) Classify(line string) (Kind, string, bool) {
	line = Normalize(line)
	for i := range rs.rules {
		if rs.rules[i].re.MatchString(line) {
			return rs.rules[i].Kind, rs.rules[i].Name, true
		}
	}
	return "", "", false
}

var (
	ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07]*\x07`)

	// GitHub Actions prefixes every log line with an RFC 3339 timestamp.
	ciTimestamp = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?Z `)
)

// Normalize strips terminal escapes and a leading CI timestamp.
func Normalize(line string) string {
	if strings.IndexByte(line, 0x1b) >= 0 {
		line = ansiEscape.ReplaceAllString(line, "")
	}
	if loc := ciTimestamp.FindStringIndex(line); loc != nil {
		line = line[loc[1]:]
	}
	return line
}

// DefaultRules is the built-in rule order. Specific build-tool markers and
// stack frames come first. Warnings precede the broad error keywords so a
// "warning: ... failed" line stays a warning.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "build-failed", Kind: KindBuildFailure, Pattern: `(?i)\b(build|compilation|compile)\b.*\bfail(ed|ure)?\b`},
		{Name: "make-error", Kind: KindBuildFailure, Pattern: `^make(\[\d+\])?: \*\*\*`},
		{Name: "npm-error", Kind: KindBuildFailure, Pattern: `^npm ERR!`},
		{Name: "exit-code", Kind: KindBuildFailure, Pattern: `^##\[error\]Process completed with exit code [1-9]`},

		{Name: "java-frame", Kind: KindStackFrame, Pattern: `^\s+at [\w$.<>/]+\(.*\)\s*$`},
		{Name: "js-frame", Kind: KindStackFrame, Pattern: `^\s+at .+:\d+:\d+\)?\s*$`},
		{Name: "python-frame", Kind: KindStackFrame, Pattern: `^\s*File ".+", line \d+`},
		{Name: "go-goroutine", Kind: KindStackFrame, Pattern: `^goroutine \d+ \[`},
		{Name: "go-frame", Kind: KindStackFrame, Pattern: `^\s+\S+\.go:\d+( \+0x[0-9a-f]+)?\s*$`},
		{Name: "ruby-frame", Kind: KindStackFrame, Pattern: `^\s+from \S+:\d+:in `},

		{Name: "warning", Kind: KindWarning, Pattern: `(?i)(\bwarn(ing)?\b|\bdeprecat(ed|ion)\b)`},

		{Name: "error-keyword", Kind: KindError, Pattern: `(?i)(\berror\b|\bfail\b|exception|traceback|fatal|panic|abort)`},
		{Name: "test-failure", Kind: KindError, Pattern: `(?i)(test.*fail|assertion.*fail)`},
		{Name: "killed", Kind: KindError, Pattern: `(?i)\b(timeout|timed out|killed|terminated)\b`},
	}
}

// Default returns the compiled built-in rules.
func Default() *RuleSet {
	return MustRuleSet(DefaultRules()...)
}

// ruleFile is the YAML layout of a rule file.
type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// ParseRules compiles a YAML rule document:
//
//	rules:
//	  - name: go-test
//	    kind: error
//	    pattern: '^--- FAIL:'
func ParseRules(data []byte) (*RuleSet, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("%w: rule file has no rules", ErrInvalidRule)
	}
	return NewRuleSet(f.Rules...)
}

// LoadRules reads and compiles a YAML rule file.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	rs, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rs, nil
}
