package localfs

import (
	"regexp"
	"strings"
)

// RuleKind tags the variants of an ignore rule.
type RuleKind int

const (
	// PrefixMatch ignores names starting with the pattern.
	PrefixMatch RuleKind = iota
	// SuffixMatch ignores names ending with the pattern.
	SuffixMatch
	// RegexMatch ignores names matching the compiled pattern.
	RegexMatch
	// AttributeMatch ignores entries the OS marks hidden or system.
	AttributeMatch
)

// Rule is one ordered ignore predicate. Rules are data, not code, so
// tests can construct them directly.
type Rule struct {
	Kind    RuleKind
	Pattern string

	re *regexp.Regexp
}

// NewRegexRule compiles a regex rule. Invalid patterns return an error
// instead of panicking at match time.
func NewRegexRule(pattern string) (Rule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Rule{}, err
	}
	return Rule{Kind: RegexMatch, Pattern: pattern, re: re}, nil
}

// Matcher evaluates an ordered list of ignore rules against a name.
type Matcher struct {
	rules []Rule
}

// NewMatcher builds a matcher from prefix, suffix and regex patterns.
// Broken regexes are dropped silently; the caller validates patterns
// when they come from user configuration.
func NewMatcher(prefixes, suffixes, regexes []string) *Matcher {
	rules := make([]Rule, 0, len(prefixes)+len(suffixes)+len(regexes)+1)
	for _, p := range prefixes {
		rules = append(rules, Rule{Kind: PrefixMatch, Pattern: p})
	}
	for _, s := range suffixes {
		rules = append(rules, Rule{Kind: SuffixMatch, Pattern: s})
	}
	for _, r := range regexes {
		if rule, err := NewRegexRule(r); err == nil {
			rules = append(rules, rule)
		}
	}
	rules = append(rules, Rule{Kind: AttributeMatch})
	return &Matcher{rules: rules}
}

// Match reports whether name is ignored. hidden is the OS hidden or
// system attribute of the entry, probed by the caller.
func (m *Matcher) Match(name string, hidden bool) bool {
	for _, r := range m.rules {
		switch r.Kind {
		case PrefixMatch:
			if strings.HasPrefix(name, r.Pattern) {
				return true
			}
		case SuffixMatch:
			if strings.HasSuffix(name, r.Pattern) {
				return true
			}
		case RegexMatch:
			if r.re != nil && r.re.MatchString(name) {
				return true
			}
		case AttributeMatch:
			if hidden {
				return true
			}
		}
	}
	return false
}
