// Package blocklist compiles domain rules into matchers and serves them to
// the request interceptor. The installed rule set is swapped atomically on
// reload, so concurrent lookups always see either the old or the new
// complete set, never a partial one.
package blocklist

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tabfence/tabfence/pkg/models"
)

// compiledRule pairs a rule with its anchored matcher.
type compiledRule struct {
	rule models.BlocklistRule
	re   *regexp.Regexp
}

// Set is an immutable, compiled rule set. Rules keep their declared order;
// the first match wins.
type Set struct {
	rules []compiledRule
}

// Compile builds a Set from rules, preserving order. Wildcard patterns use
// '*' to match any run of characters; everything else matches literally,
// case-insensitively, anchored against the full domain.
func Compile(rules []models.BlocklistRule) (*Set, error) {
	s := &Set{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		re, err := compilePattern(r.DomainPattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.DomainPattern, err)
		}
		s.rules = append(s.rules, compiledRule{rule: r, re: re})
	}
	return s, nil
}

// compilePattern escapes regex metacharacters except '*', which becomes
// "match any sequence", and anchors the result.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.Compile("(?i)^" + strings.Join(parts, ".*") + "$")
}

// Match returns the first rule matching the domain, or nil.
func (s *Set) Match(domain string) *models.BlocklistRule {
	for i := range s.rules {
		if s.rules[i].re.MatchString(domain) {
			rule := s.rules[i].rule
			return &rule
		}
	}
	return nil
}

// Rules returns the rule list in declared order.
func (s *Set) Rules() []models.BlocklistRule {
	out := make([]models.BlocklistRule, len(s.rules))
	for i := range s.rules {
		out[i] = s.rules[i].rule
	}
	return out
}

// Len returns the number of rules.
func (s *Set) Len() int {
	return len(s.rules)
}
