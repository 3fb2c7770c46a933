// Package secrets redacts credentials from conversation text before it is
// written to disk.
package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
)

// Config configures a Scrubber.
type Config struct {
	Enabled         bool
	Rules           []Rule
	RedactionString string
}

// DefaultConfig enables scrubbing with DefaultRules.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Rules:           DefaultRules(),
		RedactionString: "[REDACTED]",
	}
}

// Finding locates one redacted span. The matched text is never kept.
type Finding struct {
	RuleID string `json:"rule_id"`
	Start  int    `json:"start"`
	End    int    `json:"end"`
}

// Result is the outcome of one Scrub call.
type Result struct {
	Scrubbed string         `json:"scrubbed"`
	Findings []Finding      `json:"findings,omitempty"`
	ByRule   map[string]int `json:"by_rule,omitempty"`
}

// HasFindings reports whether anything was redacted.
func (r Result) HasFindings() bool { return len(r.Findings) > 0 }

type compiledRule struct {
	id       string
	pattern  *regexp.Regexp
	keywords []string
}

type ruleSet struct {
	rules []compiledRule
	allow []*regexp.Regexp
}

// Scrubber detects and redacts credentials. It is safe for concurrent use;
// SetAllowlist swaps the active rule set atomically.
type Scrubber struct {
	enabled   bool
	redaction string
	base      []compiledRule
	active    atomic.Pointer[ruleSet]
}

// New compiles cfg into a Scrubber.
func New(cfg Config) (*Scrubber, error) {
	if cfg.RedactionString == "" {
		cfg.RedactionString = "[REDACTED]"
	}
	base, err := compileRules(cfg.Rules)
	if err != nil {
		return nil, err
	}
	s := &Scrubber{enabled: cfg.Enabled, redaction: cfg.RedactionString, base: base}
	s.active.Store(&ruleSet{rules: base})
	return s, nil
}

// MustNew is New that panics on error. Intended for tests and defaults.
func MustNew(cfg Config) *Scrubber {
	s, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

func compileRules(rules []Rule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		if r.ID == "" {
			return nil, fmt.Errorf("rule %d: id is required", i)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil || r.Pattern == "" {
			return nil, fmt.Errorf("%w: rule %s: %v", ErrInvalidRegex, r.ID, err)
		}
		kws := make([]string, len(r.Keywords))
		for j, kw := range r.Keywords {
			kws[j] = strings.ToLower(kw)
		}
		out = append(out, compiledRule{id: r.ID, pattern: re, keywords: kws})
	}
	return out, nil
}

// SetAllowlist replaces the allowlist and any extra rules it declares.
// A nil allowlist restores the base rules.
func (s *Scrubber) SetAllowlist(a *Allowlist) error {
	if a == nil {
		s.active.Store(&ruleSet{rules: s.base})
		return nil
	}
	extra, err := compileRules(a.Rules)
	if err != nil {
		return err
	}
	allow := make([]*regexp.Regexp, 0, len(a.Regexes))
	for _, p := range a.Regexes {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidRegex, p, err)
		}
		allow = append(allow, re)
	}
	rules := append(append([]compiledRule{}, s.base...), extra...)
	s.active.Store(&ruleSet{rules: rules, allow: allow})
	return nil
}

// Enabled reports whether scrubbing is active.
func (s *Scrubber) Enabled() bool { return s.enabled }

// Redact returns content with credentials replaced.
func (s *Scrubber) Redact(content string) string {
	return s.Scrub(content).Scrubbed
}

// Scrub finds and redacts credentials in content. Overlapping matches are
// merged into a single redaction.
func (s *Scrubber) Scrub(content string) Result {
	res := Result{Scrubbed: content, ByRule: map[string]int{}}
	if !s.enabled || content == "" {
		return res
	}

	set := s.active.Load()
	lower := strings.ToLower(content)

	for _, rule := range set.rules {
		if !hasKeyword(lower, rule.keywords) {
			continue
		}
		for _, m := range rule.pattern.FindAllStringIndex(content, -1) {
			if allowed(set.allow, content[m[0]:m[1]]) {
				continue
			}
			res.Findings = append(res.Findings, Finding{RuleID: rule.id, Start: m[0], End: m[1]})
			res.ByRule[rule.id]++
		}
	}
	if len(res.Findings) == 0 {
		return res
	}

	spans := make([]Finding, len(res.Findings))
	copy(spans, res.Findings)
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })

	var b strings.Builder
	pos := 0
	for i := 0; i < len(spans); {
		start, end := spans[i].Start, spans[i].End
		for i++; i < len(spans) && spans[i].Start <= end; i++ {
			if spans[i].End > end {
				end = spans[i].End
			}
		}
		if start < pos {
			start = pos
		}
		b.WriteString(content[pos:start])
		b.WriteString(s.redaction)
		pos = end
	}
	b.WriteString(content[pos:])
	res.Scrubbed = b.String()
	return res
}

func hasKeyword(lower string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func allowed(allow []*regexp.Regexp, match string) bool {
	for _, re := range allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}
