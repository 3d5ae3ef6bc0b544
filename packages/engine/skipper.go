package engine

import (
	"fmt"
	"regexp"
)

// Rule marks matching tests pending. Env and Title are regular expressions
// matched against the environment id and the full test title; an empty
// pattern matches everything.
type Rule struct {
	Env    string
	Title  string
	Reason string
}

type compiledRule struct {
	env    *regexp.Regexp
	title  *regexp.Regexp
	reason string
}

// Skipper decides which tests are left out of a run (grep) and which are
// reported pending without running (in-file skip and skip rules).
type Skipper struct {
	rules []compiledRule
	grep  *regexp.Regexp
}

// NewSkipper compiles rules and the optional grep pattern
func NewSkipper(rules []Rule, grep string) (*Skipper, error) {
	s := &Skipper{}
	for i, r := range rules {
		env, err := regexp.Compile(r.Env)
		if err != nil {
			return nil, fmt.Errorf("skip rule %d: env: %w", i, err)
		}
		title, err := regexp.Compile(r.Title)
		if err != nil {
			return nil, fmt.Errorf("skip rule %d: title: %w", i, err)
		}
		reason := r.Reason
		if reason == "" {
			reason = "skipped by config"
		}
		s.rules = append(s.rules, compiledRule{env: env, title: title, reason: reason})
	}
	if grep != "" {
		re, err := regexp.Compile(grep)
		if err != nil {
			return nil, fmt.Errorf("grep: %w", err)
		}
		s.grep = re
	}
	return s, nil
}

// Excluded reports whether t is filtered out entirely. A nil Skipper
// excludes nothing.
func (s *Skipper) Excluded(t *Test) bool {
	return s != nil && s.grep != nil && !s.grep.MatchString(t.FullTitle())
}

// Reason returns why t is pending in envID, or "" when it runs
func (s *Skipper) Reason(envID string, t *Test) string {
	if t.Skip != "" {
		return t.Skip
	}
	if s == nil {
		return ""
	}
	title := t.FullTitle()
	for _, r := range s.rules {
		if r.env.MatchString(envID) && r.title.MatchString(title) {
			return r.reason
		}
	}
	return ""
}
