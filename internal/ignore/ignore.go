// Package ignore matches relative paths against gitignore-style glob and
// prefix patterns.
package ignore

import (
	"fmt"
	"path"
	"strings"
)

// Matcher decides whether a path is excluded. A nil Matcher excludes nothing.
type Matcher struct {
	rules       []rule
	hasNegation bool
}

type rule struct {
	pattern  string
	negated  bool
	dirOnly  bool // pattern ended in "/" or "/**": only directories match
	anchored bool // pattern contains a slash, so match against the full path
}

// New compiles patterns. Empty lines and lines starting with "#" are skipped.
//
// Pattern semantics:
//   - "name" matches a file or directory called name at any depth
//   - "dir/" or "dir/**" matches everything below a directory
//   - patterns containing "/" are anchored at the root ("/saves" == "saves/..." only at top level)
//   - "*", "?" and "[...]" follow path.Match
//   - a leading "!" re-includes paths excluded by an earlier pattern
func New(patterns []string) (*Matcher, error) {
	m := &Matcher{}
	for _, raw := range patterns {
		r, ok, err := parse(raw)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if r.negated {
			m.hasNegation = true
		}
		m.rules = append(m.rules, r)
	}
	return m, nil
}

// MustNew is New for patterns known to be valid.
func MustNew(patterns ...string) *Matcher {
	m, err := New(patterns)
	if err != nil {
		panic(err)
	}
	return m
}

func parse(raw string) (rule, bool, error) {
	line := strings.TrimSpace(raw)
	if line == "" || strings.HasPrefix(line, "#") {
		return rule{}, false, nil
	}

	r := rule{}
	if strings.HasPrefix(line, "!") {
		r.negated = true
		line = line[1:]
	}
	if strings.HasSuffix(line, "/**") {
		r.dirOnly = true
		line = strings.TrimSuffix(line, "/**")
	}
	if strings.HasSuffix(line, "/") {
		r.dirOnly = true
		line = strings.TrimRight(line, "/")
	}
	if strings.Contains(line, "/") {
		r.anchored = true
		line = strings.TrimPrefix(line, "/")
	}
	if line == "" {
		return rule{}, false, fmt.Errorf("invalid ignore pattern %q", raw)
	}
	if _, err := path.Match(line, ""); err != nil {
		return rule{}, false, fmt.Errorf("invalid ignore pattern %q: %w", raw, err)
	}
	r.pattern = line
	return r, true, nil
}

// Match reports whether the file at the normalized relative path p is excluded.
func (m *Matcher) Match(p string) bool {
	if m == nil {
		return false
	}
	ignored := false
	for _, r := range m.rules {
		if r.matchFile(p) {
			ignored = !r.negated
		}
	}
	return ignored
}

// MatchDir reports whether a whole directory can be skipped during a walk.
// It is conservative: with negated patterns present nothing is pruned, since
// a later pattern could re-include an entry below the directory.
func (m *Matcher) MatchDir(dir string) bool {
	if m == nil || m.hasNegation {
		return false
	}
	for _, r := range m.rules {
		if r.matchAncestors(dir, true) {
			return true
		}
	}
	return false
}

// Len returns the number of compiled rules.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.rules)
}

// Extend returns a new Matcher with additional rules appended after m's.
func (m *Matcher) Extend(patterns ...string) (*Matcher, error) {
	extra, err := New(patterns)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return extra, nil
	}
	out := &Matcher{
		rules:       append(append([]rule(nil), m.rules...), extra.rules...),
		hasNegation: m.hasNegation || extra.hasNegation,
	}
	return out, nil
}

func (r rule) matchFile(p string) bool {
	if !r.dirOnly && r.matchPath(p) {
		return true
	}
	return r.matchAncestors(p, false)
}

// matchAncestors checks the parent directories of p, and p itself when
// includeSelf is set.
func (r rule) matchAncestors(p string, includeSelf bool) bool {
	segs := strings.Split(p, "/")
	last := len(segs) - 1
	if includeSelf {
		last = len(segs)
	}
	for i := 0; i < last; i++ {
		if r.anchored {
			if ok, _ := path.Match(r.pattern, strings.Join(segs[:i+1], "/")); ok {
				return true
			}
			continue
		}
		if ok, _ := path.Match(r.pattern, segs[i]); ok {
			return true
		}
	}
	return false
}

func (r rule) matchPath(p string) bool {
	if r.anchored {
		ok, _ := path.Match(r.pattern, p)
		return ok
	}
	ok, _ := path.Match(r.pattern, path.Base(p))
	return ok
}
