package aspect

import (
	"fmt"
	"go/token"
	"regexp"

	"github.com/chosenoffset/aspect/pkg/aspect/pointcut"
)

// Selection is the concrete set of targets a selector resolved to.
// Exact selections name their targets directly: a target that cannot be
// woven fails the whole request. Pattern selections report such targets as
// exclusions and carry on with the rest.
type Selection struct {
	Targets []*Target
	Exact   bool
}

// Selector resolves a selection rule to the targets that currently match.
// *Target is itself a Selector (the exact rule).
type Selector interface {
	Select() (Selection, error)
}

type targetList []*Target

// Targets selects an explicit list of targets, each treated as an exact rule.
func Targets(targets ...*Target) Selector {
	return targetList(targets)
}

func (l targetList) Select() (Selection, error) {
	return Selection{Targets: dedupe(l), Exact: true}, nil
}

// MatchOption tunes how a scope is walked.
type MatchOption func(*scopeMatcher)

// Depth sets how many scope levels are walked. 1 (the default) visits direct
// members only, 2 also visits members of nested scopes, and so on.
func Depth(n int) MatchOption {
	return func(m *scopeMatcher) {
		m.depth = n
	}
}

// PublicOnly skips unexported names, for targets and nested scopes alike.
func PublicOnly() MatchOption {
	return func(m *scopeMatcher) {
		m.publicOnly = true
	}
}

type scopeMatcher struct {
	scope      *Scope
	depth      int
	publicOnly bool
	err        error
	match      func(candidate) bool
	describe   string
}

func newScopeMatcher(scope *Scope, describe string, opts []MatchOption) *scopeMatcher {
	m := &scopeMatcher{scope: scope, depth: 1, describe: describe}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Pattern selects targets whose scope-relative qualified name ("foo",
// "Account.Deposit") matches the regular expression at its start, so "foo"
// selects both foo and foobar. End the pattern with $ to require a full
// match. Results follow declaration order.
func Pattern(scope *Scope, pattern string, opts ...MatchOption) Selector {
	m := newScopeMatcher(scope, "pattern "+pattern, opts)
	re, err := regexp.Compile(`^(?:` + pattern + `)`)
	if err != nil {
		m.err = fmt.Errorf("aspect: invalid pattern %q: %w", pattern, err)
		return m
	}
	m.match = func(c candidate) bool {
		return re.MatchString(c.relative)
	}
	return m
}

// Predicate selects targets for which fn returns true.
func Predicate(scope *Scope, fn func(*Target) bool, opts ...MatchOption) Selector {
	m := newScopeMatcher(scope, "predicate", opts)
	m.match = func(c candidate) bool {
		return fn(c.target)
	}
	return m
}

// Expr selects targets matching a pointcut expression such as
// `name("Get.*") && kind(method) && !public`. See package pointcut.
func Expr(scope *Scope, src string, opts ...MatchOption) Selector {
	m := newScopeMatcher(scope, "expr "+src, opts)
	pc, err := pointcut.Compile(src)
	if err != nil {
		m.err = fmt.Errorf("aspect: invalid pointcut: %w", err)
		return m
	}
	m.match = func(c candidate) bool {
		return pc.Match(subjectOf(c))
	}
	return m
}

func subjectOf(c candidate) pointcut.Subject {
	s := pointcut.Subject{
		Name:      c.target.Name(),
		Qualified: c.relative,
		Kind:      c.target.Kind().String(),
		Public:    token.IsExported(c.target.Name()),
	}
	if c.target.Scope() != nil {
		s.Scope = c.target.Scope().Path()
	}
	return s
}

func (m *scopeMatcher) Select() (Selection, error) {
	if m.err != nil {
		return Selection{}, m.err
	}
	if m.scope == nil {
		return Selection{}, nil
	}
	var out []*Target
	m.scope.walk(m.depth, m.publicOnly, "", func(c candidate) {
		if m.match(c) {
			out = append(out, c.target)
		}
	})
	return Selection{Targets: dedupe(out)}, nil
}

func (m *scopeMatcher) String() string {
	return m.describe
}

// dedupe drops nil and repeated targets, keeping the first occurrence.
func dedupe(targets []*Target) []*Target {
	seen := make(map[uint64]struct{}, len(targets))
	out := make([]*Target, 0, len(targets))
	for _, t := range targets {
		if t == nil {
			continue
		}
		if _, ok := seen[t.id]; ok {
			continue
		}
		seen[t.id] = struct{}{}
		out = append(out, t)
	}
	return out
}

// ambiguity finds the first qualified name shared by distinct targets.
func ambiguity(targets []*Target) *AmbiguousPointcutError {
	byName := make(map[string][]*Target, len(targets))
	var order []string
	for _, t := range targets {
		name := t.QualifiedName()
		if _, ok := byName[name]; !ok {
			order = append(order, name)
		}
		byName[name] = append(byName[name], t)
	}
	for _, name := range order {
		if len(byName[name]) > 1 {
			return &AmbiguousPointcutError{Name: name, Targets: byName[name]}
		}
	}
	return nil
}
