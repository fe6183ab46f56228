package aspect

import (
	"fmt"
	"go/token"
	"strings"
	"sync"
)

// Scope is an ordered namespace of targets and nested scopes: a module, a
// class, or an explicit object. Members keep their declaration order, which is
// the order pointcuts resolve in.
type Scope struct {
	name   string
	parent *Scope

	mu      sync.RWMutex
	members []member
}

type member struct {
	target *Target
	scope  *Scope
}

// NewScope creates a root scope.
func NewScope(name string) *Scope {
	return &Scope{name: name}
}

// Name returns the scope's own name.
func (s *Scope) Name() string { return s.name }

// Parent returns the enclosing scope, or nil for a root scope.
func (s *Scope) Parent() *Scope { return s.parent }

// Path returns the dotted path from the root scope.
func (s *Scope) Path() string {
	if s.parent == nil {
		return s.name
	}
	return s.parent.Path() + "." + s.name
}

func (s *Scope) String() string { return s.Path() }

// Scope declares a nested scope (a class or namespace) and returns it.
func (s *Scope) Scope(name string) *Scope {
	child := &Scope{name: name, parent: s}
	s.mu.Lock()
	s.members = append(s.members, member{scope: child})
	s.mu.Unlock()
	return child
}

// Declare adds a target of the given kind. Declaring a name twice keeps both
// targets; lookups resolve to the first declared.
func (s *Scope) Declare(name string, kind Kind, fn Fn, opts ...TargetOption) *Target {
	t := newTarget(s, name, kind, fn, opts...)
	s.mu.Lock()
	s.members = append(s.members, member{target: t})
	s.mu.Unlock()
	return t
}

// Func declares a function target.
func (s *Scope) Func(name string, fn Fn, opts ...TargetOption) *Target {
	return s.Declare(name, KindFunction, fn, opts...)
}

// Method declares a method target. The receiver travels as the first
// positional argument.
func (s *Scope) Method(name string, fn Fn, opts ...TargetOption) *Target {
	return s.Declare(name, KindMethod, fn, opts...)
}

// Constructor declares a constructor target.
func (s *Scope) Constructor(name string, fn Fn, opts ...TargetOption) *Target {
	return s.Declare(name, KindConstructor, fn, opts...)
}

// Callable declares a callable-object target.
func (s *Scope) Callable(name string, c Caller, opts ...TargetOption) *Target {
	return s.Declare(name, KindCallable, c.Call, opts...)
}

// Native declares a host-provided target that can be called but not woven.
func (s *Scope) Native(name string, fn Fn) *Target {
	return s.Declare(name, KindNative, fn)
}

// Go declares a function target from a plain Go function, see Adapt.
func (s *Scope) Go(name string, fn any, opts ...TargetOption) (*Target, error) {
	adapted, err := Adapt(fn)
	if err != nil {
		return nil, fmt.Errorf("declare %s.%s: %w", s.Path(), name, err)
	}
	return s.Func(name, adapted, opts...), nil
}

// Lookup resolves a dotted, scope-relative name such as "Account.Deposit".
// When several members share a name the first declared wins.
func (s *Scope) Lookup(name string) *Target {
	head, rest, nested := strings.Cut(name, ".")
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.members {
		if nested {
			if m.scope != nil && m.scope.name == head {
				if t := m.scope.Lookup(rest); t != nil {
					return t
				}
			}
			continue
		}
		if m.target != nil && m.target.name == name {
			return m.target
		}
	}
	return nil
}

// Targets returns the directly declared targets in declaration order.
func (s *Scope) Targets() []*Target {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Target, 0, len(s.members))
	for _, m := range s.members {
		if m.target != nil {
			out = append(out, m.target)
		}
	}
	return out
}

// candidate is a target discovered by a scope walk together with its name
// relative to the walked scope.
type candidate struct {
	target   *Target
	relative string
}

// walk visits targets in declaration order. Depth 1 visits direct members,
// each further level descends one nested scope deeper.
func (s *Scope) walk(depth int, publicOnly bool, prefix string, visit func(candidate)) {
	if depth <= 0 {
		return
	}
	s.mu.RLock()
	members := make([]member, len(s.members))
	copy(members, s.members)
	s.mu.RUnlock()

	for _, m := range members {
		switch {
		case m.target != nil:
			if publicOnly && !token.IsExported(m.target.name) {
				continue
			}
			visit(candidate{target: m.target, relative: prefix + m.target.name})
		case m.scope != nil:
			if publicOnly && !token.IsExported(m.scope.name) {
				continue
			}
			m.scope.walk(depth-1, publicOnly, prefix+m.scope.name+".", visit)
		}
	}
}
