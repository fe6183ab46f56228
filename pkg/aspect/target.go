package aspect

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Fn is the uniform signature every target binding is invoked through.
// Positional and keyword arguments are passed as received by the call site.
type Fn func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// Caller is implemented by objects that can be declared as callable targets.
type Caller interface {
	Call(ctx context.Context, args []any, kwargs map[string]any) (any, error)
}

// Kind classifies a target and decides whether it may be woven.
type Kind int

const (
	// KindFunction is a free function.
	KindFunction Kind = iota
	// KindMethod is a function bound to a class scope; the receiver is the
	// first positional argument.
	KindMethod
	// KindCallable is an object implementing Caller.
	KindCallable
	// KindConstructor builds and returns a new instance.
	KindConstructor
	// KindNative is a host-provided callable that cannot be intercepted.
	KindNative
)

var kindNames = map[Kind]string{
	KindFunction:    "function",
	KindMethod:      "method",
	KindCallable:    "callable",
	KindConstructor: "constructor",
	KindNative:      "native",
}

// weavableKinds enumerates the interception capability of each kind.
var weavableKinds = map[Kind]bool{
	KindFunction:    true,
	KindMethod:      true,
	KindCallable:    true,
	KindConstructor: true,
	KindNative:      false,
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Weavable reports whether targets of this kind can carry a wrapper.
func (k Kind) Weavable() bool {
	return weavableKinds[k]
}

// ParseKind maps a kind name back to its Kind.
func ParseKind(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return 0, false
}

// binding is what a target's slot points at: either the original callable
// (entry == nil) or the intercepting wrapper of a registry entry.
type binding struct {
	fn    Fn
	entry *entry
}

var targetSeq atomic.Uint64

// Target is an addressable callable. Call sites invoke it through Call or
// Invoke, which dispatch to whatever binding is currently installed. The
// identity of a target is its pointer.
type Target struct {
	id     uint64
	name   string
	kind   Kind
	scope  *Scope
	sealed bool

	// mu serializes structural changes (weave/unweave) on this target.
	mu       sync.Mutex
	current  atomic.Pointer[binding]
	original *binding
}

// TargetOption configures a target at declaration time.
type TargetOption func(*Target)

// Sealed marks a target as protected: the runtime refuses to weave it.
func Sealed() TargetOption {
	return func(t *Target) {
		t.sealed = true
	}
}

func newTarget(scope *Scope, name string, kind Kind, fn Fn, opts ...TargetOption) *Target {
	if fn == nil {
		panic(fmt.Sprintf("aspect: target %q declared without a callable", name))
	}
	t := &Target{
		id:    targetSeq.Add(1),
		name:  name,
		kind:  kind,
		scope: scope,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.original = &binding{fn: fn}
	t.current.Store(t.original)
	return t
}

// NewFunc declares a free-standing function target outside any scope.
func NewFunc(name string, fn Fn, opts ...TargetOption) *Target {
	return newTarget(nil, name, KindFunction, fn, opts...)
}

// NewCallable declares a free-standing callable object target.
func NewCallable(name string, c Caller, opts ...TargetOption) *Target {
	return newTarget(nil, name, KindCallable, c.Call, opts...)
}

// NewNative declares a host-provided target that can be called but never woven.
func NewNative(name string, fn Fn) *Target {
	return newTarget(nil, name, KindNative, fn)
}

// ID returns the process-unique identity key of the target.
func (t *Target) ID() uint64 { return t.id }

// Name returns the declared (unqualified) name.
func (t *Target) Name() string { return t.name }

// Kind returns the target kind, also used as the invocation kind tag.
func (t *Target) Kind() Kind { return t.kind }

// Scope returns the declaring scope, or nil for free-standing targets.
func (t *Target) Scope() *Scope { return t.scope }

// IsSealed reports whether the target was declared protected.
func (t *Target) IsSealed() bool { return t.sealed }

// QualifiedName joins the scope path and the target name with dots.
func (t *Target) QualifiedName() string {
	if t.scope == nil {
		return t.name
	}
	return t.scope.Path() + "." + t.name
}

func (t *Target) String() string {
	return t.QualifiedName()
}

// Intercepted reports whether any weaver currently has a wrapper installed.
func (t *Target) Intercepted() bool {
	return t.current.Load().entry != nil
}

// Call invokes the target with positional arguments.
func (t *Target) Call(ctx context.Context, args ...any) (any, error) {
	return t.Invoke(ctx, args, nil)
}

// Invoke invokes the target with positional and keyword arguments.
func (t *Target) Invoke(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return t.current.Load().fn(ctx, args, kwargs)
}

// Select makes a target usable as an exact pointcut.
func (t *Target) Select() (Selection, error) {
	if t == nil {
		return Selection{Exact: true}, nil
	}
	return Selection{Targets: []*Target{t}, Exact: true}, nil
}
