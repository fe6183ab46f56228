package aspect

import (
	"context"
	"maps"
)

// Joinpoint describes one intercepted invocation. A fresh joinpoint is built at
// call entry and dropped when the call returns; advices must not retain it.
//
// Args and Kwargs are copies of what the call site passed. Advices may mutate
// them and the mutated values reach the original callable. Shared is a scratch
// map for advices of the same invocation to talk to each other.
type Joinpoint struct {
	Target *Target
	Args   []any
	Kwargs map[string]any
	Shared map[string]any

	ctx      context.Context
	chain    []*Advice
	cursor   int
	original Fn
}

func newJoinpoint(ctx context.Context, t *Target, chain []*Advice, original Fn, args []any, kwargs map[string]any) *Joinpoint {
	jp := &Joinpoint{
		Target:   t,
		Args:     append([]any(nil), args...),
		Kwargs:   maps.Clone(kwargs),
		ctx:      ctx,
		chain:    chain,
		cursor:   -1,
		original: original,
	}
	if jp.Kwargs == nil {
		jp.Kwargs = make(map[string]any)
	}
	if shared, ok := SharedFrom(ctx); ok {
		jp.Shared = maps.Clone(shared)
	} else {
		jp.Shared = make(map[string]any)
	}
	return jp
}

// Kind returns the invocation kind tag, which is the target's kind.
func (jp *Joinpoint) Kind() Kind {
	return jp.Target.Kind()
}

// Context returns the context the invocation runs under.
func (jp *Joinpoint) Context() context.Context {
	return jp.ctx
}

// SetContext replaces the context handed to the rest of the chain and to the
// original callable.
func (jp *Joinpoint) SetContext(ctx context.Context) {
	if ctx != nil {
		jp.ctx = ctx
	}
}

// Advice returns the advice currently executing, or nil outside the chain.
func (jp *Joinpoint) Advice() *Advice {
	if jp.cursor < 0 || jp.cursor >= len(jp.chain) {
		return nil
	}
	return jp.chain[jp.cursor]
}

// Arg returns positional argument i, or nil when out of range.
func (jp *Joinpoint) Arg(i int) any {
	if i < 0 || i >= len(jp.Args) {
		return nil
	}
	return jp.Args[i]
}

// Proceed continues the invocation: it runs the next enabled advice after the
// calling one, or the original callable when none remain, and returns that
// result. The cursor is restored afterwards, so an advice may proceed more
// than once (each time the remainder of the chain runs again).
func (jp *Joinpoint) Proceed() (any, error) {
	prev := jp.cursor
	next, ok := jp.step(prev)
	if !ok {
		return jp.original(jp.ctx, jp.Args, jp.Kwargs)
	}
	jp.cursor = next
	defer func() { jp.cursor = prev }()
	return jp.chain[next].fn(jp)
}

// step finds the next enabled advice after position from. ok is false when the
// chain is exhausted and the original callable is due. Disabled advices are
// skipped entirely.
func (jp *Joinpoint) step(from int) (next int, ok bool) {
	for i := from + 1; i < len(jp.chain); i++ {
		if jp.chain[i].Enabled() {
			return i, true
		}
	}
	return len(jp.chain), false
}
