package aspect

import (
	"context"
	"runtime"
	"sync/atomic"
	"weak"
)

// entry is the registry record of one woven target: the original binding, the
// wrapper installed in its place and the advice chain. The chain is an
// immutable snapshot replaced wholesale on every structural change, so an
// invocation sees either the previous or the next chain, never a mix.
type entry struct {
	weaver   *Weaver
	targetID uint64
	name     string
	target   weak.Pointer[Target]
	original *binding
	wrapper  *binding
	chain    atomic.Pointer[[]*Advice]
	cleanup  runtime.Cleanup

	// slots mirrors chain with one token per occurrence. Guarded by the
	// target's lock.
	slots []*slot
}

// slot is one occurrence of an advice on a chain. The same advice woven twice
// occupies two slots, so a handle can remove exactly the occurrence it added.
type slot struct {
	advice *Advice
}

func newEntry(w *Weaver, t *Target, original *binding) *entry {
	e := &entry{
		weaver:   w,
		targetID: t.id,
		name:     t.QualifiedName(),
		target:   weak.Make(t),
		original: original,
	}
	e.wrapper = &binding{fn: e.invoke, entry: e}
	empty := []*Advice{}
	e.chain.Store(&empty)
	return e
}

func (e *entry) advices() []*Advice {
	return *e.chain.Load()
}

// invoke is the wrapper installed on a woven target. It snapshots the chain,
// builds a joinpoint and starts the walk. Nested or recursive calls come back
// through here and get their own joinpoint.
func (e *entry) invoke(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	t := e.target.Value()
	if t == nil {
		return e.original.fn(ctx, args, kwargs)
	}
	jp := newJoinpoint(ctx, t, e.advices(), e.original.fn, args, kwargs)
	return jp.Proceed()
}

// publish replaces the slots and the chain snapshot invocations read. Callers
// hold the target's lock.
func (e *entry) publish(slots []*slot) {
	e.slots = slots
	chain := make([]*Advice, len(slots))
	for i, s := range slots {
		chain[i] = s.advice
	}
	e.chain.Store(&chain)
}

// insertSlots returns a new slot list with fresh slots for advices inserted at
// pos, and the inserted slots. Negative or out-of-range positions append.
func insertSlots(slots []*slot, advices []*Advice, pos int) (next, added []*slot) {
	if pos < 0 || pos > len(slots) {
		pos = len(slots)
	}
	added = make([]*slot, len(advices))
	for i, a := range advices {
		added[i] = &slot{advice: a}
	}
	next = make([]*slot, 0, len(slots)+len(added))
	next = append(next, slots[:pos]...)
	next = append(next, added...)
	next = append(next, slots[pos:]...)
	return next, added
}
