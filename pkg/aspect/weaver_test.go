package aspect

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// trace records the order in which advices and originals run.
type trace struct {
	mu    sync.Mutex
	steps []string
}

func (tr *trace) add(step string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.steps = append(tr.steps, step)
}

func (tr *trace) take() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := tr.steps
	tr.steps = nil
	return out
}

func (tr *trace) advice(name string) *Advice {
	return NewAdvice(name, func(jp *Joinpoint) (any, error) {
		tr.add(name)
		return jp.Proceed()
	})
}

func (tr *trace) original(result any) Fn {
	return func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		tr.add("original")
		return result, nil
	}
}

func expectSteps(t *testing.T, tr *trace, want ...string) {
	t.Helper()
	if got := tr.take(); !slices.Equal(got, want) {
		t.Fatalf("expected steps %v, got %v", want, got)
	}
}

func mustWeave(t *testing.T, w *Weaver, sel Selector, advices ...*Advice) *Handle {
	t.Helper()
	h, err := w.Weave(sel, advices)
	if err != nil {
		t.Fatalf("Weave failed: %v", err)
	}
	return h
}

func TestWeaver(t *testing.T) {
	t.Run("UnweaveRestoresOriginal", testUnweaveRestoresOriginal)
	t.Run("DisabledAdviceSkipped", testDisabledAdviceSkipped)
	t.Run("InterceptedWhileAllDisabled", testInterceptedWhileAllDisabled)
	t.Run("ShortCircuit", testShortCircuit)
	t.Run("PartialUnweave", testPartialUnweave)
	t.Run("PositionalInsert", testPositionalInsert)
	t.Run("HandleUnweave", testHandleUnweave)
	t.Run("HandleKeepsEarlierOccurrence", testHandleKeepsEarlierOccurrence)
	t.Run("TTLExpiry", testTTLExpiry)
	t.Run("PatternSelection", testPatternSelection)
	t.Run("DuplicateNames", testDuplicateNames)
	t.Run("UnweavableTargets", testUnweavableTargets)
	t.Run("ForeignWeaver", testForeignWeaver)
	t.Run("UnknownAdvice", testUnknownAdvice)
	t.Run("NoAdvice", testNoAdvice)
	t.Run("EmptySelection", testEmptySelection)
	t.Run("SetEnabled", testSetEnabled)
	t.Run("Limits", testLimits)
	t.Run("Shutdown", testShutdown)
	t.Run("ApplyConfig", testApplyConfig)
	t.Run("ConfigDisabledOnWeave", testConfigDisabledOnWeave)
	t.Run("StrictOptionOrder", testStrictOptionOrder)
	t.Run("Events", testEvents)
	t.Run("Introspection", testIntrospection)
	t.Run("Decorator", testDecorator)
	t.Run("CollectedTargetForgotten", testCollectedTargetForgotten)
}

func testUnweaveRestoresOriginal(t *testing.T) {
	tr := &trace{}
	target := NewFunc("f", tr.original("ok"))
	original := target.current.Load()

	w := New()
	mustWeave(t, w, target, tr.advice("a"), tr.advice("b"))
	if !w.IsIntercepted(target) {
		t.Fatal("target should be intercepted after weave")
	}

	got, err := target.Call(context.Background())
	if err != nil || got != "ok" {
		t.Fatalf("expected ok, got %v (%v)", got, err)
	}
	expectSteps(t, tr, "a", "b", "original")

	if err := w.Unweave(target); err != nil {
		t.Fatalf("Unweave failed: %v", err)
	}
	if target.current.Load() != original {
		t.Fatal("unweave must restore the identical original binding")
	}
	if w.IsIntercepted(target) || target.Intercepted() {
		t.Fatal("target should not be intercepted after unweave")
	}
	if w.Advices(target) != nil {
		t.Fatal("no chain should remain after unweave")
	}

	target.Call(context.Background())
	expectSteps(t, tr, "original")

	// Unweaving a plain target is a no-op
	if err := w.Unweave(target); err != nil {
		t.Fatalf("second Unweave failed: %v", err)
	}
}

func testDisabledAdviceSkipped(t *testing.T) {
	tr := &trace{}
	target := NewFunc("f", tr.original(nil))
	a, b, c := tr.advice("a"), tr.advice("b"), tr.advice("c")

	w := New()
	mustWeave(t, w, target, a, b, c)
	if err := w.Disable(b); err != nil {
		t.Fatalf("Disable failed: %v", err)
	}

	target.Call(context.Background())
	expectSteps(t, tr, "a", "c", "original")

	if got := w.Advices(target); len(got) != 3 || got[1] != b {
		t.Fatal("disabled advice must keep its place in the chain")
	}

	w.Enable(b)
	target.Call(context.Background())
	expectSteps(t, tr, "a", "b", "c", "original")
}

func testInterceptedWhileAllDisabled(t *testing.T) {
	tr := &trace{}
	target := NewFunc("f", tr.original(nil))
	a := tr.advice("a")

	w := New()
	mustWeave(t, w, target, a)
	w.Disable(a)

	if !w.IsIntercepted(target) {
		t.Fatal("target stays intercepted while every advice is disabled")
	}
	target.Call(context.Background())
	expectSteps(t, tr, "original")
}

func testShortCircuit(t *testing.T) {
	tr := &trace{}
	target := NewFunc("f", tr.original("real"))

	w := New()
	mustWeave(t, w, target,
		tr.advice("outer"),
		NewAdvice("mock", func(jp *Joinpoint) (any, error) {
			tr.add("mock")
			return "mocked", nil
		}),
		tr.advice("inner"),
	)

	got, _ := target.Call(context.Background())
	if got != "mocked" {
		t.Fatalf("expected mocked, got %v", got)
	}
	expectSteps(t, tr, "outer", "mock")
}

func testPartialUnweave(t *testing.T) {
	tr := &trace{}
	target := NewFunc("f", tr.original(nil))
	original := target.current.Load()
	a, b := tr.advice("a"), tr.advice("b")

	w := New()
	mustWeave(t, w, target, a, b)
	mustWeave(t, w, target, a)

	// every occurrence of a goes
	if err := w.Unweave(target, a); err != nil {
		t.Fatalf("Unweave(a) failed: %v", err)
	}
	target.Call(context.Background())
	expectSteps(t, tr, "b", "original")

	if err := w.Unweave(target, b); err != nil {
		t.Fatalf("Unweave(b) failed: %v", err)
	}
	if target.current.Load() != original {
		t.Fatal("emptied chain must restore the original binding")
	}
}

func testPositionalInsert(t *testing.T) {
	tr := &trace{}
	target := NewFunc("f", tr.original(nil))

	w := New()
	mustWeave(t, w, target, tr.advice("a"), tr.advice("c"))
	if _, err := w.Weave(target, []*Advice{tr.advice("b")}, At(1)); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Weave(target, []*Advice{tr.advice("first")}, At(0)); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Weave(target, []*Advice{tr.advice("last")}, At(99)); err != nil {
		t.Fatal(err)
	}

	target.Call(context.Background())
	expectSteps(t, tr, "first", "a", "b", "c", "last", "original")
}

func testHandleUnweave(t *testing.T) {
	tr := &trace{}
	scope := NewScope("svc")
	f := scope.Func("F", tr.original(nil))
	g := scope.Func("G", tr.original(nil))
	a, b := tr.advice("a"), tr.advice("b")

	w := New()
	h1 := mustWeave(t, w, Pattern(scope, ".*"), a)
	h2 := mustWeave(t, w, f, b)

	if got := h1.Targets(); len(got) != 2 || got[0] != f || got[1] != g {
		t.Fatalf("expected handle targets [F G], got %v", got)
	}

	h1.Unweave()
	if !h1.Done() {
		t.Fatal("handle should be done")
	}
	f.Call(context.Background())
	expectSteps(t, tr, "b", "original")
	if w.IsIntercepted(g) {
		t.Fatal("G only carried the handle's advice and should be restored")
	}

	h1.Unweave() // idempotent
	h2.Unweave()
	if w.IsIntercepted(f) {
		t.Fatal("F should be restored after both handles are undone")
	}
}

func expectChain(t *testing.T, w *Weaver, target *Target, want ...*Advice) {
	t.Helper()
	if got := w.Advices(target); !slices.Equal(got, want) {
		t.Fatalf("expected chain %v, got %v", want, got)
	}
}

func testHandleKeepsEarlierOccurrence(t *testing.T) {
	t.Run("Unweave", func(t *testing.T) {
		tr := &trace{}
		target := NewFunc("f", tr.original(nil))
		a, b := tr.advice("a"), tr.advice("b")

		w := New()
		mustWeave(t, w, target, a, b)
		h := mustWeave(t, w, target, a)
		target.Call(context.Background())
		expectSteps(t, tr, "a", "b", "a", "original")

		h.Unweave()
		expectChain(t, w, target, a, b)
		target.Call(context.Background())
		expectSteps(t, tr, "a", "b", "original")
	})

	t.Run("Expiry", func(t *testing.T) {
		tr := &trace{}
		target := NewFunc("f", tr.original(nil))
		a, b := tr.advice("a"), tr.advice("b")

		expired := make(chan struct{}, 1)
		w := New(WithListener(ListenerFunc(func(ev Event) {
			if ev.Type == EventExpired {
				expired <- struct{}{}
			}
		})))
		mustWeave(t, w, target, a, b)
		if _, err := w.Weave(target, []*Advice{a}, WithTTL(10*time.Millisecond)); err != nil {
			t.Fatal(err)
		}
		expectChain(t, w, target, a, b, a)

		select {
		case <-expired:
		case <-time.After(2 * time.Second):
			t.Fatal("weave never expired")
		}
		expectChain(t, w, target, a, b)
	})

	t.Run("Rollback", func(t *testing.T) {
		tr := &trace{}
		cfg := DefaultConfig()
		cfg.MaxChainLength = 3

		scope := NewScope("m")
		f := scope.Func("F", tr.original(nil))
		g := scope.Func("G", tr.original(nil))
		a, b := tr.advice("a"), tr.advice("b")

		w := New(WithConfig(cfg))
		mustWeave(t, w, f, a, b)
		mustWeave(t, w, g, tr.advice("x"), tr.advice("y"), tr.advice("z"))

		if _, err := w.Weave(Pattern(scope, ".*"), []*Advice{a}); !IsLimitError(err) {
			t.Fatalf("expected LimitError on G, got %v", err)
		}
		expectChain(t, w, f, a, b)
	})
}

func testTTLExpiry(t *testing.T) {
	tr := &trace{}
	target := NewFunc("f", tr.original(nil))

	expired := make(chan Event, 4)
	w := New(WithListener(ListenerFunc(func(ev Event) {
		if ev.Type == EventExpired {
			expired <- ev
		}
	})))
	if _, err := w.Weave(target, []*Advice{tr.advice("a")}, WithTTL(20*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if !w.IsIntercepted(target) {
		t.Fatal("target should be intercepted before the TTL elapses")
	}

	select {
	case ev := <-expired:
		if ev.Target != "f" {
			t.Errorf("expected expiry of f, got %q", ev.Target)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("weave never expired")
	}
	if w.IsIntercepted(target) {
		t.Fatal("target should be restored after expiry")
	}
}

func testPatternSelection(t *testing.T) {
	tr := &trace{}
	scope := NewScope("m")
	foo := scope.Func("foo", tr.original(nil))
	foobar := scope.Func("foobar", tr.original(nil))
	bar := scope.Func("bar", tr.original(nil))

	w := New()
	h := mustWeave(t, w, Pattern(scope, "foo.*"), tr.advice("a"))

	if got := h.Targets(); len(got) != 2 || got[0] != foo || got[1] != foobar {
		t.Fatalf("expected [foo foobar] in declaration order, got %v", got)
	}
	if w.IsIntercepted(bar) {
		t.Fatal("bar does not match foo.*")
	}

	sel, err := Pattern(scope, "foo").Select()
	if err != nil {
		t.Fatal(err)
	}
	if len(sel.Targets) != 2 || sel.Targets[0] != foo || sel.Targets[1] != foobar {
		t.Fatalf("a pattern matches at the start of the name, expected [foo foobar], got %v", sel.Targets)
	}
	sel, err = Pattern(scope, "foo$").Select()
	if err != nil {
		t.Fatal(err)
	}
	if len(sel.Targets) != 1 || sel.Targets[0] != foo {
		t.Fatalf("expected [foo] for foo$, got %v", sel.Targets)
	}
}

func testDuplicateNames(t *testing.T) {
	tr := &trace{}
	scope := NewScope("m")
	first := scope.Func("dup", tr.original(1))
	second := scope.Func("dup", tr.original(2))

	if scope.Lookup("dup") != first {
		t.Fatal("lookup must resolve to the first declared target")
	}

	sel, err := Pattern(scope, "dup").Select()
	if err != nil {
		t.Fatal(err)
	}
	if len(sel.Targets) != 2 || sel.Targets[0] != first || sel.Targets[1] != second {
		t.Fatalf("expected both dup targets in order, got %v", sel.Targets)
	}

	strict := New(WithStrict(true))
	_, err = strict.Weave(Pattern(scope, "dup"), []*Advice{tr.advice("a")})
	if !IsAmbiguousPointcut(err) {
		t.Fatalf("expected AmbiguousPointcutError, got %v", err)
	}
	if strict.IsIntercepted(first) || strict.IsIntercepted(second) {
		t.Fatal("a rejected weave must not change any target")
	}
}

func testUnweavableTargets(t *testing.T) {
	tr := &trace{}
	scope := NewScope("m")
	native := scope.Native("now", tr.original(nil))
	plain := scope.Func("nowish", tr.original(nil))
	sealed := scope.Func("nowhere", tr.original(nil), Sealed())

	w := New()
	h := mustWeave(t, w, Pattern(scope, "now.*"), tr.advice("a"))
	if got := h.Targets(); len(got) != 1 || got[0] != plain {
		t.Fatalf("expected only nowish woven, got %v", got)
	}
	excluded := h.Excluded()
	if len(excluded) != 2 || excluded[0].Target != native || excluded[1].Target != sealed {
		t.Fatalf("expected now and nowhere excluded, got %v", excluded)
	}
	for _, ex := range excluded {
		if !IsNotWeavable(ex.Err) {
			t.Errorf("expected NotWeavableError for %s, got %v", ex.Target, ex.Err)
		}
	}

	_, err := w.Weave(native, []*Advice{tr.advice("a")})
	var nw *NotWeavableError
	if !errors.As(err, &nw) || nw.Target != native {
		t.Fatalf("expected NotWeavableError naming the native target, got %v", err)
	}
	if _, err := w.Weave(sealed, []*Advice{tr.advice("a")}); !IsNotWeavable(err) {
		t.Fatalf("expected NotWeavableError for sealed target, got %v", err)
	}
}

func testForeignWeaver(t *testing.T) {
	tr := &trace{}
	target := NewFunc("f", tr.original(nil))

	w1, w2 := New(), New()
	mustWeave(t, w1, target, tr.advice("a"))
	if _, err := w2.Weave(target, []*Advice{tr.advice("b")}); !IsNotWeavable(err) {
		t.Fatalf("expected NotWeavableError from second weaver, got %v", err)
	}
	if w2.IsIntercepted(target) {
		t.Fatal("second weaver does not own the target")
	}
	// Unweave by a non-owner leaves the target alone
	w2.Unweave(target)
	if !w1.IsIntercepted(target) {
		t.Fatal("owner's wrapper must survive a foreign unweave")
	}
}

func testUnknownAdvice(t *testing.T) {
	tr := &trace{}
	target := NewFunc("f", tr.original(nil))
	woven, stray := tr.advice("a"), tr.advice("stray")

	w := New()
	mustWeave(t, w, target, woven)

	err := w.Unweave(target, stray)
	var ua *UnknownAdviceError
	if !errors.As(err, &ua) || ua.Target != target || len(ua.IDs) != 1 || ua.IDs[0] != stray.ID() {
		t.Fatalf("expected UnknownAdviceError for stray, got %v", err)
	}
	// the chain is left untouched
	if got := w.Advices(target); len(got) != 1 || got[0] != woven {
		t.Fatalf("chain changed after a failed unweave: %v", got)
	}

	if err := w.Enable(stray); !IsUnknownAdvice(err) {
		t.Fatalf("expected UnknownAdviceError from Enable, got %v", err)
	}
	if err := w.Disable(nil); !IsUnknownAdvice(err) {
		t.Fatalf("expected UnknownAdviceError for nil advice, got %v", err)
	}
	if err := w.EnableID(stray.ID(), true); !IsUnknownAdvice(err) {
		t.Fatalf("expected UnknownAdviceError from EnableID, got %v", err)
	}
}

func testNoAdvice(t *testing.T) {
	target := NewFunc("f", (&trace{}).original(nil))
	w := New()
	if _, err := w.Weave(target, nil); !errors.Is(err, ErrNoAdvice) {
		t.Fatalf("expected ErrNoAdvice, got %v", err)
	}
	if _, err := w.Weave(target, []*Advice{nil}); !errors.Is(err, ErrNoAdvice) {
		t.Fatalf("expected ErrNoAdvice for nil advices, got %v", err)
	}
}

func testEmptySelection(t *testing.T) {
	tr := &trace{}
	scope := NewScope("m")
	scope.Func("foo", tr.original(nil))

	w := New()
	h, err := w.Weave(Pattern(scope, "nothing"), []*Advice{tr.advice("a")})
	if err != nil {
		t.Fatalf("empty selection is not an error: %v", err)
	}
	if len(h.Targets()) != 0 || len(h.Excluded()) != 0 {
		t.Fatal("expected an empty handle")
	}

	if _, err := w.Weave(Pattern(scope, "("), []*Advice{tr.advice("a")}); err == nil {
		t.Fatal("expected invalid pattern error")
	}
}

func testSetEnabled(t *testing.T) {
	tr := &trace{}
	scope := NewScope("m")
	f := scope.Func("f", tr.original(nil))
	a, b := tr.advice("a"), tr.advice("b")

	w := New()
	mustWeave(t, w, f, a, b)

	if err := w.SetEnabled(f, false); err != nil {
		t.Fatal(err)
	}
	if a.Enabled() || b.Enabled() {
		t.Fatal("all advices on f should be disabled")
	}

	if err := w.SetEnabled(Pattern(scope, "f"), true, b.ID()); err != nil {
		t.Fatal(err)
	}
	if a.Enabled() || !b.Enabled() {
		t.Fatal("only b should be re-enabled")
	}

	stray := tr.advice("stray")
	if err := w.SetEnabled(f, true, stray.ID()); !IsUnknownAdvice(err) {
		t.Fatalf("expected UnknownAdviceError, got %v", err)
	}

	if err := w.EnableID(a.ID(), true); err != nil || !a.Enabled() {
		t.Fatalf("EnableID should enable a: %v", err)
	}
	runtime.KeepAlive(f)
}

func testLimits(t *testing.T) {
	tr := &trace{}
	cfg := DefaultConfig()
	cfg.MaxChainLength = 2
	cfg.MaxTargets = 1

	w := New(WithConfig(cfg))
	target := NewFunc("f", tr.original(nil))
	_, err := w.Weave(target, []*Advice{tr.advice("a"), tr.advice("b"), tr.advice("c")})
	var le *LimitError
	if !errors.As(err, &le) || le.Limit != "chain length" || le.Max != 2 {
		t.Fatalf("expected chain length LimitError, got %v", err)
	}

	scope := NewScope("m")
	first := scope.Func("one", tr.original(nil))
	scope.Func("two", tr.original(nil))
	_, err = w.Weave(Pattern(scope, ".*"), []*Advice{tr.advice("a")})
	if !IsLimitError(err) {
		t.Fatalf("expected target LimitError, got %v", err)
	}
	if w.IsIntercepted(first) {
		t.Fatal("a failed weave must roll back targets it already wove")
	}
}

func testShutdown(t *testing.T) {
	tr := &trace{}
	scope := NewScope("m")
	f := scope.Func("f", tr.original(nil))
	g := scope.Func("g", tr.original(nil))

	w := New()
	mustWeave(t, w, Pattern(scope, ".*"), tr.advice("a"))
	if _, err := w.Weave(f, []*Advice{tr.advice("b")}, WithTTL(time.Hour)); err != nil {
		t.Fatal(err)
	}

	w.Shutdown()
	if f.Intercepted() || g.Intercepted() {
		t.Fatal("shutdown must restore every target")
	}
	if len(w.Intercepted()) != 0 {
		t.Fatal("registry should be empty after shutdown")
	}
	if _, err := w.Weave(f, []*Advice{tr.advice("a")}); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown, got %v", err)
	}
	w.Shutdown() // idempotent

	w.Init()
	mustWeave(t, w, f, tr.advice("a"))
	if !w.IsIntercepted(f) {
		t.Fatal("weave should work again after Init")
	}
}

func testApplyConfig(t *testing.T) {
	tr := &trace{}
	target := NewFunc("f", tr.original(nil))
	logging, other := tr.advice("logging"), tr.advice("other")

	w := New()
	mustWeave(t, w, target, logging, other)

	cfg := DefaultConfig()
	cfg.Disabled = []string{"logging"}
	if err := w.ApplyConfig(cfg); err != nil {
		t.Fatal(err)
	}
	if logging.Enabled() || !other.Enabled() {
		t.Fatal("only the advice named logging should be disabled")
	}

	// advices woven later under a disabled name start switched off
	late := tr.advice("logging")
	mustWeave(t, w, target, late)
	if late.Enabled() {
		t.Fatal("late logging advice should be disabled by config")
	}

	if err := w.ApplyConfig(DefaultConfig()); err != nil {
		t.Fatal(err)
	}
	if !logging.Enabled() || !late.Enabled() {
		t.Fatal("advices should be re-enabled once no longer listed")
	}

	bad := DefaultConfig()
	bad.MaxTargets = -1
	if err := w.ApplyConfig(bad); err == nil {
		t.Fatal("expected validation error")
	}
	runtime.KeepAlive(target)
}

func testConfigDisabledOnWeave(t *testing.T) {
	tr := &trace{}
	target := NewFunc("f", tr.original(nil))
	noisy := tr.advice("noisy")

	cfg := DefaultConfig()
	cfg.Disabled = []string{"noisy"}
	var mu sync.Mutex
	var events []Event
	w := New(WithConfig(cfg), WithListener(ListenerFunc(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})))

	mustWeave(t, w, target, noisy)
	if noisy.Enabled() {
		t.Fatal("advice named in the disabled list should start switched off")
	}

	runtime.KeepAlive(target)
	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0].Type != EventWoven || events[1].Type != EventDisabled {
		t.Fatalf("expected woven then disabled events, got %v", events)
	}
	if ev := events[1]; ev.Target != "f" || len(ev.Advices) != 1 || ev.Advices[0] != noisy.ID() {
		t.Fatalf("disabled event should name f and the advice, got %+v", ev)
	}
}

func testStrictOptionOrder(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{"StrictFirst", []Option{WithStrict(true), WithConfig(DefaultConfig())}},
		{"StrictLast", []Option{WithConfig(DefaultConfig()), WithStrict(true)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !New(tt.opts...).Config().Strict {
				t.Fatal("WithStrict should survive a later WithConfig")
			}
		})
	}
}

func testEvents(t *testing.T) {
	tr := &trace{}
	target := NewFunc("f", tr.original(nil))
	a := tr.advice("a")

	var mu sync.Mutex
	var types []EventType
	w := New()
	w.Subscribe(ListenerFunc(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, ev.Type)
	}))

	mustWeave(t, w, target, a)
	w.Disable(a)
	w.Disable(a) // no change, no event
	w.Enable(a)
	w.Unweave(target)

	mu.Lock()
	defer mu.Unlock()
	want := []EventType{EventWoven, EventDisabled, EventEnabled, EventUnwoven, EventRestored}
	if !slices.Equal(types, want) {
		t.Fatalf("expected events %v, got %v", want, types)
	}
}

func testIntrospection(t *testing.T) {
	tr := &trace{}
	scope := NewScope("m")
	f := scope.Func("f", tr.original("orig"))
	g := scope.Func("g", tr.original(nil))
	a := tr.advice("a")

	w := New()
	if _, ok := w.Original(f); ok {
		t.Fatal("no original for a target that is not woven")
	}
	mustWeave(t, w, Pattern(scope, ".*"), a)

	orig, ok := w.Original(f)
	if !ok {
		t.Fatal("expected original for woven target")
	}
	got, _ := orig(context.Background(), nil, nil)
	if got != "orig" {
		t.Fatalf("original should bypass advices, got %v", got)
	}
	expectSteps(t, tr, "original")

	if got := w.Intercepted(); len(got) != 2 || got[0] != f || got[1] != g {
		t.Fatalf("expected [f g] intercepted, got %v", got)
	}
	if found, ok := w.Advice(a.ID()); !ok || found != a {
		t.Fatal("advice lookup by id failed")
	}

	snap := w.Snapshot()
	if len(snap) != 2 || snap[0].Name != "m.f" || snap[0].Advices[0].Name != "a" || !snap[0].Advices[0].Enabled {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	runtime.KeepAlive(scope)
}

func testDecorator(t *testing.T) {
	tr := &trace{}
	w := New()
	scope := NewScope("m")

	f := On(w, tr.advice("a"))(scope.Func("f", tr.original(nil)))
	f.Call(context.Background())
	expectSteps(t, tr, "a", "original")

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic decorating a native target")
		}
	}()
	On(w, tr.advice("a"))(scope.Native("n", tr.original(nil)))
}

func testCollectedTargetForgotten(t *testing.T) {
	collected := make(chan Event, 1)
	w := New(WithListener(ListenerFunc(func(ev Event) {
		if ev.Type == EventCollected {
			collected <- ev
		}
	})))
	a := NewAdvice("a", func(jp *Joinpoint) (any, error) { return jp.Proceed() })

	func() {
		target := NewFunc("ephemeral", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
			return nil, nil
		})
		mustWeave(t, w, target, a)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		runtime.GC()
		select {
		case ev := <-collected:
			if ev.Target != "ephemeral" {
				t.Fatalf("unexpected collected target %q", ev.Target)
			}
			if _, ok := w.Advice(a.ID()); ok {
				t.Fatal("advice references should be released with the entry")
			}
			return
		case <-time.After(10 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatal("collected target was never forgotten")
		}
	}
}

func TestExecutor(t *testing.T) {
	t.Run("ProceedTwice", testProceedTwice)
	t.Run("ArgumentMutation", testArgumentMutation)
	t.Run("ErrorsPropagate", testErrorsPropagate)
	t.Run("PanicsPropagate", testPanicsPropagate)
	t.Run("RecursiveCalls", testRecursiveCalls)
	t.Run("InFlightKeepsSnapshot", testInFlightKeepsSnapshot)
	t.Run("JoinpointAccessors", testJoinpointAccessors)
}

func testProceedTwice(t *testing.T) {
	tr := &trace{}
	target := NewFunc("f", tr.original(nil))

	w := New()
	mustWeave(t, w, target,
		NewAdvice("retry", func(jp *Joinpoint) (any, error) {
			tr.add("retry")
			jp.Proceed()
			return jp.Proceed()
		}),
		tr.advice("inner"),
	)

	target.Call(context.Background())
	expectSteps(t, tr, "retry", "inner", "original", "inner", "original")
}

func testArgumentMutation(t *testing.T) {
	target := NewFunc("double", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return args[0].(int)*2 + kwargs["bonus"].(int), nil
	})

	w := New()
	mustWeave(t, w, target, NewAdvice("bump", func(jp *Joinpoint) (any, error) {
		jp.Args[0] = jp.Args[0].(int) + 1
		jp.Kwargs["bonus"] = 100
		return jp.Proceed()
	}))

	args := []any{1}
	kwargs := map[string]any{"bonus": 0}
	got, err := target.Invoke(context.Background(), args, kwargs)
	if err != nil || got != 104 {
		t.Fatalf("expected 104, got %v (%v)", got, err)
	}
	if args[0] != 1 || kwargs["bonus"] != 0 {
		t.Fatal("the caller's arguments must not be mutated")
	}
}

func testErrorsPropagate(t *testing.T) {
	errBoom := errors.New("boom")
	target := NewFunc("f", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return nil, errBoom
	})

	w := New()
	mustWeave(t, w, target, NewAdvice("pass", func(jp *Joinpoint) (any, error) { return jp.Proceed() }))

	if _, err := target.Call(context.Background()); err != errBoom {
		t.Fatalf("expected the original error unchanged, got %v", err)
	}
}

func testPanicsPropagate(t *testing.T) {
	target := NewFunc("f", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		panic("kaboom")
	})
	w := New()
	mustWeave(t, w, target, NewAdvice("pass", func(jp *Joinpoint) (any, error) { return jp.Proceed() }))

	defer func() {
		if r := recover(); r != "kaboom" {
			t.Fatalf("expected panic kaboom to propagate, got %v", r)
		}
	}()
	target.Call(context.Background())
}

func testRecursiveCalls(t *testing.T) {
	var fact *Target
	fact = NewFunc("fact", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		n := args[0].(int)
		if n <= 1 {
			return 1, nil
		}
		sub, err := fact.Call(ctx, n-1)
		if err != nil {
			return nil, err
		}
		return n * sub.(int), nil
	})

	var depth, maxDepth atomic.Int64
	w := New()
	mustWeave(t, w, fact, NewAdvice("depth", func(jp *Joinpoint) (any, error) {
		d := depth.Add(1)
		defer depth.Add(-1)
		if d > maxDepth.Load() {
			maxDepth.Store(d)
		}
		return jp.Proceed()
	}))

	got, err := fact.Call(context.Background(), 5)
	if err != nil || got != 120 {
		t.Fatalf("expected 120, got %v (%v)", got, err)
	}
	if maxDepth.Load() != 5 {
		t.Fatalf("each recursive call should be intercepted, max depth %d", maxDepth.Load())
	}
}

func testInFlightKeepsSnapshot(t *testing.T) {
	tr := &trace{}
	target := NewFunc("f", tr.original(nil))
	other := NewFunc("g", tr.original(nil))

	entered := make(chan struct{})
	release := make(chan struct{})
	w := New()
	mustWeave(t, w, target,
		NewAdvice("block", func(jp *Joinpoint) (any, error) {
			close(entered)
			<-release
			return jp.Proceed()
		}),
		tr.advice("second"),
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		target.Call(context.Background())
	}()
	<-entered

	// structural changes proceed while an invocation is in flight
	mustWeave(t, w, other, tr.advice("other"))
	if err := w.Unweave(target); err != nil {
		t.Fatal(err)
	}
	close(release)
	<-done

	expectSteps(t, tr, "second", "original")
}

func testJoinpointAccessors(t *testing.T) {
	scope := NewScope("svc")
	target := scope.Method("Get", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return nil, nil
	})

	type key struct{}
	w := New()
	var seen *Joinpoint
	var current *Advice
	adv := NewAdvice("inspect", func(jp *Joinpoint) (any, error) {
		seen = jp
		current = jp.Advice()
		jp.SetContext(context.WithValue(jp.Context(), key{}, "v"))
		return jp.Proceed()
	})
	mustWeave(t, w, target, adv)

	target.Call(nil, "recv", 7)
	if seen.Target != target || seen.Kind() != KindMethod {
		t.Fatal("joinpoint should carry the target and its kind")
	}
	if seen.Arg(1) != 7 || seen.Arg(5) != nil {
		t.Fatal("Arg should index positional arguments")
	}
	if current != adv {
		t.Fatal("Advice should return the running advice")
	}
	if seen.Context().Value(key{}) != "v" {
		t.Fatal("SetContext should replace the context")
	}
	if seen.Advice() != nil {
		t.Fatal("outside the chain no advice is current")
	}
}

func TestConcurrentWeaving(t *testing.T) {
	const callers, weavers, rounds = 8, 4, 200

	target := NewFunc("hot", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return 1, nil
	})
	original := target.current.Load()
	w := New()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	var bad atomic.Int64
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				v, err := target.Call(context.Background())
				if err != nil || v.(int)%10 != 1 {
					bad.Add(1)
				}
			}
		}()
	}

	var weaveWG sync.WaitGroup
	for i := 0; i < weavers; i++ {
		weaveWG.Add(1)
		go func(i int) {
			defer weaveWG.Done()
			adv := NewAdvice(fmt.Sprintf("add-%d", i), func(jp *Joinpoint) (any, error) {
				v, err := jp.Proceed()
				if err != nil {
					return nil, err
				}
				return v.(int) + 10, nil
			})
			for r := 0; r < rounds; r++ {
				h, err := w.Weave(target, []*Advice{adv})
				if err != nil {
					bad.Add(1)
					continue
				}
				if r%2 == 0 {
					w.Disable(adv)
					w.Enable(adv)
				}
				h.Unweave()
			}
		}(i)
	}

	weaveWG.Wait()
	close(stop)
	wg.Wait()

	if bad.Load() != 0 {
		t.Fatalf("%d calls observed an inconsistent chain", bad.Load())
	}
	if target.current.Load() != original {
		t.Fatal("original binding must be back after every handle is undone")
	}
}

func BenchmarkWovenCall(b *testing.B) {
	target := NewFunc("f", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return nil, nil
	})
	w := New()
	w.Weave(target, []*Advice{NewAdvice("pass", func(jp *Joinpoint) (any, error) { return jp.Proceed() })})
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		target.Call(ctx)
	}
}

func TestDisjointTargetsDoNotBlock(t *testing.T) {
	tr := &trace{}
	busy := NewFunc("busy", tr.original("busy"))
	free := NewFunc("free", tr.original("free"))
	w := New()

	// Hold busy's structural lock as a long-running weave would.
	busy.mu.Lock()
	locked := true
	defer func() {
		if locked {
			busy.mu.Unlock()
		}
	}()

	busyDone := make(chan error, 1)
	go func() {
		_, err := w.Weave(busy, []*Advice{NewAdvice("late", func(jp *Joinpoint) (any, error) {
			return jp.Proceed()
		})})
		busyDone <- err
	}()

	freeDone := make(chan error, 1)
	go func() {
		if _, err := w.Weave(free, []*Advice{tr.advice("a")}); err != nil {
			freeDone <- err
			return
		}
		if _, err := free.Call(context.Background()); err != nil {
			freeDone <- err
			return
		}
		freeDone <- w.Unweave(free)
	}()

	select {
	case err := <-freeDone:
		if err != nil {
			t.Fatalf("weave on the free target failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("weave on one target blocked behind another target's lock")
	}
	if free.Intercepted() {
		t.Fatal("free target should be restored")
	}

	// Invocation takes no lock either.
	if v, err := busy.Call(context.Background()); err != nil || v != "busy" {
		t.Fatalf("call on the locked target should run, got %v (%v)", v, err)
	}

	select {
	case err := <-busyDone:
		t.Fatalf("weave on the locked target finished early: %v", err)
	default:
	}

	locked = false
	busy.mu.Unlock()
	select {
	case err := <-busyDone:
		if err != nil {
			t.Fatalf("weave on the busy target failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("weave on the busy target never finished")
	}
	if !w.IsIntercepted(busy) {
		t.Fatal("busy target should be intercepted")
	}
}
