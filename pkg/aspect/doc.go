// Package aspect provides in-process interception for Go: attach behavior
// ("advice") to selected callables without touching their call sites, and
// remove it later with no residue.
//
// # Overview
//
// Go cannot rewrite a function at runtime, so interception works through
// targets. A Target is a named, addressable callable; call sites invoke it
// through Target.Call or Target.Invoke, which dispatch to whatever binding
// the target currently holds. Weaving swaps that binding for a wrapper that
// runs an advice chain around the original. Unweaving puts the exact
// original binding back.
//
// # Quick Start
//
//	package main
//
//	import (
//		"context"
//		"fmt"
//
//		"github.com/chosenoffset/aspect/pkg/aspect"
//	)
//
//	func main() {
//		shop := aspect.NewScope("shop")
//		price, _ := shop.Go("Price", func(sku string) (int, error) { return 100, nil })
//
//		w := aspect.New()
//		defer w.Shutdown()
//
//		discount := aspect.NewAdvice("discount", func(jp *aspect.Joinpoint) (any, error) {
//			v, err := jp.Proceed()
//			if err != nil {
//				return nil, err
//			}
//			return v.(int) * 9 / 10, nil
//		})
//		w.Weave(price, []*aspect.Advice{discount})
//
//		v, _ := price.Call(context.Background(), "sku-1")
//		fmt.Println(v) // 90
//	}
//
// # Architecture
//
//   - Target and Scope: addressable callables and the namespaces that hold them
//   - Selector: exact targets, regular expressions over qualified names,
//     predicates, and pointcut expressions (package pointcut)
//   - Weaver: the registry of woven targets, their chains and originals
//   - Joinpoint: one intercepted invocation; advices call Proceed to continue
//   - Handle: undo for a single weave request, optionally with a TTL
//
// # Advice Chains
//
// Advices on a chain run in insertion order, outermost first. Each receives
// the joinpoint and either calls Proceed, which runs the next enabled advice
// or finally the original, or returns its own result and short-circuits the
// rest. Disabled advices are skipped but keep their place. Errors and panics
// from advices and originals propagate unchanged to the caller.
//
// # Concurrency
//
// Invocations are lock-free: they load the current binding and a snapshot of
// the chain atomically. An invocation that started before a weave or unweave
// finishes against the chain it started with. Structural changes on one
// target are serialized; changes on different targets do not block each
// other.
//
// # Distributed Context
//
// Advice identifiers are random UUIDs, unique across processes. Joinpoint
// Shared maps are local to one invocation; ExportShared, ImportShared and
// SharedMiddleware carry them across an HTTP hop. Transport is up to the
// caller.
package aspect
