package advices

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/chosenoffset/aspect/pkg/aspect"
)

// PanicError wraps a value recovered by the Recover advice.
type PanicError struct {
	Target string
	Value  any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Target, e.Value)
}

// Return short-circuits every call with a fixed result. Useful for mocking a
// dependency in tests and for feature kill switches.
func Return(result any, err error) *aspect.Advice {
	return aspect.NewAdvice("return", func(jp *aspect.Joinpoint) (any, error) {
		return result, err
	})
}

// Count increments counter on every call that reaches this advice.
func Count(counter *atomic.Int64) *aspect.Advice {
	return aspect.NewAdvice("count", func(jp *aspect.Joinpoint) (any, error) {
		counter.Add(1)
		return jp.Proceed()
	})
}

// Guard rejects a call when check returns an error; the rest of the chain and
// the original never run.
func Guard(check func(jp *aspect.Joinpoint) error) *aspect.Advice {
	return aspect.NewAdvice("guard", func(jp *aspect.Joinpoint) (any, error) {
		if err := check(jp); err != nil {
			return nil, err
		}
		return jp.Proceed()
	})
}

// Recover turns a panic further down the chain into a *PanicError.
func Recover() *aspect.Advice {
	return aspect.NewAdvice("recover", func(jp *aspect.Joinpoint) (result any, err error) {
		defer func() {
			if r := recover(); r != nil {
				result = nil
				err = &PanicError{Target: jp.Target.QualifiedName(), Value: r}
			}
		}()
		return jp.Proceed()
	})
}

// Timeout gives the rest of the chain a context that expires after d. The
// callee must honor the context; Timeout does not abandon running work.
func Timeout(d time.Duration) *aspect.Advice {
	return aspect.NewAdvice("timeout", func(jp *aspect.Joinpoint) (any, error) {
		prev := jp.Context()
		ctx, cancel := context.WithTimeout(prev, d)
		defer cancel()

		jp.SetContext(ctx)
		defer jp.SetContext(prev)
		return jp.Proceed()
	})
}

// Retry proceeds up to attempts times until the rest of the chain succeeds,
// sleeping backoff between attempts. It stops early when the invocation
// context is done.
func Retry(attempts int, backoff time.Duration) *aspect.Advice {
	if attempts < 1 {
		attempts = 1
	}
	return aspect.NewAdvice("retry", func(jp *aspect.Joinpoint) (any, error) {
		var (
			result any
			err    error
		)
		for i := 0; i < attempts; i++ {
			if i > 0 && backoff > 0 {
				select {
				case <-jp.Context().Done():
					return result, err
				case <-time.After(backoff):
				}
			}
			result, err = jp.Proceed()
			if err == nil {
				return result, nil
			}
		}
		return result, err
	})
}

// Share stores key in the joinpoint's shared map before proceeding, for
// advices further down the chain or for export across a process boundary.
func Share(key string, value func(jp *aspect.Joinpoint) any) *aspect.Advice {
	return aspect.NewAdvice("share", func(jp *aspect.Joinpoint) (any, error) {
		jp.Shared[key] = value(jp)
		return jp.Proceed()
	})
}
