package aspect

import "fmt"

// On returns a decorator that weaves advices onto a target at declaration
// time and hands the target back, so declaration and weaving read as one
// statement:
//
//	get := aspect.On(w, logging)(svc.Method("Get", getFn))
//
// It panics if the target cannot be woven, like regexp.MustCompile does for a
// bad expression. Use Weaver.Weave to handle the error.
func On(w *Weaver, advices ...*Advice) func(*Target) *Target {
	return func(t *Target) *Target {
		if _, err := w.Weave(t, advices); err != nil {
			panic(fmt.Sprintf("aspect: On(%s): %v", t, err))
		}
		return t
	}
}

// Exact selects exactly t, or nothing when t is nil.
func Exact(t *Target) Selector {
	return t
}
