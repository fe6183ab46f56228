package aspect

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// AdviceFunc is the behavior of an advice. It receives the joinpoint of the
// intercepted invocation and either calls jp.Proceed to continue the chain or
// returns its own result, which short-circuits the rest of the chain and the
// original callable.
type AdviceFunc func(jp *Joinpoint) (any, error)

// Advice is a named, uniquely identified, switchable wrapper around an
// AdviceFunc. An advice does not know where it is woven; the same advice may
// sit on many chains and its enabled flag applies to all of them.
type Advice struct {
	id      uuid.UUID
	name    string
	fn      AdviceFunc
	enabled atomic.Bool
}

// AdviceOption configures an advice at creation.
type AdviceOption func(*Advice)

// WithID assigns a caller-chosen identifier, e.g. to correlate the same
// logical advice across processes.
func WithID(id uuid.UUID) AdviceOption {
	return func(a *Advice) {
		a.id = id
	}
}

// StartDisabled creates the advice in the disabled state.
func StartDisabled() AdviceOption {
	return func(a *Advice) {
		a.enabled.Store(false)
	}
}

// NewAdvice creates an enabled advice with a fresh random identifier.
func NewAdvice(name string, fn AdviceFunc, opts ...AdviceOption) *Advice {
	if fn == nil {
		panic(fmt.Sprintf("aspect: advice %q has no behavior", name))
	}
	a := &Advice{
		id:   uuid.New(),
		name: name,
		fn:   fn,
	}
	a.enabled.Store(true)
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ID returns the identifier assigned at creation.
func (a *Advice) ID() uuid.UUID { return a.id }

// Name returns the human-readable name.
func (a *Advice) Name() string { return a.name }

// Enabled reports whether the executor runs this advice.
func (a *Advice) Enabled() bool { return a.enabled.Load() }

// SetEnabled toggles the advice without touching any chain it is woven on and
// reports whether the state changed. Weaver.Enable and Weaver.Disable are the
// checked forms.
func (a *Advice) SetEnabled(enabled bool) bool {
	return a.enabled.Swap(enabled) != enabled
}

func (a *Advice) String() string {
	return fmt.Sprintf("%s(%s)", a.name, a.id)
}
