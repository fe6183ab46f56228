package aspect

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrShutdown is returned by structural operations on a Weaver that has been shut down.
var ErrShutdown = errors.New("aspect: weaver is shut down")

// ErrNoAdvice is returned when a weave request carries no advice.
var ErrNoAdvice = errors.New("aspect: no advice to weave")

// NotWeavableError reports a target the runtime forbids intercepting.
type NotWeavableError struct {
	Target *Target
	Reason string
}

func (e *NotWeavableError) Error() string {
	return fmt.Sprintf("aspect: target %s is not weavable: %s", e.Target, e.Reason)
}

// IsNotWeavable checks if an error is a NotWeavableError
func IsNotWeavable(err error) bool {
	var target *NotWeavableError
	return errors.As(err, &target)
}

// UnknownAdviceError reports advice identifiers that are not present on the
// chain an operation referenced.
type UnknownAdviceError struct {
	Target *Target // nil when the advice is unknown to the whole weaver
	IDs    []uuid.UUID
}

func (e *UnknownAdviceError) Error() string {
	ids := make([]string, len(e.IDs))
	for i, id := range e.IDs {
		ids[i] = id.String()
	}
	if e.Target == nil {
		return fmt.Sprintf("aspect: unknown advice %s", strings.Join(ids, ", "))
	}
	return fmt.Sprintf("aspect: advice %s not woven on %s", strings.Join(ids, ", "), e.Target)
}

// IsUnknownAdvice checks if an error is an UnknownAdviceError
func IsUnknownAdvice(err error) bool {
	var target *UnknownAdviceError
	return errors.As(err, &target)
}

// AmbiguousPointcutError is raised in strict mode when a selection holds
// distinct targets sharing one qualified name.
type AmbiguousPointcutError struct {
	Name    string
	Targets []*Target
}

func (e *AmbiguousPointcutError) Error() string {
	return fmt.Sprintf("aspect: pointcut is ambiguous: %d targets named %q", len(e.Targets), e.Name)
}

// IsAmbiguousPointcut checks if an error is an AmbiguousPointcutError
func IsAmbiguousPointcut(err error) bool {
	var target *AmbiguousPointcutError
	return errors.As(err, &target)
}

// LimitError represents a configured weaver limit being exceeded.
type LimitError struct {
	Limit   string
	Current int
	Max     int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("aspect: %s limit exceeded (%d > %d)", e.Limit, e.Current, e.Max)
}

// IsLimitError checks if an error is a LimitError
func IsLimitError(err error) bool {
	var target *LimitError
	return errors.As(err, &target)
}
