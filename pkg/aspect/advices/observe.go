package advices

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chosenoffset/aspect/pkg/aspect"
	"github.com/chosenoffset/aspect/pkg/aspect/metrics"
)

const instrumentationName = "github.com/chosenoffset/aspect/pkg/aspect/advices"

// Metrics returns an advice recording calls, errors and durations of each
// target it is woven on, keyed by qualified name. A panic further down the
// chain counts as an error.
func Metrics(c *metrics.Collector) *aspect.Advice {
	return aspect.NewAdvice("metrics", func(jp *aspect.Joinpoint) (result any, err error) {
		done := c.Begin(jp.Target.QualifiedName())
		panicked := true
		defer func() {
			done(panicked || err != nil)
		}()
		result, err = jp.Proceed()
		panicked = false
		return result, err
	})
}

// Tracing returns an advice that runs each call in its own span. A nil
// tracer uses the global provider.
func Tracing(tracer trace.Tracer) *aspect.Advice {
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	return aspect.NewAdvice("tracing", func(jp *aspect.Joinpoint) (any, error) {
		ctx, span := tracer.Start(jp.Context(), jp.Target.QualifiedName(),
			trace.WithAttributes(
				attribute.String("aspect.kind", jp.Kind().String()),
				attribute.Int("aspect.args", len(jp.Args)),
			))
		defer span.End()

		// Shared entries are propagated as span attributes
		for k, v := range jp.Shared {
			span.SetAttributes(attribute.String("aspect.shared."+k, fmt.Sprint(v)))
		}

		prev := jp.Context()
		jp.SetContext(ctx)
		defer jp.SetContext(prev)

		result, err := jp.Proceed()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return result, err
	})
}
