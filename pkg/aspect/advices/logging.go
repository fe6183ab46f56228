// Package advices provides ready-made advices for common cross-cutting
// concerns: logging, metrics, tracing, mocking, guarding and retrying.
package advices

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/chosenoffset/aspect/pkg/aspect"
)

// LoggingOption configures the logging advice.
type LoggingOption func(*loggingConfig)

type loggingConfig struct {
	level    zapcore.Level
	withArgs bool
}

// LogLevel sets the level of successful-call entries. Failed calls always log
// at warn.
func LogLevel(level zapcore.Level) LoggingOption {
	return func(c *loggingConfig) {
		c.level = level
	}
}

// LogArgs includes positional and keyword arguments in the entries.
func LogArgs() LoggingOption {
	return func(c *loggingConfig) {
		c.withArgs = true
	}
}

// Logging returns an advice that logs every call with its duration and
// outcome.
func Logging(logger *zap.Logger, opts ...LoggingOption) *aspect.Advice {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := loggingConfig{level: zapcore.DebugLevel}
	for _, opt := range opts {
		opt(&cfg)
	}

	return aspect.NewAdvice("logging", func(jp *aspect.Joinpoint) (any, error) {
		fields := []zap.Field{
			zap.String("target", jp.Target.QualifiedName()),
			zap.Stringer("kind", jp.Kind()),
		}
		if cfg.withArgs {
			fields = append(fields, zap.Any("args", jp.Args))
			if len(jp.Kwargs) > 0 {
				fields = append(fields, zap.Any("kwargs", jp.Kwargs))
			}
		}
		if len(jp.Shared) > 0 {
			fields = append(fields, zap.Any("shared", jp.Shared))
		}

		start := time.Now()
		result, err := jp.Proceed()
		fields = append(fields, zap.Duration("duration", time.Since(start)))

		if err != nil {
			logger.Warn("call failed", append(fields, zap.Error(err))...)
			return result, err
		}
		if ce := logger.Check(cfg.level, "call completed"); ce != nil {
			ce.Write(fields...)
		}
		return result, nil
	})
}
