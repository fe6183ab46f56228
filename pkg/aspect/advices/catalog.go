package advices

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/chosenoffset/aspect/pkg/aspect"
	"github.com/chosenoffset/aspect/pkg/aspect/metrics"
)

// Params are the key=value settings of an advice definition.
type Params map[string]string

// Duration returns the duration stored under key, or def when absent.
func (p Params) Duration(key string, def time.Duration) (time.Duration, error) {
	raw, ok := p[key]
	if !ok {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parameter %s: %w", key, err)
	}
	return d, nil
}

// Int returns the integer stored under key, or def when absent.
func (p Params) Int(key string, def int) (int, error) {
	raw, ok := p[key]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parameter %s: %w", key, err)
	}
	return n, nil
}

// Factory builds an advice from its parameters.
type Factory func(params Params) (*aspect.Advice, error)

// Dependencies are the shared services the built-in factories wire into the
// advices they build.
type Dependencies struct {
	Logger    *zap.Logger
	Collector *metrics.Collector
	Tracer    trace.Tracer
}

// Catalog maps advice names to factories, so advices can be chosen by name
// from flags or configuration.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewCatalog creates a catalog holding the built-in advices: logging,
// metrics, tracing, recover, timeout and retry.
func NewCatalog(deps Dependencies) *Catalog {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Collector == nil {
		deps.Collector = metrics.NewCollector(0)
	}

	c := &Catalog{factories: make(map[string]Factory)}
	c.Register("logging", func(p Params) (*aspect.Advice, error) {
		var opts []LoggingOption
		if p["args"] == "true" {
			opts = append(opts, LogArgs())
		}
		return Logging(deps.Logger, opts...), nil
	})
	c.Register("metrics", func(Params) (*aspect.Advice, error) {
		return Metrics(deps.Collector), nil
	})
	c.Register("tracing", func(Params) (*aspect.Advice, error) {
		return Tracing(deps.Tracer), nil
	})
	c.Register("recover", func(Params) (*aspect.Advice, error) {
		return Recover(), nil
	})
	c.Register("timeout", func(p Params) (*aspect.Advice, error) {
		d, err := p.Duration("after", time.Second)
		if err != nil {
			return nil, err
		}
		return Timeout(d), nil
	})
	c.Register("retry", func(p Params) (*aspect.Advice, error) {
		attempts, err := p.Int("attempts", 3)
		if err != nil {
			return nil, err
		}
		backoff, err := p.Duration("backoff", 0)
		if err != nil {
			return nil, err
		}
		return Retry(attempts, backoff), nil
	})
	return c
}

// Register adds or replaces a factory.
func (c *Catalog) Register(name string, f Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[name] = f
}

// Names lists the registered advice names in order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.factories))
	for name := range c.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Build creates an advice from a definition of the form
// "name" or "name:key=value,key=value", e.g. "retry:attempts=5,backoff=20ms".
func (c *Catalog) Build(def string) (*aspect.Advice, error) {
	name, rest, _ := strings.Cut(strings.TrimSpace(def), ":")
	params := Params{}
	if rest != "" {
		for _, kv := range strings.Split(rest, ",") {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return nil, fmt.Errorf("advice %s: malformed parameter %q", name, kv)
			}
			params[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}

	c.mu.RLock()
	f, ok := c.factories[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no advice registered under name: %s", name)
	}

	a, err := f(params)
	if err != nil {
		return nil, fmt.Errorf("advice %s: %w", name, err)
	}
	return a, nil
}

// BuildAll builds every definition in order.
func (c *Catalog) BuildAll(defs []string) ([]*aspect.Advice, error) {
	out := make([]*aspect.Advice, 0, len(defs))
	for _, def := range defs {
		a, err := c.Build(def)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
