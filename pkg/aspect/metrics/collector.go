// Package metrics records per-target invocation statistics for woven code and
// exposes them as Prometheus metrics.
package metrics

import (
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks call statistics keyed by target name.
type Collector struct {
	mu         sync.RWMutex
	targets    map[string]*targetStats
	maxSamples int
	startTime  time.Time
}

type targetStats struct {
	calls     atomic.Int64
	errors    atomic.Int64
	pending   atomic.Int64
	totalTime atomic.Int64 // nanoseconds
	maxTime   atomic.Int64 // nanoseconds

	// Duration samples for percentile queries
	samplesMu   sync.Mutex
	samples     []int64
	bufferIndex int
}

// CallStats is a snapshot of one target's statistics.
type CallStats struct {
	Target      string    `json:"target"`
	Calls       int64     `json:"calls"`
	Errors      int64     `json:"errors"`
	ErrorRate   float64   `json:"error_rate"`   // Percentage
	CallRate    float64   `json:"call_rate"`    // Per second
	AvgDuration int64     `json:"avg_duration"` // Nanoseconds
	MaxDuration int64     `json:"max_duration"` // Nanoseconds
	Total       int64     `json:"total"`        // Nanoseconds
	Pending     int64     `json:"pending"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewCollector creates a collector keeping up to maxSamples duration samples
// per target.
func NewCollector(maxSamples int) *Collector {
	if maxSamples <= 0 {
		maxSamples = 1000 // Default sample size
	}
	return &Collector{
		targets:    make(map[string]*targetStats),
		maxSamples: maxSamples,
		startTime:  time.Now(),
	}
}

func (c *Collector) stats(target string) *targetStats {
	c.mu.RLock()
	s, ok := c.targets[target]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.targets[target]; ok {
		return s
	}
	s = &targetStats{samples: make([]int64, 0, c.maxSamples)}
	c.targets[target] = s
	return s
}

// Begin marks the start of a call and returns the function that records its
// outcome.
func (c *Collector) Begin(target string) func(failed bool) {
	s := c.stats(target)
	s.pending.Add(1)
	start := time.Now()
	return func(failed bool) {
		c.record(s, time.Since(start), failed)
		s.pending.Add(-1)
	}
}

// Observe records a finished call.
func (c *Collector) Observe(target string, d time.Duration, failed bool) {
	c.record(c.stats(target), d, failed)
}

func (c *Collector) record(s *targetStats, d time.Duration, failed bool) {
	ns := d.Nanoseconds()
	s.calls.Add(1)
	s.totalTime.Add(ns)
	for {
		current := s.maxTime.Load()
		if ns <= current || s.maxTime.CompareAndSwap(current, ns) {
			break
		}
	}
	if failed {
		s.errors.Add(1)
	}

	s.samplesMu.Lock()
	if len(s.samples) < c.maxSamples {
		s.samples = append(s.samples, ns)
	} else {
		s.samples[s.bufferIndex] = ns
		s.bufferIndex = (s.bufferIndex + 1) % c.maxSamples
	}
	s.samplesMu.Unlock()
}

// Stats returns the statistics of one target. Unknown targets report zeros.
func (c *Collector) Stats(target string) CallStats {
	c.mu.RLock()
	s, ok := c.targets[target]
	c.mu.RUnlock()
	if !ok {
		return CallStats{Target: target, Timestamp: time.Now()}
	}
	return c.snapshot(target, s)
}

func (c *Collector) snapshot(target string, s *targetStats) CallStats {
	calls := s.calls.Load()
	errors := s.errors.Load()
	total := s.totalTime.Load()

	stats := CallStats{
		Target:      target,
		Calls:       calls,
		Errors:      errors,
		MaxDuration: s.maxTime.Load(),
		Total:       total,
		Pending:     s.pending.Load(),
		Timestamp:   time.Now(),
	}
	if calls > 0 {
		stats.ErrorRate = float64(errors) / float64(calls) * 100
		stats.AvgDuration = total / calls

		c.mu.RLock()
		uptime := time.Since(c.startTime)
		c.mu.RUnlock()
		if uptime > 0 {
			stats.CallRate = float64(calls) / uptime.Seconds()
		}
	}
	return stats
}

// Snapshot returns the statistics of every target, sorted by name.
func (c *Collector) Snapshot() []CallStats {
	c.mu.RLock()
	names := make([]string, 0, len(c.targets))
	for name := range c.targets {
		names = append(names, name)
	}
	c.mu.RUnlock()

	slices.Sort(names)
	out := make([]CallStats, 0, len(names))
	for _, name := range names {
		out = append(out, c.Stats(name))
	}
	return out
}

// Samples returns a copy of the recent duration samples of a target, in
// nanoseconds.
func (c *Collector) Samples(target string) []int64 {
	c.mu.RLock()
	s, ok := c.targets[target]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	s.samplesMu.Lock()
	defer s.samplesMu.Unlock()
	return slices.Clone(s.samples)
}

// Percentile returns the p-th percentile (0-100) of the recent samples of a
// target.
func (c *Collector) Percentile(target string, p float64) time.Duration {
	samples := c.Samples(target)
	if len(samples) == 0 {
		return 0
	}
	slices.Sort(samples)
	p = min(max(p, 0), 100)
	idx := int(float64(len(samples)-1) * p / 100)
	return time.Duration(samples[idx])
}

// Reset clears all metrics (useful for testing)
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets = make(map[string]*targetStats)
	c.startTime = time.Now()
}

// responseWriter captures the status code written by a handler.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(data []byte) (int, error) {
	if !rw.written {
		rw.statusCode = http.StatusOK
		rw.written = true
	}
	return rw.ResponseWriter.Write(data)
}

// Middleware records each request as a call of "http " plus the request path
// (or name, when given). Responses with status 400 and above count as errors.
func (c *Collector) Middleware(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			target := name
			if target == "" {
				target = "http " + strings.TrimSuffix(r.URL.Path, "/")
			}
			done := c.Begin(target)
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			done(wrapped.statusCode >= 400)
		})
	}
}
