package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector exports a Collector's statistics. It reads the atomic
// counters at scrape time, so nothing is duplicated on the hot path.
type PrometheusCollector struct {
	source *Collector

	calls    *prometheus.Desc
	errors   *prometheus.Desc
	pending  *prometheus.Desc
	duration *prometheus.Desc
	max      *prometheus.Desc
}

// NewPrometheusCollector describes the metrics of source under namespace.
func NewPrometheusCollector(source *Collector, namespace string) *PrometheusCollector {
	labels := []string{"target"}
	return &PrometheusCollector{
		source: source,
		calls: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "calls_total"),
			"Completed invocations of a woven target.", labels, nil),
		errors: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "errors_total"),
			"Invocations of a woven target that returned an error.", labels, nil),
		pending: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "pending_calls"),
			"Invocations of a woven target currently in flight.", labels, nil),
		duration: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "call_duration_seconds_total"),
			"Total time spent in a woven target.", labels, nil),
		max: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "call_duration_seconds_max"),
			"Slowest observed invocation of a woven target.", labels, nil),
	}
}

// Describe implements prometheus.Collector.
func (p *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.calls
	ch <- p.errors
	ch <- p.pending
	ch <- p.duration
	ch <- p.max
}

// Collect implements prometheus.Collector.
func (p *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range p.source.Snapshot() {
		ch <- prometheus.MustNewConstMetric(p.calls, prometheus.CounterValue, float64(s.Calls), s.Target)
		ch <- prometheus.MustNewConstMetric(p.errors, prometheus.CounterValue, float64(s.Errors), s.Target)
		ch <- prometheus.MustNewConstMetric(p.pending, prometheus.GaugeValue, float64(s.Pending), s.Target)
		ch <- prometheus.MustNewConstMetric(p.duration, prometheus.CounterValue, float64(s.Total)/1e9, s.Target)
		ch <- prometheus.MustNewConstMetric(p.max, prometheus.GaugeValue, float64(s.MaxDuration)/1e9, s.Target)
	}
}

// Handler registers source on a fresh registry, next to the Go runtime
// collector (heap, GC, goroutines), and returns the scrape endpoint for it.
func Handler(source *Collector, namespace string) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewPrometheusCollector(source, namespace)); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}
