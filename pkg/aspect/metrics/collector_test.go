package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector(10)

	done := c.Begin("shop.Price")
	if got := c.Stats("shop.Price").Pending; got != 1 {
		t.Fatalf("expected 1 pending call, got %d", got)
	}
	done(false)
	c.Begin("shop.Price")(true)
	c.Observe("shop.Price", 30*time.Millisecond, false)

	stats := c.Stats("shop.Price")
	if stats.Calls != 3 {
		t.Errorf("expected 3 calls, got %d", stats.Calls)
	}
	if stats.Errors != 1 {
		t.Errorf("expected 1 error, got %d", stats.Errors)
	}
	if stats.Pending != 0 {
		t.Errorf("expected no pending calls, got %d", stats.Pending)
	}
	if stats.MaxDuration < int64(30*time.Millisecond) {
		t.Errorf("expected max duration of at least 30ms, got %v", time.Duration(stats.MaxDuration))
	}
	if stats.ErrorRate < 33 || stats.ErrorRate > 34 {
		t.Errorf("expected error rate near 33%%, got %f", stats.ErrorRate)
	}
}

func TestCollectorUnknownTarget(t *testing.T) {
	c := NewCollector(0)
	stats := c.Stats("missing")
	if stats.Calls != 0 || stats.Target != "missing" {
		t.Fatalf("unexpected stats for unknown target: %+v", stats)
	}
	if c.Samples("missing") != nil {
		t.Fatal("expected no samples for unknown target")
	}
}

func TestCollectorSamplesWrap(t *testing.T) {
	c := NewCollector(3)
	for i := 1; i <= 5; i++ {
		c.Observe("f", time.Duration(i), false)
	}
	samples := c.Samples("f")
	if len(samples) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(samples))
	}
	// 1 2 3, then 4 and 5 overwrite the two oldest slots
	want := []int64{4, 5, 3}
	for i := range want {
		if samples[i] != want[i] {
			t.Fatalf("expected samples %v, got %v", want, samples)
		}
	}
	if p := c.Percentile("f", 100); p != 5 {
		t.Errorf("expected p100 of 5ns, got %v", p)
	}
	if p := c.Percentile("f", 0); p != 3 {
		t.Errorf("expected p0 of 3ns, got %v", p)
	}
}

func TestCollectorSnapshotAndReset(t *testing.T) {
	c := NewCollector(10)
	c.Observe("b", time.Millisecond, false)
	c.Observe("a", time.Millisecond, false)

	snap := c.Snapshot()
	if len(snap) != 2 || snap[0].Target != "a" || snap[1].Target != "b" {
		t.Fatalf("expected sorted snapshot of a and b, got %+v", snap)
	}

	c.Reset()
	if len(c.Snapshot()) != 0 {
		t.Fatal("expected empty snapshot after reset")
	}
}

func TestCollectorConcurrent(t *testing.T) {
	c := NewCollector(100)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c.Begin("hot")(j%10 == 0)
			}
		}()
	}
	wg.Wait()

	stats := c.Stats("hot")
	if stats.Calls != 1000 {
		t.Errorf("expected 1000 calls, got %d", stats.Calls)
	}
	if stats.Errors != 100 {
		t.Errorf("expected 100 errors, got %d", stats.Errors)
	}
}

func TestMiddleware(t *testing.T) {
	c := NewCollector(10)
	handler := c.Middleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("fail") != "" {
			http.Error(w, "nope", http.StatusBadRequest)
			return
		}
		w.Write([]byte("ok"))
	}))

	for _, url := range []string{"/balance", "/balance?fail=1", "/balance/"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, url, nil))
	}

	stats := c.Stats("http /balance")
	if stats.Calls != 3 || stats.Errors != 1 {
		t.Fatalf("expected 3 calls and 1 error, got %+v", stats)
	}
}

func TestPrometheusHandler(t *testing.T) {
	c := NewCollector(10)
	c.Observe("shop.Price", 2*time.Second, true)

	handler, err := Handler(c, "aspect")
	if err != nil {
		t.Fatalf("Handler failed: %v", err)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		`aspect_calls_total{target="shop.Price"} 1`,
		`aspect_errors_total{target="shop.Price"} 1`,
		`aspect_call_duration_seconds_max{target="shop.Price"} 2`,
		`go_goroutines`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("expected exposition to contain %q, got:\n%s", want, text)
		}
	}
}
