package crawler

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunWorkersConcurrencyCeiling(t *testing.T) {
	tests := []struct {
		name  string
		k     int
		tasks int
	}{
		{"single worker", 1, 6},
		{"three workers", 3, 20},
		{"more workers than tasks", 8, 3},
		{"zero treated as one", 0, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var active, peak int32
			var mu sync.Mutex
			seen := make(map[int]bool)

			dispatched := runWorkers(context.Background(), tt.k, tt.tasks, func(workerID, index int) {
				n := atomic.AddInt32(&active, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&active, -1)

				mu.Lock()
				seen[index] = true
				mu.Unlock()
			})

			limit := tt.k
			if limit <= 0 {
				limit = 1
			}
			if dispatched != tt.tasks {
				t.Errorf("dispatched = %d, want %d", dispatched, tt.tasks)
			}
			if int(peak) > limit {
				t.Errorf("peak concurrency = %d, exceeds %d", peak, limit)
			}
			if len(seen) != tt.tasks {
				t.Errorf("ran %d distinct tasks, want %d", len(seen), tt.tasks)
			}
		})
	}
}

func TestRunWorkersStopsDispatchOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var ran int32
	dispatched := runWorkers(ctx, 2, 100, func(workerID, index int) {
		if atomic.AddInt32(&ran, 1) == 4 {
			cancel()
		}
		time.Sleep(2 * time.Millisecond)
	})

	if dispatched >= 100 {
		t.Errorf("dispatched = %d, expected dispatch to stop after cancel", dispatched)
	}
	if int(atomic.LoadInt32(&ran)) != dispatched {
		t.Errorf("ran %d tasks but dispatched %d; held tasks must finish", ran, dispatched)
	}
}

func TestPoliteWaitCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := politeWait(ctx, time.Second, nil, "http://example.com/"); err == nil {
		t.Fatal("expected error from cancelled wait")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("cancelled wait should return immediately")
	}
}

func TestFailureMessage(t *testing.T) {
	tests := []struct {
		err  error
		kind string
		key  any
		want string
	}{
		{&TransportError{URL: "u", StatusCode: 503}, "page", 3, "HTTP 503 for page 3"},
		{&TransportError{URL: "u", StatusCode: 404}, "item", "abc", "HTTP 404 for item abc"},
		{&TransportError{URL: "u", Err: context.DeadlineExceeded}, "page", 1, "page 1: request to u failed: context deadline exceeded"},
	}

	for _, tt := range tests {
		if got := failureMessage(tt.err, tt.kind, tt.key); got != tt.want {
			t.Errorf("failureMessage() = %q, want %q", got, tt.want)
		}
	}
}

func TestReportPath(t *testing.T) {
	at := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	got := ReportPath("/tmp/r", "discovery_report", at)
	if got != "/tmp/r/discovery_report_20240309_140507.json" {
		t.Errorf("ReportPath() = %q", got)
	}
}

// peakHandler wraps next and records the most requests it ever served at once
type peakHandler struct {
	next         http.Handler
	active, peak int32
	total        int32
	hold         time.Duration
}

func (h *peakHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := atomic.AddInt32(&h.active, 1)
	defer atomic.AddInt32(&h.active, -1)
	atomic.AddInt32(&h.total, 1)
	for {
		p := atomic.LoadInt32(&h.peak)
		if n <= p || atomic.CompareAndSwapInt32(&h.peak, p, n) {
			break
		}
	}
	time.Sleep(h.hold)
	h.next.ServeHTTP(w, r)
}
