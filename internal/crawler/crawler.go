// Package crawler provides the networked stages of the migration pipeline.
// It implements the shared HTTP client, per-host rate limiting, a fixed-size
// worker pool, and the discovery and detail stages built on top of them.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/masahif/catalogferry/internal/fileutil"
	"github.com/masahif/catalogferry/internal/gate"
)

// runWorkers dispatches task indices 0..n-1 to k worker goroutines over an
// unbuffered channel, so at most k tasks run at once. Once ctx is cancelled
// the dispatcher stops handing out work; tasks already held by a worker run
// to completion. It returns the number of tasks dispatched.
func runWorkers(ctx context.Context, k, n int, task func(workerID, index int)) int {
	if k <= 0 {
		k = 1
	}

	jobs := make(chan int)
	var wg sync.WaitGroup

	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			slog.Debug("Worker started", "worker_id", id)
			for index := range jobs {
				task(id, index)
			}
			slog.Debug("Worker stopped", "worker_id", id)
		}(i)
	}

	dispatched := 0
dispatch:
	for index := 0; index < n; index++ {
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			break dispatch
		case jobs <- index:
			dispatched++
		}
	}
	close(jobs)
	wg.Wait()

	return dispatched
}

// politeWait applies the politeness delay and the per-host rate limit before
// a request. It is the only cancellable part of a task; nothing has been
// written to the store when it returns an error.
func politeWait(ctx context.Context, delay time.Duration, limiter *RateLimiter, url string) error {
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return limiter.Wait(ctx, url)
}

// fetch performs one GET and turns a non-2xx status into a TransportError.
// The request runs detached from cancellation so a task that has already
// touched the store always reaches a terminal state; the client timeout
// still bounds it.
func fetch(ctx context.Context, client Fetcher, metrics *Metrics, stage, url string) (*HTTPResponse, error) {
	done := metrics.TrackInFlight()
	defer done()

	start := time.Now()
	resp, err := client.Get(context.WithoutCancel(ctx), url)
	metrics.ObserveRequest(stage, time.Since(start))
	if err != nil {
		metrics.IncError(stage, err)
		return nil, err
	}
	metrics.ObservePhases(stage, resp.Metrics)
	if !resp.OK() {
		te := &TransportError{URL: url, StatusCode: resp.StatusCode}
		metrics.IncError(stage, te)
		return resp, te
	}
	return resp, nil
}

// failureMessage renders a per-record failure the way it is stored
func failureMessage(err error, kind string, key any) string {
	var te *TransportError
	if errors.As(err, &te) && te.StatusCode != 0 {
		return fmt.Sprintf("HTTP %d for %s %v", te.StatusCode, kind, key)
	}
	return fmt.Sprintf("%s %v: %v", kind, key, err)
}

// ReportPath returns <dir>/<prefix>_<timestamp>.json
func ReportPath(dir, prefix string, at time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s.json", prefix, at.UTC().Format("20060102_150405")))
}

// FinishRun writes the run report and, for a run that was not cancelled,
// the completion signal for the next stage
func FinishRun(report any, reportFile string, cancelled bool, sig gate.Signal, signalPath string) error {
	if err := fileutil.WriteJSON(reportFile, report); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	slog.Info("Report written", "stage", sig.Stage, "path", reportFile)

	if cancelled {
		return ErrCancelled
	}

	if err := gate.Emit(signalPath, sig); err != nil {
		return err
	}
	slog.Info("Stage signal emitted", "stage", sig.Stage, "path", signalPath, "next_stage", sig.NextStage)
	return nil
}
