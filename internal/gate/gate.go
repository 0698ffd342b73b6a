// Package gate implements the file-based completion tokens stages use to
// hand off to each other through the shared root directory.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/masahif/catalogferry/internal/fileutil"
)

// Stage names used in token file names and signal payloads
const (
	StageDiscovery  = "discovery"
	StageDetail     = "detail"
	StageValidation = "validation"
)

// Signal statuses
const (
	StatusCompleted = "completed"
)

// ErrTimeout is returned when the upstream token did not appear in time
var ErrTimeout = errors.New("timed out waiting for upstream stage")

// Signal is the payload of a completion token
type Signal struct {
	Stage        string    `json:"stage"`
	RunID        string    `json:"run_id"`
	CompletedAt  time.Time `json:"completed_at"`
	SuccessCount int       `json:"success_count"`
	FailureCount int       `json:"failure_count"`
	DataLocation string    `json:"data_location"`
	NextStage    string    `json:"next_stage,omitempty"`
	Status       string    `json:"status"`
}

// NextStage returns the stage that consumes the given stage's token
func NextStage(stage string) string {
	switch stage {
	case StageDiscovery:
		return StageDetail
	case StageDetail:
		return StageValidation
	default:
		return ""
	}
}

// Emit atomically creates or replaces the token at path
func Emit(path string, sig Signal) error {
	if sig.Status == "" {
		sig.Status = StatusCompleted
	}
	if sig.CompletedAt.IsZero() {
		sig.CompletedAt = time.Now().UTC()
	}
	if err := fileutil.WriteJSON(path, sig); err != nil {
		return fmt.Errorf("emit %s signal: %w", sig.Stage, err)
	}
	return nil
}

// Read loads the token at path
func Read(path string) (*Signal, error) {
	var sig Signal
	if err := fileutil.ReadJSON(path, &sig); err != nil {
		return nil, err
	}
	return &sig, nil
}

// Exists reports whether the token at path is present
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Await blocks until the token at path exists, the timeout elapses
// (ErrTimeout) or ctx is cancelled (ctx.Err()).
func Await(ctx context.Context, path string, poll, timeout time.Duration) error {
	if Exists(path) {
		return nil
	}

	slog.Info("Waiting for upstream stage", "signal", path, "poll", poll, "timeout", timeout)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			// One last look so a token written right at the deadline still counts
			if Exists(path) {
				return nil
			}
			return fmt.Errorf("%w: %s not present after %s", ErrTimeout, path, timeout)
		case <-ticker.C:
			if Exists(path) {
				slog.Info("Upstream stage completed", "signal", path)
				return nil
			}
		}
	}
}
