package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrPageFinalized is returned when an upsert targets a completed or failed page
	ErrPageFinalized = errors.New("page already finalized")
	// ErrNotProcessed is returned when validation is recorded before processing completed
	ErrNotProcessed = errors.New("work item has not completed processing")
	// ErrItemNotFound is returned when a work item id is unknown
	ErrItemNotFound = errors.New("work item not found")
	// ErrPageNotFound is returned when a page number is unknown
	ErrPageNotFound = errors.New("page not found")
	// ErrCancelled is returned when a stage run was interrupted
	ErrCancelled = errors.New("stage run cancelled")
	// ErrNoPageTotal is returned when the catalog size is neither configured nor discoverable
	ErrNoPageTotal = errors.New("catalog size unknown: set source.total_items or use an extractor that reports totals")
)

// TransportError describes a failed fetch: either a network error or a
// non-2xx response.
type TransportError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("HTTP %d from %s", e.StatusCode, e.URL)
	}
	return fmt.Sprintf("request to %s failed: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ErrorLabel classifies an error for metrics and reports
func ErrorLabel(err error) string {
	if err == nil {
		return "unknown"
	}

	var te *TransportError
	if errors.As(err, &te) && te.StatusCode != 0 {
		switch {
		case te.StatusCode == http.StatusNotFound:
			return "not_found"
		case te.StatusCode == http.StatusForbidden:
			return "forbidden"
		case te.StatusCode == http.StatusTooManyRequests:
			return "rate_limited"
		case te.StatusCode >= 500:
			return "server_error"
		default:
			return "http_error"
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return "connection"
	}
	return "other"
}
