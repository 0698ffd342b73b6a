package qa

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"

	"github.com/masahif/catalogferry/internal/crawler"
)

const testAPIBase = "https://dest.example.com/api"

func newMockProber(t *testing.T, statuses map[string]int) *Prober {
	t.Helper()

	transport := httpmock.NewMockTransport()
	for path, status := range statuses {
		transport.RegisterResponder("GET", testAPIBase+path, httpmock.NewStringResponder(status, "{}"))
	}
	client := crawler.NewHTTPClient("Test-Ferry/1.0", 5*time.Second, crawler.WithTransport(transport))
	return NewProber(testAPIBase+"/", client)
}

func sampleRecord() *Record {
	return &Record{Name: "Drill", CategoryID: 2, Status: "AVAILABLE"}
}

func TestProbeHealthy(t *testing.T) {
	p := newMockProber(t, map[string]int{
		"/health":     http.StatusOK,
		"/categories": http.StatusOK,
		"/tools":      http.StatusNotFound,
	})

	got := p.Probe(context.Background(), sampleRecord())

	if got.Skipped {
		t.Error("probe should not be skipped")
	}
	if !got.HealthCheck || !got.CategoriesEndpoint || !got.ItemsEndpoint || !got.SampleRecord {
		t.Errorf("result = %+v", got)
	}
	if len(got.Errors) != 0 {
		t.Errorf("Errors = %v", got.Errors)
	}
}

func TestProbeFailures(t *testing.T) {
	p := newMockProber(t, map[string]int{
		"/health":     http.StatusServiceUnavailable,
		"/categories": http.StatusInternalServerError,
	})

	got := p.Probe(context.Background(), &Record{Name: " ", Status: "AVAILABLE"})

	if got.HealthCheck || got.CategoriesEndpoint || got.ItemsEndpoint || got.SampleRecord {
		t.Errorf("result = %+v", got)
	}

	joined := strings.Join(got.Errors, "\n")
	for _, want := range []string{
		"/health: unexpected status 503",
		"/categories: unexpected status 500",
		"/tools:",
		"sample record missing name, categoryId",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("Errors missing %q:\n%s", want, joined)
		}
	}
}

func TestProbeWithoutSample(t *testing.T) {
	p := newMockProber(t, map[string]int{
		"/health":     http.StatusOK,
		"/categories": http.StatusOK,
		"/tools":      http.StatusOK,
	})

	got := p.Probe(context.Background(), nil)
	if got.SampleRecord {
		t.Error("SampleRecord should be false without a record")
	}
	if len(got.Errors) != 1 || got.Errors[0] != "no valid record to check" {
		t.Errorf("Errors = %v", got.Errors)
	}
}

func TestProbeSkipped(t *testing.T) {
	p := NewProber("", nil)
	got := p.Probe(context.Background(), sampleRecord())
	if !got.Skipped {
		t.Errorf("result = %+v, want skipped", got)
	}
}
