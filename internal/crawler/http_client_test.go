package crawler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
)

func TestHTTPClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua != "Test-Ferry/1.0" {
			t.Errorf("Expected User-Agent 'Test-Ferry/1.0', got '%s'", ua)
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html><body>Test Page</body></html>"))
	}))
	defer server.Close()

	client := NewHTTPClient("Test-Ferry/1.0", 30*time.Second)
	defer client.Close()

	resp, err := client.Get(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Failed to get URL: %v", err)
	}

	if !resp.OK() {
		t.Errorf("Expected 2xx, got %d", resp.StatusCode)
	}
	if resp.ContentType != "text/html; charset=utf-8" {
		t.Errorf("Unexpected content type '%s'", resp.ContentType)
	}
	if resp.Metrics.TTFB < 50*time.Millisecond {
		t.Errorf("TTFB should be at least 50ms, got %v", resp.Metrics.TTFB)
	}
	if resp.Metrics.DownloadTime < resp.Metrics.TTFB {
		t.Errorf("Download time should be greater than TTFB")
	}
	if string(resp.Body) != "<html><body>Test Page</body></html>" {
		t.Errorf("Unexpected body '%s'", string(resp.Body))
	}
}

func TestHTTPClientRedirect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/final" {
			http.Redirect(w, r, "/final", http.StatusFound)
			return
		}
		_, _ = w.Write([]byte("Final page"))
	}))
	defer server.Close()

	client := NewHTTPClient("Test-Ferry/1.0", 30*time.Second)
	defer client.Close()

	resp, err := client.Get(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Failed to get URL: %v", err)
	}
	if resp.FinalURL != server.URL+"/final" {
		t.Errorf("Expected final URL '%s', got '%s'", server.URL+"/final", resp.FinalURL)
	}
}

func TestHTTPClientNon2xxIsResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	client := NewHTTPClient("Test-Ferry/1.0", 5*time.Second)
	defer client.Close()

	resp, err := client.Get(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Non-2xx should not be a transport error: %v", err)
	}
	if resp.OK() || resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
}

func TestHTTPClientTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewHTTPClient("Test-Ferry/1.0", 100*time.Millisecond)
	defer client.Close()

	_, err := client.Get(context.Background(), server.URL)
	if err == nil {
		t.Fatal("Expected timeout error, got nil")
	}

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("Expected TransportError, got %T", err)
	}
	if label := ErrorLabel(err); label != "timeout" {
		t.Errorf("Expected timeout label, got %q", label)
	}
}

func TestHTTPClientStaticHeaders(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "https://library.example.com/ping",
		func(req *http.Request) (*http.Response, error) {
			if req.Header.Get("X-Api-Key") != "secret" {
				return httpmock.NewStringResponse(http.StatusForbidden, "missing key"), nil
			}
			return httpmock.NewStringResponse(http.StatusOK, "pong"), nil
		})

	client := NewHTTPClient("Test-Ferry/1.0", 5*time.Second,
		WithTransport(transport),
		WithHeaders(map[string]string{"X-Api-Key": "secret"}),
	)

	resp, err := client.Get(context.Background(), "https://library.example.com/ping")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK || string(resp.Body) != "pong" {
		t.Errorf("Unexpected response %d %q", resp.StatusCode, resp.Body)
	}
}

func TestErrorLabel(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"nil", nil, "unknown"},
		{"not found", &TransportError{URL: "u", StatusCode: 404}, "not_found"},
		{"forbidden", &TransportError{URL: "u", StatusCode: 403}, "forbidden"},
		{"rate limited", &TransportError{URL: "u", StatusCode: 429}, "rate_limited"},
		{"server error", &TransportError{URL: "u", StatusCode: 503}, "server_error"},
		{"other status", &TransportError{URL: "u", StatusCode: 410}, "http_error"},
		{"deadline", &TransportError{URL: "u", Err: context.DeadlineExceeded}, "timeout"},
		{"plain", errors.New("boom"), "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorLabel(tt.err); got != tt.expected {
				t.Errorf("ErrorLabel() = %q, want %q", got, tt.expected)
			}
		})
	}
}
