package qa

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/masahif/catalogferry/internal/crawler"
)

// Destination endpoints checked by the probe, relative to the API base
const (
	healthPath     = "/health"
	categoriesPath = "/categories"
	itemsPath      = "/tools"
)

// ProbeResult reports destination compatibility. It is informational only.
type ProbeResult struct {
	Skipped            bool     `json:"skipped"`
	HealthCheck        bool     `json:"health_check"`
	CategoriesEndpoint bool     `json:"categories_endpoint"`
	ItemsEndpoint      bool     `json:"items_endpoint"`
	SampleRecord       bool     `json:"sample_record"`
	Errors             []string `json:"errors,omitempty"`
}

// Prober checks that the destination API is reachable and that generated
// records carry the fields it requires
type Prober struct {
	apiBase string
	client  crawler.Fetcher
}

// NewProber creates a prober for apiBase. An empty apiBase skips probing.
func NewProber(apiBase string, client crawler.Fetcher) *Prober {
	return &Prober{apiBase: strings.TrimRight(apiBase, "/"), client: client}
}

// Probe runs the endpoint checks and validates sample, which may be nil
// when there is nothing to import
func (p *Prober) Probe(ctx context.Context, sample *Record) ProbeResult {
	if p.apiBase == "" {
		return ProbeResult{Skipped: true}
	}

	var result ProbeResult
	result.HealthCheck = p.check(ctx, &result, healthPath, http.StatusOK)
	result.CategoriesEndpoint = p.check(ctx, &result, categoriesPath, http.StatusOK, http.StatusNotFound)
	result.ItemsEndpoint = p.check(ctx, &result, itemsPath, http.StatusOK, http.StatusNotFound)

	if sample == nil {
		result.Errors = append(result.Errors, "no valid record to check")
	} else if missing := missingRecordFields(sample); len(missing) > 0 {
		result.Errors = append(result.Errors, "sample record missing "+strings.Join(missing, ", "))
	} else {
		result.SampleRecord = true
	}

	slog.Info("Destination probe finished",
		"api_base", p.apiBase,
		"health", result.HealthCheck,
		"categories", result.CategoriesEndpoint,
		"items", result.ItemsEndpoint,
		"sample_record", result.SampleRecord,
	)
	return result
}

func (p *Prober) check(ctx context.Context, result *ProbeResult, path string, accept ...int) bool {
	url := p.apiBase + path
	resp, err := p.client.Get(ctx, url)
	if err != nil {
		slog.Warn("Destination probe request failed", "url", url, "error", err)
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", path, err))
		return false
	}
	for _, code := range accept {
		if resp.StatusCode == code {
			return true
		}
	}
	result.Errors = append(result.Errors, fmt.Sprintf("%s: unexpected status %d", path, resp.StatusCode))
	return false
}

// missingRecordFields lists destination-required fields the record lacks
func missingRecordFields(r *Record) []string {
	var missing []string
	if strings.TrimSpace(r.Name) == "" {
		missing = append(missing, "name")
	}
	if r.CategoryID <= 0 {
		missing = append(missing, "categoryId")
	}
	if r.Status == "" {
		missing = append(missing, "status")
	}
	return missing
}
