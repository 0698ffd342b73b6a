package qa

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/masahif/catalogferry/internal/crawler"
)

// Summary holds the validation totals
type Summary struct {
	TotalValidated      int     `json:"total_validated"`
	Valid               int     `json:"valid"`
	Invalid             int     `json:"invalid"`
	SuccessRate         float64 `json:"success_rate"`
	AverageCompleteness float64 `json:"average_completeness_score"`
	AverageQuality      float64 `json:"average_quality_score"`
}

// QualityBreakdown counts items per quality bucket
type QualityBreakdown struct {
	High   int `json:"high_quality"`
	Medium int `json:"medium_quality"`
	Low    int `json:"low_quality"`
}

// IssueCount is one ranked error or warning message
type IssueCount struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// CommonIssues lists the most frequent messages
type CommonIssues struct {
	Errors   []IssueCount `json:"most_common_errors"`
	Warnings []IssueCount `json:"most_common_warnings"`
}

// ImportReadiness summarizes the generated import bundle
type ImportReadiness struct {
	RecordsReady     int    `json:"records_ready"`
	SQLGenerated     bool   `json:"sql_script_generated"`
	JSONGenerated    bool   `json:"json_import_generated"`
	MappingGenerated bool   `json:"category_mapping_generated"`
	MediaCopied      int    `json:"media_copied"`
	MediaMissing     int    `json:"media_missing"`
	Dir              string `json:"dir"`
}

// FileFailure is an artifact that could not be read
type FileFailure struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// RecordFailure is a validation result the store refused
type RecordFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Report is the validation stage report
type Report struct {
	Stage               string           `json:"stage"`
	RunID               string           `json:"run_id"`
	Status              string           `json:"status"`
	StartedAt           time.Time        `json:"started_at"`
	FinishedAt          time.Time        `json:"finished_at"`
	ElapsedSeconds      float64          `json:"elapsed_seconds"`
	ArtifactsLoaded     int              `json:"artifacts_loaded"`
	UnreadableArtifacts []FileFailure    `json:"unreadable_artifacts"`
	RecordFailures      []RecordFailure  `json:"record_failures"`
	Summary             Summary          `json:"validation_summary"`
	Breakdown           QualityBreakdown `json:"data_quality_breakdown"`
	CommonIssues        CommonIssues     `json:"common_issues"`
	ImportReadiness     ImportReadiness  `json:"import_readiness"`
	Compatibility       ProbeResult      `json:"api_compatibility"`
	Recommendations     []string         `json:"recommendations"`
}

// Summarize computes totals, averages and quality buckets
func Summarize(results []crawler.ValidationResult) (Summary, QualityBreakdown) {
	var s Summary
	var b QualityBreakdown
	var completeness, quality float64

	for _, r := range results {
		s.TotalValidated++
		if r.Valid {
			s.Valid++
		}
		completeness += r.Completeness
		quality += r.Quality

		switch QualityBucket(r.Quality) {
		case "high":
			b.High++
		case "medium":
			b.Medium++
		default:
			b.Low++
		}
	}

	s.Invalid = s.TotalValidated - s.Valid
	if s.TotalValidated > 0 {
		n := float64(s.TotalValidated)
		s.SuccessRate = float64(s.Valid) / n * 100
		s.AverageCompleteness = round2(completeness / n)
		s.AverageQuality = round2(quality / n)
	}
	return s, b
}

// TopIssues ranks messages by frequency, ties broken alphabetically
func TopIssues(results []crawler.ValidationResult, n int) CommonIssues {
	var errs, warnings []string
	for _, r := range results {
		errs = append(errs, r.Errors...)
		warnings = append(warnings, r.Warnings...)
	}
	return CommonIssues{
		Errors:   rank(errs, n),
		Warnings: rank(warnings, n),
	}
}

func rank(messages []string, n int) []IssueCount {
	counts := make(map[string]int)
	for _, m := range messages {
		counts[m]++
	}

	ranked := make([]IssueCount, 0, len(counts))
	for m, c := range counts {
		ranked = append(ranked, IssueCount{Message: m, Count: c})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].Message < ranked[j].Message
	})

	if n > 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// Recommendations suggests follow-up work based on the results
func Recommendations(results []crawler.ValidationResult, artifacts []*crawler.Artifact) []string {
	recs := []string{}

	low := 0
	for _, r := range results {
		if QualityBucket(r.Quality) == "low" {
			low++
		}
	}
	if low > 0 {
		recs = append(recs, fmt.Sprintf("Consider manual review of %d low-quality records", low))
	}

	var noMedia, noDescription int
	for _, a := range artifacts {
		if len(a.Media) == 0 {
			noMedia++
		}
		if textValue(a.Attributes, "description") == "" {
			noDescription++
		}
	}
	if noMedia > 0 {
		recs = append(recs, fmt.Sprintf("Add images for %d items without visual content", noMedia))
	}
	if noDescription > 0 {
		recs = append(recs, fmt.Sprintf("Enhance descriptions for %d items", noDescription))
	}
	return recs
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
