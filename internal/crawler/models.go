package crawler

import "time"

// PageStatus is the lifecycle state of one index page
type PageStatus string

// Page lifecycle: pending -> in_progress -> completed | failed
const (
	PageStatusPending    PageStatus = "pending"
	PageStatusInProgress PageStatus = "in_progress"
	PageStatusCompleted  PageStatus = "completed"
	PageStatusFailed     PageStatus = "failed"
)

// Terminal reports whether the status can no longer change without an explicit reset
func (s PageStatus) Terminal() bool {
	return s == PageStatusCompleted || s == PageStatusFailed
}

// PageRecord tracks one index page of the catalog
type PageRecord struct {
	PageNumber   int        // 1-based page number, the record key
	ItemsFound   int        // Item references extracted from the page
	Status       PageStatus // Lifecycle state
	StartedAt    *time.Time // When the page was last picked up
	CompletedAt  *time.Time // When the page reached a terminal state
	ErrorMessage string     // Failure description, e.g. "HTTP 503 for page 3"
}

// ItemRef is an item reference extracted from an index page
type ItemRef struct {
	ID       string // Stable catalog identifier
	Name     string // Display name as shown in the index
	URL      string // Absolute detail page URL
	Category string // Optional category hint
	Page     int    // Index page the reference was found on
}

// ProcessingState is the detail stage sub-record of a work item
type ProcessingState struct {
	StartedAt   *time.Time
	CompletedAt *time.Time
	Success     *bool
	Error       string
}

// ValidationState is the validation stage sub-record of a work item
type ValidationState struct {
	CompletedAt  *time.Time
	Valid        *bool
	Quality      *float64
	Completeness *float64
	Errors       []string
	Warnings     []string
}

// WorkItem is one catalog record moving through the pipeline
type WorkItem struct {
	ID            string
	Name          string
	URL           string
	Category      string
	DiscoveredAt  time.Time
	DiscoveryPage int
	Processing    ProcessingState
	Validation    ValidationState
}

// ItemDetail is the extraction result of one detail page
type ItemDetail struct {
	Attributes map[string]any // Extracted fields; absent fields are omitted
	MediaURLs  []string       // Absolute media references in page order
}

// MediaDescriptor records one normalized media file
type MediaDescriptor struct {
	OriginalURL string    `json:"original_url"`
	LocalPath   string    `json:"local_path"`
	Filename    string    `json:"filename"`
	SizeBytes   int64     `json:"size_bytes"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Artifact is the per-item document written by the detail stage
type Artifact struct {
	ID         string            `json:"id"`
	ScrapedAt  time.Time         `json:"scraped_at"`
	Attributes map[string]any    `json:"attributes"`
	Media      []MediaDescriptor `json:"media"`
}

// ValidationResult is the outcome of scoring one artifact
type ValidationResult struct {
	ItemID       string   `json:"item_id"`
	Valid        bool     `json:"valid"`
	Errors       []string `json:"errors"`
	Warnings     []string `json:"warnings"`
	Completeness float64  `json:"completeness_score"`
	Quality      float64  `json:"quality_score"`
}
