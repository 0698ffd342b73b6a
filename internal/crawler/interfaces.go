package crawler

import "context"

// Extractor turns fetched pages into structured data. Implementations are
// expected to be pure functions of their input; an extractor that cannot
// find anything returns an empty result rather than an error.
type Extractor interface {
	ExtractIndex(body []byte, pageURL string) ([]ItemRef, error)
	ExtractDetail(body []byte, itemURL string) (*ItemDetail, error)
}

// TotalCounter is implemented by extractors that can read the catalog size
// from an index page.
type TotalCounter interface {
	ExtractTotal(body []byte) (int, bool)
}

// Store handles progress persistence shared by the stages
type Store interface {
	// Index pages
	UpsertPage(ctx context.Context, page PageRecord) error
	GetPage(ctx context.Context, pageNumber int) (*PageRecord, error)

	// Work items
	InsertWorkItemIfAbsent(ctx context.Context, ref ItemRef) (bool, error)
	GetWorkItem(ctx context.Context, id string) (*WorkItem, error)
	ListItemsNeedingProcessing(ctx context.Context) ([]WorkItem, error)
	ListItemsInFlight(ctx context.Context) ([]WorkItem, error)
	MarkProcessingStarted(ctx context.Context, id string) (bool, error)
	MarkProcessingResult(ctx context.Context, id string, success bool, errMsg string) error
	RecordValidation(ctx context.Context, result ValidationResult) error

	// Run metadata
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error

	// Database lifecycle
	Close() error
}

// Fetcher performs a GET and returns the buffered response
type Fetcher interface {
	Get(ctx context.Context, url string) (*HTTPResponse, error)
}

// MediaProcessor downloads and normalizes one media reference for an item.
// index is 1-based within the item.
type MediaProcessor interface {
	Process(ctx context.Context, itemID string, index int, mediaURL string) (*MediaDescriptor, error)
}

