package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/masahif/catalogferry/internal/gate"
)

const (
	metaCatalogTotal = "catalog_total"
	sampleSize       = 5
)

// DiscoveryConfig holds the discovery stage settings
type DiscoveryConfig struct {
	BaseURL       string
	IndexURL      string // Template with {base}, {page} and {offset}
	PageSize      int
	TotalItems    int // 0 probes page 1 through a TotalCounter
	Concurrency   int
	RequestDelay  time.Duration
	ReportDir     string
	SignalPath    string
	DataLocation  string
	RunID         string
	SeenCacheSize int
}

// PageFailure is one failed page in a discovery report
type PageFailure struct {
	Page  int    `json:"page"`
	Error string `json:"error"`
}

// DiscoveryReport summarizes one discovery run
type DiscoveryReport struct {
	Stage           string        `json:"stage"`
	RunID           string        `json:"run_id"`
	Status          string        `json:"status"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      time.Time     `json:"finished_at"`
	ElapsedSeconds  float64       `json:"elapsed_seconds"`
	CatalogTotal    int           `json:"catalog_total"`
	PagesTotal      int           `json:"pages_total"`
	PagesCompleted  int           `json:"pages_completed"`
	PagesFailed     int           `json:"pages_failed"`
	PagesSkipped    int           `json:"pages_skipped"`
	PagesNotStarted int           `json:"pages_not_started"`
	ItemsFound      int           `json:"items_found"`
	NewItems        int           `json:"new_items"`
	DuplicateItems  int           `json:"duplicate_items"`
	FailedPages     []PageFailure `json:"failed_pages"`
	SkippedPages    []int         `json:"skipped_pages"`
	SampleItems     []ItemRef     `json:"sample_items"`
}

// Discovery walks the catalog index and records every item it finds
type Discovery struct {
	cfg       DiscoveryConfig
	store     Store
	client    Fetcher
	extractor Extractor
	limiter   *RateLimiter
	metrics   *Metrics
	seen      *lru.Cache[string, struct{}]

	mu     sync.Mutex
	report DiscoveryReport
}

// NewDiscovery creates a discovery stage. limiter and metrics may be nil.
func NewDiscovery(cfg DiscoveryConfig, store Store, client Fetcher, extractor Extractor, limiter *RateLimiter, metrics *Metrics) (*Discovery, error) {
	if cfg.PageSize <= 0 {
		return nil, fmt.Errorf("page size must be greater than 0")
	}
	if cfg.SeenCacheSize <= 0 {
		cfg.SeenCacheSize = 10000
	}

	seen, err := lru.New[string, struct{}](cfg.SeenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create seen-id cache: %w", err)
	}

	return &Discovery{
		cfg:       cfg,
		store:     store,
		client:    client,
		extractor: extractor,
		limiter:   limiter,
		metrics:   metrics,
		seen:      seen,
	}, nil
}

// PageURL renders the index URL for a 1-based page number
func (d *Discovery) PageURL(page int) string {
	offset := (page - 1) * d.cfg.PageSize
	return strings.NewReplacer(
		"{base}", strings.TrimRight(d.cfg.BaseURL, "/"),
		"{page}", strconv.Itoa(page),
		"{offset}", strconv.Itoa(offset),
	).Replace(d.cfg.IndexURL)
}

// PageCount returns ceil(total / page size)
func PageCount(total, pageSize int) int {
	if total <= 0 || pageSize <= 0 {
		return 0
	}
	return (total + pageSize - 1) / pageSize
}

// Run discovers every page not yet completed or failed. On success it
// writes the report and emits the discovery signal; a cancelled run writes
// a cancelled report and returns ErrCancelled.
func (d *Discovery) Run(ctx context.Context) (*DiscoveryReport, error) {
	start := time.Now()
	d.report = DiscoveryReport{
		Stage:        gate.StageDiscovery,
		RunID:        d.cfg.RunID,
		StartedAt:    start.UTC(),
		FailedPages:  []PageFailure{},
		SkippedPages: []int{},
		SampleItems:  []ItemRef{},
	}

	total, err := d.resolveTotal(ctx)
	if err != nil {
		return nil, err
	}
	d.report.CatalogTotal = total
	d.report.PagesTotal = PageCount(total, d.cfg.PageSize)

	slog.Info("Starting discovery",
		"stage", gate.StageDiscovery,
		"catalog_total", total,
		"pages", d.report.PagesTotal,
		"concurrency", d.cfg.Concurrency,
	)

	var todo []int
	for page := 1; page <= d.report.PagesTotal; page++ {
		rec, err := d.store.GetPage(ctx, page)
		switch {
		case errors.Is(err, ErrPageNotFound):
			todo = append(todo, page)
		case err != nil:
			return nil, fmt.Errorf("failed to read page %d: %w", page, err)
		case rec.Status.Terminal():
			d.report.PagesSkipped++
			d.report.SkippedPages = append(d.report.SkippedPages, page)
		default:
			todo = append(todo, page)
		}
	}

	dispatched := runWorkers(ctx, d.cfg.Concurrency, len(todo), func(workerID, index int) {
		d.processPage(ctx, workerID, todo[index])
	})

	cancelled := ctx.Err() != nil

	d.mu.Lock()
	report := d.report
	d.mu.Unlock()

	report.PagesNotStarted += len(todo) - dispatched
	report.FinishedAt = time.Now().UTC()
	report.ElapsedSeconds = time.Since(start).Seconds()
	report.Status = gate.StatusCompleted
	if cancelled {
		report.Status = "cancelled"
	}
	sort.Slice(report.FailedPages, func(i, j int) bool { return report.FailedPages[i].Page < report.FailedPages[j].Page })
	sort.Ints(report.SkippedPages)

	slog.Info("Discovery finished",
		"stage", gate.StageDiscovery,
		"status", report.Status,
		"pages_completed", report.PagesCompleted,
		"pages_failed", report.PagesFailed,
		"pages_skipped", report.PagesSkipped,
		"new_items", report.NewItems,
		"duplicate_items", report.DuplicateItems,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	sig := gate.Signal{
		Stage:        gate.StageDiscovery,
		RunID:        d.cfg.RunID,
		SuccessCount: report.PagesCompleted,
		FailureCount: report.PagesFailed,
		DataLocation: d.cfg.DataLocation,
		NextStage:    gate.NextStage(gate.StageDiscovery),
	}
	err = FinishRun(report, ReportPath(d.cfg.ReportDir, "discovery_report", start), cancelled, sig, d.cfg.SignalPath)
	return &report, err
}

// resolveTotal returns the configured catalog size or probes page 1 for it
func (d *Discovery) resolveTotal(ctx context.Context) (int, error) {
	if d.cfg.TotalItems > 0 {
		d.recordTotal(ctx, d.cfg.TotalItems)
		return d.cfg.TotalItems, nil
	}

	counter, ok := d.extractor.(TotalCounter)
	if !ok {
		return 0, ErrNoPageTotal
	}

	url := d.PageURL(1)
	if err := politeWait(ctx, 0, d.limiter, url); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	resp, err := fetch(ctx, d.client, d.metrics, gate.StageDiscovery, url)
	if err != nil {
		return 0, fmt.Errorf("failed to probe catalog size: %w", err)
	}

	total, ok := counter.ExtractTotal(resp.Body)
	if !ok {
		return 0, ErrNoPageTotal
	}
	slog.Info("Probed catalog size", "stage", gate.StageDiscovery, "catalog_total", total)

	d.recordTotal(ctx, total)
	return total, nil
}

func (d *Discovery) recordTotal(ctx context.Context, total int) {
	if err := d.store.SetMeta(ctx, metaCatalogTotal, strconv.Itoa(total)); err != nil {
		slog.Warn("Failed to record catalog size", "error", err)
	}
}

func (d *Discovery) processPage(ctx context.Context, workerID, page int) {
	url := d.PageURL(page)
	logger := slog.With("stage", gate.StageDiscovery, "page", page, "worker_id", workerID)

	if err := politeWait(ctx, d.cfg.RequestDelay, d.limiter, url); err != nil {
		d.update(func(r *DiscoveryReport) { r.PagesNotStarted++ })
		return
	}

	// The page is ours from here on: finish it even if the run is cancelled
	wctx := context.WithoutCancel(ctx)

	startedAt := time.Now()
	err := d.store.UpsertPage(wctx, PageRecord{PageNumber: page, Status: PageStatusInProgress, StartedAt: &startedAt})
	if errors.Is(err, ErrPageFinalized) {
		logger.Debug("Page already finalized, skipping")
		d.update(func(r *DiscoveryReport) {
			r.PagesSkipped++
			r.SkippedPages = append(r.SkippedPages, page)
		})
		return
	}
	if err != nil {
		logger.Error("Failed to mark page in progress", "error", err)
		d.pageFailed(page, fmt.Sprintf("store error for page %d: %v", page, err))
		return
	}

	resp, err := fetch(ctx, d.client, d.metrics, gate.StageDiscovery, url)
	if err != nil {
		msg := failureMessage(err, "page", page)
		logger.Warn("Failed to fetch index page", "url", url, "error", err)
		d.finishPage(wctx, logger, page, PageStatusFailed, 0, msg)
		return
	}

	refs, err := d.extractor.ExtractIndex(resp.Body, url)
	if err != nil {
		logger.Warn("Extraction failed, treating page as empty", "error", err)
		refs = nil
	}

	var added, duplicates int
	var sample []ItemRef
	for _, ref := range refs {
		ref.Page = page
		if d.seen.Contains(ref.ID) {
			duplicates++
			continue
		}

		inserted, err := d.store.InsertWorkItemIfAbsent(wctx, ref)
		if err != nil {
			// Leave the page failed so a reset brings the missing item back
			logger.Error("Failed to record work item", "item_id", ref.ID, "error", err)
			d.finishPage(wctx, logger, page, PageStatusFailed, len(refs),
				fmt.Sprintf("store error for item %s on page %d: %v", ref.ID, page, err))
			d.addItems(added, duplicates, sample)
			return
		}
		d.seen.Add(ref.ID, struct{}{})

		if inserted {
			added++
			if len(sample) < sampleSize {
				sample = append(sample, ref)
			}
		} else {
			duplicates++
		}
	}

	d.addItems(added, duplicates, sample)
	d.update(func(r *DiscoveryReport) { r.ItemsFound += len(refs) })
	d.finishPage(wctx, logger, page, PageStatusCompleted, len(refs), "")

	logger.Info("Page completed", "items_found", len(refs), "new_items", added, "duplicates", duplicates)
}

func (d *Discovery) finishPage(ctx context.Context, logger *slog.Logger, page int, status PageStatus, found int, errMsg string) {
	completedAt := time.Now()
	err := d.store.UpsertPage(ctx, PageRecord{
		PageNumber:   page,
		Status:       status,
		ItemsFound:   found,
		CompletedAt:  &completedAt,
		ErrorMessage: errMsg,
	})
	if err != nil {
		logger.Error("Failed to finalize page", "status", status, "error", err)
		d.pageFailed(page, fmt.Sprintf("store error for page %d: %v", page, err))
		return
	}

	if status == PageStatusFailed {
		d.pageFailed(page, errMsg)
		return
	}
	d.metrics.IncItem(gate.StageDiscovery, "completed")
	d.update(func(r *DiscoveryReport) { r.PagesCompleted++ })
}

func (d *Discovery) pageFailed(page int, msg string) {
	d.metrics.IncItem(gate.StageDiscovery, "failed")
	d.update(func(r *DiscoveryReport) {
		r.PagesFailed++
		r.FailedPages = append(r.FailedPages, PageFailure{Page: page, Error: msg})
	})
}

func (d *Discovery) addItems(added, duplicates int, sample []ItemRef) {
	d.update(func(r *DiscoveryReport) {
		r.NewItems += added
		r.DuplicateItems += duplicates
		for _, ref := range sample {
			if len(r.SampleItems) >= sampleSize {
				break
			}
			r.SampleItems = append(r.SampleItems, ref)
		}
	})
}

func (d *Discovery) update(fn func(r *DiscoveryReport)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(&d.report)
}
