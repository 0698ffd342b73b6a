package crawler

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/masahif/catalogferry/internal/fileutil"
	"github.com/masahif/catalogferry/internal/gate"
)

const sampleSuccesses = 3

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeID makes an item id safe for use in file names. Ids that needed
// rewriting get a short hash suffix so distinct ids never collide.
func SanitizeID(id string) string {
	safe := unsafeIDChars.ReplaceAllString(id, "_")
	if safe == id && safe != "" {
		return safe
	}
	sum := sha1.Sum([]byte(id))
	return safe + "_" + hex.EncodeToString(sum[:])[:8]
}

// ArtifactPath returns the artifact location for an item id
func ArtifactPath(dir, id string) string {
	return filepath.Join(dir, "item_"+SanitizeID(id)+".json")
}

// StoreOpener opens the progress store once the upstream gate has opened
type StoreOpener func(ctx context.Context) (Store, error)

// DetailConfig holds the detail stage settings
type DetailConfig struct {
	BaseURL        string
	DetailURL      string // Template with {base} and {id}, used when an item has no URL
	Concurrency    int
	RequestDelay   time.Duration
	ArtifactDir    string
	MediaDir       string
	ReportDir      string
	UpstreamSignal string
	GatePoll       time.Duration
	GateTimeout    time.Duration
	SignalPath     string
	RunID          string
}

// ItemFailure is one failed item in a detail report
type ItemFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// StuckItem is an item an earlier run claimed but never finished
type StuckItem struct {
	ID        string     `json:"id"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// ItemSample is a short preview of a processed item
type ItemSample struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	MediaCount int    `json:"media_count"`
}

// DetailReport summarizes one detail run
type DetailReport struct {
	Stage          string        `json:"stage"`
	RunID          string        `json:"run_id"`
	Status         string        `json:"status"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     time.Time     `json:"finished_at"`
	ElapsedSeconds float64       `json:"elapsed_seconds"`
	TotalItems     int           `json:"total_items"`
	Succeeded      int           `json:"succeeded"`
	Failed         int           `json:"failed"`
	AlreadyClaimed int           `json:"already_claimed"`
	NotStarted     int           `json:"not_started"`
	SuccessRate    float64       `json:"success_rate"`
	SampleItems    []ItemSample  `json:"sample_items"`
	FailedItems    []ItemFailure `json:"failed_items"`
	StuckItems     []StuckItem   `json:"stuck_items"`
	MediaProcessed int           `json:"media_processed"`
	MediaSkipped   int           `json:"media_skipped"`
	ArtifactDir    string        `json:"artifact_dir"`
	MediaDir       string        `json:"media_dir"`
}

// Detail fetches one page per discovered item and writes its artifact
type Detail struct {
	cfg       DetailConfig
	open      StoreOpener
	client    Fetcher
	extractor Extractor
	media     MediaProcessor
	limiter   *RateLimiter
	metrics   *Metrics

	mu     sync.Mutex
	report DetailReport
}

// NewDetail creates a detail stage. media, limiter and metrics may be nil;
// without a media processor media references stay in the attributes only.
func NewDetail(cfg DetailConfig, open StoreOpener, client Fetcher, extractor Extractor, media MediaProcessor, limiter *RateLimiter, metrics *Metrics) *Detail {
	return &Detail{
		cfg:       cfg,
		open:      open,
		client:    client,
		extractor: extractor,
		media:     media,
		limiter:   limiter,
		metrics:   metrics,
	}
}

// Run waits for discovery, then processes every item never started before.
// On success it writes the report and emits the detail signal; a cancelled
// run writes a cancelled report and returns ErrCancelled.
func (d *Detail) Run(ctx context.Context) (*DetailReport, error) {
	if err := gate.Await(ctx, d.cfg.UpstreamSignal, d.cfg.GatePoll, d.cfg.GateTimeout); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		return nil, err
	}

	store, err := d.open(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("Failed to close store", "error", err)
		}
	}()

	if err := os.MkdirAll(d.cfg.ArtifactDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	// Listed before this run claims anything, so every entry is left over
	// from a run that stopped mid-item
	inFlight, err := store.ListItemsInFlight(ctx)
	if err != nil {
		return nil, err
	}
	stuck := make([]StuckItem, 0, len(inFlight))
	for _, item := range inFlight {
		stuck = append(stuck, StuckItem{ID: item.ID, StartedAt: item.Processing.StartedAt})
	}
	if len(stuck) > 0 {
		slog.Warn("Items claimed by an earlier run never finished; run 'catalogferry reset --stale <age>' to retry them",
			"stage", gate.StageDetail,
			"items", len(stuck),
		)
	}

	items, err := store.ListItemsNeedingProcessing(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	d.report = DetailReport{
		Stage:       gate.StageDetail,
		RunID:       d.cfg.RunID,
		StartedAt:   start.UTC(),
		TotalItems:  len(items),
		SampleItems: []ItemSample{},
		FailedItems: []ItemFailure{},
		StuckItems:  stuck,
		ArtifactDir: d.cfg.ArtifactDir,
		MediaDir:    d.cfg.MediaDir,
	}

	slog.Info("Starting detail processing",
		"stage", gate.StageDetail,
		"items", len(items),
		"concurrency", d.cfg.Concurrency,
	)

	dispatched := runWorkers(ctx, d.cfg.Concurrency, len(items), func(workerID, index int) {
		d.processItem(ctx, store, workerID, items[index])
	})

	cancelled := ctx.Err() != nil

	d.mu.Lock()
	report := d.report
	d.mu.Unlock()

	report.NotStarted += len(items) - dispatched
	report.FinishedAt = time.Now().UTC()
	report.ElapsedSeconds = time.Since(start).Seconds()
	if report.TotalItems > 0 {
		report.SuccessRate = float64(report.Succeeded) / float64(report.TotalItems) * 100
	}
	report.Status = gate.StatusCompleted
	if cancelled {
		report.Status = "cancelled"
	}

	slog.Info("Detail processing finished",
		"stage", gate.StageDetail,
		"status", report.Status,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"stuck", len(report.StuckItems),
		"media_processed", report.MediaProcessed,
		"media_skipped", report.MediaSkipped,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	sig := gate.Signal{
		Stage:        gate.StageDetail,
		RunID:        d.cfg.RunID,
		SuccessCount: report.Succeeded,
		FailureCount: report.Failed,
		DataLocation: d.cfg.ArtifactDir,
		NextStage:    gate.NextStage(gate.StageDetail),
	}
	err = FinishRun(report, ReportPath(d.cfg.ReportDir, "detail_report", start), cancelled, sig, d.cfg.SignalPath)
	return &report, err
}

func (d *Detail) itemURL(item WorkItem) string {
	if item.URL != "" {
		return item.URL
	}
	return strings.NewReplacer(
		"{base}", strings.TrimRight(d.cfg.BaseURL, "/"),
		"{id}", item.ID,
	).Replace(d.cfg.DetailURL)
}

func (d *Detail) processItem(ctx context.Context, store Store, workerID int, item WorkItem) {
	url := d.itemURL(item)
	logger := slog.With("stage", gate.StageDetail, "item_id", item.ID, "worker_id", workerID)

	if err := politeWait(ctx, d.cfg.RequestDelay, d.limiter, url); err != nil {
		d.update(func(r *DetailReport) { r.NotStarted++ })
		return
	}

	// Once claimed the item must reach a terminal state, cancelled or not
	wctx := context.WithoutCancel(ctx)

	claimed, err := store.MarkProcessingStarted(wctx, item.ID)
	if err != nil {
		logger.Error("Failed to claim item", "error", err)
		d.update(func(r *DetailReport) { r.NotStarted++ })
		return
	}
	if !claimed {
		logger.Debug("Item already claimed, skipping")
		d.update(func(r *DetailReport) { r.AlreadyClaimed++ })
		return
	}

	resp, err := fetch(ctx, d.client, d.metrics, gate.StageDetail, url)
	if err != nil {
		logger.Warn("Failed to fetch detail page", "url", url, "error", err)
		d.fail(wctx, store, logger, item.ID, failureMessage(err, "item", item.ID))
		return
	}

	detail, err := d.extractor.ExtractDetail(resp.Body, url)
	if err != nil || detail == nil {
		if err != nil {
			logger.Warn("Extraction failed, keeping identity fields only", "error", err)
		}
		detail = &ItemDetail{}
	}

	attrs := detail.Attributes
	if attrs == nil {
		attrs = make(map[string]any)
	}
	attrs["id"] = item.ID
	attrs["url"] = url
	if _, ok := attrs["name"]; !ok && item.Name != "" {
		attrs["name"] = item.Name
	}
	if _, ok := attrs["category"]; !ok && item.Category != "" {
		attrs["category"] = item.Category
	}

	media := make([]MediaDescriptor, 0, len(detail.MediaURLs))
	var skipped int
	if d.media != nil {
		for i, mediaURL := range detail.MediaURLs {
			desc, err := d.media.Process(wctx, item.ID, i+1, mediaURL)
			if err != nil {
				logger.Warn("Skipping media", "media_url", mediaURL, "error", err)
				d.metrics.IncMedia("skipped")
				skipped++
				continue
			}
			d.metrics.IncMedia("processed")
			media = append(media, *desc)
		}
	}

	artifact := Artifact{
		ID:         item.ID,
		ScrapedAt:  time.Now().UTC(),
		Attributes: attrs,
		Media:      media,
	}

	path := ArtifactPath(d.cfg.ArtifactDir, item.ID)
	if err := fileutil.WriteJSON(path, artifact); err != nil {
		logger.Error("Failed to write artifact", "path", path, "error", err)
		d.fail(wctx, store, logger, item.ID, fmt.Sprintf("artifact write failed for item %s: %v", item.ID, err))
		return
	}

	if err := store.MarkProcessingResult(wctx, item.ID, true, ""); err != nil {
		// Without a recorded outcome the artifact must not claim success
		logger.Error("Failed to record processing result", "error", err)
		removeArtifact(path, logger)
		d.recordFailure(item.ID, fmt.Sprintf("store error for item %s: %v", item.ID, err))
		return
	}

	d.metrics.IncItem(gate.StageDetail, "succeeded")
	name, _ := attrs["name"].(string)
	d.update(func(r *DetailReport) {
		r.Succeeded++
		r.MediaProcessed += len(media)
		r.MediaSkipped += skipped
		if len(r.SampleItems) < sampleSuccesses {
			r.SampleItems = append(r.SampleItems, ItemSample{ID: item.ID, Name: name, MediaCount: len(media)})
		}
	})

	logger.Info("Item processed", "media", len(media), "media_skipped", skipped)
}

// fail removes any stale artifact and records the failure outcome
func (d *Detail) fail(ctx context.Context, store Store, logger *slog.Logger, id, msg string) {
	removeArtifact(ArtifactPath(d.cfg.ArtifactDir, id), logger)

	if err := store.MarkProcessingResult(ctx, id, false, msg); err != nil {
		logger.Error("Failed to record processing failure", "error", err)
	}
	d.recordFailure(id, msg)
}

func (d *Detail) recordFailure(id, msg string) {
	d.metrics.IncItem(gate.StageDetail, "failed")
	d.update(func(r *DetailReport) {
		r.Failed++
		r.FailedItems = append(r.FailedItems, ItemFailure{ID: id, Error: msg})
	})
}

func removeArtifact(path string, logger *slog.Logger) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("Failed to remove stale artifact", "path", path, "error", err)
	}
}

func (d *Detail) update(fn func(r *DetailReport)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(&d.report)
}
