package qa

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/masahif/catalogferry/internal/crawler"
	"github.com/masahif/catalogferry/internal/fileutil"
	"github.com/masahif/catalogferry/internal/gate"
)

// StageConfig holds the validation stage locations and gate settings
type StageConfig struct {
	ArtifactDir    string
	ImportDir      string
	ReportDir      string
	UpstreamSignal string
	GatePoll       time.Duration
	GateTimeout    time.Duration
	SignalPath     string
	RunID          string
	TopIssues      int
}

// Stage validates every artifact, writes the import bundle and the report
type Stage struct {
	cfg       StageConfig
	open      crawler.StoreOpener
	validator *Validator
	importer  *Importer
	prober    *Prober
	metrics   *crawler.Metrics
}

// NewStage creates a validation stage. prober and metrics may be nil.
func NewStage(cfg StageConfig, open crawler.StoreOpener, validator *Validator, importer *Importer, prober *Prober, metrics *crawler.Metrics) *Stage {
	return &Stage{
		cfg:       cfg,
		open:      open,
		validator: validator,
		importer:  importer,
		prober:    prober,
		metrics:   metrics,
	}
}

// LoadArtifacts reads every item_*.json under dir in name order. Files that
// cannot be read or decoded are returned separately.
func LoadArtifacts(dir string) ([]*crawler.Artifact, []FileFailure, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "item_*.json"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	sort.Strings(paths)

	artifacts := make([]*crawler.Artifact, 0, len(paths))
	failures := []FileFailure{}
	for _, path := range paths {
		var a crawler.Artifact
		if err := fileutil.ReadJSON(path, &a); err != nil {
			failures = append(failures, FileFailure{Path: path, Error: err.Error()})
			continue
		}
		if a.ID == "" {
			a.ID = textValue(a.Attributes, "id")
		}
		artifacts = append(artifacts, &a)
	}
	return artifacts, failures, nil
}

// Run waits for the detail stage, then validates and exports. On success it
// writes the report and emits the validation signal; a cancelled run writes
// a cancelled report and returns crawler.ErrCancelled.
func (s *Stage) Run(ctx context.Context) (*Report, error) {
	if err := gate.Await(ctx, s.cfg.UpstreamSignal, s.cfg.GatePoll, s.cfg.GateTimeout); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", crawler.ErrCancelled, err)
		}
		return nil, err
	}

	store, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("Failed to close store", "error", err)
		}
	}()

	start := time.Now()
	report := Report{
		Stage:           gate.StageValidation,
		RunID:           s.cfg.RunID,
		StartedAt:       start.UTC(),
		RecordFailures:  []RecordFailure{},
		Recommendations: []string{},
	}

	artifacts, unreadable, err := LoadArtifacts(s.cfg.ArtifactDir)
	if err != nil {
		return nil, err
	}
	report.ArtifactsLoaded = len(artifacts)
	report.UnreadableArtifacts = unreadable
	for _, f := range unreadable {
		slog.Warn("Skipping unreadable artifact", "stage", gate.StageValidation, "path", f.Path, "error", f.Error)
	}

	slog.Info("Starting validation", "stage", gate.StageValidation, "artifacts", len(artifacts))

	// Store writes are not abandoned halfway through an item
	wctx := context.WithoutCancel(ctx)

	var results []crawler.ValidationResult
	var recorded, valid []*crawler.Artifact
	cancelled := false
	for _, a := range artifacts {
		if ctx.Err() != nil {
			cancelled = true
			break
		}

		result := s.validator.Validate(a)

		// The store refuses items that never finished processing; such an
		// artifact is neither valid nor invalid and is never exported
		if err := store.RecordValidation(wctx, result); err != nil {
			slog.Error("Failed to record validation", "stage", gate.StageValidation, "item_id", result.ItemID, "error", err)
			report.RecordFailures = append(report.RecordFailures, RecordFailure{ID: result.ItemID, Error: err.Error()})
			s.metrics.IncItem(gate.StageValidation, "unrecorded")
			continue
		}

		results = append(results, result)
		recorded = append(recorded, a)
		if result.Valid {
			valid = append(valid, a)
			s.metrics.IncItem(gate.StageValidation, "valid")
		} else {
			s.metrics.IncItem(gate.StageValidation, "invalid")
		}

		slog.Debug("Item validated",
			"stage", gate.StageValidation,
			"item_id", result.ItemID,
			"valid", result.Valid,
			"quality", result.Quality,
			"completeness", result.Completeness,
		)
	}

	report.Summary, report.Breakdown = Summarize(results)
	report.CommonIssues = TopIssues(results, s.cfg.TopIssues)
	report.Recommendations = Recommendations(results, recorded)
	report.Compatibility = ProbeResult{Skipped: true}

	if !cancelled {
		summary, err := s.importer.Generate(valid, recorded)
		if err != nil {
			return nil, err
		}
		report.ImportReadiness = ImportReadiness{
			RecordsReady:     summary.Records,
			SQLGenerated:     true,
			JSONGenerated:    true,
			MappingGenerated: true,
			MediaCopied:      summary.MediaCopied,
			MediaMissing:     summary.MediaMissing,
			Dir:              s.cfg.ImportDir,
		}

		if s.prober != nil {
			report.Compatibility = s.prober.Probe(ctx, s.sampleRecord(valid))
		}
	}

	report.FinishedAt = time.Now().UTC()
	report.ElapsedSeconds = time.Since(start).Seconds()
	report.Status = gate.StatusCompleted
	if cancelled {
		report.Status = "cancelled"
	}

	path := crawler.ReportPath(s.cfg.ReportDir, "validation_report", start)

	slog.Info("Validation finished",
		"stage", gate.StageValidation,
		"status", report.Status,
		"valid", report.Summary.Valid,
		"invalid", report.Summary.Invalid,
		"average_quality", report.Summary.AverageQuality,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	sig := gate.Signal{
		Stage:        gate.StageValidation,
		RunID:        s.cfg.RunID,
		SuccessCount: report.Summary.Valid,
		FailureCount: report.Summary.Invalid,
		DataLocation: s.cfg.ImportDir,
		NextStage:    gate.NextStage(gate.StageValidation),
	}
	err = crawler.FinishRun(report, path, cancelled, sig, s.cfg.SignalPath)
	return &report, err
}

func (s *Stage) sampleRecord(valid []*crawler.Artifact) *Record {
	if len(valid) == 0 {
		return nil
	}
	first := valid[0]
	for _, a := range valid[1:] {
		if a.ID < first.ID {
			first = a
		}
	}
	rec := s.importer.FormatRecord(first)
	return &rec
}
