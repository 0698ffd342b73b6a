package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/masahif/catalogferry/internal/config"
	"github.com/masahif/catalogferry/internal/crawler"
	"github.com/masahif/catalogferry/internal/gate"
	"github.com/masahif/catalogferry/internal/media"
	"github.com/masahif/catalogferry/internal/parser"
	"github.com/masahif/catalogferry/internal/qa"
	"github.com/masahif/catalogferry/internal/storage"
)

// ErrStageLocked is returned when another process is running the same stage
var ErrStageLocked = errors.New("stage is already running")

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Walk the catalog index and record every item",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStage(cmd, gate.StageDiscovery, runDiscovery)
	},
}

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Fetch item details and media once discovery has completed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStage(cmd, gate.StageDetail, runDetail)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Score artifacts and generate the import bundle once processing has completed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStage(cmd, gate.StageValidation, runValidation)
	},
}

func init() {
	discoverCmd.Flags().IntP("concurrency", "c", 5, "Number of concurrent index page requests")
	discoverCmd.Flags().Duration("delay", time.Second, "Politeness delay before each request")
	discoverCmd.Flags().Int("total-items", 0, "Known catalog size (0 reads it from the first index page)")
	bindFlags(discoverCmd.Flags(), []flagBinding{
		{"discovery.concurrency", "concurrency"},
		{"discovery.request_delay", "delay"},
		{"source.total_items", "total-items"},
	})

	processCmd.Flags().IntP("concurrency", "c", 3, "Number of concurrent item requests")
	processCmd.Flags().Duration("delay", 2*time.Second, "Politeness delay before each request")
	processCmd.Flags().Duration("gate-timeout", time.Hour, "How long to wait for discovery to complete")
	bindFlags(processCmd.Flags(), []flagBinding{
		{"detail.concurrency", "concurrency"},
		{"detail.request_delay", "delay"},
		{"detail.gate_timeout", "gate-timeout"},
	})

	validateCmd.Flags().Duration("gate-timeout", 2*time.Hour, "How long to wait for processing to complete")
	validateCmd.Flags().String("api-base", "", "Destination API base URL for the compatibility probe")
	bindFlags(validateCmd.Flags(), []flagBinding{
		{"validation.gate_timeout", "gate-timeout"},
		{"destination.api_base", "api-base"},
	})
}

// stageRun carries what every stage needs for one run
type stageRun struct {
	cfg     *config.Config
	runID   string
	metrics *crawler.Metrics
}

type stageFunc func(ctx context.Context, run *stageRun) error

// runStage loads configuration, sets up logging, takes the stage lock and
// serves metrics around fn
func runStage(cmd *cobra.Command, stage string, fn stageFunc) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if showConfig, _ := cmd.Flags().GetBool("show-config"); showConfig {
		return showCurrentConfig(cmd.OutOrStdout(), cfg)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	closer, err := setupLogging(cfg)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer func() { _ = closer.Close() }()

	unlock, err := lockStage(cfg.LockDir(), stage)
	if err != nil {
		return err
	}
	defer unlock()

	run := &stageRun{
		cfg:     cfg,
		runID:   uuid.NewString(),
		metrics: crawler.NewMetrics(),
	}

	stopMetrics := serveMetrics(cfg.MetricsAddr, run.metrics)
	defer stopMetrics()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	slog.Info("Stage starting", "stage", stage, "run_id", run.runID, "root", cfg.RootDir)
	return fn(ctx, run)
}

// lockStage takes an exclusive lock on <dir>/<stage>.lock
func lockStage(dir, stage string) (func(), error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	path := filepath.Join(dir, stage+".lock")
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s holds %s", ErrStageLocked, stage, path)
	}

	return func() {
		if err := lock.Unlock(); err != nil {
			slog.Warn("Failed to release stage lock", "path", path, "error", err)
		}
	}, nil
}

// serveMetrics exposes the registry on addr until the returned stop is called
func serveMetrics(addr string, metrics *crawler.Metrics) func() {
	if addr == "" {
		return func() {}
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", "error", err)
		}
	}()
	slog.Info("Metrics server enabled", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("Metrics server shutdown failed", "error", err)
		}
	}
}

func newSourceClient(cfg *config.Config) *crawler.HTTPClient {
	return crawler.NewHTTPClient(cfg.Source.UserAgent, cfg.Source.RequestTimeout,
		crawler.WithHeaders(cfg.ParseHeaders()),
	)
}

func newRateLimiter(cfg *config.Config) *crawler.RateLimiter {
	if cfg.Source.RequestsPerSecond <= 0 {
		return nil
	}
	return crawler.NewRateLimiter(cfg.Source.RequestsPerSecond)
}

// storeOpener opens the store an upstream stage created
func storeOpener(cfg *config.Config) crawler.StoreOpener {
	return func(ctx context.Context) (crawler.Store, error) {
		store, err := storage.OpenExisting(ctx, cfg.DBPath())
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

func runDiscovery(ctx context.Context, run *stageRun) error {
	cfg := run.cfg

	extractor, err := parser.NewHTMLParser(cfg.Source.ItemLinkPattern)
	if err != nil {
		return err
	}

	store, err := storage.NewSQLiteStorage(ctx, cfg.DBPath())
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("Failed to close store", "error", err)
		}
	}()

	client := newSourceClient(cfg)
	defer client.Close()

	discovery, err := crawler.NewDiscovery(crawler.DiscoveryConfig{
		BaseURL:      cfg.Source.BaseURL,
		IndexURL:     cfg.Source.IndexURL,
		PageSize:     cfg.Source.PageSize,
		TotalItems:   cfg.Source.TotalItems,
		Concurrency:  cfg.Discovery.Concurrency,
		RequestDelay: cfg.Discovery.RequestDelay,
		ReportDir:    cfg.RootDir,
		SignalPath:   cfg.SignalPath(gate.StageDiscovery),
		DataLocation: cfg.DBPath(),
		RunID:        run.runID,
	}, store, client, extractor, newRateLimiter(cfg), run.metrics)
	if err != nil {
		return err
	}

	_, err = discovery.Run(ctx)
	return err
}

func runDetail(ctx context.Context, run *stageRun) error {
	cfg := run.cfg

	extractor, err := parser.NewHTMLParser(cfg.Source.ItemLinkPattern)
	if err != nil {
		return err
	}

	client := newSourceClient(cfg)
	defer client.Close()

	processor := media.NewProcessor(media.Config{
		Dir:       cfg.MediaDir(),
		MaxWidth:  cfg.Media.MaxWidth,
		MaxHeight: cfg.Media.MaxHeight,
		Quality:   cfg.Media.Quality,
	}, client)

	detail := crawler.NewDetail(crawler.DetailConfig{
		BaseURL:        cfg.Source.BaseURL,
		DetailURL:      cfg.Source.DetailURL,
		Concurrency:    cfg.Detail.Concurrency,
		RequestDelay:   cfg.Detail.RequestDelay,
		ArtifactDir:    cfg.ArtifactDir(),
		MediaDir:       cfg.MediaDir(),
		ReportDir:      cfg.RootDir,
		UpstreamSignal: cfg.SignalPath(gate.StageDiscovery),
		GatePoll:       cfg.Detail.GatePollInterval,
		GateTimeout:    cfg.Detail.GateTimeout,
		SignalPath:     cfg.SignalPath(gate.StageDetail),
		RunID:          run.runID,
	}, storeOpener(cfg), client, extractor, processor, newRateLimiter(cfg), run.metrics)

	_, err = detail.Run(ctx)
	return err
}

func runValidation(ctx context.Context, run *stageRun) error {
	cfg := run.cfg

	probeClient := crawler.NewHTTPClient(cfg.Source.UserAgent, cfg.Destination.ProbeTimeout)
	defer probeClient.Close()

	stage := qa.NewStage(qa.StageConfig{
		ArtifactDir:    cfg.ArtifactDir(),
		ImportDir:      cfg.ImportDir(),
		ReportDir:      cfg.QAResultsDir(),
		UpstreamSignal: cfg.SignalPath(gate.StageDetail),
		GatePoll:       cfg.Validation.GatePollInterval,
		GateTimeout:    cfg.Validation.GateTimeout,
		SignalPath:     cfg.SignalPath(gate.StageValidation),
		RunID:          run.runID,
		TopIssues:      cfg.Validation.TopIssues,
	},
		storeOpener(cfg),
		qa.NewValidator(cfg.Validation, cfg.ValidationURLPrefix()),
		qa.NewImporter(cfg.Import, cfg.ImportDir()),
		qa.NewProber(cfg.Destination.APIBase, probeClient),
		run.metrics,
	)

	_, err := stage.Run(ctx)
	return err
}
