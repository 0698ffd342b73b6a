// Package config provides configuration management for catalogferry.
// It defines the configuration tree shared by the three stages and the
// default values taken from the production migration runs.
package config

import (
	"net/url"
	"path/filepath"
	"reflect"
	"strings"
	"time"
)

// SourceConfig describes the remote catalog being migrated
type SourceConfig struct {
	BaseURL           string        `mapstructure:"base_url" yaml:"base_url"`                       // Catalog site root, e.g. https://library.example.com
	IndexURL          string        `mapstructure:"index_url" yaml:"index_url"`                     // Index page template, supports {page} and {offset}
	DetailURL         string        `mapstructure:"detail_url" yaml:"detail_url"`                   // Detail page template, supports {id}
	ItemLinkPattern   string        `mapstructure:"item_link_pattern" yaml:"item_link_pattern"`     // Regex with one capture group for the item id
	PageSize          int           `mapstructure:"page_size" yaml:"page_size"`                     // Items per index page
	TotalItems        int           `mapstructure:"total_items" yaml:"total_items"`                 // Known catalog size (0 = probe page 1)
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`                   // HTTP User-Agent header
	Headers           []string      `mapstructure:"headers" yaml:"headers"`                         // Static headers in "Name: Value" form
	RequestTimeout    time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`         // Per-request timeout
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"` // Per-host ceiling (0 = delay only)
}

// StageConfig holds the knobs shared by the networked stages
type StageConfig struct {
	Concurrency      int           `mapstructure:"concurrency" yaml:"concurrency"`               // K: simultaneous in-flight requests
	RequestDelay     time.Duration `mapstructure:"request_delay" yaml:"request_delay"`           // Politeness delay before each request
	GatePollInterval time.Duration `mapstructure:"gate_poll_interval" yaml:"gate_poll_interval"` // Upstream signal poll interval
	GateTimeout      time.Duration `mapstructure:"gate_timeout" yaml:"gate_timeout"`             // Give up waiting for upstream after this
}

// ValidationConfig holds the QA rule set
type ValidationConfig struct {
	GatePollInterval      time.Duration `mapstructure:"gate_poll_interval" yaml:"gate_poll_interval"`
	GateTimeout           time.Duration `mapstructure:"gate_timeout" yaml:"gate_timeout"`
	RequiredFields        []string      `mapstructure:"required_fields" yaml:"required_fields"`
	RecommendedFields     []string      `mapstructure:"recommended_fields" yaml:"recommended_fields"`
	MaxNameLength         int           `mapstructure:"max_name_length" yaml:"max_name_length"`
	MaxDescriptionLength  int           `mapstructure:"max_description_length" yaml:"max_description_length"`
	RichDescriptionLength int           `mapstructure:"rich_description_length" yaml:"rich_description_length"`
	URLPrefix             string        `mapstructure:"url_prefix" yaml:"url_prefix"` // Defaults to source.base_url
	MaxMediaBytes         int64         `mapstructure:"max_media_bytes" yaml:"max_media_bytes"`
	TopIssues             int           `mapstructure:"top_issues" yaml:"top_issues"`
}

// MediaConfig controls image normalization
type MediaConfig struct {
	MaxWidth  int `mapstructure:"max_width" yaml:"max_width"`
	MaxHeight int `mapstructure:"max_height" yaml:"max_height"`
	Quality   int `mapstructure:"quality" yaml:"quality"` // JPEG quality 1-100
}

// ImportConfig shapes the generated import files
type ImportConfig struct {
	SourceLabel       string         `mapstructure:"source_label" yaml:"source_label"`
	SourceSystem      string         `mapstructure:"source_system" yaml:"source_system"`
	TableName         string         `mapstructure:"table_name" yaml:"table_name"`
	DefaultCondition  string         `mapstructure:"default_condition" yaml:"default_condition"`
	DefaultStatus     string         `mapstructure:"default_status" yaml:"default_status"`
	CategoryIDs       map[string]int `mapstructure:"category_ids" yaml:"category_ids"`
	DefaultCategoryID int            `mapstructure:"default_category_id" yaml:"default_category_id"`
}

// DestinationConfig points at the system the import files are meant for
type DestinationConfig struct {
	APIBase      string        `mapstructure:"api_base" yaml:"api_base"` // Empty disables the compatibility probe
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
}

// LogConfig mirrors logging.Config in a viper-friendly shape
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"` // json, text, or auto
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int64  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

// Config is the full configuration tree
type Config struct {
	RootDir      string `mapstructure:"root_dir" yaml:"root_dir"`           // Shared directory for store, artifacts, signals
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"` // Defaults to <root_dir>/scraping_progress.db
	MetricsAddr  string `mapstructure:"metrics_addr" yaml:"metrics_addr"`   // Prometheus listen address, empty disables

	Source      SourceConfig      `mapstructure:"source" yaml:"source"`
	Discovery   StageConfig       `mapstructure:"discovery" yaml:"discovery"`
	Detail      StageConfig       `mapstructure:"detail" yaml:"detail"`
	Validation  ValidationConfig  `mapstructure:"validation" yaml:"validation"`
	Media       MediaConfig       `mapstructure:"media" yaml:"media"`
	Import      ImportConfig      `mapstructure:"import" yaml:"import"`
	Destination DestinationConfig `mapstructure:"destination" yaml:"destination"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		RootDir: "./ferry-data",
		Source: SourceConfig{
			IndexURL:        "{base}/library/inventory/browse?offset={offset}",
			DetailURL:       "{base}/library/inventory/show/{id}",
			ItemLinkPattern: `/library/inventory/show/(\d+)`,
			PageSize:        15,
			UserAgent:       "catalogferry/1.0",
			RequestTimeout:  30 * time.Second,
		},
		Discovery: StageConfig{
			Concurrency:  5,
			RequestDelay: 1 * time.Second,
		},
		Detail: StageConfig{
			Concurrency:      3,
			RequestDelay:     2 * time.Second,
			GatePollInterval: 10 * time.Second,
			GateTimeout:      1 * time.Hour,
		},
		Validation: ValidationConfig{
			GatePollInterval:      15 * time.Second,
			GateTimeout:           2 * time.Hour,
			RequiredFields:        []string{"id", "name", "url"},
			RecommendedFields:     []string{"brand", "model", "description", "category", "image_urls"},
			MaxNameLength:         200,
			MaxDescriptionLength:  2000,
			RichDescriptionLength: 50,
			MaxMediaBytes:         5 * 1024 * 1024,
			TopIssues:             5,
		},
		Media: MediaConfig{
			MaxWidth:  800,
			MaxHeight: 600,
			Quality:   85,
		},
		Import: ImportConfig{
			SourceLabel:      "catalogferry import",
			SourceSystem:     "MyTurn",
			TableName:        "Tool",
			DefaultCondition: "GOOD",
			DefaultStatus:    "AVAILABLE",
			CategoryIDs: map[string]int{
				"Hand Tools":    1,
				"Power Tools":   2,
				"Garden Tools":  3,
				"Kitchen Tools": 4,
			},
			DefaultCategoryID: 1,
		},
		Destination: DestinationConfig{
			ProbeTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.RootDir == "" {
		return ErrEmptyRootDir
	}

	if c.Source.BaseURL == "" {
		return ErrEmptyBaseURL
	}
	if u, err := url.Parse(c.Source.BaseURL); err != nil || u.Host == "" {
		return ErrInvalidBaseURL
	}

	if c.Source.PageSize <= 0 {
		return ErrInvalidPageSize
	}
	if c.Source.TotalItems < 0 {
		return ErrInvalidTotalItems
	}
	if c.Source.RequestTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.Source.RequestsPerSecond < 0 {
		return ErrInvalidRate
	}

	for _, stage := range []StageConfig{c.Discovery, c.Detail} {
		if stage.Concurrency <= 0 {
			return ErrInvalidConcurrency
		}
		if stage.RequestDelay < 0 {
			return ErrInvalidDelay
		}
	}

	if c.Detail.GatePollInterval <= 0 || c.Validation.GatePollInterval <= 0 {
		return ErrInvalidGatePoll
	}
	if c.Detail.GateTimeout <= 0 || c.Validation.GateTimeout <= 0 {
		return ErrInvalidGateTimeout
	}

	if len(c.Validation.RequiredFields) == 0 {
		return ErrNoRequiredFields
	}

	if c.Media.MaxWidth <= 0 || c.Media.MaxHeight <= 0 {
		return ErrInvalidMediaBounds
	}
	if c.Media.Quality < 1 || c.Media.Quality > 100 {
		return ErrInvalidMediaQuality
	}

	if !validHeaders(c.Source.Headers) {
		return ErrInvalidHeader
	}

	return nil
}

// DBPath returns the progress store location
func (c *Config) DBPath() string {
	if c.DatabasePath != "" {
		return c.DatabasePath
	}
	return filepath.Join(c.RootDir, "scraping_progress.db")
}

// ArtifactDir is where the detail stage writes one JSON document per item
func (c *Config) ArtifactDir() string { return filepath.Join(c.RootDir, "artifacts") }

// MediaDir is where normalized media files live
func (c *Config) MediaDir() string { return filepath.Join(c.RootDir, "media") }

// ImportDir holds the import-ready outputs
func (c *Config) ImportDir() string { return filepath.Join(c.RootDir, "import_ready") }

// QAResultsDir holds validation reports
func (c *Config) QAResultsDir() string { return filepath.Join(c.RootDir, "qa_results") }

// LockDir holds the per-stage run locks
func (c *Config) LockDir() string { return filepath.Join(c.RootDir, "locks") }

// SignalPath returns the gate token written when the named stage completes
func (c *Config) SignalPath(stage string) string {
	return filepath.Join(c.RootDir, stage+"_completed.signal")
}

// ValidationURLPrefix returns the URL prefix every artifact must carry
func (c *Config) ValidationURLPrefix() string {
	if c.Validation.URLPrefix != "" {
		return c.Validation.URLPrefix
	}
	return strings.TrimRight(c.Source.BaseURL, "/")
}

// ParseHeaders converts "Name: Value" entries to a map, skipping malformed ones
func (c *Config) ParseHeaders() map[string]string {
	headers := make(map[string]string, len(c.Source.Headers))
	for _, h := range c.Source.Headers {
		name, value, ok := splitHeader(h)
		if !ok {
			continue
		}
		headers[name] = value
	}
	return headers
}

// Keys lists every dotted configuration key, e.g. "source.base_url", in
// declaration order
func Keys() []string {
	return collectKeys(reflect.TypeOf(Config{}), "")
}

func collectKeys(t reflect.Type, prefix string) []string {
	var keys []string
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + tag
		if field.Type.Kind() == reflect.Struct {
			keys = append(keys, collectKeys(field.Type, key+".")...)
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

func validHeaders(headers []string) bool {
	for _, h := range headers {
		if _, _, ok := splitHeader(h); !ok {
			return false
		}
	}
	return true
}

func splitHeader(h string) (string, string, bool) {
	idx := strings.Index(h, ":")
	if idx <= 0 {
		return "", "", false
	}
	name := strings.TrimSpace(h[:idx])
	value := strings.TrimSpace(h[idx+1:])
	if name == "" || value == "" {
		return "", "", false
	}
	return name, value, true
}
