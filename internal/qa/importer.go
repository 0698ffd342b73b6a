package qa

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/masahif/catalogferry/internal/config"
	"github.com/masahif/catalogferry/internal/crawler"
	"github.com/masahif/catalogferry/internal/fileutil"
)

// Import file names inside the import directory
const (
	SQLFileName      = "import.sql"
	JSONFileName     = "import.json"
	MappingFileName  = "category_mapping.json"
	MediaDirName     = "media"
	FormatVersion    = "1.0"
	defaultCategory  = "Default"
	mediaURLPrefix   = "/media/"
	sqlTimestampExpr = "datetime('now')"
)

// Record is one item shaped for the destination system
type Record struct {
	SourceID       string         `json:"sourceId"`
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	Brand          string         `json:"brand"`
	Model          string         `json:"model"`
	Category       string         `json:"category,omitempty"`
	CategoryID     int            `json:"categoryId"`
	Condition      string         `json:"condition"`
	Status         string         `json:"status"`
	ImageURL       string         `json:"imageUrl"`
	Instructions   string         `json:"instructions"`
	Specifications map[string]any `json:"specifications"`
	SourceURL      string         `json:"sourceUrl"`
	ImportedAt     time.Time      `json:"importedAt"`
	SourceSystem   string         `json:"sourceSystem"`
}

// ImportMetadata heads the import document
type ImportMetadata struct {
	Source        string    `json:"source"`
	GeneratedAt   time.Time `json:"generated_at"`
	TotalRecords  int       `json:"total_records"`
	FormatVersion string    `json:"format_version"`
}

// ImportDocument is the structured import file
type ImportDocument struct {
	Metadata ImportMetadata `json:"metadata"`
	Records  []Record       `json:"records"`
}

// CategoryRef is one entry of the recommended category mapping
type CategoryRef struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// CategoryMapping is the category mapping file
type CategoryMapping struct {
	CategoriesFound    []string               `json:"categories_found"`
	RecommendedMapping map[string]CategoryRef `json:"recommended_mapping"`
}

// ImportSummary describes what Generate wrote
type ImportSummary struct {
	Records      int    `json:"records"`
	SQLPath      string `json:"sql_path"`
	JSONPath     string `json:"json_path"`
	MappingPath  string `json:"mapping_path"`
	MediaDir     string `json:"media_dir"`
	MediaCopied  int    `json:"media_copied"`
	MediaMissing int    `json:"media_missing"`
}

// Importer writes the import-ready bundle
type Importer struct {
	cfg config.ImportConfig
	dir string
	now func() time.Time
}

// NewImporter creates an importer writing into dir
func NewImporter(cfg config.ImportConfig, dir string) *Importer {
	return &Importer{cfg: cfg, dir: dir, now: time.Now}
}

// CategoryID maps a source category name to a destination id. Names match
// case-insensitively since config files arrive with lowercased map keys.
func (im *Importer) CategoryID(category string) int {
	if id, ok := im.cfg.CategoryIDs[category]; ok {
		return id
	}
	for name, id := range im.cfg.CategoryIDs {
		if strings.EqualFold(name, category) {
			return id
		}
	}
	return im.cfg.DefaultCategoryID
}

// FormatRecord shapes one artifact for the destination
func (im *Importer) FormatRecord(a *crawler.Artifact) Record {
	attrs := a.Attributes
	description := textValue(attrs, "description")
	category := textValue(attrs, "category")

	rec := Record{
		SourceID:       a.ID,
		Name:           textValue(attrs, "name"),
		Description:    description,
		Brand:          textValue(attrs, "brand"),
		Model:          textValue(attrs, "model"),
		Category:       category,
		CategoryID:     im.CategoryID(category),
		Condition:      im.cfg.DefaultCondition,
		Status:         im.cfg.DefaultStatus,
		Instructions:   description,
		Specifications: map[string]any{},
		SourceURL:      textValue(attrs, "url"),
		ImportedAt:     im.now().UTC(),
		SourceSystem:   im.cfg.SourceSystem,
	}
	if specs, ok := attrs["specifications"].(map[string]any); ok {
		rec.Specifications = specs
	}
	if len(a.Media) > 0 {
		rec.ImageURL = mediaURLPrefix + a.Media[0].Filename
	}
	return rec
}

// Generate writes the SQL script, the import document and the media copies
// for the valid artifacts, and the category mapping for all of them.
func (im *Importer) Generate(valid, all []*crawler.Artifact) (*ImportSummary, error) {
	sorted := append([]*crawler.Artifact(nil), valid...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	records := make([]Record, 0, len(sorted))
	for _, a := range sorted {
		records = append(records, im.FormatRecord(a))
	}

	summary := &ImportSummary{
		Records:     len(records),
		SQLPath:     filepath.Join(im.dir, SQLFileName),
		JSONPath:    filepath.Join(im.dir, JSONFileName),
		MappingPath: filepath.Join(im.dir, MappingFileName),
		MediaDir:    filepath.Join(im.dir, MediaDirName),
	}

	generatedAt := im.now().UTC()

	if err := fileutil.WriteFileAtomic(summary.SQLPath, []byte(im.SQL(records, generatedAt)), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write import script: %w", err)
	}

	doc := ImportDocument{
		Metadata: ImportMetadata{
			Source:        im.cfg.SourceLabel,
			GeneratedAt:   generatedAt,
			TotalRecords:  len(records),
			FormatVersion: FormatVersion,
		},
		Records: records,
	}
	if err := fileutil.WriteJSON(summary.JSONPath, doc); err != nil {
		return nil, fmt.Errorf("failed to write import document: %w", err)
	}

	if err := fileutil.WriteJSON(summary.MappingPath, im.CategoryMapping(all)); err != nil {
		return nil, fmt.Errorf("failed to write category mapping: %w", err)
	}

	copied, missing, err := im.copyMedia(sorted, summary.MediaDir)
	if err != nil {
		return nil, err
	}
	summary.MediaCopied = copied
	summary.MediaMissing = missing

	slog.Info("Import files generated",
		"records", summary.Records,
		"media_copied", copied,
		"media_missing", missing,
		"dir", im.dir,
	)
	return summary, nil
}

// SQL renders the transactional import script
func (im *Importer) SQL(records []Record, generatedAt time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "-- %s\n", im.cfg.SourceLabel)
	fmt.Fprintf(&b, "-- Generated: %s\n", generatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "-- Total records: %d\n\n", len(records))
	b.WriteString("BEGIN TRANSACTION;\n")

	table := quoteIdent(im.cfg.TableName)
	for _, r := range records {
		fmt.Fprintf(&b, `
INSERT INTO %s (
    "name", "description", "brand", "model", "categoryId",
    "condition", "status", "imageUrl", "instructions",
    "createdAt", "updatedAt"
) VALUES (
    %s,
    %s,
    %s,
    %s,
    %d,
    %s,
    %s,
    %s,
    %s,
    %s,
    %s
);
`, table,
			quoteLiteral(r.Name),
			quoteLiteral(r.Description),
			quoteLiteral(r.Brand),
			quoteLiteral(r.Model),
			r.CategoryID,
			quoteLiteral(r.Condition),
			quoteLiteral(r.Status),
			quoteLiteral(r.ImageURL),
			quoteLiteral(r.Instructions),
			sqlTimestampExpr,
			sqlTimestampExpr,
		)
	}

	b.WriteString("\nCOMMIT;\n")
	return b.String()
}

// CategoryMapping lists the categories seen in the artifacts next to the
// configured destination ids
func (im *Importer) CategoryMapping(artifacts []*crawler.Artifact) CategoryMapping {
	seen := make(map[string]bool)
	found := []string{}
	for _, a := range artifacts {
		if c := textValue(a.Attributes, "category"); c != "" && !seen[c] {
			seen[c] = true
			found = append(found, c)
		}
	}
	sort.Strings(found)

	mapping := make(map[string]CategoryRef, len(im.cfg.CategoryIDs)+1)
	defaultName := defaultCategory
	var names []string
	for name := range im.cfg.CategoryIDs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		id := im.cfg.CategoryIDs[name]
		mapping[name] = CategoryRef{ID: id, Name: name}
		if id == im.cfg.DefaultCategoryID && defaultName == defaultCategory {
			defaultName = name
		}
	}
	mapping[defaultCategory] = CategoryRef{ID: im.cfg.DefaultCategoryID, Name: defaultName}

	return CategoryMapping{CategoriesFound: found, RecommendedMapping: mapping}
}

func (im *Importer) copyMedia(artifacts []*crawler.Artifact, dir string) (copied, missing int, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, 0, fmt.Errorf("failed to create import media directory: %w", err)
	}

	for _, a := range artifacts {
		for _, m := range a.Media {
			dst := filepath.Join(dir, m.Filename)
			err := fileutil.CopyFile(m.LocalPath, dst)
			if errors.Is(err, os.ErrNotExist) {
				slog.Warn("Media file missing, not copied", "item_id", a.ID, "path", m.LocalPath)
				missing++
				continue
			}
			if err != nil {
				return copied, missing, fmt.Errorf("failed to copy media for item %s: %w", a.ID, err)
			}
			copied++
		}
	}
	return copied, missing, nil
}

// quoteLiteral renders s as a SQL string literal, doubling single quotes
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
