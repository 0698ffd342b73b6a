// Package storage provides the progress store shared by the pipeline stages.
// It implements SQLite-based persistence for index pages, work items and
// run metadata, with the schema managed by goose migrations.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	// SQLite database driver (CGO-free)
	_ "modernc.org/sqlite"

	"github.com/masahif/catalogferry/internal/crawler"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// goose keeps its base FS and dialect in package globals
var gooseMu sync.Mutex

// Fixed-width UTC layout so stored timestamps compare correctly as text
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Per-connection pragmas applied through the DSN so every pooled
// connection carries them.
var dsnPragmas = []string{
	"busy_timeout(30000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(ON)",
	"temp_store(MEMORY)",
}

// ErrStoreMissing is returned when a downstream stage finds no progress store
var ErrStoreMissing = errors.New("progress store not found")

// ErrMigrationAborted is returned when goose gives up on a migration
var ErrMigrationAborted = errors.New("migration aborted")

// SQLiteStorage implements crawler.Store using SQLite
type SQLiteStorage struct {
	db   *sql.DB
	path string
}

var _ crawler.Store = (*SQLiteStorage)(nil)

// NewSQLiteStorage creates or opens the store at dbPath and migrates it
func NewSQLiteStorage(ctx context.Context, dbPath string) (*SQLiteStorage, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	return openStore(ctx, dbPath)
}

// OpenExisting opens a store that an upstream stage already created
func OpenExisting(ctx context.Context, dbPath string) (*SQLiteStorage, error) {
	if _, err := os.Stat(dbPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrStoreMissing, dbPath)
		}
		return nil, fmt.Errorf("failed to stat database: %w", err)
	}
	return openStore(ctx, dbPath)
}

func openStore(ctx context.Context, dbPath string) (*SQLiteStorage, error) {
	dsn := dbPath + "?_pragma=" + strings.Join(dsnPragmas, "&_pragma=")
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStorage{db: db, path: dbPath}
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// Single connection prevents lock conflicts between workers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return s, nil
}

// Init applies pending migrations; already-applied versions are skipped
func (s *SQLiteStorage) Init(ctx context.Context) (err error) {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()
	defer recoverMigration(&err)

	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)
	goose.SetLogger(gooseLogger{})

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(s.db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Path returns the database file location
func (s *SQLiteStorage) Path() string {
	return s.path
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// UpsertPage inserts or updates a page record. Pages already completed or
// failed are left untouched and ErrPageFinalized is returned.
func (s *SQLiteStorage) UpsertPage(ctx context.Context, page crawler.PageRecord) error {
	if page.Status == "" {
		page.Status = crawler.PageStatusPending
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pages (page_number, items_found, status, started_at, completed_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(page_number) DO UPDATE SET
			items_found = excluded.items_found,
			status = excluded.status,
			started_at = COALESCE(excluded.started_at, pages.started_at),
			completed_at = excluded.completed_at,
			error_message = excluded.error_message
		WHERE pages.status NOT IN ('completed', 'failed')
	`,
		page.PageNumber,
		page.ItemsFound,
		string(page.Status),
		formatTime(page.StartedAt),
		formatTime(page.CompletedAt),
		nullableString(page.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert page %d: %w", page.PageNumber, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to upsert page %d: %w", page.PageNumber, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: page %d", crawler.ErrPageFinalized, page.PageNumber)
	}
	return nil
}

// GetPage returns one page record
func (s *SQLiteStorage) GetPage(ctx context.Context, pageNumber int) (*crawler.PageRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT page_number, items_found, status, started_at, completed_at, error_message
		FROM pages WHERE page_number = ?
	`, pageNumber)

	page, err := scanPage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", crawler.ErrPageNotFound, pageNumber)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get page %d: %w", pageNumber, err)
	}
	return page, nil
}

// ListPages returns every page record ordered by page number
func (s *SQLiteStorage) ListPages(ctx context.Context) ([]crawler.PageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT page_number, items_found, status, started_at, completed_at, error_message
		FROM pages ORDER BY page_number
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pages: %w", err)
	}
	defer rows.Close()

	var pages []crawler.PageRecord
	for rows.Next() {
		page, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan page: %w", err)
		}
		pages = append(pages, *page)
	}
	return pages, rows.Err()
}

// InsertWorkItemIfAbsent adds a work item unless its id is already known.
// It reports whether a new row was created.
func (s *SQLiteStorage) InsertWorkItemIfAbsent(ctx context.Context, ref crawler.ItemRef) (bool, error) {
	if ref.ID == "" {
		return false, errors.New("work item id cannot be empty")
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO work_items (item_id, name, url, category, discovered_at, discovery_page)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(item_id) DO NOTHING
	`,
		ref.ID,
		ref.Name,
		ref.URL,
		nullableString(ref.Category),
		time.Now().UTC().Format(timeLayout),
		nullableInt(ref.Page),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert work item %s: %w", ref.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to insert work item %s: %w", ref.ID, err)
	}
	return n == 1, nil
}

const workItemColumns = `
	item_id, name, url, category, discovered_at, discovery_page,
	processing_started_at, processing_completed_at, processing_success, processing_error,
	validation_completed_at, validation_valid, quality_score, completeness_score, validation_issues
`

// GetWorkItem returns one work item
func (s *SQLiteStorage) GetWorkItem(ctx context.Context, id string) (*crawler.WorkItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE item_id = ?`, id)

	item, err := scanWorkItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", crawler.ErrItemNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get work item %s: %w", id, err)
	}
	return item, nil
}

// ListItemsNeedingProcessing returns items the detail stage has never
// started, in insertion order
func (s *SQLiteStorage) ListItemsNeedingProcessing(ctx context.Context) ([]crawler.WorkItem, error) {
	return s.listWorkItems(ctx, `SELECT `+workItemColumns+`
		FROM work_items WHERE processing_started_at IS NULL ORDER BY seq`)
}

// ListItemsInFlight returns items claimed by the detail stage that never
// recorded an outcome, in insertion order
func (s *SQLiteStorage) ListItemsInFlight(ctx context.Context) ([]crawler.WorkItem, error) {
	return s.listWorkItems(ctx, `SELECT `+workItemColumns+`
		FROM work_items
		WHERE processing_started_at IS NOT NULL AND processing_completed_at IS NULL
		ORDER BY seq`)
}

// ListWorkItems returns every work item in insertion order
func (s *SQLiteStorage) ListWorkItems(ctx context.Context) ([]crawler.WorkItem, error) {
	return s.listWorkItems(ctx, `SELECT `+workItemColumns+` FROM work_items ORDER BY seq`)
}

func (s *SQLiteStorage) listWorkItems(ctx context.Context, query string, args ...any) ([]crawler.WorkItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list work items: %w", err)
	}
	defer rows.Close()

	var items []crawler.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan work item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// MarkProcessingStarted claims an unstarted item for the calling worker.
// It reports false when the item was already claimed by an earlier run.
func (s *SQLiteStorage) MarkProcessingStarted(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items SET
			processing_started_at = ?,
			processing_completed_at = NULL,
			processing_success = NULL,
			processing_error = NULL
		WHERE item_id = ? AND processing_started_at IS NULL
	`, time.Now().UTC().Format(timeLayout), id)
	if err != nil {
		return false, fmt.Errorf("failed to mark processing started for %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to mark processing started for %s: %w", id, err)
	}
	return n == 1, nil
}

// MarkProcessingResult records the terminal outcome of processing an item
func (s *SQLiteStorage) MarkProcessingResult(ctx context.Context, id string, success bool, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items SET
			processing_completed_at = ?,
			processing_success = ?,
			processing_error = ?
		WHERE item_id = ?
	`, time.Now().UTC().Format(timeLayout), boolToInt(success), nullableString(errMsg), id)
	if err != nil {
		return fmt.Errorf("failed to mark processing result for %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark processing result for %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", crawler.ErrItemNotFound, id)
	}
	return nil
}

type validationIssues struct {
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// RecordValidation stores a validation outcome. Items that never finished
// processing are rejected with ErrNotProcessed.
func (s *SQLiteStorage) RecordValidation(ctx context.Context, result crawler.ValidationResult) error {
	issues := validationIssues{Errors: result.Errors, Warnings: result.Warnings}
	if issues.Errors == nil {
		issues.Errors = []string{}
	}
	if issues.Warnings == nil {
		issues.Warnings = []string{}
	}
	issuesJSON, err := json.Marshal(issues)
	if err != nil {
		return fmt.Errorf("failed to marshal validation issues: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items SET
			validation_completed_at = ?,
			validation_valid = ?,
			quality_score = ?,
			completeness_score = ?,
			validation_issues = ?
		WHERE item_id = ? AND processing_completed_at IS NOT NULL
	`,
		time.Now().UTC().Format(timeLayout),
		boolToInt(result.Valid),
		result.Quality,
		result.Completeness,
		string(issuesJSON),
		result.ItemID,
	)
	if err != nil {
		return fmt.Errorf("failed to record validation for %s: %w", result.ItemID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to record validation for %s: %w", result.ItemID, err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM work_items WHERE item_id = ?`, result.ItemID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", crawler.ErrItemNotFound, result.ItemID)
	}
	if err != nil {
		return fmt.Errorf("failed to record validation for %s: %w", result.ItemID, err)
	}
	return fmt.Errorf("%w: %s", crawler.ErrNotProcessed, result.ItemID)
}

// ResetPages returns pages in the given states to pending so the next
// discovery run fetches them again
func (s *SQLiteStorage) ResetPages(ctx context.Context, statuses ...crawler.PageStatus) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE pages SET
			status = 'pending',
			items_found = 0,
			started_at = NULL,
			completed_at = NULL,
			error_message = NULL
		WHERE status IN (`+strings.Join(placeholders, ", ")+`)
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to reset pages: %w", err)
	}
	return res.RowsAffected()
}

// ResetFailedItems clears processing and validation state of items whose
// processing failed so the next detail run picks them up
func (s *SQLiteStorage) ResetFailedItems(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items SET
			processing_started_at = NULL,
			processing_completed_at = NULL,
			processing_success = NULL,
			processing_error = NULL,
			validation_completed_at = NULL,
			validation_valid = NULL,
			quality_score = NULL,
			completeness_score = NULL,
			validation_issues = NULL
		WHERE processing_success = 0
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed items: %w", err)
	}
	return res.RowsAffected()
}

// ResetStaleProcessing releases items that were claimed but never reached a
// terminal state, typically after a crashed run
func (s *SQLiteStorage) ResetStaleProcessing(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC().Format(timeLayout)

	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items SET processing_started_at = NULL
		WHERE processing_started_at IS NOT NULL
		AND processing_completed_at IS NULL
		AND processing_started_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup stale processing: %w", err)
	}
	return res.RowsAffected()
}

// Stats summarizes the store for status reporting
type Stats struct {
	Pages          map[crawler.PageStatus]int
	PagesTotal     int
	ItemsTotal     int
	ItemsPending   int // never started
	ItemsInFlight  int // started, no outcome yet
	ItemsSucceeded int
	ItemsFailed    int
	ItemsValidated int
	ItemsValid     int
	AvgQuality     float64
}

// Stats returns page and item counts by state
func (s *SQLiteStorage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Pages: make(map[crawler.PageStatus]int)}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM pages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count pages: %w", err)
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan page counts: %w", err)
		}
		stats.Pages[crawler.PageStatus(status)] = count
		stats.PagesTotal += count
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	var avgQuality sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN processing_started_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN processing_started_at IS NOT NULL AND processing_completed_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN processing_success = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN processing_success = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN validation_completed_at IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN validation_valid = 1 THEN 1 ELSE 0 END), 0),
			AVG(quality_score)
		FROM work_items
	`).Scan(
		&stats.ItemsTotal,
		&stats.ItemsPending,
		&stats.ItemsInFlight,
		&stats.ItemsSucceeded,
		&stats.ItemsFailed,
		&stats.ItemsValidated,
		&stats.ItemsValid,
		&avgQuality,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count work items: %w", err)
	}
	if avgQuality.Valid {
		stats.AvgQuality = avgQuality.Float64
	}

	return stats, nil
}

// GetMeta retrieves a metadata value; unknown keys return ""
func (s *SQLiteStorage) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM run_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get meta: %w", err)
	}
	return value, nil
}

// SetMeta stores a metadata value
func (s *SQLiteStorage) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set meta: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPage(row scanner) (*crawler.PageRecord, error) {
	var (
		page                   crawler.PageRecord
		status                 string
		startedAt, completedAt sql.NullString
		errMsg                 sql.NullString
	)
	if err := row.Scan(&page.PageNumber, &page.ItemsFound, &status, &startedAt, &completedAt, &errMsg); err != nil {
		return nil, err
	}
	page.Status = crawler.PageStatus(status)
	page.StartedAt = parseTime(startedAt)
	page.CompletedAt = parseTime(completedAt)
	page.ErrorMessage = errMsg.String
	return &page, nil
}

func scanWorkItem(row scanner) (*crawler.WorkItem, error) {
	var (
		item                       crawler.WorkItem
		category                   sql.NullString
		discoveredAt               string
		discoveryPage              sql.NullInt64
		procStarted, procCompleted sql.NullString
		procSuccess                sql.NullInt64
		procError                  sql.NullString
		valCompleted               sql.NullString
		valValid                   sql.NullInt64
		quality, completeness      sql.NullFloat64
		issuesJSON                 sql.NullString
	)

	err := row.Scan(
		&item.ID, &item.Name, &item.URL, &category, &discoveredAt, &discoveryPage,
		&procStarted, &procCompleted, &procSuccess, &procError,
		&valCompleted, &valValid, &quality, &completeness, &issuesJSON,
	)
	if err != nil {
		return nil, err
	}

	item.Category = category.String
	if t := parseTime(sql.NullString{String: discoveredAt, Valid: true}); t != nil {
		item.DiscoveredAt = *t
	}
	item.DiscoveryPage = int(discoveryPage.Int64)

	item.Processing.StartedAt = parseTime(procStarted)
	item.Processing.CompletedAt = parseTime(procCompleted)
	item.Processing.Success = nullBool(procSuccess)
	item.Processing.Error = procError.String

	item.Validation.CompletedAt = parseTime(valCompleted)
	item.Validation.Valid = nullBool(valValid)
	if quality.Valid {
		q := quality.Float64
		item.Validation.Quality = &q
	}
	if completeness.Valid {
		c := completeness.Float64
		item.Validation.Completeness = &c
	}
	if issuesJSON.Valid && issuesJSON.String != "" {
		var issues validationIssues
		if err := json.Unmarshal([]byte(issuesJSON.String), &issues); err != nil {
			return nil, fmt.Errorf("decode validation issues for %s: %w", item.ID, err)
		}
		item.Validation.Errors = issues.Errors
		item.Validation.Warnings = issues.Warnings
	}

	return &item, nil
}

func formatTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(value sql.NullString) *time.Time {
	if !value.Valid || value.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, value.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableInt(value int) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullBool(value sql.NullInt64) *bool {
	if !value.Valid {
		return nil
	}
	b := value.Int64 != 0
	return &b
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// gooseLogger routes migration output through slog
type gooseLogger struct{}

// migrationAbort carries a goose Fatal message up to Init
type migrationAbort struct{ msg string }

// Fatal unwinds to Init instead of exiting so callers still release the
// store, stage lock and log file
func (gooseLogger) Fatal(v ...any) {
	msg := fmt.Sprint(v...)
	slog.Error("migration failed", "error", msg)
	panic(migrationAbort{msg: msg})
}

func (gooseLogger) Fatalf(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	slog.Error("migration failed", "error", msg)
	panic(migrationAbort{msg: msg})
}

// recoverMigration turns a migrationAbort panic into an error
func recoverMigration(err *error) {
	r := recover()
	if r == nil {
		return
	}
	abort, ok := r.(migrationAbort)
	if !ok {
		panic(r)
	}
	*err = fmt.Errorf("%w: %s", ErrMigrationAborted, strings.TrimSpace(abort.msg))
}

func (gooseLogger) Print(v ...any) {
	slog.Debug(strings.TrimSpace(fmt.Sprint(v...)), "component", "migrations")
}

func (gooseLogger) Println(v ...any) {
	slog.Debug(strings.TrimSpace(fmt.Sprintln(v...)), "component", "migrations")
}

func (gooseLogger) Printf(format string, v ...any) {
	slog.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "migrations")
}
