package crawler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"
)

func init() {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// MockStore is an in-memory Store with the same transition rules as the
// SQLite store
type MockStore struct {
	mu     sync.Mutex
	pages  map[int]PageRecord
	items  map[string]*WorkItem
	order  []string
	meta   map[string]string
	closed bool

	failInsert error
}

var _ Store = (*MockStore)(nil)

func NewMockStore() *MockStore {
	return &MockStore{
		pages: make(map[int]PageRecord),
		items: make(map[string]*WorkItem),
		meta:  make(map[string]string),
	}
}

func (m *MockStore) UpsertPage(ctx context.Context, page PageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.pages[page.PageNumber]
	if ok && existing.Status.Terminal() {
		return ErrPageFinalized
	}
	if ok && page.StartedAt == nil {
		page.StartedAt = existing.StartedAt
	}
	m.pages[page.PageNumber] = page
	return nil
}

func (m *MockStore) GetPage(ctx context.Context, pageNumber int) (*PageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	page, ok := m.pages[pageNumber]
	if !ok {
		return nil, ErrPageNotFound
	}
	return &page, nil
}

func (m *MockStore) InsertWorkItemIfAbsent(ctx context.Context, ref ItemRef) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failInsert != nil {
		return false, m.failInsert
	}
	if _, ok := m.items[ref.ID]; ok {
		return false, nil
	}
	m.items[ref.ID] = &WorkItem{
		ID:            ref.ID,
		Name:          ref.Name,
		URL:           ref.URL,
		Category:      ref.Category,
		DiscoveredAt:  time.Now(),
		DiscoveryPage: ref.Page,
	}
	m.order = append(m.order, ref.ID)
	return true, nil
}

func (m *MockStore) GetWorkItem(ctx context.Context, id string) (*WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	copied := *item
	return &copied, nil
}

func (m *MockStore) ListItemsNeedingProcessing(ctx context.Context) ([]WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var items []WorkItem
	for _, id := range m.order {
		if item := m.items[id]; item.Processing.StartedAt == nil {
			items = append(items, *item)
		}
	}
	return items, nil
}

func (m *MockStore) ListItemsInFlight(ctx context.Context) ([]WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var items []WorkItem
	for _, id := range m.order {
		if item := m.items[id]; item.Processing.StartedAt != nil && item.Processing.CompletedAt == nil {
			items = append(items, *item)
		}
	}
	return items, nil
}

func (m *MockStore) MarkProcessingStarted(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok || item.Processing.StartedAt != nil {
		return false, nil
	}
	now := time.Now()
	item.Processing.StartedAt = &now
	return true, nil
}

func (m *MockStore) MarkProcessingResult(ctx context.Context, id string, success bool, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return ErrItemNotFound
	}
	now := time.Now()
	item.Processing.CompletedAt = &now
	item.Processing.Success = &success
	item.Processing.Error = errMsg
	return nil
}

func (m *MockStore) RecordValidation(ctx context.Context, result ValidationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[result.ItemID]
	if !ok {
		return ErrItemNotFound
	}
	if item.Processing.CompletedAt == nil {
		return ErrNotProcessed
	}
	now := time.Now()
	item.Validation = ValidationState{
		CompletedAt:  &now,
		Valid:        &result.Valid,
		Quality:      &result.Quality,
		Completeness: &result.Completeness,
		Errors:       result.Errors,
		Warnings:     result.Warnings,
	}
	return nil
}

func (m *MockStore) GetMeta(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meta[key], nil
}

func (m *MockStore) SetMeta(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[key] = value
	return nil
}

func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockStore) itemIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := append([]string(nil), m.order...)
	sort.Strings(ids)
	return ids
}

func (m *MockStore) pageStatus(page int) PageStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pages[page].Status
}

// MockExtractor reads <a class="item" href="/item/ID">NAME</a> links on index
// pages and <h1>, <img src> and data-total on detail and index pages
type MockExtractor struct{}

var (
	mockItemLink = regexp.MustCompile(`<a class="item" href="(/item/([^"]+))">([^<]*)</a>`)
	mockTitle    = regexp.MustCompile(`<h1>([^<]*)</h1>`)
	mockImage    = regexp.MustCompile(`<img src="([^"]+)"`)
	mockTotal    = regexp.MustCompile(`data-total="(\d+)"`)
)

func (MockExtractor) ExtractIndex(body []byte, pageURL string) ([]ItemRef, error) {
	var refs []ItemRef
	for _, m := range mockItemLink.FindAllStringSubmatch(string(body), -1) {
		refs = append(refs, ItemRef{ID: m[2], Name: m[3], URL: baseOf(pageURL) + m[1]})
	}
	return refs, nil
}

func (MockExtractor) ExtractDetail(body []byte, itemURL string) (*ItemDetail, error) {
	detail := &ItemDetail{Attributes: make(map[string]any)}
	if m := mockTitle.FindStringSubmatch(string(body)); m != nil {
		detail.Attributes["name"] = m[1]
	}
	for _, m := range mockImage.FindAllStringSubmatch(string(body), -1) {
		detail.MediaURLs = append(detail.MediaURLs, m[1])
	}
	return detail, nil
}

func (MockExtractor) ExtractTotal(body []byte) (int, bool) {
	m := mockTotal.FindStringSubmatch(string(body))
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	return n, err == nil
}

// plainExtractor hides the TotalCounter implementation
type plainExtractor struct{ inner MockExtractor }

func (p plainExtractor) ExtractIndex(body []byte, pageURL string) ([]ItemRef, error) {
	return p.inner.ExtractIndex(body, pageURL)
}

func (p plainExtractor) ExtractDetail(body []byte, itemURL string) (*ItemDetail, error) {
	return p.inner.ExtractDetail(body, itemURL)
}

func baseOf(u string) string {
	if m := regexp.MustCompile(`^https?://[^/]+`).FindString(u); m != "" {
		return m
	}
	return u
}

// MockMedia accepts every reference except those listed in fail
type MockMedia struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls []string
}

func (m *MockMedia) Process(ctx context.Context, itemID string, index int, mediaURL string) (*MediaDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, mediaURL)
	if m.fail[mediaURL] {
		return nil, fmt.Errorf("decode %s: unsupported format", mediaURL)
	}
	name := fmt.Sprintf("%s_%d.jpg", itemID, index)
	return &MediaDescriptor{
		OriginalURL: mediaURL,
		LocalPath:   "media/" + name,
		Filename:    name,
		SizeBytes:   1024,
		ProcessedAt: time.Now().UTC(),
	}, nil
}
