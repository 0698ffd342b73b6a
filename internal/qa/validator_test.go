package qa

import (
	"io/fs"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/masahif/catalogferry/internal/config"
	"github.com/masahif/catalogferry/internal/crawler"
)

const testURLPrefix = "https://library.example.com/item/"

type fakeInfo struct {
	size int64
}

func (f fakeInfo) Name() string       { return "file" }
func (f fakeInfo) Size() int64        { return f.size }
func (f fakeInfo) Mode() fs.FileMode  { return 0o644 }
func (f fakeInfo) ModTime() time.Time { return time.Time{} }
func (f fakeInfo) IsDir() bool        { return false }
func (f fakeInfo) Sys() any           { return nil }

func testRules() config.ValidationConfig {
	return config.DefaultConfig().Validation
}

func newTestValidator(sizes map[string]int64) *Validator {
	v := NewValidator(testRules(), testURLPrefix)
	v.stat = func(name string) (os.FileInfo, error) {
		size, ok := sizes[name]
		if !ok {
			return nil, os.ErrNotExist
		}
		return fakeInfo{size: size}, nil
	}
	return v
}

func TestValidateRequiredOnly(t *testing.T) {
	v := newTestValidator(nil)
	a := &crawler.Artifact{
		ID:         "42",
		Attributes: map[string]any{"id": "42", "name": "Claw Hammer", "url": testURLPrefix + "42"},
	}

	got := v.Validate(a)

	if !got.Valid {
		t.Errorf("Valid = false, errors: %v", got.Errors)
	}
	if got.ItemID != "42" {
		t.Errorf("ItemID = %q", got.ItemID)
	}
	if len(got.Errors) != 0 {
		t.Errorf("Errors = %v", got.Errors)
	}
	want := []string{"Missing recommended fields: brand, category, description, image_urls, model"}
	if !reflect.DeepEqual(got.Warnings, want) {
		t.Errorf("Warnings = %v, want %v", got.Warnings, want)
	}
	if got.Completeness != 30 {
		t.Errorf("Completeness = %v, want 30", got.Completeness)
	}
	if got.Quality != 95 {
		t.Errorf("Quality = %v, want 95", got.Quality)
	}
}

func TestValidateRules(t *testing.T) {
	full := func(overrides map[string]any) map[string]any {
		attrs := map[string]any{
			"id": "7", "name": "Drill", "url": testURLPrefix + "7",
			"brand": "Acme", "model": "D1", "description": "Cordless", "category": "Power Tools",
			"image_urls": []any{"http://img/a.jpg"},
		}
		for k, v := range overrides {
			if v == nil {
				delete(attrs, k)
				continue
			}
			attrs[k] = v
		}
		return attrs
	}

	tests := []struct {
		name     string
		attrs    map[string]any
		valid    bool
		errors   []string
		warnings []string
	}{
		{
			name:     "complete",
			attrs:    full(nil),
			valid:    true,
			errors:   []string{},
			warnings: []string{},
		},
		{
			name:     "missing required",
			attrs:    full(map[string]any{"url": nil, "name": nil}),
			valid:    false,
			errors:   []string{"Missing required fields: name, url"},
			warnings: []string{},
		},
		{
			name:     "blank name",
			attrs:    full(map[string]any{"name": "   "}),
			valid:    false,
			errors:   []string{"Name is empty"},
			warnings: []string{},
		},
		{
			name:     "long name",
			attrs:    full(map[string]any{"name": strings.Repeat("n", 201)}),
			valid:    true,
			errors:   []string{},
			warnings: []string{"Name too long (201 > 200)"},
		},
		{
			name:     "long description",
			attrs:    full(map[string]any{"description": strings.Repeat("é", 2001)}),
			valid:    true,
			errors:   []string{},
			warnings: []string{"Description too long (2001 > 2000)"},
		},
		{
			name:     "foreign url",
			attrs:    full(map[string]any{"url": "https://elsewhere.example.org/7"}),
			valid:    false,
			errors:   []string{"Invalid item URL format"},
			warnings: []string{},
		},
	}

	v := newTestValidator(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := v.Validate(&crawler.Artifact{ID: "7", Attributes: tt.attrs})
			if got.Valid != tt.valid {
				t.Errorf("Valid = %v, want %v", got.Valid, tt.valid)
			}
			if !reflect.DeepEqual(got.Errors, tt.errors) {
				t.Errorf("Errors = %v, want %v", got.Errors, tt.errors)
			}
			if !reflect.DeepEqual(got.Warnings, tt.warnings) {
				t.Errorf("Warnings = %v, want %v", got.Warnings, tt.warnings)
			}
		})
	}
}

func TestValidateMedia(t *testing.T) {
	v := newTestValidator(map[string]int64{
		"/m/ok.jpg":    2048,
		"/m/empty.jpg": 0,
		"/m/huge.jpg":  6 * 1024 * 1024,
	})
	a := &crawler.Artifact{
		ID:         "9",
		Attributes: map[string]any{"id": "9", "name": "Rake", "url": testURLPrefix + "9"},
		Media: []crawler.MediaDescriptor{
			{LocalPath: "/m/ok.jpg"},
			{LocalPath: "/m/empty.jpg"},
			{LocalPath: "/m/huge.jpg"},
			{LocalPath: "/m/gone.jpg"},
		},
	}

	got := v.Validate(a)

	want := []string{
		"Missing recommended fields: brand, category, description, image_urls, model",
		"Empty media file: /m/empty.jpg",
		"Large media file (6291456 bytes): /m/huge.jpg",
		"Media file not found: /m/gone.jpg",
	}
	if !reflect.DeepEqual(got.Warnings, want) {
		t.Errorf("Warnings = %v, want %v", got.Warnings, want)
	}
	if !got.Valid {
		t.Error("media problems must not invalidate an item")
	}
	// 3/8 fields plus the media bonus
	if got.Completeness != 40 {
		t.Errorf("Completeness = %v, want 40", got.Completeness)
	}
	if got.Quality != 80 {
		t.Errorf("Quality = %v, want 80", got.Quality)
	}
}

func TestValidateWithoutURLPrefix(t *testing.T) {
	v := NewValidator(testRules(), "")
	got := v.Validate(&crawler.Artifact{
		Attributes: map[string]any{"id": "3", "name": "Level", "url": "anything"},
	})
	if !got.Valid {
		t.Errorf("Errors = %v", got.Errors)
	}
	if got.ItemID != "3" {
		t.Errorf("ItemID = %q, want id attribute", got.ItemID)
	}
}

func TestValidateNilAttributes(t *testing.T) {
	got := newTestValidator(nil).Validate(&crawler.Artifact{ID: "x"})
	if got.Valid {
		t.Error("expected invalid result")
	}
	if got.Errors[0] != "Missing required fields: id, name, url" {
		t.Errorf("Errors = %v", got.Errors)
	}
	// 100 - 15 - 5
	if got.Quality != 80 {
		t.Errorf("Quality = %v, want 80", got.Quality)
	}
}
