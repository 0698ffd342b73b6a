// Package qa implements the validation stage: artifact rules and scoring,
// import file generation, the destination compatibility probe and the
// validation report.
package qa

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/masahif/catalogferry/internal/config"
	"github.com/masahif/catalogferry/internal/crawler"
)

// Messages shared by every item so the report can rank them
const (
	msgEmptyName  = "Name is empty"
	msgInvalidURL = "Invalid item URL format"
)

// Validator applies the field and media rules to artifacts
type Validator struct {
	rules     config.ValidationConfig
	urlPrefix string
	fields    []string

	// stat is os.Stat, replaceable in tests
	stat func(name string) (os.FileInfo, error)
}

// NewValidator creates a validator. An empty urlPrefix disables the URL rule.
func NewValidator(rules config.ValidationConfig, urlPrefix string) *Validator {
	seen := make(map[string]bool)
	var fields []string
	for _, f := range append(append([]string{}, rules.RequiredFields...), rules.RecommendedFields...) {
		if !seen[f] {
			seen[f] = true
			fields = append(fields, f)
		}
	}

	return &Validator{
		rules:     rules,
		urlPrefix: urlPrefix,
		fields:    fields,
		stat:      os.Stat,
	}
}

// Validate checks one artifact. It never fails; every problem becomes an
// error or a warning on the result.
func (v *Validator) Validate(a *crawler.Artifact) crawler.ValidationResult {
	attrs := a.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}

	errs := []string{}
	warnings := []string{}

	if missing := missingFields(attrs, v.rules.RequiredFields); len(missing) > 0 {
		errs = append(errs, "Missing required fields: "+strings.Join(missing, ", "))
	}
	if missing := missingFields(attrs, v.rules.RecommendedFields); len(missing) > 0 {
		warnings = append(warnings, "Missing recommended fields: "+strings.Join(missing, ", "))
	}

	if isPresent(attrs, "name") {
		name := textValue(attrs, "name")
		switch n := utf8.RuneCountInString(name); {
		case strings.TrimSpace(name) == "":
			errs = append(errs, msgEmptyName)
		case v.rules.MaxNameLength > 0 && n > v.rules.MaxNameLength:
			warnings = append(warnings, fmt.Sprintf("Name too long (%d > %d)", n, v.rules.MaxNameLength))
		}
	}

	if desc := textValue(attrs, "description"); v.rules.MaxDescriptionLength > 0 {
		if n := utf8.RuneCountInString(desc); n > v.rules.MaxDescriptionLength {
			warnings = append(warnings, fmt.Sprintf("Description too long (%d > %d)", n, v.rules.MaxDescriptionLength))
		}
	}

	if isPresent(attrs, "url") && v.urlPrefix != "" {
		if !strings.HasPrefix(textValue(attrs, "url"), v.urlPrefix) {
			errs = append(errs, msgInvalidURL)
		}
	}

	warnings = append(warnings, v.mediaWarnings(a.Media)...)

	id := a.ID
	if id == "" {
		id = textValue(attrs, "id")
	}

	return crawler.ValidationResult{
		ItemID:       id,
		Valid:        len(errs) == 0,
		Errors:       errs,
		Warnings:     warnings,
		Completeness: Completeness(attrs, v.fields, len(a.Media)),
		Quality:      Quality(attrs, len(errs), len(warnings), v.rules.RichDescriptionLength),
	}
}

func (v *Validator) mediaWarnings(media []crawler.MediaDescriptor) []string {
	var warnings []string
	for _, m := range media {
		info, err := v.stat(m.LocalPath)
		switch {
		case err != nil:
			warnings = append(warnings, "Media file not found: "+m.LocalPath)
		case info.Size() == 0:
			warnings = append(warnings, "Empty media file: "+m.LocalPath)
		case v.rules.MaxMediaBytes > 0 && info.Size() > v.rules.MaxMediaBytes:
			warnings = append(warnings, fmt.Sprintf("Large media file (%d bytes): %s", info.Size(), m.LocalPath))
		}
	}
	return warnings
}

// missingFields returns the absent fields, sorted
func missingFields(attrs map[string]any, fields []string) []string {
	var missing []string
	for _, f := range fields {
		if !isPresent(attrs, f) {
			missing = append(missing, f)
		}
	}
	sort.Strings(missing)
	return missing
}

// isPresent reports whether the key exists with a non-nil value
func isPresent(attrs map[string]any, key string) bool {
	v, ok := attrs[key]
	return ok && v != nil
}

// textValue returns a string attribute, or its printed form for other
// scalar values
func textValue(attrs map[string]any, key string) string {
	switch v := attrs[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
