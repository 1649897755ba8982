// Package intake turns heterogeneous scraper submissions into ingestion
// calls with bounded automatic retry.
package intake

import (
	"strconv"
	"strings"

	"github.com/hacolby/scout/internal/scout"
)

// Field synonyms, in priority order. Submissions arrive from several
// uncoordinated producers (cron scrapers, browser workers, manual posts)
// with inconsistent shapes, so each logical field accepts many names.
var (
	urlKeys            = []string{"job_url", "url", "link", "job_link", "posting_url", "jobUrl"}
	titleKeys          = []string{"title", "job_title", "name", "position"}
	companyKeys        = []string{"company", "company_name", "employer"}
	companyWebsiteKeys = []string{"company_website", "company_url", "website"}
	careersKeys        = []string{"careers_url", "career_page", "company_careers"}
	applyKeys          = []string{"apply_url", "application_url", "apply_link"}
	htmlKeys           = []string{"html", "raw_html", "page_html", "description_html"}
	textKeys           = []string{"text", "raw_text", "description"}
	sourceKeys         = []string{"source", "site", "origin"}
	dryRunKeys         = []string{"dry_run", "dryrun", "test_mode"}
	metadataKeys       = []string{"metadata", "meta", "extra"}

	// Nested containers consulted (in order) when a field is absent at the
	// top level, e.g. {"job": {"url": ...}}.
	nestedKeys = []string{"job", "posting", "data"}
)

// NormalizeSubmission extracts a Submission from an arbitrary structured
// object. It fails with a ValidationError when no URL-bearing field is
// present under any recognized name.
func NormalizeSubmission(raw map[string]any) (scout.Submission, error) {
	if raw == nil {
		return scout.Submission{}, scout.NewValidationError("missing job url")
	}
	jobURL := lookupString(raw, urlKeys)
	if jobURL == "" {
		return scout.Submission{}, scout.NewValidationError("missing job url")
	}
	sub := scout.Submission{
		JobURL:         jobURL,
		Title:          lookupString(raw, titleKeys),
		Company:        lookupString(raw, companyKeys),
		CompanyWebsite: lookupString(raw, companyWebsiteKeys),
		CareersURL:     lookupString(raw, careersKeys),
		ApplyURL:       lookupString(raw, applyKeys),
		Source:         lookupString(raw, sourceKeys),
		HTML:           lookupString(raw, htmlKeys),
		Text:           lookupString(raw, textKeys),
		DryRun:         lookupBool(raw, dryRunKeys),
		Priority:       lookupInt(raw, "priority"),
		Metadata:       lookupMap(raw, metadataKeys),
	}
	return sub, nil
}

func lookupString(raw map[string]any, keys []string) string {
	for _, key := range keys {
		if s, ok := stringValue(raw[key]); ok && s != "" {
			return s
		}
	}
	for _, nested := range nestedKeys {
		inner, ok := raw[nested].(map[string]any)
		if !ok {
			continue
		}
		for _, key := range keys {
			if s, ok := stringValue(inner[key]); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func lookupBool(raw map[string]any, keys []string) bool {
	for _, key := range keys {
		switch v := raw[key].(type) {
		case bool:
			return v
		case string:
			if parsed, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
				return parsed
			}
		}
	}
	return false
}

func lookupInt(raw map[string]any, key string) int {
	switch v := raw[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		// encoding/json decodes all numbers to float64.
		return int(v)
	case string:
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return parsed
		}
	}
	return 0
}

func lookupMap(raw map[string]any, keys []string) map[string]any {
	for _, key := range keys {
		if m, ok := raw[key].(map[string]any); ok && len(m) > 0 {
			return m
		}
	}
	return nil
}

func stringValue(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(s), true
}
