package source

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"
)

// Document is the canonical form every adapter produces.
type Document struct {
	// ID is stable and deterministic within a source. Filesystem ids hash
	// the absolute path; forge ids hash owner/repo/path; wiki ids are the
	// upstream page id; HTTP ids combine endpoint name and slugified title.
	ID string `json:"id"`

	Title   string `json:"title"`
	Content string `json:"content"`

	// SearchableContent is the distilled projection used for index scoring,
	// distinct from the full content shown to callers.
	SearchableContent string `json:"searchable_content"`

	Source       string         `json:"source"`
	SourceType   string         `json:"source_type"`
	URL          string         `json:"url"`
	LastModified time.Time      `json:"last_modified"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// SearchResult is a Document with ranking information attached.
type SearchResult struct {
	Document
	// ConfidenceScore is clamped to [0, 1].
	ConfidenceScore float64 `json:"confidence_score"`
	// MatchReasons explains the match in order of importance.
	MatchReasons []string `json:"match_reasons,omitempty"`
	// RetrievalTimeMS is stamped by the router for the enclosing query.
	RetrievalTimeMS int64 `json:"retrieval_time_ms"`
}

// HashID derives a deterministic document id from its parts, e.g. an
// absolute path or owner/repo/path.
func HashID(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "/")))
	return hex.EncodeToString(h[:])
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases s and collapses runs of non-alphanumerics to hyphens.
func Slugify(s string) string {
	return strings.Trim(slugRe.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

// Clamp bounds a confidence score to [0, 1].
func Clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// CategoriesIntersect reports whether a filter's categories overlap the
// adapter's declared categories. An empty filter matches everything.
func CategoriesIntersect(filter, declared []string) bool {
	if len(filter) == 0 {
		return true
	}
	set := make(map[string]bool, len(declared))
	for _, c := range declared {
		set[strings.ToLower(c)] = true
	}
	for _, c := range filter {
		if set[strings.ToLower(c)] {
			return true
		}
	}
	return false
}

// SortResults stably orders results by descending confidence, breaking
// ties by source priority (lower value first) then id.
func SortResults(results []SearchResult, priority func(sourceName string) int) {
	// Insertion sort keeps the ordering stable without an extra closure
	// allocation per comparison; result sets are small.
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && less(results[j], results[j-1], priority); j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

func less(a, b SearchResult, priority func(string) int) bool {
	if a.ConfidenceScore != b.ConfidenceScore {
		return a.ConfidenceScore > b.ConfidenceScore
	}
	if pa, pb := priority(a.Source), priority(b.Source); pa != pb {
		return pa < pb
	}
	return a.ID < b.ID
}

// ApplyFilters drops results below the confidence threshold or older
// than the max-age window.
func ApplyFilters(results []SearchResult, f Filters) []SearchResult {
	threshold := f.EffectiveThreshold()
	cutoff := time.Time{}
	if f.MaxAgeDays > 0 {
		cutoff = time.Now().AddDate(0, 0, -f.MaxAgeDays)
	}

	out := results[:0]
	for _, r := range results {
		if threshold > 0 && r.ConfidenceScore < threshold {
			continue
		}
		if !cutoff.IsZero() && !r.LastModified.IsZero() && r.LastModified.Before(cutoff) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// SortRunbooks stably orders runbooks by descending confidence, ties
// broken by id.
func SortRunbooks(rbs []Runbook) {
	for i := 1; i < len(rbs); i++ {
		for j := i; j > 0 && runbookLess(rbs[j], rbs[j-1]); j-- {
			rbs[j], rbs[j-1] = rbs[j-1], rbs[j]
		}
	}
}

func runbookLess(a, b Runbook) bool {
	if a.Metadata.ConfidenceScore != b.Metadata.ConfidenceScore {
		return a.Metadata.ConfidenceScore > b.Metadata.ConfidenceScore
	}
	return a.ID < b.ID
}
