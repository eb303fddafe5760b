// Package runbook detects runbook-likely documents, extracts or
// synthesizes canonical runbooks from them, and scores both documents
// and runbooks against the incident at hand.
package runbook

import (
	"strings"
	"time"

	"github.com/joestump/runbookd/internal/index"
	"github.com/joestump/runbookd/internal/source"
)

// baseConfidence is the floor every scored candidate starts from.
const baseConfidence = 0.3

var pathIndicators = []string{"readme", "docs", "ops", "runbook"}

var sourceIndicators = []string{"ops", "docs", "runbook"}

// Confidence scores a document against a free-text query. The breakdown:
// base 0.3, title up to +0.35, content up to +0.30, path signals up to
// +0.15, format up to +0.10, source name up to +0.10, and (when
// withRecency is set, for wiki-like sources) recency up to +0.15. The
// result is clamped to [0,1]; reasons explain which signals fired.
func Confidence(query string, doc source.Document, withRecency bool) (float64, []string) {
	score := baseConfidence
	var reasons []string

	lq := strings.ToLower(strings.TrimSpace(query))
	tokens := index.Tokenize(query)

	if s, why := titleScore(lq, tokens, doc.Title); s > 0 {
		score += s
		reasons = append(reasons, why)
	}
	if s := contentScore(lq, tokens, doc.Content); s > 0 {
		score += s
		reasons = append(reasons, "content match")
	}
	if s := pathScore(lq, doc.URL+" "+metaString(doc, "path")); s > 0 {
		score += s
		reasons = append(reasons, "path signals")
	}
	if s := formatScore(doc); s > 0 {
		score += s
		reasons = append(reasons, "format bonus")
	}
	if containsAny(strings.ToLower(doc.Source), sourceIndicators) {
		score += 0.10
		reasons = append(reasons, "source name")
	}
	if withRecency {
		if s := RecencyBonus(doc.LastModified, time.Now()); s > 0 {
			score += s
			reasons = append(reasons, "recently updated")
		}
	}

	return source.Clamp(score), reasons
}

// titleScore caps at 0.35: exact phrase 0.3, plus token coverage scaled
// by 0.2.
func titleScore(lowerQuery string, tokens []string, title string) (float64, string) {
	lt := strings.ToLower(title)
	var s float64
	why := "title token match"
	if lowerQuery != "" && strings.Contains(lt, lowerQuery) {
		s += 0.3
		why = "title match"
	}
	if len(tokens) > 0 {
		covered := 0
		for _, t := range tokens {
			if strings.Contains(lt, t) {
				covered++
			}
		}
		s += float64(covered) / float64(len(tokens)) * 0.2
	}
	if s > 0.35 {
		s = 0.35
	}
	return s, why
}

// contentScore caps at 0.30: phrase occurrences at 0.05 each (cap 0.15)
// plus per-token occurrences at 0.02 each, at most 3 per token (cap 0.15).
func contentScore(lowerQuery string, tokens []string, content string) float64 {
	lc := strings.ToLower(content)
	var s float64

	if lowerQuery != "" {
		phrase := float64(strings.Count(lc, lowerQuery)) * 0.05
		if phrase > 0.15 {
			phrase = 0.15
		}
		s += phrase
	}

	var tokenSum float64
	for _, t := range tokens {
		n := strings.Count(lc, t)
		if n > 3 {
			n = 3
		}
		tokenSum += float64(n) * 0.02
	}
	if tokenSum > 0.15 {
		tokenSum = 0.15
	}
	s += tokenSum

	if s > 0.30 {
		s = 0.30
	}
	return s
}

// pathScore caps at 0.15: 0.05 per indicator plus 0.05 when the query
// itself appears in the path.
func pathScore(lowerQuery, path string) float64 {
	lp := strings.ToLower(path)
	var s float64
	for _, ind := range pathIndicators {
		if strings.Contains(lp, ind) {
			s += 0.05
		}
	}
	if lowerQuery != "" && strings.Contains(lp, lowerQuery) {
		s += 0.05
	}
	if s > 0.15 {
		s = 0.15
	}
	return s
}

// formatScore caps at 0.10: markdown gets a modest bonus, JSON that
// already carries the runbook shape gets the full one.
func formatScore(doc source.Document) float64 {
	switch metaString(doc, "format") {
	case "markdown":
		return 0.05
	case "json":
		if _, ok := parseStructured(doc.Content); ok {
			return 0.10
		}
	}
	return 0
}

// RecencyBonus rewards recently modified documents: <7d +0.15,
// <30d +0.10, <90d +0.05.
func RecencyBonus(lastModified, now time.Time) float64 {
	if lastModified.IsZero() {
		return 0
	}
	age := now.Sub(lastModified)
	switch {
	case age < 7*24*time.Hour:
		return 0.15
	case age < 30*24*time.Hour:
		return 0.10
	case age < 90*24*time.Hour:
		return 0.05
	}
	return 0
}

// Relevance scores a runbook against an alert. Base 0.3; +0.4 title
// mentions the alert type, +0.1 content mention, +0.1 severity mention,
// +0.1 per affected system found (cap 0.2), +0.1 severity key present in
// the mapping, +0.05 per matching trigger (cap 0.1). Clamped to [0,1].
func Relevance(rb *source.Runbook, alertType, severity string, systems []string) float64 {
	score := baseConfidence
	alert := NormalizeAlertType(alertType)
	lowerTitle := strings.ToLower(rb.Title)
	lowerDesc := strings.ToLower(rb.Description)

	if alert != "" && strings.Contains(lowerTitle, alert) {
		score += 0.4
	}
	if alert != "" && strings.Contains(lowerDesc, alert) {
		score += 0.1
	}
	if severity != "" && strings.Contains(lowerTitle+" "+lowerDesc, strings.ToLower(severity)) {
		score += 0.1
	}

	var sysBonus float64
	for _, sys := range systems {
		ls := strings.ToLower(sys)
		if ls != "" && strings.Contains(lowerTitle+" "+lowerDesc, ls) {
			sysBonus += 0.1
		}
	}
	if sysBonus > 0.2 {
		sysBonus = 0.2
	}
	score += sysBonus

	if _, ok := rb.SeverityMapping[strings.ToLower(severity)]; ok {
		score += 0.1
	}

	var trigBonus float64
	for _, trig := range rb.Triggers {
		if NormalizeAlertType(trig) == alert {
			trigBonus += 0.05
		}
	}
	if trigBonus > 0.1 {
		trigBonus = 0.1
	}
	score += trigBonus

	return source.Clamp(score)
}

// NormalizeAlertType lowercases an alert type and treats underscores as
// spaces, so "DiskPressure_High" and "diskpressure high" compare equal.
func NormalizeAlertType(alertType string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(alertType), "_", " "))
}

func metaString(doc source.Document, key string) string {
	if doc.Metadata == nil {
		return ""
	}
	if v, ok := doc.Metadata[key].(string); ok {
		return v
	}
	return ""
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
