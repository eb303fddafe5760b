package runbook

import (
	"strings"
	"testing"
	"time"

	"github.com/joestump/runbookd/internal/source"
)

func doc(title, content, path string) source.Document {
	return source.Document{
		ID:       source.HashID(path),
		Title:    title,
		Content:  content,
		Source:   "ops-docs",
		URL:      "file:///" + path,
		Metadata: map[string]any{"path": path},
	}
}

func TestConfidence_TitleMatchDominates(t *testing.T) {
	exact := doc("Database Restart Runbook", "restart procedure", "docs/runbooks/db.md")
	weak := doc("Networking Overview", "nothing relevant here", "notes/net.md")

	se, reasons := Confidence("database restart", exact, false)
	sw, _ := Confidence("database restart", weak, false)

	if se <= sw {
		t.Errorf("title match must outrank a miss: %v vs %v", se, sw)
	}
	if se < 0 || se > 1 || sw < 0 || sw > 1 {
		t.Errorf("scores must clamp to [0,1]: %v, %v", se, sw)
	}
	found := false
	for _, r := range reasons {
		if r == "title match" {
			found = true
		}
	}
	if !found {
		t.Errorf("reasons should name the title match, got %v", reasons)
	}
}

func TestConfidence_Clamps(t *testing.T) {
	d := doc("database restart runbook ops docs",
		strings.Repeat("database restart ", 50),
		"docs/ops/runbook/readme.md")
	d.Metadata["format"] = "markdown"
	d.Source = "ops-runbooks"
	d.LastModified = time.Now().Add(-time.Hour)

	s, _ := Confidence("database restart", d, true)
	if s > 1 {
		t.Errorf("score must clamp at 1, got %v", s)
	}
	if s < 0.9 {
		t.Errorf("a candidate hitting every signal should score near 1, got %v", s)
	}
}

func TestRecencyBonus(t *testing.T) {
	now := time.Now()
	cases := []struct {
		age  time.Duration
		want float64
	}{
		{24 * time.Hour, 0.15},
		{10 * 24 * time.Hour, 0.10},
		{60 * 24 * time.Hour, 0.05},
		{200 * 24 * time.Hour, 0},
	}
	for _, c := range cases {
		if got := RecencyBonus(now.Add(-c.age), now); got != c.want {
			t.Errorf("age %v: got %v, want %v", c.age, got, c.want)
		}
	}
	if RecencyBonus(time.Time{}, now) != 0 {
		t.Error("zero timestamps earn no bonus")
	}
}

func TestLikely(t *testing.T) {
	rb := doc("Disk Pressure Runbook",
		"Follow these steps when the disk_pressure alert fires.\n1. Free space",
		"docs/runbooks/disk.md")
	if !Likely(rb, "disk_pressure", "high") {
		t.Error("a runbook document must pass the filter")
	}

	code := doc("utils", "function main() { return 0 }\nconst x = 1", "src/utils.js")
	if Likely(code, "disk_pressure", "high") {
		t.Error("source code must be rejected")
	}
}

func TestLikely_GuardsAgainstFabricatedAlerts(t *testing.T) {
	d := doc("Troubleshooting Guide", "general troubleshoot notes", "notes/guide.md")
	if !Likely(d, "disk_pressure", "high") {
		t.Fatal("mild indicators pass for a real alert type")
	}
	if Likely(d, "nonexistent_alert", "high") {
		t.Error("fabricated alert types need overwhelming evidence")
	}
}

func TestLikely_EmptySeverityGrantsNoAlertContext(t *testing.T) {
	// Path +3 and content +1 score 4: enough for a real alert, below the
	// raised bar for fabricated ones unless the alert-context bonus leaks.
	d := doc("Cluster Notes", "procedure notes for the cluster", "docs/runbooks/notes.md")
	if !Likely(d, "disk_pressure", "") {
		t.Fatal("a real alert type passes the normal threshold")
	}
	if Likely(d, "nonexistent_alert", "") {
		t.Error("an empty severity must not count as alert context")
	}
}

func TestExtract_SynthesizesSteps(t *testing.T) {
	d := doc("Disk Pressure", `# Disk Pressure Response

When disk usage crosses 90%:

1. Identify the largest directories
2. Rotate or compress logs
Step 3: Re-check usage
- escalate if still above 85%
`, "docs/runbooks/disk.md")

	rb := Extract(d, "disk_pressure", "high", source.TypeFilesystem)
	if rb.Title != "Disk Pressure Response" {
		t.Errorf("title = %q", rb.Title)
	}
	if len(rb.Procedures) != 4 {
		t.Fatalf("expected 4 synthesized steps, got %d: %+v", len(rb.Procedures), rb.Procedures)
	}
	if rb.Procedures[0].ID != "step_1" || rb.Procedures[0].Description != "Identify the largest directories" {
		t.Errorf("first step = %+v", rb.Procedures[0])
	}
	if rb.Procedures[0].TimeoutSeconds != 300 {
		t.Errorf("synthesized steps default to 300s, got %d", rb.Procedures[0].TimeoutSeconds)
	}
	if rb.SeverityMapping["disk_pressure"] != "high" {
		t.Errorf("severity mapping = %v", rb.SeverityMapping)
	}
	if len(rb.DecisionTree.Branches) != 1 || rb.DecisionTree.DefaultAction != "escalate" {
		t.Errorf("default decision tree = %+v", rb.DecisionTree)
	}
	if rb.Metadata.ConfidenceScore <= 0 || rb.Metadata.ConfidenceScore > 1 {
		t.Errorf("confidence = %v", rb.Metadata.ConfidenceScore)
	}
}

func TestExtract_StepCap(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("Checklist\n")
	for i := 1; i <= 15; i++ {
		sb.WriteString("- do thing\n")
	}
	rb := Extract(doc("Checklist", sb.String(), "docs/list.md"), "x", "low", source.TypeFilesystem)
	if len(rb.Procedures) != 10 {
		t.Errorf("steps cap at 10, got %d", len(rb.Procedures))
	}
}

func TestExtract_FallbackProcedure(t *testing.T) {
	body := strings.Repeat("prose without any steps ", 40)
	rb := Extract(doc("Notes", body, "docs/notes.md"), "cpu_high", "medium", source.TypeWiki)
	if len(rb.Procedures) != 1 {
		t.Fatalf("expected the single fallback procedure, got %d", len(rb.Procedures))
	}
	p := rb.Procedures[0]
	if p.Name != "Main Procedure" || p.TimeoutSeconds != 1800 {
		t.Errorf("fallback = %+v", p)
	}
	if len(p.Description) > 500 {
		t.Errorf("fallback description caps at ~500 chars, got %d", len(p.Description))
	}
	if rb.SeverityMapping["critical"] != "critical" {
		t.Error("wiki synthesis carries the default severity mapping")
	}
}

func TestExtract_StructuredPassThrough(t *testing.T) {
	content := `{
		"id": "rb-db-failover",
		"title": "DB Failover",
		"triggers": ["db_down"],
		"decision_tree": {"id": "t", "name": "triage", "branches": [], "default_action": "escalate"},
		"procedures": [{"id": "step_1", "name": "Promote replica", "description": "promote"}],
		"metadata": {"confidence_score": 0.9}
	}`
	rb := Extract(doc("ignored", content, "docs/db.json"), "db_down", "critical", source.TypeForge)
	if rb.ID != "rb-db-failover" || rb.Title != "DB Failover" {
		t.Errorf("structured runbook not honored: %+v", rb)
	}
	if rb.Procedures[0].ExpectedOutcome == "" {
		t.Error("normalization fills missing expected outcomes")
	}
	if rb.Metadata.SuccessRate == 0 {
		t.Error("normalization seeds a success rate")
	}
}

func TestExtract_BrokenStructuredFallsBack(t *testing.T) {
	rb := Extract(doc("Broken", `{"id": "x", "title":`, "docs/x.json"), "db_down", "high", source.TypeForge)
	if len(rb.Procedures) == 0 {
		t.Fatal("synthesis must still yield a procedure")
	}
	if rb.Procedures[0].Name != "Main Procedure" {
		t.Errorf("fallback procedure expected, got %+v", rb.Procedures[0])
	}
}

func TestRelevance(t *testing.T) {
	rb := &source.Runbook{
		Title:           "Disk Pressure Response",
		Description:     "covers critical disk_pressure incidents on storage nodes",
		Triggers:        []string{"disk_pressure"},
		SeverityMapping: map[string]string{"critical": "critical"},
	}
	high := Relevance(rb, "disk_pressure", "critical", []string{"storage"})
	low := Relevance(rb, "unrelated_alert", "low", nil)
	if high <= low {
		t.Errorf("matching alert must outrank a mismatch: %v vs %v", high, low)
	}
	if high > 1 || low < 0 {
		t.Errorf("scores must clamp: %v, %v", high, low)
	}
}

func TestNormalizeAlertType(t *testing.T) {
	if NormalizeAlertType(" Disk_Pressure ") != "disk pressure" {
		t.Error("normalization lowercases and replaces underscores")
	}
}
