package source

import "time"

// Runbook is the canonical operational artifact: triggers, a decision
// tree, ordered procedures, and an escalation path. Runbooks are derived
// lazily from documents and never persisted.
type Runbook struct {
	ID              string            `json:"id"`
	Title           string            `json:"title"`
	Version         string            `json:"version"`
	Description     string            `json:"description"`
	Triggers        []string          `json:"triggers"`
	SeverityMapping map[string]string `json:"severity_mapping"`
	DecisionTree    DecisionTree      `json:"decision_tree"`
	Procedures      []Procedure       `json:"procedures"`
	EscalationPath  string            `json:"escalation_path"`
	Metadata        RunbookMetadata   `json:"metadata"`
}

// DecisionTree routes an alert to an action.
type DecisionTree struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	Branches      []Branch `json:"branches"`
	DefaultAction string   `json:"default_action"`
}

// Branch is a single decision-tree edge.
type Branch struct {
	ID          string  `json:"id"`
	Condition   string  `json:"condition"`
	Description string  `json:"description"`
	Action      string  `json:"action"`
	NextStep    string  `json:"next_step,omitempty"`
	Confidence  float64 `json:"confidence"`
}

// Procedure is one ordered step of a runbook. A runbook returned to a
// caller always contains at least one procedure.
type Procedure struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Description     string `json:"description"`
	ExpectedOutcome string `json:"expected_outcome"`
	TimeoutSeconds  int    `json:"timeout_seconds,omitempty"`
}

// RunbookMetadata carries provenance and quality signals.
type RunbookMetadata struct {
	CreatedAt                time.Time `json:"created_at"`
	UpdatedAt                time.Time `json:"updated_at"`
	Author                   string    `json:"author,omitempty"`
	ConfidenceScore          float64   `json:"confidence_score"`
	SuccessRate              float64   `json:"success_rate"`
	AvgResolutionTimeMinutes float64   `json:"avg_resolution_time_minutes,omitempty"`
	Source                   string    `json:"source,omitempty"`
}

// Severities in canonical order.
var Severities = []string{"critical", "high", "medium", "low", "info"}

// DefaultSeverityMapping maps each canonical severity to itself.
func DefaultSeverityMapping() map[string]string {
	m := make(map[string]string, len(Severities))
	for _, s := range Severities {
		m[s] = s
	}
	return m
}
