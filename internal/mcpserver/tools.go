package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/joestump/runbookd/internal/feedback"
	"github.com/joestump/runbookd/internal/source"
)

// --- Tool Definitions ---

func searchRunbooksTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"search_runbooks",
		"Find runbooks relevant to an alert across every configured documentation source, ranked by confidence.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"alert_type": {
					"type": "string",
					"description": "Alert type, e.g. memory_leak or disk_pressure"
				},
				"severity": {
					"type": "string",
					"enum": ["critical", "high", "medium", "low", "info"],
					"description": "Alert severity"
				},
				"affected_systems": {
					"type": "array",
					"items": {"type": "string"},
					"description": "Hostnames or service names involved in the alert"
				}
			},
			"required": ["alert_type"]
		}`),
	)
}

func getDecisionTreeTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"get_decision_tree",
		"Return the decision tree of the best-matching runbook for an alert context.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"alert_type": {
					"type": "string",
					"description": "Alert type the tree should route"
				},
				"severity": {
					"type": "string",
					"description": "Alert severity"
				},
				"affected_systems": {
					"type": "array",
					"items": {"type": "string"},
					"description": "Hostnames or service names involved in the alert"
				}
			},
			"required": ["alert_type"]
		}`),
	)
}

func getProcedureTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"get_procedure",
		"Return a single procedure step, addressed as <runbook_id>/<step_id>.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"procedure_id": {
					"type": "string",
					"description": "Procedure reference, e.g. 7f3a.../step_2"
				}
			},
			"required": ["procedure_id"]
		}`),
	)
}

func getEscalationPathTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"get_escalation_path",
		"Return the escalation path for a severity, adjusted for business hours.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"severity": {
					"type": "string",
					"enum": ["critical", "high", "medium", "low", "info"],
					"description": "Alert severity"
				},
				"business_hours": {
					"type": "boolean",
					"description": "Whether the escalation happens during business hours"
				}
			},
			"required": ["severity"]
		}`),
	)
}

func listSourcesTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"list_sources",
		"List every configured documentation source with its operational counters.",
		json.RawMessage(`{"type": "object", "properties": {}}`),
	)
}

func searchKnowledgeBaseTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"search_knowledge_base",
		"Run a free-text search across every configured documentation source.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {
					"type": "string",
					"description": "Free-text search query"
				},
				"categories": {
					"type": "array",
					"items": {"type": "string"},
					"description": "Restrict to sources declaring these categories"
				},
				"max_results": {
					"type": "integer",
					"description": "Cap on the number of results returned"
				}
			},
			"required": ["query"]
		}`),
	)
}

func recordResolutionFeedbackTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"record_resolution_feedback",
		"Record the outcome of executing a runbook so future rankings can learn from it.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"runbook_id": {
					"type": "string",
					"description": "Runbook the feedback applies to"
				},
				"outcome": {
					"type": "string",
					"enum": ["resolved", "escalated", "failed"],
					"description": "How the execution ended"
				},
				"timing_ms": {
					"type": "integer",
					"description": "Wall-clock time from start to outcome, in milliseconds"
				},
				"notes": {
					"type": "string",
					"description": "Free-form operator notes"
				}
			},
			"required": ["runbook_id", "outcome", "timing_ms"]
		}`),
	)
}

// --- Tool Handlers ---

// alertArgs is shared by search_runbooks and get_decision_tree.
type alertArgs struct {
	AlertType       string   `json:"alert_type"`
	Severity        string   `json:"severity"`
	AffectedSystems []string `json:"affected_systems"`
}

// searchRunbooksResult mirrors the search_runbooks response.
type searchRunbooksResult struct {
	Runbooks         []source.Runbook `json:"runbooks"`
	ConfidenceScores []float64        `json:"confidence_scores"`
	RetrievalTimeMS  int64            `json:"retrieval_time_ms"`
}

func (s *Server) handleSearchRunbooks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args alertArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.AlertType == "" {
		return mcp.NewToolResultError("alert_type is required"), nil
	}

	out, err := s.router.SearchRunbooks(ctx, args.AlertType, args.Severity, args.AffectedSystems)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("runbook search: %v", err)), nil
	}

	scores := make([]float64, len(out.Runbooks))
	for i, rb := range out.Runbooks {
		scores[i] = rb.Metadata.ConfidenceScore
	}
	return resultJSON(searchRunbooksResult{
		Runbooks:         out.Runbooks,
		ConfidenceScores: scores,
		RetrievalTimeMS:  out.Elapsed.Milliseconds(),
	})
}

// decisionTreeResult mirrors the get_decision_tree response.
type decisionTreeResult struct {
	Tree            *source.DecisionTree `json:"tree"`
	RetrievalTimeMS int64                `json:"retrieval_time_ms"`
}

func (s *Server) handleGetDecisionTree(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args alertArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.AlertType == "" {
		return mcp.NewToolResultError("alert_type is required"), nil
	}

	started := nowMS()
	tree, err := s.router.GetDecisionTree(ctx, args.AlertType, args.Severity, args.AffectedSystems)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("decision tree: %v", err)), nil
	}
	return resultJSON(decisionTreeResult{Tree: tree, RetrievalTimeMS: nowMS() - started})
}

type procedureArgs struct {
	ProcedureID string `json:"procedure_id"`
}

// procedureResult mirrors the get_procedure response.
type procedureResult struct {
	Procedure       *source.Procedure `json:"procedure"`
	RetrievalTimeMS int64             `json:"retrieval_time_ms"`
}

func (s *Server) handleGetProcedure(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args procedureArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.ProcedureID == "" {
		return mcp.NewToolResultError("procedure_id is required"), nil
	}

	started := nowMS()
	p, err := s.router.GetProcedure(ctx, args.ProcedureID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("procedure: %v", err)), nil
	}
	return resultJSON(procedureResult{Procedure: p, RetrievalTimeMS: nowMS() - started})
}

type escalationArgs struct {
	Severity      string `json:"severity"`
	BusinessHours bool   `json:"business_hours"`
}

// escalationResult mirrors the get_escalation_path response.
type escalationResult struct {
	Path            string `json:"path"`
	RetrievalTimeMS int64  `json:"retrieval_time_ms"`
}

func (s *Server) handleGetEscalationPath(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args escalationArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.Severity == "" {
		return mcp.NewToolResultError("severity is required"), nil
	}

	started := nowMS()
	path := s.router.GetEscalationPath(args.Severity, args.BusinessHours)
	return resultJSON(escalationResult{Path: path, RetrievalTimeMS: nowMS() - started})
}

func (s *Server) handleListSources(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return resultJSON(s.router.SourceMetadata())
}

type searchArgs struct {
	Query      string   `json:"query"`
	Categories []string `json:"categories"`
	MaxResults int      `json:"max_results"`
}

// searchResult mirrors the search_knowledge_base response.
type searchResult struct {
	Results         []source.SearchResult `json:"results"`
	RetrievalTimeMS int64                 `json:"retrieval_time_ms"`
}

func (s *Server) handleSearchKnowledgeBase(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args searchArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.Query == "" {
		return mcp.NewToolResultError("query is required"), nil
	}

	out, err := s.router.Search(ctx, args.Query, source.Filters{
		Limit:      args.MaxResults,
		Categories: args.Categories,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search: %v", err)), nil
	}
	return resultJSON(searchResult{Results: out.Results, RetrievalTimeMS: out.Elapsed.Milliseconds()})
}

type feedbackArgs struct {
	RunbookID string `json:"runbook_id"`
	Outcome   string `json:"outcome"`
	TimingMS  int64  `json:"timing_ms"`
	Notes     string `json:"notes"`
}

// feedbackResult mirrors the record_resolution_feedback response.
type feedbackResult struct {
	Accepted bool `json:"accepted"`
}

func (s *Server) handleRecordResolutionFeedback(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args feedbackArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if s.store == nil {
		return mcp.NewToolResultError("feedback recording is disabled (no state directory configured)"), nil
	}

	r := &feedback.Resolution{RunbookID: args.RunbookID, Outcome: args.Outcome, TimingMS: args.TimingMS}
	if args.Notes != "" {
		r.Notes = &args.Notes
	}
	if _, err := s.store.RecordResolution(r); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("record feedback: %v", err)), nil
	}
	return resultJSON(feedbackResult{Accepted: true})
}

// --- Helpers ---

func nowMS() int64 { return time.Now().UnixMilli() }

func resultJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
