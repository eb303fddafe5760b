package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/joestump/runbookd/internal/errs"
	"github.com/joestump/runbookd/internal/feedback"
	"github.com/joestump/runbookd/internal/hub"
	"github.com/joestump/runbookd/internal/source"
)

// searchRequest is the POST /api/search body.
type searchRequest struct {
	Query               string   `json:"query"`
	Categories          []string `json:"categories"`
	MaxResults          int      `json:"max_results"`
	ConfidenceThreshold float64  `json:"confidence_threshold"`
	MaxAgeDays          int      `json:"max_age_days"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if err := requireJSON(r); err != nil {
		s.writeError(w, err)
		return
	}
	var req searchRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	out, err := s.router.Search(r.Context(), req.Query, source.Filters{
		Limit:               req.MaxResults,
		Categories:          req.Categories,
		ConfidenceThreshold: req.ConfidenceThreshold,
		MaxAgeDays:          req.MaxAgeDays,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	m := &respMeta{RetrievalTimeMS: out.Elapsed.Milliseconds(), Cached: out.Cached}
	if len(out.Results) > 0 {
		m.ConfidenceScore = &out.Results[0].ConfidenceScore
		m.Source = out.Results[0].Source
	}
	s.writeSuccess(w, map[string]any{
		"results":  out.Results,
		"failures": out.Failures,
	}, m)
}

// alertRequest is shared by the runbook search and decision tree endpoints.
type alertRequest struct {
	AlertType       string   `json:"alert_type"`
	Severity        string   `json:"severity"`
	AffectedSystems []string `json:"affected_systems"`
}

func (s *Server) handleRunbookSearch(w http.ResponseWriter, r *http.Request) {
	if err := requireJSON(r); err != nil {
		s.writeError(w, err)
		return
	}
	var req alertRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	out, err := s.router.SearchRunbooks(r.Context(), req.AlertType, req.Severity, req.AffectedSystems)
	if err != nil {
		s.writeError(w, err)
		return
	}

	m := &respMeta{RetrievalTimeMS: out.Elapsed.Milliseconds(), Cached: out.Cached}
	if len(out.Runbooks) > 0 {
		m.ConfidenceScore = &out.Runbooks[0].Metadata.ConfidenceScore
	}
	s.writeSuccess(w, map[string]any{
		"runbooks": out.Runbooks,
		"failures": out.Failures,
	}, m)
}

func (s *Server) handleListRunbooks(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", 20)

	rbs, err := s.router.ListRunbooks(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSuccess(w, map[string]any{"runbooks": rbs}, nil)
}

func (s *Server) handleGetRunbook(w http.ResponseWriter, r *http.Request) {
	rb, err := s.router.GetRunbook(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSuccess(w, rb, nil)
}

func (s *Server) handleDecisionTree(w http.ResponseWriter, r *http.Request) {
	if err := requireJSON(r); err != nil {
		s.writeError(w, err)
		return
	}
	var req alertRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	tree, err := s.router.GetDecisionTree(r.Context(), req.AlertType, req.Severity, req.AffectedSystems)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSuccess(w, tree, nil)
}

func (s *Server) handleGetProcedure(w http.ResponseWriter, r *http.Request) {
	p, err := s.router.GetProcedure(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSuccess(w, p, nil)
}

// escalationRequest is the POST /api/escalation body.
type escalationRequest struct {
	Severity      string `json:"severity"`
	BusinessHours bool   `json:"business_hours"`
}

func (s *Server) handleEscalation(w http.ResponseWriter, r *http.Request) {
	if err := requireJSON(r); err != nil {
		s.writeError(w, err)
		return
	}
	var req escalationRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Severity == "" {
		s.writeErrorCode(w, errs.CodeValidation, "severity is required")
		return
	}

	path := s.router.GetEscalationPath(req.Severity, req.BusinessHours)
	s.writeSuccess(w, map[string]any{
		"severity":       req.Severity,
		"business_hours": req.BusinessHours,
		"path":           path,
	}, nil)
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	s.writeSuccess(w, map[string]any{"sources": s.router.SourceMetadata()}, nil)
}

// feedbackRequest is the POST /api/feedback body.
type feedbackRequest struct {
	RunbookID string `json:"runbook_id"`
	Outcome   string `json:"outcome"`
	TimingMS  int64  `json:"timing_ms"`
	Notes     string `json:"notes"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if err := requireJSON(r); err != nil {
		s.writeError(w, err)
		return
	}
	if s.store == nil {
		s.writeErrorCode(w, errs.CodeConfig, "feedback recording is disabled (no state directory configured)")
		return
	}
	var req feedbackRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	res := &feedback.Resolution{RunbookID: req.RunbookID, Outcome: req.Outcome, TimingMS: req.TimingMS}
	if req.Notes != "" {
		res.Notes = &req.Notes
	}
	id, err := s.store.RecordResolution(res)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSuccess(w, map[string]any{"accepted": true, "id": id}, nil)
}

// refreshRequest is the POST /api/refresh body.
type refreshRequest struct {
	Force bool `json:"force"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := requireJSON(r); err != nil {
		s.writeError(w, err)
		return
	}
	var req refreshRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	accepted := s.router.RefreshAll(r.Context(), req.Force)
	if s.hub != nil {
		for name, ok := range accepted {
			s.hub.Publish(hub.Event{
				Topic:   hub.TopicIndex,
				Source:  name,
				Message: "refresh requested",
				Data:    map[string]any{"accepted": ok, "force": req.Force},
			})
		}
	}
	s.writeSuccess(w, map[string]any{"accepted": accepted}, nil)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	statuses := s.router.HealthCheckAll(r.Context())

	healthy, unhealthy := 0, 0
	for _, h := range statuses {
		switch h.Status {
		case source.StatusHealthy:
			healthy++
		case source.StatusUnhealthy:
			unhealthy++
		}
	}
	overall := source.StatusHealthy
	switch {
	case len(statuses) == 0:
		overall = source.StatusDegraded
	case unhealthy == len(statuses):
		overall = source.StatusUnhealthy
	case healthy < len(statuses):
		overall = source.StatusDegraded
	}

	s.writeSuccess(w, map[string]any{
		"status":  overall,
		"sources": statuses,
	}, nil)
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	data := map[string]any{
		"sources": s.router.SourceMetadata(),
	}

	hits, misses, l1Len := s.router.CacheStats()
	data["cache"] = map[string]any{
		"hits":       hits,
		"misses":     misses,
		"l1_entries": l1Len,
	}

	if s.store != nil {
		sum, err := s.store.Summarize()
		if err != nil {
			s.writeError(w, err)
			return
		}
		top, err := s.store.TopStats(10)
		if err != nil {
			s.writeError(w, err)
			return
		}
		data["feedback"] = map[string]any{
			"summary":      sum,
			"top_runbooks": top,
		}
	}

	s.writeSuccess(w, data, nil)
}

// handleEvents streams operational events over SSE. An optional topic query
// parameter narrows the stream; the default receives every topic.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		s.writeErrorCode(w, errs.CodeConfig, "event streaming is not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeErrorCode(w, errs.CodeInternal, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	_, _ = w.Write([]byte("retry: 3000\n\n"))
	flusher.Flush()

	ch, unsubscribe := s.hub.Subscribe(r.URL.Query().Get("topic"))
	defer unsubscribe()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSE frames one event for the wire: an id line, an event line
// carrying the topic, and a data line carrying the JSON payload.
func writeSSE(w http.ResponseWriter, ev hub.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Topic, payload)
	return err
}

func parseIntQuery(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
