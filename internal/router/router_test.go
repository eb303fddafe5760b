package router

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/joestump/runbookd/internal/cache"
	"github.com/joestump/runbookd/internal/config"
	"github.com/joestump/runbookd/internal/errs"
	"github.com/joestump/runbookd/internal/source"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// stub is an in-memory Source with scripted responses.
type stub struct {
	name     string
	results  []source.SearchResult
	runbooks []source.Runbook
	doc      *source.SearchResult
	err      error
	delay    time.Duration
	meta     source.Metadata
	health   source.Health

	mu        sync.Mutex
	lastQuery string
	searches  atomic.Int64
	refreshes atomic.Int64
	cleaned   atomic.Bool
}

func (s *stub) Name() string                        { return s.name }
func (s *stub) Initialize(context.Context) error    { return nil }
func (s *stub) Cleanup(context.Context) error       { s.cleaned.Store(true); return nil }
func (s *stub) HealthCheck(context.Context) source.Health { return s.health }

func (s *stub) Metadata() source.Metadata {
	m := s.meta
	m.Name = s.name
	return m
}

func (s *stub) wait(ctx context.Context) error {
	if s.delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.delay):
		return nil
	}
}

func (s *stub) Search(ctx context.Context, query string, f source.Filters) ([]source.SearchResult, error) {
	s.searches.Add(1)
	s.mu.Lock()
	s.lastQuery = query
	s.mu.Unlock()
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.results, nil
}

func (s *stub) GetDocument(ctx context.Context, id string) (*source.SearchResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.doc != nil && s.doc.ID == id {
		cp := *s.doc
		return &cp, nil
	}
	return nil, nil
}

func (s *stub) SearchRunbooks(ctx context.Context, alertType, severity string, systems []string) ([]source.Runbook, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.runbooks, nil
}

func (s *stub) RefreshIndex(ctx context.Context, force bool) (bool, error) {
	s.refreshes.Add(1)
	return true, nil
}

func newRouter(t *testing.T) *Router {
	t.Helper()
	c, err := cache.New(64, nil, cache.NewTTLPolicy(nil, time.Hour), testLog())
	if err != nil {
		t.Fatal(err)
	}
	return New(&config.Config{}, c, Factories(), testLog())
}

func res(id, src string, confidence float64) source.SearchResult {
	return source.SearchResult{
		Document: source.Document{
			ID:         id,
			Title:      id,
			Source:     src,
			SourceType: source.TypeFilesystem,
			Metadata:   map[string]any{"docs": 1},
		},
		ConfidenceScore: confidence,
	}
}

func TestSearch_MergesSortsAndStamps(t *testing.T) {
	r := newRouter(t)
	r.Register(&stub{name: "a", results: []source.SearchResult{res("b-doc", "a", 0.9), res("a-doc", "a", 0.5)}, meta: source.Metadata{DocumentCount: 2}}, 1, 0)
	r.Register(&stub{name: "b", results: []source.SearchResult{res("c-doc", "b", 0.7)}, meta: source.Metadata{DocumentCount: 1}}, 2, 0)

	out, err := r.Search(context.Background(), "disk", source.Filters{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Cached || len(out.Failures) != 0 {
		t.Fatalf("outcome = %+v", out)
	}
	var order []string
	for _, got := range out.Results {
		order = append(order, got.ID)
	}
	if strings.Join(order, ",") != "b-doc,c-doc,a-doc" {
		t.Errorf("merge order = %v", order)
	}
	for _, got := range out.Results {
		if got.RetrievalTimeMS < 0 {
			t.Errorf("retrieval time not stamped: %+v", got)
		}
	}
}

func TestSearch_TieBreaksBySourcePriority(t *testing.T) {
	r := newRouter(t)
	r.Register(&stub{name: "slow-docs", results: []source.SearchResult{res("a-doc", "slow-docs", 0.5)}, meta: source.Metadata{DocumentCount: 1}}, 2, 0)
	r.Register(&stub{name: "primary", results: []source.SearchResult{res("z-doc", "primary", 0.5)}, meta: source.Metadata{DocumentCount: 1}}, 1, 0)

	out, err := r.Search(context.Background(), "disk", source.Filters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Results) != 2 || out.Results[0].Source != "primary" {
		t.Errorf("equal confidence must order by priority: %+v", out.Results)
	}
}

func TestSearch_EmptyQuery(t *testing.T) {
	r := newRouter(t)
	s := &stub{name: "a", meta: source.Metadata{DocumentCount: 1}}
	r.Register(s, 1, 0)

	out, err := r.Search(context.Background(), "   ", source.Filters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Results) != 0 {
		t.Errorf("results = %+v", out.Results)
	}
	if s.searches.Load() != 0 {
		t.Error("empty queries must not fan out")
	}
}

func TestSearch_TruncatesLongQuery(t *testing.T) {
	r := newRouter(t)
	s := &stub{name: "a", meta: source.Metadata{DocumentCount: 1}}
	r.Register(s, 1, 0)

	if _, err := r.Search(context.Background(), strings.Repeat("a", 3000), source.Filters{}); err != nil {
		t.Fatal(err)
	}
	s.mu.Lock()
	got := len(s.lastQuery)
	s.mu.Unlock()
	if got != 1024 {
		t.Errorf("query length after truncation = %d", got)
	}
}

func TestSearch_PartialFailureIsolated(t *testing.T) {
	r := newRouter(t)
	r.Register(&stub{name: "good", results: []source.SearchResult{res("doc", "good", 0.8)}, meta: source.Metadata{DocumentCount: 1}}, 1, 0)
	r.Register(&stub{name: "bad", err: errs.New(errs.CodeUpstream, "boom"), meta: source.Metadata{DocumentCount: 1}}, 2, 0)

	out, err := r.Search(context.Background(), "disk", source.Filters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Results) != 1 || out.Results[0].ID != "doc" {
		t.Errorf("results = %+v", out.Results)
	}
	if out.Failures["bad"] != errs.CodeUpstream {
		t.Errorf("failures = %v", out.Failures)
	}
}

func TestSearch_AllSourcesFailing(t *testing.T) {
	r := newRouter(t)
	r.Register(&stub{name: "a", err: errs.New(errs.CodeUpstream, "boom"), meta: source.Metadata{DocumentCount: 1}}, 1, 0)
	r.Register(&stub{name: "b", err: errs.New(errs.CodeAuth, "denied"), meta: source.Metadata{DocumentCount: 1}}, 2, 0)

	_, err := r.Search(context.Background(), "disk", source.Filters{})
	if errs.CodeOf(err) != errs.CodeUpstream {
		t.Errorf("expected UPSTREAM when every source fails, got %v", err)
	}
}

func TestSearch_SlowSourceTimesOut(t *testing.T) {
	r := newRouter(t)
	r.Register(&stub{name: "fast", results: []source.SearchResult{res("doc", "fast", 0.8)}, meta: source.Metadata{DocumentCount: 1}}, 1, 0)
	r.Register(&stub{name: "slow", delay: 500 * time.Millisecond, meta: source.Metadata{DocumentCount: 1}}, 2, 30*time.Millisecond)

	out, err := r.Search(context.Background(), "disk", source.Filters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Results) != 1 {
		t.Errorf("results = %+v", out.Results)
	}
	if out.Failures["slow"] != errs.CodeTimeout {
		t.Errorf("failures = %v", out.Failures)
	}
}

func TestSearch_CacheRoundTrip(t *testing.T) {
	r := newRouter(t)
	s := &stub{name: "a", results: []source.SearchResult{res("doc", "a", 0.8)}, meta: source.Metadata{DocumentCount: 1}}
	r.Register(s, 1, 0)

	first, err := r.Search(context.Background(), "disk full", source.Filters{})
	if err != nil || first.Cached {
		t.Fatalf("first call = %+v, %v", first, err)
	}
	second, err := r.Search(context.Background(), "disk full", source.Filters{})
	if err != nil {
		t.Fatal(err)
	}
	if !second.Cached {
		t.Error("second identical query must be served from cache")
	}
	if s.searches.Load() != 1 {
		t.Errorf("adapter searches = %d", s.searches.Load())
	}
	if len(second.Results) != 1 || second.Results[0].ID != "doc" {
		t.Errorf("cached results = %+v", second.Results)
	}
}

func TestSearch_EmptyIndexTriggersRefresh(t *testing.T) {
	r := newRouter(t)
	s := &stub{name: "empty", meta: source.Metadata{DocumentCount: 0}}
	r.Register(s, 1, 0)

	if _, err := r.Search(context.Background(), "anything", source.Filters{}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.refreshes.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("an empty index should get one background refresh attempt")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func testRunbook(id string, confidence float64) source.Runbook {
	return source.Runbook{
		ID:    id,
		Title: "Disk Pressure Runbook",
		DecisionTree: source.DecisionTree{
			ID:            id + "/decision",
			Branches:      []source.Branch{{ID: "branch_1", Condition: "alert type is disk_pressure", Action: "follow documented steps", Confidence: 0.8}},
			DefaultAction: "escalate",
		},
		Procedures: []source.Procedure{{ID: "step_1", Name: "Step 1", Description: "free space"}},
		Metadata:   source.RunbookMetadata{ConfidenceScore: confidence},
	}
}

func TestSearchRunbooks_MergesAndSorts(t *testing.T) {
	r := newRouter(t)
	r.Register(&stub{name: "a", runbooks: []source.Runbook{testRunbook("rb-low", 0.5)}, meta: source.Metadata{DocumentCount: 1}}, 1, 0)
	r.Register(&stub{name: "b", runbooks: []source.Runbook{testRunbook("rb-high", 0.9)}, meta: source.Metadata{DocumentCount: 1}}, 2, 0)

	out, err := r.SearchRunbooks(context.Background(), "disk_pressure", "high", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Runbooks) != 2 || out.Runbooks[0].ID != "rb-high" {
		t.Errorf("runbooks = %+v", out.Runbooks)
	}

	cached, err := r.SearchRunbooks(context.Background(), "disk_pressure", "high", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !cached.Cached {
		t.Error("identical runbook searches must hit the cache")
	}
}

func TestSearchRunbooks_RequiresAlertType(t *testing.T) {
	r := newRouter(t)
	if _, err := r.SearchRunbooks(context.Background(), "  ", "high", nil); errs.CodeOf(err) != errs.CodeValidation {
		t.Errorf("expected VALIDATION, got %v", err)
	}
}

func TestGetDocument(t *testing.T) {
	doc := res("doc-1", "b", 0.8)
	r := newRouter(t)
	r.Register(&stub{name: "a", meta: source.Metadata{DocumentCount: 1}}, 1, 0)
	r.Register(&stub{name: "b", doc: &doc, meta: source.Metadata{DocumentCount: 1}}, 2, 0)

	got, cached, err := r.GetDocument(context.Background(), "doc-1")
	if err != nil || cached {
		t.Fatalf("lookup = %v, %v", cached, err)
	}
	if got == nil || got.ID != "doc-1" {
		t.Fatalf("document = %+v", got)
	}

	_, cached, err = r.GetDocument(context.Background(), "doc-1")
	if err != nil || !cached {
		t.Errorf("second lookup should be cached: %v, %v", cached, err)
	}

	missing, _, err := r.GetDocument(context.Background(), "no-such-id")
	if err != nil || missing != nil {
		t.Errorf("unknown ids resolve to nil, nil; got %v, %v", missing, err)
	}
}

func runbookDoc() *source.SearchResult {
	return &source.SearchResult{
		Document: source.Document{
			ID:         "rb-doc",
			Title:      "Disk Recovery",
			Content:    "# Disk Recovery\n\nFollow these steps for the incident:\n\n1. identify the volume\n2. free space\n3. verify alerts clear",
			Source:     "a",
			SourceType: source.TypeFilesystem,
			URL:        "file:///docs/runbooks/disk.md",
		},
		ConfidenceScore: 0.9,
	}
}

func TestGetRunbook(t *testing.T) {
	r := newRouter(t)
	r.Register(&stub{name: "a", doc: runbookDoc(), meta: source.Metadata{DocumentCount: 1}}, 1, 0)

	rb, err := r.GetRunbook(context.Background(), "rb-doc")
	if err != nil {
		t.Fatal(err)
	}
	if rb.Title != "Disk Recovery" || len(rb.Procedures) != 3 {
		t.Errorf("runbook = %+v", rb)
	}

	if _, err := r.GetRunbook(context.Background(), "missing"); errs.CodeOf(err) != errs.CodeNotFound {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestGetProcedure(t *testing.T) {
	r := newRouter(t)
	r.Register(&stub{name: "a", doc: runbookDoc(), meta: source.Metadata{DocumentCount: 1}}, 1, 0)

	p, err := r.GetProcedure(context.Background(), "rb-doc/step_2")
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "Step 2" || p.Description != "free space" {
		t.Errorf("procedure = %+v", p)
	}

	if _, err := r.GetProcedure(context.Background(), "no-slash"); errs.CodeOf(err) != errs.CodeValidation {
		t.Errorf("malformed id: got %v", err)
	}
	if _, err := r.GetProcedure(context.Background(), "rb-doc/step_9"); errs.CodeOf(err) != errs.CodeNotFound {
		t.Errorf("unknown step: got %v", err)
	}
}

func TestGetDecisionTree(t *testing.T) {
	r := newRouter(t)
	r.Register(&stub{name: "a", runbooks: []source.Runbook{testRunbook("rb", 0.8)}, meta: source.Metadata{DocumentCount: 1}}, 1, 0)

	tree, err := r.GetDecisionTree(context.Background(), "disk_pressure", "high", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(tree.Branches) != 1 || tree.DefaultAction != "escalate" {
		t.Errorf("tree = %+v", tree)
	}
}

func TestGetDecisionTree_NoMatch(t *testing.T) {
	r := newRouter(t)
	r.Register(&stub{name: "a", meta: source.Metadata{DocumentCount: 1}}, 1, 0)

	if _, err := r.GetDecisionTree(context.Background(), "unknown_alert", "low", nil); errs.CodeOf(err) != errs.CodeNotFound {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestGetEscalationPath(t *testing.T) {
	r := newRouter(t)
	if got := r.GetEscalationPath("critical", false); !strings.Contains(got, "Page the on-call engineer") {
		t.Errorf("critical off-hours = %q", got)
	}
	if got := r.GetEscalationPath("medium", true); !strings.Contains(got, "ticket") {
		t.Errorf("medium in-hours = %q", got)
	}
	if got := r.GetEscalationPath("made-up", true); got != r.GetEscalationPath("medium", true) {
		t.Errorf("unknown severities fall back to medium, got %q", got)
	}
}

func TestHealthCheckAll(t *testing.T) {
	r := newRouter(t)
	r.Register(&stub{name: "a", health: source.Health{Status: source.StatusHealthy}}, 1, 0)
	r.Register(&stub{name: "b", health: source.Health{Status: source.StatusUnhealthy}}, 2, 0)

	got := r.HealthCheckAll(context.Background())
	if got["a"].Status != source.StatusHealthy || got["b"].Status != source.StatusUnhealthy {
		t.Errorf("health = %+v", got)
	}
}

func TestCleanup(t *testing.T) {
	r := newRouter(t)
	a := &stub{name: "a"}
	b := &stub{name: "b"}
	r.Register(a, 1, 0)
	r.Register(b, 2, 0)

	if err := r.Cleanup(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !a.cleaned.Load() || !b.cleaned.Load() {
		t.Error("every adapter must be released")
	}
	if len(r.SourceMetadata()) != 0 {
		t.Error("cleanup empties the registry")
	}
}

func TestLoadSources_RefusesBadKeepsGood(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "runbook.md"), []byte("# Runbook\n\n1. step"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := newRouter(t)
	started := r.LoadSources(context.Background(), []config.SourceConfig{
		{Name: "docs", Type: config.TypeFilesystem, Filesystem: &config.FilesystemConfig{Roots: []string{dir}}},
		{Name: "ghost", Type: config.TypeFilesystem, Filesystem: &config.FilesystemConfig{Roots: []string{filepath.Join(dir, "does-not-exist")}}},
	})
	if started != 1 {
		t.Fatalf("started = %d", started)
	}
	meta := r.SourceMetadata()
	if len(meta) != 1 || meta[0].Name != "docs" {
		t.Errorf("metadata = %+v", meta)
	}
	if err := r.Cleanup(context.Background()); err != nil {
		t.Error(err)
	}
}
