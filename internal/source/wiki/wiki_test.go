package wiki

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/joestump/runbookd/internal/config"
	"github.com/joestump/runbookd/internal/errs"
	"github.com/joestump/runbookd/internal/source"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestEscapeCQL(t *testing.T) {
	if got := escapeCQL(`a"b\c'd`); got != `a\"b\\c\'d` {
		t.Errorf("escapeCQL = %q", got)
	}
}

func TestSearchCQL(t *testing.T) {
	now := time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC)
	got := searchCQL(`disk "full"`, []string{"OPS", "ENG"}, []string{"runbook"}, 30, now)

	for _, want := range []string{
		`text ~ "disk \"full\""`,
		`(space = "OPS" OR space = "ENG")`,
		"type = page",
		"status = current",
		"lastModified >= 2026-07-27",
		`text ~ "procedure"`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("cql missing %q:\n%s", want, got)
		}
	}
}

func TestSearchCQL_UnknownCategoryVerbatim(t *testing.T) {
	got := searchCQL("q", nil, []string{"networking"}, 0, time.Time{})
	if !strings.Contains(got, `text ~ "networking"`) {
		t.Errorf("unknown categories pass through verbatim:\n%s", got)
	}
}

func TestRunbookCQL(t *testing.T) {
	got := runbookCQL("disk_pressure", "high", []string{"OPS"})
	for _, want := range []string{
		`text ~ "disk_pressure"`,
		`text ~ "high"`,
		`text ~ "runbook"`,
		`text ~ "incident"`,
		`space = "OPS"`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("cql missing %q:\n%s", want, got)
		}
	}
}

func pageJSON(id, title, space, body string, when time.Time) map[string]any {
	return map[string]any{
		"id":     id,
		"title":  title,
		"status": "current",
		"space":  map[string]any{"key": space},
		"body":   map[string]any{"storage": map[string]any{"value": body}},
		"version": map[string]any{
			"number": 3,
			"when":   when.Format(time.RFC3339),
			"by":     map[string]any{"displayName": "sre-bot"},
		},
		"_links": map[string]any{"webui": "/pages/" + id},
	}
}

// newTestServer serves the minimal wiki API surface the adapter touches.
func newTestServer(t *testing.T, pages []map[string]any) (*httptest.Server, *Adapter) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/api/space", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"results": []any{}})
	})
	mux.HandleFunc("GET /rest/api/content/search", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cql") == "" {
			http.Error(w, "missing cql", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"results": pages})
	})
	mux.HandleFunc("GET /rest/api/content/{id}", func(w http.ResponseWriter, r *http.Request) {
		for _, p := range pages {
			if p["id"] == r.PathValue("id") {
				json.NewEncoder(w).Encode(p)
				return
			}
		}
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	t.Setenv("OPS_WIKI_TOKEN", "secret")
	a, err := New(config.SourceConfig{
		Name: "ops-wiki",
		Type: source.TypeWiki,
		Wiki: &config.WikiConfig{BaseURL: srv.URL, Spaces: []string{"OPS"}},
	}, testLog())
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	return srv, a
}

func TestInitialize_MissingToken(t *testing.T) {
	a, err := New(config.SourceConfig{
		Name: "unset-wiki",
		Wiki: &config.WikiConfig{BaseURL: "http://localhost:1"},
	}, testLog())
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Initialize(context.Background()); errs.CodeOf(err) != errs.CodeConfig {
		t.Fatalf("expected CONFIG for a missing token, got %v", err)
	}
}

func TestSearch_ConvertsStorageFormat(t *testing.T) {
	body := `<h1>Disk Runbook</h1><ac:structured-macro ac:name="warning"><ac:rich-text-body>Disk full</ac:rich-text-body></ac:structured-macro><ol><li>stop ingest</li></ol>`
	_, a := newTestServer(t, []map[string]any{
		pageJSON("12345", "Disk Runbook", "OPS", body, time.Now().Add(-time.Hour)),
	})

	got, err := a.Search(context.Background(), "disk runbook", source.Filters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("results = %+v", got)
	}
	r := got[0]
	if r.ID != "12345" {
		t.Errorf("wiki ids are upstream page ids, got %q", r.ID)
	}
	if !strings.Contains(r.Content, "[WARNING] Disk full") {
		t.Errorf("macros must survive conversion:\n%s", r.Content)
	}
	if !strings.Contains(r.Content, "1. stop ingest") {
		t.Errorf("lists must become numbered lines:\n%s", r.Content)
	}
	if r.Metadata["space"] != "OPS" || r.Metadata["author"] != "sre-bot" {
		t.Errorf("metadata = %v", r.Metadata)
	}
	if r.ConfidenceScore <= 0.4 {
		t.Errorf("a title match in an ops space with recency should score well, got %v", r.ConfidenceScore)
	}
}

func TestGetDocument_NotFound(t *testing.T) {
	_, a := newTestServer(t, nil)
	res, err := a.GetDocument(context.Background(), "99999")
	if err != nil || res != nil {
		t.Errorf("404 pages return nil, nil; got %v, %v", res, err)
	}
}

func TestGetDocument_Found(t *testing.T) {
	_, a := newTestServer(t, []map[string]any{
		pageJSON("777", "Pager Guide", "OPS", "<p>rotate weekly</p>", time.Now()),
	})
	res, err := a.GetDocument(context.Background(), "777")
	if err != nil {
		t.Fatal(err)
	}
	if res == nil || res.Title != "Pager Guide" || res.ConfidenceScore != 1.0 {
		t.Fatalf("lookup = %+v", res)
	}
}

func TestSearchRunbooks_DeduplicatesAcrossQueries(t *testing.T) {
	body := "<h1>Disk Pressure Runbook</h1><p>Follow these steps for the disk pressure incident:</p><ol><li>free space</li><li>verify</li></ol>"
	_, a := newTestServer(t, []map[string]any{
		pageJSON("555", "Disk Pressure Runbook", "OPS", body, time.Now()),
	})

	rbs, err := a.SearchRunbooks(context.Background(), "disk_pressure", "high", []string{"storage"})
	if err != nil {
		t.Fatal(err)
	}
	// Every fan-out query returns the same page; it must appear once.
	if len(rbs) != 1 {
		t.Fatalf("expected one deduplicated runbook, got %d", len(rbs))
	}
	rb := rbs[0]
	if len(rb.Procedures) != 2 {
		t.Errorf("procedures = %+v", rb.Procedures)
	}
	if rb.SeverityMapping["critical"] != "critical" {
		t.Error("wiki runbooks carry the default severity mapping")
	}
	if rb.Metadata.ConfidenceScore <= 0 || rb.Metadata.ConfidenceScore > 1 {
		t.Errorf("confidence = %v", rb.Metadata.ConfidenceScore)
	}
}

func TestStatusMapping(t *testing.T) {
	var status int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	t.Setenv("OPS_WIKI_TOKEN", "secret")
	a, err := New(config.SourceConfig{
		Name: "ops-wiki",
		Wiki: &config.WikiConfig{BaseURL: srv.URL},
	}, testLog())
	if err != nil {
		t.Fatal(err)
	}
	a.token = "secret"

	cases := map[int]string{
		http.StatusUnauthorized:    errs.CodeAuth,
		http.StatusForbidden:       errs.CodeAuth,
		http.StatusTooManyRequests: errs.CodeRateLimited,
		http.StatusBadGateway:      errs.CodeUpstream,
	}
	for code, want := range cases {
		status = code
		_, err := a.searchPages(context.Background(), "type = page")
		if errs.CodeOf(err) != want {
			t.Errorf("status %d: got %v, want %s", code, err, want)
		}
	}
}

func TestHealthCheck_Unreachable(t *testing.T) {
	t.Setenv("DEAD_WIKI_TOKEN", "secret")
	a, err := New(config.SourceConfig{
		Name: "dead-wiki",
		Wiki: &config.WikiConfig{BaseURL: "http://127.0.0.1:1"},
	}, testLog())
	if err != nil {
		t.Fatal(err)
	}
	h := a.HealthCheck(context.Background())
	if h.Status != source.StatusUnhealthy {
		t.Errorf("health = %+v", h)
	}
	if h.DocumentCount != -1 {
		t.Error("wiki document counts are not measured")
	}
}
