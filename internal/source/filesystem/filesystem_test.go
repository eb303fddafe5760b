package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/joestump/runbookd/internal/config"
	"github.com/joestump/runbookd/internal/errs"
	"github.com/joestump/runbookd/internal/source"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestAdapter(t *testing.T, root string, mutate func(*config.FilesystemConfig)) *Adapter {
	t.Helper()
	fc := &config.FilesystemConfig{Roots: []string{root}}
	if mutate != nil {
		mutate(fc)
	}
	a, err := New(config.SourceConfig{Name: "local-docs", Type: source.TypeFilesystem, Filesystem: fc}, testLog())
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Cleanup(context.Background()) })
	return a
}

func TestNew_RequiresRoots(t *testing.T) {
	_, err := New(config.SourceConfig{Name: "bad", Filesystem: &config.FilesystemConfig{}}, testLog())
	if errs.CodeOf(err) != errs.CodeConfig {
		t.Fatalf("expected CONFIG, got %v", err)
	}
}

func TestInitialize_MissingRoot(t *testing.T) {
	a, err := New(config.SourceConfig{
		Name:       "bad",
		Filesystem: &config.FilesystemConfig{Roots: []string{"/does/not/exist"}},
	}, testLog())
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Initialize(context.Background()); errs.CodeOf(err) != errs.CodeConfig {
		t.Fatalf("expected CONFIG, got %v", err)
	}
}

func TestSearch_FindsIndexedDocuments(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "runbooks/db-restart.md", `---
tags: [runbook, database]
---
# Database Restart Runbook

1. Drain connections
2. Restart replicas
`)
	writeFile(t, root, "notes.txt", "unrelated meeting notes about lunch")

	a := newTestAdapter(t, root, nil)

	got, err := a.Search(context.Background(), "database restart", source.Filters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) == 0 {
		t.Fatal("expected a hit for the runbook document")
	}
	top := got[0]
	if top.Title != "Database Restart Runbook" {
		t.Errorf("top title = %q", top.Title)
	}
	if top.ID != source.HashID(filepath.Join(root, "runbooks/db-restart.md")) {
		t.Error("document id must hash the absolute path")
	}
	if top.ConfidenceScore <= 0 || top.ConfidenceScore > 1 {
		t.Errorf("confidence = %v", top.ConfidenceScore)
	}
	if len(top.MatchReasons) == 0 {
		t.Error("match reasons must be populated")
	}
}

func TestSearch_SubstringFallback(t *testing.T) {
	root := t.TempDir()
	// The marker sits past the 1 KiB searchable projection, so only the
	// full-content substring scan can find it.
	filler := strings.Repeat("plain prose filler without anything notable ", 30)
	writeFile(t, root, "notes.md", "# Notes\n\n"+filler+"\nthe frobnicator-xyzzy subsystem misbehaves on tuesdays")

	a := newTestAdapter(t, root, nil)

	got, err := a.Search(context.Background(), "xyzzy subsystem misbehaves", source.Filters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected the substring fallback to fire, got %+v", got)
	}
	if got[0].ConfidenceScore != 0.1 {
		t.Errorf("fallback score = %v", got[0].ConfidenceScore)
	}
	if got[0].MatchReasons[0] != "substring match" {
		t.Errorf("reasons = %v", got[0].MatchReasons)
	}
}

func TestSearch_CategoryFastPath(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "doc.md", "# Something")

	fc := &config.FilesystemConfig{Roots: []string{root}}
	a, err := New(config.SourceConfig{
		Name:       "local-docs",
		Type:       source.TypeFilesystem,
		Categories: []string{"runbook"},
		Filesystem: fc,
	}, testLog())
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer a.Cleanup(context.Background())

	got, err := a.Search(context.Background(), "something", source.Filters{Categories: []string{"api"}})
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("disjoint categories must short-circuit to empty, got %+v", got)
	}
}

func TestWalk_SkipsExcludedAndDeepDirs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "docs/keep.md", "# Keep")
	writeFile(t, root, "node_modules/skip.md", "# Skip")
	writeFile(t, root, ".hidden/skip.md", "# Skip")
	writeFile(t, root, "a/b/c/deep.md", "# Deep")

	a := newTestAdapter(t, root, func(fc *config.FilesystemConfig) { fc.MaxDepth = 2 })

	if n := a.Metadata().DocumentCount; n != 1 {
		t.Errorf("expected only docs/keep.md indexed, got %d documents", n)
	}
}

func TestDefaultExtensions_IncludePDF(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "runbooks/legacy.pdf", "Legacy Failover Runbook\n1. promote the standby")
	writeFile(t, root, "image.png", "not documentation")

	a := newTestAdapter(t, root, nil)

	if n := a.Metadata().DocumentCount; n != 1 {
		t.Errorf("expected the pdf indexed and the image skipped, got %d documents", n)
	}
}

func TestCleanup_Idempotent(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "doc.md", "# A Document")

	a := newTestAdapter(t, root, nil)

	if err := a.Cleanup(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := a.Cleanup(context.Background()); err != nil {
		t.Fatalf("repeated cleanup must be a no-op, got %v", err)
	}
}

func TestProcessFile_SizeCap(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "big.md", string(make([]byte, 2<<20)))
	writeFile(t, root, "small.md", "# Small")

	a := newTestAdapter(t, root, func(fc *config.FilesystemConfig) { fc.MaxFileSizeMB = 1 })

	if n := a.Metadata().DocumentCount; n != 1 {
		t.Errorf("oversized files are skipped, got %d documents", n)
	}
}

func TestGetDocument(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "doc.md", "# A Document")

	a := newTestAdapter(t, root, nil)

	res, err := a.GetDocument(context.Background(), source.HashID(path))
	if err != nil {
		t.Fatal(err)
	}
	if res == nil || res.Title != "A Document" {
		t.Fatalf("lookup = %+v", res)
	}

	missing, err := a.GetDocument(context.Background(), "nope")
	if err != nil || missing != nil {
		t.Errorf("missing ids return nil, nil; got %v, %v", missing, err)
	}
}

func TestRefreshIndex_GuardsOverlap(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "doc.md", "# Doc")

	a := newTestAdapter(t, root, nil)

	a.indexing.Store(true)
	ok, err := a.RefreshIndex(context.Background(), true)
	if err != nil || ok {
		t.Errorf("overlapping refresh must return false, got %v, %v", ok, err)
	}
	a.indexing.Store(false)

	ok, err = a.RefreshIndex(context.Background(), false)
	if err != nil || !ok {
		t.Errorf("delta refresh = %v, %v", ok, err)
	}
}

func TestSearchRunbooks(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "runbooks/disk.md", `# Disk Pressure Runbook

Follow these steps when the disk pressure alert fires:

1. Find large files
2. Rotate logs
`)
	writeFile(t, root, "src.txt", "function main() { return 0 }\nconst x = 1;")

	a := newTestAdapter(t, root, nil)

	rbs, err := a.SearchRunbooks(context.Background(), "disk_pressure", "high", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(rbs) != 1 {
		t.Fatalf("expected one runbook, got %d", len(rbs))
	}
	rb := rbs[0]
	if rb.Title != "Disk Pressure Runbook" {
		t.Errorf("title = %q", rb.Title)
	}
	if len(rb.Procedures) != 2 {
		t.Errorf("procedures = %+v", rb.Procedures)
	}
	if rb.Metadata.ConfidenceScore <= 0 {
		t.Error("relevance score must be set")
	}
}

func TestHealthCheck(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "doc.md", "# Doc")

	a := newTestAdapter(t, root, nil)

	h := a.HealthCheck(context.Background())
	if h.Status != source.StatusHealthy || h.DocumentCount != 1 {
		t.Errorf("health = %+v", h)
	}

	os.RemoveAll(root)
	h = a.HealthCheck(context.Background())
	if h.Status != source.StatusUnhealthy {
		t.Errorf("removed root must be unhealthy, got %+v", h)
	}
}

func eventFor(path, kind string) fsnotify.Event {
	op := fsnotify.Create
	if kind == "remove" {
		op = fsnotify.Remove
	}
	return fsnotify.Event{Name: path, Op: op}
}

func TestWatch_ReindexesOnChange(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "doc.md", "# Original")

	a := newTestAdapter(t, root, func(fc *config.FilesystemConfig) { fc.Watch = true })

	path := writeFile(t, root, "added.md", "# Freshly Added")
	a.handleEvent(eventFor(path, "create"))
	if n := a.Metadata().DocumentCount; n != 2 {
		t.Fatalf("add event should index the new file, got %d documents", n)
	}

	os.Remove(path)
	a.handleEvent(eventFor(path, "remove"))
	if n := a.Metadata().DocumentCount; n != 1 {
		t.Errorf("unlink event should drop the document, got %d documents", n)
	}
}
