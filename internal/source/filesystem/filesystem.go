// Package filesystem indexes documentation trees on local disk. It walks
// configured roots, normalizes each file through the content processor,
// and serves fuzzy queries from an in-memory index. Watch mode keeps the
// index current as files change.
package filesystem

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/joestump/runbookd/internal/config"
	"github.com/joestump/runbookd/internal/content"
	"github.com/joestump/runbookd/internal/errs"
	"github.com/joestump/runbookd/internal/index"
	"github.com/joestump/runbookd/internal/runbook"
	"github.com/joestump/runbookd/internal/source"
)

const (
	defaultMaxDepth = 10
	defaultMaxBytes = 10 << 20

	// substringScore is the fixed confidence for the substring fallback
	// when the fuzzy query comes back empty.
	substringScore = 0.1
)

var defaultExtensions = []string{
	".md", ".markdown", ".txt", ".json", ".yml", ".yaml", ".rst", ".adoc", ".pdf",
}

// Directories that never hold documentation.
var excludedDirs = map[string]struct{}{
	"node_modules": {},
	"vendor":       {},
	"target":       {},
	"build":        {},
	"dist":         {},
	"__pycache__":  {},
}

var mimeByExt = map[string]string{
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".txt":      "text/plain",
	".json":     "application/json",
	".yml":      "application/yaml",
	".yaml":     "application/yaml",
	".rst":      "text/plain",
	".adoc":     "text/plain",
}

// Adapter serves documents from local documentation trees.
type Adapter struct {
	name       string
	cfg        config.FilesystemConfig
	categories []string
	log        *logrus.Entry

	mu          sync.RWMutex
	docs        map[string]source.Document
	idByPath    map[string]string
	idx         *index.Index
	lastIndexed time.Time

	indexing atomic.Bool

	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once

	requests  atomic.Int64
	failures  atomic.Int64
	elapsedMS atomic.Int64
}

// New builds a filesystem adapter from its source configuration.
func New(sc config.SourceConfig, log *logrus.Entry) (*Adapter, error) {
	if sc.Filesystem == nil || len(sc.Filesystem.Roots) == 0 {
		return nil, errs.New(errs.CodeConfig, "filesystem source %q: at least one root is required", sc.Name)
	}
	return &Adapter{
		name:       sc.Name,
		cfg:        *sc.Filesystem,
		categories: sc.Categories,
		log:        log.WithField("source", sc.Name),
		docs:       map[string]source.Document{},
		idByPath:   map[string]string{},
		idx:        index.New(nil, index.Options{}),
		done:       make(chan struct{}),
	}, nil
}

func (a *Adapter) Name() string { return a.name }

// Initialize verifies the roots exist, builds the initial index, and
// starts the watcher when configured.
func (a *Adapter) Initialize(ctx context.Context) error {
	for _, root := range a.cfg.Roots {
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			return errs.New(errs.CodeConfig, "filesystem source %q: root %q is not a readable directory", a.name, root)
		}
	}

	if _, err := a.RefreshIndex(ctx, true); err != nil {
		return err
	}

	if a.cfg.Watch {
		if err := a.startWatcher(); err != nil {
			return err
		}
	}
	return nil
}

// Search runs a fuzzy query over the indexed documents, falling back to
// a low-confidence substring scan when the fuzzy pass finds nothing.
func (a *Adapter) Search(ctx context.Context, query string, f source.Filters) ([]source.SearchResult, error) {
	if !source.CategoriesIntersect(f.Categories, a.categories) {
		return nil, nil
	}
	start := time.Now()
	a.requests.Add(1)
	defer func() { a.elapsedMS.Add(time.Since(start).Milliseconds()) }()

	matches := a.idx.Search(query)

	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []source.SearchResult
	if len(matches) > 0 {
		for _, m := range matches {
			doc, ok := a.docs[m.ID]
			if !ok {
				continue
			}
			conf, reasons := runbook.Confidence(query, doc, false)
			reasons = append(reasons, "fuzzy fields: "+strings.Join(m.Fields, ","))
			out = append(out, source.SearchResult{
				Document:        doc,
				ConfidenceScore: conf,
				MatchReasons:    reasons,
			})
		}
	} else {
		for _, id := range a.idx.Substring(query) {
			doc, ok := a.docs[id]
			if !ok {
				continue
			}
			out = append(out, source.SearchResult{
				Document:        doc,
				ConfidenceScore: substringScore,
				MatchReasons:    []string{"substring match"},
			})
		}
	}

	out = source.ApplyFilters(out, f)
	source.SortResults(out, func(string) int { return 0 })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// GetDocument looks up a document by id. Missing ids return nil, not an
// error.
func (a *Adapter) GetDocument(ctx context.Context, id string) (*source.SearchResult, error) {
	a.mu.RLock()
	doc, ok := a.docs[id]
	a.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return &source.SearchResult{
		Document:        doc,
		ConfidenceScore: 1.0,
		MatchReasons:    []string{"direct lookup"},
	}, nil
}

// SearchRunbooks extracts runbooks from documents that pass the
// runbook-likelihood filter, ranked by relevance to the alert.
func (a *Adapter) SearchRunbooks(ctx context.Context, alertType, severity string, systems []string) ([]source.Runbook, error) {
	a.mu.RLock()
	docs := make([]source.Document, 0, len(a.docs))
	for _, d := range a.docs {
		docs = append(docs, d)
	}
	a.mu.RUnlock()

	var out []source.Runbook
	for _, d := range docs {
		if !runbook.Likely(d, alertType, severity) {
			continue
		}
		rb := runbook.Extract(d, alertType, severity, source.TypeFilesystem)
		rb.Metadata.ConfidenceScore = runbook.Relevance(rb, alertType, severity, systems)
		out = append(out, *rb)
	}
	source.SortRunbooks(out)
	return out, nil
}

// HealthCheck verifies the roots are still readable.
func (a *Adapter) HealthCheck(ctx context.Context) source.Health {
	start := time.Now()
	h := source.Health{Status: source.StatusHealthy, LastChecked: start}

	for _, root := range a.cfg.Roots {
		if info, err := os.Stat(root); err != nil || !info.IsDir() {
			h.Status = source.StatusUnhealthy
			h.Message = fmt.Sprintf("root %q unreadable", root)
			break
		}
	}

	a.mu.RLock()
	h.DocumentCount = len(a.docs)
	a.mu.RUnlock()
	h.ResponseTimeMS = time.Since(start).Milliseconds()
	return h
}

// RefreshIndex rebuilds the document set. force rebuilds every file;
// otherwise files whose modification time is unchanged are reused.
// Returns false when an index build is already in progress.
func (a *Adapter) RefreshIndex(ctx context.Context, force bool) (bool, error) {
	if !a.indexing.CompareAndSwap(false, true) {
		return false, nil
	}
	defer a.indexing.Store(false)

	docs := map[string]source.Document{}
	idByPath := map[string]string{}

	for _, root := range a.cfg.Roots {
		if err := a.walkRoot(ctx, root, force, docs, idByPath); err != nil {
			return false, err
		}
	}

	a.mu.Lock()
	a.docs = docs
	a.idByPath = idByPath
	a.lastIndexed = time.Now()
	a.mu.Unlock()

	a.rebuildIndex()
	a.log.WithField("documents", len(docs)).Debug("index refreshed")
	return true, nil
}

// Metadata reports operational counters.
func (a *Adapter) Metadata() source.Metadata {
	a.mu.RLock()
	count := len(a.docs)
	last := a.lastIndexed
	a.mu.RUnlock()

	reqs := a.requests.Load()
	m := source.Metadata{
		Name:          a.name,
		Type:          source.TypeFilesystem,
		DocumentCount: count,
		LastIndexed:   last,
		SuccessRate:   1,
	}
	if reqs > 0 {
		m.AvgResponseTimeMS = float64(a.elapsedMS.Load()) / float64(reqs)
		m.SuccessRate = 1 - float64(a.failures.Load())/float64(reqs)
	}
	return m
}

// Cleanup stops the watcher and releases the document store. Safe to call
// more than once.
func (a *Adapter) Cleanup(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.done) })
	if a.watcher != nil {
		if err := a.watcher.Close(); err != nil {
			return errs.Wrap(errs.CodeInternal, err, "filesystem: close watcher")
		}
	}
	a.mu.Lock()
	a.docs = map[string]source.Document{}
	a.idByPath = map[string]string{}
	a.mu.Unlock()
	return nil
}

// --- indexing ---

func (a *Adapter) walkRoot(ctx context.Context, root string, force bool, docs map[string]source.Document, idByPath map[string]string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return errs.Wrap(errs.CodeConfig, err, "filesystem: resolve root %q", root)
	}

	maxDepth := a.cfg.MaxDepth
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	recursive := a.cfg.Recursive == nil || *a.cfg.Recursive

	return filepath.WalkDir(absRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			a.log.WithError(err).WithField("path", path).Warn("walk error, skipping")
			return nil
		}
		if err := ctx.Err(); err != nil {
			return errs.Wrap(errs.CodeTimeout, err, "filesystem: walk cancelled")
		}

		rel, _ := filepath.Rel(absRoot, path)
		depth := strings.Count(rel, string(filepath.Separator))

		if d.IsDir() {
			if path == absRoot {
				return nil
			}
			name := d.Name()
			if strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			if _, ok := excludedDirs[name]; ok {
				return filepath.SkipDir
			}
			if !recursive || depth >= maxDepth {
				return filepath.SkipDir
			}
			return nil
		}

		if !a.wantsFile(path) {
			return nil
		}

		// Unchanged files are reused on delta refreshes.
		if !force {
			if prev, ok := a.lookupByPath(path); ok {
				if info, ierr := d.Info(); ierr == nil && prev.LastModified.Equal(info.ModTime()) {
					docs[prev.ID] = prev
					idByPath[path] = prev.ID
					return nil
				}
			}
		}

		doc, perr := a.processFile(path)
		if perr != nil {
			a.log.WithError(perr).WithField("path", path).Warn("skipping file")
			return nil
		}
		docs[doc.ID] = *doc
		idByPath[path] = doc.ID
		return nil
	})
}

func (a *Adapter) lookupByPath(path string) (source.Document, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	id, ok := a.idByPath[path]
	if !ok {
		return source.Document{}, false
	}
	doc, ok := a.docs[id]
	return doc, ok
}

func (a *Adapter) wantsFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	exts := a.cfg.Extensions
	if len(exts) == 0 {
		exts = defaultExtensions
	}
	for _, e := range exts {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}

func (a *Adapter) processFile(path string) (*source.Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, err, "filesystem: stat %s", path)
	}

	maxBytes := int64(defaultMaxBytes)
	if a.cfg.MaxFileSizeMB > 0 {
		maxBytes = int64(a.cfg.MaxFileSizeMB) << 20
	}
	if info.Size() > maxBytes {
		return nil, errs.New(errs.CodePayloadTooLarge, "filesystem: %s is %d bytes (cap %d)", path, info.Size(), maxBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, err, "filesystem: read %s", path)
	}

	ext := strings.ToLower(filepath.Ext(path))
	res, err := content.Process(content.Input{
		Data:    data,
		MIME:    mimeByExt[ext],
		URL:     path,
		MaxSize: int(maxBytes),
	})
	if err != nil {
		return nil, err
	}

	title := res.Title
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(path), ext)
	}

	meta := res.Metadata
	meta["path"] = path
	meta["size"] = info.Size()
	if mime := mimeByExt[ext]; mime != "" {
		meta["mime"] = mime
	}

	return &source.Document{
		ID:                source.HashID(path),
		Title:             title,
		Content:           res.Content,
		SearchableContent: res.Searchable,
		Source:            a.name,
		SourceType:        source.TypeFilesystem,
		URL:               "file://" + path,
		LastModified:      info.ModTime(),
		Metadata:          meta,
	}, nil
}

// rebuildIndex regenerates the fuzzy index from the current documents.
func (a *Adapter) rebuildIndex() {
	a.mu.RLock()
	entries := make([]index.Entry, 0, len(a.docs))
	for id, d := range a.docs {
		entries = append(entries, index.Entry{
			ID: id,
			Fields: map[string]string{
				"title":      d.Title,
				"searchable": d.SearchableContent,
				"content":    d.Content,
				"path":       d.URL,
				"tags":       metaTags(d),
			},
		})
	}
	a.mu.RUnlock()
	a.idx.Replace(entries)
}

func metaTags(d source.Document) string {
	if d.Metadata == nil {
		return ""
	}
	switch v := d.Metadata["tags"].(type) {
	case string:
		return v
	case []string:
		return strings.Join(v, " ")
	case []any:
		parts := make([]string, 0, len(v))
		for _, t := range v {
			if s, ok := t.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " ")
	}
	return ""
}

// --- watch mode ---

func (a *Adapter) startWatcher() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errs.Wrap(errs.CodeInternal, err, "filesystem: start watcher")
	}
	a.watcher = w

	for _, root := range a.cfg.Roots {
		abs, aerr := filepath.Abs(root)
		if aerr != nil {
			continue
		}
		filepath.WalkDir(abs, func(path string, d os.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return nil
			}
			if strings.HasPrefix(d.Name(), ".") && path != abs {
				return filepath.SkipDir
			}
			if _, ok := excludedDirs[d.Name()]; ok {
				return filepath.SkipDir
			}
			return w.Add(path)
		})
	}

	go a.watchLoop()
	return nil
}

func (a *Adapter) watchLoop() {
	for {
		select {
		case <-a.done:
			return
		case ev, ok := <-a.watcher.Events:
			if !ok {
				return
			}
			a.handleEvent(ev)
		case err, ok := <-a.watcher.Errors:
			if !ok {
				return
			}
			a.log.WithError(err).Warn("watcher error")
		}
	}
}

// handleEvent re-indexes changed files and drops removed ones, then
// rebuilds the fuzzy index.
func (a *Adapter) handleEvent(ev fsnotify.Event) {
	switch {
	case ev.Op.Has(fsnotify.Create), ev.Op.Has(fsnotify.Write):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if ev.Op.Has(fsnotify.Create) {
				a.watcher.Add(ev.Name)
			}
			return
		}
		if !a.wantsFile(ev.Name) {
			return
		}
		doc, err := a.processFile(ev.Name)
		if err != nil {
			a.log.WithError(err).WithField("path", ev.Name).Warn("re-index failed")
			return
		}
		a.mu.Lock()
		a.docs[doc.ID] = *doc
		a.idByPath[ev.Name] = doc.ID
		a.mu.Unlock()
		a.rebuildIndex()
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		a.mu.Lock()
		if id, ok := a.idByPath[ev.Name]; ok {
			delete(a.docs, id)
			delete(a.idByPath, ev.Name)
		}
		a.mu.Unlock()
		a.rebuildIndex()
	}
}
