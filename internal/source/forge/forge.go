// Package forge adapts a GitHub-style code forge. It indexes
// documentation files out of configured repositories under strict quota
// discipline: conservative hourly budgets, spaced requests, and a
// breaker around every call.
package forge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/joestump/runbookd/internal/breaker"
	"github.com/joestump/runbookd/internal/config"
	"github.com/joestump/runbookd/internal/content"
	"github.com/joestump/runbookd/internal/errs"
	"github.com/joestump/runbookd/internal/index"
	"github.com/joestump/runbookd/internal/ratelimit"
	"github.com/joestump/runbookd/internal/runbook"
	"github.com/joestump/runbookd/internal/source"
)

const (
	// advertisedHourlyLimit is the upstream's documented authenticated
	// budget; the adapter's quota is a configured fraction of it.
	advertisedHourlyLimit = 5000

	// fuzzyThreshold is raised above the filesystem default: the corpus
	// spans many repositories and weak matches multiply.
	fuzzyThreshold = 0.6

	// Hard ceilings from the validation pass.
	maxQuotaPercent   = 25
	maxConcurrency    = 3
	minIntervalFloor  = 1000 * time.Millisecond
	maxBulkRepos      = 10
	defaultFileSizeKB = 500

	safetyBuffer = 10
)

var docExtensions = map[string]bool{
	".md": true, ".txt": true, ".json": true, ".yml": true,
	".yaml": true, ".rst": true, ".adoc": true,
}

var docNameWords = []string{
	"runbook", "ops", "operations", "troubleshoot", "incident", "procedure", "playbook", "sre",
}

// Adapter indexes documentation from one forge account.
type Adapter struct {
	name       string
	baseURL    string
	owner      string
	repos      []string
	org        string
	orgConsent bool
	categories []string
	cfg        config.ForgeConfig
	token      string
	cacheTTL   time.Duration

	client  *http.Client
	limiter *ratelimit.Limiter
	brk     *breaker.Registry
	log     *logrus.Entry

	mu          sync.RWMutex
	docs        map[string]source.Document
	repoIndexed map[string]time.Time
	idx         *index.Index
	lastIndexed time.Time

	indexing atomic.Bool

	requests  atomic.Int64
	failures  atomic.Int64
	elapsedMS atomic.Int64
}

// New validates the quota discipline settings and builds the adapter.
// The validation pass is strict: a config that would let the adapter
// hammer the upstream is rejected outright.
func New(sc config.SourceConfig, log *logrus.Entry) (*Adapter, error) {
	fc := sc.Forge
	if fc == nil || fc.BaseURL == "" || fc.Owner == "" {
		return nil, errs.New(errs.CodeConfig, "forge source %q: base_url and owner are required", sc.Name)
	}
	if len(fc.Repos) == 0 && fc.Organization == "" {
		return nil, errs.New(errs.CodeConfig, "forge source %q: repos or organization is required", sc.Name)
	}

	quota := fc.QuotaPercent
	if quota == 0 {
		quota = 10
	}
	if quota > maxQuotaPercent {
		return nil, errs.New(errs.CodeConfig, "forge source %q: quota_percent %d exceeds the %d%% ceiling", sc.Name, quota, maxQuotaPercent)
	}
	concurrency := fc.MaxConcurrent
	if concurrency == 0 {
		concurrency = 2
	}
	if concurrency > maxConcurrency {
		return nil, errs.New(errs.CodeConfig, "forge source %q: max_concurrent %d exceeds the ceiling of %d", sc.Name, fc.MaxConcurrent, maxConcurrency)
	}
	interval := time.Duration(fc.MinIntervalMS) * time.Millisecond
	if interval == 0 {
		interval = minIntervalFloor
	}
	if interval < minIntervalFloor {
		return nil, errs.New(errs.CodeConfig, "forge source %q: min_interval_ms must be at least %d", sc.Name, minIntervalFloor/time.Millisecond)
	}
	bulk := fc.MaxReposPerScan
	if bulk == 0 {
		bulk = 5
	}
	if bulk > maxBulkRepos {
		return nil, errs.New(errs.CodeConfig, "forge source %q: max_repos_per_scan %d exceeds the ceiling of %d", sc.Name, fc.MaxReposPerScan, maxBulkRepos)
	}

	entry := log.WithField("source", sc.Name)
	if fc.Organization != "" && !fc.OrgScanConsent {
		entry.Warn("organization scanning configured without org_scan_consent; the org walk will be skipped")
	}

	fc.QuotaPercent = quota
	fc.MaxConcurrent = concurrency
	fc.MinIntervalMS = int(interval / time.Millisecond)
	fc.MaxReposPerScan = bulk
	if fc.MaxFileSizeKB == 0 {
		fc.MaxFileSizeKB = defaultFileSizeKB
	}

	a := &Adapter{
		name:       sc.Name,
		baseURL:    strings.TrimRight(fc.BaseURL, "/"),
		owner:      fc.Owner,
		repos:      fc.Repos,
		org:        fc.Organization,
		orgConsent: fc.OrgScanConsent,
		categories: sc.Categories,
		cfg:        *fc,
		cacheTTL:   config.ParseCacheTTL(fc.CacheTTL),
		client:     &http.Client{Timeout: sc.Timeout(30 * time.Second)},
		limiter: ratelimit.New(ratelimit.Options{
			MinInterval:  interval,
			Quota:        advertisedHourlyLimit * quota / 100,
			SafetyBuffer: safetyBuffer,
		}),
		log:         entry,
		docs:        map[string]source.Document{},
		repoIndexed: map[string]time.Time{},
		idx:         index.New(nil, index.Options{Threshold: fuzzyThreshold}),
	}
	a.brk = breaker.NewRegistry(breaker.Options{}, breaker.LogStateChanges(entry))
	return a, nil
}

func (a *Adapter) Name() string { return a.name }

// Initialize resolves the token and builds the initial index.
func (a *Adapter) Initialize(ctx context.Context) error {
	token, err := config.Secret(a.name, config.SecretToken)
	if err != nil {
		return err
	}
	a.token = token

	if _, err := a.RefreshIndex(ctx, true); err != nil {
		return err
	}
	return nil
}

// Search runs the fuzzy query over every indexed repository, with the
// same substring fallback as the filesystem adapter.
func (a *Adapter) Search(ctx context.Context, query string, f source.Filters) ([]source.SearchResult, error) {
	if !source.CategoriesIntersect(f.Categories, a.categories) {
		return nil, nil
	}

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
			out = append(out, source.SearchResult{Document: doc, ConfidenceScore: conf, MatchReasons: reasons})
		}
	} else {
		for _, id := range a.idx.Substring(query) {
			doc, ok := a.docs[id]
			if !ok {
				continue
			}
			out = append(out, source.SearchResult{
				Document:        doc,
				ConfidenceScore: 0.1,
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
		rb := runbook.Extract(d, alertType, severity, source.TypeForge)
		rb.Metadata.ConfidenceScore = runbook.Relevance(rb, alertType, severity, systems)
		out = append(out, *rb)
	}
	source.SortRunbooks(out)
	return out, nil
}

// HealthCheck reports reachability via the rate-limit endpoint; a forge
// that does not expose one still counts as reachable on any non-5xx.
func (a *Adapter) HealthCheck(ctx context.Context) source.Health {
	start := time.Now()
	h := source.Health{Status: source.StatusHealthy, LastChecked: start}

	var out json.RawMessage
	if err := a.doJSON(ctx, a.baseURL+"/rate_limit", &out); err != nil && !errs.IsNotFound(err) {
		h.Status = source.StatusUnhealthy
		h.Message = err.Error()
	}

	a.mu.RLock()
	h.DocumentCount = len(a.docs)
	a.mu.RUnlock()
	h.ResponseTimeMS = time.Since(start).Milliseconds()
	return h
}

// RefreshIndex walks the configured repositories, honoring the per-repo
// cache TTL unless force is set. Overlapping refreshes return false.
func (a *Adapter) RefreshIndex(ctx context.Context, force bool) (bool, error) {
	if !a.indexing.CompareAndSwap(false, true) {
		return false, nil
	}
	defer a.indexing.Store(false)

	repos, err := a.targetRepos(ctx)
	if err != nil {
		return false, err
	}

	for _, repo := range repos {
		if err := a.indexRepo(ctx, repo, force); err != nil {
			a.log.WithError(err).WithField("repo", repo).Warn("repo indexing failed")
		}
	}

	a.mu.Lock()
	a.lastIndexed = time.Now()
	a.mu.Unlock()
	a.rebuildIndex()
	return true, nil
}

func (a *Adapter) Metadata() source.Metadata {
	a.mu.RLock()
	count := len(a.docs)
	last := a.lastIndexed
	a.mu.RUnlock()

	reqs := a.requests.Load()
	m := source.Metadata{
		Name:          a.name,
		Type:          source.TypeForge,
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

func (a *Adapter) Cleanup(ctx context.Context) error {
	a.client.CloseIdleConnections()
	a.mu.Lock()
	a.docs = map[string]source.Document{}
	a.repoIndexed = map[string]time.Time{}
	a.mu.Unlock()
	return nil
}

// --- repository indexing ---

// targetRepos resolves the repo list: the configured set plus, with
// explicit consent, an organization walk capped by the bulk ceiling.
func (a *Adapter) targetRepos(ctx context.Context) ([]string, error) {
	repos := append([]string(nil), a.repos...)

	if a.org != "" && a.orgConsent {
		var listed []struct {
			Name string `json:"name"`
		}
		u := fmt.Sprintf("%s/orgs/%s/repos?per_page=%d", a.baseURL, a.org, a.cfg.MaxReposPerScan)
		if err := a.doJSON(ctx, u, &listed); err != nil {
			return nil, err
		}
		for _, r := range listed {
			if len(repos) >= a.cfg.MaxReposPerScan {
				break
			}
			repos = append(repos, r.Name)
		}
	}

	if len(repos) > a.cfg.MaxReposPerScan {
		repos = repos[:a.cfg.MaxReposPerScan]
	}
	return repos, nil
}

type treeEntry struct {
	Path string `json:"path"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// indexRepo fetches a repository's metadata and tree, then downloads the
// documentation-like files. A fresh per-repo index is reused inside the
// cache TTL unless force is set.
func (a *Adapter) indexRepo(ctx context.Context, repo string, force bool) error {
	a.mu.RLock()
	indexedAt, seen := a.repoIndexed[repo]
	a.mu.RUnlock()
	if seen && !force && time.Since(indexedAt) < a.cacheTTL {
		return nil
	}

	var meta struct {
		DefaultBranch string    `json:"default_branch"`
		UpdatedAt     time.Time `json:"updated_at"`
	}
	if err := a.doJSON(ctx, fmt.Sprintf("%s/repos/%s/%s", a.baseURL, a.owner, repo), &meta); err != nil {
		return err
	}
	branch := meta.DefaultBranch
	if branch == "" {
		branch = "main"
	}

	var tree struct {
		Tree []treeEntry `json:"tree"`
	}
	u := fmt.Sprintf("%s/repos/%s/%s/git/trees/%s?recursive=1", a.baseURL, a.owner, repo, branch)
	if err := a.doJSON(ctx, u, &tree); err != nil {
		return err
	}

	maxBytes := int64(a.cfg.MaxFileSizeKB) * 1000

	var (
		group errgroup.Group
		docMu sync.Mutex
		docs  []source.Document
	)
	group.SetLimit(a.cfg.MaxConcurrent)
	for _, entry := range tree.Tree {
		if entry.Type != "blob" || !wantsPath(entry.Path) {
			continue
		}
		if entry.Size > maxBytes {
			continue
		}
		group.Go(func() error {
			doc, err := a.fetchFile(ctx, repo, entry.Path, meta.UpdatedAt)
			if err != nil {
				a.log.WithError(err).WithFields(logrus.Fields{"repo": repo, "path": entry.Path}).Warn("skipping file")
				return nil
			}
			docMu.Lock()
			docs = append(docs, *doc)
			docMu.Unlock()
			return nil
		})
	}
	group.Wait()

	a.mu.Lock()
	for id := range a.docs {
		if a.docs[id].Metadata["repo"] == repo {
			delete(a.docs, id)
		}
	}
	for _, d := range docs {
		a.docs[d.ID] = d
	}
	a.repoIndexed[repo] = time.Now()
	a.mu.Unlock()
	return nil
}

// wantsPath applies the documentation selection rules: a recognized
// extension, and either a readme-ish name, a docs directory, or an
// operational keyword in the name.
func wantsPath(p string) bool {
	lp := strings.ToLower(p)
	if !docExtensions[path.Ext(lp)] {
		return false
	}
	base := path.Base(lp)
	if strings.Contains(base, "readme") {
		return true
	}
	if strings.HasPrefix(lp, "docs/") || strings.HasPrefix(lp, "doc/") ||
		strings.Contains(lp, "/docs/") || strings.Contains(lp, "/doc/") {
		return true
	}
	return containsAny(base, docNameWords)
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// fetchFile downloads one file via the contents endpoint and normalizes
// it into a document.
func (a *Adapter) fetchFile(ctx context.Context, repo, filePath string, repoUpdated time.Time) (*source.Document, error) {
	var out struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
		Size     int64  `json:"size"`
		HTMLURL  string `json:"html_url"`
	}
	u := fmt.Sprintf("%s/repos/%s/%s/contents/%s", a.baseURL, a.owner, repo, filePath)
	if err := a.doJSON(ctx, u, &out); err != nil {
		return nil, err
	}

	data, err := decodeContent(out.Content, out.Encoding)
	if err != nil {
		return nil, err
	}

	res, err := content.Process(content.Input{Data: data, URL: filePath})
	if err != nil {
		return nil, err
	}

	title := res.Title
	if title == "" {
		title = path.Base(filePath)
	}
	htmlURL := out.HTMLURL
	if htmlURL == "" {
		htmlURL = fmt.Sprintf("%s/%s/%s/blob/HEAD/%s", a.baseURL, a.owner, repo, filePath)
	}

	meta := res.Metadata
	meta["repo"] = repo
	meta["path"] = filePath

	return &source.Document{
		ID:                source.HashID(a.owner, repo, filePath),
		Title:             title,
		Content:           res.Content,
		SearchableContent: res.Searchable,
		Source:            a.name,
		SourceType:        source.TypeForge,
		URL:               htmlURL,
		LastModified:      repoUpdated,
		Metadata:          meta,
	}, nil
}

// decodeContent rejects obviously-broken base64 instead of silently
// indexing mojibake.
func decodeContent(raw, encoding string) ([]byte, error) {
	if encoding != "base64" {
		return []byte(raw), nil
	}
	cleaned := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, raw)
	data, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return nil, errs.Wrap(errs.CodeParse, err, "forge: invalid base64 content")
	}
	return data, nil
}

func (a *Adapter) rebuildIndex() {
	a.mu.RLock()
	entries := make([]index.Entry, 0, len(a.docs))
	for id, d := range a.docs {
		tags, _ := d.Metadata["tags"].(string)
		entries = append(entries, index.Entry{
			ID: id,
			Fields: map[string]string{
				"title":      d.Title,
				"searchable": d.SearchableContent,
				"content":    d.Content,
				"path":       d.URL,
				"tags":       tags,
			},
		})
	}
	a.mu.RUnlock()
	a.idx.Replace(entries)
}

// --- wire plumbing ---

// doJSON performs an authenticated GET with the limiter and breaker
// wrapped around it, updating the quota view from rate-limit headers.
func (a *Adapter) doJSON(ctx context.Context, rawURL string, out any) error {
	if err := a.limiter.Acquire(ctx); err != nil {
		return err
	}
	a.requests.Add(1)
	start := time.Now()
	defer func() { a.elapsedMS.Add(time.Since(start).Milliseconds()) }()

	_, err := a.brk.Do("forge:"+a.name, func() (any, error) {
		req, rerr := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if rerr != nil {
			return nil, errs.Wrap(errs.CodeInternal, rerr, "forge: build request")
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("Authorization", "Bearer "+a.token)

		resp, derr := a.client.Do(req)
		if derr != nil {
			a.failures.Add(1)
			return nil, errs.Wrap(errs.CodeUpstream, derr, "forge: request failed")
		}
		defer resp.Body.Close()

		a.observeHeaders(resp)
		if serr := a.statusError(resp); serr != nil {
			return nil, serr
		}

		body, berr := io.ReadAll(io.LimitReader(resp.Body, content.MaxPayload))
		if berr != nil {
			a.failures.Add(1)
			return nil, errs.Wrap(errs.CodeUpstream, berr, "forge: read response")
		}
		if jerr := json.Unmarshal(body, out); jerr != nil {
			a.failures.Add(1)
			return nil, errs.Wrap(errs.CodeParse, jerr, "forge: decode response")
		}
		return nil, nil
	})
	return err
}

func (a *Adapter) observeHeaders(resp *http.Response) {
	remaining := -1
	if s := resp.Header.Get("X-RateLimit-Remaining"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			remaining = n
		}
	}
	var resetAt time.Time
	if s := resp.Header.Get("X-RateLimit-Reset"); s != "" {
		if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
			resetAt = time.Unix(unix, 0)
		}
	}
	a.limiter.Observe(remaining, resetAt)
}

func (a *Adapter) statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		a.failures.Add(1)
		return errs.New(errs.CodeAuth, "forge: upstream returned %d", resp.StatusCode)
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusTooManyRequests:
		a.failures.Add(1)
		if resp.Header.Get("X-RateLimit-Remaining") == "0" || resp.StatusCode == http.StatusTooManyRequests {
			var resetAt time.Time
			if s := resp.Header.Get("X-RateLimit-Reset"); s != "" {
				if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
					resetAt = time.Unix(unix, 0)
				}
			}
			return a.limiter.Exhausted(resetAt)
		}
		return errs.New(errs.CodeAuth, "forge: upstream returned %d", resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return errs.New(errs.CodeNotFound, "forge: not found")
	case resp.StatusCode >= 400:
		a.failures.Add(1)
		return errs.New(errs.CodeUpstream, "forge: upstream returned %d", resp.StatusCode)
	}
	return nil
}
