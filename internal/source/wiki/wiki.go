// Package wiki adapts a Confluence-style wiki: CQL search over current
// pages, storage-format markup normalized to text, and runbook discovery
// via a small fan-out of targeted queries.
package wiki

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
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
	"github.com/joestump/runbookd/internal/ratelimit"
	"github.com/joestump/runbookd/internal/runbook"
	"github.com/joestump/runbookd/internal/source"
)

const (
	searchPath  = "/rest/api/content/search"
	contentPath = "/rest/api/content/"
	spacePath   = "/rest/api/space"

	pageLimit = 25

	// maxSystemQueries bounds the per-system queries in a runbook fan-out.
	maxSystemQueries = 3
)

var indicatorWords = []string{
	"runbook", "procedure", "troubleshoot", "guide", "howto", "api", "documentation",
}

// Adapter talks to one wiki instance.
type Adapter struct {
	name       string
	baseURL    string
	spaces     []string
	categories []string
	authType   string
	token      string
	user, pass string

	client  *http.Client
	limiter *ratelimit.Limiter
	brk     *breaker.Registry
	log     *logrus.Entry

	mu          sync.RWMutex
	lastIndexed time.Time

	requests  atomic.Int64
	failures  atomic.Int64
	elapsedMS atomic.Int64
}

// New builds a wiki adapter. Credentials are resolved later, during
// Initialize.
func New(sc config.SourceConfig, log *logrus.Entry) (*Adapter, error) {
	if sc.Wiki == nil || sc.Wiki.BaseURL == "" {
		return nil, errs.New(errs.CodeConfig, "wiki source %q: base_url is required", sc.Name)
	}
	authType := sc.Wiki.AuthType
	if authType == "" {
		authType = "bearer"
	}
	if authType != "bearer" && authType != "basic" {
		return nil, errs.New(errs.CodeConfig, "wiki source %q: auth_type must be bearer or basic", sc.Name)
	}

	a := &Adapter{
		name:       sc.Name,
		baseURL:    strings.TrimRight(sc.Wiki.BaseURL, "/"),
		spaces:     sc.Wiki.Spaces,
		categories: sc.Categories,
		authType:   authType,
		client:     &http.Client{Timeout: sc.Timeout(30 * time.Second)},
		limiter:    ratelimit.PerMinute(120),
		log:        log.WithField("source", sc.Name),
	}
	a.brk = breaker.NewRegistry(breaker.Options{}, breaker.LogStateChanges(a.log))
	return a, nil
}

func (a *Adapter) Name() string { return a.name }

// Initialize resolves credentials from the environment and verifies
// connectivity with a cheap space listing.
func (a *Adapter) Initialize(ctx context.Context) error {
	switch a.authType {
	case "bearer":
		token, err := config.Secret(a.name, config.SecretToken)
		if err != nil {
			return err
		}
		a.token = token
	case "basic":
		user, err := config.Secret(a.name, config.SecretUsername)
		if err != nil {
			return err
		}
		pass, err := config.Secret(a.name, config.SecretPassword)
		if err != nil {
			return err
		}
		a.user, a.pass = user, pass
	}

	var out struct {
		Results []json.RawMessage `json:"results"`
	}
	if err := a.doJSON(ctx, a.baseURL+spacePath+"?limit=1", &out); err != nil {
		return errs.Wrap(errs.CodeUpstream, err, "wiki %s: connectivity check", a.name)
	}

	a.mu.Lock()
	a.lastIndexed = time.Now()
	a.mu.Unlock()
	return nil
}

// Search runs a CQL free-text query and ranks the pages.
func (a *Adapter) Search(ctx context.Context, query string, f source.Filters) ([]source.SearchResult, error) {
	if !source.CategoriesIntersect(f.Categories, a.categories) {
		return nil, nil
	}
	cql := searchCQL(query, a.spaces, f.Categories, f.MaxAgeDays, time.Now())
	pages, err := a.searchPages(ctx, cql)
	if err != nil {
		return nil, err
	}

	out := make([]source.SearchResult, 0, len(pages))
	for _, p := range pages {
		doc, derr := a.toDocument(p)
		if derr != nil {
			a.log.WithError(derr).WithField("page", p.ID).Warn("skipping page")
			continue
		}
		conf, reasons := runbook.Confidence(query, *doc, true)
		if bonus, why := a.bonus(*doc); bonus > 0 {
			conf = source.Clamp(conf + bonus)
			reasons = append(reasons, why...)
		}
		out = append(out, source.SearchResult{
			Document:        *doc,
			ConfidenceScore: conf,
			MatchReasons:    reasons,
		})
	}

	out = source.ApplyFilters(out, f)
	source.SortResults(out, func(string) int { return 0 })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// GetDocument fetches a page by its upstream id. 404 returns nil, nil.
func (a *Adapter) GetDocument(ctx context.Context, id string) (*source.SearchResult, error) {
	var p page
	err := a.doJSON(ctx, a.baseURL+contentPath+url.PathEscape(id)+"?expand=body.storage,version,space", &p)
	if err != nil {
		if errs.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	doc, err := a.toDocument(p)
	if err != nil {
		return nil, err
	}
	return &source.SearchResult{
		Document:        *doc,
		ConfidenceScore: 1.0,
		MatchReasons:    []string{"direct lookup"},
	}, nil
}

// SearchRunbooks fans out four query shapes in parallel, de-duplicates
// by page id, and extracts runbooks from the likely candidates. Query
// failures are isolated: one bad query does not sink the fan-out.
func (a *Adapter) SearchRunbooks(ctx context.Context, alertType, severity string, systems []string) ([]source.Runbook, error) {
	queries := []string{runbookCQL(alertType, severity, a.spaces)}
	for i, sys := range systems {
		if i >= maxSystemQueries {
			break
		}
		queries = append(queries, searchCQL(fmt.Sprintf("%s %s runbook", alertType, sys), a.spaces, nil, 0, time.Time{}))
	}
	queries = append(queries,
		searchCQL(fmt.Sprintf("%s incident procedure troubleshoot", severity), a.spaces, nil, 0, time.Time{}),
		searchCQL(fmt.Sprintf("runbook %s", alertType), a.spaces, nil, 0, time.Time{}),
	)

	var (
		mu    sync.Mutex
		byID  = map[string]page{}
		group errgroup.Group
	)
	for _, q := range queries {
		group.Go(func() error {
			pages, err := a.searchPages(ctx, q)
			if err != nil {
				a.log.WithError(err).Warn("runbook query failed")
				return nil
			}
			mu.Lock()
			for _, p := range pages {
				byID[p.ID] = p
			}
			mu.Unlock()
			return nil
		})
	}
	group.Wait()

	var out []source.Runbook
	for _, p := range byID {
		doc, err := a.toDocument(p)
		if err != nil {
			continue
		}
		if !runbook.Likely(*doc, alertType, severity) {
			continue
		}
		rb := runbook.Extract(*doc, alertType, severity, source.TypeWiki)
		rb.Metadata.ConfidenceScore = runbook.Relevance(rb, alertType, severity, systems)
		out = append(out, *rb)
	}
	source.SortRunbooks(out)
	return out, nil
}

// HealthCheck pings the space listing.
func (a *Adapter) HealthCheck(ctx context.Context) source.Health {
	start := time.Now()
	h := source.Health{Status: source.StatusHealthy, DocumentCount: -1, LastChecked: start}

	var out struct {
		Results []json.RawMessage `json:"results"`
	}
	if err := a.doJSON(ctx, a.baseURL+spacePath+"?limit=1", &out); err != nil {
		h.Status = source.StatusUnhealthy
		h.Message = err.Error()
	}
	h.ResponseTimeMS = time.Since(start).Milliseconds()
	return h
}

// RefreshIndex is a no-op for a query-driven source; it only refreshes
// the last-indexed stamp.
func (a *Adapter) RefreshIndex(ctx context.Context, force bool) (bool, error) {
	a.mu.Lock()
	a.lastIndexed = time.Now()
	a.mu.Unlock()
	return true, nil
}

// Metadata reports operational counters. DocumentCount is -1: a remote
// wiki's size is not measured.
func (a *Adapter) Metadata() source.Metadata {
	a.mu.RLock()
	last := a.lastIndexed
	a.mu.RUnlock()

	reqs := a.requests.Load()
	m := source.Metadata{
		Name:          a.name,
		Type:          source.TypeWiki,
		DocumentCount: -1,
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
	return nil
}

// --- wire types ---

type page struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
	Space  struct {
		Key string `json:"key"`
	} `json:"space"`
	Body struct {
		Storage struct {
			Value string `json:"value"`
		} `json:"storage"`
	} `json:"body"`
	Version struct {
		Number int       `json:"number"`
		When   time.Time `json:"when"`
		By     struct {
			DisplayName string `json:"displayName"`
		} `json:"by"`
	} `json:"version"`
	Links struct {
		WebUI string `json:"webui"`
	} `json:"_links"`
}

func (a *Adapter) searchPages(ctx context.Context, cql string) ([]page, error) {
	u := fmt.Sprintf("%s%s?cql=%s&limit=%d&expand=body.storage,version,space",
		a.baseURL, searchPath, url.QueryEscape(cql), pageLimit)

	var out struct {
		Results []page `json:"results"`
	}
	if err := a.doJSON(ctx, u, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// toDocument normalizes a page's storage-format body through the content
// pipeline.
func (a *Adapter) toDocument(p page) (*source.Document, error) {
	res, err := content.Process(content.Input{
		Data: []byte(p.Body.Storage.Value),
		Hint: content.FormatHTML,
	})
	if err != nil {
		return nil, err
	}

	meta := res.Metadata
	meta["space"] = p.Space.Key
	meta["version"] = p.Version.Number
	if p.Version.By.DisplayName != "" {
		meta["author"] = p.Version.By.DisplayName
	}

	return &source.Document{
		ID:                p.ID,
		Title:             p.Title,
		Content:           res.Content,
		SearchableContent: res.Searchable,
		Source:            a.name,
		SourceType:        source.TypeWiki,
		URL:               a.baseURL + p.Links.WebUI,
		LastModified:      p.Version.When,
		Metadata:          meta,
	}, nil
}

// bonus applies the wiki-specific confidence bonuses: operational space
// keys and indicator vocabulary.
func (a *Adapter) bonus(doc source.Document) (float64, []string) {
	var (
		b    float64
		whys []string
	)
	space, _ := doc.Metadata["space"].(string)
	ls := strings.ToLower(space)
	if strings.Contains(ls, "ops") || strings.Contains(ls, "docs") {
		b += 0.1
		whys = append(whys, "operational space")
	}

	text := strings.ToLower(doc.Title + " " + doc.Content)
	var ind float64
	for _, w := range indicatorWords {
		if strings.Contains(text, w) {
			ind += 0.02
		}
	}
	if ind > 0.1 {
		ind = 0.1
	}
	if ind > 0 {
		b += ind
		whys = append(whys, "indicator words")
	}
	return b, whys
}

// doJSON performs an authenticated GET and decodes the JSON response,
// with the limiter and breaker wrapped around the wire call.
func (a *Adapter) doJSON(ctx context.Context, rawURL string, out any) error {
	if err := a.limiter.Acquire(ctx); err != nil {
		return err
	}
	a.requests.Add(1)
	start := time.Now()
	defer func() { a.elapsedMS.Add(time.Since(start).Milliseconds()) }()

	_, err := a.brk.Do("wiki:"+a.name, func() (any, error) {
		req, rerr := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if rerr != nil {
			return nil, errs.Wrap(errs.CodeInternal, rerr, "wiki: build request")
		}
		req.Header.Set("Accept", "application/json")
		switch a.authType {
		case "bearer":
			req.Header.Set("Authorization", "Bearer "+a.token)
		case "basic":
			req.SetBasicAuth(a.user, a.pass)
		}

		resp, derr := a.client.Do(req)
		if derr != nil {
			a.failures.Add(1)
			return nil, errs.Wrap(errs.CodeUpstream, derr, "wiki: request failed")
		}
		defer resp.Body.Close()

		if serr := a.statusError(resp); serr != nil {
			return nil, serr
		}
		body, berr := io.ReadAll(io.LimitReader(resp.Body, content.MaxPayload))
		if berr != nil {
			a.failures.Add(1)
			return nil, errs.Wrap(errs.CodeUpstream, berr, "wiki: read response")
		}
		if jerr := json.Unmarshal(body, out); jerr != nil {
			a.failures.Add(1)
			return nil, errs.Wrap(errs.CodeParse, jerr, "wiki: decode response")
		}
		return nil, nil
	})
	return err
}

func (a *Adapter) statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		a.failures.Add(1)
		return errs.New(errs.CodeAuth, "wiki: upstream returned %d", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		a.failures.Add(1)
		return a.limiter.Exhausted(retryAfter(resp))
	case resp.StatusCode == http.StatusNotFound:
		return errs.New(errs.CodeNotFound, "wiki: page not found")
	case resp.StatusCode >= 400:
		a.failures.Add(1)
		return errs.New(errs.CodeUpstream, "wiki: upstream returned %d", resp.StatusCode)
	}
	return nil
}

func retryAfter(resp *http.Response) time.Time {
	if s := resp.Header.Get("Retry-After"); s != "" {
		if d, err := time.ParseDuration(s + "s"); err == nil {
			return time.Now().Add(d)
		}
	}
	return time.Now().Add(time.Minute)
}
