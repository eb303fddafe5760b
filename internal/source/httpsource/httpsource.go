// Package httpsource adapts arbitrary HTTP documentation endpoints: each
// configured endpoint is queried per search, its response classified as
// HTML, JSON, XML, or text, and the configured selectors, JSON paths, or
// XPaths extract the document body.
package httpsource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/xmlquery"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/joestump/runbookd/internal/breaker"
	"github.com/joestump/runbookd/internal/config"
	"github.com/joestump/runbookd/internal/content"
	"github.com/joestump/runbookd/internal/errs"
	"github.com/joestump/runbookd/internal/ratelimit"
	"github.com/joestump/runbookd/internal/runbook"
	"github.com/joestump/runbookd/internal/source"
)

const maxRedirects = 5

// Adapter queries a set of configured HTTP endpoints.
type Adapter struct {
	name       string
	categories []string
	auth       config.HTTPAuthConfig
	endpoints  []config.EndpointConfig
	defTimeout time.Duration

	limiters map[string]*ratelimit.Limiter
	brk      *breaker.Registry
	log      *logrus.Entry

	mu          sync.RWMutex
	lastIndexed time.Time

	requests  atomic.Int64
	failures  atomic.Int64
	elapsedMS atomic.Int64
}

// New builds an HTTP adapter with one limiter per endpoint.
func New(sc config.SourceConfig, log *logrus.Entry) (*Adapter, error) {
	if sc.HTTP == nil || len(sc.HTTP.Endpoints) == 0 {
		return nil, errs.New(errs.CodeConfig, "http source %q: at least one endpoint is required", sc.Name)
	}
	for _, ep := range sc.HTTP.Endpoints {
		if ep.Name == "" || ep.URL == "" {
			return nil, errs.New(errs.CodeConfig, "http source %q: endpoint name and url are required", sc.Name)
		}
		switch ep.Method {
		case "", http.MethodGet, http.MethodPost:
		default:
			return nil, errs.New(errs.CodeConfig, "http source %q: endpoint %q: method must be GET or POST", sc.Name, ep.Name)
		}
	}

	limiters := make(map[string]*ratelimit.Limiter, len(sc.HTTP.Endpoints))
	for _, ep := range sc.HTTP.Endpoints {
		limiters[ep.Name] = ratelimit.PerMinute(ep.RateLimitPerMin)
	}

	a := &Adapter{
		name:       sc.Name,
		categories: sc.Categories,
		auth:       sc.HTTP.Auth,
		endpoints:  sc.HTTP.Endpoints,
		defTimeout: sc.Timeout(30 * time.Second),
		limiters:   limiters,
		log:        log.WithField("source", sc.Name),
	}
	a.brk = breaker.NewRegistry(breaker.Options{}, breaker.LogStateChanges(a.log))
	return a, nil
}

func (a *Adapter) Name() string { return a.name }

// Initialize verifies any env-mapped credentials resolve.
func (a *Adapter) Initialize(ctx context.Context) error {
	for _, env := range []string{a.auth.APIKeyEnv, a.auth.BearerEnv, a.auth.BasicUserEnv, a.auth.BasicPassEnv} {
		if env != "" && os.Getenv(env) == "" {
			return errs.New(errs.CodeConfig, "http source %q: environment variable %s is not set", a.name, env)
		}
	}
	for _, env := range a.auth.EnvHeaders {
		if os.Getenv(env) == "" {
			return errs.New(errs.CodeConfig, "http source %q: environment variable %s is not set", a.name, env)
		}
	}

	a.mu.Lock()
	a.lastIndexed = time.Now()
	a.mu.Unlock()
	return nil
}

// Search queries every endpoint in parallel; endpoint failures are
// isolated and logged.
func (a *Adapter) Search(ctx context.Context, query string, f source.Filters) ([]source.SearchResult, error) {
	if !source.CategoriesIntersect(f.Categories, a.categories) {
		return nil, nil
	}

	var (
		mu    sync.Mutex
		out   []source.SearchResult
		group errgroup.Group
	)
	for _, ep := range a.endpoints {
		group.Go(func() error {
			doc, err := a.queryEndpoint(ctx, ep, query)
			if err != nil {
				a.log.WithError(err).WithField("endpoint", ep.Name).Warn("endpoint query failed")
				return nil
			}
			conf, reasons := runbook.Confidence(query, *doc, false)
			mu.Lock()
			out = append(out, source.SearchResult{Document: *doc, ConfidenceScore: conf, MatchReasons: reasons})
			mu.Unlock()
			return nil
		})
	}
	group.Wait()

	out = source.ApplyFilters(out, f)
	source.SortResults(out, func(string) int { return 0 })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// GetDocument re-queries the endpoint encoded in the id. HTTP document
// ids look like "endpoint-name:slug"; an unknown endpoint is a miss.
func (a *Adapter) GetDocument(ctx context.Context, id string) (*source.SearchResult, error) {
	epName, _, ok := strings.Cut(id, ":")
	if !ok {
		return nil, nil
	}
	for _, ep := range a.endpoints {
		if ep.Name != epName {
			continue
		}
		doc, err := a.queryEndpoint(ctx, ep, "")
		if err != nil {
			return nil, err
		}
		if doc.ID != id {
			return nil, nil
		}
		return &source.SearchResult{
			Document:        *doc,
			ConfidenceScore: 1.0,
			MatchReasons:    []string{"direct lookup"},
		}, nil
	}
	return nil, nil
}

// SearchRunbooks queries endpoints with the alert vocabulary and
// extracts runbooks from likely candidates.
func (a *Adapter) SearchRunbooks(ctx context.Context, alertType, severity string, systems []string) ([]source.Runbook, error) {
	query := fmt.Sprintf("%s %s runbook", runbook.NormalizeAlertType(alertType), severity)
	results, err := a.Search(ctx, query, source.Filters{})
	if err != nil {
		return nil, err
	}

	var out []source.Runbook
	for _, r := range results {
		if !runbook.Likely(r.Document, alertType, severity) {
			continue
		}
		rb := runbook.Extract(r.Document, alertType, severity, source.TypeHTTP)
		rb.Metadata.ConfidenceScore = runbook.Relevance(rb, alertType, severity, systems)
		out = append(out, *rb)
	}
	source.SortRunbooks(out)
	return out, nil
}

// HealthCheck probes the first endpoint.
func (a *Adapter) HealthCheck(ctx context.Context) source.Health {
	start := time.Now()
	h := source.Health{Status: source.StatusHealthy, DocumentCount: -1, LastChecked: start}

	if len(a.endpoints) > 0 {
		if _, err := a.queryEndpoint(ctx, a.endpoints[0], "health"); err != nil {
			h.Status = source.StatusUnhealthy
			h.Message = err.Error()
		}
	}
	h.ResponseTimeMS = time.Since(start).Milliseconds()
	return h
}

// RefreshIndex is a no-op for a query-driven source.
func (a *Adapter) RefreshIndex(ctx context.Context, force bool) (bool, error) {
	a.mu.Lock()
	a.lastIndexed = time.Now()
	a.mu.Unlock()
	return true, nil
}

func (a *Adapter) Metadata() source.Metadata {
	a.mu.RLock()
	last := a.lastIndexed
	a.mu.RUnlock()

	reqs := a.requests.Load()
	m := source.Metadata{
		Name:          a.name,
		Type:          source.TypeHTTP,
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

func (a *Adapter) Cleanup(ctx context.Context) error { return nil }

// --- endpoint querying ---

// queryEndpoint performs one request and extracts a document from the
// response.
func (a *Adapter) queryEndpoint(ctx context.Context, ep config.EndpointConfig, query string) (*source.Document, error) {
	if err := a.limiters[ep.Name].Acquire(ctx); err != nil {
		return nil, err
	}
	a.requests.Add(1)
	start := time.Now()
	defer func() { a.elapsedMS.Add(time.Since(start).Milliseconds()) }()

	v, err := a.brk.Do("http:"+a.name+":"+ep.Name, func() (any, error) {
		return a.fetch(ctx, ep, query)
	})
	if err != nil {
		return nil, err
	}
	resp := v.(*fetched)

	doc, err := a.extract(ep, resp, query)
	if err != nil {
		a.failures.Add(1)
		return nil, err
	}
	return doc, nil
}

type fetched struct {
	body []byte
	mime string
}

// fetch runs fetchOnce under bounded exponential backoff. Transport
// failures and upstream error responses are retried; auth and rate-limit
// failures surface immediately.
func (a *Adapter) fetch(ctx context.Context, ep config.EndpointConfig, query string) (*fetched, error) {
	var out *fetched
	backoff := retry.WithMaxRetries(2, retry.NewExponential(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		f, ferr := a.fetchOnce(ctx, ep, query)
		if ferr != nil {
			if errs.HasCode(ferr, errs.CodeUpstream) {
				return retry.RetryableError(ferr)
			}
			return ferr
		}
		out = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (a *Adapter) fetchOnce(ctx context.Context, ep config.EndpointConfig, query string) (*fetched, error) {
	method := ep.Method
	if method == "" {
		method = http.MethodGet
	}

	reqURL, err := a.buildURL(ep, query)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if method == http.MethodPost && ep.Body != "" {
		body = strings.NewReader(strings.ReplaceAll(ep.Body, "${query}", query))
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, err, "http: build request")
	}
	a.applyAuth(req)
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}
	if method == http.MethodPost && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: a.timeoutFor(ep)}
	if ep.FollowRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errs.New(errs.CodeUpstream, "http: too many redirects")
			}
			return nil
		}
	} else {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		a.failures.Add(1)
		return nil, errs.Wrap(errs.CodeUpstream, err, "http: endpoint %s", ep.Name)
	}
	defer resp.Body.Close()

	if serr := a.statusError(ep, resp); serr != nil {
		return nil, serr
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, content.MaxPayload))
	if err != nil {
		a.failures.Add(1)
		return nil, errs.Wrap(errs.CodeUpstream, err, "http: read endpoint %s", ep.Name)
	}
	return &fetched{body: data, mime: resp.Header.Get("Content-Type")}, nil
}

func (a *Adapter) timeoutFor(ep config.EndpointConfig) time.Duration {
	if ep.TimeoutMS > 0 {
		return time.Duration(ep.TimeoutMS) * time.Millisecond
	}
	return a.defTimeout
}

func (a *Adapter) buildURL(ep config.EndpointConfig, query string) (string, error) {
	u, err := url.Parse(ep.URL)
	if err != nil {
		return "", errs.Wrap(errs.CodeConfig, err, "http: endpoint %s url", ep.Name)
	}
	q := u.Query()
	for k, v := range ep.QueryParams {
		q.Set(k, strings.ReplaceAll(v, "${query}", query))
	}
	if a.auth.APIKeyQuery != "" && a.auth.APIKeyEnv != "" {
		q.Set(a.auth.APIKeyQuery, os.Getenv(a.auth.APIKeyEnv))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// applyAuth merges the global auth settings into a request.
func (a *Adapter) applyAuth(req *http.Request) {
	if a.auth.APIKeyHeader != "" && a.auth.APIKeyEnv != "" {
		req.Header.Set(a.auth.APIKeyHeader, os.Getenv(a.auth.APIKeyEnv))
	}
	if a.auth.BearerEnv != "" {
		req.Header.Set("Authorization", "Bearer "+os.Getenv(a.auth.BearerEnv))
	}
	if a.auth.BasicUserEnv != "" && a.auth.BasicPassEnv != "" {
		req.SetBasicAuth(os.Getenv(a.auth.BasicUserEnv), os.Getenv(a.auth.BasicPassEnv))
	}
	for k, v := range a.auth.Headers {
		req.Header.Set(k, v)
	}
	for header, env := range a.auth.EnvHeaders {
		req.Header.Set(header, os.Getenv(env))
	}
}

func (a *Adapter) statusError(ep config.EndpointConfig, resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		a.failures.Add(1)
		return errs.New(errs.CodeAuth, "http: endpoint %s returned %d", ep.Name, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		a.failures.Add(1)
		return a.limiters[ep.Name].Exhausted(time.Time{})
	case resp.StatusCode >= 400:
		a.failures.Add(1)
		return errs.New(errs.CodeUpstream, "http: endpoint %s returned %d", ep.Name, resp.StatusCode)
	}
	return nil
}

// --- extraction ---

// extract classifies the response and produces a document.
func (a *Adapter) extract(ep config.EndpointConfig, resp *fetched, query string) (*source.Document, error) {
	ctype := ep.ContentType
	if ctype == "" || ctype == "auto" {
		ctype = classify(resp)
	}

	var (
		title string
		body  string
		err   error
	)
	switch ctype {
	case "html":
		title, body, err = extractHTML(resp.body, ep.Selectors)
	case "json":
		title, body, err = extractJSON(resp.body, ep.JSONPaths)
	case "xml":
		title, body, err = extractXML(resp.body, ep.XMLXPaths)
	default:
		body = string(resp.body)
		title = firstLine(body)
	}
	if err != nil {
		return nil, err
	}
	if title == "" {
		title = ep.Name
	}

	res, perr := content.Process(content.Input{Data: []byte(body), Hint: content.FormatText})
	if perr != nil {
		return nil, perr
	}

	return &source.Document{
		ID:                ep.Name + ":" + source.Slugify(title),
		Title:             title,
		Content:           body,
		SearchableContent: res.Searchable,
		Source:            a.name,
		SourceType:        source.TypeHTTP,
		URL:               ep.URL,
		LastModified:      time.Now(),
		Metadata:          map[string]any{"endpoint": ep.Name, "content_type": ctype},
	}, nil
}

func classify(resp *fetched) string {
	mime := strings.ToLower(strings.SplitN(resp.mime, ";", 2)[0])
	switch {
	case strings.Contains(mime, "html"):
		return "html"
	case strings.Contains(mime, "json"):
		return "json"
	case strings.Contains(mime, "xml"):
		return "xml"
	}

	// text/plain is what net/http stamps on untyped responses, so it is
	// not authoritative; sniff the body instead.
	trimmed := bytes.TrimSpace(resp.body)
	if len(trimmed) == 0 {
		return "text"
	}
	switch trimmed[0] {
	case '{', '[':
		if json.Valid(trimmed) {
			return "json"
		}
	case '<':
		if bytes.HasPrefix(trimmed, []byte("<?xml")) {
			return "xml"
		}
		return "html"
	}
	return "text"
}

// extractHTML applies the configured CSS selectors; exclude selectors
// prune subtrees before the content selector runs.
func extractHTML(data []byte, sel config.SelectorConfig) (string, string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return "", "", errs.Wrap(errs.CodeParse, err, "http: parse html")
	}

	for _, ex := range sel.Exclude {
		doc.Find(ex).Remove()
	}

	title := ""
	if sel.Title != "" {
		title = strings.TrimSpace(doc.Find(sel.Title).First().Text())
	}
	if title == "" {
		title = strings.TrimSpace(doc.Find("title").First().Text())
	}

	var body string
	if sel.Content != "" {
		body = content.RenderSelection(doc.Find(sel.Content))
	} else {
		body = content.RenderDocument(doc)
	}
	return title, body, nil
}

// extractJSON evaluates the configured paths (dot-notation, `$.` and
// `[*]` accepted) and renders a "key: values" mapping; with no paths the
// whole tree is used.
func extractJSON(data []byte, paths []string) (string, string, error) {
	if !gjson.ValidBytes(data) {
		return "", "", errs.New(errs.CodeParse, "http: invalid json response")
	}
	root := gjson.ParseBytes(data)

	title := ""
	for _, k := range []string{"title", "name"} {
		if v := root.Get(k); v.Exists() {
			title = v.String()
			break
		}
	}

	if len(paths) == 0 {
		return title, root.Raw, nil
	}

	var sb strings.Builder
	for _, p := range paths {
		r := root.Get(normalizePath(p))
		if !r.Exists() {
			continue
		}
		if title == "" {
			title = titleOf(r)
		}
		sb.WriteString(p)
		sb.WriteString(": ")
		if r.IsArray() {
			var vals []string
			r.ForEach(func(_, v gjson.Result) bool {
				vals = append(vals, v.String())
				return true
			})
			sb.WriteString(strings.Join(vals, ", "))
		} else {
			sb.WriteString(r.String())
		}
		sb.WriteByte('\n')
	}
	return title, sb.String(), nil
}

// titleOf pulls a title or name out of a selected value: directly for an
// object, from the first element for an array of objects.
func titleOf(r gjson.Result) string {
	if r.IsArray() {
		arr := r.Array()
		if len(arr) == 0 {
			return ""
		}
		r = arr[0]
	}
	if !r.IsObject() {
		return ""
	}
	for _, k := range []string{"title", "name"} {
		if v := r.Get(k); v.Exists() {
			return v.String()
		}
	}
	return ""
}

// normalizePath converts JSONPath spellings to gjson syntax. A terminal
// `[*]` selects the array itself; an interior one maps over elements.
func normalizePath(p string) string {
	p = strings.TrimPrefix(p, "$.")
	p = strings.TrimPrefix(p, "$")
	p = strings.TrimSuffix(p, "[*]")
	p = strings.ReplaceAll(p, "[*]", ".#")
	p = strings.ReplaceAll(p, "[", ".")
	p = strings.ReplaceAll(p, "]", "")
	return strings.TrimPrefix(p, ".")
}

// extractXML evaluates the configured XPaths; with none, text leaves are
// projected.
func extractXML(data []byte, xpaths []string) (string, string, error) {
	doc, err := xmlquery.Parse(bytes.NewReader(data))
	if err != nil {
		return "", "", errs.Wrap(errs.CodeParse, err, "http: parse xml")
	}

	title := ""
	if n := xmlquery.FindOne(doc, "//title"); n != nil {
		title = strings.TrimSpace(n.InnerText())
	}

	var sb strings.Builder
	if len(xpaths) == 0 {
		for _, n := range xmlquery.Find(doc, "//*") {
			if n.FirstChild != nil && n.FirstChild.Type == xmlquery.TextNode {
				if text := strings.TrimSpace(n.FirstChild.Data); text != "" {
					fmt.Fprintf(&sb, "%s: %s\n", n.Data, text)
				}
			}
		}
	} else {
		for _, xp := range xpaths {
			nodes, ferr := xmlquery.QueryAll(doc, xp)
			if ferr != nil {
				return "", "", errs.Wrap(errs.CodeParse, ferr, "http: xpath %q", xp)
			}
			for _, n := range nodes {
				if text := strings.TrimSpace(n.InnerText()); text != "" {
					fmt.Fprintf(&sb, "%s: %s\n", xp, text)
				}
			}
		}
	}
	return title, sb.String(), nil
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			return t
		}
	}
	return ""
}
