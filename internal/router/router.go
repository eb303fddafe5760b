// Package router federates queries across the registered source adapters.
// Each public operation fans out under a deadline, isolates per-adapter
// failures, merges and orders the survivors, and consults the result cache
// before touching any upstream.
package router

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/joestump/runbookd/internal/cache"
	"github.com/joestump/runbookd/internal/config"
	"github.com/joestump/runbookd/internal/errs"
	"github.com/joestump/runbookd/internal/runbook"
	"github.com/joestump/runbookd/internal/source"
)

const (
	// maxQueryLen caps incoming query strings; longer queries are truncated.
	maxQueryLen = 1024

	// deadlineSlack is added to the smallest adapter timeout to form the
	// outer fan-out deadline, so a single slow adapter times out on its own
	// budget before the whole query does.
	deadlineSlack = 250 * time.Millisecond

	defaultPriority = 100
)

var (
	searchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "runbookd_operation_duration_seconds",
		Help:    "Latency of federated operations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	adapterRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runbookd_adapter_requests_total",
		Help: "Per-adapter fan-out calls by outcome.",
	}, []string{"source", "operation", "status"})

	cacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runbookd_cache_requests_total",
		Help: "Result cache lookups by outcome.",
	}, []string{"type", "result"})
)

// Factory builds an adapter from its configuration block.
type Factory func(sc config.SourceConfig, log *logrus.Entry) (source.Source, error)

// registered pairs an adapter with its routing parameters.
type registered struct {
	src      source.Source
	priority int
	timeout  time.Duration
}

// Router is the federation layer. Adapters are registered under a write
// lock and snapshotted under a read lock per query, so a slow fan-out
// never blocks registry changes.
type Router struct {
	log       *logrus.Entry
	cache     *cache.Cache
	factories map[string]Factory

	maxConcurrent  int
	defaultTimeout time.Duration

	mu       sync.RWMutex
	adapters map[string]*registered
}

// New builds a Router from the loaded configuration. Call LoadSources (or
// Register) afterwards to populate the registry.
func New(cfg *config.Config, c *cache.Cache, factories map[string]Factory, log *logrus.Entry) *Router {
	maxConc := cfg.Performance.MaxConcurrentRequests
	if maxConc <= 0 {
		maxConc = 8
	}
	def := time.Duration(cfg.Performance.DefaultTimeoutMS) * time.Millisecond
	if def <= 0 {
		def = 5 * time.Second
	}
	return &Router{
		log:            log,
		cache:          c,
		factories:      factories,
		maxConcurrent:  maxConc,
		defaultTimeout: def,
		adapters:       make(map[string]*registered),
	}
}

// LoadSources creates and initializes an adapter per enabled source config.
// A source that fails to construct or initialize is refused with an error
// log; the rest keep running. Returns the number of adapters started.
func (r *Router) LoadSources(ctx context.Context, sources []config.SourceConfig) int {
	started := 0
	for _, sc := range sources {
		if !sc.IsEnabled() {
			r.log.WithField("source", sc.Name).Info("source disabled, skipping")
			continue
		}
		factory, ok := r.factories[sc.Type]
		if !ok {
			r.log.WithField("source", sc.Name).Errorf("no factory for type %q", sc.Type)
			continue
		}
		adapter, err := factory(sc, r.log)
		if err != nil {
			r.log.WithField("source", sc.Name).WithError(err).Error("source refused")
			continue
		}

		initCtx, cancel := context.WithTimeout(ctx, sc.Timeout(r.defaultTimeout)+deadlineSlack)
		err = adapter.Initialize(initCtx)
		cancel()
		if err != nil {
			r.log.WithField("source", sc.Name).WithError(err).Error("source failed to initialize")
			continue
		}

		r.Register(adapter, sc.Priority, sc.Timeout(r.defaultTimeout))
		started++
	}
	return started
}

// Register inserts an initialized adapter. A zero priority falls back to
// the default; a zero timeout falls back to the configured default.
func (r *Router) Register(src source.Source, priority int, timeout time.Duration) {
	if priority == 0 {
		priority = defaultPriority
	}
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	r.mu.Lock()
	r.adapters[src.Name()] = &registered{src: src, priority: priority, timeout: timeout}
	r.mu.Unlock()
}

// Remove unregisters an adapter and releases its resources.
func (r *Router) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	reg, ok := r.adapters[name]
	delete(r.adapters, name)
	r.mu.Unlock()
	if !ok {
		return errs.New(errs.CodeNotFound, "source %q is not registered", name)
	}
	return reg.src.Cleanup(ctx)
}

// snapshot returns the registered adapters in name order, so merged result
// ordering is deterministic for a fixed registry.
func (r *Router) snapshot() []*registered {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*registered, 0, len(r.adapters))
	for _, reg := range r.adapters {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].src.Name() < out[j].src.Name() })
	return out
}

func (r *Router) priorityOf(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, ok := r.adapters[name]; ok {
		return reg.priority
	}
	return defaultPriority
}

// fanoutDeadline is the outer budget for one federated query.
func fanoutDeadline(snap []*registered, def time.Duration) time.Duration {
	min := def
	for _, reg := range snap {
		if reg.timeout < min {
			min = reg.timeout
		}
	}
	return min + deadlineSlack
}

// SearchOutcome is a merged search result set with federation metadata.
type SearchOutcome struct {
	Results []source.SearchResult
	// Failures maps adapter names to the error code that removed their
	// contribution from this query. Partial degradation is not an error.
	Failures map[string]string
	Cached   bool
	Elapsed  time.Duration
}

// Search runs a federated knowledge-base search. Empty queries return an
// empty outcome; over-long queries are truncated to their first kilobyte.
func (r *Router) Search(ctx context.Context, query string, f source.Filters) (*SearchOutcome, error) {
	start := time.Now()
	defer func() { searchDuration.WithLabelValues("search").Observe(time.Since(start).Seconds()) }()

	query = strings.TrimSpace(query)
	if query == "" {
		return &SearchOutcome{Results: []source.SearchResult{}, Failures: map[string]string{}}, nil
	}
	if len(query) > maxQueryLen {
		query = strings.ToValidUTF8(query[:maxQueryLen], "")
	}

	key := cache.Key{Type: cache.TypeKnowledgeBase, ID: cacheID(query, f)}
	if raw, ok := r.cacheGet(ctx, key); ok {
		var results []source.SearchResult
		if err := json.Unmarshal(raw, &results); err == nil {
			return &SearchOutcome{Results: results, Failures: map[string]string{}, Cached: true, Elapsed: time.Since(start)}, nil
		}
	}

	snap := r.snapshot()
	merged, failures := r.fanout(ctx, snap, "search", func(ctx context.Context, s source.Source) ([]source.SearchResult, error) {
		return s.Search(ctx, query, f)
	})

	if len(snap) > 0 && len(failures) == len(snap) {
		return nil, errs.New(errs.CodeUpstream, "all %d sources failed", len(snap))
	}

	elapsed := time.Since(start)
	for i := range merged {
		merged[i].RetrievalTimeMS = elapsed.Milliseconds()
	}
	source.SortResults(merged, r.priorityOf)
	if f.Limit > 0 && len(merged) > f.Limit {
		merged = merged[:f.Limit]
	}

	if len(merged) == 0 {
		r.refreshEmptySources(snap)
	}
	r.cacheSet(ctx, key, merged)

	return &SearchOutcome{Results: merged, Failures: failures, Elapsed: elapsed}, nil
}

// fanout runs op against every adapter in the snapshot with per-adapter
// timeouts under the shared outer deadline. Failed adapters land in the
// returned failure map instead of failing the query; a timed-out adapter
// contributes nothing beyond its TIMEOUT marker.
func (r *Router) fanout(ctx context.Context, snap []*registered, op string,
	call func(context.Context, source.Source) ([]source.SearchResult, error),
) ([]source.SearchResult, map[string]string) {
	ctx, cancel := context.WithTimeout(ctx, fanoutDeadline(snap, r.defaultTimeout))
	defer cancel()

	var mu sync.Mutex
	merged := []source.SearchResult{}
	failures := map[string]string{}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxConcurrent)
	for _, reg := range snap {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, reg.timeout)
			defer cancel()

			results, err := call(callCtx, reg.src)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				code := failureCode(err)
				failures[reg.src.Name()] = code
				adapterRequests.WithLabelValues(reg.src.Name(), op, code).Inc()
				r.log.WithField("source", reg.src.Name()).WithError(err).Warnf("%s failed", op)
				return nil
			}
			adapterRequests.WithLabelValues(reg.src.Name(), op, "ok").Inc()
			merged = append(merged, results...)
			return nil
		})
	}
	g.Wait()
	return merged, failures
}

// refreshEmptySources kicks off one background delta refresh for every
// adapter that currently has nothing indexed. The adapters' own in-progress
// guards make overlapping attempts no-ops.
func (r *Router) refreshEmptySources(snap []*registered) {
	for _, reg := range snap {
		if reg.src.Metadata().DocumentCount != 0 {
			continue
		}
		src := reg.src
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), r.defaultTimeout)
			defer cancel()
			if _, err := src.RefreshIndex(ctx, false); err != nil {
				r.log.WithField("source", src.Name()).WithError(err).Warn("background refresh failed")
			}
		}()
	}
}

// RunbookOutcome is a merged runbook set with federation metadata.
type RunbookOutcome struct {
	Runbooks []source.Runbook
	Failures map[string]string
	Cached   bool
	Elapsed  time.Duration
}

// SearchRunbooks fans an alert out to every adapter and merges the
// discovered runbooks in confidence order.
func (r *Router) SearchRunbooks(ctx context.Context, alertType, severity string, systems []string) (*RunbookOutcome, error) {
	start := time.Now()
	defer func() { searchDuration.WithLabelValues("search_runbooks").Observe(time.Since(start).Seconds()) }()

	if strings.TrimSpace(alertType) == "" {
		return nil, errs.New(errs.CodeValidation, "alert_type is required")
	}

	key := cache.Key{Type: cache.TypeRunbookSearch, ID: cacheID(alertType, severity, systems)}
	if raw, ok := r.cacheGet(ctx, key); ok {
		var rbs []source.Runbook
		if err := json.Unmarshal(raw, &rbs); err == nil {
			return &RunbookOutcome{Runbooks: rbs, Failures: map[string]string{}, Cached: true, Elapsed: time.Since(start)}, nil
		}
	}

	snap := r.snapshot()
	ctx, cancel := context.WithTimeout(ctx, fanoutDeadline(snap, r.defaultTimeout))
	defer cancel()

	var mu sync.Mutex
	merged := []source.Runbook{}
	failures := map[string]string{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxConcurrent)
	for _, reg := range snap {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, reg.timeout)
			defer cancel()

			rbs, err := reg.src.SearchRunbooks(callCtx, alertType, severity, systems)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				code := failureCode(err)
				failures[reg.src.Name()] = code
				adapterRequests.WithLabelValues(reg.src.Name(), "search_runbooks", code).Inc()
				r.log.WithField("source", reg.src.Name()).WithError(err).Warn("runbook search failed")
				return nil
			}
			adapterRequests.WithLabelValues(reg.src.Name(), "search_runbooks", "ok").Inc()
			merged = append(merged, rbs...)
			return nil
		})
	}
	g.Wait()

	if len(snap) > 0 && len(failures) == len(snap) {
		return nil, errs.New(errs.CodeUpstream, "all %d sources failed", len(snap))
	}

	source.SortRunbooks(merged)
	r.cacheSet(ctx, key, merged)

	return &RunbookOutcome{Runbooks: merged, Failures: failures, Elapsed: time.Since(start)}, nil
}

// GetDocument resolves a document id across the federation. Returns
// (nil, false, nil) when no adapter knows the id.
func (r *Router) GetDocument(ctx context.Context, id string) (*source.SearchResult, bool, error) {
	start := time.Now()
	defer func() { searchDuration.WithLabelValues("get_document").Observe(time.Since(start).Seconds()) }()

	key := cache.Key{Type: cache.TypeDocument, ID: id}
	if raw, ok := r.cacheGet(ctx, key); ok {
		var res source.SearchResult
		if err := json.Unmarshal(raw, &res); err == nil {
			return &res, true, nil
		}
	}

	for _, reg := range r.snapshot() {
		callCtx, cancel := context.WithTimeout(ctx, reg.timeout)
		res, err := reg.src.GetDocument(callCtx, id)
		cancel()
		if err != nil {
			adapterRequests.WithLabelValues(reg.src.Name(), "get_document", failureCode(err)).Inc()
			r.log.WithField("source", reg.src.Name()).WithError(err).Warn("document lookup failed")
			continue
		}
		adapterRequests.WithLabelValues(reg.src.Name(), "get_document", "ok").Inc()
		if res != nil {
			res.RetrievalTimeMS = time.Since(start).Milliseconds()
			r.cacheSet(ctx, key, res)
			return res, false, nil
		}
	}
	return nil, false, nil
}

// ListRunbooks discovers runbook-shaped documents across the federation
// with a generic structural query.
func (r *Router) ListRunbooks(ctx context.Context, limit int) ([]source.Runbook, error) {
	out, err := r.Search(ctx, "runbook procedure troubleshoot", source.Filters{Limit: limit})
	if err != nil {
		return nil, err
	}

	rbs := []source.Runbook{}
	seen := map[string]bool{}
	for _, res := range out.Results {
		if seen[res.ID] || !runbook.Likely(res.Document, "", "") {
			continue
		}
		if rb := runbook.Extract(res.Document, "", "", res.SourceType); rb != nil {
			seen[res.ID] = true
			rbs = append(rbs, *rb)
		}
	}
	source.SortRunbooks(rbs)
	if limit > 0 && len(rbs) > limit {
		rbs = rbs[:limit]
	}
	return rbs, nil
}

// GetRunbook resolves a runbook by its document id.
func (r *Router) GetRunbook(ctx context.Context, id string) (*source.Runbook, error) {
	doc, _, err := r.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, errs.New(errs.CodeNotFound, "runbook %q not found", id)
	}
	rb := runbook.Extract(doc.Document, "", "", doc.SourceType)
	if rb == nil {
		return nil, errs.New(errs.CodeNotFound, "document %q is not a runbook", id)
	}
	return rb, nil
}

// GetDecisionTree returns the decision tree of the best-matching runbook
// for an alert context.
func (r *Router) GetDecisionTree(ctx context.Context, alertType, severity string, systems []string) (*source.DecisionTree, error) {
	key := cache.Key{Type: cache.TypeDecisionTree, ID: cacheID(alertType, severity, systems)}
	if raw, ok := r.cacheGet(ctx, key); ok {
		var tree source.DecisionTree
		if err := json.Unmarshal(raw, &tree); err == nil {
			return &tree, nil
		}
	}

	out, err := r.SearchRunbooks(ctx, alertType, severity, systems)
	if err != nil {
		return nil, err
	}
	if len(out.Runbooks) == 0 {
		return nil, errs.New(errs.CodeNotFound, "no runbook matches alert type %q", alertType)
	}
	tree := out.Runbooks[0].DecisionTree
	r.cacheSet(ctx, key, tree)
	return &tree, nil
}

// GetProcedure resolves a "<runbook_id>/<step_id>" reference to a single
// procedure step.
func (r *Router) GetProcedure(ctx context.Context, procedureID string) (*source.Procedure, error) {
	idx := strings.LastIndex(procedureID, "/")
	if idx <= 0 || idx == len(procedureID)-1 {
		return nil, errs.New(errs.CodeValidation, "procedure id must be <runbook_id>/<step_id>, got %q", procedureID)
	}
	runbookID, stepID := procedureID[:idx], procedureID[idx+1:]

	key := cache.Key{Type: cache.TypeProcedure, ID: procedureID}
	if raw, ok := r.cacheGet(ctx, key); ok {
		var p source.Procedure
		if err := json.Unmarshal(raw, &p); err == nil {
			return &p, nil
		}
	}

	rb, err := r.GetRunbook(ctx, runbookID)
	if err != nil {
		return nil, err
	}
	for _, p := range rb.Procedures {
		if p.ID == stepID {
			r.cacheSet(ctx, key, p)
			return &p, nil
		}
	}
	return nil, errs.New(errs.CodeNotFound, "runbook %q has no step %q", runbookID, stepID)
}

// escalationPaths maps severity to in-hours and off-hours escalation text.
var escalationPaths = map[string][2]string{
	"critical": {
		"Page the on-call engineer immediately, open an incident bridge, and notify the service owner.",
		"Page the on-call engineer immediately and open an incident bridge.",
	},
	"high": {
		"Notify the on-call engineer within 15 minutes and post in the team incident channel.",
		"Page the on-call engineer.",
	},
	"medium": {
		"Create a ticket and notify the team channel.",
		"Create a ticket for triage on the next business day.",
	},
	"low": {
		"Create a ticket for the owning team.",
		"Create a ticket for the owning team.",
	},
	"info": {
		"No escalation required; record for the weekly review.",
		"No escalation required; record for the weekly review.",
	},
}

// GetEscalationPath returns the escalation path for a severity. Unknown
// severities fall back to the medium path.
func (r *Router) GetEscalationPath(severity string, businessHours bool) string {
	paths, ok := escalationPaths[strings.ToLower(strings.TrimSpace(severity))]
	if !ok {
		paths = escalationPaths["medium"]
	}
	if businessHours {
		return paths[0]
	}
	return paths[1]
}

// HealthCheckAll probes every adapter in parallel.
func (r *Router) HealthCheckAll(ctx context.Context) map[string]source.Health {
	snap := r.snapshot()

	var mu sync.Mutex
	out := make(map[string]source.Health, len(snap))

	g := new(errgroup.Group)
	g.SetLimit(r.maxConcurrent)
	for _, reg := range snap {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, reg.timeout)
			defer cancel()
			h := reg.src.HealthCheck(callCtx)
			mu.Lock()
			out[reg.src.Name()] = h
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return out
}

// RefreshAll triggers a refresh on every adapter and reports which ones
// accepted (false means an index build was already in progress).
func (r *Router) RefreshAll(ctx context.Context, force bool) map[string]bool {
	snap := r.snapshot()

	var mu sync.Mutex
	out := make(map[string]bool, len(snap))

	g := new(errgroup.Group)
	g.SetLimit(r.maxConcurrent)
	for _, reg := range snap {
		g.Go(func() error {
			ok, err := reg.src.RefreshIndex(ctx, force)
			if err != nil {
				r.log.WithField("source", reg.src.Name()).WithError(err).Warn("refresh failed")
			}
			mu.Lock()
			out[reg.src.Name()] = ok && err == nil
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return out
}

// SourceMetadata reports the operational counters of every adapter in
// name order.
func (r *Router) SourceMetadata() []source.Metadata {
	snap := r.snapshot()
	out := make([]source.Metadata, 0, len(snap))
	for _, reg := range snap {
		out = append(out, reg.src.Metadata())
	}
	return out
}

// Cleanup releases every adapter concurrently and empties the registry.
func (r *Router) Cleanup(ctx context.Context) error {
	r.mu.Lock()
	adapters := r.adapters
	r.adapters = make(map[string]*registered)
	r.mu.Unlock()

	var mu sync.Mutex
	var errsAll []error

	g := new(errgroup.Group)
	for _, reg := range adapters {
		g.Go(func() error {
			if err := reg.src.Cleanup(ctx); err != nil {
				mu.Lock()
				errsAll = append(errsAll, err)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errsAll...)
}

// CacheStats reports the result cache counters for the performance surface.
func (r *Router) CacheStats() (hits, misses uint64, l1Len int) {
	if r.cache == nil {
		return 0, 0, 0
	}
	return r.cache.Stats()
}

func (r *Router) cacheGet(ctx context.Context, key cache.Key) ([]byte, bool) {
	if r.cache == nil {
		return nil, false
	}
	raw, ok := r.cache.Get(ctx, key)
	if ok {
		cacheRequests.WithLabelValues(key.Type, "hit").Inc()
	} else {
		cacheRequests.WithLabelValues(key.Type, "miss").Inc()
	}
	return raw, ok
}

func (r *Router) cacheSet(ctx context.Context, key cache.Key, value any) {
	if r.cache == nil {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	r.cache.Set(ctx, key, raw)
}

// failureCode maps an adapter error to its stable code, folding context
// deadline expiry into TIMEOUT.
func failureCode(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.CodeTimeout
	}
	return errs.CodeOf(err)
}

// cacheID derives a stable cache identifier from the operation inputs.
func cacheID(parts ...any) string {
	b, _ := json.Marshal(parts)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
