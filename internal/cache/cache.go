// Package cache implements the two-tier result cache: a bounded in-process
// LRU (L1) in front of an optional Redis-compatible remote KV (L2). Values
// are opaque JSON blobs; entries are immutable, so invalidation is always
// delete-then-insert.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/joestump/runbookd/internal/breaker"
)

// Content types used in cache keys. The type picks the TTL tier.
const (
	TypeRunbookSearch = "runbook_search"
	TypeKnowledgeBase = "knowledge_base"
	TypeDocument      = "document"
	TypeDecisionTree  = "decision_tree"
	TypeProcedure     = "procedure"
	TypeEscalation    = "escalation"
)

// Key addresses a cache entry.
type Key struct {
	Type string
	ID   string
}

func (k Key) String() string { return k.Type + ":" + k.ID }

// TTLPolicy maps content types to lifetimes.
type TTLPolicy struct {
	overrides map[string]time.Duration
	def       time.Duration
}

// NewTTLPolicy builds a policy from per-type overrides and a default.
func NewTTLPolicy(overrides map[string]time.Duration, def time.Duration) TTLPolicy {
	if def <= 0 {
		def = time.Hour
	}
	return TTLPolicy{overrides: overrides, def: def}
}

// For returns the TTL for a content type. Unconfigured types use the
// tiered defaults: runbooks are critical content and expire in an hour,
// generic knowledge in four, metadata in a day.
func (p TTLPolicy) For(contentType string) time.Duration {
	if d, ok := p.overrides[contentType]; ok && d > 0 {
		return d
	}
	switch contentType {
	case TypeRunbookSearch, TypeDecisionTree, TypeProcedure, TypeEscalation:
		return time.Hour
	case TypeKnowledgeBase, TypeDocument:
		return 4 * time.Hour
	}
	return p.def
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Cache is the two-tier cache. L2 is optional; a nil L2 degrades to
// L1-only, as does a sustained L2 failure via the breaker.
type Cache struct {
	l1     *lru.Cache[string, entry]
	l2     L2
	brk    *breaker.Registry
	policy TTLPolicy
	log    *logrus.Entry
	now    func() time.Time

	mu     sync.Mutex
	hits   uint64
	misses uint64

	// backfill tracks in-flight L1 backfills so tests can wait on them.
	backfill sync.WaitGroup
}

// L2 is the remote tier. Implementations must be safe for concurrent use.
type L2 interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// New creates a Cache. l2 may be nil.
func New(maxEntries int, l2 L2, policy TTLPolicy, log *logrus.Entry) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	l1, err := lru.New[string, entry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &Cache{
		l1:     l1,
		l2:     l2,
		brk:    breaker.NewRegistry(breaker.Options{FailureThreshold: 3, Cooldown: 15 * time.Second}, nil),
		policy: policy,
		log:    log,
		now:    time.Now,
	}, nil
}

// Get reads a key, trying L1 then L2. An L2 hit backfills L1
// asynchronously so the caller is not taxed with the insert.
func (c *Cache) Get(ctx context.Context, key Key) ([]byte, bool) {
	ks := key.String()

	if e, ok := c.l1.Get(ks); ok {
		if c.now().Before(e.expiresAt) {
			c.count(true)
			return e.value, true
		}
		c.l1.Remove(ks)
	}

	if c.l2 == nil {
		c.count(false)
		return nil, false
	}

	v, err := c.brk.Do("l2", func() (any, error) {
		val, ok, err := c.l2.Get(ctx, ks)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return val, nil
	})
	if err != nil {
		c.log.WithError(err).Debug("l2 get failed; degrading to l1-only")
		c.count(false)
		return nil, false
	}
	val, _ := v.([]byte)
	if val == nil {
		c.count(false)
		return nil, false
	}

	ttl := c.policy.For(key.Type)
	c.backfill.Add(1)
	go func() {
		defer c.backfill.Done()
		c.l1.Add(ks, entry{value: val, expiresAt: c.now().Add(ttl)})
	}()

	c.count(true)
	return val, true
}

// Set writes a key to L2 first (fire-and-forget on failure), then L1.
// Last writer wins at both tiers.
func (c *Cache) Set(ctx context.Context, key Key, value []byte) {
	ks := key.String()
	ttl := c.policy.For(key.Type)

	if c.l2 != nil {
		if _, err := c.brk.Do("l2", func() (any, error) {
			return nil, c.l2.Set(ctx, ks, value, ttl)
		}); err != nil {
			c.log.WithError(err).Debug("l2 set failed; entry is l1-only")
		}
	}

	c.l1.Add(ks, entry{value: value, expiresAt: c.now().Add(ttl)})
}

// Invalidate removes an exact key from both tiers.
func (c *Cache) Invalidate(ctx context.Context, key Key) {
	ks := key.String()
	c.l1.Remove(ks)
	if c.l2 != nil {
		_, _ = c.brk.Do("l2", func() (any, error) {
			return nil, c.l2.Delete(ctx, ks)
		})
	}
}

// InvalidatePrefix removes every key of the given content type whose
// identifier starts with idPrefix.
func (c *Cache) InvalidatePrefix(ctx context.Context, contentType, idPrefix string) {
	prefix := contentType + ":" + idPrefix
	for _, k := range c.l1.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.l1.Remove(k)
		}
	}
	if c.l2 != nil {
		_, _ = c.brk.Do("l2", func() (any, error) {
			keys, err := c.l2.Keys(ctx, prefix)
			if err != nil {
				return nil, err
			}
			if len(keys) == 0 {
				return nil, nil
			}
			return nil, c.l2.Delete(ctx, keys...)
		})
	}
}

// Stats reports hit/miss counters for the performance endpoint.
func (c *Cache) Stats() (hits, misses uint64, l1Len int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.l1.Len()
}

// Close releases the L2 connection, if any.
func (c *Cache) Close() error {
	c.backfill.Wait()
	if c.l2 != nil {
		return c.l2.Close()
	}
	return nil
}

func (c *Cache) count(hit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hit {
		c.hits++
	} else {
		c.misses++
	}
}
