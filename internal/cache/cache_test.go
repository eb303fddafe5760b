package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func newL1Only(t *testing.T) *Cache {
	t.Helper()
	c, err := New(16, nil, NewTTLPolicy(nil, time.Hour), testLog())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c
}

func TestL1_SetGet(t *testing.T) {
	c := newL1Only(t)
	ctx := context.Background()
	key := Key{Type: TypeKnowledgeBase, ID: "k8s oom"}

	c.Set(ctx, key, []byte(`{"results":[]}`))

	v, ok := c.Get(ctx, key)
	if !ok {
		t.Fatal("expected hit")
	}
	if string(v) != `{"results":[]}` {
		t.Errorf("unexpected value %q", v)
	}
}

func TestL1_TTLExpiry(t *testing.T) {
	c := newL1Only(t)
	ctx := context.Background()
	key := Key{Type: TypeRunbookSearch, ID: "q"}

	c.Set(ctx, key, []byte("v"))

	// Jump past the runbook tier TTL.
	base := time.Now()
	c.now = func() time.Time { return base.Add(2 * time.Hour) }

	if _, ok := c.Get(ctx, key); ok {
		t.Error("expected expired entry to miss")
	}
}

func TestL1_LRUEviction(t *testing.T) {
	c, err := New(2, nil, NewTTLPolicy(nil, time.Hour), testLog())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	c.Set(ctx, Key{TypeDocument, "a"}, []byte("1"))
	c.Set(ctx, Key{TypeDocument, "b"}, []byte("2"))
	c.Set(ctx, Key{TypeDocument, "c"}, []byte("3"))

	if _, ok := c.Get(ctx, Key{TypeDocument, "a"}); ok {
		t.Error("oldest entry should be evicted at capacity 2")
	}
	if _, ok := c.Get(ctx, Key{TypeDocument, "c"}); !ok {
		t.Error("newest entry should survive")
	}
}

func TestL2_ReadThroughAndBackfill(t *testing.T) {
	srv := miniredis.RunT(t)
	l2, err := NewRedisL2("redis://"+srv.Addr(), "t:")
	if err != nil {
		t.Fatal(err)
	}
	c, err := New(16, l2, NewTTLPolicy(nil, time.Hour), testLog())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close() //nolint:errcheck
	ctx := context.Background()
	key := Key{Type: TypeKnowledgeBase, ID: "remote"}

	// Seed only L2.
	if err := l2.Set(ctx, key.String(), []byte("from-l2"), time.Hour); err != nil {
		t.Fatal(err)
	}

	v, ok := c.Get(ctx, key)
	if !ok || string(v) != "from-l2" {
		t.Fatalf("expected L2 read-through, got %q ok=%v", v, ok)
	}

	// After backfill, the entry is in L1: kill L2 and read again.
	c.backfill.Wait()
	srv.Close()

	v, ok = c.Get(ctx, key)
	if !ok || string(v) != "from-l2" {
		t.Errorf("expected L1 backfilled hit after L2 death, got ok=%v", ok)
	}
}

func TestL2_FailureDegradesToL1(t *testing.T) {
	srv := miniredis.RunT(t)
	l2, err := NewRedisL2("redis://"+srv.Addr(), "t:")
	if err != nil {
		t.Fatal(err)
	}
	c, err := New(16, l2, NewTTLPolicy(nil, time.Hour), testLog())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	srv.Close()

	key := Key{Type: TypeDocument, ID: "x"}
	c.Set(ctx, key, []byte("v")) // L2 write fails, L1 still gets it

	v, ok := c.Get(ctx, key)
	if !ok || string(v) != "v" {
		t.Errorf("expected L1 to serve despite dead L2, got ok=%v", ok)
	}
}

func TestInvalidate(t *testing.T) {
	c := newL1Only(t)
	ctx := context.Background()
	key := Key{Type: TypeProcedure, ID: "rb1/step_1"}

	c.Set(ctx, key, []byte("v"))
	c.Invalidate(ctx, key)

	if _, ok := c.Get(ctx, key); ok {
		t.Error("expected invalidated key to miss")
	}
}

func TestInvalidatePrefix(t *testing.T) {
	c := newL1Only(t)
	ctx := context.Background()

	c.Set(ctx, Key{TypeProcedure, "rb1/step_1"}, []byte("1"))
	c.Set(ctx, Key{TypeProcedure, "rb1/step_2"}, []byte("2"))
	c.Set(ctx, Key{TypeProcedure, "rb2/step_1"}, []byte("3"))

	c.InvalidatePrefix(ctx, TypeProcedure, "rb1/")

	if _, ok := c.Get(ctx, Key{TypeProcedure, "rb1/step_1"}); ok {
		t.Error("rb1 entries should be gone")
	}
	if _, ok := c.Get(ctx, Key{TypeProcedure, "rb2/step_1"}); !ok {
		t.Error("rb2 entries should survive")
	}
}

func TestTTLPolicy_Tiers(t *testing.T) {
	p := NewTTLPolicy(map[string]time.Duration{TypeDocument: 10 * time.Minute}, 24*time.Hour)

	if got := p.For(TypeRunbookSearch); got != time.Hour {
		t.Errorf("runbook tier: got %v", got)
	}
	if got := p.For(TypeKnowledgeBase); got != 4*time.Hour {
		t.Errorf("knowledge tier: got %v", got)
	}
	if got := p.For(TypeDocument); got != 10*time.Minute {
		t.Errorf("override: got %v", got)
	}
	if got := p.For("metadata"); got != 24*time.Hour {
		t.Errorf("default tier: got %v", got)
	}
}
