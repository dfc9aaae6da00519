package cache

import (
	"errors"
	"testing"
)

func TestFindOrInsertPopulatesOnce(t *testing.T) {
	c := New[string, int](10)
	calls := 0
	factory := func() (int, error) {
		calls++
		return 42, nil
	}

	v, err := c.FindOrInsert("a", factory)
	if err != nil || v != 42 {
		t.Fatalf("got (%d, %v)", v, err)
	}
	v, err = c.FindOrInsert("a", factory)
	if err != nil || v != 42 {
		t.Fatalf("got (%d, %v)", v, err)
	}
	if calls != 1 {
		t.Fatalf("expected factory called once, got %d", calls)
	}
}

func TestTouchMovesToFront(t *testing.T) {
	c := New[string, int](10)
	_, _ = c.FindOrInsert("a", func() (int, error) { return 1, nil })
	_, _ = c.FindOrInsert("b", func() (int, error) { return 2, nil })
	c.Touch("a")

	c.Reclaim(1)
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("expected touched entry to survive reclaim")
	}
	if _, ok := c.Get("b"); ok {
		t.Fatalf("expected untouched entry to be evicted")
	}
}

func TestReclaimSkipsPinnedEntries(t *testing.T) {
	c := New[int, string](10)
	for i := 0; i < 3; i++ {
		i := i
		_, _ = c.FindOrInsert(i, func() (string, error) { return "v", nil })
	}
	c.Pin(0) // oldest entry, would be first evicted

	c.Reclaim(1)

	if _, ok := c.Get(0); !ok {
		t.Fatalf("pinned entry should have survived eviction")
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 live entry (the pinned one), got %d", c.Len())
	}
}

func TestClearIsCatastropheProof(t *testing.T) {
	c := New[int, string](10)
	_, _ = c.FindOrInsert(1, func() (string, error) { return "v", nil })
	c.Pin(1)

	c.Clear()

	if c.Len() != 0 {
		t.Fatalf("expected Clear to remove pinned entries too, got %d", c.Len())
	}
}

func TestFindOrInsertWithRetryDropsCacheOnFailure(t *testing.T) {
	c := New[int, string](10)
	_, _ = c.FindOrInsert(1, func() (string, error) { return "v", nil })

	attempt := 0
	_, err := c.FindOrInsertWithRetry(2, func() (string, error) {
		attempt++
		if attempt == 1 {
			return "", errors.New("boom")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("expected success on retry, got %v", err)
	}
	if attempt != 2 {
		t.Fatalf("expected exactly one retry, got %d attempts", attempt)
	}
	// the first key must have been dropped by the retry's Clear()
	if _, ok := c.Get(1); ok {
		t.Fatalf("expected cache to have been cleared on retry")
	}
}

func TestOnAccessReportsHitsAndMisses(t *testing.T) {
	c := New[string, int](10)
	var hits, misses int
	c.OnAccess(func() { hits++ }, func() { misses++ })

	_, _ = c.FindOrInsert("a", func() (int, error) { return 1, nil })
	if hits != 0 || misses != 1 {
		t.Fatalf("first populate: hits=%d misses=%d, want 0,1", hits, misses)
	}

	_, _ = c.FindOrInsert("a", func() (int, error) { return 1, nil })
	if hits != 1 || misses != 1 {
		t.Fatalf("repeat populate: hits=%d misses=%d, want 1,1", hits, misses)
	}

	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected a to be resident")
	}
	if hits != 2 || misses != 1 {
		t.Fatalf("Get hit: hits=%d misses=%d, want 2,1", hits, misses)
	}

	if _, ok := c.Get("missing"); ok {
		t.Fatal("expected missing to be absent")
	}
	if hits != 2 || misses != 2 {
		t.Fatalf("Get miss: hits=%d misses=%d, want 2,2", hits, misses)
	}
}

func TestEvictCallback(t *testing.T) {
	c := New[int, string](10)
	var closed []int
	c.OnEvict(func(k int, v string) { closed = append(closed, k) })

	_, _ = c.FindOrInsert(1, func() (string, error) { return "v", nil })
	c.Evict(1)

	if len(closed) != 1 || closed[0] != 1 {
		t.Fatalf("expected evict callback for key 1, got %v", closed)
	}
}
