package retrieval

import "testing"

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewCache(2)

	c.Put("a", []float32{1})
	c.Put("b", []float32{2})
	c.Put("c", []float32{3})

	if _, ok := c.Get("a"); ok {
		t.Error("oldest entry still cached after eviction")
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("entry b evicted prematurely")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("entry c evicted prematurely")
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
}

func TestCache_GetRefreshesRecency(t *testing.T) {
	c := NewCache(2)

	c.Put("a", []float32{1})
	c.Put("b", []float32{2})
	c.Get("a")
	c.Put("c", []float32{3})

	if _, ok := c.Get("a"); !ok {
		t.Error("recently used entry was evicted")
	}
	if _, ok := c.Get("b"); ok {
		t.Error("least recently used entry survived eviction")
	}
}

func TestCache_PutUpdatesExisting(t *testing.T) {
	c := NewCache(2)

	c.Put("a", []float32{1})
	c.Put("a", []float32{9})

	vec, ok := c.Get("a")
	if !ok {
		t.Fatal("entry a missing")
	}
	if len(vec) != 1 || vec[0] != 9 {
		t.Errorf("Get(a) = %v, want [9]", vec)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d after update, want 1", c.Len())
	}
}

func TestCache_DefaultCapacity(t *testing.T) {
	c := NewCache(0)
	if c.cap != DefaultCacheSize {
		t.Errorf("cap = %d for zero capacity, want %d", c.cap, DefaultCacheSize)
	}
}
