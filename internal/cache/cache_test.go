package cache

import (
	"testing"

	"github.com/hmarui66/yakvdb/internal/page"
)

func pg(id uint32) *page.Page { return page.New(id, 64) }

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := New(3)
	c.Put(1, pg(1))
	c.Put(2, pg(2))
	c.Put(3, pg(3))

	// touch 1 so 2 becomes the least-recently-used entry
	c.Get(1)

	evicted, didEvict := c.Put(4, pg(4))
	if !didEvict || evicted != 2 {
		t.Fatalf("Put(4) evicted=%v didEvict=%v, want id 2", evicted, didEvict)
	}

	for _, id := range []uint32{1, 3, 4} {
		if !c.Has(id) {
			t.Errorf("Has(%d) = false, want true", id)
		}
	}
	if c.Has(2) {
		t.Error("Has(2) = true, want false (should have been evicted)")
	}
}

func TestCache_PinnedEntrySurvivesEviction(t *testing.T) {
	c := New(2)
	c.Put(1, pg(1))
	c.Put(2, pg(2))
	c.Pin(1)

	_, didEvict := c.Put(3, pg(3))
	if !didEvict {
		t.Fatal("expected eviction of the sole unpinned entry")
	}
	if !c.Has(1) {
		t.Error("pinned entry 1 should not have been evicted")
	}
	if c.Has(2) {
		t.Error("unpinned entry 2 should have been evicted")
	}
}

func TestCache_AllPinnedGrowsRatherThanEvict(t *testing.T) {
	c := New(1)
	c.Put(1, pg(1))
	c.Pin(1)

	_, didEvict := c.Put(2, pg(2))
	if didEvict {
		t.Fatal("cache should never drop a pinned entry")
	}
	if !c.Has(1) || !c.Has(2) {
		t.Error("both entries should be resident once capacity is exceeded by pins")
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
}

func TestCache_GetUpdatesRecency(t *testing.T) {
	c := New(2)
	c.Put(1, pg(1))
	c.Put(2, pg(2))

	c.Get(1) // 1 now most-recently-used; 2 is now LRU

	evicted, didEvict := c.Put(3, pg(3))
	if !didEvict || evicted != 2 {
		t.Fatalf("Put(3) evicted=%v didEvict=%v, want id 2", evicted, didEvict)
	}
}

func TestCache_UnpinAllowsEviction(t *testing.T) {
	c := New(1)
	c.Put(1, pg(1))
	c.Pin(1)
	c.Unpin(1)

	evicted, didEvict := c.Put(2, pg(2))
	if !didEvict || evicted != 1 {
		t.Fatalf("Put(2) evicted=%v didEvict=%v, want id 1 after unpin", evicted, didEvict)
	}
}

func TestCache_RemoveDropsRegardlessOfPin(t *testing.T) {
	c := New(2)
	c.Put(1, pg(1))
	c.Pin(1)

	c.Remove(1)
	if c.Has(1) {
		t.Error("Remove should drop the entry even while pinned")
	}
}
