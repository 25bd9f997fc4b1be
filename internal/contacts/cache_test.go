package contacts

import "testing"

func TestCacheEmailIndexCaseInsensitive(t *testing.T) {
	c := NewCache()
	c.Put(Contact{Key: "k1", ContactID: "u1", DisplayName: "Ana", Email: "A@B.com"})

	got, ok := c.GetByEmail("a@b.com")
	if !ok || got.ContactID != "u1" {
		t.Fatalf("lookup by folded email failed: %+v %v", got, ok)
	}
	got2, ok := c.GetByEmail("A@B.COM")
	if !ok || got2 != got {
		t.Errorf("case variants disagree: %+v vs %+v", got, got2)
	}
}

func TestCacheEmailIndexFollowsReplace(t *testing.T) {
	c := NewCache()
	c.Put(Contact{Key: "k1", ContactID: "u1", Email: "old@b.com"})
	c.Put(Contact{Key: "k1", ContactID: "u1", Email: "new@b.com"})

	if _, ok := c.GetByEmail("old@b.com"); ok {
		t.Error("stale email still indexed")
	}
	if _, ok := c.GetByEmail("new@b.com"); !ok {
		t.Error("new email not indexed")
	}
}

func TestCacheRemoveByKey(t *testing.T) {
	c := NewCache()
	c.Put(Contact{Key: "k1", ContactID: "u1", Email: "a@b.com"})

	ct, ok := c.Remove("k1")
	if !ok || ct.ContactID != "u1" {
		t.Fatalf("remove = %+v %v", ct, ok)
	}
	if _, ok := c.Get("u1"); ok {
		t.Error("contact still cached after remove")
	}
	if _, ok := c.GetByEmail("a@b.com"); ok {
		t.Error("email still indexed after remove")
	}
	if _, ok := c.Remove("k1"); ok {
		t.Error("second remove reported a hit")
	}
}

func TestCacheSnapshotSortedAndDetached(t *testing.T) {
	c := NewCache()
	c.Put(Contact{Key: "k1", ContactID: "u1", DisplayName: "zoe"})
	c.Put(Contact{Key: "k2", ContactID: "u2", DisplayName: "Ana"})

	snap := c.Snapshot()
	if len(snap) != 2 || snap[0].DisplayName != "Ana" || snap[1].DisplayName != "zoe" {
		t.Fatalf("snapshot order = %+v", snap)
	}

	// Mutating the snapshot must not reach the cache.
	snap[0].DisplayName = "mutated"
	if got, _ := c.Get("u2"); got.DisplayName != "Ana" {
		t.Errorf("snapshot mutation leaked into cache: %+v", got)
	}
}
