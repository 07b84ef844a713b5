package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chronod/internal/store"
)

func TestSetGetRoundtrip(t *testing.T) {
	c := New(10)
	if err := c.Set("k", map[string]int{"n": 1}, time.Minute); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	b, ok := c.Get("k")
	if !ok {
		t.Fatal("Get() miss after Set()")
	}
	if string(b) != `{"n":1}` {
		t.Errorf("Get() = %s", b)
	}
}

func TestGetExpiredEntry(t *testing.T) {
	c := New(10)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.SetBytes("k", []byte("v"), time.Minute)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("fresh entry missing")
	}

	now = now.Add(2 * time.Minute)
	if _, ok := c.Get("k"); ok {
		t.Error("expired entry served")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d after lazy expiry, want 0", c.Len())
	}

	s := c.Stats()
	if s.Hits != 1 || s.Misses != 1 {
		t.Errorf("hits/misses = %d/%d, want 1/1", s.Hits, s.Misses)
	}
}

func TestBatchEviction(t *testing.T) {
	c := New(20)
	for i := 0; i < 20; i++ {
		c.SetBytes(fmt.Sprintf("k%02d", i), []byte("v"), time.Minute)
	}
	if c.Len() != 20 {
		t.Fatalf("Len() = %d, want 20", c.Len())
	}

	// the insert that would overflow drops the oldest tenth at once
	c.SetBytes("k20", []byte("v"), time.Minute)
	if c.Len() != 19 {
		t.Errorf("Len() = %d after batch eviction, want 19", c.Len())
	}
	if s := c.Stats(); s.Evictions != 2 {
		t.Errorf("Evictions = %d, want 2", s.Evictions)
	}
	for _, gone := range []string{"k00", "k01"} {
		if c.Has(gone) {
			t.Errorf("oldest entry %s survived eviction", gone)
		}
	}
	if !c.Has("k20") {
		t.Error("new entry missing after eviction")
	}
}

func TestEvictionSmallCapacityDropsAtLeastOne(t *testing.T) {
	c := New(3)
	c.SetBytes("a", []byte("1"), time.Minute)
	c.SetBytes("b", []byte("2"), time.Minute)
	c.SetBytes("c", []byte("3"), time.Minute)
	c.SetBytes("d", []byte("4"), time.Minute)
	if c.Len() != 3 {
		t.Errorf("Len() = %d, want 3", c.Len())
	}
	if c.Has("a") {
		t.Error("oldest entry survived")
	}
}

func TestOverwriteDoesNotEvict(t *testing.T) {
	c := New(3)
	c.SetBytes("a", []byte("1"), time.Minute)
	c.SetBytes("b", []byte("2"), time.Minute)
	c.SetBytes("c", []byte("3"), time.Minute)
	c.SetBytes("b", []byte("22"), time.Minute)
	if c.Len() != 3 {
		t.Errorf("Len() = %d, want 3", c.Len())
	}
	if s := c.Stats(); s.Evictions != 0 {
		t.Errorf("Evictions = %d, want 0", s.Evictions)
	}
	b, _ := c.Get("b")
	if string(b) != "22" {
		t.Errorf("overwritten value = %s", b)
	}
}

func TestDeleteAndPrefix(t *testing.T) {
	c := New(10)
	c.SetBytes("jobs:{\"page\":1}", []byte("a"), time.Minute)
	c.SetBytes("jobs:{\"page\":2}", []byte("b"), time.Minute)
	c.SetBytes("job:abc", []byte("c"), time.Minute)

	if !c.Delete("job:abc") {
		t.Error("Delete() = false for present key")
	}
	if c.Delete("job:abc") {
		t.Error("Delete() = true for absent key")
	}

	if n := c.DeletePrefix("jobs:"); n != 2 {
		t.Errorf("DeletePrefix() = %d, want 2", n)
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
	if s := c.Stats(); s.Deletes != 3 {
		t.Errorf("Deletes = %d, want 3", s.Deletes)
	}
}

func TestMemoryAccounting(t *testing.T) {
	c := New(10)
	c.SetBytes("key", []byte("value"), time.Minute)
	want := int64(len("key") + len("value") + entryOverhead)
	if s := c.Stats(); s.MemoryBytes != want {
		t.Errorf("MemoryBytes = %d, want %d", s.MemoryBytes, want)
	}
	c.Delete("key")
	if s := c.Stats(); s.MemoryBytes != 0 {
		t.Errorf("MemoryBytes = %d after delete, want 0", s.MemoryBytes)
	}
}

func TestHitRate(t *testing.T) {
	c := New(10)
	c.SetBytes("k", []byte("v"), time.Minute)
	c.Get("k")
	c.Get("k")
	c.Get("absent")
	c.Get("absent")

	s := c.Stats()
	if s.HitRate != 0.5 {
		t.Errorf("HitRate = %v, want 0.5", s.HitRate)
	}
}

func TestListKeyCanonical(t *testing.T) {
	active := true
	jt := store.JobTypeRecurring
	a := ListKey(store.Filter{IsActive: &active, JobType: &jt, Tags: []string{"b", "a"}, Search: "x"}, store.Page{Page: 2, Limit: 10})
	b := ListKey(store.Filter{IsActive: &active, JobType: &jt, Tags: []string{"a", "b"}, Search: "x"}, store.Page{Page: 2, Limit: 10})
	if a != b {
		t.Errorf("equivalent queries produced different keys:\n%s\n%s", a, b)
	}

	c := ListKey(store.Filter{}, store.Page{})
	d := ListKey(store.Filter{}, store.Page{Page: 1, Limit: store.DefaultListLimit})
	if c != d {
		t.Errorf("default page normalized differently:\n%s\n%s", c, d)
	}

	e := ListKey(store.Filter{Search: "y"}, store.Page{})
	if c == e {
		t.Error("different filters share a key")
	}
}

func TestJobKey(t *testing.T) {
	id := uuid.New()
	if got, want := JobKey(id), "job:"+id.String(); got != want {
		t.Errorf("JobKey() = %q, want %q", got, want)
	}
}
