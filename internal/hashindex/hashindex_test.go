package hashindex

import (
	"sync"
	"testing"
)

func TestFindOrInsertThenCASPublishesAddress(t *testing.T) {
	ix := New(16)
	hash := uint64(0x1234_0000_0000_0007) // bucket 7, tag 0x1234

	h := ix.FindOrInsert(hash)
	if h.Address() != 0 {
		t.Fatalf("fresh slot should be invalid (NULL_ADDR), got %d", h.Address())
	}
	if !h.SetTag(tagOf(hash), 100) {
		t.Fatal("SetTag on an invalid slot should succeed")
	}
	if h.Address() != 100 {
		t.Fatalf("Address() = %d, want 100", h.Address())
	}

	h2 := ix.FindOrInsert(hash)
	if h2.Address() != 100 {
		t.Fatalf("re-lookup by the same tag should find the existing entry, got %d", h2.Address())
	}
}

func TestCASEntryRejectsStaleExpected(t *testing.T) {
	ix := New(8)
	hash := uint64(0xAAAA_0000_0000_0001)
	h := ix.FindOrInsert(hash)
	h.SetTag(tagOf(hash), 1)

	if h.CASEntry(999, 2) {
		t.Fatal("CAS with a stale expected address must fail")
	}
	if !h.CASEntry(1, 2) {
		t.Fatal("CAS with the correct expected address must succeed")
	}
	if h.Address() != 2 {
		t.Fatalf("Address() = %d, want 2", h.Address())
	}
}

func TestOverflowChainGrowsWhenBucketFull(t *testing.T) {
	ix := New(1) // single bucket forces overflow quickly
	handles := make([]Handle, 0, EntriesPerBucket+3)
	for i := 0; i < EntriesPerBucket+3; i++ {
		// Distinct tags force distinct slots rather than reusing one by tag match.
		hash := uint64(i+1) << 48
		h := ix.FindOrInsert(hash)
		if !h.SetTag(tagOf(hash), uint64(i+1)) {
			t.Fatalf("SetTag %d failed", i)
		}
		handles = append(handles, h)
	}
	if ix.OverflowBucketCount() == 0 {
		t.Fatal("expected at least one overflow bucket to have been allocated")
	}
	for i, h := range handles {
		if h.Address() != uint64(i+1) {
			t.Fatalf("entry %d address = %d, want %d", i, h.Address(), i+1)
		}
	}
}

func TestIterateBucketWalksOverflowChain(t *testing.T) {
	ix := New(1)
	n := EntriesPerBucket + 2
	for i := 0; i < n; i++ {
		hash := uint64(i+1) << 48
		h := ix.FindOrInsert(hash)
		h.SetTag(tagOf(hash), uint64(i+1))
	}
	entries := ix.IterateBucket(0)
	if len(entries) != n {
		t.Fatalf("IterateBucket returned %d entries, want %d", len(entries), n)
	}
}

func TestConcurrentInsertsLandDistinctSlots(t *testing.T) {
	ix := New(4)
	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			hash := uint64(i+1) << 48
			h := ix.FindOrInsert(hash)
			for !h.SetTag(tagOf(hash), uint64(i+1)) {
				h = ix.FindOrInsert(hash)
			}
		}()
	}
	wg.Wait()

	seen := map[uint64]bool{}
	for b := 0; b < ix.BucketCount(); b++ {
		for _, e := range ix.IterateBucket(uint64(b)) {
			if seen[e.Address] {
				t.Fatalf("address %d observed twice", e.Address)
			}
			seen[e.Address] = true
		}
	}
	if len(seen) != n {
		t.Fatalf("observed %d distinct addresses, want %d", len(seen), n)
	}
}
