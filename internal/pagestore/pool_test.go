package pagestore

import "testing"

func TestAllocateAndTranslate(t *testing.T) {
	a := New(1024, 4, 2)
	p := a.AllocatePage(3)
	if p.State() != PageMutable {
		t.Fatalf("expected PageMutable, got %v", p.State())
	}
	logical := uint64(3)<<a.PageBits() + 100
	page, logicalPage, offset := a.Translate(logical)
	if logicalPage != 3 || offset != 100 {
		t.Fatalf("translate: page=%d offset=%d, want 3/100", logicalPage, offset)
	}
	if page != p {
		t.Fatal("translate did not return the page allocated for slot 3")
	}
}

func TestFreePageRecyclesThroughPool(t *testing.T) {
	a := New(1024, 4, 2)
	a.AllocatePage(0)
	a.FreePage(0)
	if a.PoolLen() != 1 {
		t.Fatalf("expected 1 pooled page after free, got %d", a.PoolLen())
	}
	p := a.AllocatePage(1)
	if a.PoolLen() != 0 {
		t.Fatalf("expected pool drained after reuse, got %d", a.PoolLen())
	}
	for _, b := range p.Bytes() {
		if b != 0 {
			t.Fatal("recycled page must be zeroed")
		}
	}
}

func TestPoolCapBoundsRetainedPages(t *testing.T) {
	a := New(1024, 8, 1)
	for i := uint64(0); i < 4; i++ {
		a.AllocatePage(i)
	}
	for i := uint64(0); i < 4; i++ {
		a.FreePage(i)
	}
	if a.PoolLen() != 1 {
		t.Fatalf("pool should be bounded at capacity 1, got %d", a.PoolLen())
	}
}

func TestClearPageZeroesFromOffset(t *testing.T) {
	a := New(16, 2, 1)
	p := a.AllocatePage(0)
	for i := range p.Bytes() {
		p.Bytes()[i] = 0xFF
	}
	a.ClearPage(0, 8)
	for i, b := range p.Bytes() {
		if i < 8 && b != 0xFF {
			t.Fatalf("byte %d should be untouched", i)
		}
		if i >= 8 && b != 0 {
			t.Fatalf("byte %d should be cleared", i)
		}
	}
}
