package hlog

import (
	"context"
	"testing"

	"github.com/launix-de/hlogdb/internal/device"
	"github.com/launix-de/hlogdb/internal/epoch"
	"github.com/launix-de/hlogdb/internal/pagestore"
)

func newTestLog(t *testing.T, pageSize int) (*Log, *pagestore.Allocator) {
	t.Helper()
	alloc := pagestore.New(pageSize, 8, 4)
	dev := device.NewMemoryDevice(64)
	em := epoch.New()
	return New(alloc, dev, em), alloc
}

// TestPageBoundaryFillerInsertion checks that with
// PAGE_SIZE=1024 and RECORD_ALIGN=8, a record that would straddle the page
// boundary instead causes the remainder of the page to be filled with a
// Filler record and gets placed at the start of the next page.
func TestPageBoundaryFillerInsertion(t *testing.T) {
	l, alloc := newTestLog(t, 1024)

	rec := func(key string, valueLen int) Record {
		return Record{Info: RecordInfo{Flags: FlagFullKey}, Key: []byte(key), Value: make([]byte, valueLen)}
	}

	write := func(r Record) Address {
		addr, dst, err := l.TryAllocate(r.Size())
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		r.Encode(dst)
		return addr
	}

	a := rec("k", 900) // Size=20+900=920, AlignedSize=920
	b := rec("k", 50)  // Size=19+50=69, AlignedSize=72
	c := rec("k", 40)  // Size=19+40=59, AlignedSize=64

	a1 := write(a)
	if a1 != FirstAddress || a.AlignedSize() != 920 {
		t.Fatalf("record a: addr=%d alignedSize=%d, want %d/920", a1, a.AlignedSize(), FirstAddress)
	}

	a2 := write(b)
	if a2 != 928 || int(a2)+b.AlignedSize() != 1000 {
		t.Fatalf("record b: addr=%d, want 928 (ends at %d, want 1000)", a2, int(a2)+b.AlignedSize())
	}

	// c's aligned size (64) would push past the page-0 boundary
	// (1000+64=1064 > 1024), so it must seal page 0 with a filler at
	// offset 1000 and land at the start of page 1 instead.
	a3 := write(c)
	if a3 != 1024 {
		t.Fatalf("record c should land at the start of page 1, got addr=%d", a3)
	}
	if l.pageIndex(a3) != 1 {
		t.Fatalf("record c should be on page 1, got page %d", l.pageIndex(a3))
	}

	filler, _, err := Decode(alloc.PhysicalPage(0).Bytes()[1000:])
	if err != nil {
		t.Fatalf("decode filler: %v", err)
	}
	if !filler.Info.Flags.Has(FlagFiller) {
		t.Fatal("expected a filler record sealing the remainder of page 0")
	}

	if want := Address(1024 + c.AlignedSize()); l.TailAddress() != want {
		t.Fatalf("TailAddress = %d, want %d", l.TailAddress(), want)
	}
}

func TestTryAllocateRejectsOversizedRecord(t *testing.T) {
	l, _ := newTestLog(t, 64)
	_, _, err := l.TryAllocate(1000)
	if err != ErrRecordTooLarge {
		t.Fatalf("expected ErrRecordTooLarge, got %v", err)
	}
}

func TestShiftReadOnlyThenHeadEvictsPages(t *testing.T) {
	l, alloc := newTestLog(t, 64)
	for i := 0; i < 4; i++ {
		if _, _, err := l.TryAllocate(32); err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
	}
	tail := l.TailAddress()

	done := make(chan error, 1)
	l.ShiftReadOnly(context.Background(), tail, func(err error) { done <- err })
	if err := <-done; err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if l.SafeReadOnlyAddress() != tail {
		t.Fatalf("SafeReadOnlyAddress = %d, want %d", l.SafeReadOnlyAddress(), tail)
	}

	if err := l.ShiftHead(tail); err != nil {
		t.Fatalf("shift head: %v", err)
	}
	if l.HeadAddress() != tail {
		t.Fatalf("HeadAddress = %d, want %d", l.HeadAddress(), tail)
	}
	if alloc.PhysicalPage(0) != nil {
		t.Fatal("page 0 should have been evicted after head shift")
	}
}

func TestShiftHeadRejectsPastSafeReadOnly(t *testing.T) {
	l, _ := newTestLog(t, 64)
	if _, _, err := l.TryAllocate(32); err != nil {
		t.Fatal(err)
	}
	if err := l.ShiftHead(l.TailAddress()); err == nil {
		t.Fatal("expected error shifting head past an un-flushed tail")
	}
}

func TestThresholdsNeverDecrease(t *testing.T) {
	l, _ := newTestLog(t, 64)
	for i := 0; i < 8; i++ {
		if _, _, err := l.TryAllocate(16); err != nil {
			t.Fatal(err)
		}
	}
	tail1 := l.TailAddress()
	l.ShiftReadOnly(context.Background(), tail1/2, nil)
	ro1 := l.ReadOnlyAddress()
	l.ShiftReadOnly(context.Background(), tail1/4, nil) // lower request must be a no-op
	if l.ReadOnlyAddress() != ro1 {
		t.Fatalf("ReadOnlyAddress decreased: %d -> %d", ro1, l.ReadOnlyAddress())
	}
}

func TestFlushAndEvictDrainsToEmptyLog(t *testing.T) {
	l, alloc := newTestLog(t, 64)
	for i := 0; i < 4; i++ {
		if _, _, err := l.TryAllocate(32); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.FlushAndEvict(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if l.HeadAddress() != l.TailAddress() {
		t.Fatalf("head=%d tail=%d, want equal after FlushAndEvict", l.HeadAddress(), l.TailAddress())
	}
	if alloc.PhysicalPage(0) != nil {
		t.Fatal("page 0 should be evicted after FlushAndEvict")
	}
}
