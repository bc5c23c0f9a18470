package locktable

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAcquireExclusiveExcludesShared(t *testing.T) {
	tbl := New(4)
	release := tbl.AcquireExclusive(2)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tbl.TryLock(ctx, []Key{{Bucket: 2, Type: Shared}})
	if err == nil {
		t.Fatal("shared TryLock should fail while an exclusive latch is held")
	}
	release()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	unlock, err := tbl.TryLock(ctx2, []Key{{Bucket: 2, Type: Shared}})
	if err != nil {
		t.Fatalf("shared TryLock should succeed once the exclusive latch is released: %v", err)
	}
	unlock()
}

func TestMultipleSharedHoldersAllowed(t *testing.T) {
	tbl := New(1)
	r1 := tbl.AcquireShared(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	r2, err := tbl.TryLock(ctx, []Key{{Bucket: 0, Type: Shared}})
	if err != nil {
		t.Fatalf("a second shared holder should be admitted: %v", err)
	}
	r2()
	r1()
}

func TestLockSortsAndDedupsByBucket(t *testing.T) {
	tbl := New(8)
	keys := []Key{
		{Bucket: 5, Raw: []byte("b")},
		{Bucket: 1, Raw: []byte("a")},
		{Bucket: 5, Raw: []byte("b"), Type: Exclusive}, // duplicate bucket, stricter type
	}
	unlock := tbl.Lock(keys)
	// Bucket 5 must have been taken exclusively (the stricter of the two
	// dedup'd requests), so a concurrent exclusive TryLock on it must fail.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := tbl.TryLock(ctx, []Key{{Bucket: 5, Type: Exclusive}}); err == nil {
		t.Fatal("bucket 5 should already be held exclusively")
	}
	unlock()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	final, err := tbl.TryLock(ctx2, []Key{{Bucket: 5, Type: Exclusive}})
	if err != nil {
		t.Fatalf("bucket 5 should be free after unlock: %v", err)
	}
	final()
}

func TestTryLockRollsBackOnPartialFailure(t *testing.T) {
	tbl := New(4)
	blockRelease := tbl.AcquireExclusive(3)
	defer blockRelease()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tbl.TryLock(ctx, []Key{{Bucket: 1, Type: Exclusive}, {Bucket: 3, Type: Exclusive}})
	if err == nil {
		t.Fatal("expected failure acquiring bucket 3")
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	unlock, err := tbl.TryLock(ctx2, []Key{{Bucket: 1, Type: Exclusive}})
	if err != nil {
		t.Fatalf("bucket 1 should have been rolled back and be free: %v", err)
	}
	unlock()
}

func TestPromoteSharedToExclusive(t *testing.T) {
	tbl := New(1)
	tbl.AcquireShared(0) // promote takes over releasing this internally

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := tbl.PromoteSharedToExclusive(ctx, 0); err != nil {
		t.Fatalf("promote failed: %v", err)
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	if _, err := tbl.TryLock(ctx2, []Key{{Bucket: 0, Type: Shared}}); err == nil {
		t.Fatal("bucket should be held exclusively after promotion")
	}
	tbl.latches[0].Unlock()
}

func TestConcurrentExclusiveAcquireIsSerialized(t *testing.T) {
	tbl := New(1)
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := tbl.AcquireExclusive(0)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()
	if len(order) != 8 {
		t.Fatalf("expected all 8 goroutines to run, got %d", len(order))
	}
}
