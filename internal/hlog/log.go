/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package hlog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/launix-de/hlogdb/internal/device"
	"github.com/launix-de/hlogdb/internal/epoch"
	"github.com/launix-de/hlogdb/internal/pagestore"
)

// ErrRegionFull is returned by TryAllocate when the mutable region has
// wrapped around into in-memory pages that have not yet been evicted; the
// caller should drive an epoch drain (flush + shift_head) and retry.
var ErrRegionFull = fmt.Errorf("hlog: region full, drain required")

// Log owns the monotonic logical address space and the circular
// in-memory window over its tail: records are appended at TailAddress,
// sealed into the read-only region, flushed to the device, and finally
// evicted from memory once HeadAddress passes them.
type Log struct {
	alloc *pagestore.Allocator
	dev   device.Device
	epoch *epoch.Manager

	pageSize int64
	pageMask uint64

	begin        atomic.Uint64 // BeginAddress
	head         atomic.Uint64 // HeadAddress
	safeReadOnly atomic.Uint64 // SafeReadOnlyAddress
	readOnly     atomic.Uint64 // ReadOnlyAddress
	tail         atomic.Uint64 // TailAddress

	tailMu sync.Mutex // serializes the page-boundary slow path of TryAllocate

	flushMu sync.Mutex // serializes shift_read_only / shift_head drivers
}

// New creates a record log backed by alloc (the in-memory ring) and dev
// (the on-disk cold tier), starting empty with page 0 pre-allocated as
// the first mutable page. Every threshold is seeded to FirstAddress
// rather than 0: logical 0 is NullAddress, and the hash index also
// treats address 0 as an empty slot, so the first record appended must
// not land there.
func New(alloc *pagestore.Allocator, dev device.Device, em *epoch.Manager) *Log {
	l := &Log{
		alloc:    alloc,
		dev:      dev,
		epoch:    em,
		pageSize: int64(alloc.PageSize()),
		pageMask: (1 << alloc.PageBits()) - 1,
	}
	l.begin.Store(uint64(FirstAddress))
	l.head.Store(uint64(FirstAddress))
	l.safeReadOnly.Store(uint64(FirstAddress))
	l.readOnly.Store(uint64(FirstAddress))
	l.tail.Store(uint64(FirstAddress))
	alloc.AllocatePage(0)
	return l
}

func (l *Log) BeginAddress() Address        { return Address(l.begin.Load()) }
func (l *Log) HeadAddress() Address         { return Address(l.head.Load()) }
func (l *Log) SafeReadOnlyAddress() Address { return Address(l.safeReadOnly.Load()) }
func (l *Log) ReadOnlyAddress() Address     { return Address(l.readOnly.Load()) }
func (l *Log) TailAddress() Address         { return Address(l.tail.Load()) }

func (l *Log) pageIndex(addr Address) uint64 { return uint64(addr) >> l.alloc.PageBits() }
func (l *Log) pageOffset(addr Address) int   { return int(uint64(addr) & l.pageMask) }

// TryAllocate bumps TailAddress by the aligned record size and returns the
// logical address and a byte slice view of its destination within the
// resident page. If the allocation would cross a page boundary, the
// remainder of the current page is sealed (with a Filler record when at
// least one record header fits; a smaller gap is left as padding) and
// allocation retries on the next page, so no record ever straddles a
// page boundary.
func (l *Log) TryAllocate(recordSize int) (Address, []byte, error) {
	aligned := alignUp(recordSize, RecordAlign)
	if int64(aligned) > l.pageSize {
		return 0, nil, ErrRecordTooLarge
	}
	for {
		old := Address(l.tail.Load())
		pageIdx := l.pageIndex(old)
		offset := l.pageOffset(old)

		if int64(offset+aligned) > l.pageSize {
			if !l.sealAndAdvancePage(old, pageIdx) {
				continue // lost the race to another writer sealing the same page
			}
			continue
		}

		newTail := old + Address(aligned)
		if !l.tail.CompareAndSwap(uint64(old), uint64(newTail)) {
			continue
		}
		page, ok := l.alloc.TryAllocatePage(pageIdx)
		if !ok {
			// Page is claimed by in-flight state we cannot safely write to;
			// roll the tail back is not viable once published, so surface
			// RegionFull to the caller, who must drain and the next writer
			// will retry allocation from a freshly evicted slot.
			return 0, nil, ErrRegionFull
		}
		return old, page.Bytes()[offset : offset+aligned], nil
	}
}

// sealAndAdvancePage fills the remainder of the page containing old with a
// Filler record (when the remainder holds at least HeaderSize bytes; a
// smaller gap is left as padding) and advances TailAddress to the start of
// the next page. It
// returns false if another writer already performed this transition
// (detected via a failed CAS), in which case the caller should simply
// retry TryAllocate against the new tail.
func (l *Log) sealAndAdvancePage(old Address, pageIdx uint64) bool {
	l.tailMu.Lock()
	defer l.tailMu.Unlock()

	// Re-check under the lock: another goroutine may have already advanced
	// past this page boundary.
	cur := Address(l.tail.Load())
	if l.pageIndex(cur) != pageIdx {
		return false
	}

	offset := l.pageOffset(cur)
	remainder := int(l.pageSize) - offset
	nextPageStart := (pageIdx + 1) << l.alloc.PageBits()

	if !l.tail.CompareAndSwap(uint64(cur), nextPageStart) {
		return false
	}

	if page := l.alloc.PhysicalPage(pageIdx); page != nil && remainder >= HeaderSize {
		RecordInfo{Flags: FlagFiller}.Encode(page.Bytes()[offset:])
	}
	l.alloc.TryAllocatePage(pageIdx + 1)
	return true
}

// ShiftReadOnly monotonically raises ReadOnlyAddress, marking
// [old, newRO) immutable and scheduling flush of the pages it spans.
// onDone, if non-nil, is invoked exactly once after every page in the
// shifted range has been written to the device (with the first error
// encountered, if any).
func (l *Log) ShiftReadOnly(ctx context.Context, newRO Address, onDone func(error)) {
	old := Address(l.readOnly.Load())
	for {
		if newRO <= old {
			if onDone != nil {
				onDone(nil)
			}
			return
		}
		if l.readOnly.CompareAndSwap(uint64(old), uint64(newRO)) {
			l.flushRange(ctx, old, newRO, onDone)
			return
		}
		old = Address(l.readOnly.Load())
	}
}

// flushRange seals and writes every resident page overlapping [from, to)
// to the device, partially covered ones included, advancing SafeReadOnlyAddress as each page's flush completes and
// invoking onDone once the last one finishes.
func (l *Log) flushRange(ctx context.Context, from, to Address, onDone func(error)) {
	firstPage := l.pageIndex(from)
	lastPage := l.pageIndex(to - 1)

	var wg sync.WaitGroup
	var firstErr atomic.Pointer[error]
	for pg := firstPage; pg <= lastPage; pg++ {
		page := l.alloc.PhysicalPage(pg)
		if page == nil {
			continue // already flushed and evicted by a prior cycle
		}
		page.SetState(pagestore.PageSealed)
		wg.Add(1)
		offset := pg << l.alloc.PageBits()
		pg := pg
		l.dev.WriteAsync(ctx, int64(offset), page.Bytes(), func(n int, err error) {
			defer wg.Done()
			if err == nil {
				page.SetState(pagestore.PageFlushed)
				// Clamp to the shifted read-only boundary: the last page
				// of the range may be only partially covered by it, and
				// SafeReadOnlyAddress must never pass ReadOnlyAddress.
				l.advanceSafeReadOnly(min(Address((pg+1)<<l.alloc.PageBits()), to))
			} else {
				firstErr.CompareAndSwap(nil, &err)
			}
		})
	}
	if onDone == nil {
		return
	}
	go func() {
		wg.Wait()
		var err error
		if p := firstErr.Load(); p != nil {
			err = *p
		}
		onDone(err)
	}()
}

func (l *Log) advanceSafeReadOnly(candidate Address) {
	for {
		old := Address(l.safeReadOnly.Load())
		if candidate <= old {
			return
		}
		if l.safeReadOnly.CompareAndSwap(uint64(old), uint64(candidate)) {
			return
		}
	}
}

// ShiftHead monotonically raises HeadAddress. Pages fully below newHead may
// be evicted once any in-flight flush covering them has completed (i.e.
// newHead must not exceed SafeReadOnlyAddress).
func (l *Log) ShiftHead(newHead Address) error {
	for {
		old := Address(l.head.Load())
		if newHead <= old {
			return nil
		}
		if newHead > l.SafeReadOnlyAddress() {
			return fmt.Errorf("hlog: cannot shift head past safe-read-only (requested %d, safe %d)", newHead, l.SafeReadOnlyAddress())
		}
		if l.head.CompareAndSwap(uint64(old), uint64(newHead)) {
			firstEvict := l.pageIndex(old)
			lastEvict := l.pageIndex(newHead)
			l.epoch.BumpVersion(func() {
				for pg := firstEvict; pg < lastEvict; pg++ {
					l.alloc.FreePage(pg)
				}
			})
			return nil
		}
	}
}

// ShiftBegin truncates the on-disk prefix via the device.
func (l *Log) ShiftBegin(ctx context.Context, newBegin Address) error {
	for {
		old := Address(l.begin.Load())
		if newBegin <= old {
			return nil
		}
		if l.begin.CompareAndSwap(uint64(old), uint64(newBegin)) {
			return l.dev.TruncateUntil(ctx, int64(newBegin))
		}
	}
}

// FlushAndEvict drives ShiftReadOnly and ShiftHead until HeadAddress ==
// TailAddress, i.e. the entire log is on disk and no address remains in
// the in-memory region; the page holding the tail stays allocated.
// If wait is true it blocks until every in-flight flush has completed;
// otherwise the head shift runs once the flush finishes without error.
func (l *Log) FlushAndEvict(ctx context.Context, wait bool) error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	tail := l.TailAddress()
	if !wait {
		l.ShiftReadOnly(ctx, tail, func(err error) {
			if err == nil {
				_ = l.ShiftHead(tail)
			}
		})
		return nil
	}

	done := make(chan error, 1)
	l.ShiftReadOnly(ctx, tail, func(err error) { done <- err })
	if err := <-done; err != nil {
		return err
	}
	return l.ShiftHead(tail)
}

// ReadPage returns the resident bytes for the page containing addr if it
// is in memory, or nil if it must be fetched from the device (addr <
// HeadAddress).
func (l *Log) ReadPage(addr Address) []byte {
	page := l.alloc.PhysicalPage(l.pageIndex(addr))
	if page == nil {
		return nil
	}
	return page.Bytes()
}

// ReadFromDevice issues an asynchronous device read for the page
// containing addr, invoking cb with the raw page bytes on completion.
func (l *Log) ReadFromDevice(ctx context.Context, addr Address, cb func([]byte, error)) {
	buf := make([]byte, l.pageSize)
	offset := int64(l.pageIndex(addr)) * l.pageSize
	l.dev.ReadAsync(ctx, offset, buf, func(n int, err error) {
		cb(buf, err)
	})
}

// Allocator exposes the underlying page allocator for components (hash
// index CAS retries, scan) that need to translate addresses themselves.
func (l *Log) Allocator() *pagestore.Allocator { return l.alloc }

// PageOffset returns the intra-page byte offset of addr.
func (l *Log) PageOffset(addr Address) int { return l.pageOffset(addr) }

// PageSize returns the configured page size in bytes.
func (l *Log) PageSize() int64 { return l.pageSize }

// RestoreAddresses resets every logical address threshold to the values
// recorded in a checkpoint's metadata. It must only be called before any
// writer has touched the log, immediately after New; the caller then
// repopulates the in-memory window via RestorePage.
func (l *Log) RestoreAddresses(begin, head, safeReadOnly, readOnly, tail Address) {
	l.begin.Store(uint64(begin))
	l.head.Store(uint64(head))
	l.safeReadOnly.Store(uint64(safeReadOnly))
	l.readOnly.Store(uint64(readOnly))
	l.tail.Store(uint64(tail))
}

// RestorePage installs data as the resident page at pageIdx, used by
// checkpoint recovery to repopulate the in-memory window after
// RestoreAddresses.
func (l *Log) RestorePage(pageIdx uint64, data []byte) {
	page := l.alloc.AllocatePage(pageIdx)
	copy(page.Bytes(), data)
}
