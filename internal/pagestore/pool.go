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

// Package pagestore implements the page allocator: aligned page
// allocation over a fixed-size circular in-memory ring, an overflow pool of
// recycled pages, and the logical-to-physical address translation every
// other component relies on.
//
// The overflow pool recycles evicted page buffers up to a fixed budget:
// a freed page's buffer is either handed back to the next allocation or
// released to the GC once the pool already holds enough spares.
package pagestore

import "sync"

// Page is one fixed-size, sector-aligned buffer. Size is always a power of
// two (PageSize in the owning Allocator).
type Page struct {
	buf         []byte
	state       pageState
	logicalPage uint64
}

type pageState uint8

const (
	PageUnallocated pageState = iota
	PageMutable
	PageSealed
	PageFlushed
)

func (p *Page) State() pageState     { return p.state }
func (p *Page) Bytes() []byte        { return p.buf }
func (p *Page) LogicalPage() uint64  { return p.logicalPage }
func (p *Page) SetState(s pageState) { p.state = s }

// Allocator owns the circular in-memory ring of pages plus the overflow
// pool used to recycle evicted buffers instead of forcing the GC to zero
// fresh ones for every new page.
type Allocator struct {
	pageSize  int
	pageBits  uint
	ringSize  int // number of slots in the ring, power of two
	ringMask  uint64

	mu   sync.Mutex
	ring []*Page

	poolMu    sync.Mutex
	pool      [][]byte
	poolCap   int
}

// New creates an allocator for ringSize pages of pageSize bytes each.
// pageSize and ringSize must both be powers of two. poolCap bounds how many
// freed pages are kept around for reuse before the buffer is released to
// the GC.
func New(pageSize, ringSize, poolCap int) *Allocator {
	if pageSize&(pageSize-1) != 0 || ringSize&(ringSize-1) != 0 {
		panic("pagestore: pageSize and ringSize must be powers of two")
	}
	bits := 0
	for 1<<bits < pageSize {
		bits++
	}
	a := &Allocator{
		pageSize: pageSize,
		pageBits: uint(bits),
		ringSize: ringSize,
		ringMask: uint64(ringSize - 1),
		ring:     make([]*Page, ringSize),
		poolCap:  poolCap,
	}
	return a
}

func (a *Allocator) PageSize() int { return a.pageSize }
func (a *Allocator) PageBits() uint { return a.pageBits }

// slot returns the ring slot a logical address's page maps to.
func (a *Allocator) slot(logicalPage uint64) int {
	return int(logicalPage & a.ringMask)
}

// TryAllocatePage allocates a page for logicalPage unless the ring slot it
// maps to is already occupied by a different, not-yet-evicted page, in
// which case ok is false and the caller (the record log) must report
// RegionFull: the mutable region has wrapped around into memory that is
// still in use.
func (a *Allocator) TryAllocatePage(logicalPage uint64) (page *Page, ok bool) {
	a.mu.Lock()
	existing := a.ring[a.slot(logicalPage)]
	if existing != nil && existing.logicalPage != logicalPage {
		a.mu.Unlock()
		return nil, false
	}
	if existing != nil && existing.logicalPage == logicalPage {
		a.mu.Unlock()
		return existing, true
	}
	a.mu.Unlock()
	return a.AllocatePage(logicalPage), true
}

// AllocatePage returns a zeroed page for the ring slot addressed by
// logicalPage, pulling a spare buffer from the overflow pool when one is
// available instead of allocating fresh memory.
func (a *Allocator) AllocatePage(logicalPage uint64) *Page {
	buf := a.takeFromPool()
	if buf == nil {
		buf = make([]byte, a.pageSize)
	} else {
		clear(buf)
	}
	p := &Page{buf: buf, state: PageMutable, logicalPage: logicalPage}
	a.mu.Lock()
	a.ring[a.slot(logicalPage)] = p
	a.mu.Unlock()
	return p
}

// FreePage clears and returns a page's buffer to the overflow pool,
// releasing it outright once the pool is already at capacity.
func (a *Allocator) FreePage(logicalPage uint64) {
	a.mu.Lock()
	s := a.slot(logicalPage)
	p := a.ring[s]
	if p == nil || p.logicalPage != logicalPage {
		a.mu.Unlock()
		return
	}
	a.ring[s] = nil
	a.mu.Unlock()
	p.state = PageUnallocated
	a.returnToPool(p.buf)
}

// ClearPage zeroes [offset, PageSize) of the resident page at logicalPage.
func (a *Allocator) ClearPage(logicalPage uint64, offset int) {
	a.mu.Lock()
	p := a.ring[a.slot(logicalPage)]
	a.mu.Unlock()
	if p == nil {
		return
	}
	clear(p.buf[offset:])
}

// PhysicalPage returns the in-memory page resident for a logical page
// index, or nil if that slot is empty or currently holds a different
// (already-recycled) page. Callers must hold epoch protection before
// dereferencing the result, so the page cannot be freed out from under
// them mid-read.
func (a *Allocator) PhysicalPage(logicalPage uint64) *Page {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.ring[a.slot(logicalPage)]
	if p == nil || p.logicalPage != logicalPage {
		return nil
	}
	return p
}

// Translate splits a logical address into its logical page index
// (logical >> page_bits, not reduced to a ring slot) and its offset within
// the page (logical & page_mask), and returns the resident page for that
// index; PhysicalPage applies the (ringSize-1) slot mask.
func (a *Allocator) Translate(logical uint64) (page *Page, logicalPage uint64, offset int) {
	logicalPage = logical >> a.pageBits
	offset = int(logical & ((1 << a.pageBits) - 1))
	page = a.PhysicalPage(logicalPage)
	return
}

func (a *Allocator) takeFromPool() []byte {
	a.poolMu.Lock()
	defer a.poolMu.Unlock()
	n := len(a.pool)
	if n == 0 {
		return nil
	}
	buf := a.pool[n-1]
	a.pool = a.pool[:n-1]
	return buf
}

func (a *Allocator) returnToPool(buf []byte) {
	a.poolMu.Lock()
	defer a.poolMu.Unlock()
	if len(a.pool) >= a.poolCap {
		return // excess pages are released to the GC rather than retained
	}
	a.pool = append(a.pool, buf)
}

// PoolLen reports how many spare pages are currently retained, for tests
// and diagnostics.
func (a *Allocator) PoolLen() int {
	a.poolMu.Lock()
	defer a.poolMu.Unlock()
	return len(a.pool)
}
