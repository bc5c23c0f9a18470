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

// Package scan implements the log-order pull iterator over the record
// log. It is modeled as a synchronous Next() that returns one of three
// Results (Item, Pending, End): a caller drives it with a plain loop
// until End, retrying on Pending once the device read it is waiting on
// has landed.
package scan

import (
	"context"

	"github.com/launix-de/hlogdb/internal/hlog"
)

// Mode selects how many pages, starting with the page at the current read
// position, the iterator reads from the device when they are not resident.
type Mode int

const (
	// NoBuffering walks resident memory only: pages already evicted
	// below HeadAddress are skipped outright (their records are not
	// yielded), so the iterator never reports a Pending that no retry
	// could resolve. A page at or above HeadAddress that is transiently
	// unavailable (mid-flush or racing an eviction) yields ResultPending
	// for the caller to retry.
	NoBuffering Mode = iota
	// SinglePageBuffering reads the current page from the device when it
	// is not resident; no page beyond it is fetched.
	SinglePageBuffering
	// DoublePageBuffering reads the current page and also prefetches the
	// page after it.
	DoublePageBuffering
)

func (m Mode) window() int {
	switch m {
	case SinglePageBuffering:
		return 1
	case DoublePageBuffering:
		return 2
	default:
		return 0
	}
}

// Result classifies the outcome of one Next() call.
type Result int

const (
	ResultItem Result = iota
	ResultPending
	ResultEnd
)

// Item is one yielded record.
type Item struct {
	Info        hlog.RecordInfo
	Key         []byte
	Value       []byte
	Address     hlog.Address
	NextAddress hlog.Address
}

type fetchedPage struct {
	buf []byte
	err error
}

// Iterator is a restartable pull iterator over [begin, end) logical
// addresses. end is fixed at creation (the log's TailAddress snapshot at
// that moment, or any smaller bound the caller chooses), so a record
// appended after the iterator was created is never returned.
type Iterator struct {
	ctx  context.Context
	log  *hlog.Log
	mode Mode
	cur  hlog.Address
	end  hlog.Address

	cache     map[uint64][]byte
	inFlight  map[uint64]chan fetchedPage
	nextFetch uint64 // next page index not yet issued to the prefetch pipeline
}

// New creates an iterator over [begin, end). end must not exceed the
// log's TailAddress at the moment of a prior snapshot (callers typically
// pass log.TailAddress() itself).
func New(ctx context.Context, log *hlog.Log, begin, end hlog.Address, mode Mode) *Iterator {
	return &Iterator{
		ctx:      ctx,
		log:      log,
		mode:     mode,
		cur:      begin,
		end:      end,
		cache:    make(map[uint64][]byte),
		inFlight: make(map[uint64]chan fetchedPage),
	}
}

// Restart repositions the iterator at a new address without losing its
// end bound; any logical address at or past the log's BeginAddress is a
// valid restart point.
func (it *Iterator) Restart(addr hlog.Address) {
	it.cur = addr
	it.cache = make(map[uint64][]byte)
	it.inFlight = make(map[uint64]chan fetchedPage)
	it.nextFetch = 0
}

// Next yields the next record, a Pending result if it requires an
// in-flight or not-yet-issued device read, or End once cur reaches end.
func (it *Iterator) Next() (Item, Result, error) {
	for {
		if it.cur >= it.end {
			return Item{}, ResultEnd, nil
		}

		page, pageIdx, offset, err := it.currentPageBytes()
		if err != nil {
			return Item{}, 0, err
		}
		if page == nil {
			if it.mode == NoBuffering && it.cur < it.log.HeadAddress() {
				// Evicted for good; skip the page rather than report a
				// Pending that can never resolve.
				it.cur = it.nextPageStart()
				it.evictPagesBehind(pageIdx + 1)
				continue
			}
			return Item{}, ResultPending, nil
		}

		if len(page)-offset < hlog.HeaderSize {
			// Trailing gap too small to hold even a filler header; page
			// padding, not a record.
			it.cur = it.nextPageStart()
			it.evictPagesBehind(pageIdx + 1)
			continue
		}

		rec, n, derr := hlog.Decode(page[offset:])
		if derr != nil {
			return Item{}, 0, derr
		}

		if rec.Info.Flags.Has(hlog.FlagFiller) {
			// A Filler only ever seals the remainder of a page (no record
			// straddles a page boundary); its encoded header length is
			// not the gap it covers, so the next address is the start of
			// the following page, not cur+16.
			it.cur = it.nextPageStart()
			it.evictPagesBehind(pageIdx + 1)
			continue
		}

		next := it.cur + hlog.Address(alignUp(n))
		item := Item{Info: rec.Info, Key: rec.Key, Value: rec.Value, Address: it.cur, NextAddress: next}
		it.cur = next
		it.evictPagesBehind(pageIdx)
		return item, ResultItem, nil
	}
}

func alignUp(n int) int { return (n + hlog.RecordAlign - 1) &^ (hlog.RecordAlign - 1) }

// nextPageStart returns the address of the first byte of the page after
// the one containing it.cur.
func (it *Iterator) nextPageStart() hlog.Address {
	pageSize := uint64(it.log.PageSize())
	return hlog.Address((uint64(it.cur)/pageSize + 1) * pageSize)
}

// currentPageBytes returns the bytes of the page covering it.cur, per the
// iterator's buffering mode, along with the page index and intra-page
// offset. A nil slice with a nil error means the page is not yet
// available (ResultPending).
func (it *Iterator) currentPageBytes() ([]byte, uint64, int, error) {
	alloc := it.log.Allocator()
	pageSize := alloc.PageSize()
	pageIdx := uint64(it.cur) >> alloc.PageBits()
	offset := int(uint64(it.cur) & ((1 << alloc.PageBits()) - 1))

	if buf, ok := it.cache[pageIdx]; ok {
		return buf, pageIdx, offset, nil
	}

	if page := alloc.PhysicalPage(pageIdx); page != nil {
		buf := page.Bytes()
		it.cache[pageIdx] = buf
		return buf, pageIdx, offset, nil
	}

	if it.mode == NoBuffering {
		return nil, pageIdx, offset, nil // caller must retry; no device read issued
	}

	it.ensurePrefetch(pageIdx, int64(pageSize))
	ch, inFlight := it.inFlight[pageIdx]
	if !inFlight {
		return nil, pageIdx, offset, nil
	}
	select {
	case res := <-ch:
		delete(it.inFlight, pageIdx)
		if res.err != nil {
			return nil, pageIdx, offset, res.err
		}
		it.cache[pageIdx] = res.buf
		return res.buf, pageIdx, offset, nil
	default:
		return nil, pageIdx, offset, nil // still in flight: ResultPending
	}
}

// ensurePrefetch issues device reads for pageIdx and, per the buffering
// window, the pages immediately after it that have not yet been issued.
func (it *Iterator) ensurePrefetch(pageIdx uint64, pageSize int64) {
	window := it.mode.window()
	if window == 0 {
		return
	}
	if it.nextFetch <= pageIdx {
		it.nextFetch = pageIdx
	}
	for ; it.nextFetch < pageIdx+uint64(window); it.nextFetch++ {
		p := it.nextFetch
		if _, ok := it.inFlight[p]; ok {
			continue
		}
		if _, ok := it.cache[p]; ok {
			continue
		}
		if page := it.log.Allocator().PhysicalPage(p); page != nil {
			it.cache[p] = page.Bytes()
			continue
		}
		ch := make(chan fetchedPage, 1)
		it.inFlight[p] = ch
		addr := hlog.Address(p * uint64(pageSize))
		it.log.ReadFromDevice(it.ctx, addr, func(buf []byte, err error) {
			ch <- fetchedPage{buf: buf, err: err}
		})
	}
}

// evictPagesBehind drops cached bytes for pages strictly before pageIdx,
// bounding the iterator's memory footprint to the buffering window.
func (it *Iterator) evictPagesBehind(pageIdx uint64) {
	for p := range it.cache {
		if p < pageIdx {
			delete(it.cache, p)
		}
	}
}
