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

// Package hashindex implements the fixed-size bucket table: a power-
// of-two array of buckets, each holding a small fixed number of (tag,
// address) entries plus an overflow pointer. Entries pack tag and address
// into one 64-bit word the same way hlog.RecordInfo packs its flag byte and
// 48-bit previous-address field, so a single atomic.Uint64 CAS both
// publishes and validates an update.
//
// Overflow-bucket liveness is tracked by NonLockingReadMap's non-blocking
// bitmap: a growable, CAS-published bitmap records which overflow slots
// are live without ever blocking a reader.
package hashindex

import (
	"sync"
	"sync/atomic"

	"github.com/launix-de/NonLockingReadMap"
)

// EntriesPerBucket is the fixed fan-out of one bucket before it overflows.
const EntriesPerBucket = 7

const (
	addressMask = (uint64(1) << 48) - 1
	tagShift    = 48
)

func pack(tag uint16, addr uint64) uint64 {
	return uint64(tag)<<tagShift | (addr & addressMask)
}

func unpack(word uint64) (tag uint16, addr uint64) {
	return uint16(word >> tagShift), word & addressMask
}

// Bucket is one fixed-size row of the table plus its overflow chain head.
// The zero value is an empty bucket (every entry invalid, no overflow).
type Bucket struct {
	entries  [EntriesPerBucket]atomic.Uint64
	overflow atomic.Uint64 // 1-based index into Index.overflow, 0 = none
}

// Handle names one (bucket, slot) entry location, stable across reads so a
// caller can re-load and CAS it without re-walking the chain.
type Handle struct {
	bucket *Bucket
	slot   int
}

// Index is the hash index: a fixed table of buckets plus a dynamically
// growing overflow pool allocated under CAS.
type Index struct {
	table []Bucket
	mask  uint64

	overflowMu sync.Mutex
	overflow   []*Bucket
	live       NonLockingReadMap.NonBlockingBitMap
}

// New creates an index with bucketCount buckets (must be a power of two).
func New(bucketCount int) *Index {
	if bucketCount&(bucketCount-1) != 0 {
		panic("hashindex: bucketCount must be a power of two")
	}
	return &Index{
		table: make([]Bucket, bucketCount),
		mask:  uint64(bucketCount - 1),
	}
}

func tagOf(hash uint64) uint16 { return uint16(hash >> 48) }

// TagOf exposes the tag-extraction formula to callers (the operation
// engine) that need to populate a bucket slot for the first time via
// Handle.SetTag.
func TagOf(hash uint64) uint16 { return tagOf(hash) }

// FindOrInsert locates the entry matching hash's tag in the bucket chain,
// or the first invalid (NULL_ADDR) slot if no tag matches, allocating a new
// overflow bucket under CAS if the chain is full. The caller must still
// compare full keys by walking the record chain from the returned handle's
// address, since tags only narrow the search.
func (ix *Index) FindOrInsert(hash uint64) Handle {
	tag := tagOf(hash)
	b := &ix.table[hash&ix.mask]
	for {
		if h, ok := b.findSlot(tag); ok {
			return h
		}
		next := b.overflow.Load()
		if next == 0 {
			break
		}
		b = ix.overflowBucket(next)
	}
	return ix.growOverflow(b, tag)
}

// findSlot scans one bucket for a tag match or the first invalid slot.
func (b *Bucket) findSlot(tag uint16) (Handle, bool) {
	firstInvalid := -1
	for i := range b.entries {
		word := b.entries[i].Load()
		t, addr := unpack(word)
		if addr == 0 {
			if firstInvalid == -1 {
				firstInvalid = i
			}
			continue
		}
		if t == tag {
			return Handle{bucket: b, slot: i}, true
		}
	}
	if firstInvalid != -1 {
		return Handle{bucket: b, slot: firstInvalid}, true
	}
	return Handle{}, false
}

// growOverflow appends a fresh overflow bucket to the chain rooted at tail
// (whose own overflow pointer was observed empty) and returns a handle into
// its first slot. Concurrent growers race via CAS on tail.overflow; the
// loser retries against the winner's new bucket.
func (ix *Index) growOverflow(tail *Bucket, tag uint16) Handle {
	for {
		if next := tail.overflow.Load(); next != 0 {
			nb := ix.overflowBucket(next)
			if h, ok := nb.findSlot(tag); ok {
				return h
			}
			tail = nb
			continue
		}

		ix.overflowMu.Lock()
		idx := len(ix.overflow) + 1
		nb := &Bucket{}
		ix.overflow = append(ix.overflow, nb)
		ix.overflowMu.Unlock()
		ix.live.Set(uint32(idx), true)

		if tail.overflow.CompareAndSwap(0, uint64(idx)) {
			return Handle{bucket: nb, slot: 0}
		}
		// Someone else grew the chain first; our freshly allocated bucket is
		// never linked in and never used again, but stays allocated (and
		// counted by OverflowBucketCount) — overflow buckets are never
		// removed once allocated. Continue from the winner's bucket.
		next := tail.overflow.Load()
		tail = ix.overflowBucket(next)
	}
}

func (ix *Index) overflowBucket(idx uint64) *Bucket {
	ix.overflowMu.Lock()
	defer ix.overflowMu.Unlock()
	return ix.overflow[idx-1]
}

// CASEntry attempts to swing handle's address from expected to next,
// preserving the tag already stored there. It reports whether the CAS
// succeeded; failure means a concurrent writer already updated the entry
// and the caller must restart its lookup.
func (h Handle) CASEntry(expected, next uint64) bool {
	tag, _ := unpack(h.bucket.entries[h.slot].Load())
	old := pack(tag, expected)
	want := pack(tag, next)
	return h.bucket.entries[h.slot].CompareAndSwap(old, want)
}

// SetTag publishes tag and addr unconditionally into handle's slot. Used
// only when the slot was observed invalid (address 0) and is being
// populated for the first time; a concurrent racer attempting the same
// insert will instead observe a non-zero address and fall through to
// CASEntry/retry.
func (h Handle) SetTag(tag uint16, addr uint64) bool {
	return h.bucket.entries[h.slot].CompareAndSwap(0, pack(tag, addr))
}

// Address returns the logical address currently stored at handle, or 0
// (NULL_ADDR) if the slot is invalid.
func (h Handle) Address() uint64 {
	_, addr := unpack(h.bucket.entries[h.slot].Load())
	return addr
}

// RestoreEntry publishes (tag, addr) directly into the bucket chain rooted
// at bucketIdx, growing overflow buckets exactly like FindOrInsert when
// the chain is full. It is used by checkpoint recovery, which only
// has a bucket index and tag available (the index itself never stores
// keys) rather than the full hash FindOrInsert expects; bucketIdx must be
// < BucketCount(), and the caller must not interleave this with live
// traffic.
func (ix *Index) RestoreEntry(bucketIdx uint64, tag uint16, addr uint64) {
	b := &ix.table[bucketIdx]
	for {
		if h, ok := b.findSlot(tag); ok {
			word := h.bucket.entries[h.slot].Load()
			h.bucket.entries[h.slot].CompareAndSwap(word, pack(tag, addr))
			return
		}
		next := b.overflow.Load()
		if next == 0 {
			h := ix.growOverflow(b, tag)
			h.bucket.entries[h.slot].CompareAndSwap(0, pack(tag, addr))
			return
		}
		b = ix.overflowBucket(next)
	}
}

// GetHeadAddress is a convenience wrapper for FindOrInsert callers that only
// want the current head address for a hash, without retaining the handle.
func (ix *Index) GetHeadAddress(hash uint64) uint64 {
	return ix.FindOrInsert(hash).Address()
}

// IterateBucket returns every (tag, address) pair reachable from the chain
// rooted at the primary bucket for hash, walking overflow links. Used by
// checkpoint serialization and index-rebuild-on-recovery.
func (ix *Index) IterateBucket(hash uint64) []Entry {
	var out []Entry
	b := &ix.table[hash&ix.mask]
	for {
		for i := range b.entries {
			tag, addr := unpack(b.entries[i].Load())
			if addr != 0 {
				out = append(out, Entry{Tag: tag, Address: addr})
			}
		}
		next := b.overflow.Load()
		if next == 0 {
			return out
		}
		b = ix.overflowBucket(next)
	}
}

// Entry is a (tag, address) pair as stored in one bucket slot.
type Entry struct {
	Tag     uint16
	Address uint64
}

// BucketCount reports the size of the primary table.
func (ix *Index) BucketCount() int { return len(ix.table) }

// BucketIndex returns the primary table slot a hash maps to, used by the
// lock table to derive per-bucket latches from the same hash space.
func (ix *Index) BucketIndex(hash uint64) uint64 { return hash & ix.mask }

// OverflowBucketCount reports how many overflow buckets have ever been
// allocated, for management/diagnostics; overflow buckets are never freed.
func (ix *Index) OverflowBucketCount() uint { return ix.live.Count() }
