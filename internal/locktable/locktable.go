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

// Package locktable implements the per-bucket shared/exclusive latches:
// one reader/writer lock per hash-index bucket, used both for the
// operation engine's transient critical sections and for manual multi-key
// lock sequences. AcquireShared, AcquireExclusive, Lock and TryLock return
// a release closure so a caller can defer the unlock without tracking which
// latch it took; PromoteSharedToExclusive returns only an error and has no
// matching release.
package locktable

import (
	"bytes"
	"context"
	"runtime"
	"sort"
	"sync"
)

// LockType distinguishes a shared (read) latch from an exclusive (write)
// one.
type LockType uint8

const (
	Shared LockType = iota
	Exclusive
)

// Key names one manual-lock request: the bucket it hashes to (for sort
// ordering and latch selection), the full key hash (tie-break within a
// bucket) and the raw key bytes (final tie-break, and identity for dedup).
type Key struct {
	Bucket uint64
	Hash   uint64
	Raw    []byte
	Type   LockType
}

// Table is bucketCount independent reader/writer latches.
type Table struct {
	latches []sync.RWMutex
}

// New creates a lock table with one latch per hash-index bucket.
func New(bucketCount int) *Table {
	return &Table{latches: make([]sync.RWMutex, bucketCount)}
}

// AcquireShared takes the transient shared latch for bucket and returns its
// release function. The operation engine's reads do not call it: they take
// no latch while comparing keys and copying a value out of the log.
func (t *Table) AcquireShared(bucket uint64) func() {
	l := &t.latches[bucket]
	l.RLock()
	return l.RUnlock
}

// AcquireExclusive takes the transient exclusive latch for bucket and
// returns its release function. Used by Upsert/RMW/Delete while swinging a
// bucket entry or mutating a record in place.
func (t *Table) AcquireExclusive(bucket uint64) func() {
	l := &t.latches[bucket]
	l.Lock()
	return l.Unlock
}

// sortedUnique returns keys sorted by (Bucket, Hash, Raw) with duplicate
// buckets collapsed to the strictest lock type requested for that bucket,
// so Lock/TryLock acquire at most one latch per bucket, in a total order
// every caller agrees on, so two overlapping multi-key locks can never
// deadlock each other.
func sortedUnique(keys []Key) []Key {
	sorted := append([]Key(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Bucket != sorted[j].Bucket {
			return sorted[i].Bucket < sorted[j].Bucket
		}
		if sorted[i].Hash != sorted[j].Hash {
			return sorted[i].Hash < sorted[j].Hash
		}
		return bytes.Compare(sorted[i].Raw, sorted[j].Raw) < 0
	})
	out := sorted[:0:0]
	for _, k := range sorted {
		if n := len(out); n > 0 && out[n-1].Bucket == k.Bucket {
			if k.Type == Exclusive {
				out[n-1].Type = Exclusive
			}
			continue
		}
		out = append(out, k)
	}
	return out
}

// Lock acquires every bucket in keys, sorted and deduplicated, blocking
// until all are held. It returns the release function, which unlocks in
// reverse acquisition order.
func (t *Table) Lock(keys []Key) func() {
	ordered := sortedUnique(keys)
	for _, k := range ordered {
		l := &t.latches[k.Bucket]
		if k.Type == Exclusive {
			l.Lock()
		} else {
			l.RLock()
		}
	}
	return func() { t.unlockOrdered(ordered) }
}

func (t *Table) unlockOrdered(ordered []Key) {
	for i := len(ordered) - 1; i >= 0; i-- {
		k := ordered[i]
		l := &t.latches[k.Bucket]
		if k.Type == Exclusive {
			l.Unlock()
		} else {
			l.RUnlock()
		}
	}
}

// TryLock attempts to acquire every bucket in keys before ctx is done,
// rolling back every latch it had already taken if any acquisition fails or
// times out. On success it returns the release function; on failure it
// returns a nil release and the context's error.
func (t *Table) TryLock(ctx context.Context, keys []Key) (func(), error) {
	ordered := sortedUnique(keys)
	acquired := ordered[:0:0]
	for _, k := range ordered {
		l := &t.latches[k.Bucket]
		for {
			var ok bool
			if k.Type == Exclusive {
				ok = l.TryLock()
			} else {
				ok = l.TryRLock()
			}
			if ok {
				acquired = append(acquired, k)
				break
			}
			select {
			case <-ctx.Done():
				t.unlockOrdered(acquired)
				return nil, ctx.Err()
			default:
				runtime.Gosched()
			}
		}
	}
	return func() { t.unlockOrdered(ordered) }, nil
}

// PromoteSharedToExclusive releases a previously held shared latch on
// bucket and reacquires it exclusively before ctx is done. The bucket's
// contents are unprotected for the instant between release and
// reacquisition: callers must re-validate any state they read under the
// shared latch before trusting it under the exclusive one, exactly as the
// operation engine's CAS-retry-on-conflict discipline already requires
// elsewhere.
func (t *Table) PromoteSharedToExclusive(ctx context.Context, bucket uint64) error {
	l := &t.latches[bucket]
	l.RUnlock()
	for {
		if l.TryLock() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			runtime.Gosched()
		}
	}
}

// BucketCount reports how many independent latches this table manages.
func (t *Table) BucketCount() int { return len(t.latches) }
