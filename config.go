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
package hlogdb

import (
	"fmt"

	"github.com/dc0d/onexit"
	units "github.com/docker/go-units"
)

// Config is a single struct of knobs with defaults, filled in before
// Init is called. PageSize/MemoryBudget/SegmentSize accept human
// byte-size strings ("1GiB", "64MB") via ParseByteSize.
type Config struct {
	// PageSize is the fixed size of one record-log page.
	PageSize int64
	// RingPages is the number of page slots in the circular in-memory
	// allocator. An allocation whose slot still holds an unevicted page
	// fails with RegionFull.
	RingPages int
	// PoolCapacity bounds the pool of freed page buffers kept for reuse.
	PoolCapacity int
	// HashBuckets is the primary hash-index table size; it must be a
	// power of two (it is not rounded; hashindex.New panics otherwise).
	HashBuckets int
	// LockBuckets is the lock table's latch count. The operation engine
	// selects a latch by hash-index bucket index, so it must be at least
	// HashBuckets.
	LockBuckets int
	// SegmentSize is the on-disk device's segment size.
	SegmentSize int64
	// MemoryBudget is an advisory cap surfaced to callers deciding when
	// to trigger a checkpoint or compaction; the engine itself does not
	// enforce it.
	MemoryBudget int64
	// DeviceDir is the on-disk directory FileDevice roots segments and
	// checkpoint metadata under.
	DeviceDir string
	// CopyReadsToTail enables the read-cache copy-back policy: reads
	// served from the device re-append their record at the tail.
	CopyReadsToTail bool
	// AofLossy permits AOF replicas to admit a start address behind the
	// truncation floor (accepting data loss) instead of failing the add.
	AofLossy bool
	Logger   Logger
}

// DefaultConfig returns the engine's out-of-the-box configuration: an
// 8KiB page, a 64-page ring, 4096 hash/lock buckets, 1GiB on-disk
// segments, a 512MiB advisory memory budget, rooted at "./hlogdb-data".
func DefaultConfig() Config {
	return Config{
		PageSize:        8 << 10,
		RingPages:       64,
		PoolCapacity:    256,
		HashBuckets:     4096,
		LockBuckets:     4096,
		SegmentSize:     1 << 30,
		MemoryBudget:    512 << 20,
		DeviceDir:       "./hlogdb-data",
		CopyReadsToTail: false,
		AofLossy:        false,
		Logger:          noopLogger{},
	}
}

// ParseByteSize parses human-readable byte sizes ("1GiB", "64MB",
// "512") via github.com/docker/go-units, for config fields loaded from
// a file or flag rather than set as a literal int64 in code.
func ParseByteSize(s string) (int64, error) {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("hlogdb: parse byte size %q: %w", s, err)
	}
	return n, nil
}

// Init wires process-wide collaborators: flush-on-exit is registered so
// a process that exits normally does not lose the mutable region's
// unflushed tail. store.Close is idempotent, so Init's onexit hook and
// an explicit store.Close call from the caller never conflict.
func (c Config) Init(store *Store) {
	onexit.Register(func() { _ = store.Close() })
}
