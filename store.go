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
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/launix-de/hlogdb/internal/aof"
	"github.com/launix-de/hlogdb/internal/checkpoint"
	"github.com/launix-de/hlogdb/internal/device"
	"github.com/launix-de/hlogdb/internal/epoch"
	"github.com/launix-de/hlogdb/internal/hashindex"
	"github.com/launix-de/hlogdb/internal/hlog"
	"github.com/launix-de/hlogdb/internal/locktable"
	"github.com/launix-de/hlogdb/internal/ops"
	"github.com/launix-de/hlogdb/internal/pagestore"
	"github.com/launix-de/hlogdb/internal/scan"
)

// Aliases and re-exported constants for the internal types that appear
// in the public Store surface, so callers never import internal/...
// packages themselves.
type (
	Address            = hlog.Address
	Status             = ops.Status
	Stats              = ops.Stats
	Functions          = ops.Functions
	Codec              = ops.Codec
	LockRequest        = ops.LockRequest
	CheckpointMode     = checkpoint.Mode
	CheckpointMetadata = checkpoint.Metadata
	ScanMode           = scan.Mode
	ScanIterator       = scan.Iterator
	Device             = device.Device
	MemoryDevice       = device.MemoryDevice
	FileDevice         = device.FileDevice
)

// NewMemoryDevice returns an in-process Device, for tests and
// main-memory replication.
func NewMemoryDevice(sectorSize int) *MemoryDevice {
	return device.NewMemoryDevice(sectorSize)
}

// NewFileDevice opens (creating if absent) a segmented on-disk Device
// under dir.
func NewFileDevice(dir, prefix string, sectorSize int, segmentSize int64) (*FileDevice, error) {
	return device.NewFileDevice(dir, prefix, sectorSize, segmentSize)
}

const (
	StatusOK             = ops.StatusOK
	StatusNotFound       = ops.StatusNotFound
	StatusPending        = ops.StatusPending
	StatusCreated        = ops.StatusCreated
	StatusInPlaceUpdated = ops.StatusInPlaceUpdated
	StatusCopyUpdated    = ops.StatusCopyUpdated
	StatusDeleted        = ops.StatusDeleted
	StatusCanceled       = ops.StatusCanceled

	FoldOver = checkpoint.FoldOver
	Snapshot = checkpoint.Snapshot

	NoBuffering         = scan.NoBuffering
	SinglePageBuffering = scan.SinglePageBuffering
	DoublePageBuffering = scan.DoublePageBuffering
)

// NullAddress terminates a record chain.
const NullAddress = hlog.NullAddress

// Store is the top-level handle a caller embeds: it wires the epoch
// manager, device, page allocator, record log, hash index, lock table
// and operation engine into the public Read/Upsert/RMW/Delete surface,
// plus Scan, Checkpoint/Recover and AOF replica tail sync.
type Store struct {
	cfg Config
	log Logger

	dev   device.Device
	em    *epoch.Manager
	index *hashindex.Index
	locks *locktable.Table
	rec   *hlog.Log
	eng   *ops.Engine
	cp    *checkpoint.Engine
	wal   *aof.Log

	closeOnce sync.Once
}

// Open builds a Store backed by dev using cfg, creating a fresh,
// empty record log and hash index. Functions may be nil for raw
// []byte get/put semantics.
func Open(cfg Config, dev Device, funcs Functions) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	em := epoch.New()
	alloc := pagestore.New(int(cfg.PageSize), cfg.RingPages, cfg.PoolCapacity)
	rec := hlog.New(alloc, dev, em)
	index := hashindex.New(cfg.HashBuckets)
	locks := locktable.New(cfg.LockBuckets)
	eng := ops.New(rec, index, locks, em, funcs)
	eng.CopyReadsToTail = cfg.CopyReadsToTail

	storageDir := cfg.DeviceDir
	if storageDir == "" {
		storageDir = "."
	}
	cpStorage, err := checkpoint.NewFileStorage(storageDir + "/checkpoints")
	if err != nil {
		return nil, err
	}
	cp := checkpoint.New(rec, index, em, eng, cpStorage)

	walDev := device.NewMemoryDevice(dev.SectorSize())
	wal := aof.New(walDev)
	wal.MainMemoryMode = true
	wal.Lossy = cfg.AofLossy

	return &Store{cfg: cfg, log: cfg.Logger, dev: dev, em: em, index: index, locks: locks, rec: rec, eng: eng, cp: cp, wal: wal}, nil
}

// OpenDefault builds a Store from cfg with an on-disk FileDevice in
// cfg.DeviceDir+"/log" (segment prefix "seg", 512-byte sectors,
// cfg.SegmentSize segments).
func OpenDefault(cfg Config, funcs Functions) (*Store, error) {
	dev, err := device.NewFileDevice(cfg.DeviceDir+"/log", "seg", 512, cfg.SegmentSize)
	if err != nil {
		return nil, err
	}
	return Open(cfg, dev, funcs)
}

// Read returns the value currently stored under key, passing input
// through to the Functions' SingleReader when one is wired.
func (s *Store) Read(ctx context.Context, key, input []byte) ([]byte, Status, error) {
	return s.eng.Read(ctx, key, input)
}

// Upsert writes value under key.
func (s *Store) Upsert(ctx context.Context, key, value []byte) (Status, error) {
	return s.eng.Upsert(ctx, key, value)
}

// RMW applies the configured read-modify-write callbacks to key.
func (s *Store) RMW(ctx context.Context, key, input []byte) (Status, error) {
	return s.eng.RMW(ctx, key, input)
}

// Delete tombstones key.
func (s *Store) Delete(ctx context.Context, key []byte) (Status, error) {
	return s.eng.Delete(ctx, key)
}

// Lock acquires manual locks covering every requested key for a
// multi-key atomic sequence, returning the release function. Writes to
// exclusively locked keys must use UpsertLocked while the lock is held.
func (s *Store) Lock(reqs []LockRequest) func() {
	return s.eng.Lock(reqs)
}

// TryLock is Lock bounded by ctx; partial acquisitions are rolled back
// on failure.
func (s *Store) TryLock(ctx context.Context, reqs []LockRequest) (func(), error) {
	return s.eng.TryLock(ctx, reqs)
}

// UpsertLocked writes value under a key the caller has locked
// exclusively via Lock/TryLock.
func (s *Store) UpsertLocked(ctx context.Context, key, value []byte) (Status, error) {
	return s.eng.UpsertLocked(ctx, key, value)
}

// Stats returns a snapshot of operation counters for an external
// metrics collector to poll.
func (s *Store) Stats() Stats { return s.eng.Stats() }

// Compact implements the log-compaction supplement, re-appending live
// records below until and advancing BeginAddress.
func (s *Store) Compact(ctx context.Context, until Address) error {
	return s.eng.Compact(ctx, until)
}

// Scan opens an iterator over [begin, end).
func (s *Store) Scan(ctx context.Context, begin, end Address, mode ScanMode) *ScanIterator {
	return scan.New(ctx, s.rec, begin, end, mode)
}

// Checkpoint takes a checkpoint in the given mode and returns its
// token.
func (s *Store) Checkpoint(ctx context.Context, mode CheckpointMode) (uuid.UUID, error) {
	return s.cp.Checkpoint(ctx, mode)
}

// Recover restores the store's log addresses and hash index from a
// previously taken checkpoint. It must be called before the store
// is exposed to live traffic.
func (s *Store) Recover(ctx context.Context, token uuid.UUID) (CheckpointMetadata, error) {
	return s.cp.Recover(ctx, token)
}

// PurgeCheckpoint discards a checkpoint's metadata and any associated
// index snapshot.
func (s *Store) PurgeCheckpoint(ctx context.Context, token uuid.UUID) error {
	return s.cp.Purge(ctx, token)
}

// AdvanceSessionForCheckpoint records session's AOF replication cursor
// so the next checkpoint's continuation tokens reflect it.
func (s *Store) AdvanceSessionForCheckpoint(session string, aofAddress uint64) {
	s.cp.AdvanceSession(session, aofAddress)
}

// WAL exposes the AOF log for replica wiring (AddReplica,
// StreamToReplica, TruncateUntil); kept as a direct accessor rather than
// re-wrapped one-by-one since replica management is its own API surface.
func (s *Store) WAL() *aof.Log { return s.wal }

// RunBackgroundTasks starts the AOF committer loop and a periodic
// SafeTruncateUntil sweep, both stopping when ctx is done.
func (s *Store) RunBackgroundTasks(ctx context.Context, truncateEvery time.Duration) {
	go s.wal.RunCommitLoop(ctx, func(err error) { s.log.Errorf("aof commit: %v", err) })
	if truncateEvery <= 0 {
		truncateEvery = time.Second
	}
	go func() {
		ticker := time.NewTicker(truncateEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.wal.TruncateUntil(ctx, s.wal.TailAddress()); err != nil {
					s.log.Warnf("aof truncate: %v", err)
				}
			}
		}
	}()
}

// Close flushes the mutable region to the device and releases device
// resources. It is safe to call more than once.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		ctx := context.Background()
		if ferr := s.rec.FlushAndEvict(ctx, true); ferr != nil {
			err = ferr
		}
		if cerr := s.dev.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}
