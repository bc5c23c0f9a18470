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

// Package ops implements the operation engine: the Read/Upsert/RMW/
// Delete state machines, including the pending-I/O continuation protocol
// for records that have been evicted below HeadAddress.
//
// User extension points are two plain interfaces selected at
// construction time: Functions (the four update/read callbacks) and
// Codec (serialize/deserialize/size). Pending I/O surfaces as an
// explicit StatusPending plus a callback continuation (ReadAsync's
// onPending parameter) that the blocking Read wrapper drives with a
// channel, mirroring device.RunSync's adaptation of the same
// async-to-sync pattern.
package ops

import (
	"bytes"
	"context"
	"errors"
	"hash/maphash"
	"sync/atomic"

	"github.com/launix-de/hlogdb/internal/epoch"
	"github.com/launix-de/hlogdb/internal/errs"
	"github.com/launix-de/hlogdb/internal/hashindex"
	"github.com/launix-de/hlogdb/internal/hlog"
	"github.com/launix-de/hlogdb/internal/locktable"
)

// Status is the outcome of an operation. StatusOK marks a successful
// synchronous read; writes report the more specific Created/
// InPlaceUpdated/CopyUpdated so callers can tell which path they took.
type Status int

const (
	StatusOK Status = iota
	StatusNotFound
	StatusPending
	StatusCreated
	StatusInPlaceUpdated
	StatusCopyUpdated
	StatusDeleted
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNotFound:
		return "NotFound"
	case StatusPending:
		return "Pending"
	case StatusCreated:
		return "Created"
	case StatusInPlaceUpdated:
		return "InPlaceUpdated"
	case StatusCopyUpdated:
		return "CopyUpdated"
	case StatusDeleted:
		return "Deleted"
	case StatusCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// Functions is the store-functions collaborator contract: the four user
// callbacks an RMW/Read operation drives. A nil Functions
// makes RMW behave as a plain overwrite (InitialUpdater/CopyUpdater both
// default to "use input as the value") and Read return raw stored bytes.
type Functions interface {
	InitialUpdater(key, input []byte) ([]byte, error)
	CopyUpdater(key, input, old []byte) ([]byte, error)
	// InPlaceUpdater attempts to apply input to value in place. ok is
	// false when the modifier cannot be applied without resizing (the
	// caller falls back to CopyUpdater); next, when ok, is the value to
	// write back (its length must equal len(value) for the in-place path
	// to actually take, since a record's value slot cannot grow).
	InPlaceUpdater(key, input, value []byte) (next []byte, ok bool)
	SingleReader(key, input, value []byte) ([]byte, error)
}

// Codec is the serialize/deserialize/size collaborator contract. The
// engine itself only ever stores and retrieves raw bytes; Codec is
// exposed so a caller wiring a typed value layer on top of the engine
// has a single place to plug in.
type Codec interface {
	Serialize(value any) ([]byte, error)
	Deserialize(data []byte) (any, error)
	Size(value any) int
}

// BytesCodec is the identity Codec used when callers already traffic in
// raw []byte values.
type BytesCodec struct{}

func (BytesCodec) Serialize(value any) ([]byte, error) {
	b, ok := value.([]byte)
	if !ok {
		return nil, errs.New(errs.WrongType, "ops: BytesCodec requires a []byte value")
	}
	return b, nil
}

func (BytesCodec) Deserialize(data []byte) (any, error) { return data, nil }

func (BytesCodec) Size(value any) int {
	b, _ := value.([]byte)
	return len(b)
}

// Stats is a point-in-time snapshot of operation counters, exposed for
// an external metrics collector to poll; the engine itself never reports
// anywhere.
type Stats struct {
	Reads       uint64
	Upserts     uint64
	RMWs        uint64
	Deletes     uint64
	Pending     uint64
	Compactions uint64
	ReadCopies  uint64
}

type counters struct {
	reads, upserts, rmws, deletes, pending, compactions, readCopies atomic.Uint64
}

// Engine drives the Read/Upsert/RMW/Delete state machines over a record
// log, hash index, lock table and epoch manager supplied at
// construction.
type Engine struct {
	log   *hlog.Log
	index *hashindex.Index
	locks *locktable.Table
	epoch *epoch.Manager
	funcs Functions

	// CopyReadsToTail is the read-cache copy-back policy: when true, a
	// Read that is served
	// from below HeadAddress re-appends the record at the tail so later
	// reads hit memory. Left false by default since it changes the log's
	// growth rate.
	CopyReadsToTail bool

	casSeq atomic.Uint64
	stats  counters
}

// New creates an operation engine. funcs may be nil for raw get/put
// semantics (RMW then behaves as an unconditional overwrite).
func New(log *hlog.Log, index *hashindex.Index, locks *locktable.Table, em *epoch.Manager, funcs Functions) *Engine {
	return &Engine{log: log, index: index, locks: locks, epoch: em, funcs: funcs}
}

// Stats returns a snapshot of the engine's operation counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Reads:       e.stats.reads.Load(),
		Upserts:     e.stats.upserts.Load(),
		RMWs:        e.stats.rmws.Load(),
		Deletes:     e.stats.deletes.Load(),
		Pending:     e.stats.pending.Load(),
		Compactions: e.stats.compactions.Load(),
		ReadCopies:  e.stats.readCopies.Load(),
	}
}

var hashSeed = maphash.MakeSeed()

func hashKey(key []byte) uint64 {
	var h maphash.Hash
	h.SetSeed(hashSeed)
	h.Write(key)
	return h.Sum64()
}

func (e *Engine) nextCASTag() uint64 { return e.casSeq.Add(1) }

const (
	maxCASRetries          = 64
	maxRestartsOnSupersede = 16
)

// readResident decodes the record at addr from its resident page,
// copying Key/Value out so the result stays valid after epoch protection
// is released. ok is false if the page is not currently resident (addr <
// HeadAddress, or raced an eviction).
func (e *Engine) readResident(addr hlog.Address) (hlog.Record, bool, error) {
	page, _, offset := e.log.Allocator().Translate(uint64(addr))
	if page == nil {
		return hlog.Record{}, false, nil
	}
	buf := page.Bytes()[offset:]
	rec, _, err := hlog.Decode(buf)
	if err != nil {
		return hlog.Record{}, false, err
	}
	rec.Key = append([]byte(nil), rec.Key...)
	rec.Value = append([]byte(nil), rec.Value...)
	return rec, true, nil
}

// readBelowHead walks a record chain whose current link is already below
// HeadAddress, issuing one device read per hop (every subsequent hop is
// necessarily also below HeadAddress, since previous-address-in-chain is
// always smaller than the address it is stored at). cb is invoked exactly
// once.
func (e *Engine) readBelowHead(ctx context.Context, key []byte, addr hlog.Address, cb func(value []byte, found bool, tombstone bool, err error)) {
	if addr == hlog.NullAddress {
		cb(nil, false, false, nil)
		return
	}
	e.log.ReadFromDevice(ctx, addr, func(buf []byte, err error) {
		if err != nil {
			cb(nil, false, false, errs.Wrap(errs.IoError, "ops: device read failed", err))
			return
		}
		offset := e.log.PageOffset(addr)
		rec, _, derr := hlog.Decode(buf[offset:])
		if derr != nil {
			cb(nil, false, false, errs.Wrap(errs.IoError, "ops: decode record from device", derr))
			return
		}
		if !rec.Info.Flags.Has(hlog.FlagFiller) && bytes.Equal(rec.Key, key) {
			if rec.Info.Flags.Has(hlog.FlagTombstone) {
				cb(nil, false, true, nil)
				return
			}
			cb(append([]byte(nil), rec.Value...), true, false, nil)
			return
		}
		e.readBelowHead(ctx, key, rec.Info.Previous, cb)
	})
}

func (e *Engine) applySingleReader(key, input, value []byte) ([]byte, error) {
	if e.funcs == nil {
		return value, nil
	}
	return e.funcs.SingleReader(key, input, value)
}

// Read is the blocking form of ReadAsync: it drives
// ReadAsync and, if the result is deferred to device I/O, waits on its
// completion channel.
func (e *Engine) Read(ctx context.Context, key, input []byte) ([]byte, Status, error) {
	type outcome struct {
		value  []byte
		status Status
		err    error
	}
	done := make(chan outcome, 1)
	value, status, err := e.ReadAsync(ctx, key, input, func(v []byte, s Status, e error) {
		done <- outcome{v, s, e}
	})
	if status != StatusPending {
		return value, status, err
	}
	select {
	case out := <-done:
		return out.value, out.status, out.err
	case <-ctx.Done():
		return nil, StatusCanceled, ctx.Err()
	}
}

// ReadAsync looks key up via the hash index and record chain. When the
// answer is available without device I/O it returns synchronously and
// never invokes onPending. When the head record for this key has already
// been evicted below HeadAddress, it returns (nil, StatusPending, nil)
// immediately and invokes onPending exactly once, from another
// goroutine, once the device read (and any chain walk it requires)
// completes.
func (e *Engine) ReadAsync(ctx context.Context, key, input []byte, onPending func(value []byte, status Status, err error)) ([]byte, Status, error) {
	return e.readAsync(ctx, key, input, 0, onPending)
}

func (e *Engine) readAsync(ctx context.Context, key, input []byte, restarts int, onPending func(value []byte, status Status, err error)) ([]byte, Status, error) {
	e.stats.reads.Add(1)
	tok, _ := e.epoch.Enter()
	hash := hashKey(key)
	handle := e.index.FindOrInsert(hash)
	entryAddr := hlog.Address(handle.Address())
	cursor := entryAddr

	for cursor != hlog.NullAddress && cursor >= e.log.HeadAddress() {
		rec, ok, err := e.readResident(cursor)
		if err != nil {
			e.epoch.Leave(tok)
			return nil, 0, err
		}
		if !ok {
			break // evicted out from under the walk; fall through to the device path
		}
		if !rec.Info.Flags.Has(hlog.FlagFiller) && bytes.Equal(rec.Key, key) {
			e.epoch.Leave(tok)
			if rec.Info.Flags.Has(hlog.FlagTombstone) {
				return nil, StatusNotFound, nil
			}
			out, serr := e.applySingleReader(key, input, rec.Value)
			if serr != nil {
				return nil, 0, serr
			}
			return out, StatusOK, nil
		}
		cursor = rec.Info.Previous
	}

	if cursor == hlog.NullAddress {
		e.epoch.Leave(tok)
		return nil, StatusNotFound, nil
	}

	// cursor < HeadAddress: release protection before the blocking device
	// I/O; epoch protection must never be held across a wait.
	e.epoch.Leave(tok)
	e.stats.pending.Add(1)
	go e.resolveBelowHead(ctx, key, input, cursor, handle, entryAddr, restarts, onPending)
	return nil, StatusPending, nil
}

// resolveBelowHead drives the device-backed tail of a chain walk begun by
// ReadAsync, re-validating against the bucket entry it captured before
// leaving epoch protection: if a writer has since superseded the entry,
// the read restarts from the top rather than answer with data that may
// already be stale.
func (e *Engine) resolveBelowHead(ctx context.Context, key, input []byte, addr hlog.Address, handle hashindex.Handle, entrySnapshot hlog.Address, restarts int, onPending func([]byte, Status, error)) {
	e.readBelowHead(ctx, key, addr, func(value []byte, found, tombstone bool, err error) {
		if err != nil {
			onPending(nil, 0, err)
			return
		}
		if hlog.Address(handle.Address()) != entrySnapshot {
			if restarts >= maxRestartsOnSupersede {
				onPending(nil, 0, errs.New(errs.InvariantViolation, "ops: read restarted too many times chasing a superseded entry"))
				return
			}
			v, s, rerr := e.readAsync(ctx, key, input, restarts+1, func(v2 []byte, s2 Status, e2 error) {
				onPending(v2, s2, e2)
			})
			if s != StatusPending {
				onPending(v, s, rerr)
			}
			return
		}
		if !found {
			onPending(nil, StatusNotFound, nil)
			return
		}
		if tombstone {
			onPending(nil, StatusNotFound, nil)
			return
		}
		out, serr := e.applySingleReader(key, input, value)
		if serr != nil {
			onPending(nil, 0, serr)
			return
		}
		if e.CopyReadsToTail {
			e.copyReadToTail(ctx, key, value, handle, entrySnapshot)
		}
		onPending(out, StatusOK, nil)
	})
}

// copyReadToTail re-appends a record read from below HeadAddress at the
// current tail with a severed chain (Previous=NullAddress), then swings
// the bucket entry to the new address if no writer has raced ahead of
// it in the meantime. It is best-effort: allocation failure or a lost
// CAS just means the next read below head tries again, never a
// correctness problem since the device copy remains authoritative.
func (e *Engine) copyReadToTail(ctx context.Context, key, value []byte, handle hashindex.Handle, entrySnapshot hlog.Address) {
	rec := hlog.Record{Info: hlog.RecordInfo{Previous: hlog.NullAddress, CASTag: e.nextCASTag()}, Key: key, Value: value}
	newAddr, out, err := e.allocateAndRetireOnFull(ctx, rec.AlignedSize())
	if err != nil {
		return
	}
	tok, _ := e.epoch.Enter()
	rec.Encode(out)
	if handle.CASEntry(uint64(entrySnapshot), uint64(newAddr)) {
		e.stats.readCopies.Add(1)
	}
	e.epoch.Leave(tok)
}

// writeValueInPlace overwrites the value bytes of the record at addr with
// newValue, which must be exactly len(old value) bytes (the varint
// length prefixes encoded on disk are not rewritten, so the encoded size
// cannot change). rec.Value, as decoded, aliases the page's backing
// array directly, so the copy is the in-place mutation.
func (e *Engine) writeValueInPlace(addr hlog.Address, newValue []byte) bool {
	page, _, offset := e.log.Allocator().Translate(uint64(addr))
	if page == nil {
		return false
	}
	buf := page.Bytes()[offset:]
	rec, _, err := hlog.Decode(buf)
	if err != nil || len(newValue) != len(rec.Value) {
		return false
	}
	copy(rec.Value, newValue)
	return true
}

func (e *Engine) setTombstoneInPlace(addr hlog.Address) {
	page, _, offset := e.log.Allocator().Translate(uint64(addr))
	if page == nil {
		return
	}
	buf := page.Bytes()[offset:]
	buf[0] |= byte(hlog.FlagTombstone)
}

// allocateAndRetireOnFull allocates size bytes at the tail, draining
// (flush + evict) and retrying when the region is transiently full.
// It must be called without epoch protection held, since
// FlushAndEvict's head shift bumps the epoch version and frees the evicted
// pages only after every participant has left; a protected caller would
// keep getting RegionFull.
func (e *Engine) allocateAndRetireOnFull(ctx context.Context, size int) (hlog.Address, []byte, error) {
	for {
		addr, buf, err := e.log.TryAllocate(size)
		if err == nil {
			return addr, buf, nil
		}
		if !errors.Is(err, hlog.ErrRegionFull) {
			return 0, nil, err
		}
		if ferr := e.log.FlushAndEvict(ctx, true); ferr != nil {
			return 0, nil, ferr
		}
	}
}

// Upsert writes value under key: in place when the current record is
// still mutable and the size matches, otherwise by appending a new
// version and swinging the bucket entry to it.
func (e *Engine) Upsert(ctx context.Context, key, value []byte) (Status, error) {
	return e.upsert(ctx, key, value, false)
}

// UpsertLocked is Upsert for a caller that already holds key's bucket
// exclusively via a manual Lock: the transient latch is skipped, since
// reacquiring it would self-deadlock.
func (e *Engine) UpsertLocked(ctx context.Context, key, value []byte) (Status, error) {
	return e.upsert(ctx, key, value, true)
}

func (e *Engine) upsert(ctx context.Context, key, value []byte, latched bool) (Status, error) {
	e.stats.upserts.Add(1)
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		tok, _ := e.epoch.Enter()
		hash := hashKey(key)
		handle := e.index.FindOrInsert(hash)
		oldAddr := hlog.Address(handle.Address())

		if oldAddr != hlog.NullAddress && oldAddr >= e.log.ReadOnlyAddress() {
			status, done, err := e.tryInPlaceUpsert(hash, oldAddr, key, value, latched)
			if err != nil {
				e.epoch.Leave(tok)
				return 0, err
			}
			if done {
				e.epoch.Leave(tok)
				return status, nil
			}
		}

		rec := hlog.Record{Info: hlog.RecordInfo{Previous: oldAddr, CASTag: e.nextCASTag()}, Key: key, Value: value}
		size := rec.AlignedSize()
		e.epoch.Leave(tok) // TryAllocate's drain path must run unprotected

		addr, buf, err := e.allocateAndRetireOnFull(ctx, size)
		if err != nil {
			return 0, err
		}

		tok, _ = e.epoch.Enter()
		rec.Encode(buf)

		var swung bool
		if oldAddr == hlog.NullAddress {
			swung = handle.SetTag(hashindex.TagOf(hash), uint64(addr))
		} else {
			swung = handle.CASEntry(uint64(oldAddr), uint64(addr))
		}
		e.epoch.Leave(tok)
		if swung {
			if oldAddr == hlog.NullAddress {
				return StatusCreated, nil
			}
			return StatusCopyUpdated, nil
		}
		// Lost the CAS race to another writer appending concurrently;
		// retry the whole lookup.
	}
	return 0, errs.New(errs.InvariantViolation, "ops: upsert exceeded CAS retry budget")
}

// tryInPlaceUpsert attempts an in-place overwrite. done is false when the
// attempt should fall back to the append path (key mismatch, record
// sealed since the unlocked peek, or a size change that the fixed record
// layout cannot absorb). latched callers already hold the bucket's
// exclusive latch manually.
func (e *Engine) tryInPlaceUpsert(hash uint64, addr hlog.Address, key, value []byte, latched bool) (Status, bool, error) {
	rec, ok, err := e.readResident(addr)
	if err != nil {
		return 0, false, err
	}
	if !ok || rec.Info.Flags.Has(hlog.FlagFiller) || !bytes.Equal(rec.Key, key) {
		return 0, false, nil
	}
	if len(value) != len(rec.Value) {
		return 0, false, nil
	}
	if !latched {
		bucket := e.index.BucketIndex(hash)
		unlock := e.locks.AcquireExclusive(bucket)
		defer unlock()
	}
	if addr < e.log.ReadOnlyAddress() {
		return 0, false, nil // sealed between the unlocked peek and the latch
	}
	if !e.writeValueInPlace(addr, value) {
		return 0, false, nil
	}
	return StatusInPlaceUpdated, true, nil
}

// LockRequest names one key in a manual multi-key lock: shared for keys
// the caller only reads, exclusive for keys it writes.
type LockRequest struct {
	Key       []byte
	Exclusive bool
}

func (e *Engine) manualKeys(reqs []LockRequest) []locktable.Key {
	out := make([]locktable.Key, len(reqs))
	for i, r := range reqs {
		hash := hashKey(r.Key)
		typ := locktable.Shared
		if r.Exclusive {
			typ = locktable.Exclusive
		}
		out[i] = locktable.Key{Bucket: e.index.BucketIndex(hash), Hash: hash, Raw: r.Key, Type: typ}
	}
	return out
}

// Lock acquires manual locks covering every requested key, blocking until
// all are held, and returns the release function. Requests are sorted and
// deduplicated per bucket internally, so callers can pass keys in any
// order without risking deadlock against each other. Writes to a key
// locked exclusively here must go through UpsertLocked, which skips the
// transient latch the manual lock already holds.
func (e *Engine) Lock(reqs []LockRequest) func() {
	return e.locks.Lock(e.manualKeys(reqs))
}

// TryLock is Lock bounded by ctx: on timeout or cancellation every latch
// acquired so far is released and the context's error is returned.
func (e *Engine) TryLock(ctx context.Context, reqs []LockRequest) (func(), error) {
	return e.locks.TryLock(ctx, e.manualKeys(reqs))
}

// RMW is read-modify-write via the three Functions callbacks: in place
// when the head record is mutable and the
// modifier fits, otherwise by appending a new record computed from
// whatever value (possibly fetched from below HeadAddress) currently
// exists.
func (e *Engine) RMW(ctx context.Context, key, input []byte) (Status, error) {
	e.stats.rmws.Add(1)
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		tok, _ := e.epoch.Enter()
		hash := hashKey(key)
		handle := e.index.FindOrInsert(hash)
		oldAddr := hlog.Address(handle.Address())

		if oldAddr != hlog.NullAddress && oldAddr >= e.log.ReadOnlyAddress() {
			status, done, err := e.tryInPlaceRMW(hash, oldAddr, key, input)
			if err != nil {
				e.epoch.Leave(tok)
				return 0, err
			}
			if done {
				e.epoch.Leave(tok)
				return status, nil
			}
		}

		old, hadOld, tombstoned, err := e.loadCurrentValue(ctx, key, oldAddr)
		e.epoch.Leave(tok)
		if err != nil {
			return 0, err
		}

		var next []byte
		if hadOld && !tombstoned {
			next, err = e.callCopyUpdater(key, input, old)
		} else {
			next, err = e.callInitialUpdater(key, input)
		}
		if err != nil {
			return 0, err
		}

		rec := hlog.Record{Info: hlog.RecordInfo{Previous: oldAddr, CASTag: e.nextCASTag()}, Key: key, Value: next}
		addr, buf, err := e.allocateAndRetireOnFull(ctx, rec.AlignedSize())
		if err != nil {
			return 0, err
		}

		tok, _ = e.epoch.Enter()
		rec.Encode(buf)
		var swung bool
		if oldAddr == hlog.NullAddress {
			swung = handle.SetTag(hashindex.TagOf(hash), uint64(addr))
		} else {
			swung = handle.CASEntry(uint64(oldAddr), uint64(addr))
		}
		e.epoch.Leave(tok)
		if swung {
			if oldAddr == hlog.NullAddress {
				return StatusCreated, nil
			}
			return StatusCopyUpdated, nil
		}
	}
	return 0, errs.New(errs.InvariantViolation, "ops: RMW exceeded CAS retry budget")
}

func (e *Engine) callInitialUpdater(key, input []byte) ([]byte, error) {
	if e.funcs == nil {
		return input, nil
	}
	return e.funcs.InitialUpdater(key, input)
}

func (e *Engine) callCopyUpdater(key, input, old []byte) ([]byte, error) {
	if e.funcs == nil {
		return input, nil
	}
	return e.funcs.CopyUpdater(key, input, old)
}

// tryInPlaceRMW attempts RMW step 1 (in-place modifier application).
func (e *Engine) tryInPlaceRMW(hash uint64, addr hlog.Address, key, input []byte) (Status, bool, error) {
	rec, ok, err := e.readResident(addr)
	if err != nil {
		return 0, false, err
	}
	if !ok || rec.Info.Flags.Has(hlog.FlagFiller) || !bytes.Equal(rec.Key, key) || rec.Info.Flags.Has(hlog.FlagTombstone) {
		return 0, false, nil
	}
	if e.funcs == nil {
		return 0, false, nil // no in-place modifier without Functions; fall back to copy/overwrite
	}
	next, ok := e.funcs.InPlaceUpdater(key, input, rec.Value)
	if !ok || len(next) != len(rec.Value) {
		return 0, false, nil
	}
	bucket := e.index.BucketIndex(hash)
	unlock := e.locks.AcquireExclusive(bucket)
	defer unlock()
	if addr < e.log.ReadOnlyAddress() {
		return 0, false, nil
	}
	if !e.writeValueInPlace(addr, next) {
		return 0, false, nil
	}
	return StatusInPlaceUpdated, true, nil
}

// loadCurrentValue fetches the value currently reachable from oldAddr
// (RMW step 2's "read current value, possibly pending I/O"), blocking on
// a device read if oldAddr has been evicted below HeadAddress. Must be
// called while still holding the epoch token entered at the top of the
// RMW attempt.
func (e *Engine) loadCurrentValue(ctx context.Context, key []byte, oldAddr hlog.Address) (value []byte, found bool, tombstoned bool, err error) {
	cursor := oldAddr
	for cursor != hlog.NullAddress && cursor >= e.log.HeadAddress() {
		rec, ok, rerr := e.readResident(cursor)
		if rerr != nil {
			return nil, false, false, rerr
		}
		if !ok {
			break
		}
		if !rec.Info.Flags.Has(hlog.FlagFiller) && bytes.Equal(rec.Key, key) {
			if rec.Info.Flags.Has(hlog.FlagTombstone) {
				return nil, true, true, nil
			}
			return rec.Value, true, false, nil
		}
		cursor = rec.Info.Previous
	}
	if cursor == hlog.NullAddress {
		return nil, false, false, nil
	}

	type outcome struct {
		value      []byte
		found      bool
		tombstoned bool
		err        error
	}
	done := make(chan outcome, 1)
	e.readBelowHead(ctx, key, cursor, func(v []byte, f, tomb bool, e error) {
		done <- outcome{v, f, tomb, e}
	})
	out := <-done
	return out.value, out.found, out.tombstoned, out.err
}

// RebuildIndexEntry publishes addr as the latest version for key, used by
// checkpoint recovery to repopulate the hash index by
// replaying the log in address order: the last call made for a given key
// wins, exactly like the natural effect of the CAS-published entry during
// live operation. It is not concurrency-safe against live traffic and must
// only be driven by a single recovery goroutine before the store accepts
// operations.
func (e *Engine) RebuildIndexEntry(key []byte, addr hlog.Address) {
	hash := hashKey(key)
	handle := e.index.FindOrInsert(hash)
	if handle.SetTag(hashindex.TagOf(hash), uint64(addr)) {
		return
	}
	for {
		old := hlog.Address(handle.Address())
		if handle.CASEntry(uint64(old), uint64(addr)) {
			return
		}
	}
}

// Compact walks every record between BeginAddress and until,
// re-appending at the tail any record that is still the live (indexed)
// version of its key with a fresh, chain-severing Previous=NullAddress,
// then advances BeginAddress to until so the device segments backing the
// scanned range can be reclaimed. Compact must not run concurrently with
// itself; callers typically drive it from a single background task.
func (e *Engine) Compact(ctx context.Context, until hlog.Address) error {
	begin := e.log.BeginAddress()
	if until <= begin {
		return nil
	}
	if until > e.log.SafeReadOnlyAddress() {
		return errs.New(errs.InvariantViolation, "ops: compaction target must already be flushed to device")
	}

	pageSize := uint64(e.log.PageSize())
	cur := begin
	for cur < until {
		pageAddr := hlog.Address((uint64(cur) / pageSize) * pageSize)
		buf, err := e.readLogPageSync(ctx, pageAddr)
		if err != nil {
			return err
		}
		offset := int(uint64(cur) % pageSize)
		for offset < len(buf) && cur < until {
			if len(buf)-offset < hlog.HeaderSize {
				// Trailing gap too small to hold even a filler header;
				// page padding, not a record.
				cur = pageAddr + hlog.Address(pageSize)
				break
			}
			rec, n, derr := hlog.Decode(buf[offset:])
			if derr != nil {
				return errs.Wrap(errs.InvariantViolation, "ops: decode record during compaction", derr)
			}
			if rec.Info.Flags.Has(hlog.FlagFiller) {
				cur = pageAddr + hlog.Address(pageSize)
				break
			}
			if !rec.Info.Flags.Has(hlog.FlagTombstone) {
				if err := e.recompactIfLive(ctx, rec.Key, rec.Value, cur); err != nil {
					return err
				}
			}
			adv := alignUp(n, hlog.RecordAlign)
			cur += hlog.Address(adv)
			offset += adv
		}
	}

	e.stats.compactions.Add(1)
	return e.log.ShiftBegin(ctx, until)
}

// recompactIfLive re-appends (key, value) at the tail, severing its
// Previous chain, but only if the hash index still points at exactly
// addr for this key — i.e. no newer version has since been written. A
// lost CAS here means a concurrent writer already superseded addr, so
// the scanned copy is stale and is simply dropped.
func (e *Engine) recompactIfLive(ctx context.Context, key, value []byte, addr hlog.Address) error {
	hash := hashKey(key)
	tok, _ := e.epoch.Enter()
	handle := e.index.FindOrInsert(hash)
	if hlog.Address(handle.Address()) != addr {
		e.epoch.Leave(tok)
		return nil
	}
	e.epoch.Leave(tok)

	rec := hlog.Record{Info: hlog.RecordInfo{Previous: hlog.NullAddress, CASTag: e.nextCASTag()}, Key: key, Value: value}
	newAddr, out, err := e.allocateAndRetireOnFull(ctx, rec.AlignedSize())
	if err != nil {
		return err
	}

	tok, _ = e.epoch.Enter()
	rec.Encode(out)
	handle.CASEntry(uint64(addr), uint64(newAddr))
	e.epoch.Leave(tok)
	return nil
}

// readLogPageSync blocks on a device read of the page at pageAddr,
// mirroring checkpoint recovery's page-by-page replay.
func (e *Engine) readLogPageSync(ctx context.Context, pageAddr hlog.Address) ([]byte, error) {
	type result struct {
		buf []byte
		err error
	}
	done := make(chan result, 1)
	e.log.ReadFromDevice(ctx, pageAddr, func(buf []byte, err error) { done <- result{buf, err} })
	r := <-done
	if r.err != nil {
		return nil, errs.Wrap(errs.IoError, "ops: read log page during compaction", r.err)
	}
	return r.buf, nil
}

func alignUp(n, align int) int { return (n + align - 1) &^ (align - 1) }

// Delete tombstones key: in place when its record is still mutable,
// otherwise by appending a tombstone record at the tail.
func (e *Engine) Delete(ctx context.Context, key []byte) (Status, error) {
	e.stats.deletes.Add(1)
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		tok, _ := e.epoch.Enter()
		hash := hashKey(key)
		handle := e.index.FindOrInsert(hash)
		oldAddr := hlog.Address(handle.Address())

		if oldAddr == hlog.NullAddress {
			e.epoch.Leave(tok)
			return StatusNotFound, nil
		}

		if oldAddr >= e.log.ReadOnlyAddress() {
			rec, ok, err := e.readResident(oldAddr)
			if err != nil {
				e.epoch.Leave(tok)
				return 0, err
			}
			if ok && !rec.Info.Flags.Has(hlog.FlagFiller) && bytes.Equal(rec.Key, key) {
				bucket := e.index.BucketIndex(hash)
				unlock := e.locks.AcquireExclusive(bucket)
				if oldAddr >= e.log.ReadOnlyAddress() {
					wasTombstone := rec.Info.Flags.Has(hlog.FlagTombstone)
					e.setTombstoneInPlace(oldAddr)
					unlock()
					e.epoch.Leave(tok)
					if wasTombstone {
						return StatusNotFound, nil
					}
					return StatusDeleted, nil
				}
				unlock()
				// Sealed out from under us between the peek and the latch;
				// fall through to the append path below.
			}
		}

		// Deletion of a key not resident in the mutable region does not
		// search on-disk regions: it simply
		// records a tombstone at the tail, chained from whatever head
		// address the index currently holds.
		rec := hlog.Record{Info: hlog.RecordInfo{Flags: hlog.FlagTombstone, Previous: oldAddr, CASTag: e.nextCASTag()}, Key: key}
		size := rec.AlignedSize()
		e.epoch.Leave(tok)

		addr, buf, err := e.allocateAndRetireOnFull(ctx, size)
		if err != nil {
			return 0, err
		}
		tok, _ = e.epoch.Enter()
		rec.Encode(buf)
		swung := handle.CASEntry(uint64(oldAddr), uint64(addr))
		e.epoch.Leave(tok)
		if swung {
			return StatusDeleted, nil
		}
	}
	return 0, errs.New(errs.InvariantViolation, "ops: delete exceeded CAS retry budget")
}
