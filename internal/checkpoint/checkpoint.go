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
package checkpoint

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/ulikunitz/xz"

	"github.com/launix-de/hlogdb/internal/epoch"
	"github.com/launix-de/hlogdb/internal/errs"
	"github.com/launix-de/hlogdb/internal/hashindex"
	"github.com/launix-de/hlogdb/internal/hlog"
	"github.com/launix-de/hlogdb/internal/ops"
	"github.com/launix-de/NonLockingReadMap"
)

// tokenEntry is the element type stored in the lock-free token registry:
// the same NonLockingReadMap the hash index uses for its overflow bitmap,
// here holding the small, read-mostly set of known checkpoint tokens so a
// concurrent List/latest lookup never blocks a Checkpoint in progress.
type tokenEntry struct {
	token uuid.UUID
}

func (t tokenEntry) GetKey() string    { return t.token.String() }
func (t tokenEntry) ComputeSize() uint { return 16 }

// Engine drives the checkpoint/recovery protocol over a
// record log, hash index, epoch manager and operation engine.
type Engine struct {
	log     *hlog.Log
	index   *hashindex.Index
	em      *epoch.Manager
	opsEng  *ops.Engine
	storage Storage

	mu       sync.Mutex
	tokens   NonLockingReadMap.NonLockingReadMap[tokenEntry, string]
	sessions map[string]uint64 // session id -> AOF address, snapshotted into Metadata at Checkpoint time
}

// New creates a checkpoint engine. opsEng is used only by Recover, to
// repopulate the hash index via its RebuildIndexEntry method.
func New(log *hlog.Log, index *hashindex.Index, em *epoch.Manager, opsEng *ops.Engine, storage Storage) *Engine {
	return &Engine{
		log:      log,
		index:    index,
		em:       em,
		opsEng:   opsEng,
		storage:  storage,
		tokens:   NonLockingReadMap.New[tokenEntry, string](),
		sessions: make(map[string]uint64),
	}
}

// AdvanceSession records session's current AOF address, so the next
// Checkpoint's metadata captures it as a continuation token. Typically
// called by the AOF
// component each time it commits a batch for session.
func (c *Engine) AdvanceSession(session string, aofAddress uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[session] = aofAddress
}

func (c *Engine) snapshotSessions() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.sessions))
	for k, v := range c.sessions {
		out[k] = v
	}
	return out
}

// Checkpoint freezes the store's durable state:
//  1. Bump the epoch version; every operation that completed before the
//     bump is guaranteed captured.
//  2. Drain flushes to TailAddress as observed at the bump.
//  3. Persist metadata (and, in Snapshot mode, a compressed index
//     snapshot) via a single-writer write-then-rename commit.
//
// It returns the new checkpoint's token.
func (c *Engine) Checkpoint(ctx context.Context, mode Mode) (uuid.UUID, error) {
	version := c.em.BumpVersion(nil)
	tail := c.log.TailAddress()

	done := make(chan error, 1)
	c.log.ShiftReadOnly(ctx, tail, func(err error) { done <- err })
	select {
	case err := <-done:
		if err != nil {
			return uuid.Nil, errs.Wrap(errs.IoError, "checkpoint: flush to tail", err)
		}
	case <-ctx.Done():
		return uuid.Nil, errs.Wrap(errs.Canceled, "checkpoint: flush canceled", ctx.Err())
	}

	token := uuid.New()
	meta := Metadata{
		Token:              token,
		Mode:               mode,
		Begin:              c.log.BeginAddress(),
		Head:               c.log.HeadAddress(),
		SafeReadOnly:       c.log.SafeReadOnlyAddress(),
		ReadOnly:           c.log.ReadOnlyAddress(),
		Tail:               tail,
		Version:            version,
		ContinuationTokens: c.snapshotSessions(),
	}

	if mode == Snapshot {
		ref := token.String() + ".index.xz"
		if err := c.writeIndexSnapshot(ctx, ref); err != nil {
			return uuid.Nil, err
		}
		meta.IndexSnapshotRef = ref
	}

	if err := c.storage.WriteMetadata(ctx, token, Encode(meta)); err != nil {
		return uuid.Nil, errs.Wrap(errs.IoError, "checkpoint: write metadata", err)
	}
	c.tokens.Set(&tokenEntry{token: token})
	return token, nil
}

// Purge removes an older token's metadata (and, if present, its index
// snapshot), discarding history a deployment no longer needs.
func (c *Engine) Purge(ctx context.Context, token uuid.UUID) error {
	if fs, ok := c.storage.(*FileStorage); ok {
		data, err := fs.ReadMetadata(ctx, token)
		if err == nil {
			if m, derr := Decode(data); derr == nil && m.IndexSnapshotRef != "" {
				os.Remove(fs.SnapshotPath(m.IndexSnapshotRef))
			}
		}
	}
	if err := c.storage.Purge(ctx, token); err != nil {
		return err
	}
	c.tokens.Remove(token.String())
	return nil
}

// Tokens lists every checkpoint token known to this process's registry
// (populated by Checkpoint and Recover); Storage.List is the source of
// truth across restarts.
func (c *Engine) Tokens() []uuid.UUID {
	entries := c.tokens.GetAll()
	out := make([]uuid.UUID, 0, len(entries))
	for _, e := range entries {
		out = append(out, (*e).token)
	}
	return out
}

// writeIndexSnapshot serializes every (bucket, tag, address) entry of the
// hash index and writes it, xz-compressed, to the storage-backed snapshot
// path named ref. xz is chosen over the AOF's lz4 for its higher
// compression ratio, appropriate for a cold
// infrequently-read artifact rather than a hot replication stream.
func (c *Engine) writeIndexSnapshot(ctx context.Context, ref string) error {
	fs, ok := c.storage.(*FileStorage)
	if !ok {
		return errs.New(errs.InvariantViolation, "checkpoint: snapshot mode requires FileStorage")
	}
	f, err := os.Create(fs.SnapshotPath(ref))
	if err != nil {
		return errs.Wrap(errs.IoError, "checkpoint: create snapshot file", err)
	}
	defer f.Close()

	zw, err := xz.NewWriter(f)
	if err != nil {
		return errs.Wrap(errs.IoError, "checkpoint: xz writer", err)
	}

	bucketCount := c.index.BucketCount()
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(bucketCount))
	if _, err := zw.Write(header[:]); err != nil {
		return errs.Wrap(errs.IoError, "checkpoint: write snapshot header", err)
	}
	for b := 0; b < bucketCount; b++ {
		entries := c.index.IterateBucket(uint64(b))
		var countBuf [4]byte
		binary.LittleEndian.PutUint32(countBuf[:], uint32(len(entries)))
		if _, err := zw.Write(countBuf[:]); err != nil {
			return errs.Wrap(errs.IoError, "checkpoint: write bucket entry count", err)
		}
		for _, e := range entries {
			var rec [10]byte
			binary.LittleEndian.PutUint16(rec[0:2], e.Tag)
			binary.LittleEndian.PutUint64(rec[2:10], e.Address)
			if _, err := zw.Write(rec[:]); err != nil {
				return errs.Wrap(errs.IoError, "checkpoint: write bucket entry", err)
			}
		}
	}
	return zw.Close()
}

// loadIndexSnapshot repopulates the hash index directly from a compressed
// snapshot written by writeIndexSnapshot, bypassing a full log replay
// (the live log keeps mutating while a prior snapshot stays valid for
// recovery).
func (c *Engine) loadIndexSnapshot(ref string) error {
	fs, ok := c.storage.(*FileStorage)
	if !ok {
		return errs.New(errs.InvariantViolation, "checkpoint: snapshot mode requires FileStorage")
	}
	f, err := os.Open(fs.SnapshotPath(ref))
	if err != nil {
		return errs.Wrap(errs.IoError, "checkpoint: open snapshot file", err)
	}
	defer f.Close()

	zr, err := xz.NewReader(f)
	if err != nil {
		return errs.Wrap(errs.IoError, "checkpoint: xz reader", err)
	}

	var header [4]byte
	if _, err := io.ReadFull(zr, header[:]); err != nil {
		return errs.Wrap(errs.IoError, "checkpoint: read snapshot header", err)
	}
	bucketCount := int(binary.LittleEndian.Uint32(header[:]))
	if bucketCount != c.index.BucketCount() {
		return errs.New(errs.InvariantViolation, fmt.Sprintf("checkpoint: snapshot bucket count %d does not match index bucket count %d", bucketCount, c.index.BucketCount()))
	}
	for b := 0; b < bucketCount; b++ {
		var countBuf [4]byte
		if _, err := io.ReadFull(zr, countBuf[:]); err != nil {
			return errs.Wrap(errs.IoError, "checkpoint: read bucket entry count", err)
		}
		count := int(binary.LittleEndian.Uint32(countBuf[:]))
		for i := 0; i < count; i++ {
			var rec [10]byte
			if _, err := io.ReadFull(zr, rec[:]); err != nil {
				return errs.Wrap(errs.IoError, "checkpoint: read bucket entry", err)
			}
			tag := binary.LittleEndian.Uint16(rec[0:2])
			addr := binary.LittleEndian.Uint64(rec[2:10])
			c.index.RestoreEntry(uint64(b), tag, addr)
		}
	}
	return nil
}

// Recover restores from a checkpoint: it loads a token's metadata,
// restore the log's address thresholds, rebuild or load the hash index,
// and return the metadata so the caller (the root Store) can replay any
// additional committed AOF records after meta.Tail.
func (c *Engine) Recover(ctx context.Context, token uuid.UUID) (Metadata, error) {
	data, err := c.storage.ReadMetadata(ctx, token)
	if err != nil {
		return Metadata{}, errs.Wrap(errs.IoError, "checkpoint: read metadata", err)
	}
	meta, err := Decode(data)
	if err != nil {
		return Metadata{}, errs.Wrap(errs.InvariantViolation, "checkpoint: decode metadata", err)
	}

	c.log.RestoreAddresses(meta.Begin, meta.Head, meta.SafeReadOnly, meta.ReadOnly, meta.Tail)
	if err := c.restoreResidentPages(ctx, meta); err != nil {
		return Metadata{}, err
	}

	switch meta.Mode {
	case Snapshot:
		if meta.IndexSnapshotRef == "" {
			return Metadata{}, errs.New(errs.InvariantViolation, "checkpoint: snapshot metadata missing index snapshot reference")
		}
		if err := c.loadIndexSnapshot(meta.IndexSnapshotRef); err != nil {
			return Metadata{}, err
		}
	default: // FoldOver
		if err := c.rebuildIndexFromLog(ctx, meta); err != nil {
			return Metadata{}, err
		}
	}

	c.tokens.Set(&tokenEntry{token: token})
	c.mu.Lock()
	for k, v := range meta.ContinuationTokens {
		c.sessions[k] = v
	}
	c.mu.Unlock()
	return meta, nil
}

// restoreResidentPages refetches every page overlapping [meta.Head,
// meta.Tail) from the device and installs it into the in-memory ring.
// The hash index (rebuilt or loaded by the caller) points straight into
// this region; left unrestored, the zeroed pages a fresh allocator hands
// out would decode as empty records where live ones belong. Every page
// in range is on the device already: Checkpoint flushed to tail before
// persisting metadata.
func (c *Engine) restoreResidentPages(ctx context.Context, meta Metadata) error {
	if meta.Head >= meta.Tail {
		return nil
	}
	pageSize := uint64(c.log.PageSize())
	first := uint64(meta.Head) / pageSize
	last := (uint64(meta.Tail) - 1) / pageSize
	for pg := first; pg <= last; pg++ {
		buf, err := c.readLogPage(ctx, hlog.Address(pg*pageSize))
		if err != nil {
			return err
		}
		c.log.RestorePage(pg, buf)
	}
	return nil
}

// rebuildIndexFromLog replays every record in [meta.Begin, meta.Tail) in
// address order, publishing each key's latest surviving address into the
// hash index. Replay starts at Begin, not Head: a key whose only
// surviving record sits in the on-disk-only region below HeadAddress
// must still be reachable after recovery. A freshly started process has
// nothing resident in memory yet, so every page in range is fetched from
// the device rather than assumed resident — the same path a below-Head
// Read takes, one page at a time instead of one record at a time since
// replay needs every record in the page anyway.
func (c *Engine) rebuildIndexFromLog(ctx context.Context, meta Metadata) error {
	pageSize := uint64(c.log.PageSize())
	cur := meta.Begin
	for cur < meta.Tail {
		pageAddr := hlog.Address((uint64(cur) / pageSize) * pageSize)
		buf, err := c.readLogPage(ctx, pageAddr)
		if err != nil {
			return err
		}
		offset := int(uint64(cur) % pageSize)
		for offset < len(buf) && cur < meta.Tail {
			if len(buf)-offset < hlog.HeaderSize {
				// Trailing gap too small to hold even a filler header;
				// page padding, not a record.
				cur = pageAddr + hlog.Address(pageSize)
				break
			}
			rec, n, derr := hlog.Decode(buf[offset:])
			if derr != nil {
				return errs.Wrap(errs.InvariantViolation, "checkpoint: decode record during replay", derr)
			}
			if rec.Info.Flags.Has(hlog.FlagFiller) {
				cur = pageAddr + hlog.Address(pageSize)
				break
			}
			c.opsEng.RebuildIndexEntry(rec.Key, cur)
			adv := alignUp(n)
			cur += hlog.Address(adv)
			offset += adv
		}
	}
	return nil
}

// readLogPage blocks on a single device read for the page starting at
// pageAddr, adapting Log.ReadFromDevice's callback the same way
// device.RunSync adapts any async Device call for a caller (here,
// recovery replay) with no continuation to resume on.
func (c *Engine) readLogPage(ctx context.Context, pageAddr hlog.Address) ([]byte, error) {
	type result struct {
		buf []byte
		err error
	}
	done := make(chan result, 1)
	c.log.ReadFromDevice(ctx, pageAddr, func(buf []byte, err error) { done <- result{buf, err} })
	r := <-done
	if r.err != nil {
		return nil, errs.Wrap(errs.IoError, "checkpoint: read log page during replay", r.err)
	}
	return r.buf, nil
}

func alignUp(n int) int { return (n + hlog.RecordAlign - 1) &^ (hlog.RecordAlign - 1) }
