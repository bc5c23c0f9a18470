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
package aof

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/launix-de/hlogdb/internal/device"
	"github.com/launix-de/hlogdb/internal/errs"
)

// AofConsumer is the replica-client collaborator contract: Send ships one
// chunk of compressed envelope bytes and resolves its returned channel
// once the replica has acknowledged it.
type AofConsumer interface {
	Send(ctx context.Context, data []byte) <-chan error
}

// Log is the append-only operation log: logical operations (not record
// bytes) recorded for replication and point-in-time replay, with
// per-replica cursors and safe prefix truncation.
//
// MainMemoryMode marks main-memory replication, where dev is a
// device.MemoryDevice. No method of Log reads the flag: TruncateUntil calls
// the device's own TruncateUntil either way, and a MemoryDevice shifts its
// begin address there while a file device discards whole segments.
type Log struct {
	dev            device.Device
	MainMemoryMode bool
	Lossy          bool // permits AddReplica to admit a start_address behind the truncation floor

	commitMu     sync.Mutex // single appender
	tail         atomic.Uint64
	lastEnvelope uint64 // address of the most recently appended envelope, guarded by commitMu

	truncateMu sync.Mutex // serializes truncation against cursor updates
	truncated  atomic.Uint64

	cursors *cursorRegistry

	committerMu sync.Mutex
	pending     []pendingWrite
	flushEvery  time.Duration
}

// pendingWrite is one buffered asynchronous append, pinned to the device
// offset it reserved at Append time so a later CommitPending writes it to
// the right place no matter how many further appends have raced past it.
type pendingWrite struct {
	off uint64
	buf []byte
}

// New creates an AOF log backed by dev, starting empty.
func New(dev device.Device) *Log {
	return &Log{dev: dev, cursors: newCursorRegistry(), flushEvery: 10 * time.Millisecond}
}

// TailAddress returns the current AOF append position.
func (l *Log) TailAddress() uint64 { return l.tail.Load() }

// TruncatedUntil returns the floor below which bytes have already been
// discarded.
func (l *Log) TruncatedUntil() uint64 { return l.truncated.Load() }

// Append commits payload to the AOF and returns its envelope's current
// address. When sync is true the call blocks until the device write has
// completed; when false the payload is buffered for the next periodic
// commit task, via CommitPending.
func (l *Log) Append(ctx context.Context, payload []byte, sync_ bool) (uint64, error) {
	l.commitMu.Lock()
	defer l.commitMu.Unlock()

	cur := l.tail.Load()
	env := Envelope{Previous: l.lastEnvelope, Current: cur, Next: cur + uint64(envelopeHeaderSize+len(payload)), Payload: payload}
	buf := make([]byte, env.Size())
	env.Encode(buf)

	if !sync_ {
		l.committerMu.Lock()
		l.pending = append(l.pending, pendingWrite{off: cur, buf: buf})
		l.committerMu.Unlock()
		l.lastEnvelope = cur
		l.tail.Store(env.Next)
		return env.Current, nil
	}

	if _, err := device.RunSync(func(cb device.Callback) { l.dev.WriteAsync(ctx, int64(cur), buf, cb) }); err != nil {
		return 0, errs.Wrap(errs.IoError, "aof: append", err)
	}
	l.lastEnvelope = cur
	l.tail.Store(env.Next)
	return env.Current, nil
}

// CommitPending flushes every payload buffered by an asynchronous Append
// since the last commit. Each buffered write carries the offset it
// reserved at Append time, so commits land correctly even when further
// appends have advanced the tail in the meantime. It is safe to call from
// a time.Ticker-driven goroutine; RunCommitLoop does exactly that.
func (l *Log) CommitPending(ctx context.Context) error {
	l.committerMu.Lock()
	batch := l.pending
	l.pending = nil
	l.committerMu.Unlock()
	for _, w := range batch {
		w := w
		if _, err := device.RunSync(func(cb device.Callback) { l.dev.WriteAsync(ctx, int64(w.off), w.buf, cb) }); err != nil {
			return errs.Wrap(errs.IoError, "aof: commit pending batch", err)
		}
	}
	return nil
}

// RunCommitLoop drives CommitPending every l.flushEvery until ctx is
// done; the store's background-task wiring runs it on its own goroutine.
func (l *Log) RunCommitLoop(ctx context.Context, onError func(error)) {
	ticker := time.NewTicker(l.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.CommitPending(ctx); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}

// AddReplica registers session at startAddress. If startAddress is
// behind the truncation floor and neither the AOF nor
// this specific cursor is in lossy mode, the add fails with
// ReplicaTooFarBehind; otherwise the cursor is registered.
func (l *Log) AddReplica(session string, startAddress uint64, lossy bool) error {
	floor := l.truncated.Load()
	if startAddress < floor && !l.Lossy && !lossy {
		return errs.New(errs.ReplicaTooFarBehind, "aof: requested start address precedes the truncated prefix")
	}
	l.cursors.set(cursor{session: session, previous: startAddress, tail: startAddress, lossy: lossy})
	return nil
}

// RemoveReplica unregisters session, releasing its hold on
// safe_truncate_until.
func (l *Log) RemoveReplica(session string) { l.cursors.remove(session) }

// AdvanceCursor records that session has acknowledged bytes up to
// newPrevious (the background streamer calls this once a Send's
// ack_future resolves). newPrevious is clamped to the cursor's tail, the
// end of what has been streamed to session so far.
func (l *Log) AdvanceCursor(session string, newPrevious uint64) {
	c, ok := l.cursors.get(session)
	if !ok {
		return
	}
	if newPrevious > c.tail {
		newPrevious = c.tail
	}
	c.previous = newPrevious
	l.cursors.set(c)
}

// SafeTruncateUntil computes min(addr, min(cursor.previous_address))
// across every registered replica, without performing the truncation
// itself.
func (l *Log) SafeTruncateUntil(addr uint64) uint64 {
	if min, ok := l.cursors.minPrevious(); ok && min < addr {
		return min
	}
	return addr
}

// TruncateUntil truncates the AOF's prefix up to SafeTruncateUntil(addr),
// serialized against cursor updates by a dedicated lock. In
// MainMemoryMode this also shifts the device's own begin address (the
// in-memory device does this as part of TruncateUntil); otherwise the
// on-disk segment is discarded by the same call.
func (l *Log) TruncateUntil(ctx context.Context, addr uint64) error {
	l.truncateMu.Lock()
	defer l.truncateMu.Unlock()

	safe := l.SafeTruncateUntil(addr)
	if safe <= l.truncated.Load() {
		return nil
	}
	if err := l.dev.TruncateUntil(ctx, int64(safe)); err != nil {
		return errs.Wrap(errs.IoError, "aof: truncate", err)
	}
	l.truncated.Store(safe)
	return nil
}
