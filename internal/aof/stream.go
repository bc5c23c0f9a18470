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
	"bytes"
	"context"
	"time"

	"github.com/pierrec/lz4/v4"

	"github.com/launix-de/hlogdb/internal/device"
	"github.com/launix-de/hlogdb/internal/errs"
)

// StreamToReplica tails the AOF for session starting at its registered
// cursor, pushing every envelope appended from there onward to consumer
// through a streaming lz4 writer, advancing the cursor once each
// Send's ack_future resolves. It runs until ctx is canceled or the
// replica is removed.
func (l *Log) StreamToReplica(ctx context.Context, session string, consumer AofConsumer, pollEvery time.Duration) error {
	if pollEvery <= 0 {
		pollEvery = 5 * time.Millisecond
	}
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		c, ok := l.cursors.get(session)
		if !ok {
			return errs.New(errs.InvariantViolation, "aof: stream target replica was removed")
		}
		tail := l.tail.Load()
		if c.tail >= tail {
			continue
		}

		chunk, nextTail, err := l.readEnvelopes(ctx, c.tail, tail)
		if err != nil {
			return err
		}
		compressed, err := compressChunk(chunk)
		if err != nil {
			return errs.Wrap(errs.IoError, "aof: compress replica chunk", err)
		}

		select {
		case err := <-consumer.Send(ctx, compressed):
			if err != nil {
				return errs.Wrap(errs.IoError, "aof: replica send failed", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}

		c.tail = nextTail
		c.previous = nextTail
		l.cursors.set(c)
	}
}

// readEnvelopes reads raw envelope bytes for [from, to) off the device,
// returning the bytes read and the address actually reached (<=to, since
// from may land mid-envelope only at from==to boundaries by construction).
func (l *Log) readEnvelopes(ctx context.Context, from, to uint64) ([]byte, uint64, error) {
	n := int(to - from)
	dst := make([]byte, n)
	if _, err := device.RunSync(func(cb device.Callback) { l.dev.ReadAsync(ctx, int64(from), dst, cb) }); err != nil {
		return nil, from, err
	}
	return dst, to, nil
}

// compressChunk wraps payload in a streaming lz4 frame, the wire format
// AofConsumer implementations are expected to decompress
// before parsing envelopes back out.
func compressChunk(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(payload); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecompressChunk reverses compressChunk, used by AofConsumer
// implementations (and tests) to recover the raw envelope bytes.
func DecompressChunk(frame []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(frame))
	var out bytes.Buffer
	if _, err := out.ReadFrom(r); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
