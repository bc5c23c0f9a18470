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
package device

import (
	"context"
	"fmt"
	"sync"
)

// MemoryDevice backs main-memory replication mode: the AOF lives
// entirely in process memory, so truncation both discards bytes and shifts
// the device's own begin offset rather than deleting a segment file.
type MemoryDevice struct {
	sectorSize int

	mu    sync.Mutex
	begin int64 // smallest valid offset; bytes before this have been truncated away
	buf   []byte
}

// NewMemoryDevice creates an empty in-memory device.
func NewMemoryDevice(sectorSize int) *MemoryDevice {
	return &MemoryDevice{sectorSize: sectorSize}
}

func (d *MemoryDevice) SectorSize() int    { return d.sectorSize }
func (d *MemoryDevice) SegmentSize() int64 { return 0 }

func (d *MemoryDevice) WriteAsync(ctx context.Context, offset int64, src []byte, cb Callback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if offset < d.begin {
		cb(0, fmt.Errorf("device: write at %d precedes truncated begin %d", offset, d.begin))
		return
	}
	end := offset + int64(len(src)) - d.begin
	if end > int64(len(d.buf)) {
		grown := make([]byte, end)
		copy(grown, d.buf)
		d.buf = grown
	}
	copy(d.buf[offset-d.begin:], src)
	cb(len(src), nil)
}

func (d *MemoryDevice) ReadAsync(ctx context.Context, offset int64, dst []byte, cb Callback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if offset < d.begin {
		cb(0, fmt.Errorf("device: read at %d precedes truncated begin %d", offset, d.begin))
		return
	}
	start := offset - d.begin
	if start+int64(len(dst)) > int64(len(d.buf)) {
		cb(0, fmt.Errorf("device: read at %d len %d past written tail", offset, len(dst)))
		return
	}
	n := copy(dst, d.buf[start:start+int64(len(dst))])
	cb(n, nil)
}

// TruncateUntil drops bytes strictly before offset and advances Begin;
// an in-memory AOF reclaims by shifting its begin address rather than
// deleting a segment file.
func (d *MemoryDevice) TruncateUntil(ctx context.Context, offset int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if offset <= d.begin {
		return nil
	}
	drop := offset - d.begin
	if drop > int64(len(d.buf)) {
		drop = int64(len(d.buf))
	}
	d.buf = append([]byte(nil), d.buf[drop:]...)
	d.begin = offset
	return nil
}

// Begin returns the current truncation floor, used by AOF cursor
// admission checks.
func (d *MemoryDevice) Begin() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.begin
}

func (d *MemoryDevice) Close() error { return nil }
