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

// Package device implements the segmented, sector-aligned asynchronous
// storage abstraction that the record log flushes sealed pages to and
// reads evicted pages back from: a byte-addressed segmented device driven
// one fixed-size page at a time, with local-file, in-memory, S3 and
// RADOS-backed implementations.
package device

import "context"

// Callback is invoked exactly once when an asynchronous operation
// completes. err is non-nil on failure; bytesTransferred is valid only on
// success.
type Callback func(bytesTransferred int, err error)

// Device is a segmented byte store with sector alignment. Implementations
// must serialize overlapping writes to the same region themselves, or
// document that callers never issue them. The record log writes whole
// pages; a page that successive read-only shifts each cover in part is
// written again, with its full current contents, on each of those shifts.
type Device interface {
	// WriteAsync writes src to offset..offset+len(src). offset and len(src)
	// must be multiples of SectorSize.
	WriteAsync(ctx context.Context, offset int64, src []byte, cb Callback)
	// ReadAsync reads len(dst) bytes starting at offset into dst. offset and
	// len(dst) must be multiples of SectorSize.
	ReadAsync(ctx context.Context, offset int64, dst []byte, cb Callback)
	// SectorSize returns the required alignment for offsets and lengths.
	SectorSize() int
	// SegmentSize returns the size of one on-disk segment, or 0 if the
	// device is not segmented (a single flat address space).
	SegmentSize() int64
	// TruncateUntil discards every byte strictly before offset. Used by
	// record-log begin shifts and AOF prefix truncation.
	TruncateUntil(ctx context.Context, offset int64) error
	// Close releases any resources (file handles, network clients) held by
	// the device.
	Close() error
}

// RunSync adapts an asynchronous Device call into a blocking one, for
// callers (recovery replay, checkpoint writers) that have no continuation
// to resume on.
func RunSync(issue func(cb Callback)) (int, error) {
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	issue(func(n int, err error) { done <- result{n, err} })
	r := <-done
	return r.n, r.err
}
