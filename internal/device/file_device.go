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
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// FileDevice is a segmented on-disk device rooted at a directory, one
// file per segment named "<prefix>.<segment index>". It is the default
// cold tier.
type FileDevice struct {
	dir         string
	prefix      string
	sectorSize  int
	segmentSize int64

	mu       sync.Mutex
	segments map[int64]*os.File
}

// NewFileDevice opens (creating if absent) a segmented device under dir.
// sectorSize must be a power of two (typically 512); segmentSize must be a
// multiple of sectorSize.
func NewFileDevice(dir, prefix string, sectorSize int, segmentSize int64) (*FileDevice, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	return &FileDevice{
		dir:         dir,
		prefix:      prefix,
		sectorSize:  sectorSize,
		segmentSize: segmentSize,
		segments:    make(map[int64]*os.File),
	}, nil
}

func (d *FileDevice) SectorSize() int      { return d.sectorSize }
func (d *FileDevice) SegmentSize() int64   { return d.segmentSize }

func (d *FileDevice) segmentFor(offset int64) (f *os.File, segOffset int64, err error) {
	seg := offset / d.segmentSize
	segOffset = offset % d.segmentSize
	d.mu.Lock()
	defer d.mu.Unlock()
	if f, ok := d.segments[seg]; ok {
		return f, segOffset, nil
	}
	path := fmt.Sprintf("%s/%s.%08d", d.dir, d.prefix, seg)
	f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return nil, 0, err
	}
	// Segment fds are held for the device's lifetime and must not leak into
	// child processes spawned by the rest of the store (e.g. a checkpoint
	// export helper).
	unix.CloseOnExec(int(f.Fd()))
	d.segments[seg] = f
	return f, segOffset, nil
}

// WriteAsync writes synchronously on a background goroutine and invokes
// cb on completion. io_uring/AIO could serve the same contract; plain
// WriteAt on a background goroutine is enough for the page-sized writes
// the record log issues.
func (d *FileDevice) WriteAsync(ctx context.Context, offset int64, src []byte, cb Callback) {
	go func() {
		if offset%int64(d.sectorSize) != 0 || len(src)%d.sectorSize != 0 {
			cb(0, fmt.Errorf("device: unaligned write at %d len %d", offset, len(src)))
			return
		}
		f, segOffset, err := d.segmentFor(offset)
		if err != nil {
			cb(0, err)
			return
		}
		n, err := f.WriteAt(src, segOffset)
		cb(n, err)
	}()
}

func (d *FileDevice) ReadAsync(ctx context.Context, offset int64, dst []byte, cb Callback) {
	go func() {
		if offset%int64(d.sectorSize) != 0 || len(dst)%d.sectorSize != 0 {
			cb(0, fmt.Errorf("device: unaligned read at %d len %d", offset, len(dst)))
			return
		}
		f, segOffset, err := d.segmentFor(offset)
		if err != nil {
			cb(0, err)
			return
		}
		n, err := f.ReadAt(dst, segOffset)
		if n == len(dst) {
			err = nil // a full read ending exactly at end of file may report io.EOF; a short read still fails
		}
		cb(n, err)
	}()
}

// TruncateUntil removes every whole segment ending strictly before offset.
func (d *FileDevice) TruncateUntil(ctx context.Context, offset int64) error {
	lastFullSegment := offset / d.segmentSize
	d.mu.Lock()
	defer d.mu.Unlock()
	for seg, f := range d.segments {
		if seg < lastFullSegment {
			path := f.Name()
			f.Close()
			delete(d.segments, seg)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	return nil
}

func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for seg, f := range d.segments {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(d.segments, seg)
	}
	return firstErr
}
