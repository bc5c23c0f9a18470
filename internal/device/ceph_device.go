//go:build ceph

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

// CephDevice is a segmented Device over a RADOS pool. Unlike S3, RADOS
// objects support writes and
// reads at an arbitrary offset, so each segment maps to one RADOS object
// addressed directly by page offset within it — no read-modify-write cycle
// is required.
package device

import (
	"context"
	"fmt"
	"path"
	"sync"

	"github.com/ceph/go-ceph/rados"
)

type CephConfig struct {
	UserName    string
	ClusterName string
	ConfFile    string
	Pool        string
	Prefix      string
}

type CephDevice struct {
	cfg         CephConfig
	sectorSize  int
	segmentSize int64

	mu     sync.Mutex
	conn   *rados.Conn
	ioctx  *rados.IOContext
	opened bool
}

func NewCephDevice(cfg CephConfig, sectorSize int, segmentSize int64) *CephDevice {
	return &CephDevice{cfg: cfg, sectorSize: sectorSize, segmentSize: segmentSize}
}

func (d *CephDevice) SectorSize() int    { return d.sectorSize }
func (d *CephDevice) SegmentSize() int64 { return d.segmentSize }

func (d *CephDevice) ensureOpen() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opened {
		return nil
	}
	conn, err := rados.NewConnWithClusterAndUser(d.cfg.ClusterName, d.cfg.UserName)
	if err != nil {
		return err
	}
	if d.cfg.ConfFile != "" {
		if err := conn.ReadConfigFile(d.cfg.ConfFile); err != nil {
			return err
		}
	} else {
		_ = conn.ReadDefaultConfigFile()
	}
	if err := conn.Connect(); err != nil {
		return err
	}
	ioctx, err := conn.OpenIOContext(d.cfg.Pool)
	if err != nil {
		conn.Shutdown()
		return err
	}
	d.conn = conn
	d.ioctx = ioctx
	d.opened = true
	return nil
}

func (d *CephDevice) objectFor(offset int64) (name string, segOffset int64) {
	seg := offset / d.segmentSize
	return path.Join(d.cfg.Prefix, fmt.Sprintf("seg-%08d", seg)), offset % d.segmentSize
}

func (d *CephDevice) WriteAsync(ctx context.Context, offset int64, src []byte, cb Callback) {
	go func() {
		if err := d.ensureOpen(); err != nil {
			cb(0, err)
			return
		}
		obj, segOffset := d.objectFor(offset)
		if err := d.ioctx.Write(obj, src, uint64(segOffset)); err != nil {
			cb(0, err)
			return
		}
		cb(len(src), nil)
	}()
}

func (d *CephDevice) ReadAsync(ctx context.Context, offset int64, dst []byte, cb Callback) {
	go func() {
		if err := d.ensureOpen(); err != nil {
			cb(0, err)
			return
		}
		obj, segOffset := d.objectFor(offset)
		n, err := d.ioctx.Read(obj, dst, uint64(segOffset))
		cb(n, err)
	}()
}

func (d *CephDevice) TruncateUntil(ctx context.Context, offset int64) error {
	if err := d.ensureOpen(); err != nil {
		return err
	}
	lastFullSegment := offset / d.segmentSize
	for seg := int64(0); seg < lastFullSegment; seg++ {
		obj := path.Join(d.cfg.Prefix, fmt.Sprintf("seg-%08d", seg))
		_ = d.ioctx.Delete(obj)
	}
	return nil
}

func (d *CephDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ioctx != nil {
		d.ioctx.Destroy()
	}
	if d.conn != nil {
		d.conn.Shutdown()
	}
	d.opened = false
	return nil
}
