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

// Package checkpoint implements fold-over and snapshot checkpoints and
// recovery: a version-bump-and-drain protocol that
// persists a metadata record naming the address thresholds to restore,
// plus (in Snapshot mode) a compressed copy of the hash index so recovery
// does not have to replay the entire on-disk log to rebuild it.
package checkpoint

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/launix-de/hlogdb/internal/hlog"
)

// Mode selects the checkpoint strategy.
type Mode uint8

const (
	// FoldOver raises ReadOnlyAddress to TailAddress and flushes; recovery
	// rebuilds the hash index by replaying the on-disk log suffix.
	FoldOver Mode = iota
	// Snapshot additionally persists a compressed copy of the hash index
	// alongside the metadata so recovery can load it directly instead of
	// replaying the whole log.
	Snapshot
)

func (m Mode) String() string {
	if m == Snapshot {
		return "Snapshot"
	}
	return "FoldOver"
}

// Metadata is the structured checkpoint record: {token, begin/head/
// read-only/tail addresses, version, continuation tokens per session,
// index snapshot reference}.
type Metadata struct {
	Token        uuid.UUID
	Mode         Mode
	Begin        hlog.Address
	Head         hlog.Address
	SafeReadOnly hlog.Address
	ReadOnly     hlog.Address
	Tail         hlog.Address
	Version      uint64

	// ContinuationTokens maps a replication/session identifier (e.g. an
	// AOF replica cursor's session id) to the AOF address it had reached
	// as of this checkpoint's version bump, so recovery can resume every
	// session's pending-completion state exactly where it left off.
	ContinuationTokens map[string]uint64

	// IndexSnapshotRef names the compressed index snapshot file for
	// Snapshot mode; empty for FoldOver.
	IndexSnapshotRef string
}

// Encode serializes metadata as length-prefixed fields: little-endian
// integers, UTF-8 strings, the UUID as 16 raw bytes.
func Encode(m Metadata) []byte {
	size := 16 + 1 + 8*5 + 8 + 4 + len(m.IndexSnapshotRef) + 4
	for k := range m.ContinuationTokens {
		size += 4 + len(k) + 8
	}
	buf := make([]byte, size)
	off := 0
	copy(buf[off:], m.Token[:])
	off += 16
	buf[off] = byte(m.Mode)
	off++
	for _, a := range []hlog.Address{m.Begin, m.Head, m.SafeReadOnly, m.ReadOnly, m.Tail} {
		binary.LittleEndian.PutUint64(buf[off:], uint64(a))
		off += 8
	}
	binary.LittleEndian.PutUint64(buf[off:], m.Version)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(m.IndexSnapshotRef)))
	off += 4
	off += copy(buf[off:], m.IndexSnapshotRef)
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(m.ContinuationTokens)))
	off += 4
	for k, v := range m.ContinuationTokens {
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(k)))
		off += 4
		off += copy(buf[off:], k)
		binary.LittleEndian.PutUint64(buf[off:], v)
		off += 8
	}
	return buf[:off]
}

// Decode parses a Metadata record written by Encode.
func Decode(src []byte) (Metadata, error) {
	var m Metadata
	if len(src) < 16+1+8*5+8+4 {
		return m, fmt.Errorf("checkpoint: truncated metadata (%d bytes)", len(src))
	}
	off := 0
	copy(m.Token[:], src[off:off+16])
	off += 16
	m.Mode = Mode(src[off])
	off++
	addrs := make([]*hlog.Address, 5)
	addrs[0], addrs[1], addrs[2], addrs[3], addrs[4] = &m.Begin, &m.Head, &m.SafeReadOnly, &m.ReadOnly, &m.Tail
	for _, a := range addrs {
		*a = hlog.Address(binary.LittleEndian.Uint64(src[off:]))
		off += 8
	}
	m.Version = binary.LittleEndian.Uint64(src[off:])
	off += 8
	refLen := int(binary.LittleEndian.Uint32(src[off:]))
	off += 4
	if off+refLen > len(src) {
		return m, fmt.Errorf("checkpoint: truncated index snapshot ref")
	}
	m.IndexSnapshotRef = string(src[off : off+refLen])
	off += refLen
	if off+4 > len(src) {
		return m, fmt.Errorf("checkpoint: truncated continuation token count")
	}
	count := int(binary.LittleEndian.Uint32(src[off:]))
	off += 4
	if count > 0 {
		m.ContinuationTokens = make(map[string]uint64, count)
	}
	for i := 0; i < count; i++ {
		if off+4 > len(src) {
			return m, fmt.Errorf("checkpoint: truncated continuation token %d", i)
		}
		klen := int(binary.LittleEndian.Uint32(src[off:]))
		off += 4
		if off+klen+8 > len(src) {
			return m, fmt.Errorf("checkpoint: truncated continuation token %d value", i)
		}
		key := string(src[off : off+klen])
		off += klen
		m.ContinuationTokens[key] = binary.LittleEndian.Uint64(src[off:])
		off += 8
	}
	return m, nil
}
