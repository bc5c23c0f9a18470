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

// Package aof implements the append-only operation log and tail-sync
// replication protocol: a second, logical-operation log (distinct from
// the record log in internal/hlog) that replicas tail, with per-replica
// cursors and safe prefix truncation.
package aof

import (
	"encoding/binary"
	"errors"
)

// envelopeHeaderSize is the fixed portion of one AOF envelope: three
// 8-byte addresses plus a 4-byte payload length.
const envelopeHeaderSize = 8 + 8 + 8 + 4

// Envelope is one length-prefixed AOF record: {previous_address,
// current_address, next_address, payload_length, payload_bytes}. Payload
// is an opaque operation encoding produced by the command layer; the AOF
// never parses it.
type Envelope struct {
	Previous uint64
	Current  uint64
	Next     uint64
	Payload  []byte
}

// Size returns the on-disk size of the envelope.
func (e Envelope) Size() int { return envelopeHeaderSize + len(e.Payload) }

// Encode serializes e into dst, which must be at least e.Size() bytes.
func (e Envelope) Encode(dst []byte) int {
	binary.LittleEndian.PutUint64(dst[0:8], e.Previous)
	binary.LittleEndian.PutUint64(dst[8:16], e.Current)
	binary.LittleEndian.PutUint64(dst[16:24], e.Next)
	binary.LittleEndian.PutUint32(dst[24:28], uint32(len(e.Payload)))
	n := envelopeHeaderSize
	n += copy(dst[n:], e.Payload)
	return n
}

// Decode parses one envelope from the start of src, returning the number
// of bytes consumed.
func Decode(src []byte) (Envelope, int, error) {
	if len(src) < envelopeHeaderSize {
		return Envelope{}, 0, errors.New("aof: truncated envelope header")
	}
	e := Envelope{
		Previous: binary.LittleEndian.Uint64(src[0:8]),
		Current:  binary.LittleEndian.Uint64(src[8:16]),
		Next:     binary.LittleEndian.Uint64(src[16:24]),
	}
	payloadLen := int(binary.LittleEndian.Uint32(src[24:28]))
	off := envelopeHeaderSize
	if off+payloadLen > len(src) {
		return Envelope{}, 0, errors.New("aof: truncated envelope payload")
	}
	e.Payload = src[off : off+payloadLen]
	off += payloadLen
	return e, off, nil
}
