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
	"github.com/launix-de/NonLockingReadMap"
)

// cursor is an immutable snapshot of one replica's position in the AOF:
// previous is the earliest byte the replica still needs (the floor
// safe_truncate_until must respect), tail is the latest byte streamed to
// it. Every update replaces the whole struct via cursorRegistry.set rather
// than mutating a field in place, matching the map's own copy-on-write
// discipline (each Set swings one atomic pointer to a freshly built
// snapshot) — the same pattern the hash index uses for overflow-bucket
// liveness, here applied to the small, read-mostly set of replica cursors.
type cursor struct {
	session  string
	previous uint64
	tail     uint64
	lossy    bool
}

func (c cursor) GetKey() string    { return c.session }
func (c cursor) ComputeSize() uint { return uint(len(c.session)) + 16 + 1 }

// cursorRegistry tracks every live replica cursor.
type cursorRegistry struct {
	m NonLockingReadMap.NonLockingReadMap[cursor, string]
}

func newCursorRegistry() *cursorRegistry {
	return &cursorRegistry{m: NonLockingReadMap.New[cursor, string]()}
}

func (r *cursorRegistry) get(session string) (cursor, bool) {
	c := r.m.Get(session)
	if c == nil {
		return cursor{}, false
	}
	return *c, true
}

func (r *cursorRegistry) set(c cursor) { r.m.Set(&c) }

func (r *cursorRegistry) remove(session string) { r.m.Remove(session) }

func (r *cursorRegistry) all() []cursor {
	entries := r.m.GetAll()
	out := make([]cursor, len(entries))
	for i, e := range entries {
		out[i] = *e
	}
	return out
}

// minPrevious returns the smallest previous_address across every
// registered cursor, or ok=false if there are none — the floor
// SafeTruncateUntil must never truncate past.
func (r *cursorRegistry) minPrevious() (min uint64, ok bool) {
	for i, c := range r.all() {
		if i == 0 || c.previous < min {
			min = c.previous
		}
		ok = true
	}
	return min, ok
}
