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

// Package epoch implements the safe-memory-reclamation protocol that
// every other component in hlogdb relies on: a process-wide monotonic
// version counter, a per-goroutine "current epoch" slot, and a drain list
// of actions that run once every goroutine active at a version has left or
// moved past it.
//
// Per-goroutine registration uses goroutine-local storage (gls), so a
// worker spawned with Go can read back its own protection token without it
// being threaded through every call signature on the way down.
package epoch

import (
	"sync"
	"sync/atomic"

	"github.com/jtolds/gls"
)

var ctxMgr = gls.NewContextManager()

type tokenKey struct{}

const unprotected = 0

// Token identifies one goroutine's registration in the slot table. It must
// be passed to Leave when the protected section ends.
type Token struct {
	slot *uint64
}

// Manager is the epoch table. The zero value is not usable; use New.
type Manager struct {
	current atomic.Uint64 // current global version, starts at 1

	mu    sync.Mutex
	slots map[*uint64]struct{} // live published slots

	drainMu sync.Mutex
	drain   map[uint64][]func() // version -> actions waiting to run
}

// New creates an epoch manager starting at version 1.
func New() *Manager {
	m := &Manager{
		slots: make(map[*uint64]struct{}),
		drain: make(map[uint64][]func()),
	}
	m.current.Store(1)
	return m
}

// Enter publishes the calling goroutine's current epoch and returns a Token
// plus the version entered at. Every access to log memory, page pointers,
// or hash-index entries must happen between Enter and Leave.
func (m *Manager) Enter() (Token, uint64) {
	v := m.current.Load()
	slot := new(uint64)
	*slot = v
	m.mu.Lock()
	m.slots[slot] = struct{}{}
	m.mu.Unlock()
	return Token{slot: slot}, v
}

// Leave clears the calling goroutine's slot and runs any drain actions that
// become eligible as a result.
func (m *Manager) Leave(t Token) {
	if t.slot == nil {
		return
	}
	m.mu.Lock()
	delete(m.slots, t.slot)
	m.mu.Unlock()
	m.tryDrain()
}

// Refresh re-publishes the calling goroutine at the current global version
// without leaving protection, letting a long-lived worker catch up so
// drain actions registered behind it can proceed.
func (m *Manager) Refresh(t Token) uint64 {
	v := m.current.Load()
	atomic.StoreUint64(t.slot, v)
	m.tryDrain()
	return v
}

// Suspend clears protection temporarily (e.g. before blocking on device I/O)
// without removing the goroutine's slot bookkeeping; Resume re-enters at the
// latest version.
func (m *Manager) Suspend(t Token) {
	atomic.StoreUint64(t.slot, unprotected)
	m.tryDrain()
}

// Resume re-publishes protection after Suspend.
func (m *Manager) Resume(t Token) uint64 {
	v := m.current.Load()
	atomic.StoreUint64(t.slot, v)
	return v
}

// BumpVersion advances the global version and registers action to run once
// every goroutine active at the prior version has left or moved past it. It
// returns the new version. action may be nil.
func (m *Manager) BumpVersion(action func()) uint64 {
	old := m.current.Add(1) - 1
	if action != nil {
		m.drainMu.Lock()
		m.drain[old] = append(m.drain[old], action)
		m.drainMu.Unlock()
	}
	m.tryDrain()
	return old + 1
}

// CurrentVersion returns the current global version without entering.
func (m *Manager) CurrentVersion() uint64 {
	return m.current.Load()
}

// tryDrain runs every registered action whose version has no remaining
// participant still published at or below it.
func (m *Manager) tryDrain() {
	m.drainMu.Lock()
	if len(m.drain) == 0 {
		m.drainMu.Unlock()
		return
	}
	var ready []func()
	for v, actions := range m.drain {
		if m.safeToDrain(v) {
			ready = append(ready, actions...)
			delete(m.drain, v)
		}
	}
	m.drainMu.Unlock()
	for _, a := range ready {
		a()
	}
}

// safeToDrain reports whether every published slot is either unprotected or
// already past v.
func (m *Manager) safeToDrain(v uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for slot := range m.slots {
		sv := atomic.LoadUint64(slot)
		if sv != unprotected && sv <= v {
			return false
		}
	}
	return true
}

// Go spawns fn in a new goroutine that enters the epoch on start and leaves
// it on return, publishing its Token into goroutine-local storage so
// nested helpers can recover it with Current.
func (m *Manager) Go(fn func()) {
	go func() {
		t, _ := m.Enter()
		ctxMgr.SetValues(gls.Values{tokenKey{}: t}, func() {
			defer m.Leave(t)
			fn()
		})
	}()
}

// Current recovers the Token published by the innermost enclosing Go call
// on the current goroutine. ok is false outside of Go.
func Current() (t Token, ok bool) {
	v, ok := ctxMgr.GetValue(tokenKey{})
	if !ok {
		return Token{}, false
	}
	t, ok = v.(Token)
	return t, ok
}
