// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package epoch implements the global epoch table used for quiescence and
// for acquiring irrevocability (spec §4.7). It generalizes the teacher's
// epoch.Manager — which only tracked active MVCC snapshot timestamps — to
// the ORE engine's two actual consumers:
//
//   - Quiescence: after a writer commits, it waits for every other
//     context's published start time to exceed the commit timestamp
//     before finalizing anything that was logically freed before commit.
//   - Irrevocability: a writer may become irrevocable by claiming a
//     single shared token and waiting for every other context to clear
//     its published timestamp at least once; while held, the holder
//     bypasses orec instrumentation entirely.
package epoch

import (
	"sync"
	"sync/atomic"

	"github.com/kianostad/ore/internal/clock"
)

// Table is the global, shared epoch state. One Table is constructed per
// engine and shared by every Slot the engine hands out.
type Table struct {
	mu      sync.Mutex
	slots   []*Slot
	irrevoc atomic.Bool // token held iff true
}

// NewTable creates an empty epoch table.
func NewTable() *Table { return &Table{} }

// NewSlot registers a new per-goroutine epoch slot. ts is the context's
// published operation timestamp, owned and written by the engine context
// itself; the table only ever reads it, the same sharing internal/smr
// uses so the spec's single per-thread start_time is stored once.
func (t *Table) NewSlot(ts *atomic.Uint64) *Slot {
	s := &Slot{table: t, lastPublished: ts}
	t.mu.Lock()
	t.slots = append(t.slots, s)
	t.mu.Unlock()
	return s
}

// otherSlots returns a snapshot of every registered slot other than
// exclude, for callers that spin-wait on the other slots' timestamps.
func (t *Table) otherSlots(exclude *Slot) []*Slot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Slot, 0, len(t.slots))
	for _, s := range t.slots {
		if s != exclude {
			out = append(out, s)
		}
	}
	return out
}

// Slot is a per-goroutine epoch participant, obtained once per engine
// context and reused across operations.
type Slot struct {
	table         *Table
	lastPublished *atomic.Uint64
}

// Quiesce blocks until every other slot's published start time exceeds
// commitTS, i.e. until no context could still be running an operation
// that began before the commit. Used to guard the finalization of memory
// that was logically freed before the commit timestamp was known.
func (s *Slot) Quiesce(commitTS uint64) {
	for _, other := range s.table.otherSlots(s) {
		for other.lastPublished.Load() <= commitTS {
			// spin; the engine has no internal suspension points (spec §5)
		}
	}
}

// TryIrrevocable attempts to claim the shared irrevocability token. It
// returns false immediately if another context already holds it — the
// caller (a write guard) treats that as a reason to abort and retry, per
// spec §9's "an unusual but central" composability contract carried over
// from becomeIrrevocable in the reference implementation. On success, it
// blocks until every other slot has cleared its epoch at least once,
// guaranteeing no concurrent orec-instrumented operation straddles the
// moment irrevocability is granted.
func (s *Slot) TryIrrevocable() bool {
	if !s.table.irrevoc.CompareAndSwap(false, true) {
		return false
	}
	for _, other := range s.table.otherSlots(s) {
		for other.lastPublished.Load() != clock.EndOfTime {
			// spin until this slot has been idle at least once
		}
	}
	return true
}

// ReleaseIrrevocable releases the shared token, on commit or on an abort
// that happens while attempting to become irrevocable.
func (s *Slot) ReleaseIrrevocable() { s.table.irrevoc.Store(false) }

// IsIrrevocableHeld reports whether some context currently holds the
// irrevocability token. A writer calls this at WoBegin and spins if the
// token is held, per spec §4.7.
func (t *Table) IsIrrevocableHeld() bool { return t.irrevoc.Load() }

// Wait spins until the irrevocability token is free. Called by writers
// at the start of a write scope, before any orec is acquired.
func (t *Table) Wait() {
	for t.irrevoc.Load() {
		// spin; released on commit of the irrevocable writer
	}
}
