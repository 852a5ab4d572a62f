// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package field implements Field[T], the typed wrapper data structures
// use so that every read or write of a shared location passes through
// orec-mediated synchronization instead of a bare memory access (spec
// §4.10). Four independent policies are provided — eager check-once,
// eager check-twice, lazy (redo), and write-back with early lock — each
// grounded on the corresponding field type in the reference
// implementation's hand-rolled field hierarchy.
//
// Where the reference implementation tags every record with an explicit
// byte width because C++ has no generic way to snapshot-and-restore an
// arbitrary scalar through a raw pointer, Field[T] uses Go's type
// parameters: T's size is known at compile time, so reading or writing
// the value's raw bytes for the undo/redo logs is a matter of
// dispatching once on unsafe.Sizeof(T), not threading a width parameter
// through every call site. T is constrained to the scalar kinds the
// engine's logs can represent in a single aligned word (see Scalar).
package field

import (
	"unsafe"

	"github.com/kianostad/ore/internal/clock"
	"github.com/kianostad/ore/internal/engine"
	"github.com/kianostad/ore/internal/orec"
	"github.com/kianostad/ore/internal/redo"
	"github.com/kianostad/ore/internal/undo"
)

// Scalar is the set of types a Field[T] may hold: anything whose
// in-memory representation fits in 1, 2, 4, or 8 bytes, matching the
// widths internal/undo and internal/redo natively support.
type Scalar interface {
	~bool | ~int8 | ~uint8 | ~int16 | ~uint16 |
		~int32 | ~uint32 | ~float32 |
		~int | ~int64 | ~uint64 | ~uintptr | ~float64
}

// Reader is the capability a field needs to perform a validated read: a
// bound engine context, a place to record the orec it observed, and a
// way to abort back to the enclosing guard's retry loop. *scope.ReadGuard
// and *scope.WriteGuard both satisfy this.
type Reader interface {
	Context() *engine.Context
	TrackRead(o *orec.Orec)
	Abort()
}

// Writer is the additional capability a field needs to perform a
// validated write: undo/redo logging and a deferred lockset, on top of
// everything Reader provides. *scope.WriteGuard satisfies this.
type Writer interface {
	Reader
	TrackLock(o *orec.Orec)
	Validate()
	Undo() *undo.Log
	Redo() *redo.Log
}

// Policy selects which of the four field disciplines a Field[T] uses.
// All fields of a single data structure must share one policy (spec
// §4.10).
type Policy int

const (
	// EagerCheckOnce performs encounter-time writes through the undo log
	// and validates each read against the orec exactly once.
	EagerCheckOnce Policy = iota
	// EagerCheckTwice is EagerCheckOnce's read path hardened against a
	// torn read that straddles a concurrent commit: it samples the orec
	// before and after the value read and requires both samples to agree.
	EagerCheckTwice
	// Lazy buffers writes in the redo log and defers orec acquisition to
	// commit time.
	Lazy
	// WriteBack buffers writes in the redo log like Lazy, but acquires
	// the orec immediately at set-time rather than deferring it.
	WriteBack
)

// Field is a single shared scalar location, accessible only through the
// policy-appropriate Get/Set pair. The zero value holds T's zero value
// under EagerCheckOnce; use New for any other policy or initial value.
type Field[T Scalar] struct {
	policy Policy
	val    T
}

// New creates a field holding val under the given policy.
func New[T Scalar](policy Policy, val T) *Field[T] {
	return &Field[T]{policy: policy, val: val}
}

// Get reads the field's value under a read scope (*scope.ReadGuard) or
// a write scope (*scope.WriteGuard) that has not yet acquired owner's
// orec, dispatching to the policy this field was constructed with.
func (f *Field[T]) Get(tx Reader, owner orec.Ownable) T {
	switch f.policy {
	case EagerCheckTwice:
		return f.getCheckTwice(tx, owner)
	case Lazy:
		return f.getLazy(tx, owner)
	case WriteBack:
		return f.getWriteBack(tx, owner)
	default:
		return f.getCheckOnce(tx, owner)
	}
}

// Set writes val to the field under a write scope, dispatching to the
// policy this field was constructed with. Set aborts tx (via Writer.Abort)
// rather than returning an error if the owner's orec cannot be acquired
// consistently.
func (f *Field[T]) Set(tx Writer, owner orec.Ownable, val T) {
	switch f.policy {
	case Lazy:
		f.setLazy(tx, owner, val)
	case WriteBack:
		f.setWriteBack(tx, owner, val)
	default:
		f.setEager(tx, owner, val)
	}
}

// GetMine reads the field's value when the caller already knows owner's
// orec is held by tx, skipping the validation that Get performs. Safe
// for the eager and write-back policies; for Lazy it is identical to Get
// since that policy never owns an orec before commit.
func (f *Field[T]) GetMine(tx Reader, owner orec.Ownable) T {
	if f.policy == Lazy {
		return f.Get(tx, owner)
	}
	if v, ok := f.redoLookup(tx); ok {
		return v
	}
	return f.safeRead()
}

// addr returns a pointer to this field's raw storage.
func (f *Field[T]) addr() unsafe.Pointer { return unsafe.Pointer(&f.val) }

func (f *Field[T]) redoLookup(tx Reader) (T, bool) {
	w, ok := tx.(Writer)
	if !ok {
		var zero T
		return zero, false
	}
	raw, ok := w.Redo().Get(f.addr(), int(unsafe.Sizeof(f.val)))
	if !ok {
		var zero T
		return zero, false
	}
	return valueFromRaw[T](raw), true
}

// getCheckOnce implements eager_c1_field::get: read the value, then
// check the orec once; log the read unless the caller already owns it.
func (f *Field[T]) getCheckOnce(tx Reader, owner orec.Ownable) T {
	o := owner.Orec()
	ctx := tx.Context()
	for {
		v := f.safeRead()
		ts, locked := ctx.CheckOrecLocked(o)
		if ts != clock.EndOfTime {
			if !locked {
				tx.TrackRead(o)
			}
			return v
		}
		if locked {
			tx.Abort()
		}
		f.extend(tx)
	}
}

// getCheckTwice implements eager_c2_field::get: sample the orec before
// and after reading the value, and require both samples to agree.
func (f *Field[T]) getCheckTwice(tx Reader, owner orec.Ownable) T {
	o := owner.Orec()
	ctx := tx.Context()
	for {
		pre, locked := ctx.CheckOrecLocked(o)
		v := f.safeRead()
		if locked && pre != clock.EndOfTime {
			return v // owned by the caller: no second check needed
		}
		post := ctx.CheckOrec(o)
		if pre == post && pre != clock.EndOfTime {
			tx.TrackRead(o)
			return v
		}
		if locked {
			tx.Abort()
		}
		f.extend(tx)
	}
}

// getLazy implements lazy_field::get: consult the redo log first, since
// this policy never touches memory directly until Writeback; otherwise
// read through to memory and validate, spinning (not aborting) while
// the owner is locked, since a lazy reader holds nothing that a
// concurrent committer could be blocked on.
func (f *Field[T]) getLazy(tx Reader, owner orec.Ownable) T {
	if v, ok := f.redoLookup(tx); ok {
		return v
	}
	o := owner.Orec()
	ctx := tx.Context()
	for {
		v := f.safeRead()
		ts, locked := ctx.CheckOrecLocked(o)
		if ts != clock.EndOfTime {
			if !locked {
				tx.TrackRead(o)
			}
			return v
		}
		for locked {
			_, locked = ctx.CheckOrecLocked(o)
		}
		f.extend(tx)
	}
}

// getWriteBack implements wb_c1_field::get: consult the redo log first
// (a write-back set buffers there immediately), otherwise read through
// to memory and validate once, aborting if another context holds the
// owner's orec.
func (f *Field[T]) getWriteBack(tx Reader, owner orec.Ownable) T {
	if v, ok := f.redoLookup(tx); ok {
		return v
	}
	o := owner.Orec()
	ctx := tx.Context()
	for {
		v := f.safeRead()
		ts, locked := ctx.CheckOrecLocked(o)
		if ts != clock.EndOfTime {
			if !locked {
				tx.TrackRead(o)
			}
			return v
		}
		if locked {
			tx.Abort()
		}
		f.extend(tx)
	}
}

// setEager implements eager_field_t::set: acquire the owner's orec
// consistently (aborting if another context holds it), log the old
// value for rollback, then store the new one.
func (f *Field[T]) setEager(tx Writer, owner orec.Ownable, val T) {
	o := owner.Orec()
	ctx := tx.Context()
	for {
		ok, locked := ctx.AcquireConsistentLocked(o)
		if ok {
			old := f.safeRead()
			tx.Undo().Push(func() { f.safeWrite(old) })
			f.safeWrite(val)
			return
		}
		if locked {
			tx.Abort()
		}
		f.extend(tx)
	}
}

// setLazy implements lazy_field::set: record the orec for acquisition
// at commit and buffer the write in the redo log; memory itself is
// never touched until Writeback.
func (f *Field[T]) setLazy(tx Writer, owner orec.Ownable, val T) {
	tx.TrackLock(owner.Orec())
	tx.Redo().Insert(f.addr(), int(unsafe.Sizeof(f.val)), rawFromValue(val))
}

// setWriteBack implements wb_field_t::set: buffer the write in the redo
// log immediately, then acquire the owner's orec right away rather than
// deferring it to commit.
func (f *Field[T]) setWriteBack(tx Writer, owner orec.Ownable, val T) {
	tx.Redo().Insert(f.addr(), int(unsafe.Sizeof(f.val)), rawFromValue(val))
	o := owner.Orec()
	ctx := tx.Context()
	for {
		ok, locked := ctx.AcquireConsistentLocked(o)
		if ok {
			return
		}
		if locked {
			tx.Abort()
		}
		f.extend(tx)
	}
}

// extend re-publishes tx's start_time so a retried check_orec can
// succeed against a newer snapshot, the "extend the validity range,
// then try again" step every policy's validation loop falls back on
// instead of discarding already-logged work. A write scope additionally
// re-validates everything already in its read-set against the new
// snapshot, aborting if anything changed; a read scope holds no locks
// and tracks nothing that needs re-validating, so bumping start_time is
// the whole story.
func (f *Field[T]) extend(tx Reader) {
	ctx := tx.Context()
	if w, ok := tx.(Writer); ok {
		ctx.WoBegin()
		w.Validate()
		return
	}
	ctx.RoBegin()
}

// safeRead loads the field's current value with at least the ordering
// the engine's orec protocol requires: acquire on 4- and 8-byte values
// (which sync/atomic supports directly) and a plain load on 1- and
// 2-byte values, relying on the same natural-alignment indivisibility
// argument internal/redo's writeback already depends on.
func (f *Field[T]) safeRead() T { return valueFromRaw[T](loadRaw(f.addr(), unsafe.Sizeof(f.val))) }

// safeWrite stores val with the same ordering guarantee as safeRead.
func (f *Field[T]) safeWrite(val T) { storeRaw(f.addr(), unsafe.Sizeof(f.val), rawFromValue(val)) }
