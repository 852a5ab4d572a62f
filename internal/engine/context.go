// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package engine implements the ORE engine itself: the per-goroutine
// Context that every scope, field, and data structure in this module
// ultimately drives (spec §4.3). A Context owns exactly the state the
// spec's Data Model lists once per thread — start_time, my_lock, the
// acquired-orec lockset, last_wo_end_time, and unwound — and nothing
// else; undo/redo logging, read-set bookkeeping, and commit-hook
// machinery live one layer up, in internal/scope.
package engine

import (
	"sync/atomic"

	"github.com/kianostad/ore/internal/clock"
	"github.com/kianostad/ore/internal/epoch"
	"github.com/kianostad/ore/internal/monitoring/metrics"
	"github.com/kianostad/ore/internal/orec"
	"github.com/kianostad/ore/internal/smr"
)

// UnwindKind selects how Unwind releases the orecs a context holds.
type UnwindKind int

const (
	// Rollback restores each acquired orec to the value it held before
	// this scope's acquisition, as if the scope had never run.
	Rollback UnwindKind = iota
	// Bump restores each acquired orec to prev+1, guaranteeing a version
	// change even though no write was actually written back — used when
	// a scope must be visibly retried rather than invisibly undone.
	Bump
)

// defaultStripeOrecs is the stripe table size a plain New selects,
// matching the reference implementation's NUM_ORECS default.
const defaultStripeOrecs = 1 << 20

// Engine is the shared state every Context is drawn from: the epoch
// table and SMR domain are process-wide singletons, one per constructed
// Engine, matching spec §5's "the engine owns the orec table and the
// epoch table."
type Engine struct {
	Clock   *clock.Clock
	Epoch   *epoch.Table
	SMR     *smr.Domain
	Stripes *orec.StripeTable

	// Metrics, if non-nil, receives scope latency, contention, and
	// reclamation events from every Context this Engine hands out.
	// Nil by default; assign it after New to opt in, mirroring how the
	// teacher's core.DB wires an optional *metrics.Metrics into its
	// operations rather than forcing every caller to carry one.
	Metrics *metrics.Metrics

	nextID atomic.Uint64
}

// New creates an Engine. sweepEvery configures the SMR domain's sweep
// threshold (see internal/smr.NewDomain); zero selects its default. The
// stripe table defaults to defaultStripeOrecs entries; use NewWithStripes
// to override it.
func New(sweepEvery int) *Engine {
	return NewWithStripes(sweepEvery, defaultStripeOrecs)
}

// NewWithStripes is New but with an explicit stripe table size, for
// callers whose ownables share the fixed-size striped orec policy
// (orec.Striped) rather than embedding their own (orec.Embedded).
// stripeOrecs must be a power of two; zero selects defaultStripeOrecs.
func NewWithStripes(sweepEvery int, stripeOrecs uint64) *Engine {
	if stripeOrecs == 0 {
		stripeOrecs = defaultStripeOrecs
	}
	clk := clock.New()
	return &Engine{
		Clock:   clk,
		Epoch:   epoch.NewTable(),
		SMR:     smr.NewDomain(clk, sweepEvery),
		Stripes: orec.NewStripeTable(stripeOrecs),
	}
}

// Context is a single goroutine's binding to an Engine: the low-level
// orec acquisition primitives of spec §4.3. Exactly one Context is
// created per goroutine that uses the engine and reused across every
// scope that goroutine opens.
type Context struct {
	eng *Engine

	startTime atomic.Uint64
	myLock    uint64

	locks         []*orec.Orec
	lastWoEndTime uint64
	unwound       bool

	slot   *epoch.Slot
	smrCtx *smr.Context
}

// NewContext binds a new per-goroutine Context to eng. The context's
// lock word is built from the next value of the engine's nextID counter,
// so it is unique among every context this Engine hands out.
func (e *Engine) NewContext() *Context {
	c := &Context{eng: e}
	c.startTime.Store(clock.EndOfTime)
	c.myLock = orec.MakeLockWord(e.nextID.Add(1))
	c.slot = e.Epoch.NewSlot(&c.startTime)
	c.smrCtx = e.SMR.NewContext(&c.startTime)
	return c
}

// Engine returns the Engine this context is bound to.
func (c *Context) Engine() *Engine { return c.eng }

// SMR returns this context's SMR participant, used by data structures to
// retire nodes once they are spliced out of a structure.
func (c *Context) SMR() *smr.Context { return c.smrCtx }

// Unwound reports whether the most recent scope on this context ended in
// Unwind rather than a clean wo_end.
func (c *Context) Unwound() bool { return c.unwound }

// LastWoEndTime returns the clock reading taken at the most recent clean
// wo_end, the commit timestamp a write scope's caller linearizes at.
func (c *Context) LastWoEndTime() uint64 { return c.lastWoEndTime }

// RoBegin opens a read scope: publishes start_time so every orec load
// this goroutine performs from here on sees a coherent snapshot
// boundary, and so SMR and the epoch table know this goroutine may hold
// references as of that moment.
func (c *Context) RoBegin() {
	c.startTime.Store(c.eng.Clock.NowRelaxed())
}

// RoEnd closes a read scope: publishes clock.EndOfTime so other
// goroutines' SMR sweeps and quiescence waits see this context as idle.
func (c *Context) RoEnd() {
	c.startTime.Store(clock.EndOfTime)
}

// WoBegin opens a write scope: like RoBegin, and clears unwound. Spins
// until any held irrevocability token is released, per spec §4.7 —
// a writer never begins instrumented acquisition while another context
// is irrevocable.
func (c *Context) WoBegin() {
	c.eng.Epoch.Wait()
	c.startTime.Store(c.eng.Clock.NowRelaxed())
	c.unwound = false
}

// WoEnd closes a write scope. If the scope was unwound, it only clears
// the flag — the orecs were already released by Unwind. Otherwise it
// publishes idle, reads the commit timestamp, and releases every
// acquired orec to that timestamp; the clock read before the release
// stores is the write scope's linearization point (spec §5).
func (c *Context) WoEnd() {
	if c.unwound {
		c.unwound = false
		return
	}
	c.startTime.Store(clock.EndOfTime)
	c.lastWoEndTime = c.eng.Clock.NowRelaxed()
	for _, o := range c.locks {
		o.Release(c.lastWoEndTime)
	}
	c.locks = c.locks[:0]
}

// CheckOrec returns o's current timestamp if it is visible to this
// context's snapshot — either unlocked with curr <= start_time, or
// locked by this very context — and clock.EndOfTime otherwise.
func (c *Context) CheckOrec(o *orec.Orec) uint64 {
	v, _ := c.CheckOrecLocked(o)
	return v
}

// CheckOrecLocked is CheckOrec's two-value form: it additionally reports
// whether o is currently locked (by this context or another).
func (c *Context) CheckOrecLocked(o *orec.Orec) (timestamp uint64, locked bool) {
	v := o.Load()
	if v == c.myLock || (!orec.IsLocked(v) && v <= c.startTime.Load()) {
		return v, orec.IsLocked(v)
	}
	return clock.EndOfTime, orec.IsLocked(v)
}

// CheckContinuation reports whether o's current value is no newer than
// the previously observed version v, the test a hybrid write scope uses
// to validate an inherited step-mode read (spec §4.9).
func (c *Context) CheckContinuation(o *orec.Orec, v uint64) bool {
	ok, _ := c.CheckContinuationLocked(o, v)
	return ok
}

// CheckContinuationLocked is CheckContinuation's two-value form: it also
// reports whether o is currently locked by this context.
func (c *Context) CheckContinuationLocked(o *orec.Orec, v uint64) (ok bool, mine bool) {
	w := o.Load()
	return w <= v, w == c.myLock
}

// AcquireConsistent acquires o for writing, enforcing that o has not
// changed since start_time. If this context already owns o it succeeds
// immediately. Otherwise it fails (without blocking) if o is newer than
// start_time or owned by another context.
func (c *Context) AcquireConsistent(o *orec.Orec) bool {
	ok, _ := c.AcquireConsistentLocked(o)
	return ok
}

// AcquireConsistentLocked is AcquireConsistent's two-value form: lockedByOther
// reports whether the failure was caused specifically by another context
// already holding o, as opposed to o simply being too new.
func (c *Context) AcquireConsistentLocked(o *orec.Orec) (ok bool, lockedByOther bool) {
	v := o.Load()
	if v == c.myLock {
		return true, false
	}
	if orec.IsLocked(v) {
		return false, true
	}
	if v > c.startTime.Load() {
		return false, false
	}
	if !o.CompareAndSwap(v, c.myLock) {
		return false, orec.IsLocked(o.Load())
	}
	o.SetPrev(v)
	c.locks = append(c.locks, o)
	return true, false
}

// AcquireContinuation is AcquireConsistent but bounds against the
// caller-supplied version v instead of start_time, chaining a writer's
// acquisition onto a previously observed read (spec §4.3, §4.9).
func (c *Context) AcquireContinuation(o *orec.Orec, v uint64) bool {
	if o.Load() == c.myLock {
		return true
	}
	cur := o.Load()
	if orec.IsLocked(cur) || cur > v {
		return false
	}
	if !o.CompareAndSwap(cur, c.myLock) {
		return false
	}
	o.SetPrev(cur)
	c.locks = append(c.locks, o)
	return true
}

// AcquireAggressive acquires o without checking any timestamp: it
// succeeds iff o is currently unlocked or already owned by this context.
// Used by data structures (e.g. a structural splice) that have already
// established, by other means, that o's value is irrelevant.
func (c *Context) AcquireAggressive(o *orec.Orec) bool {
	v := o.Load()
	if v == c.myLock {
		return true
	}
	if orec.IsLocked(v) {
		return false
	}
	if !o.CompareAndSwap(v, c.myLock) {
		return false
	}
	o.SetPrev(v)
	c.locks = append(c.locks, o)
	return true
}

// Unwind releases every orec this context holds and marks the scope
// unwound, so a subsequent WoEnd is a no-op. how selects whether
// released orecs roll back to their pre-acquisition value (Rollback) or
// advance past it (Bump), per spec §4.3.
func (c *Context) Unwind(how UnwindKind) {
	c.startTime.Store(clock.EndOfTime)
	for _, o := range c.locks {
		switch how {
		case Bump:
			o.Release(o.Prev() + 1)
		default:
			o.Release(o.Prev())
		}
	}
	c.locks = c.locks[:0]
	c.unwound = true
}

// Quiesce blocks until every other context's published start time
// exceeds commitTS, the precondition for finalizing memory that was
// logically freed before commit (spec §4.7).
func (c *Context) Quiesce(commitTS uint64) { c.slot.Quiesce(commitTS) }

// BecomeIrrevocable attempts to claim the engine-wide irrevocability
// token. On success the caller may read and write without orec
// acquisition until it calls ReleaseIrrevocable.
func (c *Context) BecomeIrrevocable() bool { return c.slot.TryIrrevocable() }

// ReleaseIrrevocable releases the irrevocability token this context is
// assumed to hold.
func (c *Context) ReleaseIrrevocable() { c.slot.ReleaseIrrevocable() }

// IsIrrevocableHeld reports whether some context currently holds the
// irrevocability token.
func (c *Context) IsIrrevocableHeld() bool { return c.eng.Epoch.IsIrrevocableHeld() }

// StartTime returns this context's currently published start time
// (clock.EndOfTime if idle).
func (c *Context) StartTime() uint64 { return c.startTime.Load() }

// LockWord returns this context's unique lock word, the value any orec
// this context owns will read as.
func (c *Context) LockWord() uint64 { return c.myLock }

// OrecFor returns obj's orec under this engine's shared stripe table.
// Use this for ownables that cannot embed their own orec.Embedded — a
// type defined outside this module, or one instantiated too often to
// afford a per-instance lock word — accepting the false-conflict risk
// two colliding ownables share, per spec §4.2's striped policy.
func (c *Context) OrecFor(obj any) *orec.Orec { return c.eng.Stripes.OrecFor(obj) }
