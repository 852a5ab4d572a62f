// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package scope implements the RAII-style guard objects data structures
// and callers use to open and close engine operations (spec §4.8): a read
// guard brackets a read-only operation, a write guard brackets a
// transactional read/write operation with full undo/redo logging and a
// retry loop, and the step guards bracket a single low-level orec
// operation with no logging at all, for step-mode data structures.
//
// Go has no setjmp/longjmp, so where the reference implementation's write
// guard aborts by jumping to a register checkpoint captured at
// construction, WriteGuard.Do instead runs the transaction body under a
// recover() that catches a private abort signal raised by Abort, however
// deep in the call stack it was raised, and retries the whole closure.
// This is the same "abort unwinds to a checkpoint, then retries" contract
// expressed with Go's own non-local control-flow primitive.
package scope

import (
	"time"

	"github.com/kianostad/ore/internal/clock"
	"github.com/kianostad/ore/internal/contention"
	"github.com/kianostad/ore/internal/engine"
	"github.com/kianostad/ore/internal/monitoring/metrics"
	"github.com/kianostad/ore/internal/orec"
	"github.com/kianostad/ore/internal/redo"
	"github.com/kianostad/ore/internal/smr"
	"github.com/kianostad/ore/internal/undo"
)

// metricsOf returns ctx's engine-wide metrics sink, or nil if the caller
// never opted in. Every Record call in this file is guarded by a nil
// check against this, so metrics wiring costs nothing when unused.
func metricsOf(ctx *engine.Context) *metrics.Metrics { return ctx.Engine().Metrics }

// abortSignal is the private panic payload WriteGuard.Abort and
// ReadGuard.Abort raise. Only runProtected, which both Do methods use,
// distinguishes it from a genuine panic, which is always re-raised.
type abortSignal struct{}

// ReadGuard brackets a read-only transactional operation: it opens a
// read scope at construction and must be closed exactly once. Step-mode
// readers use StepRead instead, which carries no read-set.
//
// A read-only operation can still observe a torn snapshot if a writer
// commits midway through it; ReadGuard.Do extends the same abort/retry
// contract WriteGuard.Do gives writers, so a field's validation loop
// behaves identically regardless of which guard is driving it.
type ReadGuard struct {
	ctx     *engine.Context
	readset []*orec.Orec
	started time.Time
	inDo    bool
}

// NewReadGuard opens a read scope on ctx.
func NewReadGuard(ctx *engine.Context) *ReadGuard {
	ctx.RoBegin()
	return &ReadGuard{ctx: ctx, started: time.Now()}
}

// Context returns the engine context this guard is bracketing.
func (g *ReadGuard) Context() *engine.Context { return g.ctx }

// TrackRead records o as having been consistently observed during this
// scope. Fields call this; the list is cleared by Close and by each Do
// attempt, and nothing else in this package reads it.
func (g *ReadGuard) TrackRead(o *orec.Orec) { g.readset = append(g.readset, o) }

// Abort unwinds the in-progress read back to Do's retry loop. Outside Do
// — the common case documented for a single Get call, which owns no
// retry loop of its own to unwind to — Abort instead returns without
// panicking, leaving the caller's own field-policy loop to notice the
// contended orec is still locked and spin past it, exactly as StepRead's
// callers do. A guard is only ever running under Do for the duration of
// that call, so this never misfires on a genuine Do-driven retry.
func (g *ReadGuard) Abort() {
	if !g.inDo {
		return
	}
	panic(abortSignal{})
}

// Close ends the read scope.
func (g *ReadGuard) Close() {
	g.ctx.RoEnd()
	g.readset = g.readset[:0]
	if m := metricsOf(g.ctx); m != nil {
		m.RecordRead(time.Since(g.started))
	}
}

// Do runs fn as a read-only operation, retrying from the top if fn calls
// Abort (a field failed to extend its validity range). Unlike
// WriteGuard.Do there is nothing to roll back — a read scope never holds
// an orec — so retrying is simply re-opening the scope and running fn
// again.
func (g *ReadGuard) Do(fn func(*ReadGuard) error) error {
	start := time.Now()
	m := metricsOf(g.ctx)
	g.inDo = true
	defer func() { g.inDo = false }()
	for {
		g.ctx.RoBegin()
		aborted, err := runProtected(func() error { return fn(g) })
		g.ctx.RoEnd()
		g.readset = g.readset[:0]
		if aborted {
			if m != nil {
				m.RecordAbort()
			}
			continue
		}
		if m != nil {
			m.RecordRead(time.Since(start))
		}
		return err
	}
}

// StepRead brackets a single step-mode read: a bare ro_begin/ro_end pair
// with no log bookkeeping at all, for data structures that manage their
// own validation inline (spec §4.8).
type StepRead struct {
	ctx     *engine.Context
	started time.Time
}

// NewStepRead opens a step-mode read scope on ctx.
func NewStepRead(ctx *engine.Context) *StepRead {
	ctx.RoBegin()
	return &StepRead{ctx: ctx, started: time.Now()}
}

// Context returns the engine context this guard is bracketing.
func (g *StepRead) Context() *engine.Context { return g.ctx }

// Close ends the step-mode read scope.
func (g *StepRead) Close() {
	g.ctx.RoEnd()
	if m := metricsOf(g.ctx); m != nil {
		m.RecordStepRead(time.Since(g.started))
	}
}

// StepWrite brackets a single step-mode write: the caller acquires and
// releases orecs itself through Context, with no log bookkeeping.
type StepWrite struct {
	ctx     *engine.Context
	started time.Time
}

// NewStepWrite opens a step-mode write scope on ctx.
func NewStepWrite(ctx *engine.Context) *StepWrite {
	ctx.WoBegin()
	return &StepWrite{ctx: ctx, started: time.Now()}
}

// Context returns the engine context this guard is bracketing.
func (g *StepWrite) Context() *engine.Context { return g.ctx }

// Commit releases every orec this scope acquired at a fresh commit
// timestamp.
func (g *StepWrite) Commit() {
	g.ctx.WoEnd()
	if m := metricsOf(g.ctx); m != nil {
		m.RecordStepWrite(time.Since(g.started))
	}
}

// Abort releases every orec this scope acquired, bumping each past its
// pre-acquisition value rather than restoring it exactly — required so a
// concurrent check-twice reader that sampled the orec around the
// transient write can't see a stable pre==post pair and mistake the
// rolled-back value for a committed one.
func (g *StepWrite) Abort() {
	g.ctx.Unwind(engine.Bump)
	if m := metricsOf(g.ctx); m != nil {
		m.RecordAbort()
	}
}

// WriteGuard brackets a full transactional write operation: undo and
// redo logging, a read-set and a lazy lockset, speculative retirements,
// deferred commit hooks, and the abort/retry loop that drives all of it.
// Callers do not construct a WriteGuard directly; they call Do, which
// owns the entire begin/retry/commit lifecycle.
type WriteGuard struct {
	ctx *engine.Context
	cm  contention.Manager

	undo *undo.Log
	redo *redo.Log

	readset []*orec.Orec
	lockset []*orec.Orec

	retires  []smr.Reclaimable
	onCommit []func()
}

// NewWriteGuard creates a reusable write-guard driver for ctx. One
// WriteGuard may run many transactions sequentially on the same
// goroutine; it is not safe for concurrent use.
func NewWriteGuard(ctx *engine.Context, cm contention.Manager) *WriteGuard {
	if cm == nil {
		cm = contention.NewBackoff(0, 0)
	}
	return &WriteGuard{
		ctx:  ctx,
		cm:   cm,
		undo: undo.NewLog(),
		redo: redo.NewLog(),
	}
}

// Context returns the engine context this guard drives.
func (g *WriteGuard) Context() *engine.Context { return g.ctx }

// Undo returns this scope's undo log, used by eager field policies.
func (g *WriteGuard) Undo() *undo.Log { return g.undo }

// Redo returns this scope's redo log, used by lazy and write-back field
// policies.
func (g *WriteGuard) Redo() *redo.Log { return g.redo }

// TrackRead records o as consistently observed this scope, to be
// revalidated at commit.
func (g *WriteGuard) TrackRead(o *orec.Orec) { g.readset = append(g.readset, o) }

// TrackLock records o as needing acquisition at commit time (the lazy
// field policy's deferred lock), rather than acquiring it immediately.
func (g *WriteGuard) TrackLock(o *orec.Orec) { g.lockset = append(g.lockset, o) }

// Retire schedules obj for SMR reclamation if this transaction commits.
// If it aborts, the call is simply discarded along with the rest of the
// scope's state — nothing further to undo, since obj was never actually
// unreachable from any reader's perspective until a successful commit.
func (g *WriteGuard) Retire(obj smr.Reclaimable) { g.retires = append(g.retires, obj) }

// OnCommit registers fn to run once this transaction has committed.
// Discarded without running if the transaction aborts.
func (g *WriteGuard) OnCommit(fn func()) { g.onCommit = append(g.onCommit, fn) }

// Inherit validates a step-mode observation of o at version against this
// scope's current snapshot and, if still consistent, folds o into the
// read-set — the hybrid continuation contract of spec §4.9. It returns
// false (without aborting) if the observation is stale; callers that
// cannot proceed without it should call Abort.
func (g *WriteGuard) Inherit(o *orec.Orec, version uint64) bool {
	if !g.ctx.CheckContinuation(o, version) {
		return false
	}
	g.TrackRead(o)
	return true
}

// Abort unwinds the in-progress transaction body back to Do's retry
// loop, however deep in the call stack it is invoked. It never returns.
func (g *WriteGuard) Abort() { panic(abortSignal{}) }

// Validate re-checks every orec recorded in the read-set against the
// scope's current start_time, extending the scope's validity range. It
// is the analogue of the reference implementation's post-wo_begin
// revalidation, used when a field needs to retry past a stale snapshot
// without discarding work already logged. It calls Abort if any entry
// has changed.
func (g *WriteGuard) Validate() {
	for _, o := range g.readset {
		if g.ctx.CheckOrec(o) == clock.EndOfTime {
			g.Abort()
		}
	}
	if m := metricsOf(g.ctx); m != nil {
		m.RecordExtension()
	}
}

// Do runs fn as a transaction: it opens a write scope, runs fn under
// abort-recovery, and on a clean return attempts to commit; a failed
// validation or an explicit Abort call causes it to roll back and retry
// the entire closure from the top. fn must be idempotent with respect to
// anything outside the engine's own state, since it may run more than
// once.
func (g *WriteGuard) Do(fn func(*WriteGuard) error) error {
	start := time.Now()
	m := metricsOf(g.ctx)
	for {
		if g.cm.BeforeBegin() && g.ctx.BecomeIrrevocable() {
			err := g.runIrrevocable(fn)
			if m != nil {
				m.RecordWrite(time.Since(start))
			}
			return err
		}

		g.ctx.WoBegin()
		aborted, err := runProtected(func() error { return fn(g) })

		switch {
		case aborted:
			g.rollback()
			g.cm.AfterAbort()
			if m != nil {
				m.RecordAbort()
			}
			continue
		case err != nil:
			g.rollback()
			return err
		case g.commit():
			g.cm.AfterCommit()
			if m != nil {
				m.RecordWrite(time.Since(start))
			}
			return nil
		default:
			g.rollback()
			g.cm.AfterAbort()
			if m != nil {
				m.RecordAbort()
			}
		}
	}
}

// runProtected runs fn, translating a panicked Abort into aborted=true
// and re-raising any other panic unchanged. Shared by ReadGuard.Do and
// WriteGuard.Do.
func runProtected(fn func() error) (aborted bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(abortSignal); ok {
				aborted = true
				return
			}
			panic(r)
		}
	}()
	err = fn()
	return false, err
}

// runIrrevocable runs fn once, outside all orec instrumentation, while
// holding the engine-wide irrevocability token. An irrevocable
// transaction cannot itself be aborted by contention, since nothing else
// can be running concurrently, so fn's returned error is simply
// propagated.
func (g *WriteGuard) runIrrevocable(fn func(*WriteGuard) error) error {
	defer g.ctx.ReleaseIrrevocable()
	if m := metricsOf(g.ctx); m != nil {
		m.RecordIrrevocable()
	}
	err := fn(g)
	for _, hook := range g.onCommit {
		hook()
	}
	g.clear()
	g.cm.AfterCommit()
	return err
}

// commit implements spec §4.8's write-guard destructor: acquire any
// orecs still only recorded in the lazy lockset, validate the read-set,
// write back the redo log, release every held orec at a fresh commit
// timestamp, retire frees through SMR, quiesce, and run commit hooks.
// It returns false (having acquired nothing further) if validation
// fails at any point, leaving rollback to the caller.
func (g *WriteGuard) commit() bool {
	for _, o := range g.lockset {
		if !g.ctx.AcquireConsistent(o) {
			return false
		}
	}
	for _, o := range g.readset {
		if g.ctx.CheckOrec(o) == clock.EndOfTime {
			return false
		}
	}

	g.redo.Writeback()
	g.ctx.WoEnd()
	commitTS := g.ctx.LastWoEndTime()

	smrCtx := g.ctx.SMR()
	for _, obj := range g.retires {
		smrCtx.Retire(obj)
	}
	if swept, reclaimed := smrCtx.Exit(); swept {
		if m := metricsOf(g.ctx); m != nil {
			m.RecordSweep(reclaimed)
		}
	}
	g.ctx.Quiesce(commitTS)

	for _, hook := range g.onCommit {
		hook()
	}
	g.clear()
	return true
}

// rollback undoes every logged write and releases acquired orecs,
// bumping each past its pre-acquisition value instead of restoring it
// exactly (spec's "check-once requires orec bumps on abort"): a plain
// restore would leave the orec at the exact timestamp a concurrent
// check-twice reader sampled before and after the now-undone write,
// letting it accept the transient, never-committed value as valid.
func (g *WriteGuard) rollback() {
	g.undo.Undo()
	g.ctx.Unwind(engine.Bump)
	g.clear()
}

func (g *WriteGuard) clear() {
	g.undo.Clear()
	g.redo.Clear()
	g.readset = g.readset[:0]
	g.lockset = g.lockset[:0]
	g.retires = g.retires[:0]
	g.onCommit = g.onCommit[:0]
}
