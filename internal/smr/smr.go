// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package smr implements timestamp-based safe memory reclamation (spec
// §4.6). Each engine context publishes the timestamp of its current
// operation while active, and clock.EndOfTime otherwise. Retiring a
// reclaimable only queues it; the object becomes eligible for destruction
// once every live context's published timestamp has advanced past the
// moment the object was retired, proving no optimistic reader can still
// hold a reference to it.
//
// The sweep loop below is grounded in the teacher's mvcc.GC: a ticker-
// driven background goroutine gated by an atomic stop flag and a
// WaitGroup, generalized from "trim obsolete MVCC versions" to "reclaim
// SMR-retired ownables of any kind."
package smr

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kianostad/ore/internal/clock"
)

// Reclaimable is anything the SMR subsystem can defer-destroy. Data
// structures implement Destroy to release whatever resources a node
// holds once it is provably unreachable by any optimistic reader.
type Reclaimable interface {
	Destroy()
}

// retired pairs a reclaimable with the timestamp at which it was retired.
type retired struct {
	obj Reclaimable
	ts  uint64
}

// Domain is the global, shared SMR state: the registry of participating
// contexts' published timestamps. One Domain is constructed per engine
// and shared by every Context the engine hands out, mirroring the
// teacher's epoch.Manager / mvcc.GC pairing in internal/core/db.go.
type Domain struct {
	clock   *clock.Clock
	mu      sync.Mutex
	members []*Context

	sweepEvery int
}

// NewDomain creates an SMR domain driven by clk. sweepEvery controls how
// many retirements a context moves into its unreachable queue between
// sweeps (the reference implementation's SWEEP_THRESHOLD); zero or a
// negative value selects the default of 1024. Every Exit moves the
// pending set into the queue; the sweep runs on the Exit that reaches
// the threshold.
func NewDomain(clk *clock.Clock, sweepEvery int) *Domain {
	if sweepEvery <= 0 {
		sweepEvery = 1024
	}
	return &Domain{clock: clk, sweepEvery: sweepEvery}
}

// NewContext registers a new per-goroutine SMR context with the domain.
// ts is the context's published operation timestamp — shared with, and
// written by, the owning engine context's epoch publication (the same
// field the spec's Data Model lists once per thread, not duplicated per
// subsystem). The domain only ever reads it.
func (d *Domain) NewContext(ts *atomic.Uint64) *Context {
	c := &Context{domain: d, ts: ts, exitsRemaining: d.sweepEvery}
	d.mu.Lock()
	d.members = append(d.members, c)
	d.mu.Unlock()
	return c
}

// minActive returns the minimum published timestamp across every member
// context, or clock.EndOfTime if none are active.
func (d *Domain) minActive() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	min := clock.EndOfTime
	for _, c := range d.members {
		if t := c.ts.Load(); t < min {
			min = t
		}
	}
	return min
}

// Context is a per-goroutine SMR participant. Obtain exactly one per
// engine context (see internal/engine) and reuse it across operations.
type Context struct {
	domain *Domain
	ts     *atomic.Uint64

	pending []Reclaimable

	mu             sync.Mutex
	unreachable    []retired
	exitsRemaining int
}

// Exit stamps and moves any pending retirements into the domain-visible
// unreachable queue, sweeping if the threshold has been reached. The
// caller is responsible for having already published clock.EndOfTime (or
// otherwise advanced) its shared timestamp before calling this. It
// reports whether a sweep ran and, if so, how many objects it reclaimed,
// so a caller wired to metrics can record the event.
func (c *Context) Exit() (swept bool, reclaimed int) {
	if len(c.pending) == 0 {
		return false, 0
	}
	ts := c.domain.clock.NowRelaxed()
	c.mu.Lock()
	for _, p := range c.pending {
		c.unreachable = append(c.unreachable, retired{obj: p, ts: ts})
	}
	c.exitsRemaining -= len(c.pending)
	c.pending = c.pending[:0]
	needSweep := c.exitsRemaining <= 0
	if needSweep {
		c.exitsRemaining = c.domain.sweepEvery
	}
	c.mu.Unlock()
	if needSweep {
		return true, c.Sweep()
	}
	return false, 0
}

// Retire schedules obj for reclamation once the enclosing scope commits
// and the resulting unreachability is provable. It does not destroy obj
// immediately: obj stays in the pending set until the next Exit.
func (c *Context) Retire(obj Reclaimable) {
	c.pending = append(c.pending, obj)
}

// Sweep destroys every retired object whose timestamp predates the
// oldest currently active operation in the domain, and returns how many
// it destroyed.
func (c *Context) Sweep() int {
	oldest := c.domain.minActive()
	c.mu.Lock()
	defer c.mu.Unlock()
	i := 0
	for ; i < len(c.unreachable); i++ {
		if c.unreachable[i].ts >= oldest {
			break
		}
		c.unreachable[i].obj.Destroy()
	}
	c.unreachable = c.unreachable[:copy(c.unreachable, c.unreachable[i:])]
	return i
}

// PendingCount reports objects retired but not yet moved to the
// unreachable queue (diagnostic, used by tests and metrics).
func (c *Context) PendingCount() int { return len(c.pending) }

// UnreachableCount reports objects in the unreachable queue, awaiting a
// sweep that finds them provably unreferenced (diagnostic).
func (c *Context) UnreachableCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.unreachable)
}

// Background runs periodic sweeps on behalf of a context that cannot
// reliably call Exit often enough on its own (e.g. a long-lived service
// goroutine), the same role the teacher's mvcc.GC plays relative to
// epoch.Manager. Stop must be called before the context is discarded.
type Background struct {
	ctx  *Context
	stop atomic.Bool
	wg   sync.WaitGroup
}

// NewBackground starts a ticker-driven sweeper for ctx, firing every
// interval.
func NewBackground(ctx *Context, interval time.Duration) *Background {
	b := &Background{ctx: ctx}
	b.wg.Add(1)
	go b.run(interval)
	return b
}

func (b *Background) run(interval time.Duration) {
	defer b.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for !b.stop.Load() {
		<-ticker.C
		b.ctx.Sweep()
	}
}

// Stop gracefully stops the background sweeper.
func (b *Background) Stop() {
	b.stop.Store(true)
	b.wg.Wait()
}
