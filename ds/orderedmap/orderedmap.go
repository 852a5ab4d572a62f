// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package orderedmap implements the doubly-linked ordered map that spec
// §4.11 catalogues as the engine's illustrative data structure: a sorted
// singly-ordered chain of nodes, each owning its own orec, spliced under
// a write scope that acquires the predecessor and successor in list
// order. Get accepts either a step-mode or a fully transactional read
// scope, matching the contract's "the caller uses a read scope (step or
// transactional)."
package orderedmap

import (
	"sync/atomic"

	"github.com/kianostad/ore/internal/clock"
	"github.com/kianostad/ore/internal/contention"
	"github.com/kianostad/ore/internal/engine"
	"github.com/kianostad/ore/internal/orec"
	"github.com/kianostad/ore/internal/pool"
	"github.com/kianostad/ore/internal/scope"
)

// Reader is the minimal capability Get needs: a bound context. Both
// *scope.ReadGuard and *scope.StepRead satisfy it; *scope.WriteGuard
// does too, so a transaction may read the map mid-flight. A Reader that
// additionally implements tracker and aborter (a ReadGuard or
// WriteGuard, but not a bare StepRead) gets its reads folded into a
// read-set and can be retried by panic-unwind; a bare StepRead instead
// spins past a locked node, since step mode carries no retry loop of its
// own to unwind to.
type Reader interface {
	Context() *engine.Context
}

type tracker interface {
	TrackRead(*orec.Orec)
}

type aborter interface {
	Abort()
}

// nodeKind distinguishes the two sentinels from an ordinary keyed node.
// The head sentinel compares before every key; the tail sentinel compares
// after every key; neither is ever returned by Get.
type nodeKind uint8

const (
	dataNode nodeKind = iota
	headSentinel
	tailSentinel
)

type node[K Ordered, V any] struct {
	orec.Embedded
	kind nodeKind
	key  K
	val  atomic.Pointer[V]
	next atomic.Pointer[node[K, V]]
	prev atomic.Pointer[node[K, V]]
}

// Ordered is the key constraint: anything the < operator compares
// directly, matching the contract's "largest keyed node ≤ k" predecessor
// query.
type Ordered interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr |
		~float32 | ~float64 | ~string
}

// before reports whether n's key sorts strictly before k, treating the
// head sentinel as smaller than every key and the tail sentinel as
// larger than every key.
func (n *node[K, V]) before(k K) bool {
	switch n.kind {
	case headSentinel:
		return true
	case tailSentinel:
		return false
	default:
		return n.key < k
	}
}

// Map is a sorted chain of nodes bracketed by a head and tail sentinel.
// The zero value is not usable; construct with New.
type Map[K Ordered, V any] struct {
	head *node[K, V]
	tail *node[K, V]
	pool *pool.Pool[node[K, V]]
}

// New creates an empty ordered map.
func New[K Ordered, V any]() *Map[K, V] {
	head := &node[K, V]{kind: headSentinel}
	tail := &node[K, V]{kind: tailSentinel}
	head.next.Store(tail)
	tail.prev.Store(head)
	return &Map[K, V]{
		head: head,
		tail: tail,
		pool: pool.New(func() *node[K, V] { return &node[K, V]{} }, resetNode[K, V]),
	}
}

// resetNode restores a recycled node to the state New's allocator would
// have produced, so a pooled node coming back out of Get is
// indistinguishable from a freshly allocated one.
func resetNode[K Ordered, V any](n *node[K, V]) {
	n.Embedded = orec.Embedded{}
	var zeroKey K
	n.kind = dataNode
	n.key = zeroKey
	n.val.Store(nil)
	n.next.Store(nil)
	n.prev.Store(nil)
}

// retiredNode adapts a spliced-out node and the pool it was allocated
// from into an smr.Reclaimable: once SMR proves no optimistic reader can
// still observe the node, Destroy returns it to the pool instead of
// abandoning it to the garbage collector, the same allocation-reuse role
// the teacher's mvcc.VersionPool plays for its own per-key records.
type retiredNode[K Ordered, V any] struct {
	n    *node[K, V]
	pool *pool.Pool[node[K, V]]
}

func (r retiredNode[K, V]) Destroy() { r.pool.Put(r.n) }

// findPredecessor returns the largest node whose key is strictly less
// than k (the head sentinel if none exists). Pointer traversal needs no
// orec validation of its own: the nodes it passes through remain valid
// map structure regardless of any concurrent splice elsewhere in the
// chain, and the caller validates whatever node it ultimately acts on.
func (m *Map[K, V]) findPredecessor(k K) *node[K, V] {
	pred := m.head
	for {
		next := pred.next.Load()
		if next.before(k) {
			pred = next
			continue
		}
		return pred
	}
}

// Get looks up k under r, a step-mode or transactional read scope. It
// returns the value and true if present.
func (m *Map[K, V]) Get(r Reader, k K) (V, bool) {
	for {
		pred := m.findPredecessor(k)
		succ := pred.next.Load()
		if succ.kind != dataNode || succ.key != k {
			var zero V
			return zero, false
		}
		v, ok, retry := m.readValue(r, succ)
		if !retry {
			return v, ok
		}
	}
}

// readValue implements the same eager check-once discipline
// internal/field uses for a scalar Field, generalized to a boxed,
// pointer-sized value slot: load the value, then check the orec once.
// retry is true when the caller should re-run the whole lookup (the node
// was concurrently locked and this scope could not inherit it).
func (m *Map[K, V]) readValue(r Reader, n *node[K, V]) (v V, ok bool, retry bool) {
	ctx := r.Context()
	o := n.Orec()
	vp := n.val.Load()
	ts, locked := ctx.CheckOrecLocked(o)
	if ts == clock.EndOfTime {
		if locked {
			if a, isAborter := r.(aborter); isAborter {
				a.Abort()
			}
			for {
				if _, stillLocked := ctx.CheckOrecLocked(o); !stillLocked {
					break
				}
			}
		}
		ctx.RoBegin()
		return v, false, true
	}
	if !locked {
		if t, isTracker := r.(tracker); isTracker {
			t.TrackRead(o)
		}
	}
	if vp == nil {
		return v, false, false
	}
	return *vp, true, false
}

// Insert adds k/v if k is absent and reports whether it did. cm may be
// nil to use the engine's default backoff manager.
func (m *Map[K, V]) Insert(ctx *engine.Context, cm contention.Manager, k K, v V) bool {
	g := scope.NewWriteGuard(ctx, cm)
	var inserted bool
	_ = g.Do(func(tx *scope.WriteGuard) error {
		inserted = m.insertOnce(tx, k, v)
		return nil
	})
	return inserted
}

// insertOnce checks presence with a plain, unacquired read of pred's
// successor before touching any orec: a match returns false with no
// acquisition, satisfying the write-free-on-found contract. Any concurrent
// splice landing between that read and the acquire below has already bumped
// pred's orec, so AcquireConsistent catches it and aborts the retry.
func (m *Map[K, V]) insertOnce(tx *scope.WriteGuard, k K, v V) bool {
	ctx := tx.Context()
	pred := m.findPredecessor(k)
	if succ := pred.next.Load(); succ.kind == dataNode && succ.key == k {
		return false
	}

	if !ctx.AcquireConsistent(pred.Orec()) {
		tx.Abort()
	}
	succ := pred.next.Load()
	if !ctx.AcquireConsistent(succ.Orec()) {
		tx.Abort()
	}

	n := m.pool.Get()
	n.key = k
	n.val.Store(&v)
	n.next.Store(succ)
	n.prev.Store(pred)
	pred.next.Store(n)
	succ.prev.Store(n)
	return true
}

// Remove deletes k if present and reports whether it did.
func (m *Map[K, V]) Remove(ctx *engine.Context, cm contention.Manager, k K) bool {
	g := scope.NewWriteGuard(ctx, cm)
	var removed bool
	_ = g.Do(func(tx *scope.WriteGuard) error {
		removed = m.removeOnce(tx, k)
		return nil
	})
	return removed
}

// removeOnce checks presence with a plain, unacquired read before acquiring
// anything, so the not-found path returns false with zero orec writes. Once
// presence is confirmed it acquires the predecessor, the target node, and
// the target's successor in list order — left to right, the same order
// findPredecessor walks in — before splicing, so two concurrent removals
// anywhere in the chain can never form a lock-acquisition cycle.
func (m *Map[K, V]) removeOnce(tx *scope.WriteGuard, k K) bool {
	ctx := tx.Context()
	pred := m.findPredecessor(k)
	if target := pred.next.Load(); target.kind != dataNode || target.key != k {
		return false
	}

	if !ctx.AcquireConsistent(pred.Orec()) {
		tx.Abort()
	}
	target := pred.next.Load()
	if !ctx.AcquireConsistent(target.Orec()) {
		tx.Abort()
	}
	after := target.next.Load()
	if !ctx.AcquireConsistent(after.Orec()) {
		tx.Abort()
	}

	pred.next.Store(after)
	after.prev.Store(pred)
	tx.Retire(retiredNode[K, V]{n: target, pool: m.pool})
	return true
}

// Iterator walks a Map's keys in ascending order under a single read
// scope, the same "consistent view for the duration of one pass" contract
// the teacher's index.Iterator gives a snapshot read timestamp — here the
// consistent view is simply whatever a single read scope observes node by
// node, since each node's value is independently validated as Next
// reaches it.
type Iterator[K Ordered, V any] struct {
	m   *Map[K, V]
	r   Reader
	cur *node[K, V]
	key K
	val V
}

// Iterate opens an iterator over m under r, positioned before the first
// key. Call Next to advance.
func (m *Map[K, V]) Iterate(r Reader) *Iterator[K, V] {
	return &Iterator[K, V]{m: m, r: r, cur: m.head}
}

// Next advances the iterator and reports whether a further key was
// found. A node concurrently removed between Next calls is simply
// skipped, matching a read scope's linearize-at-ro_begin semantics: the
// iterator observes some consistent sequence of nodes, not necessarily
// the exact set live at any single instant spanning the whole pass.
func (it *Iterator[K, V]) Next() bool {
	for {
		next := it.cur.next.Load()
		if next == it.m.tail {
			return false
		}
		it.cur = next
		v, ok, retry := it.m.readValue(it.r, it.cur)
		if retry {
			continue
		}
		if !ok {
			continue
		}
		it.key = it.cur.key
		it.val = v
		return true
	}
}

// Key returns the current entry's key. Valid only after Next returns true.
func (it *Iterator[K, V]) Key() K { return it.key }

// Value returns the current entry's value. Valid only after Next returns true.
func (it *Iterator[K, V]) Value() V { return it.val }
