// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package skiplist implements the flat skip list spec §6's configuration
// object names (`max_levels`) and §8's boundary behaviors constrain: a
// single arena of towered nodes, each tower a variable-length trailing
// array of forward pointers sized by a per-node random level, rather than
// ds/orderedmap's separate per-layer node family. The random level is
// geometric over {0..MaxLevels} with drop-off 0.5, and one
// orec per node guards that node's whole tower, the same one-orec-per-
// structural-unit discipline ds/hashmap applies to its buckets.
package skiplist

import (
	"math/rand"
	"sync/atomic"

	"github.com/kianostad/ore/internal/clock"
	"github.com/kianostad/ore/internal/contention"
	"github.com/kianostad/ore/internal/engine"
	"github.com/kianostad/ore/internal/orec"
	"github.com/kianostad/ore/internal/pool"
	"github.com/kianostad/ore/internal/scope"
)

// Reader is the minimal capability Get needs, shared with ds/orderedmap:
// both *scope.ReadGuard and *scope.StepRead satisfy it.
type Reader interface {
	Context() *engine.Context
}

type tracker interface {
	TrackRead(*orec.Orec)
}

type aborter interface {
	Abort()
}

// node is a towered skip-list node: a fixed header plus a trailing,
// separately-allocated slice of forward pointers whose length is the
// node's level plus one, the "header struct plus a separately-allocated
// tail slice" encoding the design notes prescribe for variable-length
// towers.
type node[K Ordered, V any] struct {
	orec.Embedded
	key     K
	val     atomic.Pointer[V]
	forward []atomic.Pointer[node[K, V]]
}

func (n *node[K, V]) level() int { return len(n.forward) - 1 }

// Ordered is the key constraint, identical to ds/orderedmap's.
type Ordered interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr |
		~float32 | ~float64 | ~string
}

// List is a probabilistically balanced ordered map. The zero value is
// not usable; construct with New.
type List[K Ordered, V any] struct {
	maxLevels int
	head      *node[K, V]
	pools     []*pool.Pool[node[K, V]]
}

// New creates an empty skip list whose towers never exceed maxLevels
// (spec §6's `max_levels` configuration option; levels are 0-indexed, so
// a tower's height is in {0..maxLevels}). The head is a sentinel tower
// reaching every level so findPredecessor never needs a nil check at the
// top.
func New[K Ordered, V any](maxLevels int) *List[K, V] {
	if maxLevels < 0 {
		panic("skiplist: maxLevels must be non-negative")
	}
	head := &node[K, V]{forward: make([]atomic.Pointer[node[K, V]], maxLevels+1)}
	pools := make([]*pool.Pool[node[K, V]], maxLevels+1)
	for lvl := range pools {
		lvl := lvl
		pools[lvl] = pool.New(
			func() *node[K, V] { return &node[K, V]{forward: make([]atomic.Pointer[node[K, V]], lvl+1)} },
			resetNode[K, V],
		)
	}
	return &List[K, V]{maxLevels: maxLevels, head: head, pools: pools}
}

// resetNode restores a recycled node to the state New's per-level pool
// would have produced; the forward slice is kept (its length is the
// pool's level, a property Put relies on) but every pointer is cleared.
func resetNode[K Ordered, V any](n *node[K, V]) {
	n.Embedded = orec.Embedded{}
	var zeroKey K
	n.key = zeroKey
	n.val.Store(nil)
	for i := range n.forward {
		n.forward[i].Store(nil)
	}
}

// retiredNode returns a spliced-out node to the pool for its level once
// SMR proves no optimistic reader can still observe it, mirroring
// ds/orderedmap's and ds/hashmap's retiredNode.
type retiredNode[K Ordered, V any] struct {
	n    *node[K, V]
	pool *pool.Pool[node[K, V]]
}

func (r retiredNode[K, V]) Destroy() { r.pool.Put(r.n) }

// randomLevel draws a tower height in {0..maxLevels} with drop-off 0.5
// (spec §8): repeatedly flip a coin, climbing one level per success,
// until a flip fails or the ceiling is reached. Level k below the ceiling
// has probability 2^-(k+1); the ceiling takes all the remaining mass.
func (l *List[K, V]) randomLevel() int {
	lvl := 0
	for lvl < l.maxLevels && rand.Int63()&1 == 0 { // #nosec G404
		lvl++
	}
	return lvl
}

// findPath fills preds[0..lvl] with, at each level, the rightmost node
// whose key is strictly less than k — the multi-level analogue of
// ds/orderedmap's findPredecessor. Traversal needs no orec validation of
// its own, matching the same reasoning findPredecessor's doc comment
// gives: these nodes remain valid list structure regardless of any
// concurrent splice, and the caller validates whatever it ultimately
// acts on.
func (l *List[K, V]) findPath(k K, preds []*node[K, V]) {
	cur := l.head
	for lvl := l.maxLevels; lvl >= 0; lvl-- {
		for {
			next := cur.forward[lvl].Load()
			if next != nil && next.key < k {
				cur = next
				continue
			}
			break
		}
		if lvl < len(preds) {
			preds[lvl] = cur
		}
	}
}

// Get looks up k under r, a step-mode or transactional read scope. It
// returns the value and true if present.
func (l *List[K, V]) Get(r Reader, k K) (V, bool) {
	for {
		preds := make([]*node[K, V], 1)
		l.findPath(k, preds)
		succ := preds[0].forward[0].Load()
		if succ == nil || succ.key != k {
			var zero V
			return zero, false
		}
		v, ok, retry := l.readValue(r, succ)
		if !retry {
			return v, ok
		}
	}
}

// readValue applies the same eager check-once discipline
// ds/orderedmap.readValue does: load the value, then check the node's
// orec once.
func (l *List[K, V]) readValue(r Reader, n *node[K, V]) (v V, ok bool, retry bool) {
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
// nil to use the engine's default backoff manager. The new node's level
// is drawn once per call, before the write scope opens, since the level
// is not part of any observable state a retry needs to recompute
// consistently.
func (l *List[K, V]) Insert(ctx *engine.Context, cm contention.Manager, k K, v V) bool {
	lvl := l.randomLevel()
	g := scope.NewWriteGuard(ctx, cm)
	var inserted bool
	_ = g.Do(func(tx *scope.WriteGuard) error {
		inserted = l.insertOnce(tx, k, v, lvl)
		return nil
	})
	return inserted
}

// insertOnce acquires every predecessor the new tower will actually
// splice into, from the top level it reaches down to level 0 — the
// "child before parent" consistent ordering spec §5 requires, read
// bottom-up here as "higher level before lower," since a higher-level
// predecessor is always also a predecessor at every level below it down
// to where the search dropped to the new node's tower — then threads the
// new node into the list at each of its levels. Predecessors above lvl
// are found (findPath always walks the full height) but never acquired,
// since nothing above lvl is mutated.
func (l *List[K, V]) insertOnce(tx *scope.WriteGuard, k K, v V, lvl int) bool {
	ctx := tx.Context()
	preds := make([]*node[K, V], l.maxLevels+1)
	l.findPath(k, preds)

	if succ := preds[0].forward[0].Load(); succ != nil && succ.key == k {
		return false
	}

	seen := make(map[*node[K, V]]bool, lvl+1)
	for i := lvl; i >= 0; i-- {
		if seen[preds[i]] {
			continue
		}
		seen[preds[i]] = true
		if !ctx.AcquireConsistent(preds[i].Orec()) {
			tx.Abort()
		}
	}

	n := l.pools[lvl].Get()
	n.key = k
	n.val.Store(&v)
	for i := 0; i <= lvl; i++ {
		n.forward[i].Store(preds[i].forward[i].Load())
		preds[i].forward[i].Store(n)
	}
	return true
}

// Remove deletes k if present and reports whether it did.
func (l *List[K, V]) Remove(ctx *engine.Context, cm contention.Manager, k K) bool {
	g := scope.NewWriteGuard(ctx, cm)
	var removed bool
	_ = g.Do(func(tx *scope.WriteGuard) error {
		removed = l.removeOnce(tx, k)
		return nil
	})
	return removed
}

func (l *List[K, V]) removeOnce(tx *scope.WriteGuard, k K) bool {
	ctx := tx.Context()
	preds := make([]*node[K, V], l.maxLevels+1)
	l.findPath(k, preds)

	target := preds[0].forward[0].Load()
	if target == nil || target.key != k {
		return false
	}

	seen := make(map[*node[K, V]]bool, target.level()+1)
	for i := target.level(); i >= 0; i-- {
		if seen[preds[i]] {
			continue
		}
		seen[preds[i]] = true
		if !ctx.AcquireConsistent(preds[i].Orec()) {
			tx.Abort()
		}
	}
	if !ctx.AcquireConsistent(target.Orec()) {
		tx.Abort()
	}

	for i := 0; i <= target.level(); i++ {
		preds[i].forward[i].Store(target.forward[i].Load())
	}
	tx.Retire(retiredNode[K, V]{n: target, pool: l.pools[target.level()]})
	return true
}
