// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package hashmap implements the chained unordered map: a fixed-size,
// power-of-two bucket table with a singly-linked chain per bucket,
// grounded in the teacher's HashIndex bucket-chaining idiom but
// generalized to orec/engine synchronization. Each bucket's chain is
// guarded by one orec rather than a lock-free CAS chain, and the map
// demonstrates the engine's hybrid composition: Get is pure step mode
// (no read-set, no retry loop), while InsertIfAbsent scans a bucket
// step-mode, then hands the observed version to a transactional write
// guard via WriteGuard.Inherit rather than re-validating from scratch.
package hashmap

import (
	"errors"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/kianostad/ore/internal/clock"
	"github.com/kianostad/ore/internal/contention"
	"github.com/kianostad/ore/internal/engine"
	"github.com/kianostad/ore/internal/orec"
	"github.com/kianostad/ore/internal/pool"
	"github.com/kianostad/ore/internal/scope"
)

// HashString is a ready-made Hash func for string keys, using the same
// xxhash finaliser internal/orec's stripe table uses for "good bit-mixing"
// hashing (spec §4.2).
func HashString(s string) uint64 { return xxhash.Sum64String(s) }

// HashBytes is a ready-made Hash func for []byte keys.
func HashBytes(b []byte) uint64 { return xxhash.Sum64(b) }

type node[K comparable, V any] struct {
	orec.Embedded
	key  K
	val  atomic.Pointer[V]
	next atomic.Pointer[node[K, V]]
}

// resetNode restores a recycled node to the state New's allocator would
// have produced, so a pooled node coming back out of insertOnce is
// indistinguishable from a freshly allocated one.
func resetNode[K comparable, V any](n *node[K, V]) {
	n.Embedded = orec.Embedded{}
	var zeroKey K
	n.key = zeroKey
	n.val.Store(nil)
	n.next.Store(nil)
}

// retiredNode adapts a spliced-out node and the pool it was allocated
// from into an smr.Reclaimable, mirroring ds/orderedmap's retiredNode:
// once SMR proves no optimistic reader can still observe the node,
// Destroy returns it to the pool instead of abandoning it to the
// garbage collector.
type retiredNode[K comparable, V any] struct {
	n    *node[K, V]
	pool *pool.Pool[node[K, V]]
}

func (r retiredNode[K, V]) Destroy() { r.pool.Put(r.n) }

// Map is a chained hash table over numBuckets power-of-two buckets, each
// guarded by its own orec. Construct with New; the zero value is not
// usable since K has no generic hash function Go can derive on its own.
type Map[K comparable, V any] struct {
	buckets []atomic.Pointer[node[K, V]]
	guards  []orec.Orec
	mask    uint64
	hash    func(K) uint64
	pool    *pool.Pool[node[K, V]]
}

// New creates a hash map with numBuckets buckets (must be a power of 2,
// matching the teacher's NewHashIndex contract) using hash to place keys.
func New[K comparable, V any](numBuckets uint64, hash func(K) uint64) *Map[K, V] {
	if numBuckets == 0 || numBuckets&(numBuckets-1) != 0 {
		panic("hashmap: bucket count must be a power of 2")
	}
	return &Map[K, V]{
		buckets: make([]atomic.Pointer[node[K, V]], numBuckets),
		guards:  make([]orec.Orec, numBuckets),
		mask:    numBuckets - 1,
		hash:    hash,
		pool:    pool.New(func() *node[K, V] { return &node[K, V]{} }, resetNode[K, V]),
	}
}

func (m *Map[K, V]) bucketIndex(k K) uint64 { return m.hash(k) & m.mask }

// Get performs a pure step-mode read of k's bucket chain: it opens a
// bare read scope, with no read-set logging and no abort/retry loop of
// its own, and spins past any momentarily locked node exactly as
// internal/field's lazy policy does, since step mode owns its own
// validation (spec §4.8).
func (m *Map[K, V]) Get(ctx *engine.Context, k K) (V, bool) {
	s := scope.NewStepRead(ctx)
	defer s.Close()
	idx := m.bucketIndex(k)
	for {
		n := m.buckets[idx].Load()
		for n != nil {
			if n.key == k {
				v, ok, retry := m.readValueStep(s.Context(), n)
				if retry {
					n = m.buckets[idx].Load()
					continue
				}
				return v, ok
			}
			n = n.next.Load()
		}
		var zero V
		return zero, false
	}
}

func (m *Map[K, V]) readValueStep(ctx *engine.Context, n *node[K, V]) (v V, ok bool, retry bool) {
	o := n.Orec()
	vp := n.val.Load()
	ts, locked := ctx.CheckOrecLocked(o)
	if ts == clock.EndOfTime {
		for locked {
			_, locked = ctx.CheckOrecLocked(o)
		}
		ctx.RoBegin()
		return v, false, true
	}
	if vp == nil {
		return v, false, false
	}
	return *vp, true, false
}

// scanBucket walks idx's chain for k under ctx's current snapshot,
// spinning past a locked bucket guard and extending validity exactly as
// readValueStep does, and returns whether k was found along with the
// bucket guard's version as of the scan — the observation a later
// WriteGuard.Inherit call validates.
func (m *Map[K, V]) scanBucket(ctx *engine.Context, idx uint64, k K) (found bool, version uint64) {
	for {
		version, locked := ctx.CheckOrecLocked(&m.guards[idx])
		if version == clock.EndOfTime {
			for locked {
				_, locked = ctx.CheckOrecLocked(&m.guards[idx])
			}
			ctx.RoBegin()
			continue
		}
		n := m.buckets[idx].Load()
		for n != nil {
			if n.key == k {
				return true, version
			}
			n = n.next.Load()
		}
		return false, version
	}
}

// errStaleContinuation signals that the step-mode observation
// InsertIfAbsent fed to Inherit no longer holds, so the whole hybrid
// composite — not just the write guard's body — must restart from a
// fresh step-mode scan.
var errStaleContinuation = errors.New("hashmap: stale continuation")

// InsertIfAbsent adds k/v if k is absent and reports whether it did. It
// is the hybrid-mode composition spec §4.9 describes: a cheap step-mode
// scan locates the bucket and observes its guard's version, then a
// transactional write guard inherits that observation via Inherit
// instead of re-scanning inside the transaction. If the bucket changed
// between the scan and the transaction, Inherit reports the staleness
// without aborting, and the whole composite restarts.
func (m *Map[K, V]) InsertIfAbsent(ctx *engine.Context, cm contention.Manager, k K, v V) bool {
	idx := m.bucketIndex(k)
	bGuard := &m.guards[idx]

	for {
		step := scope.NewStepRead(ctx)
		found, observed := m.scanBucket(step.Context(), idx, k)
		step.Close()
		if found {
			return false
		}

		g := scope.NewWriteGuard(ctx, cm)
		var inserted bool
		err := g.Do(func(tx *scope.WriteGuard) error {
			if !tx.Inherit(bGuard, observed) {
				return errStaleContinuation
			}
			inserted = m.insertOnce(tx, idx, bGuard, k, v)
			return nil
		})
		if errors.Is(err, errStaleContinuation) {
			continue
		}
		return inserted
	}
}

func (m *Map[K, V]) insertOnce(tx *scope.WriteGuard, idx uint64, bGuard *orec.Orec, k K, v V) bool {
	ctx := tx.Context()
	if !ctx.AcquireConsistent(bGuard) {
		tx.Abort()
	}
	n := m.pool.Get()
	n.key = k
	n.val.Store(&v)
	n.next.Store(m.buckets[idx].Load())
	m.buckets[idx].Store(n)
	return true
}

// Remove deletes k if present and reports whether it did, using a plain
// transactional write scope over the bucket guard.
func (m *Map[K, V]) Remove(ctx *engine.Context, cm contention.Manager, k K) bool {
	idx := m.bucketIndex(k)
	bGuard := &m.guards[idx]
	g := scope.NewWriteGuard(ctx, cm)
	var removed bool
	_ = g.Do(func(tx *scope.WriteGuard) error {
		removed = m.removeOnce(tx, idx, bGuard, k)
		return nil
	})
	return removed
}

// removeOnce first scans idx's chain with a plain, unacquired read: if k
// isn't there, it returns false without touching the bucket guard at all,
// satisfying the write-free-on-not-found contract. Only once presence is
// confirmed does it acquire the guard and re-walk the chain to splice.
func (m *Map[K, V]) removeOnce(tx *scope.WriteGuard, idx uint64, bGuard *orec.Orec, k K) bool {
	ctx := tx.Context()
	present := false
	for n := m.buckets[idx].Load(); n != nil; n = n.next.Load() {
		if n.key == k {
			present = true
			break
		}
	}
	if !present {
		return false
	}

	if !ctx.AcquireConsistent(bGuard) {
		tx.Abort()
	}
	var prev *node[K, V]
	n := m.buckets[idx].Load()
	for n != nil {
		if n.key == k {
			if prev == nil {
				m.buckets[idx].Store(n.next.Load())
			} else {
				prev.next.Store(n.next.Load())
			}
			tx.Retire(retiredNode[K, V]{n: n, pool: m.pool})
			return true
		}
		prev = n
		n = n.next.Load()
	}
	return false
}
