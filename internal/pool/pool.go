// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package pool provides generic object pooling for the fixed-shape node
// types ds/orderedmap and ds/hashmap allocate on every insert and free on
// every remove. It is adapted from the teacher's mvcc.VersionPool, which
// pools its own per-key Version records; here the pooled type is
// arbitrary and the caller supplies the reset function a version record
// used to hard-code inline.
package pool

import "sync"

// Pool recycles *T values through a sync.Pool. reset must restore a
// value to the same state New would have produced, so a reused node is
// indistinguishable from a freshly allocated one.
type Pool[T any] struct {
	p     sync.Pool
	reset func(*T)
}

// New creates a Pool whose values are produced by alloc and returned to
// their zero-equivalent state by reset before being handed out again.
func New[T any](alloc func() *T, reset func(*T)) *Pool[T] {
	return &Pool[T]{
		p:     sync.Pool{New: func() any { return alloc() }},
		reset: reset,
	}
}

// Get retrieves a value from the pool, allocating a new one if empty.
func (p *Pool[T]) Get() *T { return p.p.Get().(*T) }

// Put resets v and returns it to the pool. The caller must not retain
// any reference to v after calling this — exactly the obligation SMR
// retirement already establishes before a node is destroyed.
func (p *Pool[T]) Put(v *T) {
	p.reset(v)
	p.p.Put(v)
}
