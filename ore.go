// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package ore re-exports the engine's most commonly used types and
// constructors at the module root, the same "thin top-level convenience
// wrapper over the real internal packages" role the teacher's own
// lfdb.go plays for its core package.
//
// # Quick start
//
//	eng := ore.NewEngine(0)
//	ctx := eng.NewContext()
//	m := ore.NewOrderedMap[string, int]()
//	m.Insert(ctx, nil, "key", 1)
//	value, ok := m.Get(ore.NewReadGuard(ctx), "key")
//
// # Metrics
//
//	eng.Metrics = ore.NewMetrics()
//	defer eng.Metrics.Close()
//	// every scope opened on a Context bound to eng now records latency,
//	// abort, and reclamation counters into eng.Metrics.
package ore

import (
	"github.com/kianostad/ore/internal/contention"
	"github.com/kianostad/ore/internal/engine"
	"github.com/kianostad/ore/internal/monitoring/metrics"
	"github.com/kianostad/ore/internal/scope"

	"github.com/kianostad/ore/ds/hashmap"
	"github.com/kianostad/ore/ds/orderedmap"
	"github.com/kianostad/ore/ds/skiplist"
)

// Re-exported engine types, so a caller depends only on the module root
// for the common path and reaches into internal/engine, internal/scope,
// internal/contention, and internal/monitoring/metrics only for the less
// common extension points.
type (
	Engine     = engine.Engine
	Context    = engine.Context
	ReadGuard  = scope.ReadGuard
	WriteGuard = scope.WriteGuard
	StepRead   = scope.StepRead
	StepWrite  = scope.StepWrite

	// Contention is the contention manager hook; pass nil to any
	// transactional constructor below to get the default backoff policy.
	Contention = contention.Manager

	// Metrics collects scope latency, contention, and reclamation
	// counters. Assign a *Metrics to an Engine's Metrics field to opt in;
	// a nil Metrics (the default) costs every scope nothing.
	Metrics = metrics.Metrics
)

// NewEngine creates an engine whose SMR contexts sweep their retirement
// queues once every sweepEvery retirements (0 selects the default of
// 1024).
func NewEngine(sweepEvery int) *Engine { return engine.New(sweepEvery) }

// NewEngineWithStripes is NewEngine but with an explicit stripe table
// size for ownables that use the striped orec policy (see
// (*Context).OrecFor) instead of embedding their own orec. stripeOrecs
// must be a power of two; zero selects the same default as NewEngine.
func NewEngineWithStripes(sweepEvery int, stripeOrecs uint64) *Engine {
	return engine.NewWithStripes(sweepEvery, stripeOrecs)
}

// NewMetrics creates a Metrics sink with the default buffer sizes. Assign
// the result to an Engine's Metrics field to start recording.
func NewMetrics() *Metrics { return metrics.NewMetrics() }

// NewReadGuard opens a transactional read scope on ctx.
func NewReadGuard(ctx *Context) *ReadGuard { return scope.NewReadGuard(ctx) }

// NewWriteGuard creates a reusable transactional write driver on ctx.
func NewWriteGuard(ctx *Context, cm Contention) *WriteGuard { return scope.NewWriteGuard(ctx, cm) }

// NewStepRead opens a step-mode read scope on ctx.
func NewStepRead(ctx *Context) *StepRead { return scope.NewStepRead(ctx) }

// NewStepWrite opens a step-mode write scope on ctx.
func NewStepWrite(ctx *Context) *StepWrite { return scope.NewStepWrite(ctx) }

// NewOrderedMap creates an empty doubly-linked ordered map.
func NewOrderedMap[K orderedmap.Ordered, V any]() *orderedmap.Map[K, V] {
	return orderedmap.New[K, V]()
}

// NewHashMap creates an empty chained hash map with numBuckets buckets
// (a power of two) using hash to place keys.
func NewHashMap[K comparable, V any](numBuckets uint64, hash func(K) uint64) *hashmap.Map[K, V] {
	return hashmap.New[K, V](numBuckets, hash)
}

// NewSkipList creates an empty skip list whose towers never exceed
// maxLevels.
func NewSkipList[K skiplist.Ordered, V any](maxLevels int) *skiplist.List[K, V] {
	return skiplist.New[K, V](maxLevels)
}
