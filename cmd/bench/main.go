// Licensed under the MIT License. See LICENSE file in the project root for details.

// Command bench drives ds/orderedmap, ds/hashmap, and ds/skiplist under
// configurable goroutine counts, in the spirit of the teacher's own
// concurrent-reads/concurrent-writes benchmark pairs: prefill, then time
// a fixed number of operations per goroutine across an increasing
// goroutine count, reporting aggregate throughput.
//
// Usage:
//
//	go run ./cmd/bench --structure=all --goroutines=1,2,4,8,16,32
package main

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/pflag"

	"github.com/kianostad/ore/ds/hashmap"
	"github.com/kianostad/ore/ds/orderedmap"
	"github.com/kianostad/ore/ds/skiplist"
	"github.com/kianostad/ore/internal/engine"
	"github.com/kianostad/ore/internal/scope"
)

func main() {
	structure := pflag.StringP("structure", "s", "all", "which structure to benchmark: orderedmap, hashmap, skiplist, or all")
	goroutinesFlag := pflag.StringP("goroutines", "g", "1,2,4,8,16,32", "comma-separated goroutine counts to sweep")
	opsPerGoroutine := pflag.IntP("ops", "n", 10000, "operations per goroutine per benchmark")
	numKeys := pflag.IntP("keys", "k", 10000, "distinct key count to prefill and read back")
	buckets := pflag.Uint64P("buckets", "b", 16384, "ds/hashmap bucket count (must be a power of two)")
	maxLevels := pflag.IntP("max-levels", "l", 16, "ds/skiplist tower level ceiling")
	pflag.Parse()

	goroutineCounts, err := parseIntList(*goroutinesFlag)
	if err != nil {
		fmt.Println("bench: invalid --goroutines:", err)
		return
	}

	fmt.Println("ORE Data Structure Benchmarks")
	fmt.Println("=============================")

	if *structure == "all" || *structure == "orderedmap" {
		benchmarkOrderedMap(goroutineCounts, *opsPerGoroutine, *numKeys)
	}
	if *structure == "all" || *structure == "hashmap" {
		benchmarkHashMap(goroutineCounts, *opsPerGoroutine, *numKeys, *buckets)
	}
	if *structure == "all" || *structure == "skiplist" {
		benchmarkSkipList(goroutineCounts, *opsPerGoroutine, *numKeys, *maxLevels)
	}
}

func parseIntList(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func benchmarkOrderedMap(goroutineCounts []int, opsPerGoroutine, numKeys int) {
	fmt.Println("\nds/orderedmap")

	eng := engine.New(0)
	m := orderedmap.New[int, int]()
	for i := 0; i < numKeys; i++ {
		m.Insert(eng.NewContext(), nil, i, i)
	}

	for _, n := range goroutineCounts {
		var wg sync.WaitGroup
		start := time.Now()
		for g := 0; g < n; g++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				ctx := eng.NewContext()
				r := scope.NewReadGuard(ctx)
				defer r.Close()
				for j := 0; j < opsPerGoroutine; j++ {
					m.Get(r, (id+j)%numKeys)
				}
			}(g)
		}
		wg.Wait()
		reportThroughput(n, opsPerGoroutine, time.Since(start), "get")
	}

	for _, n := range goroutineCounts {
		eng := engine.New(0)
		m := orderedmap.New[int, int]()
		var wg sync.WaitGroup
		start := time.Now()
		for g := 0; g < n; g++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				ctx := eng.NewContext()
				for j := 0; j < opsPerGoroutine; j++ {
					m.Insert(ctx, nil, id*opsPerGoroutine+j, j)
				}
			}(g)
		}
		wg.Wait()
		reportThroughput(n, opsPerGoroutine, time.Since(start), "insert")
	}
}

func benchmarkHashMap(goroutineCounts []int, opsPerGoroutine, numKeys int, buckets uint64) {
	fmt.Println("\nds/hashmap")

	eng := engine.New(0)
	m := hashmap.New[int, int](buckets, func(k int) uint64 { return uint64(k) })
	for i := 0; i < numKeys; i++ {
		m.InsertIfAbsent(eng.NewContext(), nil, i, i)
	}

	for _, n := range goroutineCounts {
		var wg sync.WaitGroup
		start := time.Now()
		for g := 0; g < n; g++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				ctx := eng.NewContext()
				for j := 0; j < opsPerGoroutine; j++ {
					m.Get(ctx, (id+j)%numKeys)
				}
			}(g)
		}
		wg.Wait()
		reportThroughput(n, opsPerGoroutine, time.Since(start), "get")
	}

	for _, n := range goroutineCounts {
		eng := engine.New(0)
		m := hashmap.New[int, int](buckets, func(k int) uint64 { return uint64(k) })
		var wg sync.WaitGroup
		start := time.Now()
		for g := 0; g < n; g++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				ctx := eng.NewContext()
				for j := 0; j < opsPerGoroutine; j++ {
					m.InsertIfAbsent(ctx, nil, id*opsPerGoroutine+j, j)
				}
			}(g)
		}
		wg.Wait()
		reportThroughput(n, opsPerGoroutine, time.Since(start), "insert")
	}
}

func benchmarkSkipList(goroutineCounts []int, opsPerGoroutine, numKeys, maxLevels int) {
	fmt.Println("\nds/skiplist")

	eng := engine.New(0)
	l := skiplist.New[int, int](maxLevels)
	for i := 0; i < numKeys; i++ {
		l.Insert(eng.NewContext(), nil, i, i)
	}

	for _, n := range goroutineCounts {
		var wg sync.WaitGroup
		start := time.Now()
		for g := 0; g < n; g++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				ctx := eng.NewContext()
				r := scope.NewReadGuard(ctx)
				defer r.Close()
				for j := 0; j < opsPerGoroutine; j++ {
					l.Get(r, (id+j)%numKeys)
				}
			}(g)
		}
		wg.Wait()
		reportThroughput(n, opsPerGoroutine, time.Since(start), "get")
	}

	for _, n := range goroutineCounts {
		eng := engine.New(0)
		l := skiplist.New[int, int](maxLevels)
		var wg sync.WaitGroup
		start := time.Now()
		for g := 0; g < n; g++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				ctx := eng.NewContext()
				for j := 0; j < opsPerGoroutine; j++ {
					l.Insert(ctx, nil, id*opsPerGoroutine+j, j)
				}
			}(g)
		}
		wg.Wait()
		reportThroughput(n, opsPerGoroutine, time.Since(start), "insert")
	}
}

func reportThroughput(goroutines, opsPerGoroutine int, d time.Duration, label string) {
	total := goroutines * opsPerGoroutine
	fmt.Printf("   %-6s %2d goroutines: %d ops in %v (%.0f ops/sec)\n",
		label, goroutines, total, d, float64(total)/d.Seconds())
}
