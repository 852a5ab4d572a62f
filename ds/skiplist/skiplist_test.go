// Licensed under the MIT License. See LICENSE file in the project root for details.

package skiplist

import (
	"sync"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/goleak"
	"pgregory.net/rapid"

	"github.com/kianostad/ore/internal/engine"
	"github.com/kianostad/ore/internal/scope"
)

func TestListInsertGetRemove(t *testing.T) {
	Convey("Given an empty skip list", t, func() {
		eng := engine.New(0)
		ctx := eng.NewContext()
		l := New[int, string](8)

		Convey("When a key is inserted", func() {
			ok := l.Insert(ctx, nil, 5, "five")
			So(ok, ShouldBeTrue)

			Convey("Then get finds it under a transactional read scope", func() {
				r := scope.NewReadGuard(ctx)
				v, found := l.Get(r, 5)
				r.Close()
				So(found, ShouldBeTrue)
				So(v, ShouldEqual, "five")
			})

			Convey("And get finds it under a step-mode read scope", func() {
				s := scope.NewStepRead(ctx)
				v, found := l.Get(s, 5)
				s.Close()
				So(found, ShouldBeTrue)
				So(v, ShouldEqual, "five")
			})

			Convey("And inserting the same key again fails without overwriting", func() {
				ok2 := l.Insert(ctx, nil, 5, "clobber")
				So(ok2, ShouldBeFalse)

				r := scope.NewReadGuard(ctx)
				v, _ := l.Get(r, 5)
				r.Close()
				So(v, ShouldEqual, "five")
			})

			Convey("And removing it succeeds exactly once", func() {
				So(l.Remove(ctx, nil, 5), ShouldBeTrue)
				So(l.Remove(ctx, nil, 5), ShouldBeFalse)

				r := scope.NewReadGuard(ctx)
				_, found := l.Get(r, 5)
				r.Close()
				So(found, ShouldBeFalse)
			})
		})

		Convey("When getting an absent key", func() {
			r := scope.NewReadGuard(ctx)
			_, found := l.Get(r, 99)
			r.Close()

			Convey("Then it reports not found", func() {
				So(found, ShouldBeFalse)
			})
		})
	})
}

func TestListOrdersKeysAcrossInserts(t *testing.T) {
	Convey("Given keys inserted out of order at a tiny level ceiling", t, func() {
		eng := engine.New(0)
		ctx := eng.NewContext()
		l := New[int, int](2)
		for _, k := range []int{5, 1, 9, 3, 7} {
			So(l.Insert(ctx, nil, k, k*10), ShouldBeTrue)
		}

		Convey("Then every key is independently reachable by value", func() {
			r := scope.NewReadGuard(ctx)
			for _, k := range []int{1, 3, 5, 7, 9} {
				v, found := l.Get(r, k)
				So(found, ShouldBeTrue)
				So(v, ShouldEqual, k*10)
			}
			r.Close()
		})
	})
}

func TestNewPanicsOnNegativeMaxLevels(t *testing.T) {
	Convey("Given a negative level ceiling", t, func() {
		Convey("Then New panics", func() {
			So(func() { New[int, int](-1) }, ShouldPanic)
		})
	})
}

// TestListConcurrentDisjointInsertsBothSucceed drives two goroutines
// inserting disjoint key sets at once, each bound to its own context on
// the shared engine, and checks the union of both sets lands intact.
func TestListConcurrentDisjointInsertsBothSucceed(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given an empty skip list", t, func() {
		eng := engine.New(0)
		l := New[int, int](8)

		Convey("When two goroutines insert disjoint key sets concurrently", func() {
			left := []int{1, 3, 5}
			right := []int{2, 4, 6}
			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				ctx := eng.NewContext()
				for _, k := range left {
					if !l.Insert(ctx, nil, k, k*10) {
						panic("left insert unexpectedly found an existing key")
					}
				}
			}()
			go func() {
				defer wg.Done()
				ctx := eng.NewContext()
				for _, k := range right {
					if !l.Insert(ctx, nil, k, k*10) {
						panic("right insert unexpectedly found an existing key")
					}
				}
			}()
			wg.Wait()

			Convey("Then every key from both sets is reachable and nothing else is", func() {
				ctx := eng.NewContext()
				r := scope.NewReadGuard(ctx)
				for _, k := range append(append([]int{}, left...), right...) {
					v, found := l.Get(r, k)
					So(found, ShouldBeTrue)
					So(v, ShouldEqual, k*10)
				}
				_, found := l.Get(r, 99)
				r.Close()
				So(found, ShouldBeFalse)
			})
		})
	})
}

// TestListConcurrentConflictingInsertsExactlyOneWins drives two
// goroutines both inserting the same key at once and checks exactly one
// succeeds, with a subsequent get seeing the winner's value.
func TestListConcurrentConflictingInsertsExactlyOneWins(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given an empty skip list", t, func() {
		eng := engine.New(0)
		l := New[int, string](8)

		Convey("When two goroutines both insert the same key concurrently", func() {
			results := make([]bool, 2)
			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				ctx := eng.NewContext()
				results[0] = l.Insert(ctx, nil, 7, "X")
			}()
			go func() {
				defer wg.Done()
				ctx := eng.NewContext()
				results[1] = l.Insert(ctx, nil, 7, "Y")
			}()
			wg.Wait()

			Convey("Then exactly one insert reports success", func() {
				So(results[0] != results[1], ShouldBeTrue)
			})

			Convey("And a subsequent get sees the winner's value", func() {
				ctx := eng.NewContext()
				r := scope.NewReadGuard(ctx)
				v, found := l.Get(r, 7)
				r.Close()
				So(found, ShouldBeTrue)
				if results[0] {
					So(v, ShouldEqual, "X")
				} else {
					So(v, ShouldEqual, "Y")
				}
			})
		})
	})
}

// TestListConcurrentReaderSurvivesRetirement runs a writer that
// repeatedly removes and reinserts one key against a reader spinning on
// Get for the same key, checking the reader never observes a value
// outside the range the writer could have actually produced and that
// the final state matches the writer's last successful insert.
func TestListConcurrentReaderSurvivesRetirement(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a skip list pre-populated with one key", t, func() {
		eng := engine.New(1)
		l := New[int, int](8)
		seedCtx := eng.NewContext()
		So(l.Insert(seedCtx, nil, 10, 0), ShouldBeTrue)

		Convey("When one goroutine removes and reinserts it while another reads it concurrently", func() {
			const rounds = 500
			done := make(chan struct{})
			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				defer close(done)
				ctx := eng.NewContext()
				for i := 1; i <= rounds; i++ {
					l.Remove(ctx, nil, 10)
					l.Insert(ctx, nil, 10, i)
				}
			}()
			go func() {
				defer wg.Done()
				ctx := eng.NewContext()
				for {
					select {
					case <-done:
						return
					default:
					}
					r := scope.NewReadGuard(ctx)
					v, found := l.Get(r, 10)
					r.Close()
					if found && (v < 0 || v > rounds) {
						panic("reader observed a value the writer never produced")
					}
				}
			}()
			wg.Wait()

			Convey("Then the list settles on the writer's last successful value", func() {
				ctx := eng.NewContext()
				r := scope.NewReadGuard(ctx)
				v, found := l.Get(r, 10)
				r.Close()
				So(found, ShouldBeTrue)
				So(v, ShouldEqual, rounds)
			})
		})
	})
}

// TestListMatchesReferenceModel checks the list against a plain Go map
// reference over randomized sequential operation sequences, the same
// style ds/orderedmap's own reference-model test applies.
func TestListMatchesReferenceModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		eng := engine.New(0)
		ctx := eng.NewContext()
		l := New[int, int](4)
		model := make(map[int]int)

		ops := rapid.SliceOfN(rapid.Custom(func(t *rapid.T) func() {
			kind := rapid.IntRange(0, 2).Draw(t, "kind")
			key := rapid.IntRange(0, 30).Draw(t, "key")
			val := rapid.Int().Draw(t, "val")
			switch kind {
			case 0:
				return func() {
					ok := l.Insert(ctx, nil, key, val)
					_, present := model[key]
					if !present {
						model[key] = val
					}
					if ok == present {
						t.Fatalf("insert(%d): got %v, model had present=%v", key, ok, present)
					}
				}
			case 1:
				return func() {
					ok := l.Remove(ctx, nil, key)
					_, present := model[key]
					delete(model, key)
					if ok != present {
						t.Fatalf("remove(%d): got %v, model had present=%v", key, ok, present)
					}
				}
			default:
				return func() {
					r := scope.NewReadGuard(ctx)
					v, found := l.Get(r, key)
					r.Close()
					want, present := model[key]
					if found != present || (found && v != want) {
						t.Fatalf("get(%d): got (%v,%v), model has (%v,%v)", key, v, found, want, present)
					}
				}
			}
		}), 1, 200).Draw(t, "ops")

		for _, op := range ops {
			op()
		}
	})
}
