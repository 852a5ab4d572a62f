// Licensed under the MIT License. See LICENSE file in the project root for details.

package field

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/kianostad/ore/internal/engine"
	"github.com/kianostad/ore/internal/orec"
	"github.com/kianostad/ore/internal/scope"
)

// node is a minimal ownable used to exercise every field policy: it
// embeds its own orec (per-object policy) and holds one field of the
// policy under test.
type node struct {
	orec.Embedded
	counter *Field[int64]
}

func newNode(policy Policy, initial int64) *node {
	return &node{counter: New(policy, initial)}
}

func TestFieldEagerCheckOnceRoundTrip(t *testing.T) {
	Convey("Given a node with an eager check-once field", t, func() {
		eng := engine.New(0)
		ctx := eng.NewContext()
		n := newNode(EagerCheckOnce, 7)

		Convey("When a write scope sets a new value and commits", func() {
			g := scope.NewWriteGuard(ctx, nil)
			err := g.Do(func(tx *scope.WriteGuard) error {
				n.counter.Set(tx, n, 42)
				return nil
			})
			So(err, ShouldBeNil)

			Convey("Then a subsequent read scope observes the new value", func() {
				r := scope.NewReadGuard(ctx)
				got := n.counter.Get(r, n)
				r.Close()
				So(got, ShouldEqual, int64(42))
			})
		})
	})
}

func TestFieldEagerCheckOnceRollsBackOnAbort(t *testing.T) {
	Convey("Given a node whose field is set inside a transaction that then aborts", t, func() {
		eng := engine.New(0)
		ctx := eng.NewContext()
		n := newNode(EagerCheckOnce, 7)
		g := scope.NewWriteGuard(ctx, nil)

		Convey("When Do runs a body that sets the field then returns an error", func() {
			err := g.Do(func(tx *scope.WriteGuard) error {
				n.counter.Set(tx, n, 99)
				return errAbort
			})
			So(err, ShouldEqual, errAbort)

			Convey("Then the field's value is restored to its pre-transaction value", func() {
				r := scope.NewReadGuard(ctx)
				got := n.counter.Get(r, n)
				r.Close()
				So(got, ShouldEqual, int64(7))
			})
		})
	})
}

func TestFieldEagerCheckTwiceRoundTrip(t *testing.T) {
	Convey("Given a node with an eager check-twice field", t, func() {
		eng := engine.New(0)
		ctx := eng.NewContext()
		n := newNode(EagerCheckTwice, 1)

		Convey("When a write scope sets and commits, then a read scope gets", func() {
			g := scope.NewWriteGuard(ctx, nil)
			err := g.Do(func(tx *scope.WriteGuard) error {
				n.counter.Set(tx, n, 2)
				return nil
			})
			So(err, ShouldBeNil)

			r := scope.NewReadGuard(ctx)
			got := n.counter.Get(r, n)
			r.Close()

			Convey("Then the read observes the committed value", func() {
				So(got, ShouldEqual, int64(2))
			})
		})
	})
}

func TestFieldLazyDefersOrecAcquisition(t *testing.T) {
	Convey("Given a node with a lazy field", t, func() {
		eng := engine.New(0)
		ctx := eng.NewContext()
		n := newNode(Lazy, 10)

		Convey("When a write scope sets the field", func() {
			var sawInScope int64
			g := scope.NewWriteGuard(ctx, nil)
			err := g.Do(func(tx *scope.WriteGuard) error {
				n.counter.Set(tx, n, 20)
				sawInScope = n.counter.Get(tx, n)
				return nil
			})
			So(err, ShouldBeNil)

			Convey("Then a get within the same scope saw the buffered value", func() {
				So(sawInScope, ShouldEqual, int64(20))
			})

			Convey("And after commit a fresh read scope observes the value in memory", func() {
				r := scope.NewReadGuard(ctx)
				got := n.counter.Get(r, n)
				r.Close()
				So(got, ShouldEqual, int64(20))
			})
		})
	})
}

func TestFieldWriteBackAcquiresEarly(t *testing.T) {
	Convey("Given two contexts and a node with a write-back field", t, func() {
		eng := engine.New(0)
		writer := eng.NewContext()
		other := eng.NewContext()
		n := newNode(WriteBack, 100)

		Convey("When a write scope sets the field", func() {
			var lockedDuringScope bool
			g := scope.NewWriteGuard(writer, nil)
			err := g.Do(func(tx *scope.WriteGuard) error {
				n.counter.Set(tx, n, 200)
				lockedDuringScope = orec.IsLocked(n.Orec().Load())
				return nil
			})
			So(err, ShouldBeNil)

			Convey("Then the orec was already locked before commit", func() {
				So(lockedDuringScope, ShouldBeTrue)
			})

			Convey("And after commit the orec is released and the value visible", func() {
				So(orec.IsLocked(n.Orec().Load()), ShouldBeFalse)
				r := scope.NewReadGuard(other)
				got := n.counter.Get(r, n)
				r.Close()
				So(got, ShouldEqual, int64(200))
			})
		})
	})
}

var errAbort = testError("abort")

type testError string

func (e testError) Error() string { return string(e) }
