// Licensed under the MIT License. See LICENSE file in the project root for details.

package engine

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/kianostad/ore/internal/orec"
)

func TestContextAcquireConsistent(t *testing.T) {
	Convey("Given an engine and two contexts", t, func() {
		eng := New(0)
		a := eng.NewContext()
		b := eng.NewContext()
		o := orec.New()

		Convey("When a opens a write scope and acquires o", func() {
			a.WoBegin()
			ok := a.AcquireConsistent(o)

			Convey("Then the acquisition succeeds", func() {
				So(ok, ShouldBeTrue)
				So(orec.IsLocked(o.Load()), ShouldBeTrue)
			})

			Convey("And a second acquisition by a is a no-op success", func() {
				So(a.AcquireConsistent(o), ShouldBeTrue)
			})

			Convey("And b cannot acquire the same orec", func() {
				b.WoBegin()
				ok, lockedByOther := b.AcquireConsistentLocked(o)
				So(ok, ShouldBeFalse)
				So(lockedByOther, ShouldBeTrue)
			})

			Convey("When a ends the write scope cleanly", func() {
				a.WoEnd()

				Convey("Then o is released at a's commit timestamp", func() {
					So(orec.IsLocked(o.Load()), ShouldBeFalse)
					So(o.Load(), ShouldEqual, a.LastWoEndTime())
				})

				Convey("And b can now acquire it", func() {
					b.WoBegin()
					So(b.AcquireConsistent(o), ShouldBeTrue)
				})
			})
		})
	})
}

func TestContextAcquireConsistentRejectsStaleSnapshot(t *testing.T) {
	Convey("Given a context whose snapshot predates a commit on o", t, func() {
		eng := New(0)
		writer := eng.NewContext()
		reader := eng.NewContext()
		o := orec.New()

		reader.WoBegin() // snapshot taken before the commit below

		writer.WoBegin()
		So(writer.AcquireConsistent(o), ShouldBeTrue)
		writer.WoEnd()

		Convey("Then reader's acquire_consistent fails even though o is unlocked", func() {
			ok, lockedByOther := reader.AcquireConsistentLocked(o)
			So(ok, ShouldBeFalse)
			So(lockedByOther, ShouldBeFalse)
		})
	})
}

func TestContextUnwindRollback(t *testing.T) {
	Convey("Given a context that acquired an orec and then unwinds", t, func() {
		eng := New(0)
		c := eng.NewContext()
		o := orec.New()
		before := o.Load()

		c.WoBegin()
		So(c.AcquireConsistent(o), ShouldBeTrue)

		Convey("When unwinding with Rollback", func() {
			c.Unwind(Rollback)

			Convey("Then o is restored to its pre-acquisition value", func() {
				So(o.Load(), ShouldEqual, before)
			})

			Convey("And the context reports unwound until WoEnd clears it", func() {
				So(c.Unwound(), ShouldBeTrue)
				c.WoEnd()
				So(c.Unwound(), ShouldBeFalse)
			})
		})
	})
}

func TestContextUnwindBump(t *testing.T) {
	Convey("Given a context that acquired an orec and then unwinds with Bump", t, func() {
		eng := New(0)
		c := eng.NewContext()
		o := orec.New()
		before := o.Load()

		c.WoBegin()
		So(c.AcquireConsistent(o), ShouldBeTrue)
		c.Unwind(Bump)

		Convey("Then o's value has strictly advanced past its old value", func() {
			So(o.Load(), ShouldEqual, before+1)
		})
	})
}

func TestContextCheckContinuation(t *testing.T) {
	Convey("Given a context that observed an orec's version during a read", t, func() {
		eng := New(0)
		reader := eng.NewContext()
		writer := eng.NewContext()
		o := orec.New()

		reader.RoBegin()
		observed := reader.CheckOrec(o)
		reader.RoEnd()

		Convey("Then check_continuation against the same version holds", func() {
			So(reader.CheckContinuation(o, observed), ShouldBeTrue)
		})

		Convey("When another context commits a write to o", func() {
			writer.WoBegin()
			So(writer.AcquireConsistent(o), ShouldBeTrue)
			writer.WoEnd()

			Convey("Then check_continuation against the stale version fails", func() {
				So(reader.CheckContinuation(o, observed), ShouldBeFalse)
			})
		})
	})
}

func TestContextAcquireAggressiveIgnoresTimestamp(t *testing.T) {
	Convey("Given a context with a stale snapshot and an orec committed after it", t, func() {
		eng := New(0)
		reader := eng.NewContext()
		writer := eng.NewContext()
		o := orec.New()

		reader.WoBegin()

		writer.WoBegin()
		So(writer.AcquireConsistent(o), ShouldBeTrue)
		writer.WoEnd()

		Convey("Then acquire_consistent fails but acquire_aggressive succeeds", func() {
			So(reader.AcquireConsistent(o), ShouldBeFalse)
			So(reader.AcquireAggressive(o), ShouldBeTrue)
		})
	})
}

func TestContextIrrevocability(t *testing.T) {
	Convey("Given two contexts on the same engine", t, func() {
		eng := New(0)
		a := eng.NewContext()
		b := eng.NewContext()

		Convey("When a becomes irrevocable while idle", func() {
			ok := a.BecomeIrrevocable()

			Convey("Then it succeeds and the token is held", func() {
				So(ok, ShouldBeTrue)
				So(eng.Epoch.IsIrrevocableHeld(), ShouldBeTrue)
			})

			Convey("And b cannot also become irrevocable", func() {
				So(b.BecomeIrrevocable(), ShouldBeFalse)
			})

			Convey("When a releases it", func() {
				a.ReleaseIrrevocable()

				Convey("Then the token is free again", func() {
					So(eng.Epoch.IsIrrevocableHeld(), ShouldBeFalse)
				})
			})
		})
	})
}

func TestContextOrecForUsesTheSharedStripeTable(t *testing.T) {
	Convey("Given a context bound to an engine's stripe table", t, func() {
		eng := New(0)
		ctx := eng.NewContext()
		type foreign struct{ n int }
		a := &foreign{n: 1}
		b := &foreign{n: 2}

		Convey("When OrecFor is called for the same object twice", func() {
			first := ctx.OrecFor(a)
			second := ctx.OrecFor(a)

			Convey("Then it returns the same stripe both times", func() {
				So(first, ShouldEqual, second)
			})
		})

		Convey("When OrecFor is called for two distinct objects", func() {
			stripeA := ctx.OrecFor(a)
			stripeB := ctx.OrecFor(b)

			Convey("Then locking one does not affect the other's visible state", func() {
				stripeA.CompareAndSwap(stripeA.Load(), orec.MakeLockWord(ctx.LockWord()))
				if stripeA != stripeB {
					So(orec.IsLocked(stripeB.Load()), ShouldBeFalse)
				}
			})
		})
	})
}

func TestNewWithStripesPanicsOnNonPowerOfTwo(t *testing.T) {
	Convey("Given a non-power-of-two stripe count", t, func() {
		Convey("When NewWithStripes is called with it", func() {
			Convey("Then it panics, matching orec.NewStripeTable's own contract", func() {
				So(func() { NewWithStripes(0, 3) }, ShouldPanic)
			})
		})
	})
}
