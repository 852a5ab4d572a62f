// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package clock provides the monotone timestamp source used by every other
// ORE package to order acquisitions, commits, and reclamation decisions.
//
// The original synchronization engine this package is modeled on reads a
// hardware cycle counter (rdtscp) to get a fast, strictly-monotone
// timestamp with a data dependence that doubles as a fence. Go exposes no
// portable equivalent, so Clock instead wraps time.Now().UnixNano() and
// bumps the result by one whenever the wall clock fails to advance,
// preserving the one property every caller actually depends on: strict
// monotonicity across successful acquisitions.
package clock

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/cpu"
)

// EndOfTime is the sentinel that exceeds every timestamp the clock can
// produce in the lifetime of a process. An orec holding EndOfTime is
// either locked with a lock word that happens to collide (impossible by
// construction, see internal/engine) or has never validated a read.
const EndOfTime = ^uint64(0)

// Clock is a strictly monotone 64-bit timestamp source. The zero value is
// not usable; construct with New.
type Clock struct {
	last atomic.Uint64

	// invariantCounter records whether the host is likely to expose an
	// invariant, cross-core monotonic counter. It does not change Clock's
	// behavior; it is exposed only through HasInvariantCounter, resolving spec's open
	// question about hardware-counter availability without letting the
	// answer affect correctness.
	invariantCounter bool
}

// New creates a Clock seeded at the current wall-clock time.
func New() *Clock {
	c := &Clock{invariantCounter: hasInvariantCounter()}
	c.last.Store(uint64(time.Now().UnixNano())) // #nosec G115
	return c
}

// HasInvariantCounter reports whether the host plausibly has an invariant
// TSC. It is diagnostic only; see the package doc.
func (c *Clock) HasInvariantCounter() bool { return c.invariantCounter }

// NowStrong returns a timestamp ordered so that every memory effect prior
// to the call is visible to any goroutine that subsequently observes the
// returned value via an orec load. Go's atomic loads/stores are always at
// least acquire/release, so NowStrong and NowRelaxed share an
// implementation; the two names are kept for API parity with the
// engine's step-mode and transactional-mode contracts, which distinguish
// the two in the reference implementation.
func (c *Clock) NowStrong() uint64 { return c.advance() }

// NowRelaxed returns a timestamp without an explicit preceding fence.
// See NowStrong for why this is, on Go's memory model, the same read.
func (c *Clock) NowRelaxed() uint64 { return c.advance() }

// advance reads the wall clock and bumps the stored value past both the
// wall-clock reading and the previously returned value, guaranteeing
// strict monotonicity even when two calls land in the same nanosecond or
// the wall clock is adjusted backwards.
func (c *Clock) advance() uint64 {
	for {
		prev := c.last.Load()
		wall := uint64(time.Now().UnixNano()) // #nosec G115
		next := wall
		if next <= prev {
			next = prev + 1
		}
		if next >= EndOfTime {
			// Unreachable in the lifetime of any real process (would require
			// ~584 years of nanosecond ticks); see spec boundary behaviors.
			next = EndOfTime - 1
		}
		if c.last.CompareAndSwap(prev, next) {
			return next
		}
	}
}

// hasInvariantCounter makes a best-effort guess about TSC invariance from
// CPU feature flags, mirroring the way the teacher's hash index package
// inspects golang.org/x/sys/cpu to pick a SIMD comparison routine. AVX2
// shipped alongside invariant-TSC support on every mainstream x86_64
// platform, so its presence is used as a (diagnostic-only) proxy.
func hasInvariantCounter() bool {
	return cpu.X86.HasAVX2
}
