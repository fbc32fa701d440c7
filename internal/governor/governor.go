// Package governor applies the process-wide cap on concurrent VLESS
// sessions. It is the one piece of genuinely global mutable state besides
// the buffer pool (SPEC_FULL.md §9), so it is built around a single
// counting semaphore with a single-phase init and no teardown except at
// process exit — the same shape as the teacher's common/signal/semaphore,
// here backed by the ecosystem golang.org/x/sync/semaphore instead of a
// hand-rolled one, since the contract ("try-acquire, never block accept")
// is exactly weighted-semaphore's TryAcquire.
package governor

import (
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Governor limits the number of concurrently active sessions. A zero
// Max means unlimited: every Acquire call succeeds immediately.
type Governor struct {
	sem      *semaphore.Weighted
	max      int64
	rejected int64
	active   int64
}

// New creates a Governor with the given capacity. max <= 0 means no limit.
func New(max int) *Governor {
	g := &Governor{max: int64(max)}
	if max > 0 {
		g.sem = semaphore.NewWeighted(int64(max))
	}
	return g
}

// TryAcquire attempts to admit one more session. It never blocks: on
// overflow it returns false and bumps the rejected counter.
func (g *Governor) TryAcquire() bool {
	if g.sem == nil {
		atomic.AddInt64(&g.active, 1)
		return true
	}
	if !g.sem.TryAcquire(1) {
		atomic.AddInt64(&g.rejected, 1)
		return false
	}
	atomic.AddInt64(&g.active, 1)
	return true
}

// Release returns one permit. Must be called exactly once per successful
// TryAcquire, on every session exit path.
func (g *Governor) Release() {
	atomic.AddInt64(&g.active, -1)
	if g.sem != nil {
		g.sem.Release(1)
	}
}

// Active returns the current number of admitted sessions.
func (g *Governor) Active() int64 {
	return atomic.LoadInt64(&g.active)
}

// Rejected returns the total number of accepts rejected for capacity.
func (g *Governor) Rejected() int64 {
	return atomic.LoadInt64(&g.rejected)
}

// Max returns the configured capacity, or 0 for unlimited.
func (g *Governor) Max() int64 {
	return g.max
}
