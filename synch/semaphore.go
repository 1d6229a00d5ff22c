// Package synch provides the kernel synchronization primitives: counting
// semaphores, locks with priority donation, and Mesa-style condition
// variables.
package synch

import (
	"github.com/sarchlab/vmkernel/sched"
)

// A Semaphore is a nonnegative counter with two atomic operations. Down waits
// for the value to become positive and decrements it. Up increments it and
// wakes the highest-priority waiter.
type Semaphore struct {
	s       *sched.Scheduler
	value   uint
	waiters []*sched.Thread
}

// NewSemaphore creates a semaphore with the given initial value.
func NewSemaphore(s *sched.Scheduler, value uint) *Semaphore {
	return &Semaphore{
		s:     s,
		value: value,
	}
}

// Value returns the current value of the semaphore.
func (sema *Semaphore) Value() uint {
	return sema.value
}

// Down waits for the value to become positive, then decrements it. It may
// block, so it must not be called in interrupt context.
func (sema *Semaphore) Down() {
	sema.downWith(nil)
}

// downWith is Down with a callback invoked every time the caller is about to
// block.
func (sema *Semaphore) downWith(beforeBlock func()) {
	sema.s.MustNotBeInInterrupt("semaphore down")

	cur := sema.s.Current()
	for sema.value == 0 {
		if beforeBlock != nil {
			beforeBlock()
		}

		sema.waiters = append(sema.waiters, cur)
		sema.s.Block()
	}

	sema.value--
}

// TryDown decrements the value only if it is positive. It never blocks.
func (sema *Semaphore) TryDown() bool {
	if sema.value == 0 {
		return false
	}

	sema.value--

	return true
}

// Up increments the value and wakes one waiter, if any. The caller yields if
// the woken thread outranks it. Up may be called in interrupt context.
func (sema *Semaphore) Up() {
	if t := sema.popWaiter(); t != nil {
		sema.s.Unblock(t)
	}

	sema.value++
	sema.s.YieldIfOutranked()
}

// popWaiter removes the waiter with the highest effective priority. Ties go
// to the thread that has waited longest.
func (sema *Semaphore) popWaiter() *sched.Thread {
	if len(sema.waiters) == 0 {
		return nil
	}

	best := 0
	for i, t := range sema.waiters {
		if t.Priority() > sema.waiters[best].Priority() {
			best = i
		}
	}

	t := sema.waiters[best]
	sema.waiters = append(sema.waiters[:best], sema.waiters[best+1:]...)

	return t
}

// maxWaiterPriority returns the highest effective priority among the
// waiters, or sched.PriMin-1 when nobody waits.
func (sema *Semaphore) maxWaiterPriority() int {
	p := sched.PriMin - 1
	for _, t := range sema.waiters {
		if t.Priority() > p {
			p = t.Priority()
		}
	}

	return p
}
