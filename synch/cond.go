package synch

import (
	"log"

	"github.com/sarchlab/vmkernel/sched"
)

type condWaiter struct {
	sema   *Semaphore
	thread *sched.Thread
}

// A Cond lets threads wait for a condition guarded by a lock. Signaling is
// Mesa style: a woken thread must recheck its condition after Wait returns.
type Cond struct {
	s       *sched.Scheduler
	waiters []*condWaiter
}

// NewCond creates a condition variable.
func NewCond(s *sched.Scheduler) *Cond {
	return &Cond{s: s}
}

// Waiting returns the number of threads waiting on the condition.
func (c *Cond) Waiting() int {
	return len(c.waiters)
}

// Wait atomically releases l and blocks until signaled, then reacquires l.
// The caller must hold l.
func (c *Cond) Wait(l *Lock) {
	c.s.MustNotBeInInterrupt("cond wait")
	lockMustBeHeld(l, "wait")

	w := &condWaiter{
		sema:   NewSemaphore(c.s, 0),
		thread: c.s.Current(),
	}
	c.waiters = append(c.waiters, w)

	l.Release()
	w.sema.Down()
	l.Acquire()
}

// Signal wakes the highest-priority waiter, if any. The caller must hold l.
func (c *Cond) Signal(l *Lock) {
	lockMustBeHeld(l, "signal")

	if len(c.waiters) == 0 {
		return
	}

	best := 0
	for i, w := range c.waiters {
		if w.thread.Priority() > c.waiters[best].thread.Priority() {
			best = i
		}
	}

	w := c.waiters[best]
	c.waiters = append(c.waiters[:best], c.waiters[best+1:]...)
	w.sema.Up()
}

// Broadcast wakes every waiter. The caller must hold l.
func (c *Cond) Broadcast(l *Lock) {
	for len(c.waiters) > 0 {
		c.Signal(l)
	}
}

func lockMustBeHeld(l *Lock, op string) {
	if !l.HeldByCurrentThread() {
		log.Panicf("synch: cond %s without holding lock %s",
			op, l.Name())
	}
}
