package synch

import (
	"log"

	"github.com/sarchlab/vmkernel/sched"
)

// DefaultMaxDepth bounds the length of a priority donation chain.
const DefaultMaxDepth = 8

// A Lock can be held by at most one thread at a time. Locks are not
// recursive: acquiring a lock the caller already holds is a fatal error, and
// so is releasing a lock the caller does not hold.
//
// When a thread blocks on a held lock in priority-donation mode, its priority
// is donated to the holder and, transitively, to the holders of the locks
// the holder itself waits on.
type Lock struct {
	name     string
	s        *sched.Scheduler
	sema     *Semaphore
	holder   *sched.Thread
	ceiling  int
	maxDepth int
}

// NewLock creates a lock.
func NewLock(s *sched.Scheduler, name string) *Lock {
	return &Lock{
		name:     name,
		s:        s,
		sema:     NewSemaphore(s, 1),
		ceiling:  sched.PriMin - 1,
		maxDepth: DefaultMaxDepth,
	}
}

// WithMaxDepth overrides the maximum donation chain depth walked from this
// lock.
func (l *Lock) WithMaxDepth(depth int) *Lock {
	l.maxDepth = depth
	return l
}

// Name returns the name of the lock.
func (l *Lock) Name() string {
	return l.name
}

// Holder returns the thread that owns the lock, or nil.
func (l *Lock) Holder() *sched.Thread {
	return l.holder
}

// DonatedPriority returns the highest priority donated through the lock.
func (l *Lock) DonatedPriority() int {
	return l.ceiling
}

// HeldByCurrentThread reports whether the running thread holds the lock.
func (l *Lock) HeldByCurrentThread() bool {
	return l.holder != nil && l.holder == l.s.Current()
}

// Acquire blocks until the running thread owns the lock.
func (l *Lock) Acquire() {
	l.s.MustNotBeInInterrupt("lock acquire")

	cur := l.s.Current()
	if l.holder == cur {
		log.Panicf("synch: %s acquires lock %s it already holds", cur, l.name)
	}

	donating := l.s.Mode() == sched.PriorityDonation
	l.sema.downWith(func() {
		if donating {
			cur.SetWaitingOn(l)
			l.donate(cur.Priority())
		}
	})

	cur.SetWaitingOn(nil)
	l.takeOwnership(cur, donating)
}

// TryAcquire acquires the lock only if it is free. It never blocks and never
// donates, so it may be called in interrupt context.
func (l *Lock) TryAcquire() bool {
	cur := l.s.Current()
	if l.holder == cur {
		log.Panicf("synch: %s acquires lock %s it already holds", cur, l.name)
	}

	if !l.sema.TryDown() {
		return false
	}

	l.takeOwnership(cur, l.s.Mode() == sched.PriorityDonation)

	return true
}

// Release gives up ownership and wakes the highest-priority waiter.
func (l *Lock) Release() {
	cur := l.s.Current()
	if l.holder != cur {
		log.Panicf("synch: %s releases lock %s it does not hold", cur, l.name)
	}

	l.holder = nil
	if l.s.Mode() == sched.PriorityDonation {
		cur.RemoveHeld(l)
		l.ceiling = sched.PriMin - 1
		cur.RestorePriority()
	}

	l.sema.Up()
}

// takeOwnership makes t the holder. Threads still waiting keep donating to
// the new holder.
func (l *Lock) takeOwnership(t *sched.Thread, donating bool) {
	l.holder = t
	if !donating {
		return
	}

	l.ceiling = l.sema.maxWaiterPriority()
	t.AddHeld(l)
	t.RestorePriority()
}

// donate walks the chain of lock holders starting at l and raises each of
// them to priority p. The walk stops after maxDepth locks. A chain that
// returns to the donating thread is a deadlock.
func (l *Lock) donate(p int) {
	donor := l.s.Current()
	lock := l

	for depth := 0; lock != nil && depth < l.maxDepth; depth++ {
		holder := lock.holder
		if holder == nil {
			return
		}

		if holder == donor {
			log.Panicf("synch: deadlock, %s waits on lock %s held by itself",
				donor, lock.name)
		}

		if p > lock.ceiling {
			lock.ceiling = p
			holder.ResortHeld()
		}

		if !holder.Donate(p) {
			return
		}

		next, _ := holder.WaitingOn().(*Lock)
		lock = next
	}
}
