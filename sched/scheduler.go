package sched

import (
	"errors"
	"fmt"
	"log"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
)

// Mode selects how the kernel arbitrates priorities.
type Mode int

const (
	// PriorityDonation lets lock waiters lend their priority to lock
	// holders.
	PriorityDonation Mode = iota

	// MLFQS is the multi-level feedback queue mode. Locks do not donate
	// priority and thread priorities cannot be set explicitly.
	MLFQS
)

func (m Mode) String() string {
	if m == MLFQS {
		return "mlfqs"
	}

	return "priority-donation"
}

// ErrDeadlock is returned by Run when no thread can run but some threads are
// still blocked.
var ErrDeadlock = errors.New("sched: all live threads are blocked")

// A PanicError reports that a kernel thread panicked, which halts the whole
// kernel.
type PanicError struct {
	Thread string
	Value  any
	Stack  []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("kernel panic in thread %s: %v", e.Thread, e.Value)
}

// A SwitchHook is called every time the processor is handed to another
// thread.
type SwitchHook func(prev, next *Thread)

// A Scheduler multiplexes kernel threads on a single simulated processor.
// Exactly one thread runs at any moment; the others are ready, blocked, or
// dying.
type Scheduler struct {
	mu sync.Mutex

	mode       Mode
	timeSlice  int
	switchHook SwitchHook
	log        *logrus.Entry

	nextID    int
	readySeq  uint64
	current   *Thread
	ready     []*Thread
	live      map[*Thread]struct{}
	intrDepth int

	ticks         uint64
	sliceTicks    int
	yieldOnReturn bool

	running  bool
	done     chan struct{}
	finished bool
	result   error

	pauseReq bool
	parked   bool
	pauseCnd *sync.Cond
}

// Mode returns the scheduling mode.
func (s *Scheduler) Mode() Mode {
	return s.mode
}

// Ticks returns the number of timer interrupts so far.
func (s *Scheduler) Ticks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ticks
}

// Current returns the running thread.
func (s *Scheduler) Current() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		log.Panic("sched: no thread is running")
	}

	return s.current
}

// InInterrupt reports whether the processor is handling an interrupt.
func (s *Scheduler) InInterrupt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.intrDepth > 0
}

// MustNotBeInInterrupt panics if called from interrupt context. Operations
// that may block call it first.
func (s *Scheduler) MustNotBeInInterrupt(op string) {
	if s.InInterrupt() {
		log.Panicf("sched: %s called in interrupt context", op)
	}
}

// Run boots the kernel with an initial thread and returns once every thread
// has exited. It returns a *PanicError if a thread panicked and ErrDeadlock
// if the remaining threads can never be woken.
func (s *Scheduler) Run(name string, priority int, fn func()) error {
	priorityMustBeInRange(priority)

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		log.Panic("sched: scheduler is already running")
	}

	s.running = true
	s.finished = false
	s.result = nil
	s.done = make(chan struct{})
	s.live = make(map[*Thread]struct{})
	s.ready = nil

	t := s.newThreadLocked(name, priority, fn)
	t.status = StatusRunning
	s.current = t
	done := s.done
	hook := s.switchHook
	s.mu.Unlock()

	if hook != nil {
		hook(nil, t)
	}

	s.log.WithFields(logrus.Fields{
		"thread": t.name,
		"mode":   s.mode,
	}).Debug("kernel started")

	go t.main()
	t.run <- signal{}
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()

	s.running = false
	s.current = nil
	s.pauseCnd.Broadcast()

	return s.result
}

// Spawn creates a ready thread. The caller yields if the new thread has a
// higher priority.
func (s *Scheduler) Spawn(name string, priority int, fn func()) *Thread {
	priorityMustBeInRange(priority)

	s.mu.Lock()
	t := s.newThreadLocked(name, priority, fn)
	s.pushReadyLocked(t)
	s.mu.Unlock()

	go t.main()

	s.YieldIfOutranked()

	return t
}

func (s *Scheduler) newThreadLocked(
	name string,
	priority int,
	fn func(),
) *Thread {
	s.nextID++
	t := &Thread{
		id:           s.nextID,
		name:         name,
		sched:        s,
		fn:           fn,
		status:       StatusBlocked,
		basePriority: priority,
		priority:     priority,
		run:          make(chan signal, 1),
		done:         s.done,
	}
	s.live[t] = struct{}{}

	return t
}

// Block puts the running thread to sleep until another thread calls
// Unblock on it.
func (s *Scheduler) Block() {
	s.mu.Lock()
	if s.intrDepth > 0 {
		s.mu.Unlock()
		log.Panic("sched: cannot block in interrupt context")
	}

	s.current.status = StatusBlocked
	s.scheduleLocked()
}

// Unblock moves a blocked thread to the ready list. It does not preempt the
// running thread.
func (s *Scheduler) Unblock(t *Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.status != StatusBlocked {
		log.Panicf("sched: unblocking thread %s which is %s", t, t.status)
	}

	s.pushReadyLocked(t)
}

// Yield gives up the processor. The running thread stays ready and runs
// again when it is the highest-priority ready thread.
func (s *Scheduler) Yield() {
	s.mu.Lock()
	if s.intrDepth > 0 {
		s.yieldOnReturn = true
		s.mu.Unlock()

		return
	}

	s.pushReadyLocked(s.current)
	s.scheduleLocked()
}

// YieldIfOutranked yields if a ready thread has a strictly higher priority
// than the running thread.
func (s *Scheduler) YieldIfOutranked() {
	s.mu.Lock()
	outranked := false
	for _, t := range s.ready {
		if t.priority > s.current.priority {
			outranked = true
			break
		}
	}
	s.mu.Unlock()

	if outranked {
		s.Yield()
	}
}

// SetPriority changes the base priority of the running thread. Donated
// priority is kept. The thread yields if it is no longer the most important
// one. In MLFQS mode the call is ignored.
func (s *Scheduler) SetPriority(p int) {
	if s.mode == MLFQS {
		return
	}

	priorityMustBeInRange(p)

	cur := s.Current()
	cur.basePriority = p
	cur.RestorePriority()

	s.YieldIfOutranked()
}

// Exit terminates the running thread.
func (s *Scheduler) Exit() {
	s.mu.Lock()
	if s.intrDepth > 0 {
		s.mu.Unlock()
		log.Panic("sched: thread exit in interrupt context")
	}

	cur := s.current
	cur.status = StatusDying
	delete(s.live, cur)
	s.scheduleLocked()

	runtime.Goexit()
}

// Interrupt runs fn in interrupt context on behalf of the running thread.
// A yield requested during the handler happens when the handler returns.
func (s *Scheduler) Interrupt(fn func()) {
	s.mu.Lock()
	s.intrDepth++
	s.mu.Unlock()

	fn()

	s.mu.Lock()
	s.intrDepth--
	yield := s.intrDepth == 0 && s.yieldOnReturn
	if yield {
		s.yieldOnReturn = false
	}
	s.mu.Unlock()

	if yield {
		s.Yield()
	}
}

// Tick delivers a timer interrupt. The running thread is preempted once it
// has used up its time slice.
func (s *Scheduler) Tick() {
	s.Interrupt(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.ticks++
		s.sliceTicks++
		if s.timeSlice > 0 && s.sliceTicks >= s.timeSlice {
			s.yieldOnReturn = true
		}
	})
}

// Pause stops the kernel at its next thread switch so that its state can be
// inspected from outside the kernel. It returns once the kernel is parked or
// not running.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pauseReq = true
	for s.running && !s.parked {
		s.pauseCnd.Wait()
	}
}

// Continue resumes a paused kernel.
func (s *Scheduler) Continue() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pauseReq = false
	s.pauseCnd.Broadcast()
}

func (s *Scheduler) pushReadyLocked(t *Thread) {
	s.readySeq++
	t.readySeq = s.readySeq
	t.status = StatusReady
	s.ready = append(s.ready, t)
}

func (s *Scheduler) popReadyLocked() *Thread {
	if len(s.ready) == 0 {
		return nil
	}

	best := 0
	for i, t := range s.ready {
		b := s.ready[best]
		if t.priority > b.priority ||
			(t.priority == b.priority && t.readySeq < b.readySeq) {
			best = i
		}
	}

	t := s.ready[best]
	s.ready = append(s.ready[:best], s.ready[best+1:]...)

	return t
}

// scheduleLocked hands the processor to the next thread. The status of the
// current thread must already be updated. It releases s.mu.
func (s *Scheduler) scheduleLocked() {
	cur := s.current
	dying := cur.status == StatusDying

	for s.pauseReq && !s.finished {
		s.parked = true
		s.pauseCnd.Broadcast()
		s.pauseCnd.Wait()
	}
	s.parked = false

	next := s.popReadyLocked()
	if next == nil {
		if len(s.live) == 0 {
			s.finishLocked(nil)
		} else {
			s.finishLocked(ErrDeadlock)
		}
		s.mu.Unlock()

		if !dying {
			s.park(cur)
		}

		return
	}

	if next == cur {
		cur.status = StatusRunning
		s.mu.Unlock()

		return
	}

	next.status = StatusRunning
	s.current = next
	s.sliceTicks = 0
	hook := s.switchHook
	s.mu.Unlock()

	if hook != nil {
		hook(cur, next)
	}

	next.run <- signal{}

	if dying {
		return
	}

	s.park(cur)
}

func (s *Scheduler) park(t *Thread) {
	select {
	case <-t.run:
	case <-t.done:
		runtime.Goexit()
	}
}

func (s *Scheduler) halt(t *Thread, r any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"thread": t.name,
		"panic":  r,
	}).Error("kernel halted")

	s.finishLocked(&PanicError{
		Thread: t.name,
		Value:  r,
		Stack:  debug.Stack(),
	})
}

func (s *Scheduler) finishLocked(err error) {
	if s.finished {
		return
	}

	s.finished = true
	s.result = err
	s.pauseCnd.Broadcast()
	close(s.done)
}

func priorityMustBeInRange(p int) {
	if p < PriMin || p > PriMax {
		log.Panicf("sched: priority %d out of range [%d, %d]",
			p, PriMin, PriMax)
	}
}
