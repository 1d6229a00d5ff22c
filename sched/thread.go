package sched

import (
	"fmt"
	"sort"
)

// Priority bounds of kernel threads.
const (
	PriMin     = 0
	PriDefault = 31
	PriMax     = 63
)

// Status is the scheduling state of a thread.
type Status int

// All the thread states.
const (
	StatusReady Status = iota
	StatusRunning
	StatusBlocked
	StatusDying
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusBlocked:
		return "blocked"
	case StatusDying:
		return "dying"
	}

	return fmt.Sprintf("status(%d)", int(s))
}

// A Donor is a resource, normally a lock, that carries the priority donated
// by the threads waiting for it.
type Donor interface {
	// Holder returns the thread that currently owns the resource.
	Holder() *Thread

	// DonatedPriority returns the highest priority donated through the
	// resource.
	DonatedPriority() int
}

type signal struct{}

// A Thread is a kernel thread. Its body runs on a dedicated goroutine, but
// only the thread that holds the processor makes progress.
type Thread struct {
	id    int
	name  string
	sched *Scheduler
	fn    func()

	status       Status
	basePriority int
	priority     int
	readySeq     uint64

	held      []Donor
	waitingOn Donor

	context any

	run  chan signal
	done chan struct{}
}

// ID returns the thread identifier.
func (t *Thread) ID() int {
	return t.id
}

// Name returns the name given when the thread was created.
func (t *Thread) Name() string {
	return t.name
}

// Status returns the scheduling state of the thread.
func (t *Thread) Status() Status {
	return t.status
}

// Priority returns the effective priority, including donations.
func (t *Thread) Priority() int {
	return t.priority
}

// BasePriority returns the priority the thread has without donations.
func (t *Thread) BasePriority() int {
	return t.basePriority
}

// Context returns the value attached with SetContext, typically the address
// space of the process the thread runs.
func (t *Thread) Context() any {
	return t.context
}

// SetContext attaches an arbitrary value to the thread.
func (t *Thread) SetContext(v any) {
	t.context = v
}

// WaitingOn returns the donor the thread is blocked on, if any.
func (t *Thread) WaitingOn() Donor {
	return t.waitingOn
}

// SetWaitingOn records the donor the thread is about to block on.
func (t *Thread) SetWaitingOn(d Donor) {
	t.waitingOn = d
}

// Held returns the donors the thread holds, highest donated priority first.
func (t *Thread) Held() []Donor {
	return t.held
}

// AddHeld records that the thread now holds d.
func (t *Thread) AddHeld(d Donor) {
	t.held = append(t.held, d)
	t.sortHeld()
}

// RemoveHeld records that the thread no longer holds d.
func (t *Thread) RemoveHeld(d Donor) {
	for i, h := range t.held {
		if h == d {
			t.held = append(t.held[:i], t.held[i+1:]...)
			return
		}
	}

	panic(fmt.Sprintf("thread %s does not hold the released resource", t.name))
}

// ResortHeld must be called after the donated priority of a held donor
// changes.
func (t *Thread) ResortHeld() {
	t.sortHeld()
}

func (t *Thread) sortHeld() {
	sort.SliceStable(t.held, func(i, j int) bool {
		return t.held[i].DonatedPriority() > t.held[j].DonatedPriority()
	})
}

// Donate raises the effective priority to p. It returns false if the thread
// already runs at p or higher.
func (t *Thread) Donate(p int) bool {
	if t.priority >= p {
		return false
	}

	t.priority = p

	return true
}

// RestorePriority recomputes the effective priority as the maximum of the
// base priority and the highest ceiling among the held donors.
func (t *Thread) RestorePriority() {
	t.priority = t.basePriority
	if len(t.held) > 0 && t.held[0].DonatedPriority() > t.priority {
		t.priority = t.held[0].DonatedPriority()
	}
}

func (t *Thread) main() {
	select {
	case <-t.run:
	case <-t.done:
		return
	}

	defer func() {
		if r := recover(); r != nil {
			t.sched.halt(t, r)
		}
	}()

	t.fn()
	t.sched.Exit()
}

func (t *Thread) String() string {
	return fmt.Sprintf("%s(%d)", t.name, t.id)
}
