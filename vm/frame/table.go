// Package frame keeps the inventory of the physical frames that back user
// pages and decides which frame to reclaim when none is free.
//
// Every method with the Locked suffix requires the caller to hold the table
// lock (Lock/Unlock). Methods that wait may release and retake it.
package frame

import (
	"fmt"
	"log"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/vmkernel/hw"
	"github.com/sarchlab/vmkernel/sched"
	"github.com/sarchlab/vmkernel/synch"
)

// A Handle identifies a frame of the table.
type Handle int

// A PageID names one virtual page of one address space.
type PageID struct {
	Space uint64
	VPN   uint64
}

func (id PageID) String() string {
	return fmt.Sprintf("%d:%#x", id.Space, id.VPN)
}

// A ShareKey names read-only file content that several address spaces may
// map through the same frame.
type ShareKey struct {
	Inode  uint64
	Offset int64
}

// An Eviction removes one page from a frame in two steps. Write saves the
// content and runs without the table lock. Commit runs under the table lock
// with the result of Write.
type Eviction interface {
	Write(kpage []byte) error
	Commit(err error)
}

// A Pager knows the pages that live in the frames.
type Pager interface {
	// TestAndClearAccessed reports whether the page was accessed since the
	// last call and clears the accessed indicator.
	TestAndClearAccessed(id PageID) bool

	// PrepareEviction removes the translation of the page, so that further
	// accesses fault, and returns the plan that saves its content.
	PrepareEviction(id PageID) Eviction
}

type frame struct {
	pfn    hw.PFN
	pages  []PageID
	io     bool
	ioDone *synch.Cond
	pins   int

	shared bool
	key    ShareKey
}

// A Table owns the frames of physical memory available to user pages.
type Table struct {
	name  string
	mem   *hw.PhysMem
	pager Pager
	log   *logrus.Entry

	sched     *sched.Scheduler
	lock      *synch.Lock
	frames    []*frame
	maxFrames int
	hand      int
	shared    map[ShareKey]Handle

	evictions atomic.Uint64
}

// SetPager sets the collaborator that is consulted during eviction.
func (t *Table) SetPager(p Pager) {
	t.pager = p
}

// Name returns the name of the table.
func (t *Table) Name() string {
	return t.name
}

// Lock acquires the table lock.
func (t *Table) Lock() {
	t.lock.Acquire()
}

// Unlock releases the table lock.
func (t *Table) Unlock() {
	t.lock.Release()
}

// Data returns the memory of frame h.
func (t *Table) Data(h Handle) []byte {
	return t.mem.Frame(t.frameOf(h).pfn)
}

// PFN returns the physical frame number of frame h.
func (t *Table) PFN(h Handle) hw.PFN {
	return t.frameOf(h).pfn
}

// AcquireLocked returns a frame that holds nothing but owner. The frame comes
// back with its io flag set; the caller fills it and calls FinishIOLocked.
//
// If no frame is free, a victim is evicted. reserve is called with the
// chosen frame before the table lock is released for write-back, so that
// the owner can record the frame and concurrent faults on the same page wait
// for the io flag. If write-back fails, the victim pages stay in the frame
// and the error is returned; the caller must undo what reserve did.
func (t *Table) AcquireLocked(
	owner PageID,
	reserve func(Handle),
) (Handle, error) {
	t.lockMustBeHeld()

	for {
		if h, ok := t.freeFrameLocked(); ok {
			f := t.frames[h]
			f.pages = []PageID{owner}
			f.io = true
			reserve(h)

			return h, nil
		}

		h, ok := t.pickVictimLocked()
		if ok {
			return h, t.evictLocked(h, owner, reserve)
		}

		busy := t.anyBusyLocked()
		if busy < 0 {
			log.Panicf("frame: %s has no frame that can be evicted", t.name)
		}

		t.WaitIOLocked(Handle(busy))
	}
}

func (t *Table) freeFrameLocked() (Handle, bool) {
	for i, f := range t.frames {
		if len(f.pages) == 0 && !f.io && f.pins == 0 {
			return Handle(i), true
		}
	}

	if len(t.frames) < t.maxFrames {
		t.frames = append(t.frames, t.newFrame(hw.PFN(len(t.frames))))
		return Handle(len(t.frames) - 1), true
	}

	return 0, false
}

func (t *Table) newFrame(pfn hw.PFN) *frame {
	return &frame{
		pfn:    pfn,
		ioDone: synch.NewCond(t.sched),
	}
}

func (t *Table) evictable(f *frame) bool {
	return !f.io && f.pins == 0 && len(f.pages) > 0
}

// pickVictimLocked runs the clock. Each frame gets a second chance if any of
// its pages was accessed. Two sweeps always find a victim unless every frame
// is busy or pinned; the frame under the hand is the last resort.
func (t *Table) pickVictimLocked() (Handle, bool) {
	n := len(t.frames)
	if n == 0 {
		return 0, false
	}

	start := t.hand % n
	for i := 0; i < 2*n; i++ {
		h := (start + i) % n
		f := t.frames[h]
		if !t.evictable(f) {
			continue
		}

		accessed := false
		for _, id := range f.pages {
			if t.pager.TestAndClearAccessed(id) {
				accessed = true
			}
		}

		if !accessed && t.evictable(f) {
			t.hand = (h + 1) % n
			return Handle(h), true
		}
	}

	if t.evictable(t.frames[start]) {
		t.hand = (start + 1) % n
		return Handle(start), true
	}

	return 0, false
}

func (t *Table) anyBusyLocked() int {
	for i, f := range t.frames {
		if f.io {
			return i
		}
	}

	return -1
}

func (t *Table) evictLocked(
	h Handle,
	owner PageID,
	reserve func(Handle),
) error {
	f := t.frames[h]
	f.io = true
	t.unshareLocked(f)

	victims := f.pages
	plans := make([]Eviction, len(victims))
	for i, id := range victims {
		plans[i] = t.pager.PrepareEviction(id)
	}

	reserve(h)

	t.lock.Release()
	kpage := t.mem.Frame(f.pfn)
	errs := make([]error, len(plans))
	for i, plan := range plans {
		errs[i] = plan.Write(kpage)
	}
	t.lock.Acquire()

	var (
		kept     []PageID
		firstErr error
	)

	for i, plan := range plans {
		plan.Commit(errs[i])
		if errs[i] != nil {
			kept = append(kept, victims[i])
			if firstErr == nil {
				firstErr = errs[i]
			}
		}
	}

	if firstErr != nil {
		f.pages = kept
		t.finishIO(f)

		t.log.WithFields(logrus.Fields{
			"frame": h,
			"kept":  len(kept),
		}).WithError(firstErr).Warn("eviction failed")

		return firstErr
	}

	t.evictions.Add(1)
	f.pages = []PageID{owner}

	t.log.WithFields(logrus.Fields{
		"frame":   h,
		"victims": victims,
		"owner":   owner,
	}).Debug("frame evicted")

	return nil
}

// BusyLocked reports whether frame h has io in progress.
func (t *Table) BusyLocked(h Handle) bool {
	t.lockMustBeHeld()
	return t.frameOf(h).io
}

// WaitIOLocked waits until frame h has no io in progress. The table lock is
// released while waiting, so the caller must revalidate its state.
func (t *Table) WaitIOLocked(h Handle) {
	t.lockMustBeHeld()

	f := t.frameOf(h)
	for f.io {
		f.ioDone.Wait(t.lock)
	}
}

// BeginIOLocked sets the io flag of frame h, which keeps the frame from
// being evicted or reused until FinishIOLocked.
func (t *Table) BeginIOLocked(h Handle) {
	t.lockMustBeHeld()

	f := t.frameOf(h)
	if f.io {
		log.Panicf("frame: io already in progress on frame %d", h)
	}

	f.io = true
}

// FinishIOLocked clears the io flag of frame h and wakes its waiters.
func (t *Table) FinishIOLocked(h Handle) {
	t.lockMustBeHeld()

	f := t.frameOf(h)
	if !f.io {
		log.Panicf("frame: no io in progress on frame %d", h)
	}

	t.finishIO(f)
}

func (t *Table) finishIO(f *frame) {
	f.io = false
	f.ioDone.Broadcast(t.lock)
}

// LookupSharedLocked returns the frame that holds the content named by key.
// The frame never has io in progress.
func (t *Table) LookupSharedLocked(key ShareKey) (Handle, bool) {
	t.lockMustBeHeld()

	h, ok := t.shared[key]

	return h, ok
}

// ShareLocked publishes frame h as the holder of the content named by key.
// The content must already be loaded. If another frame holds the same
// content, the first one stays published and h is left private.
func (t *Table) ShareLocked(h Handle, key ShareKey) {
	t.lockMustBeHeld()

	f := t.frameOf(h)
	t.unshareLocked(f)

	if _, taken := t.shared[key]; taken {
		return
	}

	f.shared = true
	f.key = key
	t.shared[key] = h
}

func (t *Table) unshareLocked(f *frame) {
	if !f.shared {
		return
	}

	if h, ok := t.shared[f.key]; ok && t.frames[h] == f {
		delete(t.shared, f.key)
	}

	f.shared = false
}

// AttachLocked adds id to the pages mapped to frame h. The frame must be
// idle: pages attached during io would be lost when the io owner rewrites
// the page set.
func (t *Table) AttachLocked(h Handle, id PageID) {
	t.lockMustBeHeld()

	f := t.frameOf(h)
	if f.io {
		log.Panicf("frame: attaching page %s to frame %d during io", id, h)
	}

	for _, p := range f.pages {
		if p == id {
			log.Panicf("frame: page %s already in frame %d", id, h)
		}
	}

	f.pages = append(f.pages, id)
}

// ReleaseLocked removes id from the pages of frame h. A frame left with no
// pages becomes free.
func (t *Table) ReleaseLocked(h Handle, id PageID) {
	t.lockMustBeHeld()

	f := t.frameOf(h)
	for i, p := range f.pages {
		if p == id {
			f.pages = append(f.pages[:i], f.pages[i+1:]...)
			if len(f.pages) == 0 {
				t.unshareLocked(f)
			}

			return
		}
	}

	log.Panicf("frame: page %s is not in frame %d", id, h)
}

// PinLocked keeps frame h from being evicted until a matching UnpinLocked.
func (t *Table) PinLocked(h Handle) {
	t.lockMustBeHeld()
	t.frameOf(h).pins++
}

// UnpinLocked undoes one PinLocked.
func (t *Table) UnpinLocked(h Handle) {
	t.lockMustBeHeld()

	f := t.frameOf(h)
	if f.pins == 0 {
		log.Panicf("frame: unpinning frame %d which is not pinned", h)
	}

	f.pins--
}

// PagesLocked returns the pages mapped to frame h.
func (t *Table) PagesLocked(h Handle) []PageID {
	t.lockMustBeHeld()
	return append([]PageID(nil), t.frameOf(h).pages...)
}

func (t *Table) frameOf(h Handle) *frame {
	if h < 0 || int(h) >= len(t.frames) {
		log.Panicf("frame: invalid frame handle %d", h)
	}

	return t.frames[h]
}

func (t *Table) lockMustBeHeld() {
	if !t.lock.HeldByCurrentThread() {
		log.Panicf("frame: %s lock is not held", t.name)
	}
}
