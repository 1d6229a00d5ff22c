package vm

import (
	"log"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/vmkernel/hw"
	"github.com/sarchlab/vmkernel/sched"
	"github.com/sarchlab/vmkernel/vm/frame"
	"github.com/sarchlab/vmkernel/vm/swap"
)

// A Builder can build managers.
type Builder struct {
	sched      *sched.Scheduler
	mmu        *hw.MMU
	frames     *frame.Table
	swap       *swap.Store
	pageSize   uint64
	userTop    uint64
	stackLimit uint64
	stackSlack uint64
	logger     *logrus.Logger
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		pageSize:   4096,
		userTop:    0xC0000000,
		stackLimit: 1 << 20,
		stackSlack: 32,
	}
}

// WithScheduler sets the scheduler.
func (b Builder) WithScheduler(s *sched.Scheduler) Builder {
	b.sched = s
	return b
}

// WithMMU sets the MMU used for user accesses.
func (b Builder) WithMMU(mmu *hw.MMU) Builder {
	b.mmu = mmu
	return b
}

// WithFrameTable sets the frame table. The manager becomes its pager.
func (b Builder) WithFrameTable(t *frame.Table) Builder {
	b.frames = t
	return b
}

// WithSwap sets the swap store.
func (b Builder) WithSwap(st *swap.Store) Builder {
	b.swap = st
	return b
}

// WithPageSize sets the page size.
func (b Builder) WithPageSize(size uint64) Builder {
	b.pageSize = size
	return b
}

// WithUserTop sets the first address above user space.
func (b Builder) WithUserTop(top uint64) Builder {
	b.userTop = top
	return b
}

// WithStackLimit sets the maximum size of the user stack.
func (b Builder) WithStackLimit(limit uint64) Builder {
	b.stackLimit = limit
	return b
}

// WithStackSlack sets how far below the stack pointer an access may land and
// still grow the stack.
func (b Builder) WithStackSlack(slack uint64) Builder {
	b.stackSlack = slack
	return b
}

// WithLogger sets the logger. The standard logger is used by default.
func (b Builder) WithLogger(logger *logrus.Logger) Builder {
	b.logger = logger
	return b
}

// Build creates a manager.
func (b Builder) Build(name string) *Manager {
	if b.sched == nil || b.mmu == nil || b.frames == nil || b.swap == nil {
		log.Panic("vm: scheduler, MMU, frame table and swap are required")
	}

	if b.userTop%b.pageSize != 0 || b.stackLimit > b.userTop {
		log.Panicf("vm: bad user top %#x or stack limit %#x",
			b.userTop, b.stackLimit)
	}

	logger := b.logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	m := &Manager{
		name:       name,
		s:          b.sched,
		mmu:        b.mmu,
		frames:     b.frames,
		swap:       b.swap,
		log:        logger.WithField("component", name),
		pageSize:   b.pageSize,
		userTop:    b.userTop,
		stackLimit: b.stackLimit,
		stackSlack: b.stackSlack,
		spaces:     make(map[uint64]*AddressSpace),
	}
	b.frames.SetPager(m)

	return m
}
