package frame

import (
	"log"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/vmkernel/hw"
	"github.com/sarchlab/vmkernel/sched"
	"github.com/sarchlab/vmkernel/synch"
)

// A Builder can build frame tables.
type Builder struct {
	sched     *sched.Scheduler
	mem       *hw.PhysMem
	pager     Pager
	numFrames int
	lazy      bool
	logger    *logrus.Logger
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{}
}

// WithScheduler sets the scheduler that the table lock blocks on.
func (b Builder) WithScheduler(s *sched.Scheduler) Builder {
	b.sched = s
	return b
}

// WithPhysMem sets the physical memory. By default every frame of the
// memory is available to the table.
func (b Builder) WithPhysMem(mem *hw.PhysMem) Builder {
	b.mem = mem
	return b
}

// WithPager sets the collaborator consulted during eviction. It can also be
// set later with SetPager.
func (b Builder) WithPager(p Pager) Builder {
	b.pager = p
	return b
}

// WithNumFrames limits the number of frames the table may use.
func (b Builder) WithNumFrames(n int) Builder {
	b.numFrames = n
	return b
}

// WithLazyAllocation makes the table create frames on first use instead of
// at build time.
func (b Builder) WithLazyAllocation() Builder {
	b.lazy = true
	return b
}

// WithLogger sets the logger. The standard logger is used by default.
func (b Builder) WithLogger(logger *logrus.Logger) Builder {
	b.logger = logger
	return b
}

// Build creates a frame table.
func (b Builder) Build(name string) *Table {
	if b.sched == nil || b.mem == nil {
		log.Panic("frame: a scheduler and a physical memory are required")
	}

	n := b.numFrames
	if n == 0 || uint64(n) > b.mem.NumFrames() {
		n = int(b.mem.NumFrames())
	}

	logger := b.logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	t := &Table{
		name:      name,
		mem:       b.mem,
		pager:     b.pager,
		log:       logger.WithField("component", name),
		sched:     b.sched,
		lock:      synch.NewLock(b.sched, name),
		maxFrames: n,
		shared:    make(map[ShareKey]Handle),
	}

	if !b.lazy {
		for i := 0; i < n; i++ {
			t.frames = append(t.frames, t.newFrame(hw.PFN(i)))
		}
	}

	return t
}
