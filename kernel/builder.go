package kernel

import (
	"io"
	"os"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/vmkernel/device"
	"github.com/sarchlab/vmkernel/hw"
	"github.com/sarchlab/vmkernel/sched"
	"github.com/sarchlab/vmkernel/vm"
	"github.com/sarchlab/vmkernel/vm/frame"
	"github.com/sarchlab/vmkernel/vm/swap"
)

// A Builder can build kernels.
type Builder struct {
	pageSize    uint64
	sectorSize  int
	numFrames   int
	swapSlots   uint64
	swapFile    string
	lazyFrames  bool
	mode        sched.Mode
	timeSlice   int
	diskLatency int
	fileLatency int
	userTop     uint64
	stackLimit  uint64
	logger      *logrus.Logger
	out         io.Writer
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		pageSize:   4096,
		sectorSize: 512,
		numFrames:  64,
		swapSlots:  256,
		mode:       sched.PriorityDonation,
		timeSlice:  4,
		userTop:    0xC0000000,
		stackLimit: 1 << 20,
	}
}

// WithPageSize sets the page size in bytes.
func (b Builder) WithPageSize(size uint64) Builder {
	b.pageSize = size
	return b
}

// WithSectorSize sets the sector size of the swap device.
func (b Builder) WithSectorSize(size int) Builder {
	b.sectorSize = size
	return b
}

// WithNumFrames sets the number of physical frames user pages may use.
func (b Builder) WithNumFrames(n int) Builder {
	b.numFrames = n
	return b
}

// WithSwapSlots sets the capacity of the swap device in pages.
func (b Builder) WithSwapSlots(n uint64) Builder {
	b.swapSlots = n
	return b
}

// WithSwapFile stores swap in a host file instead of memory.
func (b Builder) WithSwapFile(path string) Builder {
	b.swapFile = path
	return b
}

// WithLazyFrames allocates frames on first use.
func (b Builder) WithLazyFrames() Builder {
	b.lazyFrames = true
	return b
}

// WithMode sets the scheduling mode.
func (b Builder) WithMode(mode sched.Mode) Builder {
	b.mode = mode
	return b
}

// WithTimeSlice sets the number of ticks before a thread is preempted.
func (b Builder) WithTimeSlice(ticks int) Builder {
	b.timeSlice = ticks
	return b
}

// WithDiskLatency makes every swap sector transfer yield the processor the
// given number of times.
func (b Builder) WithDiskLatency(yields int) Builder {
	b.diskLatency = yields
	return b
}

// WithFileLatency makes every file transfer yield the processor the given
// number of times.
func (b Builder) WithFileLatency(yields int) Builder {
	b.fileLatency = yields
	return b
}

// WithUserTop sets the top of user space.
func (b Builder) WithUserTop(top uint64) Builder {
	b.userTop = top
	return b
}

// WithStackLimit sets the maximum stack size.
func (b Builder) WithStackLimit(limit uint64) Builder {
	b.stackLimit = limit
	return b
}

// WithLogger sets the logger. The standard logger is used by default.
func (b Builder) WithLogger(logger *logrus.Logger) Builder {
	b.logger = logger
	return b
}

// WithOutput sets where exit messages are printed. Stdout is used by
// default.
func (b Builder) WithOutput(w io.Writer) Builder {
	b.out = w
	return b
}

// Build creates a kernel. It fails only if the swap file cannot be opened.
func (b Builder) Build(name string) (*Kernel, error) {
	logger := b.logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	out := b.out
	if out == nil {
		out = os.Stdout
	}

	k := &Kernel{
		name:  name,
		runID: xid.New(),
		out:   out,
		log:   logger.WithField("component", name),
		procs: make(map[*vm.AddressSpace]*Process),
	}

	k.s = sched.MakeBuilder().
		WithMode(b.mode).
		WithTimeSlice(b.timeSlice).
		WithSwitchHook(k.switchAddressSpace).
		WithLogger(logger).
		Build()

	k.mem = hw.NewPhysMem(b.pageSize, uint64(b.numFrames))
	k.mmu = hw.NewMMU(k.mem)

	dev, err := b.buildSwapDevice(k.s)
	if err != nil {
		return nil, err
	}
	k.swapDev = dev

	k.swap = swap.MakeBuilder().
		WithScheduler(k.s).
		WithDevice(dev).
		WithPageSize(int(b.pageSize)).
		WithLogger(logger).
		Build(name + ".swap")

	fb := frame.MakeBuilder().
		WithScheduler(k.s).
		WithPhysMem(k.mem).
		WithNumFrames(b.numFrames).
		WithLogger(logger)
	if b.lazyFrames {
		fb = fb.WithLazyAllocation()
	}
	k.frames = fb.Build(name + ".frames")

	k.vm = vm.MakeBuilder().
		WithScheduler(k.s).
		WithMMU(k.mmu).
		WithFrameTable(k.frames).
		WithSwap(k.swap).
		WithPageSize(b.pageSize).
		WithUserTop(b.userTop).
		WithStackLimit(b.stackLimit).
		WithLogger(logger).
		Build(name + ".vm")

	k.fs = device.NewFileSystem()
	if b.fileLatency > 0 {
		k.fs.WithLatency(k.s, b.fileLatency)
	}

	k.log.WithFields(logrus.Fields{
		"run":        k.runID.String(),
		"frames":     b.numFrames,
		"swap_slots": k.swap.Capacity(),
		"page_size":  b.pageSize,
		"mode":       b.mode,
	}).Info("kernel built")

	return k, nil
}

func (b Builder) buildSwapDevice(s *sched.Scheduler) (device.BlockDevice, error) {
	db := device.MakeBuilder().
		WithSectorSize(b.sectorSize).
		WithNumSectors(b.swapSlots * b.pageSize / uint64(b.sectorSize))
	if b.diskLatency > 0 {
		db = db.WithLatency(s, b.diskLatency)
	}

	if b.swapFile == "" {
		return db.Build("swapdev"), nil
	}

	dev, err := db.BuildFile("swapdev", b.swapFile)
	if err != nil {
		return nil, err
	}

	return dev, nil
}
