package swap

import (
	"log"

	"github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/bitmap"

	"github.com/sarchlab/vmkernel/device"
	"github.com/sarchlab/vmkernel/sched"
	"github.com/sarchlab/vmkernel/synch"
)

// A Builder can build swap stores.
type Builder struct {
	sched    *sched.Scheduler
	dev      device.BlockDevice
	pageSize int
	logger   *logrus.Logger
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		pageSize: 4096,
	}
}

// WithScheduler sets the scheduler that the store lock blocks on.
func (b Builder) WithScheduler(s *sched.Scheduler) Builder {
	b.sched = s
	return b
}

// WithDevice sets the block device that holds the slots.
func (b Builder) WithDevice(dev device.BlockDevice) Builder {
	b.dev = dev
	return b
}

// WithPageSize sets the size of a slot.
func (b Builder) WithPageSize(size int) Builder {
	b.pageSize = size
	return b
}

// WithLogger sets the logger. The standard logger is used by default.
func (b Builder) WithLogger(logger *logrus.Logger) Builder {
	b.logger = logger
	return b
}

// Build creates a swap store.
func (b Builder) Build(name string) *Store {
	if b.sched == nil || b.dev == nil {
		log.Panic("swap: a scheduler and a device are required")
	}

	ss := b.dev.SectorSize()
	if b.pageSize%ss != 0 {
		log.Panicf("swap: page size %d is not a multiple of sector size %d",
			b.pageSize, ss)
	}

	logger := b.logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	sectorsPerSlot := uint64(b.pageSize / ss)
	numSlots := uint32(b.dev.Size() / sectorsPerSlot)

	return &Store{
		name:           name,
		dev:            b.dev,
		log:            logger.WithField("component", name),
		pageSize:       b.pageSize,
		sectorsPerSlot: sectorsPerSlot,
		numSlots:       numSlots,
		lock:           synch.NewLock(b.sched, name),
		used:           bitmap.New(numSlots),
	}
}
