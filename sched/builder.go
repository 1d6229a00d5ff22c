package sched

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// A Builder can build schedulers.
type Builder struct {
	mode       Mode
	timeSlice  int
	switchHook SwitchHook
	logger     *logrus.Logger
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		mode:      PriorityDonation,
		timeSlice: 4,
	}
}

// WithMode sets the scheduling mode.
func (b Builder) WithMode(mode Mode) Builder {
	b.mode = mode
	return b
}

// WithTimeSlice sets the number of timer ticks a thread may run before it is
// preempted. Zero disables preemption.
func (b Builder) WithTimeSlice(ticks int) Builder {
	b.timeSlice = ticks
	return b
}

// WithSwitchHook sets a function that is called on every thread switch.
func (b Builder) WithSwitchHook(hook SwitchHook) Builder {
	b.switchHook = hook
	return b
}

// WithLogger sets the logger. The standard logger is used by default.
func (b Builder) WithLogger(logger *logrus.Logger) Builder {
	b.logger = logger
	return b
}

// Build creates a scheduler.
func (b Builder) Build() *Scheduler {
	logger := b.logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &Scheduler{
		mode:       b.mode,
		timeSlice:  b.timeSlice,
		switchHook: b.switchHook,
		log:        logger.WithField("component", "sched"),
	}
	s.pauseCnd = sync.NewCond(&s.mu)

	return s
}
