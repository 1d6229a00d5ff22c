package tracing

import (
	"github.com/sirupsen/logrus"
)

// A LogTracer writes every record to a logger at trace level.
type LogTracer struct {
	log *logrus.Entry
}

// NewLogTracer creates a LogTracer.
func NewLogTracer(logger *logrus.Logger) *LogTracer {
	return &LogTracer{log: logger.WithField("component", "trace")}
}

// Trace logs r.
func (t *LogTracer) Trace(r Record) {
	entry := t.log.WithFields(logrus.Fields{
		"seq":     r.Seq,
		"tick":    r.Tick,
		"process": r.Process,
		"vaddr":   r.VAddr,
	})

	if r.Frame >= 0 {
		entry = entry.WithField("frame", r.Frame)
	}

	if r.Slot >= 0 {
		entry = entry.WithField("slot", r.Slot)
	}

	if r.Err != "" {
		entry = entry.WithField("error", r.Err)
	}

	entry.Trace(r.Kind)
}
