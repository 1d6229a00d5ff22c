// Package tracing turns paging hooks into trace records and hands them to
// tracers.
package tracing

import (
	"fmt"
	"reflect"

	"github.com/sarchlab/vmkernel/hooking"
	"github.com/sarchlab/vmkernel/vm"
)

// A Record is one paging event.
type Record struct {
	Seq     uint64
	Tick    uint64
	Kind    string
	Process string
	Space   uint64
	VAddr   uint64
	Write   bool
	Frame   int
	Slot    int
	Err     string
}

// A Tracer consumes records.
type Tracer interface {
	Trace(r Record)
}

// A TickTeller reports the current timer tick.
type TickTeller interface {
	Ticks() uint64
}

// CollectTrace makes tracer receive every event of domain. Attaching the same
// tracer twice panics.
func CollectTrace(domain hooking.Hookable, clock TickTeller, tracer Tracer) {
	for _, h := range domain.Hooks() {
		if th, ok := h.(*traceHook); ok && th.t == tracer {
			panic(fmt.Sprintf("tracer %s already attached",
				reflect.TypeOf(tracer)))
		}
	}

	domain.AcceptHook(&traceHook{t: tracer, clock: clock})
}

type traceHook struct {
	t     Tracer
	clock TickTeller
	seq   uint64
}

func (h *traceHook) Func(ctx hooking.HookCtx) {
	ev, ok := ctx.Item.(vm.Event)
	if !ok {
		return
	}

	h.seq++
	r := Record{
		Seq:     h.seq,
		Kind:    ctx.Pos.Name,
		Process: ev.Process,
		Space:   ev.Space,
		VAddr:   ev.VAddr,
		Write:   ev.Write,
		Frame:   ev.Frame,
		Slot:    ev.Slot,
	}

	if h.clock != nil {
		r.Tick = h.clock.Ticks()
	}

	if ev.Err != nil {
		r.Err = ev.Err.Error()
	}

	h.t.Trace(r)
}
