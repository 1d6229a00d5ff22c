// Package kernel wires the scheduler, the simulated hardware, swap, the frame
// table and the virtual memory manager into a bootable kernel that runs user
// processes.
package kernel

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/vmkernel/device"
	"github.com/sarchlab/vmkernel/hooking"
	"github.com/sarchlab/vmkernel/hw"
	"github.com/sarchlab/vmkernel/sched"
	"github.com/sarchlab/vmkernel/vm"
	"github.com/sarchlab/vmkernel/vm/frame"
	"github.com/sarchlab/vmkernel/vm/swap"
)

// HookPosProcessExit fires when a process has exited. The item is an
// ExitRecord.
var HookPosProcessExit = &hooking.HookPos{Name: "ProcessExit"}

// A Kernel owns every subsystem of one simulated machine.
type Kernel struct {
	hooking.HookableBase

	name  string
	runID xid.ID
	out   io.Writer
	log   *logrus.Entry

	s       *sched.Scheduler
	mem     *hw.PhysMem
	mmu     *hw.MMU
	swapDev device.BlockDevice
	swap    *swap.Store
	frames  *frame.Table
	vm      *vm.Manager
	fs      *device.FileSystem

	procsMu sync.Mutex
	procs   map[*vm.AddressSpace]*Process
	exits   []ExitRecord
}

// An ExitRecord remembers how a process ended.
type ExitRecord struct {
	Name   string `json:"name"`
	Status int    `json:"status"`
	Killed bool   `json:"killed"`

	// Err describes writes to mapped files lost during the teardown.
	Err string `json:"err,omitempty"`
}

// ProcessInfo describes a live process.
type ProcessInfo struct {
	Name     string       `json:"name"`
	Space    uint64       `json:"space"`
	Pages    int          `json:"pages"`
	Killed   bool         `json:"killed"`
	StackPtr uint64       `json:"esp"`
	Mappings []vm.MapInfo `json:"mappings"`
}

// Stats summarizes the state of the kernel.
type Stats struct {
	RunID     string      `json:"run_id"`
	Ticks     uint64      `json:"ticks"`
	Processes int         `json:"processes"`
	Exited    int         `json:"exited"`
	SwapUsed  int         `json:"swap_used"`
	SwapSlots int         `json:"swap_slots"`
	VM        vm.Stats    `json:"vm"`
	Frames    frame.Stats `json:"frames"`
}

// Name returns the name of the kernel.
func (k *Kernel) Name() string {
	return k.name
}

// RunID returns the unique identifier of this kernel instance.
func (k *Kernel) RunID() xid.ID {
	return k.runID
}

// Scheduler returns the scheduler.
func (k *Kernel) Scheduler() *sched.Scheduler {
	return k.s
}

// VM returns the virtual memory manager.
func (k *Kernel) VM() *vm.Manager {
	return k.vm
}

// Frames returns the frame table.
func (k *Kernel) Frames() *frame.Table {
	return k.frames
}

// Swap returns the swap store.
func (k *Kernel) Swap() *swap.Store {
	return k.swap
}

// FS returns the file system processes load and map files from.
func (k *Kernel) FS() *device.FileSystem {
	return k.fs
}

// MMU returns the memory management unit.
func (k *Kernel) MMU() *hw.MMU {
	return k.mmu
}

// Run boots the kernel with fn as its initial thread and returns when every
// thread is done. See sched.Scheduler.Run for the errors it reports.
func (k *Kernel) Run(fn func()) error {
	err := k.s.Run("main", sched.PriDefault, fn)

	st := k.vm.Stats()
	entry := k.log.WithFields(logrus.Fields{
		"run":       k.runID.String(),
		"ticks":     k.s.Ticks(),
		"faults":    st.Faults,
		"swap_outs": st.SwapOuts,
		"swap_ins":  st.SwapIns,
	})

	if err != nil {
		entry.WithError(err).Error("kernel halted")
		return err
	}

	entry.Info("kernel stopped")

	return nil
}

// Inspect runs fn while the kernel is paused, so fn may read any kernel
// state from outside a kernel thread.
func (k *Kernel) Inspect(fn func()) {
	k.s.Pause()
	defer k.s.Continue()

	fn()
}

// Stats returns a summary of the kernel state. It must be called from a
// kernel thread or through Inspect.
func (k *Kernel) Stats() Stats {
	k.procsMu.Lock()
	procs, exited := len(k.procs), len(k.exits)
	k.procsMu.Unlock()

	return Stats{
		RunID:     k.runID.String(),
		Ticks:     k.s.Ticks(),
		Processes: procs,
		Exited:    exited,
		SwapUsed:  k.swap.Used(),
		SwapSlots: k.swap.Capacity(),
		VM:        k.vm.Stats(),
		Frames:    k.frames.Stats(),
	}
}

// Processes lists the live processes in creation order.
func (k *Kernel) Processes() []ProcessInfo {
	k.procsMu.Lock()
	defer k.procsMu.Unlock()

	infos := make([]ProcessInfo, 0, len(k.procs))
	for as, p := range k.procs {
		infos = append(infos, ProcessInfo{
			Name:     p.name,
			Space:    as.ID(),
			Pages:    as.NumPages(),
			Killed:   as.Killed(),
			StackPtr: as.StackPointer(),
			Mappings: as.Mappings(),
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Space < infos[j].Space
	})

	return infos
}

// Exits returns the exit records in the order the processes ended.
func (k *Kernel) Exits() []ExitRecord {
	k.procsMu.Lock()
	defer k.procsMu.Unlock()

	return append([]ExitRecord(nil), k.exits...)
}

// Close releases host resources held by the kernel.
func (k *Kernel) Close() error {
	if c, ok := k.swapDev.(io.Closer); ok {
		return c.Close()
	}

	return nil
}

func (k *Kernel) switchAddressSpace(_, next *sched.Thread) {
	if k.mmu == nil {
		return
	}

	if next != nil {
		if p, ok := next.Context().(*Process); ok {
			k.mmu.Activate(p.as.PageDir())
			return
		}
	}

	k.mmu.Activate(nil)
}

func (k *Kernel) String() string {
	return fmt.Sprintf("kernel(%s)", k.name)
}
