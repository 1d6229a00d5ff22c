// Package vm implements demand paging: per-process page tables, the page
// fault resolver, file mappings, and the eviction policy that decides where
// the content of a reclaimed frame goes.
package vm

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/vmkernel/hooking"
	"github.com/sarchlab/vmkernel/hw"
	"github.com/sarchlab/vmkernel/sched"
	"github.com/sarchlab/vmkernel/vm/frame"
	"github.com/sarchlab/vmkernel/vm/swap"
)

// Hook positions of the manager. The item of every hook is an Event.
var (
	HookPosFault       = &hooking.HookPos{Name: "Fault"}
	HookPosFatalFault  = &hooking.HookPos{Name: "FatalFault"}
	HookPosStackGrowth = &hooking.HookPos{Name: "StackGrowth"}
	HookPosSharedHit   = &hooking.HookPos{Name: "SharedHit"}
	HookPosZeroFill    = &hooking.HookPos{Name: "ZeroFill"}
	HookPosFileRead    = &hooking.HookPos{Name: "FileRead"}
	HookPosSwapIn      = &hooking.HookPos{Name: "SwapIn"}
	HookPosSwapOut     = &hooking.HookPos{Name: "SwapOut"}
	HookPosWriteBack   = &hooking.HookPos{Name: "WriteBack"}
	HookPosDrop        = &hooking.HookPos{Name: "Drop"}
)

// An Event describes what happened to one page.
type Event struct {
	Space   uint64
	Process string
	VAddr   uint64
	Write   bool
	Frame   int
	Slot    int
	Err     error
}

// Stats counts paging activity.
type Stats struct {
	Faults       uint64 `json:"faults"`
	FatalFaults  uint64 `json:"fatal_faults"`
	StackGrowths uint64 `json:"stack_growths"`
	SharedHits   uint64 `json:"shared_hits"`
	ZeroFills    uint64 `json:"zero_fills"`
	FileReads    uint64 `json:"file_reads"`
	SwapIns      uint64 `json:"swap_ins"`
	SwapOuts     uint64 `json:"swap_outs"`
	WriteBacks   uint64 `json:"write_backs"`
	Drops        uint64 `json:"drops"`
}

type counters struct {
	faults       atomic.Uint64
	fatalFaults  atomic.Uint64
	stackGrowths atomic.Uint64
	sharedHits   atomic.Uint64
	zeroFills    atomic.Uint64
	fileReads    atomic.Uint64
	swapIns      atomic.Uint64
	swapOuts     atomic.Uint64
	writeBacks   atomic.Uint64
	drops        atomic.Uint64
}

// A Manager resolves page faults and manages the address spaces of all
// processes. It is the Pager of its frame table.
type Manager struct {
	hooking.HookableBase

	name   string
	s      *sched.Scheduler
	mmu    *hw.MMU
	frames *frame.Table
	swap   *swap.Store
	log    *logrus.Entry

	pageSize   uint64
	userTop    uint64
	stackLimit uint64
	stackSlack uint64

	spacesMu  sync.Mutex
	spaces    map[uint64]*AddressSpace
	nextSpace uint64

	stats counters
}

// Name returns the name of the manager.
func (m *Manager) Name() string {
	return m.name
}

// PageSize returns the page size.
func (m *Manager) PageSize() uint64 {
	return m.pageSize
}

// UserTop returns the first address above user space. The stack grows down
// from it.
func (m *Manager) UserTop() uint64 {
	return m.userTop
}

// Frames returns the frame table.
func (m *Manager) Frames() *frame.Table {
	return m.frames
}

// Swap returns the swap store.
func (m *Manager) Swap() *swap.Store {
	return m.swap
}

// Stats returns a copy of the counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Faults:       m.stats.faults.Load(),
		FatalFaults:  m.stats.fatalFaults.Load(),
		StackGrowths: m.stats.stackGrowths.Load(),
		SharedHits:   m.stats.sharedHits.Load(),
		ZeroFills:    m.stats.zeroFills.Load(),
		FileReads:    m.stats.fileReads.Load(),
		SwapIns:      m.stats.swapIns.Load(),
		SwapOuts:     m.stats.swapOuts.Load(),
		WriteBacks:   m.stats.writeBacks.Load(),
		Drops:        m.stats.drops.Load(),
	}
}

// NewAddressSpace creates an empty address space for a process.
func (m *Manager) NewAddressSpace(name string) *AddressSpace {
	m.spacesMu.Lock()
	defer m.spacesMu.Unlock()

	m.nextSpace++
	as := newAddressSpace(m, m.nextSpace, name)
	as.esp = m.userTop
	m.spaces[as.id] = as

	return as
}

// Spaces returns the live address spaces ordered by ID.
func (m *Manager) Spaces() []*AddressSpace {
	m.spacesMu.Lock()
	defer m.spacesMu.Unlock()

	list := make([]*AddressSpace, 0, len(m.spaces))
	for _, as := range m.spaces {
		list = append(list, as)
	}

	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })

	return list
}

func (m *Manager) space(id uint64) *AddressSpace {
	m.spacesMu.Lock()
	defer m.spacesMu.Unlock()

	as, ok := m.spaces[id]
	if !ok {
		log.Panicf("vm: no address space %d", id)
	}

	return as
}

// TestAndClearAccessed reports and clears the accessed bit of a page.
func (m *Manager) TestAndClearAccessed(id frame.PageID) bool {
	as := m.space(id.Space)

	as.lock.Acquire()
	defer as.lock.Release()

	accessed := as.pd.IsAccessed(id.VPN)
	if accessed {
		as.pd.SetAccessed(id.VPN, false)
	}

	return accessed
}

func (m *Manager) event(as *AddressSpace, vpn uint64) Event {
	return Event{
		Space:   as.id,
		Process: as.name,
		VAddr:   vpn * m.pageSize,
		Frame:   -1,
		Slot:    -1,
	}
}

func (m *Manager) invoke(pos *hooking.HookPos, ev Event) {
	if m.NumHooks() == 0 {
		return
	}

	m.InvokeHook(hooking.HookCtx{
		Domain: m,
		Pos:    pos,
		Item:   ev,
	})
}

// kill terminates the process that owns as after a fatal fault.
func (m *Manager) kill(as *AddressSpace, err error) {
	if as.killed {
		return
	}

	as.killed = true
	as.exitStatus = -1
	m.stats.fatalFaults.Add(1)

	ev := m.event(as, 0)
	ev.Err = err
	var ferr *FaultError
	if errors.As(err, &ferr) {
		ev.VAddr = ferr.Addr
		ev.Write = ferr.Write
	}
	m.invoke(HookPosFatalFault, ev)

	m.log.WithFields(logrus.Fields{
		"process": as.name,
	}).WithError(err).Warn("process killed")
}

func (m *Manager) fatal(addr uint64, write bool, reason error) error {
	return &FaultError{Addr: addr, Write: write, Reason: reason}
}

func (m *Manager) String() string {
	return fmt.Sprintf("vm(%s)", m.name)
}
