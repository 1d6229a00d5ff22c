package kernel

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/vmkernel/hooking"
	"github.com/sarchlab/vmkernel/sched"
	"github.com/sarchlab/vmkernel/synch"
	"github.com/sarchlab/vmkernel/vm"
)

// A Process is a user program running in its own address space on its own
// kernel thread.
type Process struct {
	k      *Kernel
	name   string
	as     *vm.AddressSpace
	thread *sched.Thread
	done   *synch.Semaphore
	waited bool
	status int
}

// Name returns the name of the process.
func (p *Process) Name() string {
	return p.name
}

// AddressSpace returns the address space of the process.
func (p *Process) AddressSpace() *vm.AddressSpace {
	return p.as
}

// Thread returns the thread that runs the process.
func (p *Process) Thread() *sched.Thread {
	return p.thread
}

// Read copies user memory into buf.
func (p *Process) Read(addr uint64, buf []byte) error {
	return p.as.Read(addr, buf)
}

// Write copies data into user memory.
func (p *Process) Write(addr uint64, data []byte) error {
	return p.as.Write(addr, data)
}

// WithPinned pins every page of the user buffer [addr, addr+n) for the
// duration of fn, the way a system call holds the buffers it works on. It
// returns the fault error if some page of the buffer cannot be faulted in.
func (p *Process) WithPinned(
	addr uint64,
	n int,
	write bool,
	fn func() error,
) error {
	m := p.k.vm
	size := m.PageSize()

	var pinned []uint64
	defer func() {
		for _, page := range pinned {
			m.Unpin(p.as, page)
		}
	}()

	for page := addr / size * size; page < addr+uint64(n); page += size {
		if err := m.Pin(p.as, page, write); err != nil {
			return err
		}

		pinned = append(pinned, page)
	}

	return fn()
}

// Exec starts a process running body on a new thread. The value body
// returns is the exit status. A process killed by a fatal fault exits with
// status -1 regardless.
func (k *Kernel) Exec(
	name string,
	priority int,
	body func(p *Process) int,
) *Process {
	p := &Process{
		k:    k,
		name: name,
		as:   k.vm.NewAddressSpace(name),
		done: synch.NewSemaphore(k.s, 0),
	}

	k.procsMu.Lock()
	k.procs[p.as] = p
	k.procsMu.Unlock()

	p.thread = k.s.Spawn(name, priority, func() {
		cur := k.s.Current()
		cur.SetContext(p)
		k.mmu.Activate(p.as.PageDir())

		p.exit(body(p))
	})

	return p
}

// Wait blocks until p exits and returns its exit status. Waiting on the same
// process twice returns -1.
func (k *Kernel) Wait(p *Process) int {
	if p.waited {
		return -1
	}

	p.waited = true
	p.done.Down()

	return p.status
}

func (p *Process) exit(status int) {
	k := p.k

	k.s.Current().SetContext(nil)
	exitErr := k.vm.Exit(p.as, status)
	p.status = p.as.ExitStatus()

	fmt.Fprintf(k.out, "%s: exit(%d)\n", p.name, p.status)

	rec := ExitRecord{
		Name:   p.name,
		Status: p.status,
		Killed: p.as.Killed(),
	}
	if exitErr != nil {
		rec.Err = exitErr.Error()
	}

	k.procsMu.Lock()
	delete(k.procs, p.as)
	k.exits = append(k.exits, rec)
	k.procsMu.Unlock()

	k.InvokeHook(hooking.HookCtx{
		Domain: k,
		Pos:    HookPosProcessExit,
		Item:   rec,
	})

	k.log.WithFields(logrus.Fields{
		"process": p.name,
		"status":  p.status,
	}).Debug("process exited")

	p.done.Up()
}
