package kernel

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/sarchlab/vmkernel/sched"
	"github.com/sarchlab/vmkernel/vm"
)

// Base addresses of the regions a workload process uses.
const (
	TextBase = 0x08048000
	DataBase = 0x10000000
	MapBase  = 0x20000000
)

// ErrCorruption is returned when a workload reads back something other than
// what it wrote.
var ErrCorruption = errors.New("memory corruption")

// A Workload describes a synthetic paging workload. Every process maps a
// shared read-only library, owns private zero-filled data pages and a
// writable file mapping, and grows its stack. It then touches random pages
// and checks that every read returns the last value written.
type Workload struct {
	Processes int   `toml:"processes"`
	LibPages  int   `toml:"lib_pages"`
	DataPages int   `toml:"data_pages"`
	MapPages  int   `toml:"map_pages"`
	Accesses  int   `toml:"accesses"`
	Seed      int64 `toml:"seed"`
}

// DefaultWorkload returns a workload that needs about twice as many pages as
// the default kernel has frames.
func DefaultWorkload() Workload {
	return Workload{
		Processes: 4,
		LibPages:  4,
		DataPages: 24,
		MapPages:  4,
		Accesses:  400,
		Seed:      1,
	}
}

// A Result reports how a workload ended.
type Result struct {
	Exits []ExitRecord
	Stats Stats
}

type workProc struct {
	idx    int
	file   string
	shadow map[uint64]uint64
	err    error
}

// RunWorkload boots the kernel and runs w on it.
func (k *Kernel) RunWorkload(w Workload) (Result, error) {
	var errs []error

	err := k.Run(func() {
		errs = k.runWorkload(w)
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{Exits: k.Exits(), Stats: k.Stats()}

	return res, errors.Join(errs...)
}

func (k *Kernel) runWorkload(w Workload) []error {
	size := k.vm.PageSize()

	lib := make([]byte, uint64(w.LibPages)*size)
	rng := rand.New(rand.NewPCG(uint64(w.Seed), 0))
	for i := range lib {
		lib[i] = byte(rng.Uint32())
	}

	libFile, err := k.fs.Create("lib.so", lib)
	if err != nil {
		return []error{err}
	}
	defer libFile.Close()

	procs := make([]*workProc, w.Processes)
	running := make([]*Process, w.Processes)

	for i := range procs {
		wp := &workProc{
			idx:    i,
			file:   fmt.Sprintf("data.%d", i),
			shadow: make(map[uint64]uint64),
		}
		procs[i] = wp

		f, err := k.fs.Create(wp.file, make([]byte, uint64(w.MapPages)*size))
		if err != nil {
			return []error{err}
		}
		f.Close()

		running[i] = k.Exec(fmt.Sprintf("proc%d", i), sched.PriDefault,
			func(p *Process) int {
				wp.err = k.workloadBody(p, w, wp, lib)
				if wp.err != nil {
					return 1
				}

				return 0
			})
	}

	var errs []error
	for i, p := range running {
		if status := k.Wait(p); status != 0 {
			errs = append(errs, fmt.Errorf("%s exited with %d: %w",
				p.Name(), status, procs[i].err))
		}
	}

	for _, wp := range procs {
		if err := k.checkMappedFile(wp); err != nil {
			errs = append(errs, err)
		}
	}

	return errs
}

func (k *Kernel) workloadBody(
	p *Process,
	w Workload,
	wp *workProc,
	lib []byte,
) error {
	m := k.vm
	as := p.AddressSpace()
	size := m.PageSize()
	rng := rand.New(rand.NewPCG(uint64(w.Seed), uint64(wp.idx)+1))

	libFile, err := k.fs.Open("lib.so")
	if err != nil {
		return err
	}
	defer libFile.Close()

	err = m.LoadSegment(as, libFile, 0, TextBase, uint64(len(lib)), 0, false)
	if err != nil {
		return err
	}

	for i := 0; i < w.DataPages; i++ {
		err = m.CreatePage(as, DataBase+uint64(i)*size, true, vm.ZeroOrigin{})
		if err != nil {
			return err
		}
	}

	if w.MapPages > 0 {
		data, err := k.fs.Open(wp.file)
		if err != nil {
			return err
		}

		_, err = m.MapFile(as, data, MapBase, 0, true)
		data.Close()
		if err != nil {
			return err
		}
	}

	esp := m.UserTop() - 2*size
	as.SetStackPointer(esp)
	if err := p.Write(esp-8, []byte("stackok!")); err != nil {
		return err
	}

	buf := make([]byte, 8)
	for i := 0; i < w.Accesses; i++ {
		if i%16 == 0 {
			k.s.Tick()
		}

		if err := k.touch(p, w, wp, lib, rng, buf); err != nil {
			return err
		}
	}

	if err := p.Read(esp-8, buf); err != nil {
		return err
	}

	if string(buf) != "stackok!" {
		return fmt.Errorf("%w: stack holds %q", ErrCorruption, buf)
	}

	return nil
}

func (k *Kernel) touch(
	p *Process,
	w Workload,
	wp *workProc,
	lib []byte,
	rng *rand.Rand,
	buf []byte,
) error {
	size := k.vm.PageSize()

	switch r := rng.IntN(10); {
	case r < 2 && w.LibPages > 0:
		off := uint64(rng.IntN(len(lib)-8)) &^ 7
		if err := p.Read(TextBase+off, buf); err != nil {
			return err
		}

		if !bytes.Equal(buf, lib[off:off+8]) {
			return fmt.Errorf("%w: library at %#x", ErrCorruption, off)
		}

		return nil
	case r < 4 && w.MapPages > 0:
		return k.touchPage(p, wp, MapBase+uint64(rng.IntN(w.MapPages))*size,
			rng, buf)
	case w.DataPages > 0:
		return k.touchPage(p, wp, DataBase+uint64(rng.IntN(w.DataPages))*size,
			rng, buf)
	}

	return nil
}

// touchPage either writes a fresh value to the start of the page or checks
// the value last written there.
func (k *Kernel) touchPage(
	p *Process,
	wp *workProc,
	addr uint64,
	rng *rand.Rand,
	buf []byte,
) error {
	if rng.IntN(2) == 0 {
		v := rng.Uint64()
		binary.LittleEndian.PutUint64(buf, v)

		err := p.WithPinned(addr, len(buf), true, func() error {
			return p.Write(addr, buf)
		})
		if err != nil {
			return err
		}

		wp.shadow[addr] = v

		return nil
	}

	if err := p.Read(addr, buf); err != nil {
		return err
	}

	if got := binary.LittleEndian.Uint64(buf); got != wp.shadow[addr] {
		return fmt.Errorf("%w: %#x holds %#x, want %#x",
			ErrCorruption, addr, got, wp.shadow[addr])
	}

	return nil
}

// checkMappedFile verifies that the writable mapping reached the file when
// the process exited.
func (k *Kernel) checkMappedFile(wp *workProc) error {
	data, err := k.fs.Contents(wp.file)
	if err != nil {
		return err
	}

	size := k.vm.PageSize()
	for addr, want := range wp.shadow {
		if addr < MapBase {
			continue
		}

		off := addr - MapBase
		if got := binary.LittleEndian.Uint64(data[off:]); got != want {
			return fmt.Errorf("%w: %s page %d holds %#x, want %#x",
				ErrCorruption, wp.file, off/size, got, want)
		}
	}

	return nil
}
