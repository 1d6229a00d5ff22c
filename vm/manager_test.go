package vm

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/vmkernel/hooking"
	"github.com/sarchlab/vmkernel/sched"
)

const (
	base    = 0x10000
	libBase = 0x40000
)

var _ = Describe("Manager", func() {
	Context("with four frames", func() {
		var sys *system

		BeforeEach(func() {
			sys = newSystem(4, 8)
		})

		It("should swap out exactly one of five pages and bring it back", func() {
			var (
				as       *AddressSpace
				errs     []error
				infos    []PageInfo
				got      = make([]byte, pageSize)
				slotsMid int
			)

			err := sys.run(func() {
				as = sys.m.NewAddressSpace("p")
				for i := 0; i < 5; i++ {
					vaddr := uint64(base + i*pageSize)
					errs = append(errs,
						sys.m.CreatePage(as, vaddr, true, ZeroOrigin{}),
						as.Write(vaddr, pattern(byte(i))))
				}

				infos = as.Pages()
				slotsMid = sys.swap.Used()

				errs = append(errs, as.Read(base, got))
			})

			Expect(err).ToNot(HaveOccurred())
			for _, e := range errs {
				Expect(e).ToNot(HaveOccurred())
			}

			Expect(infos[0].State).To(Equal(StateSwapped))
			for _, info := range infos[1:] {
				Expect(info.State).To(Equal(StateResident))
			}
			Expect(slotsMid).To(Equal(1))

			Expect(got).To(Equal(pattern(0)))
			Expect(sys.m.Stats().SwapOuts).To(Equal(uint64(2)))
			Expect(sys.m.Stats().SwapIns).To(Equal(uint64(1)))
			Expect(sys.swap.Used()).To(Equal(1))
			consistent(sys, as)
		})

		It("should drop clean zero pages instead of swapping them", func() {
			var as *AddressSpace

			err := sys.run(func() {
				as = sys.m.NewAddressSpace("p")
				buf := make([]byte, 1)
				for i := 0; i < 5; i++ {
					vaddr := uint64(base + i*pageSize)
					_ = sys.m.CreatePage(as, vaddr, true, ZeroOrigin{})
					_ = as.Read(vaddr, buf)
				}
			})

			Expect(err).ToNot(HaveOccurred())
			Expect(sys.m.Stats().Drops).To(Equal(uint64(1)))
			Expect(sys.swap.Used()).To(Equal(0))
			Expect(as.Pages()[0].State).To(Equal(StateUnloaded))
		})

		It("should load a page once when two threads fault on it", func() {
			sys.fs.WithLatency(sys.s, 3)
			file, _ := sys.fs.Create("prog", pattern(9))

			var (
				as        *AddressSpace
				bufs      [2][]byte
				errs      [2]error
				segErr    error
				loadCount uint64
			)

			err := sys.run(func() {
				as = sys.m.NewAddressSpace("p")
				segErr = sys.m.LoadSegment(as, file, 0, base, pageSize, 0, false)

				for i := 0; i < 2; i++ {
					bufs[i] = make([]byte, pageSize)
					sys.s.Spawn("t", sched.PriDefault, func() {
						errs[i] = as.Read(base, bufs[i])
					})
				}
			})

			st, _ := sys.fs.Stat("prog")
			loadCount = st.Reads

			Expect(err).ToNot(HaveOccurred())
			Expect(segErr).ToNot(HaveOccurred())
			Expect(errs[0]).ToNot(HaveOccurred())
			Expect(errs[1]).ToNot(HaveOccurred())
			Expect(loadCount).To(Equal(uint64(1)))
			Expect(sys.m.Stats().FileReads).To(Equal(uint64(1)))
			Expect(sys.m.Stats().Faults).To(Equal(uint64(2)))
			Expect(bufs[0]).To(Equal(pattern(9)))
			Expect(bufs[1]).To(Equal(bufs[0]))
			consistent(sys, as)
		})

		It("should kill a process that writes to a read-only page", func() {
			file, _ := sys.fs.Create("prog", pattern(1))

			var (
				as     *AddressSpace
				wErr   error
				reason error
			)

			counter := hooking.NewPosCounter()
			sys.m.AcceptHook(counter)

			err := sys.run(func() {
				as = sys.m.NewAddressSpace("p")
				_ = sys.m.LoadSegment(as, file, 0, base, pageSize, 0, false)
				wErr = as.Write(base+8, []byte{1})
				reason = as.Read(base, make([]byte, 1))
			})

			Expect(err).ToNot(HaveOccurred())
			Expect(wErr).To(MatchError(ErrReadOnly))

			var ferr *FaultError
			Expect(errors.As(wErr, &ferr)).To(BeTrue())
			Expect(ferr.Addr).To(Equal(uint64(base + 8)))
			Expect(ferr.Write).To(BeTrue())

			Expect(reason).To(MatchError(ErrKilled))
			Expect(as.Killed()).To(BeTrue())
			Expect(as.ExitStatus()).To(Equal(-1))
			Expect(counter.Count(HookPosFatalFault)).To(Equal(uint64(1)))
		})

		It("should grow the stack near the stack pointer only", func() {
			var (
				as   *AddressSpace
				errs []error
				top  = sys.m.UserTop()
			)

			err := sys.run(func() {
				as = sys.m.NewAddressSpace("p")
				as.SetStackPointer(top - pageSize)
				errs = append(errs, as.Write(top-pageSize-32, []byte{1}))

				other := sys.m.NewAddressSpace("q")
				other.SetStackPointer(top - pageSize)
				errs = append(errs, other.Write(top-3*pageSize, []byte{1}))

				third := sys.m.NewAddressSpace("r")
				third.SetStackPointer(top - 2<<20)
				errs = append(errs, third.Write(top-2<<20, []byte{1}))
			})

			Expect(err).ToNot(HaveOccurred())
			Expect(errs[0]).ToNot(HaveOccurred())
			Expect(errs[1]).To(MatchError(ErrSegmentationFault))
			Expect(errs[2]).To(MatchError(ErrSegmentationFault))
			Expect(sys.m.Stats().StackGrowths).To(Equal(uint64(1)))
			Expect(as.NumPages()).To(Equal(1))
		})

		It("should reject addresses outside of any page", func() {
			var errs []error

			err := sys.run(func() {
				as := sys.m.NewAddressSpace("p")
				errs = append(errs,
					sys.m.ResolveFault(as, 0x1000, false, as.StackPointer()),
					sys.m.ResolveFault(as, sys.m.UserTop(), false, 0))
			})

			Expect(err).ToNot(HaveOccurred())
			Expect(errs[0]).To(MatchError(ErrSegmentationFault))
			Expect(errs[1]).To(MatchError(ErrSegmentationFault))
		})

		It("should share read-only file frames between processes", func() {
			file, _ := sys.fs.Create("lib", pattern(3))

			var bufs [2][]byte
			err := sys.run(func() {
				for i := 0; i < 2; i++ {
					as := sys.m.NewAddressSpace("p")
					_ = sys.m.LoadSegment(as, file, 0, base, pageSize, 0, false)
					bufs[i] = make([]byte, 16)
					_ = as.Read(base, bufs[i])
				}
			})

			Expect(err).ToNot(HaveOccurred())
			Expect(bufs[0]).To(Equal(pattern(3)[:16]))
			Expect(bufs[1]).To(Equal(bufs[0]))
			Expect(sys.m.Stats().SharedHits).To(Equal(uint64(1)))
			Expect(sys.frames.Stats().Used).To(Equal(1))
			Expect(sys.frames.Snapshot()[0].Pages).To(HaveLen(2))
		})

		It("should keep writable segments private", func() {
			file, _ := sys.fs.Create("prog", pattern(4))

			var got []byte
			err := sys.run(func() {
				as := sys.m.NewAddressSpace("p")
				_ = sys.m.LoadSegment(as, file, 0, base, 100, pageSize-100, true)
				_ = as.Write(base, []byte{0xff})

				got = make([]byte, pageSize)
				_ = as.Read(base, got)
				sys.m.Exit(as, 0)
			})

			Expect(err).ToNot(HaveOccurred())
			Expect(got[0]).To(Equal(byte(0xff)))
			Expect(got[1:100]).To(Equal(pattern(4)[1:100]))
			Expect(got[100:]).To(Equal(make([]byte, pageSize-100)))

			data, _ := sys.fs.Contents("prog")
			Expect(data).To(Equal(pattern(4)))
		})

		It("should validate mappings", func() {
			file, _ := sys.fs.Create("data", pattern(1))
			empty, _ := sys.fs.Create("empty", nil)

			var errs []error
			err := sys.run(func() {
				as := sys.m.NewAddressSpace("p")
				_ = sys.m.CreatePage(as, base, true, ZeroOrigin{})

				top := sys.m.UserTop()
				for _, vaddr := range []uint64{0, base + 1, base, top - pageSize} {
					_, e := sys.m.MapFile(as, file, vaddr, 0, true)
					errs = append(errs, e)
				}

				_, e := sys.m.MapFile(as, empty, 2*base, 0, true)
				errs = append(errs, e)
			})

			Expect(err).ToNot(HaveOccurred())
			for _, e := range errs {
				Expect(e).To(MatchError(ErrBadMapping))
			}
		})

		It("should free everything when the process exits", func() {
			file, _ := sys.fs.Create("data", pattern(2))

			var (
				as      *AddressSpace
				handles int
			)

			err := sys.run(func() {
				as = sys.m.NewAddressSpace("p")
				_, _ = sys.m.MapFile(as, file, 2*base, 0, false)
				for i := 0; i < 6; i++ {
					vaddr := uint64(base + i*pageSize)
					_ = sys.m.CreatePage(as, vaddr, true, ZeroOrigin{})
					_ = as.Write(vaddr, []byte{1})
				}
				_ = as.Read(2*base, make([]byte, 1))

				st, _ := sys.fs.Stat("data")
				handles = st.Handles

				sys.m.Exit(as, 3)
			})

			Expect(err).ToNot(HaveOccurred())
			Expect(handles).To(Equal(2))
			Expect(as.ExitStatus()).To(Equal(3))
			Expect(sys.swap.Used()).To(Equal(0))
			Expect(sys.frames.Stats().Used).To(Equal(0))
			Expect(sys.m.Spaces()).To(BeEmpty())

			st, _ := sys.fs.Stat("data")
			Expect(st.Handles).To(Equal(1))
		})
	})

	Context("with one frame", func() {
		var sys *system

		BeforeEach(func() {
			sys = newSystem(1, 1)
		})

		It("should write dirty mapped pages back to the file", func() {
			file, _ := sys.fs.Create("data", make([]byte, pageSize+100))

			var (
				id   MapID
				errs []error
				maps []MapInfo
			)

			err := sys.run(func() {
				as := sys.m.NewAddressSpace("p")
				var e error
				id, e = sys.m.MapFile(as, file, base, 0, true)
				errs = append(errs, e)
				maps = as.Mappings()

				errs = append(errs,
					as.Write(base+10, []byte("evicted")),
					as.Write(base+pageSize+10, []byte("unmapped")),
					sys.m.Unmap(as, id))
			})

			Expect(err).ToNot(HaveOccurred())
			for _, e := range errs {
				Expect(e).ToNot(HaveOccurred())
			}

			Expect(maps).To(Equal([]MapInfo{
				{ID: id, File: "data", VAddr: base, Pages: 2},
			}))

			data, _ := sys.fs.Contents("data")
			Expect(data).To(HaveLen(pageSize + 100))
			Expect(string(data[10:17])).To(Equal("evicted"))
			Expect(string(data[pageSize+10 : pageSize+18])).To(Equal("unmapped"))
			Expect(sys.m.Stats().WriteBacks).To(Equal(uint64(2)))
			Expect(sys.swap.Used()).To(Equal(0))
		})

		It("should kill the faulting process when swap is full", func() {
			var (
				errs []error
				as   *AddressSpace
			)

			err := sys.run(func() {
				as = sys.m.NewAddressSpace("p")
				for i := 0; i < 3; i++ {
					vaddr := uint64(base + i*pageSize)
					_ = sys.m.CreatePage(as, vaddr, true, ZeroOrigin{})
					errs = append(errs, as.Write(vaddr, []byte{byte(i + 1)}))
				}
			})

			Expect(err).ToNot(HaveOccurred())
			Expect(errs[0]).ToNot(HaveOccurred())
			Expect(errs[1]).ToNot(HaveOccurred())
			Expect(errs[2]).To(MatchError(ErrNoSwap))
			Expect(as.Killed()).To(BeTrue())

			infos := as.Pages()
			Expect(infos[0].State).To(Equal(StateSwapped))
			Expect(infos[1].State).To(Equal(StateResident))
			Expect(infos[1].Dirty).To(BeTrue())
			Expect(infos[2].State).To(Equal(StateUnloaded))
			consistent(sys, as)
		})

		It("should not let another process attach to a frame in eviction", func() {
			sys = newSlowSwapSystem(1, 4, 2)
			lib, _ := sys.fs.Create("lib", pattern(7))

			var (
				a, b  *AddressSpace
				errs  []error
				libA  = make([]byte, pageSize)
				libB  = make([]byte, pageSize)
				again = make([]byte, pageSize)
				dataA = make([]byte, pageSize)
			)

			err := sys.run(func() {
				a = sys.m.NewAddressSpace("a")
				b = sys.m.NewAddressSpace("b")
				errs = append(errs,
					sys.m.LoadSegment(a, lib, 0, libBase, pageSize, 0, false),
					sys.m.LoadSegment(b, lib, 0, libBase, pageSize, 0, false),
					sys.m.CreatePage(a, base, true, ZeroOrigin{}),
					a.Write(base, pattern(3)))

				// Each thread appends only after its last blocking call.
				sys.s.Spawn("t1", sched.PriDefault, func() {
					e := a.Read(libBase, libA)
					errs = append(errs, e)
				})
				sys.s.Spawn("t2", sched.PriDefault, func() {
					e := b.Read(libBase, libB)
					errs = append(errs, e)
				})
				sys.s.Spawn("t3", sched.PriDefault, func() {
					local := []error{
						sys.m.CreatePage(a, base+pageSize, true, ZeroOrigin{}),
						a.Write(base+pageSize, pattern(11)),
						b.Read(libBase, again),
						a.Read(base, dataA),
					}
					errs = append(errs, local...)
				})
			})

			Expect(err).ToNot(HaveOccurred())
			for _, e := range errs {
				Expect(e).ToNot(HaveOccurred())
			}

			Expect(libA).To(Equal(pattern(7)))
			Expect(libB).To(Equal(pattern(7)))
			Expect(again).To(Equal(pattern(7)))
			Expect(dataA).To(Equal(pattern(3)))
			consistent(sys, a)
			consistent(sys, b)
		})

		It("should share nothing when loading shared content fails", func() {
			errRead := errors.New("bad sector")
			lib, _ := sys.fs.Create("lib", pattern(7))
			bad := &faultyFile{File: lib, y: sys.s, readErr: errRead}

			var (
				a, b *AddressSpace
				errs [2]error
			)

			err := sys.run(func() {
				a = sys.m.NewAddressSpace("a")
				b = sys.m.NewAddressSpace("b")
				_ = sys.m.LoadSegment(a, bad, 0, libBase, pageSize, 0, false)
				_ = sys.m.LoadSegment(b, bad, 0, libBase, pageSize, 0, false)

				sys.s.Spawn("t1", sched.PriDefault, func() {
					errs[0] = a.Read(libBase, make([]byte, 8))
				})
				sys.s.Spawn("t2", sched.PriDefault, func() {
					errs[1] = b.Read(libBase, make([]byte, 8))
				})
			})

			Expect(err).ToNot(HaveOccurred())
			Expect(errs[0]).To(MatchError(errRead))
			Expect(errs[1]).To(MatchError(errRead))
			Expect(a.Killed()).To(BeTrue())
			Expect(b.Killed()).To(BeTrue())
			Expect(sys.frames.Stats().Shared).To(Equal(0))
			Expect(sys.frames.Stats().Used).To(Equal(0))
			Expect(a.Pages()[0].State).To(Equal(StateUnloaded))
			Expect(b.Pages()[0].State).To(Equal(StateUnloaded))
			consistent(sys, a)
			consistent(sys, b)
		})

		It("should report lost writes on unmap and exit", func() {
			errWrite := errors.New("disk full")
			data, _ := sys.fs.Create("data", make([]byte, 2*pageSize))
			bad := &faultyFile{File: data, y: sys.s, writeErr: errWrite}

			var (
				as                *AddressSpace
				unmapErr, exitErr error
			)

			err := sys.run(func() {
				as = sys.m.NewAddressSpace("p")
				id, _ := sys.m.MapFile(as, bad, base, 0, true)
				_ = as.Write(base, []byte("lost"))
				unmapErr = sys.m.Unmap(as, id)

				_, _ = sys.m.MapFile(as, bad, base, 0, true)
				_ = as.Write(base+pageSize, []byte("lost"))
				exitErr = sys.m.Exit(as, 0)
			})

			Expect(err).ToNot(HaveOccurred())
			Expect(unmapErr).To(MatchError(ErrWriteBack))
			Expect(unmapErr).To(MatchError(errWrite))
			Expect(exitErr).To(MatchError(ErrWriteBack))
			Expect(as.ExitErr()).To(Equal(exitErr))
			Expect(as.Killed()).To(BeFalse())
			Expect(sys.m.Stats().WriteBacks).To(Equal(uint64(0)))
			Expect(sys.frames.Stats().Used).To(Equal(0))

			contents, _ := sys.fs.Contents("data")
			Expect(contents).To(Equal(make([]byte, 2*pageSize)))
		})

		It("should free the slot of a destroyed swapped page", func() {
			var errs []error

			err := sys.run(func() {
				as := sys.m.NewAddressSpace("p")
				for i := 0; i < 2; i++ {
					vaddr := uint64(base + i*pageSize)
					_ = sys.m.CreatePage(as, vaddr, true, ZeroOrigin{})
					_ = as.Write(vaddr, []byte{1})
				}
				errs = append(errs,
					sys.m.DestroyPage(as, base),
					sys.m.DestroyPage(as, base))
			})

			Expect(err).ToNot(HaveOccurred())
			Expect(errs[0]).ToNot(HaveOccurred())
			Expect(errs[1]).To(MatchError(ErrBadMapping))
			Expect(sys.swap.Used()).To(Equal(0))
		})
	})

	Context("with pinned pages", func() {
		It("should not evict a pinned page", func() {
			sys := newSystem(2, 4)

			var (
				as    *AddressSpace
				infos []PageInfo
			)

			err := sys.run(func() {
				as = sys.m.NewAddressSpace("p")
				for i := 0; i < 3; i++ {
					_ = sys.m.CreatePage(as, uint64(base+i*pageSize), true,
						ZeroOrigin{})
				}

				_ = sys.m.Pin(as, base, true)
				_ = as.Write(base+pageSize, []byte{1})
				_ = as.Write(base+2*pageSize, []byte{1})
				infos = as.Pages()
				sys.m.Unpin(as, base)
			})

			Expect(err).ToNot(HaveOccurred())
			Expect(infos[0].State).To(Equal(StateResident))
			Expect(infos[0].Pins).To(Equal(1))
			Expect(infos[1].State).To(Equal(StateSwapped))
			Expect(infos[2].State).To(Equal(StateResident))
		})

		It("should halt on an unbalanced unpin", func() {
			sys := newSystem(2, 4)

			err := sys.run(func() {
				as := sys.m.NewAddressSpace("p")
				_ = sys.m.CreatePage(as, base, true, ZeroOrigin{})
				sys.m.Unpin(as, base)
			})

			Expect(err).To(BeAssignableToTypeOf(&sched.PanicError{}))
			Expect(err.Error()).To(ContainSubstring("not pinned"))
		})
	})
})
