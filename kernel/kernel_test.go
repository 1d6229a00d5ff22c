package kernel_test

import (
	"bytes"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/vmkernel/hooking"
	"github.com/sarchlab/vmkernel/kernel"
	"github.com/sarchlab/vmkernel/sched"
	"github.com/sarchlab/vmkernel/vm"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	return logger
}

var _ = Describe("Kernel", func() {
	var (
		out *bytes.Buffer
		k   *kernel.Kernel
	)

	BeforeEach(func() {
		out = new(bytes.Buffer)

		var err error
		k, err = kernel.MakeBuilder().
			WithNumFrames(8).
			WithSwapSlots(256).
			WithLogger(quietLogger()).
			WithOutput(out).
			Build("test")
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		Expect(k.Close()).To(Succeed())
	})

	It("should print the exit status of every process", func() {
		var statuses []int

		counter := hooking.NewPosCounter()
		k.AcceptHook(counter)

		err := k.Run(func() {
			a := k.Exec("a", sched.PriDefault, func(p *kernel.Process) int {
				return 3
			})
			b := k.Exec("b", sched.PriDefault, func(p *kernel.Process) int {
				return 0
			})

			statuses = append(statuses, k.Wait(a), k.Wait(b), k.Wait(a))
		})

		Expect(err).ToNot(HaveOccurred())
		Expect(statuses).To(Equal([]int{3, 0, -1}))
		Expect(out.String()).To(Equal("a: exit(3)\nb: exit(0)\n"))
		Expect(k.Exits()).To(Equal([]kernel.ExitRecord{
			{Name: "a", Status: 3},
			{Name: "b", Status: 0},
		}))
		Expect(counter.Count(kernel.HookPosProcessExit)).To(Equal(uint64(2)))
	})

	It("should report -1 for a process killed by a fault", func() {
		var status int

		err := k.Run(func() {
			p := k.Exec("bad", sched.PriDefault, func(p *kernel.Process) int {
				_ = p.Write(0x1000, []byte{1})
				return 0
			})
			status = k.Wait(p)
		})

		Expect(err).ToNot(HaveOccurred())
		Expect(status).To(Equal(-1))
		Expect(out.String()).To(Equal("bad: exit(-1)\n"))
		Expect(k.Exits()[0].Killed).To(BeTrue())
		Expect(k.VM().Stats().FatalFaults).To(Equal(uint64(1)))
	})

	It("should activate the address space of the running process", func() {
		var active, own bool

		err := k.Run(func() {
			p := k.Exec("p", sched.PriDefault+1, func(p *kernel.Process) int {
				own = k.MMU().Active() == p.AddressSpace().PageDir()
				k.Scheduler().Yield()
				return 0
			})

			active = k.MMU().Active() == p.AddressSpace().PageDir()
			k.Wait(p)
		})

		Expect(err).ToNot(HaveOccurred())
		Expect(own).To(BeTrue())
		Expect(active).To(BeFalse())
	})

	It("should list live processes", func() {
		var infos []kernel.ProcessInfo

		err := k.Run(func() {
			p := k.Exec("p", sched.PriDefault-1, func(p *kernel.Process) int {
				return 0
			})

			_ = k.VM().CreatePage(p.AddressSpace(), kernel.DataBase, true,
				vm.ZeroOrigin{})
			infos = k.Processes()
			k.Wait(p)
		})

		Expect(err).ToNot(HaveOccurred())
		Expect(infos).To(HaveLen(1))
		Expect(infos[0].Name).To(Equal("p"))
		Expect(infos[0].Pages).To(Equal(1))
		Expect(k.Processes()).To(BeEmpty())
	})

	It("should keep a pinned buffer resident during a call", func() {
		var (
			state string
			err   error
		)

		runErr := k.Run(func() {
			p := k.Exec("p", sched.PriDefault, func(p *kernel.Process) int {
				as := p.AddressSpace()
				_ = k.VM().CreatePage(as, kernel.DataBase, true, vm.ZeroOrigin{})

				err = p.WithPinned(kernel.DataBase+10, 8, true, func() error {
					info, _ := as.Page(kernel.DataBase)
					state = info.State
					return nil
				})

				return 0
			})
			k.Wait(p)
		})

		Expect(runErr).ToNot(HaveOccurred())
		Expect(err).ToNot(HaveOccurred())
		Expect(state).To(Equal(vm.StateResident))
	})

	It("should run a workload that needs more memory than it has", func() {
		w := kernel.DefaultWorkload()
		w.Processes = 3
		w.Accesses = 200

		res, err := k.RunWorkload(w)

		Expect(err).ToNot(HaveOccurred())
		Expect(res.Exits).To(HaveLen(3))
		for _, e := range res.Exits {
			Expect(e.Status).To(Equal(0))
		}
		Expect(res.Stats.VM.SwapOuts).To(BeNumerically(">", 0))
		Expect(res.Stats.VM.FileReads).To(BeNumerically(">", 0))
		Expect(res.Stats.SwapUsed).To(Equal(0))
		Expect(res.Stats.Frames.Used).To(Equal(0))
	})
})

var _ = Describe("Kernel with a swap file", func() {
	It("should page through the host file", func() {
		path := filepath.Join(GinkgoT().TempDir(), "swap.img")

		k, err := kernel.MakeBuilder().
			WithNumFrames(4).
			WithSwapSlots(64).
			WithSwapFile(path).
			WithDiskLatency(1).
			WithFileLatency(1).
			WithLogger(quietLogger()).
			WithOutput(GinkgoWriter).
			Build("file")
		Expect(err).ToNot(HaveOccurred())
		defer k.Close()

		w := kernel.DefaultWorkload()
		w.Processes = 2
		w.DataPages = 8
		w.Accesses = 100

		res, err := k.RunWorkload(w)

		Expect(err).ToNot(HaveOccurred())
		Expect(res.Stats.VM.SwapIns).To(BeNumerically(">", 0))
	})
})
