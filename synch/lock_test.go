package synch

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/vmkernel/sched"
)

var _ = Describe("Lock", func() {
	var (
		s *sched.Scheduler
	)

	BeforeEach(func() {
		s = sched.MakeBuilder().Build()
	})

	It("should allow only one owner at a time", func() {
		var (
			inside    int
			maxInside int
			entries   int
		)

		err := s.Run("main", sched.PriDefault, func() {
			l := NewLock(s, "l")
			for i := 0; i < 3; i++ {
				s.Spawn("worker", sched.PriDefault, func() {
					for j := 0; j < 3; j++ {
						l.Acquire()
						inside++
						entries++
						if inside > maxInside {
							maxInside = inside
						}
						s.Yield()
						inside--
						l.Release()
						s.Yield()
					}
				})
			}
		})

		Expect(err).ToNot(HaveOccurred())
		Expect(maxInside).To(Equal(1))
		Expect(entries).To(Equal(9))
	})

	It("should donate priority to the holder", func() {
		var (
			order     []string
			donated   int
			restored  int
			highPrioA int
		)

		err := s.Run("main", sched.PriDefault, func() {
			l := NewLock(s, "a")
			l.Acquire()

			s.Spawn("high", sched.PriDefault+10, func() {
				l.Acquire()
				order = append(order, "high")
				highPrioA = s.Current().Priority()
				l.Release()
			})

			donated = s.Current().Priority()
			l.Release()
			restored = s.Current().Priority()
			order = append(order, "main")
		})

		Expect(err).ToNot(HaveOccurred())
		Expect(donated).To(Equal(sched.PriDefault + 10))
		Expect(restored).To(Equal(sched.PriDefault))
		Expect(highPrioA).To(Equal(sched.PriDefault + 10))
		Expect(order).To(Equal([]string{"high", "main"}))
	})

	It("should keep the highest remaining donation after a release", func() {
		var prios []int

		err := s.Run("main", sched.PriDefault, func() {
			a := NewLock(s, "a")
			b := NewLock(s, "b")
			a.Acquire()
			b.Acquire()

			s.Spawn("ha", sched.PriDefault+1, func() {
				a.Acquire()
				a.Release()
			})
			s.Spawn("hb", sched.PriDefault+2, func() {
				b.Acquire()
				b.Release()
			})

			prios = append(prios, s.Current().Priority())
			b.Release()
			prios = append(prios, s.Current().Priority())
			a.Release()
			prios = append(prios, s.Current().Priority())
		})

		Expect(err).ToNot(HaveOccurred())
		Expect(prios).To(Equal([]int{
			sched.PriDefault + 2,
			sched.PriDefault + 1,
			sched.PriDefault,
		}))
	})

	It("should donate through a chain of holders", func() {
		var (
			mainPrio int
			midPrio  int
			order    []string
		)

		err := s.Run("main", sched.PriDefault, func() {
			a := NewLock(s, "a")
			b := NewLock(s, "b")
			a.Acquire()

			s.Spawn("mid", sched.PriDefault+1, func() {
				b.Acquire()
				a.Acquire()
				midPrio = s.Current().Priority()
				a.Release()
				b.Release()
				order = append(order, "mid")
			})

			s.Spawn("high", sched.PriDefault+2, func() {
				b.Acquire()
				b.Release()
				order = append(order, "high")
			})

			mainPrio = s.Current().Priority()
			a.Release()
			order = append(order, "main")
		})

		Expect(err).ToNot(HaveOccurred())
		Expect(mainPrio).To(Equal(sched.PriDefault + 2))
		Expect(midPrio).To(Equal(sched.PriDefault + 2))
		Expect(order).To(Equal([]string{"high", "mid", "main"}))
	})

	It("should stop the donation walk at the depth limit", func() {
		var mainPrio int

		err := s.Run("main", sched.PriDefault, func() {
			a := NewLock(s, "a")
			b := NewLock(s, "b").WithMaxDepth(1)
			a.Acquire()

			s.Spawn("mid", sched.PriDefault+1, func() {
				b.Acquire()
				a.Acquire()
				a.Release()
				b.Release()
			})

			s.Spawn("high", sched.PriDefault+2, func() {
				b.Acquire()
				b.Release()
			})

			mainPrio = s.Current().Priority()
			a.Release()
		})

		Expect(err).ToNot(HaveOccurred())
		Expect(mainPrio).To(Equal(sched.PriDefault + 1))
	})

	It("should not donate in MLFQS mode", func() {
		s = sched.MakeBuilder().WithMode(sched.MLFQS).Build()
		var mainPrio int

		err := s.Run("main", sched.PriDefault, func() {
			l := NewLock(s, "l")
			l.Acquire()
			s.Spawn("high", sched.PriDefault+10, func() {
				l.Acquire()
				l.Release()
			})
			mainPrio = s.Current().Priority()
			l.Release()
		})

		Expect(err).ToNot(HaveOccurred())
		Expect(mainPrio).To(Equal(sched.PriDefault))
	})

	It("should fail try-acquire without donating", func() {
		var (
			got      bool
			freeGot  bool
			mainPrio int
		)

		err := s.Run("main", sched.PriDefault, func() {
			l := NewLock(s, "l")
			l.Acquire()
			s.Spawn("high", sched.PriDefault+10, func() {
				got = l.TryAcquire()
			})
			mainPrio = s.Current().Priority()
			l.Release()

			freeGot = l.TryAcquire()
			l.Release()
		})

		Expect(err).ToNot(HaveOccurred())
		Expect(got).To(BeFalse())
		Expect(freeGot).To(BeTrue())
		Expect(mainPrio).To(Equal(sched.PriDefault))
	})

	It("should halt on recursive acquire", func() {
		err := s.Run("main", sched.PriDefault, func() {
			l := NewLock(s, "l")
			l.Acquire()
			l.Acquire()
		})

		var perr *sched.PanicError
		Expect(err).To(BeAssignableToTypeOf(perr))
		Expect(err.Error()).To(ContainSubstring("already holds"))
	})

	It("should halt when releasing a lock it does not hold", func() {
		err := s.Run("main", sched.PriDefault, func() {
			l := NewLock(s, "l")
			l.Release()
		})

		var perr *sched.PanicError
		Expect(err).To(BeAssignableToTypeOf(perr))
		Expect(err.Error()).To(ContainSubstring("does not hold"))
	})

	It("should halt when a donation chain comes back to the donor", func() {
		err := s.Run("main", sched.PriDefault, func() {
			x := NewLock(s, "x")
			y := NewLock(s, "y")
			y.Acquire()

			s.Spawn("other", sched.PriDefault-10, func() {
				x.Acquire()
				y.Acquire()
			})

			s.SetPriority(sched.PriMin)
			s.SetPriority(sched.PriDefault)
			x.Acquire()
		})

		var perr *sched.PanicError
		Expect(err).To(BeAssignableToTypeOf(perr))
		Expect(err.Error()).To(ContainSubstring("deadlock"))
	})
})
