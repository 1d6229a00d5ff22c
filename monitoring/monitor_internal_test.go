package monitoring

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/vmkernel/kernel"
	"github.com/sarchlab/vmkernel/sched"
	"github.com/sarchlab/vmkernel/vm"
)

var _ = Describe("Monitor", func() {
	var (
		k *kernel.Kernel
		m *Monitor
		h http.Handler
	)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	post := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		return rec
	}

	BeforeEach(func() {
		logger := logrus.New()
		logger.SetOutput(io.Discard)

		var err error
		k, err = kernel.MakeBuilder().
			WithNumFrames(4).
			WithSwapSlots(8).
			WithLogger(logger).
			WithOutput(io.Discard).
			Build("k")
		Expect(err).ToNot(HaveOccurred())

		m = NewMonitor(k)
		h = m.Handler()
	})

	It("should report kernel statistics", func() {
		err := k.Run(func() {
			p := k.Exec("p", sched.PriDefault, func(p *kernel.Process) int {
				as := p.AddressSpace()
				_ = k.VM().CreatePage(as, kernel.DataBase, true, vm.ZeroOrigin{})
				_ = p.Write(kernel.DataBase, []byte{1})
				return 0
			})
			k.Wait(p)
		})
		Expect(err).ToNot(HaveOccurred())

		rec := get("/api/stats")
		Expect(rec.Code).To(Equal(http.StatusOK))

		var st kernel.Stats
		Expect(json.Unmarshal(rec.Body.Bytes(), &st)).To(Succeed())
		Expect(st.RunID).To(Equal(k.RunID().String()))
		Expect(st.VM.Faults).To(Equal(uint64(1)))
		Expect(st.Exited).To(Equal(1))
		Expect(st.Frames.Frames).To(Equal(4))

		rec = get("/api/exits")
		Expect(rec.Body.String()).To(ContainSubstring(`"name":"p"`))
	})

	It("should report frames", func() {
		rec := get("/api/frames")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring(`"max_frames":4`))
	})

	It("should list no processes when idle", func() {
		rec := get("/api/processes")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(Equal("[]"))
	})

	It("should return 404 for an unknown address space", func() {
		Expect(get("/api/processes/42/pages").Code).
			To(Equal(http.StatusNotFound))
	})

	It("should list and look up components", func() {
		rec := get("/api/list_components")

		var names []string
		Expect(json.Unmarshal(rec.Body.Bytes(), &names)).To(Succeed())
		Expect(names).To(ConsistOf("k.vm", "k.frames", "k.swap"))

		Expect(get("/api/component/nope").Code).To(Equal(http.StatusNotFound))
	})

	It("should reject a malformed field request", func() {
		Expect(get("/api/field/notjson").Code).To(Equal(http.StatusBadRequest))
	})

	It("should pause and continue", func() {
		Expect(post("/api/pause").Code).To(Equal(http.StatusOK))
		Expect(m.paused).To(BeTrue())

		Expect(get("/api/stats").Code).To(Equal(http.StatusOK))

		Expect(post("/api/continue").Code).To(Equal(http.StatusOK))
		Expect(m.paused).To(BeFalse())
	})

	It("should only accept POST for pause", func() {
		Expect(get("/api/pause").Code).To(Equal(http.StatusMethodNotAllowed))
	})

	It("should track progress bars", func() {
		bar := m.CreateProgressBar("workload", 10)
		bar.IncrementInProgress(3)
		bar.MoveInProgressToFinished(2)

		rec := get("/api/progress")
		var bars []map[string]any
		Expect(json.Unmarshal(rec.Body.Bytes(), &bars)).To(Succeed())
		Expect(bars).To(HaveLen(1))
		Expect(bars[0]["name"]).To(Equal("workload"))
		Expect(bars[0]["finished"]).To(BeNumerically("==", 2))
		Expect(bars[0]["in_progress"]).To(BeNumerically("==", 1))

		m.CompleteProgressBar(bar)
		Expect(get("/api/progress").Body.String()).To(Equal("[]"))
	})

	It("should ignore privileged ports", func() {
		m.WithPortNumber(80)
		Expect(m.portNumber).To(Equal(0))
	})
})
