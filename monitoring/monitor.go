// Package monitoring serves the state of a running kernel over HTTP.
package monitoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/sarchlab/vmkernel/kernel"
	"github.com/sarchlab/vmkernel/vm"
)

// A Monitor exposes a kernel through a JSON API. Every read of kernel state
// happens while the kernel is paused.
type Monitor struct {
	k           *kernel.Kernel
	portNumber  int
	openBrowser bool
	profileTime time.Duration

	lock   sync.Mutex
	paused bool

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar
}

// NewMonitor creates a monitor for k.
func NewMonitor(k *kernel.Kernel) *Monitor {
	return &Monitor{
		k:           k,
		profileTime: time.Second,
	}
}

// WithPortNumber sets the port the server listens on. Ports below 1000 are
// not allowed; a random port is used instead.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber != 0 && portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is not allowed for the monitor, "+
				"using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// WithBrowser opens the API root in a browser once the server starts.
func (m *Monitor) WithBrowser() *Monitor {
	m.openBrowser = true
	return m
}

// WithProfileTime sets how long /api/profile samples the CPU.
func (m *Monitor) WithProfileTime(d time.Duration) *Monitor {
	m.profileTime = d
	return m
}

// CreateProgressBar creates a progress bar reported by /api/progress.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := newProgressBar(name, total)

	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar stops reporting pb.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	bars := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			bars = append(bars, b)
		}
	}

	m.progressBars = bars
}

// Handler returns the router that serves the API.
func (m *Monitor) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/pause", m.pause).Methods(http.MethodPost)
	r.HandleFunc("/api/continue", m.resume).Methods(http.MethodPost)
	r.HandleFunc("/api/stats", m.stats)
	r.HandleFunc("/api/frames", m.frames)
	r.HandleFunc("/api/processes", m.processes)
	r.HandleFunc("/api/processes/{space:[0-9]+}/pages", m.pages)
	r.HandleFunc("/api/exits", m.exits)
	r.HandleFunc("/api/list_components", m.listComponents)
	r.HandleFunc("/api/component/{name}", m.componentDetails)
	r.HandleFunc("/api/field/{json}", m.fieldValue)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)

	return r
}

// StartServer starts serving in the background and returns the address it
// listens on.
func (m *Monitor) StartServer() (string, error) {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(m.portNumber))
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("http://localhost:%d/api/stats",
		listener.Addr().(*net.TCPAddr).Port)
	fmt.Fprintf(os.Stderr, "Monitoring kernel %s at %s\n", m.k.Name(), url)

	go func() {
		if err := http.Serve(listener, m.Handler()); err != nil {
			log.Printf("monitor stopped: %v", err)
		}
	}()

	if m.openBrowser {
		if err := browser.OpenURL(url); err != nil {
			fmt.Fprintf(os.Stderr, "Cannot open browser: %v\n", err)
		}
	}

	return url, nil
}

// inspect runs fn with the kernel paused. If the kernel was paused through
// the API it stays paused.
func (m *Monitor) inspect(fn func()) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.paused {
		fn()
		return
	}

	m.k.Inspect(fn)
}

func (m *Monitor) pause(w http.ResponseWriter, _ *http.Request) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if !m.paused {
		m.k.Scheduler().Pause()
		m.paused = true
	}

	w.WriteHeader(http.StatusOK)
}

func (m *Monitor) resume(w http.ResponseWriter, _ *http.Request) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.paused {
		m.k.Scheduler().Continue()
		m.paused = false
	}

	w.WriteHeader(http.StatusOK)
}

func (m *Monitor) stats(w http.ResponseWriter, _ *http.Request) {
	var st kernel.Stats
	m.inspect(func() { st = m.k.Stats() })

	writeJSON(w, st)
}

func (m *Monitor) frames(w http.ResponseWriter, _ *http.Request) {
	var rsp struct {
		Stats  any `json:"stats"`
		Frames any `json:"frames"`
	}

	m.inspect(func() {
		rsp.Stats = m.k.Frames().Stats()
		rsp.Frames = m.k.Frames().Snapshot()
	})

	writeJSON(w, rsp)
}

func (m *Monitor) processes(w http.ResponseWriter, _ *http.Request) {
	var infos []kernel.ProcessInfo
	m.inspect(func() { infos = m.k.Processes() })

	writeJSON(w, infos)
}

func (m *Monitor) pages(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseUint(mux.Vars(r)["space"], 10, 64)

	var (
		pages []vm.PageInfo
		found bool
	)

	m.inspect(func() {
		for _, as := range m.k.VM().Spaces() {
			if as.ID() == id {
				pages, found = as.Pages(), true
			}
		}
	})

	if !found {
		http.Error(w, "address space not found", http.StatusNotFound)
		return
	}

	writeJSON(w, pages)
}

func (m *Monitor) exits(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, m.k.Exits())
}

func (m *Monitor) components() map[string]any {
	return map[string]any{
		m.k.VM().Name():     m.k.VM(),
		m.k.Frames().Name(): m.k.Frames(),
		m.k.Swap().Name():   m.k.Swap(),
	}
}

func (m *Monitor) listComponents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, []string{
		m.k.VM().Name(),
		m.k.Frames().Name(),
		m.k.Swap().Name(),
	})
}

func (m *Monitor) findComponentOr404(w http.ResponseWriter, name string) any {
	c, ok := m.components()[name]
	if !ok {
		http.Error(w, "component not found", http.StatusNotFound)
		return nil
	}

	return c
}

func (m *Monitor) componentDetails(w http.ResponseWriter, r *http.Request) {
	c := m.findComponentOr404(w, mux.Vars(r)["name"])
	if c == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(c)
	serializer.SetMaxDepth(1)

	var err error
	buf := new(bytes.Buffer)
	m.inspect(func() { err = serializer.Serialize(buf) })

	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	_, _ = w.Write(buf.Bytes())
}

type fieldReq struct {
	CompName  string `json:"comp_name,omitempty"`
	FieldName string `json:"field_name,omitempty"`
}

func (m *Monitor) fieldValue(w http.ResponseWriter, r *http.Request) {
	req := fieldReq{}
	if err := json.Unmarshal([]byte(mux.Vars(r)["json"]), &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	c := m.findComponentOr404(w, req.CompName)
	if c == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(c)
	serializer.SetMaxDepth(1)

	if err := serializer.SetEntryPoint(strings.Split(req.FieldName, ".")); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var err error
	buf := new(bytes.Buffer)
	m.inspect(func() { err = serializer.Serialize(buf) })

	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	_, _ = w.Write(buf.Bytes())
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	writeJSON(w, m.progressBars)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	mem, err := proc.MemoryInfo()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: mem.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	if err := pprof.StartCPUProfile(buf); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	time.Sleep(m.profileTime)
	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, prof)
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}
