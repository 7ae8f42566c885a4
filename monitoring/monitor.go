// Package monitoring turns a running controller into a small web
// server for external inspection: run state, error histories, live
// structure dumps, and process resources.
package monitoring

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	// Enable profiling
	_ "net/http/pprof"

	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/sarchlab/storhc/hostctl"
)

// Monitor exposes registered hosts over HTTP.
type Monitor struct {
	portNumber  int
	openBrowser bool

	hosts []*hostctl.Host
}

// NewMonitor creates a new Monitor.
func NewMonitor() *Monitor {
	return &Monitor{}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n",
			portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// WithBrowser opens the monitor page once the server is up.
func (m *Monitor) WithBrowser() *Monitor {
	m.openBrowser = true
	return m
}

// RegisterHost registers a host to be monitored.
func (m *Monitor) RegisterHost(h *hostctl.Host) {
	m.hosts = append(m.hosts, h)
}

// StartServer starts the monitor as a web server.
func (m *Monitor) StartServer() {
	r := mux.NewRouter()

	r.HandleFunc("/api/hosts", m.listHosts)
	r.HandleFunc("/api/host/{name}", m.hostState)
	r.HandleFunc("/api/host/{name}/errors", m.hostErrors)
	r.HandleFunc("/api/host/{name}/errors/reset", m.resetHostErrors)
	r.HandleFunc("/api/host/{name}/inspect", m.inspectHost)
	r.HandleFunc("/api/resource", m.listResources)
	http.Handle("/", r)

	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	url := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)
	fmt.Fprintf(os.Stderr, "Monitoring controller with %s\n", url)

	go func() {
		err = http.Serve(listener, nil)
		dieOnErr(err)
	}()

	if m.openBrowser {
		if err := browser.OpenURL(url + "/api/hosts"); err != nil {
			fmt.Fprintf(os.Stderr, "Cannot open browser: %v\n", err)
		}
	}
}

func (m *Monitor) findHost(name string) *hostctl.Host {
	for _, h := range m.hosts {
		if h.Name() == name {
			return h
		}
	}

	return nil
}

func (m *Monitor) listHosts(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(m.hosts))
	for _, h := range m.hosts {
		names = append(names, h.Name())
	}

	writeJSON(w, names)
}

type hostStateRsp struct {
	Name             string `json:"name"`
	RunState         string `json:"run_state"`
	OutstandingReqs  uint32 `json:"outstanding_reqs"`
	OutstandingTasks uint32 `json:"outstanding_tasks"`
	GateState        string `json:"gate_state"`
	LinkState        string `json:"link_state"`
	ScaledUp         bool   `json:"scaled_up"`
	DevicePowerMode  string `json:"device_power_mode"`
}

func (m *Monitor) hostState(w http.ResponseWriter, r *http.Request) {
	h := m.findHostOr404(w, r)
	if h == nil {
		return
	}

	reqs, tasks := h.Outstanding()

	writeJSON(w, hostStateRsp{
		Name:             h.Name(),
		RunState:         h.RunState().String(),
		OutstandingReqs:  reqs,
		OutstandingTasks: tasks,
		GateState:        h.Gate().State().String(),
		LinkState:        h.Link().LinkState().String(),
		ScaledUp:         h.Scaler().IsScaledUp(),
		DevicePowerMode:  h.DevicePowerMode().String(),
	})
}

type errHistoryRsp struct {
	Layer   string            `json:"layer"`
	Count   uint64            `json:"count"`
	Entries []errHistoryEntry `json:"entries"`
}

type errHistoryEntry struct {
	Value uint32    `json:"value"`
	At    time.Time `json:"at"`
}

func (m *Monitor) hostErrors(w http.ResponseWriter, r *http.Request) {
	h := m.findHostOr404(w, r)
	if h == nil {
		return
	}

	var rsp []errHistoryRsp
	for _, eh := range h.Stats().Histories() {
		one := errHistoryRsp{
			Layer: eh.Layer(),
			Count: eh.Count(),
		}
		for _, e := range eh.Snapshot() {
			one.Entries = append(one.Entries,
				errHistoryEntry{Value: e.Value, At: e.At})
		}
		rsp = append(rsp, one)
	}

	writeJSON(w, rsp)
}

func (m *Monitor) resetHostErrors(w http.ResponseWriter, r *http.Request) {
	h := m.findHostOr404(w, r)
	if h == nil {
		return
	}

	for _, eh := range h.Stats().Histories() {
		eh.Reset()
	}

	w.WriteHeader(http.StatusOK)
}

func (m *Monitor) inspectHost(w http.ResponseWriter, r *http.Request) {
	h := m.findHostOr404(w, r)
	if h == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(h)
	serializer.SetMaxDepth(1)

	dieOnErr(serializer.Serialize(w))
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	proc, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := proc.CPUPercent()
	dieOnErr(err)

	memorySize, err := proc.MemoryInfo()
	dieOnErr(err)

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	})
}

func (m *Monitor) findHostOr404(
	w http.ResponseWriter,
	r *http.Request,
) *hostctl.Host {
	name := mux.Vars(r)["name"]

	h := m.findHost(name)
	if h == nil {
		w.WriteHeader(http.StatusNotFound)
	}

	return h
}

func writeJSON(w http.ResponseWriter, v any) {
	bytes, err := json.Marshal(v)
	dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(bytes)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
