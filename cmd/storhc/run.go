package main

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"

	"github.com/sarchlab/storhc/devsim"
	"github.com/sarchlab/storhc/hcregs"
	"github.com/sarchlab/storhc/hostctl"
	"github.com/sarchlab/storhc/monitoring"
	"github.com/sarchlab/storhc/recording"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a synthetic workload against the device model.",
	Run:   runWorkload,
}

func init() {
	runCmd.Flags().Duration("duration", 5*time.Second,
		"how long to run the workload")
	runCmd.Flags().Int("workers", 4,
		"number of concurrent submitters")
	runCmd.Flags().Duration("latency", devsim.DefaultLatency,
		"simulated device command latency")
	runCmd.Flags().Duration("gate-delay", 150*time.Millisecond,
		"deferred clock gate delay, 0 disables gating")
	runCmd.Flags().Bool("scaling", false,
		"enable the clock scaling governor")
	runCmd.Flags().Bool("monitor", false,
		"start the monitoring server")
	runCmd.Flags().Bool("open-browser", false,
		"open the monitor page in a browser")
	runCmd.Flags().String("recording", "",
		"record events into this SQLite database path")

	rootCmd.AddCommand(runCmd)
}

func runWorkload(cmd *cobra.Command, _ []string) {
	duration, _ := cmd.Flags().GetDuration("duration")
	workers, _ := cmd.Flags().GetInt("workers")
	latency, _ := cmd.Flags().GetDuration("latency")
	gateDelay, _ := cmd.Flags().GetDuration("gate-delay")
	scaling, _ := cmd.Flags().GetBool("scaling")
	monitor, _ := cmd.Flags().GetBool("monitor")
	openBrowser, _ := cmd.Flags().GetBool("open-browser")
	recordPath, _ := cmd.Flags().GetString("recording")

	if recordPath == "" {
		recordPath = os.Getenv("STORHC_RECORDING_DB")
	}

	dev := devsim.MakeBuilder().
		WithLatency(latency).
		Build("Device")

	hb := hostctl.MakeBuilder().
		WithRegs(dev).
		WithClockGating(gateDelay > 0, gateDelay)
	if scaling {
		hb = hb.WithClockScaling(100*time.Millisecond, 0.70, 0.30)
	}

	var hostRec *recording.HostRecorder
	if recordPath != "" {
		hostRec = recording.NewHostRecorder(recording.New(recordPath))
		hb = hb.WithErrorSink(hostRec.ErrorSink("Host"))
	}

	host := hb.Build("Host")
	dev.AttachRings(host.TransferRing(), host.TaskRing())
	dev.SetInterruptHandler(func() { host.HandleInterrupt() })

	if hostRec != nil {
		hostRec.Attach(host)
	}

	if err := host.Start(); err != nil {
		log.Fatalf("Cannot start host: %v", err)
	}

	if monitor || openBrowser {
		m := monitoring.NewMonitor().WithPortNumber(monitorPort())
		if openBrowser {
			m = m.WithBrowser()
		}
		m.RegisterHost(host)
		m.StartServer()
	}

	stats := driveWorkload(host, workers, duration)

	fmt.Printf("submitted %d, completed %d, requeued %d, failed %d\n",
		stats.submitted, stats.completed, stats.requeued, stats.failed)

	host.Stop()
	dev.Stop()

	// Runs the registered flush handlers before exiting.
	atexit.Exit(0)
}

func monitorPort() int {
	port := os.Getenv("STORHC_MONITOR_PORT")
	if port == "" {
		return 0
	}

	n, err := strconv.Atoi(port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid STORHC_MONITOR_PORT %q\n", port)
		return 0
	}

	return n
}

type workloadStats struct {
	submitted uint64
	completed uint64
	requeued  uint64
	failed    uint64
}

// driveWorkload submits random read and write commands from the given
// number of workers for the given duration.
func driveWorkload(
	host *hostctl.Host,
	workers int,
	duration time.Duration,
) *workloadStats {
	stats := &workloadStats{}
	deadline := time.Now().Add(duration)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(seed))
			var pending sync.WaitGroup

			for time.Now().Before(deadline) {
				req := makeRandomRequest(rng, stats, &pending)

				pending.Add(1)
				err := host.SubmitIO(req)
				switch {
				case err == nil:
					atomic.AddUint64(&stats.submitted, 1)
				case errors.Is(err, hostctl.ErrBusy):
					pending.Done()
					time.Sleep(time.Millisecond)
				default:
					pending.Done()
					atomic.AddUint64(&stats.failed, 1)
				}
			}

			pending.Wait()
		}(int64(w))
	}
	wg.Wait()

	return stats
}

func makeRandomRequest(
	rng *rand.Rand,
	stats *workloadStats,
	pending *sync.WaitGroup,
) *hostctl.Request {
	lun := uint8(rng.Intn(4))
	dir := hcregs.DirToDevice
	if rng.Intn(2) == 0 {
		dir = hcregs.DirFromDevice
	}

	buf := make([]byte, 512*(1+rng.Intn(8)))
	if dir == hcregs.DirToDevice {
		rng.Read(buf)
	}

	return &hostctl.Request{
		LUN:       lun,
		Direction: dir,
		Command:   []byte{byte(dir)},
		Buffers:   [][]byte{buf},
		Done: func(res hostctl.Result) {
			defer pending.Done()

			switch res.Code {
			case hostctl.ResultSuccess:
				atomic.AddUint64(&stats.completed, 1)
			case hostctl.ResultRequeue, hostctl.ResultAborted:
				atomic.AddUint64(&stats.requeued, 1)
			default:
				atomic.AddUint64(&stats.failed, 1)
			}
		},
	}
}
