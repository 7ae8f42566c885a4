// Package hostctl implements the command-execution engine of the host
// controller: the transfer and task management rings, the interrupt
// dispatcher that reconciles doorbell state against software
// bookkeeping, and the error recovery machinery around them.
package hostctl

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sarchlab/storhc/clkgate"
	"github.com/sarchlab/storhc/clkscale"
	"github.com/sarchlab/storhc/hcregs"
	"github.com/sarchlab/storhc/hooking"
	"github.com/sarchlab/storhc/linkctl"
)

// A RunState gates the command submission boundary.
type RunState int

const (
	// StateReset covers initialization and the reset phase of
	// recovery. New data commands are rejected as busy.
	StateReset RunState = iota

	// StateOperational accepts all commands.
	StateOperational

	// StateRecoveryFatal means a fatal error is queued for recovery.
	// New data commands are rejected as busy.
	StateRecoveryFatal

	// StateRecoveryNonFatal means a non-fatal error is queued. Data
	// commands are still accepted since the hardware may well complete
	// them.
	StateRecoveryNonFatal

	// StateError is terminal: recovery exhausted its retries.
	StateError
)

func (s RunState) String() string {
	switch s {
	case StateReset:
		return "reset"
	case StateOperational:
		return "operational"
	case StateRecoveryFatal:
		return "recovery-fatal"
	case StateRecoveryNonFatal:
		return "recovery-non-fatal"
	case StateError:
		return "error"
	default:
		return "invalid"
	}
}

// Retry and timeout bounds of the command engine.
const (
	NopOutRetries = 10
	NopOutTimeout = 30 * time.Millisecond

	QueryRetries = 3
	QueryTimeout = 1500 * time.Millisecond

	TaskTimeout      = 100 * time.Millisecond
	TaskQueryRetries = 3

	ClearSlotTimeout = time.Second

	LinkStartupRetries    = 3
	HibernateEnterRetries = 3
	MaxResetRetries       = 5
)

// Link gear operating points used by clock scaling.
const (
	GearLow  uint32 = 1
	GearHigh uint32 = 3
)

// defaultIntrMask is the interrupt enable set of an operational
// controller.
const defaultIntrMask = hcregs.IntrTransferReqCompl |
	hcregs.IntrTaskReqCompl |
	hcregs.IntrUICCommandCompl |
	hcregs.IntrUICPowerMask |
	hcregs.IntrErrorMask

// A Host owns one controller instance: its slot bookkeeping, its
// collaborating link channel, gating and scaling controllers, and the
// recovery worker.
type Host struct {
	hooking.HookableBase

	name string
	regs hcregs.Accessor

	nutrs  int
	nutmrs int

	// mu guards all slot, doorbell-shadow and run-state fields below.
	// It is also the shared state lock of the gating controller.
	mu      sync.Mutex
	tagCond *sync.Cond
	tmCond  *sync.Cond
	ehCond  *sync.Cond

	runState  RunState
	suspended bool

	// blocked closes the submission boundary while an ungate is in
	// flight. Atomic because the gating controller flips it while
	// already holding mu.
	blocked atomic.Bool

	slotsInUse      uint32
	outstandingReqs uint32
	slots           []*slot

	tmInUse          uint32
	outstandingTasks uint32
	tmDone           []chan struct{}

	transferRing []hcregs.TransferDescriptor
	taskRing     []hcregs.TaskDescriptor

	// devCmdMu serializes device-management commands: the reserved
	// management tag admits one owner at a time.
	devCmdMu sync.Mutex

	link   *linkctl.Channel
	gate   *clkgate.Controller
	scaler *clkscale.Scaler

	// errors and uicError describe the interrupt batch being serviced;
	// savedErr and savedUICErr stay set until recovery consumes them.
	errors      uint32
	uicError    uint32
	savedErr    uint32
	savedUICErr uint32

	forceReset   bool
	ehInProgress bool

	autoHibernate bool

	ehCh   chan struct{}
	eeCh   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	stats *Stats

	setupClocks func(on bool) error
	scaleClocks func(up bool) error
	scaleGear   func(up bool) error
	deviceReset func()
	onException func(status uint32)

	devPwrMode DevicePowerMode
}

// Name returns the name of the host.
func (h *Host) Name() string {
	return h.name
}

// RunState returns the current run state.
func (h *Host) RunState() RunState {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.runState
}

// Outstanding returns the outstanding transfer and task bitmaps.
func (h *Host) Outstanding() (reqs, tasks uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.outstandingReqs, h.outstandingTasks
}

// TransferRing exposes the transfer descriptor ring. The ring is the
// shared memory between host and device: the device model is attached
// to it after construction.
func (h *Host) TransferRing() []hcregs.TransferDescriptor {
	return h.transferRing
}

// TaskRing exposes the task management descriptor ring.
func (h *Host) TaskRing() []hcregs.TaskDescriptor {
	return h.taskRing
}

// Stats returns the error bookkeeping of the host.
func (h *Host) Stats() *Stats {
	return h.stats
}

// Link returns the link-control channel.
func (h *Host) Link() *linkctl.Channel {
	return h.link
}

// Gate returns the clock gating controller.
func (h *Host) Gate() *clkgate.Controller {
	return h.gate
}

// Scaler returns the clock scaling controller.
func (h *Host) Scaler() *clkscale.Scaler {
	return h.scaler
}

func (h *Host) setRunStateLocked(s RunState) {
	if h.runState == s {
		return
	}

	h.runState = s
	h.InvokeHook(hooking.HookCtx{
		Domain: h,
		Pos:    HookPosRunStateChange,
		Item:   s,
	})
}

// Start brings the controller to the operational state: workers,
// controller enable, link startup, interrupts, and the device probe.
func (h *Host) Start() error {
	h.stopCh = make(chan struct{})
	h.wg.Add(2)
	go h.recoveryWorker()
	go h.exceptionWorker()

	if err := h.restoreController(); err != nil {
		h.mu.Lock()
		h.setRunStateLocked(StateError)
		h.mu.Unlock()
		return fmt.Errorf("%s: bring-up failed: %w", h.name, err)
	}

	h.mu.Lock()
	h.setRunStateLocked(StateOperational)
	h.mu.Unlock()

	h.scaler.StartGovernor()

	return nil
}

// Stop terminates the workers and quiesces the controller. Outstanding
// commands are not waited for.
func (h *Host) Stop() {
	h.scaler.StopGovernor()

	close(h.stopCh)
	h.wg.Wait()

	h.regs.Write32(hcregs.RegInterruptEnable, 0)
	h.regs.Write32(hcregs.RegControllerEnable, 0)
}

// enableController sets the enable bit and waits for the controller to
// report itself ready.
func (h *Host) enableController() error {
	h.regs.Write32(hcregs.RegControllerEnable, hcregs.ControllerEnableBit)

	return hcregs.WaitForRegister(h.regs,
		hcregs.RegControllerEnable,
		hcregs.ControllerEnableBit, hcregs.ControllerEnableBit,
		time.Millisecond, 100*time.Millisecond)
}

func (h *Host) enableInterrupts() {
	h.regs.Write32(hcregs.RegInterruptEnable, defaultIntrMask)
}

// startupLink establishes the link, retrying a bounded number of times
// since first startup attempts routinely fail on a cold interconnect.
func (h *Host) startupLink() error {
	var err error

	for attempt := 1; attempt <= LinkStartupRetries; attempt++ {
		err = h.link.Startup()
		if err == nil {
			return nil
		}

		h.stats.LinkStartupErr.Update(uint32(attempt))
		log.Printf("%s: link startup failed (attempt %d): %v",
			h.name, attempt, err)
	}

	return err
}

// canGateLocked re-validates, under the shared state lock, that the
// clock domain really is idle before the gate action cuts power.
func (h *Host) canGateLocked() bool {
	return h.outstandingReqs == 0 &&
		h.outstandingTasks == 0 &&
		h.runState == StateOperational &&
		!h.ehInProgress &&
		!h.link.Busy() &&
		h.link.LinkState() != linkctl.LinkBroken
}

func (h *Host) doSetupClocks(on bool) error {
	if h.setupClocks == nil {
		return nil
	}

	return h.setupClocks(on)
}

func (h *Host) doScaleClocks(up bool) error {
	if h.scaleClocks == nil {
		return nil
	}

	return h.scaleClocks(up)
}

// changeGear reprograms the link power mode for the requested
// operating point.
func (h *Host) changeGear(up bool) error {
	if h.scaleGear != nil {
		return h.scaleGear(up)
	}

	gear := GearLow
	if up {
		gear = GearHigh
	}

	return h.link.ChangePowerMode(gear)
}

func (h *Host) parkLinkForGating() error {
	return h.link.HibernateEnter()
}

func (h *Host) unparkLinkForGating() error {
	return h.link.HibernateExit()
}

func (h *Host) linkParkedForGating() bool {
	return h.link.LinkState() == linkctl.LinkHibernate
}

func (h *Host) setBlocked(block bool) {
	h.blocked.Store(block)
}

// waitForDoorbellsClear polls both doorbells until the hardware has
// drained, bounding the wait. The scaling barrier already blocks new
// submissions while this runs.
func (h *Host) waitForDoorbellsClear(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		tr := h.regs.Read32(hcregs.RegTransferReqDoorbell)
		tm := h.regs.Read32(hcregs.RegTaskReqDoorbell)
		if tr == 0 && tm == 0 {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf(
				"%s: doorbells busy after %v (transfer 0x%08x, task 0x%08x)",
				h.name, timeout, tr, tm)
		}

		time.Sleep(200 * time.Microsecond)
	}
}
