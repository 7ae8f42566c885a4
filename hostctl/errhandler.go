package hostctl

import (
	"log"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sarchlab/storhc/hcregs"
	"github.com/sarchlab/storhc/hooking"
	"github.com/sarchlab/storhc/linkctl"
)

// ScheduleRecovery queues the recovery worker. With force set, the run
// performs a full reset even if the recorded errors alone would not
// require one.
func (h *Host) ScheduleRecovery(force bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if force {
		h.forceReset = true
	}
	h.scheduleRecoveryLocked()
}

// ForceReset queues a full reset and waits for the recovery run to
// finish.
func (h *Host) ForceReset() error {
	h.mu.Lock()

	if h.runState == StateError {
		h.mu.Unlock()
		return ErrDeviceOffline
	}

	h.forceReset = true
	h.scheduleRecoveryLocked()

	for h.recoveryPendingLocked() {
		h.ehCond.Wait()
	}
	state := h.runState
	h.mu.Unlock()

	if state != StateOperational {
		return ErrDeviceOffline
	}

	return nil
}

func (h *Host) recoveryPendingLocked() bool {
	return h.ehInProgress ||
		h.runState == StateReset ||
		h.runState == StateRecoveryFatal ||
		h.runState == StateRecoveryNonFatal
}

// scheduleRecoveryLocked flips the run state and pokes the worker. The
// single-entry channel coalesces schedules that arrive while a run is
// already pending, so one batch with several errors produces one run.
func (h *Host) scheduleRecoveryLocked() {
	if h.runState == StateError {
		return
	}

	if h.needsFullResetLocked() {
		h.setRunStateLocked(StateRecoveryFatal)
	} else {
		h.setRunStateLocked(StateRecoveryNonFatal)
	}

	select {
	case h.ehCh <- struct{}{}:
	default:
	}
}

// needsFullResetLocked classifies the recorded errors. Fatal controller
// conditions, a broken link, a failed automatic hibernate transition,
// and a link-layer reinitialization all require a full reset; anything
// else gets the cheaper probe first.
func (h *Host) needsFullResetLocked() bool {
	return h.forceReset ||
		h.link.LinkState() == linkctl.LinkBroken ||
		h.savedErr&hcregs.IntrFatalMask != 0 ||
		h.savedErr&autoHibernateErrMask != 0 ||
		h.savedUICErr&uicErrPAInit != 0
}

func (h *Host) recoveryNeededLocked() bool {
	return h.savedErr != 0 ||
		h.savedUICErr != 0 ||
		h.forceReset ||
		h.link.LinkState() == linkctl.LinkBroken
}

func (h *Host) recoveryWorker() {
	defer h.wg.Done()

	for {
		select {
		case <-h.stopCh:
			return
		case <-h.ehCh:
			h.recover()
		}
	}
}

// onLinkBroken escalates a persistent link failure reported by the
// link channel. A broken link always needs a full reset.
func (h *Host) onLinkBroken() {
	h.ScheduleRecovery(false)
}

// recover is one run of the recovery worker.
//
// The run first retires everything the hardware already finished, so
// good completions are never thrown away. A non-fatal error then gets a
// device probe: if the device answers, the fault was transient and the
// controller resumes without a reset. A fatal error, or a failed probe,
// force-clears every still-outstanding slot and performs a full
// controller and link reset with bounded retries.
func (h *Host) recover() {
	h.mu.Lock()
	if h.runState == StateError || !h.recoveryNeededLocked() {
		if h.runState != StateError {
			h.setRunStateLocked(StateOperational)
		}
		h.ehCond.Broadcast()
		h.mu.Unlock()
		return
	}
	h.ehInProgress = true
	h.mu.Unlock()

	h.InvokeHook(hooking.HookCtx{Domain: h, Pos: HookPosRecoveryStart})

	// Keep clocks on and scaling quiet for the whole run.
	if err := h.gate.Hold(false); err != nil {
		log.Printf("%s: recovery clock hold failed: %v", h.name, err)
	}
	h.scaler.SuspendGovernor()

	h.mu.Lock()
	h.setRunStateLocked(StateReset)

	notify := h.completePresentLocked()

	needsReset := h.needsFullResetLocked()
	h.savedErr = 0
	h.savedUICErr = 0
	h.mu.Unlock()

	for _, f := range notify {
		f()
	}

	var err error

	if !needsReset {
		if probeErr := h.VerifyDeviceInit(); probeErr != nil {
			log.Printf("%s: recovery probe failed, escalating to reset: %v",
				h.name, probeErr)
			needsReset = true
		}
	}

	if needsReset {
		h.forceClearOutstanding()

		h.mu.Lock()
		notify = h.completePresentLocked()
		h.forceReset = false
		h.mu.Unlock()

		for _, f := range notify {
			f()
		}

		err = h.resetAndRestore()
	}

	h.mu.Lock()
	if err != nil {
		log.Printf("%s: recovery failed, controller offline: %v", h.name, err)
		h.setRunStateLocked(StateError)
	} else if h.runState != StateError {
		h.setRunStateLocked(StateOperational)
	}
	h.ehInProgress = false
	h.ehCond.Broadcast()
	h.mu.Unlock()

	h.scaler.ResumeGovernor()
	h.gate.Release()

	h.InvokeHook(hooking.HookCtx{Domain: h, Pos: HookPosRecoveryEnd})
}

// completePresentLocked retires everything whose doorbell bit the
// hardware has already dropped, on both rings.
func (h *Host) completePresentLocked() []func() {
	h.reconcileTasksLocked()
	return h.reconcileTransfersLocked()
}

// forceClearOutstanding reclaims every still-outstanding slot with
// bounded polling per slot. Failures are logged and left for the reset
// to wipe.
func (h *Host) forceClearOutstanding() {
	h.mu.Lock()
	reqs := h.outstandingReqs
	tasks := h.outstandingTasks
	h.mu.Unlock()

	for tag := 0; tag < h.nutrs; tag++ {
		if reqs&(1<<uint(tag)) == 0 {
			continue
		}
		if err := h.clearTransferSlot(tag); err != nil {
			log.Printf("%s: force clear of slot %d failed: %v",
				h.name, tag, err)
		}
	}

	for ts := 0; ts < h.nutmrs; ts++ {
		if tasks&(1<<uint(ts)) == 0 {
			continue
		}
		if err := h.clearTaskSlot(ts); err != nil {
			log.Printf("%s: force clear of task slot %d failed: %v",
				h.name, ts, err)
		}
	}
}

// resetAndRestore performs full resets with exponential backoff until
// one succeeds or the retry budget is exhausted.
func (h *Host) resetAndRestore() error {
	bo := &backoff.Backoff{
		Min:    50 * time.Millisecond,
		Max:    time.Second,
		Factor: 2,
	}

	var err error

	for attempt := 1; attempt <= MaxResetRetries; attempt++ {
		if attempt > 1 {
			time.Sleep(bo.Duration())
		}

		if h.deviceReset != nil {
			h.deviceReset()
		}

		err = h.restoreController()
		if err == nil {
			return nil
		}

		h.stats.ResetErr.Update(uint32(attempt))
		log.Printf("%s: reset failed (attempt %d): %v", h.name, attempt, err)
	}

	return err
}

// restoreController brings the controller from any state back to a
// probed, operational-ready configuration. Dropping the enable bit
// wipes both doorbells, so whatever they still held is completed (as
// requeue) first.
func (h *Host) restoreController() error {
	h.regs.Write32(hcregs.RegControllerEnable, 0)

	h.mu.Lock()
	notify := h.completePresentLocked()
	h.mu.Unlock()
	for _, f := range notify {
		f()
	}

	// Restart at full speed; scaled-down clocks may not carry link
	// startup.
	if err := h.doScaleClocks(true); err != nil {
		return err
	}

	if err := h.enableController(); err != nil {
		return err
	}

	if err := h.startupLink(); err != nil {
		return err
	}

	h.enableInterrupts()

	if err := h.VerifyDeviceInit(); err != nil {
		return err
	}

	h.mu.Lock()
	h.devPwrMode = DevPowerActive
	h.mu.Unlock()

	return nil
}

func (h *Host) exceptionWorker() {
	defer h.wg.Done()

	for {
		select {
		case <-h.stopCh:
			return
		case <-h.eeCh:
			h.handleExceptionEvent()
		}
	}
}

// handleExceptionEvent reads the exception status the device raised
// alongside a response and hands it to the configured handler.
func (h *Host) handleExceptionEvent() {
	status, err := h.ReadAttr(hcregs.AttrIDNEEStatus, 0, 0)
	if err != nil {
		log.Printf("%s: exception status read failed: %v", h.name, err)
		return
	}

	h.InvokeHook(hooking.HookCtx{
		Domain: h,
		Pos:    HookPosExceptionEvent,
		Item:   status,
	})

	if h.onException != nil {
		h.onException(status)
	}
}
