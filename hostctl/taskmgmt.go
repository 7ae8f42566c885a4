package hostctl

import (
	"fmt"
	"log"
	"time"

	"github.com/sarchlab/storhc/hcregs"
	"github.com/sarchlab/storhc/hooking"
)

// Task management functions.
const (
	TaskFuncAbort   uint32 = 0x01
	TaskFuncLUReset uint32 = 0x08
	TaskFuncQuery   uint32 = 0x80
)

// Task management service responses.
const (
	TaskRespComplete  uint32 = 0x00
	TaskRespFailed    uint32 = 0x05
	TaskRespSucceeded uint32 = 0x08
)

// issueTask runs one task management command and returns its service
// response. On timeout the slot is force-cleared; whether that clear
// worked decides between the retryable ErrTimeout and ErrClearFailed.
func (h *Host) issueTask(lun uint8, targetTag int, fn uint32) (uint32, error) {
	if err := h.gate.Hold(false); err != nil {
		return 0, err
	}
	defer h.gate.Release()

	h.mu.Lock()
	ts := h.acquireTaskSlotLocked()

	// Drain a stale wakeup left by a previous timed-out owner.
	select {
	case <-h.tmDone[ts]:
	default:
	}

	d := &h.taskRing[ts]
	d.Reset()
	d.Function = fn
	d.LUN = lun
	d.TaskTag = uint8(ts)
	if targetTag >= 0 {
		d.TargetTag = uint8(targetTag)
	}

	h.InvokeHook(hooking.HookCtx{
		Domain: h,
		Pos:    HookPosTaskSubmit,
		Item:   ts,
	})

	h.outstandingTasks |= 1 << uint(ts)
	h.regs.Write32(hcregs.RegTaskReqDoorbell, 1<<uint(ts))
	h.mu.Unlock()

	var (
		resp uint32
		err  error
	)

	select {
	case <-h.tmDone[ts]:
		resp, err = h.taskOutcome(ts)

	case <-time.After(TaskTimeout):
		// The completion may have beaten the timer; salvage it.
		select {
		case <-h.tmDone[ts]:
			log.Printf("%s: task command %d completed after timeout, salvaging result",
				h.name, ts)
			resp, err = h.taskOutcome(ts)
		default:
			if clrErr := h.clearTaskSlot(ts); clrErr != nil {
				log.Printf("%s: task slot %d clear failed: %v",
					h.name, ts, clrErr)
				err = ErrClearFailed
			} else {
				err = ErrTimeout
			}
		}
	}

	h.mu.Lock()
	h.outstandingTasks &^= 1 << uint(ts)
	h.releaseTaskSlotLocked(ts)
	h.mu.Unlock()

	return resp, err
}

func (h *Host) taskOutcome(ts int) (uint32, error) {
	d := &h.taskRing[ts]
	if d.OCS != hcregs.OCSSuccess {
		return 0, fmt.Errorf("%s: task command %d failed, ocs 0x%x",
			h.name, ts, d.OCS)
	}

	return d.ServiceResp, nil
}

// reconcileTasksLocked wakes task command issuers whose doorbell bits
// the hardware has dropped. The issuer owns the outstanding bit, so
// this only signals.
func (h *Host) reconcileTasksLocked() {
	doorbell := h.regs.Read32(hcregs.RegTaskReqDoorbell)
	completed := (doorbell ^ h.outstandingTasks) & h.outstandingTasks

	for ts := 0; ts < h.nutmrs; ts++ {
		if completed&(1<<uint(ts)) == 0 {
			continue
		}

		select {
		case h.tmDone[ts] <- struct{}{}:
		default:
		}
	}
}

// clearTaskSlot force-clears one task management slot.
func (h *Host) clearTaskSlot(ts int) error {
	bit := uint32(1) << uint(ts)

	h.mu.Lock()
	h.regs.Write32(hcregs.RegTaskReqListClear, ^bit)
	h.mu.Unlock()

	return hcregs.WaitForRegister(h.regs,
		hcregs.RegTaskReqDoorbell, bit, 0,
		time.Millisecond, 100*time.Millisecond)
}

// Abort terminates one outstanding data command. It first asks the
// device whether the command is still pending, aborts it if so, then
// reclaims the slot and completes the request as aborted. A failed
// abort marks every outstanding slot to skip further abort attempts
// and escalates to recovery.
func (h *Host) Abort(tag int) error {
	if tag < 0 || tag >= h.nutrs {
		return ErrInvalidTag
	}
	bit := uint32(1) << uint(tag)

	if err := h.gate.Hold(false); err != nil {
		return err
	}
	defer h.gate.Release()

	h.mu.Lock()
	s := h.slots[tag]
	if h.outstandingReqs&bit == 0 || s.req == nil {
		// Already completed and reconciled.
		h.mu.Unlock()
		return nil
	}

	if h.regs.Read32(hcregs.RegTransferReqDoorbell)&bit == 0 {
		// Completed in hardware but not reconciled yet. Finish it
		// normally instead of aborting.
		notify := h.completeTransfersLocked(bit)
		h.mu.Unlock()
		for _, f := range notify {
			f()
		}
		return nil
	}

	lun := s.req.LUN
	skip := s.skipAbortRetry
	h.mu.Unlock()

	if skip {
		// An abort on this device already failed; do not issue task
		// commands that will not work, let recovery reclaim the slot.
		h.ScheduleRecovery(true)
		return ErrClearFailed
	}

	if err := h.abortDeviceSide(lun, tag, bit); err != nil {
		h.markSkipAbort()
		h.ScheduleRecovery(true)
		return err
	}

	if err := h.clearTransferSlot(tag); err != nil {
		h.markSkipAbort()
		h.ScheduleRecovery(true)
		return ErrClearFailed
	}

	notify := h.finishAborted(tag)
	for _, f := range notify {
		f()
	}

	return nil
}

// abortDeviceSide queries the device for the command and aborts it if
// still pending. A query answering "complete" means the device is done
// and only the doorbell needs reclaiming.
func (h *Host) abortDeviceSide(lun uint8, tag int, bit uint32) error {
	for attempt := 0; attempt < TaskQueryRetries; attempt++ {
		resp, err := h.issueTask(lun, tag, TaskFuncQuery)
		if err != nil {
			return err
		}

		switch resp {
		case TaskRespSucceeded:
			// Still pending in the device; abort it.
			resp, err = h.issueTask(lun, tag, TaskFuncAbort)
			if err != nil {
				return err
			}
			if resp != TaskRespComplete && resp != TaskRespSucceeded {
				return fmt.Errorf(
					"%s: abort of slot %d rejected, service response 0x%x",
					h.name, tag, resp)
			}
			return nil

		case TaskRespComplete:
			// The device finished it; if the doorbell already dropped
			// the normal completion path will take over.
			if h.regs.Read32(hcregs.RegTransferReqDoorbell)&bit == 0 {
				return nil
			}
			// Doorbell still set, poll again.

		default:
			return fmt.Errorf(
				"%s: query of slot %d returned service response 0x%x",
				h.name, tag, resp)
		}
	}

	return nil
}

// finishAborted completes a force-cleared slot as aborted.
func (h *Host) finishAborted(tag int) []func() {
	bit := uint32(1) << uint(tag)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.outstandingReqs&bit == 0 {
		// The completion path won the race; nothing left to do.
		return nil
	}

	h.transferRing[tag].OCS = hcregs.OCSAborted

	return h.completeTransfersLocked(bit)
}

// markSkipAbort flags every outstanding slot so later aborts escalate
// immediately.
func (h *Host) markSkipAbort() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for tag := 0; tag < h.nutrs; tag++ {
		if h.outstandingReqs&(1<<uint(tag)) != 0 {
			h.slots[tag].skipAbortRetry = true
		}
	}
}

// ResetLUN issues a logical-unit reset and requeues every command
// outstanding against that unit.
func (h *Host) ResetLUN(lun uint8) error {
	resp, err := h.issueTask(lun, -1, TaskFuncLUReset)
	if err != nil {
		return err
	}
	if resp != TaskRespComplete && resp != TaskRespSucceeded {
		return fmt.Errorf("%s: lun %d reset rejected, service response 0x%x",
			h.name, lun, resp)
	}

	h.mu.Lock()
	var victims uint32
	for tag := 0; tag < h.nutrs; tag++ {
		s := h.slots[tag]
		if h.outstandingReqs&(1<<uint(tag)) != 0 &&
			s.req != nil && s.req.LUN == lun {
			victims |= 1 << uint(tag)
		}
	}
	h.mu.Unlock()

	for tag := 0; tag < h.nutrs; tag++ {
		if victims&(1<<uint(tag)) == 0 {
			continue
		}
		if err := h.clearTransferSlot(tag); err != nil {
			log.Printf("%s: slot %d clear after lun reset failed: %v",
				h.name, tag, err)
		}
	}

	h.mu.Lock()
	notify := h.reconcileTransfersLocked()
	h.mu.Unlock()
	for _, f := range notify {
		f()
	}

	return nil
}
