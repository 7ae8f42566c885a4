package hostctl

import (
	"log"
	"time"

	"github.com/sarchlab/storhc/hcregs"
	"github.com/sarchlab/storhc/hooking"
)

// SubmitIO accepts one data command. It returns once the doorbell bit
// is written; the request's Done callback delivers the outcome. ErrBusy
// asks the caller to requeue: the controller is scaling, ungating,
// resetting, or suspended.
func (h *Host) SubmitIO(req *Request) error {
	if req.Done == nil {
		log.Panicf("%s: request without completion callback", h.name)
	}

	// The scaling barrier must not block the data path; a requeue is
	// cheaper than stalling a submitter behind a drain.
	if !h.scaler.TrySubmitEnter() {
		return ErrBusy
	}
	defer h.scaler.SubmitExit()

	if err := h.gate.Hold(true); err != nil {
		return ErrBusy
	}

	tag := h.acquireSlot(false)

	s := h.slots[tag]
	s.req = req
	s.issuedAt = time.Now()
	s.skipAbortRetry = false
	h.buildTransferDescriptor(tag, req)

	h.mu.Lock()

	var reject error
	switch h.runState {
	case StateOperational, StateRecoveryNonFatal:
	case StateError:
		reject = ErrDeviceOffline
	default:
		reject = ErrBusy
	}
	if reject == nil && (h.blocked.Load() || h.suspended) {
		reject = ErrBusy
	}

	if reject != nil {
		h.releaseSlotLocked(tag)
		h.mu.Unlock()
		h.gate.Release()
		return reject
	}

	h.sendCommandLocked(tag)
	h.mu.Unlock()

	return nil
}

func (h *Host) buildTransferDescriptor(tag int, req *Request) {
	d := &h.transferRing[tag]
	d.Reset()

	d.Direction = req.Direction
	d.CommandType = hcregs.CmdTypeStorage
	d.CryptoEnable = req.CryptoEnable
	d.CryptoSlot = req.CryptoSlot

	if len(req.Buffers) > 0 {
		d.PRDT = make([]hcregs.PRDEntry, len(req.Buffers))
		for i, b := range req.Buffers {
			d.PRDT[i] = hcregs.PRDEntry{
				Size:  uint32(len(b)),
				Bytes: b,
			}
		}
	}

	d.RequestHeader = hcregs.MessageHeader{
		Transaction: hcregs.TransactionCommand,
		LUN:         req.LUN,
		TaskTag:     uint8(tag),
	}
	d.RequestPayload = req.Command
}

// sendCommandLocked marks the slot outstanding and rings the doorbell.
// The descriptor must be fully built before this point; the doorbell
// write transfers ownership of the ring entry to the device.
func (h *Host) sendCommandLocked(tag int) {
	h.InvokeHook(hooking.HookCtx{
		Domain: h,
		Pos:    HookPosCmdSubmit,
		Item:   tag,
	})

	h.outstandingReqs |= 1 << uint(tag)
	h.scaler.SetBusy(true)

	h.regs.Write32(hcregs.RegTransferReqDoorbell, 1<<uint(tag))
}

// reconcileTransfersLocked derives the set of newly completed slots
// from the doorbell register and the outstanding bitmap. A slot is
// complete exactly when software still considers it outstanding and
// the hardware has dropped its doorbell bit, which makes the operation
// idempotent against spurious interrupts and stale register reads.
func (h *Host) reconcileTransfersLocked() []func() {
	doorbell := h.regs.Read32(hcregs.RegTransferReqDoorbell)
	completed := (doorbell ^ h.outstandingReqs) & h.outstandingReqs

	return h.completeTransfersLocked(completed)
}

// completeTransfersLocked retires the given slots. Completion
// callbacks are returned, not invoked, so the caller can run them
// after dropping the state lock.
func (h *Host) completeTransfersLocked(completed uint32) []func() {
	var notify []func()

	for tag := 0; tag < h.nutrs; tag++ {
		bit := uint32(1) << uint(tag)
		if completed&bit == 0 {
			continue
		}

		h.outstandingReqs &^= bit
		s := h.slots[tag]
		s.completedAt = time.Now()

		switch {
		case s.req != nil:
			req := s.req
			res := h.transferResultLocked(tag)
			h.releaseSlotLocked(tag)
			h.gate.ReleaseLocked()

			h.InvokeHook(hooking.HookCtx{
				Domain: h,
				Pos:    HookPosCmdComplete,
				Item:   tag,
				Detail: res,
			})

			notify = append(notify, func() { req.Done(res) })

		case s.devDone != nil:
			// Device-management completion: the issuer owns the slot
			// and the descriptor; just wake it.
			select {
			case s.devDone <- struct{}{}:
			default:
			}

		default:
			// Completion for a slot nobody owns. A late completion
			// after a forced clear can produce this; ignoring it keeps
			// the reconciliation idempotent.
			log.Printf("%s: completion for idle slot %d ignored",
				h.name, tag)
		}
	}

	if h.outstandingReqs == 0 {
		h.scaler.SetBusy(false)
	}

	return notify
}

// transferResultLocked interprets the completed descriptor of a data
// command.
func (h *Host) transferResultLocked(tag int) Result {
	d := &h.transferRing[tag]
	res := Result{OCS: d.OCS}

	switch d.OCS {
	case hcregs.OCSSuccess:
		res.Code = ResultSuccess
		res.Response = d.ResponsePayload
		if len(d.SenseData) > 0 {
			res.Sense = d.SenseData
		}
		if d.ResponseHeader.ExceptionAlert {
			h.scheduleExceptionLocked()
		}

	case hcregs.OCSAborted:
		res.Code = ResultAborted

	case hcregs.OCSInvalidCommandStatus:
		// The controller never wrote a status: the slot was cleared or
		// wiped by a reset before the device touched it.
		res.Code = ResultRequeue

	default:
		res.Code = ResultDeviceError
		log.Printf("%s: slot %d completed with ocs 0x%x (lun %d)",
			h.name, tag, d.OCS, d.RequestHeader.LUN)
	}

	return res
}

// clearTransferSlot force-clears one transfer slot and waits for the
// hardware to drop its doorbell bit.
func (h *Host) clearTransferSlot(tag int) error {
	bit := uint32(1) << uint(tag)

	h.mu.Lock()
	h.regs.Write32(hcregs.RegTransferReqListClear, ^bit)
	h.mu.Unlock()

	return hcregs.WaitForRegister(h.regs,
		hcregs.RegTransferReqDoorbell, bit, 0,
		time.Millisecond, ClearSlotTimeout)
}

func (h *Host) scheduleExceptionLocked() {
	select {
	case h.eeCh <- struct{}{}:
	default:
	}
}
