package hostctl

import (
	"github.com/sarchlab/storhc/hcregs"
	"github.com/sarchlab/storhc/linkctl"
)

// Internal link error classification, accumulated from the per-layer
// error report registers.
const (
	uicErrPAInit uint32 = 1 << iota
	uicErrNACReceived
	uicErrReplayTimeout
	uicErrNetwork
	uicErrTransport
	uicErrDME
)

const autoHibernateErrMask = hcregs.IntrHibernateEnter | hcregs.IntrHibernateExit

// HandleInterrupt services the interrupt status register. It re-reads
// the register after each pass so completions that land while earlier
// ones are being serviced are picked up in the same invocation, bounded
// by the slot count so a stuck status bit cannot spin forever. It
// reports whether any enabled indication was consumed.
func (h *Host) HandleInterrupt() bool {
	var notify []func()
	handled := false

	h.mu.Lock()

	status := h.regs.Read32(hcregs.RegInterruptStatus)
	h.stats.RecordInterrupt(status)

	for retries := h.nutrs; status != 0 && retries >= 0; retries-- {
		enabled := status & h.regs.Read32(hcregs.RegInterruptEnable)

		// Write-one-to-clear, before servicing, so an indication that
		// re-asserts during servicing is not lost.
		h.regs.Write32(hcregs.RegInterruptStatus, status)

		if enabled != 0 {
			handled = true
			notify = append(notify, h.serviceInterruptLocked(enabled)...)
		}

		status = h.regs.Read32(hcregs.RegInterruptStatus)
	}

	h.mu.Unlock()

	for _, f := range notify {
		f()
	}

	return handled
}

// serviceInterruptLocked demultiplexes one enabled-status snapshot.
func (h *Host) serviceInterruptLocked(status uint32) []func() {
	var notify []func()

	h.errors = status & hcregs.IntrErrorMask

	if h.isAutoHibernateErrorLocked(status) {
		// A hibernate transition nobody commanded failed; the link is
		// in an unknown state.
		h.errors |= status & autoHibernateErrMask
		h.stats.AutoHibernateErr.Update(status)
		h.link.MarkBroken()
	}

	if h.errors != 0 {
		h.checkErrorsLocked()
	}

	if status&hcregs.IntrUICMask != 0 {
		h.link.HandleInterrupt(status)
	}

	if status&hcregs.IntrTaskReqCompl != 0 {
		h.reconcileTasksLocked()
	}

	if status&hcregs.IntrTransferReqCompl != 0 {
		notify = h.reconcileTransfersLocked()
	}

	return notify
}

// isAutoHibernateErrorLocked tells an automatic hibernate failure apart
// from the completion of a commanded hibernate transition, which
// arrives on the same status bits.
func (h *Host) isAutoHibernateErrorLocked(status uint32) bool {
	if !h.autoHibernate || status&autoHibernateErrMask == 0 {
		return false
	}

	if op, ok := h.link.ActiveCommand(); ok &&
		(op == linkctl.OpDMEHibernateEnter || op == linkctl.OpDMEHibernateExit) {
		return false
	}

	return true
}

// checkErrorsLocked classifies the error bits of the current batch and
// queues recovery when anything actionable is found. The sticky saved
// error words stay set until the recovery worker consumes them, so two
// fatal indications in one batch still produce a single recovery run.
func (h *Host) checkErrorsLocked() {
	queue := false

	if h.errors&hcregs.IntrFatalMask != 0 {
		h.stats.FatalErr.Update(h.errors)
		queue = true
	}

	if h.errors&hcregs.IntrUICError != 0 {
		h.uicError = 0
		h.updateLinkErrorsLocked()
		if h.uicError != 0 {
			queue = true
		}
	}

	if h.errors&autoHibernateErrMask != 0 {
		queue = true
	}

	if queue {
		h.savedErr |= h.errors
		h.savedUICErr |= h.uicError
		h.scheduleRecoveryLocked()
	}
}

// updateLinkErrorsLocked reads the per-layer error report registers,
// records their history, and folds them into the classification word.
func (h *Host) updateLinkErrorsLocked() {
	reg := h.regs.Read32(hcregs.RegErrPhyAdapterLayer)
	if reg&hcregs.ErrIndication != 0 && reg&hcregs.ErrPhyLaneMask != 0 {
		h.stats.PhyErr.Update(reg)
	}

	reg = h.regs.Read32(hcregs.RegErrDataLinkLayer)
	if reg&hcregs.ErrIndication != 0 {
		h.stats.DataLinkErr.Update(reg)

		if reg&hcregs.ErrDataLinkPAInit != 0 {
			h.uicError |= uicErrPAInit
		} else if reg&hcregs.ErrDataLinkNACReceived != 0 {
			h.uicError |= uicErrNACReceived
		} else if reg&hcregs.ErrDataLinkReplayTimeout != 0 {
			h.uicError |= uicErrReplayTimeout
		}
	}

	reg = h.regs.Read32(hcregs.RegErrNetworkLayer)
	if reg&hcregs.ErrIndication != 0 {
		h.stats.NetworkErr.Update(reg)
		h.uicError |= uicErrNetwork
	}

	reg = h.regs.Read32(hcregs.RegErrTransportLayer)
	if reg&hcregs.ErrIndication != 0 {
		h.stats.TransportErr.Update(reg)
		h.uicError |= uicErrTransport
	}

	reg = h.regs.Read32(hcregs.RegErrDME)
	if reg&hcregs.ErrIndication != 0 {
		h.stats.DMEErr.Update(reg)
		h.uicError |= uicErrDME
	}
}
