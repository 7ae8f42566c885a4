package devsim

import (
	"time"

	"github.com/sarchlab/storhc/hcregs"
	"github.com/sarchlab/storhc/linkctl"
)

func (d *Device) scheduleTransferLocked(tag int) {
	if _, ok := d.pendingXfer[tag]; ok {
		return
	}

	if d.inject.takeDropTransfer() {
		// Swallow the command: the doorbell bit stays set forever,
		// forcing the host down its timeout and clear paths.
		return
	}

	d.pendingXfer[tag] = time.AfterFunc(d.latency, func() {
		d.completeTransfer(tag)
	})
}

func (d *Device) cancelTransferLocked(tag int) {
	if t, ok := d.pendingXfer[tag]; ok {
		t.Stop()
		delete(d.pendingXfer, tag)
	}
}

func (d *Device) completeTransfer(tag int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.pendingXfer[tag]; !ok {
		// Cancelled by a clear, an abort, or a disable.
		return
	}
	delete(d.pendingXfer, tag)

	bit := uint32(1) << uint(tag)
	if d.reg[hcregs.RegTransferReqDoorbell]&bit == 0 {
		return
	}

	d.executeTransferLocked(tag)

	d.reg[hcregs.RegTransferReqDoorbell] &^= bit
	d.reg[hcregs.RegInterruptStatus] |= hcregs.IntrTransferReqCompl
	d.raiseIntrLocked()
}

func (d *Device) executeTransferLocked(tag int) {
	desc := &d.transferRing[tag]

	if ocs, ok := d.inject.takeTransferOCS(); ok {
		desc.OCS = ocs
		return
	}

	switch desc.RequestHeader.Transaction {
	case hcregs.TransactionNopOut:
		desc.ResponseHeader = hcregs.MessageHeader{
			Transaction: hcregs.TransactionNopIn,
			TaskTag:     desc.RequestHeader.TaskTag,
		}
		desc.OCS = hcregs.OCSSuccess

	case hcregs.TransactionQueryReq:
		d.executeQueryLocked(desc)

	case hcregs.TransactionCommand:
		d.executeStorageLocked(desc)

	default:
		desc.OCS = hcregs.OCSFatalError
	}
}

func (d *Device) executeQueryLocked(desc *hcregs.TransferDescriptor) {
	desc.ResponseHeader = hcregs.MessageHeader{
		Transaction: hcregs.TransactionQueryResp,
		TaskTag:     desc.RequestHeader.TaskTag,
	}

	req, err := hcregs.DecodeQueryRequest(desc.RequestPayload)
	if err != nil {
		resp := hcregs.QueryResponse{Status: hcregs.QueryResultInvalidLength}
		desc.ResponsePayload = resp.Encode()
		desc.OCS = hcregs.OCSSuccess
		return
	}

	resp := hcregs.QueryResponse{Status: hcregs.QueryResultSuccess}

	switch req.Opcode {
	case hcregs.QueryNop:

	case hcregs.QueryReadAttr:
		v, ok := d.attrs[req.IDN]
		if !ok {
			resp.Status = hcregs.QueryResultInvalidIDN
			break
		}
		resp.Value = v
		if req.IDN == hcregs.AttrIDNEEStatus {
			// Reading the exception status acknowledges it.
			d.exceptionPending = false
		}

	case hcregs.QueryWriteAttr:
		d.attrs[req.IDN] = req.Value

	case hcregs.QueryReadFlag:
		if d.flags[req.IDN] {
			resp.Value = 1
		}

	case hcregs.QuerySetFlag:
		d.flags[req.IDN] = true

	case hcregs.QueryClearFlag:
		d.flags[req.IDN] = false

	case hcregs.QueryToggleFlag:
		d.flags[req.IDN] = !d.flags[req.IDN]

	default:
		resp.Status = hcregs.QueryResultInvalidOpcode
	}

	desc.ResponsePayload = resp.Encode()
	desc.OCS = hcregs.OCSSuccess
}

// executeStorageLocked moves data between the scatter-gather table and
// the per-unit backing store. The command payload is opaque to the
// device model, so writes replace the unit's content and reads return
// it; that is enough to verify the data path end to end.
func (d *Device) executeStorageLocked(desc *hcregs.TransferDescriptor) {
	lun := desc.RequestHeader.LUN

	switch desc.Direction {
	case hcregs.DirToDevice:
		var data []byte
		for _, prd := range desc.PRDT {
			data = append(data, prd.Bytes...)
		}
		d.lunData[lun] = data

	case hcregs.DirFromDevice:
		data := d.lunData[lun]
		for _, prd := range desc.PRDT {
			n := copy(prd.Bytes, data)
			data = data[n:]
		}
	}

	desc.ResponseHeader = hcregs.MessageHeader{
		Transaction:    hcregs.TransactionResponse,
		LUN:            lun,
		TaskTag:        desc.RequestHeader.TaskTag,
		ExceptionAlert: d.exceptionPending,
	}
	desc.OCS = hcregs.OCSSuccess
}

func (d *Device) scheduleTaskLocked(ts int) {
	if _, ok := d.pendingTask[ts]; ok {
		return
	}

	if d.inject.takeDropTask() {
		return
	}

	d.pendingTask[ts] = time.AfterFunc(d.latency, func() {
		d.completeTask(ts)
	})
}

func (d *Device) cancelTaskLocked(ts int) {
	if t, ok := d.pendingTask[ts]; ok {
		t.Stop()
		delete(d.pendingTask, ts)
	}
}

func (d *Device) completeTask(ts int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.pendingTask[ts]; !ok {
		return
	}
	delete(d.pendingTask, ts)

	bit := uint32(1) << uint(ts)
	if d.reg[hcregs.RegTaskReqDoorbell]&bit == 0 {
		return
	}

	d.executeTaskLocked(ts)

	d.reg[hcregs.RegTaskReqDoorbell] &^= bit
	d.reg[hcregs.RegInterruptStatus] |= hcregs.IntrTaskReqCompl
	d.raiseIntrLocked()
}

// Task management service responses mirrored from the host's contract.
const (
	taskRespComplete  uint32 = 0x00
	taskRespSucceeded uint32 = 0x08
)

func (d *Device) executeTaskLocked(ts int) {
	desc := &d.taskRing[ts]
	desc.OCS = hcregs.OCSSuccess

	target := int(desc.TargetTag)
	targetBit := uint32(1) << uint(target)

	switch desc.Function {
	case 0x80: // query task
		if d.reg[hcregs.RegTransferReqDoorbell]&targetBit != 0 {
			desc.ServiceResp = taskRespSucceeded
		} else {
			desc.ServiceResp = taskRespComplete
		}

	case 0x01: // abort task
		// The device stops working on the command; reclaiming the
		// doorbell bit is the host's job.
		d.cancelTransferLocked(target)
		desc.ServiceResp = taskRespComplete

	case 0x08: // logical unit reset
		for tag := 0; tag < len(d.transferRing); tag++ {
			if d.reg[hcregs.RegTransferReqDoorbell]&(1<<uint(tag)) != 0 &&
				d.transferRing[tag].RequestHeader.LUN == desc.LUN {
				d.cancelTransferLocked(tag)
			}
		}
		desc.ServiceResp = taskRespComplete

	default:
		desc.OCS = hcregs.OCSInvalidCmdTableAttr
	}
}

func (d *Device) scheduleUICLocked(op uint32) {
	arg1 := d.reg[hcregs.RegUICCommandArg1]
	arg3 := d.reg[hcregs.RegUICCommandArg3]

	time.AfterFunc(d.latency, func() {
		d.completeUIC(op, arg1, arg3)
	})
}

func (d *Device) completeUIC(op, arg1, arg3 uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.inject.takeDropUIC() {
		return
	}

	attr := arg1 >> 16
	result := uint32(0)
	if code, ok := d.inject.takeUICResult(); ok {
		result = code
	}

	switch linkctl.Opcode(op) {
	case linkctl.OpDMELinkStartup:
		if result == 0 && !d.inject.takeFailLinkStartup() {
			d.reg[hcregs.RegControllerStatus] |= hcregs.StatusDevicePresent |
				hcregs.StatusTransferListReady |
				hcregs.StatusTaskListReady
		} else if result == 0 {
			result = 1
		}
		d.finishSimpleUICLocked(result, 0)

	case linkctl.OpDMEHibernateEnter:
		d.finishPowerUICLocked(hcregs.IntrHibernateEnter)

	case linkctl.OpDMEHibernateExit:
		d.finishPowerUICLocked(hcregs.IntrHibernateExit)

	case linkctl.OpDMESet, linkctl.OpDMEPeerSet:
		if attr == linkctl.AttrPowerMode {
			d.uicAttrs[attr] = arg3
			d.finishPowerUICLocked(hcregs.IntrPowerStatus)
			return
		}
		d.uicAttrs[attr] = arg3
		d.finishSimpleUICLocked(result, 0)

	case linkctl.OpDMEGet, linkctl.OpDMEPeerGet:
		d.finishSimpleUICLocked(result, d.uicAttrs[attr])

	default:
		d.finishSimpleUICLocked(result, 0)
	}
}

func (d *Device) finishSimpleUICLocked(result, value uint32) {
	d.reg[hcregs.RegUICCommandArg2] = result & linkctl.MaskCommandResult
	d.reg[hcregs.RegUICCommandArg3] = value
	d.reg[hcregs.RegInterruptStatus] |= hcregs.IntrUICCommandCompl
	d.raiseIntrLocked()
}

func (d *Device) finishPowerUICLocked(powerBit uint32) {
	upmcrs := hcregs.PwrLocal
	if injected, ok := d.inject.takePowerModeStatus(); ok {
		upmcrs = injected
	}
	d.setUPMCRSLocked(upmcrs)

	d.reg[hcregs.RegUICCommandArg2] = 0
	d.reg[hcregs.RegInterruptStatus] |= hcregs.IntrUICCommandCompl | powerBit
	d.raiseIntrLocked()
}
