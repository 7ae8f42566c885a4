package hostctl

import (
	"fmt"
	"log"
	"time"

	"github.com/sarchlab/storhc/hcregs"
)

// execDeviceCommand runs one device-management command through the
// reserved management slot and returns the response header and payload
// before the slot is recycled.
func (h *Host) execDeviceCommand(
	compose func(tag int, d *hcregs.TransferDescriptor),
	timeout time.Duration,
) (hcregs.MessageHeader, []byte, error) {
	// Device-management commands are rare; blocking behind a scale
	// operation is fine here.
	h.scaler.SubmitEnter()
	defer h.scaler.SubmitExit()

	h.devCmdMu.Lock()
	defer h.devCmdMu.Unlock()

	if err := h.gate.Hold(false); err != nil {
		return hcregs.MessageHeader{}, nil, err
	}
	defer h.gate.Release()

	tag := h.acquireSlot(true)
	bit := uint32(1) << uint(tag)
	s := h.slots[tag]

	h.mu.Lock()
	s.devDone = make(chan struct{}, 1)
	s.issuedAt = time.Now()

	d := &h.transferRing[tag]
	d.Reset()
	d.CommandType = hcregs.CmdTypeDevManage
	compose(tag, d)

	h.sendCommandLocked(tag)
	h.mu.Unlock()

	var err error

	select {
	case <-s.devDone:

	case <-time.After(timeout):
		select {
		case <-s.devDone:
			// Completed while we were giving up.
			log.Printf("%s: device command on slot %d completed after timeout",
				h.name, tag)
		default:
			if clrErr := h.clearTransferSlot(tag); clrErr != nil {
				// The slot stays owned by the device; recovery will
				// reclaim it.
				err = ErrClearFailed
			} else {
				err = ErrTimeout
				h.mu.Lock()
				h.outstandingReqs &^= bit
				if h.outstandingReqs == 0 {
					h.scaler.SetBusy(false)
				}
				h.mu.Unlock()
			}
		}
	}

	if err == nil && d.OCS != hcregs.OCSSuccess {
		err = fmt.Errorf("%s: device command failed, ocs 0x%x", h.name, d.OCS)
	}

	hdr := d.ResponseHeader
	payload := d.ResponsePayload

	h.mu.Lock()
	h.releaseSlotLocked(tag)
	h.mu.Unlock()

	return hdr, payload, err
}

// VerifyDeviceInit probes the device with no-op commands until one
// round-trips. The probe doubles as the liveness check of non-fatal
// error recovery.
func (h *Host) VerifyDeviceInit() error {
	var err error

	for attempt := 1; attempt <= NopOutRetries; attempt++ {
		err = h.execNop()
		if err == nil {
			return nil
		}

		log.Printf("%s: device probe failed (attempt %d): %v",
			h.name, attempt, err)
	}

	return fmt.Errorf("%s: device did not answer probe: %w", h.name, err)
}

func (h *Host) execNop() error {
	hdr, _, err := h.execDeviceCommand(
		func(tag int, d *hcregs.TransferDescriptor) {
			d.RequestHeader = hcregs.MessageHeader{
				Transaction: hcregs.TransactionNopOut,
				TaskTag:     uint8(tag),
			}
		}, NopOutTimeout)
	if err != nil {
		return err
	}

	if hdr.Transaction != hcregs.TransactionNopIn {
		return fmt.Errorf("%s: probe answered with transaction 0x%x",
			h.name, hdr.Transaction)
	}

	return nil
}

// execQuery runs one query with bounded retries.
func (h *Host) execQuery(q hcregs.QueryRequest) (hcregs.QueryResponse, error) {
	var lastErr error

	for attempt := 1; attempt <= QueryRetries; attempt++ {
		hdr, payload, err := h.execDeviceCommand(
			func(tag int, d *hcregs.TransferDescriptor) {
				d.RequestHeader = hcregs.MessageHeader{
					Transaction: hcregs.TransactionQueryReq,
					TaskTag:     uint8(tag),
				}
				d.RequestPayload = q.Encode()
			}, QueryTimeout)
		if err != nil {
			lastErr = err
			continue
		}

		if hdr.Transaction != hcregs.TransactionQueryResp {
			lastErr = fmt.Errorf("%s: query answered with transaction 0x%x",
				h.name, hdr.Transaction)
			continue
		}

		resp, err := hcregs.DecodeQueryResponse(payload)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.Status != hcregs.QueryResultSuccess {
			lastErr = fmt.Errorf(
				"%s: query opcode 0x%x idn 0x%x failed, status 0x%x",
				h.name, q.Opcode, q.IDN, resp.Status)
			continue
		}

		return resp, nil
	}

	return hcregs.QueryResponse{}, lastErr
}

// ReadAttr reads one device attribute.
func (h *Host) ReadAttr(idn, index, selector uint8) (uint32, error) {
	resp, err := h.execQuery(hcregs.QueryRequest{
		Opcode:   hcregs.QueryReadAttr,
		IDN:      idn,
		Index:    index,
		Selector: selector,
	})
	if err != nil {
		return 0, err
	}

	return resp.Value, nil
}

// WriteAttr writes one device attribute.
func (h *Host) WriteAttr(idn, index, selector uint8, value uint32) error {
	_, err := h.execQuery(hcregs.QueryRequest{
		Opcode:   hcregs.QueryWriteAttr,
		IDN:      idn,
		Index:    index,
		Selector: selector,
		Value:    value,
	})

	return err
}

// ReadFlag reads one device flag.
func (h *Host) ReadFlag(idn uint8) (bool, error) {
	resp, err := h.execQuery(hcregs.QueryRequest{
		Opcode: hcregs.QueryReadFlag,
		IDN:    idn,
	})
	if err != nil {
		return false, err
	}

	return resp.Value != 0, nil
}

// SetFlag sets one device flag.
func (h *Host) SetFlag(idn uint8) error {
	_, err := h.execQuery(hcregs.QueryRequest{
		Opcode: hcregs.QuerySetFlag,
		IDN:    idn,
	})

	return err
}

// ClearFlag clears one device flag.
func (h *Host) ClearFlag(idn uint8) error {
	_, err := h.execQuery(hcregs.QueryRequest{
		Opcode: hcregs.QueryClearFlag,
		IDN:    idn,
	})

	return err
}
