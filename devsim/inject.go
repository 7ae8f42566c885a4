package devsim

import (
	"sync"

	"github.com/sarchlab/storhc/hcregs"
)

// injections holds the armed fault counters. Each counter arms a fault
// for the next N matching operations.
type injections struct {
	mu sync.Mutex

	dropTransfer int
	transferOCS  []uint32

	dropTask int

	dropUIC         int
	uicResults      []uint32
	powerModeStatus []uint32

	failLinkStartup int
}

func (i *injections) takeDropTransfer() bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.dropTransfer > 0 {
		i.dropTransfer--
		return true
	}
	return false
}

func (i *injections) takeTransferOCS() (uint32, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if len(i.transferOCS) == 0 {
		return 0, false
	}
	ocs := i.transferOCS[0]
	i.transferOCS = i.transferOCS[1:]
	return ocs, true
}

func (i *injections) takeDropTask() bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.dropTask > 0 {
		i.dropTask--
		return true
	}
	return false
}

func (i *injections) takeDropUIC() bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.dropUIC > 0 {
		i.dropUIC--
		return true
	}
	return false
}

func (i *injections) takeUICResult() (uint32, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if len(i.uicResults) == 0 {
		return 0, false
	}
	code := i.uicResults[0]
	i.uicResults = i.uicResults[1:]
	return code, true
}

func (i *injections) takePowerModeStatus() (uint32, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if len(i.powerModeStatus) == 0 {
		return 0, false
	}
	s := i.powerModeStatus[0]
	i.powerModeStatus = i.powerModeStatus[1:]
	return s, true
}

func (i *injections) takeFailLinkStartup() bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.failLinkStartup > 0 {
		i.failLinkStartup--
		return true
	}
	return false
}

// DropTransferCompletions swallows the next count transfer commands:
// their doorbell bits stay set until the host clears them.
func (d *Device) DropTransferCompletions(count int) {
	d.inject.mu.Lock()
	defer d.inject.mu.Unlock()

	d.inject.dropTransfer += count
}

// InjectTransferOCS makes the next transfer completions carry the
// given overall command statuses, one per completion.
func (d *Device) InjectTransferOCS(ocs ...uint32) {
	d.inject.mu.Lock()
	defer d.inject.mu.Unlock()

	d.inject.transferOCS = append(d.inject.transferOCS, ocs...)
}

// DropTaskCompletions swallows the next count task commands.
func (d *Device) DropTaskCompletions(count int) {
	d.inject.mu.Lock()
	defer d.inject.mu.Unlock()

	d.inject.dropTask += count
}

// DropUICCompletions swallows the next count link-control commands.
func (d *Device) DropUICCompletions(count int) {
	d.inject.mu.Lock()
	defer d.inject.mu.Unlock()

	d.inject.dropUIC += count
}

// InjectUICResults makes the next link-control completions report the
// given result codes.
func (d *Device) InjectUICResults(codes ...uint32) {
	d.inject.mu.Lock()
	defer d.inject.mu.Unlock()

	d.inject.uicResults = append(d.inject.uicResults, codes...)
}

// InjectPowerModeStatus makes the next power-mode transitions report
// the given request statuses instead of success.
func (d *Device) InjectPowerModeStatus(statuses ...uint32) {
	d.inject.mu.Lock()
	defer d.inject.mu.Unlock()

	d.inject.powerModeStatus = append(d.inject.powerModeStatus, statuses...)
}

// FailLinkStartups makes the next count link startup commands fail.
func (d *Device) FailLinkStartups(count int) {
	d.inject.mu.Lock()
	defer d.inject.mu.Unlock()

	d.inject.failLinkStartup += count
}

// RaiseError asserts error interrupt bits together with per-layer
// error report register values and pulses the interrupt line.
func (d *Device) RaiseError(intrBits uint32, layerRegs map[uint32]uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for reg, value := range layerRegs {
		d.reg[reg] = value
	}
	d.reg[hcregs.RegInterruptStatus] |= intrBits
	d.raiseIntrLocked()
}

// SetExceptionPending arms the exception alert: the next storage
// response carries the alert bit and the exception status attribute
// answers with the given value until read.
func (d *Device) SetExceptionPending(status uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.exceptionPending = true
	d.attrs[hcregs.AttrIDNEEStatus] = status
}

// ExceptionPending reports whether the alert is still armed.
func (d *Device) ExceptionPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.exceptionPending
}

// LUNData returns a copy of the backing store of one unit.
func (d *Device) LUNData(lun uint8) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	data := d.lunData[lun]
	out := make([]byte, len(data))
	copy(out, data)
	return out
}

// SetLUNData seeds the backing store of one unit.
func (d *Device) SetLUNData(lun uint8, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	buf := make([]byte, len(data))
	copy(buf, data)
	d.lunData[lun] = buf
}
