// Package devsim provides a software model of the device side of the
// controller: a register file with doorbell semantics, descriptor ring
// execution with configurable latency, and fault injection knobs for
// exercising the error paths.
package devsim

import (
	"sync"
	"time"

	"github.com/sarchlab/storhc/hcregs"
)

// A Device implements hcregs.Accessor. Doorbell writes start command
// execution; completions clear the doorbell bit, set the matching
// interrupt status bit, and pulse the interrupt line.
type Device struct {
	name string

	latency time.Duration

	mu  sync.Mutex
	reg map[uint32]uint32

	transferRing []hcregs.TransferDescriptor
	taskRing     []hcregs.TaskDescriptor

	pendingXfer map[int]*time.Timer
	pendingTask map[int]*time.Timer

	// Device-side state reachable through query commands.
	attrs    map[uint8]uint32
	flags    map[uint8]bool
	lunData  map[uint8][]byte
	uicAttrs map[uint32]uint32

	exceptionPending bool

	inject injections

	intrCh  chan struct{}
	stopCh  chan struct{}
	done    chan struct{}
	onIntr  func()
	started bool
}

// Name returns the name of the device.
func (d *Device) Name() string {
	return d.name
}

// AttachRings connects the device to the descriptor rings of a host.
// The rings are the shared memory of the pair and must be attached
// before the first doorbell write.
func (d *Device) AttachRings(
	transfer []hcregs.TransferDescriptor,
	task []hcregs.TaskDescriptor,
) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.transferRing = transfer
	d.taskRing = task
}

// SetInterruptHandler wires the interrupt line. The handler runs on a
// dedicated goroutine so a completion raised under a caller's lock
// cannot deadlock against the handler taking the same lock.
func (d *Device) SetInterruptHandler(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.onIntr = f
	if !d.started {
		d.started = true
		go d.interruptLoop()
	}
}

// Stop terminates the interrupt delivery goroutine and cancels pending
// completions.
func (d *Device) Stop() {
	d.mu.Lock()
	for tag, t := range d.pendingXfer {
		t.Stop()
		delete(d.pendingXfer, tag)
	}
	for ts, t := range d.pendingTask {
		t.Stop()
		delete(d.pendingTask, ts)
	}
	started := d.started
	d.started = false
	d.mu.Unlock()

	if started {
		close(d.stopCh)
		<-d.done
	}
}

func (d *Device) interruptLoop() {
	defer close(d.done)

	for {
		select {
		case <-d.stopCh:
			return
		case <-d.intrCh:
			d.mu.Lock()
			f := d.onIntr
			d.mu.Unlock()
			if f != nil {
				f()
			}
		}
	}
}

// raiseIntrLocked pulses the interrupt line. Coalescing is fine: the
// handler re-reads the status register until it drains.
func (d *Device) raiseIntrLocked() {
	select {
	case d.intrCh <- struct{}{}:
	default:
	}
}

// Read32 implements hcregs.Accessor. The per-layer error report
// registers clear on read.
func (d *Device) Read32(offset uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	v := d.reg[offset]

	switch offset {
	case hcregs.RegErrPhyAdapterLayer,
		hcregs.RegErrDataLinkLayer,
		hcregs.RegErrNetworkLayer,
		hcregs.RegErrTransportLayer,
		hcregs.RegErrDME:
		d.reg[offset] = 0
	}

	return v
}

// Write32 implements hcregs.Accessor.
func (d *Device) Write32(offset uint32, value uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch offset {
	case hcregs.RegInterruptStatus:
		// Write one to clear.
		d.reg[offset] &^= value

	case hcregs.RegTransferReqDoorbell:
		// Write one to set.
		fresh := value &^ d.reg[offset]
		d.reg[offset] |= value
		for tag := 0; tag < len(d.transferRing); tag++ {
			if fresh&(1<<uint(tag)) != 0 {
				d.scheduleTransferLocked(tag)
			}
		}

	case hcregs.RegTransferReqListClear:
		// Write zero to clear.
		cleared := d.reg[hcregs.RegTransferReqDoorbell] &^ value
		d.reg[hcregs.RegTransferReqDoorbell] &= value
		for tag := 0; tag < len(d.transferRing); tag++ {
			if cleared&(1<<uint(tag)) != 0 {
				d.cancelTransferLocked(tag)
			}
		}

	case hcregs.RegTaskReqDoorbell:
		fresh := value &^ d.reg[offset]
		d.reg[offset] |= value
		for ts := 0; ts < len(d.taskRing); ts++ {
			if fresh&(1<<uint(ts)) != 0 {
				d.scheduleTaskLocked(ts)
			}
		}

	case hcregs.RegTaskReqListClear:
		cleared := d.reg[hcregs.RegTaskReqDoorbell] &^ value
		d.reg[hcregs.RegTaskReqDoorbell] &= value
		for ts := 0; ts < len(d.taskRing); ts++ {
			if cleared&(1<<uint(ts)) != 0 {
				d.cancelTaskLocked(ts)
			}
		}

	case hcregs.RegControllerEnable:
		d.writeEnableLocked(value)

	case hcregs.RegUICCommand:
		d.reg[offset] = value
		d.scheduleUICLocked(value)

	default:
		d.reg[offset] = value
	}
}

func (d *Device) writeEnableLocked(value uint32) {
	if value&hcregs.ControllerEnableBit == 0 {
		// Disabling wipes both doorbells and all readiness.
		d.reg[hcregs.RegControllerEnable] = 0
		d.reg[hcregs.RegTransferReqDoorbell] = 0
		d.reg[hcregs.RegTaskReqDoorbell] = 0
		d.reg[hcregs.RegControllerStatus] = 0
		for tag, t := range d.pendingXfer {
			t.Stop()
			delete(d.pendingXfer, tag)
		}
		for ts, t := range d.pendingTask {
			t.Stop()
			delete(d.pendingTask, ts)
		}
		return
	}

	d.reg[hcregs.RegControllerEnable] = hcregs.ControllerEnableBit
	// Link-control becomes available immediately; the transfer paths
	// wait for link startup.
	d.reg[hcregs.RegControllerStatus] |= hcregs.StatusUICCommandReady
}

func (d *Device) setUPMCRSLocked(status uint32) {
	cs := d.reg[hcregs.RegControllerStatus]
	cs &^= hcregs.UPMCRSMask << hcregs.UPMCRSShift
	cs |= (status & hcregs.UPMCRSMask) << hcregs.UPMCRSShift
	d.reg[hcregs.RegControllerStatus] = cs
}
