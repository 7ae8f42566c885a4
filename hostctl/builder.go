package hostctl

import (
	"sync"
	"time"

	"github.com/sarchlab/storhc/clkgate"
	"github.com/sarchlab/storhc/clkscale"
	"github.com/sarchlab/storhc/hcregs"
	"github.com/sarchlab/storhc/linkctl"
)

// Default ring geometry.
const (
	DefaultNumTransferSlots = 32
	DefaultNumTaskSlots     = 8
)

// A Builder constructs hosts.
type Builder struct {
	regs hcregs.Accessor

	nutrs  int
	nutmrs int

	gatingEnabled bool
	gateDelay     time.Duration

	scalingEnabled bool
	pollInterval   time.Duration
	upThreshold    float64
	downThreshold  float64

	autoHibernate bool

	linkTimeout time.Duration

	setupClocks func(on bool) error
	scaleClocks func(up bool) error
	scaleGear   func(up bool) error
	deviceReset func()
	onException func(status uint32)
	errSink     ErrSink
}

// MakeBuilder returns a new Builder with the default geometry and
// gating enabled.
func MakeBuilder() Builder {
	return Builder{
		nutrs:         DefaultNumTransferSlots,
		nutmrs:        DefaultNumTaskSlots,
		gatingEnabled: true,
		gateDelay:     clkgate.DefaultDelay,
		pollInterval:  clkscale.DefaultPollInterval,
		upThreshold:   clkscale.DefaultUpThreshold,
		downThreshold: clkscale.DefaultDownThreshold,
		linkTimeout:   linkctl.DefaultTimeout,
	}
}

// WithRegs sets the register accessor.
func (b Builder) WithRegs(regs hcregs.Accessor) Builder {
	b.regs = regs
	return b
}

// WithSlots sets the transfer and task ring geometry. Transfer slots
// include the one reserved for device management.
func (b Builder) WithSlots(transfer, task int) Builder {
	b.nutrs = transfer
	b.nutmrs = task
	return b
}

// WithClockGating enables or disables clock gating and sets its
// deferred-gate delay.
func (b Builder) WithClockGating(enabled bool, delay time.Duration) Builder {
	b.gatingEnabled = enabled
	b.gateDelay = delay
	return b
}

// WithClockScaling enables the scaling governor.
func (b Builder) WithClockScaling(
	interval time.Duration,
	upThreshold, downThreshold float64,
) Builder {
	b.scalingEnabled = true
	b.pollInterval = interval
	b.upThreshold = upThreshold
	b.downThreshold = downThreshold
	return b
}

// WithAutoHibernate marks the controller as using hardware-managed
// hibernate, which turns unexpected hibernate indications into errors.
func (b Builder) WithAutoHibernate(enabled bool) Builder {
	b.autoHibernate = enabled
	return b
}

// WithLinkTimeout sets the per-command link-control timeout.
func (b Builder) WithLinkTimeout(timeout time.Duration) Builder {
	b.linkTimeout = timeout
	return b
}

// WithSetupClocks sets the platform clock enable/disable primitive.
func (b Builder) WithSetupClocks(f func(on bool) error) Builder {
	b.setupClocks = f
	return b
}

// WithScaleClocks sets the platform frequency change primitive.
func (b Builder) WithScaleClocks(f func(up bool) error) Builder {
	b.scaleClocks = f
	return b
}

// WithScaleGear overrides the default gear change, which reprograms
// the link power mode between GearLow and GearHigh.
func (b Builder) WithScaleGear(f func(up bool) error) Builder {
	b.scaleGear = f
	return b
}

// WithDeviceReset sets the hardware device reset signal, pulsed before
// each reset attempt.
func (b Builder) WithDeviceReset(f func()) Builder {
	b.deviceReset = f
	return b
}

// WithExceptionHandler sets the handler invoked with the device's
// exception status after a response carried the exception alert.
func (b Builder) WithExceptionHandler(f func(status uint32)) Builder {
	b.onException = f
	return b
}

// WithErrorSink mirrors every error history update into the given
// sink.
func (b Builder) WithErrorSink(sink ErrSink) Builder {
	b.errSink = sink
	return b
}

// Build builds a new Host.
func (b Builder) Build(name string) *Host {
	if b.regs == nil {
		panic("hostctl: builder needs a register accessor")
	}
	if b.nutrs < 2 || b.nutrs > 32 {
		panic("hostctl: transfer slot count must be in [2, 32]")
	}
	if b.nutmrs < 1 || b.nutmrs > 8 {
		panic("hostctl: task slot count must be in [1, 8]")
	}

	h := &Host{
		name:          name,
		regs:          b.regs,
		nutrs:         b.nutrs,
		nutmrs:        b.nutmrs,
		runState:      StateReset,
		autoHibernate: b.autoHibernate,
		setupClocks:   b.setupClocks,
		scaleClocks:   b.scaleClocks,
		scaleGear:     b.scaleGear,
		deviceReset:   b.deviceReset,
		onException:   b.onException,
		devPwrMode:    DevPowerActive,
		ehCh:          make(chan struct{}, 1),
		eeCh:          make(chan struct{}, 1),
	}

	h.tagCond = sync.NewCond(&h.mu)
	h.tmCond = sync.NewCond(&h.mu)
	h.ehCond = sync.NewCond(&h.mu)

	h.slots = make([]*slot, b.nutrs)
	for i := range h.slots {
		h.slots[i] = &slot{tag: i}
	}
	h.transferRing = make([]hcregs.TransferDescriptor, b.nutrs)

	h.taskRing = make([]hcregs.TaskDescriptor, b.nutmrs)
	h.tmDone = make([]chan struct{}, b.nutmrs)
	for i := range h.tmDone {
		h.tmDone[i] = make(chan struct{}, 1)
	}

	h.stats = newStats(b.errSink)

	h.link = linkctl.MakeBuilder().
		WithRegs(b.regs).
		WithTimeout(b.linkTimeout).
		Build(name + ".Link")

	h.gate = clkgate.MakeBuilder().
		WithLock(&h.mu).
		WithDelay(b.gateDelay).
		WithEnabled(b.gatingEnabled).
		WithCanGate(h.canGateLocked).
		WithSetupClocks(h.doSetupClocks).
		WithParkLink(h.parkLinkForGating).
		WithUnparkLink(h.unparkLinkForGating).
		WithLinkParked(h.linkParkedForGating).
		WithBlockRequests(h.setBlocked).
		Build(name + ".ClkGate")

	// The link channel and the gating controller reference each other,
	// so the channel side is wired late.
	h.link.SetHolder(h.gate)
	h.link.SetLinkBrokenHandler(h.onLinkBroken)

	sb := clkscale.MakeBuilder().
		WithHolder(h.gate).
		WithWaitDrain(h.waitForDoorbellsClear).
		WithScaleClocks(h.doScaleClocks).
		WithScaleGear(h.changeGear)
	if b.scalingEnabled {
		sb = sb.WithGovernor(b.pollInterval, b.upThreshold, b.downThreshold)
	}
	h.scaler = sb.Build(name + ".ClkScale")

	return h
}
