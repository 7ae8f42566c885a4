package linkctl

import (
	"time"

	"github.com/sarchlab/storhc/hcregs"
)

// DefaultTimeout bounds the wait for any single link-control command.
const DefaultTimeout = 500 * time.Millisecond

// A Builder constructs link-control channels.
type Builder struct {
	regs         hcregs.Accessor
	holder       Holder
	timeout      time.Duration
	onLinkBroken func()
}

// MakeBuilder returns a new Builder.
func MakeBuilder() Builder {
	return Builder{
		timeout: DefaultTimeout,
	}
}

// WithRegs sets the register accessor of the channel.
func (b Builder) WithRegs(regs hcregs.Accessor) Builder {
	b.regs = regs
	return b
}

// WithHolder sets the clock holder used around command execution.
func (b Builder) WithHolder(holder Holder) Builder {
	b.holder = holder
	return b
}

// WithTimeout sets the per-command timeout.
func (b Builder) WithTimeout(timeout time.Duration) Builder {
	b.timeout = timeout
	return b
}

// WithLinkBrokenHandler sets the callback invoked when a persistent
// failure marks the link broken.
func (b Builder) WithLinkBrokenHandler(f func()) Builder {
	b.onLinkBroken = f
	return b
}

// SetHolder wires the clock holder after construction. The gating
// controller and the channel reference each other, so one side is
// wired late.
func (ch *Channel) SetHolder(holder Holder) {
	ch.holder = holder
}

// SetLinkBrokenHandler wires the link-broken escalation callback after
// construction.
func (ch *Channel) SetLinkBrokenHandler(f func()) {
	ch.onLinkBroken = f
}

// Build builds a new Channel.
func (b Builder) Build(name string) *Channel {
	if b.regs == nil {
		panic("linkctl: builder needs a register accessor")
	}

	return &Channel{
		name:         name,
		regs:         b.regs,
		holder:       b.holder,
		timeout:      b.timeout,
		onLinkBroken: b.onLinkBroken,
		linkState:    LinkOff,
	}
}
