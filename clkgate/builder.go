package clkgate

import (
	"sync"
	"time"
)

// A Builder constructs gating controllers.
type Builder struct {
	lock          *sync.Mutex
	delay         time.Duration
	enabled       bool
	canGate       func() bool
	setupClocks   func(on bool) error
	parkLink      func() error
	unparkLink    func() error
	linkParked    func() bool
	blockRequests func(block bool)
}

// MakeBuilder returns a new Builder.
func MakeBuilder() Builder {
	return Builder{
		delay:   DefaultDelay,
		enabled: true,
	}
}

// WithLock sets the shared state lock. It must be the same lock that
// guards the host's slot and outstanding-command state.
func (b Builder) WithLock(lock *sync.Mutex) Builder {
	b.lock = lock
	return b
}

// WithDelay sets the deferred gate delay.
func (b Builder) WithDelay(delay time.Duration) Builder {
	b.delay = delay
	return b
}

// WithEnabled turns gating on or off entirely. A disabled controller
// leaves clocks on and turns Hold and Release into no-ops.
func (b Builder) WithEnabled(enabled bool) Builder {
	b.enabled = enabled
	return b
}

// WithCanGate sets the activity re-validation callback. It is invoked
// with the shared state lock held.
func (b Builder) WithCanGate(f func() bool) Builder {
	b.canGate = f
	return b
}

// WithSetupClocks sets the clock enable/disable primitive.
func (b Builder) WithSetupClocks(f func(on bool) error) Builder {
	b.setupClocks = f
	return b
}

// WithParkLink sets the action that parks the link in its low-power
// state before clocks are cut. Optional.
func (b Builder) WithParkLink(f func() error) Builder {
	b.parkLink = f
	return b
}

// WithUnparkLink sets the action that brings the link back from its
// low-power state after clocks are re-enabled.
func (b Builder) WithUnparkLink(f func() error) Builder {
	b.unparkLink = f
	return b
}

// WithLinkParked sets the predicate reporting whether the link is
// currently parked.
func (b Builder) WithLinkParked(f func() bool) Builder {
	b.linkParked = f
	return b
}

// WithBlockRequests sets the callback that blocks or unblocks the
// submission boundary while an ungate is in flight. Optional.
func (b Builder) WithBlockRequests(f func(block bool)) Builder {
	b.blockRequests = f
	return b
}

// Build builds a new Controller.
func (b Builder) Build(name string) *Controller {
	if b.lock == nil {
		panic("clkgate: builder needs the shared state lock")
	}
	if b.canGate == nil {
		panic("clkgate: builder needs a canGate predicate")
	}
	if b.setupClocks == nil {
		panic("clkgate: builder needs a clock setup primitive")
	}

	c := &Controller{
		name:          name,
		enabled:       b.enabled,
		delay:         b.delay,
		mu:            b.lock,
		state:         On,
		canGate:       b.canGate,
		setupClocks:   b.setupClocks,
		parkLink:      b.parkLink,
		unparkLink:    b.unparkLink,
		linkParked:    b.linkParked,
		blockRequests: b.blockRequests,
	}
	c.cond = sync.NewCond(b.lock)

	return c
}
