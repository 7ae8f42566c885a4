// Package clkgate implements the reference-counted clock gating state
// machine of the host controller. Gating is deferred so back-to-back
// commands do not pay the ungate latency.
package clkgate

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/sarchlab/storhc/hooking"
)

// A State of the gating machine. The machine may only leave Off
// through ReqOn, and only leave On through ReqOff.
type State int

const (
	On State = iota
	ReqOff
	Off
	ReqOn
)

func (s State) String() string {
	switch s {
	case On:
		return "on"
	case ReqOff:
		return "request-off"
	case Off:
		return "off"
	case ReqOn:
		return "request-on"
	default:
		return "invalid"
	}
}

// ErrUngateInProgress tells a non-blocking caller that clocks are being
// re-enabled asynchronously and the request should be retried.
var ErrUngateInProgress = errors.New("clock ungate in progress")

// DefaultDelay is the time a gate request stays pending before the
// gate action actually runs.
const DefaultDelay = 150 * time.Millisecond

// HookPosStateChange triggers on every gating state transition.
var HookPosStateChange = &hooking.HookPos{Name: "ClkGateStateChange"}

// A Controller tracks users of the clock domain and gates it when the
// last user has been gone for the configured delay.
type Controller struct {
	hooking.HookableBase

	name    string
	enabled bool
	delay   time.Duration

	// mu is the shared state lock that also governs the slot and
	// outstanding-command state of the host; the gate-off path
	// re-validates pending activity under it before cutting power.
	mu   *sync.Mutex
	cond *sync.Cond

	state       State
	activeReqs  int
	isSuspended bool
	gateTimer   *time.Timer

	// workMu serializes the gate and ungate actions so clock setup
	// calls cannot interleave.
	workMu sync.Mutex

	// canGate is called with mu held. It must report false while any
	// command slot is outstanding, a link-control command is active,
	// or a power-mode transition is underway.
	canGate func() bool

	setupClocks   func(on bool) error
	parkLink      func() error
	unparkLink    func() error
	linkParked    func() bool
	blockRequests func(block bool)
}

// Name returns the name of the controller.
func (c *Controller) Name() string {
	return c.name
}

// State returns the current gating state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// ActiveReqs returns the number of current users of the clock domain.
func (c *Controller) ActiveReqs() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.activeReqs
}

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}

	c.state = s
	c.InvokeHook(hooking.HookCtx{
		Domain: c,
		Pos:    HookPosStateChange,
		Item:   s,
	})
}

// Hold registers a user of the clock domain, re-enabling clocks if they
// were gated. With async set, a hold that cannot be satisfied
// immediately is released again and ErrUngateInProgress is returned so
// the caller can requeue instead of blocking.
func (c *Controller) Hold(async bool) error {
	if !c.enabled {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.holdLocked(async)
}

func (c *Controller) holdLocked(async bool) error {
	c.activeReqs++

	for {
		switch c.state {
		case On:
			// Clocks may be on while the link is still parked in the
			// low-power state by a gate action that was cancelled
			// mid-way. Wait for the ungate action to finish the exit.
			if c.linkParked != nil && c.linkParked() {
				if async {
					c.activeReqs--
					return ErrUngateInProgress
				}
				c.cond.Wait()
				continue
			}
			return nil

		case ReqOff:
			if c.gateTimer != nil && c.gateTimer.Stop() {
				c.gateTimer = nil
				c.setState(On)
				return nil
			}
			// The gate action is already running or done. Request the
			// clocks back on.
			c.startUngate(async)
			if async {
				c.activeReqs--
				return ErrUngateInProgress
			}
			c.waitForOn()

		case Off:
			c.startUngate(async)
			if async {
				c.activeReqs--
				return ErrUngateInProgress
			}
			c.waitForOn()

		case ReqOn:
			if async {
				c.activeReqs--
				return ErrUngateInProgress
			}
			c.waitForOn()

		default:
			log.Panicf("%s: gating in invalid state %d", c.name, c.state)
		}
	}
}

// startUngate transitions to ReqOn and kicks the asynchronous ungate
// action. mu must be held.
func (c *Controller) startUngate(async bool) {
	if c.state == ReqOn {
		return
	}

	c.setState(ReqOn)
	if c.blockRequests != nil {
		c.blockRequests(true)
	}
	go c.ungateWork()
}

// waitForOn blocks until the machine settles in On with the link out of
// its parked state. mu must be held.
func (c *Controller) waitForOn() {
	for c.state != On || (c.linkParked != nil && c.linkParked()) {
		c.cond.Wait()
	}
}

// Release drops one user. The last user schedules the deferred gate
// action.
func (c *Controller) Release() {
	if !c.enabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.ReleaseLocked()
}

// ReleaseLocked is Release for callers that already hold the shared
// state lock, such as the completion path.
func (c *Controller) ReleaseLocked() {
	if !c.enabled {
		return
	}

	c.activeReqs--
	if c.activeReqs < 0 {
		log.Panicf("%s: unbalanced clock gate release", c.name)
	}

	if c.activeReqs > 0 || c.isSuspended || !c.canGate() {
		return
	}

	c.setState(ReqOff)
	c.gateTimer = time.AfterFunc(c.delay, c.gateWork)
}

// gateWork runs after the gate delay elapses. It re-validates, under
// the shared state lock, that nothing became active in the meantime
// before actually cutting power.
func (c *Controller) gateWork() {
	c.workMu.Lock()
	defer c.workMu.Unlock()

	c.mu.Lock()
	// If a hold raced the timer, the state has already left ReqOff.
	// Settle back in On without touching the clocks.
	if c.isSuspended || c.state != ReqOff {
		c.setState(On)
		c.cond.Broadcast()
		c.mu.Unlock()
		return
	}

	if !c.canGate() {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	// Park the link before turning off clocks.
	if c.parkLink != nil {
		if err := c.parkLink(); err != nil {
			log.Printf("%s: link park failed, keeping clocks on: %v",
				c.name, err)
			c.mu.Lock()
			c.setState(On)
			c.cond.Broadcast()
			c.mu.Unlock()
			return
		}
	}

	if err := c.setupClocks(false); err != nil {
		log.Printf("%s: clock disable failed: %v", c.name, err)
	}

	c.mu.Lock()
	// A hold that arrived while power was being cut has moved the
	// state to ReqOn; keep it, which correctly implies clocks are off
	// with a turn-on pending.
	if c.state == ReqOff {
		c.setState(Off)
	}
	c.mu.Unlock()
}

// ungateWork re-enables clocks and un-parks the link.
func (c *Controller) ungateWork() {
	c.workMu.Lock()
	defer c.workMu.Unlock()

	c.mu.Lock()
	if c.gateTimer != nil {
		c.gateTimer.Stop()
		c.gateTimer = nil
	}
	if c.state == On && (c.linkParked == nil || !c.linkParked()) {
		c.cond.Broadcast()
		c.mu.Unlock()
		c.unblock()
		return
	}
	c.mu.Unlock()

	if err := c.setupClocks(true); err != nil {
		log.Printf("%s: clock enable failed: %v", c.name, err)
	}

	if c.unparkLink != nil && c.linkParked != nil && c.linkParked() {
		// Prevent a concurrent release from re-gating while the link
		// exit is in flight.
		c.mu.Lock()
		c.isSuspended = true
		c.mu.Unlock()

		if err := c.unparkLink(); err != nil {
			log.Printf("%s: link un-park failed: %v", c.name, err)
		}

		c.mu.Lock()
		c.isSuspended = false
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.setState(On)
	c.cond.Broadcast()
	c.mu.Unlock()

	c.unblock()
}

func (c *Controller) unblock() {
	if c.blockRequests != nil {
		c.blockRequests(false)
	}
}

// Suspend freezes the machine for a controller suspend. Clocks are
// managed directly by the suspend path while frozen.
func (c *Controller) Suspend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.isSuspended = true
	if c.gateTimer != nil {
		c.gateTimer.Stop()
		c.gateTimer = nil
	}
	c.setState(Off)
}

// Resume unfreezes the machine after the suspend path has re-enabled
// clocks.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.isSuspended = false
	c.setState(On)
	c.cond.Broadcast()
}
