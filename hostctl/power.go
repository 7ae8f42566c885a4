package hostctl

import (
	"fmt"
	"log"

	"github.com/sarchlab/storhc/hcregs"
	"github.com/sarchlab/storhc/linkctl"
)

// A DevicePowerMode is the power mode of the attached device.
type DevicePowerMode uint32

const (
	DevPowerActive DevicePowerMode = iota + 1
	DevPowerSleep
	DevPowerDown
)

func (m DevicePowerMode) String() string {
	switch m {
	case DevPowerActive:
		return "active"
	case DevPowerSleep:
		return "sleep"
	case DevPowerDown:
		return "power-down"
	default:
		return "invalid"
	}
}

// A PowerLevel selects one suspend depth: a device power mode paired
// with a link state. Higher levels save more power and cost more
// resume latency.
type PowerLevel int

const (
	PowerLevel0 PowerLevel = iota // device active, link active
	PowerLevel1                   // device active, link hibernate
	PowerLevel2                   // device sleep, link active
	PowerLevel3                   // device sleep, link hibernate
	PowerLevel4                   // device power-down, link hibernate
	PowerLevel5                   // device power-down, link off
	NumPowerLevels
)

// A PowerProfile is the target pair of one power level.
type PowerProfile struct {
	Dev  DevicePowerMode
	Link linkctl.LinkState
}

var powerLevels = [NumPowerLevels]PowerProfile{
	{DevPowerActive, linkctl.LinkActive},
	{DevPowerActive, linkctl.LinkHibernate},
	{DevPowerSleep, linkctl.LinkActive},
	{DevPowerSleep, linkctl.LinkHibernate},
	{DevPowerDown, linkctl.LinkHibernate},
	{DevPowerDown, linkctl.LinkOff},
}

// ProfileFor returns the target pair of a power level.
func ProfileFor(level PowerLevel) (PowerProfile, error) {
	if level < 0 || level >= NumPowerLevels {
		return PowerProfile{}, fmt.Errorf("invalid power level %d", level)
	}

	return powerLevels[level], nil
}

// DevicePowerMode returns the device power mode as last commanded.
func (h *Host) DevicePowerMode() DevicePowerMode {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.devPwrMode
}

// SetDevicePowerMode commands the device into the given power mode
// through a device-management attribute write.
func (h *Host) SetDevicePowerMode(mode DevicePowerMode) error {
	if err := h.WriteAttr(hcregs.AttrIDNPowerMode, 0, 0, uint32(mode)); err != nil {
		return err
	}

	h.mu.Lock()
	h.devPwrMode = mode
	h.mu.Unlock()

	return nil
}

// Suspend takes the controller to the given power level: device first,
// then link, then clocks. A partial failure rolls the earlier steps
// back so the controller is never left half-suspended.
func (h *Host) Suspend(level PowerLevel) error {
	target, err := ProfileFor(level)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if h.suspended {
		h.mu.Unlock()
		return nil
	}
	if h.ehInProgress || h.runState != StateOperational {
		h.mu.Unlock()
		return ErrBusy
	}
	h.mu.Unlock()

	if err := h.gate.Hold(false); err != nil {
		return err
	}
	h.scaler.SuspendGovernor()

	if target.Dev != DevPowerActive && h.DevicePowerMode() == DevPowerActive {
		if err := h.SetDevicePowerMode(target.Dev); err != nil {
			h.scaler.ResumeGovernor()
			h.gate.Release()
			return err
		}
	}

	if err := h.parkLinkForSuspend(target.Link); err != nil {
		if restoreErr := h.SetDevicePowerMode(DevPowerActive); restoreErr != nil {
			log.Printf("%s: device power rollback failed: %v",
				h.name, restoreErr)
		}
		h.scaler.ResumeGovernor()
		h.gate.Release()
		return err
	}

	h.mu.Lock()
	h.suspended = true
	h.mu.Unlock()

	h.gate.Release()

	// Freeze gating and take the clocks down directly; the gating
	// machine stays out of the way until resume.
	h.gate.Suspend()
	if err := h.doSetupClocks(false); err != nil {
		log.Printf("%s: clock disable on suspend failed: %v", h.name, err)
	}

	return nil
}

func (h *Host) parkLinkForSuspend(target linkctl.LinkState) error {
	switch target {
	case linkctl.LinkActive:
		return nil

	case linkctl.LinkHibernate:
		return h.hibernateEnterRetrying()

	case linkctl.LinkOff:
		if h.link.LinkState() == linkctl.LinkActive {
			if err := h.hibernateEnterRetrying(); err != nil {
				return err
			}
		}
		h.regs.Write32(hcregs.RegControllerEnable, 0)
		h.link.MarkOff()
		return nil

	default:
		return fmt.Errorf("%s: invalid target link state %v", h.name, target)
	}
}

func (h *Host) hibernateEnterRetrying() error {
	if h.link.LinkState() != linkctl.LinkActive {
		return nil
	}

	var err error
	for attempt := 1; attempt <= HibernateEnterRetries; attempt++ {
		err = h.link.HibernateEnter()
		if err == nil {
			return nil
		}
		log.Printf("%s: hibernate enter failed (attempt %d): %v",
			h.name, attempt, err)
	}

	return err
}

// Resume brings the controller back from a suspend: clocks first, then
// link, then device. A link that was taken fully off needs a complete
// re-establishment.
func (h *Host) Resume() error {
	h.mu.Lock()
	if !h.suspended {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	if err := h.doSetupClocks(true); err != nil {
		return err
	}
	h.gate.Resume()

	if err := h.gate.Hold(false); err != nil {
		return err
	}
	defer h.gate.Release()

	var err error
	switch h.link.LinkState() {
	case linkctl.LinkHibernate:
		err = h.link.HibernateExit()
	case linkctl.LinkOff:
		err = h.resetAndRestore()
	}

	if err == nil && h.DevicePowerMode() != DevPowerActive {
		err = h.SetDevicePowerMode(DevPowerActive)
	}

	if err != nil {
		// Leave the suspended flag set and let recovery sort the
		// controller out.
		h.ScheduleRecovery(true)
		return err
	}

	h.mu.Lock()
	h.suspended = false
	h.mu.Unlock()

	h.scaler.ResumeGovernor()

	return nil
}
