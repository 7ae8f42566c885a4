package linkctl

import (
	"log"

	"github.com/sarchlab/storhc/hcregs"
)

// DMEGet reads a local link-layer attribute.
func (ch *Channel) DMEGet(attr uint32) (uint32, error) {
	return ch.Execute(OpDMEGet, AttrSelector(attr, 0), 0, 0)
}

// DMESet writes a local link-layer attribute.
func (ch *Channel) DMESet(attr, value uint32) error {
	_, err := ch.Execute(OpDMESet, AttrSelector(attr, 0), 0, value)
	return err
}

// DMEPeerGet reads a remote-endpoint attribute. Peer accesses traverse
// the link and are retried a bounded number of times on failure.
func (ch *Channel) DMEPeerGet(attr uint32) (uint32, error) {
	var (
		val uint32
		err error
	)

	for attempt := 0; attempt < PeerRetries; attempt++ {
		val, err = ch.Execute(OpDMEPeerGet, AttrSelector(attr, 0), 0, 0)
		if err == nil {
			return val, nil
		}
		log.Printf("%s: peer attribute 0x%04x read failed (attempt %d): %v",
			ch.name, attr, attempt+1, err)
	}

	return 0, err
}

// DMEPeerSet writes a remote-endpoint attribute with bounded retries.
func (ch *Channel) DMEPeerSet(attr, value uint32) error {
	var err error

	for attempt := 0; attempt < PeerRetries; attempt++ {
		_, err = ch.Execute(OpDMEPeerSet, AttrSelector(attr, 0), 0, value)
		if err == nil {
			return nil
		}
		log.Printf("%s: peer attribute 0x%04x write failed (attempt %d): %v",
			ch.name, attr, attempt+1, err)
	}

	return err
}

// HibernateEnter parks the link in the low-power state.
func (ch *Channel) HibernateEnter() error {
	err := ch.ExecutePowerMode(OpDMEHibernateEnter, 0, 0, 0)
	if err != nil {
		return err
	}

	ch.mu.Lock()
	ch.linkState = LinkHibernate
	ch.mu.Unlock()

	return nil
}

// HibernateExit brings the link out of the low-power state.
func (ch *Channel) HibernateExit() error {
	err := ch.ExecutePowerMode(OpDMEHibernateExit, 0, 0, 0)
	if err != nil {
		return err
	}

	ch.mu.Lock()
	ch.linkState = LinkActive
	ch.mu.Unlock()

	return nil
}

// ChangePowerMode reprograms the active transfer gear and mode of the
// link. The caller composes the mode word from gear and lane
// attributes it has already negotiated.
func (ch *Channel) ChangePowerMode(mode uint32) error {
	return ch.ExecutePowerMode(OpDMESet,
		AttrSelector(AttrPowerMode, 0), 0, mode)
}

// Startup issues a single link startup command. Retrying on failure is
// the caller's decision since it interleaves with device presence
// checks.
func (ch *Channel) Startup() error {
	_, err := ch.Execute(OpDMELinkStartup, 0, 0, 0)
	if err != nil {
		return err
	}

	if ch.regs.Read32(hcregs.RegControllerStatus)&
		hcregs.StatusDevicePresent == 0 {
		return ErrNotReady
	}

	ch.MarkActive()

	return nil
}

// Reset asks the local link layer to reset itself. Used by the
// recovery path before re-establishing the link.
func (ch *Channel) Reset() error {
	_, err := ch.Execute(OpDMEReset, 0, 0, 0)
	return err
}

// Enable re-enables the local link layer after a reset.
func (ch *Channel) Enable() error {
	_, err := ch.Execute(OpDMEEnable, 0, 0, 0)
	return err
}
