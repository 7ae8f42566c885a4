package linkctl

// An Opcode identifies one link-control operation.
type Opcode uint32

const (
	OpDMEGet            Opcode = 0x01
	OpDMESet            Opcode = 0x02
	OpDMEPeerGet        Opcode = 0x03
	OpDMEPeerSet        Opcode = 0x04
	OpDMEPowerOn        Opcode = 0x10
	OpDMEPowerOff       Opcode = 0x11
	OpDMEEnable         Opcode = 0x12
	OpDMEReset          Opcode = 0x14
	OpDMEEndpointReset  Opcode = 0x15
	OpDMELinkStartup    Opcode = 0x16
	OpDMEHibernateEnter Opcode = 0x17
	OpDMEHibernateExit  Opcode = 0x18
)

// Link layer attributes reachable through DME get/set.
const (
	AttrActiveTxLanes uint32 = 0x1560
	AttrTxGear        uint32 = 0x1568
	AttrHSSeries      uint32 = 0x156A
	AttrPowerMode     uint32 = 0x1571
	AttrActiveRxLanes uint32 = 0x1580
	AttrRxGear        uint32 = 0x1583
)

// MaskCommandResult selects the result code field of the second
// argument register after completion.
const MaskCommandResult uint32 = 0xFF

// AttrSelector composes the first argument register value from an
// attribute ID and a selector index.
func AttrSelector(attr uint32, sel uint16) uint32 {
	return attr<<16 | uint32(sel)
}

// A Command is the single mutable slot representing the one
// outstanding link-control operation. At most one command is in flight
// at a time.
type Command struct {
	Opcode Opcode
	Arg1   uint32
	Arg2   uint32
	Arg3   uint32

	// active reports that the command has been dispatched to the
	// controller and its completion has not been observed yet. It is
	// the documented tie-break for the timeout / late-completion
	// race: a timed-out waiter re-checks it and salvages the result
	// when the completion interrupt beat the timer.
	active bool

	done chan struct{}
}

func newCommand(op Opcode, arg1, arg2, arg3 uint32) *Command {
	return &Command{
		Opcode: op,
		Arg1:   arg1,
		Arg2:   arg2,
		Arg3:   arg3,
		done:   make(chan struct{}, 1),
	}
}

// resultCode extracts the command result code after completion.
func (c *Command) resultCode() uint32 {
	return c.Arg2 & MaskCommandResult
}

func (c *Command) signalDone() {
	select {
	case c.done <- struct{}{}:
	default:
	}
}

// A LinkState describes the interconnect state as last observed by the
// channel.
type LinkState int

const (
	LinkOff LinkState = iota
	LinkActive
	LinkHibernate
	LinkBroken
)

func (s LinkState) String() string {
	switch s {
	case LinkOff:
		return "off"
	case LinkActive:
		return "active"
	case LinkHibernate:
		return "hibernate"
	case LinkBroken:
		return "broken"
	default:
		return "invalid"
	}
}
