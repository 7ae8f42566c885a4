// Package hcregs defines the register file of the host controller and
// the access primitives the rest of the module uses to reach it.
package hcregs

import (
	"fmt"
	"time"
)

// An Accessor provides read and write access to the memory-mapped
// register file of the host controller. Implementations must be safe
// for concurrent use. The register file itself is the single point of
// truth for doorbell state.
type Accessor interface {
	Read32(offset uint32) uint32
	Write32(offset uint32, value uint32)
}

// Register offsets.
const (
	RegControllerCapabilities uint32 = 0x00
	RegInterruptStatus        uint32 = 0x20
	RegInterruptEnable        uint32 = 0x24
	RegControllerStatus       uint32 = 0x30
	RegControllerEnable       uint32 = 0x34
	RegErrPhyAdapterLayer     uint32 = 0x38
	RegErrDataLinkLayer       uint32 = 0x3C
	RegErrNetworkLayer        uint32 = 0x40
	RegErrTransportLayer      uint32 = 0x44
	RegErrDME                 uint32 = 0x48
	RegTransferReqDoorbell    uint32 = 0x58
	RegTransferReqListClear   uint32 = 0x5C
	RegTaskReqDoorbell        uint32 = 0x78
	RegTaskReqListClear       uint32 = 0x7C
	RegUICCommand             uint32 = 0x90
	RegUICCommandArg1         uint32 = 0x94
	RegUICCommandArg2         uint32 = 0x98
	RegUICCommandArg3         uint32 = 0x9C
)

// Interrupt status and enable bits.
const (
	IntrTransferReqCompl uint32 = 1 << 0
	IntrLinkStartup      uint32 = 1 << 8
	IntrTaskReqCompl     uint32 = 1 << 9
	IntrUICCommandCompl  uint32 = 1 << 10
	IntrPowerStatus      uint32 = 1 << 4
	IntrHibernateExit    uint32 = 1 << 5
	IntrHibernateEnter   uint32 = 1 << 6
	IntrUICError         uint32 = 1 << 2
	IntrDeviceFatal      uint32 = 1 << 11
	IntrControllerFatal  uint32 = 1 << 16
	IntrSystemBusFatal   uint32 = 1 << 17
)

// IntrUICPowerMask covers the completion indications that power-mode
// affecting link commands wait on in addition to command completion.
const IntrUICPowerMask = IntrPowerStatus | IntrHibernateEnter | IntrHibernateExit

// IntrFatalMask covers conditions that always require a full reset.
const IntrFatalMask = IntrDeviceFatal | IntrControllerFatal | IntrSystemBusFatal

// IntrErrorMask covers every error condition the dispatcher routes to
// error classification.
const IntrErrorMask = IntrFatalMask | IntrUICError

// IntrUICMask covers every link-control related completion.
const IntrUICMask = IntrUICCommandCompl | IntrUICPowerMask

// Controller status bits.
const (
	StatusDevicePresent     uint32 = 1 << 0
	StatusTransferListReady uint32 = 1 << 1
	StatusTaskListReady     uint32 = 1 << 2
	StatusUICCommandReady   uint32 = 1 << 3
)

// Power mode change request status, reported in the controller status
// register after a power-mode-affecting link command completes.
const (
	UPMCRSShift uint32 = 8
	UPMCRSMask  uint32 = 0x7

	PwrOK     uint32 = 0x0
	PwrLocal  uint32 = 0x1
	PwrRemote uint32 = 0x2
	PwrBusy   uint32 = 0x3
	PwrErrCap uint32 = 0x4
	PwrFatal  uint32 = 0x5
)

// ControllerEnable bits.
const (
	ControllerEnableBit uint32 = 1 << 0
)

// Per-layer error report registers set an indication bit alongside the
// error code field.
const (
	ErrIndication  uint32 = 1 << 31
	ErrPhyLaneMask uint32 = 0x1F
	ErrCodeMask    uint32 = 0x7FFF

	ErrDataLinkPAInit        uint32 = 1 << 13
	ErrDataLinkNACReceived   uint32 = 1 << 2
	ErrDataLinkReplayTimeout uint32 = 1 << 10
)

// UPMCRS extracts the power mode change request status field from a
// controller status register snapshot.
func UPMCRS(status uint32) uint32 {
	return (status >> UPMCRSShift) & UPMCRSMask
}

// WaitForRegister polls a register until (value & mask) == expected,
// checking every interval, for at most timeout. It reports an error if
// the register did not reach the expected value in time.
func WaitForRegister(
	ac Accessor,
	offset, mask, expected uint32,
	interval, timeout time.Duration,
) error {
	deadline := time.Now().Add(timeout)

	for {
		if ac.Read32(offset)&mask == expected&mask {
			return nil
		}

		if time.Now().After(deadline) {
			break
		}

		time.Sleep(interval)
	}

	// One last check in case we slept past the deadline while the
	// register changed.
	if ac.Read32(offset)&mask == expected&mask {
		return nil
	}

	return fmt.Errorf(
		"register 0x%02x did not reach 0x%08x (mask 0x%08x) within %v",
		offset, expected, mask, timeout)
}
