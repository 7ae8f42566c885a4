package hostctl

import (
	"errors"

	"github.com/sarchlab/storhc/hcregs"
)

// Sentinel errors returned by the host.
var (
	// ErrBusy tells the caller the command could not be accepted right
	// now and should be requeued.
	ErrBusy = errors.New("host controller busy")

	// ErrDeviceOffline means recovery has permanently failed and the
	// controller no longer accepts commands.
	ErrDeviceOffline = errors.New("host controller offline")

	// ErrTimeout means a command did not complete in time but its slot
	// was successfully force-cleared, so a retry is safe.
	ErrTimeout = errors.New("command timed out, slot cleared")

	// ErrClearFailed means a command timed out and its slot could not
	// be reclaimed. The slot stays owned by the device until recovery
	// runs.
	ErrClearFailed = errors.New("command timed out, slot clear failed")

	// ErrInvalidTag rejects a slot index outside the transfer ring.
	ErrInvalidTag = errors.New("invalid slot tag")
)

// A ResultCode classifies the outcome of one transfer command.
type ResultCode int

const (
	// ResultSuccess means the device completed the command.
	ResultSuccess ResultCode = iota

	// ResultAborted means the command was terminated by an abort.
	ResultAborted

	// ResultRequeue means the command never produced a status and can
	// be resubmitted, typically after a forced clear or a reset.
	ResultRequeue

	// ResultDeviceError means the controller reported a status that
	// indicates a device-side failure.
	ResultDeviceError
)

func (c ResultCode) String() string {
	switch c {
	case ResultSuccess:
		return "success"
	case ResultAborted:
		return "aborted"
	case ResultRequeue:
		return "requeue"
	case ResultDeviceError:
		return "device-error"
	default:
		return "invalid"
	}
}

// A Request is one transfer command handed to the host. The command
// payload encoding is owned by the layer above; the host routes it to
// the device untouched.
type Request struct {
	LUN       uint8
	Direction hcregs.DataDirection

	// Command is the opaque command payload.
	Command []byte

	// Buffers is the scatter-gather list for the data phase.
	Buffers [][]byte

	// CryptoEnable and CryptoSlot are pass-through inline encryption
	// parameters.
	CryptoEnable bool
	CryptoSlot   int

	// Done is invoked exactly once when the command completes, from
	// outside the host's state lock. Required.
	Done func(Result)
}

// A Result is the completion outcome of one transfer command.
type Result struct {
	Code ResultCode

	// OCS is the raw overall command status the controller reported.
	OCS uint32

	Response []byte
	Sense    []byte
}
