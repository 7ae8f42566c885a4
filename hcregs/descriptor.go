package hcregs

// Overall command status codes reported by the controller in the
// transfer and task descriptors.
const (
	OCSSuccess             uint32 = 0x0
	OCSInvalidCmdTableAttr uint32 = 0x1
	OCSInvalidPRDTAttr     uint32 = 0x2
	OCSMismatchDataBufSize uint32 = 0x3
	OCSMismatchRespSize    uint32 = 0x4
	OCSPeerCommFailure     uint32 = 0x5
	OCSAborted             uint32 = 0x6
	OCSFatalError          uint32 = 0x7
	OCSInvalidCommandStatus uint32 = 0xF
)

// DataDirection of a transfer command, from the host's point of view.
type DataDirection uint32

const (
	DirNone DataDirection = iota
	DirToDevice
	DirFromDevice
)

// CommandType distinguishes bulk data transfer from control-plane
// device management commands sharing the transfer ring.
type CommandType uint32

const (
	CmdTypeStorage CommandType = iota
	CmdTypeDevManage
)

// A MessageHeader carries the request or response message framing for
// one command. The payload encoding is owned by the protocol layer
// above; this layer only routes it.
type MessageHeader struct {
	Transaction uint32
	Flags       uint32
	LUN         uint8
	TaskTag     uint8

	// ExceptionAlert is set by the device in a response header to
	// request attention outside the command flow.
	ExceptionAlert bool
}

// A PRDEntry describes one physical region of a scatter-gather table.
type PRDEntry struct {
	Base  uint64
	Size  uint32
	Bytes []byte
}

// A TransferDescriptor is one entry of the transfer request ring. The
// memory backing the ring is DMA-coherent: after the doorbell bit for
// its slot is written, the device owns every field until completion.
type TransferDescriptor struct {
	Direction   DataDirection
	CommandType CommandType

	// Inline encryption parameters, pass-through for the crypto
	// collaborator.
	CryptoEnable bool
	CryptoSlot   int

	PRDT []PRDEntry

	RequestHeader  MessageHeader
	ResponseHeader MessageHeader

	RequestPayload  []byte
	ResponsePayload []byte
	SenseData       []byte

	OCS uint32
}

// Reset returns the descriptor to its pre-submission state. The OCS
// field starts as invalid so a completion with an unwritten status is
// detectable.
func (d *TransferDescriptor) Reset() {
	*d = TransferDescriptor{OCS: OCSInvalidCommandStatus}
}

// A TaskDescriptor is one entry of the task management ring.
type TaskDescriptor struct {
	Function    uint32
	LUN         uint8
	TaskTag     uint8
	TargetTag   uint8
	OCS         uint32
	ServiceResp uint32
}

// Reset returns the descriptor to its pre-submission state.
func (d *TaskDescriptor) Reset() {
	*d = TaskDescriptor{OCS: OCSInvalidCommandStatus}
}
