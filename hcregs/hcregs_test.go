package hcregs

import (
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// memAccessor is an in-memory register file for testing.
type memAccessor struct {
	mu  sync.Mutex
	reg map[uint32]uint32
}

func newMemAccessor() *memAccessor {
	return &memAccessor{reg: map[uint32]uint32{}}
}

func (a *memAccessor) Read32(offset uint32) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.reg[offset]
}

func (a *memAccessor) Write32(offset uint32, value uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.reg[offset] = value
}

var _ = Describe("UPMCRS", func() {
	It("should extract the power mode change request status", func() {
		status := StatusUICCommandReady | PwrLocal<<UPMCRSShift

		Expect(UPMCRS(status)).To(Equal(PwrLocal))
	})

	It("should ignore bits outside the field", func() {
		status := uint32(0xFFFFFFFF) &^ (UPMCRSMask << UPMCRSShift)
		status |= PwrBusy << UPMCRSShift

		Expect(UPMCRS(status)).To(Equal(PwrBusy))
	})
})

var _ = Describe("WaitForRegister", func() {
	var ac *memAccessor

	BeforeEach(func() {
		ac = newMemAccessor()
	})

	It("should return immediately when the value already matches", func() {
		ac.Write32(RegControllerEnable, ControllerEnableBit)

		err := WaitForRegister(ac, RegControllerEnable,
			ControllerEnableBit, ControllerEnableBit,
			time.Millisecond, 50*time.Millisecond)

		Expect(err).ToNot(HaveOccurred())
	})

	It("should wait for the value to appear", func() {
		go func() {
			time.Sleep(10 * time.Millisecond)
			ac.Write32(RegControllerEnable, ControllerEnableBit)
		}()

		err := WaitForRegister(ac, RegControllerEnable,
			ControllerEnableBit, ControllerEnableBit,
			time.Millisecond, 200*time.Millisecond)

		Expect(err).ToNot(HaveOccurred())
	})

	It("should wait for a bit to drop", func() {
		ac.Write32(RegTransferReqDoorbell, 0x5)

		go func() {
			time.Sleep(10 * time.Millisecond)
			ac.Write32(RegTransferReqDoorbell, 0x4)
		}()

		err := WaitForRegister(ac, RegTransferReqDoorbell,
			0x1, 0,
			time.Millisecond, 200*time.Millisecond)

		Expect(err).ToNot(HaveOccurred())
	})

	It("should report an error on timeout", func() {
		err := WaitForRegister(ac, RegControllerEnable,
			ControllerEnableBit, ControllerEnableBit,
			time.Millisecond, 20*time.Millisecond)

		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Query codec", func() {
	It("should round-trip a request", func() {
		req := QueryRequest{
			Opcode:   QueryWriteAttr,
			IDN:      AttrIDNPowerMode,
			Index:    2,
			Selector: 1,
			Value:    0xDEADBEEF,
		}

		decoded, err := DecodeQueryRequest(req.Encode())

		Expect(err).ToNot(HaveOccurred())
		Expect(decoded).To(Equal(req))
	})

	It("should round-trip a response", func() {
		resp := QueryResponse{
			Status: QueryResultSuccess,
			Value:  42,
		}

		decoded, err := DecodeQueryResponse(resp.Encode())

		Expect(err).ToNot(HaveOccurred())
		Expect(decoded).To(Equal(resp))
	})

	It("should reject a short request payload", func() {
		_, err := DecodeQueryRequest([]byte{0x01, 0x02})

		Expect(err).To(HaveOccurred())
	})

	It("should reject a short response payload", func() {
		_, err := DecodeQueryResponse(nil)

		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("TransferDescriptor", func() {
	It("should reset to the never-written status", func() {
		d := TransferDescriptor{
			OCS:       OCSSuccess,
			Direction: DirToDevice,
			PRDT:      []PRDEntry{{Size: 512}},
		}

		d.Reset()

		Expect(d.OCS).To(Equal(OCSInvalidCommandStatus))
		Expect(d.PRDT).To(BeNil())
		Expect(d.Direction).To(Equal(DirNone))
	})
})
