package devsim

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/storhc/hcregs"
	"github.com/sarchlab/storhc/linkctl"
)

var _ = Describe("Device", func() {
	var (
		d        *Device
		transfer []hcregs.TransferDescriptor
		task     []hcregs.TaskDescriptor
	)

	BeforeEach(func() {
		d = MakeBuilder().
			WithLatency(100 * time.Microsecond).
			Build("Device")

		transfer = make([]hcregs.TransferDescriptor, 4)
		task = make([]hcregs.TaskDescriptor, 2)
		for i := range transfer {
			transfer[i].Reset()
		}
		d.AttachRings(transfer, task)

		d.Write32(hcregs.RegControllerEnable, hcregs.ControllerEnableBit)
	})

	AfterEach(func() {
		d.Stop()
	})

	doorbell := func() uint32 {
		return d.Read32(hcregs.RegTransferReqDoorbell)
	}

	intrStatus := func() uint32 {
		return d.Read32(hcregs.RegInterruptStatus)
	}

	It("should clear status bits on a write of one", func() {
		d.RaiseError(hcregs.IntrUICError|hcregs.IntrDeviceFatal, nil)

		Expect(intrStatus() & hcregs.IntrUICError).ToNot(BeZero())

		d.Write32(hcregs.RegInterruptStatus, hcregs.IntrUICError)

		Expect(intrStatus() & hcregs.IntrUICError).To(BeZero())
		Expect(intrStatus() & hcregs.IntrDeviceFatal).ToNot(BeZero())
	})

	It("should complete a rung command and raise the interrupt", func() {
		transfer[0].RequestHeader = hcregs.MessageHeader{
			Transaction: hcregs.TransactionNopOut,
			TaskTag:     0,
		}

		d.Write32(hcregs.RegTransferReqDoorbell, 1<<0)

		Eventually(doorbell, time.Second).Should(BeZero())
		Expect(intrStatus() & hcregs.IntrTransferReqCompl).ToNot(BeZero())
		Expect(transfer[0].OCS).To(Equal(hcregs.OCSSuccess))
		Expect(transfer[0].ResponseHeader.Transaction).
			To(Equal(hcregs.TransactionNopIn))
	})

	It("should deliver completions through the interrupt line", func() {
		fired := make(chan struct{}, 1)
		d.SetInterruptHandler(func() {
			select {
			case fired <- struct{}{}:
			default:
			}
		})

		transfer[0].RequestHeader = hcregs.MessageHeader{
			Transaction: hcregs.TransactionNopOut,
		}
		d.Write32(hcregs.RegTransferReqDoorbell, 1<<0)

		Eventually(fired, time.Second).Should(Receive())
	})

	It("should cancel a command when its slot is cleared", func() {
		d = MakeBuilder().
			WithLatency(50 * time.Millisecond).
			Build("Device")
		d.AttachRings(transfer, task)
		d.Write32(hcregs.RegControllerEnable, hcregs.ControllerEnableBit)

		transfer[0].RequestHeader = hcregs.MessageHeader{
			Transaction: hcregs.TransactionNopOut,
		}
		d.Write32(hcregs.RegTransferReqDoorbell, 1<<0)
		d.Write32(hcregs.RegTransferReqListClear, ^uint32(1<<0))

		Expect(doorbell()).To(BeZero())
		Consistently(intrStatus, 80*time.Millisecond).
			Should(WithTransform(func(v uint32) uint32 {
				return v & hcregs.IntrTransferReqCompl
			}, BeZero()))
		Expect(transfer[0].OCS).To(Equal(hcregs.OCSInvalidCommandStatus))
	})

	It("should wipe doorbells and readiness when disabled", func() {
		d = MakeBuilder().
			WithLatency(50 * time.Millisecond).
			Build("Device")
		d.AttachRings(transfer, task)
		d.Write32(hcregs.RegControllerEnable, hcregs.ControllerEnableBit)

		transfer[0].RequestHeader = hcregs.MessageHeader{
			Transaction: hcregs.TransactionNopOut,
		}
		d.Write32(hcregs.RegTransferReqDoorbell, 1<<0)

		d.Write32(hcregs.RegControllerEnable, 0)

		Expect(doorbell()).To(BeZero())
		Expect(d.Read32(hcregs.RegControllerStatus)).To(BeZero())
	})

	It("should expose link control readiness after enabling", func() {
		status := d.Read32(hcregs.RegControllerStatus)

		Expect(status & hcregs.StatusUICCommandReady).ToNot(BeZero())
		Expect(status & hcregs.StatusDevicePresent).To(BeZero())
	})

	It("should clear the layer error reports on read", func() {
		d.RaiseError(hcregs.IntrUICError, map[uint32]uint32{
			hcregs.RegErrDataLinkLayer: hcregs.ErrIndication |
				hcregs.ErrDataLinkNACReceived,
		})

		first := d.Read32(hcregs.RegErrDataLinkLayer)
		second := d.Read32(hcregs.RegErrDataLinkLayer)

		Expect(first & hcregs.ErrDataLinkNACReceived).ToNot(BeZero())
		Expect(second).To(BeZero())
	})

	It("should move write data into the unit's backing store", func() {
		payload := []byte("block data for unit three")
		transfer[1].RequestHeader = hcregs.MessageHeader{
			Transaction: hcregs.TransactionCommand,
			LUN:         3,
			TaskTag:     1,
		}
		transfer[1].Direction = hcregs.DirToDevice
		transfer[1].PRDT = []hcregs.PRDEntry{{Bytes: payload}}

		d.Write32(hcregs.RegTransferReqDoorbell, 1<<1)

		Eventually(doorbell, time.Second).Should(BeZero())
		Expect(transfer[1].OCS).To(Equal(hcregs.OCSSuccess))
		Expect(d.LUNData(3)).To(Equal(payload))
	})

	It("should return the backing store on a read", func() {
		d.SetLUNData(5, []byte("persisted"))

		buf := make([]byte, 9)
		transfer[2].RequestHeader = hcregs.MessageHeader{
			Transaction: hcregs.TransactionCommand,
			LUN:         5,
			TaskTag:     2,
		}
		transfer[2].Direction = hcregs.DirFromDevice
		transfer[2].PRDT = []hcregs.PRDEntry{{Bytes: buf}}

		d.Write32(hcregs.RegTransferReqDoorbell, 1<<2)

		Eventually(doorbell, time.Second).Should(BeZero())
		Expect(buf).To(Equal([]byte("persisted")))
	})

	It("should answer query commands against the attribute store", func() {
		write := hcregs.QueryRequest{
			Opcode: hcregs.QueryWriteAttr,
			IDN:    hcregs.AttrIDNEEControl,
			Value:  0x11,
		}
		transfer[0].RequestHeader = hcregs.MessageHeader{
			Transaction: hcregs.TransactionQueryReq,
		}
		transfer[0].RequestPayload = write.Encode()
		d.Write32(hcregs.RegTransferReqDoorbell, 1<<0)
		Eventually(doorbell, time.Second).Should(BeZero())

		read := hcregs.QueryRequest{
			Opcode: hcregs.QueryReadAttr,
			IDN:    hcregs.AttrIDNEEControl,
		}
		transfer[1].RequestHeader = hcregs.MessageHeader{
			Transaction: hcregs.TransactionQueryReq,
			TaskTag:     1,
		}
		transfer[1].RequestPayload = read.Encode()
		d.Write32(hcregs.RegTransferReqDoorbell, 1<<1)
		Eventually(doorbell, time.Second).Should(BeZero())

		resp, err := hcregs.DecodeQueryResponse(transfer[1].ResponsePayload)

		Expect(err).To(BeNil())
		Expect(resp.Status).To(Equal(hcregs.QueryResultSuccess))
		Expect(resp.Value).To(Equal(uint32(0x11)))
	})

	It("should alert on storage responses while an exception is armed", func() {
		d.SetExceptionPending(1 << 2)

		transfer[0].RequestHeader = hcregs.MessageHeader{
			Transaction: hcregs.TransactionCommand,
			LUN:         0,
		}
		transfer[0].Direction = hcregs.DirToDevice
		transfer[0].PRDT = []hcregs.PRDEntry{{Bytes: []byte("x")}}
		d.Write32(hcregs.RegTransferReqDoorbell, 1<<0)
		Eventually(doorbell, time.Second).Should(BeZero())

		Expect(transfer[0].ResponseHeader.ExceptionAlert).To(BeTrue())

		read := hcregs.QueryRequest{
			Opcode: hcregs.QueryReadAttr,
			IDN:    hcregs.AttrIDNEEStatus,
		}
		transfer[1].RequestHeader = hcregs.MessageHeader{
			Transaction: hcregs.TransactionQueryReq,
			TaskTag:     1,
		}
		transfer[1].RequestPayload = read.Encode()
		d.Write32(hcregs.RegTransferReqDoorbell, 1<<1)
		Eventually(doorbell, time.Second).Should(BeZero())

		resp, err := hcregs.DecodeQueryResponse(transfer[1].ResponsePayload)

		Expect(err).To(BeNil())
		Expect(resp.Value).To(Equal(uint32(1 << 2)))
		Expect(d.ExceptionPending()).To(BeFalse())
	})

	It("should round-trip link attributes at the register level", func() {
		attr := linkctl.AttrTxGear

		d.Write32(hcregs.RegUICCommandArg1, attr<<16)
		d.Write32(hcregs.RegUICCommandArg3, 3)
		d.Write32(hcregs.RegUICCommand, uint32(linkctl.OpDMESet))

		Eventually(func() uint32 {
			return intrStatus() & hcregs.IntrUICCommandCompl
		}, time.Second).ShouldNot(BeZero())
		d.Write32(hcregs.RegInterruptStatus, hcregs.IntrUICCommandCompl)

		d.Write32(hcregs.RegUICCommandArg1, attr<<16)
		d.Write32(hcregs.RegUICCommandArg3, 0)
		d.Write32(hcregs.RegUICCommand, uint32(linkctl.OpDMEGet))

		Eventually(func() uint32 {
			return intrStatus() & hcregs.IntrUICCommandCompl
		}, time.Second).ShouldNot(BeZero())
		Expect(d.Read32(hcregs.RegUICCommandArg2) &
			linkctl.MaskCommandResult).To(BeZero())
		Expect(d.Read32(hcregs.RegUICCommandArg3)).To(Equal(uint32(3)))
	})

	It("should mark the device present after link startup", func() {
		d.Write32(hcregs.RegUICCommand, uint32(linkctl.OpDMELinkStartup))

		Eventually(func() uint32 {
			return d.Read32(hcregs.RegControllerStatus) &
				hcregs.StatusDevicePresent
		}, time.Second).ShouldNot(BeZero())
		Expect(d.Read32(hcregs.RegControllerStatus) &
			hcregs.StatusTransferListReady).ToNot(BeZero())
	})

	It("should report the power mode handshake through UPMCRS", func() {
		d.Write32(hcregs.RegUICCommand, uint32(linkctl.OpDMEHibernateEnter))

		Eventually(func() uint32 {
			return intrStatus() & hcregs.IntrHibernateEnter
		}, time.Second).ShouldNot(BeZero())
		Expect(hcregs.UPMCRS(d.Read32(hcregs.RegControllerStatus))).
			To(Equal(hcregs.PwrLocal))
	})

	It("should answer an abort by dropping the command", func() {
		d = MakeBuilder().
			WithLatency(50 * time.Millisecond).
			Build("Device")
		d.AttachRings(transfer, task)
		d.Write32(hcregs.RegControllerEnable, hcregs.ControllerEnableBit)

		transfer[0].RequestHeader = hcregs.MessageHeader{
			Transaction: hcregs.TransactionNopOut,
		}
		d.Write32(hcregs.RegTransferReqDoorbell, 1<<0)

		task[0] = hcregs.TaskDescriptor{
			Function:  0x01,
			TargetTag: 0,
		}
		d.Write32(hcregs.RegTaskReqDoorbell, 1<<0)

		Eventually(func() uint32 {
			return d.Read32(hcregs.RegTaskReqDoorbell)
		}, time.Second).Should(BeZero())
		Expect(task[0].OCS).To(Equal(hcregs.OCSSuccess))
		Expect(task[0].ServiceResp).To(Equal(uint32(0x00)))

		// The transfer doorbell bit stays set; reclaiming it is the
		// host's job.
		Consistently(doorbell, 80*time.Millisecond).
			Should(Equal(uint32(1 << 0)))
	})
})
