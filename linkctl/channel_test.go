package linkctl

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	gomock "go.uber.org/mock/gomock"

	"github.com/sarchlab/storhc/hcregs"
)

// regFile is an in-memory register file. A write callback lets tests
// play the completion side of the controller.
type regFile struct {
	mu      sync.Mutex
	reg     map[uint32]uint32
	onWrite func(offset, value uint32)
}

func newRegFile() *regFile {
	return &regFile{reg: map[uint32]uint32{}}
}

func (r *regFile) Read32(offset uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.reg[offset]
}

func (r *regFile) Write32(offset uint32, value uint32) {
	r.mu.Lock()
	r.reg[offset] = value
	f := r.onWrite
	r.mu.Unlock()

	if f != nil {
		f(offset, value)
	}
}

func (r *regFile) set(offset, value uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reg[offset] = value
}

func (r *regFile) setOnWrite(f func(offset, value uint32)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.onWrite = f
}

var _ = Describe("Channel", func() {
	var (
		rf *regFile
		ch *Channel
	)

	BeforeEach(func() {
		rf = newRegFile()
		rf.set(hcregs.RegControllerStatus, hcregs.StatusUICCommandReady)

		ch = MakeBuilder().
			WithRegs(rf).
			WithTimeout(100 * time.Millisecond).
			Build("Link")
	})

	// completeSimple answers the next command write with the given
	// result code and value, the way the completion interrupt would.
	completeSimple := func(code, value uint32) {
		rf.setOnWrite(func(offset, _ uint32) {
			if offset != hcregs.RegUICCommand {
				return
			}
			go func() {
				rf.set(hcregs.RegUICCommandArg2, code)
				rf.set(hcregs.RegUICCommandArg3, value)
				ch.HandleInterrupt(hcregs.IntrUICCommandCompl)
			}()
		})
	}

	// completePower answers the next command write with a power-status
	// indication carrying the given request status.
	completePower := func(upmcrs uint32) {
		rf.setOnWrite(func(offset, _ uint32) {
			if offset != hcregs.RegUICCommand {
				return
			}
			go func() {
				rf.set(hcregs.RegControllerStatus,
					hcregs.StatusUICCommandReady|upmcrs<<hcregs.UPMCRSShift)
				ch.HandleInterrupt(hcregs.IntrPowerStatus)
			}()
		})
	}

	It("should execute a command and return the result value", func() {
		completeSimple(0, 0x1234)

		val, err := ch.Execute(OpDMEGet, AttrSelector(AttrTxGear, 0), 0, 0)

		Expect(err).ToNot(HaveOccurred())
		Expect(val).To(Equal(uint32(0x1234)))
		Expect(ch.Busy()).To(BeFalse())
	})

	It("should report a non-zero result code", func() {
		completeSimple(0x02, 0)

		_, err := ch.Execute(OpDMESet, AttrSelector(AttrTxGear, 0), 0, 1)

		var cmdErr *CommandError
		Expect(errors.As(err, &cmdErr)).To(BeTrue())
		Expect(cmdErr.Code).To(Equal(uint32(0x02)))
	})

	It("should reject commands when the controller is not ready", func() {
		rf.set(hcregs.RegControllerStatus, 0)

		_, err := ch.Execute(OpDMEGet, 0, 0, 0)

		Expect(err).To(Equal(ErrNotReady))
	})

	It("should time out a command that never completes", func() {
		_, err := ch.Execute(OpDMEGet, 0, 0, 0)

		Expect(err).To(Equal(ErrTimeout))
	})

	It("should retry peer attribute accesses", func() {
		var attempts int32
		rf.setOnWrite(func(offset, _ uint32) {
			if offset != hcregs.RegUICCommand {
				return
			}
			n := atomic.AddInt32(&attempts, 1)
			go func() {
				if n < 3 {
					rf.set(hcregs.RegUICCommandArg2, 0x01)
				} else {
					rf.set(hcregs.RegUICCommandArg2, 0)
					rf.set(hcregs.RegUICCommandArg3, 7)
				}
				ch.HandleInterrupt(hcregs.IntrUICCommandCompl)
			}()
		})

		val, err := ch.DMEPeerGet(AttrRxGear)

		Expect(err).ToNot(HaveOccurred())
		Expect(val).To(Equal(uint32(7)))
		Expect(atomic.LoadInt32(&attempts)).To(Equal(int32(3)))
	})

	It("should give up peer accesses after the retry budget", func() {
		var attempts int32
		rf.setOnWrite(func(offset, _ uint32) {
			if offset != hcregs.RegUICCommand {
				return
			}
			atomic.AddInt32(&attempts, 1)
			go func() {
				rf.set(hcregs.RegUICCommandArg2, 0x01)
				ch.HandleInterrupt(hcregs.IntrUICCommandCompl)
			}()
		})

		err := ch.DMEPeerSet(AttrRxGear, 2)

		Expect(err).To(HaveOccurred())
		Expect(atomic.LoadInt32(&attempts)).To(Equal(int32(PeerRetries)))
	})

	It("should hold the clock domain around a command", func() {
		mockCtrl := gomock.NewController(GinkgoT())
		holder := NewMockHolder(mockCtrl)
		holder.EXPECT().Hold(false).Return(nil)
		holder.EXPECT().Release()
		ch.SetHolder(holder)

		completeSimple(0, 0)

		_, err := ch.Execute(OpDMEGet, 0, 0, 0)

		Expect(err).ToNot(HaveOccurred())
	})

	It("should not dispatch when the clock hold fails", func() {
		mockCtrl := gomock.NewController(GinkgoT())
		holder := NewMockHolder(mockCtrl)
		holdErr := errors.New("domain gated")
		holder.EXPECT().Hold(false).Return(holdErr)
		ch.SetHolder(holder)

		_, err := ch.Execute(OpDMEGet, 0, 0, 0)

		Expect(err).To(Equal(holdErr))
		Expect(rf.Read32(hcregs.RegUICCommand)).To(Equal(uint32(0)))
	})

	Describe("power mode commands", func() {
		It("should complete on the power-status indication", func() {
			completePower(hcregs.PwrLocal)

			err := ch.HibernateEnter()

			Expect(err).ToNot(HaveOccurred())
			Expect(ch.LinkState()).To(Equal(LinkHibernate))
		})

		It("should mask the command-complete interrupt during submission", func() {
			rf.set(hcregs.RegInterruptEnable,
				hcregs.IntrUICCommandCompl|hcregs.IntrTransferReqCompl)

			var maskedDuring uint32
			rf.setOnWrite(func(offset, _ uint32) {
				if offset != hcregs.RegUICCommand {
					return
				}
				atomic.StoreUint32(&maskedDuring,
					rf.Read32(hcregs.RegInterruptEnable))
				go func() {
					rf.set(hcregs.RegControllerStatus,
						hcregs.StatusUICCommandReady|
							hcregs.PwrLocal<<hcregs.UPMCRSShift)
					ch.HandleInterrupt(hcregs.IntrPowerStatus)
				}()
			})

			err := ch.HibernateExit()

			Expect(err).ToNot(HaveOccurred())
			Expect(atomic.LoadUint32(&maskedDuring) &
				hcregs.IntrUICCommandCompl).To(BeZero())
			Expect(rf.Read32(hcregs.RegInterruptEnable) &
				hcregs.IntrUICCommandCompl).ToNot(BeZero())
		})

		It("should mark the link broken on a bad request status", func() {
			var brokenCalls int32
			ch.SetLinkBrokenHandler(func() {
				atomic.AddInt32(&brokenCalls, 1)
			})

			completePower(hcregs.PwrBusy)

			err := ch.ChangePowerMode(2)

			var pmErr *PowerModeError
			Expect(errors.As(err, &pmErr)).To(BeTrue())
			Expect(pmErr.Status).To(Equal(hcregs.PwrBusy))
			Expect(ch.LinkState()).To(Equal(LinkBroken))
			Expect(atomic.LoadInt32(&brokenCalls)).To(Equal(int32(1)))
		})

		It("should refuse commands on a broken link", func() {
			ch.MarkBroken()

			err := ch.HibernateEnter()

			Expect(err).To(Equal(ErrLinkBroken))
		})

		It("should time out and mark the link broken", func() {
			err := ch.HibernateEnter()

			Expect(err).To(Equal(ErrTimeout))
			Expect(ch.LinkState()).To(Equal(LinkBroken))
		})
	})

	Describe("link startup", func() {
		It("should establish the link when the device is present", func() {
			rf.setOnWrite(func(offset, _ uint32) {
				if offset != hcregs.RegUICCommand {
					return
				}
				go func() {
					rf.set(hcregs.RegUICCommandArg2, 0)
					rf.set(hcregs.RegControllerStatus,
						hcregs.StatusUICCommandReady|
							hcregs.StatusDevicePresent)
					ch.HandleInterrupt(hcregs.IntrUICCommandCompl)
				}()
			})

			Expect(ch.Startup()).To(Succeed())
			Expect(ch.LinkState()).To(Equal(LinkActive))
		})

		It("should fail when no device is present", func() {
			completeSimple(0, 0)

			err := ch.Startup()

			Expect(err).To(Equal(ErrNotReady))
			Expect(ch.LinkState()).ToNot(Equal(LinkActive))
		})
	})
})
