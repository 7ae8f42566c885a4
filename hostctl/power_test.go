package hostctl_test

import (
	"math/bits"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/storhc/clkgate"
	"github.com/sarchlab/storhc/hostctl"
	"github.com/sarchlab/storhc/linkctl"
)

var _ = Describe("Power levels", func() {
	It("should map levels onto device and link states", func() {
		profile, err := hostctl.ProfileFor(hostctl.PowerLevel3)

		Expect(err).To(BeNil())
		Expect(profile.Dev).To(Equal(hostctl.DevPowerSleep))
		Expect(profile.Link).To(Equal(linkctl.LinkHibernate))
	})

	It("should reject levels outside the table", func() {
		_, err := hostctl.ProfileFor(hostctl.NumPowerLevels)

		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Host suspend and resume", func() {
	var p *pair

	BeforeEach(func() {
		p = makePair(nil)
		p.start()
	})

	AfterEach(func() {
		p.stop()
	})

	It("should sleep the device and park the link", func() {
		Expect(p.host.Suspend(hostctl.PowerLevel3)).To(Succeed())

		Expect(p.host.DevicePowerMode()).To(Equal(hostctl.DevPowerSleep))
		Expect(p.host.Link().LinkState()).To(Equal(linkctl.LinkHibernate))

		req := writeReq(0, []byte("x"))
		req.Done = func(hostctl.Result) {}
		Expect(p.host.SubmitIO(req)).To(Equal(hostctl.ErrBusy))
	})

	It("should resume from a parked link without a reset", func() {
		Expect(p.host.Suspend(hostctl.PowerLevel3)).To(Succeed())

		Expect(p.host.Resume()).To(Succeed())

		Expect(p.host.DevicePowerMode()).To(Equal(hostctl.DevPowerActive))
		Expect(p.host.Link().LinkState()).To(Equal(linkctl.LinkActive))
		Expect(p.resetCount.Load()).To(BeZero())

		res := waitResult(submitAsync(p.host, writeReq(0, []byte("resumed"))))
		Expect(res.Code).To(Equal(hostctl.ResultSuccess))
	})

	It("should re-establish a link that was taken off", func() {
		Expect(p.host.Suspend(hostctl.PowerLevel5)).To(Succeed())
		Expect(p.host.DevicePowerMode()).To(Equal(hostctl.DevPowerDown))
		Expect(p.host.Link().LinkState()).To(Equal(linkctl.LinkOff))

		Expect(p.host.Resume()).To(Succeed())

		Expect(p.host.Link().LinkState()).To(Equal(linkctl.LinkActive))
		Expect(p.host.DevicePowerMode()).To(Equal(hostctl.DevPowerActive))
		Expect(p.resetCount.Load()).To(Equal(int32(1)))

		res := waitResult(submitAsync(p.host, writeReq(0, []byte("back"))))
		Expect(res.Code).To(Equal(hostctl.ResultSuccess))
	})

	It("should treat a repeated suspend as done", func() {
		Expect(p.host.Suspend(hostctl.PowerLevel3)).To(Succeed())
		Expect(p.host.Suspend(hostctl.PowerLevel3)).To(Succeed())

		Expect(p.host.Resume()).To(Succeed())
		Expect(p.host.Resume()).To(Succeed())
	})
})

var _ = Describe("Host clock gating", func() {
	var p *pair

	BeforeEach(func() {
		p = makePair(func(b hostctl.Builder) hostctl.Builder {
			return b.WithClockGating(true, 20*time.Millisecond)
		})
		p.start()
	})

	AfterEach(func() {
		p.stop()
	})

	// submitRetry rides out the ungate window: a submission against a
	// gated domain is turned away busy while the clocks come back.
	submitRetry := func(req *hostctl.Request) chan hostctl.Result {
		done := make(chan hostctl.Result, 1)
		req.Done = func(r hostctl.Result) { done <- r }

		Eventually(func() error {
			return p.host.SubmitIO(req)
		}, 3*time.Second).Should(Succeed())

		return done
	}

	It("should gate the clocks and park the link when idle", func() {
		res := waitResult(submitRetry(writeReq(0, []byte("once"))))
		Expect(res.Code).To(Equal(hostctl.ResultSuccess))

		Eventually(p.host.Gate().State, 3*time.Second).
			Should(Equal(clkgate.Off))
		Expect(p.host.Link().LinkState()).To(Equal(linkctl.LinkHibernate))
	})

	It("should ungate transparently for new commands", func() {
		waitResult(submitRetry(writeReq(0, []byte("first"))))
		Eventually(p.host.Gate().State, 3*time.Second).
			Should(Equal(clkgate.Off))

		res := waitResult(submitRetry(writeReq(0, []byte("second"))))

		Expect(res.Code).To(Equal(hostctl.ResultSuccess))
		Expect(p.host.Link().LinkState()).To(Equal(linkctl.LinkActive))
	})

	It("should stay ungated while commands are outstanding", func() {
		p.dev.DropTransferCompletions(1)
		done := submitRetry(writeReq(0, []byte("stuck")))

		reqs, _ := p.host.Outstanding()
		Expect(reqs).ToNot(BeZero())
		tag := bits.TrailingZeros32(reqs)

		Consistently(p.host.Gate().State, 100*time.Millisecond).
			Should(Equal(clkgate.On))

		Expect(p.host.Abort(tag)).To(Succeed())
		Expect(waitResult(done).Code).To(Equal(hostctl.ResultAborted))
	})
})

var _ = Describe("Host clock scaling", func() {
	var p *pair

	AfterEach(func() {
		p.stop()
	})

	It("should scale down and back up on demand", func() {
		p = makePair(nil)
		p.start()

		Expect(p.host.Scaler().Scale(false)).To(Succeed())
		Expect(p.host.Scaler().IsScaledUp()).To(BeFalse())

		res := waitResult(submitAsync(p.host, writeReq(0, []byte("slow"))))
		Expect(res.Code).To(Equal(hostctl.ResultSuccess))

		Expect(p.host.Scaler().Scale(true)).To(Succeed())
		Expect(p.host.Scaler().IsScaledUp()).To(BeTrue())
	})

	It("should follow the load under the governor", func() {
		p = makePair(func(b hostctl.Builder) hostctl.Builder {
			return b.WithClockScaling(25*time.Millisecond, 0.7, 0.2)
		})
		p.start()

		// Idle controller scales down.
		Eventually(p.host.Scaler().IsScaledUp, 3*time.Second).
			Should(BeFalse())

		// A sustained stream of commands scales it back up.
		stop := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer GinkgoRecover()

			buf := []byte("load")
			for {
				select {
				case <-stop:
					return
				default:
				}

				done := make(chan hostctl.Result, 1)
				req := writeReq(0, buf)
				req.Done = func(r hostctl.Result) { done <- r }
				if err := p.host.SubmitIO(req); err != nil {
					time.Sleep(time.Millisecond)
					continue
				}
				<-done
			}
		}()

		Eventually(p.host.Scaler().IsScaledUp, 5*time.Second).
			Should(BeTrue())

		close(stop)
		wg.Wait()
	})
})
