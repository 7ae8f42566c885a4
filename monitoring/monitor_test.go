package monitoring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"

	"github.com/gorilla/mux"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/storhc/devsim"
	"github.com/sarchlab/storhc/hostctl"
)

var _ = Describe("Monitor", func() {
	var (
		dev  *devsim.Device
		host *hostctl.Host
		m    *Monitor
	)

	BeforeEach(func() {
		dev = devsim.MakeBuilder().Build("Device")
		host = hostctl.MakeBuilder().
			WithRegs(dev).
			Build("Host1")

		m = NewMonitor()
		m.RegisterHost(host)
	})

	AfterEach(func() {
		dev.Stop()
	})

	get := func(
		handler func(http.ResponseWriter, *http.Request),
		hostName string,
	) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if hostName != "" {
			req = mux.SetURLVars(req, map[string]string{"name": hostName})
		}

		w := httptest.NewRecorder()
		handler(w, req)
		return w
	}

	It("should list the registered hosts", func() {
		w := get(m.listHosts, "")

		var names []string
		Expect(json.Unmarshal(w.Body.Bytes(), &names)).To(Succeed())
		Expect(names).To(Equal([]string{"Host1"}))
	})

	It("should report the state of one host", func() {
		w := get(m.hostState, "Host1")

		var rsp hostStateRsp
		Expect(json.Unmarshal(w.Body.Bytes(), &rsp)).To(Succeed())
		Expect(rsp.Name).To(Equal("Host1"))
		Expect(rsp.RunState).To(Equal("reset"))
		Expect(rsp.OutstandingReqs).To(BeZero())
		Expect(rsp.ScaledUp).To(BeTrue())
		Expect(rsp.DevicePowerMode).To(Equal("active"))
	})

	It("should answer 404 for an unknown host", func() {
		w := get(m.hostState, "NoSuchHost")

		Expect(w.Code).To(Equal(http.StatusNotFound))
	})

	It("should expose the error histories", func() {
		host.Stats().FatalErr.Update(0xBAD)

		w := get(m.hostErrors, "Host1")

		var rsp []errHistoryRsp
		Expect(json.Unmarshal(w.Body.Bytes(), &rsp)).To(Succeed())

		var fatal *errHistoryRsp
		for i := range rsp {
			if rsp[i].Layer == "fatal" {
				fatal = &rsp[i]
			}
		}
		Expect(fatal).ToNot(BeNil())
		Expect(fatal.Count).To(Equal(uint64(1)))
		Expect(fatal.Entries).To(HaveLen(1))
		Expect(fatal.Entries[0].Value).To(Equal(uint32(0xBAD)))
	})

	It("should reset the error histories on request", func() {
		host.Stats().FatalErr.Update(0xBAD)

		w := get(m.resetHostErrors, "Host1")

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(host.Stats().FatalErr.Count()).To(BeZero())
	})
})
