package healthcmder_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	healthcmder "github.com/kumonrecept/turnpipe/cmd/turnpipe/health"
)

func TestHealth(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Health Suite")
}

var _ = Describe("NewHealthCmd", func() {
	It("creates a command with the correct use string", func() {
		cmd := healthcmder.NewHealthCmd()
		Expect(cmd.Use).To(Equal("health"))
	})

	It("accepts zero arguments", func() {
		cmd := healthcmder.NewHealthCmd()
		Expect(cmd.Args(cmd, []string{})).To(Succeed())
	})

	It("rejects any arguments", func() {
		cmd := healthcmder.NewHealthCmd()
		Expect(cmd.Args(cmd, []string{"extra"})).To(HaveOccurred())
	})
})

var _ = Describe("health command execution", func() {
	It("succeeds when both probes return 200", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		}))
		defer srv.Close()

		cmd := healthcmder.NewHealthCmd()
		cmd.SetArgs([]string{"--admin-addr", srv.URL})
		Expect(cmd.Execute()).To(Succeed())
	})

	It("fails when a probe returns a non-200 status", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"delivery pool stopped"}`))
		}))
		defer srv.Close()

		cmd := healthcmder.NewHealthCmd()
		cmd.SetArgs([]string{"--admin-addr", srv.URL})
		Expect(cmd.Execute()).To(HaveOccurred())
	})
})
