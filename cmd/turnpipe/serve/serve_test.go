package servecmder_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	servecmder "github.com/kumonrecept/turnpipe/cmd/turnpipe/serve"
)

var _ = Describe("NewServeCmd", func() {
	It("registers the serve command with its flags", func() {
		cmd := servecmder.NewServeCmd()
		Expect(cmd.Use).To(Equal("serve"))

		for _, name := range []string{
			"ingress-listen", "admin-listen", "postgres-dsn", "redis-addr",
			"gateway-url", "gateway-token", "pipeline-mode", "recursion-limit",
		} {
			Expect(cmd.Flags().Lookup(name)).NotTo(BeNil(), name)
		}
	})

	It("accepts the shared gateway-url shorthand", func() {
		cmd := servecmder.NewServeCmd()
		Expect(cmd.Flags().ShorthandLookup("g")).NotTo(BeNil())
	})
})
