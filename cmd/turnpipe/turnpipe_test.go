package turnpipecmder_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	turnpipecmder "github.com/kumonrecept/turnpipe/cmd/turnpipe"
)

func TestTurnpipe(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Turnpipe Suite")
}

var _ = Describe("NewTurnpipeCmd", func() {
	It("registers every subcommand", func() {
		cmd := turnpipecmder.NewTurnpipeCmd()

		names := make([]string, 0)
		for _, sub := range cmd.Commands() {
			names = append(names, sub.Name())
		}
		Expect(names).To(ConsistOf("serve", "migrate", "health", "version"))
	})

	It("exposes persistent debug and config-dir flags", func() {
		cmd := turnpipecmder.NewTurnpipeCmd()
		Expect(cmd.PersistentFlags().Lookup("debug")).NotTo(BeNil())
		Expect(cmd.PersistentFlags().Lookup("config-dir")).NotTo(BeNil())
	})
})
