package eventlog_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kumonrecept/turnpipe/pkg/eventlog"
)

var _ = Describe("ZapPublisher", func() {
	var (
		core zapcore.Core
		logs *observer.ObservedLogs
		pub  *eventlog.ZapPublisher
		ctx  context.Context
	)

	BeforeEach(func() {
		core, logs = observer.New(zapcore.InfoLevel)
		pub = eventlog.NewZapPublisher(zap.New(core))
		ctx = context.Background()
	})

	It("rejects a nil event", func() {
		Expect(pub.Publish(ctx, nil)).To(MatchError(eventlog.ErrNilEvent))
	})

	It("logs the rendered wire line with family and a stamped event_id", func() {
		e := eventlog.New(eventlog.FamilyPipeline, "dispatch",
			eventlog.F("conversation_id", "conv-1"))

		Expect(pub.Publish(ctx, &e)).To(Succeed())
		Expect(logs.Len()).To(Equal(1))

		entry := logs.All()[0]
		Expect(entry.Message).To(Equal("PIPELINE|event=dispatch|conversation_id=conv-1"))

		fields := entry.ContextMap()
		Expect(fields).To(HaveKeyWithValue("family", "PIPELINE"))
		Expect(fields["event_id"]).NotTo(BeEmpty())
		Expect(e.ID).To(Equal(fields["event_id"]))
	})

	It("preserves a caller-supplied event ID instead of overwriting it", func() {
		e := eventlog.New(eventlog.FamilyGuard, "recursion_blocked")
		e.ID = "fixed-id"

		Expect(pub.Publish(ctx, &e)).To(Succeed())
		Expect(logs.All()[0].ContextMap()["event_id"]).To(Equal("fixed-id"))
	})

	It("closes without error", func() {
		Expect(pub.Close()).To(Succeed())
	})
})
