package turn_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kumonrecept/turnpipe/pkg/eventlog/nop"
	"github.com/kumonrecept/turnpipe/pkg/kv"
	"github.com/kumonrecept/turnpipe/pkg/logger"
	"github.com/kumonrecept/turnpipe/pkg/turn"
)

func TestTurn(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Turn Suite")
}

var _ = Describe("MakeTurnID", func() {
	It("is deterministic for identical inputs", func() {
		a := turn.MakeTurnID("+1555", "msg-1", 1_700_000_000_000)
		b := turn.MakeTurnID("+1555", "msg-1", 1_700_000_000_000)
		Expect(a).To(Equal(b))
		Expect(a).To(HaveLen(16))
	})

	It("is insensitive to millisecond jitter within the same second", func() {
		a := turn.MakeTurnID("+1555", "msg-1", 1_700_000_000_001)
		b := turn.MakeTurnID("+1555", "msg-1", 1_700_000_000_999)
		Expect(a).To(Equal(b))
	})

	It("differs across phones", func() {
		a := turn.MakeTurnID("+1555", "msg-1", 1_700_000_000_000)
		b := turn.MakeTurnID("+1666", "msg-1", 1_700_000_000_000)
		Expect(a).NotTo(Equal(b))
	})
})

var _ = Describe("Controller", func() {
	var (
		ctx  context.Context
		ctrl *turn.Controller
	)

	BeforeEach(func() {
		ctx = context.Background()
		ctrl = turn.New(kv.NewFake(), 1200, time.Minute, 15*time.Second, nop.NewPublisher(), logger.NewLogger(false))
	})

	Describe("Append + FlushIfQuiet", func() {
		It("does not flush while still within the debounce window", func() {
			Expect(ctrl.Append(ctx, "+1555", "m1", "hello", 1000)).To(Succeed())

			got, err := ctrl.FlushIfQuiet(ctx, "+1555", 1500)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(BeNil())
		})

		It("flushes once the last message is older than the debounce window", func() {
			Expect(ctrl.Append(ctx, "+1555", "m1", "hello", 1000)).To(Succeed())
			Expect(ctrl.Append(ctx, "+1555", "m2", "world", 1100)).To(Succeed())

			got, err := ctrl.FlushIfQuiet(ctx, "+1555", 1100+1200)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).NotTo(BeNil())
			Expect(got.AggregatedText).To(Equal("hello\nworld"))
			Expect(got.Messages).To(HaveLen(2))
			Expect(got.SpanMs).To(Equal(int64(100)))
			Expect(got.TurnID).To(Equal(turn.MakeTurnID("+1555", "m1", 1000)))
		})

		It("clears the buffer after a successful flush", func() {
			Expect(ctrl.Append(ctx, "+1555", "m1", "hello", 1000)).To(Succeed())
			_, err := ctrl.FlushIfQuiet(ctx, "+1555", 1000+1200)
			Expect(err).NotTo(HaveOccurred())

			got, err := ctrl.FlushIfQuiet(ctx, "+1555", 1000+10_000)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(BeNil())
		})

		It("drops blank-text messages from the aggregated text but keeps them in Messages", func() {
			Expect(ctrl.Append(ctx, "+1555", "m1", "hello", 1000)).To(Succeed())
			Expect(ctrl.Append(ctx, "+1555", "m2", "   ", 1100)).To(Succeed())

			got, err := ctrl.FlushIfQuiet(ctx, "+1555", 1100+1200)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.AggregatedText).To(Equal("hello"))
			Expect(got.Messages).To(HaveLen(2))
		})

		It("returns nil for an empty buffer", func() {
			got, err := ctrl.FlushIfQuiet(ctx, "+1555", 999999)
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(BeNil())
		})
	})

	Describe("WithTurnLock", func() {
		It("acquires the lock and runs fn when unlocked", func() {
			ran := false
			acquired, err := ctrl.WithTurnLock(ctx, "+1555", func(context.Context) error {
				ran = true
				return nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(acquired).To(BeTrue())
			Expect(ran).To(BeTrue())
		})

		It("releases the lock after fn returns so a later call can acquire it", func() {
			_, err := ctrl.WithTurnLock(ctx, "+1555", func(context.Context) error { return nil })
			Expect(err).NotTo(HaveOccurred())

			acquired, err := ctrl.WithTurnLock(ctx, "+1555", func(context.Context) error { return nil })
			Expect(err).NotTo(HaveOccurred())
			Expect(acquired).To(BeTrue())
		})

		It("does not invoke fn when the lock is already held", func() {
			store := kv.NewFake()
			c := turn.New(store, 1200, time.Minute, 15*time.Second, nop.NewPublisher(), logger.NewLogger(false))

			_, err := store.SetIfAbsent(ctx, "turn:+1555:lock", "1", time.Minute)
			Expect(err).NotTo(HaveOccurred())

			ran := false
			acquired, err := c.WithTurnLock(ctx, "+1555", func(context.Context) error {
				ran = true
				return nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(acquired).To(BeFalse())
			Expect(ran).To(BeFalse())
		})

		It("releases the lock even when fn returns an error", func() {
			_, err := ctrl.WithTurnLock(ctx, "+1555", func(context.Context) error {
				return context.DeadlineExceeded
			})
			Expect(err).To(HaveOccurred())

			acquired, err := ctrl.WithTurnLock(ctx, "+1555", func(context.Context) error { return nil })
			Expect(err).NotTo(HaveOccurred())
			Expect(acquired).To(BeTrue())
		})
	})
})
