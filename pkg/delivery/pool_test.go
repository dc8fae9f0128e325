package delivery_test

import (
	"context"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/kumonrecept/turnpipe/pkg/dedup"
	"github.com/kumonrecept/turnpipe/pkg/delivery"
	"github.com/kumonrecept/turnpipe/pkg/eventlog/nop"
	"github.com/kumonrecept/turnpipe/pkg/kv"
	"github.com/kumonrecept/turnpipe/pkg/outbox"
)

var _ = Describe("Pool", func() {
	var (
		repo   *fakeOutbox
		gw     *fakeGateway
		worker *delivery.Worker
	)

	BeforeEach(func() {
		repo = newFakeOutbox()
		gw = &fakeGateway{}
		dedupSt := dedup.New(kv.NewFake(), time.Minute, 24*time.Hour, zap.NewNop())
		worker = delivery.NewWorker(repo, dedupSt, gw, nop.NewPublisher(), 0, zap.NewNop())
	})

	It("defaults NumWorkers and QueueSize when unset", func() {
		pool, err := delivery.NewPool(&delivery.PoolConfig{Worker: worker, Logger: zap.NewNop()})
		Expect(err).NotTo(HaveOccurred())
		defer pool.Close()

		Expect(pool.Enqueue(delivery.Job{ConversationID: "c1", TurnID: "t1"})).To(BeTrue())
	})

	It("runs an enqueued job through the worker and drains the pending item", func() {
		repo.Save(context.Background(), "c1", "t1", []outbox.Item{
			{ItemIndex: 0, Payload: `{"to":"+1555","text":"hi"}`, IdempotencyKey: "idem-0", Status: outbox.StatusQueued},
		})

		pool, err := delivery.NewPool(&delivery.PoolConfig{Worker: worker, NumWorkers: 1, QueueSize: 1, Logger: zap.NewNop()})
		Expect(err).NotTo(HaveOccurred())

		Expect(pool.Enqueue(delivery.Job{ConversationID: "c1", TurnID: "t1"})).To(BeTrue())
		pool.Close()

		pending, _ := repo.LoadPending(context.Background(), "c1", "t1")
		Expect(pending).To(BeEmpty())
		Expect(gw.calls).To(Equal(1))
	})

	It("returns from Enqueue without blocking when offered more jobs than the queue holds", func() {
		pool, err := delivery.NewPool(&delivery.PoolConfig{Worker: worker, NumWorkers: 0, QueueSize: 1, Logger: zap.NewNop()})
		Expect(err).NotTo(HaveOccurred())
		defer pool.Close()

		var accepted int32
		for i := 0; i < 10; i++ {
			if pool.Enqueue(delivery.Job{ConversationID: "c1", TurnID: "t1"}) {
				atomic.AddInt32(&accepted, 1)
			}
		}
		Expect(int(accepted)).To(BeNumerically("<=", 10))
	})

	It("closes without panicking when no jobs were ever enqueued", func() {
		pool, err := delivery.NewPool(&delivery.PoolConfig{Worker: worker, NumWorkers: 2, QueueSize: 4, Logger: zap.NewNop()})
		Expect(err).NotTo(HaveOccurred())
		pool.Close()
	})
})
