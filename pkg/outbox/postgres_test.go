package outbox_test

import (
	"context"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/kumonrecept/turnpipe/pkg/eventlog/nop"
	"github.com/kumonrecept/turnpipe/pkg/outbox"
)

// connStr returns the PostgreSQL connection string from environment or
// skips the test. Exercising these against a live database is left to
// integration runs; they are not run as part of the unit suite.
func connStr() string {
	dsn := os.Getenv("TURNPIPE_TEST_POSTGRES_DSN")
	if dsn == "" {
		Skip("TURNPIPE_TEST_POSTGRES_DSN not set, skipping PostgreSQL tests")
	}
	return dsn
}

var _ = Describe("PostgresRepository", func() {
	var (
		repo *outbox.PostgresRepository
		ctx  context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		dsn := connStr()

		var err error
		repo, err = outbox.NewPostgresRepository(ctx, dsn, 5, 0, nop.NewPublisher(), zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if repo != nil {
			repo.Close()
		}
	})

	It("saves items once and ignores a duplicate save for the same (conversation, turn, index)", func() {
		items := []outbox.Item{{ItemIndex: 0, Payload: `{"text":"oi"}`, IdempotencyKey: "idem-1"}}

		Expect(repo.Save(ctx, "conv-pg-1", "turn-pg-1", items)).To(Succeed())
		Expect(repo.Save(ctx, "conv-pg-1", "turn-pg-1", items)).To(Succeed())

		loaded, err := repo.LoadPending(ctx, "conv-pg-1", "turn-pg-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded).To(HaveLen(1))
	})

	It("rehydrates queued and failed items ordered by item_index", func() {
		items := []outbox.Item{
			{ItemIndex: 0, Payload: `{"text":"a"}`, IdempotencyKey: "idem-2-0"},
			{ItemIndex: 1, Payload: `{"text":"b"}`, IdempotencyKey: "idem-2-1"},
		}
		Expect(repo.Save(ctx, "conv-pg-2", "turn-pg-2", items)).To(Succeed())

		loaded, err := repo.LoadPending(ctx, "conv-pg-2", "turn-pg-2")
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded).To(HaveLen(2))
		Expect(loaded[0].ItemIndex).To(Equal(0))
		Expect(loaded[1].ItemIndex).To(Equal(1))
	})

	It("marks an item sent and excludes it from a later LoadPending", func() {
		items := []outbox.Item{{ItemIndex: 0, Payload: `{"text":"oi"}`, IdempotencyKey: "idem-3"}}
		Expect(repo.Save(ctx, "conv-pg-3", "turn-pg-3", items)).To(Succeed())

		Expect(repo.MarkSent(ctx, "conv-pg-3", "turn-pg-3", 0, "wamid.abc")).To(Succeed())

		loaded, err := repo.LoadPending(ctx, "conv-pg-3", "turn-pg-3")
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded).To(BeEmpty())
	})

	It("retries failed items back to queued", func() {
		items := []outbox.Item{{ItemIndex: 0, Payload: `{"text":"oi"}`, IdempotencyKey: "idem-4"}}
		Expect(repo.Save(ctx, "conv-pg-4", "turn-pg-4", items)).To(Succeed())
		Expect(repo.MarkFailed(ctx, "conv-pg-4", "turn-pg-4", 0)).To(Succeed())

		n, err := repo.Retry(ctx, "conv-pg-4", "turn-pg-4")
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(1))

		loaded, _ := repo.LoadPending(ctx, "conv-pg-4", "turn-pg-4")
		Expect(loaded).To(HaveLen(1))
		Expect(loaded[0].Status).To(Equal(outbox.StatusQueued))
	})

	It("reports per-status counts for a conversation", func() {
		items := []outbox.Item{{ItemIndex: 0, Payload: `{"text":"oi"}`, IdempotencyKey: "idem-5"}}
		Expect(repo.Save(ctx, "conv-pg-5", "turn-pg-5", items)).To(Succeed())
		Expect(repo.MarkSent(ctx, "conv-pg-5", "turn-pg-5", 0, "wamid.xyz")).To(Succeed())

		stats, err := repo.Stats(ctx, "conv-pg-5")
		Expect(err).NotTo(HaveOccurred())
		Expect(stats[outbox.StatusSent]).To(Equal(1))
	})
})
