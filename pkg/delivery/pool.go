package delivery

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	defaultNumWorkers   uint = 3
	defaultJobQueueSize uint = 256
)

// Job is one delivery dispatch: the (conversation, turn) pair to run
// through Worker.Deliver.
type Job struct {
	ConversationID string
	TurnID         string
}

// PoolConfig configures the bounded worker pool that runs delivery jobs.
type PoolConfig struct {
	Worker *Worker

	// NumWorkers is the number of background workers in the pool.
	NumWorkers uint

	// QueueSize is the capacity of the buffered job channel (defaults to 256).
	QueueSize uint

	Logger *zap.Logger
}

// Pool runs delivery jobs asynchronously across a bounded set of workers,
// so an Enqueue caller does not wait for the delivery while concurrency and
// queue depth stay bounded. The Orchestrator does not use the pool: it
// calls Worker.Deliver directly.
type Pool struct {
	config *PoolConfig
	queue  chan Job
	wg     sync.WaitGroup
	logger *zap.Logger
	closed atomic.Bool
}

// NewPool creates a delivery pool and starts its worker goroutines.
func NewPool(c *PoolConfig) (*Pool, error) {
	if c.NumWorkers == 0 {
		c.NumWorkers = defaultNumWorkers
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaultJobQueueSize
	}
	if c.NumWorkers > uint(math.MaxInt) {
		return nil, fmt.Errorf("NumWorkers %d exceeds max int", c.NumWorkers)
	}

	p := &Pool{
		config: c,
		queue:  make(chan Job, c.QueueSize),
		logger: c.Logger,
	}

	p.wg.Add(int(c.NumWorkers))
	for i := range c.NumWorkers {
		go p.worker(i)
	}

	return p, nil
}

// Enqueue submits a job for processing by the pool. Returns true if
// enqueued, false if the queue is full, in which case the job is dropped
// and logged — the caller does not block waiting for delivery capacity.
func (p *Pool) Enqueue(job Job) bool {
	select {
	case p.queue <- job:
		p.logger.Debug("delivery job queued",
			zap.String("conversation_id", job.ConversationID), zap.String("turn_id", job.TurnID))
		return true
	default:
		p.logger.Error("delivery job not queued, queue full, job dropped",
			zap.String("conversation_id", job.ConversationID), zap.String("turn_id", job.TurnID))
		return false
	}
}

// Close signals workers to stop and waits for in-flight jobs to drain.
// Call this during graceful shutdown after the ingress HTTP server has
// stopped accepting new webhooks.
func (p *Pool) Close() {
	p.closed.Store(true)
	close(p.queue)
	p.wg.Wait()
}

// Running reports whether the pool is still accepting jobs, for the
// admin surface's liveness probe.
func (p *Pool) Running() bool {
	return !p.closed.Load()
}

func (p *Pool) worker(id uint) {
	defer p.wg.Done()
	p.logger.Debug("delivery worker started", zap.Uint("worker_id", id))

	for job := range p.queue {
		p.processJob(job)
	}

	p.logger.Debug("delivery worker stopped", zap.Uint("worker_id", id))
}

func (p *Pool) processJob(job Job) {
	summary, err := p.config.Worker.Deliver(context.Background(), job.ConversationID, job.TurnID)
	if err != nil {
		p.logger.Error("delivery failed",
			zap.String("conversation_id", job.ConversationID), zap.String("turn_id", job.TurnID), zap.Error(err))
		return
	}

	p.logger.Info("delivery dispatched",
		zap.String("conversation_id", job.ConversationID), zap.String("turn_id", job.TurnID),
		zap.Int("sent", summary.Sent), zap.Int("dedup_hits", summary.DedupHits), zap.Int("failed", summary.Failed))
}
