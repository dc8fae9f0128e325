package servecmder

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kumonrecept/turnpipe/pkg/pipeline"
	"github.com/kumonrecept/turnpipe/pkg/turn"
)

// flushScheduler implements ingress.FlushScheduler. A debounce fires a
// per-phone timer; when it elapses, the scheduler takes the turn lock and
// hands any quiet turn to the Orchestrator. Run is synchronous and does its
// own outbox persistence and delivery dispatch (it calls Worker.Deliver
// inline), so neither the scheduler nor the Orchestrator uses the delivery
// pool.
type flushScheduler struct {
	turnCtrl *turn.Controller
	orch     *pipeline.Orchestrator
	log      *zap.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newFlushScheduler(turnCtrl *turn.Controller, orch *pipeline.Orchestrator, log *zap.Logger) *flushScheduler {
	return &flushScheduler{
		turnCtrl: turnCtrl,
		orch:     orch,
		log:      log,
		timers:   make(map[string]*time.Timer),
	}
}

// ScheduleFlush (re)arms the timer for phone so it fires after. A message
// arriving before the previous timer fires replaces it, which is the
// intended debounce behavior: only the latest message in a burst schedules
// the flush that actually runs.
func (f *flushScheduler) ScheduleFlush(phone string, after time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if existing, ok := f.timers[phone]; ok {
		existing.Stop()
	}

	f.timers[phone] = time.AfterFunc(after, func() { f.flush(phone) })
}

func (f *flushScheduler) flush(phone string) {
	f.mu.Lock()
	delete(f.timers, phone)
	f.mu.Unlock()

	ctx := context.Background()
	nowMs := time.Now().UnixMilli()

	acquired, err := f.turnCtrl.WithTurnLock(ctx, phone, func(ctx context.Context) error {
		t, err := f.turnCtrl.FlushIfQuiet(ctx, phone, nowMs)
		if err != nil {
			return err
		}
		if t == nil {
			return nil
		}
		f.orch.Run(ctx, t, phone)
		return nil
	})
	if err != nil {
		f.log.Error("flush scheduler: turn processing failed", zap.String("phone", phone), zap.Error(err))
	}
	if !acquired {
		f.log.Debug("flush scheduler: lock held elsewhere, turn left buffered", zap.String("phone", phone))
	}
}

// Close stops every pending timer. In-flight flushes are not waited on —
// each owns its own context and completes independently.
func (f *flushScheduler) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for phone, timer := range f.timers {
		timer.Stop()
		delete(f.timers, phone)
	}
}
