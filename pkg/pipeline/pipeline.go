// Package pipeline is the Pipeline Orchestrator (C4): the strictly
// sequenced preprocess→classify→route→plan→persist→dispatch run for one
// flushed turn, guarded at the front door and falling back to a single
// canned apology anywhere a step fails, so the outbox is the only path a
// user-visible message ever takes.
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kumonrecept/turnpipe/pkg/classifier"
	"github.com/kumonrecept/turnpipe/pkg/delivery"
	"github.com/kumonrecept/turnpipe/pkg/eventlog"
	"github.com/kumonrecept/turnpipe/pkg/gateway"
	"github.com/kumonrecept/turnpipe/pkg/guards"
	"github.com/kumonrecept/turnpipe/pkg/kv"
	"github.com/kumonrecept/turnpipe/pkg/outbox"
	"github.com/kumonrecept/turnpipe/pkg/turn"
)

const fallbackPhoneNumber = "+1-800-555-0100"

// Config tunes the preprocess rate limiter; everything else the
// Orchestrator needs is injected as a collaborator in New.
type Config struct {
	RateLimit  int
	RateWindow time.Duration
}

// Orchestrator runs the Pipeline Orchestrator for a single flushed turn.
// It holds no per-turn state; Run is safe to call concurrently for
// different turns (the caller already holds the turn's distributed lock
// before invoking it).
type Orchestrator struct {
	classifier classifier.Classifier
	router     classifier.Router
	planner    classifier.Planner

	outbox   outbox.Repository
	delivery *delivery.Worker
	guards   *guards.Guards
	events   eventlog.Publisher
	pre      *preprocessor

	log *zap.Logger
}

// New builds an Orchestrator from its collaborators.
func New(
	c classifier.Classifier,
	r classifier.Router,
	p classifier.Planner,
	repo outbox.Repository,
	deliveryWorker *delivery.Worker,
	g *guards.Guards,
	events eventlog.Publisher,
	store kv.Store,
	cfg Config,
	log *zap.Logger,
) *Orchestrator {
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 50
	}

	return &Orchestrator{
		classifier: c,
		router:     r,
		planner:    p,
		outbox:     repo,
		delivery:   deliveryWorker,
		guards:     g,
		events:     events,
		pre:        newPreprocessor(store, cfg.RateLimit, cfg.RateWindow),
		log:        log,
	}
}

// Run executes the full preprocess→classify→route→plan→persist→dispatch
// sequence for t. It never returns an error to the caller: every failure
// mode degrades to a single fallback outbox item rather than propagating,
// because "the orchestrator failed" and "the user gets the apology
// message" are the same outcome from the caller's perspective.
func (o *Orchestrator) Run(ctx context.Context, t *turn.Turn, phone string) {
	turnInput := classifier.TurnInput{
		TurnID:         t.TurnID,
		ConversationID: t.ConversationID,
		Phone:          phone,
		AggregatedText: t.AggregatedText,
	}

	if verdict, ok := o.checkGuards(ctx, turnInput); ok {
		o.persistAndDispatch(ctx, turnInput, verdict)
		return
	}

	items, ok := o.plan(ctx, turnInput)
	if !ok {
		items = o.fallbackPlan(turnInput)
	}

	o.persistAndDispatch(ctx, turnInput, items)
}

// checkGuards consults the recursion ceiling before any external call (the
// greeting cooldown is checked after classify, in checkGreetingCooldown).
// ok is true when the guard short-circuited the turn with its own single
// canned payload.
func (o *Orchestrator) checkGuards(ctx context.Context, t classifier.TurnInput) (classifier.Plan, bool) {
	allowed, err := o.guards.CheckRecursion(ctx, t.ConversationID)
	if err != nil {
		o.log.Warn("guards: recursion check errored, failing open", zap.Error(err))
	}
	if !allowed {
		return o.cannedPlan(t, "Vamos retomar daqui a pouco. Um atendente vai continuar com você em instantes."), true
	}

	return classifier.Plan{}, false
}

// plan runs preprocess→classify→route→plan in sequence, emitting
// start/complete/failed events for each step. ok is false if any step
// failed and the caller should fall back.
func (o *Orchestrator) plan(ctx context.Context, t classifier.TurnInput) (classifier.Plan, bool) {
	cleaned, ok := o.runPreprocess(ctx, t)
	if !ok {
		return classifier.Plan{}, false
	}
	t.AggregatedText = cleaned

	classification, ok := o.runClassify(ctx, t)
	if !ok {
		return classifier.Plan{}, false
	}

	routing := o.runRoute(ctx, t, classification)

	greetingOK := o.checkGreetingCooldown(ctx, t, classification)
	if !greetingOK {
		return o.cannedPlan(t, "Oi de novo! Em que mais posso ajudar?"), true
	}

	return o.runPlan(ctx, t, classification, routing), true
}

func (o *Orchestrator) runPreprocess(ctx context.Context, t classifier.TurnInput) (string, bool) {
	start := time.Now()
	o.publish(ctx, "preprocess_start", t.ConversationID, t.TurnID, 0)

	allowed, err := o.pre.allow(ctx, t.Phone, start)
	if err != nil || !allowed {
		o.publish(ctx, "preprocess_failed", t.ConversationID, t.TurnID, time.Since(start))
		return "", false
	}

	cleaned := o.pre.clean(t.AggregatedText)
	o.publish(ctx, "preprocess_complete", t.ConversationID, t.TurnID, time.Since(start))
	return cleaned, true
}

func (o *Orchestrator) runClassify(ctx context.Context, t classifier.TurnInput) (classifier.Classification, bool) {
	start := time.Now()
	o.publish(ctx, "classify_start", t.ConversationID, t.TurnID, 0)

	result, err := o.guards.ClassifierBreaker().Execute(func() (interface{}, error) {
		return o.classifier.Classify(t.AggregatedText), nil
	})
	if err != nil {
		o.publish(ctx, "classify_failed", t.ConversationID, t.TurnID, time.Since(start))
		return classifier.Classification{}, false
	}

	o.publish(ctx, "classify_complete", t.ConversationID, t.TurnID, time.Since(start))
	return result.(classifier.Classification), true
}

func (o *Orchestrator) runRoute(ctx context.Context, t classifier.TurnInput, c classifier.Classification) classifier.Routing {
	start := time.Now()
	o.publish(ctx, "route_start", t.ConversationID, t.TurnID, 0)

	routing := o.router.Route(c)

	o.publish(ctx, "route_complete", t.ConversationID, t.TurnID, time.Since(start))
	return routing
}

func (o *Orchestrator) runPlan(ctx context.Context, t classifier.TurnInput, c classifier.Classification, r classifier.Routing) classifier.Plan {
	start := time.Now()
	o.publish(ctx, "plan_start", t.ConversationID, t.TurnID, 0)

	plan := o.planner.Plan(t, c, r)

	o.publish(ctx, "plan_complete", t.ConversationID, t.TurnID, time.Since(start))
	return plan
}

// checkGreetingCooldown short-circuits a repeated greeting delivered
// within the cooldown window.
func (o *Orchestrator) checkGreetingCooldown(ctx context.Context, t classifier.TurnInput, c classifier.Classification) bool {
	if c.Category != classifier.CategoryGreeting {
		return true
	}

	allowed, err := o.guards.CheckGreetingCooldown(ctx, t.Phone)
	if err != nil {
		o.log.Warn("guards: greeting cooldown check errored, failing open", zap.Error(err))
	}
	return allowed
}

// cannedPlan builds a single-item Plan with text, used by the guard
// short-circuits and the greeting cooldown.
func (o *Orchestrator) cannedPlan(t classifier.TurnInput, text string) classifier.Plan {
	return classifier.Plan{Payloads: []gateway.OutboundPayload{{
		To:             t.Phone,
		Text:           text,
		ConversationID: t.ConversationID,
		TurnID:         t.TurnID,
		IdempotencyKey: t.TurnID + ":guard",
	}}}
}

// fallbackPlan is the single planner-produced apology item run §4.4
// requires when any of preprocess/classify/route/plan fails.
func (o *Orchestrator) fallbackPlan(t classifier.TurnInput) classifier.Plan {
	text := "Desculpe, tive um problema para processar sua mensagem. Ligue para " + fallbackPhoneNumber + " para falar com um atendente."
	return classifier.Plan{Payloads: []gateway.OutboundPayload{{
		To:             t.Phone,
		Text:           text,
		ConversationID: t.ConversationID,
		TurnID:         t.TurnID,
		IdempotencyKey: t.TurnID + ":fallback",
	}}}
}

func (o *Orchestrator) persistAndDispatch(ctx context.Context, t classifier.TurnInput, plan classifier.Plan) {
	items := make([]outbox.Item, 0, len(plan.Payloads))
	for i, payload := range plan.Payloads {
		encoded, err := encodePayload(payload)
		if err != nil {
			o.log.Error("pipeline: encode payload failed, dropping item",
				zap.String("conversation_id", t.ConversationID), zap.String("turn_id", t.TurnID), zap.Error(err))
			continue
		}
		items = append(items, outbox.Item{
			ConversationID: t.ConversationID,
			TurnID:         t.TurnID,
			ItemIndex:      i,
			Payload:        encoded,
			Status:         outbox.StatusQueued,
			IdempotencyKey: payload.IdempotencyKey,
		})
	}

	start := time.Now()
	o.publish(ctx, "outbox_start", t.ConversationID, t.TurnID, 0)
	if err := o.outbox.Save(ctx, t.ConversationID, t.TurnID, items); err != nil {
		o.publish(ctx, "outbox_failed", t.ConversationID, t.TurnID, time.Since(start))
		o.log.Error("pipeline: outbox save failed, turn will not be dispatched this pass",
			zap.String("conversation_id", t.ConversationID), zap.String("turn_id", t.TurnID), zap.Error(err))
		return
	}
	o.publish(ctx, "outbox_complete", t.ConversationID, t.TurnID, time.Since(start))

	deliveryStart := time.Now()
	o.publish(ctx, "delivery_start", t.ConversationID, t.TurnID, 0)
	if _, err := o.delivery.Deliver(ctx, t.ConversationID, t.TurnID); err != nil {
		o.publish(ctx, "delivery_failed", t.ConversationID, t.TurnID, time.Since(deliveryStart))
		o.log.Warn("pipeline: inline dispatch failed, a later delivery trigger will retry",
			zap.String("conversation_id", t.ConversationID), zap.String("turn_id", t.TurnID), zap.Error(err))
		return
	}
	o.publish(ctx, "delivery_complete", t.ConversationID, t.TurnID, time.Since(deliveryStart))
}

func (o *Orchestrator) publish(ctx context.Context, name, conversationID, turnID string, duration time.Duration) {
	fields := []eventlog.Field{
		eventlog.F("conversation_id", conversationID),
		eventlog.F("turn_id", turnID),
	}
	if duration > 0 {
		fields = append(fields, eventlog.F("duration_ms", durationMs(duration)))
	}

	event := eventlog.New(eventlog.FamilyPipeline, name, fields...)
	if err := o.events.Publish(ctx, &event); err != nil {
		o.log.Warn("event publish failed", zap.String("event", name), zap.Error(err))
	}
}
