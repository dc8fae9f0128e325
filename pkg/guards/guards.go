// Package guards implements the recursion ceiling, greeting cooldown, and
// gateway/classifier circuit breakers that let the Pipeline Orchestrator
// short-circuit a turn before it reaches an external call.
package guards

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/kumonrecept/turnpipe/pkg/eventlog"
	"github.com/kumonrecept/turnpipe/pkg/kv"
)

// Guards wraps the recursion ceiling, greeting cooldown, and two
// gobreaker.CircuitBreaker instances (gateway send, classifier call). The
// Orchestrator runs classifier calls through the classifier breaker; the
// gateway-send breaker is only exposed through GatewayBreaker.
type Guards struct {
	kv kv.Store

	recursionLimit   int
	recursionTTL     time.Duration
	greetingCooldown time.Duration

	gatewayBreaker    *gobreaker.CircuitBreaker
	classifierBreaker *gobreaker.CircuitBreaker

	events eventlog.Publisher
	log    *zap.Logger
}

// Config tunes recursion/greeting limits and both breakers.
type Config struct {
	RecursionLimit   int
	RecursionTTL     time.Duration
	GreetingCooldown time.Duration

	GatewayBreakerMaxFail  uint32
	GatewayBreakerCooldown time.Duration

	ClassifierBreakerMaxFail  uint32
	ClassifierBreakerCooldown time.Duration
}

func New(store kv.Store, cfg Config, events eventlog.Publisher, log *zap.Logger) *Guards {
	return &Guards{
		kv:               store,
		recursionLimit:   cfg.RecursionLimit,
		recursionTTL:     cfg.RecursionTTL,
		greetingCooldown: cfg.GreetingCooldown,
		gatewayBreaker:   newBreaker("gateway-send", cfg.GatewayBreakerMaxFail, cfg.GatewayBreakerCooldown, events, log),
		classifierBreaker: newBreaker("classifier-call", cfg.ClassifierBreakerMaxFail,
			cfg.ClassifierBreakerCooldown, events, log),
		events: events,
		log:    log,
	}
}

func newBreaker(name string, maxFail uint32, cooldown time.Duration, events eventlog.Publisher, log *zap.Logger) *gobreaker.CircuitBreaker {
	if maxFail == 0 {
		maxFail = 3
	}
	if cooldown <= 0 {
		cooldown = 15 * time.Second
	}

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFail
		},
		OnStateChange: func(n string, from, to gobreaker.State) {
			log.Warn("guard circuit breaker state change",
				zap.String("breaker", n), zap.String("from", from.String()), zap.String("to", to.String()))
			if to == gobreaker.StateOpen {
				event := eventlog.New(eventlog.FamilyGuard, "circuit_open",
					eventlog.F("breaker", n), eventlog.F("from", from.String()))
				if err := events.Publish(context.Background(), &event); err != nil {
					log.Warn("guard: publish event failed", zap.String("event", "circuit_open"), zap.Error(err))
				}
			}
		},
	})
}

func recursionKey(conversationID string) string {
	return fmt.Sprintf("guard:recursion:%s", conversationID)
}

func greetingKey(phone string) string {
	return fmt.Sprintf("guard:greeting:%s", phone)
}

// CheckRecursion increments the conversation's step counter and reports
// whether it is still within limits. Fails open (true) on a KV error, like
// the rest of the pipeline's storage-failure policy at this boundary.
func (g *Guards) CheckRecursion(ctx context.Context, conversationID string) (bool, error) {
	count, err := g.kv.Incr(ctx, recursionKey(conversationID), g.recursionTTL)
	if err != nil {
		g.log.Warn("recursion check failed, allowing processing", zap.String("conversation_id", conversationID), zap.Error(err))
		return true, nil
	}
	within := count <= int64(g.recursionLimit)
	if !within {
		g.publish(ctx, "recursion_exceeded", conversationID, eventlog.F("count", fmt.Sprintf("%d", count)))
	}
	return within, nil
}

// CheckGreetingCooldown reports whether a greeting reply may be sent to
// phone: true the first time within the cooldown window, false if a
// greeting was already sent recently. Fails open on a KV error.
func (g *Guards) CheckGreetingCooldown(ctx context.Context, phone string) (bool, error) {
	acquired, err := g.kv.SetIfAbsent(ctx, greetingKey(phone), "1", g.greetingCooldown)
	if err != nil {
		g.log.Warn("greeting cooldown check failed, allowing processing", zap.String("phone", phone), zap.Error(err))
		return true, nil
	}
	if !acquired {
		g.publish(ctx, "greeting_loop_prevented", phone)
	}
	return acquired, nil
}

func (g *Guards) publish(ctx context.Context, name, conversationID string, extra ...eventlog.Field) {
	fields := append([]eventlog.Field{eventlog.F("conversation_id", conversationID)}, extra...)
	event := eventlog.New(eventlog.FamilyGuard, name, fields...)
	if err := g.events.Publish(ctx, &event); err != nil {
		g.log.Warn("guard: publish event failed", zap.String("event", name), zap.Error(err))
	}
}

// GatewayBreaker exposes the gateway-send circuit breaker for pkg/gateway
// callers that want Guards to own the breaker lifecycle centrally.
func (g *Guards) GatewayBreaker() *gobreaker.CircuitBreaker {
	return g.gatewayBreaker
}

// ClassifierBreaker exposes the classifier-call circuit breaker.
func (g *Guards) ClassifierBreaker() *gobreaker.CircuitBreaker {
	return g.classifierBreaker
}
