// Package delivery is the Delivery Worker (C6): it rehydrates an outbox
// turn's pending items, sends each through the gateway, stamps
// idempotency before marking sent, and enforces at-most-once user-visible
// delivery even across crashes and retries.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kumonrecept/turnpipe/pkg/dedup"
	"github.com/kumonrecept/turnpipe/pkg/errs"
	"github.com/kumonrecept/turnpipe/pkg/eventlog"
	"github.com/kumonrecept/turnpipe/pkg/gateway"
	"github.com/kumonrecept/turnpipe/pkg/outbox"
)

// Summary counts what happened during one Deliver call, returned for
// logging/admin inspection.
type Summary struct {
	Sent      int
	DedupHits int
	Failed    int
}

// Worker delivers the pending items of one turn at a time. It holds no
// per-turn state; Deliver is safe to call concurrently for different
// turns and idempotent to call again for the same one.
type Worker struct {
	outbox   outbox.Repository
	dedup    *dedup.Store
	gateway  gateway.Gateway
	events   eventlog.Publisher
	deadline time.Duration
	log      *zap.Logger
}

func NewWorker(repo outbox.Repository, dedupStore *dedup.Store, gw gateway.Gateway, events eventlog.Publisher, deadline time.Duration, log *zap.Logger) *Worker {
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	return &Worker{outbox: repo, dedup: dedupStore, gateway: gw, events: events, deadline: deadline, log: log}
}

// Deliver runs the algorithm in spec §4.6 for one turn: rehydrate pending
// items, send each in order, stop the loop on a transient gateway error
// (ordering matters — later items must not jump ahead of a stalled one),
// but continue past a permanent error for this item.
func (w *Worker) Deliver(ctx context.Context, conversationID, turnID string) (Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, w.deadline)
	defer cancel()

	var summary Summary

	items, err := w.outbox.LoadPending(ctx, conversationID, turnID)
	if err != nil {
		return summary, err
	}
	if len(items) == 0 {
		return summary, nil
	}

	for _, item := range items {
		if w.dedup.SeenIdempotencyKey(ctx, conversationID, item.IdempotencyKey) {
			w.publish(ctx, "dedup_hit", conversationID, turnID, item.IdempotencyKey)
			if err := w.outbox.MarkSent(ctx, conversationID, turnID, item.ItemIndex, ""); err != nil {
				w.log.Warn("mark_sent convergence failed after dedup_hit",
					zap.String("conversation_id", conversationID), zap.String("turn_id", turnID), zap.Error(err))
			}
			summary.DedupHits++
			continue
		}

		var payload gateway.OutboundPayload
		if err := json.Unmarshal([]byte(item.Payload), &payload); err != nil {
			w.log.Error("outbox payload corrupt, marking failed",
				zap.String("conversation_id", conversationID), zap.String("turn_id", turnID), zap.Int("item_index", item.ItemIndex), zap.Error(err))
			_ = w.outbox.MarkFailed(ctx, conversationID, turnID, item.ItemIndex)
			summary.Failed++
			continue
		}

		result, sendErr := w.gateway.Send(ctx, payload)
		if sendErr != nil {
			summary.Failed++
			_ = w.outbox.MarkFailed(ctx, conversationID, turnID, item.ItemIndex)
			w.publish(ctx, "failed", conversationID, turnID, item.IdempotencyKey)

			if errs.Is(sendErr, errs.KindGatewayTransient) {
				break // ordering matters: do not skip ahead of a stalled item
			}
			continue
		}

		if err := w.dedup.MarkIdempotencyKey(ctx, conversationID, item.IdempotencyKey); err != nil {
			w.log.Warn("mark_idem failed, next attempt converges via dedup_hit",
				zap.String("conversation_id", conversationID), zap.String("turn_id", turnID), zap.Error(err))
		}
		if err := w.outbox.MarkSent(ctx, conversationID, turnID, item.ItemIndex, result.ProviderMessageID); err != nil {
			w.log.Warn("mark_sent failed after successful send",
				zap.String("conversation_id", conversationID), zap.String("turn_id", turnID), zap.Error(err))
		}
		w.publish(ctx, "sent", conversationID, turnID, item.IdempotencyKey,
			eventlog.F("provider_message_id", result.ProviderMessageID))
		summary.Sent++
	}

	w.publish(ctx, "delivery_complete", conversationID, turnID, "",
		eventlog.F("sent", fmt.Sprint(summary.Sent)),
		eventlog.F("dedup_hits", fmt.Sprint(summary.DedupHits)),
		eventlog.F("failed", fmt.Sprint(summary.Failed)))

	return summary, nil
}

func (w *Worker) publish(ctx context.Context, name, conversationID, turnID, idempotencyKey string, extra ...eventlog.Field) {
	fields := []eventlog.Field{
		eventlog.F("conversation_id", conversationID),
		eventlog.F("turn_id", turnID),
	}
	if idempotencyKey != "" {
		fields = append(fields, eventlog.F("idempotency_key", idempotencyKey))
	}
	fields = append(fields, extra...)

	event := eventlog.New(eventlog.FamilyDelivery, name, fields...)
	if err := w.events.Publish(ctx, &event); err != nil {
		w.log.Warn("event publish failed", zap.String("event", name), zap.Error(err))
	}
}
