// Package outbox is the crash-safe handoff between the Pipeline
// Orchestrator's planning stage and the Delivery Worker: a relational
// queue a planner writes once and a delivery worker rehydrates, delivers,
// and marks, surviving a process dying anywhere in between.
package outbox

import (
	"context"
	"time"
)

// Status is an outbox row's delivery state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusDiscarded Status = "discarded"
)

// Item is one planned outbound message, one row of the outbox.
type Item struct {
	ConversationID    string
	TurnID            string
	ItemIndex         int
	Payload           string // JSON-encoded gateway.OutboundPayload
	Status            Status
	IdempotencyKey    string
	CreatedAt         time.Time
	SentAt            *time.Time
	ProviderMessageID *string
}

// Repository is the Outbox Repository (C5): Save persists a turn's planned
// items once; LoadPending rehydrates queued/failed items for delivery;
// MarkSent/MarkFailed flip one row's state; Retry resets failed rows back
// to queued for a later delivery attempt.
type Repository interface {
	Save(ctx context.Context, conversationID, turnID string, items []Item) error
	LoadPending(ctx context.Context, conversationID, turnID string) ([]Item, error)
	MarkSent(ctx context.Context, conversationID, turnID string, itemIndex int, providerMessageID string) error
	MarkFailed(ctx context.Context, conversationID, turnID string, itemIndex int) error
	Retry(ctx context.Context, conversationID, turnID string) (int, error)
	Stats(ctx context.Context, conversationID string) (map[Status]int, error)
}
