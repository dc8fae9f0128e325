// Package gateway sends outbound messages to the WhatsApp provider through
// an HTTP client wrapped in a circuit breaker, so a struggling provider
// trips fast and stops piling up retries.
package gateway

import (
	"context"
)

// OutboundPayload is a single message to deliver to one recipient.
type OutboundPayload struct {
	To             string
	Text           string
	ConversationID string
	TurnID         string
	IdempotencyKey string
}

// ProviderResult is the provider's acknowledgement of a send.
type ProviderResult struct {
	ProviderMessageID string
	Status            string
}

// Gateway sends a single outbound payload to the WhatsApp provider.
type Gateway interface {
	Send(ctx context.Context, payload OutboundPayload) (ProviderResult, error)
}
