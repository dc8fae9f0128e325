package nop

import (
	"context"

	"github.com/kumonrecept/turnpipe/pkg/eventlog"
)

// Publisher is a no-op eventlog publisher used for tests and disabled mode.
type Publisher struct{}

// NewPublisher creates a new no-op eventlog publisher.
func NewPublisher() *Publisher {
	return &Publisher{}
}

// Publish validates input and otherwise does nothing.
func (p *Publisher) Publish(_ context.Context, event *eventlog.Event) error {
	if event == nil {
		return eventlog.ErrNilEvent
	}

	return nil
}

// Close is a no-op.
func (p *Publisher) Close() error {
	return nil
}
