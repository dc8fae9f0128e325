package eventlog

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ZapPublisher renders events into the pipe-delimited wire format and
// writes them through an injected *zap.Logger, consistent with the rest
// of the pipeline's logging (pkg/logger.NewLoggerWithWriters).
type ZapPublisher struct {
	log *zap.Logger
}

// NewZapPublisher builds a ZapPublisher over log.
func NewZapPublisher(log *zap.Logger) *ZapPublisher {
	return &ZapPublisher{log: log}
}

func (p *ZapPublisher) Publish(_ context.Context, event *Event) error {
	if event == nil {
		return ErrNilEvent
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	p.log.Info(event.Line(), zap.String("event_id", event.ID), zap.String("family", string(event.Family)))
	return nil
}

func (p *ZapPublisher) Close() error {
	return nil
}
