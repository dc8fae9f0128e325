package eventlog

import "context"

// Publisher publishes structured events to a backend. The event
// vocabulary (family/name/fields) is fixed; only the transport varies
// between implementations (zap-backed console/file sink, Kafka, nop).
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
	Close() error
}
