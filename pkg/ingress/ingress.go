// Package ingress implements the Webhook Ingress (C1): defensive parsing
// of inbound gateway events, self-echo/empty-text rejection, message-id
// deduplication, and scheduling the Turn Controller append + a deferred
// flush attempt.
package ingress

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kumonrecept/turnpipe/pkg/dedup"
	"github.com/kumonrecept/turnpipe/pkg/eventlog"
	"github.com/kumonrecept/turnpipe/pkg/turn"
)

// Reason is why an inbound event was ignored rather than processed.
type Reason string

const (
	ReasonFromMe          Reason = "from_me"
	ReasonNoText          Reason = "no_text"
	ReasonInvalidDataType Reason = "invalid_data_type"
	ReasonInvalidJSON     Reason = "invalid_json"
)

// Status is the synchronous outcome of Handle.
type Status string

const (
	StatusAccepted  Status = "accepted"
	StatusIgnored   Status = "ignored"
	StatusDuplicate Status = "duplicate"
)

// Result is what Handle returns to the webhook caller.
type Result struct {
	Status Status
	Reason Reason // set only when Status == StatusIgnored
}

// FlushScheduler is invoked after a successful append so the caller can
// schedule a deferred FlushIfQuiet attempt once the debounce window has
// elapsed. Handle returns synchronously and does not itself wait for the
// pipeline.
type FlushScheduler interface {
	ScheduleFlush(phone string, after time.Duration)
}

// Ingress parses, filters, and forwards inbound gateway events to the
// Turn Controller.
type Ingress struct {
	turns      *turn.Controller
	dedupStore *dedup.Store
	events     eventlog.Publisher
	scheduler  FlushScheduler
	debounce   time.Duration
	log        *zap.Logger
}

func New(turns *turn.Controller, dedupStore *dedup.Store, events eventlog.Publisher, scheduler FlushScheduler, debounce time.Duration, log *zap.Logger) *Ingress {
	return &Ingress{turns: turns, dedupStore: dedupStore, events: events, scheduler: scheduler, debounce: debounce, log: log}
}

// Handle accepts a raw webhook body, extracts the fields the core cares
// about through a defensive JSON walk, and applies the ordered rules from
// spec §4.1: from_me → no_text → duplicate → append + schedule flush.
func (i *Ingress) Handle(ctx context.Context, raw []byte) (Result, error) {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		i.publish(ctx, "ignored", "", string(ReasonInvalidJSON))
		return Result{Status: StatusIgnored, Reason: ReasonInvalidJSON}, nil
	}

	evt, ok := parseEvent(body)
	if !ok {
		i.publish(ctx, "ignored", "", string(ReasonInvalidDataType))
		return Result{Status: StatusIgnored, Reason: ReasonInvalidDataType}, nil
	}

	if evt.fromMe {
		i.publish(ctx, "ignored", evt.phone, string(ReasonFromMe))
		return Result{Status: StatusIgnored, Reason: ReasonFromMe}, nil
	}

	if evt.text == "" {
		i.publish(ctx, "ignored", evt.phone, string(ReasonNoText))
		return Result{Status: StatusIgnored, Reason: ReasonNoText}, nil
	}

	isNew, err := i.dedupStore.SeenMessage(ctx, evt.instance, evt.phone, evt.messageID)
	if err != nil {
		i.log.Warn("ingress: dedup check errored, failing open", zap.Error(err))
	}
	if !isNew {
		i.publish(ctx, "duplicate", evt.phone, "")
		return Result{Status: StatusDuplicate}, nil
	}

	if err := i.turns.Append(ctx, evt.phone, evt.messageID, evt.text, evt.tsMs); err != nil {
		i.log.Warn("ingress: append failed, failing open", zap.Error(err))
		return Result{Status: StatusAccepted}, nil
	}

	if i.scheduler != nil {
		i.scheduler.ScheduleFlush(evt.phone, i.debounce)
	}

	i.publish(ctx, "received", evt.phone, "")
	return Result{Status: StatusAccepted}, nil
}

func (i *Ingress) publish(ctx context.Context, name, phone, reason string) {
	fields := []eventlog.Field{eventlog.F("phone", phone)}
	if reason != "" {
		fields = append(fields, eventlog.F("reason", reason))
	}

	event := eventlog.New(eventlog.FamilyWebhook, name, fields...)
	if err := i.events.Publish(ctx, &event); err != nil {
		i.log.Warn("event publish failed", zap.String("event", name), zap.Error(err))
	}
}

type event struct {
	instance  string
	messageID string
	phone     string
	text      string
	fromMe    bool
	tsMs      int64
}

// asMap defensively type-asserts v as a map, returning (nil, false)
// instead of panicking when the gateway sends a list or scalar where the
// spec expects a mapping.
func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

// parseEvent walks body.{instance, data.key.{id,remoteJid,fromMe},
// data.message.{conversation,extendedTextMessage.text}} defensively: any
// nested value that should be a mapping but isn't degrades the whole
// parse to ok=false rather than panicking.
func parseEvent(body map[string]any) (event, bool) {
	data, ok := asMap(body["data"])
	if !ok {
		return event{}, false
	}

	key, ok := asMap(data["key"])
	if !ok {
		return event{}, false
	}

	remoteJID := asString(key["remoteJid"])
	phone := remoteJID
	if idx := strings.Index(remoteJID, "@"); idx >= 0 {
		phone = remoteJID[:idx]
	}

	message, ok := asMap(data["message"])
	if !ok {
		return event{}, false
	}

	text := asString(message["conversation"])
	if text == "" {
		if extended, ok := asMap(message["extendedTextMessage"]); ok {
			text = asString(extended["text"])
		}
	}
	text = strings.TrimSpace(text)

	instance := asString(body["instance"])
	if instance == "" {
		instance = "default"
	}

	tsMs := int64(0)
	if ts, ok := data["messageTimestamp"].(float64); ok {
		tsMs = int64(ts) * 1000
	}

	return event{
		instance:  instance,
		messageID: asString(key["id"]),
		phone:     phone,
		text:      text,
		fromMe:    asBool(key["fromMe"]),
		tsMs:      tsMs,
	}, true
}
