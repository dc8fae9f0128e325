// Package turn implements the Turn Controller (C2): per-(instance, phone)
// message buffering with a debounce window, a deterministic turn id, and
// a distributed lock that grants exactly one caller per turn the right
// to invoke the Pipeline Orchestrator.
package turn

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kumonrecept/turnpipe/pkg/eventlog"
	"github.com/kumonrecept/turnpipe/pkg/kv"
)

// BufferedMessage is one message appended to a turn buffer.
type BufferedMessage struct {
	MsgID string `json:"msg_id"`
	Text  string `json:"text"`
	TsMs  int64  `json:"ts_ms"`
}

// Turn is a quiet, fully-aggregated turn ready for the Pipeline Orchestrator.
type Turn struct {
	TurnID         string
	ConversationID string
	AggregatedText string
	Messages       []BufferedMessage
	SpanMs         int64
}

// Controller owns the TurnBuffer and TurnLock primitives over a KV store.
type Controller struct {
	kv         kv.Store
	debounceMs int64
	bufferTTL  time.Duration
	lockTTL    time.Duration
	events     eventlog.Publisher
	log        *zap.Logger
}

// New builds a Controller. debounceMs is the quiet-period threshold;
// bufferTTL/lockTTL bound the buffer and lock keys' lifetimes.
func New(store kv.Store, debounceMs int64, bufferTTL, lockTTL time.Duration, events eventlog.Publisher, log *zap.Logger) *Controller {
	return &Controller{kv: store, debounceMs: debounceMs, bufferTTL: bufferTTL, lockTTL: lockTTL, events: events, log: log}
}

func (c *Controller) publish(ctx context.Context, name, phone string, extra ...eventlog.Field) {
	fields := append([]eventlog.Field{eventlog.F("conversation_id", phone)}, extra...)
	event := eventlog.New(eventlog.FamilyTurn, name, fields...)
	if err := c.events.Publish(ctx, &event); err != nil {
		c.log.Warn("turn: publish event failed", zap.String("event", name), zap.Error(err))
	}
}

func bufferKey(phone string) string { return fmt.Sprintf("turn:%s:buffer", phone) }
func lockKey(phone string) string   { return fmt.Sprintf("turn:%s:lock", phone) }

// MakeTurnID derives the deterministic turn identifier from the first
// message of the turn: sha256(phone:first_msg_id:floor(first_ts_ms/1000))[:16].
func MakeTurnID(phone, firstMsgID string, firstTsMs int64) string {
	firstTsS := firstTsMs / 1000
	raw := fmt.Sprintf("%s:%s:%d", phone, firstMsgID, firstTsS)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:16]
}

// Append reads the buffer (default empty), appends the message tuple, and
// writes it back with TTL = bufferTTL. An unparseable existing payload is
// reset rather than propagated, matching the fail-safe behavior of the
// rest of the pipeline.
func (c *Controller) Append(ctx context.Context, phone, msgID, text string, tsMs int64) error {
	key := bufferKey(phone)

	buf, err := c.loadBuffer(ctx, key)
	if err != nil {
		c.log.Warn("turn: buffer unreadable, resetting", zap.String("phone", phone), zap.Error(err))
		buf = nil
	}

	buf = append(buf, BufferedMessage{MsgID: msgID, Text: text, TsMs: tsMs})

	encoded, err := json.Marshal(buf)
	if err != nil {
		return fmt.Errorf("turn: encode buffer: %w", err)
	}

	if err := c.kv.Set(ctx, key, string(encoded), c.bufferTTL); err != nil {
		return fmt.Errorf("turn: write buffer: %w", err)
	}

	c.publish(ctx, "appended", phone, eventlog.F("msg_id", msgID), eventlog.F("buffer_size", fmt.Sprintf("%d", len(buf))))
	return nil
}

func (c *Controller) loadBuffer(ctx context.Context, key string) ([]BufferedMessage, error) {
	raw, err := c.kv.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var buf []BufferedMessage
	if err := json.Unmarshal([]byte(raw), &buf); err != nil {
		return nil, fmt.Errorf("turn: corrupt buffer payload: %w", err)
	}
	return buf, nil
}

// FlushIfQuiet returns the aggregated Turn and removes the buffer if the
// last message is at least debounceMs old as of nowMs. Returns (nil, nil)
// if the buffer is empty or still within the debounce window.
func (c *Controller) FlushIfQuiet(ctx context.Context, phone string, nowMs int64) (*Turn, error) {
	key := bufferKey(phone)

	buf, err := c.loadBuffer(ctx, key)
	if err != nil {
		c.log.Warn("turn: flush skipped, corrupt buffer", zap.String("phone", phone), zap.Error(err))
		return nil, nil
	}
	if len(buf) == 0 {
		c.publish(ctx, "flush_empty", phone)
		return nil, nil
	}

	last := buf[len(buf)-1]
	if nowMs-last.TsMs < c.debounceMs {
		c.publish(ctx, "flush_empty", phone, eventlog.F("reason", "debounce_window_open"))
		return nil, nil
	}

	first := buf[0]
	turnID := MakeTurnID(phone, first.MsgID, first.TsMs)

	texts := make([]string, 0, len(buf))
	for _, m := range buf {
		if t := strings.TrimSpace(m.Text); t != "" {
			texts = append(texts, t)
		}
	}

	if err := c.kv.Delete(ctx, key); err != nil {
		return nil, fmt.Errorf("turn: clear buffer: %w", err)
	}

	t := &Turn{
		TurnID:         turnID,
		ConversationID: phone,
		AggregatedText: strings.Join(texts, "\n"),
		Messages:       buf,
		SpanMs:         last.TsMs - first.TsMs,
	}

	c.log.Info("turn: flushed",
		zap.String("phone", phone),
		zap.String("turn_id", turnID),
		zap.Int("message_count", len(buf)),
		zap.Int64("span_ms", t.SpanMs))

	c.publish(ctx, "flush_ready", phone,
		eventlog.F("turn_id", turnID),
		eventlog.F("message_count", fmt.Sprintf("%d", len(buf))),
		eventlog.F("span_ms", fmt.Sprintf("%d", t.SpanMs)))

	return t, nil
}

// WithTurnLock attempts to acquire the distributed turn lock for phone and,
// if acquired, invokes fn and releases the lock afterward (idempotent
// release; TTL guarantees eventual release on crash). If the lock is
// already held, fn is not called and acquired is false — the caller
// should still have appended to the buffer; a later flush will observe it.
func (c *Controller) WithTurnLock(ctx context.Context, phone string, fn func(ctx context.Context) error) (acquired bool, err error) {
	key := lockKey(phone)

	ok, err := c.kv.SetIfAbsent(ctx, key, "1", c.lockTTL)
	if err != nil {
		c.log.Warn("turn: lock acquire failed, allowing processing", zap.String("phone", phone), zap.Error(err))
		ok = true
	}
	if !ok {
		c.log.Info("turn: lock held elsewhere, skipping", zap.String("phone", phone))
		c.publish(ctx, "lock_waiting", phone)
		return false, nil
	}

	c.publish(ctx, "lock_acquired", phone)

	defer func() {
		if delErr := c.kv.Delete(ctx, key); delErr != nil {
			c.log.Warn("turn: lock release failed, relying on TTL", zap.String("phone", phone), zap.Error(delErr))
		}
		c.publish(ctx, "lock_released", phone)
	}()

	return true, fn(ctx)
}
