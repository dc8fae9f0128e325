// Package dedup implements the Deduplication Store (C3): two disjoint
// key families with distinct TTLs, both fail-open on KV outage since
// upstream webhook delivery is already at-least-once and message TTLs
// guarantee eventual convergence.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kumonrecept/turnpipe/pkg/kv"
)

// Store checks and records the two dedup key families used by Ingress
// (message-id, short TTL) and Delivery (idempotency-key, long TTL).
type Store struct {
	kv         kv.Store
	messageTTL time.Duration
	idemTTL    time.Duration
	log        *zap.Logger
}

// New builds a Store over the given KV backend.
func New(store kv.Store, messageTTL, idemTTL time.Duration, log *zap.Logger) *Store {
	return &Store{kv: store, messageTTL: messageTTL, idemTTL: idemTTL, log: log}
}

func messageKey(instanceID, phone, messageID string) string {
	return fmt.Sprintf("msg:%s:%s:%s", instanceID, phone, messageID)
}

func idemKey(conversationID, idempotencyKey string) string {
	return fmt.Sprintf("idem:%s:%s", conversationID, idempotencyKey)
}

// SeenMessage atomically marks (instanceID, phone, messageID) as seen and
// reports whether this call was the first observation. On KV error it
// fails open: returns isNew=true so the caller proceeds, matching the
// Ingress fail-open policy for TransientStorage.
func (s *Store) SeenMessage(ctx context.Context, instanceID, phone, messageID string) (isNew bool, err error) {
	key := messageKey(instanceID, phone, messageID)

	ok, err := s.kv.SetIfAbsent(ctx, key, "1", s.messageTTL)
	if err != nil {
		s.log.Warn("dedup: message check failed, allowing processing",
			zap.String("key", key), zap.Error(err))
		return true, nil
	}

	return ok, nil
}

// SeenIdempotencyKey reports whether idempotencyKey has already been
// delivered for conversationID. On KV error it fails open (returns false)
// so Delivery does not block forever on a down store.
func (s *Store) SeenIdempotencyKey(ctx context.Context, conversationID, idempotencyKey string) bool {
	if idempotencyKey == "" {
		return false
	}

	key := idemKey(conversationID, idempotencyKey)
	_, err := s.kv.Get(ctx, key)
	if err == nil {
		return true
	}
	if errors.Is(err, kv.ErrNotFound) {
		return false
	}

	s.log.Warn("dedup: idempotency check failed, allowing delivery",
		zap.String("key", key), zap.Error(err))
	return false
}

// MarkIdempotencyKey records idempotencyKey as delivered for conversationID
// with the configured idempotent TTL (≥24h per spec).
func (s *Store) MarkIdempotencyKey(ctx context.Context, conversationID, idempotencyKey string) error {
	if idempotencyKey == "" {
		return nil
	}

	key := idemKey(conversationID, idempotencyKey)
	if err := s.kv.Set(ctx, key, "1", s.idemTTL); err != nil {
		return fmt.Errorf("dedup: mark idempotency key: %w", err)
	}
	return nil
}

// FallbackIdempotencyKey derives a deterministic idempotency key for a
// canned fallback/apology message, so retried fallback planning for the
// same turn still converges to at most one delivery.
func FallbackIdempotencyKey(phone, turnID string) string {
	return fmt.Sprintf("fallback:%s:%s", phone, turnID)
}
