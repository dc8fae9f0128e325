package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register the pgx PostgreSQL driver as "pgx"
	"go.uber.org/zap"

	"github.com/kumonrecept/turnpipe/pkg/errs"
	"github.com/kumonrecept/turnpipe/pkg/eventlog"
)

const schema = `
CREATE TABLE IF NOT EXISTS outbox_messages (
	conversation_id     TEXT NOT NULL,
	turn_id             TEXT NOT NULL,
	item_index          INT NOT NULL,
	payload             JSONB NOT NULL,
	status              TEXT NOT NULL DEFAULT 'queued',
	idempotency_key     TEXT NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	sent_at             TIMESTAMPTZ NULL,
	provider_message_id TEXT NULL,
	UNIQUE (conversation_id, turn_id, item_index),
	UNIQUE (conversation_id, idempotency_key)
)`

// PostgresRepository is the authoritative, durable Repository
// implementation. Postgres is the source of truth; a Redis secondary
// cache, if configured, is write-through and never the only durable copy.
type PostgresRepository struct {
	db     *sql.DB
	events eventlog.Publisher
	log    *zap.Logger
}

// NewPostgresRepository opens connStr via the pgx stdlib driver, pings it,
// and creates the outbox_messages table if it doesn't already exist.
func NewPostgresRepository(ctx context.Context, connStr string, maxOpenConns int, connMaxLifetime time.Duration, events eventlog.Publisher, log *zap.Logger) (*PostgresRepository, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("outbox: open database: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	if connMaxLifetime > 0 {
		db.SetConnMaxLifetime(connMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("outbox: ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("outbox: create schema: %w", err)
	}

	return &PostgresRepository{db: db, events: events, log: log}, nil
}

func (r *PostgresRepository) publish(ctx context.Context, name, conversationID, turnID string, extra ...eventlog.Field) {
	fields := append([]eventlog.Field{eventlog.F("conversation_id", conversationID), eventlog.F("turn_id", turnID)}, extra...)
	event := eventlog.New(eventlog.FamilyOutbox, name, fields...)
	if err := r.events.Publish(ctx, &event); err != nil {
		r.log.Warn("outbox: publish event failed", zap.String("event", name), zap.Error(err))
	}
}

func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

// Ping reports whether the authoritative outbox store is reachable, for
// the readiness probe.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *PostgresRepository) Save(ctx context.Context, conversationID, turnID string, items []Item) error {
	if len(items) == 0 {
		r.log.Warn("outbox save called with no items", zap.String("conversation_id", conversationID), zap.String("turn_id", turnID))
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.New(errs.KindTransientStorage, "outbox.Save", fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	for idx, item := range items {
		if item.IdempotencyKey == "" {
			r.log.Error("outbox item missing idempotency key, skipping",
				zap.String("conversation_id", conversationID), zap.String("turn_id", turnID), zap.Int("item_index", idx))
			continue
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO outbox_messages (conversation_id, turn_id, item_index, payload, status, idempotency_key)
			VALUES ($1, $2, $3, $4::jsonb, 'queued', $5)
			ON CONFLICT (conversation_id, turn_id, item_index) DO NOTHING
		`, conversationID, turnID, idx, item.Payload, item.IdempotencyKey)
		if err != nil {
			return errs.New(errs.KindTransientStorage, "outbox.Save", fmt.Errorf("insert item %d: %w", idx, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.New(errs.KindTransientStorage, "outbox.Save", fmt.Errorf("commit: %w", err))
	}

	r.publish(ctx, "persisted", conversationID, turnID, eventlog.F("item_count", fmt.Sprintf("%d", len(items))))
	return nil
}

func (r *PostgresRepository) LoadPending(ctx context.Context, conversationID, turnID string) ([]Item, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT item_index, payload, status, idempotency_key, created_at
		FROM outbox_messages
		WHERE conversation_id = $1 AND turn_id = $2 AND status IN ('queued', 'failed')
		ORDER BY item_index ASC
	`, conversationID, turnID)
	if err != nil {
		return nil, errs.New(errs.KindTransientStorage, "outbox.LoadPending", fmt.Errorf("query: %w", err))
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		item.ConversationID = conversationID
		item.TurnID = turnID

		var status string
		if err := rows.Scan(&item.ItemIndex, &item.Payload, &status, &item.IdempotencyKey, &item.CreatedAt); err != nil {
			return nil, errs.New(errs.KindPermanentStorage, "outbox.LoadPending", fmt.Errorf("scan: %w", err))
		}
		item.Status = Status(status)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New(errs.KindTransientStorage, "outbox.LoadPending", fmt.Errorf("rows: %w", err))
	}

	if len(items) == 0 {
		r.publish(ctx, "rehydrate_miss", conversationID, turnID)
	} else {
		r.publish(ctx, "rehydrate_hit", conversationID, turnID, eventlog.F("item_count", fmt.Sprintf("%d", len(items))))
	}

	return items, nil
}

func (r *PostgresRepository) MarkSent(ctx context.Context, conversationID, turnID string, itemIndex int, providerMessageID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = 'sent', provider_message_id = $1, sent_at = now()
		WHERE conversation_id = $2 AND turn_id = $3 AND item_index = $4 AND status != 'sent'
	`, providerMessageID, conversationID, turnID, itemIndex)
	if err != nil {
		return errs.New(errs.KindTransientStorage, "outbox.MarkSent", fmt.Errorf("update: %w", err))
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		r.log.Debug("mark_sent affected no rows, likely already sent",
			zap.String("conversation_id", conversationID), zap.String("turn_id", turnID), zap.Int("item_index", itemIndex))
	}

	r.publish(ctx, "mark_sent", conversationID, turnID,
		eventlog.F("item_index", fmt.Sprintf("%d", itemIndex)), eventlog.F("provider_message_id", providerMessageID))
	return nil
}

func (r *PostgresRepository) MarkFailed(ctx context.Context, conversationID, turnID string, itemIndex int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = 'failed'
		WHERE conversation_id = $1 AND turn_id = $2 AND item_index = $3 AND status != 'sent'
	`, conversationID, turnID, itemIndex)
	if err != nil {
		return errs.New(errs.KindTransientStorage, "outbox.MarkFailed", fmt.Errorf("update: %w", err))
	}

	r.publish(ctx, "mark_failed", conversationID, turnID, eventlog.F("item_index", fmt.Sprintf("%d", itemIndex)))
	return nil
}

func (r *PostgresRepository) Retry(ctx context.Context, conversationID, turnID string) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = 'queued'
		WHERE conversation_id = $1 AND turn_id = $2 AND status = 'failed'
	`, conversationID, turnID)
	if err != nil {
		return 0, errs.New(errs.KindTransientStorage, "outbox.Retry", fmt.Errorf("update: %w", err))
	}

	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *PostgresRepository) Stats(ctx context.Context, conversationID string) (map[Status]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM outbox_messages WHERE conversation_id = $1 GROUP BY status
	`, conversationID)
	if err != nil {
		return nil, errs.New(errs.KindTransientStorage, "outbox.Stats", fmt.Errorf("query: %w", err))
	}
	defer rows.Close()

	stats := map[Status]int{StatusQueued: 0, StatusSent: 0, StatusFailed: 0, StatusDiscarded: 0}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errs.New(errs.KindPermanentStorage, "outbox.Stats", fmt.Errorf("scan: %w", err))
		}
		stats[Status(status)] = count
	}
	return stats, rows.Err()
}
