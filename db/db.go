package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"

	"chat_sync_go/config"
)

// Notification channels raised by the schema triggers.
const (
	MessagesChannel = "chat_messages"
	TypingChannel   = "chat_typing"
)

// InitDatabase connects the pool and makes sure the chat schema exists.
func InitDatabase(ctx context.Context, cfg config.Database, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	pool, err := pgxpool.ConnectConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	if logger != nil {
		logger.Info("Database ready", zap.String("host", cfg.Host), zap.String("database", cfg.Name))
	}
	return pool, nil
}

// Migrate runs the idempotent schema statements in order.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, query := range schema {
		if _, err := pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`,

	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email VARCHAR(255) NOT NULL UNIQUE,
		username VARCHAR(100),
		display_name VARCHAR(100),
		avatar TEXT,
		is_online BOOLEAN NOT NULL DEFAULT FALSE,
		last_seen_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS conversations (
		id uuid PRIMARY KEY DEFAULT uuid_generate_v4(),
		name VARCHAR(255),
		description TEXT,
		is_group BOOLEAN NOT NULL DEFAULT FALSE,
		avatar TEXT,
		last_message_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS conversation_members (
		id uuid PRIMARY KEY DEFAULT uuid_generate_v4(),
		user_id TEXT NOT NULL REFERENCES users(id),
		conversation_id uuid NOT NULL REFERENCES conversations(id),
		role VARCHAR(10) NOT NULL DEFAULT 'MEMBER',
		joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		last_read_at TIMESTAMPTZ
	)`,

	// At most one active membership per (user, conversation).
	`CREATE UNIQUE INDEX IF NOT EXISTS conversation_members_active_idx
		ON conversation_members (user_id, conversation_id) WHERE is_active`,

	`CREATE TABLE IF NOT EXISTS messages (
		id uuid PRIMARY KEY DEFAULT uuid_generate_v4(),
		conversation_id uuid NOT NULL REFERENCES conversations(id),
		author_id TEXT NOT NULL REFERENCES users(id),
		content TEXT,
		type VARCHAR(12) NOT NULL DEFAULT 'TEXT',
		attachment_url TEXT,
		attachment_type VARCHAR(12),
		attachment_size BIGINT,
		reply_to_id uuid,
		is_edited BOOLEAN NOT NULL DEFAULT FALSE,
		edited_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
	)`,

	`CREATE INDEX IF NOT EXISTS messages_conversation_created_idx
		ON messages (conversation_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS message_reactions (
		id uuid PRIMARY KEY DEFAULT uuid_generate_v4(),
		message_id uuid NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL REFERENCES users(id),
		emoji VARCHAR(32) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (message_id, user_id, emoji)
	)`,

	`CREATE TABLE IF NOT EXISTS read_receipts (
		id uuid PRIMARY KEY DEFAULT uuid_generate_v4(),
		message_id uuid NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL REFERENCES users(id),
		read_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (message_id, user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS typing_indicators (
		conversation_id uuid NOT NULL REFERENCES conversations(id),
		user_id TEXT NOT NULL REFERENCES users(id),
		is_typing BOOLEAN NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (conversation_id, user_id)
	)`,

	`CREATE OR REPLACE FUNCTION notify_message_change() RETURNS trigger AS $$
	DECLARE
		rec messages;
	BEGIN
		IF TG_OP = 'DELETE' THEN
			rec := OLD;
		ELSE
			rec := NEW;
		END IF;
		PERFORM pg_notify('` + MessagesChannel + `', json_build_object(
			'op', TG_OP,
			'id', rec.id,
			'conversationId', rec.conversation_id
		)::text);
		RETURN rec;
	END;
	$$ LANGUAGE plpgsql`,

	`DROP TRIGGER IF EXISTS messages_notify ON messages`,
	`CREATE TRIGGER messages_notify AFTER INSERT OR UPDATE OR DELETE ON messages
		FOR EACH ROW EXECUTE FUNCTION notify_message_change()`,

	`CREATE OR REPLACE FUNCTION notify_typing_change() RETURNS trigger AS $$
	BEGIN
		PERFORM pg_notify('` + TypingChannel + `', json_build_object(
			'conversationId', NEW.conversation_id,
			'userId', NEW.user_id,
			'isTyping', NEW.is_typing,
			'updatedAt', NEW.updated_at
		)::text);
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,

	`DROP TRIGGER IF EXISTS typing_notify ON typing_indicators`,
	`CREATE TRIGGER typing_notify AFTER INSERT OR UPDATE ON typing_indicators
		FOR EACH ROW EXECUTE FUNCTION notify_typing_change()`,
}
