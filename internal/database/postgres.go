// internal/database/postgres.go
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// SQLSTATE raised when a participant id has no users row.
const pgForeignKeyViolation = "23503"

// PostgresDB represents a PostgreSQL database connection
type PostgresDB struct {
	sqlStore
	log zerolog.Logger
}

var _ Store = (*PostgresDB)(nil)

// NewPostgresDB creates a new PostgreSQL database connection
func NewPostgresDB(connectionString string, logger zerolog.Logger) (*PostgresDB, error) {
	db, err := sqlx.Connect("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	logger.Info().Msg("connected to PostgreSQL")

	return &PostgresDB{
		sqlStore: sqlStore{
			DB:                    db,
			isForeignKeyViolation: isPQCode(pgForeignKeyViolation),
		},
		log: logger,
	}, nil
}

// Close closes the database connection
func (p *PostgresDB) Close(ctx context.Context) error {
	p.log.Info().Msg("closing PostgreSQL connection")
	return p.DB.Close()
}

// InitializeSchema creates the messaging tables if they don't exist. The
// users table belongs to the auth subsystem; it is only ensured here so the
// participant foreign keys have a target.
func (p *PostgresDB) InitializeSchema(ctx context.Context) error {
	return p.execAll(ctx, []string{
		`CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY,
			email VARCHAR(255) UNIQUE,
			display_name VARCHAR(100) NOT NULL DEFAULT '',
			profile_image_url TEXT,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id UUID PRIMARY KEY,
			participant_a UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			participant_b UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			property_id UUID,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			last_activity_at TIMESTAMP WITH TIME ZONE NOT NULL,
			CONSTRAINT conversations_pair_key UNIQUE (participant_a, participant_b),
			CONSTRAINT conversations_pair_order CHECK (participant_a < participant_b)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_participant_b ON conversations (participant_b)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id VARCHAR(26) PRIMARY KEY,
			conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			receiver_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			content TEXT NOT NULL,
			is_read BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages (conversation_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_receiver_unread ON messages (receiver_id) WHERE is_read = FALSE`,
	})
}

// isPQCode returns a matcher for a PostgreSQL SQLSTATE code.
func isPQCode(code pq.ErrorCode) func(error) bool {
	return func(err error) bool {
		var pqErr *pq.Error
		return errors.As(err, &pqErr) && pqErr.Code == code
	}
}
