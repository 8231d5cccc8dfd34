package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// SQLiteDB is the embedded single-file backend, handy for local development.
type SQLiteDB struct {
	sqlStore
	log zerolog.Logger
}

var _ Store = (*SQLiteDB)(nil)

// NewSQLiteDB opens (creating if needed) the database file at dbPath.
func NewSQLiteDB(ctx context.Context, dbPath string, logger zerolog.Logger) (*SQLiteDB, error) {
	if dbPath == "" {
		dbPath = "./data/househub.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}

	db, err := sqlx.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	// A single writer connection keeps transactions from tripping over SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite: %w", err)
	}

	logger.Info().Str("path", dbPath).Msg("opened SQLite database")

	return &SQLiteDB{
		sqlStore: sqlStore{
			DB:                    db,
			isForeignKeyViolation: isSQLiteForeignKeyViolation,
		},
		log: logger,
	}, nil
}

func (s *SQLiteDB) Close(ctx context.Context) error {
	s.log.Info().Msg("closing SQLite database")
	return s.DB.Close()
}

func (s *SQLiteDB) InitializeSchema(ctx context.Context) error {
	return s.execAll(ctx, []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			profile_image_url TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			participant_a TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			participant_b TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			property_id TEXT,
			created_at TIMESTAMP NOT NULL,
			last_activity_at TIMESTAMP NOT NULL,
			UNIQUE (participant_a, participant_b),
			CHECK (participant_a < participant_b)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_participant_b ON conversations (participant_b)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			receiver_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			content TEXT NOT NULL,
			is_read BOOLEAN NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages (conversation_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_receiver_unread ON messages (receiver_id, is_read)`,
	})
}

func isSQLiteForeignKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
}
