package db

import (
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// Connect opens the local store database and runs migrations.
func Connect(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connect db")
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "run migrations")
	}

	return db, nil
}

func runMigrations(db *sqlx.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
            id TEXT PRIMARY KEY,
            interlocutor_id TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            state TEXT NOT NULL,
            effective_from TIMESTAMPTZ NULL
        );`,
		`ALTER TABLE conversations ADD COLUMN IF NOT EXISTS watermark_pending BOOLEAN NOT NULL DEFAULT FALSE;`,
		`CREATE INDEX IF NOT EXISTS conversations_interlocutor_idx ON conversations (interlocutor_id);`,
		`CREATE TABLE IF NOT EXISTS messages (
            id TEXT PRIMARY KEY,
            conversation_id TEXT NOT NULL,
            sender_id TEXT NOT NULL,
            recipient_id TEXT NOT NULL,
            content TEXT NOT NULL,
            date TIMESTAMPTZ NOT NULL,
            seen BOOLEAN NOT NULL DEFAULT FALSE,
            state TEXT NOT NULL,
            visible BOOLEAN NOT NULL DEFAULT TRUE
        );`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_date_idx ON messages (conversation_id, date);`,
		`CREATE TABLE IF NOT EXISTS blocked_users (
            user_id TEXT PRIMARY KEY,
            blocked_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	jww.INFO.Println("[DB] local store migrations applied")
	return nil
}
