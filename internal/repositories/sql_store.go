package repositories

import (
	"context"

	"github.com/jmoiron/sqlx"

	"chat-sync/internal/models"
)

// SQLStore is a Postgres-backed LocalStore.
type SQLStore struct {
	*ConversationRepo
	*MessageRepo

	db   *sqlx.DB
	feed *changeFeed
}

// NewSQLStore constructs a SQLStore on an already migrated database.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	feed := newChangeFeed()
	return &SQLStore{
		ConversationRepo: &ConversationRepo{db: db, feed: feed},
		MessageRepo:      &MessageRepo{db: db, feed: feed},
		db:               db,
		feed:             feed,
	}
}

// Clear removes all conversations and messages atomically.
func (s *SQLStore) Clear(ctx context.Context) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM messages`); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM conversations`); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	s.feed.publish(models.ChangeEvent{Kind: models.StoreCleared})
	return nil
}

// ChangeStream subscribes to store writes.
func (s *SQLStore) ChangeStream(ctx context.Context) <-chan models.ChangeEvent {
	return s.feed.stream(ctx)
}

// WatchMessages streams snapshots of a conversation's messages.
func (s *SQLStore) WatchMessages(ctx context.Context, conversationID string) <-chan []models.Message {
	return s.feed.watch(ctx, conversationID, s.ListMessages)
}

// StopMessageWatchers closes every WatchMessages stream.
func (s *SQLStore) StopMessageWatchers() {
	s.feed.stopWatchers()
}

var _ LocalStore = (*SQLStore)(nil)
var _ BlockedUserRepository = (*BlockedUserRepo)(nil)
