package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"chat-sync/internal/models"
)

// MessageRepo is the sqlx-backed message table of SQLStore.
type MessageRepo struct {
	db   *sqlx.DB
	feed *changeFeed
}

const messageColumns = `id, sender_id, recipient_id, conversation_id, content, date, seen, state, visible`

const upsertMessageQuery = `INSERT INTO messages (id, sender_id, recipient_id, conversation_id, content, date, seen, state, visible)
        VALUES (:id, :sender_id, :recipient_id, :conversation_id, :content, :date, :seen, :state, :visible)
        ON CONFLICT (id) DO UPDATE SET
            content = EXCLUDED.content,
            seen = EXCLUDED.seen,
            state = EXCLUDED.state,
            visible = EXCLUDED.visible`

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, id string) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrNotFound
	}
	return msg, err
}

// GetLastMessage returns the most recent message of a conversation, hidden or not.
func (r *MessageRepo) GetLastMessage(ctx context.Context, conversationID string) (*models.Message, error) {
	return r.last(ctx, `SELECT `+messageColumns+` FROM messages WHERE conversation_id=$1
        ORDER BY date DESC LIMIT 1`, conversationID)
}

// GetLastVisibleMessage returns the most recent visible message of a conversation.
func (r *MessageRepo) GetLastVisibleMessage(ctx context.Context, conversationID string) (*models.Message, error) {
	return r.last(ctx, `SELECT `+messageColumns+` FROM messages WHERE conversation_id=$1 AND visible = TRUE
        ORDER BY date DESC LIMIT 1`, conversationID)
}

func (r *MessageRepo) last(ctx context.Context, query string, conversationID string) (*models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, query, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListMessages returns a conversation's messages ordered by date.
func (r *MessageRepo) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages WHERE conversation_id=$1 ORDER BY date ASC`, conversationID)
	return msgs, err
}

// ListUnsentMessages returns every message not yet acknowledged remotely, oldest first.
func (r *MessageRepo) ListUnsentMessages(ctx context.Context) ([]models.Message, error) {
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages WHERE state <> $1 ORDER BY date ASC`, models.MessageSent)
	return msgs, err
}

// UpsertMessage inserts or updates a message. The date of an existing row is
// left untouched.
func (r *MessageRepo) UpsertMessage(ctx context.Context, msg models.Message) error {
	if _, err := r.db.NamedExecContext(ctx, upsertMessageQuery, msg); err != nil {
		return err
	}
	r.feed.publish(models.ChangeEvent{Kind: models.MessageUpserted, ConversationID: msg.ConversationID, MessageID: msg.ID})
	return nil
}

// DeleteMessages removes every message of a conversation.
func (r *MessageRepo) DeleteMessages(ctx context.Context, conversationID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id=$1`, conversationID); err != nil {
		return err
	}
	r.feed.publish(models.ChangeEvent{Kind: models.MessagesDeleted, ConversationID: conversationID})
	return nil
}

// HideMessagesUntil soft-hides messages dated at or before until.
func (r *MessageRepo) HideMessagesUntil(ctx context.Context, conversationID string, until time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET visible = FALSE WHERE conversation_id=$1 AND date <= $2 AND visible = TRUE`, conversationID, until)
	if err != nil {
		return err
	}
	if count, err := res.RowsAffected(); err == nil && count > 0 {
		r.feed.publish(models.ChangeEvent{Kind: models.MessageUpserted, ConversationID: conversationID})
	}
	return nil
}
