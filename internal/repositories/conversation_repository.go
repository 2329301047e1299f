package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"chat-sync/internal/models"
)

// ConversationRepo is the sqlx-backed conversation table of SQLStore.
type ConversationRepo struct {
	db   *sqlx.DB
	feed *changeFeed
}

const conversationColumns = `id, interlocutor_id, created_at, state, effective_from, watermark_pending`

const upsertConversationQuery = `INSERT INTO conversations (id, interlocutor_id, created_at, state, effective_from, watermark_pending)
        VALUES (:id, :interlocutor_id, :created_at, :state, :effective_from, :watermark_pending)
        ON CONFLICT (id) DO UPDATE SET
            interlocutor_id = EXCLUDED.interlocutor_id,
            state = EXCLUDED.state,
            effective_from = GREATEST(conversations.effective_from, EXCLUDED.effective_from),
            watermark_pending = conversations.watermark_pending OR EXCLUDED.watermark_pending`

const markWatermarkSyncedQuery = `UPDATE conversations SET watermark_pending = FALSE
        WHERE id=$1 AND watermark_pending AND effective_from <= $2`

// GetConversation fetches a conversation by id.
func (r *ConversationRepo) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrNotFound
	}
	return conv, err
}

// GetConversationByInterlocutor fetches the conversation held with userID.
func (r *ConversationRepo) GetConversationByInterlocutor(ctx context.Context, userID string) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE interlocutor_id=$1
        ORDER BY created_at DESC LIMIT 1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrNotFound
	}
	return conv, err
}

// ListConversations returns every cached conversation, newest first.
func (r *ConversationRepo) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := r.db.SelectContext(ctx, &convs, `SELECT `+conversationColumns+` FROM conversations ORDER BY created_at DESC`)
	return convs, err
}

// UpsertConversation inserts or updates a conversation. The stored watermark
// never moves backwards and a pending watermark stays pending.
func (r *ConversationRepo) UpsertConversation(ctx context.Context, conv models.Conversation) error {
	if _, err := r.db.NamedExecContext(ctx, upsertConversationQuery, conv); err != nil {
		return err
	}
	r.feed.publish(models.ChangeEvent{Kind: models.ConversationUpserted, ConversationID: conv.ID})
	return nil
}

// MarkWatermarkSynced clears the pending flag unless the watermark moved past at.
func (r *ConversationRepo) MarkWatermarkSynced(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, markWatermarkSyncedQuery, id, at)
	if err != nil {
		return err
	}
	if count, err := res.RowsAffected(); err == nil && count > 0 {
		r.feed.publish(models.ChangeEvent{Kind: models.ConversationUpserted, ConversationID: id})
	}
	return nil
}

// DeleteConversation removes a conversation row.
func (r *ConversationRepo) DeleteConversation(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM conversations WHERE id=$1`, id); err != nil {
		return err
	}
	r.feed.publish(models.ChangeEvent{Kind: models.ConversationDeleted, ConversationID: id})
	return nil
}
