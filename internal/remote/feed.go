package remote

import (
	"context"
	"time"

	"chat-sync/internal/models"
)

// Feed is the real-time source of truth for conversations and messages.
//
// Subscribe calls return a channel that stays open until ctx is done.
// Transport failures are retried inside the subscription; an error is only
// returned when the subscription cannot be set up at all.
type Feed interface {
	SubscribeConversations(ctx context.Context, userID string) (<-chan models.Conversation, error)
	// SubscribeMessages streams messages dated strictly after since. A nil
	// since replays the full history.
	SubscribeMessages(ctx context.Context, conversationID string, since *time.Time) (<-chan models.Message, error)

	CreateConversation(ctx context.Context, conversation models.Conversation, userID string) error
	DeleteConversation(ctx context.Context, conversationID, userID string, at time.Time) error
	UpdateWatermark(ctx context.Context, conversationID, userID string, at time.Time) error
	CreateMessage(ctx context.Context, message models.Message) error
}
