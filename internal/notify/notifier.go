package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"chat-sync/internal/observability"
	"chat-sync/internal/rabbitmq"
)

// MessagePush is the payload published for a sent message.
type MessagePush struct {
	ID             string    `json:"id"`
	FromUserID     string    `json:"from_user_id"`
	ToUserID       string    `json:"to_user_id"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	Preview        string    `json:"preview"`
	SentAt         time.Time `json:"sent_at"`
}

func (MessagePush) MessageType() string { return "message_push" }

// MessageNotifier hands message pushes to the notification exchange.
type MessageNotifier struct {
	publisher  rabbitmq.Publisher
	routingKey string
	now        func() time.Time
}

func NewMessageNotifier(publisher rabbitmq.Publisher, routingKey string) *MessageNotifier {
	return &MessageNotifier{publisher: publisher, routingKey: routingKey, now: time.Now}
}

func (n *MessageNotifier) SendMessageNotification(ctx context.Context, fromUserID, toUserID, conversationID, messageID, preview string) error {
	push := MessagePush{
		ID:             uuid.NewString(),
		FromUserID:     fromUserID,
		ToUserID:       toUserID,
		ConversationID: conversationID,
		MessageID:      messageID,
		Preview:        preview,
		SentAt:         n.now().UTC(),
	}
	headers := observability.BuildHeaders(push.ID, "")
	if err := n.publisher.Publish(ctx, n.routingKey, push, headers); err != nil {
		return errors.Wrapf(err, "publish notification for %s", messageID)
	}
	return nil
}
