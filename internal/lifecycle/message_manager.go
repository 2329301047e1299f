package lifecycle

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"chat-sync/internal/models"
	"chat-sync/internal/remote"
	"chat-sync/internal/repositories"
)

const (
	previewLength = 100
	notifyTimeout = 10 * time.Second
)

// Notifier delivers a best-effort push to the recipient of a sent message.
type Notifier interface {
	SendMessageNotification(ctx context.Context, fromUserID, toUserID, conversationID, messageID, preview string) error
}

// MessageManager drives the message state machine. A message is only marked
// sent after the remote acknowledged it, and never reaches the remote before
// its conversation does.
type MessageManager struct {
	store         repositories.LocalStore
	feed          remote.Feed
	conversations *ConversationManager
	notifier      Notifier
	now           func() time.Time
}

func NewMessageManager(store repositories.LocalStore, feed remote.Feed, conversations *ConversationManager, notifier Notifier) *MessageManager {
	return &MessageManager{
		store:         store,
		feed:          feed,
		conversations: conversations,
		notifier:      notifier,
		now:           time.Now,
	}
}

// Send persists msg as sending and writes it remotely, creating its
// conversation first when the remote does not know it yet. Remote failures
// are reported through the returned states; the error is only set when the
// send could not be started.
func (m *MessageManager) Send(ctx context.Context, conv models.Conversation, msg models.Message, userID string) (models.Conversation, models.Message, error) {
	ctx, span := tracer.Start(ctx, "message.send", trace.WithAttributes(
		attribute.String("conversation.id", conv.ID),
		attribute.String("message.id", msg.ID),
	))
	defer span.End()

	if current, err := m.store.GetConversation(ctx, conv.ID); err == nil {
		conv = current
	} else if !errors.Is(err, repositories.ErrNotFound) {
		return conv, msg, errors.Wrap(err, "load conversation")
	}
	if conv.State == models.ConversationDeleting {
		return conv, msg, errors.Wrapf(models.ErrInvalidTransition, "send into deleting conversation %s", conv.ID)
	}

	if conv.State == "" {
		conv.State = models.ConversationDraft
	}
	if msg.State == "" {
		msg.State = models.MessageDraft
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if stored, err := m.store.GetMessage(ctx, msg.ID); err == nil {
		msg.Date = stored.Date
		msg.State = stored.State
	}
	nextMsg, err := models.NextMessageState(msg.State, models.EventSubmit)
	if err != nil {
		return conv, msg, err
	}

	createConv := conv.NeedsRemoteCreate()
	if createConv {
		nextConv, err := models.NextConversationState(conv.State, models.EventSubmit)
		if err != nil {
			return conv, msg, err
		}
		conv.State = nextConv
		if conv.CreatedAt.IsZero() {
			conv.CreatedAt = m.now()
		}
		if err := m.store.UpsertConversation(ctx, conv); err != nil {
			jww.ERROR.Printf("[MsgManager] store conversation %s: %v", conv.ID, err)
			return conv, msg, errors.Wrap(err, "store conversation")
		}
	}

	msg.State = nextMsg
	msg.ConversationID = conv.ID
	msg.Visible = true
	if msg.SenderID == "" {
		msg.SenderID = userID
	}
	if msg.RecipientID == "" {
		msg.RecipientID = conv.InterlocutorID
	}
	if msg.Date.IsZero() {
		msg.Date = m.now()
	}
	if err := m.store.UpsertMessage(ctx, msg); err != nil {
		jww.ERROR.Printf("[MsgManager] store message %s: %v", msg.ID, err)
		return conv, msg, errors.Wrap(err, "store message")
	}

	if createConv {
		err := createRemotely(ctx, m.feed, conv, userID)
		conv = m.conversations.finishCreate(ctx, conv, err)
		if err != nil {
			return conv, m.finishSend(ctx, msg, err), nil
		}
	}

	err = m.feed.CreateMessage(ctx, msg)
	if errors.Is(err, remote.ErrConflict) {
		err = nil
	}
	msg = m.finishSend(ctx, msg, err)
	if err == nil {
		m.notify(msg)
	}
	return conv, msg, nil
}

func (m *MessageManager) finishSend(ctx context.Context, msg models.Message, remoteErr error) models.Message {
	event := models.EventAck
	if remoteErr != nil {
		jww.WARN.Printf("[MsgManager] remote send %s: %v", msg.ID, remoteErr)
		event = models.EventFail
	}
	next, err := models.NextMessageState(msg.State, event)
	if err != nil {
		jww.ERROR.Printf("[MsgManager] %s: %v", msg.ID, err)
		return msg
	}
	msg.State = next
	if err := m.store.UpsertMessage(ctx, msg); err != nil {
		jww.ERROR.Printf("[MsgManager] store message %s as %s: %v", msg.ID, msg.State, err)
	}
	return msg
}

// Retry resends a message left in error.
func (m *MessageManager) Retry(ctx context.Context, messageID, userID string) (models.Conversation, models.Message, error) {
	msg, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		return models.Conversation{}, models.Message{}, errors.Wrapf(err, "load message %s", messageID)
	}
	conv, err := m.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return models.Conversation{}, msg, errors.Wrapf(err, "load conversation %s", msg.ConversationID)
	}
	return m.Send(ctx, conv, msg, userID)
}

// notify runs detached from the caller; its outcome never touches the message.
func (m *MessageManager) notify(msg models.Message) {
	if m.notifier == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				jww.ERROR.Printf("[MsgManager] notification for %s panicked: %v", msg.ID, r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := m.notifier.SendMessageNotification(ctx, msg.SenderID, msg.RecipientID, msg.ConversationID, msg.ID, preview(msg.Content)); err != nil {
			jww.WARN.Printf("[MsgManager] notification for %s: %v", msg.ID, err)
		}
	}()
}

func preview(content string) string {
	if utf8.RuneCountInString(content) <= previewLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewLength]) + "…"
}
