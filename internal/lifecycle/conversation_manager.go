package lifecycle

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"chat-sync/internal/models"
	"chat-sync/internal/remote"
	"chat-sync/internal/repositories"
)

var tracer = otel.Tracer("chat-sync/lifecycle")

// ListenerStopper cancels the message subscription of one conversation.
type ListenerStopper interface {
	Stop(conversationID string)
}

// ConversationManager drives the conversation state machine: every change
// is written locally before the matching remote call, and remote failures
// end up in the conversation state instead of being returned.
type ConversationManager struct {
	store    repositories.LocalStore
	feed     remote.Feed
	listener ListenerStopper
	now      func() time.Time
}

func NewConversationManager(store repositories.LocalStore, feed remote.Feed, listener ListenerStopper) *ConversationManager {
	return &ConversationManager{
		store:    store,
		feed:     feed,
		listener: listener,
		now:      time.Now,
	}
}

// Draft returns the local conversation with interlocutorID, creating a
// local-only draft when there is none.
func (m *ConversationManager) Draft(ctx context.Context, interlocutorID string) (models.Conversation, error) {
	if interlocutorID == "" {
		return models.Conversation{}, errors.New("draft conversation: empty interlocutor")
	}
	existing, err := m.store.GetConversationByInterlocutor(ctx, interlocutorID)
	if err == nil && existing.State != models.ConversationDeleting {
		return existing, nil
	}
	if err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return models.Conversation{}, errors.Wrap(err, "lookup conversation")
	}

	conv := models.Conversation{
		ID:             uuid.NewString(),
		InterlocutorID: interlocutorID,
		CreatedAt:      m.now(),
		State:          models.ConversationDraft,
	}
	if err := m.store.UpsertConversation(ctx, conv); err != nil {
		return models.Conversation{}, errors.Wrap(err, "store draft conversation")
	}
	return conv, nil
}

// Create submits a draft conversation.
func (m *ConversationManager) Create(ctx context.Context, conv models.Conversation, userID string) (models.Conversation, error) {
	ctx, span := tracer.Start(ctx, "conversation.create", trace.WithAttributes(attribute.String("conversation.id", conv.ID)))
	defer span.End()
	return m.submit(ctx, conv, userID)
}

// Recreate retries the remote create of a conversation left in error.
func (m *ConversationManager) Recreate(ctx context.Context, conv models.Conversation, userID string) (models.Conversation, error) {
	ctx, span := tracer.Start(ctx, "conversation.recreate", trace.WithAttributes(attribute.String("conversation.id", conv.ID)))
	defer span.End()
	if current, err := m.store.GetConversation(ctx, conv.ID); err == nil {
		conv = current
	}
	return m.submit(ctx, conv, userID)
}

func (m *ConversationManager) submit(ctx context.Context, conv models.Conversation, userID string) (models.Conversation, error) {
	next, err := models.NextConversationState(conv.State, models.EventSubmit)
	if err != nil {
		return conv, err
	}
	conv.State = next
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = m.now()
	}
	if err := m.store.UpsertConversation(ctx, conv); err != nil {
		jww.ERROR.Printf("[ConvManager] store %s as %s: %v", conv.ID, conv.State, err)
		return conv, errors.Wrap(err, "store conversation")
	}

	return m.finishCreate(ctx, conv, createRemotely(ctx, m.feed, conv, userID)), nil
}

// finishCreate applies the outcome of a remote create to conv.
func (m *ConversationManager) finishCreate(ctx context.Context, conv models.Conversation, remoteErr error) models.Conversation {
	event := models.EventAck
	if remoteErr != nil {
		jww.WARN.Printf("[ConvManager] remote create %s: %v", conv.ID, remoteErr)
		event = models.EventFail
	}
	next, err := models.NextConversationState(conv.State, event)
	if err != nil {
		jww.ERROR.Printf("[ConvManager] %s: %v", conv.ID, err)
		return conv
	}
	conv.State = next
	if err := m.store.UpsertConversation(ctx, conv); err != nil {
		jww.ERROR.Printf("[ConvManager] store %s as %s: %v", conv.ID, conv.State, err)
	}
	return conv
}

// createRemotely treats an already existing conversation as created.
func createRemotely(ctx context.Context, feed remote.Feed, conv models.Conversation, userID string) error {
	err := feed.CreateConversation(ctx, conv, userID)
	if errors.Is(err, remote.ErrConflict) {
		return nil
	}
	return err
}

// Delete deletes a conversation for the local user. A conversation known to
// the remote gets a deletion watermark and is deleted remotely; any other
// conversation is only removed locally.
func (m *ConversationManager) Delete(ctx context.Context, conv models.Conversation, userID string) (models.Conversation, error) {
	ctx, span := tracer.Start(ctx, "conversation.delete", trace.WithAttributes(attribute.String("conversation.id", conv.ID)))
	defer span.End()

	current, err := m.store.GetConversation(ctx, conv.ID)
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		current = conv
	case err != nil:
		return conv, errors.Wrap(err, "load conversation")
	}

	next, err := models.NextConversationState(current.State, models.EventDelete)
	if err != nil {
		return current, m.purge(ctx, current.ID)
	}

	current.State = next
	current.AdvanceWatermark(m.now())
	if err := m.store.UpsertConversation(ctx, current); err != nil {
		jww.ERROR.Printf("[ConvManager] store %s as deleting: %v", current.ID, err)
		return current, errors.Wrap(err, "store conversation")
	}
	if m.listener != nil {
		m.listener.Stop(current.ID)
	}

	if err := m.RetryDelete(ctx, current, userID); err != nil {
		jww.WARN.Printf("[ConvManager] remote delete %s, will retry: %v", current.ID, err)
	}
	return current, nil
}

// RetryDelete issues the remote delete of a conversation already in
// deleting and purges it locally once the remote acknowledged.
func (m *ConversationManager) RetryDelete(ctx context.Context, conv models.Conversation, userID string) error {
	if conv.State != models.ConversationDeleting || conv.EffectiveFrom == nil {
		return errors.Wrapf(models.ErrInvalidTransition, "retry delete of %s in %s", conv.ID, conv.State)
	}
	err := m.feed.DeleteConversation(ctx, conv.ID, userID, *conv.EffectiveFrom)
	if err != nil && !errors.Is(err, remote.ErrNotFound) {
		return err
	}
	return m.purge(ctx, conv.ID)
}

func (m *ConversationManager) purge(ctx context.Context, conversationID string) error {
	if err := m.store.DeleteMessages(ctx, conversationID); err != nil {
		jww.ERROR.Printf("[ConvManager] delete messages of %s: %v", conversationID, err)
		return errors.Wrap(err, "delete messages")
	}
	if err := m.store.DeleteConversation(ctx, conversationID); err != nil {
		jww.ERROR.Printf("[ConvManager] delete %s: %v", conversationID, err)
		return errors.Wrap(err, "delete conversation")
	}
	return nil
}
