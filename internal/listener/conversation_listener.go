package listener

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"chat-sync/internal/models"
	"chat-sync/internal/remote"
	"chat-sync/internal/repositories"
)

// MessageArmer is the part of MessageListener the conversation listener drives.
type MessageArmer interface {
	Start(ctx context.Context, conversation models.Conversation)
	StopAll()
}

// ConversationListener holds the single conversation subscription of the
// signed-in user and fans every emitted conversation out to the message
// listener.
type ConversationListener struct {
	store    repositories.LocalStore
	feed     remote.Feed
	messages MessageArmer
	base     context.Context

	mu     sync.Mutex
	userID string
	cancel context.CancelFunc
	done   chan struct{}
}

func NewConversationListener(store repositories.LocalStore, feed remote.Feed, messages MessageArmer) *ConversationListener {
	return &ConversationListener{
		store:    store,
		feed:     feed,
		messages: messages,
		base:     context.Background(),
	}
}

// Start subscribes to the conversations of userID. A running subscription and
// every message subscription are torn down before the new one is opened.
func (l *ConversationListener) Start(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stopLocked()

	ctx, cancel := context.WithCancel(l.base)
	stream, err := l.feed.SubscribeConversations(ctx, userID)
	if err != nil {
		cancel()
		jww.ERROR.Printf("[ConvListener] subscribe conversations of %s: %v", userID, err)
		return
	}

	done := make(chan struct{})
	l.userID = userID
	l.cancel = cancel
	l.done = done
	jww.INFO.Printf("[ConvListener] listening for conversations of %s", userID)
	go l.consume(ctx, stream, done)
}

func (l *ConversationListener) consume(ctx context.Context, stream <-chan models.Conversation, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case conv, ok := <-stream:
			if !ok {
				return
			}
			merged, err := l.merge(ctx, conv)
			if err != nil {
				jww.WARN.Printf("[ConvListener] merge %s: %v", conv.ID, err)
				continue
			}
			if merged.State == models.ConversationDeleting {
				continue
			}
			l.messages.Start(ctx, merged)
		}
	}
}

// merge folds a remote emission into the cached conversation. A local
// deletion in flight is kept and the watermark never moves back.
func (l *ConversationListener) merge(ctx context.Context, incoming models.Conversation) (models.Conversation, error) {
	merged := incoming
	merged.State = models.ConversationCreated

	local, err := l.store.GetConversation(ctx, incoming.ID)
	switch {
	case errors.Is(err, repositories.ErrNotFound):
	case err != nil:
		return models.Conversation{}, err
	default:
		if local.State == models.ConversationDeleting {
			merged.State = models.ConversationDeleting
		}
		if merged.CreatedAt.IsZero() {
			merged.CreatedAt = local.CreatedAt
		}
		if local.EffectiveFrom != nil {
			merged.AdvanceWatermark(*local.EffectiveFrom)
		}
	}

	if err := l.store.UpsertConversation(ctx, merged); err != nil {
		return models.Conversation{}, errors.Wrap(err, "store conversation")
	}
	return merged, nil
}

// Stop cancels the conversation subscription and every message
// subscription. Stopping a stopped listener does nothing.
func (l *ConversationListener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked()
}

func (l *ConversationListener) stopLocked() {
	if l.cancel != nil {
		l.cancel()
		<-l.done
		jww.INFO.Printf("[ConvListener] stopped listening for %s", l.userID)
	}
	l.cancel = nil
	l.done = nil
	l.userID = ""
	l.messages.StopAll()
}

// UserID returns the user being listened for, or "" when stopped.
func (l *ConversationListener) UserID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.userID
}
