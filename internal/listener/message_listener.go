package listener

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"chat-sync/internal/models"
	"chat-sync/internal/observability"
	"chat-sync/internal/remote"
	"chat-sync/internal/repositories"
)

// BlockChecker reports whether the local user blocked userID.
type BlockChecker interface {
	IsBlocked(userID string) bool
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// MessageListener keeps at most one remote message subscription per
// conversation. Start, Stop and StopAll are serialized by one mutex, and a
// replaced subscription has fully exited before its successor is armed.
type MessageListener struct {
	store  repositories.LocalStore
	feed   remote.Feed
	blocks BlockChecker
	base   context.Context

	mu   sync.Mutex
	subs map[string]*subscription
}

// NewMessageListener constructs an idle MessageListener.
func NewMessageListener(store repositories.LocalStore, feed remote.Feed, blocks BlockChecker) *MessageListener {
	return &MessageListener{
		store:  store,
		feed:   feed,
		blocks: blocks,
		base:   context.Background(),
		subs:   make(map[string]*subscription),
	}
}

// ReplayWatermark returns the later of the deletion watermark and the date of
// the newest cached message, or nil when neither exists.
func ReplayWatermark(effectiveFrom *time.Time, last *models.Message) *time.Time {
	var offset *time.Time
	if effectiveFrom != nil {
		ts := *effectiveFrom
		offset = &ts
	}
	if last != nil && (offset == nil || last.Date.After(*offset)) {
		ts := last.Date
		offset = &ts
	}
	return offset
}

// Start (re)arms the subscription of conversation. Any previous subscription
// for the same id is cancelled first. Nothing is armed for a blocked
// interlocutor. Failures are logged and leave the conversation unlistened.
func (l *MessageListener) Start(ctx context.Context, conversation models.Conversation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer l.recordActive()

	l.stopLocked(conversation.ID)
	l.startLocked(ctx, conversation)
}

// Hold cancels the subscription of conversationID, runs fn and then re-arms
// the conversation from the store when it was listened to before or rearm is
// set. No subscription of conversationID can be armed while fn runs.
func (l *MessageListener) Hold(ctx context.Context, conversationID string, rearm bool, fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer l.recordActive()

	_, listening := l.subs[conversationID]
	l.stopLocked(conversationID)
	err := fn()

	if !listening && !rearm {
		return err
	}
	conv, getErr := l.store.GetConversation(ctx, conversationID)
	if getErr != nil {
		jww.WARN.Printf("[MsgListener] reload %s: %v", conversationID, getErr)
		return err
	}
	if conv.State == models.ConversationCreated {
		l.startLocked(ctx, conv)
	}
	return err
}

// startLocked must be called with l.mu held and no subscription armed for
// the conversation. The stored watermark wins over an older one carried by
// conversation.
func (l *MessageListener) startLocked(ctx context.Context, conversation models.Conversation) {
	if l.blocks != nil && l.blocks.IsBlocked(conversation.InterlocutorID) {
		jww.DEBUG.Printf("[MsgListener] not arming %s: interlocutor %s is blocked", conversation.ID, conversation.InterlocutorID)
		return
	}

	stored, err := l.store.GetConversation(ctx, conversation.ID)
	switch {
	case err == nil:
		if stored.EffectiveFrom != nil {
			conversation.AdvanceWatermark(*stored.EffectiveFrom)
		}
	case !errors.Is(err, repositories.ErrNotFound):
		jww.WARN.Printf("[MsgListener] load %s: %v", conversation.ID, err)
		return
	}

	last, err := l.store.GetLastMessage(ctx, conversation.ID)
	if err != nil {
		jww.WARN.Printf("[MsgListener] last message of %s: %v", conversation.ID, err)
		return
	}
	since := ReplayWatermark(conversation.EffectiveFrom, last)

	subCtx, cancel := context.WithCancel(l.base)
	stream, err := l.feed.SubscribeMessages(subCtx, conversation.ID, since)
	if err != nil {
		cancel()
		jww.WARN.Printf("[MsgListener] subscribe %s: %v", conversation.ID, err)
		return
	}

	sub := &subscription{cancel: cancel, done: make(chan struct{})}
	l.subs[conversation.ID] = sub
	go l.consume(subCtx, conversation.ID, since, stream, sub)
}

func (l *MessageListener) consume(ctx context.Context, conversationID string, since *time.Time, stream <-chan models.Message, sub *subscription) {
	defer func() {
		close(sub.done)
		l.mu.Lock()
		if l.subs[conversationID] == sub {
			delete(l.subs, conversationID)
			l.recordActive()
		}
		l.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-stream:
			if !ok {
				return
			}
			if since != nil && !msg.Date.After(*since) {
				continue
			}
			msg.ConversationID = conversationID
			msg.State = models.MessageSent
			msg.Visible = true
			if err := l.store.UpsertMessage(ctx, msg); err != nil {
				jww.WARN.Printf("[MsgListener] store message %s: %v", msg.ID, err)
			}
		}
	}
}

// Stop cancels the subscription of conversationID, if any.
func (l *MessageListener) Stop(conversationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked(conversationID)
	l.recordActive()
}

// StopAll cancels every subscription and closes the store's message watchers.
func (l *MessageListener) StopAll() {
	l.mu.Lock()
	for id := range l.subs {
		l.stopLocked(id)
	}
	l.recordActive()
	l.mu.Unlock()

	l.store.StopMessageWatchers()
}

func (l *MessageListener) stopLocked(conversationID string) {
	sub, ok := l.subs[conversationID]
	if !ok {
		return
	}
	delete(l.subs, conversationID)
	sub.cancel()
	<-sub.done
}

// Active returns the number of armed subscriptions.
func (l *MessageListener) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// IsListening reports whether conversationID has an armed subscription.
func (l *MessageListener) IsListening(conversationID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.subs[conversationID]
	return ok
}

// recordActive must be called with l.mu held.
func (l *MessageListener) recordActive() {
	observability.SetMessageSubscriptions(len(l.subs))
}
