package repositories

import (
	"context"
	"errors"
	"sync"
	"time"

	"chat-sync/internal/events"
	"chat-sync/internal/models"
)

// ErrNotFound is returned when an entity is missing from the local store.
var ErrNotFound = errors.New("not found in local store")

// LocalStore is the single writable cache of conversations and messages.
type LocalStore interface {
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	GetConversationByInterlocutor(ctx context.Context, userID string) (models.Conversation, error)
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	// UpsertConversation never moves the watermark back and never clears
	// WatermarkPending.
	UpsertConversation(ctx context.Context, conversation models.Conversation) error
	// MarkWatermarkSynced clears WatermarkPending once the remote acknowledged
	// a watermark at or after the stored one.
	MarkWatermarkSynced(ctx context.Context, id string, at time.Time) error
	DeleteConversation(ctx context.Context, id string) error

	GetMessage(ctx context.Context, id string) (models.Message, error)
	// GetLastMessage returns nil when the conversation has no messages.
	GetLastMessage(ctx context.Context, conversationID string) (*models.Message, error)
	GetLastVisibleMessage(ctx context.Context, conversationID string) (*models.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	ListUnsentMessages(ctx context.Context) ([]models.Message, error)
	UpsertMessage(ctx context.Context, message models.Message) error
	DeleteMessages(ctx context.Context, conversationID string) error
	HideMessagesUntil(ctx context.Context, conversationID string, until time.Time) error

	// Clear removes all conversations and messages.
	Clear(ctx context.Context) error

	ChangeStream(ctx context.Context) <-chan models.ChangeEvent
	// WatchMessages streams snapshots of one conversation's messages until ctx
	// is done or StopMessageWatchers is called.
	WatchMessages(ctx context.Context, conversationID string) <-chan []models.Message
	StopMessageWatchers()
}

// BlockedUserRepository persists the local user's block list.
type BlockedUserRepository interface {
	ListBlockedUsers(ctx context.Context) ([]models.BlockedUser, error)
	SaveBlockedUser(ctx context.Context, user models.BlockedUser) error
	DeleteBlockedUser(ctx context.Context, userID string) error
}

// changeFeed publishes store writes to change-stream subscribers and to
// store-level message watchers.
type changeFeed struct {
	changes *events.Bus[models.ChangeEvent]

	mu       sync.Mutex
	watchers *events.Bus[models.ChangeEvent]
}

func newChangeFeed() *changeFeed {
	return &changeFeed{
		changes:  events.NewBus[models.ChangeEvent](),
		watchers: events.NewBus[models.ChangeEvent](),
	}
}

func (f *changeFeed) publish(event models.ChangeEvent) {
	f.changes.Publish(event)
	switch event.Kind {
	case models.MessageUpserted, models.MessagesDeleted, models.StoreCleared:
		f.mu.Lock()
		watchers := f.watchers
		f.mu.Unlock()
		watchers.Publish(event)
	}
}

func (f *changeFeed) stream(ctx context.Context) <-chan models.ChangeEvent {
	return f.changes.Subscribe(ctx)
}

func (f *changeFeed) stopWatchers() {
	f.mu.Lock()
	old := f.watchers
	f.watchers = events.NewBus[models.ChangeEvent]()
	f.mu.Unlock()
	old.Close()
}

type messageLister func(ctx context.Context, conversationID string) ([]models.Message, error)

// watch emits an initial snapshot and a fresh one whenever the messages of
// conversationID change. The watcher bus conflates events, so every event
// triggers a reload and unchanged snapshots are not emitted.
func (f *changeFeed) watch(ctx context.Context, conversationID string, list messageLister) <-chan []models.Message {
	f.mu.Lock()
	changes := f.watchers.Subscribe(ctx)
	f.mu.Unlock()

	out := make(chan []models.Message, 1)
	go func() {
		defer close(out)
		var last []models.Message
		sent := false
		emit := func() bool {
			msgs, err := list(ctx, conversationID)
			if err != nil {
				return ctx.Err() == nil
			}
			if sent && sameMessages(last, msgs) {
				return true
			}
			select {
			case out <- msgs:
				last, sent = msgs, true
				return true
			case <-ctx.Done():
				return false
			}
		}
		if !emit() {
			return
		}
		for range changes {
			if !emit() {
				return
			}
		}
	}()
	return out
}

func sameMessages(a, b []models.Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].State != b[i].State || a[i].Visible != b[i].Visible ||
			a[i].Seen != b[i].Seen || a[i].Content != b[i].Content || !a[i].Date.Equal(b[i].Date) {
			return false
		}
	}
	return true
}
