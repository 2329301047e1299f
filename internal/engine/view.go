package engine

import (
	"context"
	"sort"
	"sync"

	jww "github.com/spf13/jwalterweatherman"

	"chat-sync/internal/events"
	"chat-sync/internal/models"
	"chat-sync/internal/repositories"
)

// ConversationView maintains the conversation list shown to local clients:
// every conversation with a visible message, newest message first. It is
// recomputed after each store change and replayed to new subscribers.
type ConversationView struct {
	store repositories.LocalStore
	bus   *events.Bus[[]models.ConversationMessage]

	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

func NewConversationView(store repositories.LocalStore) *ConversationView {
	return &ConversationView{
		store: store,
		bus:   events.NewBus[[]models.ConversationMessage](),
		done:  make(chan struct{}),
	}
}

// Build computes the current list.
func (v *ConversationView) Build(ctx context.Context) ([]models.ConversationMessage, error) {
	convs, err := v.store.ListConversations(ctx)
	if err != nil {
		return nil, err
	}
	list := make([]models.ConversationMessage, 0, len(convs))
	for _, conv := range convs {
		if conv.State == models.ConversationDeleting {
			continue
		}
		last, err := v.store.GetLastVisibleMessage(ctx, conv.ID)
		if err != nil {
			return nil, err
		}
		if last == nil {
			continue
		}
		list = append(list, models.ConversationMessage{Conversation: conv, LastMessage: last})
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].LastMessage.Date.After(list[j].LastMessage.Date)
	})
	return list, nil
}

// Stream returns the latest list and every later one. Slow subscribers only
// see the most recent list.
func (v *ConversationView) Stream(ctx context.Context) <-chan []models.ConversationMessage {
	v.once.Do(v.start)
	return v.bus.Subscribe(ctx)
}

func (v *ConversationView) start() {
	ctx, cancel := context.WithCancel(context.Background())
	v.cancel = cancel
	changes := v.store.ChangeStream(ctx)
	v.refresh(ctx)
	go func() {
		defer close(v.done)
		for range changes {
			v.refresh(ctx)
		}
	}()
}

func (v *ConversationView) refresh(ctx context.Context) {
	list, err := v.Build(ctx)
	if err != nil {
		if ctx.Err() == nil {
			jww.WARN.Printf("[View] rebuild conversation list: %v", err)
		}
		return
	}
	v.bus.Publish(list)
}

// Close stops recomputing and closes every stream.
func (v *ConversationView) Close() {
	v.once.Do(func() { close(v.done) })
	if v.cancel != nil {
		v.cancel()
		<-v.done
	}
	v.bus.Close()
}
