package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"chat-sync/internal/models"
)

// MemoryStore is an in-process LocalStore and BlockedUserRepository. It backs
// tests and the "memory" storage driver.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]models.Conversation
	messages      map[string]models.Message
	blocked       map[string]models.BlockedUser

	feed *changeFeed
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]models.Conversation),
		messages:      make(map[string]models.Message),
		blocked:       make(map[string]models.BlockedUser),
		feed:          newChangeFeed(),
	}
}

func copyConversation(c models.Conversation) models.Conversation {
	if c.EffectiveFrom != nil {
		ts := *c.EffectiveFrom
		c.EffectiveFrom = &ts
	}
	return c
}

func (s *MemoryStore) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return models.Conversation{}, ErrNotFound
	}
	return copyConversation(conv), nil
}

func (s *MemoryStore) GetConversationByInterlocutor(ctx context.Context, userID string) (models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		found models.Conversation
		ok    bool
	)
	for _, conv := range s.conversations {
		if conv.InterlocutorID != userID {
			continue
		}
		if !ok || conv.CreatedAt.After(found.CreatedAt) {
			found, ok = conv, true
		}
	}
	if !ok {
		return models.Conversation{}, ErrNotFound
	}
	return copyConversation(found), nil
}

func (s *MemoryStore) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	convs := make([]models.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		convs = append(convs, copyConversation(conv))
	}
	sort.Slice(convs, func(i, j int) bool { return convs[i].CreatedAt.After(convs[j].CreatedAt) })
	return convs, nil
}

// UpsertConversation stores conv, keeping the later of the stored and new
// watermarks.
func (s *MemoryStore) UpsertConversation(ctx context.Context, conv models.Conversation) error {
	conv = copyConversation(conv)
	s.mu.Lock()
	if existing, ok := s.conversations[conv.ID]; ok {
		conv.CreatedAt = existing.CreatedAt
		if existing.EffectiveFrom != nil {
			conv.AdvanceWatermark(*existing.EffectiveFrom)
		}
		conv.WatermarkPending = conv.WatermarkPending || existing.WatermarkPending
	}
	s.conversations[conv.ID] = conv
	s.mu.Unlock()

	s.feed.publish(models.ChangeEvent{Kind: models.ConversationUpserted, ConversationID: conv.ID})
	return nil
}

// MarkWatermarkSynced clears the pending flag of conversation id unless its
// watermark moved past at in the meantime.
func (s *MemoryStore) MarkWatermarkSynced(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	conv, ok := s.conversations[id]
	cleared := ok && conv.WatermarkPending && conv.EffectiveFrom != nil && !conv.EffectiveFrom.After(at)
	if cleared {
		conv.WatermarkPending = false
		s.conversations[id] = conv
	}
	s.mu.Unlock()

	if cleared {
		s.feed.publish(models.ChangeEvent{Kind: models.ConversationUpserted, ConversationID: id})
	}
	return nil
}

func (s *MemoryStore) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.conversations, id)
	s.mu.Unlock()

	s.feed.publish(models.ChangeEvent{Kind: models.ConversationDeleted, ConversationID: id})
	return nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, id string) (models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return models.Message{}, ErrNotFound
	}
	return msg, nil
}

func (s *MemoryStore) GetLastMessage(ctx context.Context, conversationID string) (*models.Message, error) {
	return s.last(conversationID, false), nil
}

func (s *MemoryStore) GetLastVisibleMessage(ctx context.Context, conversationID string) (*models.Message, error) {
	return s.last(conversationID, true), nil
}

func (s *MemoryStore) last(conversationID string, visibleOnly bool) *models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last *models.Message
	for _, msg := range s.messages {
		if msg.ConversationID != conversationID || (visibleOnly && !msg.Visible) {
			continue
		}
		if last == nil || msg.Date.After(last.Date) {
			m := msg
			last = &m
		}
	}
	return last
}

func (s *MemoryStore) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	return s.collect(func(m models.Message) bool { return m.ConversationID == conversationID }), nil
}

func (s *MemoryStore) ListUnsentMessages(ctx context.Context) ([]models.Message, error) {
	return s.collect(func(m models.Message) bool { return m.State != models.MessageSent }), nil
}

func (s *MemoryStore) collect(keep func(models.Message) bool) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := make([]models.Message, 0)
	for _, msg := range s.messages {
		if keep(msg) {
			msgs = append(msgs, msg)
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Date.Before(msgs[j].Date) })
	return msgs
}

// UpsertMessage stores msg. The date of an existing message is preserved.
func (s *MemoryStore) UpsertMessage(ctx context.Context, msg models.Message) error {
	s.mu.Lock()
	if existing, ok := s.messages[msg.ID]; ok {
		msg.Date = existing.Date
	}
	s.messages[msg.ID] = msg
	s.mu.Unlock()

	s.feed.publish(models.ChangeEvent{Kind: models.MessageUpserted, ConversationID: msg.ConversationID, MessageID: msg.ID})
	return nil
}

func (s *MemoryStore) DeleteMessages(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	for id, msg := range s.messages {
		if msg.ConversationID == conversationID {
			delete(s.messages, id)
		}
	}
	s.mu.Unlock()

	s.feed.publish(models.ChangeEvent{Kind: models.MessagesDeleted, ConversationID: conversationID})
	return nil
}

func (s *MemoryStore) HideMessagesUntil(ctx context.Context, conversationID string, until time.Time) error {
	s.mu.Lock()
	hidden := 0
	for id, msg := range s.messages {
		if msg.ConversationID == conversationID && msg.Visible && !msg.Date.After(until) {
			msg.Visible = false
			s.messages[id] = msg
			hidden++
		}
	}
	s.mu.Unlock()

	if hidden > 0 {
		s.feed.publish(models.ChangeEvent{Kind: models.MessageUpserted, ConversationID: conversationID})
	}
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.conversations = make(map[string]models.Conversation)
	s.messages = make(map[string]models.Message)
	s.mu.Unlock()

	s.feed.publish(models.ChangeEvent{Kind: models.StoreCleared})
	return nil
}

func (s *MemoryStore) ChangeStream(ctx context.Context) <-chan models.ChangeEvent {
	return s.feed.stream(ctx)
}

func (s *MemoryStore) WatchMessages(ctx context.Context, conversationID string) <-chan []models.Message {
	return s.feed.watch(ctx, conversationID, s.ListMessages)
}

func (s *MemoryStore) StopMessageWatchers() {
	s.feed.stopWatchers()
}

func (s *MemoryStore) ListBlockedUsers(ctx context.Context) ([]models.BlockedUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]models.BlockedUser, 0, len(s.blocked))
	for _, u := range s.blocked {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].BlockedAt.Before(users[j].BlockedAt) })
	return users, nil
}

func (s *MemoryStore) SaveBlockedUser(ctx context.Context, user models.BlockedUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocked[user.UserID]; !ok {
		s.blocked[user.UserID] = user
	}
	return nil
}

func (s *MemoryStore) DeleteBlockedUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocked, userID)
	return nil
}

var (
	_ LocalStore            = (*MemoryStore)(nil)
	_ BlockedUserRepository = (*MemoryStore)(nil)
)
