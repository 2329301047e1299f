package mocks

import (
	"context"
	"sync"
	"time"

	"chat-sync/internal/models"
	"chat-sync/internal/remote"
)

// Remote operations recorded by FeedFake.
const (
	OpCreateConversation = "createConversation"
	OpDeleteConversation = "deleteConversation"
	OpUpdateWatermark    = "updateWatermark"
	OpCreateMessage      = "createMessage"
)

// FeedCall is one recorded one-shot call.
type FeedCall struct {
	Op             string
	ConversationID string
	MessageID      string
	UserID         string
	At             time.Time
}

// MessageSubscription is one SubscribeMessages call. Tests push messages
// into Ch.
type MessageSubscription struct {
	ConversationID string
	Since          *time.Time
	Ch             chan models.Message
	ctx            context.Context
}

// Cancelled reports whether the subscriber released the subscription.
func (s *MessageSubscription) Cancelled() bool {
	return s.ctx.Err() != nil
}

// ConversationSubscription is one SubscribeConversations call.
type ConversationSubscription struct {
	UserID string
	Ch     chan models.Conversation
	ctx    context.Context
}

func (s *ConversationSubscription) Cancelled() bool {
	return s.ctx.Err() != nil
}

// FeedFake is an in-memory remote.Feed that records every call in order.
type FeedFake struct {
	mu     sync.Mutex
	calls  []FeedCall
	errs   map[string]error
	before func(FeedCall)

	SubscribeErr  error
	messageSubs   []*MessageSubscription
	conversations []*ConversationSubscription
}

func NewFeedFake() *FeedFake {
	return &FeedFake{errs: make(map[string]error)}
}

// FailWith makes every later op call return err. A nil err clears it.
func (f *FeedFake) FailWith(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, op)
		return
	}
	f.errs[op] = err
}

// OnCall registers a hook run before each one-shot call is answered.
func (f *FeedFake) OnCall(hook func(FeedCall)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.before = hook
}

func (f *FeedFake) record(call FeedCall) error {
	f.mu.Lock()
	hook := f.before
	f.mu.Unlock()
	if hook != nil {
		hook(call)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	err := f.errs[call.Op]
	if err == nil {
		f.calls = append(f.calls, call)
	}
	return err
}

// Calls returns the successful calls in the order they were answered.
func (f *FeedFake) Calls() []FeedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FeedCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// Ops returns the operation names of Calls.
func (f *FeedFake) Ops() []string {
	calls := f.Calls()
	ops := make([]string, 0, len(calls))
	for _, c := range calls {
		ops = append(ops, c.Op)
	}
	return ops
}

func (f *FeedFake) CreateConversation(ctx context.Context, conversation models.Conversation, userID string) error {
	return f.record(FeedCall{Op: OpCreateConversation, ConversationID: conversation.ID, UserID: userID})
}

func (f *FeedFake) DeleteConversation(ctx context.Context, conversationID, userID string, at time.Time) error {
	return f.record(FeedCall{Op: OpDeleteConversation, ConversationID: conversationID, UserID: userID, At: at})
}

func (f *FeedFake) UpdateWatermark(ctx context.Context, conversationID, userID string, at time.Time) error {
	return f.record(FeedCall{Op: OpUpdateWatermark, ConversationID: conversationID, UserID: userID, At: at})
}

func (f *FeedFake) CreateMessage(ctx context.Context, message models.Message) error {
	return f.record(FeedCall{Op: OpCreateMessage, ConversationID: message.ConversationID, MessageID: message.ID, UserID: message.SenderID})
}

func (f *FeedFake) SubscribeConversations(ctx context.Context, userID string) (<-chan models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubscribeErr != nil {
		return nil, f.SubscribeErr
	}
	sub := &ConversationSubscription{UserID: userID, Ch: make(chan models.Conversation, 16), ctx: ctx}
	f.conversations = append(f.conversations, sub)
	return sub.Ch, nil
}

func (f *FeedFake) SubscribeMessages(ctx context.Context, conversationID string, since *time.Time) (<-chan models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubscribeErr != nil {
		return nil, f.SubscribeErr
	}
	sub := &MessageSubscription{ConversationID: conversationID, Since: since, Ch: make(chan models.Message, 16), ctx: ctx}
	f.messageSubs = append(f.messageSubs, sub)
	return sub.Ch, nil
}

// MessageSubscriptions returns every SubscribeMessages call for conversationID.
func (f *FeedFake) MessageSubscriptions(conversationID string) []*MessageSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*MessageSubscription
	for _, s := range f.messageSubs {
		if s.ConversationID == conversationID {
			out = append(out, s)
		}
	}
	return out
}

// LiveMessageSubscriptions counts the message subscriptions not yet cancelled.
func (f *FeedFake) LiveMessageSubscriptions(conversationID string) int {
	live := 0
	for _, s := range f.MessageSubscriptions(conversationID) {
		if !s.Cancelled() {
			live++
		}
	}
	return live
}

// ConversationSubscriptions returns every SubscribeConversations call.
func (f *FeedFake) ConversationSubscriptions() []*ConversationSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*ConversationSubscription, len(f.conversations))
	copy(out, f.conversations)
	return out
}

var _ remote.Feed = (*FeedFake)(nil)
