package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chat-sync/internal/models"
)

// EngineMock stands in for the sync engine behind the local API.
type EngineMock struct {
	mock.Mock
}

func (m *EngineMock) StartSync(ctx context.Context, userID string) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

func (m *EngineMock) StopSync() {
	m.Called()
}

func (m *EngineMock) UserID() string {
	args := m.Called()
	return args.String(0)
}

func (m *EngineMock) Status() models.SyncStatus {
	args := m.Called()
	return args.Get(0).(models.SyncStatus)
}

func (m *EngineMock) ClearSession(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *EngineMock) RunOutboxReconciliation(ctx context.Context) (models.OutboxReport, error) {
	args := m.Called(ctx)
	var report models.OutboxReport
	if val := args.Get(0); val != nil {
		report = val.(models.OutboxReport)
	}
	return report, args.Error(1)
}

func (m *EngineMock) ConversationList(ctx context.Context) ([]models.ConversationMessage, error) {
	args := m.Called(ctx)
	var list []models.ConversationMessage
	if val := args.Get(0); val != nil {
		list = val.([]models.ConversationMessage)
	}
	return list, args.Error(1)
}

func (m *EngineMock) DraftConversation(ctx context.Context, interlocutorID string) (models.Conversation, error) {
	args := m.Called(ctx, interlocutorID)
	return conversationArg(args, 0), args.Error(1)
}

func (m *EngineMock) Conversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	args := m.Called(ctx, conversationID)
	return conversationArg(args, 0), args.Error(1)
}

func (m *EngineMock) DeleteConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	args := m.Called(ctx, conversationID)
	return conversationArg(args, 0), args.Error(1)
}

func (m *EngineMock) RecreateConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	args := m.Called(ctx, conversationID)
	return conversationArg(args, 0), args.Error(1)
}

func (m *EngineMock) Messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	args := m.Called(ctx, conversationID)
	var list []models.Message
	if val := args.Get(0); val != nil {
		list = val.([]models.Message)
	}
	return list, args.Error(1)
}

func (m *EngineMock) SendMessage(ctx context.Context, conversationID string, msg models.Message) (models.Message, error) {
	args := m.Called(ctx, conversationID, msg)
	return messageArg(args, 0), args.Error(1)
}

func (m *EngineMock) RetryMessage(ctx context.Context, messageID string) (models.Message, error) {
	args := m.Called(ctx, messageID)
	return messageArg(args, 0), args.Error(1)
}

func (m *EngineMock) BlockedUsers() []models.BlockedUser {
	args := m.Called()
	var list []models.BlockedUser
	if val := args.Get(0); val != nil {
		list = val.([]models.BlockedUser)
	}
	return list
}

func (m *EngineMock) Block(ctx context.Context, userID string) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

func (m *EngineMock) Unblock(ctx context.Context, userID string) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

func (m *EngineMock) SetOpenConversation(conversationID string) {
	m.Called(conversationID)
}

func (m *EngineMock) ShouldPresent(push models.IncomingPush) bool {
	args := m.Called(push)
	return args.Bool(0)
}

func (m *EngineMock) WatchMessages(ctx context.Context, conversationID string) <-chan []models.Message {
	args := m.Called(ctx, conversationID)
	return args.Get(0).(<-chan []models.Message)
}

func (m *EngineMock) ConversationsWithLastMessage(ctx context.Context) <-chan []models.ConversationMessage {
	args := m.Called(ctx)
	return args.Get(0).(<-chan []models.ConversationMessage)
}

func conversationArg(args mock.Arguments, i int) models.Conversation {
	var conv models.Conversation
	if val := args.Get(i); val != nil {
		conv = val.(models.Conversation)
	}
	return conv
}

func messageArg(args mock.Arguments, i int) models.Message {
	var msg models.Message
	if val := args.Get(i); val != nil {
		msg = val.(models.Message)
	}
	return msg
}
