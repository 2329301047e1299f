package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type NotifierMock struct {
	mock.Mock
}

func (m *NotifierMock) SendMessageNotification(ctx context.Context, fromUserID, toUserID, conversationID, messageID, preview string) error {
	args := m.Called(ctx, fromUserID, toUserID, conversationID, messageID, preview)
	return args.Error(0)
}
