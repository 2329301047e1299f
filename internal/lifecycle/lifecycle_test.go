package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/mocks"
	"chat-sync/internal/models"
	"chat-sync/internal/remote"
	"chat-sync/internal/repositories"
)

type stopRecorder struct {
	mu      sync.Mutex
	stopped []string
}

func (s *stopRecorder) Stop(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, conversationID)
}

type fixture struct {
	store    *repositories.MemoryStore
	feed     *mocks.FeedFake
	stopper  *stopRecorder
	notifier *mocks.NotifierMock
	convs    *ConversationManager
	msgs     *MessageManager
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	f := &fixture{
		store:    repositories.NewMemoryStore(),
		feed:     mocks.NewFeedFake(),
		stopper:  &stopRecorder{},
		notifier: new(mocks.NotifierMock),
	}
	f.convs = NewConversationManager(f.store, f.feed, f.stopper)
	f.convs.now = func() time.Time { return now }
	f.msgs = NewMessageManager(f.store, f.feed, f.convs, f.notifier)
	f.msgs.now = func() time.Time { return now }
	return f
}

// localStates snapshots the cached states whenever the remote is called.
func (f *fixture) localStates(t *testing.T, convID, msgID string) *[]string {
	var seen []string
	f.feed.OnCall(func(call mocks.FeedCall) {
		ctx := context.Background()
		conv, err := f.store.GetConversation(ctx, convID)
		require.NoError(t, err)
		state := call.Op + ":" + string(conv.State)
		if msgID != "" {
			if msg, err := f.store.GetMessage(ctx, msgID); err == nil {
				state += "/" + string(msg.State)
			}
		}
		seen = append(seen, state)
	})
	return &seen
}

func TestSendDraftConversation(t *testing.T) {
	now := time.Unix(1000, 0).UTC()
	f := newFixture(t, now)
	ctx := context.Background()
	notified := make(chan struct{})
	f.notifier.On("SendMessageNotification", mock.Anything, "u1", "u2", "c1", "m1", "hi").
		Run(func(mock.Arguments) { close(notified) }).
		Return(nil).Once()

	draft, err := f.convs.Draft(ctx, "u2")
	require.NoError(t, err)
	draft.ID = "c1"
	seen := f.localStates(t, "c1", "m1")

	conv, msg, err := f.msgs.Send(ctx, draft, models.Message{ID: "m1", Content: "hi"}, "u1")
	require.NoError(t, err)

	assert.Equal(t, models.ConversationCreated, conv.State)
	assert.Equal(t, models.MessageSent, msg.State)
	assert.Equal(t, []string{mocks.OpCreateConversation, mocks.OpCreateMessage}, f.feed.Ops())
	assert.Equal(t, []string{
		"createConversation:creating/sending",
		"createMessage:created/sending",
	}, *seen)

	stored, err := f.store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.MessageSent, stored.State)
	assert.Equal(t, now, stored.Date)
	assert.Equal(t, "u2", stored.RecipientID)

	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("expected a notification")
	}
	f.notifier.AssertExpectations(t)
}

func TestSendConversationCreateFailure(t *testing.T) {
	f := newFixture(t, time.Unix(1000, 0))
	ctx := context.Background()
	f.feed.FailWith(mocks.OpCreateConversation, remote.ErrNoConnectivity)

	conv, msg, err := f.msgs.Send(ctx, models.Conversation{ID: "c1", InterlocutorID: "u2", State: models.ConversationDraft}, models.Message{ID: "m1", Content: "hi"}, "u1")
	require.NoError(t, err)

	assert.Equal(t, models.ConversationError, conv.State)
	assert.Equal(t, models.MessageError, msg.State)
	assert.Empty(t, f.feed.Calls())
	f.notifier.AssertNotCalled(t, "SendMessageNotification", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	storedConv, err := f.store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.ConversationError, storedConv.State)
}

func TestSendFailureThenRetry(t *testing.T) {
	now := time.Unix(1000, 0).UTC()
	f := newFixture(t, now)
	ctx := context.Background()
	f.notifier.On("SendMessageNotification", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("push down"))

	conv := models.Conversation{ID: "c1", InterlocutorID: "u2", State: models.ConversationCreated}
	require.NoError(t, f.store.UpsertConversation(ctx, conv))
	f.feed.FailWith(mocks.OpCreateMessage, errors.New("backend exploded"))

	_, msg, err := f.msgs.Send(ctx, conv, models.Message{ID: "m1", Content: "hi"}, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.MessageError, msg.State)
	assert.Empty(t, f.feed.Calls())

	f.msgs.now = func() time.Time { return now.Add(time.Hour) }
	f.feed.FailWith(mocks.OpCreateMessage, nil)
	seen := f.localStates(t, "c1", "m1")

	_, msg, err = f.msgs.Retry(ctx, "m1", "u1")
	require.NoError(t, err)
	assert.Equal(t, models.MessageSent, msg.State)
	assert.Equal(t, now, msg.Date)
	assert.Equal(t, []string{"createMessage:created/sending"}, *seen)
	assert.Equal(t, []string{mocks.OpCreateMessage}, f.feed.Ops())
}

func TestSendAlreadySentIsRejected(t *testing.T) {
	f := newFixture(t, time.Unix(1000, 0))
	ctx := context.Background()
	require.NoError(t, f.store.UpsertMessage(ctx, models.Message{ID: "m1", ConversationID: "c1", State: models.MessageSent}))

	_, _, err := f.msgs.Send(ctx, models.Conversation{ID: "c1", State: models.ConversationCreated}, models.Message{ID: "m1"}, "u1")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	assert.Empty(t, f.feed.Calls())
}

func TestSendConflictCountsAsSent(t *testing.T) {
	f := newFixture(t, time.Unix(1000, 0))
	f.notifier.On("SendMessageNotification", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.feed.FailWith(mocks.OpCreateConversation, remote.ErrConflict)

	conv, msg, err := f.msgs.Send(context.Background(), models.Conversation{ID: "c1", InterlocutorID: "u2", State: models.ConversationError}, models.Message{ID: "m1"}, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.ConversationCreated, conv.State)
	assert.Equal(t, models.MessageSent, msg.State)
}

func TestDeleteCreatedConversation(t *testing.T) {
	deleteAt := time.Unix(2000, 0).UTC()
	f := newFixture(t, deleteAt)
	ctx := context.Background()
	conv := models.Conversation{ID: "c1", InterlocutorID: "u2", State: models.ConversationCreated}
	require.NoError(t, f.store.UpsertConversation(ctx, conv))
	require.NoError(t, f.store.UpsertMessage(ctx, models.Message{ID: "m1", ConversationID: "c1", Date: time.Unix(1500, 0), Visible: true}))

	var atCall models.Conversation
	var messagesAtCall int
	f.feed.OnCall(func(call mocks.FeedCall) {
		atCall, _ = f.store.GetConversation(ctx, "c1")
		msgs, _ := f.store.ListMessages(ctx, "c1")
		messagesAtCall = len(msgs)
	})

	result, err := f.convs.Delete(ctx, conv, "u1")
	require.NoError(t, err)

	calls := f.feed.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, mocks.OpDeleteConversation, calls[0].Op)
	assert.Equal(t, deleteAt, calls[0].At)
	assert.Equal(t, models.ConversationDeleting, atCall.State)
	require.NotNil(t, atCall.EffectiveFrom)
	assert.Equal(t, deleteAt, *atCall.EffectiveFrom)
	assert.Equal(t, 1, messagesAtCall)
	assert.Equal(t, deleteAt, *result.EffectiveFrom)
	assert.Equal(t, []string{"c1"}, f.stopper.stopped)

	msgs, err := f.store.ListMessages(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	_, err = f.store.GetConversation(ctx, "c1")
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestDeleteRemoteFailureStaysDeleting(t *testing.T) {
	f := newFixture(t, time.Unix(2000, 0))
	ctx := context.Background()
	conv := models.Conversation{ID: "c1", InterlocutorID: "u2", State: models.ConversationCreated}
	require.NoError(t, f.store.UpsertConversation(ctx, conv))
	require.NoError(t, f.store.UpsertMessage(ctx, models.Message{ID: "m1", ConversationID: "c1"}))
	f.feed.FailWith(mocks.OpDeleteConversation, remote.ErrTimeout)

	result, err := f.convs.Delete(ctx, conv, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.ConversationDeleting, result.State)

	stored, err := f.store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.ConversationDeleting, stored.State)
	_, err = f.store.GetMessage(ctx, "m1")
	assert.NoError(t, err)

	f.feed.FailWith(mocks.OpDeleteConversation, nil)
	require.NoError(t, f.convs.RetryDelete(ctx, stored, "u1"))
	_, err = f.store.GetConversation(ctx, "c1")
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}

func TestDeleteDraftIsLocalOnly(t *testing.T) {
	f := newFixture(t, time.Unix(2000, 0))
	ctx := context.Background()
	for _, state := range []models.ConversationState{models.ConversationDraft, models.ConversationCreating, models.ConversationError} {
		conv := models.Conversation{ID: "c-" + string(state), InterlocutorID: "u2", State: state}
		require.NoError(t, f.store.UpsertConversation(ctx, conv))
		require.NoError(t, f.store.UpsertMessage(ctx, models.Message{ID: "m-" + string(state), ConversationID: conv.ID}))

		_, err := f.convs.Delete(ctx, conv, "u1")
		require.NoError(t, err)

		_, err = f.store.GetConversation(ctx, conv.ID)
		assert.ErrorIs(t, err, repositories.ErrNotFound)
		_, err = f.store.GetMessage(ctx, "m-"+string(state))
		assert.ErrorIs(t, err, repositories.ErrNotFound)
	}
	assert.Empty(t, f.feed.Calls())
}

func TestRecreateFromError(t *testing.T) {
	f := newFixture(t, time.Unix(2000, 0))
	ctx := context.Background()
	conv := models.Conversation{ID: "c1", InterlocutorID: "u2", State: models.ConversationError}
	require.NoError(t, f.store.UpsertConversation(ctx, conv))
	f.feed.FailWith(mocks.OpCreateConversation, remote.ErrNoConnectivity)

	result, err := f.convs.Recreate(ctx, conv, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.ConversationError, result.State)

	f.feed.FailWith(mocks.OpCreateConversation, nil)
	result, err = f.convs.Recreate(ctx, conv, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.ConversationCreated, result.State)

	_, err = f.convs.Recreate(ctx, result, "u1")
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestDraftReusesExistingConversation(t *testing.T) {
	f := newFixture(t, time.Unix(2000, 0))
	ctx := context.Background()

	first, err := f.convs.Draft(ctx, "u2")
	require.NoError(t, err)
	second, err := f.convs.Draft(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.ConversationDraft, second.State)
}

func TestPreviewTruncates(t *testing.T) {
	assert.Equal(t, "short", preview("short"))
	long := strings.Repeat("ж", previewLength+5)
	got := preview(long)
	assert.Equal(t, previewLength+1, len([]rune(got)))
}
