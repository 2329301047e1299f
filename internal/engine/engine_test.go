package engine

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/connectivity"
	"chat-sync/internal/mocks"
	"chat-sync/internal/models"
	"chat-sync/internal/remote"
	"chat-sync/internal/repositories"
)

type harness struct {
	engine  *Engine
	store   *repositories.MemoryStore
	feed    *mocks.FeedFake
	monitor *connectivity.Manual
}

func newHarness(t *testing.T, online bool) *harness {
	t.Helper()
	store := repositories.NewMemoryStore()
	feed := mocks.NewFeedFake()
	monitor := connectivity.NewManual(online)
	notifier := new(mocks.NotifierMock)
	notifier.On("SendMessageNotification", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	e := New(Deps{
		Store:        store,
		BlockedUsers: store,
		Feed:         feed,
		Monitor:      monitor,
		Notifier:     notifier,
	})
	t.Cleanup(e.Close)
	return &harness{engine: e, store: store, feed: feed, monitor: monitor}
}

func TestEngineRequiresSync(t *testing.T) {
	h := newHarness(t, true)
	_, err := h.engine.SendMessage(context.Background(), "c1", models.Message{Content: "hi"})
	assert.ErrorIs(t, err, ErrNotSyncing)
	_, err = h.engine.RunOutboxReconciliation(context.Background())
	assert.ErrorIs(t, err, ErrNotSyncing)
}

func TestEngineSyncAndSend(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	require.NoError(t, h.engine.StartSync(ctx, "u1"))

	status := h.engine.Status()
	assert.True(t, status.Online)
	assert.True(t, status.Syncing)
	assert.Equal(t, "u1", status.UserID)

	subs := h.feed.ConversationSubscriptions()
	require.Len(t, subs, 1)
	subs[0].Ch <- models.Conversation{ID: "c1", InterlocutorID: "u2", CreatedAt: time.Unix(1, 0)}
	require.Eventually(t, func() bool { return h.engine.Status().Subscriptions == 1 }, time.Second, 5*time.Millisecond)

	stream := h.engine.ConversationsWithLastMessage(ctx)
	msg, err := h.engine.SendMessage(ctx, "c1", models.Message{Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, models.MessageSent, msg.State)
	assert.Equal(t, "u1", msg.SenderID)

	require.Eventually(t, func() bool {
		select {
		case list := <-stream:
			return len(list) == 1 && list[0].LastMessage.ID == msg.ID
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	h.engine.StopSync()
	h.engine.StopSync()
	assert.False(t, h.engine.Status().Syncing)
	assert.Equal(t, 0, h.engine.Status().Subscriptions)
	assert.True(t, subs[0].Cancelled())
}

func TestEngineReconcilesOnFirstOnline(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	require.NoError(t, h.store.UpsertConversation(ctx, models.Conversation{ID: "c1", InterlocutorID: "u2", State: models.ConversationCreated}))
	require.NoError(t, h.store.UpsertMessage(ctx, models.Message{ID: "m1", ConversationID: "c1", State: models.MessageSending, Date: time.Unix(10, 0)}))

	require.NoError(t, h.engine.StartSync(ctx, "u1"))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.feed.Calls())

	h.monitor.Set(true)
	require.Eventually(t, func() bool {
		msg, err := h.store.GetMessage(ctx, "m1")
		return err == nil && msg.State == models.MessageSent
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{mocks.OpCreateMessage}, h.feed.Ops())
}

func TestEngineBlockStopsListenerAndRejectsSend(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	require.NoError(t, h.engine.StartSync(ctx, "u1"))
	h.feed.ConversationSubscriptions()[0].Ch <- models.Conversation{ID: "c1", InterlocutorID: "u2"}
	require.Eventually(t, func() bool { return h.engine.Status().Subscriptions == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.engine.Block(ctx, "u2"))
	require.Eventually(t, func() bool { return h.engine.Status().Subscriptions == 0 }, time.Second, 5*time.Millisecond)
	assert.Len(t, h.engine.BlockedUsers(), 1)

	_, err := h.engine.SendMessage(ctx, "c1", models.Message{Content: "hi"})
	assert.True(t, errors.Is(err, remote.ErrForbidden))
	assert.False(t, h.engine.ShouldPresent(models.IncomingPush{FromUserID: "u2", ConversationID: "c1"}))

	require.NoError(t, h.engine.Unblock(ctx, "u2"))
	require.Eventually(t, func() bool { return h.engine.Status().Subscriptions == 1 }, time.Second, 5*time.Millisecond)
	conv, err := h.engine.Conversation(ctx, "c1")
	require.NoError(t, err)
	assert.NotNil(t, conv.EffectiveFrom)
}

func TestEngineDeleteAndClearSession(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	require.NoError(t, h.engine.StartSync(ctx, "u1"))

	draft, err := h.engine.DraftConversation(ctx, "u2")
	require.NoError(t, err)
	_, err = h.engine.SendMessage(ctx, draft.ID, models.Message{Content: "hi"})
	require.NoError(t, err)

	deleted, err := h.engine.DeleteConversation(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConversationDeleting, deleted.State)
	msgs, err := h.engine.Messages(ctx, draft.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = h.engine.DraftConversation(ctx, "u3")
	require.NoError(t, err)
	require.NoError(t, h.engine.ClearSession(ctx))
	assert.False(t, h.engine.Status().Syncing)
	convs, err := h.store.ListConversations(ctx)
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestConversationViewOrdering(t *testing.T) {
	store := repositories.NewMemoryStore()
	ctx := context.Background()
	view := NewConversationView(store)
	defer view.Close()

	for _, c := range []models.Conversation{
		{ID: "old", State: models.ConversationCreated},
		{ID: "new", State: models.ConversationCreated},
		{ID: "empty", State: models.ConversationCreated},
		{ID: "hidden", State: models.ConversationCreated},
		{ID: "gone", State: models.ConversationDeleting},
	} {
		require.NoError(t, store.UpsertConversation(ctx, c))
	}
	require.NoError(t, store.UpsertMessage(ctx, models.Message{ID: "a", ConversationID: "old", Date: time.Unix(10, 0), Visible: true}))
	require.NoError(t, store.UpsertMessage(ctx, models.Message{ID: "b", ConversationID: "new", Date: time.Unix(20, 0), Visible: true}))
	require.NoError(t, store.UpsertMessage(ctx, models.Message{ID: "c", ConversationID: "hidden", Date: time.Unix(30, 0), Visible: false}))
	require.NoError(t, store.UpsertMessage(ctx, models.Message{ID: "d", ConversationID: "gone", Date: time.Unix(40, 0), Visible: true}))

	list, err := view.Build(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].Conversation.ID)
	assert.Equal(t, "old", list[1].Conversation.ID)

	stream := view.Stream(ctx)
	first := <-stream
	assert.Len(t, first, 2)

	require.NoError(t, store.UpsertMessage(ctx, models.Message{ID: "e", ConversationID: "old", Date: time.Unix(50, 0), Visible: true}))
	require.Eventually(t, func() bool {
		select {
		case list := <-stream:
			return len(list) == 2 && list[0].Conversation.ID == "old"
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestEngineUnblockWhileStopped(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	old := time.Unix(100, 0).UTC()
	require.NoError(t, h.store.UpsertConversation(ctx, models.Conversation{ID: "c1", InterlocutorID: "u2", State: models.ConversationCreated, EffectiveFrom: &old}))
	require.NoError(t, h.store.UpsertMessage(ctx, models.Message{ID: "m1", ConversationID: "c1", State: models.MessageSent, Date: time.Unix(200, 0).UTC(), Visible: true}))

	require.NoError(t, h.engine.Block(ctx, "u2"))
	require.NoError(t, h.engine.Unblock(ctx, "u2"))

	conv, err := h.store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, conv.EffectiveFrom)
	assert.True(t, conv.EffectiveFrom.After(old))
	assert.True(t, conv.WatermarkPending)
	hidden, err := h.store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, hidden.Visible)
	assert.Empty(t, h.feed.Calls())
	assert.Equal(t, 0, h.engine.Status().Subscriptions)

	require.NoError(t, h.engine.StartSync(ctx, "u1"))
	require.Eventually(t, func() bool {
		c, err := h.store.GetConversation(ctx, "c1")
		return err == nil && !c.WatermarkPending
	}, time.Second, 5*time.Millisecond)
	calls := h.feed.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, mocks.OpUpdateWatermark, calls[0].Op)
	assert.Equal(t, "u1", calls[0].UserID)
	assert.True(t, conv.EffectiveFrom.Equal(calls[0].At))

	h.feed.ConversationSubscriptions()[0].Ch <- models.Conversation{ID: "c1", InterlocutorID: "u2", EffectiveFrom: &old}
	require.Eventually(t, func() bool { return h.engine.Status().Subscriptions == 1 }, time.Second, 5*time.Millisecond)
	subs := h.feed.MessageSubscriptions("c1")
	require.NotEmpty(t, subs)
	since := subs[len(subs)-1].Since
	require.NotNil(t, since)
	assert.False(t, since.Before(*conv.EffectiveFrom))
}

func TestEngineUnblockPendingSurvivesOfflineStart(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	require.NoError(t, h.store.UpsertConversation(ctx, models.Conversation{ID: "c1", InterlocutorID: "u2", State: models.ConversationCreated}))
	require.NoError(t, h.engine.Block(ctx, "u2"))
	require.NoError(t, h.engine.Unblock(ctx, "u2"))

	require.NoError(t, h.engine.StartSync(ctx, "u1"))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.feed.Calls())

	h.monitor.Set(true)
	require.Eventually(t, func() bool {
		c, err := h.store.GetConversation(ctx, "c1")
		return err == nil && !c.WatermarkPending
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{mocks.OpUpdateWatermark}, h.feed.Ops())
}
