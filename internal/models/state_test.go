package models

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextConversationState(t *testing.T) {
	cases := []struct {
		from  ConversationState
		event LifecycleEvent
		to    ConversationState
	}{
		{ConversationDraft, EventSubmit, ConversationCreating},
		{ConversationError, EventSubmit, ConversationCreating},
		{ConversationCreating, EventSubmit, ConversationCreating},
		{ConversationCreating, EventAck, ConversationCreated},
		{ConversationCreating, EventFail, ConversationError},
		{ConversationCreated, EventDelete, ConversationDeleting},
		{ConversationDeleting, EventDelete, ConversationDeleting},
	}
	for _, tc := range cases {
		got, err := NextConversationState(tc.from, tc.event)
		require.NoError(t, err, "%s on %s", tc.from, tc.event)
		assert.Equal(t, tc.to, got, "%s on %s", tc.from, tc.event)
	}

	invalid := []struct {
		from  ConversationState
		event LifecycleEvent
	}{
		{ConversationCreated, EventSubmit},
		{ConversationDeleting, EventSubmit},
		{ConversationDraft, EventAck},
		{ConversationDraft, EventDelete},
		{ConversationError, EventDelete},
	}
	for _, tc := range invalid {
		got, err := NextConversationState(tc.from, tc.event)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidTransition))
		assert.Equal(t, tc.from, got)
	}
}

func TestNextMessageState(t *testing.T) {
	next, err := NextMessageState(MessageDraft, EventSubmit)
	require.NoError(t, err)
	assert.Equal(t, MessageSending, next)

	next, err = NextMessageState(MessageError, EventSubmit)
	require.NoError(t, err)
	assert.Equal(t, MessageSending, next)

	next, err = NextMessageState(MessageSending, EventAck)
	require.NoError(t, err)
	assert.Equal(t, MessageSent, next)

	next, err = NextMessageState(MessageSending, EventFail)
	require.NoError(t, err)
	assert.Equal(t, MessageError, next)

	_, err = NextMessageState(MessageSent, EventSubmit)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestNeedsRemoteCreate(t *testing.T) {
	assert.True(t, Conversation{State: ConversationDraft}.NeedsRemoteCreate())
	assert.True(t, Conversation{State: ConversationCreating}.NeedsRemoteCreate())
	assert.True(t, Conversation{State: ConversationError}.NeedsRemoteCreate())
	assert.False(t, Conversation{State: ConversationCreated}.NeedsRemoteCreate())
	assert.False(t, Conversation{State: ConversationDeleting}.NeedsRemoteCreate())
}

func TestAdvanceWatermarkNeverMovesBack(t *testing.T) {
	var conv Conversation
	t1 := time.Unix(100, 0)
	t0 := time.Unix(50, 0)

	assert.Equal(t, t1, conv.AdvanceWatermark(t1))
	assert.Equal(t, t1, conv.AdvanceWatermark(t0))
	require.NotNil(t, conv.EffectiveFrom)
	assert.Equal(t, t1, *conv.EffectiveFrom)

	t2 := time.Unix(200, 0)
	assert.Equal(t, t2, conv.AdvanceWatermark(t2))
}
