package blocking

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/models"
	"chat-sync/internal/repositories"
)

func fixedClock(ts ...time.Time) func() time.Time {
	i := 0
	return func() time.Time {
		t := ts[i]
		if i < len(ts)-1 {
			i++
		}
		return t
	}
}

func TestRelationBlockUnblockEventsInOrder(t *testing.T) {
	store := repositories.NewMemoryStore()
	relation := NewRelation(store)
	t1 := time.Unix(100, 0)
	t2 := time.Unix(1000, 0)
	relation.now = fixedClock(t1, t2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := relation.Events(ctx)

	require.NoError(t, relation.Block(ctx, "u2"))
	require.NoError(t, relation.Block(ctx, "u2"))
	assert.True(t, relation.IsBlocked("u2"))

	at, changed, err := relation.Unblock(ctx, "u2")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, at.Equal(t2))
	assert.False(t, relation.IsBlocked("u2"))

	first := <-events
	second := <-events
	assert.Equal(t, models.BlockEvent{Kind: models.BlockEventBlock, UserID: "u2", At: t1}, first)
	assert.Equal(t, models.BlockEvent{Kind: models.BlockEventUnblock, UserID: "u2", At: t2}, second)

	select {
	case extra := <-events:
		t.Fatalf("unexpected event %+v", extra)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRelationUnblockUnknownUser(t *testing.T) {
	relation := NewRelation(repositories.NewMemoryStore())
	_, changed, err := relation.Unblock(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestRelationLoadPersisted(t *testing.T) {
	store := repositories.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.SaveBlockedUser(ctx, models.BlockedUser{UserID: "u3", BlockedAt: time.Unix(5, 0)}))

	relation := NewRelation(store)
	require.NoError(t, relation.Load(ctx))
	assert.True(t, relation.IsBlocked("u3"))
	assert.Len(t, relation.List(), 1)
}

func TestRelationEventsCloseOnCancel(t *testing.T) {
	relation := NewRelation(repositories.NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	events := relation.Events(ctx)
	cancel()

	require.Eventually(t, func() bool {
		_, ok := <-events
		return !ok
	}, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		relation.mu.RLock()
		defer relation.mu.RUnlock()
		return len(relation.subs) == 0
	}, time.Second, 10*time.Millisecond)
}
