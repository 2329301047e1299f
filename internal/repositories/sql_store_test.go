package repositories

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/db"
	"chat-sync/internal/models"
)

func postgresTestDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("CHAT_SYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set CHAT_SYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func withSearchPath(dsn, schema string) (string, error) {
	if !strings.Contains(dsn, "://") {
		return dsn + " search_path=" + schema, nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// newPostgresStore migrates a fresh schema and drops it when the test ends.
func newPostgresStore(t *testing.T) *SQLStore {
	t.Helper()
	dsn := postgresTestDSN(t)

	admin, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err)
	schema := fmt.Sprintf("chat_sync_it_%d", time.Now().UnixNano())
	_, err = admin.Exec(`CREATE SCHEMA ` + schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		if _, err := admin.Exec(`DROP SCHEMA ` + schema + ` CASCADE`); err != nil {
			t.Errorf("drop schema %s: %v", schema, err)
		}
		admin.Close()
	})

	scoped, err := withSearchPath(dsn, schema)
	require.NoError(t, err)
	database, err := db.Connect(scoped)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return NewSQLStore(database)
}

func TestUpsertQueriesKeepInvariants(t *testing.T) {
	assert.Contains(t, upsertConversationQuery, "GREATEST(conversations.effective_from, EXCLUDED.effective_from)")
	assert.Contains(t, upsertConversationQuery, "conversations.watermark_pending OR EXCLUDED.watermark_pending")

	update := upsertMessageQuery[strings.Index(upsertMessageQuery, "DO UPDATE"):]
	assert.NotContains(t, update, "date")
}

func TestStoreInvariants(t *testing.T) {
	stores := map[string]func(*testing.T) LocalStore{
		"memory":   func(*testing.T) LocalStore { return NewMemoryStore() },
		"postgres": func(t *testing.T) LocalStore { return newPostgresStore(t) },
	}
	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			t.Run("watermark never regresses", func(t *testing.T) {
				checkWatermarkNeverRegresses(t, open(t))
			})
			t.Run("pending watermark is sticky", func(t *testing.T) {
				checkPendingWatermark(t, open(t))
			})
			t.Run("message date is kept", func(t *testing.T) {
				checkMessageDateKept(t, open(t))
			})
		})
	}
}

func checkWatermarkNeverRegresses(t *testing.T, store LocalStore) {
	ctx := context.Background()
	later := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	earlier := later.Add(-time.Hour)
	conv := models.Conversation{ID: "c1", InterlocutorID: "bob", State: models.ConversationCreated, CreatedAt: later}

	conv.EffectiveFrom = &later
	require.NoError(t, store.UpsertConversation(ctx, conv))
	conv.EffectiveFrom = &earlier
	require.NoError(t, store.UpsertConversation(ctx, conv))
	conv.EffectiveFrom = nil
	conv.State = models.ConversationDeleting
	require.NoError(t, store.UpsertConversation(ctx, conv))

	stored, err := store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, stored.EffectiveFrom)
	assert.True(t, stored.EffectiveFrom.Equal(later))
	assert.Equal(t, models.ConversationDeleting, stored.State)
}

func checkPendingWatermark(t *testing.T, store LocalStore) {
	ctx := context.Background()
	first := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	second := first.Add(time.Minute)

	require.NoError(t, store.UpsertConversation(ctx, models.Conversation{ID: "c1", InterlocutorID: "bob", State: models.ConversationCreated, CreatedAt: first, EffectiveFrom: &first, WatermarkPending: true}))
	require.NoError(t, store.UpsertConversation(ctx, models.Conversation{ID: "c1", InterlocutorID: "bob", State: models.ConversationCreated, CreatedAt: first}))
	stored, err := store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, stored.WatermarkPending)

	require.NoError(t, store.UpsertConversation(ctx, models.Conversation{ID: "c1", InterlocutorID: "bob", State: models.ConversationCreated, CreatedAt: first, EffectiveFrom: &second, WatermarkPending: true}))
	require.NoError(t, store.MarkWatermarkSynced(ctx, "c1", first))
	stored, err = store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, stored.WatermarkPending)

	require.NoError(t, store.MarkWatermarkSynced(ctx, "c1", second))
	stored, err = store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, stored.WatermarkPending)

	require.NoError(t, store.MarkWatermarkSynced(ctx, "missing", second))
}

func checkMessageDateKept(t *testing.T, store LocalStore) {
	ctx := context.Background()
	date := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msg := models.Message{ID: "m1", SenderID: "alice", RecipientID: "bob", ConversationID: "c1", Content: "hi", Date: date, State: models.MessageSending, Visible: true}
	require.NoError(t, store.UpsertMessage(ctx, msg))

	msg.Date = date.Add(time.Hour)
	msg.Content = "edited"
	msg.State = models.MessageSent
	require.NoError(t, store.UpsertMessage(ctx, msg))

	stored, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, stored.Date.Equal(date))
	assert.Equal(t, "edited", stored.Content)
	assert.Equal(t, models.MessageSent, stored.State)

	require.NoError(t, store.HideMessagesUntil(ctx, "c1", date))
	stored, err = store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, stored.Visible)
}
