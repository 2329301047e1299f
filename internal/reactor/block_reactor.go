package reactor

import (
	"context"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"chat-sync/internal/models"
	"chat-sync/internal/remote"
	"chat-sync/internal/repositories"
	"chat-sync/internal/telemetry"
)

const watermarkTimeout = 10 * time.Second

// MessageListener is the part of the message listener the reactor drives.
type MessageListener interface {
	Stop(conversationID string)
	Hold(ctx context.Context, conversationID string, rearm bool, fn func() error) error
}

// ContentPurger drops locally held content attributed to a blocked user.
type ContentPurger interface {
	PurgeUser(userID string)
}

// BlockReactor applies block list changes to the sync engine, one event at
// a time and in the order they were emitted.
type BlockReactor struct {
	store    repositories.LocalStore
	feed     remote.Feed
	messages MessageListener
	purgers  []ContentPurger
	audit    *telemetry.AuditEmitter
}

func NewBlockReactor(store repositories.LocalStore, feed remote.Feed, messages MessageListener, audit *telemetry.AuditEmitter, purgers ...ContentPurger) *BlockReactor {
	return &BlockReactor{
		store:    store,
		feed:     feed,
		messages: messages,
		purgers:  purgers,
		audit:    audit,
	}
}

// Run consumes events until the channel closes or ctx is done.
func (r *BlockReactor) Run(ctx context.Context, userID string, events <-chan models.BlockEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := r.Handle(ctx, userID, event); err != nil {
				jww.WARN.Printf("[BlockReactor] %s %s: %v", event.Kind, event.UserID, err)
			}
		}
	}
}

// Handle applies one event.
func (r *BlockReactor) Handle(ctx context.Context, userID string, event models.BlockEvent) error {
	switch event.Kind {
	case models.BlockEventBlock:
		return r.block(ctx, userID, event)
	case models.BlockEventUnblock:
		return r.unblock(ctx, userID, event)
	default:
		return errors.Errorf("unknown block event kind %q", event.Kind)
	}
}

func (r *BlockReactor) block(ctx context.Context, userID string, event models.BlockEvent) error {
	conv, err := r.store.GetConversationByInterlocutor(ctx, event.UserID)
	switch {
	case err == nil:
		r.messages.Stop(conv.ID)
	case !errors.Is(err, repositories.ErrNotFound):
		return errors.Wrap(err, "lookup conversation")
	}
	for _, p := range r.purgers {
		p.PurgeUser(event.UserID)
	}
	r.audit.Emit(ctx, "block", event.UserID, "user blocked", "", &userID)
	return nil
}

// unblock moves the deletion watermark of the conversation with the
// unblocked user to the unblock time, so history exchanged while blocked is
// never replayed.
func (r *BlockReactor) unblock(ctx context.Context, userID string, event models.BlockEvent) error {
	r.audit.Emit(ctx, "unblock", event.UserID, "user unblocked", "", &userID)

	conv, err := r.ApplyUnblock(ctx, event.UserID, event.At, true)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if conv.WatermarkPending && conv.State == models.ConversationCreated {
		if err := r.pushWatermark(ctx, userID, conv); err != nil {
			jww.WARN.Printf("[BlockReactor] %v", err)
		}
	}
	return nil
}

// ApplyUnblock records locally that interlocutorID was unblocked at at: the
// watermark of their conversation advances, older messages are hidden and
// the remote watermark is marked pending. It needs no running sync. With
// rearm set, a created conversation is listened to again afterwards.
func (r *BlockReactor) ApplyUnblock(ctx context.Context, interlocutorID string, at time.Time, rearm bool) (models.Conversation, error) {
	conv, err := r.store.GetConversationByInterlocutor(ctx, interlocutorID)
	if err != nil {
		return conv, err
	}

	err = r.messages.Hold(ctx, conv.ID, rearm, func() error {
		current, err := r.store.GetConversation(ctx, conv.ID)
		if err != nil {
			return errors.Wrap(err, "reload conversation")
		}
		if current.EffectiveFrom == nil || at.After(*current.EffectiveFrom) {
			current.AdvanceWatermark(at)
			current.WatermarkPending = true
			if err := r.store.UpsertConversation(ctx, current); err != nil {
				return errors.Wrap(err, "store watermark")
			}
		}
		conv = current
		if err := r.store.HideMessagesUntil(ctx, conv.ID, *conv.EffectiveFrom); err != nil {
			jww.WARN.Printf("[BlockReactor] hide messages of %s: %v", conv.ID, err)
		}
		return nil
	})
	return conv, err
}

// FlushPendingWatermarks sends every watermark of a created conversation the
// remote has not acknowledged yet. Failures stay pending for the next flush.
func (r *BlockReactor) FlushPendingWatermarks(ctx context.Context, userID string) {
	convs, err := r.store.ListConversations(ctx)
	if err != nil {
		jww.WARN.Printf("[BlockReactor] list conversations: %v", err)
		return
	}
	for _, conv := range convs {
		if !conv.WatermarkPending || conv.EffectiveFrom == nil || conv.State != models.ConversationCreated {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if err := r.pushWatermark(ctx, userID, conv); err != nil {
			jww.WARN.Printf("[BlockReactor] %v", err)
		}
	}
}

func (r *BlockReactor) pushWatermark(ctx context.Context, userID string, conv models.Conversation) error {
	at := *conv.EffectiveFrom
	callCtx, cancel := context.WithTimeout(ctx, watermarkTimeout)
	err := r.feed.UpdateWatermark(callCtx, conv.ID, userID, at)
	cancel()
	if err != nil {
		return errors.Wrapf(err, "remote watermark of %s", conv.ID)
	}
	return errors.Wrapf(r.store.MarkWatermarkSynced(ctx, conv.ID, at), "mark watermark of %s", conv.ID)
}
