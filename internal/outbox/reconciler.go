package outbox

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"go.uber.org/ratelimit"

	"chat-sync/internal/lifecycle"
	"chat-sync/internal/models"
	"chat-sync/internal/observability"
	"chat-sync/internal/repositories"
)

// Reconciler resubmits the writes the remote never acknowledged. It completes
// at most one pass per process.
type Reconciler struct {
	store         repositories.LocalStore
	conversations *lifecycle.ConversationManager
	messages      *lifecycle.MessageManager
	limiter       ratelimit.Limiter

	mu     sync.Mutex
	done   bool
	report models.OutboxReport
}

// NewReconciler constructs a Reconciler resubmitting at most rate items per
// second. A rate of zero or less disables pacing.
func NewReconciler(store repositories.LocalStore, conversations *lifecycle.ConversationManager, messages *lifecycle.MessageManager, rate int) *Reconciler {
	limiter := ratelimit.NewUnlimited()
	if rate > 0 {
		limiter = ratelimit.New(rate)
	}
	return &Reconciler{
		store:         store,
		conversations: conversations,
		messages:      messages,
		limiter:       limiter,
	}
}

// Run reconciles the outbox of userID. Once a pass has completed, later calls
// return its report. A pass cut short by ctx does not count.
func (r *Reconciler) Run(ctx context.Context, userID string) models.OutboxReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return r.report
	}
	report := r.reconcile(ctx, userID)
	if ctx.Err() != nil {
		jww.INFO.Printf("[Outbox] pass interrupted, the next one starts over")
		return report
	}
	r.done, r.report = true, report
	return report
}

func (r *Reconciler) reconcile(ctx context.Context, userID string) models.OutboxReport {
	var report models.OutboxReport
	jww.INFO.Printf("[Outbox] reconciling unsent writes of %s", userID)

	convs, err := r.store.ListConversations(ctx)
	if err != nil {
		jww.ERROR.Printf("[Outbox] list conversations: %v", err)
	}
	for _, conv := range convs {
		if ctx.Err() != nil {
			return report
		}
		switch conv.State {
		case models.ConversationCreating:
			r.limiter.Take()
			result, err := r.conversations.Recreate(ctx, conv, userID)
			if err == nil && result.State != models.ConversationCreated {
				err = errors.Errorf("conversation %s left in %s", conv.ID, result.State)
			}
			r.record(&report, "conversation_create", conv.ID, err)
			report.Conversations++
		case models.ConversationDeleting:
			r.limiter.Take()
			err := r.conversations.RetryDelete(ctx, conv, userID)
			r.record(&report, "conversation_delete", conv.ID, err)
			report.Conversations++
		}
	}

	msgs, err := r.store.ListUnsentMessages(ctx)
	if err != nil {
		jww.ERROR.Printf("[Outbox] list unsent messages: %v", err)
	}
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return report
		}
		conv, err := r.store.GetConversation(ctx, msg.ConversationID)
		if err != nil || conv.State != models.ConversationCreated {
			jww.DEBUG.Printf("[Outbox] skipping message %s: conversation %s not created", msg.ID, msg.ConversationID)
			report.Skipped++
			continue
		}
		r.limiter.Take()
		_, result, err := r.messages.Send(ctx, conv, msg, userID)
		if err == nil && result.State != models.MessageSent {
			err = errors.Errorf("message %s left in %s", msg.ID, result.State)
		}
		r.record(&report, "message_create", msg.ID, err)
		report.Messages++
	}

	jww.INFO.Printf("[Outbox] done: conversations=%d messages=%d failed=%d skipped=%d",
		report.Conversations, report.Messages, report.Failed, report.Skipped)
	return report
}

func (r *Reconciler) record(report *models.OutboxReport, kind, id string, err error) {
	observability.ObserveOutboxItem(kind, err)
	if err != nil {
		report.Failed++
		jww.WARN.Printf("[Outbox] %s %s: %v", kind, id, err)
	}
}
