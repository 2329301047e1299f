package engine

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"chat-sync/internal/blocking"
	"chat-sync/internal/connectivity"
	"chat-sync/internal/lifecycle"
	"chat-sync/internal/listener"
	"chat-sync/internal/models"
	"chat-sync/internal/notify"
	"chat-sync/internal/outbox"
	"chat-sync/internal/reactor"
	"chat-sync/internal/remote"
	"chat-sync/internal/repositories"
	"chat-sync/internal/telemetry"
)

// ErrNotSyncing is returned by operations that need a signed-in user.
var ErrNotSyncing = errors.New("sync is not running")

// Deps are the collaborators of an Engine.
type Deps struct {
	Store        repositories.LocalStore
	BlockedUsers repositories.BlockedUserRepository
	Feed         remote.Feed
	Monitor      connectivity.Monitor
	Notifier     lifecycle.Notifier
	Audit        *telemetry.AuditEmitter
	// OutboxRate caps outbox resubmissions per second. Zero disables pacing.
	OutboxRate int
}

// Engine wires the sync components together and is the only entry point
// used by the local API.
type Engine struct {
	store   repositories.LocalStore
	monitor connectivity.Monitor
	audit   *telemetry.AuditEmitter

	relation      *blocking.Relation
	router        *notify.Router
	conversations *lifecycle.ConversationManager
	messages      *lifecycle.MessageManager
	msgListener   *listener.MessageListener
	convListener  *listener.ConversationListener
	reconciler    *outbox.Reconciler
	reactor       *reactor.BlockReactor
	view          *ConversationView

	mu     sync.Mutex
	userID string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(deps Deps) *Engine {
	relation := blocking.NewRelation(deps.BlockedUsers)
	router := notify.NewRouter(relation)
	msgListener := listener.NewMessageListener(deps.Store, deps.Feed, relation)
	conversations := lifecycle.NewConversationManager(deps.Store, deps.Feed, msgListener)
	messages := lifecycle.NewMessageManager(deps.Store, deps.Feed, conversations, deps.Notifier)

	return &Engine{
		store:         deps.Store,
		monitor:       deps.Monitor,
		audit:         deps.Audit,
		relation:      relation,
		router:        router,
		conversations: conversations,
		messages:      messages,
		msgListener:   msgListener,
		convListener:  listener.NewConversationListener(deps.Store, deps.Feed, msgListener),
		reconciler:    outbox.NewReconciler(deps.Store, conversations, messages, deps.OutboxRate),
		reactor:       reactor.NewBlockReactor(deps.Store, deps.Feed, msgListener, deps.Audit, router),
		view:          NewConversationView(deps.Store),
	}
}

// StartSync starts syncing for userID, replacing any running sync. The
// outbox is reconciled once the monitor first reports online, and pending
// watermarks are sent every time it does.
func (e *Engine) StartSync(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("start sync: empty user id")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()

	if err := e.relation.Load(ctx); err != nil {
		jww.WARN.Printf("[Engine] %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.userID = userID
	e.cancel = cancel

	blockEvents := e.relation.Events(runCtx)
	online := e.monitor.OnlineStream(runCtx)

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.reactor.Run(runCtx, userID, blockEvents)
	}()
	go func() {
		defer e.wg.Done()
		for up := range online {
			if !up {
				continue
			}
			e.reconciler.Run(runCtx, userID)
			e.reactor.FlushPendingWatermarks(runCtx, userID)
		}
	}()

	e.convListener.Start(userID)
	jww.INFO.Printf("[Engine] sync started for %s", userID)
	return nil
}

// StopSync stops every subscription. It is safe to call when stopped.
func (e *Engine) StopSync() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
}

func (e *Engine) stopLocked() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	e.wg.Wait()
	e.convListener.Stop()
	jww.INFO.Printf("[Engine] sync stopped for %s", e.userID)
	e.cancel = nil
	e.userID = ""
}

// UserID returns the syncing user or "".
func (e *Engine) UserID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userID
}

func (e *Engine) currentUser() (string, error) {
	if userID := e.UserID(); userID != "" {
		return userID, nil
	}
	return "", ErrNotSyncing
}

func (e *Engine) Status() models.SyncStatus {
	userID := e.UserID()
	return models.SyncStatus{
		Online:        e.monitor.IsOnline(),
		UserID:        userID,
		Syncing:       userID != "",
		Subscriptions: e.msgListener.Active(),
	}
}

// DraftConversation returns the conversation with interlocutorID, creating a
// local draft if needed.
func (e *Engine) DraftConversation(ctx context.Context, interlocutorID string) (models.Conversation, error) {
	return e.conversations.Draft(ctx, interlocutorID)
}

// Conversation returns one cached conversation.
func (e *Engine) Conversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	return e.store.GetConversation(ctx, conversationID)
}

// SendMessage sends msg into conversationID on behalf of the syncing user.
func (e *Engine) SendMessage(ctx context.Context, conversationID string, msg models.Message) (models.Message, error) {
	userID, err := e.currentUser()
	if err != nil {
		return msg, err
	}
	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return msg, errors.Wrapf(err, "conversation %s", conversationID)
	}
	if e.relation.IsBlocked(conv.InterlocutorID) {
		return msg, errors.Wrapf(remote.ErrForbidden, "interlocutor %s is blocked", conv.InterlocutorID)
	}
	msg.SenderID = userID
	_, sent, err := e.messages.Send(ctx, conv, msg, userID)
	return sent, err
}

// RetryMessage resends a message left in error.
func (e *Engine) RetryMessage(ctx context.Context, messageID string) (models.Message, error) {
	userID, err := e.currentUser()
	if err != nil {
		return models.Message{}, err
	}
	_, msg, err := e.messages.Retry(ctx, messageID, userID)
	return msg, err
}

func (e *Engine) DeleteConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	userID, err := e.currentUser()
	if err != nil {
		return models.Conversation{}, err
	}
	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, errors.Wrapf(err, "conversation %s", conversationID)
	}
	result, err := e.conversations.Delete(ctx, conv, userID)
	if err == nil {
		e.audit.Emit(ctx, "conversation_delete", conversationID, "conversation deleted for user", "", &userID)
	}
	return result, err
}

func (e *Engine) RecreateConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	userID, err := e.currentUser()
	if err != nil {
		return models.Conversation{}, err
	}
	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, errors.Wrapf(err, "conversation %s", conversationID)
	}
	return e.conversations.Recreate(ctx, conv, userID)
}

// RunOutboxReconciliation reconciles the outbox now instead of waiting for
// the first online signal. It still runs at most once per process.
func (e *Engine) RunOutboxReconciliation(ctx context.Context) (models.OutboxReport, error) {
	userID, err := e.currentUser()
	if err != nil {
		return models.OutboxReport{}, err
	}
	return e.reconciler.Run(ctx, userID), nil
}

// Messages returns the visible messages of a conversation in date order.
func (e *Engine) Messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	msgs, err := e.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return visible(msgs), nil
}

// WatchMessages streams the visible messages of a conversation until ctx is
// done or sync stops.
func (e *Engine) WatchMessages(ctx context.Context, conversationID string) <-chan []models.Message {
	in := e.store.WatchMessages(ctx, conversationID)
	out := make(chan []models.Message, 1)
	go func() {
		defer close(out)
		for msgs := range in {
			select {
			case out <- visible(msgs):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func visible(msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Visible {
			out = append(out, m)
		}
	}
	return out
}

// ConversationsWithLastMessage streams the conversation list, newest first.
func (e *Engine) ConversationsWithLastMessage(ctx context.Context) <-chan []models.ConversationMessage {
	return e.view.Stream(ctx)
}

// ConversationList returns the current conversation list.
func (e *Engine) ConversationList(ctx context.Context) ([]models.ConversationMessage, error) {
	return e.view.Build(ctx)
}

// ClearSession stops sync and drops every cached conversation and message.
func (e *Engine) ClearSession(ctx context.Context) error {
	e.StopSync()
	if err := e.store.Clear(ctx); err != nil {
		return errors.Wrap(err, "clear local store")
	}
	jww.INFO.Printf("[Engine] session cleared")
	return nil
}

func (e *Engine) Block(ctx context.Context, userID string) error {
	return e.relation.Block(ctx, userID)
}

// Unblock removes userID from the block list. The watermark of their
// conversation is recorded locally whether or not sync runs; the remote
// update is sent by the running sync or by the next one.
func (e *Engine) Unblock(ctx context.Context, userID string) error {
	at, changed, err := e.relation.Unblock(ctx, userID)
	if err != nil || !changed {
		return err
	}
	_, err = e.reactor.ApplyUnblock(ctx, userID, at, false)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil
	}
	return errors.Wrap(err, "apply unblock")
}

func (e *Engine) BlockedUsers() []models.BlockedUser {
	return e.relation.List()
}

func (e *Engine) SetOpenConversation(conversationID string) {
	e.router.SetOpenConversation(conversationID)
}

func (e *Engine) ShouldPresent(push models.IncomingPush) bool {
	return e.router.ShouldPresent(push)
}

// Close stops sync and the conversation view.
func (e *Engine) Close() {
	e.StopSync()
	e.view.Close()
}
