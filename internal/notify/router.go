package notify

import (
	"sync"

	jww "github.com/spf13/jwalterweatherman"

	"chat-sync/internal/models"
)

// BlockChecker reports whether the local user blocked userID.
type BlockChecker interface {
	IsBlocked(userID string) bool
}

// Router decides which incoming pushes are shown. Pushes for the open
// conversation and pushes from blocked users are suppressed. Presented
// pushes are kept per sender until the conversation is opened or the sender
// is blocked.
type Router struct {
	blocks BlockChecker

	mu      sync.Mutex
	open    string
	pending map[string][]models.IncomingPush
}

func NewRouter(blocks BlockChecker) *Router {
	return &Router{blocks: blocks, pending: make(map[string][]models.IncomingPush)}
}

// SetOpenConversation records the conversation on screen. "" means none.
func (r *Router) SetOpenConversation(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open = conversationID
	if conversationID == "" {
		return
	}
	for sender, pushes := range r.pending {
		kept := pushes[:0]
		for _, p := range pushes {
			if p.ConversationID != conversationID {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(r.pending, sender)
		} else {
			r.pending[sender] = kept
		}
	}
}

func (r *Router) OpenConversation() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

// ShouldPresent reports whether push should be surfaced and records it as
// pending when it is.
func (r *Router) ShouldPresent(push models.IncomingPush) bool {
	if r.blocks != nil && r.blocks.IsBlocked(push.FromUserID) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if push.ConversationID == r.open {
		return false
	}
	r.pending[push.FromUserID] = append(r.pending[push.FromUserID], push)
	return true
}

// Pending returns the presented pushes of one sender.
func (r *Router) Pending(fromUserID string) []models.IncomingPush {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.IncomingPush(nil), r.pending[fromUserID]...)
}

// PurgeUser drops everything held for userID.
func (r *Router) PurgeUser(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.pending[userID]); n > 0 {
		jww.DEBUG.Printf("[Notify] dropping %d pending pushes from %s", n, userID)
	}
	delete(r.pending, userID)
}
