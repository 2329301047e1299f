package models

// SyncStatus is the engine state shown to local clients.
type SyncStatus struct {
	Online        bool   `json:"online"`
	UserID        string `json:"user_id,omitempty"`
	Syncing       bool   `json:"syncing"`
	Subscriptions int    `json:"subscriptions"`
}

// OutboxReport summarizes one outbox reconciliation pass.
type OutboxReport struct {
	Conversations int `json:"conversations"`
	Messages      int `json:"messages"`
	Failed        int `json:"failed"`
	Skipped       int `json:"skipped"`
}

// IncomingPush is a push notification received for the local user.
type IncomingPush struct {
	FromUserID     string `json:"from_user_id" binding:"required"`
	ConversationID string `json:"conversation_id" binding:"required"`
	MessageID      string `json:"message_id"`
	Preview        string `json:"preview"`
}
