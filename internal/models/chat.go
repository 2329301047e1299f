package models

import "time"

// ConversationState tracks a conversation through local creation, remote
// acknowledgement and deletion.
type ConversationState string

const (
	ConversationDraft    ConversationState = "draft"
	ConversationCreating ConversationState = "creating"
	ConversationCreated  ConversationState = "created"
	ConversationDeleting ConversationState = "deleting"
	ConversationError    ConversationState = "error"
)

// Conversation represents a private conversation between the local user and
// one interlocutor.
type Conversation struct {
	ID             string            `db:"id" json:"id"`
	InterlocutorID string            `db:"interlocutor_id" json:"interlocutor_id"`
	CreatedAt      time.Time         `db:"created_at" json:"created_at"`
	State          ConversationState `db:"state" json:"state"`
	// EffectiveFrom is the per-user deletion watermark. Messages dated at or
	// before it are never replayed into the conversation.
	EffectiveFrom *time.Time `db:"effective_from" json:"effective_from,omitempty"`
	// WatermarkPending is set while the remote has not yet acknowledged the
	// current watermark.
	WatermarkPending bool `db:"watermark_pending" json:"-"`
}

// AdvanceWatermark moves EffectiveFrom forward to at. It never moves it back.
func (c *Conversation) AdvanceWatermark(at time.Time) time.Time {
	if c.EffectiveFrom != nil && !at.After(*c.EffectiveFrom) {
		return *c.EffectiveFrom
	}
	ts := at
	c.EffectiveFrom = &ts
	return ts
}

// ConversationMessage pairs a conversation with its latest visible message.
// It is derived for display ordering and never persisted.
type ConversationMessage struct {
	Conversation Conversation `json:"conversation"`
	LastMessage  *Message     `json:"last_message,omitempty"`
}
