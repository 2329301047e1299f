package models

import "time"

// MessageState tracks a message from composition until remote acknowledgement.
type MessageState string

const (
	MessageDraft   MessageState = "draft"
	MessageSending MessageState = "sending"
	MessageSent    MessageState = "sent"
	MessageError   MessageState = "error"
)

// Message represents a chat message. Date is fixed when the message is first
// persisted and doubles as the replay watermark.
type Message struct {
	ID             string       `db:"id" json:"id"`
	SenderID       string       `db:"sender_id" json:"sender_id"`
	RecipientID    string       `db:"recipient_id" json:"recipient_id"`
	ConversationID string       `db:"conversation_id" json:"conversation_id"`
	Content        string       `db:"content" json:"content"`
	Date           time.Time    `db:"date" json:"date"`
	Seen           bool         `db:"seen" json:"seen"`
	State          MessageState `db:"state" json:"state"`
	Visible        bool         `db:"visible" json:"visible"`
}

// ChangeKind identifies what a ChangeEvent touched in the local store.
type ChangeKind string

const (
	ConversationUpserted ChangeKind = "conversation_upserted"
	ConversationDeleted  ChangeKind = "conversation_deleted"
	MessageUpserted      ChangeKind = "message_upserted"
	MessagesDeleted      ChangeKind = "messages_deleted"
	StoreCleared         ChangeKind = "store_cleared"
)

// ChangeEvent is emitted by the local store after every write.
type ChangeEvent struct {
	Kind           ChangeKind `json:"kind"`
	ConversationID string     `json:"conversation_id,omitempty"`
	MessageID      string     `json:"message_id,omitempty"`
}
