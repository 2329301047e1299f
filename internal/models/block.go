package models

import "time"

// BlockedUser is an entry of the local user's block list.
type BlockedUser struct {
	UserID    string    `db:"user_id" json:"user_id"`
	BlockedAt time.Time `db:"blocked_at" json:"blocked_at"`
}

// BlockEventKind distinguishes block from unblock events.
type BlockEventKind string

const (
	BlockEventBlock   BlockEventKind = "block"
	BlockEventUnblock BlockEventKind = "unblock"
)

// BlockEvent is emitted whenever the block relation changes.
type BlockEvent struct {
	Kind   BlockEventKind `json:"kind"`
	UserID string         `json:"user_id"`
	At     time.Time      `json:"at"`
}
