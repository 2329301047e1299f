package models

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrInvalidTransition is returned when an event does not apply to a state.
var ErrInvalidTransition = errors.New("invalid state transition")

// LifecycleEvent drives the conversation and message state machines.
type LifecycleEvent string

const (
	// EventSubmit starts (or retries) a remote write.
	EventSubmit LifecycleEvent = "submit"
	// EventAck records a successful remote write.
	EventAck LifecycleEvent = "ack"
	// EventFail records a failed remote write.
	EventFail LifecycleEvent = "fail"
	// EventDelete starts a remote delete.
	EventDelete LifecycleEvent = "delete"
)

// NextConversationState applies event to state.
func NextConversationState(state ConversationState, event LifecycleEvent) (ConversationState, error) {
	switch {
	case event == EventSubmit && (state == ConversationDraft || state == ConversationError || state == ConversationCreating):
		return ConversationCreating, nil
	case event == EventAck && state == ConversationCreating:
		return ConversationCreated, nil
	case event == EventFail && state == ConversationCreating:
		return ConversationError, nil
	case event == EventDelete && (state == ConversationCreated || state == ConversationDeleting):
		return ConversationDeleting, nil
	}
	return state, errors.Wrap(ErrInvalidTransition, fmt.Sprintf("conversation %s on %s", state, event))
}

// NextMessageState applies event to state.
func NextMessageState(state MessageState, event LifecycleEvent) (MessageState, error) {
	switch {
	case event == EventSubmit && (state == MessageDraft || state == MessageError || state == MessageSending):
		return MessageSending, nil
	case event == EventAck && state == MessageSending:
		return MessageSent, nil
	case event == EventFail && state == MessageSending:
		return MessageError, nil
	}
	return state, errors.Wrap(ErrInvalidTransition, fmt.Sprintf("message %s on %s", state, event))
}

// NeedsRemoteCreate reports whether the conversation has not been
// acknowledged by the remote yet.
func (c Conversation) NeedsRemoteCreate() bool {
	switch c.State {
	case ConversationDraft, ConversationCreating, ConversationError:
		return true
	}
	return false
}
