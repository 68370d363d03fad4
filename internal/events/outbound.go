package events

import (
	"time"

	"chatcore/internal/domain"
)

// NewMessageEvent carries a freshly persisted message.
type NewMessageEvent struct {
	domain.Message
	ClientMessageID string   `json:"clientMessageId,omitempty"`
	Attachments     []string `json:"attachments,omitempty"`
}

func (NewMessageEvent) EventName() Name { return NewMessage }
func (NewMessageEvent) outbound()       {}

func (e NewMessageEvent) Validate() error {
	var fields []string
	if e.ID <= 0 {
		fields = append(fields, "id")
	}
	if e.ConversationID <= 0 {
		fields = append(fields, "conversationId")
	}
	if e.UserID == "" {
		fields = append(fields, "userId")
	}
	if e.Status == "" {
		fields = append(fields, "status")
	}
	if len(fields) > 0 {
		return missing(fields...)
	}
	return nil
}

type MessageDeliveredEvent struct {
	MessageID      domain.ID     `json:"messageId"`
	ConversationID domain.ID     `json:"conversationId"`
	UserID         string        `json:"userId"`
	Status         domain.Status `json:"status"`
}

func (MessageDeliveredEvent) EventName() Name { return MessageDelivered }
func (MessageDeliveredEvent) outbound()       {}

func (e MessageDeliveredEvent) Validate() error {
	if e.MessageID <= 0 || e.ConversationID <= 0 {
		return missing("messageId", "conversationId")
	}
	return nil
}

type MessageReadEvent struct {
	MessageID      domain.ID `json:"messageId"`
	ConversationID domain.ID `json:"conversationId"`
	UserID         string    `json:"userId"`
	ReadAt         time.Time `json:"readAt"`
}

func (MessageReadEvent) EventName() Name { return MessageRead }
func (MessageReadEvent) outbound()       {}

func (e MessageReadEvent) Validate() error {
	if e.MessageID <= 0 || e.ConversationID <= 0 || e.UserID == "" {
		return missing("messageId", "conversationId", "userId")
	}
	return nil
}

type UserTypingEvent struct {
	ConversationID domain.ID `json:"conversationId"`
	UserID         string    `json:"userId"`
	IsTyping       bool      `json:"isTyping"`
}

func (UserTypingEvent) EventName() Name { return UserTyping }
func (UserTypingEvent) outbound()       {}

func (e UserTypingEvent) Validate() error {
	if e.ConversationID <= 0 || e.UserID == "" {
		return missing("conversationId", "userId")
	}
	return nil
}

type UserPresenceEvent struct {
	ConversationID domain.ID `json:"conversationId"`
	UserID         string    `json:"userId"`
	Online         bool      `json:"online"`
}

func (UserPresenceEvent) EventName() Name { return UserPresence }
func (UserPresenceEvent) outbound()       {}

func (e UserPresenceEvent) Validate() error {
	if e.ConversationID <= 0 || e.UserID == "" {
		return missing("conversationId", "userId")
	}
	return nil
}

// ReactionEvent is the room echo of a message-reaction.
type ReactionEvent struct {
	MessageID      domain.ID      `json:"messageId"`
	ConversationID domain.ID      `json:"conversationId"`
	Emoji          string         `json:"emoji"`
	UserID         string         `json:"userId"`
	Action         ReactionAction `json:"action"`
}

func (ReactionEvent) EventName() Name { return MessageReaction }
func (ReactionEvent) outbound()       {}

func (e ReactionEvent) Validate() error {
	return validateReaction(e.MessageID, e.ConversationID, e.Emoji, e.UserID, e.Action)
}

// MentionEvent is delivered to the user-<id> room of a mentioned user.
type MentionEvent struct {
	MessageID      domain.ID `json:"messageId"`
	ConversationID domain.ID `json:"conversationId"`
	FromUserID     string    `json:"fromUserId"`
	UserID         string    `json:"userId"`
	Content        string    `json:"content"`
}

func (MentionEvent) EventName() Name { return Mention }
func (MentionEvent) outbound()       {}

func (e MentionEvent) Validate() error {
	if e.MessageID <= 0 || e.ConversationID <= 0 || e.UserID == "" {
		return missing("messageId", "conversationId", "userId")
	}
	return nil
}

// ErrorEvent is sent only to the connection whose action failed.
type ErrorEvent struct {
	Message string `json:"message"`
	Event   Name   `json:"event,omitempty"`
	// ClientMessageID lets the sender tie a failed send back to its queue.
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

func (ErrorEvent) EventName() Name { return Error }
func (ErrorEvent) outbound()       {}

func (e ErrorEvent) Validate() error {
	if e.Message == "" {
		return missing("message")
	}
	return nil
}
