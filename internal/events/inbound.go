package events

import (
	"strings"

	"chatcore/internal/domain"
)

type JoinConversationEvent struct {
	ConversationID domain.ID `json:"conversationId"`
	UserID         string    `json:"userId,omitempty"`
}

func (JoinConversationEvent) EventName() Name { return JoinConversation }
func (JoinConversationEvent) inbound()        {}

func (e JoinConversationEvent) Validate() error {
	if e.ConversationID <= 0 {
		return missing("conversationId")
	}
	return nil
}

type LeaveConversationEvent struct {
	ConversationID domain.ID `json:"conversationId"`
	UserID         string    `json:"userId,omitempty"`
}

func (LeaveConversationEvent) EventName() Name { return LeaveConversation }
func (LeaveConversationEvent) inbound()        {}

func (e LeaveConversationEvent) Validate() error {
	if e.ConversationID <= 0 {
		return missing("conversationId")
	}
	return nil
}

// SendMessageEvent asks the server to persist and fan out a message.
// ClientMessageID is echoed on the resulting new-message so the sender can
// match it against its offline queue.
type SendMessageEvent struct {
	ConversationID  domain.ID  `json:"conversationId"`
	Content         string     `json:"content"`
	UserID          string     `json:"userId"`
	ReplyToID       *domain.ID `json:"replyToId,omitempty"`
	ClientMessageID string     `json:"clientMessageId,omitempty"`
	Attachments     []string   `json:"attachments,omitempty"`
	Mentions        []string   `json:"mentions,omitempty"`
}

func (SendMessageEvent) EventName() Name { return SendMessage }
func (SendMessageEvent) inbound()        {}

func (e SendMessageEvent) Validate() error {
	var fields []string
	if e.ConversationID <= 0 {
		fields = append(fields, "conversationId")
	}
	if strings.TrimSpace(e.Content) == "" {
		fields = append(fields, "content")
	}
	if e.UserID == "" {
		fields = append(fields, "userId")
	}
	if len(fields) > 0 {
		return missing(fields...)
	}
	return nil
}

type MessageAckEvent struct {
	MessageID domain.ID `json:"messageId"`
	UserID    string    `json:"userId"`
}

func (MessageAckEvent) EventName() Name { return MessageAck }
func (MessageAckEvent) inbound()        {}

func (e MessageAckEvent) Validate() error {
	var fields []string
	if e.MessageID <= 0 {
		fields = append(fields, "messageId")
	}
	if e.UserID == "" {
		fields = append(fields, "userId")
	}
	if len(fields) > 0 {
		return missing(fields...)
	}
	return nil
}

type ReadReceiptEvent struct {
	MessageID      domain.ID `json:"messageId"`
	UserID         string    `json:"userId"`
	ConversationID domain.ID `json:"conversationId"`
}

func (ReadReceiptEvent) EventName() Name { return ReadReceipt }
func (ReadReceiptEvent) inbound()        {}

func (e ReadReceiptEvent) Validate() error {
	var fields []string
	if e.MessageID <= 0 {
		fields = append(fields, "messageId")
	}
	if e.UserID == "" {
		fields = append(fields, "userId")
	}
	if e.ConversationID <= 0 {
		fields = append(fields, "conversationId")
	}
	if len(fields) > 0 {
		return missing(fields...)
	}
	return nil
}

type TypingEvent struct {
	ConversationID domain.ID `json:"conversationId"`
	UserID         string    `json:"userId"`
	IsTyping       bool      `json:"isTyping"`
}

func (TypingEvent) EventName() Name { return Typing }
func (TypingEvent) inbound()        {}

func (e TypingEvent) Validate() error {
	var fields []string
	if e.ConversationID <= 0 {
		fields = append(fields, "conversationId")
	}
	if e.UserID == "" {
		fields = append(fields, "userId")
	}
	if len(fields) > 0 {
		return missing(fields...)
	}
	return nil
}

// ReactionAction is add or remove.
type ReactionAction string

const (
	ReactionAdd    ReactionAction = "add"
	ReactionRemove ReactionAction = "remove"
)

type MessageReactionEvent struct {
	MessageID      domain.ID      `json:"messageId"`
	ConversationID domain.ID      `json:"conversationId"`
	Emoji          string         `json:"emoji"`
	UserID         string         `json:"userId"`
	Action         ReactionAction `json:"action"`
}

func (MessageReactionEvent) EventName() Name { return MessageReaction }
func (MessageReactionEvent) inbound()        {}

func (e MessageReactionEvent) Validate() error {
	return validateReaction(e.MessageID, e.ConversationID, e.Emoji, e.UserID, e.Action)
}

func validateReaction(messageID, conversationID domain.ID, emoji, userID string, action ReactionAction) error {
	var fields []string
	if messageID <= 0 {
		fields = append(fields, "messageId")
	}
	if conversationID <= 0 {
		fields = append(fields, "conversationId")
	}
	if emoji == "" {
		fields = append(fields, "emoji")
	}
	if userID == "" {
		fields = append(fields, "userId")
	}
	if action == "" {
		fields = append(fields, "action")
	}
	if len(fields) > 0 {
		return missing(fields...)
	}
	if action != ReactionAdd && action != ReactionRemove {
		return ErrInvalidAction
	}
	return nil
}

// DisconnectEvent is synthesized by the transport when the socket closes.
type DisconnectEvent struct{}

func (DisconnectEvent) EventName() Name { return Disconnect }
func (DisconnectEvent) inbound()        {}
func (DisconnectEvent) Validate() error { return nil }
