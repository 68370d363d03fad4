// Package domain holds the chat entities shared by the store, the room
// session and the wire events.
package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ID is a server-assigned numeric identifier. It decodes from either a JSON
// number or a numeric string, since browser clients send both.
type ID int64

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*id = 0
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q: %w", s, err)
		}
		*id = ID(n)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid id %s: %w", data, err)
	}
	*id = ID(n)
	return nil
}

func (id ID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Status is the delivery lifecycle of a message.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Rank orders statuses so transitions can be checked for monotonicity.
// Unknown statuses rank below sent.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// Advances reports whether moving from s to next goes forward.
func (s Status) Advances(next Status) bool {
	return next.Rank() > s.Rank()
}

// Message is a persisted chat unit.
type Message struct {
	ID             ID        `json:"id"`
	ConversationID ID        `json:"conversationId"`
	UserID         string    `json:"userId"`
	Content        string    `json:"content"`
	Status         Status    `json:"status"`
	ReplyToID      *ID       `json:"replyToId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Reaction is one emoji placed on a message by one user.
type Reaction struct {
	MessageID ID        `json:"messageId"`
	UserID    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
}

// ReadReceipt records that a user has read a message.
type ReadReceipt struct {
	MessageID ID        `json:"messageId"`
	UserID    string    `json:"userId"`
	ReadAt    time.Time `json:"readAt"`
}

// ConversationRoom names the broadcast room for a conversation.
func ConversationRoom(conversationID ID) string {
	return "conversation-" + conversationID.String()
}

// UserRoom names the per-user notification room.
func UserRoom(userID string) string {
	return "user-" + userID
}
