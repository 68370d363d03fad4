// Package events defines the wire protocol between clients and the room
// session. Every event name maps to exactly one payload struct; decoding
// yields the concrete type so handlers never inspect loose maps.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Name identifies an event on the wire.
type Name string

// Client -> server.
const (
	JoinConversation  Name = "join-conversation"
	LeaveConversation Name = "leave-conversation"
	SendMessage       Name = "send-message"
	MessageAck        Name = "message-ack"
	ReadReceipt       Name = "read-receipt"
	Typing            Name = "typing"
	MessageReaction   Name = "message-reaction"
	Disconnect        Name = "disconnect"
)

// Server -> client.
const (
	NewMessage       Name = "new-message"
	MessageDelivered Name = "message-delivered"
	MessageRead      Name = "message-read"
	UserTyping       Name = "user-typing"
	UserPresence     Name = "user-presence"
	Mention          Name = "mention"
	Error            Name = "error"
)

var (
	ErrMalformed     = errors.New("malformed event")
	ErrUnknownEvent  = errors.New("unknown event")
	ErrMissingField  = errors.New("missing required field")
	ErrInvalidAction = errors.New("invalid reaction action")
)

// Envelope is the frame carried by every websocket text message.
type Envelope struct {
	Event Name            `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is implemented by every payload struct.
type Event interface {
	EventName() Name
	Validate() error
}

// Inbound is the closed set of client-originated events.
type Inbound interface {
	Event
	inbound()
}

// Outbound is the closed set of server-originated events.
type Outbound interface {
	Event
	outbound()
}

// Encode validates evt and wraps it in an envelope.
func Encode(evt Event) ([]byte, error) {
	if err := evt.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", evt.EventName(), err)
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: evt.EventName(), Data: data})
}

// DecodeInbound parses a client frame into its concrete event type and
// validates required fields.
func DecodeInbound(raw []byte) (Inbound, error) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	var evt Inbound
	switch env.Event {
	case JoinConversation:
		evt = &JoinConversationEvent{}
	case LeaveConversation:
		evt = &LeaveConversationEvent{}
	case SendMessage:
		evt = &SendMessageEvent{}
	case MessageAck:
		evt = &MessageAckEvent{}
	case ReadReceipt:
		evt = &ReadReceiptEvent{}
	case Typing:
		evt = &TypingEvent{}
	case MessageReaction:
		evt = &MessageReactionEvent{}
	case Disconnect:
		evt = &DisconnectEvent{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	return evt, decodeData(env, evt)
}

// DecodeOutbound parses a server frame. Used by clients.
func DecodeOutbound(raw []byte) (Outbound, error) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	var evt Outbound
	switch env.Event {
	case NewMessage:
		evt = &NewMessageEvent{}
	case MessageDelivered:
		evt = &MessageDeliveredEvent{}
	case MessageRead:
		evt = &MessageReadEvent{}
	case UserTyping:
		evt = &UserTypingEvent{}
	case UserPresence:
		evt = &UserPresenceEvent{}
	case MessageReaction:
		evt = &ReactionEvent{}
	case Mention:
		evt = &MentionEvent{}
	case Error:
		evt = &ErrorEvent{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	return evt, decodeData(env, evt)
}

func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Event == "" {
		return env, fmt.Errorf("%w: no event name", ErrMalformed)
	}
	return env, nil
}

func decodeData(env Envelope, evt Event) error {
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, evt); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformed, env.Event, err)
		}
	}
	if err := evt.Validate(); err != nil {
		return fmt.Errorf("%s: %w", env.Event, err)
	}
	return nil
}

func missing(fields ...string) error {
	return fmt.Errorf("%w: %v", ErrMissingField, fields)
}
