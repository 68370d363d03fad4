// Package session applies inbound events from one connection: it validates
// them, persists through the message store and fans out through the
// registry.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatcore/internal/domain"
	"chatcore/internal/events"
	"chatcore/internal/log"
	"chatcore/internal/presence"
	"chatcore/internal/storage"
)

const defaultStoreTimeout = 5 * time.Second

// ErrWrongConversation is returned when an event names a message that is
// not part of the conversation it claims.
var ErrWrongConversation = errors.New("message belongs to another conversation")

// MessageStore is the persistence the session needs. storage.Store
// satisfies it.
type MessageStore interface {
	InsertMessage(ctx context.Context, conversationID domain.ID, userID, content string, replyTo *domain.ID) (*domain.Message, error)
	GetMessage(ctx context.Context, id domain.ID) (*domain.Message, error)
	UpdateMessageStatus(ctx context.Context, id domain.ID, status domain.Status) (*domain.Message, bool, error)
	MarkRead(ctx context.Context, messageID domain.ID, userID string) (*domain.Message, *domain.ReadReceipt, bool, error)
	AddReaction(ctx context.Context, messageID domain.ID, userID, emoji string) (*domain.Reaction, error)
	RemoveReaction(ctx context.Context, messageID domain.ID, userID, emoji string) error
}

// Rooms is the subset of the connection registry the session drives.
type Rooms interface {
	Join(connID, room string) bool
	Leave(connID, room string)
	OnDisconnect(connID string) []string
	Broadcast(room string, evt events.Outbound) error
	BroadcastExcept(room, exceptConnID string, evt events.Outbound) error
	SendTo(connID string, evt events.Outbound) error
}

// Handler holds the collaborators shared by every session.
type Handler struct {
	store        MessageStore
	rooms        Rooms
	presence     presence.Tracker
	storeTimeout time.Duration
}

// NewHandler wires the collaborators. A nil tracker disables presence
// events; a non-positive timeout falls back to five seconds.
func NewHandler(store MessageStore, rooms Rooms, tracker presence.Tracker, storeTimeout time.Duration) *Handler {
	if storeTimeout <= 0 {
		storeTimeout = defaultStoreTimeout
	}
	return &Handler{store: store, rooms: rooms, presence: tracker, storeTimeout: storeTimeout}
}

// Session is the per-connection state. Events of one connection are
// handled in arrival order by its read loop.
type Session struct {
	h      *Handler
	connID string
	userID string
	logger zerolog.Logger

	mu     sync.Mutex
	joined map[domain.ID]struct{}
	closed bool
}

// NewSession starts a session for an authenticated connection. userID
// overrides whatever identity the client puts in event payloads.
func (h *Handler) NewSession(connID, userID string) *Session {
	return &Session{
		h:      h,
		connID: connID,
		userID: userID,
		logger: log.L().With().Str(log.FieldConnID, connID).Str(log.FieldUserID, userID).Logger(),
		joined: make(map[domain.ID]struct{}),
	}
}

// Start joins the connection to its personal user room.
func (s *Session) Start() bool {
	if s.userID == "" {
		return true
	}
	return s.h.rooms.Join(s.connID, domain.UserRoom(s.userID))
}

// HandleFrame decodes one websocket text frame and applies it.
func (s *Session) HandleFrame(ctx context.Context, raw []byte) {
	evt, err := events.DecodeInbound(raw)
	if err != nil {
		s.logger.Warn().Err(err).Msg("dropping inbound frame")
		return
	}
	_ = s.Handle(ctx, evt)
}

// Handle applies a decoded event. Failures are logged here; the returned
// error is for callers that want to inspect it.
func (s *Session) Handle(ctx context.Context, evt events.Inbound) error {
	if err := evt.Validate(); err != nil {
		s.logger.Warn().Err(err).Str(log.FieldEvent, string(evt.EventName())).Msg("invalid event")
		return err
	}
	switch e := evt.(type) {
	case *events.JoinConversationEvent:
		return s.join(ctx, *e)
	case events.JoinConversationEvent:
		return s.join(ctx, e)
	case *events.LeaveConversationEvent:
		return s.leave(ctx, *e)
	case events.LeaveConversationEvent:
		return s.leave(ctx, e)
	case *events.SendMessageEvent:
		return s.sendMessage(ctx, *e)
	case events.SendMessageEvent:
		return s.sendMessage(ctx, e)
	case *events.MessageAckEvent:
		return s.ack(ctx, *e)
	case events.MessageAckEvent:
		return s.ack(ctx, e)
	case *events.ReadReceiptEvent:
		return s.readReceipt(ctx, *e)
	case events.ReadReceiptEvent:
		return s.readReceipt(ctx, e)
	case *events.TypingEvent:
		return s.typing(*e)
	case events.TypingEvent:
		return s.typing(e)
	case *events.MessageReactionEvent:
		return s.reaction(ctx, *e)
	case events.MessageReactionEvent:
		return s.reaction(ctx, e)
	case *events.DisconnectEvent, events.DisconnectEvent:
		s.Close(ctx)
		return nil
	}
	return events.ErrUnknownEvent
}

func (s *Session) identity(claimed string) string {
	if s.userID != "" {
		return s.userID
	}
	return claimed
}

func (s *Session) join(ctx context.Context, e events.JoinConversationEvent) error {
	room := domain.ConversationRoom(e.ConversationID)
	if !s.h.rooms.Join(s.connID, room) {
		s.logger.Debug().Str(log.FieldRoom, room).Msg("join after disconnect ignored")
		return nil
	}
	s.mu.Lock()
	_, already := s.joined[e.ConversationID]
	s.joined[e.ConversationID] = struct{}{}
	s.mu.Unlock()
	s.logger.Debug().Str(log.FieldRoom, room).Msg("joined conversation")
	if already {
		return nil
	}
	user := s.identity(e.UserID)
	if user == "" {
		return nil
	}
	if s.trackPresence(ctx, room, user, true) {
		s.broadcastExcept(room, events.UserPresenceEvent{ConversationID: e.ConversationID, UserID: user, Online: true})
	}
	return nil
}

func (s *Session) leave(ctx context.Context, e events.LeaveConversationEvent) error {
	room := domain.ConversationRoom(e.ConversationID)
	s.h.rooms.Leave(s.connID, room)
	s.mu.Lock()
	_, was := s.joined[e.ConversationID]
	delete(s.joined, e.ConversationID)
	s.mu.Unlock()
	if !was {
		return nil
	}
	s.logger.Debug().Str(log.FieldRoom, room).Msg("left conversation")
	user := s.identity(e.UserID)
	if user == "" {
		return nil
	}
	if s.trackPresence(ctx, room, user, false) {
		s.broadcastExcept(room, events.UserPresenceEvent{ConversationID: e.ConversationID, UserID: user, Online: false})
	}
	return nil
}

// trackPresence updates the tracker and reports whether the user crossed
// between offline and online in room.
func (s *Session) trackPresence(ctx context.Context, room, user string, online bool) bool {
	if s.h.presence == nil {
		return true
	}
	var (
		n   int
		err error
	)
	if online {
		n, err = s.h.presence.Join(ctx, room, user)
	} else {
		n, err = s.h.presence.Leave(ctx, room, user)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str(log.FieldRoom, room).Msg("presence update failed")
		return true
	}
	if online {
		return n == 1
	}
	return n == 0
}

func (s *Session) sendMessage(ctx context.Context, e events.SendMessageEvent) error {
	user := s.identity(e.UserID)
	ctx, cancel := context.WithTimeout(ctx, s.h.storeTimeout)
	defer cancel()
	msg, err := s.h.store.InsertMessage(ctx, e.ConversationID, user, strings.TrimSpace(e.Content), e.ReplyToID)
	if err != nil {
		s.logger.Error().Err(err).Int64(log.FieldConversationID, int64(e.ConversationID)).Msg("insert message failed")
		s.sendError(events.SendMessage, "failed to send message", e.ClientMessageID)
		return err
	}
	room := domain.ConversationRoom(msg.ConversationID)
	s.broadcast(room, events.NewMessageEvent{Message: *msg, ClientMessageID: e.ClientMessageID, Attachments: e.Attachments})

	seen := make(map[string]struct{}, len(e.Mentions))
	for _, mentioned := range e.Mentions {
		if mentioned == "" || mentioned == user {
			continue
		}
		if _, dup := seen[mentioned]; dup {
			continue
		}
		seen[mentioned] = struct{}{}
		s.broadcast(domain.UserRoom(mentioned), events.MentionEvent{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			FromUserID:     user,
			UserID:         mentioned,
			Content:        msg.Content,
		})
	}
	return nil
}

func (s *Session) ack(ctx context.Context, e events.MessageAckEvent) error {
	user := s.identity(e.UserID)
	ctx, cancel := context.WithTimeout(ctx, s.h.storeTimeout)
	defer cancel()
	msg, err := s.h.store.GetMessage(ctx, e.MessageID)
	if err != nil {
		return s.storeFailed(events.MessageAck, e.MessageID, err)
	}
	if msg.UserID == user {
		return nil
	}
	msg, changed, err := s.h.store.UpdateMessageStatus(ctx, e.MessageID, domain.StatusDelivered)
	if err != nil {
		return s.storeFailed(events.MessageAck, e.MessageID, err)
	}
	if !changed {
		s.logger.Debug().Int64(log.FieldMessageID, int64(e.MessageID)).Msg("ack did not advance status")
		return nil
	}
	s.broadcast(domain.ConversationRoom(msg.ConversationID), events.MessageDeliveredEvent{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		UserID:         user,
		Status:         msg.Status,
	})
	return nil
}

func (s *Session) readReceipt(ctx context.Context, e events.ReadReceiptEvent) error {
	user := s.identity(e.UserID)
	ctx, cancel := context.WithTimeout(ctx, s.h.storeTimeout)
	defer cancel()
	msg, err := s.h.store.GetMessage(ctx, e.MessageID)
	if err != nil {
		return s.storeFailed(events.ReadReceipt, e.MessageID, err)
	}
	if msg.UserID == user {
		return nil
	}
	msg, receipt, inserted, err := s.h.store.MarkRead(ctx, e.MessageID, user)
	if err != nil {
		return s.storeFailed(events.ReadReceipt, e.MessageID, err)
	}
	if !inserted {
		s.logger.Debug().Int64(log.FieldMessageID, int64(e.MessageID)).Msg("duplicate read receipt")
		return nil
	}
	s.broadcast(domain.ConversationRoom(msg.ConversationID), events.MessageReadEvent{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		UserID:         user,
		ReadAt:         receipt.ReadAt,
	})
	return nil
}

func (s *Session) typing(e events.TypingEvent) error {
	room := domain.ConversationRoom(e.ConversationID)
	s.broadcastExcept(room, events.UserTypingEvent{
		ConversationID: e.ConversationID,
		UserID:         s.identity(e.UserID),
		IsTyping:       e.IsTyping,
	})
	return nil
}

func (s *Session) reaction(ctx context.Context, e events.MessageReactionEvent) error {
	user := s.identity(e.UserID)
	ctx, cancel := context.WithTimeout(ctx, s.h.storeTimeout)
	defer cancel()
	msg, err := s.h.store.GetMessage(ctx, e.MessageID)
	if err != nil {
		return s.storeFailed(events.MessageReaction, e.MessageID, err)
	}
	if msg.ConversationID != e.ConversationID {
		s.logger.Warn().Int64(log.FieldMessageID, int64(e.MessageID)).
			Int64(log.FieldConversationID, int64(e.ConversationID)).Msg("reaction names the wrong conversation")
		s.sendError(events.MessageReaction, "message not found in conversation", "")
		return ErrWrongConversation
	}
	switch e.Action {
	case events.ReactionAdd:
		_, err = s.h.store.AddReaction(ctx, e.MessageID, user, e.Emoji)
	case events.ReactionRemove:
		err = s.h.store.RemoveReaction(ctx, e.MessageID, user, e.Emoji)
	}
	if errors.Is(err, storage.ErrReactionExists) || errors.Is(err, storage.ErrReactionNotFound) {
		s.logger.Debug().Err(err).Int64(log.FieldMessageID, int64(e.MessageID)).Msg("reaction unchanged")
		return nil
	}
	if err != nil {
		return s.storeFailed(events.MessageReaction, e.MessageID, err)
	}
	s.broadcast(domain.ConversationRoom(msg.ConversationID), events.ReactionEvent{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Emoji:          e.Emoji,
		UserID:         user,
		Action:         e.Action,
	})
	return nil
}

// Close removes the connection from every room and announces the user as
// offline where this was their last connection. Safe to call more than once.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	joined := make([]domain.ID, 0, len(s.joined))
	for id := range s.joined {
		joined = append(joined, id)
	}
	s.joined = make(map[domain.ID]struct{})
	s.mu.Unlock()

	rooms := s.h.rooms.OnDisconnect(s.connID)
	s.logger.Debug().Strs("rooms", rooms).Msg("connection closed")
	if s.userID == "" {
		return
	}
	for _, id := range joined {
		room := domain.ConversationRoom(id)
		if s.trackPresence(ctx, room, s.userID, false) {
			s.broadcast(room, events.UserPresenceEvent{ConversationID: id, UserID: s.userID, Online: false})
		}
	}
}

// Closed reports whether Close has run.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) storeFailed(evt events.Name, messageID domain.ID, err error) error {
	msg := "failed to update message"
	if errors.Is(err, storage.ErrMessageNotFound) {
		msg = "message not found"
	}
	s.logger.Error().Err(err).Str(log.FieldEvent, string(evt)).Int64(log.FieldMessageID, int64(messageID)).Msg("store operation failed")
	s.sendError(evt, msg, "")
	return err
}

func (s *Session) sendError(evt events.Name, msg, clientMessageID string) {
	err := s.h.rooms.SendTo(s.connID, events.ErrorEvent{Message: msg, Event: evt, ClientMessageID: clientMessageID})
	if err != nil {
		s.logger.Debug().Err(err).Msg("error event not delivered")
	}
}

func (s *Session) broadcast(room string, evt events.Outbound) {
	if err := s.h.rooms.Broadcast(room, evt); err != nil {
		s.logger.Warn().Err(err).Str(log.FieldRoom, room).Msg("broadcast failed")
	}
}

func (s *Session) broadcastExcept(room string, evt events.Outbound) {
	if err := s.h.rooms.BroadcastExcept(room, s.connID, evt); err != nil {
		s.logger.Warn().Err(err).Str(log.FieldRoom, room).Msg("broadcast failed")
	}
}
