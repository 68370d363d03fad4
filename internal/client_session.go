package internal

import (
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"chatcore/internal/domain"
	"chatcore/internal/events"
	"chatcore/internal/log"
	"chatcore/internal/outbox"
	"chatcore/internal/queue"
	"chatcore/internal/reconnect"
	"chatcore/internal/storage"
)

const sessionEventBuffer = 256

// ChatSessionConfig carries what a logged-in client needs to talk to the server.
type ChatSessionConfig struct {
	JoinURL   string
	Store     *storage.Store
	Reconnect reconnect.Config
	Outbox    outbox.Config
}

type (
	connStateMsg struct {
		state    reconnect.State
		attempts int
	}
	serverEventMsg struct{ evt events.Outbound }
	exhaustedMsg   struct{ entry queue.QueuedMessage }
)

// chatSession is the logged-in half of the client: one reconnect manager,
// the offline outbox in front of it, and the conversation being viewed.
// Everything it learns is pushed to the TUI through events.
type chatSession struct {
	username string
	manager  *reconnect.Manager
	outbox   *outbox.Outbox
	queue    *queue.Queue
	events   chan tea.Msg
	logger   zerolog.Logger

	mu           sync.Mutex
	conversation domain.ID
	stops        []func()
}

func queueKey(username string) string {
	return "outbox:" + username
}

func startChatSession(cfg ChatSessionConfig, username, token string, conversation domain.ID) *chatSession {
	s := &chatSession{
		username:     username,
		events:       make(chan tea.Msg, sessionEventBuffer),
		conversation: conversation,
		logger:       log.L().With().Str(log.FieldService, "client").Str(log.FieldUserID, username).Logger(),
	}
	s.queue = queue.New(cfg.Store.KeyValue(queueKey(username), 2*time.Second), queue.WithOnExhausted(s.onExhausted))
	s.manager = reconnect.New(newWSDialer(cfg.JoinURL, token), s.onFrame, cfg.Reconnect)
	s.outbox = outbox.New(username, s.queue, s.manager, nil, cfg.Outbox)

	// Joining has to precede the outbox flush on every connect, otherwise
	// the sender misses its own echo. Observers run in subscription order.
	s.stops = append(s.stops, s.manager.Subscribe(s.onState))
	s.stops = append(s.stops, s.outbox.Start())
	return s
}

// next waits for the following session event.
func (s *chatSession) next() tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-s.events
		if !ok {
			return nil
		}
		return msg
	}
}

func (s *chatSession) push(msg tea.Msg) {
	select {
	case s.events <- msg:
	default:
		s.logger.Warn().Msg("client event buffer full, dropping update")
	}
}

func (s *chatSession) onState(state reconnect.State, connected bool) {
	if connected {
		if conversation := s.currentConversation(); conversation > 0 {
			s.sendEvent(events.JoinConversationEvent{ConversationID: conversation, UserID: s.username})
		}
	}
	s.push(connStateMsg{state: state, attempts: s.manager.Attempts()})
}

func (s *chatSession) onExhausted(entry queue.QueuedMessage) {
	s.push(exhaustedMsg{entry: entry})
}

func (s *chatSession) onFrame(payload []byte) {
	evt, err := events.DecodeOutbound(payload)
	if err != nil {
		s.logger.Debug().Err(err).Msg("ignoring undecodable server frame")
		return
	}
	s.outbox.HandleEvent(evt)
	if msg, ok := evt.(*events.NewMessageEvent); ok {
		s.acknowledge(msg)
	}
	s.push(serverEventMsg{evt: evt})
}

// acknowledge confirms delivery of messages from others in the open
// conversation. Those are on screen, so they count as read too.
func (s *chatSession) acknowledge(msg *events.NewMessageEvent) {
	if msg.UserID == s.username || msg.ConversationID != s.currentConversation() {
		return
	}
	s.sendEvent(events.MessageAckEvent{MessageID: msg.ID, UserID: s.username})
	s.sendEvent(events.ReadReceiptEvent{MessageID: msg.ID, UserID: s.username, ConversationID: msg.ConversationID})
}

func (s *chatSession) currentConversation() domain.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversation
}

// join switches the open conversation, leaving the previous one.
func (s *chatSession) join(conversation domain.ID) {
	s.mu.Lock()
	previous := s.conversation
	s.conversation = conversation
	s.mu.Unlock()
	if previous > 0 && previous != conversation {
		s.sendEvent(events.LeaveConversationEvent{ConversationID: previous, UserID: s.username})
	}
	if conversation > 0 {
		s.sendEvent(events.JoinConversationEvent{ConversationID: conversation, UserID: s.username})
	}
}

func (s *chatSession) leave() {
	s.join(0)
}

// send hands content to the outbox and returns its client message id.
func (s *chatSession) send(content string) string {
	return s.outbox.Send(s.currentConversation(), content, nil, nil)
}

func (s *chatSession) react(messageID domain.ID, emoji string, action events.ReactionAction) {
	s.sendEvent(events.MessageReactionEvent{
		MessageID:      messageID,
		ConversationID: s.currentConversation(),
		Emoji:          emoji,
		UserID:         s.username,
		Action:         action,
	})
}

func (s *chatSession) typing(isTyping bool) {
	conversation := s.currentConversation()
	if conversation <= 0 {
		return
	}
	s.sendEvent(events.TypingEvent{ConversationID: conversation, UserID: s.username, IsTyping: isTyping})
}

func (s *chatSession) reconnect() {
	s.manager.Connect()
}

func (s *chatSession) pending() int {
	return len(s.outbox.Pending())
}

// sendEvent is best effort: offline sends are dropped, only chat messages
// go through the outbox.
func (s *chatSession) sendEvent(evt events.Inbound) {
	raw, err := events.Encode(evt)
	if err != nil {
		s.logger.Warn().Err(err).Str(log.FieldEvent, string(evt.EventName())).Msg("refusing to send invalid event")
		return
	}
	if err := s.manager.Send(raw); err != nil {
		s.logger.Debug().Err(err).Str(log.FieldEvent, string(evt.EventName())).Msg("event not sent")
	}
}

// close tells the server we are leaving and tears the connection down.
func (s *chatSession) close() {
	s.sendEvent(events.DisconnectEvent{})
	s.mu.Lock()
	stops := s.stops
	s.stops = nil
	s.mu.Unlock()
	for i := len(stops) - 1; i >= 0; i-- {
		stops[i]()
	}
}
