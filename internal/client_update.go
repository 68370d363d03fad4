package internal

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"chatcore/internal/domain"
	"chatcore/internal/events"
	"chatcore/internal/reconnect"
)

type (
	authResultMsg struct {
		username string
		token    string
		err      error
	}
	historyMsg struct {
		conversation domain.ID
		messages     []domain.Message
		err          error
	}
	presenceMsg struct {
		conversation domain.ID
		online       []string
		err          error
	}
	logoutMsg struct{ err error }
)

func (model *TUIModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typedMessage := message.(type) {
	case tea.KeyMsg:
		if typedMessage.Type == tea.KeyCtrlC {
			model.shutdown()
			return model, tea.Quit
		}
		switch model.mode {
		case modeAuthMenu:
			return model.updateAuthMenu(typedMessage)
		case modeAuthUsername, modeAuthPassword:
			return model.updateAuthPrompt(typedMessage)
		default:
			return model.updateChat(typedMessage)
		}

	case authResultMsg:
		model.loading = false
		if typedMessage.err != nil {
			model.systemLine(fmt.Sprintf("Authentication failed: %v", typedMessage.err))
			return model, model.promptUsername()
		}
		model.username = typedMessage.username
		model.token = typedMessage.token
		if model.sessionPath != "" {
			if err := saveSessionToDisk(model.sessionPath, sessionFile{Username: model.username, Token: model.token}); err != nil {
				model.systemLine(fmt.Sprintf("Could not remember login: %v", err))
			}
		}
		return model, model.enterChat()

	case connStateMsg:
		previous := model.connState
		model.connState = typedMessage.state
		model.attempts = typedMessage.attempts
		if typedMessage.state == reconnect.Error && previous != reconnect.Error {
			model.systemLine("Could not reach the server. Type /reconnect to try again or /logout if your session expired.")
		}
		if typedMessage.state != reconnect.Connected {
			model.online = make(map[string]bool)
		}
		return model, model.nextEvent()

	case serverEventMsg:
		model.applyServerEvent(typedMessage.evt)
		return model, model.nextEvent()

	case exhaustedMsg:
		if line := model.findQueued(typedMessage.entry.ID); line != nil {
			line.Queued = false
			line.Failed = true
		}
		model.systemLine(fmt.Sprintf("Gave up sending %q after %d attempts.", typedMessage.entry.Content, typedMessage.entry.MaxRetries))
		return model, model.nextEvent()

	case historyMsg:
		if typedMessage.err != nil {
			model.systemLine(fmt.Sprintf("Could not load history: %v", typedMessage.err))
			return model, nil
		}
		if typedMessage.conversation != model.conversation {
			return model, nil
		}
		model.mergeHistory(typedMessage.messages)
		return model, nil

	case presenceMsg:
		if typedMessage.err != nil {
			model.systemLine(fmt.Sprintf("Could not load presence: %v", typedMessage.err))
			return model, nil
		}
		if typedMessage.conversation != model.conversation {
			return model, nil
		}
		model.online = make(map[string]bool, len(typedMessage.online))
		for _, user := range typedMessage.online {
			model.online[user] = true
		}
		if len(typedMessage.online) == 0 {
			model.systemLine("Nobody is online here.")
		} else {
			model.systemLine("Online: " + strings.Join(typedMessage.online, ", "))
		}
		return model, nil

	case logoutMsg:
		if typedMessage.err != nil {
			model.systemLine(fmt.Sprintf("Logout failed: %v", typedMessage.err))
		}
		return model, nil
	}
	return model, nil
}

func (model *TUIModel) nextEvent() tea.Cmd {
	if model.session == nil {
		return nil
	}
	return model.session.next()
}

func (model *TUIModel) updateAuthMenu(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.String() {
	case "1", "l", "L":
		model.authIntent = authIntentLogin
		return model, model.promptUsername()
	case "2", "s", "S":
		model.authIntent = authIntentSignup
		return model, model.promptUsername()
	case "q", "Q", "esc":
		return model, tea.Quit
	}
	return model, nil
}

func (model *TUIModel) promptUsername() tea.Cmd {
	model.mode = modeAuthUsername
	model.textInput.SetValue(model.username)
	model.textInput.EchoMode = textinput.EchoNormal
	model.textInput.Placeholder = "username"
	model.textInput.Prompt = "user> "
	return model.textInput.Focus()
}

func (model *TUIModel) updateAuthPrompt(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.Type {
	case tea.KeyEsc:
		model.mode = modeAuthMenu
		model.textInput.SetValue("")
		model.textInput.Blur()
		model.textInput.Prompt = ""
		model.textInput.Placeholder = ""
		return model, nil
	case tea.KeyEnter:
		value := strings.TrimSpace(model.textInput.Value())
		if value == "" || model.loading {
			return model, nil
		}
		if model.mode == modeAuthUsername {
			model.username = value
			model.mode = modeAuthPassword
			model.textInput.SetValue("")
			model.textInput.EchoMode = textinput.EchoPassword
			model.textInput.Placeholder = "password"
			model.textInput.Prompt = "password> "
			return model, nil
		}
		model.textInput.SetValue("")
		model.loading = true
		return model, model.authCmd(model.authIntent, model.username, value)
	}
	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(key)
	return model, cmd
}

func (model *TUIModel) updateChat(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Type == tea.KeyEnter {
		trimmed := strings.TrimSpace(model.textInput.Value())
		model.textInput.SetValue("")
		model.setTyping(false)
		if trimmed == "" {
			return model, nil
		}
		if strings.HasPrefix(trimmed, "/") {
			return model, model.runCommand(trimmed)
		}
		model.sendChat(trimmed)
		return model, nil
	}
	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(key)
	model.setTyping(model.textInput.Value() != "" && !strings.HasPrefix(model.textInput.Value(), "/"))
	return model, cmd
}

func (model *TUIModel) setTyping(typing bool) {
	if model.session == nil || model.isTyping == typing {
		return
	}
	model.isTyping = typing
	model.session.typing(typing)
}

func (model *TUIModel) sendChat(body string) {
	if model.conversation <= 0 {
		model.systemLine("Join a conversation first with /join <id>.")
		return
	}
	clientID := model.session.send(body)
	model.messages = append(model.messages, ChatMessage{
		ClientID:       clientID,
		ConversationID: model.conversation,
		User:           model.username,
		Body:           body,
		Ts:             time.Now().Unix(),
		Queued:         true,
	})
}

func (model *TUIModel) applyServerEvent(evt events.Outbound) {
	switch e := evt.(type) {
	case *events.NewMessageEvent:
		if e.ConversationID != model.conversation {
			return
		}
		delete(model.typingUsers, e.UserID)
		if line := model.findQueued(e.ClientMessageID); line != nil {
			line.ID = e.ID
			line.Status = e.Status
			line.Ts = e.CreatedAt.Unix()
			line.Queued = false
			line.Failed = false
			return
		}
		if model.findMessage(e.ID) != nil {
			return
		}
		model.messages = append(model.messages, chatFromDomain(e.Message))
	case *events.MessageDeliveredEvent:
		model.advanceStatus(e.MessageID, e.Status)
	case *events.MessageReadEvent:
		model.advanceStatus(e.MessageID, domain.StatusRead)
	case *events.UserTypingEvent:
		if e.ConversationID != model.conversation || e.UserID == model.username {
			return
		}
		if e.IsTyping {
			model.typingUsers[e.UserID] = time.Now()
		} else {
			delete(model.typingUsers, e.UserID)
		}
	case *events.UserPresenceEvent:
		if e.ConversationID != model.conversation {
			return
		}
		if e.Online {
			model.online[e.UserID] = true
			model.systemLine(e.UserID + " joined")
		} else {
			delete(model.online, e.UserID)
			delete(model.typingUsers, e.UserID)
			model.systemLine(e.UserID + " left")
		}
	case *events.ReactionEvent:
		line := model.findMessage(e.MessageID)
		if line == nil {
			return
		}
		if line.Reactions == nil {
			line.Reactions = make(map[string]int)
		}
		if e.Action == events.ReactionRemove {
			if line.Reactions[e.Emoji] <= 1 {
				delete(line.Reactions, e.Emoji)
			} else {
				line.Reactions[e.Emoji]--
			}
			return
		}
		line.Reactions[e.Emoji]++
	case *events.MentionEvent:
		model.systemLine(fmt.Sprintf("%s mentioned you in conversation %d: %s", e.FromUserID, e.ConversationID, e.Content))
	case *events.ErrorEvent:
		if line := model.findQueued(e.ClientMessageID); line != nil {
			line.Failed = true
		}
		model.systemLine("Server: " + e.Message)
	}
}

func (model *TUIModel) advanceStatus(id domain.ID, status domain.Status) {
	line := model.findMessage(id)
	if line == nil || !line.Status.Advances(status) {
		return
	}
	line.Status = status
}

// mergeHistory puts fetched messages ahead of what arrived live, skipping
// ones already shown.
func (model *TUIModel) mergeHistory(history []domain.Message) {
	merged := make([]ChatMessage, 0, len(history)+len(model.messages))
	for _, msg := range history {
		if model.findMessage(msg.ID) != nil {
			continue
		}
		merged = append(merged, chatFromDomain(msg))
	}
	model.messages = append(merged, model.messages...)
}

func chatFromDomain(msg domain.Message) ChatMessage {
	return ChatMessage{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		User:           msg.UserID,
		Body:           msg.Content,
		Ts:             msg.CreatedAt.Unix(),
		Status:         msg.Status,
	}
}

// activeTypists lists users whose typing signal is still fresh.
func (model TUIModel) activeTypists(now time.Time) []string {
	var names []string
	for user, at := range model.typingUsers {
		if now.Sub(at) < typingTTL {
			names = append(names, user)
		}
	}
	return names
}
