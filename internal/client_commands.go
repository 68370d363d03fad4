package internal

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"chatcore/internal/domain"
	"chatcore/internal/events"
)

const helpText = `/join <id>             open a conversation
/leave                 close the current conversation
/react <msg> <emoji>   add a reaction
/unreact <msg> <emoji> remove a reaction
/who                   list who is online here
/history               reload recent messages
/queue                 show messages waiting to be sent
/reconnect             retry after the connection gave up
/logout                forget this login and quit
/quit                  exit`

// runCommand executes a slash command typed in chat mode.
func (model *TUIModel) runCommand(input string) tea.Cmd {
	fields := strings.Fields(input)
	switch strings.ToLower(fields[0]) {
	case "/quit", "/exit":
		model.shutdown()
		return tea.Quit
	case "/help":
		model.systemLine(helpText)
	case "/join":
		if len(fields) != 2 {
			model.systemLine("Usage: /join <conversation id>")
			return nil
		}
		id, err := parseID(fields[1])
		if err != nil {
			model.systemLine(err.Error())
			return nil
		}
		return model.switchConversation(id)
	case "/leave":
		if model.conversation <= 0 {
			model.systemLine("Not in a conversation.")
			return nil
		}
		model.session.leave()
		model.systemLine(fmt.Sprintf("Left conversation %d.", model.conversation))
		model.conversation = 0
		model.messages = nil
		model.online = make(map[string]bool)
		model.typingUsers = make(map[string]time.Time)
	case "/react", "/unreact":
		if len(fields) != 3 {
			model.systemLine(fmt.Sprintf("Usage: %s <message id> <emoji>", fields[0]))
			return nil
		}
		id, err := parseID(fields[1])
		if err != nil {
			model.systemLine(err.Error())
			return nil
		}
		action := events.ReactionAdd
		if strings.EqualFold(fields[0], "/unreact") {
			action = events.ReactionRemove
		}
		model.session.react(id, fields[2], action)
	case "/who":
		if model.conversation <= 0 {
			model.systemLine("Not in a conversation.")
			return nil
		}
		return model.presenceCmd(model.conversation)
	case "/history":
		if model.conversation <= 0 {
			model.systemLine("Not in a conversation.")
			return nil
		}
		return model.historyCmd(model.conversation)
	case "/queue":
		pending := model.session.outbox.Pending()
		if len(pending) == 0 {
			model.systemLine("Nothing waiting to be sent.")
			return nil
		}
		for _, entry := range pending {
			model.systemLine(fmt.Sprintf("queued %s (conversation %d, %d/%d retries): %s",
				entry.EnqueuedAt.Local().Format("15:04:05"), entry.ConversationID, entry.RetryCount, entry.MaxRetries, entry.Content))
		}
	case "/reconnect":
		model.session.reconnect()
	case "/logout":
		token := model.token
		model.shutdown()
		_ = deleteSessionFile(model.sessionPath)
		return tea.Sequence(model.logoutCmd(token), tea.Quit)
	default:
		model.systemLine(fmt.Sprintf("Unknown command %s. Try /help.", fields[0]))
	}
	return nil
}

func (model *TUIModel) switchConversation(id domain.ID) tea.Cmd {
	if id == model.conversation {
		return nil
	}
	model.conversation = id
	model.messages = nil
	model.online = make(map[string]bool)
	model.typingUsers = make(map[string]time.Time)
	model.session.join(id)
	model.systemLine(fmt.Sprintf("Joined conversation %d.", id))
	return model.historyCmd(id)
}

func parseID(raw string) (domain.ID, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%q is not a valid id", raw)
	}
	return domain.ID(n), nil
}

func (model *TUIModel) authCmd(intent authIntent, username, password string) tea.Cmd {
	base := model.httpBase
	return func() tea.Msg {
		if base == "" {
			return authResultMsg{err: errors.New("invalid server url")}
		}
		if intent == authIntentSignup {
			if err := apiSignup(base, username, password); err != nil {
				return authResultMsg{err: err}
			}
		}
		resp, err := apiLogin(base, username, password)
		if err != nil {
			return authResultMsg{err: err}
		}
		return authResultMsg{username: resp.Username, token: resp.Token}
	}
}

func (model *TUIModel) historyCmd(conversation domain.ID) tea.Cmd {
	base, token := model.httpBase, model.token
	return func() tea.Msg {
		messages, err := apiHistory(base, token, conversation, defaultHistoryLimit)
		return historyMsg{conversation: conversation, messages: messages, err: err}
	}
}

func (model *TUIModel) presenceCmd(conversation domain.ID) tea.Cmd {
	base, token := model.httpBase, model.token
	return func() tea.Msg {
		online, err := apiPresence(base, token, conversation)
		return presenceMsg{conversation: conversation, online: online, err: err}
	}
}

func (model *TUIModel) logoutCmd(token string) tea.Cmd {
	base := model.httpBase
	return func() tea.Msg {
		return logoutMsg{err: apiLogout(base, token)}
	}
}

// RunClient runs the TUI until the user quits.
func RunClient(opts ClientOptions) error {
	model := NewTUIModel(opts)
	program := tea.NewProgram(model)
	_, err := program.Run()
	model.shutdown()
	return err
}
