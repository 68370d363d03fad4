package internal

import (
	"os"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"chatcore/internal/domain"
	"chatcore/internal/reconnect"
)

// ChatMessage is one line of the chat log. System lines carry no ID.
type ChatMessage struct {
	ID             domain.ID
	ClientID       string
	ConversationID domain.ID
	User           string
	Body           string
	Ts             int64
	Status         domain.Status
	Reactions      map[string]int
	Queued         bool
	Failed         bool
	System         bool
}

// tui model struct for all the components and modes
type TUIModel struct {
	textInput       textinput.Model
	messages        []ChatMessage
	serverJoinURL   string
	httpBase        string
	username        string
	token           string
	conversation    domain.ID
	mode            appMode
	authIntent      authIntent
	menuIndex       int
	loading         bool
	connState       reconnect.State
	attempts        int
	typingUsers     map[string]time.Time
	online          map[string]bool
	isTyping        bool
	session         *chatSession
	sessionCfg      ChatSessionConfig
	sessionPath     string
}

type appMode int

const (
	modeAuthMenu appMode = iota
	modeAuthUsername
	modeAuthPassword
	modeChat
)

type authIntent int

const (
	authIntentLogin authIntent = iota
	authIntentSignup
)

const typingTTL = 5 * time.Second

// ClientOptions configures the TUI.
type ClientOptions struct {
	Session      ChatSessionConfig
	Username     string
	Conversation domain.ID
	// SessionPath remembers the login token between runs. Empty disables it.
	SessionPath string
}

func NewTUIModel(opts ClientOptions) *TUIModel {
	input := textinput.New()
	input.CharLimit = 0
	input.Prompt = ""

	username := opts.Username
	if username == "" {
		username = defaultUsername()
	}
	httpBase, _ := httpBaseFromJoinURL(opts.Session.JoinURL)

	model := &TUIModel{
		textInput:     input,
		messages:      make([]ChatMessage, 0, 64),
		serverJoinURL: opts.Session.JoinURL,
		httpBase:      httpBase,
		username:      username,
		conversation:  opts.Conversation,
		mode:          modeAuthMenu,
		connState:     reconnect.Disconnected,
		typingUsers:   make(map[string]time.Time),
		online:        make(map[string]bool),
		sessionCfg:    opts.Session,
		sessionPath:   opts.SessionPath,
	}
	if opts.SessionPath != "" {
		if saved, err := loadSessionFromDisk(opts.SessionPath); err == nil {
			model.username = saved.Username
			model.token = saved.Token
		}
	}
	return model
}

// init user
func defaultUsername() string {
	if user := os.Getenv("CHATCORE_USER"); user != "" {
		return user
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return ""
}

func (model *TUIModel) Init() tea.Cmd {
	if model.token != "" {
		return model.enterChat()
	}
	return nil
}

func (model *TUIModel) systemLine(body string) {
	model.messages = append(model.messages, ChatMessage{User: "system", Body: body, Ts: time.Now().Unix(), System: true})
}

func (model *TUIModel) findMessage(id domain.ID) *ChatMessage {
	for i := len(model.messages) - 1; i >= 0; i-- {
		if !model.messages[i].System && model.messages[i].ID == id {
			return &model.messages[i]
		}
	}
	return nil
}

func (model *TUIModel) findQueued(clientID string) *ChatMessage {
	if clientID == "" {
		return nil
	}
	for i := len(model.messages) - 1; i >= 0; i-- {
		if model.messages[i].ClientID == clientID {
			return &model.messages[i]
		}
	}
	return nil
}

// enterChat starts the realtime session for the logged-in user.
func (model *TUIModel) enterChat() tea.Cmd {
	model.mode = modeChat
	model.loading = false
	model.textInput.SetValue("")
	model.textInput.EchoMode = textinput.EchoNormal
	model.textInput.Placeholder = "Type a message or /help…"
	model.textInput.Prompt = "> "
	focusCmd := model.textInput.Focus()
	model.session = startChatSession(model.sessionCfg, model.username, model.token, model.conversation)
	cmds := []tea.Cmd{focusCmd, model.session.next()}
	if model.conversation > 0 {
		cmds = append(cmds, model.historyCmd(model.conversation))
	} else {
		model.systemLine("Use /join <conversation id> to open a conversation.")
	}
	return tea.Batch(cmds...)
}

func (model *TUIModel) shutdown() {
	if model.session != nil {
		model.session.close()
		model.session = nil
	}
}
