package internal

import (
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"chatline/internal/chat"
	"chatline/internal/clientsync"
)

// tui model struct for all the components and modes
type TUIModel struct {
	textInput     textinput.Model
	serverURL     string
	httpBase      string
	sessionPath   string
	token         string
	self          chat.User
	state         *clientsync.State
	notices       []string
	websocketConn *websocket.Conn
	outbound      chan []byte
	isConnected   bool
	connectionErr error
	retries       int
	mode          appMode
	authIntent    authIntent
	authUsername  string
	loading       bool
	selected      int
	nextID        int
	pending       map[string]pendingRequest
	browser       fileBrowser
}

type appMode int

const (
	modeAuthMenu appMode = iota
	modeAuthUsername
	modeAuthPassword
	modeRoster
	modeThread
	modeFileBrowser
)

type authIntent int

const (
	authIntentLogin authIntent = iota
	authIntentSignup
)

// pendingRequest remembers what an in-flight websocket request was about.
type pendingRequest struct {
	method string
	target string
}

const maxNotices = 5

func NewTUIModel(serverURL, sessionPath string) *TUIModel {
	input := textinput.New()
	input.CharLimit = 4000
	input.Prompt = ""

	model := &TUIModel{
		textInput:   input,
		serverURL:   serverURL,
		sessionPath: sessionPath,
		mode:        modeAuthMenu,
		pending:     make(map[string]pendingRequest),
	}
	base, err := httpBaseFromSocketURL(serverURL)
	if err != nil {
		model.notify("Invalid server URL: " + err.Error())
	}
	model.httpBase = base
	return model
}

func (model *TUIModel) Init() tea.Cmd {
	if model.sessionPath == "" {
		return nil
	}
	session, err := loadSessionFromDisk(model.sessionPath)
	if err != nil {
		return nil
	}
	model.loading = true
	return model.resumeCmd(*session)
}

func (model *TUIModel) notify(text string) {
	model.notices = append(model.notices, text)
	if len(model.notices) > maxNotices {
		model.notices = model.notices[len(model.notices)-maxNotices:]
	}
}

// selectedUser is the roster entry under the cursor.
func (model *TUIModel) selectedUser() (chat.User, bool) {
	if model.state == nil {
		return chat.User{}, false
	}
	users := model.state.Users()
	if model.selected < 0 || model.selected >= len(users) {
		return chat.User{}, false
	}
	return users[model.selected], true
}

// displayName resolves a user id to something readable.
func (model *TUIModel) displayName(userID string) string {
	if userID == model.self.ID {
		return model.self.Username
	}
	if model.state != nil {
		if user, ok := model.state.User(userID); ok {
			return user.Username
		}
	}
	return userID
}

func (model *TUIModel) setPrompt(prompt, placeholder string, echo textinput.EchoMode) tea.Cmd {
	model.textInput.SetValue("")
	model.textInput.Prompt = prompt
	model.textInput.Placeholder = placeholder
	model.textInput.EchoMode = echo
	return model.textInput.Focus()
}

func (model *TUIModel) clearPrompt() {
	model.textInput.SetValue("")
	model.textInput.Blur()
	model.textInput.Prompt = ""
	model.textInput.Placeholder = ""
	model.textInput.EchoMode = textinput.EchoNormal
}
