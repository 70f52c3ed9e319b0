package internal

import (
	"errors"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"chatline/internal/chat"
	"chatline/internal/clientsync"
	"chatline/internal/protocol"
)

func (model *TUIModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typedMessage := message.(type) {
	case tea.KeyMsg:
		if typedMessage.Type == tea.KeyCtrlC {
			model.closeConn()
			return model, tea.Quit
		}
		return model.updateKeys(typedMessage)

	case authDoneMsg:
		model.loading = false
		if typedMessage.err != nil {
			model.notify("Authentication failed: " + typedMessage.err.Error())
			model.mode = modeAuthMenu
			model.clearPrompt()
			return model, nil
		}
		return model, model.startSession(typedMessage.session.Token, typedMessage.session.User)

	case rosterMsg:
		if errors.Is(typedMessage.err, errUnauthorized) {
			return model, model.logout(typedMessage.err.Error())
		}
		if typedMessage.err != nil {
			model.notify("Could not load users: " + typedMessage.err.Error())
			return model, nil
		}
		if model.state == nil {
			return model, nil
		}
		model.state.ApplyRoster(typedMessage.roster.Users, typedMessage.roster.Unseen)
		if model.isConnected {
			model.state.ApplyOnlineUsers(typedMessage.roster.Online)
		}
		model.selected = min(model.selected, max(len(model.state.Users())-1, 0))
		return model, nil

	case connectedMsg:
		if model.token == "" || model.websocketConn != nil {
			_ = typedMessage.conn.Close()
			return model, nil
		}
		model.attachConn(typedMessage.conn)
		model.connectionErr = nil
		model.retries = 0
		cmds := []tea.Cmd{readOnceCmd(typedMessage.conn), model.rosterCmd()}
		if counterpart := model.state.Reconnected(); counterpart != "" {
			cmds = append(cmds, model.openThreadCmd(counterpart))
		}
		return model, tea.Batch(cmds...)

	case connectFailedMsg:
		model.connectionErr = typedMessage.err
		if errors.Is(typedMessage.err, errUnauthorized) {
			return model, model.logout(typedMessage.err.Error())
		}
		if model.token == "" {
			return model, nil
		}
		return model, model.scheduleReconnect()

	case reconnectMsg:
		if model.token != "" && !model.isConnected && model.websocketConn == nil {
			return model, model.connectCmd()
		}
		return model, nil

	case frameMsg:
		if typedMessage.conn != model.websocketConn {
			return model, nil
		}
		return model, tea.Batch(model.handleFrame(typedMessage.frame), readOnceCmd(typedMessage.conn))

	case disconnectedMsg:
		if typedMessage.conn != model.websocketConn {
			return model, nil
		}
		model.dropConn()
		model.connectionErr = typedMessage.err
		clear(model.pending)
		model.state.Disconnected()
		return model, model.scheduleReconnect()

	case requestFailedMsg:
		model.notify("Request failed: " + typedMessage.err.Error())
		return model, nil

	case uploadMsg:
		model.loading = false
		if typedMessage.err != nil {
			model.notify("Upload failed: " + typedMessage.err.Error())
			return model, nil
		}
		params := protocol.SendParams{RecipientID: typedMessage.counterpart, ImageRef: typedMessage.image.ImageRef}
		return model, model.request(protocol.MethodSend, params, typedMessage.counterpart)
	}
	return model, nil
}

// handleFrame applies one server frame to the local state.
func (model *TUIModel) handleFrame(frame protocol.Frame) tea.Cmd {
	switch frame.Type {
	case protocol.TypeEvent:
		switch frame.Event {
		case protocol.EventOnlineUsersChanged:
			var event protocol.OnlineUsersChanged
			if err := frame.Decode(&event); err == nil {
				model.state.ApplyOnlineUsers(event.UserIDs)
			}
		case protocol.EventNewMessage:
			var event protocol.NewMessage
			if err := frame.Decode(&event); err != nil {
				return nil
			}
			if model.state.ApplyNewMessage(event.Message) {
				return model.markSeenCmds([]string{event.Message.ID})
			}
		}
		return nil

	case protocol.TypeResponse:
		req, ok := model.pending[frame.ID]
		if !ok {
			return nil
		}
		delete(model.pending, frame.ID)
		if !frame.Succeeded() {
			return model.handleFailure(req, frame.Error)
		}
		switch req.method {
		case protocol.MethodOpenThread:
			var result protocol.OpenThreadResult
			if err := frame.Decode(&result); err != nil {
				return nil
			}
			return model.markSeenCmds(model.state.ApplyThread(req.target, result.Messages))
		case protocol.MethodSend:
			var msg chat.Message
			if err := frame.Decode(&msg); err == nil {
				model.state.ApplySent(msg)
			}
		case protocol.MethodMarkSeen:
			model.state.ApplySeen(req.target)
		}
	}
	return nil
}

func (model *TUIModel) handleFailure(req pendingRequest, failure *protocol.Error) tea.Cmd {
	text := "request failed"
	if failure != nil {
		text = failure.Message
	}
	switch req.method {
	case protocol.MethodOpenThread:
		if req.target == model.state.Active() {
			model.state.Deselect()
			model.mode = modeRoster
			model.clearPrompt()
		}
		model.notify("Could not open conversation: " + text)
	case protocol.MethodSend:
		model.notify("Message not sent: " + text)
	default:
		model.notify(text)
	}
	return nil
}

func (model *TUIModel) startSession(token string, user chat.User) tea.Cmd {
	model.token = token
	model.self = user
	model.state = clientsync.New(user.ID)
	model.selected = 0
	model.mode = modeRoster
	model.clearPrompt()
	if err := saveSessionToDisk(model.sessionPath, sessionFile{Username: user.Username, Token: token}); err != nil {
		model.notify("Could not save session: " + err.Error())
	}
	return tea.Batch(model.rosterCmd(), model.connectCmd())
}

func (model *TUIModel) logout(reason string) tea.Cmd {
	model.closeConn()
	model.token = ""
	model.self = chat.User{}
	model.state = nil
	model.mode = modeAuthMenu
	clear(model.pending)
	model.clearPrompt()
	_ = deleteSessionFile(model.sessionPath)
	if reason != "" {
		model.notify(reason)
	}
	return nil
}

func (model *TUIModel) updateKeys(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch model.mode {
	case modeAuthMenu:
		switch key.String() {
		case "1", "l", "L":
			model.authIntent = authIntentLogin
		case "2", "s", "S":
			model.authIntent = authIntentSignup
		case "q", "Q", "esc":
			return model, tea.Quit
		default:
			return model, nil
		}
		model.mode = modeAuthUsername
		return model, model.setPrompt("user> ", "username", textinput.EchoNormal)

	case modeAuthUsername, modeAuthPassword:
		switch key.Type {
		case tea.KeyEsc:
			model.mode = modeAuthMenu
			model.clearPrompt()
			return model, nil
		case tea.KeyEnter:
			value := strings.TrimSpace(model.textInput.Value())
			if value == "" || model.loading {
				return model, nil
			}
			if model.mode == modeAuthUsername {
				model.authUsername = value
				model.mode = modeAuthPassword
				return model, model.setPrompt("password> ", "", textinput.EchoPassword)
			}
			model.loading = true
			model.textInput.SetValue("")
			return model, model.authCmd(model.authIntent, model.authUsername, value)
		}
		var cmd tea.Cmd
		model.textInput, cmd = model.textInput.Update(key)
		return model, cmd

	case modeRoster:
		switch key.String() {
		case "up", "k":
			model.selected = max(model.selected-1, 0)
		case "down", "j":
			model.selected = min(model.selected+1, max(len(model.state.Users())-1, 0))
		case "enter":
			user, ok := model.selectedUser()
			if !ok {
				return model, nil
			}
			model.state.Select(user.ID)
			model.mode = modeThread
			focus := model.setPrompt("> ", "Type a message… (/attach to send an image)", textinput.EchoNormal)
			return model, tea.Batch(focus, model.openThreadCmd(user.ID))
		case "r", "R":
			return model, model.rosterCmd()
		case "o", "O":
			return model, model.logout("Logged out.")
		case "q", "Q", "esc":
			model.closeConn()
			return model, tea.Quit
		}
		return model, nil

	case modeThread:
		switch key.Type {
		case tea.KeyEsc:
			model.state.Deselect()
			model.mode = modeRoster
			model.clearPrompt()
			return model, tea.Batch(model.request(protocol.MethodCloseThread, nil, ""), model.rosterCmd())
		case tea.KeyEnter:
			return model, model.submitThreadInput()
		}
		var cmd tea.Cmd
		model.textInput, cmd = model.textInput.Update(key)
		return model, cmd

	case modeFileBrowser:
		switch key.String() {
		case "esc":
			model.mode = modeThread
			return model, model.textInput.Focus()
		case "up", "k":
			model.browser.move(-1)
		case "down", "j":
			model.browser.move(1)
		case "enter":
			item, ok := model.browser.current()
			if !ok {
				return model, nil
			}
			if item.IsDir {
				if err := model.browser.open(item.Path); err != nil {
					model.notify("Cannot open folder: " + err.Error())
				}
				return model, nil
			}
			model.mode = modeThread
			model.loading = true
			return model, tea.Batch(model.textInput.Focus(), model.uploadCmd(item.Path, model.state.Active()))
		}
		return model, nil
	}
	return model, nil
}

func (model *TUIModel) submitThreadInput() tea.Cmd {
	text := strings.TrimSpace(model.textInput.Value())
	if text == "" {
		return nil
	}
	switch strings.ToLower(text) {
	case "/quit", "/exit":
		model.closeConn()
		return tea.Quit
	case "/attach":
		model.textInput.SetValue("")
		if err := model.browser.open(getDefaultBrowsePath()); err != nil {
			model.notify("Cannot open folder: " + err.Error())
			return nil
		}
		model.textInput.Blur()
		model.mode = modeFileBrowser
		return nil
	}
	if !model.isConnected {
		model.notify("Not connected yet, message kept in the input.")
		return nil
	}
	model.textInput.SetValue("")
	counterpart := model.state.Active()
	return model.request(protocol.MethodSend, protocol.SendParams{RecipientID: counterpart, Text: text}, counterpart)
}
