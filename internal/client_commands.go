package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gorilla/websocket"

	"chatline/internal/auth"
	"chatline/internal/delivery"
	"chatline/internal/protocol"
)

const (
	retryDelay    = 2 * time.Second
	maxRetryDelay = 30 * time.Second

	outboundQueueSize = 64
)

type (
	authDoneMsg struct {
		session auth.Session
		err     error
	}
	rosterMsg struct {
		roster delivery.Roster
		err    error
	}
	connectedMsg     struct{ conn *websocket.Conn }
	connectFailedMsg struct{ err error }
	frameMsg         struct {
		conn  *websocket.Conn
		frame protocol.Frame
	}
	disconnectedMsg struct {
		conn *websocket.Conn
		err  error
	}
	reconnectMsg     struct{}
	requestFailedMsg struct{ err error }
	uploadMsg        struct {
		image       UploadedImage
		counterpart string
		err         error
	}
)

// resumeCmd checks a stored token before reusing it.
func (model *TUIModel) resumeCmd(session sessionFile) tea.Cmd {
	base := model.httpBase
	return func() tea.Msg {
		resp, err := apiCheck(base, session.Token)
		if err != nil {
			return authDoneMsg{err: err}
		}
		return authDoneMsg{session: auth.Session{Token: session.Token, User: resp.User}}
	}
}

func (model *TUIModel) authCmd(intent authIntent, username, password string) tea.Cmd {
	base := model.httpBase
	return func() tea.Msg {
		var (
			session auth.Session
			err     error
		)
		if intent == authIntentSignup {
			session, err = apiSignup(base, auth.SignupRequest{Username: username, Password: password})
		} else {
			session, err = apiLogin(base, auth.LoginRequest{Username: username, Password: password})
		}
		return authDoneMsg{session: session, err: err}
	}
}

func (model *TUIModel) rosterCmd() tea.Cmd {
	base, token := model.httpBase, model.token
	return func() tea.Msg {
		roster, err := apiRoster(base, token)
		return rosterMsg{roster: roster, err: err}
	}
}

// websocket dial
func (model *TUIModel) connectCmd() tea.Cmd {
	serverURL, token := model.serverURL, model.token
	return func() tea.Msg {
		socketURL, err := buildSocketURL(serverURL, token)
		if err != nil {
			return connectFailedMsg{err: err}
		}
		conn, resp, err := websocket.DefaultDialer.Dial(socketURL, http.Header{})
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return connectFailedMsg{err: errUnauthorized}
			}
			return connectFailedMsg{err: err}
		}
		return connectedMsg{conn: conn}
	}
}

// scheduleReconnect backs off exponentially up to maxRetryDelay.
func (model *TUIModel) scheduleReconnect() tea.Cmd {
	delay := retryDelay << min(model.retries, 4)
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	model.retries++
	return tea.Tick(delay, func(time.Time) tea.Msg {
		return reconnectMsg{}
	})
}

func readOnceCmd(conn *websocket.Conn) tea.Cmd {
	return func() tea.Msg {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return disconnectedMsg{conn: conn, err: err}
		}
		if messageType != websocket.TextMessage {
			return readOnceCmd(conn)()
		}
		var frame protocol.Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			return readOnceCmd(conn)()
		}
		return frameMsg{conn: conn, frame: frame}
	}
}

// writeLoop is the only writer of conn, so frames leave in the order they
// were queued. A failed write closes conn and the pending read reports it.
func writeLoop(conn *websocket.Conn, outbound <-chan []byte) {
	for payload := range outbound {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			_ = conn.Close()
			return
		}
	}
}

func failedCmd(err error) tea.Cmd {
	return func() tea.Msg { return requestFailedMsg{err: err} }
}

// request registers an in-flight call and queues it for the writer.
func (model *TUIModel) request(method string, params any, target string) tea.Cmd {
	if model.outbound == nil || !model.isConnected {
		return failedCmd(errors.New("not connected"))
	}
	model.nextID++
	id := fmt.Sprintf("c%d", model.nextID)
	frame, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return failedCmd(err)
	}
	encoded, err := json.Marshal(frame)
	if err != nil {
		return failedCmd(err)
	}
	select {
	case model.outbound <- encoded:
		model.pending[id] = pendingRequest{method: method, target: target}
		return nil
	default:
		return failedCmd(errors.New("too many requests in flight"))
	}
}

func (model *TUIModel) openThreadCmd(counterpart string) tea.Cmd {
	return model.request(protocol.MethodOpenThread, protocol.OpenThreadParams{CounterpartID: counterpart}, counterpart)
}

func (model *TUIModel) markSeenCmds(ids []string) tea.Cmd {
	cmds := make([]tea.Cmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, model.request(protocol.MethodMarkSeen, protocol.MarkSeenParams{MessageID: id}, id))
	}
	return tea.Batch(cmds...)
}

// uploadCmd sniffs the file locally before posting it.
func (model *TUIModel) uploadCmd(path, counterpart string) tea.Cmd {
	base, token := model.httpBase, model.token
	return func() tea.Msg {
		mtype, err := mimetype.DetectFile(path)
		if err != nil {
			return uploadMsg{counterpart: counterpart, err: err}
		}
		if !strings.HasPrefix(mtype.String(), "image/") {
			return uploadMsg{counterpart: counterpart, err: fmt.Errorf("%s is not an image (%s)", path, mtype.String())}
		}
		image, err := apiUpload(base, token, path)
		return uploadMsg{image: image, counterpart: counterpart, err: err}
	}
}

func (model *TUIModel) attachConn(conn *websocket.Conn) {
	model.websocketConn = conn
	model.outbound = make(chan []byte, outboundQueueSize)
	model.isConnected = true
	go writeLoop(conn, model.outbound)
}

func (model *TUIModel) dropConn() {
	if model.outbound != nil {
		close(model.outbound)
		model.outbound = nil
	}
	if model.websocketConn != nil {
		_ = model.websocketConn.Close()
		model.websocketConn = nil
	}
	model.isConnected = false
}

func (model *TUIModel) closeConn() {
	if model.websocketConn == nil {
		return
	}
	_ = model.websocketConn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client quit"), time.Now().Add(time.Second))
	model.dropConn()
}

//entry for bubbletea
func RunClient(serverURL, sessionPath string) error {
	program := tea.NewProgram(NewTUIModel(serverURL, sessionPath), tea.WithAltScreen())
	_, err := program.Run()
	return err
}
