package internal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"chatline/internal/chat"
	"chatline/internal/clientsync"
	"chatline/internal/protocol"
)

var (
	alice = chat.User{ID: "u-alice", Username: "alice"}
	bob   = chat.User{ID: "u-bob", Username: "bob"}
	carol = chat.User{ID: "u-carol", Username: "carol"}
)

// frameSink accepts websocket connections and collects what clients send.
func frameSink(t *testing.T) (string, chan protocol.Frame) {
	t.Helper()
	frames := make(chan protocol.Frame, 16)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var frame protocol.Frame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			frames <- frame
		}
	}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http"), frames
}

func dialSink(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// newSignedInModel returns a model showing the roster of alice, connected
// to a frame sink.
func newSignedInModel(t *testing.T) (*TUIModel, string, chan protocol.Frame) {
	t.Helper()
	url, frames := frameSink(t)
	model := NewTUIModel(url, "")
	model.token = "token"
	model.self = alice
	model.state = clientsync.New(alice.ID)
	model.mode = modeRoster
	model.state.ApplyRoster([]chat.User{bob, carol}, map[string]int{bob.ID: 2})

	model.Update(connectedMsg{conn: dialSink(t, url)})
	require.True(t, model.isConnected)
	return model, url, frames
}

func pendingID(t *testing.T, model *TUIModel, method string) (string, pendingRequest) {
	t.Helper()
	for id, req := range model.pending {
		if req.method == method {
			return id, req
		}
	}
	t.Fatalf("no pending %s request", method)
	return "", pendingRequest{}
}

func result(t *testing.T, id string, payload any) protocol.Frame {
	t.Helper()
	frame, err := protocol.NewResult(id, payload)
	require.NoError(t, err)
	return frame
}

func event(t *testing.T, name string, payload any) protocol.Frame {
	t.Helper()
	frame, err := protocol.NewEvent(name, payload)
	require.NoError(t, err)
	return frame
}

func TestTUIModel_OpenThreadMarksIncomingSeen(t *testing.T) {
	req := require.New(t)
	model, _, _ := newSignedInModel(t)
	now := time.Now()

	// When alice opens bob's thread
	model.Update(tea.KeyMsg{Type: tea.KeyEnter})
	req.Equal(modeThread, model.mode)
	req.True(model.state.Pending())
	id, open := pendingID(t, model, protocol.MethodOpenThread)
	req.Equal(bob.ID, open.target)

	history := []chat.Message{
		{ID: "m1", SenderID: bob.ID, RecipientID: alice.ID, Text: "hi", CreatedAt: now},
		{ID: "m2", SenderID: alice.ID, RecipientID: bob.ID, Text: "hey", CreatedAt: now, Seen: true},
	}
	req.NotNil(model.handleFrame(result(t, id, protocol.OpenThreadResult{Messages: history, ResetUnseen: 2})))

	// Then the history is shown and bob's message gets a mark_seen
	req.False(model.state.Pending())
	req.Len(model.state.Messages(), 2)
	req.Zero(model.state.Unseen(bob.ID))
	seenID, seen := pendingID(t, model, protocol.MethodMarkSeen)
	req.Equal("m1", seen.target)

	model.handleFrame(result(t, seenID, protocol.MarkSeenResult{Ack: true}))
	req.True(model.state.Messages()[0].Seen)
	req.Empty(model.pending)
}

func TestTUIModel_EventsUpdateState(t *testing.T) {
	req := require.New(t)
	model, _, _ := newSignedInModel(t)

	model.handleFrame(event(t, protocol.EventOnlineUsersChanged, protocol.OnlineUsersChanged{UserIDs: []string{alice.ID, carol.ID}}))
	req.True(model.state.IsOnline(carol.ID))
	req.False(model.state.IsOnline(bob.ID))

	// A message from someone whose thread is closed only bumps the counter
	cmd := model.handleFrame(event(t, protocol.EventNewMessage, protocol.NewMessage{Message: chat.Message{ID: "m9", SenderID: carol.ID, RecipientID: alice.ID, Text: "yo"}}))
	req.Nil(cmd)
	req.Equal(1, model.state.Unseen(carol.ID))
	req.Equal(3, model.state.TotalUnseen())
	req.Empty(model.pending)
}

func TestTUIModel_ReconnectRefetchesOpenThread(t *testing.T) {
	req := require.New(t)
	model, url, _ := newSignedInModel(t)

	model.Update(tea.KeyMsg{Type: tea.KeyEnter})
	id, _ := pendingID(t, model, protocol.MethodOpenThread)
	model.handleFrame(result(t, id, protocol.OpenThreadResult{Messages: []chat.Message{}}))

	// When the socket drops
	model.Update(disconnectedMsg{conn: model.websocketConn})
	req.False(model.isConnected)
	req.True(model.state.Stale())
	req.Empty(model.pending)

	// Then a new connection asks for the thread again
	model.Update(connectedMsg{conn: dialSink(t, url)})
	req.True(model.isConnected)
	req.True(model.state.Pending())
	_, reopen := pendingID(t, model, protocol.MethodOpenThread)
	req.Equal(bob.ID, reopen.target)
}

func TestTUIModel_FailedOpenReturnsToRoster(t *testing.T) {
	req := require.New(t)
	model, _, _ := newSignedInModel(t)

	model.Update(tea.KeyMsg{Type: tea.KeyEnter})
	id, _ := pendingID(t, model, protocol.MethodOpenThread)
	model.handleFrame(protocol.NewFailure(id, "not_found", "user not found"))

	req.Equal(modeRoster, model.mode)
	req.Empty(model.state.Active())
	req.Len(model.notices, 1)
}

func TestTUIModel_SendWritesRequest(t *testing.T) {
	req := require.New(t)
	model, _, frames := newSignedInModel(t)

	model.Update(tea.KeyMsg{Type: tea.KeyEnter})
	model.textInput.SetValue("  hello bob ")
	req.Nil(model.submitThreadInput())

	var sent protocol.Frame
	select {
	case sent = <-frames:
	case <-time.After(3 * time.Second):
		t.Fatal("no frame written")
	}
	req.Equal(protocol.MethodSend, sent.Method)
	var params protocol.SendParams
	req.NoError(json.Unmarshal(sent.Params, &params))
	req.Equal(protocol.SendParams{RecipientID: bob.ID, Text: "hello bob"}, params)
	req.Empty(model.textInput.Value())
}

func TestTUIModel_SendsLeaveInOrder(t *testing.T) {
	req := require.New(t)
	model, _, frames := newSignedInModel(t)

	model.Update(tea.KeyMsg{Type: tea.KeyEnter})
	<-frames // open_thread

	for i := 0; i < 30; i++ {
		model.textInput.SetValue(fmt.Sprintf("message %02d", i))
		req.Nil(model.submitThreadInput())
	}

	for i := 0; i < 30; i++ {
		var sent protocol.Frame
		select {
		case sent = <-frames:
		case <-time.After(3 * time.Second):
			t.Fatalf("frame %d not written", i)
		}
		var params protocol.SendParams
		req.NoError(json.Unmarshal(sent.Params, &params))
		req.Equal(fmt.Sprintf("message %02d", i), params.Text)
		req.Equal(fmt.Sprintf("c%d", i+2), sent.ID)
	}
}

func TestTUIModel_RequestWithoutConnectionFails(t *testing.T) {
	req := require.New(t)
	model, _, _ := newSignedInModel(t)

	model.Update(disconnectedMsg{conn: model.websocketConn})
	req.Nil(model.outbound)

	cmd := model.request(protocol.MethodSend, protocol.SendParams{RecipientID: bob.ID, Text: "hi"}, bob.ID)
	req.NotNil(cmd)
	req.IsType(requestFailedMsg{}, cmd())
	req.Empty(model.pending)
}
