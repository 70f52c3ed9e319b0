package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"chatline/internal/auth"
	"chatline/internal/chat"
	"chatline/internal/delivery"
	"chatline/internal/protocol"
	"chatline/internal/storage"
)

type testEnv struct {
	server *Server
	http   *httptest.Server
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	name := strings.ReplaceAll(t.Name(), "/", "_")
	store, err := storage.NewStore("sqlite://file:" + name + "?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	tokens, err := auth.NewTokens("test-secret", time.Hour)
	require.NoError(t, err)
	accounts := auth.NewService(store, tokens, bcrypt.MinCost, log)

	server := NewServer(accounts, store, store, ServerOptions{UploadDir: t.TempDir()}, log)
	ts := httptest.NewServer(server.Routes("/ws"))
	t.Cleanup(func() {
		server.Close()
		ts.Close()
		_ = store.Close()
	})
	return testEnv{server: server, http: ts}
}

func (e testEnv) signup(t *testing.T, username string) auth.Session {
	t.Helper()
	body, err := json.Marshal(auth.SignupRequest{Username: username, Password: "correct-horse"})
	require.NoError(t, err)
	resp, err := http.Post(e.http.URL+"/api/auth/signup", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var session auth.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&session))
	return session
}

func (e testEnv) roster(t *testing.T, token string) delivery.Roster {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.http.URL+"/api/users", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var roster delivery.Roster
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&roster))
	return roster
}

type testClient struct {
	t      *testing.T
	conn   *websocket.Conn
	seq    int
	events []protocol.Frame
}

func (e testEnv) dial(t *testing.T, token string) *testClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) read() protocol.Frame {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var frame protocol.Frame
	require.NoError(c.t, c.conn.ReadJSON(&frame))
	return frame
}

// call sends a request and returns its response; events read meanwhile are kept.
func (c *testClient) call(method string, params any) protocol.Frame {
	c.t.Helper()
	c.seq++
	id := fmt.Sprint(c.seq)
	frame, err := protocol.NewRequest(id, method, params)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(frame))
	for {
		next := c.read()
		if next.Type == protocol.TypeResponse && next.ID == id {
			return next
		}
		c.events = append(c.events, next)
	}
}

// waitEvent returns the first event, buffered or new, accepted by match.
func (c *testClient) waitEvent(name string, match func(protocol.Frame) bool) protocol.Frame {
	c.t.Helper()
	for i, frame := range c.events {
		if frame.Event == name && match(frame) {
			c.events = slices.Delete(c.events, 0, i+1)
			return frame
		}
	}
	c.events = nil
	for {
		frame := c.read()
		if frame.Type == protocol.TypeEvent && frame.Event == name && match(frame) {
			return frame
		}
	}
}

func (c *testClient) waitOnline(expected ...string) {
	c.t.Helper()
	slices.Sort(expected)
	c.waitEvent(protocol.EventOnlineUsersChanged, func(frame protocol.Frame) bool {
		var event protocol.OnlineUsersChanged
		require.NoError(c.t, frame.Decode(&event))
		return slices.Equal(event.UserIDs, expected)
	})
}

func (c *testClient) waitMessage(id string) chat.Message {
	c.t.Helper()
	var msg chat.Message
	c.waitEvent(protocol.EventNewMessage, func(frame protocol.Frame) bool {
		var event protocol.NewMessage
		require.NoError(c.t, frame.Decode(&event))
		msg = event.Message
		return msg.ID == id
	})
	return msg
}

func TestWebsocket_RejectsInvalidToken(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)

	for _, token := range []string{"", "garbage"} {
		url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws?token=" + token
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		req.Error(err)
		req.NotNil(resp)
		req.Equal(http.StatusUnauthorized, resp.StatusCode)
	}
	req.Zero(env.server.Registry().Len())
}

func TestWebsocket_PresenceFollowsConnections(t *testing.T) {
	env := newTestEnv(t)
	alice := env.signup(t, "alice")
	bob := env.signup(t, "bob")

	// Given Alice is connected
	aliceConn := env.dial(t, alice.Token)
	aliceConn.waitOnline(alice.User.ID)

	// When Bob connects, Alice sees him
	bobConn := env.dial(t, bob.Token)
	bobConn.waitOnline(alice.User.ID, bob.User.ID)
	aliceConn.waitOnline(alice.User.ID, bob.User.ID)

	// When Bob leaves, Alice sees him go
	require.NoError(t, bobConn.conn.Close())
	aliceConn.waitOnline(alice.User.ID)
}

func TestWebsocket_LiveDeliveryReachesEveryDevice(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	alice := env.signup(t, "alice")
	bob := env.signup(t, "bob")

	aliceConn := env.dial(t, alice.Token)
	phone := env.dial(t, bob.Token)
	phone.waitOnline(alice.User.ID, bob.User.ID)
	laptop := env.dial(t, bob.Token)
	laptop.waitOnline(alice.User.ID, bob.User.ID)

	// Given Bob's laptop shows Alice's thread
	opened := laptop.call(protocol.MethodOpenThread, protocol.OpenThreadParams{CounterpartID: alice.User.ID})
	req.True(opened.Succeeded(), "%+v", opened.Error)

	// When Alice sends
	res := aliceConn.call(protocol.MethodSend, protocol.SendParams{RecipientID: bob.User.ID, Text: "hello bob"})
	req.True(res.Succeeded(), "%+v", res.Error)
	var sent chat.Message
	req.NoError(res.Decode(&sent))
	req.True(sent.Seen)

	// Then both devices receive the message
	req.Equal("hello bob", laptop.waitMessage(sent.ID).Text)
	req.True(phone.waitMessage(sent.ID).Seen)

	roster := env.roster(t, bob.Token)
	req.Zero(roster.Unseen[alice.User.ID])
}

func TestWebsocket_UnseenWhenThreadClosed(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	alice := env.signup(t, "alice")
	bob := env.signup(t, "bob")

	aliceConn := env.dial(t, alice.Token)
	bobConn := env.dial(t, bob.Token)

	// Given Bob opened then closed Alice's thread
	req.True(bobConn.call(protocol.MethodOpenThread, protocol.OpenThreadParams{CounterpartID: alice.User.ID}).Succeeded())
	req.True(bobConn.call(protocol.MethodCloseThread, nil).Succeeded())

	// When Alice sends twice
	var last chat.Message
	for _, text := range []string{"one", "two"} {
		res := aliceConn.call(protocol.MethodSend, protocol.SendParams{RecipientID: bob.User.ID, Text: text})
		req.True(res.Succeeded(), "%+v", res.Error)
		req.NoError(res.Decode(&last))
		req.False(last.Seen)
	}

	// Then Bob's roster counts them
	roster := env.roster(t, bob.Token)
	req.Equal(2, roster.Unseen[alice.User.ID])
	req.Contains(roster.Online, alice.User.ID)
	req.Len(roster.Users, 1)

	// When Bob opens the thread the counter resets
	res := bobConn.call(protocol.MethodOpenThread, protocol.OpenThreadParams{CounterpartID: alice.User.ID})
	req.True(res.Succeeded())
	var view protocol.OpenThreadResult
	req.NoError(res.Decode(&view))
	req.Equal(2, view.ResetUnseen)
	req.Len(view.Messages, 2)
	req.Equal("one", view.Messages[0].Text)
	req.Zero(env.roster(t, bob.Token).Unseen[alice.User.ID])

	// Only the recipient may mark it seen
	denied := aliceConn.call(protocol.MethodMarkSeen, protocol.MarkSeenParams{MessageID: last.ID})
	req.False(denied.Succeeded())
	req.Equal("not_found", denied.Error.Code)

	ack := bobConn.call(protocol.MethodMarkSeen, protocol.MarkSeenParams{MessageID: last.ID})
	req.True(ack.Succeeded())
	var result protocol.MarkSeenResult
	req.NoError(ack.Decode(&result))
	req.True(result.Ack)
}

func TestWebsocket_RequestErrors(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	alice := env.signup(t, "alice")
	conn := env.dial(t, alice.Token)

	cases := []struct {
		method string
		params any
		code   string
	}{
		{protocol.MethodSend, protocol.SendParams{RecipientID: alice.User.ID, Text: "me"}, "validation"},
		{protocol.MethodSend, protocol.SendParams{RecipientID: "ghost", Text: "boo"}, "not_found"},
		{protocol.MethodSend, protocol.SendParams{RecipientID: "ghost", ImageRef: "missing.png"}, "validation"},
		{protocol.MethodOpenThread, protocol.OpenThreadParams{CounterpartID: "ghost"}, "not_found"},
		{protocol.MethodMarkSeen, protocol.MarkSeenParams{MessageID: "nope"}, "not_found"},
		{protocol.MethodSend, nil, "bad_request"},
		{"dance", map[string]string{}, "bad_request"},
	}
	for _, tc := range cases {
		res := conn.call(tc.method, tc.params)
		req.False(res.Succeeded(), tc.method)
		req.Equal(tc.code, res.Error.Code, tc.method)
	}
}

func TestHTTP_AuthFlow(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	session := env.signup(t, "Alice ")
	req.Equal("alice", session.User.Username)

	body, _ := json.Marshal(auth.SignupRequest{Username: "alice", Password: "correct-horse"})
	resp, err := http.Post(env.http.URL+"/api/auth/signup", "application/json", bytes.NewReader(body))
	req.NoError(err)
	resp.Body.Close()
	req.Equal(http.StatusBadRequest, resp.StatusCode)

	body, _ = json.Marshal(auth.LoginRequest{Username: "alice", Password: "wrong-horse"})
	resp, err = http.Post(env.http.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	req.NoError(err)
	resp.Body.Close()
	req.Equal(http.StatusUnauthorized, resp.StatusCode)

	body, _ = json.Marshal(auth.LoginRequest{Username: "alice", Password: "correct-horse"})
	resp, err = http.Post(env.http.URL+"/api/auth/login", "application/json", bytes.NewReader(body))
	req.NoError(err)
	var login auth.Session
	req.NoError(json.NewDecoder(resp.Body).Decode(&login))
	resp.Body.Close()
	req.Equal(session.User.ID, login.User.ID)

	check, err := http.NewRequest(http.MethodGet, env.http.URL+"/api/auth/check", nil)
	req.NoError(err)
	check.Header.Set("Authorization", "Bearer "+login.Token)
	resp, err = http.DefaultClient.Do(check)
	req.NoError(err)
	var me checkResponse
	req.NoError(json.NewDecoder(resp.Body).Decode(&me))
	resp.Body.Close()
	req.Equal(session.User.ID, me.User.ID)

	resp, err = http.Get(env.http.URL + "/api/users")
	req.NoError(err)
	resp.Body.Close()
	req.Equal(http.StatusUnauthorized, resp.StatusCode)
}

func TestHTTP_StatusAndMetrics(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	alice := env.signup(t, "alice")
	conn := env.dial(t, alice.Token)
	conn.waitOnline(alice.User.ID)

	resp, err := http.Get(env.http.URL + "/api/status")
	req.NoError(err)
	var status statusResponse
	req.NoError(json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	req.Equal("ok", status.Status)
	req.Equal(1, status.Online)

	scrape := func() string {
		resp, err := http.Get(env.http.URL + "/metrics")
		if err != nil {
			return ""
		}
		defer resp.Body.Close()
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		return buf.String()
	}
	req.Contains(scrape(), "chatline_signups_total 1")
	req.Eventually(func() bool {
		return strings.Contains(scrape(), "chatline_active_connections 1")
	}, 3*time.Second, 20*time.Millisecond)
}

func (e testEnv) upload(t *testing.T, token, filename string, content []byte) *http.Response {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req, err := http.NewRequest(http.MethodPost, e.http.URL+"/api/upload", body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func (e testEnv) putProfile(t *testing.T, token string, profile auth.ProfileRequest) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	body, err := json.Marshal(profile)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPut, e.http.URL+"/api/auth/profile", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestHTTP_UpdateProfile(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	alice := env.signup(t, "alice")
	bob := env.signup(t, "bob")

	// Given Alice uploaded a picture
	resp := env.upload(t, alice.Token, "me.png", pngHeader)
	var uploaded UploadedImage
	req.NoError(json.NewDecoder(resp.Body).Decode(&uploaded))
	resp.Body.Close()
	req.Equal(http.StatusCreated, resp.StatusCode)

	// When she updates her profile with it
	resp, body := env.putProfile(t, alice.Token, auth.ProfileRequest{FullName: " Alice Liddell ", Bio: "curious", AvatarRef: uploaded.ImageRef})
	req.Equal(http.StatusOK, resp.StatusCode)
	var updated chat.User
	req.NoError(json.Unmarshal(body["user"], &updated))
	req.Equal("Alice Liddell", updated.FullName)
	req.Equal(uploaded.ImageRef, updated.AvatarRef)

	// Then Bob's roster shows the new profile
	roster := env.roster(t, bob.Token)
	req.Len(roster.Users, 1)
	req.Equal(updated, roster.Users[0])

	// An edit without a picture keeps the current one
	resp, body = env.putProfile(t, alice.Token, auth.ProfileRequest{FullName: "Alice", Bio: ""})
	req.Equal(http.StatusOK, resp.StatusCode)
	req.NoError(json.Unmarshal(body["user"], &updated))
	req.Equal(uploaded.ImageRef, updated.AvatarRef)
	req.Empty(updated.Bio)

	resp, body = env.putProfile(t, alice.Token, auth.ProfileRequest{AvatarRef: "6f1c2a52-8a0e-4a53-9d7e-3b1f5c9e2d10.png"})
	req.Equal(http.StatusBadRequest, resp.StatusCode)
	req.JSONEq(`"validation"`, string(body["code"]))

	resp, body = env.putProfile(t, alice.Token, auth.ProfileRequest{Bio: strings.Repeat("x", 300)})
	req.Equal(http.StatusBadRequest, resp.StatusCode)
	req.JSONEq(`"validation"`, string(body["code"]))

	resp, _ = env.putProfile(t, "", auth.ProfileRequest{FullName: "Mallory"})
	req.Equal(http.StatusUnauthorized, resp.StatusCode)
}

func TestHTTP_UploadFailuresAreCounted(t *testing.T) {
	req := require.New(t)
	env := newTestEnv(t)
	alice := env.signup(t, "alice")

	resp := env.upload(t, alice.Token, "notes.png", []byte("just some text pretending"))
	var failure map[string]string
	req.NoError(json.NewDecoder(resp.Body).Decode(&failure))
	resp.Body.Close()
	req.Equal(http.StatusUnsupportedMediaType, resp.StatusCode)
	req.Equal("unsupported_media", failure["code"])

	resp, err := http.Get(env.http.URL + "/api/files/not-a-ref.png")
	req.NoError(err)
	req.NoError(json.NewDecoder(resp.Body).Decode(&failure))
	resp.Body.Close()
	req.Equal(http.StatusNotFound, resp.StatusCode)
	req.Equal("not_found", failure["code"])

	resp, err = http.Get(env.http.URL + "/metrics")
	req.NoError(err)
	defer resp.Body.Close()
	var metrics bytes.Buffer
	_, err = metrics.ReadFrom(resp.Body)
	req.NoError(err)
	req.Contains(metrics.String(), `chatline_request_errors_total{code="unsupported_media"} 1`)
	req.Contains(metrics.String(), `chatline_request_errors_total{code="not_found"} 1`)
}
