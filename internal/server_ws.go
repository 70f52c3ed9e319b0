package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatline/internal/delivery"
	"chatline/internal/errs"
	"chatline/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMsgSize     = 8192
	sendQueueSize  = 256
	requestTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsSession is one authenticated websocket. Requests are handled in order on
// the read goroutine; everything outbound goes through the send queue.
type wsSession struct {
	server *Server
	conn   *websocket.Conn
	userID string
	connID string

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// ServeWS authenticates ?token=, upgrades, and registers the connection.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	userID, err := s.accounts.Authenticate(token)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	session := &wsSession{
		server: s,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, sendQueueSize),
	}
	go session.writePump()

	connID, err := s.registry.Register(userID, session)
	if err != nil {
		s.log.Warn("Connection rejected", "user_id", userID, "error", err)
		session.closeSend()
		return
	}
	session.connID = connID
	s.track(session)
	s.metrics.IncConn()
	s.log.Info("Client connected", "user_id", userID, "conn_id", connID)

	go session.readPump()
}

// Enqueue implements presence.Conn. A full queue marks the peer as a slow
// consumer and hangs up on it.
func (ws *wsSession) Enqueue(payload []byte) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		return false
	}
	select {
	case ws.send <- payload:
		return true
	default:
		ws.closed = true
		close(ws.send)
		return false
	}
}

func (ws *wsSession) closeSend() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if !ws.closed {
		ws.closed = true
		close(ws.send)
	}
}

func (ws *wsSession) readPump() {
	server := ws.server
	defer func() {
		server.registry.Unregister(ws.connID)
		ws.closeSend()
		server.untrack(ws)
		server.metrics.DecConn()
		_ = ws.conn.Close()
		server.log.Info("Client disconnected", "user_id", ws.userID, "conn_id", ws.connID)
	}()
	ws.conn.SetReadLimit(maxMsgSize)
	_ = ws.conn.SetReadDeadline(time.Now().Add(pongWait))
	ws.conn.SetPongHandler(func(string) error {
		return ws.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				server.log.Debug("Websocket read failed", "conn_id", ws.connID, "error", err)
			}
			return
		}
		ws.handle(payload)
	}
}

func (ws *wsSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = ws.conn.Close()
	}()
	for {
		select {
		case message, ok := <-ws.send:
			_ = ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (ws *wsSession) handle(payload []byte) {
	var frame protocol.Frame
	if err := json.Unmarshal(payload, &frame); err != nil || frame.Type != protocol.TypeRequest {
		ws.respondError(frame.ID, fmt.Errorf("%w: expected a request frame", errs.ErrBadRequest))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	result, err := ws.dispatch(ctx, frame)
	cancel()
	if err != nil {
		ws.respondError(frame.ID, err)
		return
	}
	response, err := protocol.NewResult(frame.ID, result)
	if err != nil {
		ws.respondError(frame.ID, err)
		return
	}
	ws.write(response)
}

func (ws *wsSession) dispatch(ctx context.Context, frame protocol.Frame) (any, error) {
	coord := ws.server.coord
	switch frame.Method {
	case protocol.MethodOpenThread:
		var params protocol.OpenThreadParams
		if err := decodeParams(frame, &params); err != nil {
			return nil, err
		}
		view, err := coord.OpenThread(ctx, ws.userID, ws.connID, params.CounterpartID)
		if err != nil {
			return nil, err
		}
		return protocol.OpenThreadResult{Messages: view.Messages, ResetUnseen: view.ResetUnseen}, nil

	case protocol.MethodCloseThread:
		coord.CloseThread(ws.connID)
		return struct{}{}, nil

	case protocol.MethodSend:
		if !ws.server.sendLimiter.Allow(ws.userID) {
			return nil, fmt.Errorf("%w: slow down", errs.ErrRateLimited)
		}
		var params protocol.SendParams
		if err := decodeParams(frame, &params); err != nil {
			return nil, err
		}
		if params.ImageRef != "" && !ws.server.uploads.Exists(params.ImageRef) {
			return nil, fmt.Errorf("%w: unknown image %q", errs.ErrValidation, params.ImageRef)
		}
		return coord.Send(ctx, ws.userID, delivery.SendRequest{
			RecipientID: params.RecipientID,
			Text:        params.Text,
			ImageRef:    params.ImageRef,
		})

	case protocol.MethodMarkSeen:
		var params protocol.MarkSeenParams
		if err := decodeParams(frame, &params); err != nil {
			return nil, err
		}
		if err := coord.MarkSeen(ctx, ws.userID, params.MessageID); err != nil {
			return nil, err
		}
		return protocol.MarkSeenResult{Ack: true}, nil

	default:
		return nil, fmt.Errorf("%w: unknown method %q", errs.ErrBadRequest, frame.Method)
	}
}

func decodeParams(frame protocol.Frame, out any) error {
	if len(frame.Params) == 0 {
		return fmt.Errorf("%w: missing params", errs.ErrBadRequest)
	}
	if err := json.Unmarshal(frame.Params, out); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrBadRequest, err)
	}
	return nil
}

func (ws *wsSession) respondError(id string, err error) {
	code := errs.Code(err)
	message := err.Error()
	if code == errs.CodeInternal {
		ws.server.log.Error("Request failed", "user_id", ws.userID, "conn_id", ws.connID, "error", err)
		message = "internal error"
	}
	ws.server.metrics.RequestFailed(code)
	ws.write(protocol.NewFailure(id, code, message))
}

func (ws *wsSession) write(frame protocol.Frame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		ws.server.log.Error("Unable to encode frame", "conn_id", ws.connID, "error", err)
		return
	}
	if !ws.Enqueue(payload) {
		ws.server.metrics.DeliveryDropped(frame.Type)
	}
}
