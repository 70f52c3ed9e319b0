// Package protocol describes the JSON frames exchanged over the chat websocket.
package protocol

import (
	"encoding/json"

	"chatline/internal/chat"
)

// frame kinds
const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "event"
)

// request methods
const (
	MethodOpenThread  = "open_thread"
	MethodCloseThread = "close_thread"
	MethodSend        = "send"
	MethodMarkSeen    = "mark_seen"
)

// server pushed events
const (
	EventOnlineUsersChanged = "online_users_changed"
	EventNewMessage         = "new_message"
)

// Frame is the single envelope used in both directions. Requests carry Method
// and Params, responses carry OK with Payload or Error, events carry Event and
// Payload.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Event   string          `json:"event,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

type OpenThreadParams struct {
	CounterpartID string `json:"counterpart_id"`
}

type OpenThreadResult struct {
	Messages    []chat.Message `json:"messages"`
	ResetUnseen int            `json:"reset_unseen"`
}

type SendParams struct {
	RecipientID string `json:"recipient_id"`
	Text        string `json:"text"`
	ImageRef    string `json:"image_ref,omitempty"`
}

type MarkSeenParams struct {
	MessageID string `json:"message_id"`
}

type MarkSeenResult struct {
	Ack bool `json:"ack"`
}

type OnlineUsersChanged struct {
	UserIDs []string `json:"user_ids"`
}

type NewMessage struct {
	Message chat.Message `json:"message"`
}

// NewRequest builds a request frame with params encoded as JSON.
func NewRequest(id, method string, params any) (Frame, error) {
	raw, err := marshalOptional(params)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: TypeRequest, ID: id, Method: method, Params: raw}, nil
}

// NewResult builds a successful response to request id.
func NewResult(id string, payload any) (Frame, error) {
	raw, err := marshalOptional(payload)
	if err != nil {
		return Frame{}, err
	}
	ok := true
	return Frame{Type: TypeResponse, ID: id, OK: &ok, Payload: raw}, nil
}

// NewFailure builds a failed response to request id.
func NewFailure(id, code, message string) Frame {
	ok := false
	return Frame{Type: TypeResponse, ID: id, OK: &ok, Error: &Error{Code: code, Message: message}}
}

// NewEvent builds a server pushed event frame.
func NewEvent(event string, payload any) (Frame, error) {
	raw, err := marshalOptional(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: TypeEvent, Event: event, Payload: raw}, nil
}

// EncodeEvent returns the wire bytes of an event, ready to be queued on many
// connections.
func EncodeEvent(event string, payload any) ([]byte, error) {
	frame, err := NewEvent(event, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame)
}

// Succeeded reports whether a response frame carries a result.
func (f Frame) Succeeded() bool {
	return f.OK != nil && *f.OK
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(f.Payload, v)
}

func marshalOptional(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
