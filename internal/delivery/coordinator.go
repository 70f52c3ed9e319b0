// Package delivery decides, for every message, whether it is pushed live and
// marked seen or accumulated as an unseen count.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"chatline/internal/chat"
	"chatline/internal/errs"
	"chatline/internal/protocol"
)

// delivery paths reported to Stats
const (
	PathLive   = "live"
	PathUnseen = "unseen"
)

// Connections is the slice of the presence registry the coordinator uses.
type Connections interface {
	ThreadOpen(userID, counterpartID string) bool
	Deliver(userID string, payload []byte) int
	SetActiveThread(connID, counterpartID string) bool
	ActiveThread(connID string) string
	ClearActiveThread(connID string)
	OnlineUserIDs() []string
}

type Stats interface {
	MessageSent(path string)
	DeliveryDropped(kind string)
}

type SendRequest struct {
	RecipientID string `json:"recipient_id" validate:"required"`
	Text        string `json:"text" validate:"required_without=ImageRef,max=4000"`
	ImageRef    string `json:"image_ref,omitempty" validate:"max=128"`
}

type ThreadView struct {
	Messages    []chat.Message `json:"messages"`
	ResetUnseen int            `json:"reset_unseen"`
}

// Roster is the sidebar: other users, unseen counts by sender, online ids.
type Roster struct {
	Users  []chat.User    `json:"users"`
	Unseen map[string]int `json:"unseen"`
	Online []string       `json:"online"`
}

type Coordinator struct {
	store     MessageStore
	directory Directory
	conns     Connections
	stats     Stats
	validate  *validator.Validate
	log       *slog.Logger
}

func NewCoordinator(store MessageStore, directory Directory, conns Connections, stats Stats, log *slog.Logger) *Coordinator {
	return &Coordinator{
		store:     store,
		directory: directory,
		conns:     conns,
		stats:     stats,
		validate:  validator.New(),
		log:       log,
	}
}

// Send persists the message and either pushes it to every recipient
// connection, when one of them has the sender's thread open, or bumps the
// recipient's unseen counter. It never waits on the recipient.
func (c *Coordinator) Send(ctx context.Context, senderID string, req SendRequest) (chat.Message, error) {
	if senderID == "" {
		return chat.Message{}, fmt.Errorf("%w: anonymous sender", errs.ErrUnauthorized)
	}
	req.RecipientID = strings.TrimSpace(req.RecipientID)
	req.Text = strings.TrimSpace(req.Text)
	req.ImageRef = strings.TrimSpace(req.ImageRef)
	if err := c.validate.Struct(req); err != nil {
		return chat.Message{}, fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	if req.RecipientID == senderID {
		return chat.Message{}, fmt.Errorf("%w: cannot message yourself", errs.ErrValidation)
	}

	if err := c.requireUser(ctx, req.RecipientID); err != nil {
		return chat.Message{}, err
	}

	msg, err := c.store.StoreMessage(ctx, chat.Message{
		SenderID:    senderID,
		RecipientID: req.RecipientID,
		Text:        req.Text,
		ImageRef:    req.ImageRef,
	})
	if err != nil {
		return chat.Message{}, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}

	if c.conns.ThreadOpen(msg.RecipientID, msg.SenderID) {
		err := c.store.SetSeen(ctx, msg.ID)
		if err == nil {
			msg.Seen = true
			c.push(msg)
			c.observe(PathLive)
			return msg, nil
		}
		c.log.Warn("Unable to mark live message seen, counting it unseen", "message_id", msg.ID, "error", err)
	}

	if _, err := c.store.IncrementUnseen(ctx, msg.RecipientID, msg.SenderID); err != nil {
		return chat.Message{}, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	c.observe(PathUnseen)
	return msg, nil
}

// OpenThread makes counterpartID the active thread of the connection, returns
// the whole conversation and clears the viewer's unseen counter for it.
func (c *Coordinator) OpenThread(ctx context.Context, viewerID, connID, counterpartID string) (ThreadView, error) {
	counterpartID = strings.TrimSpace(counterpartID)
	if counterpartID == "" || counterpartID == viewerID {
		return ThreadView{}, fmt.Errorf("%w: invalid counterpart", errs.ErrValidation)
	}
	if err := c.requireUser(ctx, counterpartID); err != nil {
		return ThreadView{}, err
	}

	previous := c.conns.ActiveThread(connID)
	if !c.conns.SetActiveThread(connID, counterpartID) {
		c.log.Debug("Thread opened on an unregistered connection", "user_id", viewerID, "conn_id", connID)
	}

	messages, err := c.store.ListMessages(ctx, viewerID, counterpartID)
	if err != nil {
		c.conns.SetActiveThread(connID, previous)
		return ThreadView{}, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	reset, err := c.store.ResetUnseen(ctx, viewerID, counterpartID)
	if err != nil {
		c.conns.SetActiveThread(connID, previous)
		return ThreadView{}, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	return ThreadView{Messages: messages, ResetUnseen: reset}, nil
}

// CloseThread drops the connection's active thread.
func (c *Coordinator) CloseThread(connID string) {
	c.conns.ClearActiveThread(connID)
}

// MarkSeen flags a message addressed to viewerID as seen.
func (c *Coordinator) MarkSeen(ctx context.Context, viewerID, messageID string) error {
	msg, err := c.store.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	// other users' messages are reported as missing
	if msg == nil || msg.RecipientID != viewerID {
		return fmt.Errorf("%w: message %s", errs.ErrNotFound, messageID)
	}
	if msg.Seen {
		return nil
	}
	if err := c.store.SetSeen(ctx, messageID); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	return nil
}

// Roster lists every other user with the viewer's unseen counts and the
// current online set.
func (c *Coordinator) Roster(ctx context.Context, viewerID string) (Roster, error) {
	users, err := c.directory.ListUsers(ctx)
	if err != nil {
		return Roster{}, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	unseen, err := c.store.UnseenCounts(ctx, viewerID)
	if err != nil {
		return Roster{}, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	return Roster{
		Users: lo.Filter(users, func(u chat.User, _ int) bool {
			return u.ID != viewerID
		}),
		Unseen: unseen,
		Online: c.conns.OnlineUserIDs(),
	}, nil
}

func (c *Coordinator) requireUser(ctx context.Context, userID string) error {
	exists, err := c.directory.UserExists(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	if !exists {
		return fmt.Errorf("%w: user %s", errs.ErrNotFound, userID)
	}
	return nil
}

// push is best effort; persistence already happened.
func (c *Coordinator) push(msg chat.Message) {
	payload, err := protocol.EncodeEvent(protocol.EventNewMessage, protocol.NewMessage{Message: msg})
	if err != nil {
		c.log.Error("Unable to encode message event", "message_id", msg.ID, "error", err)
		return
	}
	if delivered := c.conns.Deliver(msg.RecipientID, payload); delivered == 0 {
		c.log.Debug("Live message reached no connection", "message_id", msg.ID, "user_id", msg.RecipientID)
		if c.stats != nil {
			c.stats.DeliveryDropped(protocol.EventNewMessage)
		}
	}
}

func (c *Coordinator) observe(path string) {
	if c.stats != nil {
		c.stats.MessageSent(path)
	}
}
