// Package presence tracks which users hold live connections and keeps every
// connection informed of the online set.
package presence

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"chatline/internal/errs"
)

var ErrClosed = errors.New("registry closed")

// Conn is the outbound side of a live connection. Enqueue must not block; it
// reports false when the payload could not be queued.
type Conn interface {
	Enqueue(payload []byte) bool
}

// Target is a connection addressed by a presence broadcast.
type Target struct {
	ConnID string
	UserID string
	Conn   Conn
}

// Notifier is invoked after every registry mutation, while the registry lock
// is still held, with the sorted online set and every live connection. It
// must not block and must not call back into the registry.
type Notifier interface {
	PresenceChanged(online []string, targets []Target)
}

type connEntry struct {
	userID       string
	conn         Conn
	activeThread string
}

// Registry maps user ids to their live connections. A user is online iff it
// holds at least one connection.
type Registry struct {
	mu       sync.RWMutex
	users    map[string]map[string]struct{}
	conns    map[string]*connEntry
	notifier Notifier
	log      *slog.Logger
	closed   bool
}

func NewRegistry(notifier Notifier, log *slog.Logger) *Registry {
	return &Registry{
		users:    make(map[string]map[string]struct{}),
		conns:    make(map[string]*connEntry),
		notifier: notifier,
		log:      log,
	}
}

// Register adds conn to the user's connection set and returns its id.
func (r *Registry) Register(userID string, conn Conn) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: empty user id", errs.ErrUnauthorized)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", ErrClosed
	}

	connID := uuid.NewString()
	set, ok := r.users[userID]
	if !ok {
		set = make(map[string]struct{})
		r.users[userID] = set
	}
	set[connID] = struct{}{}
	r.conns[connID] = &connEntry{userID: userID, conn: conn}

	r.log.Debug("Connection registered", "user_id", userID, "conn_id", connID, "connections", len(set))
	r.notifyLocked()
	return connID, nil
}

// Unregister removes the connection. Unknown ids are ignored and emit nothing.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(r.conns, connID)
	if set, ok := r.users[entry.userID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.users, entry.userID)
		}
	}

	r.log.Debug("Connection unregistered", "user_id", entry.userID, "conn_id", connID)
	r.notifyLocked()
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// ConnectionsFor returns the sorted connection ids of userID, empty when offline.
func (r *Registry) ConnectionsFor(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := lo.Keys(r.users[userID])
	slices.Sort(ids)
	return ids
}

// OnlineUserIDs returns a sorted snapshot of the online set.
func (r *Registry) OnlineUserIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.onlineLocked()
}

// SetActiveThread records the thread the connection is looking at. It returns
// false when the connection is not registered.
func (r *Registry) SetActiveThread(connID, counterpartID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.conns[connID]
	if !ok {
		return false
	}
	entry.activeThread = counterpartID
	return true
}

func (r *Registry) ClearActiveThread(connID string) {
	r.SetActiveThread(connID, "")
}

// ActiveThread returns the counterpart the connection has open, if any.
func (r *Registry) ActiveThread(connID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.conns[connID]; ok {
		return entry.activeThread
	}
	return ""
}

// ThreadOpen reports whether any of userID's connections has the thread with
// counterpartID open.
func (r *Registry) ThreadOpen(userID, counterpartID string) bool {
	if counterpartID == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for connID := range r.users[userID] {
		if r.conns[connID].activeThread == counterpartID {
			return true
		}
	}
	return false
}

// Deliver queues payload on every connection of userID and returns how many
// accepted it.
func (r *Registry) Deliver(userID string, payload []byte) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	delivered := 0
	for connID := range r.users[userID] {
		if r.conns[connID].conn.Enqueue(payload) {
			delivered++
		} else {
			r.log.Debug("Delivery dropped", "user_id", userID, "conn_id", connID)
		}
	}
	return delivered
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Close drops every entry without broadcasting. Later registrations fail.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	clear(r.users)
	clear(r.conns)
}

func (r *Registry) onlineLocked() []string {
	ids := lo.Keys(r.users)
	slices.Sort(ids)
	return ids
}

func (r *Registry) notifyLocked() {
	if r.notifier == nil {
		return
	}
	targets := make([]Target, 0, len(r.conns))
	for connID, entry := range r.conns {
		targets = append(targets, Target{ConnID: connID, UserID: entry.userID, Conn: entry.conn})
	}
	r.notifier.PresenceChanged(r.onlineLocked(), targets)
}
