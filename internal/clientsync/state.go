// Package clientsync mirrors, on the client, the server state a user looks
// at: who is online, unseen counts per sender and the open thread.
//
// State is driven from a single UI goroutine and is not safe for concurrent use.
package clientsync

import (
	"slices"

	"github.com/samber/lo"

	"chatline/internal/chat"
)

type State struct {
	selfID string

	users  []chat.User
	online map[string]struct{}
	unseen map[string]int

	active   string
	messages []chat.Message
	pending  bool
	early    []chat.Message
	stale    bool
}

func New(selfID string) *State {
	return &State{
		selfID: selfID,
		online: make(map[string]struct{}),
		unseen: make(map[string]int),
	}
}

// ApplyOnlineUsers replaces the online set wholesale.
func (s *State) ApplyOnlineUsers(ids []string) {
	s.online = lo.Keyify(ids)
}

// ApplyRoster replaces the user list and the unseen counts.
func (s *State) ApplyRoster(users []chat.User, unseen map[string]int) {
	s.users = slices.Clone(users)
	s.unseen = make(map[string]int, len(unseen))
	for sender, count := range unseen {
		if count > 0 {
			s.unseen[sender] = count
		}
	}
	// the open thread is read on screen
	if s.active != "" && !s.pending {
		delete(s.unseen, s.active)
	}
}

// Select starts opening the thread with counterpart. Its history arrives
// through ApplyThread.
func (s *State) Select(counterpart string) {
	s.active = counterpart
	s.messages = nil
	s.early = nil
	s.pending = true
}

// Deselect closes the current thread.
func (s *State) Deselect() {
	s.active = ""
	s.messages = nil
	s.early = nil
	s.pending = false
}

// ApplyThread installs the history of counterpart and returns the ids of
// incoming messages that still need a mark_seen. Responses for a thread
// that is no longer selected are ignored.
func (s *State) ApplyThread(counterpart string, messages []chat.Message) []string {
	if counterpart != s.active {
		return nil
	}
	merged := slices.Clone(messages)
	for _, msg := range s.early {
		if !containsMessage(merged, msg.ID) {
			merged = append(merged, msg)
		}
	}
	s.messages = merged
	s.early = nil
	s.pending = false
	s.stale = false
	delete(s.unseen, counterpart)

	return lo.FilterMap(s.messages, func(m chat.Message, _ int) (string, bool) {
		return m.ID, m.SenderID == counterpart && !m.Seen
	})
}

// ApplyNewMessage handles a pushed message. It returns true when the message
// was appended to the open thread without being seen yet, so the caller
// should send mark_seen for it. Messages for other threads only count as
// unseen when the server counted them too.
func (s *State) ApplyNewMessage(msg chat.Message) bool {
	if msg.SenderID == s.selfID {
		return false
	}
	if msg.SenderID == s.active {
		if s.pending {
			s.early = append(s.early, msg)
			return false
		}
		if containsMessage(s.messages, msg.ID) {
			return false
		}
		s.messages = append(s.messages, msg)
		return !msg.Seen
	}
	// seen on another device: the server counter did not move either
	if !msg.Seen {
		s.unseen[msg.SenderID]++
	}
	return false
}

// ApplySent appends the user's own message to the thread it belongs to.
func (s *State) ApplySent(msg chat.Message) {
	if msg.RecipientID != s.active || s.pending || containsMessage(s.messages, msg.ID) {
		return
	}
	s.messages = append(s.messages, msg)
}

// ApplySeen flags a message of the open thread as seen.
func (s *State) ApplySeen(id string) {
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].Seen = true
			return
		}
	}
}

// Disconnected marks everything received so far as possibly outdated.
func (s *State) Disconnected() {
	s.stale = true
	clear(s.online)
}

// Reconnected returns the counterpart whose thread must be fetched again,
// or "" when no thread is open.
func (s *State) Reconnected() string {
	if s.active == "" {
		s.stale = false
		return ""
	}
	s.pending = true
	s.early = nil
	return s.active
}

func (s *State) SelfID() string           { return s.selfID }
func (s *State) Active() string           { return s.active }
func (s *State) Pending() bool            { return s.pending }
func (s *State) Stale() bool              { return s.stale }
func (s *State) Users() []chat.User       { return s.users }
func (s *State) Messages() []chat.Message { return s.messages }
func (s *State) Unseen(userID string) int { return s.unseen[userID] }

func (s *State) IsOnline(userID string) bool {
	_, ok := s.online[userID]
	return ok
}

// OnlineIDs returns the sorted online set.
func (s *State) OnlineIDs() []string {
	ids := lo.Keys(s.online)
	slices.Sort(ids)
	return ids
}

// TotalUnseen sums every unseen counter.
func (s *State) TotalUnseen() int {
	return lo.Sum(lo.Values(s.unseen))
}

// User returns the profile of id when it is in the roster.
func (s *State) User(id string) (chat.User, bool) {
	return lo.Find(s.users, func(u chat.User) bool { return u.ID == id })
}

func containsMessage(messages []chat.Message, id string) bool {
	return lo.ContainsBy(messages, func(m chat.Message) bool { return m.ID == id })
}
