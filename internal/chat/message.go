// Package chat holds the value types shared by the server, the stores and the client.
package chat

import "time"

// Message is a direct message between two users. Seen is the only field that
// changes after creation and it only ever moves from false to true.
type Message struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id"`
	Text        string    `json:"text"`
	ImageRef    string    `json:"image_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Seen        bool      `json:"seen"`
}

// Counterpart returns the other participant of the message as seen from userID.
func (m Message) Counterpart(userID string) string {
	if m.SenderID == userID {
		return m.RecipientID
	}
	return m.SenderID
}

// User is the public profile of a registered account.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	FullName  string    `json:"full_name,omitempty"`
	Bio       string    `json:"bio,omitempty"`
	AvatarRef string    `json:"avatar_ref,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
